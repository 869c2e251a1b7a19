package logx

import (
	"time"

	"github.com/rs/zerolog"
)

// Field mutates a zerolog event. Fields are applied in order; later keys win.
type Field func(e *zerolog.Event)

func String(k, v string) Field           { return func(e *zerolog.Event) { e.Str(k, v) } }
func Strings(k string, v []string) Field { return func(e *zerolog.Event) { e.Strs(k, v) } }
func Int(k string, v int) Field          { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field      { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field    { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field        { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Any(k string, v any) Field          { return func(e *zerolog.Event) { e.Interface(k, v) } }

func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}

// Err adds err under "err". A nil error adds nothing.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

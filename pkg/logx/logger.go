package logx

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

// Logger is a value-type structured logger. Loggers derived from a Service
// follow its Apply swaps; the zero value discards everything.
type Logger struct {
	svc    *Service
	static *zerolog.Logger
	fields []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{static: &zl}
}

// NewWriter logs JSON lines to w. Tests use it to capture output.
func NewWriter(w io.Writer, level string) Logger {
	zl := zerolog.New(w).Level(ParseLevel(level, LevelDebug)).With().Timestamp().Logger()
	return Logger{static: &zl}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.static == nil && len(l.fields) == 0 }

func (l Logger) zl() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.static != nil:
		return *l.static
	default:
		return zerolog.Nop()
	}
}

// Enabled reports whether level would be written.
func (l Logger) Enabled(level Level) bool {
	zl := l.zl()
	return level >= zl.GetLevel()
}

// With returns a logger that adds fields to every line.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append(make([]Field, 0, len(l.fields)+len(fields)), l.fields...), fields...)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.write(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.write(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(LevelError, msg, fields) }

// Log writes at an explicit level; run log events pick the level at runtime.
func (l Logger) Log(level Level, msg string, fields ...Field) { l.write(level, msg, fields) }

func (l Logger) write(level Level, msg string, fields []Field) {
	zl := l.zl()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// write is always two frames below the caller.
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, group := range [][]Field{l.fields, fields} {
		for _, f := range group {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

// ParseLevel maps a level name to a zerolog level, falling back to def.
func ParseLevel(s string, def Level) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return def
}

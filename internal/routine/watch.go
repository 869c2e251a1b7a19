package routine

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "envfleet/pkg/logx"
)

// Watcher reports edits in the routines directory.
//
// Scripts are already read per invocation, so the watcher does not
// invalidate anything. It bumps the registry generation and tells OnChange
// which file moved.
type Watcher struct {
	Dir      string
	Registry *Registry
	Log      logx.Logger
	Debounce time.Duration
	OnChange func(file string, gen uint64)
}

// Run blocks until ctx is done. A watcher that breaks is recreated with backoff.
func (w *Watcher) Run(ctx context.Context) error {
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	const (
		backoffBase = 250 * time.Millisecond
		backoffMax  = 5 * time.Second
	)
	backoff := backoffBase

	var (
		mu      sync.Mutex
		pending = map[string]*time.Timer{}
	)
	fire := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		if t := pending[name]; t != nil {
			t.Stop()
		}
		pending[name] = time.AfterFunc(debounce, func() {
			mu.Lock()
			delete(pending, name)
			mu.Unlock()
			gen := uint64(0)
			if w.Registry != nil {
				gen = w.Registry.Touch()
			}
			w.Log.Info("routine changed", logx.String("file", name), logx.Uint64("gen", gen))
			if w.OnChange != nil {
				w.OnChange(name, gen)
			}
		})
	}
	defer func() {
		mu.Lock()
		for _, t := range pending {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		fw, err := fsnotify.NewWatcher()
		if err == nil {
			if err = fw.Add(w.Dir); err != nil {
				_ = fw.Close()
			}
		}
		if err != nil {
			w.Log.Warn("routine watch failed", logx.String("dir", w.Dir), logx.Err(err), logx.Duration("backoff", backoff))
			if !sleepOrDone(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, backoffMax)
			continue
		}
		backoff = backoffBase
		w.Log.Debug("routine watcher started", logx.String("dir", w.Dir))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if !relevant(ev.Name) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					fire(filepath.Base(ev.Name))
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				w.Log.Warn("routine watch error", logx.String("dir", w.Dir), logx.Err(err))
			}
		}
		_ = fw.Close()
		if !sleepOrDone(ctx, backoff) {
			return nil
		}
	}
}

func relevant(name string) bool {
	base := strings.ToLower(filepath.Base(name))
	if strings.HasSuffix(base, ".js") {
		return true
	}
	for _, a := range aliasFiles {
		if base == a {
			return true
		}
	}
	return false
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

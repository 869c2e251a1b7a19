package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "envfleet/pkg/logx"
)

const (
	watchDebounce    = 250 * time.Millisecond
	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
)

var errWatcherClosed = errors.New("fsnotify watcher closed")

// Watch reloads the config whenever its file changes until ctx is done.
// The parent directory is watched because editors replace files by rename.
// A broken watcher is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	backoff := watchBackoffBase
	for ctx.Err() == nil {
		err := m.watchOnce(ctx, dir, func() { backoff = watchBackoffBase })
		if ctx.Err() != nil {
			break
		}
		d := backoff + rand.N(backoff/2+1)
		backoff = min(2*backoff, watchBackoffMax)
		m.log.Warn("config watcher failed; retrying", logx.String("dir", dir), logx.Err(err), logx.Duration("backoff", d))
		select {
		case <-ctx.Done():
		case <-time.After(d):
		}
	}
	return nil
}

// watchOnce runs one fsnotify watcher. started is called once it is armed.
func (m *ConfigManager) watchOnce(ctx context.Context, dir string, started func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	started()
	if m.onArmed != nil {
		m.onArmed()
	}
	m.log.Debug("watching config", logx.String("path", m.path))

	file := filepath.Base(m.path)
	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	arm := func() {
		if timer == nil {
			timer = time.NewTimer(watchDebounce)
		} else {
			timer.Reset(watchDebounce)
		}
		pending = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pending:
			pending = nil
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && !ev.Has(fsnotify.Chmod) {
				arm()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errWatcherClosed
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; reloading", logx.Err(err))
				arm()
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

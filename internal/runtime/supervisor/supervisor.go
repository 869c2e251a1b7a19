package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "envfleet/pkg/logx"
)

// Supervisor runs named goroutines on a shared context. It recovers panics,
// optionally cancels everything on the first error and can restart long
// running loops with backoff.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	mu       sync.Mutex
	firstErr error
	stats    map[string]*Stats
}

// Stats is the per-name view used by health output.
type Stats struct {
	Name      string    `json:"name"`
	Active    int       `json:"active"`
	Restarts  int       `json:"restarts"`
	Panics    int       `json:"panics"`
	StartedAt time.Time `json:"started_at"`
	LastErr   string    `json:"last_err,omitempty"`
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first non-nil error cancel the supervisor context.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		stats:  map[string]*Stats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded error.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Go runs fn once. A returned error (other than cancellation) or a panic is
// recorded and, with WithCancelOnError, stops the others.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.note(name, func(st *Stats) { st.Active++; st.StartedAt = time.Now() })
		err := s.call(name, fn)
		s.note(name, func(st *Stats) { st.Active-- })
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int // <=0 means unlimited
}

func WithRestartBackoff(lo, hi time.Duration) RestartOption {
	return func(c *restartCfg) {
		if lo > 0 {
			c.minBackoff = lo
		}
		if hi > 0 {
			c.maxBackoff = hi
		}
	}
}

// WithMaxRestarts gives up, recording the error, after n restarts.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// GoRestart runs fn and restarts it after errors or panics with jittered
// exponential backoff. A nil return or cancellation ends it.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.maxBackoff = max(cfg.maxBackoff, cfg.minBackoff)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := cfg.minBackoff
		for restarts := 0; ; restarts++ {
			started := time.Now()
			s.note(name, func(st *Stats) { st.Active++; st.StartedAt = started; st.Restarts = restarts })
			err := s.call(name, fn)
			s.note(name, func(st *Stats) { st.Active-- })

			if s.ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				return
			}
			if cfg.maxRestarts > 0 && restarts >= cfg.maxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(fmt.Errorf("%s: %w", name, err))
				return
			}
			// A loop that ran for a while earns a fresh backoff.
			if time.Since(started) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			wait := backoff + rand.N(backoff/5+1)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	}()
}

func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			s.note(name, func(st *Stats) { st.Panics++ })
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	s.log.Debug("goroutine started", logx.String("name", name))
	err = fn(s.ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.note(name, func(st *Stats) { st.LastErr = err.Error() })
	}
	s.log.Debug("goroutine stopped", logx.String("name", name), logx.Err(err))
	return err
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) note(name string, fn func(*Stats)) {
	s.mu.Lock()
	st := s.stats[name]
	if st == nil {
		st = &Stats{Name: name}
		s.stats[name] = st
	}
	fn(st)
	s.mu.Unlock()
}

// Snapshot returns per-name stats sorted by name.
func (s *Supervisor) Snapshot() []Stats {
	s.mu.Lock()
	out := make([]Stats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

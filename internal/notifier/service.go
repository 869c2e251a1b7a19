package notifier

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"envfleet/internal/eventbus"
	"envfleet/internal/report"
	"envfleet/internal/task/scheduler"
	logx "envfleet/pkg/logx"
)

const (
	kindRun = "run"
	kindLog = "log"

	sendTimeout  = 10 * time.Second
	flushTimeout = 3 * time.Second
)

type message struct {
	kind string
	text string
}

// Service queues messages and delivers them from Run. It implements
// logx.Sender so the remote log sink can forward through it.
//
// It is safe for concurrent use.
type Service struct {
	log logx.Logger
	bus eventbus.Bus
	tr  Transport

	queue chan message

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	dedup   map[string]time.Time
}

var _ logx.Sender = (*Service)(nil)

// New builds the service. The queue size is fixed here; later Apply calls
// only change policy, target and rate.
func New(cfg Config, tr Transport, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		log:   log,
		bus:   bus,
		tr:    tr,
		queue: make(chan message, cfg.QueueSize),
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg.withDefaults())
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Enabled reports whether messages would be delivered.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.tr != nil && s.cfg.ChatID != 0
}

// SendText queues a forwarded log line.
func (s *Service) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.enqueue(message{kind: kindLog, text: escape(text)})
}

// NotifyRun queues the summary of a finished run when the policy wants it.
// It reports whether the summary was queued.
func (s *Service) NotifyRun(sum report.Summary) (bool, error) {
	s.mu.Lock()
	policy := s.cfg.NotifyOn
	s.mu.Unlock()
	if !ShouldNotify(policy, sum) {
		return false, nil
	}
	if err := s.enqueue(message{kind: kindRun, text: FormatSummary(sum)}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) enqueue(m message) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	if m.text == "" {
		return nil
	}
	if !s.dedupAllow(m.text, time.Now()) {
		return nil
	}
	select {
	case s.queue <- m:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) dedupAllow(text string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	window := s.cfg.DedupWindow
	if window <= 0 {
		return true
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	if until, ok := s.dedup[text]; ok && now.Before(until) {
		return false
	}
	s.dedup[text] = now.Add(window)
	return true
}

// Run consumes run.finished events and drains the queue until ctx is done.
// Whatever is still queued then gets a short flush window.
func (s *Service) Run(ctx context.Context) error {
	var events <-chan eventbus.Event
	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(16, scheduler.EventFinished)
		defer unsub()
		events = ch
	}
	for {
		select {
		case <-ctx.Done():
			s.flush(ctx)
			return ctx.Err()
		case ev := <-events:
			sum, ok := ev.Data.(report.Summary)
			if !ok {
				continue
			}
			if _, err := s.NotifyRun(sum); err != nil && !errors.Is(err, ErrDisabled) {
				s.log.Warn("run summary not queued", logx.String("run", sum.RunID), logx.Err(err))
			}
		case m := <-s.queue:
			s.deliver(ctx, m)
		}
	}
}

// Flush delivers what is queued without starting Run. One-shot commands
// call it before exiting.
func (s *Service) Flush(ctx context.Context) { s.flush(ctx) }

func (s *Service) flush(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), flushTimeout)
	defer cancel()
	for {
		select {
		case m := <-s.queue:
			s.deliver(ctx, m)
		default:
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Service) deliver(ctx context.Context, m message) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()
	to := Target{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := s.tr.Send(cctx, to, m.text)
		cancel()
		if err == nil {
			s.publish(EventSent, Event{ChatID: to.ChatID, Kind: m.kind, At: time.Now()})
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	// Logged below Warn so a failing transport does not feed the remote sink.
	s.log.Info("notification dropped", logx.String("kind", m.kind), logx.Err(lastErr))
	s.publish(EventFailed, Event{ChatID: to.ChatID, Kind: m.kind, At: time.Now(), Error: lastErr.Error()})
}

func (s *Service) publish(typ string, ev Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

// retryDelay is base * 2^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

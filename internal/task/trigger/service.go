package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"envfleet/internal/eventbus"
	"envfleet/internal/task/scheduler"
	logx "envfleet/pkg/logx"
)

type entry struct {
	sch     Schedule
	spec    ParsedSpec
	entryID cron.EntryID

	lastRun string
	lastErr string
}

// Service registers schedules with robfig/cron and launches runs when they fire.
type Service struct {
	log      logx.Logger
	bus      eventbus.Bus
	launcher Launcher
	parser   cron.Parser

	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	c       *cron.Cron
	ctx     context.Context
	entries map[string]*entry
	order   []string
}

func New(cfg Config, launcher Launcher, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log,
		bus:      bus,
		launcher: launcher,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:     cfg,
		entries: map[string]*entry{},
	}
}

// Validate checks every schedule of cfg without registering anything.
func (s *Service) Validate(cfg Config) error {
	seen := map[string]bool{}
	for i, sch := range cfg.Schedules {
		name := strings.TrimSpace(sch.Name)
		if name == "" {
			return fmt.Errorf("schedules[%d]: name required", i)
		}
		if seen[name] {
			return fmt.Errorf("schedules[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if len(sch.Routines) == 0 {
			return fmt.Errorf("schedule %s: at least one routine required", name)
		}
		ps, err := ParseSchedule(sch.Spec)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
		if ps.Kind == SpecCron {
			if _, err := s.parser.Parse(ps.Cron); err != nil {
				return fmt.Errorf("schedule %s: %w", name, err)
			}
		}
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	return nil
}

// Apply replaces the schedule set. When running, cron is restarted so that
// timezone changes take effect too.
func (s *Service) Apply(cfg Config) error {
	if err := s.Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.ctx != nil {
		s.restartLocked()
	}
	return nil
}

// Start begins triggering. Runs launched by schedules inherit ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx = ctx
	if !s.cfg.Enabled {
		s.log.Info("schedules disabled")
		return
	}
	s.restartLocked()
}

// Stop stops triggering. It does not stop runs already launched.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.ctx = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("schedules stopped")
}

func (s *Service) restartLocked() {
	if s.c != nil {
		// Not waiting here: a firing job needs s.mu to finish.
		s.c.Stop()
		s.c = nil
	}
	s.entries = map[string]*entry{}
	s.order = s.order[:0]
	if !s.cfg.Enabled {
		return
	}

	s.loc = s.loadLocationLocked()
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cl)),
	)
	for _, sch := range s.cfg.Schedules {
		if err := s.addLocked(sch); err != nil {
			s.log.Error("schedule register failed", logx.String("name", sch.Name), logx.String("spec", sch.Spec), logx.Err(err))
		}
	}
	s.c.Start()
	for _, name := range s.order {
		e := s.entries[name]
		s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", e.spec.CronSpec()),
			logx.String("next", s.c.Entry(e.entryID).Next.Format(time.DateTime)))
	}
	s.log.Info("schedules started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
}

func (s *Service) addLocked(sch Schedule) error {
	ps, err := ParseSchedule(sch.Spec)
	if err != nil {
		return err
	}
	e := &entry{sch: sch, spec: ps}
	job := cron.FuncJob(func() { s.fire(e.sch.Name) })
	if ps.Kind == SpecInterval {
		e.entryID = s.c.Schedule(intervalWithSpread(ps.Every, time.Now().In(s.loc)), job)
	} else {
		id, err := s.c.AddJob(ps.Cron, job)
		if err != nil {
			return err
		}
		e.entryID = id
	}
	s.entries[sch.Name] = e
	s.order = append(s.order, sch.Name)
	return nil
}

// RunNow fires a registered schedule immediately.
func (s *Service) RunNow(name string) (string, error) {
	return s.fire(name)
}

func (s *Service) fire(name string) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSchedule, name)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	id, err := s.launcher.Launch(ctx, e.sch)
	now := time.Now()
	s.mu.Lock()
	switch {
	case err == nil:
		e.lastRun, e.lastErr = id, ""
	case errors.Is(err, scheduler.ErrBusy):
		e.lastErr = "skipped: a run is already active"
	default:
		e.lastErr = err.Error()
	}
	s.mu.Unlock()

	switch {
	case err == nil:
		s.log.Info("schedule fired", logx.String("schedule", name), logx.String("run", id))
		s.publish(EventFired, Event{Schedule: name, RunID: id, At: now})
	case errors.Is(err, scheduler.ErrBusy):
		s.log.Warn("schedule skipped, run already active", logx.String("schedule", name))
		s.publish(EventSkipped, Event{Schedule: name, At: now, Error: err.Error()})
	default:
		s.log.Error("schedule launch failed", logx.String("schedule", name), logx.Err(err))
		s.publish(EventFailed, Event{Schedule: name, At: now, Error: err.Error()})
	}
	return id, err
}

// Snapshot lists registered schedules in config order.
func (s *Service) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.order))
	for _, name := range s.order {
		e := s.entries[name]
		it := Info{Name: name, Spec: e.spec.CronSpec(), LastRunID: e.lastRun, LastError: e.lastErr}
		if s.c != nil {
			ce := s.c.Entry(e.entryID)
			it.Next, it.Prev = ce.Next, ce.Prev
		}
		out = append(out, it)
	}
	return out
}

func (s *Service) publish(typ string, ev Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes robfig/cron's internal logging through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"envfleet/internal/eventbus"
	"envfleet/internal/provider"
	"envfleet/internal/report"
	"envfleet/internal/routine"
	"envfleet/internal/task/queue"
	logx "envfleet/pkg/logx"
)

// Scheduler runs routines across provider environments under a concurrency cap.
//
// One run is active at a time. Each admitted task owns one environment session
// from start to close; its slot is only released after the close finished.
type Scheduler struct {
	client provider.Client
	loader Resolver
	sink   report.Sink
	bus    eventbus.Bus
	log    logx.Logger

	cfgMu sync.RWMutex
	cfg   Config

	mu   sync.Mutex
	run  *runState
	last *report.Summary
}

// runState is owned by one invocation of Run/Start.
type runState struct {
	id    string
	limit int
	mode  queue.Mode
	cfg   Config
	rec   *report.Recorder
	sem   *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queue    []queue.Task
	inflight map[string]*taskHandle
	running  int
	stopped  bool

	released chan struct{}
	stopCh   chan struct{}
	stopDone chan struct{}
	done     chan struct{}
	summary  report.Summary
}

type taskHandle struct {
	task   queue.Task
	ctx    context.Context
	cancel context.CancelFunc

	// guarded by runState.mu
	phase        phase
	recorded     int
	abandoned    bool
	closedByStop bool
	stoppedIn    phase
}

func New(cfg Config, client provider.Client, loader Resolver, sink report.Sink, bus eventbus.Bus, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		client: client,
		loader: loader,
		sink:   sink,
		bus:    bus,
		log:    log,
		cfg:    cfg.withDefaults(),
	}
}

// Apply replaces the config. A run already in progress keeps its own copy.
func (s *Scheduler) Apply(cfg Config) {
	s.cfgMu.Lock()
	s.cfg = cfg.withDefaults()
	s.cfgMu.Unlock()
}

func (s *Scheduler) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Run executes req and blocks until every admitted task is closed or the run
// is stopped. Cancelling ctx stops the run the same way Stop does.
//
// Only queue construction problems, unknown routines and ErrBusy are returned
// as errors; everything that happens to individual tasks lands in the summary.
func (s *Scheduler) Run(ctx context.Context, req Request) (report.Summary, error) {
	rs, err := s.prepare(ctx, req)
	if err != nil {
		return report.Summary{}, err
	}
	s.loop(ctx, rs)
	return rs.summary, nil
}

// Start is Run without waiting. The returned channel is closed when the run
// is finished; Status().Last holds its summary afterwards. ctx must outlive
// the run, cancelling it stops the run.
func (s *Scheduler) Start(ctx context.Context, req Request) (string, <-chan struct{}, error) {
	rs, err := s.prepare(ctx, req)
	if err != nil {
		return "", nil, err
	}
	go s.loop(ctx, rs)
	return rs.id, rs.done, nil
}

// Stop cancels the active run: queued tasks are dropped, running sessions get
// one close request each, and Stop returns once those closes finished or the
// stop timeout elapsed. It reports whether a run was active.
func (s *Scheduler) Stop(ctx context.Context) bool {
	s.mu.Lock()
	rs := s.run
	s.mu.Unlock()
	if rs == nil {
		return false
	}
	s.stop(ctx, rs)
	return true
}

// Active reports whether a run is in progress.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

// Stats returns the live counters of the active run (zero when idle).
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	rs := s.run
	s.mu.Unlock()
	if rs == nil {
		return Stats{}
	}
	return rs.stats()
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	rs, last := s.run, s.last
	s.mu.Unlock()
	st := Status{Active: rs != nil, Last: last}
	if rs != nil {
		st.Stats = rs.stats()
	}
	return st
}

func (s *Scheduler) prepare(ctx context.Context, req Request) (*runState, error) {
	if len(req.Environments) == 0 {
		return nil, queue.ErrNoEnvironments
	}
	if len(req.Routines) == 0 {
		return nil, queue.ErrNoRoutines
	}

	// Fail fast on unknown routines; each invocation resolves again.
	refs := make([]routine.Reference, 0, len(req.Routines))
	names := make([]string, 0, len(req.Routines))
	for _, ref := range req.Routines {
		def, err := s.loader.Resolve(ref)
		if err != nil {
			return nil, fmt.Errorf("resolve routine %s: %w", ref.Label(), err)
		}
		if ref.DisplayName == "" {
			ref.DisplayName = def.Ref.DisplayName
		}
		if ref.Name == "" {
			ref.Name = def.Ref.Name
		}
		refs = append(refs, ref)
		names = append(names, ref.Label())
	}

	mode := req.Mode
	if mode == "" {
		mode = queue.ModePerEnvironment
	}
	tasks, err := queue.Build(req.Environments, refs, mode)
	if err != nil {
		return nil, err
	}

	cfg := s.config()
	limit := cfg.MaxConcurrent
	if req.Concurrency > 0 {
		limit = req.Concurrency
	}
	limit = max(limit, 1)

	id := uuid.NewString()
	now := time.Now()
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rs := &runState{
		id:       id,
		limit:    limit,
		mode:     mode,
		cfg:      cfg,
		rec:      report.NewRecorder(id, now),
		sem:      semaphore.NewWeighted(int64(limit)),
		ctx:      rctx,
		cancel:   cancel,
		queue:    tasks,
		inflight: map[string]*taskHandle{},
		released: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		stopDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	rs.rec.Describe(string(mode), limit, names, req.Trigger)

	s.mu.Lock()
	if s.run != nil {
		s.mu.Unlock()
		cancel()
		return nil, ErrBusy
	}
	s.run = rs
	s.mu.Unlock()

	s.publish(EventStarted, rs.stats())
	s.logRun(rs, nil, routine.SeverityInfo, fmt.Sprintf("run started: %d environment(s), %d routine(s), %d task(s), mode %s, limit %d",
		len(req.Environments), len(refs), len(tasks), mode, limit))
	if len(req.Environments) > limit {
		s.logRun(rs, nil, routine.SeverityWarning, fmt.Sprintf("%d environments selected, only %d run at once; the rest wait in queue",
			len(req.Environments), limit))
	}
	return rs, nil
}

// loop is the admission loop. It runs on the caller's goroutine for Run.
func (s *Scheduler) loop(ctx context.Context, rs *runState) {
	defer close(rs.done)
	for {
		rs.mu.Lock()
		if rs.stopped {
			rs.mu.Unlock()
			break
		}
		for len(rs.queue) > 0 && rs.sem.TryAcquire(1) {
			t := rs.queue[0]
			rs.queue = rs.queue[1:]
			tctx, tcancel := context.WithCancel(rs.ctx)
			h := &taskHandle{task: t, ctx: tctx, cancel: tcancel, phase: phaseStarting}
			rs.inflight[t.ID] = h
			rs.running++
			rs.rec.Admit(len(t.Routines))
			go s.runTask(rs, h)
		}
		finished := len(rs.queue) == 0 && len(rs.inflight) == 0
		rs.mu.Unlock()
		s.publish(EventStatus, rs.stats())
		if finished {
			break
		}

		select {
		case <-rs.released:
		case <-rs.stopCh:
		case <-ctx.Done():
			s.stop(context.Background(), rs)
		}
	}

	rs.mu.Lock()
	stopped := rs.stopped
	rs.mu.Unlock()
	if stopped {
		<-rs.stopDone
	}
	s.finish(rs, stopped)
}

func (s *Scheduler) finish(rs *runState, stopped bool) {
	rs.cancel()
	sum := rs.rec.Finish(time.Now(), stopped)
	rs.summary = sum

	sev := routine.SeveritySuccess
	if sum.Failed > 0 || stopped {
		sev = routine.SeverityWarning
	}
	s.logRun(rs, nil, sev, sum.Line())

	if s.sink != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.sink.SaveRun(sctx, sum); err != nil {
			s.log.Warn("save run summary failed", logx.String("run", rs.id), logx.Err(err))
		}
		cancel()
	}

	s.mu.Lock()
	if s.run == rs {
		s.run = nil
	}
	s.last = &sum
	s.mu.Unlock()

	s.publish(EventStatus, Stats{RunID: rs.id, Completed: sum.Completed, Failed: sum.Failed, Total: sum.Admitted, Limit: rs.limit})
	s.publish(EventFinished, sum)
}

func (s *Scheduler) stop(ctx context.Context, rs *runState) {
	rs.mu.Lock()
	if rs.stopped {
		rs.mu.Unlock()
		select {
		case <-rs.stopDone:
		case <-ctx.Done():
		}
		return
	}
	rs.stopped = true
	close(rs.stopCh)
	dropped := len(rs.queue)
	rs.queue = nil
	var toClose []*taskHandle
	for _, h := range rs.inflight {
		h.cancel()
		if h.phase == phaseStarting || h.phase == phaseRunning {
			h.closedByStop = true
			h.stoppedIn = h.phase
			toClose = append(toClose, h)
		}
	}
	rs.mu.Unlock()

	s.logRun(rs, nil, routine.SeverityWarning, fmt.Sprintf("stopping run: %d queued task(s) dropped, closing %d environment(s)", dropped, len(toClose)))

	// Stop closes outlive both ctx and the stop timeout; the provider's own
	// per-call timeout bounds them. Only the wait below is limited.
	closeCtx := context.WithoutCancel(ctx)
	timeout := rs.cfg.StopTimeout
	var wg sync.WaitGroup
	for _, h := range toClose {
		wg.Add(1)
		go func(h *taskHandle) {
			defer wg.Done()
			res, err := s.client.CloseEnvironment(closeCtx, h.task.Env.ID)
			switch {
			case err != nil:
				s.logRun(rs, h, routine.SeverityError, fmt.Sprintf("close on stop failed: %v", err))
			case res.AlreadyClosed:
				s.logRun(rs, h, routine.SeverityInfo, "environment already closed")
			default:
				s.logRun(rs, h, routine.SeverityInfo, "environment closed on stop")
			}
		}(h)
	}
	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()
	timer := time.NewTimer(timeout)
	select {
	case <-waited:
	case <-timer.C:
		s.logRun(rs, nil, routine.SeverityWarning, fmt.Sprintf("stop timeout after %s; closes still in flight", timeout))
	case <-ctx.Done():
	}
	timer.Stop()

	// Abandon whatever is still in flight. Pairs not recorded yet count as
	// failed so completed+failed still equals admitted.
	rs.mu.Lock()
	for _, h := range rs.inflight {
		h.abandoned = true
		for i := h.recorded; i < len(h.task.Routines); i++ {
			rs.rec.Record(outcomeFor(h, h.task.Routines[i], time.Now(), ErrRunStopped))
		}
		h.recorded = len(h.task.Routines)
	}
	rs.inflight = map[string]*taskHandle{}
	rs.running = 0
	rs.mu.Unlock()

	s.publish(EventStatus, rs.stats())
	close(rs.stopDone)
}

func (rs *runState) stats() Stats {
	rs.mu.Lock()
	running, queued := rs.running, len(rs.queue)
	rs.mu.Unlock()
	c, f := rs.rec.Counts()
	return Stats{
		RunID:     rs.id,
		Running:   running,
		Queued:    queued,
		Completed: c,
		Failed:    f,
		Total:     rs.rec.Admitted(),
		Limit:     rs.limit,
	}
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

// logRun mirrors a run log line to the logger and the bus.
func (s *Scheduler) logRun(rs *runState, h *taskHandle, sev routine.Severity, msg string) {
	ev := LogEvent{RunID: rs.id, Message: msg, Severity: sev, Time: time.Now()}
	fields := []logx.Field{logx.String("run", rs.id)}
	if h != nil {
		ev.Task = h.task.Label()
		ev.EnvID = h.task.Env.ID
		msg = h.task.Label() + " " + h.task.Env.DisplayName() + ": " + msg
		fields = append(fields, logx.String("env", h.task.Env.ID))
	}
	switch sev {
	case routine.SeverityError:
		s.log.Error(msg, fields...)
	case routine.SeverityWarning:
		s.log.Warn(msg, fields...)
	default:
		s.log.Info(msg, fields...)
	}
	s.publish(EventLog, ev)
}

func outcomeFor(h *taskHandle, ref routine.Reference, start time.Time, err error) report.Outcome {
	o := report.Outcome{
		TaskID:    h.task.ID,
		Label:     h.task.Label(),
		EnvID:     h.task.Env.ID,
		EnvName:   h.task.Env.Name,
		Routine:   ref.Label(),
		OK:        err == nil,
		StartedAt: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		o.Error = err.Error()
	}
	return o
}

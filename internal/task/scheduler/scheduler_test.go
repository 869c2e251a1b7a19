package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"envfleet/internal/eventbus"
	"envfleet/internal/provider"
	"envfleet/internal/provider/fakeprovider"
	"envfleet/internal/report"
	"envfleet/internal/routine"
	"envfleet/internal/task/queue"
	logx "envfleet/pkg/logx"
)

type harness struct {
	fp    *fakeprovider.Provider
	reg   *routine.Registry
	sched *Scheduler
	bus   eventbus.Bus

	mu        sync.Mutex
	summaries []report.Summary
}

func newHarness(t *testing.T, envs int, cfg Config) *harness {
	t.Helper()
	h := &harness{
		fp:  fakeprovider.New(fakeprovider.Environments(envs)...),
		reg: routine.NewRegistry(),
		bus: eventbus.New(),
	}
	if cfg.CloseRetryDelay == 0 {
		cfg.CloseRetryDelay = 5 * time.Millisecond
	}
	sink := report.SinkFunc(func(_ context.Context, s report.Summary) error {
		h.mu.Lock()
		h.summaries = append(h.summaries, s)
		h.mu.Unlock()
		return nil
	})
	h.sched = New(cfg, h.fp, routine.NewLoader(h.reg, ""), sink, h.bus, logx.Nop())
	return h
}

func (h *harness) register(t *testing.T, name string, fn routine.Func) routine.Reference {
	t.Helper()
	if _, err := h.reg.Register(name, fn, ""); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return routine.Reference{Name: name}
}

func (h *harness) envs(n int) []provider.Environment {
	return fakeprovider.Environments(n)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func sleeper(d time.Duration) routine.Func {
	return func(ctx context.Context, _ *routine.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
			return nil
		}
	}
}

func blocker(ctx context.Context, _ *routine.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func assertConserved(t *testing.T, s report.Summary) {
	t.Helper()
	if s.Completed+s.Failed != s.Admitted {
		t.Fatalf("completed %d + failed %d != admitted %d", s.Completed, s.Failed, s.Admitted)
	}
	if len(s.Outcomes) != s.Admitted {
		t.Fatalf("outcomes = %d, admitted = %d", len(s.Outcomes), s.Admitted)
	}
}

func TestConcurrencyBoundFiveEnvsLimitTwo(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 5, Config{MaxConcurrent: 2})
	a := h.register(t, "a", sleeper(20*time.Millisecond))
	b := h.register(t, "b", sleeper(10*time.Millisecond))

	sum, err := h.sched.Run(context.Background(), Request{Environments: h.envs(5), Routines: []routine.Reference{a, b}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if peak := h.fp.PeakOpen(); peak != 2 {
		t.Fatalf("peak open sessions = %d, want 2", peak)
	}
	if sum.Completed != 10 || sum.Failed != 0 || sum.Admitted != 10 {
		t.Fatalf("summary counts = %+v", sum)
	}
	assertConserved(t, sum)
	if h.fp.OpenCount() != 0 {
		t.Fatalf("%d sessions left open", h.fp.OpenCount())
	}
	if got := h.fp.Count("start", ""); got != 5 {
		t.Fatalf("starts = %d, want 5", got)
	}
	if h.sched.Active() || h.sched.Stats() != (Stats{}) {
		t.Fatal("scheduler should be idle after Run")
	}
}

func TestRoutineOrderWithinTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, Config{MaxConcurrent: 2})
	var mu sync.Mutex
	order := map[string][]string{}
	mk := func(name string) routine.Reference {
		return h.register(t, name, func(_ context.Context, rc *routine.Context) error {
			mu.Lock()
			order[rc.EnvID] = append(order[rc.EnvID], name)
			mu.Unlock()
			return nil
		})
	}
	refs := []routine.Reference{mk("first"), mk("second"), mk("third")}
	if _, err := h.sched.Run(context.Background(), Request{Environments: h.envs(2), Routines: refs}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for env, got := range order {
		if strings.Join(got, ",") != "first,second,third" {
			t.Fatalf("%s ran %v", env, got)
		}
	}
}

func TestFailSoftRoutines(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3, Config{MaxConcurrent: 3})
	var after atomic.Int32
	bad := h.register(t, "bad", func(_ context.Context, rc *routine.Context) error {
		switch rc.EnvID {
		case "env-1":
			return errors.New("wallet locked")
		case "env-2":
			panic("nil map")
		}
		return nil
	})
	next := h.register(t, "next", func(context.Context, *routine.Context) error {
		after.Add(1)
		return nil
	})

	sum, err := h.sched.Run(context.Background(), Request{Environments: h.envs(3), Routines: []routine.Reference{bad, next}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if after.Load() != 3 {
		t.Fatalf("second routine ran %d times, want 3", after.Load())
	}
	if sum.Completed != 4 || sum.Failed != 2 {
		t.Fatalf("completed/failed = %d/%d, want 4/2", sum.Completed, sum.Failed)
	}
	assertConserved(t, sum)
	var sawPanic bool
	for _, o := range sum.Outcomes {
		if strings.Contains(o.Error, "routine panic: nil map") {
			sawPanic = true
		}
	}
	if !sawPanic {
		t.Fatal("panic was not recorded as a failure")
	}
	if h.fp.OpenCount() != 0 {
		t.Fatal("sessions left open")
	}
}

func TestStartFailureRecordsEveryRoutineAndStillCloses(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3, Config{MaxConcurrent: 1})
	h.fp.FailStart("env-2", errors.New("profile locked"))
	h.fp.StartWithoutPort("env-3")
	var ran atomic.Int32
	r1 := h.register(t, "r1", func(context.Context, *routine.Context) error { ran.Add(1); return nil })
	r2 := h.register(t, "r2", func(context.Context, *routine.Context) error { ran.Add(1); return nil })

	sum, err := h.sched.Run(context.Background(), Request{Environments: h.envs(3), Routines: []routine.Reference{r1, r2}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ran.Load() != 2 {
		t.Fatalf("routines ran %d times, want 2 (env-1 only)", ran.Load())
	}
	if sum.Completed != 2 || sum.Failed != 4 {
		t.Fatalf("completed/failed = %d/%d, want 2/4", sum.Completed, sum.Failed)
	}
	assertConserved(t, sum)
	for _, env := range []string{"env-2", "env-3"} {
		if h.fp.Count("status", env) == 0 {
			t.Fatalf("%s: no teardown after failed start", env)
		}
	}
	if h.fp.IsOpen("env-3") {
		t.Fatal("session opened without a port was not closed")
	}
}

func TestCloseRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, Config{})
	h.fp.FailClose("env-1", 2, false)
	r := h.register(t, "r", sleeper(0))

	sum, err := h.sched.Run(context.Background(), Request{Environments: h.envs(1), Routines: []routine.Reference{r}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.fp.Count("close", "env-1"); got != 3 {
		t.Fatalf("close calls = %d, want 3", got)
	}
	if len(sum.Warnings) != 0 || h.fp.IsOpen("env-1") {
		t.Fatalf("unexpected teardown result: warnings=%v open=%v", sum.Warnings, h.fp.IsOpen("env-1"))
	}
}

func TestCloseExhaustedWarnsAndReleasesSlot(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, Config{MaxConcurrent: 1})
	h.fp.FailClose("env-1", -1, false)
	r := h.register(t, "r", sleeper(0))

	sum, err := h.sched.Run(context.Background(), Request{Environments: h.envs(2), Routines: []routine.Reference{r}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.fp.Count("close", "env-1"); got != 3 {
		t.Fatalf("close calls = %d, want 3", got)
	}
	if len(sum.Warnings) != 1 || !strings.Contains(sum.Warnings[0], "env-1") {
		t.Fatalf("warnings = %v", sum.Warnings)
	}
	if h.fp.Count("start", "env-2") != 1 {
		t.Fatal("slot was not released after failed teardown")
	}
	if sum.Completed != 2 {
		t.Fatalf("teardown failure must not fail routines: %+v", sum)
	}
}

func TestCloseErrorButSessionGoneIsSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, Config{})
	h.fp.FailClose("env-1", -1, true)
	r := h.register(t, "r", sleeper(0))

	sum, err := h.sched.Run(context.Background(), Request{Environments: h.envs(1), Routines: []routine.Reference{r}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sum.Warnings) != 0 {
		t.Fatalf("final status check should have confirmed closure: %v", sum.Warnings)
	}
}

// runLogs collects run.log events until the returned func is called.
func (h *harness) runLogs() func() []LogEvent {
	ch, unsub := h.bus.Subscribe(1024, EventLog)
	return func() []LogEvent {
		unsub()
		var out []LogEvent
		for e := range ch {
			if le, ok := e.Data.(LogEvent); ok {
				out = append(out, le)
			}
		}
		return out
	}
}

func noWarnings(t *testing.T, logs []LogEvent) {
	t.Helper()
	for _, le := range logs {
		if le.Severity == routine.SeverityWarning || le.Severity == routine.SeverityError {
			t.Fatalf("unexpected %s log: %s", le.Severity, le.Message)
		}
	}
}

func TestAlreadyStoppedSkipsClose(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, Config{})
	logs := h.runLogs()
	r := h.register(t, "self-close", func(ctx context.Context, rc *routine.Context) error {
		_, err := rc.Client.CloseEnvironment(ctx, rc.EnvID)
		return err
	})
	if _, err := h.sched.Run(context.Background(), Request{Environments: h.envs(1), Routines: []routine.Reference{r}}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.fp.Count("close", "env-1"); got != 1 {
		t.Fatalf("close calls = %d, want 1 (the routine's own)", got)
	}
	noWarnings(t, logs())
}

func TestAlreadyClosedCountsAsClosed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, Config{})
	// A stale status makes teardown send a close for a session that is gone.
	h.fp.SetStatus("env-1", func() (provider.Status, error) {
		return provider.Status{Status: "running", LocalStatus: "running"}, nil
	})
	var res provider.CloseResult
	r := h.register(t, "self-close", func(ctx context.Context, rc *routine.Context) error {
		_, err := rc.Client.CloseEnvironment(ctx, rc.EnvID)
		return err
	})
	logs := h.runLogs()
	sum, err := h.sched.Run(context.Background(), Request{Environments: h.envs(1), Routines: []routine.Reference{r}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res, err = h.fp.CloseEnvironment(context.Background(), "env-1")
	if err != nil || !res.AlreadyClosed {
		t.Fatalf("close of a gone session = %+v, %v; want AlreadyClosed", res, err)
	}
	if got := h.fp.Count("close", "env-1"); got != 3 {
		t.Fatalf("close calls = %d, want 3 (routine, teardown, check above)", got)
	}
	if len(sum.Warnings) != 0 || sum.Completed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	var sawAlreadyClosed bool
	got := logs()
	for _, le := range got {
		if strings.Contains(le.Message, "already closed") {
			sawAlreadyClosed = true
		}
	}
	if !sawAlreadyClosed {
		t.Fatal("teardown did not report the session as already closed")
	}
	noWarnings(t, got)
}

func TestFailSoftMiddleRoutine(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, Config{})
	var ran []string
	var mu sync.Mutex
	mk := func(name string, err error) routine.Reference {
		return h.register(t, name, func(context.Context, *routine.Context) error {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return err
		})
	}
	refs := []routine.Reference{mk("one", nil), mk("two", errors.New("captcha")), mk("three", nil)}

	sum, err := h.sched.Run(context.Background(), Request{Environments: h.envs(1), Routines: refs})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Join(ran, ",") != "one,two,three" {
		t.Fatalf("ran %v", ran)
	}
	if sum.Completed != 2 || sum.Failed != 1 {
		t.Fatalf("completed/failed = %d/%d, want 2/1", sum.Completed, sum.Failed)
	}
	for _, o := range sum.Outcomes {
		if o.OK != (o.Routine != "two") {
			t.Fatalf("outcome %s ok=%v", o.Routine, o.OK)
		}
	}
	if got := h.fp.Count("close", "env-1"); got != 1 || h.fp.IsOpen("env-1") {
		t.Fatalf("close calls = %d, open = %v", got, h.fp.IsOpen("env-1"))
	}
	assertConserved(t, sum)
}

func TestStopDrainsAdmission(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 5, Config{MaxConcurrent: 2, StopTimeout: time.Second})
	r := h.register(t, "block", blocker)

	_, done, err := h.sched.Start(context.Background(), Request{Environments: h.envs(5), Routines: []routine.Reference{r}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "two running sessions", func() bool { return h.fp.OpenCount() == 2 && h.sched.Stats().Running == 2 })

	if !h.sched.Stop(context.Background()) {
		t.Fatal("Stop reported no active run")
	}
	<-done

	if got := h.fp.Count("start", ""); got != 2 {
		t.Fatalf("starts = %d, want 2 (no admission after stop)", got)
	}
	if h.fp.OpenCount() != 0 {
		t.Fatalf("%d sessions still open after stop", h.fp.OpenCount())
	}
	st := h.sched.Status()
	if st.Active || st.Last == nil {
		t.Fatalf("status after stop = %+v", st)
	}
	sum := *st.Last
	if !sum.Stopped || sum.Admitted != 2 || sum.Failed != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	assertConserved(t, sum)
	if h.sched.Stop(context.Background()) {
		t.Fatal("Stop on idle scheduler should be a no-op")
	}
}

func TestStopClosesOutliveStopTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3, Config{MaxConcurrent: 2, StopTimeout: 50 * time.Millisecond})
	h.fp.CloseDelay = 300 * time.Millisecond
	hold := make(chan struct{})
	t.Cleanup(func() { close(hold) })
	// The routine ignores cancellation entirely.
	r := h.register(t, "stubborn", func(context.Context, *routine.Context) error {
		<-hold
		return nil
	})

	_, done, err := h.sched.Start(context.Background(), Request{Environments: h.envs(3), Routines: []routine.Reference{r}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "two running sessions", func() bool { return h.fp.OpenCount() == 2 && h.sched.Stats().Running == 2 })

	began := time.Now()
	h.sched.Stop(context.Background())
	if took := time.Since(began); took >= h.fp.CloseDelay {
		t.Fatalf("Stop took %s, want it bounded by the stop timeout", took)
	}
	<-done

	waitFor(t, "stop closes to land", func() bool { return h.fp.OpenCount() == 0 })
	if got := h.fp.Count("close", ""); got != 2 {
		t.Fatalf("close calls = %d, want 2", got)
	}
	for _, c := range h.fp.Calls() {
		if c.Op == "close" && c.Err != nil {
			t.Fatalf("close of %s failed: %v", c.EnvID, c.Err)
		}
	}
	if got := h.fp.Count("start", ""); got != 2 {
		t.Fatalf("starts = %d, want 2", got)
	}
}

func TestCancelledContextStopsRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3, Config{MaxConcurrent: 1})
	r := h.register(t, "block", blocker)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for h.fp.OpenCount() == 0 {
			time.Sleep(2 * time.Millisecond)
		}
		cancel()
	}()
	sum, err := h.sched.Run(ctx, Request{Environments: h.envs(3), Routines: []routine.Reference{r}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sum.Stopped || sum.Admitted != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	assertConserved(t, sum)
}

func TestBusyAndValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, Config{})
	r := h.register(t, "block", blocker)
	req := Request{Environments: h.envs(1), Routines: []routine.Reference{r}}

	_, done, err := h.sched.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.sched.Run(context.Background(), req); !errors.Is(err, ErrBusy) {
		t.Fatalf("second run err = %v, want ErrBusy", err)
	}
	waitFor(t, "first run admitted", func() bool { return h.sched.Stats().Running == 1 })
	h.sched.Stop(context.Background())
	<-done

	if _, err := h.sched.Run(context.Background(), Request{Routines: req.Routines}); !errors.Is(err, queue.ErrNoEnvironments) {
		t.Fatalf("err = %v, want ErrNoEnvironments", err)
	}
	if _, err := h.sched.Run(context.Background(), Request{Environments: req.Environments}); !errors.Is(err, queue.ErrNoRoutines) {
		t.Fatalf("err = %v, want ErrNoRoutines", err)
	}
	_, err = h.sched.Run(context.Background(), Request{Environments: req.Environments, Routines: []routine.Reference{{Name: "missing"}}})
	if !errors.Is(err, routine.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if h.fp.Count("start", "") != 1 {
		t.Fatal("rejected runs must not start environments")
	}
}

func TestRoutineResolvedFreshPerInvocation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, Config{MaxConcurrent: 1})
	var v2Ran atomic.Bool
	r := h.register(t, "evolving", func(context.Context, *routine.Context) error {
		_, err := h.reg.Register("evolving", func(context.Context, *routine.Context) error {
			v2Ran.Store(true)
			return nil
		}, "")
		return err
	})
	if _, err := h.sched.Run(context.Background(), Request{Environments: h.envs(2), Routines: []routine.Reference{r}}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !v2Ran.Load() {
		t.Fatal("second environment ran the stale definition")
	}
}

func TestPerRoundModeOpensSessionPerPair(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, Config{MaxConcurrent: 2})
	a := h.register(t, "a", sleeper(0))
	b := h.register(t, "b", sleeper(0))
	sum, err := h.sched.Run(context.Background(), Request{Environments: h.envs(2), Routines: []routine.Reference{a, b}, Mode: queue.ModePerRound})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.fp.Count("start", ""); got != 4 {
		t.Fatalf("starts = %d, want 4", got)
	}
	if sum.Mode != string(queue.ModePerRound) || sum.Completed != 4 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestEventsAndSinkOncePerRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, Config{})
	ch, unsub := h.bus.Subscribe(1024, "run.")
	defer unsub()
	r := h.register(t, "talk", func(_ context.Context, rc *routine.Context) error {
		rc.Log("hello from "+rc.EnvID, routine.SeveritySuccess)
		return nil
	})
	sum, err := h.sched.Run(context.Background(), Request{Environments: h.envs(2), Routines: []routine.Reference{r}, Trigger: "test"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	h.mu.Lock()
	saved := len(h.summaries)
	h.mu.Unlock()
	if saved != 1 {
		t.Fatalf("sink called %d times, want 1", saved)
	}

	seen := map[string]int{}
	var routineLogs int
	var lastStatus Stats
	for len(ch) > 0 {
		e := <-ch
		seen[e.Type]++
		switch d := e.Data.(type) {
		case LogEvent:
			if strings.HasPrefix(d.Message, "hello from") && d.Severity == routine.SeveritySuccess && d.Task != "" {
				routineLogs++
			}
		case Stats:
			lastStatus = d
		}
	}
	if seen[EventStarted] != 1 || seen[EventFinished] != 1 || seen[EventStatus] == 0 {
		t.Fatalf("events = %v", seen)
	}
	if routineLogs != 2 {
		t.Fatalf("routine log events = %d, want 2", routineLogs)
	}
	if lastStatus.Running != 0 || lastStatus.Completed != sum.Completed {
		t.Fatalf("final status event = %+v", lastStatus)
	}
}

func TestRoutineTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, Config{RoutineTimeout: 20 * time.Millisecond})
	r := h.register(t, "slow", blocker)
	sum, err := h.sched.Run(context.Background(), Request{Environments: h.envs(1), Routines: []routine.Reference{r}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Failed != 1 || !strings.Contains(sum.Outcomes[0].Error, "deadline") {
		t.Fatalf("summary = %+v", sum)
	}
}

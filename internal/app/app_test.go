package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"envfleet/internal/config"
	"envfleet/internal/provider"
	"envfleet/internal/provider/fakeprovider"
	"envfleet/internal/server"
	"envfleet/internal/task/queue"
	"envfleet/internal/task/scheduler"
	"envfleet/internal/task/trigger"
)

func testApp(t *testing.T, envs int, mutate func(*config.Config)) (*App, *fakeprovider.Provider) {
	t.Helper()
	cfg := config.Config{}.WithDefaults()
	cfg.Logging.Level = "error"
	cfg.Scheduler.MaxConcurrent = 2
	cfg.Routines.Settings = map[string]map[string]any{"idle": {"seconds": 0}}
	if mutate != nil {
		mutate(&cfg)
	}
	fake := fakeprovider.New(fakeprovider.Environments(envs)...)
	a, err := build(&cfg, WithProvider(fake))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, fake
}

func TestResolveEnvironments(t *testing.T) {
	t.Parallel()
	a, _ := testApp(t, 3, func(c *config.Config) { c.Provider.PageSize = 2 })
	ctx := context.Background()

	all, err := a.ResolveEnvironments(ctx, nil)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all = %d envs, want 3 across pages", len(all))
	}

	got, err := a.ResolveEnvironments(ctx, []string{"env-2, env-9", "env-2"})
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("by id = %+v", got)
	}
	if got[0].Name != "Env 2" {
		t.Fatalf("known env name = %q", got[0].Name)
	}
	if stub := provider.StubEnvironment("env-9"); got[1].ID != stub.ID || got[1].Name != stub.Name {
		t.Fatalf("unknown id = %+v, want stub", got[1])
	}
}

func TestResolveEnvironmentsEmptyProvider(t *testing.T) {
	t.Parallel()
	a, _ := testApp(t, 0, nil)
	if _, err := a.ResolveEnvironments(context.Background(), nil); !errors.Is(err, queue.ErrNoEnvironments) {
		t.Fatalf("err = %v, want ErrNoEnvironments", err)
	}
}

func TestRequest(t *testing.T) {
	t.Parallel()
	a, _ := testApp(t, 2, func(c *config.Config) { c.Scheduler.Mode = "per-round" })
	ctx := context.Background()

	req, err := a.Request(ctx, RunSpec{Routines: []string{"idle", "scripts/checkin.js"}})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if req.Mode != queue.ModePerRound || req.Trigger != "cli" || len(req.Environments) != 2 {
		t.Fatalf("req = %+v", req)
	}
	if req.Routines[1].Path != "scripts/checkin.js" || req.Routines[1].Name != "checkin" {
		t.Fatalf("script ref = %+v", req.Routines[1])
	}

	tests := []struct {
		name string
		spec RunSpec
		want error
	}{
		{"bad mode", RunSpec{Routines: []string{"idle"}, Mode: "sideways"}, queue.ErrUnknownMode},
		{"no routines", RunSpec{}, queue.ErrNoRoutines},
		{"negative concurrency", RunSpec{Routines: []string{"idle"}, Concurrency: -1}, server.ErrInvalidRequest},
	}
	for _, tt := range tests {
		if _, err := a.Request(ctx, tt.spec); !errors.Is(err, tt.want) {
			t.Fatalf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestOverLimitWarnsOnce(t *testing.T) {
	t.Parallel()
	logPath := filepath.Join(t.TempDir(), "envfleet.log")
	a, _ := testApp(t, 3, func(c *config.Config) {
		c.Logging.Level = "warn"
		c.Logging.File = config.LoggingFileConfig{Enabled: true, Path: logPath}
	})
	if _, err := a.Run(context.Background(), RunSpec{Routines: []string{"idle"}}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	raw, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if n := strings.Count(string(raw), "only 2 run at once"); n != 1 {
		t.Fatalf("over-limit warning logged %d times, want 1:\n%s", n, raw)
	}
}

func TestRunStoresHistory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a, fake := testApp(t, 3, func(c *config.Config) {
		c.Storage.Driver = "file"
		c.Storage.Path = filepath.Join(dir, "runs")
	})

	sum, err := a.Run(context.Background(), RunSpec{Routines: []string{"idle", "status-check"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Completed != 6 || sum.Failed != 0 || sum.Total != 6 {
		t.Fatalf("summary = %+v", sum)
	}
	if fake.OpenCount() != 0 {
		t.Fatalf("%d environments left open", fake.OpenCount())
	}
	if fake.PeakOpen() > 2 {
		t.Fatalf("peak open = %d, limit 2", fake.PeakOpen())
	}

	got, err := a.Store().GetRun(context.Background(), sum.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Trigger != "cli" || len(got.Outcomes) != 6 {
		t.Fatalf("stored = %+v", got)
	}
}

func TestLaunchRejectsSecondRun(t *testing.T) {
	t.Parallel()
	a, fake := testApp(t, 2, func(c *config.Config) {
		c.Routines.Settings = map[string]map[string]any{"idle": {"seconds": 30}}
	})
	ctx := context.Background()

	id, err := a.Launch(ctx, RunSpec{Routines: []string{"idle"}, Trigger: "api"})
	if err != nil || id == "" {
		t.Fatalf("Launch = %q, %v", id, err)
	}
	if _, err := a.Launch(ctx, RunSpec{Routines: []string{"idle"}}); !errors.Is(err, scheduler.ErrBusy) {
		t.Fatalf("second launch err = %v, want ErrBusy", err)
	}
	if _, err := a.launchSchedule(ctx, trigger.Schedule{Name: "daily", Routines: []string{"idle"}}); !errors.Is(err, scheduler.ErrBusy) {
		t.Fatalf("schedule launch err = %v, want ErrBusy", err)
	}

	if !(apiRuns{a}).Stop(ctx) {
		t.Fatal("Stop reported no active run")
	}
	deadline := time.Now().Add(5 * time.Second)
	for a.sched.Active() || fake.OpenCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("run still active after stop, open=%d", fake.OpenCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
	st := a.sched.Status()
	if st.Last == nil || !st.Last.Stopped || st.Last.Trigger != "api" {
		t.Fatalf("last = %+v", st.Last)
	}
}

func TestMapConfigs(t *testing.T) {
	t.Parallel()
	cfg := config.Config{}.WithDefaults()
	cfg.Scheduler.CloseRetryDelay = "2s"
	cfg.Storage = config.StorageConfig{Driver: "SQLite", Path: " data/runs.db ", BusyTimeout: "3s", Retain: 10}
	cfg.Notifier = config.NotifierConfig{Enabled: true, Token: "t", ChatID: 42, NotifyOn: " Always ", RetryBase: "1s"}
	cfg.Schedules.Items = []config.ScheduleConfig{{Name: "a", Spec: "every 1h", Routines: []string{"idle"}, Concurrency: 1}}

	if sc := mapSchedulerConfig(&cfg); sc.CloseRetryDelay != 2*time.Second || sc.MaxConcurrent != 3 {
		t.Fatalf("scheduler = %+v", sc)
	}
	st, ok := mapStorageConfig(&cfg)
	if !ok || st.Driver != "sqlite" || st.Path != "data/runs.db" || st.BusyTimeout != 3*time.Second || st.Retain != 10 {
		t.Fatalf("storage = %+v %v", st, ok)
	}
	cfg.Storage.Driver = "none"
	if _, ok := mapStorageConfig(&cfg); ok {
		t.Fatal("driver none should disable storage")
	}
	if nc := mapNotifierConfig(&cfg); nc.NotifyOn != "always" || nc.RetryBase != time.Second || nc.ChatID != 42 {
		t.Fatalf("notifier = %+v", nc)
	}
	if tc := mapTriggerConfig(&cfg); len(tc.Schedules) != 1 || tc.Schedules[0].Concurrency != 1 {
		t.Fatalf("trigger = %+v", tc)
	}
	if pc := mapProviderConfig(&cfg); pc.BaseURL != config.DefaultBaseURL {
		t.Fatalf("provider = %+v", pc)
	}
}

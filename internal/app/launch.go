package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"envfleet/internal/notifier"
	"envfleet/internal/provider"
	"envfleet/internal/report"
	"envfleet/internal/routine"
	"envfleet/internal/server"
	"envfleet/internal/task/queue"
	"envfleet/internal/task/scheduler"
	"envfleet/internal/task/trigger"
	logx "envfleet/pkg/logx"
)

// RunSpec is a run as the CLI, the control API and schedules describe it:
// by environment IDs and routine references.
type RunSpec struct {
	Environments []string // empty selects every listed environment
	Routines     []string
	Mode         string // empty uses scheduler.mode from the config
	Concurrency  int
	Trigger      string
}

// ResolveEnvironments maps IDs to provider environments. With no IDs it
// lists everything. IDs the provider does not report are kept as stubs so
// an environment hidden by paging or filters can still be run.
func (a *App) ResolveEnvironments(ctx context.Context, ids []string) ([]provider.Environment, error) {
	opt := provider.ListOptions{PageSize: a.Config().Provider.PageSize}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		envs, err := provider.ListAll(ctx, a.client, opt)
		if err != nil {
			return nil, fmt.Errorf("list environments: %w", err)
		}
		if len(envs) == 0 {
			return nil, queue.ErrNoEnvironments
		}
		return envs, nil
	}

	known := map[string]provider.Environment{}
	listed, err := provider.ListAll(ctx, a.client, opt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.log.Warn("environment list unavailable, using ids as given", logx.Err(err))
	}
	for _, e := range listed {
		known[e.ID] = e
	}
	out := make([]provider.Environment, 0, len(ids))
	for _, id := range ids {
		if e, ok := known[id]; ok {
			out = append(out, e)
			continue
		}
		out = append(out, provider.StubEnvironment(id))
	}
	return out, nil
}

// Request turns a RunSpec into a scheduler request.
func (a *App) Request(ctx context.Context, spec RunSpec) (scheduler.Request, error) {
	cfg := a.Config()
	modeName := spec.Mode
	if strings.TrimSpace(modeName) == "" {
		modeName = cfg.Scheduler.Mode
	}
	mode, err := queue.ParseMode(modeName)
	if err != nil {
		return scheduler.Request{}, err
	}
	if spec.Concurrency < 0 {
		return scheduler.Request{}, fmt.Errorf("%w: concurrency must be >= 0", server.ErrInvalidRequest)
	}
	refs := make([]routine.Reference, 0, len(spec.Routines))
	for _, raw := range spec.Routines {
		ref, err := routine.ParseReference(raw)
		if err != nil {
			return scheduler.Request{}, fmt.Errorf("routine %q: %w", raw, err)
		}
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return scheduler.Request{}, queue.ErrNoRoutines
	}

	envs, err := a.ResolveEnvironments(ctx, spec.Environments)
	if err != nil {
		return scheduler.Request{}, err
	}

	trig := spec.Trigger
	if trig == "" {
		trig = "cli"
	}
	return scheduler.Request{
		Environments: envs,
		Routines:     refs,
		Mode:         mode,
		Concurrency:  spec.Concurrency,
		Trigger:      trig,
	}, nil
}

// Run executes one run and waits for it. Cancelling ctx stops the run.
func (a *App) Run(ctx context.Context, spec RunSpec) (report.Summary, error) {
	req, err := a.Request(ctx, spec)
	if err != nil {
		return report.Summary{}, err
	}
	sum, err := a.sched.Run(ctx, req)
	if err != nil {
		return sum, err
	}
	if _, nerr := a.notif.NotifyRun(sum); nerr != nil && !errors.Is(nerr, notifier.ErrDisabled) {
		a.log.Warn("run summary not queued", logx.Err(nerr))
	}
	return sum, nil
}

// Launch starts a run in the background. Request resolution uses ctx; the
// run itself lives until the app stops or the run is stopped.
func (a *App) Launch(ctx context.Context, spec RunSpec) (string, error) {
	if a.sched.Active() {
		return "", scheduler.ErrBusy
	}
	req, err := a.Request(ctx, spec)
	if err != nil {
		return "", err
	}
	id, _, err := a.sched.Start(a.runCtx, req)
	if err != nil {
		return "", err
	}
	a.log.Info("run launched", logx.String("run", id), logx.String("trigger", req.Trigger),
		logx.Int("environments", len(req.Environments)))
	return id, nil
}

func (a *App) launchSchedule(ctx context.Context, sch trigger.Schedule) (string, error) {
	return a.Launch(ctx, RunSpec{
		Environments: sch.Environments,
		Routines:     sch.Routines,
		Mode:         sch.Mode,
		Concurrency:  sch.Concurrency,
		Trigger:      "schedule:" + sch.Name,
	})
}

// apiRuns adapts the app to the control API.
type apiRuns struct{ a *App }

func (r apiRuns) Launch(ctx context.Context, req server.RunRequest) (string, error) {
	return r.a.Launch(ctx, RunSpec{
		Environments: req.Environments,
		Routines:     req.Routines,
		Mode:         req.Mode,
		Concurrency:  req.Concurrency,
		Trigger:      "api",
	})
}

func (r apiRuns) Stop(ctx context.Context) bool { return r.a.sched.Stop(ctx) }
func (r apiRuns) Status() scheduler.Status      { return r.a.sched.Status() }

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		for _, part := range strings.Split(id, ",") {
			part = strings.TrimSpace(part)
			if part == "" || seen[part] {
				continue
			}
			seen[part] = true
			out = append(out, part)
		}
	}
	return out
}

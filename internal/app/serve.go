package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"envfleet/internal/config"
	"envfleet/internal/routine"
	"envfleet/internal/runtime/supervisor"
	"envfleet/internal/server"
	logx "envfleet/pkg/logx"
)

// Serve runs the long-lived mode until ctx is cancelled or a component
// fails: config hot reload, the routine watcher, the notifier, schedules
// and the control API. It reports readiness and liveness to systemd when
// started as a notify service.
func (a *App) Serve(ctx context.Context) error {
	cfg := a.Config()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))
	a.runCtx = a.sup.Context()

	if a.cfgm != nil {
		a.cfgm.SetValidator(func(_ context.Context, next *config.Config) error {
			return a.trig.Validate(mapTriggerConfig(next))
		})
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
			return nil
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	if cfg.Routines.Watch && strings.TrimSpace(cfg.Routines.Dir) != "" {
		w := &routine.Watcher{
			Dir:      cfg.Routines.Dir,
			Registry: a.registry,
			Log:      a.log.With(logx.String("comp", "routines")),
			OnChange: func(file string, gen uint64) {
				a.log.Info("routine changed", logx.String("file", file), logx.Uint64("gen", gen))
			},
		}
		a.sup.GoRestart("routines.watch", w.Run, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}

	if a.notif.Enabled() {
		a.sup.Go("notifier", a.notif.Run)
	}

	a.trig.Start(a.sup.Context())

	if cfg.Server.Enabled {
		srv := server.New(mapServerConfig(cfg), server.Deps{
			Runs:      apiRuns{a},
			Provider:  a.client,
			History:   a.history(),
			Schedules: a.trig,
			Health:    a.sup.Snapshot,
		}, a.log)
		a.sup.Go("server", srv.Run)
	}

	if iv, err := daemon.SdWatchdogEnabled(false); err == nil && iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return watchdogLoop(c, iv/2)
		})
	}
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("serving",
		logx.Bool("api", cfg.Server.Enabled),
		logx.Bool("schedules", cfg.Schedules.Enabled),
		logx.Bool("notifier", a.notif.Enabled()),
		logx.Bool("history", a.store != nil))

	<-a.sup.Context().Done()
	reason := StopSignal
	if a.sup.Err() != nil {
		reason = StopFatalError
	}
	a.shutdown(reason)
	return a.sup.Err()
}

func (a *App) history() server.History {
	if a.store == nil {
		return nil
	}
	return a.store
}

func watchdogLoop(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

// reloadLoop applies published configs to the live components. Sections
// listed in config.RestartSections only take effect after a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.Config()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			next = c
		}
		// Keep only the newest of a burst.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					next = newer
				}
			default:
				break drain
			}
		}
		a.applyConfig(last, next)
		last = next
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, fields := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	var restart []string
	for _, s := range sections {
		if config.RestartSections[s] {
			restart = append(restart, s)
		}
	}
	if prev.Routines.Dir != next.Routines.Dir || prev.Routines.Watch != next.Routines.Watch {
		restart = append(restart, "routines.dir")
	}
	if prev.Notifier.Token != next.Notifier.Token || prev.Notifier.APIURL != next.Notifier.APIURL ||
		(next.Notifier.Enabled && !a.notif.Enabled() && !prev.Notifier.Enabled) {
		restart = append(restart, "notifier.transport")
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLogConfig(next))
	a.sched.Apply(mapSchedulerConfig(next))
	a.notif.Apply(mapNotifierConfig(next))
	if err := a.trig.Apply(mapTriggerConfig(next)); err != nil {
		// Validated before commit, so this only happens on a race with a newer file.
		a.log.Error("schedules not applied", logx.Err(err))
	}

	fields = append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
	a.log.Info("config reloaded", fields...)
}

// shutdown stops components in dependency order, each bounded so one slow
// component cannot stall the rest.
func (a *App) shutdown(reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.step("schedules", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	a.step("run", a.stopBudget(), func(c context.Context) error {
		if a.sched.Stop(c) {
			a.log.Info("active run stopped")
		}
		return nil
	})
	a.sup.Cancel()
	a.step("supervisor", 5*time.Second, a.sup.Wait)
	a.log.Info("stopped")
}

func (a *App) stopBudget() time.Duration {
	d := dur("scheduler.stop_timeout", a.Config().Scheduler.StopTimeout, 5*time.Second)
	return d + 2*time.Second
}

func (a *App) step(name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

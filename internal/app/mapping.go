package app

import (
	"strings"
	"time"

	"envfleet/internal/config"
	"envfleet/internal/notifier"
	"envfleet/internal/provider"
	"envfleet/internal/server"
	"envfleet/internal/storage"
	"envfleet/internal/task/scheduler"
	"envfleet/internal/task/trigger"
	logx "envfleet/pkg/logx"
)

// The map* functions turn the file config into component configs. Parse has
// already validated every duration, so parse errors here only happen for a
// Config that skipped Parse (tests), and fall back to the default.

func dur(path, raw string, def time.Duration) time.Duration {
	d, err := config.ParseDurationOrDefault(path, raw, def)
	if err != nil {
		return def
	}
	return d
}

func mapProviderConfig(cfg *config.Config) provider.HTTPConfig {
	pc := cfg.Provider
	return provider.HTTPConfig{
		BaseURL:      pc.BaseURL,
		APIID:        pc.APIID,
		APIKey:       pc.APIKey,
		Timeout:      dur("provider.timeout", pc.Timeout, 0),
		StartTimeout: dur("provider.start_timeout", pc.StartTimeout, 0),
		RatePerSec:   pc.RatePerSec,
		Headless:     pc.Headless,
		CDPEvasion:   pc.CDPEvasion,
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	sc := cfg.Scheduler
	return scheduler.Config{
		MaxConcurrent:   sc.MaxConcurrent,
		CloseAttempts:   sc.CloseAttempts,
		CloseRetryDelay: dur("scheduler.close_retry_delay", sc.CloseRetryDelay, 0),
		StopTimeout:     dur("scheduler.stop_timeout", sc.StopTimeout, 0),
		RoutineTimeout:  dur("scheduler.routine_timeout", sc.RoutineTimeout, 0),
		RoutineSettings: cfg.Routines.Settings,
	}
}

// mapStorageConfig reports false when history is disabled.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: dur("storage.busy_timeout", sc.BusyTimeout, time.Second),
		Retain:      sc.Retain,
	}, true
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	nc := cfg.Notifier
	return notifier.Config{
		Enabled:       nc.Enabled,
		Token:         nc.Token,
		ChatID:        nc.ChatID,
		ThreadID:      nc.ThreadID,
		NotifyOn:      strings.ToLower(strings.TrimSpace(nc.NotifyOn)),
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     dur("notifier.retry_base", nc.RetryBase, 0),
		RetryMaxDelay: dur("notifier.retry_max_delay", nc.RetryMaxDelay, 0),
		DedupWindow:   dur("notifier.dedup_window", nc.DedupWindow, 0),
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Remote: logx.RemoteConfig{
			Enabled:    lc.Remote.Enabled,
			MinLevel:   lc.Remote.MinLevel,
			RatePerSec: lc.Remote.RatePerSec,
		},
	}
}

func mapServerConfig(cfg *config.Config) server.Config {
	sc := cfg.Server
	return server.Config{
		Addr:            sc.Addr,
		Token:           sc.Token,
		ReadTimeout:     dur("server.read_timeout", sc.ReadTimeout, 0),
		WriteTimeout:    dur("server.write_timeout", sc.WriteTimeout, 0),
		ShutdownTimeout: dur("server.shutdown_timeout", sc.ShutdownTimeout, 0),
		Pprof: server.PprofConfig{
			Enabled:              sc.Pprof.Enabled,
			MutexProfileFraction: sc.Pprof.MutexProfileFraction,
			BlockProfileRate:     sc.Pprof.BlockProfileRate,
		},
	}
}

func mapTriggerConfig(cfg *config.Config) trigger.Config {
	sc := cfg.Schedules
	out := trigger.Config{Enabled: sc.Enabled, Timezone: sc.Timezone}
	for _, it := range sc.Items {
		out.Schedules = append(out.Schedules, trigger.Schedule{
			Name:         it.Name,
			Spec:         it.Spec,
			Environments: it.Environments,
			Routines:     it.Routines,
			Mode:         it.Mode,
			Concurrency:  it.Concurrency,
		})
	}
	return out
}

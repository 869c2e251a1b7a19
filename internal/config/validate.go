package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"envfleet/internal/notifier"
	"envfleet/internal/task/queue"
)

// DefaultBaseURL is the provisioning client's local API.
const DefaultBaseURL = "http://127.0.0.1:35000"

// Validate rejects configs that would fail later at wiring time, so a bad
// hot reload never replaces a working config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	for path, raw := range map[string]string{
		"provider.timeout":            cfg.Provider.Timeout,
		"provider.start_timeout":      cfg.Provider.StartTimeout,
		"scheduler.close_retry_delay": cfg.Scheduler.CloseRetryDelay,
		"scheduler.stop_timeout":      cfg.Scheduler.StopTimeout,
		"scheduler.routine_timeout":   cfg.Scheduler.RoutineTimeout,
		"storage.busy_timeout":        cfg.Storage.BusyTimeout,
		"notifier.retry_base":         cfg.Notifier.RetryBase,
		"notifier.retry_max_delay":    cfg.Notifier.RetryMaxDelay,
		"notifier.dedup_window":       cfg.Notifier.DedupWindow,
		"server.read_timeout":         cfg.Server.ReadTimeout,
		"server.write_timeout":        cfg.Server.WriteTimeout,
		"server.shutdown_timeout":     cfg.Server.ShutdownTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		check(err)
	}

	if cfg.Provider.RatePerSec < 0 {
		check(errors.New("provider.rate_per_sec must be >= 0"))
	}
	if cfg.Scheduler.MaxConcurrent < 0 {
		check(errors.New("scheduler.max_concurrent must be >= 0"))
	}
	if cfg.Scheduler.CloseAttempts < 0 {
		check(errors.New("scheduler.close_attempts must be >= 0"))
	}
	if _, err := queue.ParseMode(cfg.Scheduler.Mode); err != nil {
		check(fmt.Errorf("scheduler.mode: %w", err))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none":
	case "file", "json", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			check(fmt.Errorf("storage.path is required when storage.driver=%s", cfg.Storage.Driver))
		}
	default:
		check(fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver))
	}
	if cfg.Storage.Retain < 0 {
		check(errors.New("storage.retain must be >= 0"))
	}

	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		check(errors.New("logging.file.path is required when logging.file.enabled"))
	}

	if n := cfg.Notifier; n.Enabled {
		if strings.TrimSpace(n.Token) == "" {
			check(errors.New("notifier.token is required when notifier.enabled"))
		}
		if n.ChatID == 0 {
			check(errors.New("notifier.chat_id is required when notifier.enabled"))
		}
		switch strings.ToLower(strings.TrimSpace(n.NotifyOn)) {
		case "", notifier.NotifyAlways, notifier.NotifyFailures, notifier.NotifyNever:
		default:
			check(fmt.Errorf("notifier.notify_on: unknown policy %q", n.NotifyOn))
		}
	}
	if cfg.Logging.Remote.Enabled && !cfg.Notifier.Enabled {
		check(errors.New("logging.remote.enabled requires notifier.enabled"))
	}

	if s := cfg.Server; s.Enabled {
		host, _, err := net.SplitHostPort(strings.TrimSpace(s.Addr))
		if err != nil {
			check(fmt.Errorf("server.addr: %w", err))
		} else if strings.TrimSpace(s.Token) == "" && !isLoopback(host) {
			check(errors.New("server.token is required when server.addr is not a loopback address"))
		}
	}
	if p := cfg.Server.Pprof; p.MutexProfileFraction < 0 || p.BlockProfileRate < 0 {
		check(errors.New("server.pprof rates must be >= 0"))
	}

	if tz := strings.TrimSpace(cfg.Schedules.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			check(fmt.Errorf("schedules.timezone: invalid %q: %w", tz, err))
		}
	}
	seen := map[string]bool{}
	for i, it := range cfg.Schedules.Items {
		name := strings.TrimSpace(it.Name)
		switch {
		case name == "":
			check(fmt.Errorf("schedules.items[%d].name is required", i))
		case seen[name]:
			check(fmt.Errorf("schedules.items[%d]: duplicate name %q", i, name))
		}
		seen[name] = true
		if len(it.Routines) == 0 {
			check(fmt.Errorf("schedules.items[%d].routines is required", i))
		}
		if _, err := queue.ParseMode(it.Mode); err != nil {
			check(fmt.Errorf("schedules.items[%d].mode: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// WithDefaults fills omitted values that have a single sensible default.
func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.Provider.BaseURL) == "" {
		c.Provider.BaseURL = DefaultBaseURL
	}
	if c.Scheduler.MaxConcurrent == 0 {
		c.Scheduler.MaxConcurrent = 3
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = "127.0.0.1:8089"
	}
	return c
}

package config

import (
	"reflect"
	"strings"

	logx "envfleet/pkg/logx"
)

// RestartSections need a process restart to take effect.
var RestartSections = map[string]bool{"provider": true, "storage": true, "server": true}

// SummarizeConfigChange returns the changed top-level sections and safe
// fields for logging. Tokens and keys are never included, only whether
// they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Provider, newCfg.Provider) {
		changed = append(changed, "provider")
		attrs = append(attrs,
			logx.String("provider.base_url", newCfg.Provider.BaseURL),
			logx.Bool("provider.key_set", strings.TrimSpace(newCfg.Provider.APIKey) != ""),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.max_concurrent", newCfg.Scheduler.MaxConcurrent),
			logx.String("scheduler.mode", newCfg.Scheduler.Mode),
		)
	}
	if !reflect.DeepEqual(oldCfg.Routines, newCfg.Routines) {
		changed = append(changed, "routines")
		attrs = append(attrs,
			logx.String("routines.dir", newCfg.Routines.Dir),
			logx.Int("routines.settings", len(newCfg.Routines.Settings)),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.remote", newCfg.Logging.Remote.Enabled),
		)
	}
	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
			logx.Bool("notifier.token_set", strings.TrimSpace(newCfg.Notifier.Token) != ""),
			logx.String("notifier.notify_on", newCfg.Notifier.NotifyOn),
		)
	}
	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
		attrs = append(attrs, logx.Bool("server.enabled", newCfg.Server.Enabled), logx.String("server.addr", newCfg.Server.Addr))
	}
	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Bool("schedules.enabled", newCfg.Schedules.Enabled),
			logx.Int("schedules.items", len(newCfg.Schedules.Items)),
		)
	}
	return changed, attrs
}

package config

// Config is the root of the envfleet config file. Durations are Go duration
// strings ("1.5s", "5m").
type Config struct {
	Provider  ProviderConfig  `json:"provider"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Routines  RoutinesConfig  `json:"routines"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	Notifier  NotifierConfig  `json:"notifier"`
	Server    ServerConfig    `json:"server"`
	Schedules SchedulesConfig `json:"schedules"`
}

// ProviderConfig points at the local provisioning API.
//
// api_id and api_key may be left empty and supplied through
// ENVFLEET_API_ID / ENVFLEET_API_KEY instead.
type ProviderConfig struct {
	BaseURL      string `json:"base_url"`
	APIID        string `json:"api_id,omitempty"`
	APIKey       string `json:"api_key,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	StartTimeout string `json:"start_timeout,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
	PageSize     int    `json:"page_size,omitempty"`
	Headless     *bool  `json:"headless,omitempty"`
	CDPEvasion   *bool  `json:"cdp_evasion,omitempty"`
}

// SchedulerConfig sets run defaults. Defaults when omitted:
//   - max_concurrent: 3
//   - mode: per-environment
//   - close_attempts: 3
//   - close_retry_delay: "1.5s"
//   - stop_timeout: "5s"
//   - routine_timeout: "0s" (disabled)
type SchedulerConfig struct {
	MaxConcurrent   int    `json:"max_concurrent,omitempty"`
	Mode            string `json:"mode,omitempty"`
	CloseAttempts   int    `json:"close_attempts,omitempty"`
	CloseRetryDelay string `json:"close_retry_delay,omitempty"`
	StopTimeout     string `json:"stop_timeout,omitempty"`
	RoutineTimeout  string `json:"routine_timeout,omitempty"`
}

// RoutinesConfig locates script routines and per-routine settings.
// Settings are keyed by routine name and handed to the routine as-is.
type RoutinesConfig struct {
	Dir      string                    `json:"dir,omitempty"`
	Watch    bool                      `json:"watch,omitempty"`
	Settings map[string]map[string]any `json:"settings,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // "file" | "sqlite" | "none"
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Retain      int    `json:"retain,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
	Remote  LoggingRemote     `json:"remote"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingRemote forwards high-severity lines through the notifier.
type LoggingRemote struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// NotifierConfig controls Telegram delivery.
//
// Defaults (when fields are omitted/zero):
//   - notify_on: "failures"
//   - rate_per_sec: 1
//   - retry_max: 0
//   - retry_base: "500ms"
//   - retry_max_delay: "10s"
//   - dedup_window: "0s" (disabled)
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Token         string `json:"token,omitempty"`
	APIURL        string `json:"api_url,omitempty"`
	ChatID        int64  `json:"chat_id,omitempty"`
	ThreadID      int    `json:"thread_id,omitempty"`
	NotifyOn      string `json:"notify_on,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
}

// ServerConfig is the control API. An empty token disables auth, which is
// only accepted on a loopback address.
type ServerConfig struct {
	Enabled         bool        `json:"enabled"`
	Addr            string      `json:"addr,omitempty"`
	Token           string      `json:"token,omitempty"`
	ReadTimeout     string      `json:"read_timeout,omitempty"`
	WriteTimeout    string      `json:"write_timeout,omitempty"`
	ShutdownTimeout string      `json:"shutdown_timeout,omitempty"`
	Pprof           ServerPprof `json:"pprof"`
}

// ServerPprof mounts net/http/pprof under /debug/pprof on the control API,
// behind the same token. Rates of 0 leave the runtime defaults alone.
type ServerPprof struct {
	Enabled              bool `json:"enabled"`
	MutexProfileFraction int  `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int  `json:"block_profile_rate,omitempty"`
}

type SchedulesConfig struct {
	Enabled  bool             `json:"enabled"`
	Timezone string           `json:"timezone,omitempty"`
	Items    []ScheduleConfig `json:"items,omitempty"`
}

type ScheduleConfig struct {
	Name         string   `json:"name"`
	Spec         string   `json:"spec"`
	Environments []string `json:"environments,omitempty"`
	Routines     []string `json:"routines"`
	Mode         string   `json:"mode,omitempty"`
	Concurrency  int      `json:"concurrency,omitempty"`
}

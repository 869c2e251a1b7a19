package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "envfleet/pkg/logx"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(filepath.Join("..", "..", "config.example.yaml"))
	m.getenv = func(string) string { return "" }
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.MaxConcurrent != 3 || cfg.Storage.Driver != "sqlite" || len(cfg.Schedules.Items) != 1 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if got := cfg.Routines.Settings["idle"]["seconds"]; got != float64(10) {
		t.Fatalf("routine setting = %#v", got)
	}
	if cfg.Server.Addr != "127.0.0.1:8089" || cfg.Server.Pprof.Enabled {
		t.Fatalf("server = %+v", cfg.Server)
	}
}

func TestLoadAppliesEnvAndDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "envfleet.yaml")
	writeFile(t, path, "provider:\n  api_id: from-file\nlogging:\n  console: true\n")
	m := NewConfigManager(path)
	env := map[string]string{"ENVFLEET_API_ID": "id-env", "ENVFLEET_API_KEY": "key-env", "ENVFLEET_SERVER_TOKEN": "tok"}
	m.getenv = func(k string) string { return env[k] }

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.APIID != "id-env" || cfg.Provider.APIKey != "key-env" {
		t.Fatalf("credentials = %q/%q", cfg.Provider.APIID, cfg.Provider.APIKey)
	}
	if cfg.Server.Token != "tok" {
		t.Fatalf("server token = %q", cfg.Server.Token)
	}
	if cfg.Provider.BaseURL != DefaultBaseURL || cfg.Scheduler.MaxConcurrent != 3 || cfg.Logging.Level != "info" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
}

func TestDecodeIsStrict(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, body string
	}{
		{"cfg.json", `{"scheduler":{"max_concurrent":2,"workers":4}}`},
		{"cfg.json", `{"scheduler":{}} {"scheduler":{}}`},
		{"cfg.yaml", "scheduler:\n  max_concurent: 2\n"},
		{"cfg.yaml", "scheduler: [\n"},
	}
	for _, tc := range cases {
		if _, err := Decode(tc.name, []byte(tc.body)); err == nil {
			t.Fatalf("Decode(%s, %q) succeeded", tc.name, tc.body)
		}
	}
	if _, err := Decode("cfg.yaml", nil); err != nil {
		t.Fatalf("empty yaml: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() Config { return Config{}.WithDefaults() }
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"bad duration", func(c *Config) { c.Scheduler.StopTimeout = "soon" }, "scheduler.stop_timeout"},
		{"negative duration", func(c *Config) { c.Scheduler.CloseRetryDelay = "-1s" }, "must be >= 0"},
		{"bad mode", func(c *Config) { c.Scheduler.Mode = "sideways" }, "scheduler.mode"},
		{"storage path", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.path"},
		{"storage driver", func(c *Config) { c.Storage.Driver = "mongo" }, "unknown storage.driver"},
		{"notifier token", func(c *Config) { c.Notifier.Enabled = true; c.Notifier.ChatID = 1 }, "notifier.token"},
		{"notify policy", func(c *Config) {
			c.Notifier = NotifierConfig{Enabled: true, Token: "t", ChatID: 1, NotifyOn: "sometimes"}
		}, "notify_on"},
		{"remote needs notifier", func(c *Config) { c.Logging.Remote.Enabled = true }, "logging.remote"},
		{"public server needs token", func(c *Config) { c.Server.Enabled = true; c.Server.Addr = "0.0.0.0:8089" }, "server.token"},
		{"loopback server", func(c *Config) { c.Server.Enabled = true; c.Server.Addr = "localhost:8089" }, ""},
		{"timezone", func(c *Config) { c.Schedules.Timezone = "Mars/Olympus" }, "schedules.timezone"},
		{"schedule routines", func(c *Config) {
			c.Schedules.Items = []ScheduleConfig{{Name: "a", Spec: "1h"}}
		}, "routines is required"},
		{"schedule duplicate", func(c *Config) {
			c.Schedules.Items = []ScheduleConfig{{Name: "a", Spec: "1h", Routines: []string{"idle"}}, {Name: "a", Spec: "2h", Routines: []string{"idle"}}}
		}, "duplicate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(&cfg)
			err := Validate(&cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate = %v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("empty = %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("250ms = %v, %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "abc", time.Second); err == nil || !strings.HasPrefix(err.Error(), "x:") {
		t.Fatalf("bad = %v", err)
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := Config{}.WithDefaults()
	newCfg := oldCfg
	newCfg.Notifier.Token = "123:secret"
	newCfg.Scheduler.MaxConcurrent = 5

	sections, attrs := SummarizeConfigChange(&oldCfg, &newCfg)
	if strings.Join(sections, ",") != "scheduler,notifier" {
		t.Fatalf("sections = %v", sections)
	}
	var buf strings.Builder
	logx.NewWriter(&buf, "debug").Info("changed", attrs...)
	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("token leaked: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"notifier.token_set":true`) {
		t.Fatalf("log = %s", buf.String())
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "envfleet.json")
	writeFile(t, path, `{"scheduler":{"max_concurrent":2}}`)
	m := NewConfigManager(path)
	m.getenv = func(string) string { return "" }
	armed := make(chan struct{}, 1)
	m.onArmed = func() {
		select {
		case armed <- struct{}{}:
		default:
		}
	}
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	select {
	case <-armed:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never armed")
	}

	// An invalid edit is rejected and nothing is published.
	writeFile(t, path, `{"scheduler":{"mode":"sideways"}}`)
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg.Scheduler)
	case <-time.After(4 * watchDebounce):
	}

	// One valid write is enough once the debounce settles.
	writeFile(t, path, `{"scheduler":{"max_concurrent":7}}`)
	select {
	case cfg := <-sub:
		if cfg.Scheduler.MaxConcurrent != 7 {
			t.Fatalf("published %+v", cfg.Scheduler)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if m.Get().Scheduler.MaxConcurrent != 7 {
		t.Fatal("not committed")
	}
}

// Package builtin holds Go-native routines that ship with envfleet.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"envfleet/internal/routine"
)

// Register adds every builtin routine to reg.
func Register(reg *routine.Registry) {
	reg.MustRegister("idle", Idle, "Idle")
	reg.MustRegister("devtools-probe", DevtoolsProbe, "DevTools probe")
	reg.MustRegister("status-check", StatusCheck, "Status check")
}

// Idle keeps the environment open for config "seconds" (default 5).
func Idle(ctx context.Context, rc *routine.Context) error {
	d := time.Duration(intSetting(rc.Config, "seconds", 5)) * time.Second
	rc.Logf(routine.SeverityInfo, "idling %s", d)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DevtoolsProbe checks that the browser's DevTools endpoint answers and logs
// its version.
func DevtoolsProbe(ctx context.Context, rc *routine.Context) error {
	if rc.Endpoint.DebugPort == "" {
		return fmt.Errorf("devtools probe: no debug port")
	}
	url := fmt.Sprintf("http://127.0.0.1:%s/json/version", rc.Endpoint.DebugPort)
	if base, ok := rc.Config["devtools_base"].(string); ok && base != "" {
		url = base + "/json/version"
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("devtools probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("devtools probe: http %d", resp.StatusCode)
	}
	var v struct {
		Browser string `json:"Browser"`
		WS      string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return fmt.Errorf("devtools probe: %w", err)
	}
	rc.Logf(routine.SeveritySuccess, "devtools up: %s", v.Browser)
	return nil
}

// StatusCheck asks the provider whether the session is still running.
func StatusCheck(ctx context.Context, rc *routine.Context) error {
	if rc.Client == nil {
		return fmt.Errorf("status check: no provider client")
	}
	st, err := rc.Client.EnvironmentStatus(ctx, rc.EnvID)
	if err != nil {
		return fmt.Errorf("status check: %w", err)
	}
	if st.Stopped() {
		return fmt.Errorf("status check: session reported %q", st.Status)
	}
	rc.Logf(routine.SeverityInfo, "status %s (local %s)", st.Status, st.LocalStatus)
	return nil
}

func intSetting(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

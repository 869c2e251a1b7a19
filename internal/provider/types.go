package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Client is the environment provisioning contract the scheduler depends on.
//
// Implementations must be safe for concurrent use: one call per task phase may
// be in flight for every admitted task.
type Client interface {
	ListEnvironments(ctx context.Context, opt ListOptions) (Page, error)
	StartEnvironment(ctx context.Context, envID string) (Endpoint, error)
	// CloseEnvironment is idempotent from the caller's view: closing a session
	// that is already gone reports AlreadyClosed instead of an error.
	CloseEnvironment(ctx context.Context, envID string) (CloseResult, error)
	EnvironmentStatus(ctx context.Context, envID string) (Status, error)
}

// Environment is a provider-managed browser sandbox.
// Meta keeps the provider's raw fields for routines that need them.
type Environment struct {
	ID   string         `json:"id"`
	Name string         `json:"name,omitempty"`
	Meta map[string]any `json:"meta,omitempty"`
}

// DisplayName prefers the human name and falls back to the ID.
func (e Environment) DisplayName() string {
	if strings.TrimSpace(e.Name) != "" {
		return e.Name
	}
	return e.ID
}

// StubEnvironment describes an environment known only by ID.
func StubEnvironment(id string) Environment {
	id = strings.TrimSpace(id)
	return Environment{ID: id, Name: "env " + id}
}

// EnvironmentFromMap picks the ID and name out of a raw provider record.
func EnvironmentFromMap(m map[string]any) Environment {
	env := Environment{Meta: m}
	for _, k := range []string{"Id", "id", "envId", "environment_id"} {
		if v, ok := m[k]; ok && v != nil {
			if s := scalarString(v); s != "" {
				env.ID = s
				break
			}
		}
	}
	for _, k := range []string{"envName", "name"} {
		if v, ok := m[k].(string); ok && strings.TrimSpace(v) != "" {
			env.Name = v
			break
		}
	}
	return env
}

// ListOptions filters ListEnvironments. Zero values mean "no filter".
type ListOptions struct {
	Page     int
	PageSize int
	Name     string
	GroupID  *int64
	EnvID    string
}

func (o ListOptions) withDefaults() ListOptions {
	if o.Page <= 0 {
		o.Page = 1
	}
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	return o
}

type Page struct {
	Items []Environment `json:"items"`
	Total int           `json:"total"`
}

// Endpoint is the debug endpoint descriptor returned by a successful start.
type Endpoint struct {
	DebugPort string `json:"debug_port"`
	WebDriver string `json:"webdriver,omitempty"`
}

func (e Endpoint) Empty() bool { return strings.TrimSpace(e.DebugPort) == "" }

// WebSocketURL is the conventional DevTools browser endpoint for the port.
// Routines resolve the exact URL through /json/version when they need it.
func (e Endpoint) WebSocketURL() string {
	if e.Empty() {
		return ""
	}
	return fmt.Sprintf("ws://127.0.0.1:%s/devtools/browser", e.DebugPort)
}

type CloseResult struct {
	AlreadyClosed bool `json:"already_closed"`
}

// Status is the provider's view of a session.
type Status struct {
	Status      string `json:"status"`
	LocalStatus string `json:"local_status,omitempty"`
}

// Stopped reports whether the session is known not to be running.
// The local status wins because it reflects the browser process itself.
func (s Status) Stopped() bool {
	v := s.LocalStatus
	if strings.TrimSpace(v) == "" {
		v = s.Status
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "stopped", "stop", "closed", "close", "not_running", "notrunning", "idle", "0":
		return true
	}
	return false
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case fmt.Stringer:
		return x.String()
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

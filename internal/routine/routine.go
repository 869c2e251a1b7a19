// Package routine defines the automation routine contract and where routine
// definitions come from.
//
// A routine is an opaque callable run against one started environment. The
// scheduler never interprets it; it only resolves a Reference to a Func right
// before each invocation, so edits to a script take effect on the next call.
package routine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"envfleet/internal/provider"
)

var (
	ErrNotFound   = errors.New("routine not found")
	ErrInvalidRef = errors.New("invalid routine reference")
)

// Severity classifies routine log lines.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ParseSeverity maps free-form level names to a Severity (default info).
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "ok":
		return SeveritySuccess
	case "warning", "warn":
		return SeverityWarning
	case "error", "err", "fatal":
		return SeverityError
	default:
		return SeverityInfo
	}
}

// Context is what a routine sees of the environment it runs in.
type Context struct {
	EnvID    string
	Env      provider.Environment
	Endpoint provider.Endpoint
	Client   provider.Client

	// Config holds per-routine settings from the routines config section.
	Config map[string]any

	// Log forwards a line to the run log. Never nil when built by the scheduler.
	Log func(msg string, sev Severity)
}

// Logf is a convenience wrapper around Log.
func (c *Context) Logf(sev Severity, format string, args ...any) {
	if c == nil || c.Log == nil {
		return
	}
	c.Log(fmt.Sprintf(format, args...), sev)
}

// Func is a routine body. A nil return is success.
type Func func(ctx context.Context, rc *Context) error

// Reference names a routine. Path points at a script file; Name at a
// registered Go routine. One of them must be set.
type Reference struct {
	Path        string `json:"path,omitempty"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
}

// Label is the name shown in logs and summaries.
func (r Reference) Label() string {
	switch {
	case strings.TrimSpace(r.DisplayName) != "":
		return r.DisplayName
	case strings.TrimSpace(r.Name) != "":
		return r.Name
	default:
		return r.Path
	}
}

// Key identifies the routine independently of its display name.
func (r Reference) Key() string {
	if r.Path != "" {
		return r.Path
	}
	return r.Name
}

// ParseReference turns CLI/API input into a Reference. Inputs ending in .js
// or containing a path separator are scripts, anything else is a registry name.
func ParseReference(s string) (Reference, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Reference{}, ErrInvalidRef
	}
	if strings.HasSuffix(strings.ToLower(s), ".js") || strings.ContainsAny(s, `/\`) {
		return Reference{Path: s, Name: scriptName(s)}, nil
	}
	return Reference{Name: s}, nil
}

// Definition is a resolved routine.
type Definition struct {
	Ref     Reference
	Run     Func
	Version uint64
	Source  string // "builtin" or "script"
}

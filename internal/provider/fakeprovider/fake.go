// Package fakeprovider is an instrumented in-memory provider.Client.
//
// It tracks open sessions and the peak number of simultaneously open ones,
// and can fail starts and closes on a per-environment schedule. Scheduler
// tests and `envfleet run --dry-run` use it.
package fakeprovider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"envfleet/internal/provider"
)

// Call records one provider operation.
type Call struct {
	Op    string
	EnvID string
	At    time.Time
	Err   error
}

type closeFailure struct {
	remaining int // <0 means always
	stops     bool
}

type Provider struct {
	mu sync.Mutex

	envs []provider.Environment
	open map[string]bool

	peakOpen int
	calls    []Call

	startErr map[string]error
	closeErr map[string]*closeFailure
	statusFn map[string]func() (provider.Status, error)
	noPort   map[string]bool

	// StartDelay and CloseDelay simulate provider latency.
	StartDelay time.Duration
	CloseDelay time.Duration
}

var _ provider.Client = (*Provider)(nil)

// New returns a provider knowing the given environments.
func New(envs ...provider.Environment) *Provider {
	return &Provider{
		envs:     envs,
		open:     map[string]bool{},
		startErr: map[string]error{},
		closeErr: map[string]*closeFailure{},
		statusFn: map[string]func() (provider.Status, error){},
		noPort:   map[string]bool{},
	}
}

// Environments builds n environments named env-1..env-n.
func Environments(n int) []provider.Environment {
	out := make([]provider.Environment, 0, n)
	for i := 1; i <= n; i++ {
		id := "env-" + strconv.Itoa(i)
		out = append(out, provider.Environment{ID: id, Name: "Env " + strconv.Itoa(i)})
	}
	return out
}

// FailStart makes every start of envID fail with err.
func (p *Provider) FailStart(envID string, err error) {
	p.mu.Lock()
	p.startErr[envID] = err
	p.mu.Unlock()
}

// StartWithoutPort makes starts of envID succeed but return no debug port.
// The session is still opened, as a real provider may do.
func (p *Provider) StartWithoutPort(envID string) {
	p.mu.Lock()
	p.noPort[envID] = true
	p.mu.Unlock()
}

// FailClose makes the next n closes of envID fail (n < 0: all of them).
// When stops is true the session still ends even though the call errors.
func (p *Provider) FailClose(envID string, n int, stops bool) {
	p.mu.Lock()
	p.closeErr[envID] = &closeFailure{remaining: n, stops: stops}
	p.mu.Unlock()
}

// SetStatus overrides EnvironmentStatus for envID.
func (p *Provider) SetStatus(envID string, fn func() (provider.Status, error)) {
	p.mu.Lock()
	p.statusFn[envID] = fn
	p.mu.Unlock()
}

func (p *Provider) record(op, envID string, err error) {
	p.calls = append(p.calls, Call{Op: op, EnvID: envID, At: time.Now(), Err: err})
}

func (p *Provider) ListEnvironments(ctx context.Context, opt provider.ListOptions) (provider.Page, error) {
	if err := ctx.Err(); err != nil {
		return provider.Page{}, err
	}
	page, size := opt.Page, opt.PageSize
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 100
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("list", "", nil)

	var match []provider.Environment
	for _, e := range p.envs {
		if opt.EnvID != "" && e.ID != opt.EnvID {
			continue
		}
		if opt.Name != "" && e.Name != opt.Name {
			continue
		}
		match = append(match, e)
	}
	from := (page - 1) * size
	if from > len(match) {
		from = len(match)
	}
	to := min(from+size, len(match))
	return provider.Page{Items: append([]provider.Environment(nil), match[from:to]...), Total: len(match)}, nil
}

func (p *Provider) StartEnvironment(ctx context.Context, envID string) (provider.Endpoint, error) {
	if err := sleepCtx(ctx, p.StartDelay); err != nil {
		p.mu.Lock()
		p.record("start", envID, err)
		p.mu.Unlock()
		return provider.Endpoint{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.startErr[envID]; err != nil {
		p.record("start", envID, err)
		return provider.Endpoint{}, err
	}
	p.open[envID] = true
	if n := p.openCountLocked(); n > p.peakOpen {
		p.peakOpen = n
	}
	if p.noPort[envID] {
		err := fmt.Errorf("start environment %s: %w", envID, provider.ErrNoEndpoint)
		p.record("start", envID, err)
		return provider.Endpoint{}, err
	}
	p.record("start", envID, nil)
	port := 9000 + len(p.calls)
	return provider.Endpoint{DebugPort: strconv.Itoa(port), WebDriver: "/fake/chromedriver"}, nil
}

func (p *Provider) CloseEnvironment(ctx context.Context, envID string) (provider.CloseResult, error) {
	if err := sleepCtx(ctx, p.CloseDelay); err != nil {
		p.mu.Lock()
		p.record("close", envID, err)
		p.mu.Unlock()
		return provider.CloseResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if f := p.closeErr[envID]; f != nil && f.remaining != 0 {
		if f.remaining > 0 {
			f.remaining--
		}
		if f.stops {
			delete(p.open, envID)
		}
		err := errors.New("close rejected by provider")
		p.record("close", envID, err)
		return provider.CloseResult{}, err
	}
	p.record("close", envID, nil)
	if !p.open[envID] {
		return provider.CloseResult{AlreadyClosed: true}, nil
	}
	delete(p.open, envID)
	return provider.CloseResult{}, nil
}

func (p *Provider) EnvironmentStatus(ctx context.Context, envID string) (provider.Status, error) {
	if err := ctx.Err(); err != nil {
		return provider.Status{}, err
	}
	p.mu.Lock()
	fn := p.statusFn[envID]
	running := p.open[envID]
	p.record("status", envID, nil)
	p.mu.Unlock()
	if fn != nil {
		return fn()
	}
	if running {
		return provider.Status{Status: "running", LocalStatus: "running"}, nil
	}
	return provider.Status{Status: "stopped", LocalStatus: "stopped"}, nil
}

func (p *Provider) openCountLocked() int {
	n := 0
	for _, v := range p.open {
		if v {
			n++
		}
	}
	return n
}

// OpenCount is the number of sessions open right now.
func (p *Provider) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openCountLocked()
}

// PeakOpen is the highest number of simultaneously open sessions observed.
func (p *Provider) PeakOpen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peakOpen
}

// IsOpen reports whether envID currently has an open session.
func (p *Provider) IsOpen(envID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open[envID]
}

// Calls returns a copy of the recorded operations.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Count returns how many op calls were made for envID ("" counts all envs).
func (p *Provider) Count(op, envID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.Op == op && (envID == "" || c.EnvID == envID) {
			n++
		}
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

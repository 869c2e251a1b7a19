package routine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds Go-native routines by name. Re-registering a name replaces
// its body and bumps the version, so callers resolving per invocation always
// see the latest one.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	gen     uint64
}

type entry struct {
	fn      Func
	version uint64
	display string
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]entry{}}
}

// Register adds or replaces a routine and returns its new version.
func (r *Registry) Register(name string, fn Func, display string) (uint64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("register routine: %w", ErrInvalidRef)
	}
	if fn == nil {
		return 0, fmt.Errorf("register routine %q: nil func", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	v := r.entries[name].version + 1
	r.entries[name] = entry{fn: fn, version: v, display: display}
	return v, nil
}

// MustRegister panics on error; used for package-level builtin tables.
func (r *Registry) MustRegister(name string, fn Func, display string) {
	if _, err := r.Register(name, fn, display); err != nil {
		panic(err)
	}
}

func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return false
	}
	delete(r.entries, name)
	r.gen++
	return true
}

// Resolve returns the current definition for name.
func (r *Registry) Resolve(name string) (Definition, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Definition{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return Definition{
		Ref:     Reference{Name: name, DisplayName: e.display},
		Run:     e.fn,
		Version: e.version,
		Source:  "builtin",
	}, nil
}

// Touch bumps the generation without changing any entry. The script watcher
// calls it so observers can tell the routine set moved.
func (r *Registry) Touch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	return r.gen
}

func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gen
}

// Names lists registered routines sorted by name.
func (r *Registry) Names() []Reference {
	r.mu.RLock()
	out := make([]Reference, 0, len(r.entries))
	for name, e := range r.entries {
		out = append(out, Reference{Name: name, DisplayName: e.display})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

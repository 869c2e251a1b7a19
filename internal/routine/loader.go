package routine

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Loader resolves references against the registry and the script directory.
//
// Scripts are read and compiled on every Resolve. The scheduler resolves once
// before a run (fail fast) and again before each invocation, which is what
// makes edits visible without restarting.
type Loader struct {
	Registry *Registry
	Dir      string
	HTTP     *http.Client
}

func NewLoader(reg *Registry, dir string) *Loader {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Loader{Registry: reg, Dir: dir}
}

// Resolve returns the current definition for ref.
func (l *Loader) Resolve(ref Reference) (Definition, error) {
	if ref.Path == "" && ref.Name == "" {
		return Definition{}, ErrInvalidRef
	}
	if ref.Path == "" {
		def, err := l.Registry.Resolve(ref.Name)
		if err == nil {
			if ref.DisplayName != "" {
				def.Ref.DisplayName = ref.DisplayName
			}
			return def, nil
		}
		if l.Dir == "" {
			return Definition{}, err
		}
		// fall back to <dir>/<name>.js
		ref.Path = ref.Name + ".js"
	}
	return l.resolveScript(ref)
}

func (l *Loader) resolveScript(ref Reference) (Definition, error) {
	path := l.scriptPath(ref.Path)
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Definition{}, fmt.Errorf("%s: %w", ref.Path, ErrNotFound)
	}
	if err != nil {
		return Definition{}, fmt.Errorf("read routine %s: %w", ref.Path, err)
	}
	if ref.Name == "" {
		ref.Name = scriptName(path)
	}
	if ref.DisplayName == "" {
		aliases, _, _ := LoadAliases(filepath.Dir(path))
		ref.DisplayName = aliases.Lookup(path)
	}
	fn, err := compileScript(filepath.Base(path), string(b), l.HTTP)
	if err != nil {
		return Definition{}, err
	}
	ref.Path = path
	return Definition{Ref: ref, Run: fn, Version: l.Registry.Generation(), Source: "script"}, nil
}

func (l *Loader) scriptPath(p string) string {
	if filepath.IsAbs(p) || l.Dir == "" {
		return p
	}
	// Relative references are taken from the routines dir unless they already
	// point at an existing file from the working directory.
	if strings.ContainsAny(p, `/\`) {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(l.Dir, p)
}

// List returns every known routine: registered ones first, then scripts in
// the routines directory with alias display names applied.
func (l *Loader) List() ([]Reference, error) {
	out := l.Registry.Names()
	for i := range out {
		if out[i].DisplayName == "" {
			out[i].DisplayName = out[i].Name
		}
	}
	if l.Dir == "" {
		return out, nil
	}
	entries, err := os.ReadDir(l.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	aliases, _, aerr := LoadAliases(l.Dir)
	var scripts []Reference
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".js") {
			continue
		}
		scripts = append(scripts, Reference{
			Path:        filepath.Join(l.Dir, e.Name()),
			Name:        scriptName(e.Name()),
			DisplayName: aliases.Lookup(e.Name()),
		})
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].Name < scripts[j].Name })
	return append(out, scripts...), aerr
}

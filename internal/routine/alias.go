package routine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.yaml.in/yaml/v3"
)

// Alias file names probed in the routines directory, first match wins.
var aliasFiles = []string{"script-alias.json", "script-alias.yaml", "script-alias.yml"}

// Aliases maps script file names (with or without .js) to display names.
type Aliases map[string]string

// Lookup returns the display name for a script file name, falling back to the
// bare script name.
func (a Aliases) Lookup(file string) string {
	base := filepath.Base(file)
	if v := strings.TrimSpace(a[base]); v != "" {
		return v
	}
	name := scriptName(base)
	if v := strings.TrimSpace(a[name]); v != "" {
		return v
	}
	return name
}

// LoadAliases reads the alias file from dir. A missing file is not an error.
func LoadAliases(dir string) (Aliases, string, error) {
	for _, name := range aliasFiles {
		p := filepath.Join(dir, name)
		b, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Aliases{}, p, err
		}
		out := Aliases{}
		if strings.HasSuffix(name, ".json") {
			err = json.Unmarshal(b, &out)
		} else {
			err = yaml.Unmarshal(b, &out)
		}
		if err != nil {
			return Aliases{}, p, fmt.Errorf("parse %s: %w", name, err)
		}
		return out, p, nil
	}
	return Aliases{}, "", nil
}

func scriptName(path string) string {
	base := filepath.Base(strings.ReplaceAll(path, `\`, "/"))
	if ext := filepath.Ext(base); strings.EqualFold(ext, ".js") {
		base = base[:len(base)-len(ext)]
	}
	return base
}

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"path/filepath"
	"strings"
)

// envOverrides lets secrets live outside the config file.
var envOverrides = []struct {
	name string
	set  func(*Config, string)
}{
	{"ENVFLEET_API_ID", func(c *Config, v string) { c.Provider.APIID = v }},
	{"ENVFLEET_API_KEY", func(c *Config, v string) { c.Provider.APIKey = v }},
	{"ENVFLEET_TELEGRAM_TOKEN", func(c *Config, v string) { c.Notifier.Token = v }},
	{"ENVFLEET_SERVER_TOKEN", func(c *Config, v string) { c.Server.Token = v }},
}

func applyEnv(cfg *Config, getenv func(string) string) {
	for _, o := range envOverrides {
		if v := strings.TrimSpace(getenv(o.name)); v != "" {
			o.set(cfg, v)
		}
	}
}

// Decode strictly decodes JSON or YAML (chosen by the extension of name).
// Unknown keys and trailing documents are errors.
func Decode(name string, b []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(name, b)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(name), err)
	}
	switch err := dec.Decode(&struct{}{}); {
	case errors.Is(err, io.EOF):
		return &cfg, nil
	case err == nil:
		return nil, fmt.Errorf("decode %s: trailing data", filepath.Base(name))
	default:
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(name), err)
	}
}

// fingerprint identifies a committed config so no-op saves are not
// republished. A nil config has fingerprint 0.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	logx "envfleet/pkg/logx"
)

// ConfigManager owns the committed config and republishes it to
// subscribers when the file changes on disk.
type ConfigManager struct {
	path   string
	getenv func(string) string

	mu        sync.RWMutex
	cfg       *Config
	committed uint64 // fingerprint of cfg

	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
	onArmed   func() // called each time a watcher is armed
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, getenv: os.Getenv, log: logx.Nop()}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator adds a check that a reloaded config must pass before it is
// committed, on top of Validate. The scheduler trigger uses it to reject
// unparsable schedule specs.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads the file, applies env overrides and defaults, and validates
// the result without committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, b)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, m.getenv)
	*cfg = cfg.WithDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load parses and commits the file. It does not notify subscribers.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	fp := fingerprint(cfg)
	m.mu.Lock()
	m.cfg, m.committed = cfg, fp
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel receiving every committed reload.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// publish hands cfg to every subscriber. When a subscriber is full its
// oldest pending config is replaced, so a slow reader still ends up with
// the latest one.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
		}
	}
}

// reload re-reads the file and publishes it when it parses, differs from
// the committed config and passes the validator.
func (m *ConfigManager) reload(ctx context.Context) bool {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config reload failed; keeping current config", logx.String("path", m.path), logx.Err(err))
		return false
	}
	fp := fingerprint(cfg)
	m.mu.RLock()
	same := fp != 0 && fp == m.committed
	m.mu.RUnlock()
	if same {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return false
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config reload rejected; keeping current config", logx.String("path", m.path), logx.Err(err))
			return false
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config committed", logx.String("path", m.path), logx.String("fingerprint", fmt.Sprintf("%016x", fp)))
	return true
}

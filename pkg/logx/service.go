package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Remote  RemoteConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// RemoteConfig forwards lines at or above MinLevel to a Sender, at most
// RatePerSec per second. Lines over the budget are dropped.
type RemoteConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Sender delivers a rendered log line to an operator channel.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

const (
	consoleTimeFormat = "15:04:05.000"
	defaultLogFile    = "./envfleet.log"
)

// Service owns the sinks behind every Logger it hands out. Apply swaps them
// at runtime without invalidating existing loggers.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File

	zl     atomic.Pointer[zerolog.Logger]
	remote *remoteSink
}

// New builds the service from cfg and returns it with its root Logger.
func New(cfg Config, sender Sender) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	s := &Service{remote: newRemoteSink(sender)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.zl.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// SetSender installs or replaces the remote sink target.
func (s *Service) SetSender(sender Sender) { s.remote.setSender(sender) }

// Apply rebuilds the writer chain from cfg. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(os.Stderr))
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	s.remote.configure(cfg.Remote)
	if cfg.Remote.Enabled {
		writers = append(writers, s.remote)
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stderr))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.zl.Store(&zl)
}

// Close stops the remote worker and closes the log file.
func (s *Service) Close() error {
	s.remote.stop()
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: consoleTimeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

package storage

import (
	"context"
	"errors"
	"strings"

	"envfleet/internal/report"
	logx "envfleet/pkg/logx"
)

// Store keeps one summary per run. It implements report.Sink.
type Store interface {
	SaveRun(ctx context.Context, s report.Summary) error
	// ListRuns returns the newest runs first, without outcomes.
	ListRuns(ctx context.Context, limit int) ([]report.Summary, error)
	GetRun(ctx context.Context, id string) (report.Summary, error)
	Close() error
}

var _ report.Sink = Store(nil)

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file", "json":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("run not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": Path is a directory, one <startedAt>-<runID>.json per run
//   - "sqlite": Path is the database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Retain keeps at most this many runs (oldest pruned first). 0 keeps all.
	Retain int
}

const defaultListLimit = 20

package trigger

import (
	"context"
	"errors"
	"time"
)

var ErrUnknownSchedule = errors.New("schedule not registered")

// Config is the trigger section of the config file.
type Config struct {
	Enabled   bool
	Timezone  string // IANA TZ, e.g. "Asia/Jakarta"
	Schedules []Schedule
}

// Schedule describes one recurring run.
type Schedule struct {
	Name         string
	Spec         string   // cron, interval or "daily HH:MM"; see ParseSchedule
	Environments []string // empty means every environment the provider lists
	Routines     []string
	Mode         string
	Concurrency  int
}

// Launcher begins a run for a schedule and returns its run id without
// waiting for it to finish.
type Launcher interface {
	Launch(ctx context.Context, sch Schedule) (string, error)
}

// LaunchFunc adapts a function to Launcher.
type LaunchFunc func(ctx context.Context, sch Schedule) (string, error)

func (f LaunchFunc) Launch(ctx context.Context, sch Schedule) (string, error) { return f(ctx, sch) }

// Info is the read-only view of a registered schedule.
type Info struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	Next      time.Time `json:"next,omitzero"`
	Prev      time.Time `json:"prev,omitzero"`
	LastRunID string    `json:"last_run_id,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Event payload published on the bus.
type Event struct {
	Schedule string    `json:"schedule"`
	RunID    string    `json:"run_id,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

const (
	EventFired   = "trigger.fired"
	EventSkipped = "trigger.skipped"
	EventFailed  = "trigger.failed"
)

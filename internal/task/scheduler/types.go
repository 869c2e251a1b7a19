package scheduler

import (
	"errors"
	"time"

	"envfleet/internal/provider"
	"envfleet/internal/report"
	"envfleet/internal/routine"
	"envfleet/internal/task/queue"
)

var (
	ErrBusy       = errors.New("a run is already active")
	ErrRunStopped = errors.New("run stopped")
)

// Event types published on the bus.
const (
	EventLog      = "run.log"
	EventStatus   = "run.status"
	EventStarted  = "run.started"
	EventFinished = "run.finished"
)

// Config controls admission and teardown. The app layer maps the scheduler
// config section into it; Apply swaps it between runs.
type Config struct {
	MaxConcurrent   int
	CloseAttempts   int
	CloseRetryDelay time.Duration
	StopTimeout     time.Duration

	// RoutineTimeout bounds a single routine invocation. 0 disables it.
	RoutineTimeout time.Duration

	// RoutineSettings is handed to routines as Context.Config, keyed by routine name.
	RoutineSettings map[string]map[string]any
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.CloseAttempts <= 0 {
		c.CloseAttempts = 3
	}
	if c.CloseRetryDelay <= 0 {
		c.CloseRetryDelay = 1500 * time.Millisecond
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.RoutineTimeout < 0 {
		c.RoutineTimeout = 0
	}
	return c
}

// Resolver turns a routine reference into its current definition.
// routine.Loader implements it.
type Resolver interface {
	Resolve(ref routine.Reference) (routine.Definition, error)
}

// Request describes one run.
type Request struct {
	Environments []provider.Environment
	Routines     []routine.Reference
	Mode         queue.Mode

	// Concurrency overrides Config.MaxConcurrent when > 0.
	Concurrency int

	// Trigger tags the summary ("cli", "api", "schedule:<name>").
	Trigger string
}

// Stats is the live view of a run. Completed and Failed count
// (environment, routine) pairs; Running counts tasks holding a slot.
type Stats struct {
	RunID     string `json:"run_id"`
	Running   int    `json:"running"`
	Queued    int    `json:"queued"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Total     int    `json:"total"`
	Limit     int    `json:"limit"`
}

// LogEvent is one line of the run log.
type LogEvent struct {
	RunID    string           `json:"run_id"`
	Task     string           `json:"task,omitempty"`
	EnvID    string           `json:"env_id,omitempty"`
	Message  string           `json:"message"`
	Severity routine.Severity `json:"severity"`
	Time     time.Time        `json:"time"`
}

// Status is what the control API reports.
type Status struct {
	Active bool            `json:"active"`
	Stats  Stats           `json:"stats"`
	Last   *report.Summary `json:"last,omitempty"`
}

type phase int

const (
	phasePending phase = iota
	phaseStarting
	phaseRunning
	phaseClosing
	phaseClosed
)

func (p phase) String() string {
	switch p {
	case phaseStarting:
		return "starting"
	case phaseRunning:
		return "running"
	case phaseClosing:
		return "closing"
	case phaseClosed:
		return "closed"
	default:
		return "pending"
	}
}

// Package queue builds the ordered list of tasks a run admits.
package queue

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"envfleet/internal/provider"
	"envfleet/internal/routine"
)

var (
	ErrNoEnvironments = errors.New("no environments selected")
	ErrNoRoutines     = errors.New("no routines selected")
	ErrUnknownMode    = errors.New("unknown scheduling mode")
)

// Mode decides how routines are grouped into tasks.
type Mode string

const (
	// ModePerEnvironment runs every routine in one session per environment.
	ModePerEnvironment Mode = "per-environment"
	// ModePerRound opens a fresh session for each (routine, environment) pair,
	// ordered so each routine finishes its round across environments first.
	ModePerRound Mode = "per-round"
)

// ParseMode accepts the canonical names and their short forms. Empty means
// per-environment.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "per-environment", "per-env", "env":
		return ModePerEnvironment, nil
	case "per-round", "round":
		return ModePerRound, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Task is one admission unit: one environment session and the routines run in it.
type Task struct {
	ID       string
	Env      provider.Environment
	Routines []routine.Reference
	Index    int // 1-based position in the queue
	Total    int
	Round    int // routine slot in per-round mode, -1 otherwise
}

// Label is the "[i/n]" prefix used in run logs.
func (t Task) Label() string {
	return "[" + strconv.Itoa(t.Index) + "/" + strconv.Itoa(t.Total) + "]"
}

// Build produces the run's task queue in admission order.
func Build(envs []provider.Environment, refs []routine.Reference, mode Mode) ([]Task, error) {
	if len(envs) == 0 {
		return nil, ErrNoEnvironments
	}
	if len(refs) == 0 {
		return nil, ErrNoRoutines
	}

	var out []Task
	switch mode {
	case ModePerEnvironment, "":
		out = make([]Task, 0, len(envs))
		for _, env := range envs {
			out = append(out, Task{
				Env:      env,
				Routines: append([]routine.Reference(nil), refs...),
				Round:    -1,
			})
		}
	case ModePerRound:
		out = make([]Task, 0, len(envs)*len(refs))
		for round, ref := range refs {
			for _, env := range envs {
				out = append(out, Task{
					Env:      env,
					Routines: []routine.Reference{ref},
					Round:    round,
				})
			}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	for i := range out {
		out[i].Index = i + 1
		out[i].Total = len(out)
		round := max(out[i].Round, 0)
		out[i].ID = fmt.Sprintf("%d-%d-%s", round, out[i].Index, out[i].Env.ID)
	}
	return out, nil
}

// Pairs is the number of (environment, routine) outcomes the queue will produce.
func Pairs(tasks []Task) int {
	n := 0
	for _, t := range tasks {
		n += len(t.Routines)
	}
	return n
}

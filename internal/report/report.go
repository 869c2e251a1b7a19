// Package report accumulates per-routine outcomes of a run and turns them
// into the summary that gets persisted and announced.
package report

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Outcome is the result of one (environment, routine) pair.
type Outcome struct {
	TaskID    string        `json:"task_id"`
	Label     string        `json:"label"`
	EnvID     string        `json:"env_id"`
	EnvName   string        `json:"env_name,omitempty"`
	Routine   string        `json:"routine"`
	OK        bool          `json:"ok"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Summary is the final record of one run.
type Summary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Mode       string    `json:"mode"`
	Limit      int       `json:"limit"`
	Routines   []string  `json:"routines"`
	Trigger    string    `json:"trigger,omitempty"`

	Admitted  int  `json:"admitted"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Total     int  `json:"total"`
	Stopped   bool `json:"stopped"`

	Warnings []string  `json:"warnings,omitempty"`
	Outcomes []Outcome `json:"outcomes"`
}

func (s Summary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Line is the one-line completion message.
func (s Summary) Line() string {
	line := fmt.Sprintf("run finished: completed %d, failed %d", s.Completed, s.Failed)
	if s.Stopped {
		line += " (stopped)"
	}
	return line
}

// Sink receives the summary once per run.
type Sink interface {
	SaveRun(ctx context.Context, s Summary) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, s Summary) error

func (f SinkFunc) SaveRun(ctx context.Context, s Summary) error { return f(ctx, s) }

// MultiSink fans a summary out to several sinks and joins their errors.
type MultiSink []Sink

func (m MultiSink) SaveRun(ctx context.Context, s Summary) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.SaveRun(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder is the append-only outcome log of one run.
type Recorder struct {
	mu       sync.Mutex
	summary  Summary
	finished bool
}

func NewRecorder(runID string, started time.Time) *Recorder {
	return &Recorder{summary: Summary{RunID: runID, StartedAt: started}}
}

// Describe sets the static run fields.
func (r *Recorder) Describe(mode string, limit int, routines []string, trigger string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Mode = mode
	r.summary.Limit = limit
	r.summary.Routines = append([]string(nil), routines...)
	r.summary.Trigger = trigger
}

// Admit adds n (environment, routine) pairs to the admitted count.
func (r *Recorder) Admit(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finished {
		r.summary.Admitted += n
	}
}

// Record appends an outcome. Records after Finish are dropped.
func (r *Recorder) Record(o Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return false
	}
	r.summary.Outcomes = append(r.summary.Outcomes, o)
	if o.OK {
		r.summary.Completed++
	} else {
		r.summary.Failed++
	}
	return true
}

func (r *Recorder) Warn(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.summary.Warnings = append(r.summary.Warnings, msg)
}

// Counts returns completed and failed so far.
func (r *Recorder) Counts() (completed, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary.Completed, r.summary.Failed
}

func (r *Recorder) Admitted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary.Admitted
}

// Finish freezes the recorder and returns the summary. Later calls return the
// same summary.
func (r *Recorder) Finish(at time.Time, stopped bool) Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finished {
		r.finished = true
		r.summary.FinishedAt = at
		r.summary.Stopped = stopped
		r.summary.Total = r.summary.Completed + r.summary.Failed
	}
	return r.snapshotLocked()
}

// Snapshot copies the current state without finishing.
func (r *Recorder) Snapshot() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Recorder) snapshotLocked() Summary {
	s := r.summary
	s.Routines = append([]string(nil), s.Routines...)
	s.Warnings = append([]string(nil), s.Warnings...)
	s.Outcomes = append([]Outcome(nil), s.Outcomes...)
	return s
}

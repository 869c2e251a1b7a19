package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"time"

	"envfleet/internal/provider"
	"envfleet/internal/routine"
	logx "envfleet/pkg/logx"
)

// runTask drives one task through start, routines and close. The slot is
// released only after closing returned.
func (s *Scheduler) runTask(rs *runState, h *taskHandle) {
	defer s.release(rs, h)
	task := h.task

	s.logRun(rs, h, routine.SeverityInfo, "starting environment")
	ep, err := s.client.StartEnvironment(h.ctx, task.Env.ID)
	if err == nil && ep.Empty() {
		err = provider.ErrNoEndpoint
	}
	if err != nil {
		s.logRun(rs, h, routine.SeverityError, fmt.Sprintf("start failed: %v", err))
		start := time.Now()
		for _, ref := range task.Routines {
			s.record(rs, h, ref, start, fmt.Errorf("start environment: %w", err))
		}
	} else if s.setPhase(rs, h, phaseRunning) {
		s.logRun(rs, h, routine.SeveritySuccess, "environment started, debug port "+ep.DebugPort)
		for _, ref := range task.Routines {
			if h.ctx.Err() != nil {
				break
			}
			s.runRoutine(rs, h, ref, ep)
		}
	}

	if !s.setPhase(rs, h, phaseClosing) {
		// Stop already sent the close for this session.
		return
	}
	s.teardown(rs, h)
}

func (s *Scheduler) runRoutine(rs *runState, h *taskHandle, ref routine.Reference, ep provider.Endpoint) {
	start := time.Now()
	def, err := s.loader.Resolve(ref)
	if err != nil {
		s.logRun(rs, h, routine.SeverityError, fmt.Sprintf("routine %s: %v", ref.Label(), err))
		s.record(rs, h, ref, start, err)
		return
	}

	s.logRun(rs, h, routine.SeverityInfo, "running "+ref.Label())
	rc := &routine.Context{
		EnvID:    h.task.Env.ID,
		Env:      h.task.Env,
		Endpoint: ep,
		Client:   s.client,
		Config:   maps.Clone(rs.cfg.RoutineSettings[def.Ref.Name]),
		Log: func(msg string, sev routine.Severity) {
			s.logRun(rs, h, sev, msg)
		},
	}
	err = invoke(h.ctx, def.Run, rc, rs.cfg.RoutineTimeout)
	switch {
	case err == nil:
		s.logRun(rs, h, routine.SeveritySuccess, ref.Label()+" finished")
	case errors.Is(err, context.Canceled) && h.ctx.Err() != nil:
		s.logRun(rs, h, routine.SeverityWarning, ref.Label()+" cancelled")
	default:
		s.logRun(rs, h, routine.SeverityError, fmt.Sprintf("%s failed: %v", ref.Label(), err))
	}
	s.record(rs, h, ref, start, err)
}

func invoke(ctx context.Context, fn routine.Func, rc *routine.Context, timeout time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("routine panic: %v\n%s", r, debug.Stack())
		}
	}()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx, rc)
}

// teardown closes the session: status first, then bounded close attempts, then
// one confirming status check. It never gives up the slot early.
func (s *Scheduler) teardown(rs *runState, h *taskHandle) {
	ctx := context.WithoutCancel(h.ctx)
	envID := h.task.Env.ID

	if st, err := s.client.EnvironmentStatus(ctx, envID); err == nil && st.Stopped() {
		s.logRun(rs, h, routine.SeverityInfo, "environment already stopped")
		return
	}

	attempts := rs.cfg.CloseAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := s.client.CloseEnvironment(ctx, envID)
		if err == nil {
			if res.AlreadyClosed {
				s.logRun(rs, h, routine.SeverityInfo, "environment already closed")
			} else {
				s.logRun(rs, h, routine.SeveritySuccess, "environment closed")
			}
			return
		}
		s.log.Debug("close attempt failed", logx.String("env", envID), logx.Int("attempt", attempt), logx.Err(err))
		s.logRun(rs, h, routine.SeverityWarning, fmt.Sprintf("close attempt %d/%d failed: %v", attempt, attempts, err))
		if attempt < attempts {
			time.Sleep(rs.cfg.CloseRetryDelay)
		}
	}

	if st, err := s.client.EnvironmentStatus(ctx, envID); err == nil && st.Stopped() {
		s.logRun(rs, h, routine.SeveritySuccess, "environment confirmed stopped")
		return
	}
	msg := fmt.Sprintf("environment %s (%s) may still be running; check it manually", h.task.Env.DisplayName(), envID)
	s.logRun(rs, h, routine.SeverityWarning, msg)
	rs.rec.Warn(msg)
}

// setPhase moves h to p. It returns false when Stop has already taken over
// the session: no routines run after a stop, and a session Stop closed while
// it was running is not closed again. A session Stop hit while starting is
// still torn down here, since the start may have completed after that close.
func (s *Scheduler) setPhase(rs *runState, h *taskHandle, p phase) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if h.closedByStop {
		switch {
		case p == phaseRunning:
			return false
		case p == phaseClosing && h.stoppedIn == phaseRunning:
			return false
		}
	}
	h.phase = p
	return true
}

func (s *Scheduler) record(rs *runState, h *taskHandle, ref routine.Reference, start time.Time, err error) {
	rs.mu.Lock()
	if h.abandoned || h.recorded >= len(h.task.Routines) {
		rs.mu.Unlock()
		return
	}
	h.recorded++
	rs.rec.Record(outcomeFor(h, ref, start, err))
	rs.mu.Unlock()
	s.publish(EventStatus, rs.stats())
}

func (s *Scheduler) release(rs *runState, h *taskHandle) {
	rs.mu.Lock()
	h.phase = phaseClosed
	if !h.abandoned {
		// A task that stopped early (cancelled mid-routines) still owes
		// outcomes for the routines it never reached.
		for i := h.recorded; i < len(h.task.Routines); i++ {
			rs.rec.Record(outcomeFor(h, h.task.Routines[i], time.Now(), ErrRunStopped))
		}
		h.recorded = len(h.task.Routines)
		delete(rs.inflight, h.task.ID)
		rs.running--
	}
	rs.mu.Unlock()
	h.cancel()
	rs.sem.Release(1)

	select {
	case rs.released <- struct{}{}:
	default:
	}
	s.publish(EventStatus, rs.stats())
}

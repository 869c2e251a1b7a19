package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "envfleet/pkg/logx"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCancelOnFirstError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithLogger(logx.Nop()), WithCancelOnError(true))
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Go("broken", func(context.Context) error { return errors.New("boom") })

	err := s.Wait(waitCtx(t))
	if err == nil || !strings.Contains(err.Error(), "broken: boom") {
		t.Fatalf("Wait = %v", err)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("panicky", func(context.Context) error { panic("nope") })
	if err := s.Wait(waitCtx(t)); err == nil || !strings.Contains(err.Error(), "panic: nope") {
		t.Fatalf("Wait = %v", err)
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Panics != 1 || snap[0].Active != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var calls atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	if snap := s.Snapshot(); snap[0].Restarts != 2 || snap[0].LastErr != "transient" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.GoRestart("hopeless", func(context.Context) error { return errors.New("down") },
		WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))
	if err := s.Wait(waitCtx(t)); err == nil || !strings.Contains(err.Error(), "hopeless: down") {
		t.Fatalf("Wait = %v", err)
	}
}

func TestStopCancelsContext(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.GoRestart("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := s.Stop(waitCtx(t)); err != nil {
		t.Fatalf("Stop = %v", err)
	}
}

package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newManager() *Manager {
	m := NewManager(time.Second, 200*time.Millisecond, testLogger())
	m.pollInterval = 10 * time.Millisecond
	return m
}

func TestPhasesAdvanceInOrder(t *testing.T) {
	t.Parallel()
	m := newManager()

	var mu sync.Mutex
	var seen []Phase
	record := func(p Phase) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			seen = append(seen, p)
			mu.Unlock()
			return nil
		}
	}
	for _, p := range shutdownOrder {
		m.Register(p, "probe", record(p))
	}

	report := m.Shutdown(context.Background())

	if len(report.Errors) != 0 {
		t.Fatalf("errors = %v", report.Errors)
	}
	if len(seen) != len(shutdownOrder) {
		t.Fatalf("saw %d phases, want %d", len(seen), len(shutdownOrder))
	}
	for i, p := range shutdownOrder {
		if seen[i] != p {
			t.Fatalf("phase[%d] = %s, want %s", i, seen[i], p)
		}
	}
	if m.Phase() != PhaseCompleted {
		t.Fatalf("final phase = %s", m.Phase())
	}
}

func TestCallbackErrorDoesNotSkipLaterPhases(t *testing.T) {
	t.Parallel()
	m := newManager()

	var cleanupRan atomic.Bool
	m.Register(PhaseStoppingNewWork, "broken", func(context.Context) error {
		return errors.New("stop failed")
	})
	m.Register(PhaseCleanup, "cleanup", func(context.Context) error {
		cleanupRan.Store(true)
		return nil
	})

	report := m.Shutdown(context.Background())

	if !cleanupRan.Load() {
		t.Fatal("cleanup did not run after earlier failure")
	}
	if len(report.Errors) != 1 || !strings.Contains(report.Errors[0], "stop failed") {
		t.Fatalf("errors = %v", report.Errors)
	}
}

func TestCallbackTimeoutAdvancesPhase(t *testing.T) {
	t.Parallel()
	m := newManager()

	var after atomic.Bool
	m.RegisterWithTimeout(PhaseFlushingData, "slow", 30*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return ctx.Err()
	})
	m.Register(PhaseCleanup, "after", func(context.Context) error {
		after.Store(true)
		return nil
	})

	report := m.Shutdown(context.Background())

	if !after.Load() {
		t.Fatal("later phase skipped after timeout")
	}
	found := false
	for _, e := range report.Errors {
		if strings.Contains(e, "timed out") {
			found = true
		}
	}
	if !found {
		t.Fatalf("timeout not reported in %v", report.Errors)
	}
}

func TestDrainWaitsForInFlight(t *testing.T) {
	t.Parallel()
	m := newManager()

	var remaining atomic.Int64
	remaining.Store(3)
	m.SetInFlight(func() int {
		n := remaining.Load()
		if n > 0 {
			remaining.Add(-1)
		}
		return int(n)
	})

	report := m.Shutdown(context.Background())

	if report.DrainTimedOut {
		t.Fatal("drain should have completed")
	}
	if remaining.Load() != 0 {
		t.Fatalf("remaining = %d", remaining.Load())
	}
}

func TestDrainTimeoutInvokesForceCancel(t *testing.T) {
	t.Parallel()
	m := newManager()

	m.SetInFlight(func() int { return 2 })
	var forced atomic.Bool
	m.SetForceCancel(func(context.Context) error {
		forced.Store(true)
		return nil
	})

	report := m.Shutdown(context.Background())

	if !report.DrainTimedOut {
		t.Fatal("expected drain timeout")
	}
	if !forced.Load() {
		t.Fatal("force cancel not invoked")
	}
}

func TestForceCancelErrorRecorded(t *testing.T) {
	t.Parallel()
	m := newManager()

	m.SetInFlight(func() int { return 1 })
	m.SetForceCancel(func(context.Context) error {
		return errors.New("cancel all failed")
	})

	report := m.Shutdown(context.Background())

	found := false
	for _, e := range report.Errors {
		if strings.Contains(e, "force_cancel") && strings.Contains(e, "cancel all failed") {
			found = true
		}
	}
	if !found {
		t.Fatalf("force cancel error missing from %v", report.Errors)
	}
}

func TestDoubleTriggerIsNoOp(t *testing.T) {
	t.Parallel()
	m := newManager()

	m.Trigger()
	m.Trigger() // must not panic on the closed channel

	select {
	case <-m.Triggered():
	default:
		t.Fatal("trigger channel not closed")
	}
}

func TestNoCallbacksStillCompletes(t *testing.T) {
	t.Parallel()
	m := newManager()

	report := m.Shutdown(context.Background())

	if len(report.Errors) != 0 {
		t.Fatalf("errors = %v", report.Errors)
	}
	if m.Phase() != PhaseCompleted {
		t.Fatalf("phase = %s", m.Phase())
	}
}

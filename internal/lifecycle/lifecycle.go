// Package lifecycle implements the staged shutdown controller.
//
// Shutdown walks a fixed phase order. Each phase runs its registered
// callbacks with a per-callback timeout; a failing or timed-out callback is
// logged and recorded, and the phase still advances. The drain phase
// additionally polls the in-flight counter until it reaches zero or the
// drain timeout elapses, then invokes the optional force-cancel hook.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Phase is one stage of the shutdown sequence.
type Phase string

const (
	PhaseRunning            Phase = "RUNNING"
	PhaseSignalReceived     Phase = "SIGNAL_RECEIVED"
	PhaseStoppingNewWork    Phase = "STOPPING_NEW_WORK"
	PhaseDrainingOrders     Phase = "DRAINING_ORDERS"
	PhaseClosingConnections Phase = "CLOSING_CONNECTIONS"
	PhaseFlushingData       Phase = "FLUSHING_DATA"
	PhaseCleanup            Phase = "CLEANUP"
	PhaseCompleted          Phase = "COMPLETED"
)

// shutdownOrder is the sequence walked after the trigger fires.
var shutdownOrder = []Phase{
	PhaseSignalReceived,
	PhaseStoppingNewWork,
	PhaseDrainingOrders,
	PhaseClosingConnections,
	PhaseFlushingData,
	PhaseCleanup,
	PhaseCompleted,
}

const (
	defaultPollInterval = 500 * time.Millisecond
	forceCancelBudget   = 5 * time.Second
)

type callback struct {
	name    string
	timeout time.Duration
	fn      func(ctx context.Context) error
}

// Report summarizes one completed shutdown.
type Report struct {
	Duration      time.Duration
	Errors        []string
	DrainTimedOut bool
}

// Manager owns the phase state and the registered callbacks.
type Manager struct {
	logger          *slog.Logger
	callbackTimeout time.Duration
	drainTimeout    time.Duration
	pollInterval    time.Duration

	mu        sync.Mutex
	phase     Phase
	callbacks map[Phase][]callback
	errs      []string

	inFlight    func() int
	forceCancel func(ctx context.Context) error

	triggerOnce sync.Once
	triggered   chan struct{}
}

// NewManager creates a shutdown controller. callbackTimeout bounds each
// callback; drainTimeout bounds the in-flight drain.
func NewManager(callbackTimeout, drainTimeout time.Duration, logger *slog.Logger) *Manager {
	if callbackTimeout <= 0 {
		callbackTimeout = 30 * time.Second
	}
	if drainTimeout <= 0 {
		drainTimeout = 10 * time.Second
	}
	return &Manager{
		logger:          logger.With("component", "lifecycle"),
		callbackTimeout: callbackTimeout,
		drainTimeout:    drainTimeout,
		pollInterval:    defaultPollInterval,
		phase:           PhaseRunning,
		callbacks:       make(map[Phase][]callback),
		triggered:       make(chan struct{}),
	}
}

// Register adds a callback to a phase with the manager's default timeout.
func (m *Manager) Register(phase Phase, name string, fn func(ctx context.Context) error) {
	m.RegisterWithTimeout(phase, name, 0, fn)
}

// RegisterWithTimeout adds a callback with its own timeout. Zero means the
// manager default.
func (m *Manager) RegisterWithTimeout(phase Phase, name string, timeout time.Duration, fn func(ctx context.Context) error) {
	if timeout <= 0 {
		timeout = m.callbackTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[phase] = append(m.callbacks[phase], callback{name: name, timeout: timeout, fn: fn})
}

// SetInFlight installs the counter the drain phase polls.
func (m *Manager) SetInFlight(fn func() int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight = fn
}

// SetForceCancel installs the hook invoked when the drain times out.
func (m *Manager) SetForceCancel(fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forceCancel = fn
}

// Phase returns the current phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Trigger fires the shutdown signal. Repeat calls are no-ops.
func (m *Manager) Trigger() {
	m.triggerOnce.Do(func() {
		close(m.triggered)
	})
}

// Triggered is closed once shutdown has been requested.
func (m *Manager) Triggered() <-chan struct{} {
	return m.triggered
}

// ListenSignals installs SIGTERM/SIGINT as shutdown triggers. A second
// signal is absorbed by the trigger's once semantics.
func (m *Manager) ListenSignals() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		for sig := range ch {
			m.logger.Info("shutdown signal received", "signal", sig.String())
			m.Trigger()
		}
	}()
}

// Shutdown walks every phase in order and returns the report. Callback
// failures never halt the walk.
func (m *Manager) Shutdown(ctx context.Context) Report {
	start := time.Now()
	report := Report{}

	for _, phase := range shutdownOrder {
		m.mu.Lock()
		m.phase = phase
		cbs := append([]callback(nil), m.callbacks[phase]...)
		m.mu.Unlock()

		m.logger.Info("shutdown phase", "phase", string(phase), "callbacks", len(cbs))

		for _, cb := range cbs {
			if err := m.runCallback(ctx, cb); err != nil {
				msg := fmt.Sprintf("%s/%s: %v", phase, cb.name, err)
				m.logger.Error("shutdown callback failed", "phase", string(phase), "callback", cb.name, "error", err)
				m.mu.Lock()
				m.errs = append(m.errs, msg)
				m.mu.Unlock()
			}
		}

		if phase == PhaseDrainingOrders {
			if timedOut := m.drain(ctx); timedOut {
				report.DrainTimedOut = true
			}
		}
	}

	m.mu.Lock()
	report.Errors = append([]string(nil), m.errs...)
	m.mu.Unlock()
	report.Duration = time.Since(start)

	m.logger.Info("shutdown complete",
		"duration", report.Duration,
		"errors", len(report.Errors),
		"drain_timed_out", report.DrainTimedOut,
	)
	return report
}

func (m *Manager) runCallback(ctx context.Context, cb callback) error {
	cctx, cancel := context.WithTimeout(ctx, cb.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- cb.fn(cctx)
	}()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		return fmt.Errorf("timed out after %s", cb.timeout)
	}
}

// drain polls the in-flight counter until it reaches zero or the drain
// timeout elapses. Returns true when the drain timed out.
func (m *Manager) drain(ctx context.Context) bool {
	m.mu.Lock()
	counter := m.inFlight
	force := m.forceCancel
	m.mu.Unlock()

	if counter == nil {
		return false
	}

	deadline := time.Now().Add(m.drainTimeout)
	for {
		n := counter()
		if n == 0 {
			m.logger.Info("drain complete")
			return false
		}
		if time.Now().After(deadline) {
			m.logger.Warn("drain timed out", "in_flight", n)
			if force != nil {
				fctx, cancel := context.WithTimeout(ctx, forceCancelBudget)
				if err := force(fctx); err != nil {
					m.logger.Error("force cancel failed", "error", err)
					m.mu.Lock()
					m.errs = append(m.errs, fmt.Sprintf("%s/force_cancel: %v", PhaseDrainingOrders, err))
					m.mu.Unlock()
				}
				cancel()
			}
			return true
		}

		select {
		case <-ctx.Done():
			return true
		case <-time.After(m.pollInterval):
		}
	}
}

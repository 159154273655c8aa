// Package risk is the pre-trade gate between strategies and execution.
//
// Every signal published on signal.* passes through CheckPreTrade, which
// enforces the circuit breaker, the daily loss limit, the per-position size
// cap, and the unhedged-exposure cap for directional signals. Approvals go
// out on risk.approved.<signal_id> with a possibly scaled-down size;
// rejections on risk.rejected.<signal_id> with the reason.
//
// The circuit breaker escalates on consecutive failures OR daily loss:
//
//	failures ≥ halt_failures    or loss ≥ halt_loss    → HALT (no trading)
//	failures ≥ caution_failures or loss ≥ caution_loss → CAUTION (size ×0.25)
//	failures ≥ warning_failures or loss ≥ warning_loss → WARNING (size ×0.5)
//	otherwise                                          → NORMAL
//
// HALT holds until cooldown_minutes have elapsed, after which the failure
// streak resets and approvals may resume. State survives restarts through
// the optional CircuitStore.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mercury/internal/bus"
	"mercury/internal/config"
	"mercury/pkg/types"
)

// Rejection reasons, stable strings consumed by telemetry and tests.
const (
	ReasonCircuitBreaker = "Circuit breaker triggered"
	ReasonDailyLoss      = "Daily loss limit reached"
	ReasonPositionSize   = "Position size exceeds limit"
	ReasonUnhedged       = "Unhedged exposure limit reached"
)

// CircuitStore persists circuit-breaker state across restarts.
type CircuitStore interface {
	SaveCircuitBreaker(ctx context.Context, snap types.CircuitBreakerSnapshot) error
	LoadCircuitBreaker(ctx context.Context) (types.CircuitBreakerSnapshot, bool, error)
}

// Manager holds the running risk state and gates signals.
type Manager struct {
	cfg    config.RiskConfig
	bus    *bus.Bus
	store  CircuitStore // nil = no persistence
	logger *slog.Logger

	mu                  sync.Mutex
	dailyPnL            decimal.Decimal
	dailyTrades         int
	currentExposure     decimal.Decimal
	unhedgedExposure    decimal.Decimal
	consecutiveFailures int
	state               types.CircuitState
	triggeredAt         time.Time

	unsub func()
	now   func() time.Time
}

// NewManager creates a risk manager. store may be nil to disable persistence.
func NewManager(cfg config.RiskConfig, b *bus.Bus, store CircuitStore, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:              cfg,
		bus:              b,
		store:            store,
		logger:           logger.With("component", "risk"),
		dailyPnL:         decimal.Zero,
		currentExposure:  decimal.Zero,
		unhedgedExposure: decimal.Zero,
		state:            types.CircuitNormal,
		now:              time.Now,
	}
}

// Start restores persisted circuit-breaker state and begins gating signals.
func (m *Manager) Start(ctx context.Context) error {
	if m.store != nil {
		snap, found, err := m.store.LoadCircuitBreaker(ctx)
		if err != nil {
			return fmt.Errorf("restore circuit breaker: %w", err)
		}
		if found {
			m.mu.Lock()
			m.state = snap.State
			m.triggeredAt = snap.TriggeredAt
			m.consecutiveFailures = snap.ConsecutiveFailures
			m.dailyPnL = snap.DailyPnL
			m.dailyTrades = snap.DailyTrades
			m.mu.Unlock()
			m.logger.Info("circuit breaker restored",
				"state", snap.State,
				"consecutive_failures", snap.ConsecutiveFailures,
				"daily_pnl", snap.DailyPnL,
			)
		}
	}

	m.unsub = m.bus.Subscribe(types.TopicSignalPrefix+"*", m.onSignal)
	m.logger.Info("risk manager started",
		"max_daily_loss", m.cfg.MaxDailyLossUSD,
		"max_position_size", m.cfg.MaxPositionSizeUSD,
	)
	return nil
}

// Stop removes the bus subscription.
func (m *Manager) Stop() {
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
}

func (m *Manager) onSignal(ctx context.Context, topic string, payload any) {
	sig, ok := payload.(types.TradingSignal)
	if !ok {
		m.logger.Warn("unexpected signal payload", "topic", topic, "type", fmt.Sprintf("%T", payload))
		return
	}

	allowed, reason, approvedSize := m.CheckPreTrade(sig)
	if !allowed {
		m.logger.Warn("signal rejected",
			"signal_id", sig.SignalID,
			"market", sig.MarketID,
			"reason", reason,
		)
		m.bus.Publish(types.TopicRiskRejectedPrefix+sig.SignalID, types.RejectedSignal{
			Signal: sig,
			Reason: reason,
		})
		return
	}

	m.logger.Info("signal approved",
		"signal_id", sig.SignalID,
		"market", sig.MarketID,
		"requested_usd", sig.TargetSizeUSD,
		"approved_usd", approvedSize,
	)
	m.bus.Publish(types.TopicRiskApprovedPrefix+sig.SignalID, types.ApprovedSignal{
		Signal:       sig,
		ApprovedSize: approvedSize.StringFixed(4),
	})
}

// CheckPreTrade applies the gate checks in order and returns the verdict and
// the approved size scaled by the circuit-breaker multiplier.
func (m *Manager) CheckPreTrade(sig types.TradingSignal) (allowed bool, reason string, approvedSize decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == types.CircuitHalt {
		if !m.haltCooldownElapsedLocked() {
			return false, ReasonCircuitBreaker, decimal.Zero
		}
		// Cooldown served: the failure streak resets and the state is
		// recomputed; a standing daily loss can re-enter HALT immediately.
		m.consecutiveFailures = 0
		m.recomputeLocked("halt cooldown elapsed")
		if m.state == types.CircuitHalt {
			return false, ReasonCircuitBreaker, decimal.Zero
		}
	}

	if m.dailyPnL.LessThanOrEqual(decimal.NewFromFloat(-m.cfg.MaxDailyLossUSD)) {
		return false, ReasonDailyLoss, decimal.Zero
	}

	if sig.TargetSizeUSD.GreaterThan(decimal.NewFromFloat(m.cfg.MaxPositionSizeUSD)) {
		return false, ReasonPositionSize, decimal.Zero
	}

	if sig.Type != types.SignalArbitrage {
		limit := decimal.NewFromFloat(m.cfg.MaxUnhedgedExposureUSD)
		if m.unhedgedExposure.Add(sig.TargetSizeUSD).GreaterThan(limit) {
			return false, ReasonUnhedged, decimal.Zero
		}
	}

	return true, "", sig.TargetSizeUSD.Mul(m.state.SizeMultiplier())
}

// RecordFill books a fill's cost into the running exposure.
func (m *Manager) RecordFill(fill types.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentExposure = m.currentExposure.Add(fill.FilledSize.Mul(fill.FilledPrice))
	m.dailyTrades++
}

// RecordPnL adds realized P&L and recomputes the circuit breaker.
func (m *Manager) RecordPnL(amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = m.dailyPnL.Add(amount)
	m.recomputeLocked(fmt.Sprintf("pnl recorded: %s", amount))
}

// RecordFailure counts one consecutive execution failure.
func (m *Manager) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFailures++
	m.recomputeLocked(fmt.Sprintf("consecutive failures: %d", m.consecutiveFailures))
}

// RecordSuccess resets the failure streak.
func (m *Manager) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFailures = 0
	m.recomputeLocked("execution succeeded")
}

// RecordUnhedged adjusts the unhedged-exposure total (positive on open,
// negative on close/hedge).
func (m *Manager) RecordUnhedged(delta decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unhedgedExposure = m.unhedgedExposure.Add(delta)
	if m.unhedgedExposure.IsNegative() {
		m.unhedgedExposure = decimal.Zero
	}
}

// ResetDaily zeroes all daily counters and returns to NORMAL. Called at the
// UTC day boundary.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.state
	m.dailyPnL = decimal.Zero
	m.dailyTrades = 0
	m.currentExposure = decimal.Zero
	m.unhedgedExposure = decimal.Zero
	m.consecutiveFailures = 0
	m.state = types.CircuitNormal
	m.triggeredAt = time.Time{}

	if prev != types.CircuitNormal {
		m.publishTransitionLocked(prev, "daily reset")
	}
	m.persistLocked()
	m.logger.Info("daily risk counters reset")
}

// Snapshot returns the current circuit-breaker view.
func (m *Manager) Snapshot() types.CircuitBreakerSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.CircuitBreakerSnapshot{
		State:               m.state,
		TriggeredAt:         m.triggeredAt,
		ConsecutiveFailures: m.consecutiveFailures,
		DailyPnL:            m.dailyPnL,
		DailyTrades:         m.dailyTrades,
	}
}

// State returns the current circuit-breaker state.
func (m *Manager) State() types.CircuitState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) haltCooldownElapsedLocked() bool {
	cooldown := time.Duration(m.cfg.CooldownMinutes) * time.Minute
	return !m.triggeredAt.IsZero() && m.now().Sub(m.triggeredAt) >= cooldown
}

// recomputeLocked derives the circuit state from the failure streak and the
// daily loss, publishing and persisting on transition.
func (m *Manager) recomputeLocked(reason string) {
	loss := m.dailyPnL.Neg()
	failures := m.consecutiveFailures

	next := types.CircuitNormal
	switch {
	case failures >= m.cfg.CircuitBreakerHaltFailures ||
		loss.GreaterThanOrEqual(decimal.NewFromFloat(m.cfg.CircuitBreakerHaltLoss)):
		next = types.CircuitHalt
	case failures >= m.cfg.CircuitBreakerCautionFailures ||
		loss.GreaterThanOrEqual(decimal.NewFromFloat(m.cfg.CircuitBreakerCautionLoss)):
		next = types.CircuitCaution
	case failures >= m.cfg.CircuitBreakerWarningFailures ||
		loss.GreaterThanOrEqual(decimal.NewFromFloat(m.cfg.CircuitBreakerWarningLoss)):
		next = types.CircuitWarning
	}

	if next == m.state {
		return
	}
	prev := m.state
	m.state = next
	if next == types.CircuitHalt {
		m.triggeredAt = m.now()
	}

	m.logger.Warn("circuit breaker transition",
		"previous", prev,
		"current", next,
		"consecutive_failures", failures,
		"daily_pnl", m.dailyPnL,
		"reason", reason,
	)
	m.publishTransitionLocked(prev, reason)
	m.persistLocked()
}

func (m *Manager) publishTransitionLocked(prev types.CircuitState, reason string) {
	m.bus.Publish(types.TopicCircuitBreaker, types.CircuitEvent{
		Previous:  prev,
		Current:   m.state,
		Reason:    reason,
		Timestamp: m.now(),
	})
}

func (m *Manager) persistLocked() {
	if m.store == nil {
		return
	}
	snap := types.CircuitBreakerSnapshot{
		State:               m.state,
		TriggeredAt:         m.triggeredAt,
		ConsecutiveFailures: m.consecutiveFailures,
		DailyPnL:            m.dailyPnL,
		DailyTrades:         m.dailyTrades,
	}
	if err := m.store.SaveCircuitBreaker(context.Background(), snap); err != nil {
		m.logger.Error("persist circuit breaker failed", "error", err)
	}
}

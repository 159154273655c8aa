// Package settlement claims resolved positions and realizes their P&L.
//
// Positions enter the queue when execution publishes position.opened. A poll
// loop wakes on a fixed interval, reads the PENDING entries whose retry time
// has come, and asks the metadata oracle whether each market has resolved.
// Unresolved markets are skipped without consuming an attempt. Resolved ones
// go to the claim backend; the winning side pays $1.00 per share.
//
// Claim failures retry with exponential backoff (base 60s doubling, capped
// at an hour, jittered ±10%). After max_claim_attempts the entry is marked
// ABANDONED and settlement.failed carries is_permanent=true.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"mercury/internal/bus"
	"mercury/internal/config"
	"mercury/pkg/types"
)

const (
	retryBase = 60 * time.Second
	retryCap  = time.Hour
)

// Oracle answers whether a market has resolved. *exchange.GammaClient
// satisfies it.
type Oracle interface {
	GetMarketInfo(ctx context.Context, conditionID string, useCache bool) (types.MarketInfo, error)
}

// Claimer redeems a resolved position. *exchange.DryRunClaimer and
// *exchange.ChainClaimer satisfy it.
type Claimer interface {
	Claim(ctx context.Context, positionID, conditionID string) (types.TxReceipt, error)
}

// Store is the settlement persistence surface.
type Store interface {
	// QueueForSettlement is idempotent on position ID.
	QueueForSettlement(ctx context.Context, positionID, marketID, conditionID string) error
	GetClaimableEntries(ctx context.Context, now time.Time, maxAttempts int) ([]types.SettlementQueueEntry, error)
	GetPosition(ctx context.Context, positionID string) (types.Position, bool, error)
	// MarkClaimed writes the ledger entry, the position update, and the
	// queue transition in one transaction. The ledger key
	// (position_id, 'settlement') makes repeat claims no-ops.
	MarkClaimed(ctx context.Context, entry types.SettlementQueueEntry, proceeds, profit decimal.Decimal, ledger types.RealizedPnLEntry) error
	MarkClaimFailed(ctx context.Context, entry types.SettlementQueueEntry, lastError string, nextRetryAt time.Time, permanent bool) error
}

// PnLRecorder feeds realized P&L back into the risk manager.
type PnLRecorder interface {
	RecordPnL(amount decimal.Decimal)
}

// Manager owns the settlement queue and the claim poll loop.
type Manager struct {
	cfg     config.SettlementConfig
	bus     *bus.Bus
	oracle  Oracle
	claimer Claimer
	store   Store
	risk    PnLRecorder // nil = no risk feedback
	logger  *slog.Logger

	bo *backoff.Backoff

	mu      sync.Mutex
	running bool

	unsub func()
	now   func() time.Time
}

// NewManager wires the settlement loop.
func NewManager(
	cfg config.SettlementConfig,
	b *bus.Bus,
	oracle Oracle,
	claimer Claimer,
	store Store,
	risk PnLRecorder,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		cfg:     cfg,
		bus:     b,
		oracle:  oracle,
		claimer: claimer,
		store:   store,
		risk:    risk,
		logger:  logger.With("component", "settlement"),
		bo: &backoff.Backoff{
			Min:    retryBase,
			Max:    retryCap,
			Factor: 2,
		},
		now: time.Now,
	}
}

// Start subscribes to position.opened and launches the poll loop.
func (m *Manager) Start(ctx context.Context, wg *sync.WaitGroup) {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	m.unsub = m.bus.Subscribe(types.TopicPositionOpened, m.onPositionOpened)

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.pollLoop(ctx)
	}()

	m.logger.Info("settlement manager started",
		"check_interval_s", m.cfg.CheckIntervalSeconds,
		"max_claim_attempts", m.cfg.MaxClaimAttempts,
	)
}

// Stop halts polling and unsubscribes.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
}

func (m *Manager) onPositionOpened(ctx context.Context, _ string, payload any) {
	evt, ok := payload.(types.PositionOpenedEvent)
	if !ok {
		m.logger.Warn("unexpected position payload", "type", fmt.Sprintf("%T", payload))
		return
	}
	if err := m.store.QueueForSettlement(ctx, evt.Position.PositionID, evt.Position.MarketID, evt.ConditionID); err != nil {
		m.logger.Error("enqueue for settlement failed",
			"position_id", evt.Position.PositionID,
			"error", err,
		)
		return
	}
	m.logger.Info("position queued for settlement",
		"position_id", evt.Position.PositionID,
		"market", evt.Position.MarketID,
	)
}

func (m *Manager) pollLoop(ctx context.Context) {
	interval := time.Duration(m.cfg.CheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			running := m.running
			m.mu.Unlock()
			if !running {
				return
			}
			m.ProcessQueue(ctx)
		}
	}
}

// ProcessQueue runs one settlement pass. Exposed for the poll loop and for
// tests.
func (m *Manager) ProcessQueue(ctx context.Context) {
	entries, err := m.store.GetClaimableEntries(ctx, m.now(), m.cfg.MaxClaimAttempts)
	if err != nil {
		m.logger.Error("read settlement queue failed", "error", err)
		return
	}

	for _, entry := range entries {
		m.processEntry(ctx, entry)
	}
}

func (m *Manager) processEntry(ctx context.Context, entry types.SettlementQueueEntry) {
	info, err := m.oracle.GetMarketInfo(ctx, entry.ConditionID, true)
	if err != nil {
		m.logger.Warn("oracle lookup failed",
			"condition_id", entry.ConditionID,
			"error", err,
		)
		return // transient, no attempt consumed
	}
	if !info.Resolved || (info.Winner != types.ResolvedYes && info.Winner != types.ResolvedNo) {
		return // not resolved yet, no attempt consumed
	}

	position, found, err := m.store.GetPosition(ctx, entry.PositionID)
	if err != nil || !found {
		m.logger.Error("position lookup failed",
			"position_id", entry.PositionID,
			"found", found,
			"error", err,
		)
		return
	}

	proceeds, side := settlementProceeds(position, info.Winner)
	profit := proceeds.Sub(position.CostBasis)

	receipt, err := m.claimer.Claim(ctx, entry.PositionID, entry.ConditionID)
	if err != nil {
		m.handleClaimFailure(ctx, entry, err)
		return
	}

	ledger := types.RealizedPnLEntry{
		TradeID:   entry.PositionID,
		TradeDate: m.now(),
		Amount:    profit,
		Type:      types.PnLSettlement,
		Notes:     fmt.Sprintf("market %s resolved %s", entry.MarketID, info.Winner),
	}
	if err := m.store.MarkClaimed(ctx, entry, proceeds, profit, ledger); err != nil {
		m.logger.Error("persist claim failed",
			"position_id", entry.PositionID,
			"error", err,
		)
		return
	}

	if m.risk != nil {
		m.risk.RecordPnL(profit)
	}

	m.logger.Info("settlement claimed",
		"position_id", entry.PositionID,
		"market", entry.MarketID,
		"resolution", info.Winner,
		"proceeds", proceeds,
		"profit", profit,
		"tx_hash", receipt.TxHash,
		"dry_run", receipt.DryRun,
	)
	m.bus.Publish(types.TopicSettlementClaimed, types.SettlementClaimedEvent{
		PositionID:  entry.PositionID,
		MarketID:    entry.MarketID,
		ConditionID: entry.ConditionID,
		Resolution:  info.Winner,
		Proceeds:    proceeds.StringFixed(2),
		Profit:      profit.StringFixed(2),
		Side:        side,
		TxHash:      receipt.TxHash,
		GasUsed:     receipt.GasUsed,
		DryRun:      receipt.DryRun,
		Attempts:    entry.Attempts + 1,
		Timestamp:   m.now(),
	})
}

func (m *Manager) handleClaimFailure(ctx context.Context, entry types.SettlementQueueEntry, claimErr error) {
	attempts := entry.Attempts + 1
	permanent := attempts >= m.cfg.MaxClaimAttempts
	nextRetry := m.now().Add(RetryDelay(m.bo, attempts))

	if err := m.store.MarkClaimFailed(ctx, entry, claimErr.Error(), nextRetry, permanent); err != nil {
		m.logger.Error("persist claim failure failed",
			"position_id", entry.PositionID,
			"error", err,
		)
	}

	m.logger.Warn("claim failed",
		"position_id", entry.PositionID,
		"attempts", attempts,
		"permanent", permanent,
		"next_retry_at", nextRetry,
		"error", claimErr,
	)
	m.bus.Publish(types.TopicSettlementFailed, types.SettlementFailedEvent{
		PositionID:  entry.PositionID,
		MarketID:    entry.MarketID,
		ConditionID: entry.ConditionID,
		Error:       claimErr.Error(),
		Attempts:    attempts,
		IsPermanent: permanent,
		Timestamp:   m.now(),
	})
}

// settlementProceeds computes the payout of a resolved position: the
// winning side's shares pay $1.00 each, the losing side pays nothing.
func settlementProceeds(position types.Position, winner types.Resolution) (decimal.Decimal, string) {
	if winner == types.ResolvedYes {
		return position.YesShares, "YES"
	}
	return position.NoShares, "NO"
}

// RetryDelay returns the backoff for the given attempt with ±10% jitter.
func RetryDelay(bo *backoff.Backoff, attempt int) time.Duration {
	base := bo.ForAttempt(float64(attempt - 1))
	jitter := 1 + (rand.Float64()*0.2 - 0.1)
	return time.Duration(float64(base) * jitter)
}

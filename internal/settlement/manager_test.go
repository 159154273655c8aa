package settlement

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercury/internal/bus"
	"mercury/internal/config"
	"mercury/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeOracle struct {
	mu    sync.Mutex
	infos map[string]types.MarketInfo
	errs  map[string]error
}

func (f *fakeOracle) GetMarketInfo(_ context.Context, conditionID string, _ bool) (types.MarketInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[conditionID]; ok {
		return types.MarketInfo{}, err
	}
	return f.infos[conditionID], nil
}

type fakeClaimer struct {
	mu      sync.Mutex
	err     error
	receipt types.TxReceipt
	calls   int
}

func (f *fakeClaimer) Claim(_ context.Context, positionID, _ string) (types.TxReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return types.TxReceipt{}, f.err
	}
	r := f.receipt
	if r.TxHash == "" {
		r.TxHash = "0xtx-" + positionID
	}
	return r, nil
}

type fakeStore struct {
	mu        sync.Mutex
	queued    []string
	entries   []types.SettlementQueueEntry
	positions map[string]types.Position

	claimed     []types.SettlementQueueEntry
	ledger      []types.RealizedPnLEntry
	proceeds    decimal.Decimal
	profit      decimal.Decimal
	failures    []string
	lastRetryAt time.Time
	permanent   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{positions: make(map[string]types.Position)}
}

func (f *fakeStore) QueueForSettlement(_ context.Context, positionID, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, positionID)
	return nil
}

func (f *fakeStore) GetClaimableEntries(_ context.Context, _ time.Time, _ int) ([]types.SettlementQueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.SettlementQueueEntry(nil), f.entries...), nil
}

func (f *fakeStore) GetPosition(_ context.Context, positionID string) (types.Position, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[positionID]
	return p, ok, nil
}

func (f *fakeStore) MarkClaimed(_ context.Context, entry types.SettlementQueueEntry, proceeds, profit decimal.Decimal, ledger types.RealizedPnLEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimed = append(f.claimed, entry)
	f.ledger = append(f.ledger, ledger)
	f.proceeds = proceeds
	f.profit = profit
	return nil
}

func (f *fakeStore) MarkClaimFailed(_ context.Context, entry types.SettlementQueueEntry, lastError string, nextRetryAt time.Time, permanent bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, lastError)
	f.lastRetryAt = nextRetryAt
	f.permanent = permanent
	return nil
}

type fakeRisk struct {
	mu   sync.Mutex
	pnls []decimal.Decimal
}

func (f *fakeRisk) RecordPnL(amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pnls = append(f.pnls, amount)
}

type fixture struct {
	mgr     *Manager
	bus     *bus.Bus
	oracle  *fakeOracle
	claimer *fakeClaimer
	store   *fakeStore
	risk    *fakeRisk
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.New(testLogger())
	t.Cleanup(func() { b.Close() })

	oracle := &fakeOracle{infos: make(map[string]types.MarketInfo), errs: make(map[string]error)}
	claimer := &fakeClaimer{}
	store := newFakeStore()
	risk := &fakeRisk{}
	cfg := config.SettlementConfig{CheckIntervalSeconds: 60, MaxClaimAttempts: 5}
	mgr := NewManager(cfg, b, oracle, claimer, store, risk, testLogger())

	return &fixture{mgr: mgr, bus: b, oracle: oracle, claimer: claimer, store: store, risk: risk}
}

// seedWinner installs a resolved-YES market with a 10-YES-share position
// bought for $4.50.
func (f *fixture) seedWinner() {
	f.oracle.infos["0xcond"] = types.MarketInfo{
		ConditionID: "0xcond",
		Resolved:    true,
		Winner:      types.ResolvedYes,
	}
	f.store.positions["pos-1"] = types.Position{
		PositionID: "pos-1",
		MarketID:   "m1",
		YesShares:  dec("10"),
		NoShares:   decimal.Zero,
		CostBasis:  dec("4.50"),
		Status:     types.PositionOpen,
	}
	f.store.entries = []types.SettlementQueueEntry{{
		ID:          1,
		PositionID:  "pos-1",
		MarketID:    "m1",
		ConditionID: "0xcond",
		Status:      types.SettlementPending,
	}}
}

func TestClaimWinner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedWinner()

	claimed := make(chan types.SettlementClaimedEvent, 1)
	f.bus.Subscribe(types.TopicSettlementClaimed, func(_ context.Context, _ string, payload any) {
		if e, ok := payload.(types.SettlementClaimedEvent); ok {
			claimed <- e
		}
	})

	f.mgr.ProcessQueue(context.Background())

	require.Len(t, f.store.claimed, 1)
	assert.True(t, f.store.proceeds.Equal(dec("10")), "proceeds = %s, want 10.00", f.store.proceeds)
	assert.True(t, f.store.profit.Equal(dec("5.5")), "profit = %s, want 5.50", f.store.profit)

	require.Len(t, f.store.ledger, 1)
	assert.Equal(t, types.PnLSettlement, f.store.ledger[0].Type)
	assert.True(t, f.store.ledger[0].Amount.Equal(dec("5.5")))

	require.Len(t, f.risk.pnls, 1)
	assert.True(t, f.risk.pnls[0].Equal(dec("5.5")))

	select {
	case e := <-claimed:
		assert.Equal(t, "pos-1", e.PositionID)
		assert.Equal(t, types.ResolvedYes, e.Resolution)
		assert.Equal(t, "10.00", e.Proceeds)
		assert.Equal(t, "5.50", e.Profit)
		assert.Equal(t, "YES", e.Side)
		assert.Equal(t, 1, e.Attempts)
	case <-time.After(time.Second):
		t.Fatal("no settlement.claimed event")
	}
}

func TestLoserPaysNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedWinner()
	f.oracle.infos["0xcond"] = types.MarketInfo{
		ConditionID: "0xcond",
		Resolved:    true,
		Winner:      types.ResolvedNo,
	}

	f.mgr.ProcessQueue(context.Background())

	require.Len(t, f.store.claimed, 1)
	assert.True(t, f.store.proceeds.IsZero(), "proceeds = %s, want 0", f.store.proceeds)
	assert.True(t, f.store.profit.Equal(dec("-4.5")), "profit = %s, want -4.50", f.store.profit)
}

func TestUnresolvedSkippedWithoutAttempt(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedWinner()
	f.oracle.infos["0xcond"] = types.MarketInfo{ConditionID: "0xcond", Resolved: false}

	f.mgr.ProcessQueue(context.Background())

	assert.Zero(t, f.claimer.calls, "claim attempted on unresolved market")
	assert.Empty(t, f.store.claimed)
	assert.Empty(t, f.store.failures)
}

func TestOracleErrorSkippedWithoutAttempt(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedWinner()
	f.oracle.errs["0xcond"] = errors.New("gamma unavailable")

	f.mgr.ProcessQueue(context.Background())

	assert.Zero(t, f.claimer.calls)
	assert.Empty(t, f.store.failures)
}

func TestClaimFailureSchedulesRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedWinner()
	f.claimer.err = errors.New("execution reverted")

	failed := make(chan types.SettlementFailedEvent, 1)
	f.bus.Subscribe(types.TopicSettlementFailed, func(_ context.Context, _ string, payload any) {
		if e, ok := payload.(types.SettlementFailedEvent); ok {
			failed <- e
		}
	})

	before := time.Now()
	f.mgr.ProcessQueue(context.Background())

	require.Len(t, f.store.failures, 1)
	assert.Contains(t, f.store.failures[0], "reverted")
	assert.False(t, f.store.permanent)

	// First retry lands around base 60s, within the ±10% jitter band.
	delay := f.store.lastRetryAt.Sub(before)
	assert.GreaterOrEqual(t, delay, 54*time.Second)
	assert.LessOrEqual(t, delay, 67*time.Second)

	select {
	case e := <-failed:
		assert.Equal(t, 1, e.Attempts)
		assert.False(t, e.IsPermanent)
	case <-time.After(time.Second):
		t.Fatal("no settlement.failed event")
	}
}

func TestPermanentFailureAtMaxAttempts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedWinner()
	f.store.entries[0].Attempts = 4 // next failure is the fifth
	f.claimer.err = errors.New("execution reverted")

	failed := make(chan types.SettlementFailedEvent, 1)
	f.bus.Subscribe(types.TopicSettlementFailed, func(_ context.Context, _ string, payload any) {
		if e, ok := payload.(types.SettlementFailedEvent); ok {
			failed <- e
		}
	})

	f.mgr.ProcessQueue(context.Background())

	assert.True(t, f.store.permanent, "fifth failure must be permanent")
	select {
	case e := <-failed:
		assert.Equal(t, 5, e.Attempts)
		assert.True(t, e.IsPermanent)
	case <-time.After(time.Second):
		t.Fatal("no settlement.failed event")
	}
}

func TestPositionOpenedEnqueues(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.mgr.Start(ctx, &wg)
	defer f.mgr.Stop()

	f.bus.Publish(types.TopicPositionOpened, types.PositionOpenedEvent{
		Position: types.Position{
			PositionID: "pos-9",
			MarketID:   "m1",
		},
		ConditionID: "0xcond",
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.store.mu.Lock()
		n := len(f.store.queued)
		f.store.mu.Unlock()
		if n == 1 {
			cancel()
			wg.Wait()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("position not enqueued")
}

func TestRetryDelayBackoff(t *testing.T) {
	t.Parallel()
	bo := &backoff.Backoff{Min: retryBase, Max: retryCap, Factor: 2}

	within := func(d, base time.Duration) bool {
		lo := time.Duration(float64(base) * 0.9)
		hi := time.Duration(float64(base) * 1.1)
		return d >= lo && d <= hi
	}

	assert.True(t, within(RetryDelay(bo, 1), time.Minute), "attempt 1")
	assert.True(t, within(RetryDelay(bo, 2), 2*time.Minute), "attempt 2")
	assert.True(t, within(RetryDelay(bo, 3), 4*time.Minute), "attempt 3")
	// Deep attempts cap at one hour (plus jitter headroom).
	assert.True(t, within(RetryDelay(bo, 20), time.Hour), "attempt 20")
}

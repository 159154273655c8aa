package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercury/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mercury.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTrade(id string) types.Trade {
	now := time.Now().UTC()
	return types.Trade{
		TradeID:         id,
		MarketID:        "m1",
		Strategy:        "gabagool",
		YesTokenID:      "y1",
		NoTokenID:       "n1",
		YesSize:         dec("10.20"),
		NoSize:          dec("10.20"),
		YesPrice:        dec("0.48"),
		NoPrice:         dec("0.50"),
		TotalCost:       dec("9.996"),
		GuaranteedPnL:   dec("0.204"),
		Status:          "FILLED",
		PreFillYesDepth: dec("100"),
		PreFillNoDepth:  dec("100"),
		ExecutionStatus: "full_fill",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func samplePosition(id, tradeID string) types.Position {
	return types.Position{
		PositionID: id,
		MarketID:   "m1",
		TradeID:    tradeID,
		YesShares:  dec("10.20"),
		NoShares:   dec("10.20"),
		CostBasis:  dec("9.996"),
		Status:     types.PositionOpen,
		OpenedAt:   time.Now().UTC(),
	}
}

func sampleFill(id, tradeID, tokenID string) types.Fill {
	return types.Fill{
		FillID:         id,
		TradeID:        tradeID,
		OrderID:        "o-" + id,
		TokenID:        tokenID,
		Side:           types.BUY,
		RequestedSize:  dec("10.20"),
		FilledSize:     dec("10.20"),
		RequestedPrice: dec("0.48"),
		FilledPrice:    dec("0.48"),
		SlippageCents:  decimal.Zero,
		LatencyMS:      42.5,
		Timestamp:      time.Now().UTC(),
	}
}

func recordSample(t *testing.T, s *Store, tradeID, posID string) {
	t.Helper()
	trade := sampleTrade(tradeID)
	pos := samplePosition(posID, tradeID)
	fills := []types.Fill{
		sampleFill("f1-"+tradeID, tradeID, "y1"),
		sampleFill("f2-"+tradeID, tradeID, "n1"),
	}
	require.NoError(t, s.RecordExecution(context.Background(), trade, &pos, fills))
}

func TestRecordExecutionRoundTrip(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	recordSample(t, s, "trade-1", "pos-1")

	trade, found, err := s.GetTrade(ctx, "trade-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "gabagool", trade.Strategy)
	assert.True(t, trade.TotalCost.Equal(dec("9.996")), "total_cost = %s", trade.TotalCost)
	assert.True(t, trade.GuaranteedPnL.Equal(dec("0.204")))
	assert.Equal(t, "full_fill", trade.ExecutionStatus)

	pos, found, err := s.GetPosition(ctx, "pos-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.PositionOpen, pos.Status)
	assert.True(t, pos.YesShares.Equal(dec("10.20")))
	assert.True(t, pos.CostBasis.Equal(dec("9.996")))

	fills, err := s.GetFills(ctx, "trade-1")
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, types.BUY, fills[0].Side)
	assert.InDelta(t, 42.5, fills[0].LatencyMS, 0.001)
}

func TestRecordExecutionWithoutPosition(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	trade := sampleTrade("trade-nf")
	trade.ExecutionStatus = "no_fill"
	require.NoError(t, s.RecordExecution(ctx, trade, nil, nil))

	_, found, err := s.GetPosition(ctx, "pos-missing")
	require.NoError(t, err)
	assert.False(t, found)

	stats, err := s.GetDailyStats(ctx, time.Now().UTC().Format("2006-01-02"))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalTrades)
	assert.Equal(t, 0, stats.PositionsOpened)
}

func TestDuplicateTradeRejected(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordExecution(ctx, sampleTrade("trade-dup"), nil, nil))
	err := s.RecordExecution(ctx, sampleTrade("trade-dup"), nil, nil)
	assert.Error(t, err, "duplicate trade id must not silently overwrite")
}

func TestQueueForSettlementIdempotent(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	recordSample(t, s, "trade-1", "pos-1")

	require.NoError(t, s.QueueForSettlement(ctx, "pos-1", "m1", "0xcond"))
	require.NoError(t, s.QueueForSettlement(ctx, "pos-1", "m1", "0xcond"))

	entries, err := s.GetClaimableEntries(ctx, time.Now(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "pos-1", entries[0].PositionID)
	assert.Equal(t, types.SettlementPending, entries[0].Status)
	assert.Zero(t, entries[0].Attempts)
}

func TestClaimableFiltersByRetryTimeAndAttempts(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	recordSample(t, s, "trade-1", "pos-1")
	require.NoError(t, s.QueueForSettlement(ctx, "pos-1", "m1", "0xcond"))

	entries, err := s.GetClaimableEntries(ctx, time.Now(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// A failure pushes the retry into the future; the entry disappears
	// until that time passes.
	future := time.Now().Add(time.Minute)
	require.NoError(t, s.MarkClaimFailed(ctx, entries[0], "rpc timeout", future, false))

	entries, err = s.GetClaimableEntries(ctx, time.Now(), 5)
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = s.GetClaimableEntries(ctx, future.Add(time.Second), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, "rpc timeout", entries[0].LastError)

	// Attempts at the cap stop qualifying.
	entries, err = s.GetClaimableEntries(ctx, future.Add(time.Second), 1)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMarkClaimedFinalizesPosition(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	recordSample(t, s, "trade-1", "pos-1")
	require.NoError(t, s.QueueForSettlement(ctx, "pos-1", "m1", "0xcond"))

	entries, err := s.GetClaimableEntries(ctx, time.Now(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	ledger := types.RealizedPnLEntry{
		TradeID:   "pos-1",
		TradeDate: time.Now().UTC(),
		Amount:    dec("5.50"),
		Type:      types.PnLSettlement,
	}
	require.NoError(t, s.MarkClaimed(ctx, entries[0], dec("10.00"), dec("5.50"), ledger))

	pos, found, err := s.GetPosition(ctx, "pos-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.PositionClaimed, pos.Status)
	assert.True(t, pos.SettlementProceeds.Equal(dec("10.00")))
	assert.True(t, pos.RealizedPnL.Equal(dec("5.50")))
	assert.False(t, pos.ClosedAt.IsZero())

	// Claimed entries leave the queue.
	entries, err = s.GetClaimableEntries(ctx, time.Now(), 5)
	require.NoError(t, err)
	assert.Empty(t, entries)

	stats, err := s.GetDailyStats(ctx, time.Now().UTC().Format("2006-01-02"))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PositionsClosed)
	assert.True(t, stats.RealizedPnL.Equal(dec("5.50")), "realized = %s", stats.RealizedPnL)
}

func TestMarkClaimedIdempotentOnLedger(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	recordSample(t, s, "trade-1", "pos-1")
	require.NoError(t, s.QueueForSettlement(ctx, "pos-1", "m1", "0xcond"))

	entries, err := s.GetClaimableEntries(ctx, time.Now(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	ledger := types.RealizedPnLEntry{
		TradeID:   "pos-1",
		TradeDate: time.Now().UTC(),
		Amount:    dec("5.50"),
		Type:      types.PnLSettlement,
	}
	require.NoError(t, s.MarkClaimed(ctx, entries[0], dec("10.00"), dec("5.50"), ledger))
	require.NoError(t, s.MarkClaimed(ctx, entries[0], dec("10.00"), dec("5.50"), ledger))

	// Double claim must not double-credit the day's P&L.
	stats, err := s.GetDailyStats(ctx, time.Now().UTC().Format("2006-01-02"))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PositionsClosed)
	assert.True(t, stats.RealizedPnL.Equal(dec("5.50")))
}

func TestPermanentFailureAbandonsPosition(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	recordSample(t, s, "trade-1", "pos-1")
	require.NoError(t, s.QueueForSettlement(ctx, "pos-1", "m1", "0xcond"))

	entries, err := s.GetClaimableEntries(ctx, time.Now(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, s.MarkClaimFailed(ctx, entries[0], "execution reverted", time.Now().Add(time.Hour), true))

	pos, found, err := s.GetPosition(ctx, "pos-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.PositionAbandoned, pos.Status)

	entries, err = s.GetClaimableEntries(ctx, time.Now().Add(2*time.Hour), 5)
	require.NoError(t, err)
	assert.Empty(t, entries, "abandoned entries never re-qualify")
}

func TestOpenAndClaimableQueries(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	recordSample(t, s, "trade-1", "pos-1")
	recordSample(t, s, "trade-2", "pos-2")
	require.NoError(t, s.QueueForSettlement(ctx, "pos-2", "m1", "0xcond"))

	open, err := s.GetOpenPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	claimable, err := s.GetClaimablePositions(ctx)
	require.NoError(t, err)
	require.Len(t, claimable, 1)
	assert.Equal(t, "pos-2", claimable[0].PositionID)
}

func TestDailyStatsAccumulate(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	recordSample(t, s, "trade-1", "pos-1")
	recordSample(t, s, "trade-2", "pos-2")

	stats, err := s.GetDailyStats(ctx, time.Now().UTC().Format("2006-01-02"))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalTrades)
	assert.Equal(t, 2, stats.PositionsOpened)
	assert.True(t, stats.TotalVolume.Equal(dec("19.992")), "volume = %s", stats.TotalVolume)
}

func TestDailyStatsMissingDateIsZero(t *testing.T) {
	t.Parallel()
	s := openStore(t)

	stats, err := s.GetDailyStats(context.Background(), "1999-01-01")
	require.NoError(t, err)
	assert.Equal(t, "1999-01-01", stats.Date)
	assert.Zero(t, stats.TotalTrades)
}

func TestCircuitBreakerRoundTrip(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	_, found, err := s.LoadCircuitBreaker(ctx)
	require.NoError(t, err)
	assert.False(t, found, "fresh database has no circuit state")

	snap := types.CircuitBreakerSnapshot{
		State:               types.CircuitHalt,
		TriggeredAt:         time.Now().UTC().Truncate(time.Second),
		ConsecutiveFailures: 5,
		DailyPnL:            dec("-120.50"),
		DailyTrades:         17,
	}
	require.NoError(t, s.SaveCircuitBreaker(ctx, snap))

	got, found, err := s.LoadCircuitBreaker(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.CircuitHalt, got.State)
	assert.Equal(t, 5, got.ConsecutiveFailures)
	assert.Equal(t, 17, got.DailyTrades)
	assert.True(t, got.DailyPnL.Equal(dec("-120.50")))
	assert.True(t, got.TriggeredAt.Equal(snap.TriggeredAt))
}

func TestCircuitBreakerStaleDayIgnored(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	// Save as if yesterday, then load as today.
	s.now = func() time.Time { return time.Now().Add(-24 * time.Hour) }
	require.NoError(t, s.SaveCircuitBreaker(ctx, types.CircuitBreakerSnapshot{
		State:    types.CircuitHalt,
		DailyPnL: dec("-200"),
	}))

	s.now = time.Now
	_, found, err := s.LoadCircuitBreaker(ctx)
	require.NoError(t, err)
	assert.False(t, found, "previous day's circuit state must not carry over")
}

func TestReopenPreservesData(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "mercury.db")

	s, err := Open(path, testLogger())
	require.NoError(t, err)
	recordSample(t, s, "trade-1", "pos-1")
	require.NoError(t, s.Close())

	s2, err := Open(path, testLogger())
	require.NoError(t, err)
	defer s2.Close()

	pos, found, err := s2.GetPosition(context.Background(), "pos-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, pos.CostBasis.Equal(dec("9.996")))
}

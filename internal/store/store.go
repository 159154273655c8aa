// Package store persists trading state in a single sqlite database.
//
// One writer owns the database file. Money columns are stored as TEXT in
// decimal string form so no precision is lost round-tripping through the
// database; timestamps are RFC3339Nano TEXT. Business events that span
// tables (trade + position + fills, claim + ledger + queue transition)
// commit in one transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"mercury/pkg/types"
)

const schemaVersion = 1

var migrations = []string{
	// v1: full schema.
	`
CREATE TABLE IF NOT EXISTS trades (
  id TEXT PRIMARY KEY,
  market_id TEXT NOT NULL,
  strategy TEXT NOT NULL,
  side TEXT NOT NULL DEFAULT 'BUY',
  yes_token_id TEXT NOT NULL,
  no_token_id TEXT NOT NULL,
  yes_size TEXT NOT NULL,
  no_size TEXT NOT NULL,
  yes_price TEXT NOT NULL,
  no_price TEXT NOT NULL,
  total_cost TEXT NOT NULL,
  guaranteed_pnl TEXT NOT NULL,
  status TEXT NOT NULL,
  pre_fill_yes_depth TEXT NOT NULL DEFAULT '0',
  pre_fill_no_depth TEXT NOT NULL DEFAULT '0',
  execution_status TEXT NOT NULL,
  dry_run INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_market_created ON trades(market_id, created_at);

CREATE TABLE IF NOT EXISTS positions (
  id TEXT PRIMARY KEY,
  market_id TEXT NOT NULL,
  trade_id TEXT NOT NULL REFERENCES trades(id),
  yes_shares TEXT NOT NULL,
  no_shares TEXT NOT NULL,
  cost_basis TEXT NOT NULL,
  status TEXT NOT NULL,
  opened_at TEXT NOT NULL,
  closed_at TEXT,
  settlement_proceeds TEXT NOT NULL DEFAULT '0',
  realized_pnl TEXT NOT NULL DEFAULT '0'
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);

CREATE TABLE IF NOT EXISTS settlement_queue (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  position_id TEXT NOT NULL UNIQUE REFERENCES positions(id),
  market_id TEXT NOT NULL,
  condition_id TEXT NOT NULL,
  queued_at TEXT NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  last_attempt_at TEXT,
  next_retry_at TEXT,
  status TEXT NOT NULL DEFAULT 'PENDING',
  error TEXT
);
CREATE INDEX IF NOT EXISTS idx_settlement_queue_status_retry ON settlement_queue(status, next_retry_at);

CREATE TABLE IF NOT EXISTS fills (
  id TEXT PRIMARY KEY,
  trade_id TEXT NOT NULL REFERENCES trades(id),
  order_id TEXT NOT NULL,
  token_id TEXT NOT NULL,
  side TEXT NOT NULL,
  requested_size TEXT NOT NULL,
  filled_size TEXT NOT NULL,
  requested_price TEXT NOT NULL,
  filled_price TEXT NOT NULL,
  slippage_cents TEXT NOT NULL,
  latency_ms REAL NOT NULL,
  timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_trade ON fills(trade_id);

CREATE TABLE IF NOT EXISTS daily_stats (
  date TEXT PRIMARY KEY,
  total_trades INTEGER NOT NULL DEFAULT 0,
  total_volume TEXT NOT NULL DEFAULT '0',
  realized_pnl TEXT NOT NULL DEFAULT '0',
  unrealized_pnl TEXT NOT NULL DEFAULT '0',
  positions_opened INTEGER NOT NULL DEFAULT 0,
  positions_closed INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS realized_pnl_ledger (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  trade_id TEXT NOT NULL,
  trade_date TEXT NOT NULL,
  pnl_amount TEXT NOT NULL,
  pnl_type TEXT NOT NULL,
  notes TEXT,
  UNIQUE(trade_id, pnl_type)
);
CREATE INDEX IF NOT EXISTS idx_pnl_ledger_date_type ON realized_pnl_ledger(trade_date, pnl_type);

CREATE TABLE IF NOT EXISTS circuit_breaker_state (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  date TEXT NOT NULL,
  state TEXT NOT NULL,
  realized_pnl TEXT NOT NULL DEFAULT '0',
  circuit_breaker_hit INTEGER NOT NULL DEFAULT 0,
  hit_at TEXT,
  hit_reason TEXT,
  consecutive_failures INTEGER NOT NULL DEFAULT 0,
  total_trades_today INTEGER NOT NULL DEFAULT 0,
  updated_at TEXT NOT NULL
);
`,
}

// Store is the sqlite-backed state store. It satisfies execution.Store,
// settlement.Store, and risk.CircuitStore.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// sqlite allows one writer; everything goes through one connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With("component", "store"), now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`PRAGMA busy_timeout=5000;`,
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("pragma failed: %w", err)
		}
	}

	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema_version: %w", err)
	}

	for v := current; v < len(migrations); v++ {
		if _, err := s.db.ExecContext(ctx, migrations[v]); err != nil {
			return fmt.Errorf("migrate to v%d: %w", v+1, err)
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE schema_version SET version = ?`, v+1); err != nil {
			return fmt.Errorf("bump schema_version: %w", err)
		}
		s.logger.Info("schema migrated", "version", v+1)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Execution writes
// ————————————————————————————————————————————————————————————————————————

// RecordExecution persists a trade with its fills and, when the execution
// opened inventory, the position — all in one transaction. Daily stats for
// the trade's date are upserted in the same transaction.
func (s *Store) RecordExecution(ctx context.Context, trade types.Trade, position *types.Position, fills []types.Fill) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trade tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO trades (id, market_id, strategy, side, yes_token_id, no_token_id,
  yes_size, no_size, yes_price, no_price, total_cost, guaranteed_pnl, status,
  pre_fill_yes_depth, pre_fill_no_depth, execution_status, dry_run, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`,
		trade.TradeID, trade.MarketID, trade.Strategy, string(types.BUY),
		trade.YesTokenID, trade.NoTokenID,
		trade.YesSize.String(), trade.NoSize.String(),
		trade.YesPrice.String(), trade.NoPrice.String(),
		trade.TotalCost.String(), trade.GuaranteedPnL.String(),
		trade.Status,
		trade.PreFillYesDepth.String(), trade.PreFillNoDepth.String(),
		trade.ExecutionStatus, boolToInt(trade.DryRun),
		fmtTime(trade.CreatedAt), fmtTime(trade.UpdatedAt),
	); err != nil {
		return fmt.Errorf("insert trade %s: %w", trade.TradeID, err)
	}

	for _, fill := range fills {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO fills (id, trade_id, order_id, token_id, side, requested_size,
  filled_size, requested_price, filled_price, slippage_cents, latency_ms, timestamp)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
`,
			fill.FillID, fill.TradeID, fill.OrderID, fill.TokenID, string(fill.Side),
			fill.RequestedSize.String(), fill.FilledSize.String(),
			fill.RequestedPrice.String(), fill.FilledPrice.String(),
			fill.SlippageCents.String(), fill.LatencyMS, fmtTime(fill.Timestamp),
		); err != nil {
			return fmt.Errorf("insert fill %s: %w", fill.FillID, err)
		}
	}

	opened := 0
	if position != nil {
		opened = 1
		if _, err := tx.ExecContext(ctx, `
INSERT INTO positions (id, market_id, trade_id, yes_shares, no_shares,
  cost_basis, status, opened_at, closed_at, settlement_proceeds, realized_pnl)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
`,
			position.PositionID, position.MarketID, position.TradeID,
			position.YesShares.String(), position.NoShares.String(),
			position.CostBasis.String(), string(position.Status),
			fmtTime(position.OpenedAt), nullTime(position.ClosedAt),
			position.SettlementProceeds.String(), position.RealizedPnL.String(),
		); err != nil {
			return fmt.Errorf("insert position %s: %w", position.PositionID, err)
		}
	}

	date := trade.CreatedAt.UTC().Format("2006-01-02")
	if err := upsertDailyStats(ctx, tx, date, func(d *types.DailyStats) {
		d.TotalTrades++
		d.TotalVolume = d.TotalVolume.Add(trade.TotalCost)
		d.PositionsOpened += opened
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// ————————————————————————————————————————————————————————————————————————
// Settlement queue
// ————————————————————————————————————————————————————————————————————————

// QueueForSettlement enqueues a position for claiming. Idempotent: a
// position already in the queue is left untouched.
func (s *Store) QueueForSettlement(ctx context.Context, positionID, marketID, conditionID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settlement_queue (position_id, market_id, condition_id, queued_at, status)
VALUES (?,?,?,?, 'PENDING')
ON CONFLICT(position_id) DO NOTHING
`, positionID, marketID, conditionID, fmtTime(s.now()))
	if err != nil {
		return fmt.Errorf("enqueue settlement %s: %w", positionID, err)
	}
	return nil
}

// GetClaimableEntries returns PENDING entries whose retry time has passed
// and which still have attempts left.
func (s *Store) GetClaimableEntries(ctx context.Context, now time.Time, maxAttempts int) ([]types.SettlementQueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, position_id, market_id, condition_id, status, attempts,
  queued_at, last_attempt_at, next_retry_at, error
FROM settlement_queue
WHERE status = 'PENDING'
  AND attempts < ?
  AND (next_retry_at IS NULL OR next_retry_at <= ?)
ORDER BY queued_at
`, maxAttempts, fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("query claimable: %w", err)
	}
	defer rows.Close()

	var out []types.SettlementQueueEntry
	for rows.Next() {
		var (
			e                     types.SettlementQueueEntry
			status                string
			queuedAt              string
			lastAttempt, nextRetr sql.NullString
			lastErr               sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.PositionID, &e.MarketID, &e.ConditionID,
			&status, &e.Attempts, &queuedAt, &lastAttempt, &nextRetr, &lastErr); err != nil {
			return nil, fmt.Errorf("scan settlement entry: %w", err)
		}
		e.Status = types.SettlementStatus(status)
		e.QueuedAt = parseTime(queuedAt)
		if lastAttempt.Valid {
			e.LastAttemptAt = parseTime(lastAttempt.String)
		}
		if nextRetr.Valid {
			e.NextRetryAt = parseTime(nextRetr.String)
		}
		if lastErr.Valid {
			e.LastError = lastErr.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkClaimed finalizes a successful claim: ledger entry, position update,
// queue transition, and daily stats, all in one transaction. The ledger's
// UNIQUE(trade_id, pnl_type) makes a repeat claim a no-op for the credit.
func (s *Store) MarkClaimed(ctx context.Context, entry types.SettlementQueueEntry, proceeds, profit decimal.Decimal, ledger types.RealizedPnLEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
INSERT INTO realized_pnl_ledger (trade_id, trade_date, pnl_amount, pnl_type, notes)
VALUES (?,?,?,?,?)
ON CONFLICT(trade_id, pnl_type) DO NOTHING
`, ledger.TradeID, fmtTime(ledger.TradeDate), ledger.Amount.String(), string(ledger.Type), ledger.Notes)
	if err != nil {
		return fmt.Errorf("insert ledger %s: %w", ledger.TradeID, err)
	}

	now := fmtTime(s.now())
	if _, err := tx.ExecContext(ctx, `
UPDATE positions
SET status = 'CLAIMED', settlement_proceeds = ?, realized_pnl = ?, closed_at = ?
WHERE id = ? AND status = 'OPEN'
`, proceeds.String(), profit.String(), now, entry.PositionID); err != nil {
		return fmt.Errorf("update position %s: %w", entry.PositionID, err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE settlement_queue
SET status = 'CLAIMED', attempts = attempts + 1, last_attempt_at = ?, error = NULL
WHERE id = ?
`, now, entry.ID); err != nil {
		return fmt.Errorf("update settlement queue %d: %w", entry.ID, err)
	}

	// Credit daily stats only on the first claim of this position.
	if n, _ := res.RowsAffected(); n > 0 {
		date := s.now().UTC().Format("2006-01-02")
		if err := upsertDailyStats(ctx, tx, date, func(d *types.DailyStats) {
			d.RealizedPnL = d.RealizedPnL.Add(profit)
			d.PositionsClosed++
		}); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// MarkClaimFailed records one failed claim attempt. A permanent failure
// abandons both the queue entry and the position.
func (s *Store) MarkClaimFailed(ctx context.Context, entry types.SettlementQueueEntry, lastError string, nextRetryAt time.Time, permanent bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin failure tx: %w", err)
	}
	defer tx.Rollback()

	status := string(types.SettlementPending)
	if permanent {
		status = string(types.SettlementAbandoned)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE settlement_queue
SET status = ?, attempts = attempts + 1, last_attempt_at = ?, next_retry_at = ?, error = ?
WHERE id = ?
`, status, fmtTime(s.now()), fmtTime(nextRetryAt), lastError, entry.ID); err != nil {
		return fmt.Errorf("update settlement queue %d: %w", entry.ID, err)
	}

	if permanent {
		if _, err := tx.ExecContext(ctx, `
UPDATE positions SET status = 'ABANDONED' WHERE id = ? AND status = 'OPEN'
`, entry.PositionID); err != nil {
			return fmt.Errorf("abandon position %s: %w", entry.PositionID, err)
		}
	}

	return tx.Commit()
}

// ————————————————————————————————————————————————————————————————————————
// Queries
// ————————————————————————————————————————————————————————————————————————

// GetPosition looks up one position by ID.
func (s *Store) GetPosition(ctx context.Context, positionID string) (types.Position, bool, error) {
	row := s.db.QueryRowContext(ctx, positionSelect+` WHERE id = ?`, positionID)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Position{}, false, nil
	}
	if err != nil {
		return types.Position{}, false, err
	}
	return p, true, nil
}

// GetOpenPositions returns every position still awaiting resolution.
func (s *Store) GetOpenPositions(ctx context.Context) ([]types.Position, error) {
	return s.queryPositions(ctx, positionSelect+` WHERE status = 'OPEN' ORDER BY opened_at`)
}

// GetClaimablePositions returns open positions with a PENDING queue entry.
func (s *Store) GetClaimablePositions(ctx context.Context) ([]types.Position, error) {
	return s.queryPositions(ctx, positionSelect+`
WHERE status = 'OPEN'
  AND id IN (SELECT position_id FROM settlement_queue WHERE status = 'PENDING')
ORDER BY opened_at`)
}

const positionSelect = `
SELECT id, market_id, trade_id, yes_shares, no_shares, cost_basis, status,
  opened_at, closed_at, settlement_proceeds, realized_pnl
FROM positions`

func (s *Store) queryPositions(ctx context.Context, query string, args ...any) ([]types.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (types.Position, error) {
	var (
		p                             types.Position
		yes, no, cost, proceeds, pnl  string
		status, openedAt              string
		closedAt                      sql.NullString
	)
	if err := row.Scan(&p.PositionID, &p.MarketID, &p.TradeID, &yes, &no, &cost,
		&status, &openedAt, &closedAt, &proceeds, &pnl); err != nil {
		return types.Position{}, err
	}
	p.YesShares = mustDecimal(yes)
	p.NoShares = mustDecimal(no)
	p.CostBasis = mustDecimal(cost)
	p.Status = types.PositionStatus(status)
	p.OpenedAt = parseTime(openedAt)
	if closedAt.Valid {
		p.ClosedAt = parseTime(closedAt.String)
	}
	p.SettlementProceeds = mustDecimal(proceeds)
	p.RealizedPnL = mustDecimal(pnl)
	return p, nil
}

// GetTrade looks up one trade by ID.
func (s *Store) GetTrade(ctx context.Context, tradeID string) (types.Trade, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, market_id, strategy, yes_token_id, no_token_id, yes_size, no_size,
  yes_price, no_price, total_cost, guaranteed_pnl, status,
  pre_fill_yes_depth, pre_fill_no_depth, execution_status, dry_run, created_at, updated_at
FROM trades WHERE id = ?`, tradeID)

	var (
		t                                        types.Trade
		yesSize, noSize, yesPrice, noPrice       string
		totalCost, pnl, yesDepth, noDepth        string
		dryRun                                   int
		createdAt, updatedAt                     string
	)
	err := row.Scan(&t.TradeID, &t.MarketID, &t.Strategy, &t.YesTokenID, &t.NoTokenID,
		&yesSize, &noSize, &yesPrice, &noPrice, &totalCost, &pnl, &t.Status,
		&yesDepth, &noDepth, &t.ExecutionStatus, &dryRun, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Trade{}, false, nil
	}
	if err != nil {
		return types.Trade{}, false, fmt.Errorf("scan trade %s: %w", tradeID, err)
	}
	t.YesSize = mustDecimal(yesSize)
	t.NoSize = mustDecimal(noSize)
	t.YesPrice = mustDecimal(yesPrice)
	t.NoPrice = mustDecimal(noPrice)
	t.TotalCost = mustDecimal(totalCost)
	t.GuaranteedPnL = mustDecimal(pnl)
	t.PreFillYesDepth = mustDecimal(yesDepth)
	t.PreFillNoDepth = mustDecimal(noDepth)
	t.DryRun = dryRun != 0
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, true, nil
}

// GetFills returns the fills recorded for one trade.
func (s *Store) GetFills(ctx context.Context, tradeID string) ([]types.Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, trade_id, order_id, token_id, side, requested_size, filled_size,
  requested_price, filled_price, slippage_cents, latency_ms, timestamp
FROM fills WHERE trade_id = ? ORDER BY timestamp`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var out []types.Fill
	for rows.Next() {
		var (
			f                                      types.Fill
			side                                   string
			reqSize, fillSize, reqPrice, avgPrice  string
			slippage, ts                           string
		)
		if err := rows.Scan(&f.FillID, &f.TradeID, &f.OrderID, &f.TokenID, &side,
			&reqSize, &fillSize, &reqPrice, &avgPrice, &slippage, &f.LatencyMS, &ts); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Side = types.Side(side)
		f.RequestedSize = mustDecimal(reqSize)
		f.FilledSize = mustDecimal(fillSize)
		f.RequestedPrice = mustDecimal(reqPrice)
		f.FilledPrice = mustDecimal(avgPrice)
		f.SlippageCents = mustDecimal(slippage)
		f.Timestamp = parseTime(ts)
		out = append(out, f)
	}
	return out, rows.Err()
}

// upsertDailyStats applies mutate to the row for date inside tx, creating
// the row if absent. Decimal arithmetic happens in Go so the TEXT columns
// stay exact.
func upsertDailyStats(ctx context.Context, tx *sql.Tx, date string, mutate func(*types.DailyStats)) error {
	d := types.DailyStats{Date: date}
	var volume, realized, unreal string
	err := tx.QueryRowContext(ctx, `
SELECT total_trades, total_volume, realized_pnl, unrealized_pnl,
  positions_opened, positions_closed
FROM daily_stats WHERE date = ?`, date).Scan(
		&d.TotalTrades, &volume, &realized, &unreal, &d.PositionsOpened, &d.PositionsClosed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		d.TotalVolume = decimal.Zero
		d.RealizedPnL = decimal.Zero
		d.UnrealizedPnL = decimal.Zero
	case err != nil:
		return fmt.Errorf("read daily stats %s: %w", date, err)
	default:
		d.TotalVolume = mustDecimal(volume)
		d.RealizedPnL = mustDecimal(realized)
		d.UnrealizedPnL = mustDecimal(unreal)
	}

	mutate(&d)

	if _, err := tx.ExecContext(ctx, `
INSERT INTO daily_stats (date, total_trades, total_volume, realized_pnl,
  unrealized_pnl, positions_opened, positions_closed)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(date) DO UPDATE SET
  total_trades = excluded.total_trades,
  total_volume = excluded.total_volume,
  realized_pnl = excluded.realized_pnl,
  unrealized_pnl = excluded.unrealized_pnl,
  positions_opened = excluded.positions_opened,
  positions_closed = excluded.positions_closed
`, d.Date, d.TotalTrades, d.TotalVolume.String(), d.RealizedPnL.String(),
		d.UnrealizedPnL.String(), d.PositionsOpened, d.PositionsClosed); err != nil {
		return fmt.Errorf("upsert daily stats %s: %w", date, err)
	}
	return nil
}

// GetDailyStats returns the aggregate row for one YYYY-MM-DD date. A date
// with no activity returns a zero row.
func (s *Store) GetDailyStats(ctx context.Context, date string) (types.DailyStats, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT date, total_trades, total_volume, realized_pnl, unrealized_pnl,
  positions_opened, positions_closed
FROM daily_stats WHERE date = ?`, date)

	var (
		d                         types.DailyStats
		volume, realized, unreal  string
	)
	err := row.Scan(&d.Date, &d.TotalTrades, &volume, &realized, &unreal,
		&d.PositionsOpened, &d.PositionsClosed)
	if errors.Is(err, sql.ErrNoRows) {
		return types.DailyStats{Date: date}, nil
	}
	if err != nil {
		return types.DailyStats{}, fmt.Errorf("scan daily stats: %w", err)
	}
	d.TotalVolume = mustDecimal(volume)
	d.RealizedPnL = mustDecimal(realized)
	d.UnrealizedPnL = mustDecimal(unreal)
	return d, nil
}

// ————————————————————————————————————————————————————————————————————————
// Circuit breaker persistence
// ————————————————————————————————————————————————————————————————————————

// SaveCircuitBreaker upserts the singleton circuit-breaker row.
func (s *Store) SaveCircuitBreaker(ctx context.Context, snap types.CircuitBreakerSnapshot) error {
	hit := snap.State == types.CircuitHalt
	var hitReason any
	if hit {
		hitReason = string(snap.State)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO circuit_breaker_state (id, date, state, realized_pnl,
  circuit_breaker_hit, hit_at, hit_reason, consecutive_failures,
  total_trades_today, updated_at)
VALUES (1,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  date = excluded.date,
  state = excluded.state,
  realized_pnl = excluded.realized_pnl,
  circuit_breaker_hit = excluded.circuit_breaker_hit,
  hit_at = excluded.hit_at,
  hit_reason = excluded.hit_reason,
  consecutive_failures = excluded.consecutive_failures,
  total_trades_today = excluded.total_trades_today,
  updated_at = excluded.updated_at
`,
		s.now().UTC().Format("2006-01-02"), string(snap.State),
		snap.DailyPnL.String(), boolToInt(hit),
		nullTime(snap.TriggeredAt), hitReason,
		snap.ConsecutiveFailures, snap.DailyTrades, fmtTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("save circuit breaker: %w", err)
	}
	return nil
}

// LoadCircuitBreaker restores the persisted circuit-breaker state. A row
// from a previous calendar day is ignored: daily limits reset at midnight.
func (s *Store) LoadCircuitBreaker(ctx context.Context) (types.CircuitBreakerSnapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT date, state, realized_pnl, consecutive_failures, total_trades_today, hit_at
FROM circuit_breaker_state WHERE id = 1`)

	var (
		date, state, pnl string
		failures, trades int
		hitAt            sql.NullString
	)
	err := row.Scan(&date, &state, &pnl, &failures, &trades, &hitAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.CircuitBreakerSnapshot{}, false, nil
	}
	if err != nil {
		return types.CircuitBreakerSnapshot{}, false, fmt.Errorf("load circuit breaker: %w", err)
	}
	if date != s.now().UTC().Format("2006-01-02") {
		return types.CircuitBreakerSnapshot{}, false, nil
	}

	snap := types.CircuitBreakerSnapshot{
		State:               types.CircuitState(state),
		DailyPnL:            mustDecimal(pnl),
		ConsecutiveFailures: failures,
		DailyTrades:         trades,
	}
	if hitAt.Valid {
		snap.TriggeredAt = parseTime(hitAt.String)
	}
	return snap, true, nil
}

// ————————————————————————————————————————————————————————————————————————
// Column codecs
// ————————————————————————————————————————————————————————————————————————

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

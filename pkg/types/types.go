// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the system — signals, orders,
// positions, settlement records, and WebSocket frame payloads. It has no
// dependencies on internal packages, so it can be imported by any layer.
//
// Money and prices are shopspring decimals throughout: prices carry four
// decimal places (0.0000–1.0000), currency amounts two. Nothing in the
// trading path sums or multiplies float64.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// TimeInForce enumerates supported order lifecycles. Arbitrage legs are
// always FOK: either the whole leg fills immediately or it is rejected.
type TimeInForce string

const (
	TifFOK TimeInForce = "FOK" // fill-or-kill
	TifGTC TimeInForce = "GTC" // good-til-cancelled
)

// OrderStatus is the exchange-reported lifecycle state of one order.
type OrderStatus string

const (
	OrderLive      OrderStatus = "LIVE"
	OrderMatched   OrderStatus = "MATCHED"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderExpired   OrderStatus = "EXPIRED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderFailed    OrderStatus = "FAILED"
)

// IsRejection reports whether the status terminates the order without a fill.
func (s OrderStatus) IsRejection() bool {
	switch s {
	case OrderCancelled, OrderExpired, OrderRejected, OrderFailed:
		return true
	}
	return false
}

// SignalType classifies what a strategy wants done.
type SignalType string

const (
	SignalArbitrage SignalType = "ARBITRAGE"
	SignalBuyYes    SignalType = "BUY_YES"
	SignalBuyNo     SignalType = "BUY_NO"
	SignalSellYes   SignalType = "SELL_YES"
	SignalSellNo    SignalType = "SELL_NO"
	SignalExit      SignalType = "EXIT"
)

// SignalPriority orders signals by urgency.
type SignalPriority string

const (
	PriorityLow      SignalPriority = "LOW"
	PriorityMedium   SignalPriority = "MEDIUM"
	PriorityHigh     SignalPriority = "HIGH"
	PriorityCritical SignalPriority = "CRITICAL"
)

// PositionStatus tracks a position from open to settlement.
type PositionStatus string

const (
	PositionOpen      PositionStatus = "OPEN"
	PositionClaimed   PositionStatus = "CLAIMED"
	PositionSettled   PositionStatus = "SETTLED"
	PositionAbandoned PositionStatus = "ABANDONED"
)

// SettlementStatus is the state of one settlement queue entry.
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "PENDING"
	SettlementClaimed   SettlementStatus = "CLAIMED"
	SettlementAbandoned SettlementStatus = "ABANDONED"
)

// PnLType distinguishes ledger entries by origin. (trade_id, pnl_type) is
// unique in the realized P&L ledger, which makes crediting idempotent.
type PnLType string

const (
	PnLResolution PnLType = "resolution"
	PnLSettlement PnLType = "settlement"
	PnLRebalance  PnLType = "rebalance"
	PnLHistorical PnLType = "historical_import"
)

// CircuitState is the staged trading cutoff level.
type CircuitState string

const (
	CircuitNormal  CircuitState = "NORMAL"
	CircuitWarning CircuitState = "WARNING"
	CircuitCaution CircuitState = "CAUTION"
	CircuitHalt    CircuitState = "HALT"
)

// SizeMultiplier returns the position-size scaling factor for the state.
func (s CircuitState) SizeMultiplier() decimal.Decimal {
	switch s {
	case CircuitWarning:
		return decimal.NewFromFloat(0.5)
	case CircuitCaution:
		return decimal.NewFromFloat(0.25)
	case CircuitHalt:
		return decimal.Zero
	default:
		return decimal.NewFromInt(1)
	}
}

// Resolution is the outcome of a resolved binary market.
type Resolution string

const (
	Unresolved  Resolution = "UNRESOLVED"
	ResolvedYes Resolution = "YES"
	ResolvedNo  Resolution = "NO"
)

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// MarketInfo is the metadata-oracle view of a binary market. A binary market
// owns exactly two tokens (YES and NO); at resolution one pays $1 per share
// and the other $0.
type MarketInfo struct {
	ConditionID string    `json:"condition_id"`
	Slug        string    `json:"slug"`
	Question    string    `json:"question"`
	YesTokenID  string    `json:"yes_token_id"`
	NoTokenID   string    `json:"no_token_id"`
	Active      bool      `json:"active"`
	Closed      bool      `json:"closed"`
	EndDate     time.Time `json:"end_date"`
	Resolved    bool      `json:"resolved"`
	// Winner is meaningful only when Resolved is true.
	Winner Resolution `json:"winner,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// TradingSignal is an immutable trade intent emitted by a strategy. Money
// fields are decimals; on the event bus they serialize as fixed-point
// strings, never binary floats.
type TradingSignal struct {
	SignalID     string `json:"signal_id"`
	StrategyName string `json:"strategy_name"`
	MarketID     string `json:"market_id"`
	YesTokenID   string `json:"yes_token_id"`
	NoTokenID    string `json:"no_token_id"`

	Type       SignalType     `json:"signal_type"`
	Confidence float64        `json:"confidence"` // 0.0–1.0
	Priority   SignalPriority `json:"priority"`

	TargetSizeUSD decimal.Decimal `json:"target_size_usd"`
	YesPrice      decimal.Decimal `json:"yes_price"`
	NoPrice       decimal.Decimal `json:"no_price"`
	ExpectedPnL   decimal.Decimal `json:"expected_pnl"`
	MaxSlippage   decimal.Decimal `json:"max_slippage"`

	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"` // zero = never expires
}

// Expired reports whether the signal is past its expiry at the given time.
func (s TradingSignal) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// ————————————————————————————————————————————————————————————————————————
// Orders and execution results
// ————————————————————————————————————————————————————————————————————————

// Order is one leg as reported by the trading transport.
type Order struct {
	OrderID        string          `json:"order_id"`
	TokenID        string          `json:"token_id"`
	Side           Side            `json:"side"`
	Status         OrderStatus     `json:"status"`
	RequestedPrice decimal.Decimal `json:"requested_price"`
	RequestedSize  decimal.Decimal `json:"requested_size"` // shares
	FilledSize     decimal.Decimal `json:"filled_size"`    // shares actually filled
	FilledCost     decimal.Decimal `json:"filled_cost"`    // USD actually spent
	ErrorMsg       string          `json:"error_msg,omitempty"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	CompletedAt    time.Time       `json:"completed_at,omitempty"`
}

// FillRatio returns filled/requested size, zero when nothing was requested.
func (o Order) FillRatio() decimal.Decimal {
	if o.RequestedSize.IsZero() {
		return decimal.Zero
	}
	return o.FilledSize.Div(o.RequestedSize)
}

// AverageFillPrice returns cost/size over the filled portion.
func (o Order) AverageFillPrice() (decimal.Decimal, bool) {
	if o.FilledSize.IsZero() {
		return decimal.Zero, false
	}
	return o.FilledCost.Div(o.FilledSize), true
}

// DualLegResult is the outcome of an atomic YES+NO placement.
type DualLegResult struct {
	MarketID string `json:"market_id"`
	Yes      Order  `json:"yes"`
	No       Order  `json:"no"`

	// Top-of-book ask depth observed on each side immediately before
	// placement. Recorded even when the trade aborts.
	PreFillYesDepth decimal.Decimal `json:"pre_fill_yes_depth"`
	PreFillNoDepth  decimal.Decimal `json:"pre_fill_no_depth"`

	ExecutionMS float64 `json:"execution_ms"`
}

// BothFilled reports whether both legs matched.
func (r DualLegResult) BothFilled() bool {
	return r.Yes.Status == OrderMatched && r.No.Status == OrderMatched
}

// HasPartialFill reports whether exactly one leg matched.
func (r DualLegResult) HasPartialFill() bool {
	yes := r.Yes.Status == OrderMatched
	no := r.No.Status == OrderMatched
	return yes != no
}

// TotalCost is the summed USD cost of both legs.
func (r DualLegResult) TotalCost() decimal.Decimal {
	return r.Yes.FilledCost.Add(r.No.FilledCost)
}

// GuaranteedPnL is the locked-in profit of the hedged portion:
// min(yes, no) filled shares each pay $1 at resolution.
func (r DualLegResult) GuaranteedPnL() decimal.Decimal {
	hedged := decimal.Min(r.Yes.FilledSize, r.No.FilledSize)
	return hedged.Sub(r.TotalCost())
}

// UnhedgedShares returns the residual one-sided shares after pairing.
func (r DualLegResult) UnhedgedShares() decimal.Decimal {
	return r.Yes.FilledSize.Sub(r.No.FilledSize).Abs()
}

// ————————————————————————————————————————————————————————————————————————
// Trades and positions
// ————————————————————————————————————————————————————————————————————————

// Trade is the persisted record of one executed (or attempted) signal.
type Trade struct {
	TradeID         string          `json:"trade_id"`
	MarketID        string          `json:"market_id"`
	Strategy        string          `json:"strategy"`
	YesTokenID      string          `json:"yes_token_id"`
	NoTokenID       string          `json:"no_token_id"`
	YesSize         decimal.Decimal `json:"yes_size"`
	NoSize          decimal.Decimal `json:"no_size"`
	YesPrice        decimal.Decimal `json:"yes_price"`
	NoPrice         decimal.Decimal `json:"no_price"`
	TotalCost       decimal.Decimal `json:"total_cost"`
	GuaranteedPnL   decimal.Decimal `json:"guaranteed_pnl"`
	Status          string          `json:"status"`
	PreFillYesDepth decimal.Decimal `json:"pre_fill_yes_depth"`
	PreFillNoDepth  decimal.Decimal `json:"pre_fill_no_depth"`
	ExecutionStatus string          `json:"execution_status"` // full_fill, partial_fill, no_fill
	DryRun          bool            `json:"dry_run"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Position is held YES/NO inventory awaiting resolution. Once its status
// reaches CLAIMED or SETTLED the record is immutable.
type Position struct {
	PositionID         string          `json:"position_id"`
	MarketID           string          `json:"market_id"`
	TradeID            string          `json:"trade_id"`
	YesShares          decimal.Decimal `json:"yes_shares"`
	NoShares           decimal.Decimal `json:"no_shares"`
	CostBasis          decimal.Decimal `json:"cost_basis"`
	Status             PositionStatus  `json:"status"`
	OpenedAt           time.Time       `json:"opened_at"`
	ClosedAt           time.Time       `json:"closed_at,omitempty"`
	SettlementProceeds decimal.Decimal `json:"settlement_proceeds"`
	RealizedPnL        decimal.Decimal `json:"realized_pnl"`
}

// HedgeRatio returns min/max of the two share counts: 1 is fully hedged,
// 0 fully unhedged.
func (p Position) HedgeRatio() decimal.Decimal {
	mn := decimal.Min(p.YesShares, p.NoShares)
	mx := decimal.Max(p.YesShares, p.NoShares)
	if mx.IsZero() {
		return decimal.Zero
	}
	return mn.Div(mx)
}

// Fill is a persisted per-leg execution record with latency and slippage.
type Fill struct {
	FillID         string          `json:"fill_id"`
	TradeID        string          `json:"trade_id"`
	OrderID        string          `json:"order_id"`
	TokenID        string          `json:"token_id"`
	Side           Side            `json:"side"`
	RequestedSize  decimal.Decimal `json:"requested_size"`
	FilledSize     decimal.Decimal `json:"filled_size"`
	RequestedPrice decimal.Decimal `json:"requested_price"`
	FilledPrice    decimal.Decimal `json:"filled_price"`
	SlippageCents  decimal.Decimal `json:"slippage_cents"`
	LatencyMS      float64         `json:"latency_ms"`
	Timestamp      time.Time       `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Settlement
// ————————————————————————————————————————————————————————————————————————

// SettlementQueueEntry is one position waiting to be claimed. position_id
// is unique in the queue; retries are scheduled through NextRetryAt.
type SettlementQueueEntry struct {
	ID            int64            `json:"id"`
	PositionID    string           `json:"position_id"`
	MarketID      string           `json:"market_id"`
	ConditionID   string           `json:"condition_id"`
	Status        SettlementStatus `json:"status"`
	Attempts      int              `json:"attempts"`
	QueuedAt      time.Time        `json:"queued_at"`
	LastAttemptAt time.Time        `json:"last_attempt_at,omitempty"`
	NextRetryAt   time.Time        `json:"next_retry_at,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
}

// RealizedPnLEntry is one row of the append-only realized-P&L ledger.
type RealizedPnLEntry struct {
	TradeID   string          `json:"trade_id"`
	TradeDate time.Time       `json:"trade_date"`
	Amount    decimal.Decimal `json:"amount"`
	Type      PnLType         `json:"pnl_type"`
	Notes     string          `json:"notes,omitempty"`
}

// TxReceipt is returned by the claim backend. Dry-run claims produce a
// synthetic receipt with DryRun set and no on-chain side effect.
type TxReceipt struct {
	TxHash  string `json:"tx_hash"`
	GasUsed uint64 `json:"gas_used"`
	DryRun  bool   `json:"dry_run"`
}

// ————————————————————————————————————————————————————————————————————————
// Risk
// ————————————————————————————————————————————————————————————————————————

// CircuitBreakerSnapshot is a read-only view of risk-manager state.
type CircuitBreakerSnapshot struct {
	State               CircuitState    `json:"state"`
	TriggeredAt         time.Time       `json:"triggered_at,omitempty"` // set when State is HALT
	ConsecutiveFailures int             `json:"consecutive_failures"`
	DailyPnL            decimal.Decimal `json:"daily_pnl"`
	DailyTrades         int             `json:"daily_trades"`
}

// DailyStats is the per-day aggregate row maintained by the state store.
type DailyStats struct {
	Date            string          `json:"date"` // YYYY-MM-DD, UTC
	TotalTrades     int             `json:"total_trades"`
	TotalVolume     decimal.Decimal `json:"total_volume"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	PositionsOpened int             `json:"positions_opened"`
	PositionsClosed int             `json:"positions_closed"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket frames
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON frames of the market-data transport.
// Prices and sizes stay strings on the wire to preserve decimal precision.

// WSLevel is one price level as it appears on the wire.
type WSLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// WSPriceChange is a single level update within a price-change frame.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"` // "0" removes the level
	Side    string `json:"side"` // "BUY" or "SELL"
}

// WSFrame is the decoded union of the transport frame shapes: a
// price_change delta, a full book snapshot (bids+asks), or another
// event_type message. A top-level JSON array is a batch of frames.
type WSFrame struct {
	EventType    string          `json:"event_type"`
	AssetID      string          `json:"asset_id"`
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	Hash         string          `json:"hash,omitempty"`
	PriceChanges []WSPriceChange `json:"price_changes,omitempty"`
	Bids         []WSLevel       `json:"bids,omitempty"`
	Asks         []WSLevel       `json:"asks,omitempty"`
}

// WSSubscribeMsg subscribes token IDs on the market channel.
type WSSubscribeMsg struct {
	Type     string   `json:"type"` // "market"
	AssetIDs []string `json:"assets_ids"`
}

// WSUnsubscribeMsg removes token IDs from the market channel.
type WSUnsubscribeMsg struct {
	Type     string   `json:"type"` // "unsubscribe"
	Channel  string   `json:"channel"`
	AssetIDs []string `json:"assets_ids"`
}

package types

import "time"

// Event topics. Topics are dotted paths; subscription patterns may end in a
// wildcard segment ("market.orderbook.*" matches one trailing segment,
// "market.*" matches everything below "market"). Per-entity topics are built
// by appending the entity ID to a prefix constant.
const (
	TopicOrderBookPrefix    = "market.orderbook." // + market_id
	TopicMarketStalePrefix  = "market.stale."     // + market_id
	TopicMarketFreshPrefix  = "market.fresh."     // + market_id
	TopicSignalPrefix       = "signal."           // + strategy_name
	TopicRiskApprovedPrefix = "risk.approved."    // + signal_id
	TopicRiskRejectedPrefix = "risk.rejected."    // + signal_id

	TopicOrderSubmitted     = "order.submitted"
	TopicOrderFilled        = "order.filled"
	TopicOrderRejected      = "order.rejected"
	TopicPositionOpened     = "position.opened"
	TopicExecutionComplete  = "execution.complete"
	TopicSettlementClaimed  = "settlement.claimed"
	TopicSettlementFailed   = "settlement.failed"
	TopicCircuitBreaker     = "risk.circuit_breaker"

	// Strategy control commands share the prefix so a single subscription
	// receives both in publish order.
	TopicStrategyControlPrefix = "system.strategy."
	TopicStrategyEnable        = TopicStrategyControlPrefix + "enable"
	TopicStrategyDisable       = TopicStrategyControlPrefix + "disable"
)

// StaleEvent fires once when a subscribed market stops receiving updates;
// the matching fresh event fires once when updates resume.
type StaleEvent struct {
	MarketID   string    `json:"market_id"`
	LastUpdate time.Time `json:"last_update"`
	Timestamp  time.Time `json:"timestamp"`
}

// ApprovedSignal is the risk manager's approval, carrying the possibly
// scaled-down size the execution engine must honor.
type ApprovedSignal struct {
	Signal       TradingSignal `json:"signal"`
	ApprovedSize string        `json:"approved_size_usd"`
}

// RejectedSignal carries the risk manager's rejection verdict.
type RejectedSignal struct {
	Signal TradingSignal `json:"signal"`
	Reason string        `json:"reason"`
}

// OrderEvent reports one leg's submission or terminal state.
type OrderEvent struct {
	TradeID string `json:"trade_id"`
	Order   Order  `json:"order"`
}

// PositionOpenedEvent announces a newly persisted position. The settlement
// manager queues the position for claiming when it sees this.
type PositionOpenedEvent struct {
	Position    Position `json:"position"`
	ConditionID string   `json:"condition_id"`
}

// ExecutionCompleteEvent is the end-of-execution telemetry record. Aborts
// carry the rejection reason; liquidity aborts additionally carry the
// top-of-book depth observed by the failed precheck.
type ExecutionCompleteEvent struct {
	SignalID        string  `json:"signal_id"`
	TradeID         string  `json:"trade_id,omitempty"`
	MarketID        string  `json:"market_id"`
	Status          string  `json:"status"` // full_fill, partial_fill, no_fill, rejected
	Reason          string  `json:"reason,omitempty"`
	GuaranteedPnL   string  `json:"guaranteed_pnl,omitempty"`
	PreFillYesDepth string  `json:"pre_fill_yes_depth,omitempty"`
	PreFillNoDepth  string  `json:"pre_fill_no_depth,omitempty"`
	ExecutionMS     float64 `json:"execution_ms"`
	DryRun          bool    `json:"dry_run"`
}

// SettlementClaimedEvent reports a successful claim and its proceeds.
type SettlementClaimedEvent struct {
	PositionID  string     `json:"position_id"`
	MarketID    string     `json:"market_id"`
	ConditionID string     `json:"condition_id"`
	Resolution  Resolution `json:"resolution"`
	Proceeds    string     `json:"proceeds"`
	Profit      string     `json:"profit"`
	Side        string     `json:"side"` // "YES" or "NO" (held side)
	TxHash      string     `json:"tx_hash,omitempty"`
	GasUsed     uint64     `json:"gas_used,omitempty"`
	DryRun      bool       `json:"dry_run"`
	Attempts    int        `json:"attempts"`
	Timestamp   time.Time  `json:"timestamp"`
}

// SettlementFailedEvent reports one failed claim attempt.
type SettlementFailedEvent struct {
	PositionID  string    `json:"position_id"`
	MarketID    string    `json:"market_id"`
	ConditionID string    `json:"condition_id"`
	Error       string    `json:"error"`
	Attempts    int       `json:"attempts"`
	IsPermanent bool      `json:"is_permanent"`
	Timestamp   time.Time `json:"timestamp"`
}

// CircuitEvent announces a circuit-breaker state transition.
type CircuitEvent struct {
	Previous  CircuitState `json:"previous"`
	Current   CircuitState `json:"current"`
	Reason    string       `json:"reason"`
	Timestamp time.Time    `json:"timestamp"`
}

// StrategyControlEvent toggles one strategy at runtime.
type StrategyControlEvent struct {
	Strategy string `json:"strategy"`
}

package api

import (
	"time"

	"mercury/internal/config"
	"mercury/pkg/types"
)

// HealthResponse is the /health payload. Status is healthy, degraded, or
// unhealthy; degraded and healthy answer 200, unhealthy 503.
type HealthResponse struct {
	Status              string                     `json:"status"`
	WebsocketConnected  bool                       `json:"websocket_connected"`
	StoreConnected      bool                       `json:"store_connected"`
	CircuitBreakerState types.CircuitState         `json:"circuit_breaker_state"`
	UptimeSeconds       float64                    `json:"uptime_seconds"`
	ActiveStrategies    []string                   `json:"active_strategies"`
	OpenPositionsCount  int                        `json:"open_positions_count"`
	Components          map[string]ComponentHealth `json:"components"`
}

// ComponentHealth is one entry of the per-component detail map.
type ComponentHealth struct {
	Status string `json:"status"` // "ok" or "degraded"
	Detail string `json:"detail,omitempty"`
}

// StatusSnapshot is the /api/snapshot payload: everything an operator
// dashboard needs in one document.
type StatusSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	DryRun    bool      `json:"dry_run"`

	Risk          types.CircuitBreakerSnapshot `json:"risk"`
	DailyStats    types.DailyStats             `json:"daily_stats"`
	OpenPositions []types.Position             `json:"open_positions"`
	Strategies    map[string]bool              `json:"strategies"`
	Subscriptions map[string]string            `json:"subscriptions"` // token ID → state
	InFlight      int                          `json:"in_flight_executions"`

	Config ConfigSummary `json:"config"`
}

// ConfigSummary is the operator-visible subset of the configuration.
// Secrets never appear here.
type ConfigSummary struct {
	MinSpreadThreshold float64 `json:"min_spread_threshold"`
	MaxTradeSizeUSD    float64 `json:"max_trade_size_usd"`
	TradeBudgetUSD     float64 `json:"trade_budget_usd"`
	SignalCooldown     string  `json:"signal_cooldown"`

	MaxDailyLossUSD        float64 `json:"max_daily_loss_usd"`
	MaxPositionSizeUSD     float64 `json:"max_position_size_usd"`
	MaxUnhedgedExposureUSD float64 `json:"max_unhedged_exposure_usd"`
	CooldownMinutes        int     `json:"cooldown_minutes"`

	MaxLiquidityConsumptionPct float64 `json:"max_liquidity_consumption_pct"`
	ParallelExecution          bool    `json:"parallel_execution"`

	SettlementCheckIntervalSeconds int `json:"settlement_check_interval_seconds"`
	MaxClaimAttempts               int `json:"max_claim_attempts"`
}

// NewConfigSummary extracts the summary from the full configuration.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		MinSpreadThreshold: cfg.Strategies.Gabagool.MinSpreadThreshold,
		MaxTradeSizeUSD:    cfg.Strategies.Gabagool.MaxTradeSizeUSD,
		TradeBudgetUSD:     cfg.Strategies.Gabagool.TradeBudgetUSD,
		SignalCooldown:     cfg.Strategies.Gabagool.SignalCooldown.String(),

		MaxDailyLossUSD:        cfg.Risk.MaxDailyLossUSD,
		MaxPositionSizeUSD:     cfg.Risk.MaxPositionSizeUSD,
		MaxUnhedgedExposureUSD: cfg.Risk.MaxUnhedgedExposureUSD,
		CooldownMinutes:        cfg.Risk.CooldownMinutes,

		MaxLiquidityConsumptionPct: cfg.Execution.MaxLiquidityConsumptionPct,
		ParallelExecution:          cfg.Execution.Parallel,

		SettlementCheckIntervalSeconds: cfg.Settlement.CheckIntervalSeconds,
		MaxClaimAttempts:               cfg.Settlement.MaxClaimAttempts,
	}
}

// StreamEvent wraps one event pushed to WebSocket observers.
type StreamEvent struct {
	Type      string    `json:"type"` // bus topic, or "snapshot" for the initial document
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

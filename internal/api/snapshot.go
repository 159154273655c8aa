package api

import (
	"context"
	"time"

	"mercury/internal/config"
	"mercury/internal/marketdata"
	"mercury/pkg/types"
)

// RiskStatus is the risk manager's observability surface.
type RiskStatus interface {
	State() types.CircuitState
	Snapshot() types.CircuitBreakerSnapshot
}

// MarketDataStatus is the market-data service's observability surface.
type MarketDataStatus interface {
	Connected() bool
	Stats() (frames, parseErrors, reconnects uint64)
	SubscriptionStates() map[string]marketdata.SubscriptionState
}

// StrategyStatus exposes registered strategies and their enablement.
type StrategyStatus interface {
	Strategies() map[string]bool
}

// ExecutionStatus exposes the in-flight execution count.
type ExecutionStatus interface {
	InFlight() int
}

// PositionSource reads persisted positions and daily aggregates.
type PositionSource interface {
	GetOpenPositions(ctx context.Context) ([]types.Position, error)
	GetDailyStats(ctx context.Context, date string) (types.DailyStats, error)
}

// Providers bundles the component surfaces the API reads from. Nil fields
// are reported as absent components.
type Providers struct {
	Risk       RiskStatus
	MarketData MarketDataStatus
	Strategies StrategyStatus
	Execution  ExecutionStatus
	Positions  PositionSource
}

// BuildSnapshot assembles the full status document.
func BuildSnapshot(ctx context.Context, p Providers, cfg config.Config) StatusSnapshot {
	snap := StatusSnapshot{
		Timestamp: time.Now(),
		DryRun:    cfg.DryRun,
		Config:    NewConfigSummary(cfg),
	}

	if p.Risk != nil {
		snap.Risk = p.Risk.Snapshot()
	}
	if p.Strategies != nil {
		snap.Strategies = p.Strategies.Strategies()
	}
	if p.Execution != nil {
		snap.InFlight = p.Execution.InFlight()
	}
	if p.MarketData != nil {
		subs := p.MarketData.SubscriptionStates()
		snap.Subscriptions = make(map[string]string, len(subs))
		for token, state := range subs {
			snap.Subscriptions[token] = string(state)
		}
	}
	if p.Positions != nil {
		if open, err := p.Positions.GetOpenPositions(ctx); err == nil {
			snap.OpenPositions = open
		}
		date := time.Now().UTC().Format("2006-01-02")
		if stats, err := p.Positions.GetDailyStats(ctx, date); err == nil {
			snap.DailyStats = stats
		}
	}
	return snap
}

// BuildHealth computes the aggregate health verdict and the per-component
// detail map. The circuit breaker in any non-NORMAL state degrades health;
// an unreachable store makes the process unhealthy.
func BuildHealth(ctx context.Context, p Providers, startedAt time.Time) HealthResponse {
	resp := HealthResponse{
		Status:        "healthy",
		UptimeSeconds: time.Since(startedAt).Seconds(),
		Components:    make(map[string]ComponentHealth),
	}

	if p.MarketData != nil {
		resp.WebsocketConnected = p.MarketData.Connected()
		if resp.WebsocketConnected {
			resp.Components["market_data"] = ComponentHealth{Status: "ok"}
		} else {
			resp.Components["market_data"] = ComponentHealth{Status: "degraded", Detail: "websocket disconnected"}
			resp.Status = "degraded"
		}
	}

	if p.Risk != nil {
		state := p.Risk.State()
		resp.CircuitBreakerState = state
		if state == types.CircuitNormal {
			resp.Components["risk"] = ComponentHealth{Status: "ok"}
		} else {
			resp.Components["risk"] = ComponentHealth{Status: "degraded", Detail: "circuit breaker " + string(state)}
			resp.Status = "degraded"
		}
	}

	if p.Strategies != nil {
		for name, enabled := range p.Strategies.Strategies() {
			if enabled {
				resp.ActiveStrategies = append(resp.ActiveStrategies, name)
			}
		}
		resp.Components["strategy"] = ComponentHealth{Status: "ok"}
	}

	if p.Positions != nil {
		open, err := p.Positions.GetOpenPositions(ctx)
		if err != nil {
			resp.StoreConnected = false
			resp.Components["store"] = ComponentHealth{Status: "degraded", Detail: err.Error()}
			resp.Status = "unhealthy"
		} else {
			resp.StoreConnected = true
			resp.OpenPositionsCount = len(open)
			resp.Components["store"] = ComponentHealth{Status: "ok"}
		}
	}

	if p.Execution != nil {
		resp.Components["execution"] = ComponentHealth{Status: "ok"}
	}

	return resp
}

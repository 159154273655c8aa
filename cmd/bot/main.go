// Mercury — an automated arbitrage system for binary prediction markets.
//
// Architecture:
//
//	main.go               — entry point: loads config, builds the engine, runs until SIGTERM/SIGINT
//	engine/engine.go      — orchestrator: wires market data → strategy → risk → execution → settlement
//	strategy/gabagool     — YES+NO arbitrage: buy both sides when yes_ask + no_ask < 1 − threshold
//	marketdata/service.go — WebSocket order-book mirror with staleness tracking and auto-reconnect
//	risk/manager.go       — pre-trade gate: circuit breaker, daily loss, position size, exposure caps
//	execution/engine.go   — dual-leg FOK placement with liquidity prechecks; hold, never unwind
//	settlement/manager.go — polls resolution, claims winnings with capped exponential retry
//	exchange/             — CLOB REST client, Gamma metadata oracle, L1/L2 auth, on-chain claims
//	store/store.go        — sqlite persistence: trades, positions, fills, settlement queue, daily stats
//	api/                  — health, metrics, status snapshot, and a live WebSocket event stream
//	lifecycle/            — staged shutdown: stop new work, drain orders, close, flush, cleanup
//
// How it makes money:
//
//	A binary market's YES and NO shares redeem for exactly $1.00 combined at
//	resolution. Whenever yes_ask + no_ask drops below $1.00, buying both
//	sides locks in the difference as risk-free profit regardless of outcome.
//	The spread exists for moments; the system watches books over WebSocket
//	and fires both legs as Fill-or-Kill within milliseconds.
package main

import (
	"context"
	"log/slog"
	"os"

	"mercury/internal/config"
	"mercury/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MERCURY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	if err := eng.Run(context.Background()); err != nil {
		logger.Error("engine exited with error", "error", err)
		os.Exit(1)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

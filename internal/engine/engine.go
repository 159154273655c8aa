// Package engine is the central orchestrator of the arbitrage system.
//
// It wires together all subsystems:
//
//  1. The market resolver turns configured condition IDs into YES/NO token
//     pairs via the Gamma metadata oracle.
//  2. The market-data service mirrors order books over WebSocket and
//     publishes book updates on the bus.
//  3. The strategy engine runs gabagool (YES+NO arbitrage) over book
//     updates and emits trading signals.
//  4. The risk manager gates signals through the circuit breaker and
//     limits, the execution engine places the approved FOK legs, and the
//     settlement manager claims resolved positions.
//  5. The sqlite store persists every outcome; the API server exposes
//     health, metrics, and a live event stream.
//
// Lifecycle: New() → Run() → [runs until SIGTERM/SIGINT] → staged shutdown
// through the lifecycle manager.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mercury/internal/api"
	"mercury/internal/bus"
	"mercury/internal/config"
	"mercury/internal/exchange"
	"mercury/internal/execution"
	"mercury/internal/lifecycle"
	"mercury/internal/market"
	"mercury/internal/marketdata"
	"mercury/internal/risk"
	"mercury/internal/settlement"
	"mercury/internal/store"
	"mercury/internal/strategy"
	"mercury/internal/strategy/gabagool"
)

// Engine owns every component and the goroutines between them.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	bus        *bus.Bus
	db         *store.Store
	auth       *exchange.Auth
	client     *exchange.Client
	gamma      *exchange.GammaClient
	marketData *marketdata.Service
	strategies *strategy.Engine
	riskMgr    *risk.Manager
	execution  *execution.Engine
	settlement *settlement.Manager
	apiServer  *api.Server
	life       *lifecycle.Manager

	claimerClose func()
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New constructs the full component graph. Nothing is started yet; Run
// brings the system up in dependency order.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	b := bus.New(logger)

	db, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// The wallet is optional in dry-run: the CLOB client simulates fills
	// and the dry-run claimer simulates claims, so no signing happens.
	var auth *exchange.Auth
	if cfg.Wallet.PrivateKey != "" {
		auth, err = exchange.NewAuth(cfg)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init auth: %w", err)
		}
	} else if !cfg.DryRun {
		db.Close()
		return nil, fmt.Errorf("wallet private key required outside dry-run")
	}

	client := exchange.NewClient(cfg, auth, logger)
	gamma := exchange.NewGammaClient(cfg, logger)

	var claimer settlement.Claimer
	var claimerClose func()
	if cfg.DryRun {
		claimer = exchange.NewDryRunClaimer(logger)
	} else {
		cc, err := exchange.NewChainClaimer(cfg, auth, logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init claimer: %w", err)
		}
		claimer = cc
		claimerClose = cc.Close
	}

	md := marketdata.New(cfg.API.WSMarketURL, cfg.MarketData, b, logger)
	riskMgr := risk.NewManager(cfg.Risk, b, db, logger)
	exec := execution.NewEngine(cfg.Execution, cfg.DryRun, b, client, md, db, riskMgr, logger)
	settle := settlement.NewManager(cfg.Settlement, b, gamma, claimer, db, riskMgr, logger)

	strat := strategy.NewEngine(b, logger)
	if err := strat.Register(gabagool.New(cfg.Strategies.Gabagool, logger)); err != nil {
		db.Close()
		return nil, fmt.Errorf("register strategy: %w", err)
	}

	var apiServer *api.Server
	if cfg.Server.Enabled {
		providers := api.Providers{
			Risk:       riskMgr,
			MarketData: md,
			Strategies: strat,
			Execution:  exec,
			Positions:  db,
		}
		apiServer = api.NewServer(cfg.Server, cfg, providers, b, logger)
	}

	life := lifecycle.NewManager(
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
		time.Duration(cfg.DrainTimeoutSeconds)*time.Second,
		logger,
	)

	return &Engine{
		cfg:          cfg,
		logger:       logger.With("component", "engine"),
		bus:          b,
		db:           db,
		auth:         auth,
		client:       client,
		gamma:        gamma,
		marketData:   md,
		strategies:   strat,
		riskMgr:      riskMgr,
		execution:    exec,
		settlement:   settle,
		apiServer:    apiServer,
		life:         life,
		claimerClose: claimerClose,
	}, nil
}

// Run starts every component and blocks until a shutdown signal arrives,
// then walks the staged shutdown. The returned error reports startup
// failures or a shutdown that finished with errors.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if !e.cfg.DryRun && !e.auth.HasL2Credentials() {
		if _, err := e.client.DeriveAPIKey(ctx); err != nil {
			cancel()
			return fmt.Errorf("derive API credentials: %w", err)
		}
		e.logger.Info("L2 API credentials derived")
	}

	e.marketData.Start(ctx, &e.wg)

	resolver := market.NewResolver(e.gamma, e.logger)
	infos := resolver.Resolve(ctx, e.cfg.Strategies.Gabagool.Markets)
	if len(infos) == 0 {
		e.logger.Warn("no tradable markets resolved from config")
	}
	for _, info := range infos {
		if err := e.marketData.SubscribeMarket(info.ConditionID, info.YesTokenID, info.NoTokenID); err != nil {
			e.logger.Error("subscribe failed",
				"condition_id", info.ConditionID,
				"slug", info.Slug,
				"error", err,
			)
		}
	}

	if err := e.riskMgr.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start risk manager: %w", err)
	}
	if err := e.execution.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start execution engine: %w", err)
	}
	e.settlement.Start(ctx, &e.wg)

	e.strategies.SyncConfig(e.cfg.Strategies)
	if err := e.strategies.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start strategies: %w", err)
	}

	if e.apiServer != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.apiServer.Start(); err != nil {
				e.logger.Error("api server stopped", "error", err)
			}
		}()
	}

	e.registerShutdown()
	e.life.ListenSignals()

	e.logger.Info("mercury running",
		"dry_run", e.cfg.DryRun,
		"markets", len(infos),
		"server_enabled", e.cfg.Server.Enabled,
	)

	select {
	case <-ctx.Done():
		e.life.Trigger()
	case <-e.life.Triggered():
	}

	report := e.life.Shutdown(context.Background())
	if len(report.Errors) > 0 {
		return fmt.Errorf("shutdown finished with %d errors", len(report.Errors))
	}
	return nil
}

// Trigger requests a shutdown without a signal (tests, embedding).
func (e *Engine) Trigger() {
	e.life.Trigger()
}

// registerShutdown maps components onto the shutdown phases. Stopping the
// strategy and risk subscriptions first guarantees no new approvals reach
// execution while its in-flight work drains.
func (e *Engine) registerShutdown() {
	e.life.Register(lifecycle.PhaseStoppingNewWork, "strategies", func(context.Context) error {
		e.strategies.Stop()
		return nil
	})
	e.life.Register(lifecycle.PhaseStoppingNewWork, "risk", func(context.Context) error {
		e.riskMgr.Stop()
		return nil
	})
	e.life.Register(lifecycle.PhaseStoppingNewWork, "settlement", func(context.Context) error {
		e.settlement.Stop()
		return nil
	})

	e.life.SetInFlight(e.execution.InFlight)
	e.life.SetForceCancel(func(ctx context.Context) error {
		return e.client.CancelAll(ctx)
	})
	e.life.Register(lifecycle.PhaseDrainingOrders, "execution", func(context.Context) error {
		e.execution.Stop()
		return nil
	})

	e.life.Register(lifecycle.PhaseClosingConnections, "market_data", func(context.Context) error {
		e.cancel()
		e.marketData.Stop()
		return nil
	})
	if e.apiServer != nil {
		e.life.Register(lifecycle.PhaseClosingConnections, "api_server", func(context.Context) error {
			return e.apiServer.Stop()
		})
	}
	e.life.Register(lifecycle.PhaseClosingConnections, "workers", func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("workers still running: %w", ctx.Err())
		}
	})

	e.life.Register(lifecycle.PhaseFlushingData, "circuit_state", func(ctx context.Context) error {
		return e.db.SaveCircuitBreaker(ctx, e.riskMgr.Snapshot())
	})

	e.life.Register(lifecycle.PhaseCleanup, "claimer", func(context.Context) error {
		if e.claimerClose != nil {
			e.claimerClose()
		}
		return nil
	})
	e.life.Register(lifecycle.PhaseCleanup, "bus", func(context.Context) error {
		return e.bus.Close()
	})
	e.life.Register(lifecycle.PhaseCleanup, "store", func(context.Context) error {
		return e.db.Close()
	})
}

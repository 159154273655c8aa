// Package strategy routes order-book snapshots to trading strategies and
// publishes the signals they produce.
//
// The engine owns a registry of Strategy instances keyed by name. Every
// market.orderbook.<market_id> event is offered to each enabled strategy
// subscribed to that market; produced signals go out on
// signal.<strategy_name>. Strategies can be toggled at runtime through
// system.strategy.enable/disable events or a config reload.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"mercury/internal/book"
	"mercury/internal/bus"
	"mercury/internal/config"
	"mercury/pkg/types"
)

// Strategy is the contract every trading strategy satisfies. OnMarketData is
// invoked single-threaded per instance; implementations do not need internal
// locking against concurrent book callbacks.
type Strategy interface {
	Name() string
	Enabled() bool
	Start(ctx context.Context) error
	Stop() error

	// OnMarketData inspects one market snapshot and returns zero or more
	// signals. Returning nil means no opportunity.
	OnMarketData(marketID string, snap book.MarketSnapshot) []types.TradingSignal

	// SubscribedMarkets returns the market IDs this strategy wants books
	// for. An empty set means all markets.
	SubscribedMarkets() map[string]struct{}

	Enable()
	Disable()
}

// Engine dispatches book snapshots to registered strategies.
type Engine struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu         sync.RWMutex
	strategies map[string]Strategy
	running    bool

	unsubs []func()
}

// NewEngine creates an empty strategy engine.
func NewEngine(b *bus.Bus, logger *slog.Logger) *Engine {
	return &Engine{
		bus:        b,
		logger:     logger.With("component", "strategy_engine"),
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy to the registry. Names must be unique.
func (e *Engine) Register(s Strategy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.strategies[s.Name()]; exists {
		return fmt.Errorf("strategy %q already registered", s.Name())
	}
	e.strategies[s.Name()] = s
	e.logger.Info("strategy registered", "strategy", s.Name(), "enabled", s.Enabled())
	return nil
}

// Start starts every registered strategy and wires the bus subscriptions.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	strategies := make([]Strategy, 0, len(e.strategies))
	for _, s := range e.strategies {
		strategies = append(strategies, s)
	}
	e.mu.Unlock()

	for _, s := range strategies {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("start strategy %s: %w", s.Name(), err)
		}
	}

	e.unsubs = append(e.unsubs,
		e.bus.Subscribe(types.TopicOrderBookPrefix+"*", e.onOrderBook),
		e.bus.Subscribe(types.TopicStrategyControlPrefix+"*", e.onControl),
	)

	e.logger.Info("strategy engine started", "strategies", len(strategies))
	return nil
}

// Stop stops all strategies and removes the bus subscriptions.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	strategies := make([]Strategy, 0, len(e.strategies))
	for _, s := range e.strategies {
		strategies = append(strategies, s)
	}
	e.mu.Unlock()

	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil

	for _, s := range strategies {
		if err := s.Stop(); err != nil {
			e.logger.Warn("strategy stop failed", "strategy", s.Name(), "error", err)
		}
	}
	e.logger.Info("strategy engine stopped")
}

// Strategies returns a name→enabled view for health reporting.
func (e *Engine) Strategies() map[string]bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]bool, len(e.strategies))
	for name, s := range e.strategies {
		out[name] = s.Enabled()
	}
	return out
}

// SyncConfig reconciles each strategy's enabled state with a freshly loaded
// configuration. Called on config reload.
func (e *Engine) SyncConfig(cfg config.StrategiesConfig) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for name, s := range e.strategies {
		want := strategyEnabledIn(cfg, name)
		switch {
		case want && !s.Enabled():
			s.Enable()
			e.logger.Info("strategy enabled via config reload", "strategy", name)
		case !want && s.Enabled():
			s.Disable()
			e.logger.Info("strategy disabled via config reload", "strategy", name)
		}
	}
}

func strategyEnabledIn(cfg config.StrategiesConfig, name string) bool {
	switch name {
	case "gabagool":
		return cfg.Gabagool.Enabled
	}
	return true
}

func (e *Engine) onOrderBook(_ context.Context, topic string, payload any) {
	snap, ok := payload.(book.MarketSnapshot)
	if !ok {
		e.logger.Warn("unexpected order book payload", "topic", topic, "type", fmt.Sprintf("%T", payload))
		return
	}
	marketID := strings.TrimPrefix(topic, types.TopicOrderBookPrefix)

	e.mu.RLock()
	running := e.running
	strategies := make([]Strategy, 0, len(e.strategies))
	for _, s := range e.strategies {
		strategies = append(strategies, s)
	}
	e.mu.RUnlock()
	if !running {
		return
	}

	for _, s := range strategies {
		if !s.Enabled() {
			continue
		}
		if subs := s.SubscribedMarkets(); len(subs) > 0 {
			if _, want := subs[marketID]; !want {
				continue
			}
		}
		for _, sig := range s.OnMarketData(marketID, snap) {
			e.logger.Info("signal",
				"strategy", s.Name(),
				"signal_id", sig.SignalID,
				"market", sig.MarketID,
				"type", sig.Type,
				"size_usd", sig.TargetSizeUSD,
				"expected_pnl", sig.ExpectedPnL,
				"priority", sig.Priority,
			)
			e.bus.Publish(types.TopicSignalPrefix+s.Name(), sig)
		}
	}
}

// onControl handles system.strategy.enable/disable. Both commands arrive on
// one subscription; bus ordering holds per subscription only, so splitting
// them across two would let a stale disable land after a later enable. Both
// are idempotent.
func (e *Engine) onControl(_ context.Context, topic string, payload any) {
	evt, ok := payload.(types.StrategyControlEvent)
	if !ok {
		e.logger.Warn("unexpected control payload", "topic", topic, "type", fmt.Sprintf("%T", payload))
		return
	}
	e.mu.RLock()
	s, found := e.strategies[evt.Strategy]
	e.mu.RUnlock()
	if !found {
		e.logger.Warn("control event for unknown strategy", "strategy", evt.Strategy)
		return
	}
	switch topic {
	case types.TopicStrategyEnable:
		s.Enable()
	case types.TopicStrategyDisable:
		s.Disable()
	default:
		e.logger.Warn("unknown control topic", "topic", topic)
		return
	}
	e.logger.Info("strategy toggled", "strategy", evt.Strategy, "enabled", s.Enabled())
}

// Package gabagool implements the YES+NO arbitrage strategy.
//
// When yes_best_ask + no_best_ask < 1, buying both outcomes locks in the
// difference: one of the two legs always pays out $1.00 per share at
// resolution while the combined entry cost is below $1.00 per pair. The
// strategy sizes both legs to an equal number of shares so the payout is
// identical whichever way the market resolves.
package gabagool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mercury/internal/book"
	"mercury/internal/config"
	"mercury/pkg/types"
)

// Name is the registry key and signal topic suffix for this strategy.
const Name = "gabagool"

const signalTTL = 30 * time.Second

var (
	one          = decimal.NewFromInt(1)
	centFour     = decimal.NewFromFloat(0.04)
	centThree    = decimal.NewFromFloat(0.03)
	centTwo      = decimal.NewFromFloat(0.02)
	maxSpreadRef = decimal.NewFromFloat(0.05) // spread at which confidence saturates
)

// Strategy scans market snapshots for sub-$1 combined asks.
type Strategy struct {
	cfg    config.GabagoolConfig
	logger *slog.Logger

	minSpread decimal.Decimal
	budget    decimal.Decimal
	maxTrade  decimal.Decimal

	mu         sync.Mutex
	enabled    bool
	running    bool
	lastSignal map[string]time.Time
	markets    map[string]struct{}

	now func() time.Time
}

// New creates the strategy from its config block.
func New(cfg config.GabagoolConfig, logger *slog.Logger) *Strategy {
	markets := make(map[string]struct{}, len(cfg.Markets))
	for _, id := range cfg.Markets {
		markets[id] = struct{}{}
	}
	return &Strategy{
		cfg:        cfg,
		logger:     logger.With("component", "strategy", "strategy", Name),
		minSpread:  decimal.NewFromFloat(cfg.MinSpreadThreshold),
		budget:     decimal.NewFromFloat(cfg.TradeBudgetUSD),
		maxTrade:   decimal.NewFromFloat(cfg.MaxTradeSizeUSD),
		enabled:    cfg.Enabled,
		lastSignal: make(map[string]time.Time),
		markets:    markets,
		now:        time.Now,
	}
}

func (s *Strategy) Name() string { return Name }

func (s *Strategy) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Strategy) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
}

func (s *Strategy) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
}

func (s *Strategy) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	s.logger.Info("strategy started",
		"min_spread", s.minSpread,
		"budget_usd", s.budget,
		"max_trade_usd", s.maxTrade,
		"cooldown", s.cfg.SignalCooldown,
		"markets", len(s.markets),
	)
	return nil
}

func (s *Strategy) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

// SubscribedMarkets returns the configured market set; empty means all.
func (s *Strategy) SubscribedMarkets() map[string]struct{} {
	out := make(map[string]struct{}, len(s.markets))
	for id := range s.markets {
		out[id] = struct{}{}
	}
	return out
}

// OnMarketData evaluates one snapshot. At most one signal per call; the
// per-market cooldown suppresses repeats while the opportunity persists.
func (s *Strategy) OnMarketData(marketID string, snap book.MarketSnapshot) []types.TradingSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled || !s.running {
		return nil
	}

	if !snap.Yes.HasBestAsk || !snap.No.HasBestAsk {
		return nil
	}
	yesAsk, noAsk := snap.Yes.BestAsk, snap.No.BestAsk

	combined := yesAsk.Add(noAsk)
	if combined.GreaterThanOrEqual(one) {
		return nil
	}
	spread := one.Sub(combined)
	if spread.LessThan(s.minSpread) {
		return nil
	}

	now := s.now()
	if last, ok := s.lastSignal[marketID]; ok && now.Sub(last) < s.cfg.SignalCooldown {
		return nil
	}

	// ONE share count for both legs; the per-leg dollar amounts are derived
	// from it, never rounded separately, so the hedge stays exact.
	shares := sizeShares(s.budget, s.maxTrade, yesAsk, noAsk)
	if !shares.IsPositive() {
		return nil
	}
	yesAmount := shares.Mul(yesAsk)
	noAmount := shares.Mul(noAsk)
	total := yesAmount.Add(noAmount)

	// Equal-shares payout: whichever side wins pays shares × $1.
	expectedPnL := shares.Sub(total)

	s.lastSignal[marketID] = now

	sig := types.TradingSignal{
		SignalID:      uuid.NewString(),
		StrategyName:  Name,
		MarketID:      marketID,
		YesTokenID:    snap.YesTokenID,
		NoTokenID:     snap.NoTokenID,
		Type:          types.SignalArbitrage,
		Confidence:    confidence(spread, s.minSpread),
		Priority:      priority(spread),
		TargetSizeUSD: total,
		YesPrice:      yesAsk,
		NoPrice:       noAsk,
		ExpectedPnL:   expectedPnL,
		MaxSlippage:   decimal.NewFromFloat(s.cfg.MaxSlippage),
		Metadata: map[string]string{
			"spread_cents":      spread.Mul(decimal.NewFromInt(100)).StringFixed(2),
			"profit_percentage": profitPercentage(expectedPnL, total),
			"shares":            shares.String(),
			"yes_amount":        yesAmount.String(),
			"no_amount":         noAmount.String(),
		},
		CreatedAt: now,
		ExpiresAt: now.Add(signalTTL),
	}

	s.logger.Info("arbitrage opportunity",
		"market", marketID,
		"yes_ask", yesAsk,
		"no_ask", noAsk,
		"spread", spread,
		"size_usd", total,
		"expected_pnl", expectedPnL,
		"priority", sig.Priority,
	)
	return []types.TradingSignal{sig}
}

// sizeShares spends the budget on pairs (one YES + one NO share each), then
// scales the single share count down when either leg's cost exceeds the
// per-leg cap. Returning a share count instead of two dollar amounts is what
// keeps the legs identical: amounts are always derived as shares × ask.
func sizeShares(budget, maxTrade, yesAsk, noAsk decimal.Decimal) decimal.Decimal {
	shares := budget.Div(yesAsk.Add(noAsk))

	larger := decimal.Max(shares.Mul(yesAsk), shares.Mul(noAsk))
	if larger.GreaterThan(maxTrade) {
		shares = shares.Mul(maxTrade.Div(larger))
	}
	return shares.RoundDown(2)
}

// confidence scales linearly from 0.5 at the minimum spread to 0.95 at five
// cents.
func confidence(spread, minSpread decimal.Decimal) float64 {
	if spread.GreaterThanOrEqual(maxSpreadRef) {
		return 0.95
	}
	span := maxSpreadRef.Sub(minSpread)
	if !span.IsPositive() {
		return 0.95
	}
	frac, _ := spread.Sub(minSpread).Div(span).Float64()
	c := 0.5 + 0.45*frac
	if c < 0.5 {
		c = 0.5
	}
	if c > 0.95 {
		c = 0.95
	}
	return c
}

func priority(spread decimal.Decimal) types.SignalPriority {
	switch {
	case spread.GreaterThanOrEqual(centFour):
		return types.PriorityCritical
	case spread.GreaterThanOrEqual(centThree):
		return types.PriorityHigh
	case spread.GreaterThanOrEqual(centTwo):
		return types.PriorityMedium
	default:
		return types.PriorityLow
	}
}

func profitPercentage(pnl, total decimal.Decimal) string {
	if total.IsZero() {
		return "0.00"
	}
	return fmt.Sprintf("%s%%", pnl.Div(total).Mul(decimal.NewFromInt(100)).StringFixed(2))
}

// Package market resolves configured markets into tradable token pairs.
//
// The strategy config names markets by condition ID. Before the market-data
// service can subscribe, each ID has to be resolved through the metadata
// oracle into its YES/NO token pair and validated as tradable. Resolution
// failures are reported per market so one bad ID does not block the rest.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mercury/pkg/types"
)

// Oracle answers market metadata lookups. *exchange.GammaClient satisfies it.
type Oracle interface {
	GetMarketInfo(ctx context.Context, conditionID string, useCache bool) (types.MarketInfo, error)
}

// Resolver turns condition IDs into validated MarketInfo records.
type Resolver struct {
	oracle Oracle
	logger *slog.Logger
	now    func() time.Time
}

// NewResolver creates a resolver backed by the given oracle.
func NewResolver(oracle Oracle, logger *slog.Logger) *Resolver {
	return &Resolver{
		oracle: oracle,
		logger: logger.With("component", "market_resolver"),
		now:    time.Now,
	}
}

// Resolve looks up every condition ID and returns the tradable subset.
// Markets that fail lookup or validation are logged and skipped.
func (r *Resolver) Resolve(ctx context.Context, conditionIDs []string) []types.MarketInfo {
	var out []types.MarketInfo
	seen := make(map[string]struct{}, len(conditionIDs))

	for _, conditionID := range conditionIDs {
		if conditionID == "" {
			continue
		}
		if _, dup := seen[conditionID]; dup {
			continue
		}
		seen[conditionID] = struct{}{}

		info, err := r.oracle.GetMarketInfo(ctx, conditionID, true)
		if err != nil {
			r.logger.Warn("market lookup failed", "condition_id", conditionID, "error", err)
			continue
		}
		if err := Tradable(info, r.now()); err != nil {
			r.logger.Warn("market not tradable",
				"condition_id", conditionID,
				"slug", info.Slug,
				"reason", err,
			)
			continue
		}
		out = append(out, info)
	}

	r.logger.Info("markets resolved", "configured", len(conditionIDs), "tradable", len(out))
	return out
}

// Tradable validates that a market can be traded right now.
func Tradable(info types.MarketInfo, now time.Time) error {
	if info.YesTokenID == "" || info.NoTokenID == "" {
		return fmt.Errorf("missing token IDs")
	}
	if !info.Active {
		return fmt.Errorf("market inactive")
	}
	if info.Closed {
		return fmt.Errorf("market closed")
	}
	if info.Resolved {
		return fmt.Errorf("market already resolved %s", info.Winner)
	}
	if !info.EndDate.IsZero() && info.EndDate.Before(now) {
		return fmt.Errorf("market past end date %s", info.EndDate.Format(time.RFC3339))
	}
	return nil
}

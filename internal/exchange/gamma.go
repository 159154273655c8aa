package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"mercury/internal/config"
	"mercury/pkg/types"
)

// GammaClient is the market-metadata oracle. It answers "which tokens does
// this market own" and "has this market resolved, and which way" from the
// Gamma API, with a short TTL cache in front so the settlement poll loop
// does not hammer the endpoint. Pass useCache=false to force a fresh read.
type GammaClient struct {
	http   *resty.Client
	rl     *RateLimiter
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedMarket
	ttl   time.Duration
}

type cachedMarket struct {
	info      types.MarketInfo
	fetchedAt time.Time
}

// gammaMarket is the JSON shape returned by the Gamma API.
type gammaMarket struct {
	ID            string `json:"id"`
	Question      string `json:"question"`
	ConditionID   string `json:"conditionId"`
	Slug          string `json:"slug"`
	Active        bool   `json:"active"`
	Closed        bool   `json:"closed"`
	EndDate       string `json:"endDate"`
	Outcomes      string `json:"outcomes"`      // JSON array string: ["Yes","No"]
	OutcomePrices string `json:"outcomePrices"` // JSON array string: ["1","0"] once resolved
	ClobTokenIds  string `json:"clobTokenIds"`  // JSON array string: [yes, no]
	UMAResolution string `json:"umaResolutionStatus"`
}

// NewGammaClient creates a metadata client with a 30-second cache.
func NewGammaClient(cfg config.Config, logger *slog.Logger) *GammaClient {
	client := resty.New().
		SetBaseURL(cfg.API.GammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &GammaClient{
		http:   client,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "gamma_client"),
		cache:  make(map[string]cachedMarket),
		ttl:    30 * time.Second,
	}
}

// GetMarketInfo returns the metadata for one market by condition ID. An
// unknown market surfaces as a KindNotFound error.
func (g *GammaClient) GetMarketInfo(ctx context.Context, conditionID string, useCache bool) (types.MarketInfo, error) {
	if useCache {
		g.mu.Lock()
		if entry, ok := g.cache[conditionID]; ok && time.Since(entry.fetchedAt) < g.ttl {
			info := entry.info
			g.mu.Unlock()
			return info, nil
		}
		g.mu.Unlock()
	}

	if err := g.rl.Markets.Wait(ctx); err != nil {
		return types.MarketInfo{}, err
	}

	var page []gammaMarket
	resp, err := g.http.R().
		SetContext(ctx).
		SetQueryParam("condition_ids", conditionID).
		SetResult(&page).
		Get("/markets")
	if err != nil {
		return types.MarketInfo{}, wrapErr("get market", KindNetwork, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.MarketInfo{}, wrapErr("get market", kindFromStatus(resp.StatusCode()),
			fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	if len(page) == 0 {
		return types.MarketInfo{}, wrapErr("get market", KindNotFound, fmt.Errorf("condition %s", conditionID))
	}

	info := convertGammaMarket(page[0])
	g.mu.Lock()
	g.cache[conditionID] = cachedMarket{info: info, fetchedAt: time.Now()}
	g.mu.Unlock()
	return info, nil
}

// convertGammaMarket transforms a Gamma API response into the internal
// MarketInfo type. It parses JSON-encoded token IDs and derives resolution
// from the outcome prices: a closed market priced ["1","0"] resolved YES,
// ["0","1"] resolved NO.
func convertGammaMarket(gm gammaMarket) types.MarketInfo {
	var tokenIDs []string
	if gm.ClobTokenIds != "" {
		var ids []string
		if err := json.Unmarshal([]byte(gm.ClobTokenIds), &ids); err == nil {
			tokenIDs = ids
		}
	}
	var yesToken, noToken string
	if len(tokenIDs) >= 2 {
		yesToken = tokenIDs[0]
		noToken = tokenIDs[1]
	}

	endDate, _ := time.Parse(time.RFC3339, gm.EndDate)

	info := types.MarketInfo{
		ConditionID: gm.ConditionID,
		Slug:        gm.Slug,
		Question:    gm.Question,
		YesTokenID:  yesToken,
		NoTokenID:   noToken,
		Active:      gm.Active,
		Closed:      gm.Closed,
		EndDate:     endDate,
		Winner:      types.Unresolved,
	}

	if gm.Closed && gm.OutcomePrices != "" {
		var prices []string
		if err := json.Unmarshal([]byte(gm.OutcomePrices), &prices); err == nil && len(prices) >= 2 {
			yes, _ := strconv.ParseFloat(prices[0], 64)
			no, _ := strconv.ParseFloat(prices[1], 64)
			switch {
			case yes == 1 && no == 0:
				info.Resolved = true
				info.Winner = types.ResolvedYes
			case yes == 0 && no == 1:
				info.Resolved = true
				info.Winner = types.ResolvedNo
			}
		}
	}

	return info
}

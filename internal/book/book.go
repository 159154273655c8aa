package book

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInsufficientLiquidity is returned by the VWAP helpers when the ladder
// is exhausted before the requested size is covered.
var ErrInsufficientLiquidity = errors.New("book: insufficient liquidity")

// OrderBook mirrors the resting book for one token. Every mutation
// increments the sequence number and refreshes the last-update timestamp.
type OrderBook struct {
	mu         sync.RWMutex
	tokenID    string
	bids       *Ladder // descending
	asks       *Ladder // ascending
	lastUpdate time.Time
	sequence   uint64
}

// NewOrderBook creates an empty book for a token.
func NewOrderBook(tokenID string) *OrderBook {
	return &OrderBook{
		tokenID: tokenID,
		bids:    NewLadder(false),
		asks:    NewLadder(true),
	}
}

// TokenID returns the token this book mirrors.
func (b *OrderBook) TokenID() string { return b.tokenID }

func (b *OrderBook) touch() {
	b.sequence++
	b.lastUpdate = time.Now()
}

// UpdateBid updates one bid level; size ≤ 0 removes it.
func (b *OrderBook) UpdateBid(price, size decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids.Update(price, size)
	b.touch()
}

// UpdateAsk updates one ask level; size ≤ 0 removes it.
func (b *OrderBook) UpdateAsk(price, size decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.asks.Update(price, size)
	b.touch()
}

// ApplySnapshot clears both sides and replaces them with the given levels.
func (b *OrderBook) ApplySnapshot(bids, asks []PriceLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids.Clear()
	b.asks.Clear()
	for _, lvl := range bids {
		b.bids.UpdateLevel(lvl)
	}
	for _, lvl := range asks {
		b.asks.UpdateLevel(lvl)
	}
	b.touch()
}

// ApplyDelta applies incremental updates to both sides in one mutation.
func (b *OrderBook) ApplyDelta(bidUpdates, askUpdates []PriceLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, lvl := range bidUpdates {
		b.bids.UpdateLevel(lvl)
	}
	for _, lvl := range askUpdates {
		b.asks.UpdateLevel(lvl)
	}
	b.touch()
}

// BestBid returns the highest bid.
func (b *OrderBook) BestBid() (PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Best()
}

// BestAsk returns the lowest ask.
func (b *OrderBook) BestAsk() (PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.asks.Best()
}

// IsCrossed reports best_bid ≥ best_ask. A crossed book is a reportable
// anomaly, never a crash.
func (b *OrderBook) IsCrossed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bid, okB := b.bids.Best()
	ask, okA := b.asks.Best()
	return okB && okA && bid.Price.GreaterThanOrEqual(ask.Price)
}

// Sequence returns the mutation counter. It increases strictly
// monotonically per book.
func (b *OrderBook) Sequence() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sequence
}

// LastUpdate returns the timestamp of the last mutation.
func (b *OrderBook) LastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdate
}

// AskDepth returns the top-n ask levels.
func (b *OrderBook) AskDepth(n int) []PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.asks.Depth(n)
}

// BidDepth returns the top-n bid levels.
func (b *OrderBook) BidDepth(n int) []PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Depth(n)
}

// AskSize sums the top-n ask sizes.
func (b *OrderBook) AskSize(n int) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.asks.TotalSize(n)
}

// VWAPBuy walks the asks and returns the volume-weighted average price to
// buy size shares. Returns ErrInsufficientLiquidity when the asks run out.
func (b *OrderBook) VWAPBuy(size decimal.Decimal) (decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return vwap(b.asks, size)
}

// VWAPSell walks the bids and returns the volume-weighted average price to
// sell size shares.
func (b *OrderBook) VWAPSell(size decimal.Decimal) (decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return vwap(b.bids, size)
}

func vwap(side *Ladder, size decimal.Decimal) (decimal.Decimal, error) {
	if size.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, nil
	}
	remaining := size
	cost := decimal.Zero
	for _, lvl := range side.levels {
		take := decimal.Min(remaining, lvl.Size)
		cost = cost.Add(take.Mul(lvl.Price))
		remaining = remaining.Sub(take)
		if remaining.IsZero() {
			return cost.Div(size), nil
		}
	}
	return decimal.Zero, ErrInsufficientLiquidity
}

// Snapshot returns a self-contained copy of the book's top depth levels.
func (b *OrderBook) Snapshot(depth int) SideSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap := SideSnapshot{
		TokenID:    b.tokenID,
		Bids:       b.bids.Depth(depth),
		Asks:       b.asks.Depth(depth),
		Sequence:   b.sequence,
		LastUpdate: b.lastUpdate,
	}
	if best, ok := b.bids.Best(); ok {
		snap.BestBid, snap.HasBestBid = best.Price, true
	}
	if best, ok := b.asks.Best(); ok {
		snap.BestAsk, snap.HasBestAsk = best.Price, true
	}
	return snap
}

// SideSnapshot is the immutable view of one token's book.
type SideSnapshot struct {
	TokenID    string
	Bids       []PriceLevel
	Asks       []PriceLevel
	BestBid    decimal.Decimal
	HasBestBid bool
	BestAsk    decimal.Decimal
	HasBestAsk bool
	Sequence   uint64
	LastUpdate time.Time
}

// MarketBook pairs the YES and NO books of one binary market.
type MarketBook struct {
	MarketID   string
	YesTokenID string
	NoTokenID  string
	Yes        *OrderBook
	No         *OrderBook
}

// NewMarketBook constructs both sides of a market's book.
func NewMarketBook(marketID, yesTokenID, noTokenID string) *MarketBook {
	return &MarketBook{
		MarketID:   marketID,
		YesTokenID: yesTokenID,
		NoTokenID:  noTokenID,
		Yes:        NewOrderBook(yesTokenID),
		No:         NewOrderBook(noTokenID),
	}
}

// ByToken returns the side book for a token ID, nil if the token does not
// belong to this market.
func (m *MarketBook) ByToken(tokenID string) *OrderBook {
	switch tokenID {
	case m.YesTokenID:
		return m.Yes
	case m.NoTokenID:
		return m.No
	}
	return nil
}

// CombinedAsk returns yes_best_ask + no_best_ask, false when either side
// has no asks.
func (m *MarketBook) CombinedAsk() (decimal.Decimal, bool) {
	yes, okY := m.Yes.BestAsk()
	no, okN := m.No.BestAsk()
	if !okY || !okN {
		return decimal.Zero, false
	}
	return yes.Price.Add(no.Price), true
}

// ArbitrageSpread returns 1 − combined_ask, false when either ask is missing.
func (m *MarketBook) ArbitrageSpread() (decimal.Decimal, bool) {
	combined, ok := m.CombinedAsk()
	if !ok {
		return decimal.Zero, false
	}
	return decimal.NewFromInt(1).Sub(combined), true
}

// HasArbitrage reports whether the spread is strictly positive.
func (m *MarketBook) HasArbitrage() bool {
	spread, ok := m.ArbitrageSpread()
	return ok && spread.GreaterThan(decimal.Zero)
}

// LastUpdate is the max of both tokens' last-update timestamps.
func (m *MarketBook) LastUpdate() time.Time {
	yes := m.Yes.LastUpdate()
	no := m.No.LastUpdate()
	if no.After(yes) {
		return no
	}
	return yes
}

// Snapshot produces the canonical self-contained view of the market's book
// with the derived arbitrage metrics.
func (m *MarketBook) Snapshot(depth int) MarketSnapshot {
	snap := MarketSnapshot{
		MarketID:   m.MarketID,
		YesTokenID: m.YesTokenID,
		NoTokenID:  m.NoTokenID,
		Yes:        m.Yes.Snapshot(depth),
		No:         m.No.Snapshot(depth),
		Timestamp:  time.Now(),
	}
	if combined, ok := m.CombinedAsk(); ok {
		snap.CombinedAsk, snap.HasCombinedAsk = combined, true
		snap.ArbitrageSpread = decimal.NewFromInt(1).Sub(combined)
		snap.HasArbitrage = snap.ArbitrageSpread.GreaterThan(decimal.Zero)
	}
	return snap
}

// MarketSnapshot is the immutable per-market view published on the bus.
type MarketSnapshot struct {
	MarketID        string
	YesTokenID      string
	NoTokenID       string
	Yes             SideSnapshot
	No              SideSnapshot
	CombinedAsk     decimal.Decimal
	HasCombinedAsk  bool
	ArbitrageSpread decimal.Decimal
	HasArbitrage    bool
	Timestamp       time.Time
}

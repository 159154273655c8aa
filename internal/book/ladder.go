// Package book provides the in-memory order-book store.
//
// A Ladder is one sorted side of a book (bids descending, asks ascending).
// OrderBook mirrors one token's book and is updated from two sources:
//   - full snapshots via ApplySnapshot (clears and replaces)
//   - incremental updates via ApplyDelta / UpdateBid / UpdateAsk
//
// MarketBook pairs the YES and NO books of one binary market and derives the
// arbitrage metrics (combined ask, spread) the strategy layer consumes.
// OrderBook is concurrency-safe (RWMutex protected); Ladder is not and is
// always accessed under its owning book's lock.
package book

import (
	"sort"

	"github.com/shopspring/decimal"
)

// PriceLevel is one resting level of a ladder. Size is in shares; a level
// with zero size is removed, never stored.
type PriceLevel struct {
	Price      decimal.Decimal
	Size       decimal.Decimal
	OrderCount int
}

// Ladder is a price-sorted collection of levels for one side of a book.
type Ladder struct {
	ascending bool
	levels    []PriceLevel
}

// NewLadder creates a ladder. Asks sort ascending, bids descending.
func NewLadder(ascending bool) *Ladder {
	return &Ladder{ascending: ascending}
}

// search returns the index where price belongs in sort order, and whether
// an equal-price level already exists there.
func (l *Ladder) search(price decimal.Decimal) (int, bool) {
	i := sort.Search(len(l.levels), func(i int) bool {
		if l.ascending {
			return l.levels[i].Price.GreaterThanOrEqual(price)
		}
		return l.levels[i].Price.LessThanOrEqual(price)
	})
	found := i < len(l.levels) && l.levels[i].Price.Equal(price)
	return i, found
}

// Update inserts, replaces, or (when size ≤ 0) removes the level at price.
func (l *Ladder) Update(price, size decimal.Decimal) {
	l.UpdateLevel(PriceLevel{Price: price, Size: size, OrderCount: 1})
}

// UpdateLevel is Update with an explicit order count.
func (l *Ladder) UpdateLevel(level PriceLevel) {
	i, found := l.search(level.Price)
	if level.Size.LessThanOrEqual(decimal.Zero) {
		if found {
			l.levels = append(l.levels[:i], l.levels[i+1:]...)
		}
		return
	}
	if found {
		l.levels[i] = level
		return
	}
	l.levels = append(l.levels, PriceLevel{})
	copy(l.levels[i+1:], l.levels[i:])
	l.levels[i] = level
}

// Best returns the top level: highest bid or lowest ask.
func (l *Ladder) Best() (PriceLevel, bool) {
	if len(l.levels) == 0 {
		return PriceLevel{}, false
	}
	return l.levels[0], true
}

// Len returns the number of levels.
func (l *Ladder) Len() int { return len(l.levels) }

// Depth returns up to n levels from the top. n ≤ 0 means all.
func (l *Ladder) Depth(n int) []PriceLevel {
	if n <= 0 || n > len(l.levels) {
		n = len(l.levels)
	}
	out := make([]PriceLevel, n)
	copy(out, l.levels[:n])
	return out
}

// TotalSize sums the sizes of the top n levels. n ≤ 0 means all.
func (l *Ladder) TotalSize(n int) decimal.Decimal {
	if n <= 0 || n > len(l.levels) {
		n = len(l.levels)
	}
	total := decimal.Zero
	for _, lvl := range l.levels[:n] {
		total = total.Add(lvl.Size)
	}
	return total
}

// VolumeAtPrice returns the cumulative size available at or better than
// limit: for bids, levels priced ≥ limit; for asks, levels priced ≤ limit.
func (l *Ladder) VolumeAtPrice(limit decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, lvl := range l.levels {
		if l.ascending {
			if lvl.Price.GreaterThan(limit) {
				break
			}
		} else {
			if lvl.Price.LessThan(limit) {
				break
			}
		}
		total = total.Add(lvl.Size)
	}
	return total
}

// Clear removes every level.
func (l *Ladder) Clear() {
	l.levels = l.levels[:0]
}

package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpx/vault-engine/internal/fixed"
)

// FastFeed is a keeper-pushed secondary price store. Prices are integers at
// 1e30 scale. When the feed is stale or has no quote it defers to the
// reference price; when a quote deviates beyond maxDeviationBps it yields
// the conservative side of the pair.
type FastFeed struct {
	mu              sync.RWMutex
	prices          map[string]decimal.Decimal
	updatedAt       time.Time
	priceDuration   time.Duration
	maxDeviationBps decimal.Decimal
	now             func() time.Time
}

// NewFastFeed creates a fast feed whose quotes expire after priceDuration
// (zero disables expiry) and are trusted within maxDeviationBps of the
// reference price.
func NewFastFeed(priceDuration time.Duration, maxDeviationBps int64) *FastFeed {
	return &FastFeed{
		prices:          make(map[string]decimal.Decimal),
		priceDuration:   priceDuration,
		maxDeviationBps: decimal.NewFromInt(maxDeviationBps),
		now:             time.Now,
	}
}

// SetPrice stores one quote and refreshes the feed timestamp.
func (f *FastFeed) SetPrice(symbol string, price decimal.Decimal, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
	f.updatedAt = at
}

// SetPrices stores a batch of quotes under one timestamp.
func (f *FastFeed) SetPrices(prices map[string]decimal.Decimal, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for symbol, price := range prices {
		f.prices[symbol] = price
	}
	f.updatedAt = at
}

// Price implements SecondaryFeed.
func (f *FastFeed) Price(_ context.Context, symbol string, ref decimal.Decimal, maximize bool) decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.priceDuration > 0 && f.now().Sub(f.updatedAt) > f.priceDuration {
		return ref
	}
	fast := f.prices[symbol]
	if !fast.IsPositive() {
		return ref
	}
	diffBps := fixed.MulDiv(ref.Sub(fast).Abs(), fixed.BasisPointsDivisor, ref)
	if diffBps.GreaterThan(f.maxDeviationBps) {
		if maximize {
			return fixed.Max(ref, fast)
		}
		return fixed.Min(ref, fast)
	}
	return fast
}

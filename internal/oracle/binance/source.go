// Package binance adapts Binance futures mark prices as the aggregator's
// venue price source.
package binance

import (
	"context"
	"fmt"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/perpx/vault-engine/internal/fixed"
)

// Source reads premium-index mark prices for mapped symbols. Tokens without
// a mapping have no venue price.
type Source struct {
	client *futures.Client
	pairs  map[string]string // engine symbol -> exchange pair, e.g. BTC -> BTCUSDT
}

// NewSource creates a source. Market data needs no credentials; keys are
// accepted for rate-limit headroom. baseURL overrides the production
// endpoint when set.
func NewSource(apiKey, secretKey, baseURL string, pairs map[string]string) *Source {
	client := futures.NewClient(apiKey, secretKey)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	mapped := make(map[string]string, len(pairs))
	for symbol, pair := range pairs {
		mapped[symbol] = pair
	}
	return &Source{client: client, pairs: mapped}
}

// Price returns the mark price at 1e30 scale, or zero when the token has no
// mapped pair.
func (s *Source) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	pair, ok := s.pairs[symbol]
	if !ok {
		return decimal.Zero, nil
	}
	indexes, err := s.client.NewPremiumIndexService().Symbol(pair).Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("binance: premium index %s: %w", pair, err)
	}
	if len(indexes) == 0 {
		return decimal.Zero, fmt.Errorf("binance: no premium index for %s", pair)
	}
	mark, err := decimal.NewFromString(indexes[0].MarkPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("binance: parse mark price %q: %w", indexes[0].MarkPrice, err)
	}
	if !mark.IsPositive() {
		return decimal.Zero, nil
	}
	return mark.Mul(fixed.PricePrecision).Truncate(0), nil
}

// Pairs returns the configured symbol mapping.
func (s *Source) Pairs() map[string]string {
	out := make(map[string]string, len(s.pairs))
	for symbol, pair := range s.pairs {
		out[symbol] = pair
	}
	return out
}

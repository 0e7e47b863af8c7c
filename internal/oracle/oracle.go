// Package oracle resolves trusted token prices from primary price rounds,
// an optional venue (AMM-analog) source, and an optional secondary feed.
// All resolved prices are integers at 1e30 USD scale.
// All monetary values use shopspring/decimal — never float64 for money.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpx/vault-engine/internal/fixed"
)

var (
	ErrUnknownToken       = errors.New("oracle: token not configured")
	ErrRoundNotFound      = errors.New("oracle: no price round")
	ErrInvalidPrice       = errors.New("oracle: invalid price")
	ErrStalePrice         = errors.New("oracle: stale price")
	ErrAdjustmentCooldown = errors.New("oracle: adjustment cooldown active")
	ErrAdjustmentTooLarge = errors.New("oracle: adjustment exceeds cap")
	ErrSpreadTooLarge     = errors.New("oracle: spread exceeds cap")
)

const (
	// MaxAdjustmentBps caps manual per-token price corrections.
	MaxAdjustmentBps = 20
	// MaxSpreadBps caps the symmetric per-token spread.
	MaxSpreadBps = 50
	// MaxAdjustmentInterval is the cooldown between adjustment changes.
	MaxAdjustmentInterval = 2 * time.Hour

	defaultSampleCount        = 3
	defaultSpreadThresholdBps = 30
)

// Round is one primary price observation. Answer is an integer at the
// token's configured price decimals, not yet normalized to 1e30.
type Round struct {
	ID        int64
	Answer    decimal.Decimal
	UpdatedAt time.Time
}

// Feed supplies primary rounds. Round IDs increase by one per update.
type Feed interface {
	LatestRound(ctx context.Context, symbol string) (Round, error)
	RoundData(ctx context.Context, symbol string, id int64) (Round, error)
}

// SpotSource supplies a venue price at 1e30 scale. A zero price means the
// venue has no quote for the token.
type SpotSource interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// SecondaryFeed blends a secondary observation against the reference price.
// It never fails: implementations fall back to ref when they have nothing.
type SecondaryFeed interface {
	Price(ctx context.Context, symbol string, ref decimal.Decimal, maximize bool) decimal.Decimal
}

// TokenConfig declares how a token's price is resolved.
type TokenConfig struct {
	Symbol         string
	PriceDecimals  int32
	IsStrictStable bool
}

type tokenState struct {
	cfg                TokenConfig
	spreadBps          decimal.Decimal
	adjustmentBps      decimal.Decimal
	adjustmentAdditive bool
	lastAdjustment     time.Time
}

// Aggregator resolves prices per TokenConfig and the blend settings below.
type Aggregator struct {
	mu        sync.RWMutex
	primary   Feed
	secondary SecondaryFeed
	venue     SpotSource
	now       func() time.Time

	sampleCount             int
	maxPriceAge             time.Duration
	useV2                   bool
	favorPrimary            bool
	spreadThresholdBps      decimal.Decimal
	maxStrictPriceDeviation decimal.Decimal

	tokens map[string]*tokenState
}

// New creates an aggregator reading primary rounds from feed.
func New(feed Feed) *Aggregator {
	return &Aggregator{
		primary:            feed,
		now:                time.Now,
		sampleCount:        defaultSampleCount,
		spreadThresholdBps: decimal.NewFromInt(defaultSpreadThresholdBps),
		tokens:             make(map[string]*tokenState),
	}
}

// SetToken registers or replaces a token's price configuration.
func (a *Aggregator) SetToken(cfg TokenConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.tokens[cfg.Symbol]
	next := &tokenState{cfg: cfg}
	if prev != nil {
		next.spreadBps = prev.spreadBps
		next.adjustmentBps = prev.adjustmentBps
		next.adjustmentAdditive = prev.adjustmentAdditive
		next.lastAdjustment = prev.lastAdjustment
	}
	a.tokens[cfg.Symbol] = next
}

// SetSecondary installs the secondary feed. Nil disables it.
func (a *Aggregator) SetSecondary(feed SecondaryFeed) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.secondary = feed
}

// SetVenue installs the venue price source. Nil disables venue blending.
func (a *Aggregator) SetVenue(src SpotSource) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.venue = src
}

// SetSampleCount sets how many recent rounds the primary max/min scans.
func (a *Aggregator) SetSampleCount(n int) {
	if n < 1 {
		n = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sampleCount = n
}

// SetMaxPriceAge bounds the age of the latest round. Zero disables the check.
func (a *Aggregator) SetMaxPriceAge(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxPriceAge = d
}

// SetUseV2Pricing switches between the v1 and v2 venue blend.
func (a *Aggregator) SetUseV2Pricing(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.useV2 = v
}

// SetSpreadThreshold tunes the v2 venue blend: below thresholdBps of
// divergence the venue price is adopted, or the primary when favorPrimary.
func (a *Aggregator) SetSpreadThreshold(favorPrimary bool, thresholdBps decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.favorPrimary = favorPrimary
	a.spreadThresholdBps = thresholdBps
}

// SetMaxStrictPriceDeviation sets the 1e30-scale band inside which a
// strict-stable token's price snaps to exactly one USD.
func (a *Aggregator) SetMaxStrictPriceDeviation(d decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxStrictPriceDeviation = d
}

// SetSpreadBps sets the symmetric spread for a token, capped at MaxSpreadBps.
func (a *Aggregator) SetSpreadBps(symbol string, bps decimal.Decimal) error {
	if bps.IsNegative() || bps.GreaterThan(decimal.NewFromInt(MaxSpreadBps)) {
		return fmt.Errorf("%w: %s bps", ErrSpreadTooLarge, bps)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ts, ok := a.tokens[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, symbol)
	}
	ts.spreadBps = bps
	return nil
}

// SetAdjustment sets a manual additive or subtractive correction for a token.
// Magnitude is capped at MaxAdjustmentBps and changes are rate-limited to
// one per MaxAdjustmentInterval.
func (a *Aggregator) SetAdjustment(symbol string, additive bool, bps decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ts, ok := a.tokens[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, symbol)
	}
	if a.now().Sub(ts.lastAdjustment) <= MaxAdjustmentInterval {
		return ErrAdjustmentCooldown
	}
	if bps.IsNegative() || bps.GreaterThan(decimal.NewFromInt(MaxAdjustmentBps)) {
		return fmt.Errorf("%w: %s bps", ErrAdjustmentTooLarge, bps)
	}
	ts.adjustmentAdditive = additive
	ts.adjustmentBps = bps
	ts.lastAdjustment = a.now()
	return nil
}

// Adjustment reports a token's current manual correction.
func (a *Aggregator) Adjustment(symbol string) (additive bool, bps decimal.Decimal) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ts, ok := a.tokens[symbol]
	if !ok {
		return false, decimal.Zero
	}
	return ts.adjustmentAdditive, ts.adjustmentBps
}

// Price resolves the token's price at 1e30 scale. maximize selects the
// conservative side for the caller (max when valuing what the protocol
// receives is unfavorable, min when favorable). includeVenue enables the
// venue blend; liquidation paths disable it.
func (a *Aggregator) Price(ctx context.Context, symbol string, maximize, includeVenue bool) (decimal.Decimal, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ts, ok := a.tokens[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownToken, symbol)
	}

	var (
		price decimal.Decimal
		err   error
	)
	if a.useV2 {
		price, err = a.priceV2(ctx, ts, maximize, includeVenue)
	} else {
		price, err = a.priceV1(ctx, ts, maximize, includeVenue)
	}
	if err != nil {
		return decimal.Zero, err
	}

	// Manual corrections never touch strict stables: their price is pinned
	// to the one-USD band above.
	if !ts.cfg.IsStrictStable && ts.adjustmentBps.IsPositive() {
		if ts.adjustmentAdditive {
			return fixed.ApplyBps(price, ts.adjustmentBps), nil
		}
		return fixed.ApplyBps(price, ts.adjustmentBps.Neg()), nil
	}
	return price, nil
}

func (a *Aggregator) priceV1(ctx context.Context, ts *tokenState, maximize, includeVenue bool) (decimal.Decimal, error) {
	price, err := a.primaryPrice(ctx, ts, maximize)
	if err != nil {
		return decimal.Zero, err
	}
	if includeVenue && a.venue != nil {
		if vp := a.venuePrice(ctx, ts.cfg.Symbol); vp.IsPositive() {
			if maximize && vp.GreaterThan(price) {
				price = vp
			}
			if !maximize && vp.LessThan(price) {
				price = vp
			}
		}
	}
	return a.finishPrice(ctx, ts, price, maximize)
}

func (a *Aggregator) priceV2(ctx context.Context, ts *tokenState, maximize, includeVenue bool) (decimal.Decimal, error) {
	price, err := a.primaryPrice(ctx, ts, maximize)
	if err != nil {
		return decimal.Zero, err
	}
	if includeVenue && a.venue != nil {
		price = a.venuePriceV2(ctx, ts.cfg.Symbol, maximize, price)
	}
	return a.finishPrice(ctx, ts, price, maximize)
}

// finishPrice applies the secondary blend, then the strict-stable band or
// the symmetric spread.
func (a *Aggregator) finishPrice(ctx context.Context, ts *tokenState, price decimal.Decimal, maximize bool) (decimal.Decimal, error) {
	if a.secondary != nil {
		price = a.secondary.Price(ctx, ts.cfg.Symbol, price, maximize)
	}
	if ts.cfg.IsStrictStable {
		return a.strictStablePrice(price, maximize), nil
	}
	if maximize {
		return fixed.ApplyBps(price, ts.spreadBps), nil
	}
	return fixed.ApplyBps(price, ts.spreadBps.Neg()), nil
}

// strictStablePrice snaps to exactly one USD inside the deviation band and
// clamps directionally outside it: the max side never reports below one USD
// and the min side never above.
func (a *Aggregator) strictStablePrice(price decimal.Decimal, maximize bool) decimal.Decimal {
	delta := price.Sub(fixed.OneUSD).Abs()
	if delta.LessThanOrEqual(a.maxStrictPriceDeviation) {
		return fixed.OneUSD
	}
	if maximize && price.GreaterThan(fixed.OneUSD) {
		return price
	}
	if !maximize && price.LessThan(fixed.OneUSD) {
		return price
	}
	return fixed.OneUSD
}

// primaryPrice walks back sampleCount rounds from the latest and takes the
// max or min answer. Any non-positive answer inside the window is fatal.
func (a *Aggregator) primaryPrice(ctx context.Context, ts *tokenState, maximize bool) (decimal.Decimal, error) {
	latest, err := a.primary.LatestRound(ctx, ts.cfg.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if a.maxPriceAge > 0 {
		if age := a.now().Sub(latest.UpdatedAt); age > a.maxPriceAge {
			return decimal.Zero, fmt.Errorf("%w: %s round %d is %s old", ErrStalePrice, ts.cfg.Symbol, latest.ID, age.Truncate(time.Second))
		}
	}

	price := decimal.Zero
	for i := 0; i < a.sampleCount; i++ {
		if latest.ID <= int64(i) {
			break
		}
		answer := latest.Answer
		if i > 0 {
			round, err := a.primary.RoundData(ctx, ts.cfg.Symbol, latest.ID-int64(i))
			if err != nil {
				return decimal.Zero, err
			}
			answer = round.Answer
		}
		if !answer.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: %s round %d answered %s", ErrInvalidPrice, ts.cfg.Symbol, latest.ID-int64(i), answer)
		}
		if price.IsZero() {
			price = answer
			continue
		}
		if maximize && answer.GreaterThan(price) {
			price = answer
		}
		if !maximize && answer.LessThan(price) {
			price = answer
		}
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidPrice, ts.cfg.Symbol)
	}
	return fixed.MulDiv(price, fixed.PricePrecision, fixed.Pow10(ts.cfg.PriceDecimals)), nil
}

// venuePriceV2 adopts the venue price when it diverges less than
// spreadThresholdBps from the primary (or keeps the primary when
// favorPrimary); beyond the threshold it moves only in the conservative
// direction.
func (a *Aggregator) venuePriceV2(ctx context.Context, symbol string, maximize bool, primary decimal.Decimal) decimal.Decimal {
	vp := a.venuePrice(ctx, symbol)
	if !vp.IsPositive() {
		return primary
	}
	diff := vp.Sub(primary).Abs()
	if diff.Mul(fixed.BasisPointsDivisor).LessThan(primary.Mul(a.spreadThresholdBps)) {
		if a.favorPrimary {
			return primary
		}
		return vp
	}
	if maximize && vp.GreaterThan(primary) {
		return vp
	}
	if !maximize && vp.LessThan(primary) {
		return vp
	}
	return primary
}

// venuePrice reads the venue source. Failures mean no quote: the venue is
// advisory and never blocks pricing.
func (a *Aggregator) venuePrice(ctx context.Context, symbol string) decimal.Decimal {
	price, err := a.venue.Price(ctx, symbol)
	if err != nil {
		return decimal.Zero
	}
	return price
}

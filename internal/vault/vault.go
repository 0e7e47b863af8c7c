// Package vault is the core accounting engine: per-token liquidity pools,
// USDP debt bookkeeping, leveraged positions, funding, fees, and
// liquidations. Every mutating entry point is serialized by one mutex and
// follows a validate-then-commit flow: state is mutated on clones and only
// swapped in once the whole operation has passed, so a failed operation
// never leaves partial state behind.
// All monetary values use shopspring/decimal — never float64 for money.
package vault

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpx/vault-engine/internal/access"
	"github.com/perpx/vault-engine/internal/bank"
	"github.com/perpx/vault-engine/internal/fixed"
	"github.com/perpx/vault-engine/internal/journal"
	"github.com/perpx/vault-engine/internal/model"
)

const (
	// Account is the vault's custody account in the bank ledger.
	Account = "vault"
	// UsdpSymbol is the debt token minted against deposited liquidity.
	UsdpSymbol = "USDP"
)

// Caps on governance-settable parameters.
var (
	MaxFeeBasisPoints     = decimal.NewFromInt(500)
	MaxLiquidationFeeUsd  = decimal.New(100, 30)
	MaxFundingRateFactor  = decimal.NewFromInt(10000)
	MinFundingRateInterval = time.Hour
)

// PriceSource resolves token prices at 1e30 scale. The oracle aggregator
// implements it; tests inject fakes.
type PriceSource interface {
	Price(ctx context.Context, symbol string, maximize, includeVenue bool) (decimal.Decimal, error)
}

// Config carries the vault's economic parameters.
type Config struct {
	LiquidationFeeUsd        decimal.Decimal // USD 1e30
	MaxLeverage              decimal.Decimal // leverage x BasisPointsDivisor
	FundingInterval          time.Duration
	FundingRateFactor        decimal.Decimal
	StableFundingRateFactor  decimal.Decimal
	TaxBasisPoints           decimal.Decimal
	StableTaxBasisPoints     decimal.Decimal
	MintBurnFeeBasisPoints   decimal.Decimal
	SwapFeeBasisPoints       decimal.Decimal
	StableSwapFeeBasisPoints decimal.Decimal
	MarginFeeBasisPoints     decimal.Decimal
	MinProfitTime            time.Duration
	HasDynamicFees           bool
}

// DefaultConfig returns the stock parameters.
func DefaultConfig() Config {
	return Config{
		LiquidationFeeUsd:        decimal.New(5, 30),
		MaxLeverage:              decimal.NewFromInt(50 * 10000),
		FundingInterval:          8 * time.Hour,
		FundingRateFactor:        decimal.NewFromInt(100),
		StableFundingRateFactor:  decimal.NewFromInt(100),
		TaxBasisPoints:           decimal.NewFromInt(50),
		StableTaxBasisPoints:     decimal.NewFromInt(20),
		MintBurnFeeBasisPoints:   decimal.NewFromInt(30),
		SwapFeeBasisPoints:       decimal.NewFromInt(30),
		StableSwapFeeBasisPoints: decimal.NewFromInt(4),
		MarginFeeBasisPoints:     decimal.NewFromInt(10),
	}
}

// FeeConfig is the governance-settable fee subset of Config.
type FeeConfig struct {
	TaxBasisPoints           decimal.Decimal
	StableTaxBasisPoints     decimal.Decimal
	MintBurnFeeBasisPoints   decimal.Decimal
	SwapFeeBasisPoints       decimal.Decimal
	StableSwapFeeBasisPoints decimal.Decimal
	MarginFeeBasisPoints     decimal.Decimal
	LiquidationFeeUsd        decimal.Decimal
	MinProfitTime            time.Duration
	HasDynamicFees           bool
}

// Vault owns all pool and position state.
type Vault struct {
	mu sync.RWMutex

	cfg     Config
	utils   Utils
	bank    *bank.Ledger
	prices  PriceSource
	access  *access.Controller
	journal *journal.Journal
	now     func() time.Time

	swapEnabled            bool
	leverageEnabled        bool
	privateLiquidationMode bool
	includeVenuePrice      bool

	tokens            map[string]*model.Token
	tokenOrder        []string
	totalTokenWeights decimal.Decimal
	states            map[string]*model.TokenPoolState
	positions         map[string]*model.Position
	usdpSupply        decimal.Decimal
}

// New creates a vault. A nil journal discards events.
func New(cfg Config, ledger *bank.Ledger, prices PriceSource, ctrl *access.Controller, jnl *journal.Journal) *Vault {
	if jnl == nil {
		jnl = journal.Nop()
	}
	return &Vault{
		cfg:               cfg,
		utils:             DefaultUtils{},
		bank:              ledger,
		prices:            prices,
		access:            ctrl,
		journal:           jnl,
		now:               time.Now,
		swapEnabled:       true,
		leverageEnabled:   true,
		includeVenuePrice: true,
		tokens:            make(map[string]*model.Token),
		states:            make(map[string]*model.TokenPoolState),
		positions:         make(map[string]*model.Position),
	}
}

func (v *Vault) emit(ctx context.Context, events []*model.Event) {
	for _, ev := range events {
		v.journal.Record(ctx, ev)
	}
}

// ---- governance ----

// SetUtils swaps the fee and liquidation strategy.
func (v *Vault) SetUtils(caller string, utils Utils) error {
	if err := v.access.RequireGov(caller); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.utils = utils
	return nil
}

// SetSwapEnabled toggles token-for-token swaps.
func (v *Vault) SetSwapEnabled(caller string, enabled bool) error {
	if err := v.access.RequireGov(caller); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.swapEnabled = enabled
	return nil
}

// SetLeverageEnabled toggles direct position increases.
func (v *Vault) SetLeverageEnabled(caller string, enabled bool) error {
	if err := v.access.RequireGov(caller); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leverageEnabled = enabled
	return nil
}

// SetPrivateLiquidationMode restricts liquidations to the liquidator role.
func (v *Vault) SetPrivateLiquidationMode(caller string, private bool) error {
	if err := v.access.RequireGov(caller); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.privateLiquidationMode = private
	return nil
}

// SetFees replaces the fee parameters, bounded by the protocol caps.
func (v *Vault) SetFees(caller string, fees FeeConfig) error {
	if err := v.access.RequireGov(caller); err != nil {
		return err
	}
	for _, bps := range []decimal.Decimal{
		fees.TaxBasisPoints, fees.StableTaxBasisPoints, fees.MintBurnFeeBasisPoints,
		fees.SwapFeeBasisPoints, fees.StableSwapFeeBasisPoints, fees.MarginFeeBasisPoints,
	} {
		if bps.IsNegative() || bps.GreaterThan(MaxFeeBasisPoints) {
			return fmt.Errorf("%w: fee %s bps out of range", ErrInvalidAmount, bps)
		}
	}
	if fees.LiquidationFeeUsd.IsNegative() || fees.LiquidationFeeUsd.GreaterThan(MaxLiquidationFeeUsd) {
		return fmt.Errorf("%w: liquidation fee out of range", ErrInvalidAmount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cfg.TaxBasisPoints = fees.TaxBasisPoints
	v.cfg.StableTaxBasisPoints = fees.StableTaxBasisPoints
	v.cfg.MintBurnFeeBasisPoints = fees.MintBurnFeeBasisPoints
	v.cfg.SwapFeeBasisPoints = fees.SwapFeeBasisPoints
	v.cfg.StableSwapFeeBasisPoints = fees.StableSwapFeeBasisPoints
	v.cfg.MarginFeeBasisPoints = fees.MarginFeeBasisPoints
	v.cfg.LiquidationFeeUsd = fees.LiquidationFeeUsd
	v.cfg.MinProfitTime = fees.MinProfitTime
	v.cfg.HasDynamicFees = fees.HasDynamicFees
	return nil
}

// SetFundingRate replaces the funding parameters.
func (v *Vault) SetFundingRate(caller string, interval time.Duration, factor, stableFactor decimal.Decimal) error {
	if err := v.access.RequireGov(caller); err != nil {
		return err
	}
	if interval < MinFundingRateInterval {
		return fmt.Errorf("%w: funding interval below %s", ErrInvalidAmount, MinFundingRateInterval)
	}
	if factor.GreaterThan(MaxFundingRateFactor) || stableFactor.GreaterThan(MaxFundingRateFactor) {
		return fmt.Errorf("%w: funding rate factor above %s", ErrInvalidAmount, MaxFundingRateFactor)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cfg.FundingInterval = interval
	v.cfg.FundingRateFactor = factor
	v.cfg.StableFundingRateFactor = stableFactor
	return nil
}

// SetMaxLeverage replaces the leverage limit (leverage x BasisPointsDivisor).
func (v *Vault) SetMaxLeverage(caller string, maxLeverage decimal.Decimal) error {
	if err := v.access.RequireGov(caller); err != nil {
		return err
	}
	if maxLeverage.LessThanOrEqual(fixed.BasisPointsDivisor) {
		return fmt.Errorf("%w: max leverage must exceed 1x", ErrInvalidAmount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cfg.MaxLeverage = maxLeverage
	return nil
}

// SetTokenConfig whitelists a token or updates its configuration.
func (v *Vault) SetTokenConfig(caller string, token model.Token) error {
	if err := v.access.RequireGov(caller); err != nil {
		return err
	}
	if token.Symbol == "" || token.Decimals <= 0 {
		return fmt.Errorf("%w: token needs a symbol and decimals", ErrInvalidAmount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if prev, ok := v.tokens[token.Symbol]; ok {
		v.totalTokenWeights = v.totalTokenWeights.Sub(prev.Weight)
	} else {
		v.tokenOrder = append(v.tokenOrder, token.Symbol)
	}
	v.totalTokenWeights = v.totalTokenWeights.Add(token.Weight)
	copy := token
	v.tokens[token.Symbol] = &copy
	if _, ok := v.states[token.Symbol]; !ok {
		v.states[token.Symbol] = &model.TokenPoolState{Symbol: token.Symbol}
	}
	return nil
}

// ClearTokenConfig removes a token from the whitelist. Pool state is kept:
// funds already in the pool remain accounted for.
func (v *Vault) ClearTokenConfig(caller, symbol string) error {
	if err := v.access.RequireGov(caller); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	token, ok := v.tokens[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotWhitelisted, symbol)
	}
	v.totalTokenWeights = v.totalTokenWeights.Sub(token.Weight)
	delete(v.tokens, symbol)
	for i, s := range v.tokenOrder {
		if s == symbol {
			v.tokenOrder = append(v.tokenOrder[:i], v.tokenOrder[i+1:]...)
			break
		}
	}
	return nil
}

// SetBufferAmount sets the pool floor swaps must not drain below.
func (v *Vault) SetBufferAmount(caller, symbol string, amount decimal.Decimal) error {
	if err := v.access.RequireGov(caller); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	ts, ok := v.states[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotWhitelisted, symbol)
	}
	ts.BufferAmount = amount
	return nil
}

// SetMaxGlobalShortSize caps the aggregate short exposure of an index token.
func (v *Vault) SetMaxGlobalShortSize(caller, symbol string, amount decimal.Decimal) error {
	if err := v.access.RequireGov(caller); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	ts, ok := v.states[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotWhitelisted, symbol)
	}
	ts.MaxGlobalShortSize = amount
	return nil
}

// SetUsdpAmount overrides a token's attributed USDP debt. Governance repair
// tool for drifted accounting.
func (v *Vault) SetUsdpAmount(caller, symbol string, amount decimal.Decimal) error {
	if err := v.access.RequireGov(caller); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	ts, ok := v.states[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotWhitelisted, symbol)
	}
	if amount.GreaterThan(ts.UsdpAmount) {
		return v.increaseUsdpAmount(ts, amount.Sub(ts.UsdpAmount))
	}
	v.decreaseUsdpAmount(ts, ts.UsdpAmount.Sub(amount))
	return nil
}

// ---- funding ----

// UpdateFunding accrues the cumulative funding rate for one token. The
// keeper calls it on an interval; every trading operation also folds it in.
func (v *Vault) UpdateFunding(ctx context.Context, symbol string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	ts, ok := v.states[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotWhitelisted, symbol)
	}
	clone := *ts
	var events []*model.Event
	if v.updateFunding(&clone, &events) {
		*ts = clone
		v.emit(ctx, events)
	}
	return nil
}

// updateFunding advances funding on a cloned token state. It reports
// whether anything changed so no-op calls skip the commit.
func (v *Vault) updateFunding(ts *model.TokenPoolState, events *[]*model.Event) bool {
	now := v.now()
	if ts.LastFundingTime.IsZero() {
		ts.LastFundingTime = floorTime(now, v.cfg.FundingInterval)
		return true
	}
	if ts.LastFundingTime.Add(v.cfg.FundingInterval).After(now) {
		return false
	}
	rate := v.nextFundingRate(ts)
	ts.CumulativeFundingRate = ts.CumulativeFundingRate.Add(rate)
	ts.LastFundingTime = floorTime(now, v.cfg.FundingInterval)
	*events = append(*events, &model.Event{
		Type:  model.EventUpdateFundingRate,
		Token: ts.Symbol,
		Data: map[string]string{
			"rate":                    rate.String(),
			"cumulative_funding_rate": ts.CumulativeFundingRate.String(),
		},
	})
	return true
}

// nextFundingRate is factor x reserved x elapsed intervals / pool, at
// FundingRatePrecision.
func (v *Vault) nextFundingRate(ts *model.TokenPoolState) decimal.Decimal {
	now := v.now()
	if ts.LastFundingTime.Add(v.cfg.FundingInterval).After(now) {
		return decimal.Zero
	}
	if ts.PoolAmount.IsZero() {
		return decimal.Zero
	}
	intervals := decimal.NewFromInt(int64(now.Sub(ts.LastFundingTime) / v.cfg.FundingInterval))
	factor := v.cfg.FundingRateFactor
	if tok, ok := v.tokens[ts.Symbol]; ok && tok.IsStable {
		factor = v.cfg.StableFundingRateFactor
	}
	return fixed.Div(factor.Mul(ts.ReservedAmount).Mul(intervals), ts.PoolAmount)
}

// NextFundingRate reports the rate the next funding update would accrue.
func (v *Vault) NextFundingRate(symbol string) (decimal.Decimal, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ts, ok := v.states[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrTokenNotWhitelisted, symbol)
	}
	return v.nextFundingRate(ts), nil
}

// floorTime truncates t down to a whole multiple of interval in unix time.
func floorTime(t time.Time, interval time.Duration) time.Time {
	secs := int64(interval / time.Second)
	if secs <= 0 {
		return t
	}
	return time.Unix(t.Unix()/secs*secs, 0).UTC()
}

// ---- prices and conversions (lock held by callers of the lowercase forms) ----

func (v *Vault) maxPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return v.prices.Price(ctx, symbol, true, v.includeVenuePrice)
}

func (v *Vault) minPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return v.prices.Price(ctx, symbol, false, v.includeVenuePrice)
}

// MaxPrice returns the token's maximized price at 1e30 scale.
func (v *Vault) MaxPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.maxPrice(ctx, symbol)
}

// MinPrice returns the token's minimized price at 1e30 scale.
func (v *Vault) MinPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.minPrice(ctx, symbol)
}

func (v *Vault) tokenToUsdMin(ctx context.Context, symbol string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsZero() {
		return decimal.Zero, nil
	}
	price, err := v.minPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	token, ok := v.tokens[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownToken, symbol)
	}
	return fixed.MulDiv(amount, price, fixed.Pow10(token.Decimals)), nil
}

func (v *Vault) usdToToken(symbol string, usd, price decimal.Decimal) (decimal.Decimal, error) {
	if usd.IsZero() {
		return decimal.Zero, nil
	}
	token, ok := v.tokens[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownToken, symbol)
	}
	return fixed.MulDiv(usd, fixed.Pow10(token.Decimals), price), nil
}

// usdToTokenMax converts USD to the larger token amount, dividing by the
// min price.
func (v *Vault) usdToTokenMax(ctx context.Context, symbol string, usd decimal.Decimal) (decimal.Decimal, error) {
	price, err := v.minPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return v.usdToToken(symbol, usd, price)
}

// usdToTokenMin converts USD to the smaller token amount, dividing by the
// max price.
func (v *Vault) usdToTokenMin(ctx context.Context, symbol string, usd decimal.Decimal) (decimal.Decimal, error) {
	price, err := v.maxPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return v.usdToToken(symbol, usd, price)
}

// TokenToUsdMin values a token amount in USD at the min price.
func (v *Vault) TokenToUsdMin(ctx context.Context, symbol string, amount decimal.Decimal) (decimal.Decimal, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.tokenToUsdMin(ctx, symbol, amount)
}

// UsdToTokenMin converts USD to tokens at the max price.
func (v *Vault) UsdToTokenMin(ctx context.Context, symbol string, usd decimal.Decimal) (decimal.Decimal, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.usdToTokenMin(ctx, symbol, usd)
}

// UsdToTokenMax converts USD to tokens at the min price.
func (v *Vault) UsdToTokenMax(ctx context.Context, symbol string, usd decimal.Decimal) (decimal.Decimal, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.usdToTokenMax(ctx, symbol, usd)
}

// adjustForDecimals rescales an amount between token decimal bases.
func adjustForDecimals(amount decimal.Decimal, fromDecimals, toDecimals int32) decimal.Decimal {
	return fixed.MulDiv(amount, fixed.Pow10(toDecimals), fixed.Pow10(fromDecimals))
}

// RedemptionAmount reports the tokens a USDP amount currently redeems for,
// before fees.
func (v *Vault) RedemptionAmount(ctx context.Context, symbol string, usdpAmount decimal.Decimal) (decimal.Decimal, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	token, ok := v.tokens[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrTokenNotWhitelisted, symbol)
	}
	price, err := v.maxPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	redemption := fixed.MulDiv(usdpAmount, fixed.PricePrecision, price)
	return adjustForDecimals(redemption, fixed.UsdpDecimals, token.Decimals), nil
}

// ---- state getters ----

// Token returns a whitelisted token's configuration.
func (v *Vault) Token(symbol string) (model.Token, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	token, ok := v.tokens[symbol]
	if !ok {
		return model.Token{}, false
	}
	return *token, true
}

// Tokens returns the whitelist in registration order.
func (v *Vault) Tokens() []model.Token {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]model.Token, 0, len(v.tokenOrder))
	for _, symbol := range v.tokenOrder {
		out = append(out, *v.tokens[symbol])
	}
	return out
}

// IsWhitelisted reports whether a token is tradable.
func (v *Vault) IsWhitelisted(symbol string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.tokens[symbol]
	return ok
}

// TokenState returns a copy of a token's pool accounting state.
func (v *Vault) TokenState(symbol string) (model.TokenPoolState, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ts, ok := v.states[symbol]
	if !ok {
		return model.TokenPoolState{}, false
	}
	return *ts, true
}

// UsdpSupply returns the total USDP minted by the vault.
func (v *Vault) UsdpSupply() decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.usdpSupply
}

// targetUsdpAmount is the token's weight-proportional share of USDP supply.
func (v *Vault) targetUsdpAmount(symbol string) decimal.Decimal {
	return v.targetUsdpWith(symbol, v.usdpSupply)
}

func (v *Vault) targetUsdpWith(symbol string, supply decimal.Decimal) decimal.Decimal {
	if supply.IsZero() || v.totalTokenWeights.IsZero() {
		return decimal.Zero
	}
	token, ok := v.tokens[symbol]
	if !ok {
		return decimal.Zero
	}
	return fixed.MulDiv(token.Weight, supply, v.totalTokenWeights)
}

// TargetUsdpAmount reports the token's target USDP debt.
func (v *Vault) TargetUsdpAmount(symbol string) decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.targetUsdpAmount(symbol)
}

// Utilisation is reserved/pool at FundingRatePrecision.
func (v *Vault) Utilisation(symbol string) (decimal.Decimal, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ts, ok := v.states[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrTokenNotWhitelisted, symbol)
	}
	if ts.PoolAmount.IsZero() {
		return decimal.Zero, nil
	}
	return fixed.MulDiv(ts.ReservedAmount, fixed.FundingRatePrecision, ts.PoolAmount), nil
}

// GetPosition returns a copy of a position and whether it exists.
func (v *Vault) GetPosition(account, collateralToken, indexToken string, side model.Side) (model.Position, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	pos, ok := v.positions[model.PositionKey(account, collateralToken, indexToken, side)]
	if !ok {
		return model.Position{}, false
	}
	return *pos, true
}

// Positions returns copies of all positions owned by an account.
func (v *Vault) Positions(account string) []model.Position {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]model.Position, 0)
	for _, pos := range v.positions {
		if pos.Account == account {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// PositionLeverage returns size x BasisPointsDivisor / collateral.
func (v *Vault) PositionLeverage(account, collateralToken, indexToken string, side model.Side) (decimal.Decimal, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	pos, ok := v.positions[model.PositionKey(account, collateralToken, indexToken, side)]
	if !ok || !pos.Collateral.IsPositive() {
		return decimal.Zero, ErrEmptyPosition
	}
	return fixed.MulDiv(pos.Size, fixed.BasisPointsDivisor, pos.Collateral), nil
}

// GetDelta reports a position's unrealized PnL: whether it is a profit and
// its magnitude in USD. Profits below the token's min-profit threshold are
// zeroed until MinProfitTime has passed since the last increase.
func (v *Vault) GetDelta(ctx context.Context, indexToken string, size, averagePrice decimal.Decimal, side model.Side, lastIncreasedTime time.Time) (bool, decimal.Decimal, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.getDelta(ctx, indexToken, size, averagePrice, side, lastIncreasedTime)
}

func (v *Vault) getDelta(ctx context.Context, indexToken string, size, averagePrice decimal.Decimal, side model.Side, lastIncreasedTime time.Time) (bool, decimal.Decimal, error) {
	if !averagePrice.IsPositive() {
		return false, decimal.Zero, fmt.Errorf("%w: average price must be positive", ErrInvalidPosition)
	}
	var (
		price decimal.Decimal
		err   error
	)
	if side.IsLong() {
		price, err = v.minPrice(ctx, indexToken)
	} else {
		price, err = v.maxPrice(ctx, indexToken)
	}
	if err != nil {
		return false, decimal.Zero, err
	}
	priceDelta := averagePrice.Sub(price).Abs()
	delta := fixed.MulDiv(size, priceDelta, averagePrice)

	var hasProfit bool
	if side.IsLong() {
		hasProfit = price.GreaterThan(averagePrice)
	} else {
		hasProfit = averagePrice.GreaterThan(price)
	}

	minBps := decimal.Zero
	if !v.now().After(lastIncreasedTime.Add(v.cfg.MinProfitTime)) {
		if token, ok := v.tokens[indexToken]; ok {
			minBps = token.MinProfitBps
		}
	}
	if hasProfit && delta.Mul(fixed.BasisPointsDivisor).LessThanOrEqual(size.Mul(minBps)) {
		delta = decimal.Zero
	}
	return hasProfit, delta, nil
}

// GetPositionDelta reports the unrealized PnL of a stored position.
func (v *Vault) GetPositionDelta(ctx context.Context, account, collateralToken, indexToken string, side model.Side) (bool, decimal.Decimal, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	pos, ok := v.positions[model.PositionKey(account, collateralToken, indexToken, side)]
	if !ok {
		return false, decimal.Zero, ErrEmptyPosition
	}
	return v.getDelta(ctx, indexToken, pos.Size, pos.AveragePrice, side, pos.LastIncreasedTime)
}

// ---- snapshot ----

// Snapshot captures pool states, positions, and USDP supply.
func (v *Vault) Snapshot() *model.VaultSnapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	snap := &model.VaultSnapshot{
		UsdpSupply: v.usdpSupply,
		Tokens:     make([]model.TokenPoolState, 0, len(v.states)),
		Positions:  make(map[string]*model.Position, len(v.positions)),
	}
	symbols := make([]string, 0, len(v.states))
	for symbol := range v.states {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		snap.Tokens = append(snap.Tokens, *v.states[symbol])
	}
	for key, pos := range v.positions {
		clone := *pos
		snap.Positions[key] = &clone
	}
	return snap
}

// Restore replaces pool states, positions, and USDP supply from a snapshot.
// Token whitelist configuration is not part of snapshots; it comes from
// configuration at boot.
func (v *Vault) Restore(snap *model.VaultSnapshot) {
	if snap == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.usdpSupply = snap.UsdpSupply
	for _, ts := range snap.Tokens {
		clone := ts
		v.states[ts.Symbol] = &clone
	}
	v.positions = make(map[string]*model.Position, len(snap.Positions))
	for key, pos := range snap.Positions {
		clone := *pos
		v.positions[key] = &clone
	}
}

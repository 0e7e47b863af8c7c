package vault

import (
	"github.com/shopspring/decimal"

	"github.com/perpx/vault-engine/internal/fixed"
	"github.com/perpx/vault-engine/internal/model"
)

// Liquidation states returned by Utils.ValidateLiquidation.
const (
	LiquidationStateHealthy      = 0
	LiquidationStateInsolvent    = 1
	LiquidationStateOverLeverage = 2
)

// FeeCheck carries the inputs of the dynamic fee curve for one token side.
type FeeCheck struct {
	UsdpAmount       decimal.Decimal // current USDP debt attributed to the token
	TargetUsdpAmount decimal.Decimal // weight-proportional share of total supply
	UsdpDelta        decimal.Decimal
	Increment        bool // true when the action adds to the token's debt
	FeeBps           decimal.Decimal
	TaxBps           decimal.Decimal
	Dynamic          bool
}

// LiquidationCheck carries a position's solvency inputs.
type LiquidationCheck struct {
	Size              decimal.Decimal
	Collateral        decimal.Decimal
	HasProfit         bool
	Delta             decimal.Decimal
	MarginFees        decimal.Decimal
	LiquidationFeeUsd decimal.Decimal
	MaxLeverage       decimal.Decimal // leverage x BasisPointsDivisor
}

// Utils is the swappable fee and liquidation strategy. Implementations are
// pure: all state arrives through arguments, so a replacement strategy can
// be exercised in isolation. The account parameter allows strategies that
// discount fees per account; the default ignores it.
type Utils interface {
	EntryFundingRate(cumulativeFundingRate decimal.Decimal) decimal.Decimal
	PositionFee(account string, sizeDelta, marginFeeBps decimal.Decimal) decimal.Decimal
	FundingFee(account string, size, entryFundingRate, cumulativeFundingRate decimal.Decimal) decimal.Decimal
	FeeBasisPoints(check FeeCheck) decimal.Decimal
	SwapFeeBasisPoints(in, out FeeCheck) decimal.Decimal
	ValidateLiquidation(check LiquidationCheck) (state int, fees decimal.Decimal, cause error)
	ValidateIncreasePosition(account, collateralToken, indexToken string, sizeDelta decimal.Decimal, side model.Side) error
	ValidateDecreasePosition(account, collateralToken, indexToken string, collateralDelta, sizeDelta decimal.Decimal, side model.Side) error
}

// DefaultUtils is the stock strategy.
type DefaultUtils struct{}

var _ Utils = DefaultUtils{}

// EntryFundingRate snapshots the cumulative rate as the position's entry.
func (DefaultUtils) EntryFundingRate(cumulativeFundingRate decimal.Decimal) decimal.Decimal {
	return cumulativeFundingRate
}

// PositionFee charges marginFeeBps on the size delta.
func (DefaultUtils) PositionFee(_ string, sizeDelta, marginFeeBps decimal.Decimal) decimal.Decimal {
	if sizeDelta.IsZero() {
		return decimal.Zero
	}
	afterFee := fixed.AfterFee(sizeDelta, marginFeeBps)
	return sizeDelta.Sub(afterFee)
}

// FundingFee charges the funding accrued since the position's entry rate.
func (DefaultUtils) FundingFee(_ string, size, entryFundingRate, cumulativeFundingRate decimal.Decimal) decimal.Decimal {
	if size.IsZero() {
		return decimal.Zero
	}
	rate := cumulativeFundingRate.Sub(entryFundingRate)
	if rate.IsZero() {
		return decimal.Zero
	}
	return fixed.MulDiv(size, rate, fixed.FundingRatePrecision)
}

// FeeBasisPoints implements the dynamic fee curve: actions moving the
// token's USDP debt toward its target earn a rebate on the base fee,
// actions moving it away pay a tax, and the result never goes below zero.
func (DefaultUtils) FeeBasisPoints(check FeeCheck) decimal.Decimal {
	if !check.Dynamic {
		return check.FeeBps
	}
	initialAmount := check.UsdpAmount
	nextAmount := initialAmount.Add(check.UsdpDelta)
	if !check.Increment {
		nextAmount = decimal.Zero
		if check.UsdpDelta.LessThanOrEqual(initialAmount) {
			nextAmount = initialAmount.Sub(check.UsdpDelta)
		}
	}
	target := check.TargetUsdpAmount
	if target.IsZero() {
		return check.FeeBps
	}

	initialDiff := initialAmount.Sub(target).Abs()
	nextDiff := nextAmount.Sub(target).Abs()
	if nextDiff.LessThan(initialDiff) {
		rebateBps := fixed.MulDiv(check.TaxBps, initialDiff, target)
		if rebateBps.GreaterThan(check.FeeBps) {
			return decimal.Zero
		}
		return check.FeeBps.Sub(rebateBps)
	}

	averageDiff := fixed.Div(initialDiff.Add(nextDiff), decimal.NewFromInt(2))
	if averageDiff.GreaterThan(target) {
		averageDiff = target
	}
	taxBps := fixed.MulDiv(check.TaxBps, averageDiff, target)
	return check.FeeBps.Add(taxBps)
}

// SwapFeeBasisPoints charges the higher of the two sides' curves: the
// incoming token's debt grows while the outgoing token's shrinks.
func (u DefaultUtils) SwapFeeBasisPoints(in, out FeeCheck) decimal.Decimal {
	feeIn := u.FeeBasisPoints(in)
	feeOut := u.FeeBasisPoints(out)
	return fixed.Max(feeIn, feeOut)
}

// ValidateLiquidation classifies a position: 0 healthy, 1 insolvent
// (losses or fees consume the collateral), 2 above max leverage but still
// solvent. cause is the error a guarding caller should raise; it is nil
// exactly when the state is healthy.
func (DefaultUtils) ValidateLiquidation(check LiquidationCheck) (int, decimal.Decimal, error) {
	if !check.HasProfit && check.Collateral.LessThan(check.Delta) {
		return LiquidationStateInsolvent, check.MarginFees, ErrLossesExceedCollateral
	}
	remainingCollateral := check.Collateral
	if !check.HasProfit {
		remainingCollateral = check.Collateral.Sub(check.Delta)
	}
	if remainingCollateral.LessThan(check.MarginFees) {
		// fees are capped to what is left
		return LiquidationStateInsolvent, remainingCollateral, ErrFeesExceedCollateral
	}
	if remainingCollateral.LessThan(check.MarginFees.Add(check.LiquidationFeeUsd)) {
		return LiquidationStateInsolvent, check.MarginFees, ErrLiquidationFeeExceedsCollateral
	}
	if remainingCollateral.Mul(check.MaxLeverage).LessThan(check.Size.Mul(fixed.BasisPointsDivisor)) {
		return LiquidationStateOverLeverage, check.MarginFees, ErrMaxLeverageExceeded
	}
	return LiquidationStateHealthy, check.MarginFees, nil
}

// ValidateIncreasePosition is a hook for strategies that gate new exposure.
func (DefaultUtils) ValidateIncreasePosition(string, string, string, decimal.Decimal, model.Side) error {
	return nil
}

// ValidateDecreasePosition is a hook for strategies that gate withdrawals.
func (DefaultUtils) ValidateDecreasePosition(string, string, string, decimal.Decimal, decimal.Decimal, model.Side) error {
	return nil
}

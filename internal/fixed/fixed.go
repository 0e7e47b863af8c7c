// Package fixed holds the fixed-point conventions shared across the vault
// engine. USD values are integers scaled by 1e30, token amounts are integers
// scaled by the token's native decimals, and basis points use a 10,000
// divisor. All monetary values use shopspring/decimal — never float64 for
// money.
//
// Every division in the engine truncates toward zero, matching integer
// ledger arithmetic. Div and MulDiv are the only division paths; callers
// must not use decimal.Div, whose result depends on the package-global
// DivisionPrecision.
package fixed

import "github.com/shopspring/decimal"

var (
	// PricePrecision is the scale of all USD values: 1 USD == 1e30.
	PricePrecision = decimal.New(1, 30)

	// BasisPointsDivisor converts basis points to a fraction: 10000 bps == 100%.
	BasisPointsDivisor = decimal.NewFromInt(10000)

	// FundingRatePrecision is the scale of cumulative funding rates.
	FundingRatePrecision = decimal.NewFromInt(1000000)

	// OneUSD is 1.0 USD at the 1e30 scale.
	OneUSD = PricePrecision
)

// UsdpDecimals is the decimal scale of the synthetic USDP liquidity unit.
const UsdpDecimals = 18

// Pow10 returns 10^n as a decimal. n must be non-negative.
func Pow10(n int32) decimal.Decimal {
	return decimal.New(1, n)
}

// Div returns a/b truncated toward zero.
func Div(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, 0)
	return q
}

// MulDiv returns a*b/den with the division truncated toward zero.
// The multiplication is exact, so no precision is lost before truncation.
func MulDiv(a, b, den decimal.Decimal) decimal.Decimal {
	q, _ := a.Mul(b).QuoRem(den, 0)
	return q
}

// ApplyBps scales amount by (BasisPointsDivisor + bps) / BasisPointsDivisor.
// Pass a negative bps to scale down.
func ApplyBps(amount, bps decimal.Decimal) decimal.Decimal {
	return MulDiv(amount, BasisPointsDivisor.Add(bps), BasisPointsDivisor)
}

// AfterFee returns amount with feeBps deducted, truncated like the ledger:
// amount * (divisor - feeBps) / divisor.
func AfterFee(amount, feeBps decimal.Decimal) decimal.Decimal {
	return MulDiv(amount, BasisPointsDivisor.Sub(feeBps), BasisPointsDivisor)
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

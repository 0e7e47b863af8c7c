package vault

import "errors"

// Input and configuration errors.
var (
	ErrSwapsDisabled       = errors.New("vault: swaps not enabled")
	ErrLeverageDisabled    = errors.New("vault: leverage not enabled")
	ErrTokenNotWhitelisted = errors.New("vault: token not whitelisted")
	ErrInvalidAmount       = errors.New("vault: amount must be positive")
	ErrInvalidTokens       = errors.New("vault: invalid token pair")
	ErrUnknownToken        = errors.New("vault: unknown token")
	ErrInsufficientOutput  = errors.New("vault: insufficient output amount")
)

// Position errors.
var (
	ErrEmptyPosition             = errors.New("vault: empty position")
	ErrInvalidPosition           = errors.New("vault: invalid position")
	ErrSizeDeltaTooLarge         = errors.New("vault: size delta exceeds position size")
	ErrCollateralDeltaTooLarge   = errors.New("vault: collateral delta exceeds collateral")
	ErrInsufficientCollateral    = errors.New("vault: insufficient collateral for fees")
	ErrLossesExceedCollateral    = errors.New("vault: losses exceed collateral")
	ErrFeesExceedCollateral      = errors.New("vault: fees exceed collateral")
	ErrLiquidationFeeExceedsCollateral = errors.New("vault: liquidation fee exceeds collateral")
	ErrMaxLeverageExceeded       = errors.New("vault: max leverage exceeded")
	ErrNotLiquidatable           = errors.New("vault: position cannot be liquidated")
)

// Pool accounting errors. Each accounting helper re-checks its own
// invariant and the whole operation fails without partial state.
var (
	ErrPoolExceeded          = errors.New("vault: pool amount exceeded")
	ErrInsufficientReserve   = errors.New("vault: insufficient reserve")
	ErrReserveExceedsPool    = errors.New("vault: reserve exceeds pool")
	ErrPoolExceedsBalance    = errors.New("vault: pool exceeds token balance")
	ErrBufferBreached        = errors.New("vault: pool below buffer")
	ErrMaxUsdpExceeded       = errors.New("vault: max usdp amount exceeded")
	ErrMaxShortsExceeded     = errors.New("vault: max global short size exceeded")
	ErrGuaranteedUsdExceeded = errors.New("vault: guaranteed usd exceeded")
)

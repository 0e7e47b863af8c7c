package vault

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/perpx/vault-engine/internal/model"
)

// The helpers below mutate cloned token states during an operation's
// compute phase. Each one re-checks its own invariant so a violation fails
// the whole operation before anything is committed.

// increasePool grows the pool and re-checks it against the vault's actual
// bank balance, catching any mismatch between accounting and custody.
func (v *Vault) increasePool(ts *model.TokenPoolState, amount decimal.Decimal) error {
	ts.PoolAmount = ts.PoolAmount.Add(amount)
	balance := v.bank.BalanceOf(Account, ts.Symbol)
	if ts.PoolAmount.GreaterThan(balance) {
		return fmt.Errorf("%w: %s pool %s, balance %s", ErrPoolExceedsBalance, ts.Symbol, ts.PoolAmount, balance)
	}
	return nil
}

func (v *Vault) decreasePool(ts *model.TokenPoolState, amount decimal.Decimal) error {
	if ts.PoolAmount.LessThan(amount) {
		return fmt.Errorf("%w: %s pool %s, need %s", ErrPoolExceeded, ts.Symbol, ts.PoolAmount, amount)
	}
	ts.PoolAmount = ts.PoolAmount.Sub(amount)
	if ts.ReservedAmount.GreaterThan(ts.PoolAmount) {
		return fmt.Errorf("%w: %s reserved %s, pool %s", ErrReserveExceedsPool, ts.Symbol, ts.ReservedAmount, ts.PoolAmount)
	}
	return nil
}

func (v *Vault) increaseReserved(ts *model.TokenPoolState, amount decimal.Decimal) error {
	ts.ReservedAmount = ts.ReservedAmount.Add(amount)
	if ts.ReservedAmount.GreaterThan(ts.PoolAmount) {
		return fmt.Errorf("%w: %s reserved %s, pool %s", ErrReserveExceedsPool, ts.Symbol, ts.ReservedAmount, ts.PoolAmount)
	}
	return nil
}

func (v *Vault) decreaseReserved(ts *model.TokenPoolState, amount decimal.Decimal) error {
	if ts.ReservedAmount.LessThan(amount) {
		return fmt.Errorf("%w: %s reserved %s, need %s", ErrInsufficientReserve, ts.Symbol, ts.ReservedAmount, amount)
	}
	ts.ReservedAmount = ts.ReservedAmount.Sub(amount)
	return nil
}

func (v *Vault) increaseUsdpAmount(ts *model.TokenPoolState, amount decimal.Decimal) error {
	ts.UsdpAmount = ts.UsdpAmount.Add(amount)
	if token, ok := v.tokens[ts.Symbol]; ok && token.MaxUsdpAmount.IsPositive() {
		if ts.UsdpAmount.GreaterThan(token.MaxUsdpAmount) {
			return fmt.Errorf("%w: %s debt %s, cap %s", ErrMaxUsdpExceeded, ts.Symbol, ts.UsdpAmount, token.MaxUsdpAmount)
		}
	}
	return nil
}

// decreaseUsdpAmount floors at zero: USDP can be minted against one token
// and redeemed against another, so a single token's attributed debt can be
// asked to go below zero. The deficit is deliberately dropped.
func (v *Vault) decreaseUsdpAmount(ts *model.TokenPoolState, amount decimal.Decimal) {
	if ts.UsdpAmount.LessThanOrEqual(amount) {
		ts.UsdpAmount = decimal.Zero
		return
	}
	ts.UsdpAmount = ts.UsdpAmount.Sub(amount)
}

func increaseGuaranteed(ts *model.TokenPoolState, usd decimal.Decimal) {
	ts.GuaranteedUsd = ts.GuaranteedUsd.Add(usd)
}

func decreaseGuaranteed(ts *model.TokenPoolState, usd decimal.Decimal) error {
	if ts.GuaranteedUsd.LessThan(usd) {
		return fmt.Errorf("%w: %s guaranteed %s, need %s", ErrGuaranteedUsdExceeded, ts.Symbol, ts.GuaranteedUsd, usd)
	}
	ts.GuaranteedUsd = ts.GuaranteedUsd.Sub(usd)
	return nil
}

func increaseGlobalShortSize(ts *model.TokenPoolState, usd decimal.Decimal) error {
	ts.GlobalShortSize = ts.GlobalShortSize.Add(usd)
	if ts.MaxGlobalShortSize.IsPositive() && ts.GlobalShortSize.GreaterThan(ts.MaxGlobalShortSize) {
		return fmt.Errorf("%w: %s shorts %s, cap %s", ErrMaxShortsExceeded, ts.Symbol, ts.GlobalShortSize, ts.MaxGlobalShortSize)
	}
	return nil
}

// decreaseGlobalShortSize floors at zero. The global short average price is
// an aggregate estimate, so the tracked size can undershoot the true sum;
// clamping keeps the bookkeeping usable.
func decreaseGlobalShortSize(ts *model.TokenPoolState, usd decimal.Decimal) {
	if usd.GreaterThan(ts.GlobalShortSize) {
		ts.GlobalShortSize = decimal.Zero
		return
	}
	ts.GlobalShortSize = ts.GlobalShortSize.Sub(usd)
}

func validateBuffer(ts *model.TokenPoolState) error {
	if ts.PoolAmount.LessThan(ts.BufferAmount) {
		return fmt.Errorf("%w: %s pool %s, buffer %s", ErrBufferBreached, ts.Symbol, ts.PoolAmount, ts.BufferAmount)
	}
	return nil
}

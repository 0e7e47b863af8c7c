package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpx/vault-engine/internal/access"
	"github.com/perpx/vault-engine/internal/bank"
	"github.com/perpx/vault-engine/internal/fixed"
	"github.com/perpx/vault-engine/internal/journal"
	"github.com/perpx/vault-engine/internal/model"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// usd converts a human USD amount to the 1e30 scale.
func usd(s string) decimal.Decimal { return d(s).Mul(fixed.PricePrecision) }

// btc converts to 8-decimal satoshi units, usdc to 6-decimal micro units.
func btc(s string) decimal.Decimal  { return d(s).Mul(decimal.New(1, 8)) }
func usdc(s string) decimal.Decimal { return d(s).Mul(decimal.New(1, 6)) }

type fakePrices struct {
	mu     sync.Mutex
	quotes map[string]decimal.Decimal
}

func newFakePrices() *fakePrices {
	return &fakePrices{quotes: make(map[string]decimal.Decimal)}
}

func (f *fakePrices) set(symbol string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[symbol] = price
}

func (f *fakePrices) Price(_ context.Context, symbol string, _, _ bool) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.quotes[symbol]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("fake prices: no quote for %s", symbol)
	}
	return price, nil
}

type captureRecorder struct {
	mu     sync.Mutex
	events []*model.Event
}

func (c *captureRecorder) Record(_ context.Context, ev *model.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureRecorder) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Type)
	}
	return out
}

// newTestVault builds a vault with BTC (8 decimals, shortable) at $40,000
// and USDC (6 decimals, stable) at $1. Both price sides quote the same.
func newTestVault(t *testing.T) (*Vault, *bank.Ledger, *fakePrices) {
	t.Helper()
	ledger := bank.New()
	prices := newFakePrices()
	v := New(DefaultConfig(), ledger, prices, access.NewController("gov"), nil)
	if err := v.SetTokenConfig("gov", model.Token{Symbol: "BTC", Decimals: 8, Weight: d("10000"), IsShortable: true, PriceDecimals: 8}); err != nil {
		t.Fatal(err)
	}
	if err := v.SetTokenConfig("gov", model.Token{Symbol: "USDC", Decimals: 6, Weight: d("10000"), IsStable: true, PriceDecimals: 8}); err != nil {
		t.Fatal(err)
	}
	prices.set("BTC", usd("40000"))
	prices.set("USDC", usd("1"))
	return v, ledger, prices
}

func seedPool(t *testing.T, v *Vault, ledger *bank.Ledger, token string, amount decimal.Decimal) {
	t.Helper()
	if err := ledger.Deposit("lp", token, amount); err != nil {
		t.Fatal(err)
	}
	if err := v.DirectPoolDeposit(context.Background(), "lp", token, amount); err != nil {
		t.Fatal(err)
	}
}

// openLong deposits collateral for bob and opens a BTC long.
func openLong(t *testing.T, v *Vault, ledger *bank.Ledger, collateral, size decimal.Decimal) {
	t.Helper()
	if err := ledger.Deposit("bob", "BTC", collateral); err != nil {
		t.Fatal(err)
	}
	if err := v.IncreasePosition(context.Background(), "bob", "bob", "BTC", "BTC", collateral, size, model.Long); err != nil {
		t.Fatal(err)
	}
}

func TestIncreasePosition_LongBooksPoolAndGuarantees(t *testing.T) {
	v, ledger, _ := newTestVault(t)
	seedPool(t, v, ledger, "BTC", btc("1"))

	// 0.0025 BTC collateral ($100), $1000 size at $40,000.
	openLong(t, v, ledger, btc("0.0025"), usd("1000"))

	pos, ok := v.GetPosition("bob", "BTC", "BTC", model.Long)
	if !ok {
		t.Fatal("position not found")
	}
	if !pos.Size.Equal(usd("1000")) {
		t.Errorf("size = %s, want %s", pos.Size, usd("1000"))
	}
	// $100 collateral minus the $1 position fee (10 bps of $1000).
	if !pos.Collateral.Equal(usd("99")) {
		t.Errorf("collateral = %s, want %s", pos.Collateral, usd("99"))
	}
	if !pos.AveragePrice.Equal(usd("40000")) {
		t.Errorf("average price = %s, want %s", pos.AveragePrice, usd("40000"))
	}
	// $1000 of reserve at $40,000 is 0.025 BTC.
	if !pos.ReserveAmount.Equal(btc("0.025")) {
		t.Errorf("reserve = %s, want %s", pos.ReserveAmount, btc("0.025"))
	}

	ts, _ := v.TokenState("BTC")
	// Pool gains the deposit and loses the fee: 1e8 + 250000 - 2500.
	if !ts.PoolAmount.Equal(d("100247500")) {
		t.Errorf("pool = %s, want 100247500", ts.PoolAmount)
	}
	if !ts.ReservedAmount.Equal(btc("0.025")) {
		t.Errorf("reserved = %s, want %s", ts.ReservedAmount, btc("0.025"))
	}
	if !ts.FeeReserve.Equal(d("2500")) {
		t.Errorf("fee reserve = %s, want 2500", ts.FeeReserve)
	}
	// guaranteed = size - collateral = $901.
	if !ts.GuaranteedUsd.Equal(usd("901")) {
		t.Errorf("guaranteed = %s, want %s", ts.GuaranteedUsd, usd("901"))
	}
	// Custody always equals pool + fee reserve for a long-only book.
	balance := ledger.BalanceOf(Account, "BTC")
	if !balance.Equal(ts.PoolAmount.Add(ts.FeeReserve)) {
		t.Errorf("vault balance %s != pool+fees %s", balance, ts.PoolAmount.Add(ts.FeeReserve))
	}

	lev, err := v.PositionLeverage("bob", "BTC", "BTC", model.Long)
	if err != nil {
		t.Fatal(err)
	}
	// 1000/99 at the 10000 divisor, truncated.
	if !lev.Equal(d("101010")) {
		t.Errorf("leverage = %s, want 101010", lev)
	}
}

func TestDecreasePosition_FullCloseReturnsCollateralMinusFees(t *testing.T) {
	v, ledger, _ := newTestVault(t)
	seedPool(t, v, ledger, "BTC", btc("1"))
	openLong(t, v, ledger, btc("0.0025"), usd("1000"))

	amountOut, err := v.DecreasePosition(context.Background(), "bob", "BTC", "BTC", decimal.Zero, usd("1000"), model.Long, "bob")
	if err != nil {
		t.Fatal(err)
	}
	// $99 collateral minus the $1 close fee at $40,000 = 0.00245 BTC.
	if !amountOut.Equal(d("245000")) {
		t.Errorf("amount out = %s, want 245000", amountOut)
	}
	if !ledger.BalanceOf("bob", "BTC").Equal(d("245000")) {
		t.Errorf("bob balance = %s, want 245000", ledger.BalanceOf("bob", "BTC"))
	}
	if _, ok := v.GetPosition("bob", "BTC", "BTC", model.Long); ok {
		t.Error("position should be deleted after full close")
	}

	ts, _ := v.TokenState("BTC")
	if !ts.PoolAmount.Equal(btc("1")) {
		t.Errorf("pool = %s, want %s", ts.PoolAmount, btc("1"))
	}
	if !ts.ReservedAmount.IsZero() {
		t.Errorf("reserved = %s, want 0", ts.ReservedAmount)
	}
	if !ts.GuaranteedUsd.IsZero() {
		t.Errorf("guaranteed = %s, want 0", ts.GuaranteedUsd)
	}
	// Open fee + close fee, both $1 = 2500 sat each.
	if !ts.FeeReserve.Equal(d("5000")) {
		t.Errorf("fee reserve = %s, want 5000", ts.FeeReserve)
	}
}

func TestDecreasePosition_LongProfit(t *testing.T) {
	v, ledger, prices := newTestVault(t)
	seedPool(t, v, ledger, "BTC", btc("1"))
	openLong(t, v, ledger, btc("0.0025"), usd("1000"))

	prices.set("BTC", usd("45000"))
	amountOut, err := v.DecreasePosition(context.Background(), "bob", "BTC", "BTC", decimal.Zero, usd("1000"), model.Long, "bob")
	if err != nil {
		t.Fatal(err)
	}
	// PnL = 1000 * 5000/40000 = $125; usdOut = 125 + 99 = $224, minus the
	// $1 fee = $223 at $45,000 = 495555 sat after truncation.
	if !amountOut.Equal(d("495555")) {
		t.Errorf("amount out = %s, want 495555", amountOut)
	}

	ts, _ := v.TokenState("BTC")
	// Pool pays out the full usdOut: 100247500 - trunc(224e30/45000e30*1e8).
	if !ts.PoolAmount.Equal(d("99749723")) {
		t.Errorf("pool = %s, want 99749723", ts.PoolAmount)
	}
	balance := ledger.BalanceOf(Account, "BTC")
	if !balance.Equal(ts.PoolAmount.Add(ts.FeeReserve)) {
		t.Errorf("vault balance %s != pool+fees %s", balance, ts.PoolAmount.Add(ts.FeeReserve))
	}
}

func TestDecreasePosition_PartialWithCollateralWithdrawal(t *testing.T) {
	v, ledger, _ := newTestVault(t)
	seedPool(t, v, ledger, "BTC", btc("1"))
	openLong(t, v, ledger, btc("0.0025"), usd("1000"))

	amountOut, err := v.DecreasePosition(context.Background(), "bob", "BTC", "BTC", usd("20"), usd("500"), model.Long, "bob")
	if err != nil {
		t.Fatal(err)
	}
	// usdOut = $20 withdrawn, minus the $0.50 fee on the $500 delta.
	if !amountOut.Equal(d("48750")) {
		t.Errorf("amount out = %s, want 48750", amountOut)
	}

	pos, ok := v.GetPosition("bob", "BTC", "BTC", model.Long)
	if !ok {
		t.Fatal("position should remain after partial decrease")
	}
	if !pos.Size.Equal(usd("500")) {
		t.Errorf("size = %s, want %s", pos.Size, usd("500"))
	}
	if !pos.Collateral.Equal(usd("79")) {
		t.Errorf("collateral = %s, want %s", pos.Collateral, usd("79"))
	}
	if !pos.ReserveAmount.Equal(d("1250000")) {
		t.Errorf("reserve = %s, want 1250000", pos.ReserveAmount)
	}

	ts, _ := v.TokenState("BTC")
	if !ts.GuaranteedUsd.Equal(usd("421")) {
		t.Errorf("guaranteed = %s, want %s", ts.GuaranteedUsd, usd("421"))
	}
	if !ts.ReservedAmount.Equal(d("1250000")) {
		t.Errorf("reserved = %s, want 1250000", ts.ReservedAmount)
	}
}

func TestDecreasePosition_FailureLeavesStateUntouched(t *testing.T) {
	v, ledger, _ := newTestVault(t)
	seedPool(t, v, ledger, "BTC", btc("1"))
	openLong(t, v, ledger, btc("0.0025"), usd("1000"))
	before, _ := v.TokenState("BTC")

	// Withdrawing all collateral on a partial decrease leaves nothing to
	// pay the remaining size's fees from.
	_, err := v.DecreasePosition(context.Background(), "bob", "BTC", "BTC", usd("99"), usd("500"), model.Long, "bob")
	if !errors.Is(err, ErrFeesExceedCollateral) {
		t.Fatalf("err = %v, want ErrFeesExceedCollateral", err)
	}

	after, _ := v.TokenState("BTC")
	if !after.PoolAmount.Equal(before.PoolAmount) || !after.ReservedAmount.Equal(before.ReservedAmount) || !after.FeeReserve.Equal(before.FeeReserve) {
		t.Errorf("token state changed after failed decrease: %+v -> %+v", before, after)
	}
	pos, _ := v.GetPosition("bob", "BTC", "BTC", model.Long)
	if !pos.Collateral.Equal(usd("99")) || !pos.Size.Equal(usd("1000")) {
		t.Errorf("position changed after failed decrease: %+v", pos)
	}
	if !ledger.BalanceOf("bob", "BTC").IsZero() {
		t.Errorf("bob balance = %s, want 0", ledger.BalanceOf("bob", "BTC"))
	}
}

func TestShortRoundTrip_ProfitPaidFromPool(t *testing.T) {
	v, ledger, prices := newTestVault(t)
	seedPool(t, v, ledger, "USDC", usdc("10000"))

	if err := ledger.Deposit("bob", "USDC", usdc("100")); err != nil {
		t.Fatal(err)
	}
	if err := v.IncreasePosition(context.Background(), "bob", "bob", "USDC", "BTC", usdc("100"), usd("1000"), model.Short); err != nil {
		t.Fatal(err)
	}

	usdcState, _ := v.TokenState("USDC")
	// Short collateral is custodied but never pooled.
	if !usdcState.PoolAmount.Equal(usdc("10000")) {
		t.Errorf("pool = %s, want %s", usdcState.PoolAmount, usdc("10000"))
	}
	if !usdcState.ReservedAmount.Equal(usdc("1000")) {
		t.Errorf("reserved = %s, want %s", usdcState.ReservedAmount, usdc("1000"))
	}
	btcState, _ := v.TokenState("BTC")
	if !btcState.GlobalShortSize.Equal(usd("1000")) {
		t.Errorf("global short size = %s, want %s", btcState.GlobalShortSize, usd("1000"))
	}
	if !btcState.GlobalShortAveragePrice.Equal(usd("40000")) {
		t.Errorf("global short average = %s, want %s", btcState.GlobalShortAveragePrice, usd("40000"))
	}

	prices.set("BTC", usd("36000"))
	amountOut, err := v.DecreasePosition(context.Background(), "bob", "USDC", "BTC", decimal.Zero, usd("1000"), model.Short, "bob")
	if err != nil {
		t.Fatal(err)
	}
	// $100 profit + $99 collateral - $1 close fee = 198 USDC.
	if !amountOut.Equal(usdc("198")) {
		t.Errorf("amount out = %s, want %s", amountOut, usdc("198"))
	}

	usdcState, _ = v.TokenState("USDC")
	if !usdcState.PoolAmount.Equal(usdc("9900")) {
		t.Errorf("pool = %s, want %s", usdcState.PoolAmount, usdc("9900"))
	}
	if !usdcState.ReservedAmount.IsZero() {
		t.Errorf("reserved = %s, want 0", usdcState.ReservedAmount)
	}
	btcState, _ = v.TokenState("BTC")
	if !btcState.GlobalShortSize.IsZero() {
		t.Errorf("global short size = %s, want 0", btcState.GlobalShortSize)
	}
	balance := ledger.BalanceOf(Account, "USDC")
	if !balance.Equal(usdcState.PoolAmount.Add(usdcState.FeeReserve)) {
		t.Errorf("vault balance %s != pool+fees %s", balance, usdcState.PoolAmount.Add(usdcState.FeeReserve))
	}
}

func TestShort_SecondIncreaseBlendsGlobalAveragePrice(t *testing.T) {
	v, ledger, prices := newTestVault(t)
	seedPool(t, v, ledger, "USDC", usdc("10000"))
	ctx := context.Background()

	if err := ledger.Deposit("bob", "USDC", usdc("200")); err != nil {
		t.Fatal(err)
	}
	if err := v.IncreasePosition(ctx, "bob", "bob", "USDC", "BTC", usdc("100"), usd("1000"), model.Short); err != nil {
		t.Fatal(err)
	}
	prices.set("BTC", usd("36000"))
	if err := v.IncreasePosition(ctx, "bob", "bob", "USDC", "BTC", usdc("100"), usd("1000"), model.Short); err != nil {
		t.Fatal(err)
	}

	// 36000 * 2000 / (2000 - 100), truncated at the 1e30 scale.
	want := d("37894736842105263157894736842105263")
	btcState, _ := v.TokenState("BTC")
	if !btcState.GlobalShortAveragePrice.Equal(want) {
		t.Errorf("global short average = %s, want %s", btcState.GlobalShortAveragePrice, want)
	}
	// A single position makes up the whole book, so its blended entry
	// matches the global figure.
	pos, _ := v.GetPosition("bob", "USDC", "BTC", model.Short)
	if !pos.AveragePrice.Equal(want) {
		t.Errorf("position average = %s, want %s", pos.AveragePrice, want)
	}
	if !btcState.GlobalShortSize.Equal(usd("2000")) {
		t.Errorf("global short size = %s, want %s", btcState.GlobalShortSize, usd("2000"))
	}
}

func TestShort_MaxGlobalShortSizeEnforced(t *testing.T) {
	v, ledger, _ := newTestVault(t)
	seedPool(t, v, ledger, "USDC", usdc("10000"))
	ctx := context.Background()
	if err := v.SetMaxGlobalShortSize("gov", "BTC", usd("1500")); err != nil {
		t.Fatal(err)
	}

	if err := ledger.Deposit("bob", "USDC", usdc("200")); err != nil {
		t.Fatal(err)
	}
	if err := v.IncreasePosition(ctx, "bob", "bob", "USDC", "BTC", usdc("100"), usd("1000"), model.Short); err != nil {
		t.Fatal(err)
	}
	err := v.IncreasePosition(ctx, "bob", "bob", "USDC", "BTC", usdc("100"), usd("1000"), model.Short)
	if !errors.Is(err, ErrMaxShortsExceeded) {
		t.Fatalf("err = %v, want ErrMaxShortsExceeded", err)
	}
	// The rejected collateral is refunded.
	if !ledger.BalanceOf("bob", "USDC").Equal(usdc("100")) {
		t.Errorf("bob balance = %s, want %s", ledger.BalanceOf("bob", "USDC"), usdc("100"))
	}
}

func TestIncreasePosition_ReserveCannotExceedPool(t *testing.T) {
	v, ledger, _ := newTestVault(t)
	seedPool(t, v, ledger, "BTC", btc("1"))

	if err := ledger.Deposit("bob", "BTC", btc("0.05")); err != nil {
		t.Fatal(err)
	}
	// $50,000 of size needs 1.25 BTC of reserve against a 1 BTC pool.
	err := v.IncreasePosition(context.Background(), "bob", "bob", "BTC", "BTC", btc("0.05"), usd("50000"), model.Long)
	if !errors.Is(err, ErrReserveExceedsPool) {
		t.Fatalf("err = %v, want ErrReserveExceedsPool", err)
	}
	if !ledger.BalanceOf("bob", "BTC").Equal(btc("0.05")) {
		t.Errorf("bob balance = %s, want refund of %s", ledger.BalanceOf("bob", "BTC"), btc("0.05"))
	}
	if _, ok := v.GetPosition("bob", "BTC", "BTC", model.Long); ok {
		t.Error("no position should exist after failed increase")
	}
}

func TestValidateTokens_PairingRules(t *testing.T) {
	v, _, _ := newTestVault(t)
	tests := []struct {
		name       string
		collateral string
		index      string
		side       model.Side
		wantErr    error
	}{
		{"long must use index as collateral", "USDC", "BTC", model.Long, ErrInvalidTokens},
		{"long collateral must not be stable", "USDC", "USDC", model.Long, ErrInvalidTokens},
		{"long unknown token", "ETH", "ETH", model.Long, ErrTokenNotWhitelisted},
		{"short collateral must be stable", "BTC", "BTC", model.Short, ErrInvalidTokens},
		{"short index must not be stable", "USDC", "USDC", model.Short, ErrInvalidTokens},
		{"short unknown index", "USDC", "ETH", model.Short, ErrTokenNotWhitelisted},
		{"long ok", "BTC", "BTC", model.Long, nil},
		{"short ok", "USDC", "BTC", model.Short, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.validateTokens(tt.collateral, tt.index, tt.side)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("err = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateTokens_ShortNeedsShortableIndex(t *testing.T) {
	v, _, _ := newTestVault(t)
	if err := v.SetTokenConfig("gov", model.Token{Symbol: "LINK", Decimals: 18, Weight: d("1000")}); err != nil {
		t.Fatal(err)
	}
	err := v.validateTokens("USDC", "LINK", model.Short)
	if !errors.Is(err, ErrInvalidTokens) {
		t.Fatalf("err = %v, want ErrInvalidTokens", err)
	}
}

func TestLiquidatePosition_InsolventLong(t *testing.T) {
	v, ledger, prices := newTestVault(t)
	seedPool(t, v, ledger, "BTC", btc("1"))
	openLong(t, v, ledger, btc("0.0025"), usd("1000"))
	ctx := context.Background()

	// Healthy position cannot be liquidated.
	err := v.LiquidatePosition(ctx, "liq", "bob", "BTC", "BTC", model.Long, "liq")
	if !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("err = %v, want ErrNotLiquidatable", err)
	}

	// At $36,000 the $100 loss exceeds the $99 collateral.
	prices.set("BTC", usd("36000"))
	if err := v.LiquidatePosition(ctx, "liq", "bob", "BTC", "BTC", model.Long, "liq"); err != nil {
		t.Fatal(err)
	}

	if _, ok := v.GetPosition("bob", "BTC", "BTC", model.Long); ok {
		t.Error("position should be deleted after liquidation")
	}
	ts, _ := v.TokenState("BTC")
	if !ts.ReservedAmount.IsZero() {
		t.Errorf("reserved = %s, want 0", ts.ReservedAmount)
	}
	if !ts.GuaranteedUsd.IsZero() {
		t.Errorf("guaranteed = %s, want 0", ts.GuaranteedUsd)
	}
	// Open fee 2500 plus the $1 margin fee at $36,000 = 2777 sat.
	if !ts.FeeReserve.Equal(d("5277")) {
		t.Errorf("fee reserve = %s, want 5277", ts.FeeReserve)
	}
	// Pool: 100247500 - 2777 margin fee - 13888 liquidation fee.
	if !ts.PoolAmount.Equal(d("100230835")) {
		t.Errorf("pool = %s, want 100230835", ts.PoolAmount)
	}
	// The $5 liquidation fee goes to the fee receiver.
	if !ledger.BalanceOf("liq", "BTC").Equal(d("13888")) {
		t.Errorf("liquidator balance = %s, want 13888", ledger.BalanceOf("liq", "BTC"))
	}
	balance := ledger.BalanceOf(Account, "BTC")
	if !balance.Equal(ts.PoolAmount.Add(ts.FeeReserve)) {
		t.Errorf("vault balance %s != pool+fees %s", balance, ts.PoolAmount.Add(ts.FeeReserve))
	}
}

func TestLiquidatePosition_OverLeverageClosesForOwner(t *testing.T) {
	v, ledger, _ := newTestVault(t)
	seedPool(t, v, ledger, "BTC", btc("1"))
	openLong(t, v, ledger, btc("0.0025"), usd("1000"))
	ctx := context.Background()

	// Drop max leverage to 5x; the ~10x position is now over the cap but
	// still solvent, so it is closed back to the owner.
	if err := v.SetMaxLeverage("gov", d("50000")); err != nil {
		t.Fatal(err)
	}
	if err := v.LiquidatePosition(ctx, "liq", "bob", "BTC", "BTC", model.Long, "liq"); err != nil {
		t.Fatal(err)
	}

	if _, ok := v.GetPosition("bob", "BTC", "BTC", model.Long); ok {
		t.Error("position should be closed")
	}
	// Same payout as a voluntary close: $98 at $40,000.
	if !ledger.BalanceOf("bob", "BTC").Equal(d("245000")) {
		t.Errorf("bob balance = %s, want 245000", ledger.BalanceOf("bob", "BTC"))
	}
	// No liquidation fee was taken.
	if !ledger.BalanceOf("liq", "BTC").IsZero() {
		t.Errorf("liquidator balance = %s, want 0", ledger.BalanceOf("liq", "BTC"))
	}
}

func TestLiquidatePosition_PrivateModeRequiresRole(t *testing.T) {
	ledger := bank.New()
	prices := newFakePrices()
	ctrl := access.NewController("gov")
	v := New(DefaultConfig(), ledger, prices, ctrl, nil)
	if err := v.SetTokenConfig("gov", model.Token{Symbol: "BTC", Decimals: 8, Weight: d("10000"), IsShortable: true}); err != nil {
		t.Fatal(err)
	}
	prices.set("BTC", usd("40000"))
	seedPool(t, v, ledger, "BTC", btc("1"))
	openLong(t, v, ledger, btc("0.0025"), usd("1000"))
	prices.set("BTC", usd("36000"))

	if err := v.SetPrivateLiquidationMode("gov", true); err != nil {
		t.Fatal(err)
	}
	err := v.LiquidatePosition(context.Background(), "rando", "bob", "BTC", "BTC", model.Long, "rando")
	if !errors.Is(err, access.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if err := ctrl.Grant("gov", "liq", access.RoleLiquidator); err != nil {
		t.Fatal(err)
	}
	if err := v.LiquidatePosition(context.Background(), "liq", "bob", "BTC", "BTC", model.Long, "liq"); err != nil {
		t.Fatal(err)
	}
}

func TestFunding_AccruesPerIntervalAndChargesOnClose(t *testing.T) {
	v, ledger, _ := newTestVault(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	v.now = func() time.Time { return current }
	ctx := context.Background()

	seedPool(t, v, ledger, "BTC", btc("1"))
	openLong(t, v, ledger, btc("0.0025"), usd("1000"))

	// Mid-interval nothing accrues.
	current = base.Add(4 * time.Hour)
	rate, err := v.NextFundingRate("BTC")
	if err != nil {
		t.Fatal(err)
	}
	if !rate.IsZero() {
		t.Errorf("mid-interval rate = %s, want 0", rate)
	}

	// One full interval: factor 100 * reserved 2500000 / pool 100247500,
	// truncated to 2 at the 1e6 rate precision.
	current = base.Add(8 * time.Hour)
	rate, err = v.NextFundingRate("BTC")
	if err != nil {
		t.Fatal(err)
	}
	if !rate.Equal(d("2")) {
		t.Errorf("rate = %s, want 2", rate)
	}
	if err := v.UpdateFunding(ctx, "BTC"); err != nil {
		t.Fatal(err)
	}
	ts, _ := v.TokenState("BTC")
	if !ts.CumulativeFundingRate.Equal(d("2")) {
		t.Errorf("cumulative rate = %s, want 2", ts.CumulativeFundingRate)
	}
	// Re-running within the same interval is a no-op.
	if err := v.UpdateFunding(ctx, "BTC"); err != nil {
		t.Fatal(err)
	}
	ts, _ = v.TokenState("BTC")
	if !ts.CumulativeFundingRate.Equal(d("2")) {
		t.Errorf("cumulative rate after no-op = %s, want 2", ts.CumulativeFundingRate)
	}

	// Closing now pays the $1 position fee plus $2 of funding on the
	// $1000 size: (99 - 3) USD at $40,000 = 240000 sat.
	amountOut, err := v.DecreasePosition(ctx, "bob", "BTC", "BTC", decimal.Zero, usd("1000"), model.Long, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !amountOut.Equal(d("240000")) {
		t.Errorf("amount out = %s, want 240000", amountOut)
	}
	ts, _ = v.TokenState("BTC")
	if !ts.FeeReserve.Equal(d("10000")) {
		t.Errorf("fee reserve = %s, want 10000", ts.FeeReserve)
	}
}

func TestFunding_TwoIntervalsCompound(t *testing.T) {
	v, ledger, _ := newTestVault(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	v.now = func() time.Time { return current }
	ctx := context.Background()

	seedPool(t, v, ledger, "BTC", btc("1"))
	openLong(t, v, ledger, btc("0.0025"), usd("1000"))

	current = base.Add(8 * time.Hour)
	if err := v.UpdateFunding(ctx, "BTC"); err != nil {
		t.Fatal(err)
	}
	// Skip an update; the next one covers both elapsed intervals.
	current = base.Add(24 * time.Hour)
	if err := v.UpdateFunding(ctx, "BTC"); err != nil {
		t.Fatal(err)
	}
	ts, _ := v.TokenState("BTC")
	// 2 + trunc(100*2500000*2/100247500) = 2 + 4
	if !ts.CumulativeFundingRate.Equal(d("6")) {
		t.Errorf("cumulative rate = %s, want 6", ts.CumulativeFundingRate)
	}
	if !ts.LastFundingTime.Equal(base.Add(24 * time.Hour)) {
		t.Errorf("last funding time = %s, want %s", ts.LastFundingTime, base.Add(24*time.Hour))
	}
}

func TestGetDelta_MinProfitThreshold(t *testing.T) {
	v, _, prices := newTestVault(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	v.now = func() time.Time { return current }
	ctx := context.Background()

	if err := v.SetTokenConfig("gov", model.Token{Symbol: "BTC", Decimals: 8, Weight: d("10000"), IsShortable: true, MinProfitBps: d("75")}); err != nil {
		t.Fatal(err)
	}
	if err := v.SetFees("gov", FeeConfig{
		TaxBasisPoints: d("50"), StableTaxBasisPoints: d("20"), MintBurnFeeBasisPoints: d("30"),
		SwapFeeBasisPoints: d("30"), StableSwapFeeBasisPoints: d("4"), MarginFeeBasisPoints: d("10"),
		LiquidationFeeUsd: usd("5"), MinProfitTime: time.Hour,
	}); err != nil {
		t.Fatal(err)
	}

	// +0.5% is under the 0.75% threshold, so the profit is zeroed while
	// the window is open.
	prices.set("BTC", usd("40200"))
	hasProfit, delta, err := v.GetDelta(ctx, "BTC", usd("1000"), usd("40000"), model.Long, base)
	if err != nil {
		t.Fatal(err)
	}
	if !hasProfit || !delta.IsZero() {
		t.Errorf("within window: hasProfit=%v delta=%s, want true/0", hasProfit, delta)
	}

	// After MinProfitTime the same move pays out: 1000 * 200/40000 = $5.
	current = base.Add(2 * time.Hour)
	hasProfit, delta, err = v.GetDelta(ctx, "BTC", usd("1000"), usd("40000"), model.Long, base)
	if err != nil {
		t.Fatal(err)
	}
	if !hasProfit || !delta.Equal(usd("5")) {
		t.Errorf("after window: hasProfit=%v delta=%s, want true/%s", hasProfit, delta, usd("5"))
	}

	// Losses are never zeroed.
	prices.set("BTC", usd("39800"))
	current = base
	hasProfit, delta, err = v.GetDelta(ctx, "BTC", usd("1000"), usd("40000"), model.Long, base)
	if err != nil {
		t.Fatal(err)
	}
	if hasProfit || !delta.Equal(usd("5")) {
		t.Errorf("loss: hasProfit=%v delta=%s, want false/%s", hasProfit, delta, usd("5"))
	}
}

func TestBuyAndSellUSDP(t *testing.T) {
	v, ledger, _ := newTestVault(t)
	ctx := context.Background()

	if err := ledger.Deposit("alice", "BTC", btc("1")); err != nil {
		t.Fatal(err)
	}
	minted, err := v.BuyUSDP(ctx, "alice", "BTC", btc("1"), decimal.Zero, "alice")
	if err != nil {
		t.Fatal(err)
	}
	// 1 BTC at $40,000 minus the 30 bps mint fee = 39,880 USDP.
	wantMint := d("39880").Mul(decimal.New(1, 18))
	if !minted.Equal(wantMint) {
		t.Errorf("minted = %s, want %s", minted, wantMint)
	}
	if !ledger.BalanceOf("alice", UsdpSymbol).Equal(wantMint) {
		t.Errorf("alice USDP = %s, want %s", ledger.BalanceOf("alice", UsdpSymbol), wantMint)
	}
	if !v.UsdpSupply().Equal(wantMint) {
		t.Errorf("supply = %s, want %s", v.UsdpSupply(), wantMint)
	}
	ts, _ := v.TokenState("BTC")
	if !ts.PoolAmount.Equal(d("99700000")) {
		t.Errorf("pool = %s, want 99700000", ts.PoolAmount)
	}
	if !ts.UsdpAmount.Equal(wantMint) {
		t.Errorf("usdp amount = %s, want %s", ts.UsdpAmount, wantMint)
	}
	if !ts.FeeReserve.Equal(d("300000")) {
		t.Errorf("fee reserve = %s, want 300000", ts.FeeReserve)
	}

	// Sell half back.
	half := d("19940").Mul(decimal.New(1, 18))
	amountOut, err := v.SellUSDP(ctx, "alice", "BTC", half, decimal.Zero, "alice")
	if err != nil {
		t.Fatal(err)
	}
	// 19,940 USDP redeems 0.4985 BTC, minus 30 bps = 49700450 sat.
	if !amountOut.Equal(d("49700450")) {
		t.Errorf("amount out = %s, want 49700450", amountOut)
	}
	if !v.UsdpSupply().Equal(half) {
		t.Errorf("supply = %s, want %s", v.UsdpSupply(), half)
	}
	ts, _ = v.TokenState("BTC")
	if !ts.PoolAmount.Equal(d("49850000")) {
		t.Errorf("pool = %s, want 49850000", ts.PoolAmount)
	}
	balance := ledger.BalanceOf(Account, "BTC")
	if !balance.Equal(ts.PoolAmount.Add(ts.FeeReserve)) {
		t.Errorf("vault balance %s != pool+fees %s", balance, ts.PoolAmount.Add(ts.FeeReserve))
	}
	// The burned USDP is gone from the vault account too.
	if !ledger.BalanceOf(Account, UsdpSymbol).IsZero() {
		t.Errorf("vault USDP = %s, want 0", ledger.BalanceOf(Account, UsdpSymbol))
	}
}

func TestSwap_MovesDebtAndCollectsFee(t *testing.T) {
	v, ledger, _ := newTestVault(t)
	ctx := context.Background()

	if err := ledger.Deposit("alice", "BTC", btc("1")); err != nil {
		t.Fatal(err)
	}
	if err := ledger.Deposit("alice", "USDC", usdc("40000")); err != nil {
		t.Fatal(err)
	}
	if _, err := v.BuyUSDP(ctx, "alice", "BTC", btc("1"), decimal.Zero, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := v.BuyUSDP(ctx, "alice", "USDC", usdc("40000"), decimal.Zero, "alice"); err != nil {
		t.Fatal(err)
	}

	if err := ledger.Deposit("bob", "USDC", usdc("4000")); err != nil {
		t.Fatal(err)
	}
	amountOut, err := v.Swap(ctx, "bob", "USDC", "BTC", usdc("4000"), decimal.Zero, "bob")
	if err != nil {
		t.Fatal(err)
	}
	// $4000 buys 0.1 BTC, minus 30 bps = 0.0997 BTC.
	if !amountOut.Equal(d("9970000")) {
		t.Errorf("amount out = %s, want 9970000", amountOut)
	}

	usdcState, _ := v.TokenState("USDC")
	btcState, _ := v.TokenState("BTC")
	if !usdcState.PoolAmount.Equal(d("43880000000")) {
		t.Errorf("usdc pool = %s, want 43880000000", usdcState.PoolAmount)
	}
	if !btcState.PoolAmount.Equal(d("89700000")) {
		t.Errorf("btc pool = %s, want 89700000", btcState.PoolAmount)
	}
	// Debt moves from the outgoing to the incoming token.
	wantIn := d("39880").Add(d("4000")).Mul(decimal.New(1, 18))
	wantOut := d("39880").Sub(d("4000")).Mul(decimal.New(1, 18))
	if !usdcState.UsdpAmount.Equal(wantIn) {
		t.Errorf("usdc debt = %s, want %s", usdcState.UsdpAmount, wantIn)
	}
	if !btcState.UsdpAmount.Equal(wantOut) {
		t.Errorf("btc debt = %s, want %s", btcState.UsdpAmount, wantOut)
	}
}

func TestSwap_BufferRevertsAtomically(t *testing.T) {
	v, ledger, _ := newTestVault(t)
	ctx := context.Background()

	if err := ledger.Deposit("alice", "BTC", btc("1")); err != nil {
		t.Fatal(err)
	}
	if err := ledger.Deposit("alice", "USDC", usdc("40000")); err != nil {
		t.Fatal(err)
	}
	if _, err := v.BuyUSDP(ctx, "alice", "BTC", btc("1"), decimal.Zero, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := v.BuyUSDP(ctx, "alice", "USDC", usdc("40000"), decimal.Zero, "alice"); err != nil {
		t.Fatal(err)
	}
	// Floor just above what the swap would leave in the BTC pool.
	if err := v.SetBufferAmount("gov", "BTC", d("89700001")); err != nil {
		t.Fatal(err)
	}

	btcBefore, _ := v.TokenState("BTC")
	usdcBefore, _ := v.TokenState("USDC")
	if err := ledger.Deposit("bob", "USDC", usdc("4000")); err != nil {
		t.Fatal(err)
	}
	_, err := v.Swap(ctx, "bob", "USDC", "BTC", usdc("4000"), decimal.Zero, "bob")
	if !errors.Is(err, ErrBufferBreached) {
		t.Fatalf("err = %v, want ErrBufferBreached", err)
	}

	btcAfter, _ := v.TokenState("BTC")
	usdcAfter, _ := v.TokenState("USDC")
	if !btcAfter.PoolAmount.Equal(btcBefore.PoolAmount) || !btcAfter.FeeReserve.Equal(btcBefore.FeeReserve) || !btcAfter.UsdpAmount.Equal(btcBefore.UsdpAmount) {
		t.Error("btc state changed after failed swap")
	}
	if !usdcAfter.PoolAmount.Equal(usdcBefore.PoolAmount) || !usdcAfter.UsdpAmount.Equal(usdcBefore.UsdpAmount) {
		t.Error("usdc state changed after failed swap")
	}
	if !ledger.BalanceOf("bob", "USDC").Equal(usdc("4000")) {
		t.Errorf("bob balance = %s, want full refund", ledger.BalanceOf("bob", "USDC"))
	}
	if !ledger.BalanceOf("bob", "BTC").IsZero() {
		t.Errorf("bob received BTC from failed swap: %s", ledger.BalanceOf("bob", "BTC"))
	}
}

func TestSwap_DisabledAndSameToken(t *testing.T) {
	v, ledger, _ := newTestVault(t)
	ctx := context.Background()
	if err := ledger.Deposit("bob", "USDC", usdc("10")); err != nil {
		t.Fatal(err)
	}

	_, err := v.Swap(ctx, "bob", "USDC", "USDC", usdc("10"), decimal.Zero, "bob")
	if !errors.Is(err, ErrInvalidTokens) {
		t.Fatalf("err = %v, want ErrInvalidTokens", err)
	}

	if err := v.SetSwapEnabled("gov", false); err != nil {
		t.Fatal(err)
	}
	_, err = v.Swap(ctx, "bob", "USDC", "BTC", usdc("10"), decimal.Zero, "bob")
	if !errors.Is(err, ErrSwapsDisabled) {
		t.Fatalf("err = %v, want ErrSwapsDisabled", err)
	}
	// BuyUSDP is not gated by the swap switch.
	if _, err := v.BuyUSDP(ctx, "bob", "USDC", usdc("10"), decimal.Zero, "bob"); err != nil {
		t.Fatalf("buy with swaps disabled: %v", err)
	}
}

func TestSwap_MinOutEnforcedBeforeCommit(t *testing.T) {
	v, ledger, _ := newTestVault(t)
	ctx := context.Background()
	if err := ledger.Deposit("alice", "BTC", btc("1")); err != nil {
		t.Fatal(err)
	}
	if err := ledger.Deposit("alice", "USDC", usdc("40000")); err != nil {
		t.Fatal(err)
	}
	if _, err := v.BuyUSDP(ctx, "alice", "BTC", btc("1"), decimal.Zero, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := v.BuyUSDP(ctx, "alice", "USDC", usdc("40000"), decimal.Zero, "alice"); err != nil {
		t.Fatal(err)
	}

	if err := ledger.Deposit("bob", "USDC", usdc("4000")); err != nil {
		t.Fatal(err)
	}
	// The swap nets 9970000 sat; demanding one more fails it whole.
	_, err := v.Swap(ctx, "bob", "USDC", "BTC", usdc("4000"), d("9970001"), "bob")
	if !errors.Is(err, ErrInsufficientOutput) {
		t.Fatalf("err = %v, want ErrInsufficientOutput", err)
	}
	if !ledger.BalanceOf("bob", "USDC").Equal(usdc("4000")) {
		t.Errorf("bob balance = %s, want full refund", ledger.BalanceOf("bob", "USDC"))
	}
	btcState, _ := v.TokenState("BTC")
	if !btcState.PoolAmount.Equal(d("99700000")) {
		t.Errorf("btc pool = %s, want untouched 99700000", btcState.PoolAmount)
	}

	// Demanding exactly the output succeeds.
	got, err := v.Swap(ctx, "bob", "USDC", "BTC", usdc("4000"), d("9970000"), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(d("9970000")) {
		t.Errorf("amount out = %s, want 9970000", got)
	}
}

func TestFailedOperationEmitsNoEvents(t *testing.T) {
	ledger := bank.New()
	prices := newFakePrices()
	capture := &captureRecorder{}
	v := New(DefaultConfig(), ledger, prices, access.NewController("gov"), journal.New(capture))
	if err := v.SetTokenConfig("gov", model.Token{Symbol: "BTC", Decimals: 8, Weight: d("10000"), IsShortable: true}); err != nil {
		t.Fatal(err)
	}
	prices.set("BTC", usd("40000"))
	seedPool(t, v, ledger, "BTC", btc("1"))
	before := len(capture.types())

	if err := ledger.Deposit("bob", "BTC", btc("0.05")); err != nil {
		t.Fatal(err)
	}
	err := v.IncreasePosition(context.Background(), "bob", "bob", "BTC", "BTC", btc("0.05"), usd("50000"), model.Long)
	if !errors.Is(err, ErrReserveExceedsPool) {
		t.Fatalf("err = %v, want ErrReserveExceedsPool", err)
	}
	if got := len(capture.types()); got != before {
		t.Errorf("failed operation emitted %d events", got-before)
	}
}

func TestIncreasePosition_EmitsFeeAndPositionEvents(t *testing.T) {
	ledger := bank.New()
	prices := newFakePrices()
	capture := &captureRecorder{}
	v := New(DefaultConfig(), ledger, prices, access.NewController("gov"), journal.New(capture))
	if err := v.SetTokenConfig("gov", model.Token{Symbol: "BTC", Decimals: 8, Weight: d("10000"), IsShortable: true}); err != nil {
		t.Fatal(err)
	}
	prices.set("BTC", usd("40000"))
	seedPool(t, v, ledger, "BTC", btc("1"))
	openLong(t, v, ledger, btc("0.0025"), usd("1000"))

	types := capture.types()
	if len(types) < 2 {
		t.Fatalf("got %d events, want at least 2", len(types))
	}
	if types[len(types)-1] != model.EventIncreasePosition {
		t.Errorf("last event = %s, want %s", types[len(types)-1], model.EventIncreasePosition)
	}
	if types[len(types)-2] != model.EventCollectMarginFees {
		t.Errorf("second to last event = %s, want %s", types[len(types)-2], model.EventCollectMarginFees)
	}
	// Sequence numbers are strictly increasing across operations.
	var last int64
	for _, ev := range capture.events {
		if ev.Seq <= last {
			t.Fatalf("sequence not increasing: %d after %d", ev.Seq, last)
		}
		last = ev.Seq
	}
}

func TestWithdrawFees(t *testing.T) {
	v, ledger, _ := newTestVault(t)
	ctx := context.Background()
	if err := ledger.Deposit("alice", "BTC", btc("1")); err != nil {
		t.Fatal(err)
	}
	if _, err := v.BuyUSDP(ctx, "alice", "BTC", btc("1"), decimal.Zero, "alice"); err != nil {
		t.Fatal(err)
	}

	if _, err := v.WithdrawFees(ctx, "alice", "BTC", "alice"); !errors.Is(err, access.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	amount, err := v.WithdrawFees(ctx, "gov", "BTC", "treasury")
	if err != nil {
		t.Fatal(err)
	}
	if !amount.Equal(d("300000")) {
		t.Errorf("withdrawn = %s, want 300000", amount)
	}
	if !ledger.BalanceOf("treasury", "BTC").Equal(d("300000")) {
		t.Errorf("treasury = %s, want 300000", ledger.BalanceOf("treasury", "BTC"))
	}
	ts, _ := v.TokenState("BTC")
	if !ts.FeeReserve.IsZero() {
		t.Errorf("fee reserve = %s, want 0", ts.FeeReserve)
	}
}

func TestGovernanceSetters_RejectNonGovAndBadValues(t *testing.T) {
	v, _, _ := newTestVault(t)

	if err := v.SetFees("mallory", FeeConfig{}); !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("SetFees err = %v, want ErrUnauthorized", err)
	}
	if err := v.SetLeverageEnabled("mallory", false); !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("SetLeverageEnabled err = %v, want ErrUnauthorized", err)
	}
	if err := v.SetFees("gov", FeeConfig{TaxBasisPoints: d("501")}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("SetFees over cap err = %v, want ErrInvalidAmount", err)
	}
	if err := v.SetMaxLeverage("gov", d("10000")); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("SetMaxLeverage err = %v, want ErrInvalidAmount", err)
	}
	if err := v.SetFundingRate("gov", 30*time.Minute, d("100"), d("100")); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("SetFundingRate err = %v, want ErrInvalidAmount", err)
	}
}

func TestLeverageDisabledBlocksIncrease(t *testing.T) {
	v, ledger, _ := newTestVault(t)
	seedPool(t, v, ledger, "BTC", btc("1"))
	if err := v.SetLeverageEnabled("gov", false); err != nil {
		t.Fatal(err)
	}
	if err := ledger.Deposit("bob", "BTC", btc("0.0025")); err != nil {
		t.Fatal(err)
	}
	err := v.IncreasePosition(context.Background(), "bob", "bob", "BTC", "BTC", btc("0.0025"), usd("1000"), model.Long)
	if !errors.Is(err, ErrLeverageDisabled) {
		t.Fatalf("err = %v, want ErrLeverageDisabled", err)
	}
}

func TestSnapshotRestore_RoundTrips(t *testing.T) {
	v, ledger, prices := newTestVault(t)
	seedPool(t, v, ledger, "BTC", btc("1"))
	openLong(t, v, ledger, btc("0.0025"), usd("1000"))
	if err := ledger.Deposit("alice", "BTC", btc("0.5")); err != nil {
		t.Fatal(err)
	}
	if _, err := v.BuyUSDP(context.Background(), "alice", "BTC", btc("0.5"), decimal.Zero, "alice"); err != nil {
		t.Fatal(err)
	}

	snap := v.Snapshot()

	restored := New(DefaultConfig(), ledger, prices, access.NewController("gov"), nil)
	if err := restored.SetTokenConfig("gov", model.Token{Symbol: "BTC", Decimals: 8, Weight: d("10000"), IsShortable: true}); err != nil {
		t.Fatal(err)
	}
	restored.Restore(snap)

	if !restored.UsdpSupply().Equal(v.UsdpSupply()) {
		t.Errorf("supply = %s, want %s", restored.UsdpSupply(), v.UsdpSupply())
	}
	want, _ := v.TokenState("BTC")
	got, ok := restored.TokenState("BTC")
	if !ok {
		t.Fatal("restored vault lost BTC state")
	}
	if !got.PoolAmount.Equal(want.PoolAmount) || !got.ReservedAmount.Equal(want.ReservedAmount) ||
		!got.FeeReserve.Equal(want.FeeReserve) || !got.GuaranteedUsd.Equal(want.GuaranteedUsd) ||
		!got.UsdpAmount.Equal(want.UsdpAmount) {
		t.Errorf("token state mismatch: got %+v want %+v", got, want)
	}
	pos, ok := restored.GetPosition("bob", "BTC", "BTC", model.Long)
	if !ok {
		t.Fatal("restored vault lost the position")
	}
	if !pos.Size.Equal(usd("1000")) || !pos.Collateral.Equal(usd("99")) {
		t.Errorf("restored position = %+v", pos)
	}

	// The snapshot is a deep copy: mutating the restored vault leaves the
	// original untouched.
	if _, err := restored.DecreasePosition(context.Background(), "bob", "BTC", "BTC", decimal.Zero, usd("1000"), model.Long, "bob"); err != nil {
		t.Fatal(err)
	}
	if _, ok := v.GetPosition("bob", "BTC", "BTC", model.Long); !ok {
		t.Error("original vault position vanished after restored vault mutation")
	}
}

func TestRedemptionAmountAndTargetUsdp(t *testing.T) {
	v, ledger, _ := newTestVault(t)
	ctx := context.Background()
	if err := ledger.Deposit("alice", "BTC", btc("1")); err != nil {
		t.Fatal(err)
	}
	if _, err := v.BuyUSDP(ctx, "alice", "BTC", btc("1"), decimal.Zero, "alice"); err != nil {
		t.Fatal(err)
	}

	// 19,940 USDP at $40,000 redeems 0.4985 BTC before fees.
	amount, err := v.RedemptionAmount(ctx, "BTC", d("19940").Mul(decimal.New(1, 18)))
	if err != nil {
		t.Fatal(err)
	}
	if !amount.Equal(d("49850000")) {
		t.Errorf("redemption = %s, want 49850000", amount)
	}

	// Equal weights split the supply target in half.
	supply := v.UsdpSupply()
	target := v.TargetUsdpAmount("BTC")
	if !target.Equal(fixed.Div(supply, d("2"))) {
		t.Errorf("target = %s, want %s", target, fixed.Div(supply, d("2")))
	}
}

func TestValidatePosition(t *testing.T) {
	if err := validatePosition(decimal.Zero, decimal.Zero); err != nil {
		t.Errorf("empty position: %v", err)
	}
	if err := validatePosition(decimal.Zero, usd("5")); !errors.Is(err, ErrInvalidPosition) {
		t.Errorf("collateral without size: err = %v", err)
	}
	if err := validatePosition(usd("10"), usd("5")); err != nil {
		t.Errorf("size over collateral: %v", err)
	}
	if err := validatePosition(usd("5"), usd("10")); !errors.Is(err, ErrInvalidPosition) {
		t.Errorf("collateral over size: err = %v", err)
	}
}

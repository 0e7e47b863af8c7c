package orderbook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/perpx/vault-engine/internal/access"
	"github.com/perpx/vault-engine/internal/bank"
	"github.com/perpx/vault-engine/internal/model"
	"github.com/perpx/vault-engine/internal/router"
	"github.com/perpx/vault-engine/internal/vault"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func usd(s string) decimal.Decimal  { return d(s).Mul(decimal.New(1, 30)) }
func btc(s string) decimal.Decimal  { return d(s).Mul(decimal.New(1, 8)) }
func usdc(s string) decimal.Decimal { return d(s).Mul(decimal.New(1, 6)) }

type fakePrices struct {
	mu     sync.Mutex
	quotes map[string]decimal.Decimal
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

type env struct {
	book   *Book
	vault  *vault.Vault
	router *router.Router
	ledger *bank.Ledger
	prices *fakePrices
}

func newTestBook(t *testing.T) *env {
	t.Helper()
	ledger := bank.New()
	prices := &fakePrices{quotes: make(map[string]decimal.Decimal)}
	ctrl := access.NewController("gov")
	v := vault.New(vault.DefaultConfig(), ledger, prices, ctrl, nil)
	if err := v.SetTokenConfig("gov", model.Token{Symbol: "BTC", Decimals: 8, Weight: d("10000"), IsShortable: true, PriceDecimals: 8}); err != nil {
		t.Fatal(err)
	}
	if err := v.SetTokenConfig("gov", model.Token{Symbol: "USDC", Decimals: 6, Weight: d("10000"), IsStable: true, PriceDecimals: 8}); err != nil {
		t.Fatal(err)
	}
	prices.set("BTC", usd("40000"))
	prices.set("USDC", usd("1"))

	r := router.New(v, ledger, ctrl)
	if err := r.AddPlugin("gov", Account); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Grant("gov", "keeperbot", access.RoleOrderKeeper); err != nil {
		t.Fatal(err)
	}
	cfg := Config{
		ExecutionFeeToken:         "NATIVE",
		MinExecutionFee:           d("100"),
		MinPurchaseTokenAmountUsd: usd("10"),
	}
	return &env{
		book:   New(cfg, v, r, ledger, ctrl, nil),
		vault:  v,
		router: r,
		ledger: ledger,
		prices: prices,
	}
}

// fund credits an account and approves the book plugin for it.
func (e *env) fund(t *testing.T, account, token string, amount decimal.Decimal) {
	t.Helper()
	if err := e.ledger.Deposit(account, token, amount); err != nil {
		t.Fatal(err)
	}
	if err := e.router.ApprovePlugin(account, Account); err != nil {
		t.Fatal(err)
	}
}

// seedBTCPool buys USDP with one BTC so swaps in and out of the pool work.
func (e *env) seedBTCPool(t *testing.T) {
	t.Helper()
	if err := e.ledger.Deposit("lp", "BTC", btc("1")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.vault.BuyUSDP(context.Background(), "lp", "BTC", btc("1"), decimal.Zero, "lp"); err != nil {
		t.Fatal(err)
	}
}

func TestCreateSwapOrder_FloorsAndCustody(t *testing.T) {
	e := newTestBook(t)
	ctx := context.Background()
	e.fund(t, "bob", "USDC", usdc("4000"))
	e.fund(t, "bob", "NATIVE", d("500"))

	if _, err := e.book.CreateSwapOrder(ctx, "bob", []string{"USDC"}, usdc("4000"), decimal.Zero, usd("45000"), true, d("100")); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("one-token path err = %v, want ErrInvalidPath", err)
	}
	if _, err := e.book.CreateSwapOrder(ctx, "bob", []string{"USDC", "USDC"}, usdc("4000"), decimal.Zero, usd("45000"), true, d("100")); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("same-token path err = %v, want ErrInvalidPath", err)
	}
	if _, err := e.book.CreateSwapOrder(ctx, "bob", []string{"USDC", "BTC"}, decimal.Zero, decimal.Zero, usd("45000"), true, d("100")); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero amount err = %v, want ErrInvalidAmount", err)
	}
	if _, err := e.book.CreateSwapOrder(ctx, "bob", []string{"USDC", "BTC"}, usdc("4000"), decimal.Zero, usd("45000"), true, d("99")); !errors.Is(err, ErrExecutionFeeTooLow) {
		t.Fatalf("low fee err = %v, want ErrExecutionFeeTooLow", err)
	}

	// carol never approved the plugin
	if err := e.ledger.Deposit("carol", "USDC", usdc("100")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.book.CreateSwapOrder(ctx, "carol", []string{"USDC", "BTC"}, usdc("100"), decimal.Zero, usd("45000"), true, d("100")); !errors.Is(err, router.ErrPluginNotApproved) {
		t.Fatalf("unapproved err = %v, want router.ErrPluginNotApproved", err)
	}

	index, err := e.book.CreateSwapOrder(ctx, "bob", []string{"USDC", "BTC"}, usdc("4000"), decimal.Zero, usd("45000"), true, d("100"))
	if err != nil {
		t.Fatal(err)
	}
	if index != 0 {
		t.Errorf("first order index = %d, want 0", index)
	}
	if !e.ledger.BalanceOf(Account, "USDC").Equal(usdc("4000")) {
		t.Errorf("custody USDC = %s, want 4000", e.ledger.BalanceOf(Account, "USDC"))
	}
	if !e.ledger.BalanceOf(Account, "NATIVE").Equal(d("100")) {
		t.Errorf("custody NATIVE = %s, want 100", e.ledger.BalanceOf(Account, "NATIVE"))
	}
	if !e.ledger.BalanceOf("bob", "USDC").IsZero() {
		t.Errorf("bob USDC = %s, want 0", e.ledger.BalanceOf("bob", "USDC"))
	}
}

func TestCreateSwapOrder_FeePullFailureUnwindsPrincipal(t *testing.T) {
	e := newTestBook(t)
	e.fund(t, "bob", "USDC", usdc("4000")) // no NATIVE balance at all

	_, err := e.book.CreateSwapOrder(context.Background(), "bob", []string{"USDC", "BTC"}, usdc("4000"), decimal.Zero, usd("45000"), true, d("100"))
	if !errors.Is(err, bank.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want bank.ErrInsufficientBalance", err)
	}
	if !e.ledger.BalanceOf("bob", "USDC").Equal(usdc("4000")) {
		t.Errorf("bob USDC = %s, want principal back", e.ledger.BalanceOf("bob", "USDC"))
	}
	if !e.ledger.BalanceOf(Account, "USDC").IsZero() {
		t.Errorf("custody USDC = %s, want 0", e.ledger.BalanceOf(Account, "USDC"))
	}
}

func TestSwapOrder_TriggerAboveExecutesOnlyAfterCross(t *testing.T) {
	e := newTestBook(t)
	ctx := context.Background()
	e.seedBTCPool(t)
	e.fund(t, "bob", "USDC", usdc("4000"))
	e.fund(t, "bob", "NATIVE", d("100"))

	index, err := e.book.CreateSwapOrder(ctx, "bob", []string{"USDC", "BTC"}, usdc("4000"), decimal.Zero, usd("45000"), true, d("100"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.book.ExecuteSwapOrder(ctx, "rando", "bob", index, "rando"); !errors.Is(err, access.ErrUnauthorized) {
		t.Fatalf("non-keeper err = %v, want access.ErrUnauthorized", err)
	}
	if _, err := e.book.ExecuteSwapOrder(ctx, "keeperbot", "bob", index, "keeperbot"); !errors.Is(err, ErrTriggerNotMet) {
		t.Fatalf("below trigger err = %v, want ErrTriggerNotMet", err)
	}
	if _, ok := e.book.GetSwapOrder("bob", index); !ok {
		t.Fatal("order gone after failed execution")
	}

	e.prices.set("BTC", usd("46000"))
	got, err := e.book.ExecuteSwapOrder(ctx, "keeperbot", "bob", index, "keeperbot")
	if err != nil {
		t.Fatal(err)
	}
	// 4000 USDC at 46000 is 86956 micro-units, scaled to 8695600 sat, less
	// the 30 bps swap fee.
	if !got.Equal(d("8669513")) {
		t.Errorf("amount out = %s, want 8669513", got)
	}
	if !e.ledger.BalanceOf("bob", "BTC").Equal(d("8669513")) {
		t.Errorf("bob BTC = %s, want 8669513", e.ledger.BalanceOf("bob", "BTC"))
	}
	if !e.ledger.BalanceOf("keeperbot", "NATIVE").Equal(d("100")) {
		t.Errorf("keeper fee = %s, want 100", e.ledger.BalanceOf("keeperbot", "NATIVE"))
	}

	if _, err := e.book.ExecuteSwapOrder(ctx, "keeperbot", "bob", index, "keeperbot"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("re-execute err = %v, want ErrOrderNotFound", err)
	}
	if _, err := e.book.CreateSwapOrder(ctx, "bob", []string{"BTC", "USDC"}, d("1000"), decimal.Zero, decimal.Zero, false, d("100")); err == nil {
		t.Fatal("expected fee pull to fail, NATIVE already spent")
	}
}

func TestSwapOrder_CancelRefundsVerbatim(t *testing.T) {
	e := newTestBook(t)
	ctx := context.Background()
	e.fund(t, "bob", "USDC", usdc("4000"))
	e.fund(t, "bob", "NATIVE", d("150"))

	index, err := e.book.CreateSwapOrder(ctx, "bob", []string{"USDC", "BTC"}, usdc("4000"), decimal.Zero, usd("45000"), true, d("150"))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.book.CancelSwapOrder(ctx, "bob", index); err != nil {
		t.Fatal(err)
	}
	if !e.ledger.BalanceOf("bob", "USDC").Equal(usdc("4000")) {
		t.Errorf("bob USDC = %s, want 4000 back", e.ledger.BalanceOf("bob", "USDC"))
	}
	if !e.ledger.BalanceOf("bob", "NATIVE").Equal(d("150")) {
		t.Errorf("bob NATIVE = %s, want 150 back", e.ledger.BalanceOf("bob", "NATIVE"))
	}
	if err := e.book.CancelSwapOrder(ctx, "bob", index); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("double cancel err = %v, want ErrOrderNotFound", err)
	}
	if err := e.book.UpdateSwapOrder(ctx, "bob", index, decimal.Zero, usd("44000"), true); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("update tombstone err = %v, want ErrOrderNotFound", err)
	}

	// index is never reused
	next, err := e.book.CreateSwapOrder(ctx, "bob", []string{"USDC", "BTC"}, usdc("100"), decimal.Zero, usd("45000"), true, d("100"))
	if err != nil {
		t.Fatal(err)
	}
	if next != 1 {
		t.Errorf("next index = %d, want 1", next)
	}
}

func TestIncreaseOrder_LimitOpensBelowMarket(t *testing.T) {
	e := newTestBook(t)
	ctx := context.Background()
	if err := e.ledger.Deposit("lp", "BTC", btc("1")); err != nil {
		t.Fatal(err)
	}
	if err := e.vault.DirectPoolDeposit(ctx, "lp", "BTC", btc("1")); err != nil {
		t.Fatal(err)
	}
	e.fund(t, "bob", "BTC", d("250000"))
	e.fund(t, "bob", "NATIVE", d("100"))

	index, err := e.book.CreateIncreaseOrder(ctx, "bob", []string{"BTC"}, d("250000"), "BTC", decimal.Zero, usd("1000"), "BTC", model.Long, usd("38000"), false, d("100"))
	if err != nil {
		t.Fatal(err)
	}
	if !e.ledger.BalanceOf(Account, "BTC").Equal(d("250000")) {
		t.Errorf("custody BTC = %s, want 250000", e.ledger.BalanceOf(Account, "BTC"))
	}

	if err := e.book.ExecuteIncreaseOrder(ctx, "keeperbot", "bob", index, "keeperbot"); !errors.Is(err, ErrTriggerNotMet) {
		t.Fatalf("above trigger err = %v, want ErrTriggerNotMet", err)
	}

	e.prices.set("BTC", usd("37000"))
	if err := e.book.ExecuteIncreaseOrder(ctx, "keeperbot", "bob", index, "keeperbot"); err != nil {
		t.Fatal(err)
	}
	pos, ok := e.vault.GetPosition("bob", "BTC", "BTC", model.Long)
	if !ok {
		t.Fatal("position not opened")
	}
	if !pos.Size.Equal(usd("1000")) {
		t.Errorf("size = %s, want 1000", pos.Size)
	}
	// 250000 sat at 37000 is 92.5 USD, less the 1 USD position fee.
	if !pos.Collateral.Equal(usd("91.5")) {
		t.Errorf("collateral = %s, want 91.5", pos.Collateral)
	}
	if !e.ledger.BalanceOf(Account, "BTC").IsZero() {
		t.Errorf("custody BTC = %s, want 0 after open", e.ledger.BalanceOf(Account, "BTC"))
	}
	if !e.ledger.BalanceOf("keeperbot", "NATIVE").Equal(d("100")) {
		t.Errorf("keeper fee = %s, want 100", e.ledger.BalanceOf("keeperbot", "NATIVE"))
	}
	if err := e.book.ExecuteIncreaseOrder(ctx, "keeperbot", "bob", index, "keeperbot"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("re-execute err = %v, want ErrOrderNotFound", err)
	}
}

func TestIncreaseOrder_PurchaseFloorRejectsDust(t *testing.T) {
	e := newTestBook(t)
	ctx := context.Background()
	e.fund(t, "bob", "BTC", d("1000")) // 0.00001 BTC = 0.4 USD
	e.fund(t, "bob", "NATIVE", d("100"))

	_, err := e.book.CreateIncreaseOrder(ctx, "bob", []string{"BTC"}, d("1000"), "BTC", decimal.Zero, usd("1000"), "BTC", model.Long, usd("38000"), false, d("100"))
	if !errors.Is(err, ErrPurchaseTooSmall) {
		t.Fatalf("err = %v, want ErrPurchaseTooSmall", err)
	}
	if !e.ledger.BalanceOf("bob", "BTC").Equal(d("1000")) {
		t.Errorf("bob BTC = %s, want refund", e.ledger.BalanceOf("bob", "BTC"))
	}
	if !e.ledger.BalanceOf("bob", "NATIVE").Equal(d("100")) {
		t.Errorf("bob NATIVE = %s, want refund", e.ledger.BalanceOf("bob", "NATIVE"))
	}
}

func TestIncreaseOrder_SwapsPurchaseIntoCollateral(t *testing.T) {
	e := newTestBook(t)
	ctx := context.Background()
	e.seedBTCPool(t)
	e.fund(t, "bob", "USDC", usdc("4000"))
	e.fund(t, "bob", "NATIVE", d("100"))

	// Pay in USDC, collateralize in BTC. The purchase swap runs at
	// execution time.
	index, err := e.book.CreateIncreaseOrder(ctx, "bob", []string{"USDC"}, usdc("4000"), "BTC", decimal.Zero, usd("5000"), "BTC", model.Long, usd("41000"), false, d("100"))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.book.ExecuteIncreaseOrder(ctx, "keeperbot", "bob", index, "keeperbot"); err != nil {
		t.Fatal(err)
	}
	pos, ok := e.vault.GetPosition("bob", "BTC", "BTC", model.Long)
	if !ok {
		t.Fatal("position not opened")
	}
	if !pos.Size.Equal(usd("5000")) {
		t.Errorf("size = %s, want 5000", pos.Size)
	}
	// 4000 USDC swaps to 9970000 sat (3988 USD), less the 5 USD open fee.
	if !pos.Collateral.Equal(usd("3983")) {
		t.Errorf("collateral = %s, want 3983", pos.Collateral)
	}
	if !e.ledger.BalanceOf(Account, "USDC").IsZero() {
		t.Errorf("custody USDC = %s, want 0", e.ledger.BalanceOf(Account, "USDC"))
	}
	if !e.ledger.BalanceOf(Account, "BTC").IsZero() {
		t.Errorf("custody BTC = %s, want 0", e.ledger.BalanceOf(Account, "BTC"))
	}
}

func TestDecreaseOrder_TakeProfitClosesLong(t *testing.T) {
	e := newTestBook(t)
	ctx := context.Background()
	if err := e.ledger.Deposit("lp", "BTC", btc("1")); err != nil {
		t.Fatal(err)
	}
	if err := e.vault.DirectPoolDeposit(ctx, "lp", "BTC", btc("1")); err != nil {
		t.Fatal(err)
	}
	if err := e.ledger.Deposit("bob", "BTC", d("250000")); err != nil {
		t.Fatal(err)
	}
	if err := e.vault.IncreasePosition(ctx, "bob", "bob", "BTC", "BTC", d("250000"), usd("1000"), model.Long); err != nil {
		t.Fatal(err)
	}
	e.fund(t, "bob", "NATIVE", d("100"))

	index, err := e.book.CreateDecreaseOrder(ctx, "bob", "BTC", decimal.Zero, "BTC", usd("1000"), model.Long, usd("45000"), true, d("100"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.book.ExecuteDecreaseOrder(ctx, "keeperbot", "bob", index, "keeperbot"); !errors.Is(err, ErrTriggerNotMet) {
		t.Fatalf("below trigger err = %v, want ErrTriggerNotMet", err)
	}

	e.prices.set("BTC", usd("46000"))
	got, err := e.book.ExecuteDecreaseOrder(ctx, "keeperbot", "bob", index, "keeperbot")
	if err != nil {
		t.Fatal(err)
	}
	// 99 collateral + 150 profit - 1 close fee = 248 USD at 46000.
	if !got.Equal(d("539130")) {
		t.Errorf("amount out = %s, want 539130", got)
	}
	if !e.ledger.BalanceOf("bob", "BTC").Equal(d("539130")) {
		t.Errorf("bob BTC = %s, want 539130", e.ledger.BalanceOf("bob", "BTC"))
	}
	if _, ok := e.vault.GetPosition("bob", "BTC", "BTC", model.Long); ok {
		t.Error("position still open after take-profit")
	}
	if _, err := e.book.ExecuteDecreaseOrder(ctx, "keeperbot", "bob", index, "keeperbot"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("re-execute err = %v, want ErrOrderNotFound", err)
	}
}

func TestUpdateOrders_RewriteTriggers(t *testing.T) {
	e := newTestBook(t)
	ctx := context.Background()
	e.fund(t, "bob", "USDC", usdc("1000"))
	e.fund(t, "bob", "NATIVE", d("300"))

	swapIdx, err := e.book.CreateSwapOrder(ctx, "bob", []string{"USDC", "BTC"}, usdc("1000"), decimal.Zero, usd("45000"), true, d("100"))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.book.UpdateSwapOrder(ctx, "bob", swapIdx, d("7"), usd("44000"), false); err != nil {
		t.Fatal(err)
	}
	swap, _ := e.book.GetSwapOrder("bob", swapIdx)
	if !swap.MinOut.Equal(d("7")) || !swap.TriggerRatio.Equal(usd("44000")) || swap.TriggerAboveThreshold {
		t.Errorf("swap order after update = %+v", swap)
	}

	decIdx, err := e.book.CreateDecreaseOrder(ctx, "bob", "BTC", decimal.Zero, "BTC", usd("500"), model.Long, usd("45000"), true, d("100"))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.book.UpdateDecreaseOrder(ctx, "bob", decIdx, usd("10"), usd("600"), usd("47000"), true); err != nil {
		t.Fatal(err)
	}
	dec, _ := e.book.GetDecreaseOrder("bob", decIdx)
	if !dec.SizeDelta.Equal(usd("600")) || !dec.CollateralDelta.Equal(usd("10")) || !dec.TriggerPrice.Equal(usd("47000")) {
		t.Errorf("decrease order after update = %+v", dec)
	}

	if err := e.book.UpdateIncreaseOrder(ctx, "bob", 9, usd("1"), usd("1"), true); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("update missing order err = %v, want ErrOrderNotFound", err)
	}
}

func TestOrdersSnapshotRoundTrip(t *testing.T) {
	e := newTestBook(t)
	ctx := context.Background()
	e.seedBTCPool(t)
	e.fund(t, "bob", "USDC", usdc("4000"))
	e.fund(t, "bob", "BTC", d("250000"))
	e.fund(t, "bob", "NATIVE", d("300"))

	if _, err := e.book.CreateSwapOrder(ctx, "bob", []string{"USDC", "BTC"}, usdc("4000"), d("5"), usd("45000"), true, d("100")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.book.CreateIncreaseOrder(ctx, "bob", []string{"BTC"}, d("250000"), "BTC", decimal.Zero, usd("1000"), "BTC", model.Long, usd("38000"), false, d("100")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.book.CreateDecreaseOrder(ctx, "bob", "BTC", decimal.Zero, "BTC", usd("1000"), model.Long, usd("45000"), true, d("100")); err != nil {
		t.Fatal(err)
	}

	snap, err := e.book.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	restored := New(Config{ExecutionFeeToken: "NATIVE", MinExecutionFee: d("100"), MinPurchaseTokenAmountUsd: usd("10")}, e.vault, e.router, e.ledger, access.NewController("gov"), nil)
	if err := restored.Restore(snap); err != nil {
		t.Fatal(err)
	}

	swap, ok := restored.GetSwapOrder("bob", 0)
	if !ok {
		t.Fatal("swap order missing after restore")
	}
	if swap.Path[0] != "USDC" || swap.Path[1] != "BTC" || !swap.AmountIn.Equal(usdc("4000")) || !swap.MinOut.Equal(d("5")) {
		t.Errorf("restored swap order = %+v", swap)
	}
	inc, ok := restored.GetIncreaseOrder("bob", 0)
	if !ok {
		t.Fatal("increase order missing after restore")
	}
	if inc.PurchaseToken != "BTC" || !inc.SizeDelta.Equal(usd("1000")) || inc.Side != model.Long {
		t.Errorf("restored increase order = %+v", inc)
	}
	dec, ok := restored.GetDecreaseOrder("bob", 0)
	if !ok {
		t.Fatal("decrease order missing after restore")
	}
	if !dec.TriggerPrice.Equal(usd("45000")) || !dec.TriggerAboveThreshold {
		t.Errorf("restored decrease order = %+v", dec)
	}

	// index counters survive, so new orders keep climbing
	if got := len(restored.SwapOrders("bob")); got != 1 {
		t.Errorf("restored swap orders = %d, want 1", got)
	}
}

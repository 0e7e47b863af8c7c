// Package orderbook holds resting trigger orders: swaps and position
// increases/decreases that execute only once the oracle price crosses the
// order's trigger. The book custodies order principal and execution fees in
// its own bank account, pulled through the router plugin path, and refunds
// them verbatim on cancel. Executed and cancelled orders are deleted for
// good; their indices are never reused.
// All monetary values use shopspring/decimal — never float64 for money.
package orderbook

import (
	"context"
	"encoding/json"
	"errors"
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
	"github.com/perpx/vault-engine/internal/router"
	"github.com/perpx/vault-engine/internal/vault"
)

// Account is the book's custody account in the bank ledger and its plugin
// name in the router registry.
const Account = "orderbook"

var (
	ErrOrderNotFound      = errors.New("orderbook: non-existent order")
	ErrInvalidPath        = errors.New("orderbook: swap path must name two distinct tokens")
	ErrInvalidAmount      = errors.New("orderbook: amount must be positive")
	ErrExecutionFeeTooLow = errors.New("orderbook: execution fee below minimum")
	ErrPurchaseTooSmall   = errors.New("orderbook: purchase value below minimum")
	ErrTriggerNotMet      = errors.New("orderbook: trigger condition not met")
)

// SwapOrder swaps AmountIn of Path[0] into Path[1] once the price ratio
// crosses the trigger. Trigger-above orders are stop-losses and require the
// ratio check at execution; trigger-below orders are limits protected by
// MinOut alone.
type SwapOrder struct {
	Account               string          `json:"account"`
	Index                 uint64          `json:"index"`
	Path                  []string        `json:"path"`
	AmountIn              decimal.Decimal `json:"amount_in"`
	MinOut                decimal.Decimal `json:"min_out"`
	TriggerRatio          decimal.Decimal `json:"trigger_ratio"` // price(out)/price(in) at 1e30
	TriggerAboveThreshold bool            `json:"trigger_above_threshold"`
	ExecutionFee          decimal.Decimal `json:"execution_fee"`
	CreatedAt             time.Time       `json:"created_at"`
}

// IncreaseOrder opens or grows a position once the index price crosses the
// trigger. The purchase token is held by the book until execution, when it
// is swapped into the collateral token if they differ.
type IncreaseOrder struct {
	Account               string          `json:"account"`
	Index                 uint64          `json:"index"`
	PurchaseToken         string          `json:"purchase_token"`
	PurchaseTokenAmount   decimal.Decimal `json:"purchase_token_amount"`
	CollateralToken       string          `json:"collateral_token"`
	IndexToken            string          `json:"index_token"`
	SizeDelta             decimal.Decimal `json:"size_delta"`
	Side                  model.Side      `json:"side"`
	TriggerPrice          decimal.Decimal `json:"trigger_price"`
	TriggerAboveThreshold bool            `json:"trigger_above_threshold"`
	ExecutionFee          decimal.Decimal `json:"execution_fee"`
	CreatedAt             time.Time       `json:"created_at"`
}

// DecreaseOrder shrinks or closes a position once the index price crosses
// the trigger. Only the execution fee is custodied.
type DecreaseOrder struct {
	Account               string          `json:"account"`
	Index                 uint64          `json:"index"`
	CollateralToken       string          `json:"collateral_token"`
	CollateralDelta       decimal.Decimal `json:"collateral_delta"`
	IndexToken            string          `json:"index_token"`
	SizeDelta             decimal.Decimal `json:"size_delta"`
	Side                  model.Side      `json:"side"`
	TriggerPrice          decimal.Decimal `json:"trigger_price"`
	TriggerAboveThreshold bool            `json:"trigger_above_threshold"`
	ExecutionFee          decimal.Decimal `json:"execution_fee"`
	CreatedAt             time.Time       `json:"created_at"`
}

// Config carries the book's floors. The execution fee token is the chain's
// native token modelled as an ordinary bank token.
type Config struct {
	ExecutionFeeToken         string
	MinExecutionFee           decimal.Decimal
	MinPurchaseTokenAmountUsd decimal.Decimal // USD 1e30
}

// DefaultConfig returns the stock floors.
func DefaultConfig() Config {
	return Config{
		ExecutionFeeToken:         "NATIVE",
		MinExecutionFee:           decimal.NewFromInt(1),
		MinPurchaseTokenAmountUsd: decimal.New(10, 30),
	}
}

// Book is the resting-order store. One mutex serializes every mutation;
// vault effects go through the router plugin path so a failed execution
// leaves both the order and its custody untouched.
type Book struct {
	mu      sync.Mutex
	cfg     Config
	vault   *vault.Vault
	router  *router.Router
	bank    *bank.Ledger
	access  *access.Controller
	journal *journal.Journal
	now     func() time.Time

	swapOrders     map[string]map[uint64]*SwapOrder
	increaseOrders map[string]map[uint64]*IncreaseOrder
	decreaseOrders map[string]map[uint64]*DecreaseOrder
	swapIndex      map[string]uint64
	increaseIndex  map[string]uint64
	decreaseIndex  map[string]uint64
}

// New creates an empty book. A nil journal discards events.
func New(cfg Config, v *vault.Vault, r *router.Router, ledger *bank.Ledger, ctrl *access.Controller, jnl *journal.Journal) *Book {
	if jnl == nil {
		jnl = journal.Nop()
	}
	return &Book{
		cfg:            cfg,
		vault:          v,
		router:         r,
		bank:           ledger,
		access:         ctrl,
		journal:        jnl,
		now:            time.Now,
		swapOrders:     make(map[string]map[uint64]*SwapOrder),
		increaseOrders: make(map[string]map[uint64]*IncreaseOrder),
		decreaseOrders: make(map[string]map[uint64]*DecreaseOrder),
		swapIndex:      make(map[string]uint64),
		increaseIndex:  make(map[string]uint64),
		decreaseIndex:  make(map[string]uint64),
	}
}

// SetMinExecutionFee updates the execution fee floor. Governance only.
func (b *Book) SetMinExecutionFee(caller string, fee decimal.Decimal) error {
	if err := b.access.RequireGov(caller); err != nil {
		return err
	}
	if fee.IsNegative() {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.MinExecutionFee = fee
	return nil
}

// SetMinPurchaseTokenAmountUsd updates the order value floor. Governance only.
func (b *Book) SetMinPurchaseTokenAmountUsd(caller string, usd decimal.Decimal) error {
	if err := b.access.RequireGov(caller); err != nil {
		return err
	}
	if usd.IsNegative() {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.MinPurchaseTokenAmountUsd = usd
	return nil
}

func orderKey(account string, index uint64) string {
	return fmt.Sprintf("%s:%d", account, index)
}

// ---- swap orders ----

// CreateSwapOrder custodies amountIn of path[0] plus the execution fee and
// rests the order. Returns the order index.
func (b *Book) CreateSwapOrder(ctx context.Context, account string, path []string, amountIn, minOut, triggerRatio decimal.Decimal, triggerAboveThreshold bool, executionFee decimal.Decimal) (uint64, error) {
	if len(path) != 2 || path[0] == path[1] {
		return 0, ErrInvalidPath
	}
	if !amountIn.IsPositive() {
		return 0, ErrInvalidAmount
	}
	if executionFee.LessThan(b.cfg.MinExecutionFee) {
		return 0, ErrExecutionFeeTooLow
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.custody(account, path[0], amountIn, executionFee); err != nil {
		return 0, err
	}
	index := b.swapIndex[account]
	b.swapIndex[account] = index + 1
	order := &SwapOrder{
		Account:               account,
		Index:                 index,
		Path:                  append([]string(nil), path...),
		AmountIn:              amountIn,
		MinOut:                minOut,
		TriggerRatio:          triggerRatio,
		TriggerAboveThreshold: triggerAboveThreshold,
		ExecutionFee:          executionFee,
		CreatedAt:             b.now().UTC(),
	}
	if b.swapOrders[account] == nil {
		b.swapOrders[account] = make(map[uint64]*SwapOrder)
	}
	b.swapOrders[account][index] = order

	b.journal.Record(ctx, &model.Event{
		Type:    model.EventCreateSwapOrder,
		Account: account,
		Token:   path[0],
		Key:     orderKey(account, index),
		Data: map[string]string{
			"path_out":      path[1],
			"amount_in":     amountIn.String(),
			"min_out":       minOut.String(),
			"trigger_ratio": triggerRatio.String(),
			"trigger_above": fmt.Sprint(triggerAboveThreshold),
			"execution_fee": executionFee.String(),
		},
	})
	return index, nil
}

// UpdateSwapOrder rewrites the resting order's trigger and output floor.
func (b *Book) UpdateSwapOrder(ctx context.Context, account string, index uint64, minOut, triggerRatio decimal.Decimal, triggerAboveThreshold bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.swapOrders[account][index]
	if !ok {
		return ErrOrderNotFound
	}
	order.MinOut = minOut
	order.TriggerRatio = triggerRatio
	order.TriggerAboveThreshold = triggerAboveThreshold

	b.journal.Record(ctx, &model.Event{
		Type:    model.EventUpdateSwapOrder,
		Account: account,
		Key:     orderKey(account, index),
		Data: map[string]string{
			"min_out":       minOut.String(),
			"trigger_ratio": triggerRatio.String(),
			"trigger_above": fmt.Sprint(triggerAboveThreshold),
		},
	})
	return nil
}

// CancelSwapOrder deletes the order and refunds principal and fee verbatim.
func (b *Book) CancelSwapOrder(ctx context.Context, account string, index uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.swapOrders[account][index]
	if !ok {
		return ErrOrderNotFound
	}
	if err := b.release(account, order.Path[0], order.AmountIn, order.ExecutionFee); err != nil {
		return err
	}
	delete(b.swapOrders[account], index)

	b.journal.Record(ctx, &model.Event{
		Type:    model.EventCancelSwapOrder,
		Account: account,
		Token:   order.Path[0],
		Key:     orderKey(account, index),
		Data: map[string]string{
			"amount_in":     order.AmountIn.String(),
			"execution_fee": order.ExecutionFee.String(),
		},
	})
	return nil
}

// ExecuteSwapOrder runs the swap once the trigger allows it, paying the
// execution fee to feeReceiver. Order-keeper role required. A failed swap
// leaves the order resting.
func (b *Book) ExecuteSwapOrder(ctx context.Context, caller, account string, index uint64, feeReceiver string) (decimal.Decimal, error) {
	if err := b.access.Require(caller, access.RoleOrderKeeper); err != nil {
		return decimal.Decimal{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.swapOrders[account][index]
	if !ok {
		return decimal.Decimal{}, ErrOrderNotFound
	}
	// Trigger-below orders rely on minOut; only stop-style orders need the
	// ratio to have crossed.
	if order.TriggerAboveThreshold {
		ratio, err := b.swapRatio(ctx, order.Path)
		if err != nil {
			return decimal.Decimal{}, err
		}
		if !ratio.GreaterThan(order.TriggerRatio) {
			return decimal.Decimal{}, fmt.Errorf("%w: ratio %s <= trigger %s", ErrTriggerNotMet, ratio, order.TriggerRatio)
		}
	}

	amountOut, err := b.router.Swap(ctx, Account, order.Path, order.AmountIn, order.MinOut, order.Account)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if err := b.bank.Transfer(Account, feeReceiver, b.cfg.ExecutionFeeToken, order.ExecutionFee); err != nil {
		return decimal.Decimal{}, err
	}
	delete(b.swapOrders[account], index)

	b.journal.Record(ctx, &model.Event{
		Type:    model.EventExecuteSwapOrder,
		Account: account,
		Token:   order.Path[1],
		Key:     orderKey(account, index),
		Data: map[string]string{
			"amount_in":     order.AmountIn.String(),
			"amount_out":    amountOut.String(),
			"execution_fee": order.ExecutionFee.String(),
		},
	})
	return amountOut, nil
}

// swapRatio is price(path[1])/price(path[0]) at 1e30, pricing USDP legs at
// exactly one dollar. The input leg takes the min price and the output leg
// the max so the ratio is the worst case for the order.
func (b *Book) swapRatio(ctx context.Context, path []string) (decimal.Decimal, error) {
	priceIn := fixed.PricePrecision
	priceOut := fixed.PricePrecision
	var err error
	if path[0] != vault.UsdpSymbol {
		priceIn, err = b.vault.MinPrice(ctx, path[0])
		if err != nil {
			return decimal.Decimal{}, err
		}
	}
	if path[1] != vault.UsdpSymbol {
		priceOut, err = b.vault.MaxPrice(ctx, path[1])
		if err != nil {
			return decimal.Decimal{}, err
		}
	}
	return fixed.MulDiv(priceOut, fixed.PricePrecision, priceIn), nil
}

// ---- increase orders ----

// CreateIncreaseOrder custodies the purchase principal (swapping it into
// path[1] first when the path has two tokens) plus the execution fee, and
// rests the order. Returns the order index.
func (b *Book) CreateIncreaseOrder(ctx context.Context, account string, path []string, amountIn decimal.Decimal, indexToken string, minOut, sizeDelta decimal.Decimal, collateralToken string, side model.Side, triggerPrice decimal.Decimal, triggerAboveThreshold bool, executionFee decimal.Decimal) (uint64, error) {
	if len(path) != 1 && len(path) != 2 {
		return 0, ErrInvalidPath
	}
	if len(path) == 2 && path[0] == path[1] {
		return 0, ErrInvalidPath
	}
	if !amountIn.IsPositive() {
		return 0, ErrInvalidAmount
	}
	if executionFee.LessThan(b.cfg.MinExecutionFee) {
		return 0, ErrExecutionFeeTooLow
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.custody(account, path[0], amountIn, executionFee); err != nil {
		return 0, err
	}
	purchaseToken := path[len(path)-1]
	purchaseTokenAmount := amountIn
	if len(path) == 2 {
		out, err := b.router.Swap(ctx, Account, path, amountIn, minOut, Account)
		if err != nil {
			_ = b.release(account, path[0], amountIn, executionFee)
			return 0, err
		}
		purchaseTokenAmount = out
	}
	purchaseUsd, err := b.vault.TokenToUsdMin(ctx, purchaseToken, purchaseTokenAmount)
	if err == nil && purchaseUsd.LessThan(b.cfg.MinPurchaseTokenAmountUsd) {
		err = fmt.Errorf("%w: %s USD", ErrPurchaseTooSmall, purchaseUsd)
	}
	if err != nil {
		// The path swap is already committed, so the refund is in the
		// purchased token.
		_ = b.release(account, purchaseToken, purchaseTokenAmount, executionFee)
		return 0, err
	}

	index := b.increaseIndex[account]
	b.increaseIndex[account] = index + 1
	order := &IncreaseOrder{
		Account:               account,
		Index:                 index,
		PurchaseToken:         purchaseToken,
		PurchaseTokenAmount:   purchaseTokenAmount,
		CollateralToken:       collateralToken,
		IndexToken:            indexToken,
		SizeDelta:             sizeDelta,
		Side:                  side,
		TriggerPrice:          triggerPrice,
		TriggerAboveThreshold: triggerAboveThreshold,
		ExecutionFee:          executionFee,
		CreatedAt:             b.now().UTC(),
	}
	if b.increaseOrders[account] == nil {
		b.increaseOrders[account] = make(map[uint64]*IncreaseOrder)
	}
	b.increaseOrders[account][index] = order

	b.journal.Record(ctx, &model.Event{
		Type:    model.EventCreateIncreaseOrder,
		Account: account,
		Token:   indexToken,
		Key:     orderKey(account, index),
		Data: map[string]string{
			"purchase_token":        purchaseToken,
			"purchase_token_amount": purchaseTokenAmount.String(),
			"collateral_token":      collateralToken,
			"size_delta":            sizeDelta.String(),
			"side":                  string(side),
			"trigger_price":         triggerPrice.String(),
			"trigger_above":         fmt.Sprint(triggerAboveThreshold),
			"execution_fee":         executionFee.String(),
		},
	})
	return index, nil
}

// UpdateIncreaseOrder rewrites the resting order's size and trigger.
func (b *Book) UpdateIncreaseOrder(ctx context.Context, account string, index uint64, sizeDelta, triggerPrice decimal.Decimal, triggerAboveThreshold bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.increaseOrders[account][index]
	if !ok {
		return ErrOrderNotFound
	}
	order.SizeDelta = sizeDelta
	order.TriggerPrice = triggerPrice
	order.TriggerAboveThreshold = triggerAboveThreshold

	b.journal.Record(ctx, &model.Event{
		Type:    model.EventUpdateIncreaseOrder,
		Account: account,
		Key:     orderKey(account, index),
		Data: map[string]string{
			"size_delta":    sizeDelta.String(),
			"trigger_price": triggerPrice.String(),
			"trigger_above": fmt.Sprint(triggerAboveThreshold),
		},
	})
	return nil
}

// CancelIncreaseOrder deletes the order and refunds the purchase token and
// fee verbatim.
func (b *Book) CancelIncreaseOrder(ctx context.Context, account string, index uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.increaseOrders[account][index]
	if !ok {
		return ErrOrderNotFound
	}
	if err := b.release(account, order.PurchaseToken, order.PurchaseTokenAmount, order.ExecutionFee); err != nil {
		return err
	}
	delete(b.increaseOrders[account], index)

	b.journal.Record(ctx, &model.Event{
		Type:    model.EventCancelIncreaseOrder,
		Account: account,
		Token:   order.PurchaseToken,
		Key:     orderKey(account, index),
		Data: map[string]string{
			"purchase_token_amount": order.PurchaseTokenAmount.String(),
			"execution_fee":         order.ExecutionFee.String(),
		},
	})
	return nil
}

// ExecuteIncreaseOrder opens the position once the trigger allows it,
// swapping the purchase token into the collateral token first when they
// differ. Order-keeper role required. A failed open leaves the order
// resting.
func (b *Book) ExecuteIncreaseOrder(ctx context.Context, caller, account string, index uint64, feeReceiver string) error {
	if err := b.access.Require(caller, access.RoleOrderKeeper); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.increaseOrders[account][index]
	if !ok {
		return ErrOrderNotFound
	}
	// Longs open at the max price, shorts at the min.
	price, err := b.positionOrderPrice(ctx, order.TriggerAboveThreshold, order.TriggerPrice, order.IndexToken, order.Side.IsLong())
	if err != nil {
		return err
	}

	if order.PurchaseToken != order.CollateralToken {
		out, err := b.router.Swap(ctx, Account, []string{order.PurchaseToken, order.CollateralToken}, order.PurchaseTokenAmount, decimal.Zero, Account)
		if err != nil {
			return err
		}
		// Custody now holds the collateral token. Rewrite the order before
		// attempting the open so a later cancel refunds what is actually
		// held.
		order.PurchaseToken = order.CollateralToken
		order.PurchaseTokenAmount = out
	}
	if err := b.router.PluginIncreasePosition(ctx, Account, account, order.CollateralToken, order.IndexToken, order.PurchaseTokenAmount, order.SizeDelta, order.Side); err != nil {
		return err
	}
	if err := b.bank.Transfer(Account, feeReceiver, b.cfg.ExecutionFeeToken, order.ExecutionFee); err != nil {
		return err
	}
	delete(b.increaseOrders[account], index)

	b.journal.Record(ctx, &model.Event{
		Type:    model.EventExecuteIncreaseOrder,
		Account: account,
		Token:   order.IndexToken,
		Key:     orderKey(account, index),
		Data: map[string]string{
			"collateral_token":      order.CollateralToken,
			"purchase_token_amount": order.PurchaseTokenAmount.String(),
			"size_delta":            order.SizeDelta.String(),
			"side":                  string(order.Side),
			"execution_price":       price.String(),
			"execution_fee":         order.ExecutionFee.String(),
		},
	})
	return nil
}

// ---- decrease orders ----

// CreateDecreaseOrder custodies the execution fee and rests the order.
// Returns the order index.
func (b *Book) CreateDecreaseOrder(ctx context.Context, account, collateralToken string, collateralDelta decimal.Decimal, indexToken string, sizeDelta decimal.Decimal, side model.Side, triggerPrice decimal.Decimal, triggerAboveThreshold bool, executionFee decimal.Decimal) (uint64, error) {
	if !sizeDelta.IsPositive() && !collateralDelta.IsPositive() {
		return 0, ErrInvalidAmount
	}
	if sizeDelta.IsNegative() || collateralDelta.IsNegative() {
		return 0, ErrInvalidAmount
	}
	if executionFee.LessThan(b.cfg.MinExecutionFee) {
		return 0, ErrExecutionFeeTooLow
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.router.PluginTransfer(Account, b.cfg.ExecutionFeeToken, account, Account, executionFee); err != nil {
		return 0, err
	}
	index := b.decreaseIndex[account]
	b.decreaseIndex[account] = index + 1
	order := &DecreaseOrder{
		Account:               account,
		Index:                 index,
		CollateralToken:       collateralToken,
		CollateralDelta:       collateralDelta,
		IndexToken:            indexToken,
		SizeDelta:             sizeDelta,
		Side:                  side,
		TriggerPrice:          triggerPrice,
		TriggerAboveThreshold: triggerAboveThreshold,
		ExecutionFee:          executionFee,
		CreatedAt:             b.now().UTC(),
	}
	if b.decreaseOrders[account] == nil {
		b.decreaseOrders[account] = make(map[uint64]*DecreaseOrder)
	}
	b.decreaseOrders[account][index] = order

	b.journal.Record(ctx, &model.Event{
		Type:    model.EventCreateDecreaseOrder,
		Account: account,
		Token:   indexToken,
		Key:     orderKey(account, index),
		Data: map[string]string{
			"collateral_token": collateralToken,
			"collateral_delta": collateralDelta.String(),
			"size_delta":       sizeDelta.String(),
			"side":             string(side),
			"trigger_price":    triggerPrice.String(),
			"trigger_above":    fmt.Sprint(triggerAboveThreshold),
			"execution_fee":    executionFee.String(),
		},
	})
	return index, nil
}

// UpdateDecreaseOrder rewrites the resting order's deltas and trigger.
func (b *Book) UpdateDecreaseOrder(ctx context.Context, account string, index uint64, collateralDelta, sizeDelta, triggerPrice decimal.Decimal, triggerAboveThreshold bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.decreaseOrders[account][index]
	if !ok {
		return ErrOrderNotFound
	}
	order.CollateralDelta = collateralDelta
	order.SizeDelta = sizeDelta
	order.TriggerPrice = triggerPrice
	order.TriggerAboveThreshold = triggerAboveThreshold

	b.journal.Record(ctx, &model.Event{
		Type:    model.EventUpdateDecreaseOrder,
		Account: account,
		Key:     orderKey(account, index),
		Data: map[string]string{
			"collateral_delta": collateralDelta.String(),
			"size_delta":       sizeDelta.String(),
			"trigger_price":    triggerPrice.String(),
			"trigger_above":    fmt.Sprint(triggerAboveThreshold),
		},
	})
	return nil
}

// CancelDecreaseOrder deletes the order and refunds the fee verbatim.
func (b *Book) CancelDecreaseOrder(ctx context.Context, account string, index uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.decreaseOrders[account][index]
	if !ok {
		return ErrOrderNotFound
	}
	if err := b.bank.Transfer(Account, account, b.cfg.ExecutionFeeToken, order.ExecutionFee); err != nil {
		return err
	}
	delete(b.decreaseOrders[account], index)

	b.journal.Record(ctx, &model.Event{
		Type:    model.EventCancelDecreaseOrder,
		Account: account,
		Key:     orderKey(account, index),
		Data: map[string]string{
			"execution_fee": order.ExecutionFee.String(),
		},
	})
	return nil
}

// ExecuteDecreaseOrder closes down the position once the trigger allows it,
// paying the withdrawn amount straight to the order's account. Order-keeper
// role required. A failed decrease leaves the order resting.
func (b *Book) ExecuteDecreaseOrder(ctx context.Context, caller, account string, index uint64, feeReceiver string) (decimal.Decimal, error) {
	if err := b.access.Require(caller, access.RoleOrderKeeper); err != nil {
		return decimal.Decimal{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.decreaseOrders[account][index]
	if !ok {
		return decimal.Decimal{}, ErrOrderNotFound
	}
	// Longs close at the min price, shorts at the max.
	price, err := b.positionOrderPrice(ctx, order.TriggerAboveThreshold, order.TriggerPrice, order.IndexToken, !order.Side.IsLong())
	if err != nil {
		return decimal.Decimal{}, err
	}

	amountOut, err := b.router.PluginDecreasePosition(ctx, Account, account, order.CollateralToken, order.IndexToken, order.CollateralDelta, order.SizeDelta, order.Side, order.Account)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if err := b.bank.Transfer(Account, feeReceiver, b.cfg.ExecutionFeeToken, order.ExecutionFee); err != nil {
		return decimal.Decimal{}, err
	}
	delete(b.decreaseOrders[account], index)

	b.journal.Record(ctx, &model.Event{
		Type:    model.EventExecuteDecreaseOrder,
		Account: account,
		Token:   order.IndexToken,
		Key:     orderKey(account, index),
		Data: map[string]string{
			"collateral_token": order.CollateralToken,
			"collateral_delta": order.CollateralDelta.String(),
			"size_delta":       order.SizeDelta.String(),
			"side":             string(order.Side),
			"amount_out":       amountOut.String(),
			"execution_price":  price.String(),
			"execution_fee":    order.ExecutionFee.String(),
		},
	})
	return amountOut, nil
}

// positionOrderPrice returns the current mark price if it satisfies the
// trigger, ErrTriggerNotMet otherwise.
func (b *Book) positionOrderPrice(ctx context.Context, triggerAboveThreshold bool, triggerPrice decimal.Decimal, indexToken string, maximize bool) (decimal.Decimal, error) {
	var price decimal.Decimal
	var err error
	if maximize {
		price, err = b.vault.MaxPrice(ctx, indexToken)
	} else {
		price, err = b.vault.MinPrice(ctx, indexToken)
	}
	if err != nil {
		return decimal.Decimal{}, err
	}
	valid := price.LessThan(triggerPrice)
	if triggerAboveThreshold {
		valid = price.GreaterThan(triggerPrice)
	}
	if !valid {
		return decimal.Decimal{}, fmt.Errorf("%w: price %s, trigger %s", ErrTriggerNotMet, price, triggerPrice)
	}
	return price, nil
}

// custody pulls principal and execution fee into the book's account through
// the router plugin path, unwinding the principal if the fee pull fails.
func (b *Book) custody(account, token string, amount, executionFee decimal.Decimal) error {
	if err := b.router.PluginTransfer(Account, token, account, Account, amount); err != nil {
		return err
	}
	if err := b.router.PluginTransfer(Account, b.cfg.ExecutionFeeToken, account, Account, executionFee); err != nil {
		_ = b.bank.Transfer(Account, account, token, amount)
		return err
	}
	return nil
}

// release refunds custody straight from the book's bank account.
func (b *Book) release(account, token string, amount, executionFee decimal.Decimal) error {
	if err := b.bank.Transfer(Account, account, token, amount); err != nil {
		return err
	}
	return b.bank.Transfer(Account, account, b.cfg.ExecutionFeeToken, executionFee)
}

// ---- getters ----

// GetSwapOrder returns a copy of a resting swap order.
func (b *Book) GetSwapOrder(account string, index uint64) (SwapOrder, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.swapOrders[account][index]
	if !ok {
		return SwapOrder{}, false
	}
	out := *order
	out.Path = append([]string(nil), order.Path...)
	return out, true
}

// GetIncreaseOrder returns a copy of a resting increase order.
func (b *Book) GetIncreaseOrder(account string, index uint64) (IncreaseOrder, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.increaseOrders[account][index]
	if !ok {
		return IncreaseOrder{}, false
	}
	return *order, true
}

// GetDecreaseOrder returns a copy of a resting decrease order.
func (b *Book) GetDecreaseOrder(account string, index uint64) (DecreaseOrder, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.decreaseOrders[account][index]
	if !ok {
		return DecreaseOrder{}, false
	}
	return *order, true
}

// SwapOrders returns the account's resting swap orders sorted by index.
func (b *Book) SwapOrders(account string) []SwapOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SwapOrder, 0, len(b.swapOrders[account]))
	for _, order := range b.swapOrders[account] {
		cp := *order
		cp.Path = append([]string(nil), order.Path...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// IncreaseOrders returns the account's resting increase orders sorted by index.
func (b *Book) IncreaseOrders(account string) []IncreaseOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]IncreaseOrder, 0, len(b.increaseOrders[account]))
	for _, order := range b.increaseOrders[account] {
		out = append(out, *order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// DecreaseOrders returns the account's resting decrease orders sorted by index.
func (b *Book) DecreaseOrders(account string) []DecreaseOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DecreaseOrder, 0, len(b.decreaseOrders[account]))
	for _, order := range b.decreaseOrders[account] {
		out = append(out, *order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// AllSwapOrders returns every resting swap order, sorted by account then
// index. The keeper scans these.
func (b *Book) AllSwapOrders() []SwapOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []SwapOrder
	for _, orders := range b.swapOrders {
		for _, order := range orders {
			cp := *order
			cp.Path = append([]string(nil), order.Path...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// AllIncreaseOrders returns every resting increase order, sorted by account
// then index.
func (b *Book) AllIncreaseOrders() []IncreaseOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []IncreaseOrder
	for _, orders := range b.increaseOrders {
		for _, order := range orders {
			out = append(out, *order)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// AllDecreaseOrders returns every resting decrease order, sorted by account
// then index.
func (b *Book) AllDecreaseOrders() []DecreaseOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []DecreaseOrder
	for _, orders := range b.decreaseOrders {
		for _, order := range orders {
			out = append(out, *order)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// ---- persistence ----

// Snapshot serializes every resting order and index counter.
func (b *Book) Snapshot() (*model.OrdersSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := &model.OrdersSnapshot{
		Swap:          make(map[string]map[uint64][]byte),
		Increase:      make(map[string]map[uint64][]byte),
		Decrease:      make(map[string]map[uint64][]byte),
		SwapIndex:     make(map[string]uint64, len(b.swapIndex)),
		IncreaseIndex: make(map[string]uint64, len(b.increaseIndex)),
		DecreaseIndex: make(map[string]uint64, len(b.decreaseIndex)),
	}
	for account, index := range b.swapIndex {
		snap.SwapIndex[account] = index
	}
	for account, index := range b.increaseIndex {
		snap.IncreaseIndex[account] = index
	}
	for account, index := range b.decreaseIndex {
		snap.DecreaseIndex[account] = index
	}
	for account, orders := range b.swapOrders {
		for index, order := range orders {
			raw, err := json.Marshal(order)
			if err != nil {
				return nil, fmt.Errorf("snapshot swap order %s: %w", orderKey(account, index), err)
			}
			if snap.Swap[account] == nil {
				snap.Swap[account] = make(map[uint64][]byte)
			}
			snap.Swap[account][index] = raw
		}
	}
	for account, orders := range b.increaseOrders {
		for index, order := range orders {
			raw, err := json.Marshal(order)
			if err != nil {
				return nil, fmt.Errorf("snapshot increase order %s: %w", orderKey(account, index), err)
			}
			if snap.Increase[account] == nil {
				snap.Increase[account] = make(map[uint64][]byte)
			}
			snap.Increase[account][index] = raw
		}
	}
	for account, orders := range b.decreaseOrders {
		for index, order := range orders {
			raw, err := json.Marshal(order)
			if err != nil {
				return nil, fmt.Errorf("snapshot decrease order %s: %w", orderKey(account, index), err)
			}
			if snap.Decrease[account] == nil {
				snap.Decrease[account] = make(map[uint64][]byte)
			}
			snap.Decrease[account][index] = raw
		}
	}
	return snap, nil
}

// Restore replaces the book's contents from a snapshot.
func (b *Book) Restore(snap *model.OrdersSnapshot) error {
	if snap == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.swapOrders = make(map[string]map[uint64]*SwapOrder)
	b.increaseOrders = make(map[string]map[uint64]*IncreaseOrder)
	b.decreaseOrders = make(map[string]map[uint64]*DecreaseOrder)
	b.swapIndex = make(map[string]uint64, len(snap.SwapIndex))
	b.increaseIndex = make(map[string]uint64, len(snap.IncreaseIndex))
	b.decreaseIndex = make(map[string]uint64, len(snap.DecreaseIndex))
	for account, index := range snap.SwapIndex {
		b.swapIndex[account] = index
	}
	for account, index := range snap.IncreaseIndex {
		b.increaseIndex[account] = index
	}
	for account, index := range snap.DecreaseIndex {
		b.decreaseIndex[account] = index
	}
	for account, orders := range snap.Swap {
		for index, raw := range orders {
			var order SwapOrder
			if err := json.Unmarshal(raw, &order); err != nil {
				return fmt.Errorf("restore swap order %s: %w", orderKey(account, index), err)
			}
			if b.swapOrders[account] == nil {
				b.swapOrders[account] = make(map[uint64]*SwapOrder)
			}
			b.swapOrders[account][index] = &order
		}
	}
	for account, orders := range snap.Increase {
		for index, raw := range orders {
			var order IncreaseOrder
			if err := json.Unmarshal(raw, &order); err != nil {
				return fmt.Errorf("restore increase order %s: %w", orderKey(account, index), err)
			}
			if b.increaseOrders[account] == nil {
				b.increaseOrders[account] = make(map[uint64]*IncreaseOrder)
			}
			b.increaseOrders[account][index] = &order
		}
	}
	for account, orders := range snap.Decrease {
		for index, raw := range orders {
			var order DecreaseOrder
			if err := json.Unmarshal(raw, &order); err != nil {
				return fmt.Errorf("restore decrease order %s: %w", orderKey(account, index), err)
			}
			if b.decreaseOrders[account] == nil {
				b.decreaseOrders[account] = make(map[uint64]*DecreaseOrder)
			}
			b.decreaseOrders[account][index] = &order
		}
	}
	return nil
}

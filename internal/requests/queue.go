// Package requests is the delayed position-request queue: traders enqueue
// increase/decrease requests, and after a minimum delay a keeper (or, later,
// the owner) executes them against the vault at the then-current price. Two
// FIFO key arrays with persisted cursors drive batch execution; each entry is
// fault-isolated so one bad request cannot block the rest of the walk.
// All monetary values use shopspring/decimal — never float64 for money.
package requests

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
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

// Account is the queue's custody account in the bank ledger and its plugin
// name in the router registry.
const Account = "requests"

var (
	ErrExecutionFeeTooLow = errors.New("requests: execution fee below minimum")
	ErrInvalidPath        = errors.New("requests: invalid swap path")
	ErrInvalidAmount      = errors.New("requests: amount must not be negative")
	ErrRequestExpired     = errors.New("requests: request has expired")
	ErrDelayNotMet        = errors.New("requests: minimum delay not passed")
	ErrUnacceptablePrice  = errors.New("requests: mark price outside acceptable bound")
	ErrMaxLongsExceeded   = errors.New("requests: max global long size exceeded")
	ErrMaxShortsExceeded  = errors.New("requests: max global short size exceeded")
)

// IncreaseRequest is a pending request to open or grow a position. Path is
// one or two tokens; with two, the principal swaps into the collateral token
// at execution time.
type IncreaseRequest struct {
	Account         string          `json:"account"`
	Index           uint64          `json:"index"`
	Path            []string        `json:"path"`
	IndexToken      string          `json:"index_token"`
	AmountIn        decimal.Decimal `json:"amount_in"`
	MinOut          decimal.Decimal `json:"min_out"`
	SizeDelta       decimal.Decimal `json:"size_delta"`
	Side            model.Side      `json:"side"`
	AcceptablePrice decimal.Decimal `json:"acceptable_price"`
	ExecutionFee    decimal.Decimal `json:"execution_fee"`
	CreatedAt       time.Time       `json:"created_at"`
}

// DecreaseRequest is a pending request to shrink or close a position. Path
// starts with the collateral token; with a second token the payout swaps
// into it before reaching the receiver.
type DecreaseRequest struct {
	Account         string          `json:"account"`
	Index           uint64          `json:"index"`
	Path            []string        `json:"path"`
	IndexToken      string          `json:"index_token"`
	CollateralDelta decimal.Decimal `json:"collateral_delta"`
	SizeDelta       decimal.Decimal `json:"size_delta"`
	Side            model.Side      `json:"side"`
	Receiver        string          `json:"receiver"`
	AcceptablePrice decimal.Decimal `json:"acceptable_price"`
	MinOut          decimal.Decimal `json:"min_out"`
	ExecutionFee    decimal.Decimal `json:"execution_fee"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Config carries the queue's delay windows and fee parameters.
type Config struct {
	ExecutionFeeToken  string
	MinExecutionFee    decimal.Decimal
	MinDelayKeeper     time.Duration // keepers may execute after this
	MinTimeDelayPublic time.Duration // owners may execute after this
	MaxTimeDelay       time.Duration // nobody may execute after this
	DepositFeeBps      decimal.Decimal
	IncreaseBufferBps  decimal.Decimal
}

// DefaultConfig returns the stock delays and fees.
func DefaultConfig() Config {
	return Config{
		ExecutionFeeToken:  "NATIVE",
		MinExecutionFee:    decimal.NewFromInt(1),
		MinDelayKeeper:     2 * time.Second,
		MinTimeDelayPublic: 3 * time.Minute,
		MaxTimeDelay:       30 * time.Minute,
		DepositFeeBps:      decimal.NewFromInt(30),
		IncreaseBufferBps:  decimal.NewFromInt(100),
	}
}

// Queue holds the pending requests and their execution cursors.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	vault   *vault.Vault
	router  *router.Router
	bank    *bank.Ledger
	access  *access.Controller
	journal *journal.Journal
	now     func() time.Time

	increase      map[string]*IncreaseRequest
	decrease      map[string]*DecreaseRequest
	increaseKeys  []string
	decreaseKeys  []string
	increaseStart int
	decreaseStart int
	increaseIndex map[string]uint64
	decreaseIndex map[string]uint64

	maxGlobalLongSizes  map[string]decimal.Decimal
	maxGlobalShortSizes map[string]decimal.Decimal
	feeReserves         map[string]decimal.Decimal
}

// New creates an empty queue. A nil journal discards events.
func New(cfg Config, v *vault.Vault, r *router.Router, ledger *bank.Ledger, ctrl *access.Controller, jnl *journal.Journal) *Queue {
	if jnl == nil {
		jnl = journal.Nop()
	}
	return &Queue{
		cfg:                 cfg,
		vault:               v,
		router:              r,
		bank:                ledger,
		access:              ctrl,
		journal:             jnl,
		now:                 time.Now,
		increase:            make(map[string]*IncreaseRequest),
		decrease:            make(map[string]*DecreaseRequest),
		increaseIndex:       make(map[string]uint64),
		decreaseIndex:       make(map[string]uint64),
		maxGlobalLongSizes:  make(map[string]decimal.Decimal),
		maxGlobalShortSizes: make(map[string]decimal.Decimal),
		feeReserves:         make(map[string]decimal.Decimal),
	}
}

func requestKey(account string, index uint64) string {
	return fmt.Sprintf("%s:%d", account, index)
}

// ---- governance ----

// SetDelays updates the execution delay windows. Governance only.
func (q *Queue) SetDelays(caller string, minDelayKeeper, minTimeDelayPublic, maxTimeDelay time.Duration) error {
	if err := q.access.RequireGov(caller); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cfg.MinDelayKeeper = minDelayKeeper
	q.cfg.MinTimeDelayPublic = minTimeDelayPublic
	q.cfg.MaxTimeDelay = maxTimeDelay
	return nil
}

// SetDepositFee updates the deposit fee taken when an increase lowers
// leverage. Governance only.
func (q *Queue) SetDepositFee(caller string, bps decimal.Decimal) error {
	if err := q.access.RequireGov(caller); err != nil {
		return err
	}
	if bps.IsNegative() || bps.GreaterThan(fixed.BasisPointsDivisor) {
		return ErrInvalidAmount
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cfg.DepositFeeBps = bps
	return nil
}

// SetMaxGlobalSizes caps the aggregate long and short exposure the queue
// will open for a token. Zero means uncapped. Governance only.
func (q *Queue) SetMaxGlobalSizes(caller, token string, long, short decimal.Decimal) error {
	if err := q.access.RequireGov(caller); err != nil {
		return err
	}
	if long.IsNegative() || short.IsNegative() {
		return ErrInvalidAmount
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxGlobalLongSizes[token] = long
	q.maxGlobalShortSizes[token] = short
	return nil
}

// FeeReserve reports the accumulated deposit fees for a token.
func (q *Queue) FeeReserve(token string) decimal.Decimal {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.feeReserves[token]
}

// WithdrawFees sends a token's accumulated deposit fees to receiver.
// Governance only.
func (q *Queue) WithdrawFees(caller, token, receiver string) (decimal.Decimal, error) {
	if err := q.access.RequireGov(caller); err != nil {
		return decimal.Decimal{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	amount := q.feeReserves[token]
	if !amount.IsPositive() {
		return decimal.Zero, nil
	}
	if err := q.bank.Transfer(Account, receiver, token, amount); err != nil {
		return decimal.Decimal{}, err
	}
	q.feeReserves[token] = decimal.Zero
	return amount, nil
}

// ---- create ----

// CreateIncreasePosition enqueues an increase request, custodying the
// principal and the execution fee. Returns the per-account request index,
// which starts at 1.
func (q *Queue) CreateIncreasePosition(ctx context.Context, account string, path []string, indexToken string, amountIn, minOut, sizeDelta decimal.Decimal, side model.Side, acceptablePrice, executionFee decimal.Decimal) (uint64, error) {
	if len(path) != 1 && len(path) != 2 {
		return 0, ErrInvalidPath
	}
	if len(path) == 2 && path[0] == path[1] {
		return 0, ErrInvalidPath
	}
	if amountIn.IsNegative() {
		return 0, ErrInvalidAmount
	}
	if executionFee.LessThan(q.cfg.MinExecutionFee) {
		return 0, ErrExecutionFeeTooLow
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.router.PluginTransfer(Account, q.cfg.ExecutionFeeToken, account, Account, executionFee); err != nil {
		return 0, err
	}
	if amountIn.IsPositive() {
		if err := q.router.PluginTransfer(Account, path[0], account, Account, amountIn); err != nil {
			_ = q.bank.Transfer(Account, account, q.cfg.ExecutionFeeToken, executionFee)
			return 0, err
		}
	}

	index := q.increaseIndex[account] + 1
	q.increaseIndex[account] = index
	key := requestKey(account, index)
	req := &IncreaseRequest{
		Account:         account,
		Index:           index,
		Path:            append([]string(nil), path...),
		IndexToken:      indexToken,
		AmountIn:        amountIn,
		MinOut:          minOut,
		SizeDelta:       sizeDelta,
		Side:            side,
		AcceptablePrice: acceptablePrice,
		ExecutionFee:    executionFee,
		CreatedAt:       q.now().UTC(),
	}
	q.increase[key] = req
	q.increaseKeys = append(q.increaseKeys, key)

	q.journal.Record(ctx, &model.Event{
		Type:    model.EventCreateIncreaseRequest,
		Account: account,
		Token:   indexToken,
		Key:     key,
		Data: map[string]string{
			"path_in":          path[0],
			"collateral_token": path[len(path)-1],
			"amount_in":        amountIn.String(),
			"size_delta":       sizeDelta.String(),
			"side":             string(side),
			"acceptable_price": acceptablePrice.String(),
			"execution_fee":    executionFee.String(),
		},
	})
	return index, nil
}

// CreateDecreasePosition enqueues a decrease request, custodying only the
// execution fee. Returns the per-account request index, which starts at 1.
func (q *Queue) CreateDecreasePosition(ctx context.Context, account string, path []string, indexToken string, collateralDelta, sizeDelta decimal.Decimal, side model.Side, receiver string, acceptablePrice, minOut, executionFee decimal.Decimal) (uint64, error) {
	if len(path) != 1 && len(path) != 2 {
		return 0, ErrInvalidPath
	}
	if len(path) == 2 && path[0] == path[1] {
		return 0, ErrInvalidPath
	}
	if collateralDelta.IsNegative() || sizeDelta.IsNegative() {
		return 0, ErrInvalidAmount
	}
	if executionFee.LessThan(q.cfg.MinExecutionFee) {
		return 0, ErrExecutionFeeTooLow
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.router.PluginTransfer(Account, q.cfg.ExecutionFeeToken, account, Account, executionFee); err != nil {
		return 0, err
	}
	index := q.decreaseIndex[account] + 1
	q.decreaseIndex[account] = index
	key := requestKey(account, index)
	req := &DecreaseRequest{
		Account:         account,
		Index:           index,
		Path:            append([]string(nil), path...),
		IndexToken:      indexToken,
		CollateralDelta: collateralDelta,
		SizeDelta:       sizeDelta,
		Side:            side,
		Receiver:        receiver,
		AcceptablePrice: acceptablePrice,
		MinOut:          minOut,
		ExecutionFee:    executionFee,
		CreatedAt:       q.now().UTC(),
	}
	q.decrease[key] = req
	q.decreaseKeys = append(q.decreaseKeys, key)

	q.journal.Record(ctx, &model.Event{
		Type:    model.EventCreateDecreaseRequest,
		Account: account,
		Token:   indexToken,
		Key:     key,
		Data: map[string]string{
			"collateral_token": path[0],
			"collateral_delta": collateralDelta.String(),
			"size_delta":       sizeDelta.String(),
			"side":             string(side),
			"receiver":         receiver,
			"acceptable_price": acceptablePrice.String(),
			"execution_fee":    executionFee.String(),
		},
	})
	return index, nil
}

// ---- execute / cancel ----

// ExecuteIncreasePosition executes one request. The bool reports whether the
// request is resolved: true when executed now or already gone, false when
// the caller must wait. Vault rejections come back as errors with the
// request left pending.
func (q *Queue) ExecuteIncreasePosition(ctx context.Context, caller, account string, index uint64, feeReceiver string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.executeIncreasePosition(ctx, caller, requestKey(account, index), feeReceiver)
}

// CancelIncreasePosition cancels one request, refunding principal and fee.
// The bool semantics match ExecuteIncreasePosition.
func (q *Queue) CancelIncreasePosition(ctx context.Context, caller, account string, index uint64, feeReceiver string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelIncreasePosition(ctx, caller, requestKey(account, index), feeReceiver)
}

// ExecuteDecreasePosition executes one request; bool semantics as above.
func (q *Queue) ExecuteDecreasePosition(ctx context.Context, caller, account string, index uint64, feeReceiver string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.executeDecreasePosition(ctx, caller, requestKey(account, index), feeReceiver)
}

// CancelDecreasePosition cancels one request, refunding the execution fee.
func (q *Queue) CancelDecreasePosition(ctx context.Context, caller, account string, index uint64, feeReceiver string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelDecreasePosition(ctx, caller, requestKey(account, index), feeReceiver)
}

// ExecuteIncreasePositions walks the increase queue from its cursor up to
// end, executing each request and cancelling the ones the vault rejects.
// The walk stops at the first request that is not yet executable and
// persists the cursor there. Keeper role required.
func (q *Queue) ExecuteIncreasePositions(ctx context.Context, caller string, end int, feeReceiver string) error {
	if err := q.access.Require(caller, access.RoleKeeper); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	index := q.increaseStart
	if end > len(q.increaseKeys) {
		end = len(q.increaseKeys)
	}
	for index < end {
		key := q.increaseKeys[index]
		executed, err := q.executeIncreasePosition(ctx, caller, key, feeReceiver)
		if err != nil {
			cancelled, cancelErr := q.cancelIncreasePosition(ctx, caller, key, feeReceiver)
			if cancelErr != nil {
				// Do not let one stuck request block the queue.
				slog.Error("increase request cancel failed", "key", key, "err", cancelErr, "execute_err", err)
			} else if !cancelled {
				break
			}
		} else if !executed {
			break
		}
		index++
	}
	q.increaseStart = index
	return nil
}

// ExecuteDecreasePositions is the decrease-side batch walk. Keeper role
// required.
func (q *Queue) ExecuteDecreasePositions(ctx context.Context, caller string, end int, feeReceiver string) error {
	if err := q.access.Require(caller, access.RoleKeeper); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	index := q.decreaseStart
	if end > len(q.decreaseKeys) {
		end = len(q.decreaseKeys)
	}
	for index < end {
		key := q.decreaseKeys[index]
		executed, err := q.executeDecreasePosition(ctx, caller, key, feeReceiver)
		if err != nil {
			cancelled, cancelErr := q.cancelDecreasePosition(ctx, caller, key, feeReceiver)
			if cancelErr != nil {
				slog.Error("decrease request cancel failed", "key", key, "err", cancelErr, "execute_err", err)
			} else if !cancelled {
				break
			}
		} else if !executed {
			break
		}
		index++
	}
	q.decreaseStart = index
	return nil
}

func (q *Queue) executeIncreasePosition(ctx context.Context, caller, key, feeReceiver string) (bool, error) {
	req, ok := q.increase[key]
	if !ok {
		// Already executed or cancelled; the batch walk moves on.
		return true, nil
	}
	should, err := q.validateExecution(caller, req.Account, req.CreatedAt)
	if err != nil {
		return false, err
	}
	if !should {
		return false, nil
	}
	if err := q.checkGlobalSizes(req.IndexToken, req.Side, req.SizeDelta); err != nil {
		return false, err
	}
	markPrice, err := q.increaseMarkPrice(ctx, req.IndexToken, req.Side, req.AcceptablePrice)
	if err != nil {
		return false, err
	}

	collateralToken := req.Path[len(req.Path)-1]
	amountIn := req.AmountIn
	if amountIn.IsPositive() && len(req.Path) == 2 {
		out, err := q.router.Swap(ctx, Account, req.Path, amountIn, req.MinOut, Account)
		if err != nil {
			return false, err
		}
		// Custody changed token; rewrite the request so a later cancel
		// refunds what is actually held.
		req.Path = []string{collateralToken}
		req.AmountIn = out
		req.MinOut = decimal.Zero
		amountIn = out
	}
	afterFee := amountIn
	deductFee := amountIn.IsPositive() && q.shouldDeductFee(ctx, req.Account, collateralToken, req.IndexToken, amountIn, req.Side, req.SizeDelta)
	if deductFee {
		afterFee = fixed.AfterFee(amountIn, q.cfg.DepositFeeBps)
	}
	if err := q.router.PluginIncreasePosition(ctx, Account, req.Account, collateralToken, req.IndexToken, afterFee, req.SizeDelta, req.Side); err != nil {
		return false, err
	}
	if deductFee {
		q.feeReserves[collateralToken] = q.feeReserves[collateralToken].Add(amountIn.Sub(afterFee))
	}
	delete(q.increase, key)
	_ = q.bank.Transfer(Account, feeReceiver, q.cfg.ExecutionFeeToken, req.ExecutionFee)

	q.journal.Record(ctx, &model.Event{
		Type:    model.EventExecuteIncreaseRequest,
		Account: req.Account,
		Token:   req.IndexToken,
		Key:     key,
		Data: map[string]string{
			"collateral_token": collateralToken,
			"amount_in":        amountIn.String(),
			"deposit_fee":      amountIn.Sub(afterFee).String(),
			"size_delta":       req.SizeDelta.String(),
			"side":             string(req.Side),
			"mark_price":       markPrice.String(),
			"execution_fee":    req.ExecutionFee.String(),
		},
	})
	return true, nil
}

func (q *Queue) cancelIncreasePosition(ctx context.Context, caller, key, feeReceiver string) (bool, error) {
	req, ok := q.increase[key]
	if !ok {
		return true, nil
	}
	should, err := q.validateCancellation(caller, req.Account, req.CreatedAt)
	if err != nil {
		return false, err
	}
	if !should {
		return false, nil
	}
	if req.AmountIn.IsPositive() {
		if err := q.bank.Transfer(Account, req.Account, req.Path[0], req.AmountIn); err != nil {
			return false, err
		}
	}
	delete(q.increase, key)
	_ = q.bank.Transfer(Account, feeReceiver, q.cfg.ExecutionFeeToken, req.ExecutionFee)

	q.journal.Record(ctx, &model.Event{
		Type:    model.EventCancelIncreaseRequest,
		Account: req.Account,
		Token:   req.IndexToken,
		Key:     key,
		Data: map[string]string{
			"amount_in":     req.AmountIn.String(),
			"refund_token":  req.Path[0],
			"execution_fee": req.ExecutionFee.String(),
		},
	})
	return true, nil
}

func (q *Queue) executeDecreasePosition(ctx context.Context, caller, key, feeReceiver string) (bool, error) {
	req, ok := q.decrease[key]
	if !ok {
		return true, nil
	}
	should, err := q.validateExecution(caller, req.Account, req.CreatedAt)
	if err != nil {
		return false, err
	}
	if !should {
		return false, nil
	}
	markPrice, err := q.decreaseMarkPrice(ctx, req.IndexToken, req.Side, req.AcceptablePrice)
	if err != nil {
		return false, err
	}

	receiver := req.Receiver
	if len(req.Path) == 2 {
		receiver = Account
	}
	amountOut, err := q.router.PluginDecreasePosition(ctx, Account, req.Account, req.Path[0], req.IndexToken, req.CollateralDelta, req.SizeDelta, req.Side, receiver)
	if err != nil {
		return false, err
	}
	outToken := req.Path[0]
	if amountOut.IsPositive() && len(req.Path) == 2 {
		out, err := q.router.Swap(ctx, Account, req.Path, amountOut, req.MinOut, req.Receiver)
		if err != nil {
			// The decrease is committed; pay out the collateral token
			// rather than strand it in custody.
			slog.Warn("decrease payout swap failed, paying collateral token",
				"key", key, "err", err)
			if tErr := q.bank.Transfer(Account, req.Receiver, req.Path[0], amountOut); tErr != nil {
				return false, tErr
			}
		} else {
			outToken = req.Path[1]
			amountOut = out
		}
	}
	delete(q.decrease, key)
	_ = q.bank.Transfer(Account, feeReceiver, q.cfg.ExecutionFeeToken, req.ExecutionFee)

	q.journal.Record(ctx, &model.Event{
		Type:    model.EventExecuteDecreaseRequest,
		Account: req.Account,
		Token:   req.IndexToken,
		Key:     key,
		Data: map[string]string{
			"collateral_token": req.Path[0],
			"collateral_delta": req.CollateralDelta.String(),
			"size_delta":       req.SizeDelta.String(),
			"side":             string(req.Side),
			"out_token":        outToken,
			"amount_out":       amountOut.String(),
			"mark_price":       markPrice.String(),
			"execution_fee":    req.ExecutionFee.String(),
		},
	})
	return true, nil
}

func (q *Queue) cancelDecreasePosition(ctx context.Context, caller, key, feeReceiver string) (bool, error) {
	req, ok := q.decrease[key]
	if !ok {
		return true, nil
	}
	should, err := q.validateCancellation(caller, req.Account, req.CreatedAt)
	if err != nil {
		return false, err
	}
	if !should {
		return false, nil
	}
	delete(q.decrease, key)
	_ = q.bank.Transfer(Account, feeReceiver, q.cfg.ExecutionFeeToken, req.ExecutionFee)

	q.journal.Record(ctx, &model.Event{
		Type:    model.EventCancelDecreaseRequest,
		Account: req.Account,
		Token:   req.IndexToken,
		Key:     key,
		Data: map[string]string{
			"execution_fee": req.ExecutionFee.String(),
		},
	})
	return true, nil
}

// validateExecution decides whether caller may execute a request created at
// createdAt right now. False with a nil error means not yet.
func (q *Queue) validateExecution(caller, account string, createdAt time.Time) (bool, error) {
	now := q.now()
	if q.cfg.MaxTimeDelay > 0 && !now.Before(createdAt.Add(q.cfg.MaxTimeDelay)) {
		return false, ErrRequestExpired
	}
	if q.access.Has(caller, access.RoleKeeper) {
		return !now.Before(createdAt.Add(q.cfg.MinDelayKeeper)), nil
	}
	if caller != account {
		return false, access.ErrUnauthorized
	}
	if now.Before(createdAt.Add(q.cfg.MinTimeDelayPublic)) {
		return false, ErrDelayNotMet
	}
	return true, nil
}

// validateCancellation mirrors validateExecution without the expiry window:
// an expired request can still be cancelled.
func (q *Queue) validateCancellation(caller, account string, createdAt time.Time) (bool, error) {
	now := q.now()
	if q.access.Has(caller, access.RoleKeeper) {
		return !now.Before(createdAt.Add(q.cfg.MinDelayKeeper)), nil
	}
	if caller != account {
		return false, access.ErrUnauthorized
	}
	if now.Before(createdAt.Add(q.cfg.MinTimeDelayPublic)) {
		return false, ErrDelayNotMet
	}
	return true, nil
}

// CheckGlobalSizes reports whether adding sizeDelta would breach the
// configured global long or short cap for the index token. The order keeper
// uses it to pre-flight resting orders against the same caps.
func (q *Queue) CheckGlobalSizes(indexToken string, side model.Side, sizeDelta decimal.Decimal) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.checkGlobalSizes(indexToken, side, sizeDelta)
}

func (q *Queue) checkGlobalSizes(indexToken string, side model.Side, sizeDelta decimal.Decimal) error {
	ts, ok := q.vault.TokenState(indexToken)
	if !ok {
		return nil // the vault rejects unknown tokens itself
	}
	if side.IsLong() {
		limit := q.maxGlobalLongSizes[indexToken]
		if limit.IsPositive() && ts.GuaranteedUsd.Add(sizeDelta).GreaterThan(limit) {
			return fmt.Errorf("%w: %s", ErrMaxLongsExceeded, indexToken)
		}
		return nil
	}
	limit := q.maxGlobalShortSizes[indexToken]
	if limit.IsPositive() && ts.GlobalShortSize.Add(sizeDelta).GreaterThan(limit) {
		return fmt.Errorf("%w: %s", ErrMaxShortsExceeded, indexToken)
	}
	return nil
}

// increaseMarkPrice returns the open price if it is within the acceptable
// bound: longs open at or below it, shorts at or above it.
func (q *Queue) increaseMarkPrice(ctx context.Context, indexToken string, side model.Side, acceptablePrice decimal.Decimal) (decimal.Decimal, error) {
	if side.IsLong() {
		price, err := q.vault.MaxPrice(ctx, indexToken)
		if err != nil {
			return decimal.Decimal{}, err
		}
		if price.GreaterThan(acceptablePrice) {
			return decimal.Decimal{}, fmt.Errorf("%w: mark %s above %s", ErrUnacceptablePrice, price, acceptablePrice)
		}
		return price, nil
	}
	price, err := q.vault.MinPrice(ctx, indexToken)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if price.LessThan(acceptablePrice) {
		return decimal.Decimal{}, fmt.Errorf("%w: mark %s below %s", ErrUnacceptablePrice, price, acceptablePrice)
	}
	return price, nil
}

// decreaseMarkPrice returns the close price if it is within the acceptable
// bound: longs close at or above it, shorts at or below it.
func (q *Queue) decreaseMarkPrice(ctx context.Context, indexToken string, side model.Side, acceptablePrice decimal.Decimal) (decimal.Decimal, error) {
	if side.IsLong() {
		price, err := q.vault.MinPrice(ctx, indexToken)
		if err != nil {
			return decimal.Decimal{}, err
		}
		if price.LessThan(acceptablePrice) {
			return decimal.Decimal{}, fmt.Errorf("%w: mark %s below %s", ErrUnacceptablePrice, price, acceptablePrice)
		}
		return price, nil
	}
	price, err := q.vault.MaxPrice(ctx, indexToken)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if price.GreaterThan(acceptablePrice) {
		return decimal.Decimal{}, fmt.Errorf("%w: mark %s above %s", ErrUnacceptablePrice, price, acceptablePrice)
	}
	return price, nil
}

// shouldDeductFee reports whether an increase is effectively a collateral
// deposit: longs only, and only when the added collateral lowers leverage
// past the configured buffer.
func (q *Queue) shouldDeductFee(ctx context.Context, account, collateralToken, indexToken string, amountIn decimal.Decimal, side model.Side, sizeDelta decimal.Decimal) bool {
	if !side.IsLong() {
		return false
	}
	if sizeDelta.IsZero() {
		return true
	}
	pos, ok := q.vault.GetPosition(account, collateralToken, indexToken, side)
	if !ok || pos.Size.IsZero() {
		return false
	}
	collateralDelta, err := q.vault.TokenToUsdMin(ctx, collateralToken, amountIn)
	if err != nil {
		return false
	}
	nextSize := pos.Size.Add(sizeDelta)
	nextCollateral := pos.Collateral.Add(collateralDelta)
	if pos.Collateral.IsZero() || nextCollateral.IsZero() {
		return false
	}
	prevLeverage := fixed.MulDiv(pos.Size, fixed.BasisPointsDivisor, pos.Collateral)
	nextLeverage := fixed.MulDiv(nextSize, fixed.BasisPointsDivisor.Add(q.cfg.IncreaseBufferBps), nextCollateral)
	return nextLeverage.LessThan(prevLeverage)
}

// ---- getters ----

// GetIncreaseRequest returns a copy of a pending increase request.
func (q *Queue) GetIncreaseRequest(account string, index uint64) (IncreaseRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.increase[requestKey(account, index)]
	if !ok {
		return IncreaseRequest{}, false
	}
	out := *req
	out.Path = append([]string(nil), req.Path...)
	return out, true
}

// GetDecreaseRequest returns a copy of a pending decrease request.
func (q *Queue) GetDecreaseRequest(account string, index uint64) (DecreaseRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.decrease[requestKey(account, index)]
	if !ok {
		return DecreaseRequest{}, false
	}
	out := *req
	out.Path = append([]string(nil), req.Path...)
	return out, true
}

// QueueState reports the cursors and key-array lengths of both queues, in
// the order increase start, increase length, decrease start, decrease
// length.
func (q *Queue) QueueState() (int, int, int, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.increaseStart, len(q.increaseKeys), q.decreaseStart, len(q.decreaseKeys)
}

// ---- persistence ----

// Snapshot serializes the pending requests, key arrays, cursors and fee
// reserves.
func (q *Queue) Snapshot() (*model.RequestsSnapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	snap := &model.RequestsSnapshot{
		Increase:      make(map[string][]byte, len(q.increase)),
		Decrease:      make(map[string][]byte, len(q.decrease)),
		IncreaseKeys:  append([]string(nil), q.increaseKeys...),
		DecreaseKeys:  append([]string(nil), q.decreaseKeys...),
		IncreaseStart: q.increaseStart,
		DecreaseStart: q.decreaseStart,
		IncreaseIndex: make(map[string]uint64, len(q.increaseIndex)),
		DecreaseIndex: make(map[string]uint64, len(q.decreaseIndex)),
		FeeReserves:   make(map[string]decimal.Decimal, len(q.feeReserves)),
	}
	for key, req := range q.increase {
		raw, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("snapshot increase request %s: %w", key, err)
		}
		snap.Increase[key] = raw
	}
	for key, req := range q.decrease {
		raw, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("snapshot decrease request %s: %w", key, err)
		}
		snap.Decrease[key] = raw
	}
	for account, index := range q.increaseIndex {
		snap.IncreaseIndex[account] = index
	}
	for account, index := range q.decreaseIndex {
		snap.DecreaseIndex[account] = index
	}
	for token, amount := range q.feeReserves {
		snap.FeeReserves[token] = amount
	}
	return snap, nil
}

// Restore replaces the queue contents from a snapshot.
func (q *Queue) Restore(snap *model.RequestsSnapshot) error {
	if snap == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.increase = make(map[string]*IncreaseRequest, len(snap.Increase))
	q.decrease = make(map[string]*DecreaseRequest, len(snap.Decrease))
	q.increaseKeys = append([]string(nil), snap.IncreaseKeys...)
	q.decreaseKeys = append([]string(nil), snap.DecreaseKeys...)
	q.increaseStart = snap.IncreaseStart
	q.decreaseStart = snap.DecreaseStart
	q.increaseIndex = make(map[string]uint64, len(snap.IncreaseIndex))
	q.decreaseIndex = make(map[string]uint64, len(snap.DecreaseIndex))
	q.feeReserves = make(map[string]decimal.Decimal, len(snap.FeeReserves))
	for key, raw := range snap.Increase {
		var req IncreaseRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return fmt.Errorf("restore increase request %s: %w", key, err)
		}
		q.increase[key] = &req
	}
	for key, raw := range snap.Decrease {
		var req DecreaseRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return fmt.Errorf("restore decrease request %s: %w", key, err)
		}
		q.decrease[key] = &req
	}
	for account, index := range snap.IncreaseIndex {
		q.increaseIndex[account] = index
	}
	for account, index := range snap.DecreaseIndex {
		q.decreaseIndex[account] = index
	}
	for token, amount := range snap.FeeReserves {
		q.feeReserves[token] = amount
	}
	return nil
}

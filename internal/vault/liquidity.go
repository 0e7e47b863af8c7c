package vault

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/perpx/vault-engine/internal/fixed"
	"github.com/perpx/vault-engine/internal/model"
)

// refund returns pulled-in funds after a failed operation. The vault just
// received the amount under the same lock, so the transfer cannot fail.
func (v *Vault) refund(payer, token string, amount decimal.Decimal) {
	if amount.IsPositive() {
		_ = v.bank.Transfer(Account, payer, token, amount)
	}
}

func (v *Vault) transferOut(token string, amount decimal.Decimal, receiver string) error {
	if !amount.IsPositive() {
		return nil
	}
	return v.bank.Transfer(Account, receiver, token, amount)
}

func (v *Vault) feeCheck(ts *model.TokenPoolState, target, usdpDelta decimal.Decimal, increment bool, feeBps, taxBps decimal.Decimal) FeeCheck {
	return FeeCheck{
		UsdpAmount:       ts.UsdpAmount,
		TargetUsdpAmount: target,
		UsdpDelta:        usdpDelta,
		Increment:        increment,
		FeeBps:           feeBps,
		TaxBps:           taxBps,
		Dynamic:          v.cfg.HasDynamicFees,
	}
}

// collectSwapFees moves the fee slice of amount into the token's fee
// reserve and returns the remainder.
func (v *Vault) collectSwapFees(ctx context.Context, ts *model.TokenPoolState, amount, feeBps decimal.Decimal, events *[]*model.Event) (decimal.Decimal, error) {
	afterFee := fixed.AfterFee(amount, feeBps)
	feeAmount := amount.Sub(afterFee)
	ts.FeeReserve = ts.FeeReserve.Add(feeAmount)
	feeUsd, err := v.tokenToUsdMin(ctx, ts.Symbol, feeAmount)
	if err != nil {
		return decimal.Zero, err
	}
	*events = append(*events, &model.Event{
		Type:  model.EventCollectSwapFees,
		Token: ts.Symbol,
		Data:  map[string]string{"fee_tokens": feeAmount.String(), "fee_usd": feeUsd.String()},
	})
	return afterFee, nil
}

// BuyUSDP takes amountIn of token from payer and mints USDP to receiver at
// the token's min price, charging the mint/burn fee curve. A positive
// minUsdp fails the whole operation when the mint falls short.
func (v *Vault) BuyUSDP(ctx context.Context, payer, token string, amountIn, minUsdp decimal.Decimal, receiver string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.tokens[token]; !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrTokenNotWhitelisted, token)
	}
	if !amountIn.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if err := v.bank.Transfer(payer, Account, token, amountIn); err != nil {
		return decimal.Zero, err
	}
	mintAmount, err := v.buyUSDP(ctx, token, amountIn, minUsdp, receiver)
	if err != nil {
		v.refund(payer, token, amountIn)
		return decimal.Zero, err
	}
	return mintAmount, nil
}

func (v *Vault) buyUSDP(ctx context.Context, token string, amountIn, minUsdp decimal.Decimal, receiver string) (decimal.Decimal, error) {
	ts := v.states[token]
	clone := *ts
	var events []*model.Event
	v.updateFunding(&clone, &events)

	price, err := v.minPrice(ctx, token)
	if err != nil {
		return decimal.Zero, err
	}
	tok := v.tokens[token]
	usdpAmount := fixed.MulDiv(amountIn, price, fixed.PricePrecision)
	usdpAmount = adjustForDecimals(usdpAmount, tok.Decimals, fixed.UsdpDecimals)
	if !usdpAmount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: usdp amount rounds to zero", ErrInvalidAmount)
	}

	feeBps := v.utils.FeeBasisPoints(v.feeCheck(&clone, v.targetUsdpAmount(token), usdpAmount, true,
		v.cfg.MintBurnFeeBasisPoints, v.cfg.TaxBasisPoints))
	amountAfterFees, err := v.collectSwapFees(ctx, &clone, amountIn, feeBps, &events)
	if err != nil {
		return decimal.Zero, err
	}
	mintAmount := fixed.MulDiv(amountAfterFees, price, fixed.PricePrecision)
	mintAmount = adjustForDecimals(mintAmount, tok.Decimals, fixed.UsdpDecimals)
	if minUsdp.IsPositive() && mintAmount.LessThan(minUsdp) {
		return decimal.Zero, fmt.Errorf("%w: minted %s, want %s", ErrInsufficientOutput, mintAmount, minUsdp)
	}

	if err := v.increaseUsdpAmount(&clone, mintAmount); err != nil {
		return decimal.Zero, err
	}
	if err := v.increasePool(&clone, amountAfterFees); err != nil {
		return decimal.Zero, err
	}
	if mintAmount.IsPositive() {
		if err := v.bank.Mint(receiver, UsdpSymbol, mintAmount); err != nil {
			return decimal.Zero, err
		}
	}

	*ts = clone
	v.usdpSupply = v.usdpSupply.Add(mintAmount)
	events = append(events, &model.Event{
		Type:    model.EventBuyUSDP,
		Account: receiver,
		Token:   token,
		Data: map[string]string{
			"amount_in":   amountIn.String(),
			"mint_amount": mintAmount.String(),
			"fee_bps":     feeBps.String(),
		},
	})
	v.emit(ctx, events)
	return mintAmount, nil
}

// SellUSDP burns usdpAmount of payer's USDP and redeems token to receiver
// at the token's max price. A positive minOut fails the whole operation
// when the redemption falls short.
func (v *Vault) SellUSDP(ctx context.Context, payer, token string, usdpAmount, minOut decimal.Decimal, receiver string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.tokens[token]; !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrTokenNotWhitelisted, token)
	}
	if !usdpAmount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if err := v.bank.Transfer(payer, Account, UsdpSymbol, usdpAmount); err != nil {
		return decimal.Zero, err
	}
	amountOut, err := v.sellUSDP(ctx, token, usdpAmount, minOut, receiver)
	if err != nil {
		v.refund(payer, UsdpSymbol, usdpAmount)
		return decimal.Zero, err
	}
	return amountOut, nil
}

func (v *Vault) sellUSDP(ctx context.Context, token string, usdpAmount, minOut decimal.Decimal, receiver string) (decimal.Decimal, error) {
	ts := v.states[token]
	clone := *ts
	var events []*model.Event
	v.updateFunding(&clone, &events)

	price, err := v.maxPrice(ctx, token)
	if err != nil {
		return decimal.Zero, err
	}
	tok := v.tokens[token]
	redemption := fixed.MulDiv(usdpAmount, fixed.PricePrecision, price)
	redemption = adjustForDecimals(redemption, fixed.UsdpDecimals, tok.Decimals)
	if !redemption.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: redemption rounds to zero", ErrInvalidAmount)
	}

	v.decreaseUsdpAmount(&clone, usdpAmount)
	if err := v.decreasePool(&clone, redemption); err != nil {
		return decimal.Zero, err
	}

	// The fee curve reads the token debt and supply as they stand after the
	// redemption is booked.
	nextSupply := v.usdpSupply.Sub(usdpAmount)
	feeBps := v.utils.FeeBasisPoints(v.feeCheck(&clone, v.targetUsdpWith(token, nextSupply), usdpAmount, false,
		v.cfg.MintBurnFeeBasisPoints, v.cfg.TaxBasisPoints))
	amountOut, err := v.collectSwapFees(ctx, &clone, redemption, feeBps, &events)
	if err != nil {
		return decimal.Zero, err
	}
	if !amountOut.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount out rounds to zero", ErrInvalidAmount)
	}
	if minOut.IsPositive() && amountOut.LessThan(minOut) {
		return decimal.Zero, fmt.Errorf("%w: redeemed %s, want %s", ErrInsufficientOutput, amountOut, minOut)
	}

	if err := v.bank.Burn(Account, UsdpSymbol, usdpAmount); err != nil {
		return decimal.Zero, err
	}
	if err := v.transferOut(token, amountOut, receiver); err != nil {
		return decimal.Zero, err
	}

	*ts = clone
	v.usdpSupply = nextSupply
	events = append(events, &model.Event{
		Type:    model.EventSellUSDP,
		Account: receiver,
		Token:   token,
		Data: map[string]string{
			"usdp_amount": usdpAmount.String(),
			"amount_out":  amountOut.String(),
			"fee_bps":     feeBps.String(),
		},
	})
	v.emit(ctx, events)
	return amountOut, nil
}

// Swap converts amountIn of tokenIn into tokenOut for receiver. The USDP
// debt attribution shifts from tokenOut to tokenIn by the swap's USD value.
// A positive minOut fails the whole operation when the output falls short.
func (v *Vault) Swap(ctx context.Context, payer, tokenIn, tokenOut string, amountIn, minOut decimal.Decimal, receiver string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.swapEnabled {
		return decimal.Zero, ErrSwapsDisabled
	}
	if _, ok := v.tokens[tokenIn]; !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrTokenNotWhitelisted, tokenIn)
	}
	if _, ok := v.tokens[tokenOut]; !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrTokenNotWhitelisted, tokenOut)
	}
	if tokenIn == tokenOut {
		return decimal.Zero, fmt.Errorf("%w: swap requires two tokens", ErrInvalidTokens)
	}
	if !amountIn.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if err := v.bank.Transfer(payer, Account, tokenIn, amountIn); err != nil {
		return decimal.Zero, err
	}
	amountOut, err := v.swap(ctx, tokenIn, tokenOut, amountIn, minOut, receiver)
	if err != nil {
		v.refund(payer, tokenIn, amountIn)
		return decimal.Zero, err
	}
	return amountOut, nil
}

func (v *Vault) swap(ctx context.Context, tokenIn, tokenOut string, amountIn, minOut decimal.Decimal, receiver string) (decimal.Decimal, error) {
	tsIn := v.states[tokenIn]
	tsOut := v.states[tokenOut]
	cloneIn := *tsIn
	cloneOut := *tsOut
	var events []*model.Event
	v.updateFunding(&cloneIn, &events)
	v.updateFunding(&cloneOut, &events)

	priceIn, err := v.minPrice(ctx, tokenIn)
	if err != nil {
		return decimal.Zero, err
	}
	priceOut, err := v.maxPrice(ctx, tokenOut)
	if err != nil {
		return decimal.Zero, err
	}
	in := v.tokens[tokenIn]
	out := v.tokens[tokenOut]

	amountOut := fixed.MulDiv(amountIn, priceIn, priceOut)
	amountOut = adjustForDecimals(amountOut, in.Decimals, out.Decimals)

	usdpAmount := fixed.MulDiv(amountIn, priceIn, fixed.PricePrecision)
	usdpAmount = adjustForDecimals(usdpAmount, in.Decimals, fixed.UsdpDecimals)

	isStableSwap := in.IsStable && out.IsStable
	baseBps := v.cfg.SwapFeeBasisPoints
	taxBps := v.cfg.TaxBasisPoints
	if isStableSwap {
		baseBps = v.cfg.StableSwapFeeBasisPoints
		taxBps = v.cfg.StableTaxBasisPoints
	}
	feeBps := v.utils.SwapFeeBasisPoints(
		v.feeCheck(&cloneIn, v.targetUsdpAmount(tokenIn), usdpAmount, true, baseBps, taxBps),
		v.feeCheck(&cloneOut, v.targetUsdpAmount(tokenOut), usdpAmount, false, baseBps, taxBps),
	)
	amountOutAfterFees, err := v.collectSwapFees(ctx, &cloneOut, amountOut, feeBps, &events)
	if err != nil {
		return decimal.Zero, err
	}
	if minOut.IsPositive() && amountOutAfterFees.LessThan(minOut) {
		return decimal.Zero, fmt.Errorf("%w: out %s, want %s", ErrInsufficientOutput, amountOutAfterFees, minOut)
	}

	if err := v.increaseUsdpAmount(&cloneIn, usdpAmount); err != nil {
		return decimal.Zero, err
	}
	v.decreaseUsdpAmount(&cloneOut, usdpAmount)
	if err := v.increasePool(&cloneIn, amountIn); err != nil {
		return decimal.Zero, err
	}
	if err := v.decreasePool(&cloneOut, amountOut); err != nil {
		return decimal.Zero, err
	}
	if err := validateBuffer(&cloneOut); err != nil {
		return decimal.Zero, err
	}
	if err := v.transferOut(tokenOut, amountOutAfterFees, receiver); err != nil {
		return decimal.Zero, err
	}

	*tsIn = cloneIn
	*tsOut = cloneOut
	events = append(events, &model.Event{
		Type:    model.EventSwap,
		Account: receiver,
		Token:   tokenIn,
		Data: map[string]string{
			"token_in":              tokenIn,
			"token_out":             tokenOut,
			"amount_in":             amountIn.String(),
			"amount_out":            amountOut.String(),
			"amount_out_after_fees": amountOutAfterFees.String(),
			"fee_bps":               feeBps.String(),
		},
	})
	v.emit(ctx, events)
	return amountOutAfterFees, nil
}

// DirectPoolDeposit adds tokens to the pool without minting anything in
// return.
func (v *Vault) DirectPoolDeposit(ctx context.Context, payer, token string, amount decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.tokens[token]; !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotWhitelisted, token)
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if err := v.bank.Transfer(payer, Account, token, amount); err != nil {
		return err
	}
	ts := v.states[token]
	clone := *ts
	if err := v.increasePool(&clone, amount); err != nil {
		v.refund(payer, token, amount)
		return err
	}
	*ts = clone
	v.emit(ctx, []*model.Event{{
		Type:    model.EventDirectPoolDeposit,
		Account: payer,
		Token:   token,
		Data:    map[string]string{"amount": amount.String()},
	}})
	return nil
}

// WithdrawFees moves a token's accumulated fee reserve to receiver.
func (v *Vault) WithdrawFees(ctx context.Context, caller, token, receiver string) (decimal.Decimal, error) {
	if err := v.access.RequireGov(caller); err != nil {
		return decimal.Zero, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	ts, ok := v.states[token]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrTokenNotWhitelisted, token)
	}
	amount := ts.FeeReserve
	if !amount.IsPositive() {
		return decimal.Zero, nil
	}
	clone := *ts
	clone.FeeReserve = decimal.Zero
	if err := v.transferOut(token, amount, receiver); err != nil {
		return decimal.Zero, err
	}
	*ts = clone
	v.emit(ctx, []*model.Event{{
		Type:    model.EventWithdrawFees,
		Account: receiver,
		Token:   token,
		Data:    map[string]string{"amount": amount.String()},
	}})
	return amount, nil
}

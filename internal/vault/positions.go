package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpx/vault-engine/internal/access"
	"github.com/perpx/vault-engine/internal/fixed"
	"github.com/perpx/vault-engine/internal/model"
)

// validateTokens checks the collateral/index pairing rules: longs use the
// index token itself as collateral and it must not be stable; shorts post
// stable collateral against a shortable non-stable index.
func (v *Vault) validateTokens(collateralToken, indexToken string, side model.Side) error {
	if side.IsLong() {
		if collateralToken != indexToken {
			return fmt.Errorf("%w: long collateral must be the index token", ErrInvalidTokens)
		}
		token, ok := v.tokens[collateralToken]
		if !ok {
			return fmt.Errorf("%w: %s", ErrTokenNotWhitelisted, collateralToken)
		}
		if token.IsStable {
			return fmt.Errorf("%w: long collateral must not be a stable token", ErrInvalidTokens)
		}
		return nil
	}
	collateral, ok := v.tokens[collateralToken]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotWhitelisted, collateralToken)
	}
	if !collateral.IsStable {
		return fmt.Errorf("%w: short collateral must be a stable token", ErrInvalidTokens)
	}
	index, ok := v.tokens[indexToken]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotWhitelisted, indexToken)
	}
	if index.IsStable {
		return fmt.Errorf("%w: short index must not be a stable token", ErrInvalidTokens)
	}
	if !index.IsShortable {
		return fmt.Errorf("%w: %s is not shortable", ErrInvalidTokens, indexToken)
	}
	return nil
}

func validatePosition(size, collateral decimal.Decimal) error {
	if size.IsZero() {
		if !collateral.IsZero() {
			return fmt.Errorf("%w: collateral without size", ErrInvalidPosition)
		}
		return nil
	}
	if size.LessThan(collateral) {
		return fmt.Errorf("%w: size below collateral", ErrInvalidPosition)
	}
	return nil
}

// collectMarginFees books the position fee on the size delta plus the
// funding accrued since entry into the token's fee reserve, returning the
// total fee in USD.
func (v *Vault) collectMarginFees(ctx context.Context, ts *model.TokenPoolState, account string, sizeDelta, size, entryFundingRate decimal.Decimal, events *[]*model.Event) (decimal.Decimal, error) {
	feeUsd := v.utils.PositionFee(account, sizeDelta, v.cfg.MarginFeeBasisPoints)
	feeUsd = feeUsd.Add(v.utils.FundingFee(account, size, entryFundingRate, ts.CumulativeFundingRate))
	feeTokens, err := v.usdToTokenMin(ctx, ts.Symbol, feeUsd)
	if err != nil {
		return decimal.Zero, err
	}
	ts.FeeReserve = ts.FeeReserve.Add(feeTokens)
	*events = append(*events, &model.Event{
		Type:    model.EventCollectMarginFees,
		Account: account,
		Token:   ts.Symbol,
		Data:    map[string]string{"fee_usd": feeUsd.String(), "fee_tokens": feeTokens.String()},
	})
	return feeUsd, nil
}

// nextAveragePrice computes the PnL-weighted average entry after adding
// sizeDelta at nextPrice, so unrealized PnL is carried forward unchanged.
func (v *Vault) nextAveragePrice(ctx context.Context, indexToken string, size, averagePrice decimal.Decimal, side model.Side, nextPrice, sizeDelta decimal.Decimal, lastIncreasedTime time.Time) (decimal.Decimal, error) {
	hasProfit, delta, err := v.getDelta(ctx, indexToken, size, averagePrice, side, lastIncreasedTime)
	if err != nil {
		return decimal.Zero, err
	}
	nextSize := size.Add(sizeDelta)
	var divisor decimal.Decimal
	if side.IsLong() == hasProfit {
		divisor = nextSize.Add(delta)
	} else {
		divisor = nextSize.Sub(delta)
	}
	if !divisor.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: average price divisor is not positive", ErrInvalidPosition)
	}
	return fixed.MulDiv(nextPrice, nextSize, divisor), nil
}

// nextGlobalShortAveragePrice folds sizeDelta at nextPrice into the
// aggregate short entry price for the index token.
func nextGlobalShortAveragePrice(ts *model.TokenPoolState, nextPrice, sizeDelta decimal.Decimal) (decimal.Decimal, error) {
	size := ts.GlobalShortSize
	averagePrice := ts.GlobalShortAveragePrice
	if !averagePrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: global short average price is zero", ErrInvalidPosition)
	}
	priceDelta := averagePrice.Sub(nextPrice).Abs()
	delta := fixed.MulDiv(size, priceDelta, averagePrice)
	hasProfit := averagePrice.GreaterThan(nextPrice)
	nextSize := size.Add(sizeDelta)
	divisor := nextSize.Add(delta)
	if hasProfit {
		divisor = nextSize.Sub(delta)
	}
	if !divisor.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: global short divisor is not positive", ErrInvalidPosition)
	}
	return fixed.MulDiv(nextPrice, nextSize, divisor), nil
}

// checkLiquidation prices the position and runs the strategy's solvency
// classification. With raise set, an unhealthy state is returned as its
// cause error; callers guarding a mutation use that form.
func (v *Vault) checkLiquidation(ctx context.Context, pos *model.Position, cumulativeFundingRate decimal.Decimal, raise bool) (int, decimal.Decimal, error) {
	hasProfit, delta, err := v.getDelta(ctx, pos.IndexToken, pos.Size, pos.AveragePrice, pos.Side, pos.LastIncreasedTime)
	if err != nil {
		return 0, decimal.Zero, err
	}
	marginFees := v.utils.FundingFee(pos.Account, pos.Size, pos.EntryFundingRate, cumulativeFundingRate)
	marginFees = marginFees.Add(v.utils.PositionFee(pos.Account, pos.Size, v.cfg.MarginFeeBasisPoints))
	state, fees, cause := v.utils.ValidateLiquidation(LiquidationCheck{
		Size:              pos.Size,
		Collateral:        pos.Collateral,
		HasProfit:         hasProfit,
		Delta:             delta,
		MarginFees:        marginFees,
		LiquidationFeeUsd: v.cfg.LiquidationFeeUsd,
		MaxLeverage:       v.cfg.MaxLeverage,
	})
	if raise && cause != nil {
		return state, fees, cause
	}
	return state, fees, nil
}

// IncreasePosition opens or grows a position. collateralAmount of the
// collateral token is pulled from payer; sizeDelta is the USD notional to
// add. Longs are priced at the max price, shorts at the min price.
func (v *Vault) IncreasePosition(ctx context.Context, payer, account, collateralToken, indexToken string, collateralAmount, sizeDelta decimal.Decimal, side model.Side) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.leverageEnabled {
		return ErrLeverageDisabled
	}
	if err := v.validateTokens(collateralToken, indexToken, side); err != nil {
		return err
	}
	if err := v.utils.ValidateIncreasePosition(account, collateralToken, indexToken, sizeDelta, side); err != nil {
		return err
	}
	if collateralAmount.IsNegative() || sizeDelta.IsNegative() {
		return ErrInvalidAmount
	}
	if collateralAmount.IsPositive() {
		if err := v.bank.Transfer(payer, Account, collateralToken, collateralAmount); err != nil {
			return err
		}
	}
	if err := v.increasePosition(ctx, account, collateralToken, indexToken, collateralAmount, sizeDelta, side); err != nil {
		v.refund(payer, collateralToken, collateralAmount)
		return err
	}
	return nil
}

func (v *Vault) increasePosition(ctx context.Context, account, collateralToken, indexToken string, collateralAmount, sizeDelta decimal.Decimal, side model.Side) error {
	tsC := v.states[collateralToken]
	cloneC := *tsC
	var events []*model.Event
	v.updateFunding(&cloneC, &events)

	// Longs collateralize with the index token itself, so one clone serves
	// both roles; shorts book global size on the index token's state.
	var tsI *model.TokenPoolState
	cloneI := &cloneC
	if !side.IsLong() {
		tsI = v.states[indexToken]
		c := *tsI
		cloneI = &c
	}

	key := model.PositionKey(account, collateralToken, indexToken, side)
	var pos model.Position
	if existing, ok := v.positions[key]; ok {
		pos = *existing
	} else {
		pos = model.Position{Account: account, CollateralToken: collateralToken, IndexToken: indexToken, Side: side}
	}

	var (
		price decimal.Decimal
		err   error
	)
	if side.IsLong() {
		price, err = v.maxPrice(ctx, indexToken)
	} else {
		price, err = v.minPrice(ctx, indexToken)
	}
	if err != nil {
		return err
	}

	if pos.Size.IsZero() {
		pos.AveragePrice = price
	}
	if pos.Size.IsPositive() && sizeDelta.IsPositive() {
		avg, err := v.nextAveragePrice(ctx, indexToken, pos.Size, pos.AveragePrice, side, price, sizeDelta, pos.LastIncreasedTime)
		if err != nil {
			return err
		}
		pos.AveragePrice = avg
	}

	fee, err := v.collectMarginFees(ctx, &cloneC, account, sizeDelta, pos.Size, pos.EntryFundingRate, &events)
	if err != nil {
		return err
	}
	collateralDeltaUsd, err := v.tokenToUsdMin(ctx, collateralToken, collateralAmount)
	if err != nil {
		return err
	}
	pos.Collateral = pos.Collateral.Add(collateralDeltaUsd)
	if pos.Collateral.LessThan(fee) {
		return fmt.Errorf("%w: collateral %s, fee %s", ErrInsufficientCollateral, pos.Collateral, fee)
	}
	pos.Collateral = pos.Collateral.Sub(fee)
	pos.EntryFundingRate = v.utils.EntryFundingRate(cloneC.CumulativeFundingRate)
	pos.Size = pos.Size.Add(sizeDelta)
	pos.LastIncreasedTime = v.now()
	if !pos.Size.IsPositive() {
		return fmt.Errorf("%w: size must be positive", ErrEmptyPosition)
	}
	if err := validatePosition(pos.Size, pos.Collateral); err != nil {
		return err
	}
	if _, _, err := v.checkLiquidation(ctx, &pos, cloneC.CumulativeFundingRate, true); err != nil {
		return err
	}

	// reserve collateral tokens to cover the position's maximum payout
	reserveDelta, err := v.usdToTokenMax(ctx, collateralToken, sizeDelta)
	if err != nil {
		return err
	}
	pos.ReserveAmount = pos.ReserveAmount.Add(reserveDelta)
	if err := v.increaseReserved(&cloneC, reserveDelta); err != nil {
		return err
	}

	if side.IsLong() {
		// guaranteedUsd tracks sum(size - collateral); fees deducted from
		// collateral grow it, deposited collateral shrinks it. The deposit
		// itself joins the pool with the fee carved back out.
		increaseGuaranteed(&cloneC, sizeDelta.Add(fee))
		if err := decreaseGuaranteed(&cloneC, collateralDeltaUsd); err != nil {
			return err
		}
		if err := v.increasePool(&cloneC, collateralAmount); err != nil {
			return err
		}
		feeTokens, err := v.usdToTokenMin(ctx, collateralToken, fee)
		if err != nil {
			return err
		}
		if err := v.decreasePool(&cloneC, feeTokens); err != nil {
			return err
		}
	} else {
		if cloneI.GlobalShortSize.IsZero() {
			cloneI.GlobalShortAveragePrice = price
		} else {
			avg, err := nextGlobalShortAveragePrice(cloneI, price, sizeDelta)
			if err != nil {
				return err
			}
			cloneI.GlobalShortAveragePrice = avg
		}
		if err := increaseGlobalShortSize(cloneI, sizeDelta); err != nil {
			return err
		}
	}

	*tsC = cloneC
	if !side.IsLong() {
		*tsI = *cloneI
	}
	committed := pos
	v.positions[key] = &committed
	events = append(events, &model.Event{
		Type:    model.EventIncreasePosition,
		Account: account,
		Token:   indexToken,
		Key:     key,
		Data: map[string]string{
			"collateral_token":     collateralToken,
			"side":                 string(side),
			"collateral_delta_usd": collateralDeltaUsd.String(),
			"size_delta":           sizeDelta.String(),
			"price":                price.String(),
			"fee_usd":              fee.String(),
		},
	})
	v.emit(ctx, events)
	return nil
}

// DecreasePosition shrinks or closes a position, realizing proportional
// PnL and releasing reserve. It returns the collateral tokens paid out to
// receiver.
func (v *Vault) DecreasePosition(ctx context.Context, account, collateralToken, indexToken string, collateralDelta, sizeDelta decimal.Decimal, side model.Side, receiver string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.decreasePosition(ctx, account, collateralToken, indexToken, collateralDelta, sizeDelta, side, receiver)
}

func (v *Vault) decreasePosition(ctx context.Context, account, collateralToken, indexToken string, collateralDelta, sizeDelta decimal.Decimal, side model.Side, receiver string) (decimal.Decimal, error) {
	if err := v.utils.ValidateDecreasePosition(account, collateralToken, indexToken, collateralDelta, sizeDelta, side); err != nil {
		return decimal.Zero, err
	}
	if collateralDelta.IsNegative() || sizeDelta.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	key := model.PositionKey(account, collateralToken, indexToken, side)
	existing, ok := v.positions[key]
	if !ok || !existing.Size.IsPositive() {
		return decimal.Zero, ErrEmptyPosition
	}
	if existing.Size.LessThan(sizeDelta) {
		return decimal.Zero, fmt.Errorf("%w: size %s, delta %s", ErrSizeDeltaTooLarge, existing.Size, sizeDelta)
	}
	if existing.Collateral.LessThan(collateralDelta) {
		return decimal.Zero, fmt.Errorf("%w: collateral %s, delta %s", ErrCollateralDeltaTooLarge, existing.Collateral, collateralDelta)
	}

	tsC := v.states[collateralToken]
	cloneC := *tsC
	var events []*model.Event
	v.updateFunding(&cloneC, &events)

	var tsI *model.TokenPoolState
	cloneI := &cloneC
	if !side.IsLong() {
		tsI = v.states[indexToken]
		c := *tsI
		cloneI = &c
	}

	pos := *existing
	collateral := pos.Collateral

	reserveDelta := fixed.MulDiv(pos.ReserveAmount, sizeDelta, pos.Size)
	pos.ReserveAmount = pos.ReserveAmount.Sub(reserveDelta)
	if err := v.decreaseReserved(&cloneC, reserveDelta); err != nil {
		return decimal.Zero, err
	}

	usdOut, usdOutAfterFee, err := v.reduceCollateral(ctx, &cloneC, &pos, collateralDelta, sizeDelta, side, &events)
	if err != nil {
		return decimal.Zero, err
	}

	closed := pos.Size.Equal(sizeDelta)
	if !closed {
		pos.EntryFundingRate = v.utils.EntryFundingRate(cloneC.CumulativeFundingRate)
		pos.Size = pos.Size.Sub(sizeDelta)
		if err := validatePosition(pos.Size, pos.Collateral); err != nil {
			return decimal.Zero, err
		}
		if _, _, err := v.checkLiquidation(ctx, &pos, cloneC.CumulativeFundingRate, true); err != nil {
			return decimal.Zero, err
		}
		if side.IsLong() {
			increaseGuaranteed(&cloneC, collateral.Sub(pos.Collateral))
			if err := decreaseGuaranteed(&cloneC, sizeDelta); err != nil {
				return decimal.Zero, err
			}
		}
	} else if side.IsLong() {
		increaseGuaranteed(&cloneC, collateral)
		if err := decreaseGuaranteed(&cloneC, sizeDelta); err != nil {
			return decimal.Zero, err
		}
	}

	if !side.IsLong() {
		decreaseGlobalShortSize(cloneI, sizeDelta)
	}

	var amountOut decimal.Decimal
	if usdOut.IsPositive() {
		// long payouts come out of the pool; short payouts were never part
		// of it
		if side.IsLong() {
			poolTokens, err := v.usdToTokenMin(ctx, collateralToken, usdOut)
			if err != nil {
				return decimal.Zero, err
			}
			if err := v.decreasePool(&cloneC, poolTokens); err != nil {
				return decimal.Zero, err
			}
		}
		amountOut, err = v.usdToTokenMin(ctx, collateralToken, usdOutAfterFee)
		if err != nil {
			return decimal.Zero, err
		}
		if err := v.transferOut(collateralToken, amountOut, receiver); err != nil {
			return decimal.Zero, err
		}
	}

	*tsC = cloneC
	if !side.IsLong() {
		*tsI = *cloneI
	}
	data := map[string]string{
		"collateral_token":  collateralToken,
		"side":              string(side),
		"collateral_delta":  collateralDelta.String(),
		"size_delta":        sizeDelta.String(),
		"usd_out":           usdOut.String(),
		"usd_out_after_fee": usdOutAfterFee.String(),
	}
	if closed {
		delete(v.positions, key)
		events = append(events, &model.Event{Type: model.EventDecreasePosition, Account: account, Token: indexToken, Key: key, Data: data})
		events = append(events, &model.Event{Type: model.EventClosePosition, Account: account, Token: indexToken, Key: key, Data: map[string]string{
			"realised_pnl": pos.RealisedPnl.String(),
		}})
	} else {
		committed := pos
		v.positions[key] = &committed
		events = append(events, &model.Event{Type: model.EventDecreasePosition, Account: account, Token: indexToken, Key: key, Data: data})
	}
	v.emit(ctx, events)
	return amountOut, nil
}

// reduceCollateral settles proportional PnL and the operation's fees
// against the position's collateral, returning the gross USD owed to the
// receiver and the net after fees. Fee precedence: paid from the outgoing
// USD when it covers them, otherwise clawed from remaining collateral.
func (v *Vault) reduceCollateral(ctx context.Context, ts *model.TokenPoolState, pos *model.Position, collateralDelta, sizeDelta decimal.Decimal, side model.Side, events *[]*model.Event) (decimal.Decimal, decimal.Decimal, error) {
	fee, err := v.collectMarginFees(ctx, ts, pos.Account, sizeDelta, pos.Size, pos.EntryFundingRate, events)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	hasProfit, delta, err := v.getDelta(ctx, pos.IndexToken, pos.Size, pos.AveragePrice, side, pos.LastIncreasedTime)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	adjustedDelta := fixed.MulDiv(sizeDelta, delta, pos.Size)

	var usdOut decimal.Decimal
	if hasProfit && adjustedDelta.IsPositive() {
		usdOut = adjustedDelta
		pos.RealisedPnl = pos.RealisedPnl.Add(adjustedDelta)
		// short profits are paid from the pool; long profits come out of
		// the pool at payout time in decreasePosition
		if !side.IsLong() {
			tokenAmount, err := v.usdToTokenMin(ctx, ts.Symbol, adjustedDelta)
			if err != nil {
				return decimal.Zero, decimal.Zero, err
			}
			if err := v.decreasePool(ts, tokenAmount); err != nil {
				return decimal.Zero, decimal.Zero, err
			}
		}
	}
	if !hasProfit && adjustedDelta.IsPositive() {
		if pos.Collateral.LessThan(adjustedDelta) {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: collateral %s, loss %s", ErrLossesExceedCollateral, pos.Collateral, adjustedDelta)
		}
		pos.Collateral = pos.Collateral.Sub(adjustedDelta)
		// short losses join the pool; long losses already sit there since
		// long collateral was pooled on increase
		if !side.IsLong() {
			tokenAmount, err := v.usdToTokenMin(ctx, ts.Symbol, adjustedDelta)
			if err != nil {
				return decimal.Zero, decimal.Zero, err
			}
			if err := v.increasePool(ts, tokenAmount); err != nil {
				return decimal.Zero, decimal.Zero, err
			}
		}
		pos.RealisedPnl = pos.RealisedPnl.Sub(adjustedDelta)
	}

	if collateralDelta.IsPositive() {
		usdOut = usdOut.Add(collateralDelta)
		if pos.Collateral.LessThan(collateralDelta) {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: collateral %s, delta %s", ErrCollateralDeltaTooLarge, pos.Collateral, collateralDelta)
		}
		pos.Collateral = pos.Collateral.Sub(collateralDelta)
	}
	if pos.Size.Equal(sizeDelta) {
		usdOut = usdOut.Add(pos.Collateral)
		pos.Collateral = decimal.Zero
	}

	usdOutAfterFee := usdOut
	if usdOut.GreaterThan(fee) {
		usdOutAfterFee = usdOut.Sub(fee)
	} else {
		if pos.Collateral.LessThan(fee) {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: collateral %s, fee %s", ErrFeesExceedCollateral, pos.Collateral, fee)
		}
		pos.Collateral = pos.Collateral.Sub(fee)
		if side.IsLong() {
			feeTokens, err := v.usdToTokenMin(ctx, ts.Symbol, fee)
			if err != nil {
				return decimal.Zero, decimal.Zero, err
			}
			if err := v.decreasePool(ts, feeTokens); err != nil {
				return decimal.Zero, decimal.Zero, err
			}
		}
	}
	return usdOut, usdOutAfterFee, nil
}

// LiquidatePosition closes an insolvent position. State 2 (over max
// leverage but solvent) is rerouted to a full decrease back to the owner.
// The liquidation fee is paid to feeReceiver from the pool.
func (v *Vault) LiquidatePosition(ctx context.Context, caller, account, collateralToken, indexToken string, side model.Side, feeReceiver string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.privateLiquidationMode {
		if err := v.access.Require(caller, access.RoleLiquidator); err != nil {
			return err
		}
	}
	// liquidation pricing excludes the venue blend
	v.includeVenuePrice = false
	defer func() { v.includeVenuePrice = true }()
	return v.liquidatePosition(ctx, caller, account, collateralToken, indexToken, side, feeReceiver)
}

func (v *Vault) liquidatePosition(ctx context.Context, caller, account, collateralToken, indexToken string, side model.Side, feeReceiver string) error {
	key := model.PositionKey(account, collateralToken, indexToken, side)
	existing, ok := v.positions[key]
	if !ok || !existing.Size.IsPositive() {
		return ErrEmptyPosition
	}

	tsC := v.states[collateralToken]
	cloneC := *tsC
	var events []*model.Event
	v.updateFunding(&cloneC, &events)

	pos := *existing
	state, marginFees, err := v.checkLiquidation(ctx, &pos, cloneC.CumulativeFundingRate, false)
	if err != nil {
		return err
	}
	if state == LiquidationStateHealthy {
		return ErrNotLiquidatable
	}
	if state == LiquidationStateOverLeverage {
		// solvent but over max leverage: close it down for the owner
		_, err := v.decreasePosition(ctx, account, collateralToken, indexToken, decimal.Zero, pos.Size, side, account)
		return err
	}

	var tsI *model.TokenPoolState
	cloneI := &cloneC
	if !side.IsLong() {
		tsI = v.states[indexToken]
		c := *tsI
		cloneI = &c
	}

	feeTokens, err := v.usdToTokenMin(ctx, collateralToken, marginFees)
	if err != nil {
		return err
	}
	cloneC.FeeReserve = cloneC.FeeReserve.Add(feeTokens)
	events = append(events, &model.Event{
		Type:    model.EventCollectMarginFees,
		Account: account,
		Token:   collateralToken,
		Data:    map[string]string{"fee_usd": marginFees.String(), "fee_tokens": feeTokens.String()},
	})

	if err := v.decreaseReserved(&cloneC, pos.ReserveAmount); err != nil {
		return err
	}
	if side.IsLong() {
		if err := decreaseGuaranteed(&cloneC, pos.Size.Sub(pos.Collateral)); err != nil {
			return err
		}
		if err := v.decreasePool(&cloneC, feeTokens); err != nil {
			return err
		}
	}

	var markPrice decimal.Decimal
	if side.IsLong() {
		markPrice, err = v.minPrice(ctx, indexToken)
	} else {
		markPrice, err = v.maxPrice(ctx, indexToken)
	}
	if err != nil {
		return err
	}

	// whatever collateral survives the margin fees backs the pool
	if !side.IsLong() && marginFees.LessThan(pos.Collateral) {
		remainingCollateral := pos.Collateral.Sub(marginFees)
		remTokens, err := v.usdToTokenMin(ctx, collateralToken, remainingCollateral)
		if err != nil {
			return err
		}
		if err := v.increasePool(&cloneC, remTokens); err != nil {
			return err
		}
	}
	if !side.IsLong() {
		decreaseGlobalShortSize(cloneI, pos.Size)
	}

	liqFeeTokens, err := v.usdToTokenMin(ctx, collateralToken, v.cfg.LiquidationFeeUsd)
	if err != nil {
		return err
	}
	if err := v.decreasePool(&cloneC, liqFeeTokens); err != nil {
		return err
	}
	if err := v.transferOut(collateralToken, liqFeeTokens, feeReceiver); err != nil {
		return err
	}

	*tsC = cloneC
	if !side.IsLong() {
		*tsI = *cloneI
	}
	delete(v.positions, key)
	events = append(events, &model.Event{
		Type:    model.EventLiquidatePosition,
		Account: account,
		Token:   indexToken,
		Key:     key,
		Data: map[string]string{
			"collateral_token": collateralToken,
			"side":             string(side),
			"liquidator":       caller,
			"size":             pos.Size.String(),
			"collateral":       pos.Collateral.String(),
			"reserve_amount":   pos.ReserveAmount.String(),
			"realised_pnl":     pos.RealisedPnl.String(),
			"mark_price":       markPrice.String(),
			"margin_fees":      marginFees.String(),
		},
	})
	v.emit(ctx, events)
	return nil
}

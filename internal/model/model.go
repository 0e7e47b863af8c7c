// Package model defines the core domain types shared across the vault engine.
// All monetary values use shopspring/decimal — never float64 for money.
// USD values are integers at the 1e30 scale; token amounts are integers at
// the token's native decimal scale.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a leveraged position.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// IsLong reports whether the side is Long.
func (s Side) IsLong() bool { return s == Long }

// SideFrom converts a boolean long flag into a Side.
func SideFrom(isLong bool) Side {
	if isLong {
		return Long
	}
	return Short
}

// Token is the static configuration of a whitelisted token.
type Token struct {
	Symbol        string          `json:"symbol"`
	Decimals      int32           `json:"decimals"`
	Weight        decimal.Decimal `json:"weight"`           // target share of total USDP debt
	MinProfitBps  decimal.Decimal `json:"min_profit_bps"`   // profit under this is zeroed before MinProfitTime
	MaxUsdpAmount decimal.Decimal `json:"max_usdp_amount"`  // 0 = uncapped
	IsStable      bool            `json:"is_stable"`
	IsShortable   bool            `json:"is_shortable"`
	PriceDecimals int32           `json:"price_decimals"` // decimals of the upstream feed rounds
}

// Position is a leveraged exposure record for one
// (account, collateral token, index token, side) tuple.
type Position struct {
	Account           string          `json:"account"`
	CollateralToken   string          `json:"collateral_token"`
	IndexToken        string          `json:"index_token"`
	Side              Side            `json:"side"`
	Size              decimal.Decimal `json:"size"`                // USD 1e30 notional
	Collateral        decimal.Decimal `json:"collateral"`          // USD 1e30 margin net of fees
	AveragePrice      decimal.Decimal `json:"average_price"`       // USD 1e30, PnL-weighted entry
	EntryFundingRate  decimal.Decimal `json:"entry_funding_rate"`  // cumulative rate snapshot
	ReserveAmount     decimal.Decimal `json:"reserve_amount"`      // collateral-token units
	RealisedPnl       decimal.Decimal `json:"realised_pnl"`        // signed USD 1e30
	LastIncreasedTime time.Time       `json:"last_increased_time"`
}

// Key returns the position's map key.
func (p *Position) Key() string {
	return PositionKey(p.Account, p.CollateralToken, p.IndexToken, p.Side)
}

// TokenPoolState is the per-token vault accounting state.
type TokenPoolState struct {
	Symbol                  string          `json:"symbol"`
	PoolAmount              decimal.Decimal `json:"pool_amount"`     // token units backing leverage
	ReservedAmount          decimal.Decimal `json:"reserved_amount"` // subset of pool held for open positions
	BufferAmount            decimal.Decimal `json:"buffer_amount"`   // floor swaps must not drain below
	UsdpAmount              decimal.Decimal `json:"usdp_amount"`     // USDP debt attributed to this token
	FeeReserve              decimal.Decimal `json:"fee_reserve"`     // token units collected as fees
	GuaranteedUsd           decimal.Decimal `json:"guaranteed_usd"`  // Σ(size - collateral) across longs, an estimate
	CumulativeFundingRate   decimal.Decimal `json:"cumulative_funding_rate"`
	LastFundingTime         time.Time       `json:"last_funding_time"`
	GlobalShortSize         decimal.Decimal `json:"global_short_size"`
	GlobalShortAveragePrice decimal.Decimal `json:"global_short_average_price"`
	MaxGlobalShortSize      decimal.Decimal `json:"max_global_short_size"` // 0 = uncapped
}

// Event is an immutable record of one engine mutation. Events are journaled
// to the store, broadcast to websocket clients, and archived to analytics.
type Event struct {
	ID      string            `json:"id"`
	Seq     int64             `json:"seq"`
	Time    time.Time         `json:"time"`
	Type    string            `json:"type"`
	Account string            `json:"account,omitempty"`
	Token   string            `json:"token,omitempty"`
	Key     string            `json:"key,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

// Event types emitted by the engine.
const (
	EventBuyUSDP           = "buy_usdp"
	EventSellUSDP          = "sell_usdp"
	EventSwap              = "swap"
	EventDirectPoolDeposit = "direct_pool_deposit"
	EventIncreasePosition  = "increase_position"
	EventDecreasePosition  = "decrease_position"
	EventClosePosition     = "close_position"
	EventLiquidatePosition = "liquidate_position"
	EventUpdateFundingRate = "update_funding_rate"
	EventCollectMarginFees = "collect_margin_fees"
	EventCollectSwapFees   = "collect_swap_fees"
	EventWithdrawFees      = "withdraw_fees"

	EventCreateSwapOrder      = "create_swap_order"
	EventUpdateSwapOrder      = "update_swap_order"
	EventCancelSwapOrder      = "cancel_swap_order"
	EventExecuteSwapOrder     = "execute_swap_order"
	EventCreateIncreaseOrder  = "create_increase_order"
	EventUpdateIncreaseOrder  = "update_increase_order"
	EventCancelIncreaseOrder  = "cancel_increase_order"
	EventExecuteIncreaseOrder = "execute_increase_order"
	EventCreateDecreaseOrder  = "create_decrease_order"
	EventUpdateDecreaseOrder  = "update_decrease_order"
	EventCancelDecreaseOrder  = "cancel_decrease_order"
	EventExecuteDecreaseOrder = "execute_decrease_order"

	EventCreateIncreaseRequest  = "create_increase_request"
	EventExecuteIncreaseRequest = "execute_increase_request"
	EventCancelIncreaseRequest  = "cancel_increase_request"
	EventCreateDecreaseRequest  = "create_decrease_request"
	EventExecuteDecreaseRequest = "execute_decrease_request"
	EventCancelDecreaseRequest  = "cancel_decrease_request"
)

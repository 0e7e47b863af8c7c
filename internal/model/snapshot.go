package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EngineSnapshot is a full dump of the engine's in-memory state, persisted
// periodically so the service can resume after a restart. Decimals marshal
// as strings, so the JSON form is exact.
type EngineSnapshot struct {
	Time     time.Time         `json:"time"`
	Seq      int64             `json:"seq"` // last journal sequence at snapshot time
	Vault    *VaultSnapshot    `json:"vault,omitempty"`
	Bank     *BankSnapshot     `json:"bank,omitempty"`
	Orders   *OrdersSnapshot   `json:"orders,omitempty"`
	Requests *RequestsSnapshot `json:"requests,omitempty"`
}

// VaultSnapshot captures vault accounting state.
type VaultSnapshot struct {
	UsdpSupply decimal.Decimal      `json:"usdp_supply"`
	Tokens     []TokenPoolState     `json:"tokens"`
	Positions  map[string]*Position `json:"positions"`
}

// BankSnapshot captures all account balances: account -> token -> amount.
type BankSnapshot struct {
	Balances map[string]map[string]decimal.Decimal `json:"balances"`
}

// OrdersSnapshot captures the order book, keyed account -> index.
// Order payloads are stored as raw JSON to keep the model free of
// orderbook types; the book owns (de)serialization.
type OrdersSnapshot struct {
	Swap     map[string]map[uint64][]byte `json:"swap"`
	Increase map[string]map[uint64][]byte `json:"increase"`
	Decrease map[string]map[uint64][]byte `json:"decrease"`

	SwapIndex     map[string]uint64 `json:"swap_index"`
	IncreaseIndex map[string]uint64 `json:"increase_index"`
	DecreaseIndex map[string]uint64 `json:"decrease_index"`
}

// RequestsSnapshot captures the delayed-request queues and their cursors.
type RequestsSnapshot struct {
	Increase      map[string][]byte `json:"increase"`
	Decrease      map[string][]byte `json:"decrease"`
	IncreaseKeys  []string          `json:"increase_keys"`
	DecreaseKeys  []string          `json:"decrease_keys"`
	IncreaseStart int               `json:"increase_start"`
	DecreaseStart int               `json:"decrease_start"`
	IncreaseIndex map[string]uint64 `json:"increase_index"`
	DecreaseIndex map[string]uint64 `json:"decrease_index"`

	FeeReserves map[string]decimal.Decimal `json:"fee_reserves"`
}

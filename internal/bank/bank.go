// Package bank is the engine's token ledger: per-account integer balances
// at each token's native decimal scale. It stands in for the external token
// contracts the vault, order book, and request queue custody funds in.
// All monetary values use shopspring/decimal — never float64 for money.
package bank

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/perpx/vault-engine/internal/model"
)

var (
	ErrInvalidAmount       = errors.New("bank: amount must be positive")
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
)

// Ledger holds all account balances.
type Ledger struct {
	mu       sync.RWMutex
	balances map[string]map[string]decimal.Decimal // account -> token -> amount
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{balances: make(map[string]map[string]decimal.Decimal)}
}

// Deposit credits an account from outside the engine (the on-ramp boundary).
func (l *Ledger) Deposit(account, token string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(account, token, amount)
	return nil
}

// Transfer moves amount of token from one account to another.
func (l *Ledger) Transfer(from, to, token string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.debit(from, token, amount); err != nil {
		return err
	}
	l.credit(to, token, amount)
	return nil
}

// Mint creates token units in an account. The vault uses it to issue USDP.
func (l *Ledger) Mint(account, token string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(account, token, amount)
	return nil
}

// Burn destroys token units held by an account.
func (l *Ledger) Burn(account, token string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debit(account, token, amount)
}

// BalanceOf returns the balance of token held by account.
func (l *Ledger) BalanceOf(account, token string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account][token]
}

// Balances returns a copy of all token balances for an account.
func (l *Ledger) Balances(account string) map[string]decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(l.balances[account]))
	for token, amount := range l.balances[account] {
		out[token] = amount
	}
	return out
}

// Snapshot returns a deep copy of every balance for persistence.
func (l *Ledger) Snapshot() *model.BankSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snap := &model.BankSnapshot{Balances: make(map[string]map[string]decimal.Decimal, len(l.balances))}
	for account, tokens := range l.balances {
		row := make(map[string]decimal.Decimal, len(tokens))
		for token, amount := range tokens {
			row[token] = amount
		}
		snap.Balances[account] = row
	}
	return snap
}

// Restore replaces the ledger contents from a snapshot.
func (l *Ledger) Restore(snap *model.BankSnapshot) {
	if snap == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = make(map[string]map[string]decimal.Decimal, len(snap.Balances))
	for account, tokens := range snap.Balances {
		row := make(map[string]decimal.Decimal, len(tokens))
		for token, amount := range tokens {
			row[token] = amount
		}
		l.balances[account] = row
	}
}

func (l *Ledger) credit(account, token string, amount decimal.Decimal) {
	if l.balances[account] == nil {
		l.balances[account] = make(map[string]decimal.Decimal)
	}
	l.balances[account][token] = l.balances[account][token].Add(amount)
}

func (l *Ledger) debit(account, token string, amount decimal.Decimal) error {
	bal := l.balances[account][token]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientBalance,
			account, bal, token, amount)
	}
	l.balances[account][token] = bal.Sub(amount)
	return nil
}

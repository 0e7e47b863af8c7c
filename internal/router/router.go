// Package router mediates delegated access to the vault. External
// integrations (the order book, the request queue) register as plugins, and
// an account must approve a plugin before it may move that account's funds
// or trade on its behalf. Direct user swaps also route through here so the
// USDP legs share one path-dispatch point.
// All monetary values use shopspring/decimal — never float64 for money.
package router

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/perpx/vault-engine/internal/access"
	"github.com/perpx/vault-engine/internal/bank"
	"github.com/perpx/vault-engine/internal/model"
	"github.com/perpx/vault-engine/internal/vault"
)

var (
	// ErrUnknownPlugin is returned when the named plugin was never registered.
	ErrUnknownPlugin = errors.New("router: plugin not registered")
	// ErrPluginNotApproved is returned when the account has not approved the plugin.
	ErrPluginNotApproved = errors.New("router: plugin not approved by account")
	// ErrInvalidPath is returned for swap paths that do not name exactly two tokens.
	ErrInvalidPath = errors.New("router: swap path must name exactly two tokens")
)

// Router gates plugin calls into the vault and the bank ledger.
type Router struct {
	mu     sync.RWMutex
	vault  *vault.Vault
	bank   *bank.Ledger
	access *access.Controller

	plugins  map[string]bool
	approved map[string]map[string]bool // account -> plugin -> approved
}

// New creates a router with an empty plugin registry.
func New(v *vault.Vault, ledger *bank.Ledger, ctrl *access.Controller) *Router {
	return &Router{
		vault:    v,
		bank:     ledger,
		access:   ctrl,
		plugins:  make(map[string]bool),
		approved: make(map[string]map[string]bool),
	}
}

// AddPlugin registers a plugin account. Governance only.
func (r *Router) AddPlugin(caller, plugin string) error {
	if err := r.access.RequireGov(caller); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[plugin] = true
	return nil
}

// RemovePlugin deregisters a plugin. Per-account approvals stay in place
// but are inert until the plugin is registered again. Governance only.
func (r *Router) RemovePlugin(caller, plugin string) error {
	if err := r.access.RequireGov(caller); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.plugins, plugin)
	return nil
}

// ApprovePlugin lets plugin act on account's behalf.
func (r *Router) ApprovePlugin(account, plugin string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.plugins[plugin] {
		return ErrUnknownPlugin
	}
	if r.approved[account] == nil {
		r.approved[account] = make(map[string]bool)
	}
	r.approved[account][plugin] = true
	return nil
}

// DenyPlugin withdraws an account's approval. Denying a plugin that was
// never approved is a no-op.
func (r *Router) DenyPlugin(account, plugin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.approved[account], plugin)
}

// PluginApproved reports whether account has approved plugin.
func (r *Router) PluginApproved(account, plugin string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.approved[account][plugin]
}

// Plugins returns the registered plugin names, sorted.
func (r *Router) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Router) validatePlugin(plugin, account string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.plugins[plugin] {
		return ErrUnknownPlugin
	}
	if !r.approved[account][plugin] {
		return ErrPluginNotApproved
	}
	return nil
}

// PluginTransfer moves token out of account on a plugin's behalf. The order
// book and request queue use it to take custody of order principal.
func (r *Router) PluginTransfer(plugin, token, account, receiver string, amount decimal.Decimal) error {
	if err := r.validatePlugin(plugin, account); err != nil {
		return err
	}
	return r.bank.Transfer(account, receiver, token, amount)
}

// PluginIncreasePosition opens or grows account's position with collateral
// paid from the plugin's own custody balance.
func (r *Router) PluginIncreasePosition(ctx context.Context, plugin, account, collateralToken, indexToken string, collateralAmount, sizeDelta decimal.Decimal, side model.Side) error {
	if err := r.validatePlugin(plugin, account); err != nil {
		return err
	}
	return r.vault.IncreasePosition(ctx, plugin, account, collateralToken, indexToken, collateralAmount, sizeDelta, side)
}

// PluginDecreasePosition shrinks or closes account's position, paying the
// withdrawn amount to receiver.
func (r *Router) PluginDecreasePosition(ctx context.Context, plugin, account, collateralToken, indexToken string, collateralDelta, sizeDelta decimal.Decimal, side model.Side, receiver string) (decimal.Decimal, error) {
	if err := r.validatePlugin(plugin, account); err != nil {
		return decimal.Decimal{}, err
	}
	return r.vault.DecreasePosition(ctx, account, collateralToken, indexToken, collateralDelta, sizeDelta, side, receiver)
}

// Swap executes a two-token path for the account itself. Paths into or out
// of USDP dispatch to the mint/burn legs, everything else is a plain
// token-for-token swap. A positive minOut fails the whole swap when the
// output falls short.
func (r *Router) Swap(ctx context.Context, account string, path []string, amountIn, minOut decimal.Decimal, receiver string) (decimal.Decimal, error) {
	if len(path) != 2 || path[0] == path[1] {
		return decimal.Decimal{}, ErrInvalidPath
	}
	switch {
	case path[0] == vault.UsdpSymbol:
		return r.vault.SellUSDP(ctx, account, path[1], amountIn, minOut, receiver)
	case path[1] == vault.UsdpSymbol:
		return r.vault.BuyUSDP(ctx, account, path[0], amountIn, minOut, receiver)
	default:
		return r.vault.Swap(ctx, account, path[0], path[1], amountIn, minOut, receiver)
	}
}

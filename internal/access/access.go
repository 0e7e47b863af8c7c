// Package access implements the capability set checked at every privileged
// entry point: a single governance account plus per-role account grants.
// It is injected into each component rather than living as ambient global
// state, so tests can construct isolated controllers.
package access

import (
	"errors"
	"fmt"
	"sync"
)

// Roles known to the engine.
const (
	RoleKeeper      = "keeper"       // may execute delayed position requests
	RoleOrderKeeper = "order-keeper" // may execute resting trigger orders
	RoleLiquidator  = "liquidator"   // may liquidate in private liquidation mode
	RolePriceFeeder = "price-feeder" // may push oracle rounds and fast prices
)

var ErrUnauthorized = errors.New("access: unauthorized")

// Controller holds the governance account and role grants.
type Controller struct {
	mu    sync.RWMutex
	gov   string
	roles map[string]map[string]bool // role -> account -> granted
}

// NewController creates a controller owned by the gov account.
func NewController(gov string) *Controller {
	return &Controller{
		gov:   gov,
		roles: make(map[string]map[string]bool),
	}
}

// Gov returns the governance account.
func (c *Controller) Gov() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gov
}

// SetGov transfers governance. Only the current gov may call it.
func (c *Controller) SetGov(caller, next string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.gov {
		return fmt.Errorf("%w: %s is not gov", ErrUnauthorized, caller)
	}
	c.gov = next
	return nil
}

// RequireGov returns ErrUnauthorized unless caller is the gov account.
func (c *Controller) RequireGov(caller string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if caller != c.gov {
		return fmt.Errorf("%w: %s is not gov", ErrUnauthorized, caller)
	}
	return nil
}

// Grant gives an account a role. Gov only.
func (c *Controller) Grant(caller, account, role string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.gov {
		return fmt.Errorf("%w: %s is not gov", ErrUnauthorized, caller)
	}
	if c.roles[role] == nil {
		c.roles[role] = make(map[string]bool)
	}
	c.roles[role][account] = true
	return nil
}

// Revoke removes a role from an account. Gov only.
func (c *Controller) Revoke(caller, account, role string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.gov {
		return fmt.Errorf("%w: %s is not gov", ErrUnauthorized, caller)
	}
	delete(c.roles[role], account)
	return nil
}

// Has reports whether account holds role. Gov implicitly holds every role.
func (c *Controller) Has(account, role string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if account == c.gov {
		return true
	}
	return c.roles[role][account]
}

// Require returns ErrUnauthorized unless account holds role.
func (c *Controller) Require(account, role string) error {
	if !c.Has(account, role) {
		return fmt.Errorf("%w: %s lacks role %s", ErrUnauthorized, account, role)
	}
	return nil
}

// Package broker defines the brokerage adapter contract, the adapter
// registry, and the per-(tenant, broker) session pool.
//
// An Adapter wraps one brokerage account session. The engine only ever calls
// the capability set {Login, Logout, IsLoggedIn, PlaceLimitBuy,
// PlaceLimitSell} plus, where supported, the market-order pair. Market-order
// support is a separate interface (MarketTrader) discovered by type
// assertion; an adapter that lacks it causes the dispatcher to fail fast with
// ErrUnsupported rather than silently substituting a limit order.
package broker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Taxonomy for broker failures. The dispatcher persists these as the
// trigger's execution message.
var (
	// ErrUnavailable: login or reachability failure, the order never reached
	// the brokerage.
	ErrUnavailable = errors.New("broker unavailable")
	// ErrRejected: login succeeded but the brokerage refused the order. The
	// brokerage's message is preserved verbatim alongside.
	ErrRejected = errors.New("broker rejected order")
	// ErrUnsupported: the adapter cannot satisfy the requested combination,
	// e.g. a market order against an adapter with no market path.
	ErrUnsupported = errors.New("broker does not support requested order kind")
)

// OrderResult is the return shape of every order placement.
// Ref is present iff OK is true.
type OrderResult struct {
	OK      bool   `json:"ok"`
	Ref     string `json:"ref,omitempty"`
	Message string `json:"message"`
}

// Adapter is one logged-in brokerage session bound to a single tenant's
// credentials. Implementations confine side effects to outbound network
// calls and never call back into the engine.
type Adapter interface {
	// Name identifies the brokerage ("esun", "paper", ...).
	Name() string
	// Login establishes the session. Idempotent.
	Login() error
	// IsLoggedIn is a cheap liveness check.
	IsLoggedIn() bool
	// Logout tears the session down. Idempotent, never returns an error.
	Logout()

	PlaceLimitBuy(symbol string, price float64, qty int) (OrderResult, error)
	PlaceLimitSell(symbol string, price float64, qty int) (OrderResult, error)
}

// MarketTrader is the optional market-order capability. Callers discover it
// with a type assertion on the Adapter.
type MarketTrader interface {
	PlaceMarketBuy(symbol string, qty int) (OrderResult, error)
	PlaceMarketSell(symbol string, qty int) (OrderResult, error)
}

// Factory builds an adapter from a tenant's stored credential map.
type Factory func(cfg map[string]string) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs a factory under a broker name. Later registrations
// replace earlier ones, which tests use to install fakes.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New constructs an adapter for a registered broker name.
func New(name string, cfg map[string]string) (Adapter, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown broker %q", ErrUnavailable, name)
	}
	return f(cfg)
}

// Names lists the registered broker names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// paper.go is a simulated brokerage for dry runs and tests. It accepts every
// order, assigns sequential order refs (A0001, A0002, ...), and supports a
// scripted rejection so failure paths can be exercised without a real
// brokerage account.
package broker

import (
	"fmt"
	"sync"
)

func init() {
	Register("paper", func(cfg map[string]string) (Adapter, error) {
		return NewPaper(), nil
	})
}

// Paper is an in-memory Adapter with full market-order support.
type Paper struct {
	mu       sync.Mutex
	loggedIn bool
	seq      int
	// rejectNext, when non-empty, fails the next order with this message.
	rejectNext string
	// Orders records every accepted placement for assertions.
	Orders []PaperOrder
	// Logouts counts Logout calls that actually tore a session down.
	Logouts int
}

// PaperOrder is one accepted simulated placement.
type PaperOrder struct {
	Symbol string
	Side   string
	Kind   string
	Price  float64
	Qty    int
	Ref    string
}

// NewPaper returns a fresh simulated brokerage session.
func NewPaper() *Paper { return &Paper{} }

// Name implements Adapter.
func (p *Paper) Name() string { return "paper" }

// Login implements Adapter.
func (p *Paper) Login() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loggedIn = true
	return nil
}

// IsLoggedIn implements Adapter.
func (p *Paper) IsLoggedIn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loggedIn
}

// Logout implements Adapter. A no-op on an already-closed session.
func (p *Paper) Logout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loggedIn {
		return
	}
	p.loggedIn = false
	p.Logouts++
}

// RejectNext makes the next placement fail with the given message.
func (p *Paper) RejectNext(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectNext = message
}

func (p *Paper) place(symbol, side, kind string, price float64, qty int) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loggedIn {
		return OrderResult{}, fmt.Errorf("%w: paper session not logged in", ErrUnavailable)
	}
	if p.rejectNext != "" {
		msg := p.rejectNext
		p.rejectNext = ""
		return OrderResult{OK: false, Message: msg}, nil
	}

	p.seq++
	ref := fmt.Sprintf("A%04d", p.seq)
	p.Orders = append(p.Orders, PaperOrder{Symbol: symbol, Side: side, Kind: kind, Price: price, Qty: qty, Ref: ref})
	return OrderResult{OK: true, Ref: ref, Message: "ok"}, nil
}

// PlaceLimitBuy implements Adapter.
func (p *Paper) PlaceLimitBuy(symbol string, price float64, qty int) (OrderResult, error) {
	return p.place(symbol, "buy", "limit", price, qty)
}

// PlaceLimitSell implements Adapter.
func (p *Paper) PlaceLimitSell(symbol string, price float64, qty int) (OrderResult, error) {
	return p.place(symbol, "sell", "limit", price, qty)
}

// PlaceMarketBuy implements MarketTrader.
func (p *Paper) PlaceMarketBuy(symbol string, qty int) (OrderResult, error) {
	return p.place(symbol, "buy", "market", 0, qty)
}

// PlaceMarketSell implements MarketTrader.
func (p *Paper) PlaceMarketSell(symbol string, qty int) (OrderResult, error) {
	return p.place(symbol, "sell", "market", 0, qty)
}

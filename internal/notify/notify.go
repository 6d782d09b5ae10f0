// Package notify delivers execution outcome notifications to tenants.
//
// Delivery is best-effort: a failed notification is logged and dropped, it
// never affects the trigger lifecycle or blocks dispatch.
package notify

import (
	"context"
	"time"
)

// Outcome labels what the notification reports.
type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeFailed   Outcome = "failed"
	OutcomeExpired  Outcome = "expired"
)

// Event carries everything a tenant needs to understand what fired and what
// happened, without reading the audit log.
type Event struct {
	TenantID       string
	TriggerID      string
	Symbol         string
	SymbolName     string
	Condition      string // rendered, e.g. "price >= 600"
	Action         string // rendered, e.g. "cash limit buy 2 lots @ 601"
	TriggerPrice   float64
	ObservedPrice  float64
	BrokerOrderRef string
	Outcome        Outcome
	ErrorMessage   string
	At             time.Time
}

// Notifier pushes one event to a tenant's configured channel.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop discards all events. Used when no channel is configured.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

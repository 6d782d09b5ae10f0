package api

import (
	"time"

	"trigger-engine/internal/notify"
)

// Event is the wrapper for everything pushed over the /ws stream.
type Event struct {
	Type      string    `json:"type"` // "executed", "failed", "expired"
	Timestamp time.Time `json:"timestamp"`
	TenantID  string    `json:"tenant_id"`
	Data      any       `json:"data"`
}

// ExecutionEvent is the payload for trigger outcome events.
type ExecutionEvent struct {
	TriggerID      string  `json:"trigger_id"`
	Symbol         string  `json:"symbol"`
	SymbolName     string  `json:"symbol_name,omitempty"`
	Condition      string  `json:"condition"`
	Action         string  `json:"action"`
	TriggerPrice   float64 `json:"trigger_price"`
	ObservedPrice  float64 `json:"observed_price,omitempty"`
	BrokerOrderRef string  `json:"broker_order_ref,omitempty"`
	ErrorMessage   string  `json:"error_message,omitempty"`
}

// FromOutcome converts a notification event into its stream representation.
func FromOutcome(ev notify.Event) Event {
	return Event{
		Type:      string(ev.Outcome),
		Timestamp: ev.At,
		TenantID:  ev.TenantID,
		Data: ExecutionEvent{
			TriggerID:      ev.TriggerID,
			Symbol:         ev.Symbol,
			SymbolName:     ev.SymbolName,
			Condition:      ev.Condition,
			Action:         ev.Action,
			TriggerPrice:   ev.TriggerPrice,
			ObservedPrice:  ev.ObservedPrice,
			BrokerOrderRef: ev.BrokerOrderRef,
			ErrorMessage:   ev.ErrorMessage,
		},
	}
}

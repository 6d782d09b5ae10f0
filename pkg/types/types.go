// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — trigger records,
// execution log entries, quotes, and tenant configuration. It has no
// dependencies on internal packages, so it can be imported by any layer.
//
// All enums serialize to their external wire symbols (">=", "buy", "limit",
// "cash", lower-case status tokens) so the on-disk JSON matches the wire
// contract exposed to REST and chat surfaces.
package types

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Condition is the price relation that arms a trigger.
type Condition string

const (
	CondGE Condition = ">=" // last price at or above the threshold
	CondLE Condition = "<=" // last price at or below the threshold
	CondEQ Condition = "==" // last price equal to the threshold (within tolerance)
)

// Action is the direction of the order placed when a trigger fires.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// OrderKind selects between market and limit execution.
type OrderKind string

const (
	OrderMarket OrderKind = "market"
	OrderLimit  OrderKind = "limit"
)

// TradeClass maps to the TWSE order categories a brokerage account supports.
type TradeClass string

const (
	TradeCash      TradeClass = "cash"       // regular cash position
	TradeDayTrade  TradeClass = "day_trade"  // intraday round trip
	TradeMarginBuy TradeClass = "margin_buy" // financed buy
	TradeShortSell TradeClass = "short_sell" // borrowed sell
)

// Status is the trigger lifecycle state. ACTIVE and TRIGGERED are the only
// non-terminal states; every other value is immutable once reached.
type Status string

const (
	StatusActive    Status = "active"    // being monitored
	StatusTriggered Status = "triggered" // condition met, dispatch in progress
	StatusExecuted  Status = "executed"  // broker accepted the order
	StatusFailed    Status = "failed"    // broker rejected or was unreachable
	StatusCancelled Status = "cancelled" // tenant cancelled before firing
	StatusExpired   Status = "expired"   // expires_at passed before firing
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusExecuted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Trigger
// ————————————————————————————————————————————————————————————————————————

// MaxQuantity is the largest lot count a single trigger may carry.
const MaxQuantity = 999

// ErrInvalid is the root of all validation failures. Callers test with
// errors.Is(err, types.ErrInvalid) to distinguish malformed input from
// infrastructure errors.
var ErrInvalid = errors.New("invalid trigger")

// Trigger is a standing rule: when the symbol's last price satisfies
// Condition against TriggerPrice, place the described order through
// BrokerName exactly once.
type Trigger struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`

	Symbol     string `json:"symbol"`
	SymbolName string `json:"symbol_name,omitempty"`

	Condition    Condition `json:"condition"`
	TriggerPrice float64   `json:"trigger_price"`

	Action     Action     `json:"action"`
	OrderKind  OrderKind  `json:"order_kind"`
	LimitPrice *float64   `json:"limit_price,omitempty"` // set iff OrderKind == OrderLimit
	TradeClass TradeClass `json:"trade_class"`
	Quantity   int        `json:"quantity"` // lots

	BrokerName string `json:"broker_name"`

	Status Status `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`

	BrokerOrderRef   string `json:"broker_order_ref,omitempty"`
	ExecutionMessage string `json:"execution_message,omitempty"`
	Note             string `json:"note,omitempty"`
}

// NewTriggerID returns an opaque, URL-safe identifier. Random so ids reveal
// nothing about creation order.
func NewTriggerID() string {
	return uuid.NewString()
}

// Validate checks that the record is well-formed. It is called on every
// save, so a trigger that reaches disk always passes it.
func (t *Trigger) Validate() error {
	if t.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalid)
	}
	if strings.TrimSpace(t.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalid)
	}
	switch t.Condition {
	case CondGE, CondLE, CondEQ:
	default:
		return fmt.Errorf("%w: condition must be one of >=, <=, ==", ErrInvalid)
	}
	if t.TriggerPrice <= 0 {
		return fmt.Errorf("%w: trigger_price must be > 0", ErrInvalid)
	}
	switch t.Action {
	case ActionBuy, ActionSell:
	default:
		return fmt.Errorf("%w: action must be buy or sell", ErrInvalid)
	}
	switch t.TradeClass {
	case TradeCash, TradeDayTrade, TradeMarginBuy, TradeShortSell:
	default:
		return fmt.Errorf("%w: unknown trade_class %q", ErrInvalid, t.TradeClass)
	}
	switch t.OrderKind {
	case OrderLimit:
		if t.LimitPrice == nil || *t.LimitPrice <= 0 {
			return fmt.Errorf("%w: limit orders require limit_price > 0", ErrInvalid)
		}
	case OrderMarket:
		if t.LimitPrice != nil {
			return fmt.Errorf("%w: market orders must not carry limit_price", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: order_kind must be market or limit", ErrInvalid)
	}
	if t.Quantity < 1 || t.Quantity > MaxQuantity {
		return fmt.Errorf("%w: quantity must be within [1, %d]", ErrInvalid, MaxQuantity)
	}
	if t.BrokerName == "" {
		return fmt.Errorf("%w: broker_name is required", ErrInvalid)
	}
	if t.UpdatedAt.Before(t.CreatedAt) {
		return fmt.Errorf("%w: updated_at before created_at", ErrInvalid)
	}
	if t.Status == StatusTriggered && t.TriggeredAt == nil {
		return fmt.Errorf("%w: triggered status requires triggered_at", ErrInvalid)
	}
	if (t.Status == StatusExecuted || t.Status == StatusFailed) && t.ExecutedAt == nil {
		return fmt.Errorf("%w: %s status requires executed_at", ErrInvalid, t.Status)
	}
	return nil
}

// ConditionMet reports whether price satisfies the trigger's condition.
// eps absorbs float noise: a GE 100.00 trigger fires at 99.995 with eps 0.01.
// The tolerance is absolute, not proportional.
func (t *Trigger) ConditionMet(price, eps float64) bool {
	switch t.Condition {
	case CondGE:
		return price >= t.TriggerPrice-eps
	case CondLE:
		return price <= t.TriggerPrice+eps
	case CondEQ:
		return math.Abs(price-t.TriggerPrice) <= eps
	}
	return false
}

// Expired reports whether the trigger's expiry has passed at the given instant.
func (t *Trigger) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// DisplayCondition renders the armed condition for notifications,
// e.g. "price >= 600".
func (t *Trigger) DisplayCondition() string {
	return fmt.Sprintf("price %s %g", t.Condition, t.TriggerPrice)
}

// DisplayAction renders the order side, kind and size for notifications,
// e.g. "cash limit buy 2 lots @ 601".
func (t *Trigger) DisplayAction() string {
	if t.OrderKind == OrderLimit && t.LimitPrice != nil {
		return fmt.Sprintf("%s %s %s %d lots @ %g",
			t.TradeClass, t.OrderKind, t.Action, t.Quantity, *t.LimitPrice)
	}
	return fmt.Sprintf("%s %s %s %d lots", t.TradeClass, t.OrderKind, t.Action, t.Quantity)
}

// ————————————————————————————————————————————————————————————————————————
// Order log
// ————————————————————————————————————————————————————————————————————————

// LogAction labels what happened to a trigger at a point in time.
type LogAction string

const (
	LogCreated   LogAction = "created"
	LogUpdated   LogAction = "updated"
	LogTriggered LogAction = "triggered"
	LogExecuted  LogAction = "executed"
	LogFailed    LogAction = "failed"
	LogCancelled LogAction = "cancelled"
	LogExpired   LogAction = "expired"
)

// OrderLog is one append-only audit entry. Logs are never mutated or deleted;
// they are the source of truth for incident reconstruction.
type OrderLog struct {
	ID        string    `json:"id"`
	TriggerID string    `json:"trigger_id"`
	TenantID  string    `json:"tenant_id"`
	Action    LogAction `json:"action"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`

	TriggerPrice   float64  `json:"trigger_price"`
	ObservedPrice  *float64 `json:"observed_price,omitempty"`
	ExecutionPrice *float64 `json:"execution_price,omitempty"`
	BrokerOrderRef string   `json:"broker_order_ref,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewOrderLog builds a log entry for a trigger with the id and timestamp set.
func NewOrderLog(t *Trigger, action LogAction, success bool, message string) OrderLog {
	return OrderLog{
		ID:           uuid.NewString(),
		TriggerID:    t.ID,
		TenantID:     t.TenantID,
		Action:       action,
		Success:      success,
		Message:      message,
		TriggerPrice: t.TriggerPrice,
		CreatedAt:    time.Now(),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Quotes
// ————————————————————————————————————————————————————————————————————————

// Quote is the most recent observed trade price for a symbol.
type Quote struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	ObservedAt time.Time `json:"observed_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Tenant configuration
// ————————————————————————————————————————————————————————————————————————

// TenantConfig is the per-tenant config.json shape. The file is replaced
// atomically as a whole; broker credentials live in separate files beside it.
type TenantConfig struct {
	TenantID           string     `json:"tenant_id"`
	CreatedAt          time.Time  `json:"created_at"`
	LastActive         time.Time  `json:"last_active"`
	APIKey             string     `json:"api_key,omitempty"`
	APIKeyCreatedAt    *time.Time `json:"api_key_created_at,omitempty"`
	PinCode            string     `json:"pin_code,omitempty"`
	AllowedDelegateIDs []string   `json:"allowed_delegate_ids,omitempty"`
}

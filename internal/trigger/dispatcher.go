package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trigger-engine/internal/broker"
	"trigger-engine/internal/notify"
	"trigger-engine/internal/store"
	"trigger-engine/pkg/types"
)

// SessionPool hands out authenticated broker sessions. Satisfied by
// *broker.Pool.
type SessionPool interface {
	Acquire(tenantID, brokerName string) (broker.Adapter, error)
}

// Dispatcher turns a satisfied condition into exactly one broker order.
//
// Two guards enforce exactly-once dispatch: an in-process in-flight set
// rejects concurrent Execute calls for the same trigger id, and a fresh
// re-read of the persisted record rejects calls that lost the race to an
// earlier round (the status is no longer ACTIVE). The TRIGGERED transition is
// persisted before the broker is contacted, so a crash mid-dispatch can never
// re-fire the trigger.
type Dispatcher struct {
	store    *store.Store
	pool     SessionPool
	notifier notify.Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(st *store.Store, pool SessionPool, notifier notify.Notifier, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		pool:     pool,
		notifier: notifier,
		logger:   logger.With("component", "dispatch"),
		inFlight: make(map[string]struct{}),
	}
}

// Execute fires one trigger at the given observed price. It is safe to call
// concurrently and repeatedly with the same trigger id: at most one call
// reaches the broker, the rest return immediately with no error.
func (d *Dispatcher) Execute(ctx context.Context, triggerID string, observedPrice float64) error {
	d.mu.Lock()
	if _, busy := d.inFlight[triggerID]; busy {
		d.mu.Unlock()
		return nil
	}
	d.inFlight[triggerID] = struct{}{}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.inFlight, triggerID)
		d.mu.Unlock()
	}()

	// Fresh read: the snapshot that satisfied the condition may be a full
	// monitor round old by now.
	t, err := d.store.GetTrigger(triggerID)
	if err != nil {
		return err
	}
	if t == nil {
		return ErrNotFound
	}
	if t.Status != types.StatusActive {
		d.logger.Debug("skipping non-active trigger", "trigger", triggerID, "status", string(t.Status))
		return nil
	}
	if t.Expired(time.Now()) {
		// The monitor normally catches this first; a direct Execute call can
		// still race the expiry sweep.
		return fmt.Errorf("%w: trigger expired", ErrIllegalTransition)
	}

	now := time.Now()
	t.Status = types.StatusTriggered
	t.TriggeredAt = &now
	t.UpdatedAt = now
	if err := d.store.SaveTrigger(t); err != nil {
		return fmt.Errorf("persist triggered: %w", err)
	}
	entry := types.NewOrderLog(t, types.LogTriggered, true,
		fmt.Sprintf("condition met at %g", observedPrice))
	entry.ObservedPrice = &observedPrice
	if err := d.store.AppendLog(&entry); err != nil {
		return fmt.Errorf("log triggered: %w", err)
	}
	d.logger.Info("trigger fired",
		"tenant", t.TenantID, "trigger", t.ID, "symbol", t.Symbol,
		"observed", observedPrice, "threshold", t.TriggerPrice)

	res, err := d.placeOrder(t)
	if err != nil {
		d.finish(ctx, t, observedPrice, types.StatusFailed, "", err.Error())
		return nil
	}
	if !res.OK {
		// Broker rejection reason is preserved verbatim for the tenant.
		d.finish(ctx, t, observedPrice, types.StatusFailed, "", res.Message)
		return nil
	}
	d.finish(ctx, t, observedPrice, types.StatusExecuted, res.Ref, res.Message)
	return nil
}

// placeOrder acquires a session and routes by action and order kind. Market
// orders require the adapter to opt in via broker.MarketTrader; an adapter
// that cannot place them fails the trigger rather than silently degrading to
// a limit order.
func (d *Dispatcher) placeOrder(t *types.Trigger) (broker.OrderResult, error) {
	adapter, err := d.pool.Acquire(t.TenantID, t.BrokerName)
	if err != nil {
		return broker.OrderResult{}, fmt.Errorf("broker session: %w", err)
	}

	switch t.OrderKind {
	case types.OrderLimit:
		if t.Action == types.ActionBuy {
			return adapter.PlaceLimitBuy(t.Symbol, *t.LimitPrice, t.Quantity)
		}
		return adapter.PlaceLimitSell(t.Symbol, *t.LimitPrice, t.Quantity)

	case types.OrderMarket:
		mt, ok := adapter.(broker.MarketTrader)
		if !ok {
			return broker.OrderResult{}, fmt.Errorf("%w: %s does not support market orders",
				broker.ErrUnsupported, adapter.Name())
		}
		if t.Action == types.ActionBuy {
			return mt.PlaceMarketBuy(t.Symbol, t.Quantity)
		}
		return mt.PlaceMarketSell(t.Symbol, t.Quantity)
	}
	return broker.OrderResult{}, fmt.Errorf("%w: order_kind %q", types.ErrInvalid, t.OrderKind)
}

// finish persists the terminal state, appends the outcome log entry, and
// notifies the tenant. Notification failures are logged and dropped.
func (d *Dispatcher) finish(ctx context.Context, t *types.Trigger, observedPrice float64, status types.Status, ref, message string) {
	now := time.Now()
	t.Status = status
	t.ExecutedAt = &now
	t.UpdatedAt = now
	t.BrokerOrderRef = ref
	t.ExecutionMessage = message
	if err := d.store.SaveTrigger(t); err != nil {
		d.logger.Error("persisting outcome failed", "trigger", t.ID, "status", string(status), "error", err)
	}

	action := types.LogExecuted
	outcome := notify.OutcomeExecuted
	if status == types.StatusFailed {
		action = types.LogFailed
		outcome = notify.OutcomeFailed
	}
	entry := types.NewOrderLog(t, action, status == types.StatusExecuted, message)
	entry.ObservedPrice = &observedPrice
	entry.BrokerOrderRef = ref
	if err := d.store.AppendLog(&entry); err != nil {
		d.logger.Error("logging outcome failed", "trigger", t.ID, "error", err)
	}

	if err := d.notifier.Notify(ctx, notify.Event{
		TenantID:       t.TenantID,
		TriggerID:      t.ID,
		Symbol:         t.Symbol,
		SymbolName:     t.SymbolName,
		Condition:      t.DisplayCondition(),
		Action:         t.DisplayAction(),
		TriggerPrice:   t.TriggerPrice,
		ObservedPrice:  observedPrice,
		BrokerOrderRef: ref,
		Outcome:        outcome,
		ErrorMessage:   errMessage(status, message),
		At:             now,
	}); err != nil {
		d.logger.Warn("outcome notification failed", "trigger", t.ID, "error", err)
	}

	d.logger.Info("dispatch finished",
		"tenant", t.TenantID, "trigger", t.ID, "status", string(status), "ref", ref)
}

func errMessage(status types.Status, message string) string {
	if status == types.StatusFailed {
		return message
	}
	return ""
}

// InFlight reports how many dispatches are currently running. Exposed for
// the monitor's stats payload.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

// Package trigger owns the conditional-order lifecycle: creation, updates,
// cancellation, expiry, and exactly-once dispatch when a condition fires.
//
// State machine:
//
//	ACTIVE ──> TRIGGERED ──> EXECUTED | FAILED
//	ACTIVE ──> CANCELLED
//	ACTIVE ──> EXPIRED
//
// EXECUTED, FAILED, CANCELLED and EXPIRED are terminal. Every transition is
// persisted before it is reported, and every transition appends one audit log
// entry.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trigger-engine/internal/notify"
	"trigger-engine/internal/store"
	"trigger-engine/pkg/types"
)

var (
	// ErrNotFound is returned when no trigger with the given id exists.
	ErrNotFound = errors.New("trigger not found")

	// ErrForbidden is returned when a tenant addresses another tenant's
	// trigger. Callers surface it identically to ErrNotFound so ids leak no
	// existence information across tenants.
	ErrForbidden = errors.New("trigger belongs to another tenant")

	// ErrIllegalTransition is returned when an operation is not valid for the
	// trigger's current status, e.g. updating a cancelled trigger.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Registry implements tenant-facing trigger CRUD on top of the store.
type Registry struct {
	store    *store.Store
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewRegistry creates a registry. notifier receives expiry events and may be
// notify.Nop.
func NewRegistry(st *store.Store, notifier notify.Notifier, logger *slog.Logger) *Registry {
	return &Registry{
		store:    st,
		notifier: notifier,
		logger:   logger.With("component", "trigger"),
	}
}

// Create validates and persists a new trigger in ACTIVE state. The caller
// supplies the order fields; id, status, and timestamps are assigned here.
func (r *Registry) Create(tenantID string, t *types.Trigger) (*types.Trigger, error) {
	now := time.Now()
	t.ID = types.NewTriggerID()
	t.TenantID = tenantID
	t.Status = types.StatusActive
	t.CreatedAt = now
	t.UpdatedAt = now
	t.TriggeredAt = nil
	t.ExecutedAt = nil
	t.BrokerOrderRef = ""
	t.ExecutionMessage = ""

	if t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expires_at must be in the future", types.ErrInvalid)
	}
	if err := r.store.SaveTrigger(t); err != nil {
		return nil, err
	}

	entry := types.NewOrderLog(t, types.LogCreated, true, t.DisplayCondition()+" → "+t.DisplayAction())
	if err := r.store.AppendLog(&entry); err != nil {
		return nil, err
	}

	r.logger.Info("trigger created",
		"tenant", tenantID, "trigger", t.ID, "symbol", t.Symbol,
		"condition", string(t.Condition), "price", t.TriggerPrice)
	return t, nil
}

// Get loads a tenant's trigger by id.
func (r *Registry) Get(tenantID, triggerID string) (*types.Trigger, error) {
	t, err := r.store.GetTrigger(triggerID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotFound
	}
	if t.TenantID != tenantID {
		return nil, ErrForbidden
	}
	return t, nil
}

// List returns a tenant's triggers newest first, optionally filtered by status.
func (r *Registry) List(tenantID string, status *types.Status) ([]*types.Trigger, error) {
	return r.store.ListTenantTriggers(tenantID, status)
}

// Patch holds the fields a tenant may change while a trigger is ACTIVE. Nil
// means "leave unchanged". The symbol, direction, and broker are fixed at
// creation: changing those is a new trigger, not an edit.
type Patch struct {
	TriggerPrice *float64
	LimitPrice   *float64
	Quantity     *int
	ExpiresAt    *time.Time
	Note         *string
}

// Update applies a patch to an ACTIVE trigger. Non-ACTIVE triggers reject the
// update with ErrIllegalTransition; the updated record is re-validated before
// it replaces the old one, so a bad patch leaves the trigger untouched.
func (r *Registry) Update(tenantID, triggerID string, p Patch) (*types.Trigger, error) {
	t, err := r.Get(tenantID, triggerID)
	if err != nil {
		return nil, err
	}
	if t.Status != types.StatusActive {
		return nil, fmt.Errorf("%w: cannot update %s trigger", ErrIllegalTransition, t.Status)
	}

	if p.TriggerPrice != nil {
		t.TriggerPrice = *p.TriggerPrice
	}
	if p.LimitPrice != nil {
		t.LimitPrice = p.LimitPrice
	}
	if p.Quantity != nil {
		t.Quantity = *p.Quantity
	}
	if p.ExpiresAt != nil {
		t.ExpiresAt = p.ExpiresAt
	}
	if p.Note != nil {
		t.Note = *p.Note
	}
	t.UpdatedAt = time.Now()

	if err := r.store.SaveTrigger(t); err != nil {
		return nil, err
	}
	entry := types.NewOrderLog(t, types.LogUpdated, true, t.DisplayCondition()+" → "+t.DisplayAction())
	if err := r.store.AppendLog(&entry); err != nil {
		return nil, err
	}
	r.logger.Info("trigger updated", "tenant", tenantID, "trigger", triggerID)
	return t, nil
}

// Cancel moves an ACTIVE trigger to CANCELLED and reports whether this call
// performed the transition. Cancelling an already-cancelled trigger is an
// idempotent no-op (false, no log entry); cancelling from any other state is
// an illegal transition.
func (r *Registry) Cancel(tenantID, triggerID string) (*types.Trigger, bool, error) {
	t, err := r.Get(tenantID, triggerID)
	if err != nil {
		return nil, false, err
	}
	switch t.Status {
	case types.StatusActive:
	case types.StatusCancelled:
		return t, false, nil
	default:
		return nil, false, fmt.Errorf("%w: cannot cancel %s trigger", ErrIllegalTransition, t.Status)
	}

	t.Status = types.StatusCancelled
	t.UpdatedAt = time.Now()
	if err := r.store.SaveTrigger(t); err != nil {
		return nil, false, err
	}
	entry := types.NewOrderLog(t, types.LogCancelled, true, "cancelled by tenant")
	if err := r.store.AppendLog(&entry); err != nil {
		return nil, false, err
	}
	r.logger.Info("trigger cancelled", "tenant", tenantID, "trigger", triggerID)
	return t, true, nil
}

// Delete removes a trigger record. Only terminal triggers may be deleted;
// an ACTIVE or TRIGGERED one must be cancelled or allowed to finish first.
// The audit log stream is kept.
func (r *Registry) Delete(tenantID, triggerID string) error {
	t, err := r.Get(tenantID, triggerID)
	if err != nil {
		return err
	}
	if !t.Status.Terminal() {
		return fmt.Errorf("%w: cannot delete %s trigger", ErrIllegalTransition, t.Status)
	}
	_, err = r.store.DeleteTrigger(triggerID)
	return err
}

// ListActive returns every ACTIVE trigger across all tenants, transitioning
// any whose expiry has passed to EXPIRED on the way. This is the scheduler's
// per-round working set, so expiry is detected within one monitor interval.
func (r *Registry) ListActive(ctx context.Context) ([]*types.Trigger, error) {
	all, err := r.store.ListByStatus(types.StatusActive)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	live := all[:0]
	for _, t := range all {
		if t.Expired(now) {
			r.expire(ctx, t)
			continue
		}
		live = append(live, t)
	}
	return live, nil
}

// expire marks one trigger EXPIRED, logs it, and notifies the tenant.
func (r *Registry) expire(ctx context.Context, t *types.Trigger) {
	t.Status = types.StatusExpired
	t.UpdatedAt = time.Now()
	if err := r.store.SaveTrigger(t); err != nil {
		r.logger.Error("persisting expiry failed", "trigger", t.ID, "error", err)
		return
	}
	entry := types.NewOrderLog(t, types.LogExpired, true, "expired at "+t.ExpiresAt.Format(time.RFC3339))
	if err := r.store.AppendLog(&entry); err != nil {
		r.logger.Error("logging expiry failed", "trigger", t.ID, "error", err)
	}

	if err := r.notifier.Notify(ctx, notify.Event{
		TenantID:     t.TenantID,
		TriggerID:    t.ID,
		Symbol:       t.Symbol,
		SymbolName:   t.SymbolName,
		Condition:    t.DisplayCondition(),
		Action:       t.DisplayAction(),
		TriggerPrice: t.TriggerPrice,
		Outcome:      notify.OutcomeExpired,
		At:           time.Now(),
	}); err != nil {
		r.logger.Warn("expiry notification failed", "trigger", t.ID, "error", err)
	}
	r.logger.Info("trigger expired", "tenant", t.TenantID, "trigger", t.ID)
}

// TenantStats summarizes one tenant's triggers by status.
type TenantStats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Triggered int `json:"triggered"`
	Executed  int `json:"executed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Expired   int `json:"expired"`
}

// Stats counts a tenant's triggers per status.
func (r *Registry) Stats(tenantID string) (TenantStats, error) {
	all, err := r.store.ListTenantTriggers(tenantID, nil)
	if err != nil {
		return TenantStats{}, err
	}
	var st TenantStats
	for _, t := range all {
		st.Total++
		switch t.Status {
		case types.StatusActive:
			st.Active++
		case types.StatusTriggered:
			st.Triggered++
		case types.StatusExecuted:
			st.Executed++
		case types.StatusFailed:
			st.Failed++
		case types.StatusCancelled:
			st.Cancelled++
		case types.StatusExpired:
			st.Expired++
		}
	}
	return st, nil
}

// Logs returns the audit stream for one of the tenant's triggers, in
// chronological order.
func (r *Registry) Logs(tenantID, triggerID string) ([]*types.OrderLog, error) {
	if _, err := r.Get(tenantID, triggerID); err != nil {
		// Deleted triggers keep their logs; fall through for those.
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	logs, err := r.store.ListLogsFor(triggerID)
	if err != nil {
		return nil, err
	}
	if len(logs) > 0 && logs[0].TenantID != tenantID {
		return nil, ErrForbidden
	}
	return logs, nil
}

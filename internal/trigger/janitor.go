package trigger

import (
	"log/slog"
	"time"

	"trigger-engine/internal/store"
	"trigger-engine/pkg/types"
)

// Janitor removes terminal triggers that have aged past the retention window.
// Audit log streams are never removed; a deleted trigger's history stays
// reconstructible.
type Janitor struct {
	store     *store.Store
	retention time.Duration
	logger    *slog.Logger
}

// NewJanitor creates a janitor keeping terminal triggers for retentionDays.
func NewJanitor(st *store.Store, retentionDays int, logger *slog.Logger) *Janitor {
	return &Janitor{
		store:     st,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger.With("component", "janitor"),
	}
}

// Sweep deletes every terminal trigger whose last update is older than the
// retention window. Returns the number of triggers removed.
func (j *Janitor) Sweep() (int, error) {
	cutoff := time.Now().Add(-j.retention)
	removed := 0

	for _, status := range []types.Status{
		types.StatusExecuted, types.StatusFailed, types.StatusCancelled, types.StatusExpired,
	} {
		ts, err := j.store.ListByStatus(status)
		if err != nil {
			return removed, err
		}
		for _, t := range ts {
			if t.UpdatedAt.After(cutoff) {
				continue
			}
			ok, err := j.store.DeleteTrigger(t.ID)
			if err != nil {
				j.logger.Warn("retention delete failed", "trigger", t.ID, "error", err)
				continue
			}
			if ok {
				removed++
			}
		}
	}

	if removed > 0 {
		j.logger.Info("retention sweep", "removed", removed)
	}
	return removed, nil
}

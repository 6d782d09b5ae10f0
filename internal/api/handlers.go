package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"trigger-engine/internal/identity"
	"trigger-engine/internal/monitor"
	"trigger-engine/internal/store"
	"trigger-engine/internal/trigger"
	"trigger-engine/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The stream carries no secrets beyond what the api key already
		// protects; access control happens in authTenant.
		return true
	},
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	registry  *trigger.Registry
	ident     *identity.Service
	scheduler *monitor.Scheduler
	store     *store.Store
	hub       *Hub
	logger    *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(reg *trigger.Registry, ident *identity.Service, sched *monitor.Scheduler,
	st *store.Store, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		registry:  reg,
		ident:     ident,
		scheduler: sched,
		store:     st,
		hub:       hub,
		logger:    logger.With("component", "api-handlers"),
	}
}

// authTenant resolves the caller's tenant from the Authorization header, or
// from an api_key query parameter for WebSocket clients that cannot set
// headers. Returns "" after writing the error response.
func (h *Handlers) authTenant(w http.ResponseWriter, r *http.Request) string {
	key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if key == "" || key == r.Header.Get("Authorization") {
		key = r.URL.Query().Get("api_key")
	}
	tenant, err := h.ident.Resolve(key)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
		return ""
	}
	return tenant
}

// writeJSON renders one response body.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP status codes. Cross-tenant access
// renders as 404 so trigger ids leak no existence information.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, trigger.ErrNotFound), errors.Is(err, trigger.ErrForbidden):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "trigger not found"})
	case errors.Is(err, trigger.ErrIllegalTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, types.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, store.ErrBusy):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store busy, retry"})
	default:
		h.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// HandleHealth reports liveness and store counters. Unauthenticated.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"store":  h.store.Stats(),
	})
}

// HandleCreateTrigger creates one trigger for the calling tenant.
func (h *Handlers) HandleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	tenant := h.authTenant(w, r)
	if tenant == "" {
		return
	}

	var t types.Trigger
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	created, err := h.registry.Create(tenant, &t)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// HandleListTriggers lists the tenant's triggers, optionally status-filtered.
func (h *Handlers) HandleListTriggers(w http.ResponseWriter, r *http.Request) {
	tenant := h.authTenant(w, r)
	if tenant == "" {
		return
	}

	var status *types.Status
	if s := r.URL.Query().Get("status"); s != "" {
		st := types.Status(s)
		status = &st
	}
	list, err := h.registry.List(tenant, status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []*types.Trigger{}
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleGetTrigger returns one trigger.
func (h *Handlers) HandleGetTrigger(w http.ResponseWriter, r *http.Request) {
	tenant := h.authTenant(w, r)
	if tenant == "" {
		return
	}
	t, err := h.registry.Get(tenant, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// updateRequest carries the editable fields; absent fields stay unchanged.
type updateRequest struct {
	TriggerPrice *float64   `json:"trigger_price"`
	LimitPrice   *float64   `json:"limit_price"`
	Quantity     *int       `json:"quantity"`
	ExpiresAt    *time.Time `json:"expires_at"`
	Note         *string    `json:"note"`
}

// HandleUpdateTrigger patches an ACTIVE trigger.
func (h *Handlers) HandleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	tenant := h.authTenant(w, r)
	if tenant == "" {
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	updated, err := h.registry.Update(tenant, r.PathValue("id"), trigger.Patch{
		TriggerPrice: req.TriggerPrice,
		LimitPrice:   req.LimitPrice,
		Quantity:     req.Quantity,
		ExpiresAt:    req.ExpiresAt,
		Note:         req.Note,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// HandleCancelTrigger cancels an ACTIVE trigger. Repeating the call on an
// already-cancelled trigger returns the record again with no state change.
func (h *Handlers) HandleCancelTrigger(w http.ResponseWriter, r *http.Request) {
	tenant := h.authTenant(w, r)
	if tenant == "" {
		return
	}
	cancelled, _, err := h.registry.Cancel(tenant, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

// HandleDeleteTrigger removes a terminal trigger.
func (h *Handlers) HandleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	tenant := h.authTenant(w, r)
	if tenant == "" {
		return
	}
	if err := h.registry.Delete(tenant, r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleTriggerLogs returns the audit stream for one trigger.
func (h *Handlers) HandleTriggerLogs(w http.ResponseWriter, r *http.Request) {
	tenant := h.authTenant(w, r)
	if tenant == "" {
		return
	}
	logs, err := h.registry.Logs(tenant, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if logs == nil {
		logs = []*types.OrderLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// HandleTenantLogs returns the tenant's recent log entries, newest first.
func (h *Handlers) HandleTenantLogs(w http.ResponseWriter, r *http.Request) {
	tenant := h.authTenant(w, r)
	if tenant == "" {
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	logs, err := h.store.ListTenantLogs(tenant, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if logs == nil {
		logs = []*types.OrderLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// HandleStats returns tenant trigger counts plus monitor loop counters.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	tenant := h.authTenant(w, r)
	if tenant == "" {
		return
	}
	ts, err := h.registry.Stats(tenant)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"triggers": ts,
		"monitor":  h.scheduler.Stats(),
	})
}

// HandleForceCheck runs one monitoring round immediately.
func (h *Handlers) HandleForceCheck(w http.ResponseWriter, r *http.Request) {
	tenant := h.authTenant(w, r)
	if tenant == "" {
		return
	}
	stats := h.scheduler.ForceCheck(r.Context())
	writeJSON(w, http.StatusOK, stats)
}

// HandleWebSocket upgrades the connection and subscribes it to the event
// stream.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tenant := h.authTenant(w, r)
	if tenant == "" {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(h.hub, conn)
	h.logger.Debug("stream subscriber", "tenant", tenant)
}

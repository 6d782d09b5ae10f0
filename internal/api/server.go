// Package api exposes the engine over HTTP: trigger CRUD, stats, and a
// WebSocket stream of execution events.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"trigger-engine/internal/identity"
	"trigger-engine/internal/monitor"
	"trigger-engine/internal/store"
	"trigger-engine/internal/trigger"
)

// Server runs the HTTP/WebSocket surface.
type Server struct {
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	events   <-chan Event
	logger   *slog.Logger
}

// NewServer wires routes and the stream hub. events feeds the /ws broadcast
// and may be nil when no stream consumers exist.
func NewServer(port int, reg *trigger.Registry, ident *identity.Service,
	sched *monitor.Scheduler, st *store.Store, events <-chan Event,
	logger *slog.Logger) *Server {

	hub := NewHub(logger)
	handlers := NewHandlers(reg, ident, sched, st, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("POST /api/triggers", handlers.HandleCreateTrigger)
	mux.HandleFunc("GET /api/triggers", handlers.HandleListTriggers)
	mux.HandleFunc("GET /api/triggers/{id}", handlers.HandleGetTrigger)
	mux.HandleFunc("PATCH /api/triggers/{id}", handlers.HandleUpdateTrigger)
	mux.HandleFunc("POST /api/triggers/{id}/cancel", handlers.HandleCancelTrigger)
	mux.HandleFunc("DELETE /api/triggers/{id}", handlers.HandleDeleteTrigger)
	mux.HandleFunc("GET /api/triggers/{id}/logs", handlers.HandleTriggerLogs)
	mux.HandleFunc("GET /api/logs", handlers.HandleTenantLogs)
	mux.HandleFunc("GET /api/stats", handlers.HandleStats)
	mux.HandleFunc("POST /api/check", handlers.HandleForceCheck)
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		hub:      hub,
		handlers: handlers,
		server:   server,
		events:   events,
		logger:   logger.With("component", "api-server"),
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start runs the hub, the event pump, and the listener. Blocks until the
// listener stops.
func (s *Server) Start() error {
	go s.hub.Run()
	if s.events != nil {
		go s.pumpEvents()
	}

	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and tears the stream down.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.hub.Close()
	return err
}

// pumpEvents forwards engine events to the stream hub.
func (s *Server) pumpEvents() {
	for ev := range s.events {
		s.hub.Broadcast(ev)
	}
}

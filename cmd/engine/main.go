// Conditional-order engine — monitors TWSE/TPEX prices and places brokerage
// orders when tenant-defined triggers fire.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires store → registry → monitor → dispatcher → brokers
//	trigger/registry.go  — trigger CRUD and lifecycle (active/triggered/executed/failed/cancelled/expired)
//	trigger/dispatcher.go— exactly-once execution: in-flight guard + persisted status re-check
//	monitor/scheduler.go — polls quotes every interval, evaluates conditions, fans out dispatches
//	quote/client.go      — TWSE MIS quote source with TTL cache and rate limiting
//	broker/pool.go       — per-(tenant,broker) session cache with TTL and capacity eviction
//	store/store.go       — per-tenant JSON persistence with file locks and append-only audit logs
//	api/server.go        — REST façade + WebSocket stream of execution events
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"trigger-engine/internal/api"
	"trigger-engine/internal/config"
	"trigger-engine/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRIG_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API.Port,
			eng.Registry(), eng.Identity(), eng.Scheduler(), eng.Store(), eng.Events(), logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
		logger.Info("api started", "url", fmt.Sprintf("http://localhost:%d", cfg.API.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("conditional-order engine started",
		"check_interval", cfg.Monitor.CheckInterval,
		"quote_ttl", cfg.Quote.TTL,
		"session_ttl", cfg.Broker.SessionTTL,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
	}
	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Package engine wires the subsystems together and owns their lifecycle.
//
//  1. Store persists triggers, logs, and tenant config as JSON files.
//  2. Registry exposes trigger CRUD; Dispatcher fires satisfied triggers
//     through the broker session pool exactly once.
//  3. Scheduler polls the quote source on a fixed cadence and hands satisfied
//     triggers to the dispatcher.
//  4. Notifications fan out to the tenant channel (Telegram when configured)
//     and to the API event stream.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trigger-engine/internal/api"
	"trigger-engine/internal/broker"
	"trigger-engine/internal/config"
	"trigger-engine/internal/identity"
	"trigger-engine/internal/monitor"
	"trigger-engine/internal/notify"
	"trigger-engine/internal/quote"
	"trigger-engine/internal/store"
	"trigger-engine/internal/trigger"
)

// janitorInterval is how often the retention sweep runs.
const janitorInterval = 24 * time.Hour

// Engine owns every long-lived component and their goroutines.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	store     *store.Store
	pool      *broker.Pool
	cache     *quote.Cache
	registry  *trigger.Registry
	dispatch  *trigger.Dispatcher
	scheduler *monitor.Scheduler
	janitor   *trigger.Janitor
	ident     *identity.Service

	events chan api.Event

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// New creates and wires all components. Nothing is started yet.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Store.DataDir, cfg.Store.LockTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	pool := broker.NewPool(cfg.Broker.SessionTTL, cfg.Broker.SessionMax, st, logger)

	events := make(chan api.Event, 256)
	var tenantNotifier notify.Notifier = notify.Nop{}
	if cfg.Telegram.BotToken != "" {
		tenantNotifier = notify.NewTelegram(cfg.Telegram.BaseURL, cfg.Telegram.BotToken, logger)
	} else {
		logger.Warn("no telegram token configured, tenant notifications disabled")
	}
	notifier := &fanout{inner: tenantNotifier, events: events, logger: logger.With("component", "notify-fanout")}

	registry := trigger.NewRegistry(st, notifier, logger)
	dispatch := trigger.NewDispatcher(st, pool, notifier, logger)

	source := quote.NewClient(cfg.Quote.BaseURL, cfg.Quote.FetchTimeout, logger)
	cache := quote.NewCache(cfg.Quote.TTL)
	scheduler := monitor.New(cfg.Monitor.CheckInterval, cfg.Monitor.CondEps, cfg.Monitor.MaxQuoteWorkers,
		source, cache, registry, dispatch, logger)

	return &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		store:     st,
		pool:      pool,
		cache:     cache,
		registry:  registry,
		dispatch:  dispatch,
		scheduler: scheduler,
		janitor:   trigger.NewJanitor(st, cfg.Store.RetentionDays, logger),
		ident:     identity.New(st, logger),
		events:    events,
	}, nil
}

// Accessors for the API surface.
func (e *Engine) Registry() *trigger.Registry   { return e.registry }
func (e *Engine) Identity() *identity.Service   { return e.ident }
func (e *Engine) Scheduler() *monitor.Scheduler { return e.scheduler }
func (e *Engine) Store() *store.Store           { return e.store }
func (e *Engine) Events() <-chan api.Event      { return e.events }

// Start launches the monitor loop and the retention sweeper.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.started = true

	e.scheduler.Start()

	e.wg.Add(1)
	go e.runJanitor(ctx)

	e.logger.Info("engine started",
		"data_dir", e.cfg.Store.DataDir,
		"check_interval", e.cfg.Monitor.CheckInterval,
		"retention_days", e.cfg.Store.RetentionDays)
	return nil
}

// Stop shuts everything down in dependency order: the monitor loop first so
// no new dispatches start, then the broker pool, then the event stream.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	e.scheduler.Stop()
	cancel()
	e.wg.Wait()
	e.pool.Close()
	close(e.events)
	e.logger.Info("engine stopped")
}

// runJanitor sweeps aged terminal triggers once at startup and then daily.
func (e *Engine) runJanitor(ctx context.Context) {
	defer e.wg.Done()

	if e.cfg.Store.RetentionDays == 0 {
		return // retention disabled
	}

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		if _, err := e.janitor.Sweep(); err != nil {
			e.logger.Error("retention sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// fanout delivers each event to the tenant channel and mirrors it onto the
// API stream. The stream never blocks dispatch: a full buffer drops events.
type fanout struct {
	inner  notify.Notifier
	events chan api.Event
	logger *slog.Logger
}

func (f *fanout) Notify(ctx context.Context, ev notify.Event) error {
	select {
	case f.events <- api.FromOutcome(ev):
	default:
		f.logger.Warn("event stream backlog full, dropping event", "trigger", ev.TriggerID)
	}
	return f.inner.Notify(ctx, ev)
}

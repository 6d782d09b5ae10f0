// Package monitor drives the price-check loop: every interval it loads the
// active triggers, resolves one price per distinct symbol (cache first, then
// a bounded fan-out to the quote source), and hands satisfied triggers to the
// dispatcher.
//
// The loop never dies with the market: a round where every fetch fails just
// increments the error counter and the next round starts on schedule.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"trigger-engine/internal/quote"
	"trigger-engine/pkg/types"
)

const (
	// tickSlice bounds how long Stop waits on a sleeping loop.
	tickSlice = time.Second

	// fetchDeadline bounds one quote fetch inside a round.
	fetchDeadline = 15 * time.Second

	// dispatchDeadline bounds one trigger execution, broker call included.
	dispatchDeadline = 60 * time.Second
)

// TriggerSource yields the current working set and is expected to handle
// expiry internally. Satisfied by *trigger.Registry.
type TriggerSource interface {
	ListActive(ctx context.Context) ([]*types.Trigger, error)
}

// Executor fires one trigger. Satisfied by *trigger.Dispatcher.
type Executor interface {
	Execute(ctx context.Context, triggerID string, observedPrice float64) error
}

// Stats is a snapshot of the loop's counters.
type Stats struct {
	Running       bool      `json:"running"`
	Checks        int64     `json:"checks"`
	TriggersFired int64     `json:"triggers_fired"`
	Errors        int64     `json:"errors"`
	LastCheck     time.Time `json:"last_check"`
}

// Scheduler runs the periodic price-check loop.
type Scheduler struct {
	interval   time.Duration
	eps        float64
	maxWorkers int

	source   quote.Source
	cache    *quote.Cache
	triggers TriggerSource
	exec     Executor
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stats   Stats
}

// New creates a scheduler. eps is the absolute tolerance applied when
// comparing observed prices against trigger thresholds.
func New(interval time.Duration, eps float64, maxWorkers int,
	source quote.Source, cache *quote.Cache, triggers TriggerSource, exec Executor,
	logger *slog.Logger) *Scheduler {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Scheduler{
		interval:   interval,
		eps:        eps,
		maxWorkers: maxWorkers,
		source:     source,
		cache:      cache,
		triggers:   triggers,
		exec:       exec,
		logger:     logger.With("component", "monitor"),
	}
}

// Start launches the loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.stats.Running = true

	s.wg.Add(1)
	go s.run(ctx)
	s.logger.Info("monitor started", "interval", s.interval, "eps", s.eps, "workers", s.maxWorkers)
}

// Stop cancels the loop and waits for the in-progress round to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stats.Running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("monitor stopped")
}

// ForceCheck runs one round immediately, outside the normal cadence. Used by
// the operator surface to verify wiring without waiting out the interval.
func (s *Scheduler) ForceCheck(ctx context.Context) Stats {
	s.checkOnce(ctx)
	return s.Stats()
}

// Stats returns a copy of the loop counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		s.checkOnce(ctx)

		// Sleep in short slices so Stop returns promptly.
		deadline := time.Now().Add(s.interval)
		for time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(tickSlice):
			}
		}
	}
}

// checkOnce performs one full monitoring round.
func (s *Scheduler) checkOnce(ctx context.Context) {
	roundErrs := 0

	active, err := s.triggers.ListActive(ctx)
	if err != nil {
		s.logger.Error("listing active triggers failed", "error", err)
		s.noteRound(0, 1)
		return
	}
	if len(active) == 0 {
		s.cache.MaybeSweep()
		s.noteRound(0, 0)
		return
	}

	prices, errs := s.resolvePrices(ctx, symbolsOf(active))
	roundErrs += errs

	fired := 0
	var wg sync.WaitGroup
	for _, t := range active {
		price, ok := prices[t.Symbol]
		if !ok {
			continue
		}
		if !t.ConditionMet(price, s.eps) {
			continue
		}
		fired++
		wg.Add(1)
		go func(id string, p float64) {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(ctx, dispatchDeadline)
			defer cancel()
			if err := s.exec.Execute(dctx, id, p); err != nil {
				s.logger.Error("dispatch failed", "trigger", id, "error", err)
			}
		}(t.ID, price)
	}
	wg.Wait()

	s.cache.MaybeSweep()
	s.noteRound(fired, roundErrs)

	if fired > 0 {
		s.logger.Info("monitor round", "active", len(active), "symbols", len(prices), "fired", fired)
	} else {
		s.logger.Debug("monitor round", "active", len(active), "symbols", len(prices), "errors", roundErrs)
	}
}

// resolvePrices returns one price per symbol, serving from the cache and
// fanning misses out to the source with at most maxWorkers in flight.
func (s *Scheduler) resolvePrices(ctx context.Context, symbols []string) (map[string]float64, int) {
	prices := make(map[string]float64, len(symbols))
	var misses []string
	for _, sym := range symbols {
		if q, ok := s.cache.Get(sym); ok {
			prices[sym] = q.Price
		} else {
			misses = append(misses, sym)
		}
	}
	if len(misses) == 0 {
		return prices, 0
	}

	var (
		mu     sync.Mutex
		errs   int
		wg     sync.WaitGroup
		tokens = make(chan struct{}, s.maxWorkers)
	)
	for _, sym := range misses {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			tokens <- struct{}{}
			defer func() { <-tokens }()

			fctx, cancel := context.WithTimeout(ctx, fetchDeadline)
			defer cancel()
			q, err := s.source.Fetch(fctx, sym)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Warn("quote fetch failed", "symbol", sym, "error", err)
				}
				mu.Lock()
				errs++
				mu.Unlock()
				return
			}
			s.cache.Put(sym, q.Price)
			mu.Lock()
			prices[sym] = q.Price
			mu.Unlock()
		}(sym)
	}
	wg.Wait()
	return prices, errs
}

func (s *Scheduler) noteRound(fired, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Checks++
	s.stats.TriggersFired += int64(fired)
	s.stats.Errors += int64(errs)
	s.stats.LastCheck = time.Now()
}

// symbolsOf dedupes the symbols referenced by the working set.
func symbolsOf(triggers []*types.Trigger) []string {
	seen := make(map[string]struct{}, len(triggers))
	var out []string
	for _, t := range triggers {
		if _, ok := seen[t.Symbol]; ok {
			continue
		}
		seen[t.Symbol] = struct{}{}
		out = append(out, t.Symbol)
	}
	return out
}

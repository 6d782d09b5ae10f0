package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"trigger-engine/internal/broker"
	"trigger-engine/internal/notify"
	"trigger-engine/internal/quote"
	"trigger-engine/internal/store"
	"trigger-engine/internal/trigger"
	"trigger-engine/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedSource serves prices from a map and counts fetches per symbol.
type scriptedSource struct {
	mu      sync.Mutex
	prices  map[string]float64
	fetches map[string]int
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{prices: map[string]float64{}, fetches: map[string]int{}}
}

func (s *scriptedSource) set(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

func (s *scriptedSource) count(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[symbol]
}

func (s *scriptedSource) Fetch(_ context.Context, symbol string) (types.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches[symbol]++
	p, ok := s.prices[symbol]
	if !ok {
		return types.Quote{}, fmt.Errorf("symbol %s: %w", symbol, quote.ErrUnavailable)
	}
	return types.Quote{Symbol: symbol, Price: p, ObservedAt: time.Now()}, nil
}

// memNotifier records events.
type memNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (m *memNotifier) Notify(_ context.Context, ev notify.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memNotifier) all() []notify.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notify.Event(nil), m.events...)
}

// fakePool hands out one shared paper session.
type fakePool struct{ adapter broker.Adapter }

func (f *fakePool) Acquire(string, string) (broker.Adapter, error) { return f.adapter, nil }

// harness wires a full engine slice: store, registry, dispatcher with a paper
// broker, scheduler over a scripted quote source.
type harness struct {
	store     *store.Store
	registry  *trigger.Registry
	source    *scriptedSource
	cache     *quote.Cache
	paper     *broker.Paper
	notifier  *memNotifier
	scheduler *Scheduler
}

func newHarness(t *testing.T, cacheTTL time.Duration) *harness {
	t.Helper()
	st, err := store.Open(t.TempDir(), 10*time.Second, quietLogger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	n := &memNotifier{}
	paper := broker.NewPaper()
	if err := paper.Login(); err != nil {
		t.Fatalf("paper login: %v", err)
	}
	reg := trigger.NewRegistry(st, n, quietLogger())
	disp := trigger.NewDispatcher(st, &fakePool{adapter: paper}, n, quietLogger())
	src := newScriptedSource()
	cache := quote.NewCache(cacheTTL)

	return &harness{
		store:     st,
		registry:  reg,
		source:    src,
		cache:     cache,
		paper:     paper,
		notifier:  n,
		scheduler: New(30*time.Second, 0.01, 5, src, cache, reg, disp, quietLogger()),
	}
}

func (h *harness) create(t *testing.T, tenant string, price float64) *types.Trigger {
	t.Helper()
	limit := price + 1
	created, err := h.registry.Create(tenant, &types.Trigger{
		Symbol:       "2330",
		SymbolName:   "TSMC",
		Condition:    types.CondGE,
		TriggerPrice: price,
		Action:       types.ActionBuy,
		OrderKind:    types.OrderLimit,
		LimitPrice:   &limit,
		TradeClass:   types.TradeCash,
		Quantity:     1,
		BrokerName:   "paper",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return created
}

func TestRoundFiresWhenConditionMet(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Millisecond) // effectively uncached between rounds
	created := h.create(t, "t1", 600)

	// Below threshold: nothing fires.
	h.source.set("2330", 599)
	stats := h.scheduler.ForceCheck(context.Background())
	if stats.TriggersFired != 0 {
		t.Fatalf("fired below threshold: %+v", stats)
	}
	got, _ := h.registry.Get("t1", created.ID)
	if got.Status != types.StatusActive {
		t.Fatalf("status = %s, want active", got.Status)
	}

	// Crosses the threshold: exactly one order, one notification.
	time.Sleep(2 * time.Millisecond)
	h.source.set("2330", 600.50)
	stats = h.scheduler.ForceCheck(context.Background())
	if stats.TriggersFired != 1 {
		t.Fatalf("stats = %+v, want one fired", stats)
	}

	got, _ = h.registry.Get("t1", created.ID)
	if got.Status != types.StatusExecuted {
		t.Errorf("status = %s, want executed", got.Status)
	}
	if got.BrokerOrderRef != "A0001" {
		t.Errorf("ref = %q", got.BrokerOrderRef)
	}
	if len(h.paper.Orders) != 1 {
		t.Errorf("broker saw %d orders", len(h.paper.Orders))
	}

	events := h.notifier.all()
	if len(events) != 1 || events[0].Outcome != notify.OutcomeExecuted {
		t.Errorf("events = %+v, want one executed notification", events)
	}
	if events[0].ObservedPrice != 600.50 {
		t.Errorf("observed = %v", events[0].ObservedPrice)
	}
}

func TestRoundDedupesSymbols(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Millisecond)

	// Five triggers on the same symbol, none of which fire.
	for i := 0; i < 5; i++ {
		h.create(t, "t1", 1000)
	}
	h.source.set("2330", 500)

	h.scheduler.ForceCheck(context.Background())
	if n := h.source.count("2330"); n != 1 {
		t.Errorf("fetches = %d, want 1 for 5 triggers on one symbol", n)
	}
}

func TestCacheServesSecondRound(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Minute)
	h.create(t, "t1", 1000)
	h.source.set("2330", 500)

	h.scheduler.ForceCheck(context.Background())
	h.scheduler.ForceCheck(context.Background())
	if n := h.source.count("2330"); n != 1 {
		t.Errorf("fetches = %d, want 1 within the cache TTL", n)
	}
}

func TestFetchFailureKeepsTriggerActive(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Millisecond)
	created := h.create(t, "t1", 600)
	// No price scripted: every fetch fails.

	stats := h.scheduler.ForceCheck(context.Background())
	if stats.Errors == 0 {
		t.Error("fetch failure not counted")
	}
	got, _ := h.registry.Get("t1", created.ID)
	if got.Status != types.StatusActive {
		t.Errorf("status = %s, unreachable market must not fail the trigger", got.Status)
	}
}

func TestConditionBoundaryWithTolerance(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Millisecond)
	created := h.create(t, "t1", 100)

	// Float noise just below the threshold still fires with eps 0.01.
	h.source.set("2330", 99.995)
	h.scheduler.ForceCheck(context.Background())

	got, _ := h.registry.Get("t1", created.ID)
	if got.Status != types.StatusExecuted {
		t.Errorf("status = %s, want executed at 99.995 with eps 0.01", got.Status)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Minute)
	h.source.set("2330", 500)

	h.scheduler.Start()
	h.scheduler.Start() // no-op
	time.Sleep(50 * time.Millisecond)
	h.scheduler.Stop()
	h.scheduler.Stop() // no-op

	stats := h.scheduler.Stats()
	if stats.Checks < 1 {
		t.Errorf("checks = %d, want at least the immediate first round", stats.Checks)
	}
	if stats.Running {
		t.Error("still marked running after Stop")
	}
}

package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"trigger-engine/internal/broker"
	"trigger-engine/internal/notify"
	"trigger-engine/pkg/types"
)

// fakePool hands every tenant the same pre-authenticated adapter.
type fakePool struct {
	adapter broker.Adapter
	err     error
}

func (f *fakePool) Acquire(tenantID, brokerName string) (broker.Adapter, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.adapter, nil
}

// limitOnly forwards only the base Adapter surface, modeling a brokerage
// without market-order support. Deliberately not embedding Paper: embedding
// would promote its market-order methods too.
type limitOnly struct {
	p *broker.Paper
}

func (l limitOnly) Name() string      { return l.p.Name() }
func (l limitOnly) Login() error      { return l.p.Login() }
func (l limitOnly) IsLoggedIn() bool  { return l.p.IsLoggedIn() }
func (l limitOnly) Logout()           { l.p.Logout() }
func (l limitOnly) PlaceLimitBuy(symbol string, price float64, qty int) (broker.OrderResult, error) {
	return l.p.PlaceLimitBuy(symbol, price, qty)
}
func (l limitOnly) PlaceLimitSell(symbol string, price float64, qty int) (broker.OrderResult, error) {
	return l.p.PlaceLimitSell(symbol, price, qty)
}

func newDispatchHarness(t *testing.T) (*Dispatcher, *Registry, *broker.Paper, *memNotifier) {
	t.Helper()
	st := newTestStore(t)
	n := &memNotifier{}
	paper := broker.NewPaper()
	if err := paper.Login(); err != nil {
		t.Fatalf("paper login: %v", err)
	}
	d := NewDispatcher(st, &fakePool{adapter: paper}, n, quietLogger())
	r := NewRegistry(st, n, quietLogger())
	return d, r, paper, n
}

func TestExecuteHappyPath(t *testing.T) {
	t.Parallel()
	d, r, paper, n := newDispatchHarness(t)

	created, err := r.Create("t1", draft("t1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := d.Execute(context.Background(), created.ID, 600.50); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, err := r.Get("t1", created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != types.StatusExecuted {
		t.Errorf("status = %s", got.Status)
	}
	if got.BrokerOrderRef != "A0001" {
		t.Errorf("ref = %q", got.BrokerOrderRef)
	}
	if got.TriggeredAt == nil || got.ExecutedAt == nil {
		t.Error("lifecycle timestamps not set")
	}

	if len(paper.Orders) != 1 {
		t.Fatalf("broker saw %d orders", len(paper.Orders))
	}
	ord := paper.Orders[0]
	if ord.Symbol != "2330" || ord.Side != "buy" || ord.Kind != "limit" || ord.Price != 601 || ord.Qty != 1 {
		t.Errorf("order = %+v", ord)
	}

	logs, _ := r.Logs("t1", created.ID)
	wantActions := []types.LogAction{types.LogCreated, types.LogTriggered, types.LogExecuted}
	if len(logs) != len(wantActions) {
		t.Fatalf("logs = %d entries, want %d", len(logs), len(wantActions))
	}
	for i, want := range wantActions {
		if logs[i].Action != want {
			t.Errorf("logs[%d] = %s, want %s", i, logs[i].Action, want)
		}
	}
	if logs[1].ObservedPrice == nil || *logs[1].ObservedPrice != 600.50 {
		t.Error("triggered entry missing observed price")
	}

	events := n.all()
	if len(events) != 1 {
		t.Fatalf("notifications = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Outcome != notify.OutcomeExecuted || ev.BrokerOrderRef != "A0001" || ev.ObservedPrice != 600.50 {
		t.Errorf("event = %+v", ev)
	}
}

func TestExecuteConcurrentPlacesOneOrder(t *testing.T) {
	t.Parallel()
	d, r, paper, n := newDispatchHarness(t)

	created, err := r.Create("t1", draft("t1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const callers = 10
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Execute(context.Background(), created.ID, 600.50); err != nil {
				t.Errorf("Execute: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(paper.Orders) != 1 {
		t.Errorf("broker saw %d orders, want exactly 1", len(paper.Orders))
	}
	logs, _ := r.Logs("t1", created.ID)
	if len(logs) != 3 {
		t.Errorf("logs = %d entries, want created+triggered+executed", len(logs))
	}
	if events := n.all(); len(events) != 1 {
		t.Errorf("notifications = %d, want 1", len(events))
	}
}

func TestExecuteBrokerRejection(t *testing.T) {
	t.Parallel()
	d, r, paper, n := newDispatchHarness(t)

	created, err := r.Create("t1", draft("t1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	paper.RejectNext("risk limit")

	if err := d.Execute(context.Background(), created.ID, 600.50); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := r.Get("t1", created.ID)
	if got.Status != types.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.ExecutionMessage != "risk limit" {
		t.Errorf("message = %q, want verbatim broker reason", got.ExecutionMessage)
	}

	logs, _ := r.Logs("t1", created.ID)
	wantActions := []types.LogAction{types.LogCreated, types.LogTriggered, types.LogFailed}
	if len(logs) != len(wantActions) {
		t.Fatalf("logs = %d entries, want %d", len(logs), len(wantActions))
	}
	for i, want := range wantActions {
		if logs[i].Action != want {
			t.Errorf("logs[%d] = %s, want %s", i, logs[i].Action, want)
		}
	}

	events := n.all()
	if len(events) != 1 || events[0].Outcome != notify.OutcomeFailed || events[0].ErrorMessage != "risk limit" {
		t.Errorf("events = %+v", events)
	}
}

func TestExecuteSessionUnavailableFailsTrigger(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	n := &memNotifier{}
	pool := &fakePool{err: fmt.Errorf("no credentials: %w", broker.ErrUnavailable)}
	d := NewDispatcher(st, pool, n, quietLogger())
	r := NewRegistry(st, n, quietLogger())

	created, err := r.Create("t1", draft("t1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := d.Execute(context.Background(), created.ID, 600.50); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := r.Get("t1", created.ID)
	if got.Status != types.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	// Fired but unexecutable stays terminal; it never silently re-arms.
	if got.TriggeredAt == nil {
		t.Error("triggered_at not recorded")
	}
}

func TestExecuteMarketOrderRequiresCapability(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	n := &memNotifier{}
	paper := broker.NewPaper()
	if err := paper.Login(); err != nil {
		t.Fatalf("paper login: %v", err)
	}
	d := NewDispatcher(st, &fakePool{adapter: limitOnly{p: paper}}, n, quietLogger())
	r := NewRegistry(st, n, quietLogger())

	md := draft("t1")
	md.OrderKind = types.OrderMarket
	md.LimitPrice = nil
	created, err := r.Create("t1", md)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := d.Execute(context.Background(), created.ID, 600.50); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got, _ := r.Get("t1", created.ID)
	if got.Status != types.StatusFailed {
		t.Errorf("status = %s, want failed (no market support)", got.Status)
	}
	if len(paper.Orders) != 0 {
		t.Errorf("broker saw %d orders, want none", len(paper.Orders))
	}
}

func TestExecuteMarketOrderWithCapability(t *testing.T) {
	t.Parallel()
	d, r, paper, _ := newDispatchHarness(t)

	md := draft("t1")
	md.OrderKind = types.OrderMarket
	md.LimitPrice = nil
	md.Action = types.ActionSell
	created, err := r.Create("t1", md)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := d.Execute(context.Background(), created.ID, 600.50); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got, _ := r.Get("t1", created.ID)
	if got.Status != types.StatusExecuted {
		t.Errorf("status = %s", got.Status)
	}
	if paper.Orders[0].Kind != "market" || paper.Orders[0].Side != "sell" {
		t.Errorf("order = %+v", paper.Orders[0])
	}
}

func TestExecuteSkipsNonActive(t *testing.T) {
	t.Parallel()
	d, r, paper, _ := newDispatchHarness(t)

	created, err := r.Create("t1", draft("t1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := r.Cancel("t1", created.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if err := d.Execute(context.Background(), created.ID, 600.50); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(paper.Orders) != 0 {
		t.Errorf("cancelled trigger reached the broker")
	}
	got, _ := r.Get("t1", created.ID)
	if got.Status != types.StatusCancelled {
		t.Errorf("status = %s, cancelled trigger was mutated", got.Status)
	}
}

func TestExecuteMissingTrigger(t *testing.T) {
	t.Parallel()
	d, _, _, _ := newDispatchHarness(t)

	if err := d.Execute(context.Background(), "no-such-id", 600.50); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

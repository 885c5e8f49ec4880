package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marko911/bridge-pulse/internal/adapter"
	"github.com/marko911/bridge-pulse/internal/platform/storage/memory"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

const contract = "0x5af0d9827e0c53e4799bb226655a1de152a425a5"

type fakeAdapter struct {
	latest uint64
	events []adapter.RawChainEvent

	mu     sync.Mutex
	starts []uint64
}

func (a *fakeAdapter) Name() string { return "fake" }

func (a *fakeAdapter) ValidateFilter(cfg protov1.ListenerConfig) error {
	if _, ok := cfg.FilterCriteria["bad"]; ok {
		return &adapter.UnsupportedFilterError{Chain: cfg.Chain, Field: "bad", Reason: "not supported"}
	}
	return nil
}

func (a *fakeAdapter) LatestPosition(ctx context.Context) (uint64, error) { return a.latest, nil }

func (a *fakeAdapter) Health(ctx context.Context) error { return nil }

func (a *fakeAdapter) Subscribe(ctx context.Context, cfg protov1.ListenerConfig) (*adapter.Stream, error) {
	a.mu.Lock()
	a.starts = append(a.starts, cfg.LastProcessedPosition)
	a.mu.Unlock()

	return adapter.NewStream(ctx, 0, func(ctx context.Context, out chan<- adapter.RawChainEvent) {
		for _, ev := range a.events {
			if ev.Position <= cfg.LastProcessedPosition {
				continue
			}
			if !adapter.Emit(ctx, out, ev) {
				return
			}
		}
		<-ctx.Done()
	}), nil
}

func (a *fakeAdapter) startPositions() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.starts...)
}

// classifyFunc turns every raw event into a Transfer unless its payload says "poison".
type classifyFunc func(raw adapter.RawChainEvent, eventName string) (*protov1.DomainEvent, error)

func (f classifyFunc) Classify(raw adapter.RawChainEvent, eventName string) (*protov1.DomainEvent, error) {
	return f(raw, eventName)
}

var transfers = classifyFunc(func(raw adapter.RawChainEvent, eventName string) (*protov1.DomainEvent, error) {
	if string(raw.Payload) == "poison" {
		return nil, errors.New("truncated payload")
	}
	return &protov1.DomainEvent{
		ID:       protov1.EventID(raw.Chain, raw.Position, raw.Identifier, raw.Index),
		Kind:     protov1.EventKindTransfer,
		Chain:    raw.Chain,
		Position: raw.Position,
	}, nil
})

func rawAt(positions ...uint64) []adapter.RawChainEvent {
	out := make([]adapter.RawChainEvent, len(positions))
	for i, p := range positions {
		out[i] = adapter.RawChainEvent{
			Chain:           protov1.Chain_CHAIN_ETHEREUM,
			ContractAddress: contract,
			Position:        p,
			Identifier:      "0xtx",
			Checkpoint:      p,
		}
	}
	return out
}

func testConfig(position uint64) protov1.ListenerConfig {
	return protov1.ListenerConfig{
		ListenerKey:           protov1.NewListenerKey(protov1.Chain_CHAIN_ETHEREUM, contract, "ONFTSent"),
		LastProcessedPosition: position,
	}
}

func newRegistry(t *testing.T, store *memory.Store, ad *fakeAdapter) *Registry {
	t.Helper()
	r := New(Config{ShutdownTimeout: 200 * time.Millisecond}, store, transfers, nil)
	r.AddAdapter(protov1.Chain_CHAIN_ETHEREUM, ad)
	t.Cleanup(func() { r.StopAll(context.Background()) })
	return r
}

// consume acknowledges deliveries with ack and records their positions.
func consume(r *Registry, ack func(d Delivery) error) func() []uint64 {
	var (
		mu   sync.Mutex
		seen []uint64
	)
	go func() {
		for d := range r.Deliveries() {
			err := ack(d)
			if err == nil {
				mu.Lock()
				seen = append(seen, d.Event.Position)
				mu.Unlock()
			}
			d.Ack(err)
		}
	}()
	return func() []uint64 {
		mu.Lock()
		defer mu.Unlock()
		return append([]uint64(nil), seen...)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func checkpointOf(store *memory.Store, key protov1.ListenerKey) uint64 {
	row, _ := store.Listener(key)
	return row.LastProcessedPosition
}

func TestRegistry_DuplicateStart(t *testing.T) {
	store := memory.New()
	r := newRegistry(t, store, &fakeAdapter{latest: 10})
	ctx := context.Background()

	if _, err := r.Start(ctx, testConfig(5)); err != nil {
		t.Fatal(err)
	}
	_, err := r.Start(ctx, testConfig(0))
	var active *AlreadyActiveError
	if !errors.As(err, &active) {
		t.Fatalf("second Start() error = %v, want AlreadyActiveError", err)
	}
	if got := len(r.List()); got != 1 {
		t.Errorf("List() = %d listeners, want 1", got)
	}
	if got := checkpointOf(store, testConfig(0).Key()); got != 5 {
		t.Errorf("checkpoint = %d, want 5 (second start must not touch the row)", got)
	}
}

func TestRegistry_StartResolvesLatestPosition(t *testing.T) {
	store := memory.New()
	ad := &fakeAdapter{latest: 1000}
	r := newRegistry(t, store, ad)

	h, err := r.Start(context.Background(), testConfig(0))
	if err != nil {
		t.Fatal(err)
	}
	if got := checkpointOf(store, h.Key()); got != 1000 {
		t.Errorf("checkpoint = %d, want 1000", got)
	}
	waitFor(t, "subscription", func() bool { return len(ad.startPositions()) == 1 })
	if got := ad.startPositions()[0]; got != 1000 {
		t.Errorf("subscribed from %d, want 1000", got)
	}
}

func TestRegistry_DeliversInOrderAndCheckpoints(t *testing.T) {
	store := memory.New()
	r := newRegistry(t, store, &fakeAdapter{latest: 1, events: rawAt(2, 3, 5, 8)})
	seen := consume(r, func(Delivery) error { return nil })

	h, err := r.Start(context.Background(), testConfig(1))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "checkpoint 8", func() bool { return checkpointOf(store, h.Key()) == 8 })

	got := seen()
	want := []uint64{2, 3, 5, 8}
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivered %v, want %v", got, want)
			break
		}
	}
	if st := h.Status(); st.State != StateRunning || st.Delivered != 4 {
		t.Errorf("Status() = %+v", st)
	}
}

func TestRegistry_RedeliversUntilApplied(t *testing.T) {
	store := memory.New()
	r := newRegistry(t, store, &fakeAdapter{latest: 1, events: rawAt(2, 3)})

	var (
		mu       sync.Mutex
		attempts int
		checked  bool
	)
	key := testConfig(0).Key()
	seen := consume(r, func(d Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		if d.Event.Position != 2 {
			return nil
		}
		attempts++
		if attempts < 3 {
			if checkpointOf(store, key) != 1 {
				checked = true
			}
			return errors.New("database unavailable")
		}
		return nil
	})

	if _, err := r.Start(context.Background(), testConfig(1)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "checkpoint 3", func() bool { return checkpointOf(store, key) == 3 })

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if checked {
		t.Error("checkpoint advanced before the event was applied")
	}
	if got := seen(); len(got) != 2 {
		t.Errorf("applied %v, want [2 3]", got)
	}
}

func TestRegistry_PoisonEventIsSkipped(t *testing.T) {
	store := memory.New()
	events := rawAt(2, 3, 4)
	events[1].Payload = []byte("poison")
	r := newRegistry(t, store, &fakeAdapter{latest: 1, events: events})
	seen := consume(r, func(Delivery) error { return nil })

	h, err := r.Start(context.Background(), testConfig(1))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "checkpoint 4", func() bool { return checkpointOf(store, h.Key()) == 4 })

	if got := seen(); len(got) != 2 || got[0] != 2 || got[1] != 4 {
		t.Errorf("delivered %v, want [2 4]", got)
	}
	st := h.Status()
	if st.State != StateDegraded || st.LastError == "" {
		t.Errorf("Status() = %+v, want degraded with an error", st)
	}
}

func TestRegistry_Stop(t *testing.T) {
	store := memory.New()
	r := newRegistry(t, store, &fakeAdapter{latest: 10})
	ctx := context.Background()

	h, err := r.Start(ctx, testConfig(0))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Stop(ctx, h.Key()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	select {
	case <-h.Done():
	default:
		t.Error("listener still running after Stop")
	}

	row, _ := store.Listener(h.Key())
	if row.Active {
		t.Error("row still active after Stop")
	}
	if err := r.Stop(ctx, h.Key()); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Stop() error = %v, want ErrNotFound", err)
	}

	// the key is free again
	if _, err := r.Start(ctx, testConfig(0)); err != nil {
		t.Errorf("restart error = %v", err)
	}
}

func TestRegistry_StopAllAndRestore(t *testing.T) {
	store := memory.New()
	ad := &fakeAdapter{latest: 1, events: rawAt(2, 3, 4)}
	r := newRegistry(t, store, ad)
	consume(r, func(Delivery) error { return nil })
	ctx := context.Background()

	key := testConfig(0).Key()
	if _, err := r.Start(ctx, testConfig(1)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "checkpoint 4", func() bool { return checkpointOf(store, key) == 4 })

	if errs := r.StopAll(ctx); len(errs) != 0 {
		t.Fatalf("StopAll() = %v", errs)
	}
	if len(r.List()) != 0 {
		t.Fatalf("List() = %v after StopAll", r.List())
	}

	// a fresh registry over the same store resumes where the last one left off
	r2 := newRegistry(t, store, ad)
	consume(r2, func(Delivery) error { return nil })
	if errs := r2.Restore(ctx); len(errs) != 0 {
		t.Fatalf("Restore() = %v", errs)
	}
	waitFor(t, "resubscription", func() bool { return len(ad.startPositions()) == 2 })
	if got := ad.startPositions()[1]; got != 4 {
		t.Errorf("restored listener subscribed from %d, want 4", got)
	}
}

func TestRegistry_StopAllAbandonsStuckListener(t *testing.T) {
	store := memory.New()
	r := New(Config{ShutdownTimeout: 50 * time.Millisecond}, store, transfers, nil)
	r.AddAdapter(protov1.Chain_CHAIN_ETHEREUM, &fakeAdapter{latest: 1, events: rawAt(2)})

	// never acknowledge
	got := make(chan Delivery, 1)
	go func() {
		for d := range r.Deliveries() {
			got <- d
		}
	}()

	if _, err := r.Start(context.Background(), testConfig(1)); err != nil {
		t.Fatal(err)
	}
	<-got

	errs := r.StopAll(context.Background())
	if len(errs) != 1 || !errors.Is(errs[0], ErrStopTimeout) {
		t.Fatalf("StopAll() = %v, want one ErrStopTimeout", errs)
	}
	if got := checkpointOf(store, testConfig(0).Key()); got != 1 {
		t.Errorf("checkpoint = %d, want 1", got)
	}
}

func TestRegistry_StartErrors(t *testing.T) {
	store := memory.New()
	r := newRegistry(t, store, &fakeAdapter{latest: 10})
	ctx := context.Background()

	bad := testConfig(0)
	bad.FilterCriteria = map[string]any{"bad": true}
	if _, err := r.Start(ctx, bad); !errors.Is(err, adapter.ErrUnsupportedFilter) {
		t.Errorf("Start(bad filter) error = %v, want ErrUnsupportedFilter", err)
	}
	if _, ok := store.Listener(bad.Key()); ok {
		t.Error("rejected listener was persisted")
	}

	sol := protov1.ListenerConfig{ListenerKey: protov1.NewListenerKey(protov1.Chain_CHAIN_SOLANA, "Prog111", "MessageRecord")}
	if _, err := r.Start(ctx, sol); !errors.Is(err, ErrNoAdapter) {
		t.Errorf("Start(no adapter) error = %v, want ErrNoAdapter", err)
	}
	if len(r.List()) != 0 {
		t.Errorf("List() = %v, want empty", r.List())
	}
}

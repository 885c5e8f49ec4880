package bridge_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marko911/bridge-pulse/internal/bridge"
	"github.com/marko911/bridge-pulse/internal/notify"
	"github.com/marko911/bridge-pulse/internal/platform/lock"
	"github.com/marko911/bridge-pulse/internal/platform/storage/memory"
	"github.com/marko911/bridge-pulse/internal/verification"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

const (
	msgID = "0x8b1a944cf13a9a1c08facb2c9e98623ef3254d2ddb48113885c3e8e97fec8db9"
	nft   = "ethereum:0x5af0d9827e0c53e4799bb226655a1de152a425a5:42"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type published struct {
	topic   string
	payload any
}

type recorder struct {
	mu   sync.Mutex
	msgs []published
}

func (r *recorder) Publish(ctx context.Context, topic string, payload any) {
	r.mu.Lock()
	r.msgs = append(r.msgs, published{topic, payload})
	r.mu.Unlock()
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.topic
	}
	return out
}

// failingStore refuses every write while fail is set.
type failingStore struct {
	*memory.Store
	fail bool
}

func (s *failingStore) Atomically(ctx context.Context, fn func(w bridge.Writer) error) error {
	if s.fail {
		return errors.New("connection reset")
	}
	return s.Store.Atomically(ctx, fn)
}

type harness struct {
	m     *bridge.Machine
	store *failingStore
	pub   *recorder
	clock *clock
}

func newHarness(t *testing.T, cfg bridge.Config) *harness {
	t.Helper()
	h := &harness{
		store: &failingStore{Store: memory.New()},
		pub:   &recorder{},
		clock: newClock(),
	}
	h.m = bridge.NewMachine(cfg, h.store, lock.NewLocal(), nil,
		bridge.WithClock(h.clock.Now), bridge.WithPublisher(h.pub))
	return h
}

func (h *harness) apply(t *testing.T, ev *protov1.DomainEvent) *protov1.BridgeOperation {
	t.Helper()
	op, err := h.m.Apply(context.Background(), ev)
	if err != nil {
		t.Fatalf("Apply(%s %s) error = %v", ev.Kind, ev.ID, err)
	}
	return op
}

func sent(id string) *protov1.DomainEvent {
	return &protov1.DomainEvent{
		ID:              id,
		Kind:            protov1.EventKindBridgeSent,
		Chain:           protov1.Chain_CHAIN_ETHEREUM,
		ContractAddress: "0x5af0d9827e0c53e4799bb226655a1de152a425a5",
		TxIdentifier:    "0xsrc",
		Position:        100,
		Attributes: map[string]string{
			protov1.AttrMessageID:        msgID,
			protov1.AttrNFTReference:     nft,
			protov1.AttrSourceChain:      "ethereum",
			protov1.AttrDestinationChain: "solana",
			protov1.AttrSender:           "0x1111111111111111111111111111111111111111",
		},
	}
}

func received(id string) *protov1.DomainEvent {
	return &protov1.DomainEvent{
		ID:           id,
		Kind:         protov1.EventKindBridgeReceived,
		Chain:        protov1.Chain_CHAIN_SOLANA,
		TxIdentifier: "dstsig",
		Position:     250,
		Attributes: map[string]string{
			protov1.AttrMessageID:        msgID,
			protov1.AttrSourceChain:      "ethereum",
			protov1.AttrDestinationChain: "solana",
			protov1.AttrRecipient:        "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		},
	}
}

func attested(id, data string, verified bool) *protov1.DomainEvent {
	v := "false"
	if verified {
		v = "true"
	}
	return &protov1.DomainEvent{
		ID:           id,
		Kind:         protov1.EventKindProofAttested,
		Chain:        protov1.Chain_CHAIN_SOLANA,
		TxIdentifier: "proofsig",
		Attributes: map[string]string{
			protov1.AttrMessageID: msgID,
			protov1.AttrProofType: "dvn",
			protov1.AttrProofData: data,
			protov1.AttrVerified:  v,
		},
	}
}

func reverted(id string) *protov1.DomainEvent {
	return &protov1.DomainEvent{
		ID:           id,
		Kind:         protov1.EventKindBridgeReverted,
		Chain:        protov1.Chain_CHAIN_SOLANA,
		TxIdentifier: "revertsig",
		Attributes: map[string]string{
			protov1.AttrMessageID: msgID,
			protov1.AttrReason:    "lzReceive reverted",
		},
	}
}

func statuses(op *protov1.BridgeOperation) []protov1.BridgeStatus {
	out := []protov1.BridgeStatus{}
	for _, tr := range op.History {
		out = append(out, tr.To)
	}
	return out
}

func equalTopics(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestMachine_SendProofReceive(t *testing.T) {
	h := newHarness(t, bridge.DefaultConfig())

	op := h.apply(t, sent("e1"))
	if op.Status != protov1.BridgeStatusInProgress {
		t.Fatalf("Status = %s, want IN_PROGRESS", op.Status)
	}
	if op.SourceTxIdentifier != "0xsrc" || op.NFTReference != nft || op.DestinationChain != protov1.Chain_CHAIN_SOLANA {
		t.Errorf("op = %+v", op)
	}

	op = h.apply(t, attested("e2", "0xabcd", true))
	if op.Status != protov1.BridgeStatusInProgress {
		t.Errorf("Status after proof = %s, want IN_PROGRESS", op.Status)
	}

	op = h.apply(t, received("e3"))
	if op.Status != protov1.BridgeStatusCompleted {
		t.Fatalf("Status = %s, want COMPLETED", op.Status)
	}
	if op.DestinationTxIdentifier != "dstsig" {
		t.Errorf("DestinationTxIdentifier = %q, want dstsig", op.DestinationTxIdentifier)
	}
	if op.DestinationAddress != "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin" {
		t.Errorf("DestinationAddress = %q", op.DestinationAddress)
	}
	if got := statuses(op); len(got) != 2 || got[1] != protov1.BridgeStatusCompleted {
		t.Errorf("history = %v", got)
	}

	want := []string{
		notify.TopicBridgeInitiated,
		notify.TopicBridgeUpdated,
		notify.TopicProofVerified,
		notify.TopicBridgeUpdated,
		notify.TopicBridgeCompleted,
	}
	if got := h.pub.topics(); !equalTopics(got, want) {
		t.Errorf("published %v, want %v", got, want)
	}

	stored, err := h.m.Get(context.Background(), op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != protov1.BridgeStatusCompleted || len(stored.Proofs) != 1 || !stored.Proofs[0].IsVerified {
		t.Errorf("stored = %+v", stored)
	}
}

func TestMachine_ReceiveBeforeSend(t *testing.T) {
	h := newHarness(t, bridge.DefaultConfig())

	op := h.apply(t, received("e1"))
	if op.Status != protov1.BridgeStatusInProgress {
		t.Fatalf("Status = %s, want IN_PROGRESS", op.Status)
	}
	if op.SourceTxIdentifier != "" {
		t.Errorf("SourceTxIdentifier = %q, want empty", op.SourceTxIdentifier)
	}

	op = h.apply(t, attested("e2", "0x01", true))
	if op.Status != protov1.BridgeStatusCompleted {
		t.Fatalf("Status = %s, want COMPLETED", op.Status)
	}

	// the late send fills in the source side without reopening the op
	op = h.apply(t, sent("e3"))
	if op.Status != protov1.BridgeStatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", op.Status)
	}
	if op.SourceTxIdentifier != "0xsrc" || op.NFTReference != nft {
		t.Errorf("source side = %q %q", op.SourceTxIdentifier, op.NFTReference)
	}
	if len(op.History) != 2 {
		t.Errorf("history = %v, want two entries", statuses(op))
	}

	// a second send for a completed op is rejected
	second := sent("e4")
	second.TxIdentifier = "0xother"
	_, err := h.m.Apply(context.Background(), second)
	if !errors.Is(err, bridge.ErrInvalidTransition) {
		t.Errorf("Apply(second send) error = %v, want ErrInvalidTransition", err)
	}
}

func TestMachine_ExpireStale(t *testing.T) {
	cfg := bridge.DefaultConfig()
	cfg.MaxInFlight = time.Hour
	h := newHarness(t, cfg)
	ctx := context.Background()

	op := h.apply(t, sent("e1"))

	h.clock.Advance(30 * time.Minute)
	n, err := h.m.ExpireStale(ctx)
	if err != nil || n != 0 {
		t.Fatalf("ExpireStale() = %d, %v, want 0, nil", n, err)
	}

	h.clock.Advance(time.Hour)
	n, err = h.m.ExpireStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ExpireStale() = %d, %v, want 1, nil", n, err)
	}

	got, err := h.m.Get(ctx, op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != protov1.BridgeStatusFailed {
		t.Fatalf("Status = %s, want FAILED", got.Status)
	}
	if !strings.HasPrefix(got.ErrorReason, "timeout:") {
		t.Errorf("ErrorReason = %q", got.ErrorReason)
	}

	_, err = h.m.Apply(ctx, received("e2"))
	if !errors.Is(err, bridge.ErrInvalidTransition) || !bridge.IsPermanent(err) {
		t.Errorf("Apply(late receive) error = %v, want permanent ErrInvalidTransition", err)
	}
	got, _ = h.m.Get(ctx, op.ID)
	if got.Status != protov1.BridgeStatusFailed || got.DestinationTxIdentifier != "" {
		t.Errorf("late receive changed op: %+v", got)
	}
}

func TestMachine_ExpireStaleReceivedWithoutProofs(t *testing.T) {
	cfg := bridge.DefaultConfig()
	cfg.ProofThreshold = 2
	h := newHarness(t, cfg)
	ctx := context.Background()

	h.apply(t, sent("e1"))
	h.apply(t, attested("e2", "0x01", true))
	op := h.apply(t, received("e3"))
	if op.Status != protov1.BridgeStatusInProgress {
		t.Fatalf("Status = %s, want IN_PROGRESS", op.Status)
	}

	h.clock.Advance(72 * time.Hour)
	n, err := h.m.ExpireStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ExpireStale() = %d, %v, want 1, nil", n, err)
	}

	got, err := h.m.Get(ctx, op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != protov1.BridgeStatusFailed {
		t.Fatalf("Status = %s, want FAILED", got.Status)
	}
	want := "timeout: 1/2 proofs verified within " + cfg.MaxInFlight.String()
	if got.ErrorReason != want {
		t.Errorf("ErrorReason = %q, want %q", got.ErrorReason, want)
	}
}

func TestMachine_ApplyIsIdempotent(t *testing.T) {
	h := newHarness(t, bridge.DefaultConfig())

	first := h.apply(t, sent("e1"))
	before := len(h.pub.topics())
	again := h.apply(t, sent("e1"))

	if again.ID != first.ID || len(again.History) != 1 {
		t.Errorf("re-apply changed op: %+v", again)
	}
	if len(h.pub.topics()) != before {
		t.Errorf("re-apply published %v", h.pub.topics()[before:])
	}

	h.apply(t, attested("e2", "0xaa", false))
	op := h.apply(t, attested("e2", "0xaa", false))
	if len(op.Proofs) != 1 {
		t.Errorf("Proofs = %d, want 1", len(op.Proofs))
	}
}

func TestMachine_PersistenceFailure(t *testing.T) {
	h := newHarness(t, bridge.DefaultConfig())
	ctx := context.Background()

	h.store.fail = true
	if _, err := h.m.Apply(ctx, sent("e1")); err == nil {
		t.Fatal("Apply() error = nil, want persistence error")
	}
	if got := h.pub.topics(); len(got) != 0 {
		t.Errorf("published %v after failed write", got)
	}
	ops, _ := h.m.List(ctx, protov1.OperationFilter{})
	if len(ops) != 0 {
		t.Errorf("List() = %d ops, want 0", len(ops))
	}

	// the event is not marked applied, so redelivery succeeds
	h.store.fail = false
	op := h.apply(t, sent("e1"))
	if op.Status != protov1.BridgeStatusInProgress {
		t.Errorf("Status = %s, want IN_PROGRESS", op.Status)
	}
}

func TestMachine_RevertFromPending(t *testing.T) {
	h := newHarness(t, bridge.DefaultConfig())

	op := h.apply(t, reverted("e1"))
	if op.Status != protov1.BridgeStatusFailed {
		t.Fatalf("Status = %s, want FAILED", op.Status)
	}
	got := statuses(op)
	if len(got) != 2 || got[0] != protov1.BridgeStatusInProgress {
		t.Errorf("history = %v", got)
	}
	if !strings.Contains(op.ErrorReason, "lzReceive reverted") {
		t.Errorf("ErrorReason = %q", op.ErrorReason)
	}
}

func TestMachine_RejectsUnroutableEvents(t *testing.T) {
	h := newHarness(t, bridge.DefaultConfig())
	ctx := context.Background()

	ev := sent("e1")
	delete(ev.Attributes, protov1.AttrMessageID)
	if _, err := h.m.Apply(ctx, ev); !errors.Is(err, bridge.ErrMissingMessageID) {
		t.Errorf("Apply(no message id) error = %v, want ErrMissingMessageID", err)
	}

	transfer := &protov1.DomainEvent{ID: "e2", Kind: protov1.EventKindTransfer, Chain: protov1.Chain_CHAIN_ETHEREUM}
	op, err := h.m.Apply(ctx, transfer)
	if op != nil || err != nil {
		t.Errorf("Apply(Transfer) = %v, %v, want nil, nil", op, err)
	}
}

func TestMachine_InitiateIsClaimedBySend(t *testing.T) {
	h := newHarness(t, bridge.DefaultConfig())
	ctx := context.Background()

	initiated, err := h.m.Initiate(ctx, bridge.InitiateRequest{
		NFTReference:       nft,
		SourceChain:        protov1.Chain_CHAIN_ETHEREUM,
		SourceAddress:      "0x1111111111111111111111111111111111111111",
		DestinationChain:   protov1.Chain_CHAIN_SOLANA,
		DestinationAddress: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
	})
	if err != nil {
		t.Fatal(err)
	}
	if initiated.Status != protov1.BridgeStatusPending || initiated.MessageID != "" {
		t.Fatalf("initiated = %+v", initiated)
	}

	op := h.apply(t, sent("e1"))
	if op.ID != initiated.ID {
		t.Errorf("send created %s, want it to claim %s", op.ID, initiated.ID)
	}
	if op.MessageID != msgID || op.Status != protov1.BridgeStatusInProgress {
		t.Errorf("claimed op = %+v", op)
	}
}

func TestMachine_InitiateValidation(t *testing.T) {
	h := newHarness(t, bridge.DefaultConfig())
	valid := bridge.InitiateRequest{
		NFTReference:       nft,
		SourceChain:        protov1.Chain_CHAIN_ETHEREUM,
		SourceAddress:      "0x11",
		DestinationChain:   protov1.Chain_CHAIN_SOLANA,
		DestinationAddress: "dest",
	}

	tests := []struct {
		name   string
		mutate func(*bridge.InitiateRequest)
	}{
		{"no nft", func(r *bridge.InitiateRequest) { r.NFTReference = "" }},
		{"no source chain", func(r *bridge.InitiateRequest) { r.SourceChain = protov1.Chain_CHAIN_UNSPECIFIED }},
		{"same chain", func(r *bridge.InitiateRequest) { r.DestinationChain = protov1.Chain_CHAIN_ETHEREUM }},
		{"no recipient", func(r *bridge.InitiateRequest) { r.DestinationAddress = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			if _, err := h.m.Initiate(context.Background(), req); !errors.Is(err, bridge.ErrInvalidRequest) {
				t.Errorf("Initiate() error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestMachine_Retry(t *testing.T) {
	h := newHarness(t, bridge.DefaultConfig())
	ctx := context.Background()

	op := h.apply(t, sent("e1"))
	if _, err := h.m.Retry(ctx, op.ID); !errors.Is(err, bridge.ErrInvalidTransition) {
		t.Errorf("Retry(IN_PROGRESS) error = %v, want ErrInvalidTransition", err)
	}

	h.apply(t, reverted("e2"))
	retried, err := h.m.Retry(ctx, op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if retried.Status != protov1.BridgeStatusPending || retried.Attempts != 1 || retried.ErrorReason != "" {
		t.Errorf("retried = %+v", retried)
	}

	// redelivery of the message resumes the same operation
	resend := sent("e3")
	resend.TxIdentifier = "0xresend"
	again := h.apply(t, resend)
	if again.ID != op.ID || again.Status != protov1.BridgeStatusInProgress {
		t.Errorf("resend = %s %s, want %s IN_PROGRESS", again.ID, again.Status, op.ID)
	}

	if _, err := h.m.Retry(ctx, "missing"); !errors.Is(err, bridge.ErrNotFound) {
		t.Errorf("Retry(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMachine_VerifyProofCompletes(t *testing.T) {
	h := newHarness(t, bridge.DefaultConfig())
	ctx := context.Background()

	h.apply(t, sent("e1"))
	op := h.apply(t, received("e2"))
	if op.Status != protov1.BridgeStatusInProgress {
		t.Fatalf("Status = %s, want IN_PROGRESS", op.Status)
	}

	proof, err := h.m.SubmitProof(ctx, op.ID, "merkle", []byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if proof.IsVerified {
		t.Error("submitted proof is verified")
	}
	dup, err := h.m.SubmitProof(ctx, op.ID, "merkle", []byte{1, 2, 3})
	if err != nil || dup.ID != proof.ID {
		t.Errorf("SubmitProof(duplicate) = %v, %v, want %s", dup, err, proof.ID)
	}
	if met, _ := h.m.IsThresholdMet(ctx, op.ID); met {
		t.Error("IsThresholdMet() = true before verification")
	}

	verified, err := h.m.VerifyProof(ctx, proof.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !verified.IsVerified || verified.VerifiedAt == nil {
		t.Errorf("verified = %+v", verified)
	}

	got, _ := h.m.Get(ctx, op.ID)
	if got.Status != protov1.BridgeStatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", got.Status)
	}
	topics := h.pub.topics()
	if topics[len(topics)-1] != notify.TopicBridgeCompleted {
		t.Errorf("last topic = %s, want %s", topics[len(topics)-1], notify.TopicBridgeCompleted)
	}

	if _, err := h.m.VerifyProof(ctx, "nope"); !errors.Is(err, verification.ErrNotFound) {
		t.Errorf("VerifyProof(unknown) error = %v, want verification.ErrNotFound", err)
	}
	proofs, err := h.m.Proofs(ctx, op.ID)
	if err != nil || len(proofs) != 1 {
		t.Errorf("Proofs() = %v, %v", proofs, err)
	}
}

func TestMachine_ThresholdOfTwo(t *testing.T) {
	cfg := bridge.DefaultConfig()
	cfg.ProofThreshold = 2
	h := newHarness(t, cfg)

	h.apply(t, sent("e1"))
	h.apply(t, attested("e2", "0x01", true))
	op := h.apply(t, received("e3"))
	if op.Status != protov1.BridgeStatusInProgress {
		t.Fatalf("Status = %s after one proof, want IN_PROGRESS", op.Status)
	}
	op = h.apply(t, attested("e4", "0x02", true))
	if op.Status != protov1.BridgeStatusCompleted {
		t.Errorf("Status = %s after two proofs, want COMPLETED", op.Status)
	}
}

func TestMachine_ConcurrentEventsForOneMessage(t *testing.T) {
	h := newHarness(t, bridge.DefaultConfig())
	ctx := context.Background()

	events := []*protov1.DomainEvent{sent("e1"), attested("e2", "0x01", true), received("e3")}
	var wg sync.WaitGroup
	for _, ev := range events {
		wg.Add(1)
		go func(ev *protov1.DomainEvent) {
			defer wg.Done()
			if _, err := h.m.Apply(ctx, ev); err != nil {
				t.Errorf("Apply(%s) error = %v", ev.Kind, err)
			}
		}(ev)
	}
	wg.Wait()

	ops, err := h.m.List(ctx, protov1.OperationFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 {
		t.Fatalf("List() = %d ops, want 1", len(ops))
	}
	if ops[0].Status != protov1.BridgeStatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", ops[0].Status)
	}
}

func TestMachine_GetUnknown(t *testing.T) {
	h := newHarness(t, bridge.DefaultConfig())
	_, err := h.m.Get(context.Background(), "missing")
	var nf *bridge.NotFoundError
	if !errors.As(err, &nf) || nf.ID != "missing" {
		t.Errorf("Get() error = %v, want NotFoundError", err)
	}
}

// stuckSink never delivers until released or its context ends.
type stuckSink struct {
	release chan struct{}
}

func (s *stuckSink) Name() string { return "stuck" }

func (s *stuckSink) Send(ctx context.Context, msg notify.Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.release:
		return nil
	}
}

func (s *stuckSink) Close() error { return nil }

func TestMachine_HungSinkDoesNotStallApply(t *testing.T) {
	sink := &stuckSink{release: make(chan struct{})}
	n := notify.New(notify.Config{PublishTimeout: 10 * time.Second}, nil, sink)
	defer n.Close()
	defer close(sink.release)

	m := bridge.NewMachine(bridge.DefaultConfig(), memory.New(), lock.NewLocal(), nil, bridge.WithPublisher(n))
	ctx := context.Background()

	start := time.Now()
	var op *protov1.BridgeOperation
	for _, ev := range []*protov1.DomainEvent{sent("e1"), attested("e2", "0x01", true), received("e3")} {
		var err error
		if op, err = m.Apply(ctx, ev); err != nil {
			t.Fatalf("Apply(%s) error = %v", ev.ID, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("three applies took %s behind a hung sink", elapsed)
	}
	if op.Status != protov1.BridgeStatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", op.Status)
	}
}

// relockingPublisher runs a command against the operation from inside
// Publish, which only succeeds once the operation lock is free.
type relockingPublisher struct {
	m    *bridge.Machine
	mu   sync.Mutex
	errs []error
}

func (p *relockingPublisher) Publish(ctx context.Context, topic string, payload any) {
	op, ok := payload.(*protov1.BridgeOperation)
	if !ok || topic != notify.TopicBridgeUpdated {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err := p.m.Retry(ctx, op.ID)
	p.mu.Lock()
	p.errs = append(p.errs, err)
	p.mu.Unlock()
}

func TestMachine_PublishesAfterReleasingLocks(t *testing.T) {
	pub := &relockingPublisher{}
	pub.m = bridge.NewMachine(bridge.DefaultConfig(), memory.New(), lock.NewLocal(), nil, bridge.WithPublisher(pub))
	ctx := context.Background()

	if _, err := pub.m.Apply(ctx, sent("e1")); err != nil {
		t.Fatal(err)
	}
	if _, err := pub.m.Apply(ctx, received("e2")); err != nil {
		t.Fatal(err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.errs) == 0 {
		t.Fatal("no bridge:updated published")
	}
	for _, err := range pub.errs {
		// an IN_PROGRESS operation cannot be retried; a timeout means the lock was still held
		if !errors.Is(err, bridge.ErrInvalidTransition) {
			t.Errorf("Retry() from Publish error = %v, want ErrInvalidTransition", err)
		}
	}
}

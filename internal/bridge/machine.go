// Package bridge implements the bridge-operation state machine: it applies
// classified chain events and operator commands to BridgeOperations.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"github.com/marko911/bridge-pulse/internal/notify"
	"github.com/marko911/bridge-pulse/internal/platform/lock"
	"github.com/marko911/bridge-pulse/internal/platform/metrics"
	"github.com/marko911/bridge-pulse/internal/verification"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

type Config struct {
	ProofThreshold int           `yaml:"proof_threshold"`
	MaxInFlight    time.Duration `yaml:"max_in_flight"`
	ExpireBatch    int           `yaml:"expire_batch"`
}

func DefaultConfig() Config {
	return Config{
		ProofThreshold: verification.DefaultThreshold,
		MaxInFlight:    24 * time.Hour,
		ExpireBatch:    100,
	}
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithPublisher(p Publisher) Option {
	return func(m *Machine) { m.publisher = p }
}

// Machine is safe for concurrent use. Mutations of one operation are
// serialized through the Locker: Apply takes "msg:<message id>" and then
// "op:<operation id>"; commands take only the operation lock.
type Machine struct {
	cfg       Config
	store     Store
	locker    lock.Locker
	tracker   *verification.Tracker
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewMachine(cfg Config, store Store, locker lock.Locker, logger *slog.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.ExpireBatch <= 0 {
		cfg.ExpireBatch = def.ExpireBatch
	}
	if locker == nil {
		locker = lock.NewLocal()
	}

	m := &Machine{
		cfg:       cfg,
		store:     store,
		locker:    locker,
		tracker:   verification.NewTracker(cfg.ProofThreshold),
		publisher: nopPublisher{},
		logger:    logger.With("component", "bridge-machine"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.tracker.WithClock(m.now)
	return m
}

func opKey(id string) string  { return "op:" + id }
func msgKey(id string) string { return "msg:" + id }

func normalizeMessageID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Apply folds a bridge event into its operation and returns the result.
// Events of kinds that do not drive operations return nil, nil. Re-applying
// an event already recorded on the operation is a no-op.
func (m *Machine) Apply(ctx context.Context, ev *protov1.DomainEvent) (*protov1.BridgeOperation, error) {
	if ev == nil || !ev.Kind.DrivesBridge() {
		return nil, nil
	}

	start := time.Now()
	op, result, notes, err := m.apply(ctx, ev)
	metrics.ApplyLatency.WithLabelValues(string(ev.Kind)).Observe(time.Since(start).Seconds())
	metrics.EventsApplied.WithLabelValues(string(ev.Kind), result).Inc()
	m.publish(ctx, notes)

	log := m.logger.With("event_id", ev.ID, "kind", string(ev.Kind), "tx", ev.TxIdentifier)
	switch {
	case err != nil && IsPermanent(err):
		log.Warn("event rejected", "error", err)
	case err != nil:
		log.Error("apply failed", "error", err)
	case result == "duplicate":
		log.Debug("event already applied", "operation_id", op.ID)
	default:
		log.Info("event applied", "operation_id", op.ID, "status", string(op.Status))
	}
	return op, err
}

// apply holds the message and operation locks until it returns. The
// notifications it returns are published by the caller once they are released.
func (m *Machine) apply(ctx context.Context, ev *protov1.DomainEvent) (*protov1.BridgeOperation, string, notifications, error) {
	msgID := normalizeMessageID(ev.Attr(protov1.AttrMessageID))
	if msgID == "" {
		return nil, "rejected", nil, fmt.Errorf("%w: %s event %s", ErrMissingMessageID, ev.Kind, ev.ID)
	}

	unlockMsg, err := m.locker.Lock(ctx, msgKey(msgID))
	if err != nil {
		return nil, "error", nil, fmt.Errorf("lock message %s: %w", msgID, err)
	}
	defer unlockMsg()

	found, err := m.store.FindBridgeOperationByMessageID(ctx, msgID)
	if err != nil {
		return nil, "error", nil, fmt.Errorf("find operation by message %s: %w", msgID, err)
	}
	claimed := false
	if found == nil && ev.Kind == protov1.EventKindBridgeSent {
		found, err = m.store.FindPendingOperation(ctx, matchFor(ev))
		if err != nil {
			return nil, "error", nil, fmt.Errorf("find pending operation: %w", err)
		}
		claimed = found != nil
	}

	var before *protov1.BridgeOperation
	if found != nil {
		unlockOp, err := m.locker.Lock(ctx, opKey(found.ID))
		if err != nil {
			return nil, "error", nil, fmt.Errorf("lock operation %s: %w", found.ID, err)
		}
		defer unlockOp()

		// commands only hold the operation lock; re-read under it
		before, err = m.store.GetBridgeOperation(ctx, found.ID)
		if err != nil {
			return nil, "error", nil, fmt.Errorf("reload operation %s: %w", found.ID, err)
		}
		if claimed && before != nil && (before.Status != protov1.BridgeStatusPending || before.MessageID != "") {
			// another message claimed it first
			before = nil
		}
	}

	now := m.now()
	var next *protov1.BridgeOperation
	if before == nil {
		next = &protov1.BridgeOperation{
			ID:        uuid.NewString(),
			MessageID: msgID,
			Status:    protov1.BridgeStatusPending,
			CreatedAt: now,
		}
	} else {
		if before.HasApplied(ev.ID) {
			return before, "duplicate", nil, nil
		}
		next = before.Clone()
	}

	if err := m.mutate(next, ev, msgID, now); err != nil {
		return before, "rejected", nil, err
	}
	next.AppliedEvents = append(next.AppliedEvents, ev.ID)
	next.UpdatedAt = now

	notes, err := m.commit(ctx, before, next)
	if err != nil {
		return nil, "error", nil, err
	}
	return next.Clone(), "applied", notes, nil
}

func matchFor(ev *protov1.DomainEvent) protov1.OperationMatch {
	src := parseChainAttr(ev.Attr(protov1.AttrSourceChain))
	if src == protov1.Chain_CHAIN_UNSPECIFIED {
		src = ev.Chain
	}
	return protov1.OperationMatch{
		NFTReference:     ev.Attr(protov1.AttrNFTReference),
		SourceChain:      src,
		SourceAddress:    ev.Attr(protov1.AttrSender),
		DestinationChain: parseChainAttr(ev.Attr(protov1.AttrDestinationChain)),
	}
}

func parseChainAttr(v string) protov1.Chain {
	if v == "" {
		return protov1.Chain_CHAIN_UNSPECIFIED
	}
	c, err := protov1.ParseChain(v)
	if err != nil {
		return protov1.Chain_CHAIN_UNSPECIFIED
	}
	return c
}

// fill copies the identifying attributes of ev onto fields op lacks.
func fill(op *protov1.BridgeOperation, ev *protov1.DomainEvent, msgID string) {
	if op.MessageID == "" {
		op.MessageID = msgID
	}
	if op.SourceChain == protov1.Chain_CHAIN_UNSPECIFIED {
		op.SourceChain = parseChainAttr(ev.Attr(protov1.AttrSourceChain))
	}
	if op.DestinationChain == protov1.Chain_CHAIN_UNSPECIFIED {
		op.DestinationChain = parseChainAttr(ev.Attr(protov1.AttrDestinationChain))
	}
	if ref := ev.Attr(protov1.AttrNFTReference); ref != "" {
		// the source side names the canonical token
		if ev.Kind == protov1.EventKindBridgeSent || op.NFTReference == "" {
			op.NFTReference = ref
		}
	}
}

func (m *Machine) mutate(op *protov1.BridgeOperation, ev *protov1.DomainEvent, msgID string, now time.Time) error {
	fill(op, ev, msgID)
	trigger := string(ev.Kind)

	switch ev.Kind {
	case protov1.EventKindBridgeSent:
		if op.SourceChain == protov1.Chain_CHAIN_UNSPECIFIED {
			op.SourceChain = ev.Chain
		}
		if s := ev.Attr(protov1.AttrSender); s != "" && op.SourceAddress == "" {
			op.SourceAddress = s
		}
		hadSourceTx := op.SourceTxIdentifier != ""
		switch op.Status {
		case protov1.BridgeStatusPending:
			op.SourceTxIdentifier = ev.TxIdentifier
			return transition(op, protov1.BridgeStatusInProgress, trigger, "source send observed", now)
		case protov1.BridgeStatusInProgress:
			if !hadSourceTx {
				op.SourceTxIdentifier = ev.TxIdentifier
			}
			return nil
		default:
			if !hadSourceTx {
				op.SourceTxIdentifier = ev.TxIdentifier
				return nil
			}
			return &InvalidTransitionError{OperationID: op.ID, From: op.Status, To: protov1.BridgeStatusInProgress, Trigger: trigger}
		}

	case protov1.EventKindBridgeReceived:
		if op.DestinationChain == protov1.Chain_CHAIN_UNSPECIFIED {
			op.DestinationChain = ev.Chain
		}
		if r := ev.Attr(protov1.AttrRecipient); r != "" && op.DestinationAddress == "" {
			op.DestinationAddress = r
		}
		switch op.Status {
		case protov1.BridgeStatusPending:
			if err := transition(op, protov1.BridgeStatusInProgress, trigger, "destination receive observed", now); err != nil {
				return err
			}
			op.DestinationTxIdentifier = ev.TxIdentifier
		case protov1.BridgeStatusInProgress:
			if op.DestinationTxIdentifier == "" {
				op.DestinationTxIdentifier = ev.TxIdentifier
			}
		default:
			return &InvalidTransitionError{OperationID: op.ID, From: op.Status, To: protov1.BridgeStatusCompleted, Trigger: trigger}
		}
		return m.maybeComplete(op, trigger, now)

	case protov1.EventKindProofAttested:
		proofType := ev.Attr(protov1.AttrProofType)
		if proofType == "" {
			proofType = "attestation"
		}
		data := proofData(ev)
		m.tracker.RecordProof(op, proofType, data, ev.Attr(protov1.AttrVerified) == "true")
		return m.maybeComplete(op, trigger, now)

	case protov1.EventKindBridgeReverted:
		reason := ev.Attr(protov1.AttrReason)
		if reason == "" {
			reason = "message reverted"
		}
		reason = fmt.Sprintf("reverted on %s (tx %s): %s", ev.Chain, ev.TxIdentifier, reason)
		switch op.Status {
		case protov1.BridgeStatusPending:
			if err := transition(op, protov1.BridgeStatusInProgress, trigger, "revert observed", now); err != nil {
				return err
			}
			return transition(op, protov1.BridgeStatusFailed, trigger, reason, now)
		case protov1.BridgeStatusInProgress:
			return transition(op, protov1.BridgeStatusFailed, trigger, reason, now)
		default:
			return &InvalidTransitionError{OperationID: op.ID, From: op.Status, To: protov1.BridgeStatusFailed, Trigger: trigger}
		}
	}
	return fmt.Errorf("unhandled event kind %s", ev.Kind)
}

// proofData decodes a hex proofData attribute; other encodings are kept
// as raw bytes. Without an attribute the event's own coordinates serve as
// the proof so distinct attestations stay distinct.
func proofData(ev *protov1.DomainEvent) []byte {
	v := ev.Attr(protov1.AttrProofData)
	if v == "" {
		return []byte(fmt.Sprintf("%s:%s", ev.Chain, ev.ID))
	}
	if b, err := hexutil.Decode(v); err == nil {
		return b
	}
	return []byte(v)
}

// maybeComplete completes op once a receive was observed and enough proofs
// are verified, whichever came last.
func (m *Machine) maybeComplete(op *protov1.BridgeOperation, trigger string, now time.Time) error {
	if op.Status != protov1.BridgeStatusInProgress || !op.ReceiveObserved() || !m.tracker.IsThresholdMet(op) {
		return nil
	}
	reason := fmt.Sprintf("receive observed and %d/%d proofs verified", m.tracker.VerifiedCount(op), m.tracker.Threshold())
	return transition(op, protov1.BridgeStatusCompleted, trigger, reason, now)
}

// ProofNotification is the payload of proof:verified.
type ProofNotification struct {
	OperationID string                    `json:"operation_id"`
	MessageID   string                    `json:"message_id,omitempty"`
	Proof       protov1.VerificationProof `json:"proof"`
}

func (p ProofNotification) NotificationKey() string { return p.OperationID }

// notifications are topic/payload pairs produced by a commit.
type notifications []notification

type notification struct {
	topic   string
	payload any
}

// commit writes next (and every proof that is new or changed since before)
// in one transaction. It returns what to publish about the change.
func (m *Machine) commit(ctx context.Context, before, next *protov1.BridgeOperation) (notifications, error) {
	changed, verified := diffProofs(before, next)

	err := m.store.Atomically(ctx, func(w Writer) error {
		if err := w.UpsertBridgeOperation(ctx, next); err != nil {
			return fmt.Errorf("upsert operation: %w", err)
		}
		for i := range changed {
			if err := w.AppendVerificationProof(ctx, &changed[i]); err != nil {
				return fmt.Errorf("append proof %s: %w", changed[i].ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist operation %s: %w", next.ID, err)
	}

	prev := 0
	if before != nil {
		prev = len(before.History)
	}
	for _, t := range next.History[prev:] {
		metrics.Transitions.WithLabelValues(string(t.From), string(t.To)).Inc()
	}

	snapshot := next.Clone()
	notes := make(notifications, 0, 2+len(verified))
	if before == nil {
		notes = append(notes, notification{notify.TopicBridgeInitiated, snapshot})
	} else {
		notes = append(notes, notification{notify.TopicBridgeUpdated, snapshot})
	}
	for _, p := range verified {
		notes = append(notes, notification{notify.TopicProofVerified, ProofNotification{OperationID: next.ID, MessageID: next.MessageID, Proof: p}})
	}
	if next.Status == protov1.BridgeStatusCompleted && (before == nil || before.Status != protov1.BridgeStatusCompleted) {
		notes = append(notes, notification{notify.TopicBridgeCompleted, snapshot})
	}
	return notes, nil
}

// publish must not be called while holding an operation or message lock.
func (m *Machine) publish(ctx context.Context, notes notifications) {
	for _, n := range notes {
		m.publisher.Publish(ctx, n.topic, n.payload)
	}
}

func diffProofs(before, next *protov1.BridgeOperation) (changed, verified []protov1.VerificationProof) {
	for _, p := range next.Proofs {
		var old *protov1.VerificationProof
		if before != nil {
			old, _ = before.Proof(p.ID)
		}
		if old == nil || old.IsVerified != p.IsVerified {
			changed = append(changed, p.Clone())
		}
		if p.IsVerified && (old == nil || !old.IsVerified) {
			verified = append(verified, p.Clone())
		}
	}
	return changed, verified
}

package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/marko911/bridge-pulse/internal/platform/metrics"
	"github.com/marko911/bridge-pulse/internal/verification"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

// InitiateRequest declares a transfer before it is observed on chain.
type InitiateRequest struct {
	NFTReference       string        `json:"nft_reference"`
	SourceChain        protov1.Chain `json:"source_chain"`
	SourceAddress      string        `json:"source_address"`
	DestinationChain   protov1.Chain `json:"destination_chain"`
	DestinationAddress string        `json:"destination_address"`
}

func (r InitiateRequest) validate() error {
	switch {
	case r.NFTReference == "":
		return fmt.Errorf("%w: nft reference is required", ErrInvalidRequest)
	case r.SourceChain == protov1.Chain_CHAIN_UNSPECIFIED || r.DestinationChain == protov1.Chain_CHAIN_UNSPECIFIED:
		return fmt.Errorf("%w: source and destination chains are required", ErrInvalidRequest)
	case r.SourceChain == r.DestinationChain:
		return fmt.Errorf("%w: source and destination chain are both %s", ErrInvalidRequest, r.SourceChain)
	case r.SourceAddress == "" || r.DestinationAddress == "":
		return fmt.Errorf("%w: source and destination addresses are required", ErrInvalidRequest)
	}
	return nil
}

// Initiate records a PENDING operation. The first matching send observed
// on the source chain claims it.
func (m *Machine) Initiate(ctx context.Context, req InitiateRequest) (*protov1.BridgeOperation, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := m.now()
	op := &protov1.BridgeOperation{
		ID:                 uuid.NewString(),
		NFTReference:       req.NFTReference,
		SourceChain:        req.SourceChain,
		DestinationChain:   req.DestinationChain,
		SourceAddress:      protov1.NormalizeAddress(req.SourceChain, req.SourceAddress),
		DestinationAddress: protov1.NormalizeAddress(req.DestinationChain, req.DestinationAddress),
		Status:             protov1.BridgeStatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	notes, err := m.commit(ctx, nil, op)
	if err != nil {
		return nil, err
	}
	m.publish(ctx, notes)
	m.logger.Info("bridge initiated", "operation_id", op.ID, "nft", op.NFTReference,
		"source", op.SourceChain.String(), "destination", op.DestinationChain.String())
	return op.Clone(), nil
}

// Retry moves a FAILED operation back to PENDING. The message id is kept
// so a re-delivery of the same message lands on this operation.
func (m *Machine) Retry(ctx context.Context, id string) (*protov1.BridgeOperation, error) {
	var out *protov1.BridgeOperation
	err := m.withOperation(ctx, id, func(before *protov1.BridgeOperation) (*protov1.BridgeOperation, error) {
		if before.Status != protov1.BridgeStatusFailed {
			return nil, &InvalidTransitionError{OperationID: id, From: before.Status, To: protov1.BridgeStatusPending, Trigger: "retry"}
		}
		next := before.Clone()
		now := m.now()
		if err := transition(next, protov1.BridgeStatusPending, "retry", "retry after: "+before.ErrorReason, now); err != nil {
			return nil, err
		}
		next.Attempts++
		next.UpdatedAt = now
		out = next
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("bridge retried", "operation_id", id, "attempts", out.Attempts)
	return out.Clone(), nil
}

// SubmitProof attaches an unverified proof to an operation. Submitting the
// same type and data twice returns the existing proof.
func (m *Machine) SubmitProof(ctx context.Context, operationID, proofType string, data []byte) (*protov1.VerificationProof, error) {
	if proofType == "" || len(data) == 0 {
		return nil, fmt.Errorf("%w: proof type and data are required", ErrInvalidRequest)
	}
	var out protov1.VerificationProof
	err := m.withOperation(ctx, operationID, func(before *protov1.BridgeOperation) (*protov1.BridgeOperation, error) {
		next := before.Clone()
		proof, created := m.tracker.RecordProof(next, proofType, data, false)
		out = proof.Clone()
		if !created {
			return nil, nil
		}
		next.UpdatedAt = m.now()
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyProof marks a proof verified. Once an operation has observed its
// receive, the proof that meets the threshold completes it.
func (m *Machine) VerifyProof(ctx context.Context, proofID string) (*protov1.VerificationProof, error) {
	opID, err := m.store.FindOperationIDByProof(ctx, proofID)
	if err != nil {
		return nil, fmt.Errorf("find proof %s: %w", proofID, err)
	}
	if opID == "" {
		return nil, &verification.NotFoundError{ProofID: proofID}
	}

	var out protov1.VerificationProof
	err = m.withOperation(ctx, opID, func(before *protov1.BridgeOperation) (*protov1.BridgeOperation, error) {
		next := before.Clone()
		changed, err := m.tracker.MarkVerified(next, proofID)
		if err != nil {
			return nil, err
		}
		p, _ := next.Proof(proofID)
		out = p.Clone()
		if !changed {
			return nil, nil
		}
		now := m.now()
		if err := m.maybeComplete(next, "proof verified", now); err != nil {
			return nil, err
		}
		next.UpdatedAt = now
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *Machine) IsThresholdMet(ctx context.Context, operationID string) (bool, error) {
	op, err := m.Get(ctx, operationID)
	if err != nil {
		return false, err
	}
	return m.tracker.IsThresholdMet(op), nil
}

// ExpireStale fails IN_PROGRESS operations that have not completed within
// MaxInFlight. The reason names what was still missing: the destination
// event or enough verified proofs. It returns how many were expired.
func (m *Machine) ExpireStale(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.cfg.MaxInFlight)
	stale, err := m.store.ListStaleOperations(ctx, cutoff, m.cfg.ExpireBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale operations: %w", err)
	}

	var (
		expired int
		errs    error
	)
	for _, candidate := range stale {
		var failed *protov1.BridgeOperation
		err := m.withOperation(ctx, candidate.ID, func(before *protov1.BridgeOperation) (*protov1.BridgeOperation, error) {
			// it may have moved on since it was listed
			if before.Status != protov1.BridgeStatusInProgress ||
				before.InProgressAt == nil || !before.InProgressAt.Before(cutoff) {
				return nil, nil
			}
			next := before.Clone()
			now := m.now()
			reason := fmt.Sprintf("timeout: no destination event within %s", m.cfg.MaxInFlight)
			if before.ReceiveObserved() {
				reason = fmt.Sprintf("timeout: %d/%d proofs verified within %s",
					m.tracker.VerifiedCount(before), m.tracker.Threshold(), m.cfg.MaxInFlight)
			}
			if err := transition(next, protov1.BridgeStatusFailed, "expiry", reason, now); err != nil {
				return nil, err
			}
			next.UpdatedAt = now
			failed = next
			return next, nil
		})
		if err == nil && failed != nil {
			expired++
			metrics.ExpiredOperations.Inc()
			m.logger.Warn("bridge expired", "operation_id", failed.ID, "in_progress_since", failed.InProgressAt.Format(time.RFC3339))
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return expired, multierr.Append(errs, err)
			}
			errs = multierr.Append(errs, err)
		}
	}
	return expired, errs
}

// withOperation runs fn on the current state of an operation while holding
// its lock. fn returns the state to commit, or nil to leave it unchanged.
// Notifications go out after the lock is released.
func (m *Machine) withOperation(ctx context.Context, id string, fn func(before *protov1.BridgeOperation) (*protov1.BridgeOperation, error)) error {
	notes, err := m.withOperationLocked(ctx, id, fn)
	m.publish(ctx, notes)
	return err
}

func (m *Machine) withOperationLocked(ctx context.Context, id string, fn func(before *protov1.BridgeOperation) (*protov1.BridgeOperation, error)) (notifications, error) {
	unlock, err := m.locker.Lock(ctx, opKey(id))
	if err != nil {
		return nil, fmt.Errorf("lock operation %s: %w", id, err)
	}
	defer unlock()

	before, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := fn(before)
	if err != nil || next == nil {
		return nil, err
	}
	return m.commit(ctx, before, next)
}

// Get returns an operation with its proofs.
func (m *Machine) Get(ctx context.Context, id string) (*protov1.BridgeOperation, error) {
	op, err := m.store.GetBridgeOperation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get operation %s: %w", id, err)
	}
	if op == nil {
		return nil, &NotFoundError{ID: id}
	}
	return op, nil
}

func (m *Machine) List(ctx context.Context, f protov1.OperationFilter) ([]*protov1.BridgeOperation, error) {
	ops, err := m.store.ListBridgeOperations(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return ops, nil
}

func (m *Machine) Proofs(ctx context.Context, operationID string) ([]protov1.VerificationProof, error) {
	op, err := m.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	return op.Proofs, nil
}

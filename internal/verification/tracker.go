// Package verification records proofs against bridge operations and decides
// when enough of them are verified.
package verification

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

var ErrNotFound = errors.New("proof not found")

// DefaultThreshold is the number of verified proofs an operation needs.
const DefaultThreshold = 1

type NotFoundError struct {
	ProofID           string
	BridgeOperationID string
}

func (e *NotFoundError) Error() string {
	if e.BridgeOperationID == "" {
		return fmt.Sprintf("proof %s not found", e.ProofID)
	}
	return fmt.Sprintf("proof %s not found on operation %s", e.ProofID, e.BridgeOperationID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Tracker operates on an operation's proof list. It holds no state of its
// own; callers serialize access per operation.
type Tracker struct {
	threshold int
	now       func() time.Time
}

func NewTracker(threshold int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Tracker{threshold: threshold, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the time source, for tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) Threshold() int { return t.threshold }

// RecordProof appends a proof to op. A proof with the same type and data is
// not recorded twice; the existing one is returned (and verified if asked).
func (t *Tracker) RecordProof(op *protov1.BridgeOperation, proofType string, data []byte, verified bool) (*protov1.VerificationProof, bool) {
	for i := range op.Proofs {
		p := &op.Proofs[i]
		if p.ProofType == proofType && bytes.Equal(p.ProofData, data) {
			if verified && !p.IsVerified {
				t.verify(p)
				return p, true
			}
			return p, false
		}
	}

	proof := protov1.VerificationProof{
		ID:                uuid.NewString(),
		BridgeOperationID: op.ID,
		ProofType:         proofType,
		ProofData:         append([]byte(nil), data...),
		CreatedAt:         t.now(),
	}
	if verified {
		t.verify(&proof)
	}
	op.Proofs = append(op.Proofs, proof)
	return &op.Proofs[len(op.Proofs)-1], true
}

// MarkVerified flips a proof to verified. It reports whether anything
// changed; verifying an already verified proof is a no-op.
func (t *Tracker) MarkVerified(op *protov1.BridgeOperation, proofID string) (bool, error) {
	p, ok := op.Proof(proofID)
	if !ok {
		return false, &NotFoundError{ProofID: proofID, BridgeOperationID: op.ID}
	}
	if p.IsVerified {
		return false, nil
	}
	t.verify(p)
	return true, nil
}

func (t *Tracker) verify(p *protov1.VerificationProof) {
	now := t.now()
	p.IsVerified = true
	p.VerifiedAt = &now
}

func (t *Tracker) VerifiedCount(op *protov1.BridgeOperation) int {
	n := 0
	for _, p := range op.Proofs {
		if p.IsVerified {
			n++
		}
	}
	return n
}

func (t *Tracker) IsThresholdMet(op *protov1.BridgeOperation) bool {
	return t.VerifiedCount(op) >= t.threshold
}

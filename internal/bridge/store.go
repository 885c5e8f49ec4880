package bridge

import (
	"context"
	"time"

	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

// Reader looks operations up. Lookups that find nothing return nil, nil.
type Reader interface {
	GetBridgeOperation(ctx context.Context, id string) (*protov1.BridgeOperation, error)
	FindBridgeOperationByMessageID(ctx context.Context, messageID string) (*protov1.BridgeOperation, error)
	// FindPendingOperation returns the oldest PENDING operation without a
	// message id that matches m.
	FindPendingOperation(ctx context.Context, m protov1.OperationMatch) (*protov1.BridgeOperation, error)
	ListBridgeOperations(ctx context.Context, f protov1.OperationFilter) ([]*protov1.BridgeOperation, error)
	FindOperationIDByProof(ctx context.Context, proofID string) (string, error)
	ListStaleOperations(ctx context.Context, cutoff time.Time, limit int) ([]*protov1.BridgeOperation, error)
}

// Writer is the write half of one transaction.
type Writer interface {
	UpsertBridgeOperation(ctx context.Context, op *protov1.BridgeOperation) error
	AppendVerificationProof(ctx context.Context, proof *protov1.VerificationProof) error
}

// Store persists operations and their proofs. Writes made inside one
// Atomically call commit together or not at all.
type Store interface {
	Reader
	Atomically(ctx context.Context, fn func(w Writer) error) error
}

// Publisher receives notifications after a write commits.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) {}

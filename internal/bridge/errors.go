package bridge

import (
	"errors"
	"fmt"

	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("bridge operation not found")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrMissingMessageID  = errors.New("event carries no message id")
)

// InvalidTransitionError reports a status change outside the allowed edges.
// The operation is left unchanged.
type InvalidTransitionError struct {
	OperationID string
	From        protov1.BridgeStatus
	To          protov1.BridgeStatus
	Trigger     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("operation %s: %s -> %s not allowed (%s)", e.OperationID, e.From, e.To, e.Trigger)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("bridge operation %s not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// IsPermanent reports whether retrying the same event can never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrMissingMessageID) || errors.Is(err, ErrInvalidRequest)
}

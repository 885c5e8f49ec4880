package listener

import (
	"errors"
	"fmt"

	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

var (
	ErrAlreadyActive = errors.New("listener already active")
	ErrNotFound      = errors.New("listener not found")
	ErrNoAdapter     = errors.New("no adapter for chain")
	ErrStopTimeout   = errors.New("listener did not stop in time")
)

// AlreadyActiveError is returned when a key is started twice. The second
// start has no side effect.
type AlreadyActiveError struct {
	Key protov1.ListenerKey
}

func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("listener %s already active", e.Key)
}

func (e *AlreadyActiveError) Is(target error) bool { return target == ErrAlreadyActive }

type NotFoundError struct {
	Key protov1.ListenerKey
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("listener %s not found", e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

package adapter

import (
	"errors"
	"fmt"

	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

var (
	ErrConnection        = errors.New("chain endpoint unreachable")
	ErrUnsupportedFilter = errors.New("unsupported filter criteria")
)

// ConnectionError is transient: callers retry with backoff.
type ConnectionError struct {
	Chain    protov1.Chain
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connect %s: %v", e.Chain, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// UnsupportedFilterError is permanent for the listener configuration.
type UnsupportedFilterError struct {
	Chain  protov1.Chain
	Field  string
	Reason string
}

func (e *UnsupportedFilterError) Error() string {
	return fmt.Sprintf("%s: unsupported filter %q: %s", e.Chain, e.Field, e.Reason)
}

func (e *UnsupportedFilterError) Is(target error) bool { return target == ErrUnsupportedFilter }

// IsConnectionError reports whether err is (or wraps) a ConnectionError.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnection)
}

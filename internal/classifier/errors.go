package classifier

import (
	"errors"
	"fmt"

	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

var ErrClassification = errors.New("malformed event payload")

// ClassificationError reports a recognized event whose payload could not be
// decoded. The listener skips the event and keeps going.
type ClassificationError struct {
	Chain      protov1.Chain
	Contract   string
	EventName  string
	Position   uint64
	Identifier string
	Err        error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify %s %s/%s at %d (%s): %v",
		e.Chain, e.Contract, e.EventName, e.Position, e.Identifier, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

func (e *ClassificationError) Is(target error) bool { return target == ErrClassification }

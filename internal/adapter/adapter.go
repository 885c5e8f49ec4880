// Package adapter defines the contract every chain adapter implements and the
// shared plumbing (errors, backoff, de-duplication) they build on.
package adapter

import (
	"context"
	"sync"

	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

// RawChainEvent is a chain-native occurrence before classification.
type RawChainEvent struct {
	Chain           protov1.Chain
	ContractAddress string

	// Position is the block number (EVM) or slot (Solana).
	Position uint64
	// Identifier disambiguates events sharing a position: the emitting
	// transaction hash for logs, the account pubkey for account changes.
	Identifier   string
	TxIdentifier string
	Index        uint32

	// Checkpoint is the position that is safe to persist once this event
	// and every event before it have been processed.
	Checkpoint uint64

	Timestamp int64
	Topics    []string
	Payload   []byte

	// Watermark events carry no payload; they only move the checkpoint.
	Watermark bool
}

// Adapter normalizes one chain family's native feed into RawChainEvents.
type Adapter interface {
	Name() string

	// ValidateFilter reports whether cfg.FilterCriteria can be expressed in
	// the chain's native filter format.
	ValidateFilter(cfg protov1.ListenerConfig) error

	LatestPosition(ctx context.Context) (uint64, error)

	// Subscribe starts delivering events after cfg.LastProcessedPosition.
	Subscribe(ctx context.Context, cfg protov1.ListenerConfig) (*Stream, error)

	Health(ctx context.Context) error
}

// Stream is a running subscription. Events is closed once the producer exits.
type Stream struct {
	events chan RawChainEvent
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewStream wires a producer goroutine to a stream. The producer must return
// when its context is cancelled; Events is closed after it returns.
func NewStream(ctx context.Context, buffer int, produce func(ctx context.Context, out chan<- RawChainEvent)) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events: make(chan RawChainEvent, buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer close(s.events)
		produce(ctx, s.events)
	}()
	return s
}

func (s *Stream) Events() <-chan RawChainEvent {
	return s.events
}

// Stop cancels the producer and waits for it to release its connection.
func (s *Stream) Stop() {
	s.once.Do(s.cancel)
	<-s.done
}

// Done is closed when the producer has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Emit sends ev unless ctx is cancelled first.
func Emit(ctx context.Context, out chan<- RawChainEvent, ev RawChainEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Package classifier turns raw chain events into domain events using
// decoders registered per (chain, contract).
package classifier

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/marko911/bridge-pulse/internal/adapter"
	"github.com/marko911/bridge-pulse/internal/platform/metrics"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

// AnyEvent as a listener event name accepts every event a decoder knows.
const AnyEvent = "*"

// Decoded is a decoder's verdict on one raw event.
type Decoded struct {
	Kind       protov1.EventKind
	Attributes map[string]string
}

// Decoder maps the payload of one contract to domain events. It returns
// nil, nil when the event is not one it recognizes for eventName, and an
// error when the event is recognized but its payload is malformed.
type Decoder interface {
	Decode(raw adapter.RawChainEvent, eventName string) (*Decoded, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(raw adapter.RawChainEvent, eventName string) (*Decoded, error)

func (f DecoderFunc) Decode(raw adapter.RawChainEvent, eventName string) (*Decoded, error) {
	return f(raw, eventName)
}

// topicSource is implemented by decoders that can narrow log subscriptions.
type topicSource interface {
	EventID(eventName string) (common.Hash, bool)
}

type decoderKey struct {
	chain    protov1.Chain
	contract string
}

// Classifier is safe for concurrent use; decoders may be registered while
// listeners are running.
type Classifier struct {
	mu       sync.RWMutex
	decoders map[decoderKey]Decoder
	logger   *slog.Logger
}

func New(logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		decoders: make(map[decoderKey]Decoder),
		logger:   logger.With("component", "classifier"),
	}
}

// Register installs d for contract on chain, replacing any previous decoder.
func (c *Classifier) Register(chain protov1.Chain, contract string, d Decoder) {
	key := decoderKey{chain: chain, contract: protov1.NormalizeAddress(chain, contract)}
	c.mu.Lock()
	c.decoders[key] = d
	c.mu.Unlock()
	c.logger.Info("registered decoder", "chain", chain.String(), "contract", key.contract, "decoder", fmt.Sprintf("%T", d))
}

func (c *Classifier) lookup(chain protov1.Chain, contract string) (Decoder, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.decoders[decoderKey{chain: chain, contract: protov1.NormalizeAddress(chain, contract)}]
	return d, ok
}

// Topic0 resolves the log topic of eventName for EVM listeners.
func (c *Classifier) Topic0(chain protov1.Chain, contract, eventName string) (common.Hash, bool) {
	d, ok := c.lookup(chain, contract)
	if !ok {
		return common.Hash{}, false
	}
	ts, ok := d.(topicSource)
	if !ok {
		return common.Hash{}, false
	}
	return ts.EventID(eventName)
}

// Classify is deterministic: the same raw event and event name always give
// the same domain event (including its ID). Watermarks and events without a
// decoder yield nil.
func (c *Classifier) Classify(raw adapter.RawChainEvent, eventName string) (*protov1.DomainEvent, error) {
	if raw.Watermark {
		return nil, nil
	}

	d, ok := c.lookup(raw.Chain, raw.ContractAddress)
	if !ok {
		c.miss(raw, eventName, "no decoder registered")
		return nil, nil
	}

	decoded, err := d.Decode(raw, eventName)
	if err != nil {
		metrics.ClassificationErrors.WithLabelValues(raw.Chain.String(), eventName).Inc()
		return nil, &ClassificationError{
			Chain:      raw.Chain,
			Contract:   raw.ContractAddress,
			EventName:  eventName,
			Position:   raw.Position,
			Identifier: raw.Identifier,
			Err:        err,
		}
	}
	if decoded == nil {
		c.miss(raw, eventName, "event not recognized")
		return nil, nil
	}

	attrs := make(map[string]string, len(decoded.Attributes))
	for k, v := range decoded.Attributes {
		attrs[k] = v
	}

	return &protov1.DomainEvent{
		ID:              protov1.EventID(raw.Chain, raw.Position, raw.Identifier, raw.Index),
		Kind:            decoded.Kind,
		Chain:           raw.Chain,
		ContractAddress: protov1.NormalizeAddress(raw.Chain, raw.ContractAddress),
		TxIdentifier:    raw.TxIdentifier,
		Position:        raw.Position,
		Timestamp:       time.Unix(raw.Timestamp, 0).UTC(),
		Attributes:      attrs,
	}, nil
}

func (c *Classifier) miss(raw adapter.RawChainEvent, eventName, reason string) {
	metrics.ClassificationMisses.WithLabelValues(raw.Chain.String(), eventName).Inc()
	c.logger.Debug("unclassified event",
		"chain", raw.Chain.String(),
		"contract", raw.ContractAddress,
		"event", eventName,
		"position", raw.Position,
		"reason", reason,
	)
}

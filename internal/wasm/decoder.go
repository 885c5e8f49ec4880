package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/marko911/bridge-pulse/internal/adapter"
	"github.com/marko911/bridge-pulse/internal/classifier"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

// DecodeInput is the JSON document a decoder module reads via get_input.
type DecodeInput struct {
	EventName    string   `json:"event_name"`
	Chain        string   `json:"chain"`
	Contract     string   `json:"contract"`
	Position     uint64   `json:"position"`
	Identifier   string   `json:"identifier"`
	TxIdentifier string   `json:"tx_identifier"`
	Index        uint32   `json:"index"`
	Timestamp    int64    `json:"timestamp"`
	Topics       []string `json:"topics,omitempty"`
	Payload      string   `json:"payload"` // 0x-prefixed hex
}

// DecodeOutput is what a module writes via output. An empty output or an
// empty kind means the event is not one the module recognizes.
type DecodeOutput struct {
	Kind       string            `json:"kind"`
	Attributes map[string]string `json:"attributes"`
	Error      string            `json:"error,omitempty"`
}

// Decoder adapts a compiled module to classifier.Decoder.
type Decoder struct {
	runtime *Runtime
	module  *CompiledModule
	logger  *slog.Logger
}

var _ classifier.Decoder = (*Decoder)(nil)

func NewDecoder(rt *Runtime, moduleID string, wasmBytes []byte, logger *slog.Logger) (*Decoder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	module, err := rt.Compile(moduleID, wasmBytes)
	if err != nil {
		return nil, err
	}
	return &Decoder{
		runtime: rt,
		module:  module,
		logger:  logger.With("component", "wasm-decoder", "module", moduleID),
	}, nil
}

func NewDecodeInput(raw adapter.RawChainEvent, eventName string) DecodeInput {
	return DecodeInput{
		EventName:    eventName,
		Chain:        raw.Chain.String(),
		Contract:     raw.ContractAddress,
		Position:     raw.Position,
		Identifier:   raw.Identifier,
		TxIdentifier: raw.TxIdentifier,
		Index:        raw.Index,
		Timestamp:    raw.Timestamp,
		Topics:       raw.Topics,
		Payload:      hexutil.Encode(raw.Payload),
	}
}

func (d *Decoder) Decode(raw adapter.RawChainEvent, eventName string) (*classifier.Decoded, error) {
	input, err := json.Marshal(NewDecodeInput(raw, eventName))
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}

	// CPU time is bounded by the runtime's epoch deadline.
	res, err := d.runtime.Execute(context.Background(), d.module, input)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("module executed", "duration", res.Duration, "memory_bytes", res.MemoryBytes)
	return parseOutput(res.Output)
}

func parseOutput(out []byte) (*classifier.Decoded, error) {
	if len(out) == 0 {
		return nil, nil
	}
	var o DecodeOutput
	if err := json.Unmarshal(out, &o); err != nil {
		return nil, fmt.Errorf("parse module output: %w", err)
	}
	if o.Error != "" {
		return nil, errors.New(o.Error)
	}
	if o.Kind == "" {
		return nil, nil
	}
	kind, err := protov1.ParseEventKind(o.Kind)
	if err != nil {
		return nil, err
	}
	return &classifier.Decoded{Kind: kind, Attributes: o.Attributes}, nil
}

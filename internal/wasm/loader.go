package wasm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/marko911/bridge-pulse/internal/classifier"
)

// LoadDecoder fetches a module by artifact reference (file:<path> or an
// object key) and compiles it into a Decoder. The reference doubles as the
// cache key.
func LoadDecoder(ctx context.Context, rt *Runtime, ref string, objects classifier.ObjectGetter, logger *slog.Logger) (*Decoder, error) {
	wasmBytes, err := classifier.LoadArtifact(ctx, ref, objects)
	if err != nil {
		return nil, fmt.Errorf("load decoder module: %w", err)
	}
	return NewDecoder(rt, ref, wasmBytes, logger)
}

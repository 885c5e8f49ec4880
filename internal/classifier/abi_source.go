package classifier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ObjectGetter fetches artifacts from remote storage.
type ObjectGetter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// LoadArtifact resolves a decoder artifact reference:
//
//	bundled:layerzero-onft   the embedded ONFT ABI
//	file:<path>              a local file
//	s3:<key> or <key>        an object in the configured bucket
func LoadArtifact(ctx context.Context, ref string, objects ObjectGetter) ([]byte, error) {
	switch {
	case ref == "":
		return nil, errors.New("empty artifact reference")
	case ref == BundledLayerZeroONFT:
		return LayerZeroONFTABI(), nil
	case strings.HasPrefix(ref, "bundled:"):
		return nil, fmt.Errorf("unknown bundled artifact %q", ref)
	case strings.HasPrefix(ref, "file:"):
		data, err := os.ReadFile(strings.TrimPrefix(ref, "file:"))
		if err != nil {
			return nil, fmt.Errorf("read artifact: %w", err)
		}
		return data, nil
	}

	if objects == nil {
		return nil, fmt.Errorf("artifact %q needs an object store", ref)
	}
	data, err := objects.Get(ctx, strings.TrimPrefix(ref, "s3:"))
	if err != nil {
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}
	return data, nil
}

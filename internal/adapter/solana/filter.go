package solana

import (
	"encoding/json"
	"fmt"
	"strconv"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/mr-tron/base58"

	"github.com/marko911/bridge-pulse/internal/adapter"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

const (
	filterCommitment = "commitment"
	filterDataSize   = "dataSize"
	filterMemcmp     = "memcmp"
	filterAccount    = "account"
)

type memcmp struct {
	Offset uint64 `json:"offset"`
	Bytes  string `json:"bytes"`
}

// subscription is the websocket subscription a listener config maps to.
type subscription struct {
	Program    sol.PublicKey
	Account    *sol.PublicKey
	Commitment rpc.CommitmentType
	DataSize   *uint64
	Memcmp     []memcmp
}

func parseFilter(chain protov1.Chain, defaultCommitment rpc.CommitmentType, cfg protov1.ListenerConfig) (subscription, error) {
	sub := subscription{Commitment: defaultCommitment}

	program, err := sol.PublicKeyFromBase58(cfg.ContractAddress)
	if err != nil {
		return sub, &adapter.UnsupportedFilterError{Chain: chain, Field: "contract", Reason: fmt.Sprintf("%q is not a base58 public key", cfg.ContractAddress)}
	}
	sub.Program = program

	for key, raw := range cfg.FilterCriteria {
		switch key {
		case filterCommitment:
			s, ok := raw.(string)
			if !ok {
				return sub, &adapter.UnsupportedFilterError{Chain: chain, Field: key, Reason: "expected a string"}
			}
			c, err := parseCommitment(s)
			if err != nil {
				return sub, &adapter.UnsupportedFilterError{Chain: chain, Field: key, Reason: err.Error()}
			}
			sub.Commitment = c
		case filterDataSize:
			n, err := toUint(raw)
			if err != nil {
				return sub, &adapter.UnsupportedFilterError{Chain: chain, Field: key, Reason: err.Error()}
			}
			sub.DataSize = &n
		case filterMemcmp:
			m, err := parseMemcmp(raw)
			if err != nil {
				return sub, &adapter.UnsupportedFilterError{Chain: chain, Field: key, Reason: err.Error()}
			}
			sub.Memcmp = m
		case filterAccount:
			s, ok := raw.(string)
			if !ok {
				return sub, &adapter.UnsupportedFilterError{Chain: chain, Field: key, Reason: "expected a base58 string"}
			}
			acct, err := sol.PublicKeyFromBase58(s)
			if err != nil {
				return sub, &adapter.UnsupportedFilterError{Chain: chain, Field: key, Reason: err.Error()}
			}
			sub.Account = &acct
		default:
			return sub, &adapter.UnsupportedFilterError{Chain: chain, Field: key, Reason: "not a Solana subscription filter"}
		}
	}

	if sub.Account != nil && (sub.DataSize != nil || len(sub.Memcmp) > 0) {
		return sub, &adapter.UnsupportedFilterError{Chain: chain, Field: filterAccount, Reason: "account subscriptions take no dataSize or memcmp"}
	}
	return sub, nil
}

func parseCommitment(s string) (rpc.CommitmentType, error) {
	switch c := rpc.CommitmentType(s); c {
	case rpc.CommitmentProcessed, rpc.CommitmentConfirmed, rpc.CommitmentFinalized:
		return c, nil
	}
	return "", fmt.Errorf("unknown commitment %q", s)
}

func parseMemcmp(raw any) ([]memcmp, error) {
	items, ok := raw.([]any)
	if !ok {
		if m, ok := raw.([]memcmp); ok {
			return m, nil
		}
		return nil, fmt.Errorf("expected a list of {offset, bytes}, got %T", raw)
	}
	out := make([]memcmp, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("entry %d: expected an object", i)
		}
		offset, err := toUint(obj["offset"])
		if err != nil {
			return nil, fmt.Errorf("entry %d offset: %w", i, err)
		}
		b, ok := obj["bytes"].(string)
		if !ok || b == "" {
			return nil, fmt.Errorf("entry %d: bytes must be a base58 string", i)
		}
		decoded, err := base58.Decode(b)
		if err != nil {
			return nil, fmt.Errorf("entry %d bytes: %w", i, err)
		}
		if len(decoded) > 128 {
			return nil, fmt.Errorf("entry %d: memcmp bytes limited to 128", i)
		}
		out = append(out, memcmp{Offset: offset, Bytes: b})
	}
	return out, nil
}

func toUint(v any) (uint64, error) {
	switch n := v.(type) {
	case int:
		if n >= 0 {
			return uint64(n), nil
		}
	case int64:
		if n >= 0 {
			return uint64(n), nil
		}
	case uint64:
		return n, nil
	case float64:
		if n >= 0 && n == float64(uint64(n)) {
			return uint64(n), nil
		}
	case json.Number:
		return strconv.ParseUint(n.String(), 10, 64)
	case string:
		return strconv.ParseUint(n, 10, 64)
	}
	return 0, fmt.Errorf("expected a non-negative integer, got %v", v)
}

// request builds the JSON-RPC subscribe call for sub.
func (s subscription) request(id int) map[string]any {
	opts := map[string]any{
		"encoding":   "base64",
		"commitment": s.Commitment,
	}
	if s.Account != nil {
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"method":  "accountSubscribe",
			"params":  []any{s.Account.String(), opts},
		}
	}

	var filters []any
	if s.DataSize != nil {
		filters = append(filters, map[string]any{"dataSize": *s.DataSize})
	}
	for _, m := range s.Memcmp {
		filters = append(filters, map[string]any{"memcmp": m})
	}
	if len(filters) > 0 {
		opts["filters"] = filters
	}
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "programSubscribe",
		"params":  []any{s.Program.String(), opts},
	}
}

package evm

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/marko911/bridge-pulse/internal/adapter"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

const (
	filterTopics    = "topics"
	filterAddresses = "addresses"
)

// logFilter is the eth_getLogs form of a listener's filter criteria.
type logFilter struct {
	Addresses []common.Address
	Topics    [][]common.Hash
}

// parseFilter translates a listener config into a log filter.
//
// topics is either a list of hashes (one per position, "" for any) or a list of
// OR-groups per position. addresses adds contracts to the listener's own.
func parseFilter(chain protov1.Chain, cfg protov1.ListenerConfig) (logFilter, error) {
	var f logFilter

	if !common.IsHexAddress(cfg.ContractAddress) {
		return f, &adapter.UnsupportedFilterError{Chain: chain, Field: "contract", Reason: fmt.Sprintf("%q is not a hex address", cfg.ContractAddress)}
	}
	f.Addresses = append(f.Addresses, common.HexToAddress(cfg.ContractAddress))

	for key, raw := range cfg.FilterCriteria {
		switch key {
		case filterTopics:
			topics, err := parseTopics(raw)
			if err != nil {
				return f, &adapter.UnsupportedFilterError{Chain: chain, Field: key, Reason: err.Error()}
			}
			f.Topics = topics
		case filterAddresses:
			addrs, err := stringList(raw)
			if err != nil {
				return f, &adapter.UnsupportedFilterError{Chain: chain, Field: key, Reason: err.Error()}
			}
			for _, a := range addrs {
				if !common.IsHexAddress(a) {
					return f, &adapter.UnsupportedFilterError{Chain: chain, Field: key, Reason: fmt.Sprintf("%q is not a hex address", a)}
				}
				f.Addresses = append(f.Addresses, common.HexToAddress(a))
			}
		default:
			return f, &adapter.UnsupportedFilterError{Chain: chain, Field: key, Reason: "not an eth_getLogs filter field"}
		}
	}

	if len(f.Topics) > 4 {
		return f, &adapter.UnsupportedFilterError{Chain: chain, Field: filterTopics, Reason: "at most 4 topic positions"}
	}
	return f, nil
}

func parseTopics(raw any) ([][]common.Hash, error) {
	items, ok := asList(raw)
	if !ok {
		return nil, fmt.Errorf("expected a list, got %T", raw)
	}

	topics := make([][]common.Hash, len(items))
	for i, item := range items {
		switch v := item.(type) {
		case string:
			if v == "" {
				continue
			}
			h, err := parseHash(v)
			if err != nil {
				return nil, err
			}
			topics[i] = []common.Hash{h}
		default:
			group, err := stringList(v)
			if err != nil {
				return nil, fmt.Errorf("position %d: %w", i, err)
			}
			for _, s := range group {
				h, err := parseHash(s)
				if err != nil {
					return nil, err
				}
				topics[i] = append(topics[i], h)
			}
		}
	}
	return topics, nil
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%q is not a 32-byte hex topic", s)
	}
	return common.BytesToHash(b), nil
}

func asList(raw any) ([]any, bool) {
	switch v := raw.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	case [][]string:
		out := make([]any, len(v))
		for i, g := range v {
			out[i] = g
		}
		return out, true
	}
	return nil, false
}

func stringList(raw any) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected strings, got %T", item)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list of strings, got %T", raw)
}

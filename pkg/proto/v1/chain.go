package protov1

import (
	"fmt"
	"strings"
)

type Chain int32

const (
	Chain_CHAIN_UNSPECIFIED Chain = 0
	Chain_CHAIN_SOLANA      Chain = 1
	Chain_CHAIN_ETHEREUM    Chain = 2
	Chain_CHAIN_POLYGON     Chain = 3
	Chain_CHAIN_ARBITRUM    Chain = 4
	Chain_CHAIN_OPTIMISM    Chain = 5
	Chain_CHAIN_BASE        Chain = 6
	Chain_CHAIN_AVALANCHE   Chain = 7
	Chain_CHAIN_BSC         Chain = 8
)

var chainNames = map[Chain]string{
	Chain_CHAIN_SOLANA:    "solana",
	Chain_CHAIN_ETHEREUM:  "ethereum",
	Chain_CHAIN_POLYGON:   "polygon",
	Chain_CHAIN_ARBITRUM:  "arbitrum",
	Chain_CHAIN_OPTIMISM:  "optimism",
	Chain_CHAIN_BASE:      "base",
	Chain_CHAIN_AVALANCHE: "avalanche",
	Chain_CHAIN_BSC:       "bsc",
}

// LayerZero V2 endpoint ids (mainnet).
var endpointIDs = map[Chain]uint32{
	Chain_CHAIN_ETHEREUM:  30101,
	Chain_CHAIN_BSC:       30102,
	Chain_CHAIN_AVALANCHE: 30106,
	Chain_CHAIN_POLYGON:   30109,
	Chain_CHAIN_ARBITRUM:  30110,
	Chain_CHAIN_OPTIMISM:  30111,
	Chain_CHAIN_SOLANA:    30168,
	Chain_CHAIN_BASE:      30184,
}

var evmChainIDs = map[Chain]uint64{
	Chain_CHAIN_ETHEREUM:  1,
	Chain_CHAIN_POLYGON:   137,
	Chain_CHAIN_ARBITRUM:  42161,
	Chain_CHAIN_OPTIMISM:  10,
	Chain_CHAIN_BASE:      8453,
	Chain_CHAIN_AVALANCHE: 43114,
	Chain_CHAIN_BSC:       56,
}

// ParseChain maps a chain name (or common alias) to its enum value.
func ParseChain(name string) (Chain, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "solana", "sol":
		return Chain_CHAIN_SOLANA, nil
	case "ethereum", "eth", "mainnet":
		return Chain_CHAIN_ETHEREUM, nil
	case "polygon", "matic":
		return Chain_CHAIN_POLYGON, nil
	case "arbitrum", "arb":
		return Chain_CHAIN_ARBITRUM, nil
	case "optimism", "op":
		return Chain_CHAIN_OPTIMISM, nil
	case "base":
		return Chain_CHAIN_BASE, nil
	case "avalanche", "avax":
		return Chain_CHAIN_AVALANCHE, nil
	case "bsc", "binance":
		return Chain_CHAIN_BSC, nil
	default:
		return Chain_CHAIN_UNSPECIFIED, fmt.Errorf("unknown chain %q", name)
	}
}

func (c Chain) String() string {
	if name, ok := chainNames[c]; ok {
		return name
	}
	return "unknown"
}

// IsEVM reports whether the chain uses the log-based event model.
func (c Chain) IsEVM() bool {
	_, ok := evmChainIDs[c]
	return ok
}

// EVMChainID returns the EIP-155 chain id, or 0 for non-EVM chains.
func (c Chain) EVMChainID() uint64 {
	return evmChainIDs[c]
}

// EndpointID returns the bridge endpoint id used in cross-chain payloads.
func (c Chain) EndpointID() uint32 {
	return endpointIDs[c]
}

// ChainFromEndpointID is the inverse of EndpointID.
func ChainFromEndpointID(eid uint32) Chain {
	for c, id := range endpointIDs {
		if id == eid {
			return c
		}
	}
	return Chain_CHAIN_UNSPECIFIED
}

func (c Chain) MarshalText() ([]byte, error) {
	if c == Chain_CHAIN_UNSPECIFIED {
		return []byte(""), nil
	}
	return []byte(c.String()), nil
}

func (c *Chain) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*c = Chain_CHAIN_UNSPECIFIED
		return nil
	}
	parsed, err := ParseChain(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

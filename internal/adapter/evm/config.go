// Package evm provides the poll-based adapter for Ethereum and EVM-compatible chains.
package evm

import (
	"fmt"
	"time"

	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

// Config holds the configuration for one EVM chain.
type Config struct {
	Chain protov1.Chain `yaml:"-"`

	// RPC endpoint (http(s) or ws(s))
	URL string `yaml:"rpc_url"`

	// Connection timeout
	Timeout time.Duration `yaml:"timeout"`

	// Retry settings for the initial dial
	MaxRetries    int           `yaml:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`

	// PollInterval is the delay between head polls. The first poll is immediate.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Confirmations is how far behind the head logs are read, so that shallow
	// reorgs never reach the listener.
	Confirmations uint64 `yaml:"confirmations"`

	// MaxBlockRange bounds a single eth_getLogs request.
	MaxBlockRange uint64 `yaml:"max_block_range"`

	// RateLimit is the RPC request budget per second (0 = unlimited).
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// DefaultConfig returns the defaults for chain.
func DefaultConfig(chain protov1.Chain) Config {
	return Config{
		Chain:         chain,
		Timeout:       30 * time.Second,
		MaxRetries:    3,
		RetryInterval: 5 * time.Second,
		PollInterval:  5 * time.Second,
		Confirmations: 0,
		MaxBlockRange: 1000,
		RateLimit:     10,
		RateBurst:     5,
	}
}

// Validate checks the configuration and fills zero values with defaults.
func (c *Config) Validate() error {
	if !c.Chain.IsEVM() {
		return fmt.Errorf("chain %s is not an EVM chain", c.Chain)
	}
	if c.URL == "" {
		return fmt.Errorf("RPC URL is required")
	}
	def := DefaultConfig(c.Chain)
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxBlockRange == 0 {
		c.MaxBlockRange = def.MaxBlockRange
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = def.RetryInterval
	}
	if c.RateBurst <= 0 {
		c.RateBurst = def.RateBurst
	}
	return nil
}

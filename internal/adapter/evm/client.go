package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// logSource is the subset of the JSON-RPC surface the poller needs.
type logSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
}

var errNotConnected = fmt.Errorf("not connected")

type Client struct {
	cfg    *Config
	logger *slog.Logger

	mu        sync.RWMutex
	client    *ethclient.Client
	rpcClient *rpc.Client
	isWS      bool
	connected bool
}

func NewClient(cfg *Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "evm-client", "chain", cfg.Chain.String()),
	}
}

// Connect dials the endpoint and verifies the chain id.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	c.isWS = strings.HasPrefix(c.cfg.URL, "ws://") || strings.HasPrefix(c.cfg.URL, "wss://")

	c.logger.Info("connecting to RPC",
		"url", c.cfg.URL,
		"is_websocket", c.isWS,
	)

	var err error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Info("retrying connection", "attempt", attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryInterval):
			}
		}

		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		c.rpcClient, err = rpc.DialContext(dialCtx, c.cfg.URL)
		if err != nil {
			cancel()
			c.logger.Warn("connection failed", "error", err, "attempt", attempt)
			continue
		}

		c.client = ethclient.NewClient(c.rpcClient)

		var chainID *big.Int
		chainID, err = c.client.ChainID(dialCtx)
		cancel()
		if err != nil {
			c.logger.Warn("chain ID check failed", "error", err)
			c.client.Close()
			continue
		}
		if want := c.cfg.Chain.EVMChainID(); want != 0 && chainID.Uint64() != want {
			c.client.Close()
			return fmt.Errorf("chain ID mismatch: expected %d, got %d", want, chainID.Uint64())
		}

		c.connected = true
		c.logger.Info("connected successfully", "chain_id", chainID)
		return nil
	}

	return fmt.Errorf("failed to connect after %d attempts: %w", c.cfg.MaxRetries, err)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.connected = false
	}
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) eth() (*ethclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil || !c.connected {
		return nil, errNotConnected
	}
	return c.client, nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	client, err := c.eth()
	if err != nil {
		return 0, err
	}
	return client.BlockNumber(ctx)
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	client, err := c.eth()
	if err != nil {
		return nil, err
	}
	return client.HeaderByNumber(ctx, number)
}

func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	client, err := c.eth()
	if err != nil {
		return nil, err
	}
	return client.FilterLogs(ctx, query)
}

func (c *Client) IsWebSocket() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isWS
}

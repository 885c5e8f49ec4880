// Package solana implements the Solana adapter over JSON-RPC websocket
// subscriptions (programSubscribe / accountSubscribe).
package solana

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gorilla/websocket"

	"github.com/marko911/bridge-pulse/internal/adapter"
	"github.com/marko911/bridge-pulse/internal/platform/metrics"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

// Config holds Solana adapter configuration.
type Config struct {
	// HTTP JSON-RPC endpoint (getSlot, getSignaturesForAddress)
	RPCURL string `yaml:"rpc_url"`

	// WebSocket endpoint; derived from RPCURL when empty
	WSURL string `yaml:"ws_url"`

	Commitment string `yaml:"commitment"`

	// SeenCapacity bounds the redelivery de-duplication window.
	SeenCapacity int `yaml:"seen_capacity"`

	// ResolveSignatures looks up the transaction signature of each change.
	ResolveSignatures bool `yaml:"resolve_signatures"`

	DialTimeout time.Duration `yaml:"dial_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Commitment:        string(rpc.CommitmentConfirmed),
		SeenCapacity:      4096,
		ResolveSignatures: true,
		DialTimeout:       10 * time.Second,
	}
}

// rpcSource is the subset of the HTTP JSON-RPC surface the adapter calls.
type rpcSource interface {
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetSignaturesForAddressWithOpts(ctx context.Context, account sol.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
}

// Adapter implements adapter.Adapter for Solana.
type Adapter struct {
	cfg        Config
	commitment rpc.CommitmentType
	logger     *slog.Logger
	rpc        rpcSource
	dialer     *websocket.Dialer
}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates a Solana adapter.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL is required")
	}
	return newAdapter(cfg, rpc.New(cfg.RPCURL), logger)
}

func newAdapter(cfg Config, src rpcSource, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Commitment == "" {
		cfg.Commitment = def.Commitment
	}
	if cfg.SeenCapacity <= 0 {
		cfg.SeenCapacity = def.SeenCapacity
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WSURL == "" {
		cfg.WSURL = wsEndpoint(cfg.RPCURL)
	}
	commitment, err := parseCommitment(cfg.Commitment)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:        cfg,
		commitment: commitment,
		logger:     logger.With("component", "solana-adapter"),
		rpc:        src,
		dialer:     &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
	}, nil
}

// wsEndpoint handles the https->wss conversion for usability.
func wsEndpoint(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "https"):
		return "wss" + endpoint[5:]
	case strings.HasPrefix(endpoint, "http"):
		return "ws" + endpoint[4:]
	}
	return endpoint
}

func (a *Adapter) Name() string {
	return protov1.Chain_CHAIN_SOLANA.String()
}

func (a *Adapter) ValidateFilter(cfg protov1.ListenerConfig) error {
	_, err := parseFilter(protov1.Chain_CHAIN_SOLANA, a.commitment, cfg)
	return err
}

func (a *Adapter) LatestPosition(ctx context.Context) (uint64, error) {
	slot, err := a.rpc.GetSlot(ctx, a.commitment)
	if err != nil {
		return 0, &adapter.ConnectionError{Chain: protov1.Chain_CHAIN_SOLANA, Endpoint: a.cfg.RPCURL, Err: err}
	}
	return slot, nil
}

func (a *Adapter) Health(ctx context.Context) error {
	if _, err := a.rpc.GetSlot(ctx, a.commitment); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// Subscribe dials once synchronously so an unreachable endpoint is reported
// to the caller; later disconnects are retried inside the stream.
func (a *Adapter) Subscribe(ctx context.Context, cfg protov1.ListenerConfig) (*adapter.Stream, error) {
	sub, err := parseFilter(protov1.Chain_CHAIN_SOLANA, a.commitment, cfg)
	if err != nil {
		return nil, err
	}

	s := &streamer{
		a:      a,
		sub:    sub,
		after:  cfg.LastProcessedPosition,
		seen:   adapter.NewSeenSet(a.cfg.SeenCapacity),
		logger: a.logger.With("listener", cfg.Key().String()),
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, &adapter.ConnectionError{Chain: protov1.Chain_CHAIN_SOLANA, Endpoint: a.cfg.WSURL, Err: err}
	}

	return adapter.NewStream(ctx, 64, func(ctx context.Context, out chan<- adapter.RawChainEvent) {
		s.connectionLoop(ctx, conn, out)
	}), nil
}

type streamer struct {
	a      *Adapter
	sub    subscription
	after  uint64
	seen   *adapter.SeenSet
	logger *slog.Logger
}

func (s *streamer) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := s.a.dialer.DialContext(ctx, s.a.cfg.WSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	if err := conn.WriteJSON(s.sub.request(1)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return conn, nil
}

// connectionLoop manages the WebSocket connection and reconnection.
func (s *streamer) connectionLoop(ctx context.Context, conn *websocket.Conn, out chan<- adapter.RawChainEvent) {
	defer s.logger.Info("solana subscription stopped")

	var bo adapter.Backoff
	for {
		if conn != nil {
			err := s.stream(ctx, conn, out, &bo)
			conn = nil
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("websocket error, reconnecting", "error", err)
		}

		metrics.AdapterReconnects.WithLabelValues(protov1.Chain_CHAIN_SOLANA.String()).Inc()
		if !bo.Wait(ctx) {
			return
		}

		c, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("reconnect failed", "error", err)
			continue
		}
		conn = c
	}
}

type rpcMessage struct {
	ID     *int            `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Params struct {
		Subscription uint64 `json:"subscription"`
		Result       struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value json.RawMessage `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

// stream reads notifications until the connection fails or ctx ends.
func (s *streamer) stream(ctx context.Context, conn *websocket.Conn, out chan<- adapter.RawChainEvent, bo *adapter.Backoff) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}

		var msg rpcMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.logger.Debug("ignoring malformed message", "error", err)
			continue
		}

		switch {
		case msg.Error != nil:
			return fmt.Errorf("rpc error %d: %s", msg.Error.Code, msg.Error.Message)
		case msg.ID != nil:
			s.logger.Info("subscribed", "method", s.method(), "subscription", string(msg.Result))
			bo.Reset()
		case msg.Method == "programNotification" || msg.Method == "accountNotification":
			ev, ok, err := s.toEvent(ctx, msg)
			if err != nil {
				s.logger.Warn("dropping undecodable notification", "error", err)
				continue
			}
			if !ok {
				continue
			}
			if !adapter.Emit(ctx, out, ev) {
				return ctx.Err()
			}
			metrics.AdapterEventsReceived.WithLabelValues(protov1.Chain_CHAIN_SOLANA.String()).Inc()
		}
	}
}

func (s *streamer) method() string {
	if s.sub.Account != nil {
		return "accountSubscribe"
	}
	return "programSubscribe"
}

// toEvent converts a notification. ok is false for changes at or before the
// resume position and for redeliveries already emitted.
func (s *streamer) toEvent(ctx context.Context, msg rpcMessage) (adapter.RawChainEvent, bool, error) {
	slot := msg.Params.Result.Context.Slot

	var (
		pubkey sol.PublicKey
		data   []byte
	)
	if msg.Method == "accountNotification" {
		var acct rpc.Account
		if err := json.Unmarshal(msg.Params.Result.Value, &acct); err != nil {
			return adapter.RawChainEvent{}, false, fmt.Errorf("decode account: %w", err)
		}
		pubkey = *s.sub.Account
		if acct.Data != nil {
			data = acct.Data.GetBinary()
		}
	} else {
		var keyed rpc.KeyedAccount
		if err := json.Unmarshal(msg.Params.Result.Value, &keyed); err != nil {
			return adapter.RawChainEvent{}, false, fmt.Errorf("decode keyed account: %w", err)
		}
		pubkey = keyed.Pubkey
		if keyed.Account != nil && keyed.Account.Data != nil {
			data = keyed.Account.Data.GetBinary()
		}
	}

	if slot <= s.after {
		return adapter.RawChainEvent{}, false, nil
	}

	sum := sha256.Sum256(data)
	if !s.seen.Add(adapter.DedupKey(slot, pubkey.String()+":"+hex.EncodeToString(sum[:]))) {
		metrics.AdapterDuplicatesDropped.WithLabelValues(protov1.Chain_CHAIN_SOLANA.String()).Inc()
		return adapter.RawChainEvent{}, false, nil
	}

	txID, blockTime := s.resolveSignature(ctx, pubkey, slot)

	return adapter.RawChainEvent{
		Chain:           protov1.Chain_CHAIN_SOLANA,
		ContractAddress: s.sub.Program.String(),
		Position:        slot,
		Identifier:      pubkey.String(),
		TxIdentifier:    txID,
		// other accounts may still change in this slot
		Checkpoint: slot - 1,
		Timestamp:  blockTime,
		Payload:    data,
	}, true, nil
}

// resolveSignature finds the transaction that wrote pubkey at slot. It falls
// back to "pubkey@slot" when the lookup is disabled or fails.
func (s *streamer) resolveSignature(ctx context.Context, pubkey sol.PublicKey, slot uint64) (string, int64) {
	fallback := fmt.Sprintf("%s@%d", pubkey, slot)
	now := time.Now().Unix()
	if !s.a.cfg.ResolveSignatures {
		return fallback, now
	}

	limit := 10
	minSlot := slot
	sigs, err := s.a.rpc.GetSignaturesForAddressWithOpts(ctx, pubkey, &rpc.GetSignaturesForAddressOpts{
		Limit:          &limit,
		Commitment:     s.sub.Commitment,
		MinContextSlot: &minSlot,
	})
	if err != nil {
		s.logger.Debug("signature lookup failed", "pubkey", pubkey.String(), "slot", slot, "error", err)
		return fallback, now
	}
	for _, sig := range sigs {
		if sig == nil || sig.Slot != slot {
			continue
		}
		ts := now
		if sig.BlockTime != nil {
			ts = int64(*sig.BlockTime)
		}
		return sig.Signature.String(), ts
	}
	return fallback, now
}

package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"

	"github.com/marko911/bridge-pulse/internal/adapter"
	"github.com/marko911/bridge-pulse/internal/platform/metrics"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

// TopicResolver returns the topic0 of eventName on contract when it is known.
// Listeners without explicit topics are narrowed to that event.
type TopicResolver func(chain protov1.Chain, contract, eventName string) (common.Hash, bool)

type Option func(*Adapter)

func WithTopicResolver(r TopicResolver) Option {
	return func(a *Adapter) { a.resolver = r }
}

// Adapter polls eth_getLogs behind a confirmation depth and emits logs in
// (block, log index) order followed by a watermark per fetched range.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	client   *Client
	src      logSource
	limiter  *rate.Limiter
	resolver TopicResolver
}

var _ adapter.Adapter = (*Adapter)(nil)

func NewAdapter(cfg Config, logger *slog.Logger, opts ...Option) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("evm config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := NewClient(&cfg, logger)
	a := newAdapter(cfg, client, logger, opts...)
	a.client = client
	return a, nil
}

func newAdapter(cfg Config, src logSource, logger *slog.Logger, opts ...Option) *Adapter {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	a := &Adapter{
		cfg:     cfg,
		logger:  logger.With("component", "evm-adapter", "chain", cfg.Chain.String()),
		src:     src,
		limiter: rate.NewLimiter(limit, burst),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string {
	return a.cfg.Chain.String()
}

func (a *Adapter) ValidateFilter(cfg protov1.ListenerConfig) error {
	_, err := parseFilter(a.cfg.Chain, cfg)
	return err
}

func (a *Adapter) connect(ctx context.Context) error {
	if a.client == nil {
		return nil
	}
	if err := a.client.Connect(ctx); err != nil {
		return &adapter.ConnectionError{Chain: a.cfg.Chain, Endpoint: a.cfg.URL, Err: err}
	}
	return nil
}

// LatestPosition returns the newest block that is deep enough to be read.
func (a *Adapter) LatestPosition(ctx context.Context) (uint64, error) {
	if err := a.connect(ctx); err != nil {
		return 0, err
	}
	head, err := a.safeHead(ctx)
	if err != nil {
		return 0, &adapter.ConnectionError{Chain: a.cfg.Chain, Endpoint: a.cfg.URL, Err: err}
	}
	return head, nil
}

func (a *Adapter) safeHead(ctx context.Context) (uint64, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	latest, err := a.src.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("get block number: %w", err)
	}
	if latest < a.cfg.Confirmations {
		return 0, nil
	}
	return latest - a.cfg.Confirmations, nil
}

func (a *Adapter) Health(ctx context.Context) error {
	if a.client != nil && !a.client.IsConnected() {
		return fmt.Errorf("RPC client not connected")
	}
	if _, err := a.src.BlockNumber(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

func (a *Adapter) Subscribe(ctx context.Context, cfg protov1.ListenerConfig) (*adapter.Stream, error) {
	filter, err := parseFilter(a.cfg.Chain, cfg)
	if err != nil {
		return nil, err
	}
	if len(filter.Topics) == 0 && a.resolver != nil {
		if topic0, ok := a.resolver(a.cfg.Chain, cfg.ContractAddress, cfg.EventName); ok {
			filter.Topics = [][]common.Hash{{topic0}}
		}
	}
	if err := a.connect(ctx); err != nil {
		return nil, err
	}

	p := &poller{
		a:      a,
		filter: filter,
		last:   cfg.LastProcessedPosition,
		logger: a.logger.With("listener", cfg.Key().String()),
	}
	return adapter.NewStream(ctx, 64, p.run), nil
}

type poller struct {
	a      *Adapter
	filter logFilter
	last   uint64
	logger *slog.Logger
}

func (p *poller) run(ctx context.Context, out chan<- adapter.RawChainEvent) {
	p.logger.Info("starting log poller",
		"from_block", p.last+1,
		"poll_interval", p.a.cfg.PollInterval,
		"confirmations", p.a.cfg.Confirmations,
	)

	var bo adapter.Backoff
	for {
		if err := p.poll(ctx, out); err != nil {
			if ctx.Err() != nil {
				break
			}
			metrics.AdapterReconnects.WithLabelValues(p.a.cfg.Chain.String()).Inc()
			p.logger.Warn("poll failed, retrying range", "from_block", p.last+1, "error", err)
			if !bo.Wait(ctx) {
				break
			}
			continue
		}
		bo.Reset()

		if !sleep(ctx, p.a.cfg.PollInterval) {
			break
		}
	}
	p.logger.Info("log poller stopped", "last_block", p.last)
}

// poll reads every confirmed block after p.last. p.last only advances after a
// range has been fully emitted, so a failure retries the same range.
func (p *poller) poll(ctx context.Context, out chan<- adapter.RawChainEvent) error {
	head, err := p.a.safeHead(ctx)
	if err != nil {
		return err
	}

	if p.last == 0 {
		p.last = head
		p.logger.Info("starting at chain head", "block", head)
		return nil
	}

	for p.last < head {
		from := p.last + 1
		to := from + p.a.cfg.MaxBlockRange - 1
		if to > head {
			to = head
		}

		events, err := p.fetchRange(ctx, from, to)
		if err != nil {
			return fmt.Errorf("fetch blocks %d-%d: %w", from, to, err)
		}

		for _, ev := range events {
			if !adapter.Emit(ctx, out, ev) {
				return ctx.Err()
			}
		}
		watermark := adapter.RawChainEvent{
			Chain:      p.a.cfg.Chain,
			Position:   to,
			Checkpoint: to,
			Watermark:  true,
		}
		if !adapter.Emit(ctx, out, watermark) {
			return ctx.Err()
		}
		p.last = to

		if len(events) > 0 {
			metrics.AdapterEventsReceived.WithLabelValues(p.a.cfg.Chain.String()).Add(float64(len(events)))
			p.logger.Debug("emitted logs", "from_block", from, "to_block", to, "count", len(events))
		}
	}
	return nil
}

func (p *poller) fetchRange(ctx context.Context, from, to uint64) ([]adapter.RawChainEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: p.filter.Addresses,
		Topics:    p.filter.Topics,
	}

	if err := p.a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	logs, err := p.a.src.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter logs: %w", err)
	}

	kept := make([]types.Log, 0, len(logs))
	for _, l := range logs {
		if !l.Removed {
			kept = append(kept, l)
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].BlockNumber != kept[j].BlockNumber {
			return kept[i].BlockNumber < kept[j].BlockNumber
		}
		return kept[i].Index < kept[j].Index
	})

	times := make(map[uint64]int64)
	for _, l := range kept {
		if _, ok := times[l.BlockNumber]; ok {
			continue
		}
		if err := p.a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		header, err := p.a.src.HeaderByNumber(ctx, new(big.Int).SetUint64(l.BlockNumber))
		if err != nil {
			return nil, fmt.Errorf("get header %d: %w", l.BlockNumber, err)
		}
		times[l.BlockNumber] = int64(header.Time)
	}

	events := make([]adapter.RawChainEvent, len(kept))
	for i := range kept {
		lastInBlock := i == len(kept)-1 || kept[i+1].BlockNumber != kept[i].BlockNumber
		events[i] = p.a.logToEvent(&kept[i], times[kept[i].BlockNumber], lastInBlock)
	}
	return events, nil
}

// logToEvent converts a log. The checkpoint stays on the previous block until
// the last log of a block, so a restart never skips part of a block.
func (a *Adapter) logToEvent(l *types.Log, timestamp int64, lastInBlock bool) adapter.RawChainEvent {
	topics := make([]string, len(l.Topics))
	for i, t := range l.Topics {
		topics[i] = t.Hex()
	}

	checkpoint := l.BlockNumber - 1
	if lastInBlock {
		checkpoint = l.BlockNumber
	}

	return adapter.RawChainEvent{
		Chain:           a.cfg.Chain,
		ContractAddress: strings.ToLower(l.Address.Hex()),
		Position:        l.BlockNumber,
		Identifier:      l.TxHash.Hex(),
		TxIdentifier:    l.TxHash.Hex(),
		Index:           uint32(l.Index),
		Checkpoint:      checkpoint,
		Timestamp:       timestamp,
		Topics:          topics,
		Payload:         l.Data,
	}
}

func (a *Adapter) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
)

type RelayConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval: 100 * time.Millisecond,
		BatchSize:    100,
	}
}

// Relay drains the outbox into broker sinks. An entry is marked published
// only after every sink accepted it; otherwise it goes back to pending with
// its retry count bumped.
type Relay struct {
	cfg    RelayConfig
	source OutboxSource
	sinks  []Sink
	logger *slog.Logger
}

func NewRelay(cfg RelayConfig, source OutboxSource, logger *slog.Logger, sinks ...Sink) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultRelayConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Relay{
		cfg:    cfg,
		source: source,
		sinks:  sinks,
		logger: logger.With("component", "outbox-relay"),
	}
}

func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("starting outbox relay",
		"poll_interval", r.cfg.PollInterval,
		"batch_size", r.cfg.BatchSize,
		"sinks", len(r.sinks),
	)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Poll(ctx); err != nil {
				r.logger.Error("poll and publish error", "error", err)
			}
		}
	}
}

type relayResult struct {
	seq int64
	err error
}

// Poll relays one batch and reports how many entries were published.
func (r *Relay) Poll(ctx context.Context) (int, error) {
	entries, err := r.source.FetchPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch pending: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	seqs := make([]int64, len(entries))
	for i, e := range entries {
		seqs[i] = e.Seq
	}
	claimed, err := r.source.MarkAsProcessing(ctx, seqs)
	if err != nil {
		return 0, fmt.Errorf("mark as processing: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	claimedSet := make(map[int64]bool, len(claimed))
	for _, seq := range claimed {
		claimedSet[seq] = true
	}

	var wg sync.WaitGroup
	results := make(chan relayResult, len(claimed))
	for _, e := range entries {
		if !claimedSet[e.Seq] {
			continue
		}
		wg.Add(1)
		go func(e OutboxEntry) {
			defer wg.Done()
			results <- relayResult{seq: e.Seq, err: r.publish(ctx, e.Message)}
		}(e)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var published []int64
	for res := range results {
		if res.err != nil {
			r.logger.Warn("failed to relay message", "seq", res.seq, "error", res.err)
			if err := r.source.MarkAsFailed(ctx, res.seq, res.err.Error()); err != nil {
				r.logger.Error("failed to mark message as failed", "seq", res.seq, "error", err)
			}
			continue
		}
		published = append(published, res.seq)
	}

	if len(published) > 0 {
		if err := r.source.MarkAsPublished(ctx, published); err != nil {
			return 0, fmt.Errorf("mark as published: %w", err)
		}
		r.logger.Debug("relayed messages", "count", len(published))
	}
	return len(published), nil
}

func (r *Relay) publish(ctx context.Context, msg Message) error {
	var errs error
	for _, s := range r.sinks {
		if err := s.Send(ctx, msg); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errs
}

func (r *Relay) Close() error {
	var errs error
	for _, s := range r.sinks {
		errs = multierr.Append(errs, s.Close())
	}
	return errs
}

package main

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/marko911/bridge-pulse/internal/notify"
)

// Outbox is the relay's view of the outbox table.
type Outbox interface {
	notify.OutboxSource
	RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

type PublisherConfig struct {
	Relay notify.RelayConfig
	// StuckAfter is how long a claimed message may stay in processing
	// before it is handed out again.
	StuckAfter time.Duration
}

// Publisher runs the relay alongside a sweeper for messages orphaned by a
// crashed publisher.
type Publisher struct {
	cfg    PublisherConfig
	outbox Outbox
	relay  *notify.Relay
	logger *slog.Logger
}

func NewPublisher(cfg PublisherConfig, outbox Outbox, logger *slog.Logger, sinks ...notify.Sink) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = time.Minute
	}
	return &Publisher{
		cfg:    cfg,
		outbox: outbox,
		relay:  notify.NewRelay(cfg.Relay, outbox, logger, sinks...),
		logger: logger,
	}
}

// Run blocks until ctx is cancelled, then flushes and closes the sinks.
func (p *Publisher) Run(ctx context.Context) error {
	// messages claimed before a previous crash
	p.recover(ctx)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.relay.Run(gCtx) })
	g.Go(func() error {
		p.recoverLoop(gCtx)
		return nil
	})

	err := g.Wait()
	p.logger.Info("shutting down publisher")
	return multierr.Append(err, p.relay.Close())
}

func (p *Publisher) recoverLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StuckAfter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.recover(ctx)
		}
	}
}

func (p *Publisher) recover(ctx context.Context) int64 {
	n, err := p.outbox.RecoverStuck(ctx, p.cfg.StuckAfter)
	if err != nil {
		p.logger.Error("recover stuck messages failed", "error", err)
		return 0
	}
	if n > 0 {
		p.logger.Warn("returned stuck messages to pending", "count", n)
	}
	return n
}

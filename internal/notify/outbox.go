package notify

import (
	"context"
	"time"
)

// OutboxEntry is a message buffered in the outbox table.
type OutboxEntry struct {
	Seq        int64
	Message    Message
	RetryCount int
	CreatedAt  time.Time
}

// OutboxWriter buffers messages durably.
type OutboxWriter interface {
	Enqueue(ctx context.Context, msg Message) error
}

// OutboxSource is the relay's view of the outbox. MarkAsProcessing returns
// the subset of seqs this caller claimed; concurrent relays see disjoint
// claims.
type OutboxSource interface {
	FetchPending(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkAsProcessing(ctx context.Context, seqs []int64) ([]int64, error)
	MarkAsPublished(ctx context.Context, seqs []int64) error
	MarkAsFailed(ctx context.Context, seq int64, errMsg string) error
}

// OutboxSink writes notifications to the outbox instead of a broker. A
// Relay drains it later, so a broker outage never loses notifications.
type OutboxSink struct {
	w OutboxWriter
}

func NewOutboxSink(w OutboxWriter) *OutboxSink {
	return &OutboxSink{w: w}
}

func (s *OutboxSink) Name() string { return "outbox" }

func (s *OutboxSink) Send(ctx context.Context, msg Message) error {
	return s.w.Enqueue(ctx, msg)
}

func (s *OutboxSink) Close() error { return nil }

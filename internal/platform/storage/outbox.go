package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/marko911/bridge-pulse/internal/notify"
)

var (
	_ notify.OutboxWriter = (*OutboxRepository)(nil)
	_ notify.OutboxSource = (*OutboxRepository)(nil)
)

// OutboxRepository buffers notifications until a relay publishes them.
type OutboxRepository struct {
	db *DB
}

func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Enqueue inserts msg. Re-enqueuing a message id is a no-op.
func (r *OutboxRepository) Enqueue(ctx context.Context, msg notify.Message) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO outbox (message_id, topic, partition_key, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id) DO NOTHING`,
		msg.ID, msg.Topic, msg.Key, []byte(msg.Payload))
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

// FetchPending returns pending messages in insertion order.
func (r *OutboxRepository) FetchPending(ctx context.Context, limit int) ([]notify.OutboxEntry, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, message_id, topic, partition_key, payload, status, retry_count, max_retries, last_error, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []notify.OutboxEntry
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.MessageID, &m.Topic, &m.Key, &m.Payload,
			&m.Status, &m.RetryCount, &m.MaxRetries, &m.LastError, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, m.toEntry())
	}
	return out, rows.Err()
}

func (m OutboxMessage) toEntry() notify.OutboxEntry {
	return notify.OutboxEntry{
		Seq: m.ID,
		Message: notify.Message{
			ID:      m.MessageID,
			Topic:   m.Topic,
			Key:     m.Key,
			Payload: m.Payload,
		},
		RetryCount: int(m.RetryCount),
		CreatedAt:  m.CreatedAt,
	}
}

// MarkAsProcessing claims the still-pending subset of seqs.
func (r *OutboxRepository) MarkAsProcessing(ctx context.Context, seqs []int64) ([]int64, error) {
	if len(seqs) == 0 {
		return nil, nil
	}
	rows, err := r.db.pool.Query(ctx, `
		UPDATE outbox
		SET status = 'processing', processed_at = $1
		WHERE id = ANY($2) AND status = 'pending'
		RETURNING id`, time.Now().UTC(), seqs)
	if err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}
	defer rows.Close()

	var claimed []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		claimed = append(claimed, id)
	}
	return claimed, rows.Err()
}

func (r *OutboxRepository) MarkAsPublished(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	_, err := r.db.pool.Exec(ctx, `
		UPDATE outbox
		SET status = 'published', published_at = $1
		WHERE id = ANY($2)`, time.Now().UTC(), seqs)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// MarkAsFailed returns the message to pending, or parks it as failed once
// its retries are spent.
func (r *OutboxRepository) MarkAsFailed(ctx context.Context, seq int64, errMsg string) error {
	_, err := r.db.pool.Exec(ctx, `
		UPDATE outbox
		SET status = CASE
				WHEN retry_count + 1 >= max_retries THEN 'failed'
				ELSE 'pending'
			END,
			retry_count = retry_count + 1,
			last_error = $1,
			processed_at = NULL
		WHERE id = $2`, errMsg, seq)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// RecoverStuck returns messages left in processing by a crashed relay to
// pending.
func (r *OutboxRepository) RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE outbox
		SET status = 'pending', processed_at = NULL
		WHERE status = 'processing' AND processed_at < $1`, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("recover stuck: %w", err)
	}
	return tag.RowsAffected(), nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/marko911/bridge-pulse/internal/bridge"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

var _ bridge.Store = (*BridgeRepository)(nil)

// BridgeRepository persists bridge operations and their proofs.
type BridgeRepository struct {
	db *DB
}

func NewBridgeRepository(db *DB) *BridgeRepository {
	return &BridgeRepository{db: db}
}

func (r *BridgeRepository) GetBridgeOperation(ctx context.Context, id string) (*protov1.BridgeOperation, error) {
	return r.getOne(ctx, `SELECT `+operationColumns+` FROM bridge_operations WHERE id = $1`, id)
}

func (r *BridgeRepository) FindBridgeOperationByMessageID(ctx context.Context, messageID string) (*protov1.BridgeOperation, error) {
	return r.getOne(ctx, `SELECT `+operationColumns+` FROM bridge_operations WHERE message_id = $1`,
		strings.ToLower(strings.TrimSpace(messageID)))
}

func (r *BridgeRepository) FindPendingOperation(ctx context.Context, m protov1.OperationMatch) (*protov1.BridgeOperation, error) {
	sql := `SELECT ` + operationColumns + `
		FROM bridge_operations
		WHERE status = $1 AND message_id IS NULL
		  AND nft_reference = $2 AND source_chain = $3 AND destination_chain = $4
		  AND lower(source_address) = lower($5)
		ORDER BY created_at ASC
		LIMIT 1`
	return r.getOne(ctx, sql, string(protov1.BridgeStatusPending), m.NFTReference,
		int16(m.SourceChain), int16(m.DestinationChain), m.SourceAddress)
}

// ListBridgeOperations returns matches newest first.
func (r *BridgeRepository) ListBridgeOperations(ctx context.Context, f protov1.OperationFilter) ([]*protov1.BridgeOperation, error) {
	where, args := operationFilterSQL(f)
	sql := `SELECT ` + operationColumns + ` FROM bridge_operations` + where + ` ORDER BY created_at DESC, id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return r.getMany(ctx, sql, args...)
}

// operationFilterSQL builds the WHERE clause for f, numbering placeholders
// from $1.
func operationFilterSQL(f protov1.OperationFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.SourceChain != protov1.Chain_CHAIN_UNSPECIFIED {
		add("source_chain = $%d", int16(f.SourceChain))
	}
	if f.DestinationChain != protov1.Chain_CHAIN_UNSPECIFIED {
		add("destination_chain = $%d", int16(f.DestinationChain))
	}
	if f.NFTReference != "" {
		add("nft_reference = $%d", f.NFTReference)
	}
	if f.Address != "" {
		args = append(args, f.Address)
		n := len(args)
		conds = append(conds, fmt.Sprintf("(lower(source_address) = lower($%d) OR lower(destination_address) = lower($%d))", n, n))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *BridgeRepository) FindOperationIDByProof(ctx context.Context, proofID string) (string, error) {
	var id string
	err := r.db.pool.QueryRow(ctx, `SELECT bridge_operation_id FROM verification_proofs WHERE id = $1`, proofID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query proof owner: %w", err)
	}
	return id, nil
}

func (r *BridgeRepository) ListStaleOperations(ctx context.Context, cutoff time.Time, limit int) ([]*protov1.BridgeOperation, error) {
	sql := `SELECT ` + operationColumns + `
		FROM bridge_operations
		WHERE status = $1 AND in_progress_at < $2
		ORDER BY in_progress_at ASC`
	args := []any{string(protov1.BridgeStatusInProgress), cutoff}
	if limit > 0 {
		sql += ` LIMIT $3`
		args = append(args, limit)
	}
	return r.getMany(ctx, sql, args...)
}

// Atomically runs fn against a transaction.
func (r *BridgeRepository) Atomically(ctx context.Context, fn func(w bridge.Writer) error) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(txWriter{tx: tx})
	})
}

type txWriter struct {
	tx pgx.Tx
}

func (w txWriter) UpsertBridgeOperation(ctx context.Context, op *protov1.BridgeOperation) error {
	rec, err := NewOperationRecord(op)
	if err != nil {
		return err
	}
	sql := `
		INSERT INTO bridge_operations (
			id, message_id, nft_reference, source_chain, destination_chain,
			source_address, destination_address, source_tx_identifier, destination_tx_identifier,
			status, error_reason, attempts, history, applied_events, in_progress_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14, $15,
			$16, $17
		)
		ON CONFLICT (id) DO UPDATE SET
			message_id = EXCLUDED.message_id,
			nft_reference = EXCLUDED.nft_reference,
			source_chain = EXCLUDED.source_chain,
			destination_chain = EXCLUDED.destination_chain,
			source_address = EXCLUDED.source_address,
			destination_address = EXCLUDED.destination_address,
			source_tx_identifier = EXCLUDED.source_tx_identifier,
			destination_tx_identifier = EXCLUDED.destination_tx_identifier,
			status = EXCLUDED.status,
			error_reason = EXCLUDED.error_reason,
			attempts = EXCLUDED.attempts,
			history = EXCLUDED.history,
			applied_events = EXCLUDED.applied_events,
			in_progress_at = EXCLUDED.in_progress_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err = w.tx.Exec(ctx, sql,
		rec.ID, rec.MessageID, rec.NFTReference, rec.SourceChain, rec.DestinationChain,
		rec.SourceAddress, rec.DestinationAddress, rec.SourceTxIdentifier, rec.DestinationTxIdentifier,
		rec.Status, rec.ErrorReason, rec.Attempts, rec.History, rec.AppliedEvents, rec.InProgressAt,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert operation %s: %w", op.ID, err)
	}
	return nil
}

func (w txWriter) AppendVerificationProof(ctx context.Context, p *protov1.VerificationProof) error {
	sql := `
		INSERT INTO verification_proofs (
			id, bridge_operation_id, proof_type, proof_data, is_verified, created_at, verified_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			is_verified = EXCLUDED.is_verified,
			verified_at = EXCLUDED.verified_at
	`
	_, err := w.tx.Exec(ctx, sql,
		p.ID, p.BridgeOperationID, p.ProofType, p.ProofData, p.IsVerified, p.CreatedAt, p.VerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert proof %s: %w", p.ID, err)
	}
	return nil
}

func (r *BridgeRepository) getOne(ctx context.Context, sql string, args ...any) (*protov1.BridgeOperation, error) {
	ops, err := r.getMany(ctx, sql, args...)
	if err != nil || len(ops) == 0 {
		return nil, err
	}
	return ops[0], nil
}

// getMany runs an operation query and attaches each operation's proofs.
func (r *BridgeRepository) getMany(ctx context.Context, sql string, args ...any) ([]*protov1.BridgeOperation, error) {
	ops, err := queryOperations(ctx, r.db.pool, sql, args...)
	if err != nil || len(ops) == 0 {
		return ops, err
	}
	if err := attachProofs(ctx, r.db.pool, ops); err != nil {
		return nil, err
	}
	return ops, nil
}

func queryOperations(ctx context.Context, q querier, sql string, args ...any) ([]*protov1.BridgeOperation, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var out []*protov1.BridgeOperation
	for rows.Next() {
		var rec OperationRecord
		if err := rows.Scan(rec.scanTargets()...); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op, err := rec.ToProto()
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func attachProofs(ctx context.Context, q querier, ops []*protov1.BridgeOperation) error {
	ids := make([]string, len(ops))
	byID := make(map[string]*protov1.BridgeOperation, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
		byID[op.ID] = op
	}

	rows, err := q.Query(ctx, `
		SELECT id, bridge_operation_id, proof_type, proof_data, is_verified, created_at, verified_at
		FROM verification_proofs
		WHERE bridge_operation_id = ANY($1)
		ORDER BY created_at ASC, id ASC`, ids)
	if err != nil {
		return fmt.Errorf("query proofs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p ProofRecord
		if err := rows.Scan(&p.ID, &p.BridgeOperationID, &p.ProofType, &p.ProofData, &p.IsVerified, &p.CreatedAt, &p.VerifiedAt); err != nil {
			return fmt.Errorf("scan proof: %w", err)
		}
		if op, ok := byID[p.BridgeOperationID]; ok {
			op.Proofs = append(op.Proofs, p.ToProto())
		}
	}
	return rows.Err()
}

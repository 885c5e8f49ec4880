package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/marko911/bridge-pulse/internal/listener"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

var _ listener.CheckpointStore = (*ListenerRepository)(nil)

// ListenerRepository persists listener rows and their checkpoints.
type ListenerRepository struct {
	db *DB
}

func NewListenerRepository(db *DB) *ListenerRepository {
	return &ListenerRepository{db: db}
}

const listenerColumns = `chain, contract_address, event_name, last_processed_position, filter_criteria, active, updated_at`

func (r *ListenerRepository) LoadListenerConfigs(ctx context.Context) ([]protov1.ListenerConfig, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT `+listenerColumns+`
		FROM listener_configs
		WHERE active
		ORDER BY chain, contract_address, event_name`)
	if err != nil {
		return nil, fmt.Errorf("query listeners: %w", err)
	}
	defer rows.Close()

	var out []protov1.ListenerConfig
	for rows.Next() {
		var rec ListenerRecord
		if err := rows.Scan(&rec.Chain, &rec.ContractAddress, &rec.EventName, &rec.LastProcessedPosition,
			&rec.FilterCriteria, &rec.Active, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan listener: %w", err)
		}
		cfg, err := rec.ToProto()
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// RegisterListener upserts an active row. A zero position keeps the stored
// checkpoint.
func (r *ListenerRepository) RegisterListener(ctx context.Context, cfg protov1.ListenerConfig) (protov1.ListenerConfig, error) {
	key := cfg.Key()
	var filter []byte
	if len(cfg.FilterCriteria) > 0 {
		var err error
		if filter, err = json.Marshal(cfg.FilterCriteria); err != nil {
			return cfg, fmt.Errorf("marshal filter: %w", err)
		}
	}

	sql := `
		INSERT INTO listener_configs (
			chain, contract_address, event_name, last_processed_position, filter_criteria, active, updated_at
		) VALUES ($1, $2, $3, $4, $5, TRUE, NOW())
		ON CONFLICT (chain, contract_address, event_name) DO UPDATE SET
			last_processed_position = CASE
				WHEN EXCLUDED.last_processed_position = 0 THEN listener_configs.last_processed_position
				ELSE EXCLUDED.last_processed_position
			END,
			filter_criteria = EXCLUDED.filter_criteria,
			active = TRUE,
			updated_at = NOW()
		RETURNING ` + listenerColumns

	var rec ListenerRecord
	err := r.db.pool.QueryRow(ctx, sql,
		int16(key.Chain), key.ContractAddress, key.EventName, int64(cfg.LastProcessedPosition), filter,
	).Scan(&rec.Chain, &rec.ContractAddress, &rec.EventName, &rec.LastProcessedPosition,
		&rec.FilterCriteria, &rec.Active, &rec.UpdatedAt)
	if err != nil {
		return cfg, fmt.Errorf("register listener %s: %w", key, err)
	}
	return rec.ToProto()
}

func (r *ListenerRepository) SaveListenerCheckpoint(ctx context.Context, key protov1.ListenerKey, position uint64) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO listener_configs (chain, contract_address, event_name, last_processed_position, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (chain, contract_address, event_name) DO UPDATE SET
			last_processed_position = EXCLUDED.last_processed_position,
			updated_at = NOW()`,
		int16(key.Chain), key.ContractAddress, key.EventName, int64(position))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", key, err)
	}
	return nil
}

func (r *ListenerRepository) SetListenerActive(ctx context.Context, key protov1.ListenerKey, active bool) error {
	_, err := r.db.pool.Exec(ctx, `
		UPDATE listener_configs SET active = $4, updated_at = NOW()
		WHERE chain = $1 AND contract_address = $2 AND event_name = $3`,
		int16(key.Chain), key.ContractAddress, key.EventName, active)
	if err != nil {
		return fmt.Errorf("set listener %s active=%t: %w", key, active, err)
	}
	return nil
}

package storage

import (
	"encoding/json"
	"fmt"
	"time"

	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

// OutboxStatus represents the processing state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusPublished  OutboxStatus = "published"
	OutboxStatusFailed     OutboxStatus = "failed"
)

// OperationRecord is a bridge_operations row.
type OperationRecord struct {
	ID                      string     `db:"id"`
	MessageID               *string    `db:"message_id"`
	NFTReference            string     `db:"nft_reference"`
	SourceChain             int16      `db:"source_chain"`
	DestinationChain        int16      `db:"destination_chain"`
	SourceAddress           string     `db:"source_address"`
	DestinationAddress      string     `db:"destination_address"`
	SourceTxIdentifier      string     `db:"source_tx_identifier"`
	DestinationTxIdentifier string     `db:"destination_tx_identifier"`
	Status                  string     `db:"status"`
	ErrorReason             string     `db:"error_reason"`
	Attempts                int32      `db:"attempts"`
	History                 []byte     `db:"history"`        // JSONB
	AppliedEvents           []string   `db:"applied_events"` // TEXT[]
	InProgressAt            *time.Time `db:"in_progress_at"`
	CreatedAt               time.Time  `db:"created_at"`
	UpdatedAt               time.Time  `db:"updated_at"`
}

// operationColumns is the select list matching OperationRecord.scanTargets.
const operationColumns = `id, message_id, nft_reference, source_chain, destination_chain,
	source_address, destination_address, source_tx_identifier, destination_tx_identifier,
	status, error_reason, attempts, history, applied_events, in_progress_at,
	created_at, updated_at`

func (r *OperationRecord) scanTargets() []any {
	return []any{
		&r.ID, &r.MessageID, &r.NFTReference, &r.SourceChain, &r.DestinationChain,
		&r.SourceAddress, &r.DestinationAddress, &r.SourceTxIdentifier, &r.DestinationTxIdentifier,
		&r.Status, &r.ErrorReason, &r.Attempts, &r.History, &r.AppliedEvents, &r.InProgressAt,
		&r.CreatedAt, &r.UpdatedAt,
	}
}

// NewOperationRecord converts an operation to its row. Proofs live in their
// own table and are not part of the row.
func NewOperationRecord(op *protov1.BridgeOperation) (*OperationRecord, error) {
	history, err := json.Marshal(op.History)
	if err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}
	rec := &OperationRecord{
		ID:                      op.ID,
		NFTReference:            op.NFTReference,
		SourceChain:             int16(op.SourceChain),
		DestinationChain:        int16(op.DestinationChain),
		SourceAddress:           op.SourceAddress,
		DestinationAddress:      op.DestinationAddress,
		SourceTxIdentifier:      op.SourceTxIdentifier,
		DestinationTxIdentifier: op.DestinationTxIdentifier,
		Status:                  string(op.Status),
		ErrorReason:             op.ErrorReason,
		Attempts:                int32(op.Attempts),
		History:                 history,
		AppliedEvents:           op.AppliedEvents,
		InProgressAt:            op.InProgressAt,
		CreatedAt:               op.CreatedAt,
		UpdatedAt:               op.UpdatedAt,
	}
	if op.MessageID != "" {
		rec.MessageID = &op.MessageID
	}
	if rec.AppliedEvents == nil {
		rec.AppliedEvents = []string{}
	}
	return rec, nil
}

// ToProto converts the row back. Proofs are left empty.
func (r *OperationRecord) ToProto() (*protov1.BridgeOperation, error) {
	op := &protov1.BridgeOperation{
		ID:                      r.ID,
		NFTReference:            r.NFTReference,
		SourceChain:             protov1.Chain(r.SourceChain),
		DestinationChain:        protov1.Chain(r.DestinationChain),
		SourceAddress:           r.SourceAddress,
		DestinationAddress:      r.DestinationAddress,
		SourceTxIdentifier:      r.SourceTxIdentifier,
		DestinationTxIdentifier: r.DestinationTxIdentifier,
		Status:                  protov1.BridgeStatus(r.Status),
		ErrorReason:             r.ErrorReason,
		Attempts:                int(r.Attempts),
		AppliedEvents:           r.AppliedEvents,
		InProgressAt:            r.InProgressAt,
		CreatedAt:               r.CreatedAt,
		UpdatedAt:               r.UpdatedAt,
		Proofs:                  []protov1.VerificationProof{},
	}
	if r.MessageID != nil {
		op.MessageID = *r.MessageID
	}
	if len(r.History) > 0 {
		if err := json.Unmarshal(r.History, &op.History); err != nil {
			return nil, fmt.Errorf("unmarshal history of %s: %w", r.ID, err)
		}
	}
	return op, nil
}

// ProofRecord is a verification_proofs row.
type ProofRecord struct {
	ID                string     `db:"id"`
	BridgeOperationID string     `db:"bridge_operation_id"`
	ProofType         string     `db:"proof_type"`
	ProofData         []byte     `db:"proof_data"`
	IsVerified        bool       `db:"is_verified"`
	CreatedAt         time.Time  `db:"created_at"`
	VerifiedAt        *time.Time `db:"verified_at"`
}

func (r ProofRecord) ToProto() protov1.VerificationProof {
	return protov1.VerificationProof{
		ID:                r.ID,
		BridgeOperationID: r.BridgeOperationID,
		ProofType:         r.ProofType,
		ProofData:         r.ProofData,
		IsVerified:        r.IsVerified,
		CreatedAt:         r.CreatedAt,
		VerifiedAt:        r.VerifiedAt,
	}
}

// ListenerRecord is a listener_configs row.
type ListenerRecord struct {
	Chain                 int16     `db:"chain"`
	ContractAddress       string    `db:"contract_address"`
	EventName             string    `db:"event_name"`
	LastProcessedPosition int64     `db:"last_processed_position"`
	FilterCriteria        []byte    `db:"filter_criteria"` // JSONB
	Active                bool      `db:"active"`
	UpdatedAt             time.Time `db:"updated_at"`
}

func (r ListenerRecord) ToProto() (protov1.ListenerConfig, error) {
	cfg := protov1.ListenerConfig{
		ListenerKey: protov1.ListenerKey{
			Chain:           protov1.Chain(r.Chain),
			ContractAddress: r.ContractAddress,
			EventName:       r.EventName,
		},
		LastProcessedPosition: uint64(r.LastProcessedPosition),
		Active:                r.Active,
	}
	if len(r.FilterCriteria) > 0 && string(r.FilterCriteria) != "null" {
		if err := json.Unmarshal(r.FilterCriteria, &cfg.FilterCriteria); err != nil {
			return cfg, fmt.Errorf("unmarshal filter of %s: %w", cfg.ListenerKey, err)
		}
	}
	return cfg, nil
}

// OutboxMessage represents a message in the transactional outbox.
type OutboxMessage struct {
	ID         int64        `db:"id"`
	MessageID  string       `db:"message_id"`
	Topic      string       `db:"topic"`
	Key        string       `db:"partition_key"`
	Payload    []byte       `db:"payload"`
	Status     OutboxStatus `db:"status"`
	RetryCount int32        `db:"retry_count"`
	MaxRetries int32        `db:"max_retries"`
	LastError  *string      `db:"last_error"`
	CreatedAt  time.Time    `db:"created_at"`
}

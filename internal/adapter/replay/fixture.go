package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Fixture types written by cmd/fixture-recorder.
const (
	FixtureLogs     = "logs"
	FixtureAccounts = "accounts"
)

// Fixture is the envelope of one recorded file.
type Fixture struct {
	Chain       string          `json:"chain"`
	Type        string          `json:"type"`
	RecordedAt  time.Time       `json:"recorded_at"`
	BlockNumber uint64          `json:"block_number,omitempty"`
	BlockHash   string          `json:"block_hash,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// EVMLogFixture represents a recorded EVM log.
type EVMLogFixture struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber uint64   `json:"block_number"`
	BlockTime   uint64   `json:"block_time,omitempty"`
	TxHash      string   `json:"tx_hash"`
	TxIndex     uint     `json:"tx_index"`
	BlockHash   string   `json:"block_hash"`
	LogIndex    uint     `json:"log_index"`
	Removed     bool     `json:"removed"`
}

// SolanaAccountFixture represents one recorded account state.
type SolanaAccountFixture struct {
	Pubkey    string `json:"pubkey"`
	Owner     string `json:"owner"`
	Slot      uint64 `json:"slot"`
	Signature string `json:"signature,omitempty"`
	BlockTime int64  `json:"block_time,omitempty"`
	Lamports  uint64 `json:"lamports"`
	DataLen   int    `json:"data_len"`
	// Data is base64 encoded.
	Data string `json:"data,omitempty"`
}

// NewFixture wraps data in an envelope.
func NewFixture(chain, typ string, block uint64, data any) (Fixture, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Fixture{}, fmt.Errorf("marshal %s fixture: %w", typ, err)
	}
	return Fixture{
		Chain:       chain,
		Type:        typ,
		RecordedAt:  time.Now().UTC(),
		BlockNumber: block,
		Data:        raw,
	}, nil
}

// SaveFixture writes fixture as indented JSON.
func SaveFixture(filename string, fixture Fixture) error {
	data, err := json.MarshalIndent(fixture, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal fixture: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write fixture: %w", err)
	}

	return nil
}

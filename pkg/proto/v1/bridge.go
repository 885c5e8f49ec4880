package protov1

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// EventKind classifies a normalized chain occurrence.
type EventKind string

const (
	EventKindBridgeSent     EventKind = "BridgeSent"
	EventKindBridgeReceived EventKind = "BridgeReceived"
	EventKindBridgeReverted EventKind = "BridgeReverted"
	EventKindProofAttested  EventKind = "ProofAttested"
	EventKindTransfer       EventKind = "Transfer"
	EventKindMint           EventKind = "Mint"
	EventKindBurn           EventKind = "Burn"
)

// DrivesBridge reports whether events of this kind are applied to a BridgeOperation.
func (k EventKind) DrivesBridge() bool {
	switch k {
	case EventKindBridgeSent, EventKindBridgeReceived, EventKindBridgeReverted, EventKindProofAttested:
		return true
	default:
		return false
	}
}

func ParseEventKind(s string) (EventKind, error) {
	k := EventKind(s)
	switch k {
	case EventKindBridgeSent, EventKindBridgeReceived, EventKindBridgeReverted,
		EventKindProofAttested, EventKindTransfer, EventKindMint, EventKindBurn:
		return k, nil
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

// Attribute keys shared by decoders and the state machine.
const (
	AttrMessageID        = "messageId"
	AttrNFTReference     = "nftReference"
	AttrTokenID          = "tokenId"
	AttrSourceChain      = "sourceChain"
	AttrDestinationChain = "destinationChain"
	AttrSender           = "sender"
	AttrRecipient        = "recipient"
	AttrFrom             = "from"
	AttrTo               = "to"
	AttrNonce            = "nonce"
	AttrProvider         = "provider"
	AttrProofType        = "proofType"
	AttrProofData        = "proofData"
	AttrVerified         = "verified"
	AttrReason           = "reason"
	AttrMessageType      = "messageType"
)

// DomainEvent is the chain-agnostic form of a classified raw event. Immutable once built.
type DomainEvent struct {
	ID              string            `json:"id"`
	Kind            EventKind         `json:"kind"`
	Chain           Chain             `json:"chain"`
	ContractAddress string            `json:"contract_address"`
	TxIdentifier    string            `json:"tx_identifier"`
	Position        uint64            `json:"position"`
	Timestamp       time.Time         `json:"timestamp"`
	Attributes      map[string]string `json:"attributes"`
}

// NotificationKey orders notifications about one message together.
func (e *DomainEvent) NotificationKey() string {
	if id := e.Attr(AttrMessageID); id != "" {
		return id
	}
	return e.ID
}

func (e *DomainEvent) Attr(key string) string {
	if e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// EventID derives the deterministic identifier of an event from its chain coordinates.
func EventID(chain Chain, position uint64, identifier string, index uint32) string {
	data := fmt.Sprintf("%s:%d:%s:%d", chain, position, identifier, index)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:16])
}

// BridgeStatus is the lifecycle state of a BridgeOperation.
type BridgeStatus string

const (
	BridgeStatusPending    BridgeStatus = "PENDING"
	BridgeStatusInProgress BridgeStatus = "IN_PROGRESS"
	BridgeStatusCompleted  BridgeStatus = "COMPLETED"
	BridgeStatusFailed     BridgeStatus = "FAILED"
)

func (s BridgeStatus) IsTerminal() bool {
	return s == BridgeStatusCompleted || s == BridgeStatusFailed
}

// Transition records one status change for audit.
type Transition struct {
	From   BridgeStatus `json:"from"`
	To     BridgeStatus `json:"to"`
	Reason string       `json:"reason,omitempty"`
	At     time.Time    `json:"at"`
}

// VerificationProof is evidence that a cross-chain message is authentic.
type VerificationProof struct {
	ID                string     `json:"id"`
	BridgeOperationID string     `json:"bridge_operation_id"`
	ProofType         string     `json:"proof_type"`
	ProofData         []byte     `json:"proof_data"`
	IsVerified        bool       `json:"is_verified"`
	CreatedAt         time.Time  `json:"created_at"`
	VerifiedAt        *time.Time `json:"verified_at,omitempty"`
}

// BridgeOperation tracks one cross-chain transfer from send to receive.
type BridgeOperation struct {
	ID                      string              `json:"id"`
	MessageID               string              `json:"message_id,omitempty"`
	NFTReference            string              `json:"nft_reference"`
	SourceChain             Chain               `json:"source_chain"`
	DestinationChain        Chain               `json:"destination_chain"`
	SourceAddress           string              `json:"source_address"`
	DestinationAddress      string              `json:"destination_address"`
	SourceTxIdentifier      string              `json:"source_tx_identifier,omitempty"`
	DestinationTxIdentifier string              `json:"destination_tx_identifier,omitempty"`
	Status                  BridgeStatus        `json:"status"`
	ErrorReason             string              `json:"error_reason,omitempty"`
	Proofs                  []VerificationProof `json:"proofs"`
	Attempts                int                 `json:"attempts"`
	History                 []Transition        `json:"history,omitempty"`
	AppliedEvents           []string            `json:"-"`
	InProgressAt            *time.Time          `json:"in_progress_at,omitempty"`
	CreatedAt               time.Time           `json:"created_at"`
	UpdatedAt               time.Time           `json:"updated_at"`
}

func (op *BridgeOperation) NotificationKey() string { return op.ID }

func (op *BridgeOperation) HasApplied(eventID string) bool {
	for _, id := range op.AppliedEvents {
		if id == eventID {
			return true
		}
	}
	return false
}

// ReceiveObserved reports whether a destination-chain receive has been recorded.
func (op *BridgeOperation) ReceiveObserved() bool {
	return op.DestinationTxIdentifier != ""
}

func (op *BridgeOperation) Proof(id string) (*VerificationProof, bool) {
	for i := range op.Proofs {
		if op.Proofs[i].ID == id {
			return &op.Proofs[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy.
func (op *BridgeOperation) Clone() *BridgeOperation {
	if op == nil {
		return nil
	}
	out := *op
	out.Proofs = make([]VerificationProof, len(op.Proofs))
	for i, p := range op.Proofs {
		out.Proofs[i] = p.Clone()
	}
	out.History = append([]Transition(nil), op.History...)
	out.AppliedEvents = append([]string(nil), op.AppliedEvents...)
	if op.InProgressAt != nil {
		t := *op.InProgressAt
		out.InProgressAt = &t
	}
	return &out
}

func (p VerificationProof) Clone() VerificationProof {
	out := p
	out.ProofData = append([]byte(nil), p.ProofData...)
	if p.VerifiedAt != nil {
		t := *p.VerifiedAt
		out.VerifiedAt = &t
	}
	return out
}

// OperationFilter narrows ListBridgeOperations. Zero fields match everything.
type OperationFilter struct {
	Status           BridgeStatus
	SourceChain      Chain
	DestinationChain Chain
	NFTReference     string
	Address          string
	Limit            int
	Offset           int
}

func (f OperationFilter) Matches(op *BridgeOperation) bool {
	if f.Status != "" && op.Status != f.Status {
		return false
	}
	if f.SourceChain != Chain_CHAIN_UNSPECIFIED && op.SourceChain != f.SourceChain {
		return false
	}
	if f.DestinationChain != Chain_CHAIN_UNSPECIFIED && op.DestinationChain != f.DestinationChain {
		return false
	}
	if f.NFTReference != "" && op.NFTReference != f.NFTReference {
		return false
	}
	if f.Address != "" && !strings.EqualFold(op.SourceAddress, f.Address) && !strings.EqualFold(op.DestinationAddress, f.Address) {
		return false
	}
	return true
}

// OperationMatch identifies a PENDING operation created by an explicit initiation
// that a freshly observed send may belong to.
type OperationMatch struct {
	NFTReference     string
	SourceChain      Chain
	SourceAddress    string
	DestinationChain Chain
}

// ListenerKey identifies one observed (chain, contract, event) combination.
type ListenerKey struct {
	Chain           Chain  `json:"chain" yaml:"chain"`
	ContractAddress string `json:"contract_address" yaml:"contract"`
	EventName       string `json:"event_name" yaml:"event"`
}

// NewListenerKey builds a key with the contract address normalized for the chain.
func NewListenerKey(chain Chain, contract, eventName string) ListenerKey {
	return ListenerKey{Chain: chain, ContractAddress: NormalizeAddress(chain, contract), EventName: eventName}
}

func (k ListenerKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Chain, k.ContractAddress, k.EventName)
}

// NormalizeAddress lowercases hex addresses; base58 addresses are case sensitive.
func NormalizeAddress(chain Chain, addr string) string {
	addr = strings.TrimSpace(addr)
	if chain.IsEVM() {
		return strings.ToLower(addr)
	}
	return addr
}

// ListenerConfig identifies a subscription and its durable progress.
type ListenerConfig struct {
	ListenerKey           `yaml:",inline"`
	LastProcessedPosition uint64         `json:"last_processed_position" yaml:"start_position"`
	FilterCriteria        map[string]any `json:"filter_criteria,omitempty" yaml:"filter"`
	Active                bool           `json:"active" yaml:"-"`
}

func (c ListenerConfig) Key() ListenerKey {
	return NewListenerKey(c.Chain, c.ContractAddress, c.EventName)
}

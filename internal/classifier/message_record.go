package classifier

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/marko911/bridge-pulse/internal/adapter"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

// MessageStatus is the on-chain status of a bridge message account.
type MessageStatus uint8

const (
	MessageStatusPending   MessageStatus = 1
	MessageStatusInFlight  MessageStatus = 2
	MessageStatusDelivered MessageStatus = 3
	MessageStatusFailed    MessageStatus = 4
	MessageStatusCompleted MessageStatus = 5
)

func (s MessageStatus) String() string {
	switch s {
	case MessageStatusPending:
		return "pending"
	case MessageStatusInFlight:
		return "in_flight"
	case MessageStatusDelivered:
		return "delivered"
	case MessageStatusFailed:
		return "failed"
	case MessageStatusCompleted:
		return "completed"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

type MessageType uint8

const (
	MessageTypeNFTData        MessageType = 1
	MessageTypeTokenTransfer  MessageType = 2
	MessageTypeMarketActivity MessageType = 3
	MessageTypeWalletHistory  MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeNFTData:
		return "nft_data"
	case MessageTypeTokenTransfer:
		return "token_transfer"
	case MessageTypeMarketActivity:
		return "market_activity"
	case MessageTypeWalletHistory:
		return "wallet_history"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// MessageRecord is the borsh layout of the bridge program's per-message account.
type MessageRecord struct {
	IsInitialized      bool
	MessageID          [32]byte
	SourceChainID      uint32
	DestinationChainID uint32
	MessageType        uint8
	Sender             solana.PublicKey
	Status             uint8
	Timestamp          uint64
	ResponseData       *[]byte `bin:"optional"`
}

// MessageRecordDecoder classifies MessageRecord account updates of the
// bridge program. The direction is taken from the local endpoint id.
type MessageRecordDecoder struct {
	localEID uint32
}

func NewMessageRecordDecoder() *MessageRecordDecoder {
	return &MessageRecordDecoder{localEID: protov1.Chain_CHAIN_SOLANA.EndpointID()}
}

func DecodeMessageRecord(data []byte) (*MessageRecord, error) {
	var rec MessageRecord
	if err := bin.NewBorshDecoder(data).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode message record: %w", err)
	}
	return &rec, nil
}

func (d *MessageRecordDecoder) Decode(raw adapter.RawChainEvent, eventName string) (*Decoded, error) {
	if eventName != AnyEvent && eventName != "MessageRecord" {
		return nil, nil
	}
	rec, err := DecodeMessageRecord(raw.Payload)
	if err != nil {
		return nil, err
	}
	if !rec.IsInitialized {
		return nil, nil
	}

	status := MessageStatus(rec.Status)
	switch status {
	case MessageStatusPending, MessageStatusInFlight, MessageStatusDelivered,
		MessageStatusFailed, MessageStatusCompleted:
	default:
		return nil, fmt.Errorf("unknown message status %d", rec.Status)
	}

	var kind protov1.EventKind
	switch d.localEID {
	case rec.SourceChainID:
		switch status {
		case MessageStatusPending, MessageStatusInFlight:
			kind = protov1.EventKindBridgeSent
		case MessageStatusFailed:
			kind = protov1.EventKindBridgeReverted
		default:
			return nil, nil
		}
	case rec.DestinationChainID:
		switch status {
		case MessageStatusDelivered, MessageStatusCompleted:
			kind = protov1.EventKindBridgeReceived
		case MessageStatusFailed:
			kind = protov1.EventKindBridgeReverted
		default:
			return nil, nil
		}
	default:
		return nil, fmt.Errorf("message %x does not involve endpoint %d", rec.MessageID, d.localEID)
	}

	src, err := chainFromEID(rec.SourceChainID)
	if err != nil {
		return nil, err
	}
	dst, err := chainFromEID(rec.DestinationChainID)
	if err != nil {
		return nil, err
	}

	attrs := map[string]string{
		protov1.AttrMessageID:        hexutil.Encode(rec.MessageID[:]),
		protov1.AttrSourceChain:      src.String(),
		protov1.AttrDestinationChain: dst.String(),
		protov1.AttrMessageType:      MessageType(rec.MessageType).String(),
		protov1.AttrSender:           rec.Sender.String(),
		protov1.AttrProvider:         ProviderLayerZero,
	}
	if kind == protov1.EventKindBridgeReverted {
		attrs[protov1.AttrReason] = "program reported message failed"
		if rec.ResponseData != nil && len(*rec.ResponseData) > 0 {
			attrs[protov1.AttrReason] = fmt.Sprintf("program reported message failed: %s", string(*rec.ResponseData))
		}
	}
	return &Decoded{Kind: kind, Attributes: attrs}, nil
}

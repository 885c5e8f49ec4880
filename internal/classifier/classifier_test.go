package classifier

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/marko911/bridge-pulse/internal/adapter"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

const onftContract = "0x00000000000000000000000000000000000000AA"

func mustONFT(t *testing.T) *ABIDecoder {
	t.Helper()
	d, err := NewLayerZeroONFTDecoder()
	if err != nil {
		t.Fatalf("NewLayerZeroONFTDecoder() error = %v", err)
	}
	return d
}

// encodeLog builds a raw log for event name with the given indexed topics
// and non-indexed values.
func encodeLog(t *testing.T, d *ABIDecoder, name string, topics []common.Hash, values ...any) adapter.RawChainEvent {
	t.Helper()
	ev, ok := d.abi.Events[name]
	if !ok {
		t.Fatalf("no event %s", name)
	}
	data, err := ev.Inputs.NonIndexed().Pack(values...)
	if err != nil {
		t.Fatalf("pack %s: %v", name, err)
	}
	hexTopics := []string{ev.ID.Hex()}
	for _, tp := range topics {
		hexTopics = append(hexTopics, tp.Hex())
	}
	return adapter.RawChainEvent{
		Chain:           protov1.Chain_CHAIN_ETHEREUM,
		ContractAddress: onftContract,
		Position:        100,
		Identifier:      "0xtx",
		TxIdentifier:    "0xtx",
		Index:           3,
		Timestamp:       1700000000,
		Topics:          hexTopics,
		Payload:         data,
	}
}

func addrTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

var (
	guid   = common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")
	sender = common.HexToAddress("0x00000000000000000000000000000000000000Bb")
)

func TestONFTSent(t *testing.T) {
	d := mustONFT(t)
	raw := encodeLog(t, d, "ONFTSent", []common.Hash{guid, addrTopic(sender)},
		protov1.Chain_CHAIN_ARBITRUM.EndpointID(), big.NewInt(42))

	got, err := d.Decode(raw, "ONFTSent")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got == nil {
		t.Fatal("Decode() = nil, want BridgeSent")
	}
	if got.Kind != protov1.EventKindBridgeSent {
		t.Errorf("Kind = %s, want BridgeSent", got.Kind)
	}

	want := map[string]string{
		protov1.AttrMessageID:        guid.Hex(),
		protov1.AttrSourceChain:      "ethereum",
		protov1.AttrDestinationChain: "arbitrum",
		protov1.AttrSender:           "0x00000000000000000000000000000000000000bb",
		protov1.AttrTokenID:          "42",
		protov1.AttrNFTReference:     "ethereum:0x00000000000000000000000000000000000000aa:42",
		protov1.AttrProvider:         "layerzero",
	}
	for k, v := range want {
		if got.Attributes[k] != v {
			t.Errorf("attribute %s = %q, want %q", k, got.Attributes[k], v)
		}
	}
}

func TestONFTReceived(t *testing.T) {
	d := mustONFT(t)
	raw := encodeLog(t, d, "ONFTReceived", []common.Hash{guid, addrTopic(sender)},
		protov1.Chain_CHAIN_SOLANA.EndpointID(), big.NewInt(7))
	raw.Chain = protov1.Chain_CHAIN_BASE

	got, err := d.Decode(raw, AnyEvent)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Kind != protov1.EventKindBridgeReceived {
		t.Errorf("Kind = %s, want BridgeReceived", got.Kind)
	}
	if got.Attributes[protov1.AttrSourceChain] != "solana" || got.Attributes[protov1.AttrDestinationChain] != "base" {
		t.Errorf("chains = %s -> %s, want solana -> base",
			got.Attributes[protov1.AttrSourceChain], got.Attributes[protov1.AttrDestinationChain])
	}
	if got.Attributes[protov1.AttrRecipient] != "0x00000000000000000000000000000000000000bb" {
		t.Errorf("recipient = %s", got.Attributes[protov1.AttrRecipient])
	}
}

func TestPayloadVerified_MessageIDMatchesGUID(t *testing.T) {
	d := mustONFT(t)
	h := PacketHeader{
		Version:  1,
		Nonce:    9,
		SrcEID:   protov1.Chain_CHAIN_ETHEREUM.EndpointID(),
		Sender:   common.BytesToHash(sender.Bytes()),
		DstEID:   protov1.Chain_CHAIN_POLYGON.EndpointID(),
		Receiver: common.HexToHash("0x02"),
	}
	proofHash := [32]byte{0xab}
	raw := encodeLog(t, d, "PayloadVerified", nil,
		common.HexToAddress("0xd1"), h.Encode(), big.NewInt(15), proofHash)

	got, err := d.Decode(raw, "PayloadVerified")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Kind != protov1.EventKindProofAttested {
		t.Errorf("Kind = %s, want ProofAttested", got.Kind)
	}
	if got.Attributes[protov1.AttrMessageID] != h.GUID().Hex() {
		t.Errorf("messageId = %s, want %s", got.Attributes[protov1.AttrMessageID], h.GUID().Hex())
	}
	if got.Attributes[protov1.AttrVerified] != "true" || got.Attributes[protov1.AttrProofType] != "dvn" {
		t.Errorf("proof attrs = %v", got.Attributes)
	}
	if got.Attributes[protov1.AttrNonce] != "9" {
		t.Errorf("nonce = %s, want 9", got.Attributes[protov1.AttrNonce])
	}
}

func TestPacketHeader_RoundTrip(t *testing.T) {
	h := PacketHeader{Version: 1, Nonce: 1 << 40, SrcEID: 30101, DstEID: 30168, Sender: common.HexToHash("0x01"), Receiver: common.HexToHash("0x02")}
	got, err := ParsePacketHeader(h.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if got != h {
		t.Errorf("ParsePacketHeader() = %+v, want %+v", got, h)
	}
	if _, err := ParsePacketHeader(make([]byte, 80)); err == nil {
		t.Error("ParsePacketHeader(80 bytes) error = nil, want error")
	}
}

func TestLzReceiveAlert(t *testing.T) {
	d := mustONFT(t)
	origin := struct {
		SrcEid uint32
		Sender [32]byte
		Nonce  uint64
	}{SrcEid: protov1.Chain_CHAIN_OPTIMISM.EndpointID(), Nonce: 4}
	raw := encodeLog(t, d, "LzReceiveAlert",
		[]common.Hash{addrTopic(sender), addrTopic(common.HexToAddress("0xe1"))},
		origin, [32]byte(guid), big.NewInt(200000), big.NewInt(0), []byte{}, []byte{}, []byte{0xde, 0xad})

	got, err := d.Decode(raw, "LzReceiveAlert")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Kind != protov1.EventKindBridgeReverted {
		t.Errorf("Kind = %s, want BridgeReverted", got.Kind)
	}
	if got.Attributes[protov1.AttrSourceChain] != "optimism" {
		t.Errorf("sourceChain = %s, want optimism", got.Attributes[protov1.AttrSourceChain])
	}
	if got.Attributes[protov1.AttrReason] != "lzReceive reverted: 0xdead" {
		t.Errorf("reason = %q", got.Attributes[protov1.AttrReason])
	}
	if got.Attributes[protov1.AttrNonce] != "4" {
		t.Errorf("nonce = %s, want 4", got.Attributes[protov1.AttrNonce])
	}
}

func TestERC721Transfer(t *testing.T) {
	d := mustONFT(t)
	zero := common.Address{}
	other := common.HexToAddress("0xcc")

	tests := []struct {
		name     string
		from, to common.Address
		want     protov1.EventKind
	}{
		{"mint", zero, other, protov1.EventKindMint},
		{"burn", other, zero, protov1.EventKindBurn},
		{"transfer", sender, other, protov1.EventKindTransfer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := encodeLog(t, d, "Transfer",
				[]common.Hash{addrTopic(tt.from), addrTopic(tt.to), common.BigToHash(big.NewInt(5))})
			got, err := d.Decode(raw, "Transfer")
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got.Kind != tt.want {
				t.Errorf("Kind = %s, want %s", got.Kind, tt.want)
			}
			if got.Attributes[protov1.AttrTokenID] != "5" {
				t.Errorf("tokenId = %s, want 5", got.Attributes[protov1.AttrTokenID])
			}
		})
	}
}

func TestABIDecoder_NotRecognized(t *testing.T) {
	d := mustONFT(t)
	raw := encodeLog(t, d, "ONFTSent", []common.Hash{guid, addrTopic(sender)},
		protov1.Chain_CHAIN_ARBITRUM.EndpointID(), big.NewInt(1))

	if got, err := d.Decode(raw, "ONFTReceived"); got != nil || err != nil {
		t.Errorf("Decode(other event) = %v, %v, want nil, nil", got, err)
	}

	raw.Topics[0] = common.HexToHash("0x1234").Hex()
	if got, err := d.Decode(raw, AnyEvent); got != nil || err != nil {
		t.Errorf("Decode(unknown topic) = %v, %v, want nil, nil", got, err)
	}

	if got, err := d.Decode(adapter.RawChainEvent{}, AnyEvent); got != nil || err != nil {
		t.Errorf("Decode(no topics) = %v, %v, want nil, nil", got, err)
	}
}

func TestABIDecoder_Malformed(t *testing.T) {
	d := mustONFT(t)

	truncated := encodeLog(t, d, "ONFTSent", []common.Hash{guid, addrTopic(sender)},
		protov1.Chain_CHAIN_ARBITRUM.EndpointID(), big.NewInt(1))
	truncated.Payload = truncated.Payload[:20]

	unknownEID := encodeLog(t, d, "ONFTSent", []common.Hash{guid, addrTopic(sender)},
		uint32(99999), big.NewInt(1))

	missingTopic := encodeLog(t, d, "ONFTSent", []common.Hash{guid},
		protov1.Chain_CHAIN_ARBITRUM.EndpointID(), big.NewInt(1))

	for name, raw := range map[string]adapter.RawChainEvent{
		"truncated":     truncated,
		"unknown eid":   unknownEID,
		"missing topic": missingTopic,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := d.Decode(raw, "ONFTSent"); err == nil {
				t.Error("Decode() error = nil, want error")
			}
		})
	}
}

func TestABIDecoder_EventID(t *testing.T) {
	d := mustONFT(t)
	id, ok := d.EventID("ONFTSent")
	if !ok {
		t.Fatal("EventID(ONFTSent) not found")
	}
	if id != d.abi.Events["ONFTSent"].ID {
		t.Errorf("EventID = %s, want %s", id.Hex(), d.abi.Events["ONFTSent"].ID.Hex())
	}
	if _, ok := d.EventID("Approval"); ok {
		t.Error("EventID(Approval) found, want missing")
	}
}

func TestBindingDecoder(t *testing.T) {
	d, err := NewBindingDecoder(LayerZeroONFTABI(), map[string]Binding{
		"ONFTSent": {
			Kind:       protov1.EventKindBridgeSent,
			Attributes: map[string]string{"guid": protov1.AttrMessageID, "fromAddress": protov1.AttrSender},
			NFTFrom:    "tokenId",
		},
	})
	if err != nil {
		t.Fatalf("NewBindingDecoder() error = %v", err)
	}

	raw := encodeLog(t, d, "ONFTSent", []common.Hash{guid, addrTopic(sender)},
		protov1.Chain_CHAIN_ARBITRUM.EndpointID(), big.NewInt(3))
	got, err := d.Decode(raw, "ONFTSent")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Attributes[protov1.AttrMessageID] != guid.Hex() {
		t.Errorf("messageId = %s", got.Attributes[protov1.AttrMessageID])
	}
	if got.Attributes[protov1.AttrNFTReference] != "ethereum:0x00000000000000000000000000000000000000aa:3" {
		t.Errorf("nftReference = %s", got.Attributes[protov1.AttrNFTReference])
	}

	if _, err := NewBindingDecoder(LayerZeroONFTABI(), map[string]Binding{"Nope": {Kind: protov1.EventKindTransfer}}); err == nil {
		t.Error("NewBindingDecoder(unknown event) error = nil, want error")
	}
	if _, err := NewBindingDecoder(LayerZeroONFTABI(), map[string]Binding{"Transfer": {Kind: "Teleport"}}); err == nil {
		t.Error("NewBindingDecoder(unknown kind) error = nil, want error")
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{common.HexToAddress("0xABCD"), "0x000000000000000000000000000000000000abcd"},
		{big.NewInt(12345), "12345"},
		{[32]byte{1}, "0x0100000000000000000000000000000000000000000000000000000000000000"},
		{[]byte{0xca, 0xfe}, "0xcafe"},
		{uint32(30101), "30101"},
		{true, "true"},
		{[4]byte{1, 2, 3, 4}, "0x01020304"},
	}
	for _, tt := range tests {
		if got := FormatValue(tt.in); got != tt.want {
			t.Errorf("FormatValue(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestClassifier_Classify(t *testing.T) {
	c := New(nil)
	d := mustONFT(t)
	c.Register(protov1.Chain_CHAIN_ETHEREUM, onftContract, d)

	raw := encodeLog(t, d, "ONFTSent", []common.Hash{guid, addrTopic(sender)},
		protov1.Chain_CHAIN_ARBITRUM.EndpointID(), big.NewInt(42))
	// registration is case-insensitive for EVM contracts
	raw.ContractAddress = "0x00000000000000000000000000000000000000aa"

	ev, err := c.Classify(raw, "ONFTSent")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if ev == nil {
		t.Fatal("Classify() = nil")
	}
	if ev.ID != protov1.EventID(raw.Chain, raw.Position, raw.Identifier, raw.Index) {
		t.Errorf("ID = %s, want deterministic event id", ev.ID)
	}
	if ev.Position != 100 || ev.TxIdentifier != "0xtx" {
		t.Errorf("coordinates = %d/%s", ev.Position, ev.TxIdentifier)
	}
	if ev.Timestamp.Unix() != 1700000000 {
		t.Errorf("Timestamp = %v", ev.Timestamp)
	}

	again, err := c.Classify(raw, "ONFTSent")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != ev.ID || again.Kind != ev.Kind || again.Attributes[protov1.AttrMessageID] != ev.Attributes[protov1.AttrMessageID] {
		t.Errorf("Classify() not deterministic: %+v vs %+v", again, ev)
	}
}

func TestClassifier_Misses(t *testing.T) {
	c := New(nil)
	c.Register(protov1.Chain_CHAIN_ETHEREUM, onftContract, mustONFT(t))

	tests := []struct {
		name string
		raw  adapter.RawChainEvent
	}{
		{"watermark", adapter.RawChainEvent{Chain: protov1.Chain_CHAIN_ETHEREUM, ContractAddress: onftContract, Watermark: true}},
		{"no decoder", adapter.RawChainEvent{Chain: protov1.Chain_CHAIN_POLYGON, ContractAddress: onftContract, Topics: []string{"0x01"}}},
		{"unknown topic", adapter.RawChainEvent{Chain: protov1.Chain_CHAIN_ETHEREUM, ContractAddress: onftContract, Topics: []string{"0x01"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := c.Classify(tt.raw, "ONFTSent")
			if ev != nil || err != nil {
				t.Errorf("Classify() = %v, %v, want nil, nil", ev, err)
			}
		})
	}
}

func TestClassifier_MalformedIsClassificationError(t *testing.T) {
	c := New(nil)
	c.Register(protov1.Chain_CHAIN_ETHEREUM, onftContract, DecoderFunc(func(raw adapter.RawChainEvent, eventName string) (*Decoded, error) {
		return nil, errors.New("short payload")
	}))

	_, err := c.Classify(adapter.RawChainEvent{Chain: protov1.Chain_CHAIN_ETHEREUM, ContractAddress: onftContract, Position: 8}, "ONFTSent")
	if !errors.Is(err, ErrClassification) {
		t.Fatalf("Classify() error = %v, want ErrClassification", err)
	}
	var ce *ClassificationError
	if !errors.As(err, &ce) || ce.Position != 8 {
		t.Errorf("ClassificationError = %+v", ce)
	}
}

func TestClassifier_Topic0(t *testing.T) {
	c := New(nil)
	d := mustONFT(t)
	c.Register(protov1.Chain_CHAIN_ETHEREUM, onftContract, d)
	c.Register(protov1.Chain_CHAIN_SOLANA, "program", NewMessageRecordDecoder())

	got, ok := c.Topic0(protov1.Chain_CHAIN_ETHEREUM, onftContract, "ONFTReceived")
	if !ok || got != d.abi.Events["ONFTReceived"].ID {
		t.Errorf("Topic0() = %s, %v", got.Hex(), ok)
	}
	if _, ok := c.Topic0(protov1.Chain_CHAIN_SOLANA, "program", "MessageRecord"); ok {
		t.Error("Topic0() for account decoder found, want missing")
	}
	if _, ok := c.Topic0(protov1.Chain_CHAIN_BASE, onftContract, "ONFTSent"); ok {
		t.Error("Topic0() without decoder found, want missing")
	}
}

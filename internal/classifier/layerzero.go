package classifier

import (
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

//go:embed abi/layerzero_onft.json
var layerZeroONFTABI []byte

// BundledLayerZeroONFT names the embedded ONFT ABI in decoder configuration.
const BundledLayerZeroONFT = "bundled:layerzero-onft"

const ProviderLayerZero = "layerzero"

// packetHeaderLen is version(1) nonce(8) srcEid(4) sender(32) dstEid(4) receiver(32).
const packetHeaderLen = 81

// LayerZeroONFTABI returns a copy of the embedded ABI.
func LayerZeroONFTABI() []byte {
	return append([]byte(nil), layerZeroONFTABI...)
}

// NewLayerZeroONFTDecoder decodes the ONFT adapter, endpoint and ERC-721
// events of one contract.
func NewLayerZeroONFTDecoder() (*ABIDecoder, error) {
	return NewABIDecoder(layerZeroONFTABI, map[string]Mapper{
		"ONFTSent":        mapONFTSent,
		"ONFTReceived":    mapONFTReceived,
		"PayloadVerified": mapPayloadVerified,
		"LzReceiveAlert":  mapLzReceiveAlert,
		"Transfer":        mapERC721Transfer,
	})
}

func chainFromEID(v any) (protov1.Chain, error) {
	eid, ok := v.(uint32)
	if !ok {
		return protov1.Chain_CHAIN_UNSPECIFIED, fmt.Errorf("endpoint id has type %T", v)
	}
	c := protov1.ChainFromEndpointID(eid)
	if c == protov1.Chain_CHAIN_UNSPECIFIED {
		return c, fmt.Errorf("unknown endpoint id %d", eid)
	}
	return c, nil
}

func mapONFTSent(lc LogContext) (*Decoded, error) {
	dst, err := chainFromEID(lc.Args["dstEid"])
	if err != nil {
		return nil, err
	}
	tokenID := FormatValue(lc.Args["tokenId"])
	return &Decoded{
		Kind: protov1.EventKindBridgeSent,
		Attributes: map[string]string{
			protov1.AttrMessageID:        FormatValue(lc.Args["guid"]),
			protov1.AttrSourceChain:      lc.Raw.Chain.String(),
			protov1.AttrDestinationChain: dst.String(),
			protov1.AttrSender:           FormatValue(lc.Args["fromAddress"]),
			protov1.AttrTokenID:          tokenID,
			protov1.AttrNFTReference:     NFTReference(lc.Raw.Chain, lc.Raw.ContractAddress, tokenID),
			protov1.AttrProvider:         ProviderLayerZero,
		},
	}, nil
}

func mapONFTReceived(lc LogContext) (*Decoded, error) {
	src, err := chainFromEID(lc.Args["srcEid"])
	if err != nil {
		return nil, err
	}
	tokenID := FormatValue(lc.Args["tokenId"])
	return &Decoded{
		Kind: protov1.EventKindBridgeReceived,
		Attributes: map[string]string{
			protov1.AttrMessageID:        FormatValue(lc.Args["guid"]),
			protov1.AttrSourceChain:      src.String(),
			protov1.AttrDestinationChain: lc.Raw.Chain.String(),
			protov1.AttrRecipient:        FormatValue(lc.Args["toAddress"]),
			protov1.AttrTokenID:          tokenID,
			protov1.AttrNFTReference:     NFTReference(lc.Raw.Chain, lc.Raw.ContractAddress, tokenID),
			protov1.AttrProvider:         ProviderLayerZero,
		},
	}, nil
}

// PacketHeader is the fixed-size prefix of an encoded LayerZero V2 packet.
type PacketHeader struct {
	Version  uint8
	Nonce    uint64
	SrcEID   uint32
	Sender   common.Hash
	DstEID   uint32
	Receiver common.Hash
}

func ParsePacketHeader(b []byte) (PacketHeader, error) {
	if len(b) != packetHeaderLen {
		return PacketHeader{}, fmt.Errorf("packet header is %d bytes, want %d", len(b), packetHeaderLen)
	}
	var h PacketHeader
	h.Version = b[0]
	h.Nonce = binary.BigEndian.Uint64(b[1:9])
	h.SrcEID = binary.BigEndian.Uint32(b[9:13])
	copy(h.Sender[:], b[13:45])
	h.DstEID = binary.BigEndian.Uint32(b[45:49])
	copy(h.Receiver[:], b[49:81])
	return h, nil
}

// Encode is the inverse of ParsePacketHeader.
func (h PacketHeader) Encode() []byte {
	b := make([]byte, packetHeaderLen)
	b[0] = h.Version
	binary.BigEndian.PutUint64(b[1:9], h.Nonce)
	binary.BigEndian.PutUint32(b[9:13], h.SrcEID)
	copy(b[13:45], h.Sender[:])
	binary.BigEndian.PutUint32(b[45:49], h.DstEID)
	copy(b[49:81], h.Receiver[:])
	return b
}

// GUID is keccak256(nonce, srcEid, sender, dstEid, receiver), the message id
// LayerZero assigns on send.
func (h PacketHeader) GUID() common.Hash {
	return crypto.Keccak256Hash(h.Encode()[1:])
}

func mapPayloadVerified(lc LogContext) (*Decoded, error) {
	raw, ok := lc.Args["header"].([]byte)
	if !ok {
		return nil, errors.New("header is not bytes")
	}
	h, err := ParsePacketHeader(raw)
	if err != nil {
		return nil, err
	}
	src, err := chainFromEID(h.SrcEID)
	if err != nil {
		return nil, err
	}
	dst, err := chainFromEID(h.DstEID)
	if err != nil {
		return nil, err
	}
	attrs := map[string]string{
		protov1.AttrMessageID:        h.GUID().Hex(),
		protov1.AttrSourceChain:      src.String(),
		protov1.AttrDestinationChain: dst.String(),
		protov1.AttrNonce:            fmt.Sprintf("%d", h.Nonce),
		protov1.AttrProofType:        "dvn",
		protov1.AttrVerified:         "true",
		protov1.AttrProvider:         ProviderLayerZero,
	}
	// every DVN attests the same proofHash, so the attester is part of the
	// proof identity
	dvn, ok := lc.Args["dvn"].(common.Address)
	if !ok {
		return nil, errors.New("dvn is not an address")
	}
	attrs["dvn"] = FormatValue(dvn)
	attrs[protov1.AttrProofData] = hexutil.Encode(dvnProofData(dvn, lc.Args["proofHash"]))
	return &Decoded{Kind: protov1.EventKindProofAttested, Attributes: attrs}, nil
}

// dvnProofData is the 20-byte attester address followed by the attested
// payload hash.
func dvnProofData(dvn common.Address, proofHash any) []byte {
	out := append([]byte{}, dvn.Bytes()...)
	switch h := proofHash.(type) {
	case [32]byte:
		out = append(out, h[:]...)
	case common.Hash:
		out = append(out, h.Bytes()...)
	case []byte:
		out = append(out, h...)
	}
	return out
}

func mapLzReceiveAlert(lc LogContext) (*Decoded, error) {
	srcEID, err := tupleField(lc.Args["origin"], "srcEid")
	if err != nil {
		return nil, err
	}
	src, err := chainFromEID(srcEID)
	if err != nil {
		return nil, err
	}
	reason := "lzReceive reverted"
	if b, ok := lc.Args["reason"].([]byte); ok && len(b) > 0 {
		reason = fmt.Sprintf("lzReceive reverted: %s", hexutil.Encode(b))
	}
	attrs := map[string]string{
		protov1.AttrMessageID:        FormatValue(lc.Args["guid"]),
		protov1.AttrSourceChain:      src.String(),
		protov1.AttrDestinationChain: lc.Raw.Chain.String(),
		protov1.AttrRecipient:        FormatValue(lc.Args["receiver"]),
		protov1.AttrReason:           reason,
		protov1.AttrProvider:         ProviderLayerZero,
	}
	if nonce, err := tupleField(lc.Args["origin"], "nonce"); err == nil {
		attrs[protov1.AttrNonce] = FormatValue(nonce)
	}
	return &Decoded{Kind: protov1.EventKindBridgeReverted, Attributes: attrs}, nil
}

func mapERC721Transfer(lc LogContext) (*Decoded, error) {
	from, ok1 := lc.Args["from"].(common.Address)
	to, ok2 := lc.Args["to"].(common.Address)
	tokenID, ok3 := lc.Args["tokenId"].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return nil, errors.New("transfer arguments have unexpected types")
	}

	kind := protov1.EventKindTransfer
	switch {
	case from == (common.Address{}):
		kind = protov1.EventKindMint
	case to == (common.Address{}):
		kind = protov1.EventKindBurn
	}
	return &Decoded{
		Kind: kind,
		Attributes: map[string]string{
			protov1.AttrFrom:         strings.ToLower(from.Hex()),
			protov1.AttrTo:           strings.ToLower(to.Hex()),
			protov1.AttrTokenID:      tokenID.String(),
			protov1.AttrNFTReference: NFTReference(lc.Raw.Chain, lc.Raw.ContractAddress, tokenID.String()),
		},
	}, nil
}

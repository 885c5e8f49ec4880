package classifier

import (
	"bytes"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/marko911/bridge-pulse/internal/adapter"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

// LogContext is what a Mapper sees of one decoded log.
type LogContext struct {
	Raw   adapter.RawChainEvent
	Event *abi.Event
	// Args holds indexed and non-indexed arguments by ABI name.
	Args map[string]any
}

// Mapper converts decoded log arguments into a domain event.
type Mapper func(lc LogContext) (*Decoded, error)

// Binding maps one ABI event to a kind with a fixed argument renaming.
// It is the configuration form of a Mapper.
type Binding struct {
	Kind       protov1.EventKind `yaml:"kind"`
	Attributes map[string]string `yaml:"attributes"` // ABI argument -> attribute key
	// NFTFrom names the argument holding the token id; when set the
	// nftReference attribute is derived as chain:contract:tokenId.
	NFTFrom string `yaml:"nft_from"`
}

func (b Binding) Mapper() Mapper {
	return func(lc LogContext) (*Decoded, error) {
		attrs := make(map[string]string, len(b.Attributes)+1)
		for arg, key := range b.Attributes {
			v, ok := lc.Args[arg]
			if !ok {
				return nil, fmt.Errorf("event %s has no argument %q", lc.Event.Name, arg)
			}
			attrs[key] = FormatValue(v)
		}
		if b.NFTFrom != "" {
			v, ok := lc.Args[b.NFTFrom]
			if !ok {
				return nil, fmt.Errorf("event %s has no argument %q", lc.Event.Name, b.NFTFrom)
			}
			attrs[protov1.AttrNFTReference] = NFTReference(lc.Raw.Chain, lc.Raw.ContractAddress, FormatValue(v))
		}
		return &Decoded{Kind: b.Kind, Attributes: attrs}, nil
	}
}

// ABIDecoder decodes EVM logs of one contract with go-ethereum's ABI codec.
type ABIDecoder struct {
	abi     abi.ABI
	mappers map[string]Mapper
}

// NewABIDecoder parses abiJSON and attaches a mapper per event name. Events
// without a mapper are ignored.
func NewABIDecoder(abiJSON []byte, mappers map[string]Mapper) (*ABIDecoder, error) {
	parsed, err := abi.JSON(bytes.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	for name := range mappers {
		if _, ok := parsed.Events[name]; !ok {
			return nil, fmt.Errorf("abi has no event %q", name)
		}
	}
	return &ABIDecoder{abi: parsed, mappers: mappers}, nil
}

// NewBindingDecoder builds an ABIDecoder from configured bindings.
func NewBindingDecoder(abiJSON []byte, bindings map[string]Binding) (*ABIDecoder, error) {
	mappers := make(map[string]Mapper, len(bindings))
	for name, b := range bindings {
		if _, err := protov1.ParseEventKind(string(b.Kind)); err != nil {
			return nil, fmt.Errorf("binding %s: %w", name, err)
		}
		mappers[name] = b.Mapper()
	}
	return NewABIDecoder(abiJSON, mappers)
}

// EventID returns topic0 of eventName when it has a mapper.
func (d *ABIDecoder) EventID(eventName string) (common.Hash, bool) {
	if _, ok := d.mappers[eventName]; !ok {
		return common.Hash{}, false
	}
	ev, ok := d.abi.Events[eventName]
	if !ok {
		return common.Hash{}, false
	}
	return ev.ID, true
}

func (d *ABIDecoder) Decode(raw adapter.RawChainEvent, eventName string) (*Decoded, error) {
	if len(raw.Topics) == 0 {
		return nil, nil
	}
	ev, err := d.abi.EventByID(common.HexToHash(raw.Topics[0]))
	if err != nil {
		return nil, nil
	}
	if eventName != AnyEvent && ev.Name != eventName {
		return nil, nil
	}
	mapper, ok := d.mappers[ev.Name]
	if !ok {
		return nil, nil
	}

	args, err := d.unpack(ev, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", ev.Name, err)
	}
	return mapper(LogContext{Raw: raw, Event: ev, Args: args})
}

func (d *ABIDecoder) unpack(ev *abi.Event, raw adapter.RawChainEvent) (map[string]any, error) {
	args := make(map[string]any, len(ev.Inputs))

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(raw.Topics)-1 != len(indexed) {
		return nil, fmt.Errorf("expected %d indexed topics, got %d", len(indexed), len(raw.Topics)-1)
	}
	if len(indexed) > 0 {
		topics := make([]common.Hash, len(raw.Topics)-1)
		for i, t := range raw.Topics[1:] {
			topics[i] = common.HexToHash(t)
		}
		if err := abi.ParseTopicsIntoMap(args, indexed, topics); err != nil {
			return nil, fmt.Errorf("parse topics: %w", err)
		}
	}

	if len(ev.Inputs.NonIndexed()) > 0 {
		if err := ev.Inputs.UnpackIntoMap(args, raw.Payload); err != nil {
			return nil, fmt.Errorf("unpack data: %w", err)
		}
	}
	return args, nil
}

// NFTReference is the canonical "chain:contract:tokenId" form.
func NFTReference(chain protov1.Chain, contract, tokenID string) string {
	return fmt.Sprintf("%s:%s:%s", chain, protov1.NormalizeAddress(chain, contract), tokenID)
}

// FormatValue renders an ABI value as an attribute string: addresses and
// byte values as lowercase hex, integers in decimal.
func FormatValue(v any) string {
	switch x := v.(type) {
	case common.Address:
		return strings.ToLower(x.Hex())
	case common.Hash:
		return x.Hex()
	case [32]byte:
		return hexutil.Encode(x[:])
	case []byte:
		return hexutil.Encode(x)
	case *big.Int:
		if x == nil {
			return "0"
		}
		return x.String()
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Array && rv.Type().Elem().Kind() == reflect.Uint8 {
		b := make([]byte, rv.Len())
		reflect.Copy(reflect.ValueOf(b), rv)
		return hexutil.Encode(b)
	}
	return fmt.Sprintf("%v", v)
}

// tupleField reads a field of an ABI tuple value, which go-ethereum decodes
// into an anonymous struct with capitalized field names.
func tupleField(v any, name string) (any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected tuple, got %T", v)
	}
	f := rv.FieldByName(abi.ToCamelCase(name))
	if !f.IsValid() {
		return nil, fmt.Errorf("tuple has no field %q", name)
	}
	return f.Interface(), nil
}

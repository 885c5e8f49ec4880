package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bytecodealliance/wasmtime-go/v30"

	"github.com/marko911/bridge-pulse/internal/adapter"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

func newTestRuntime(t *testing.T, maxCPUMs int) *Runtime {
	t.Helper()
	rt, err := NewRuntime(RuntimeConfig{MaxMemoryMB: 2, MaxCPUMs: maxCPUMs, CacheSize: 4}, nil)
	if err != nil {
		t.Fatalf("NewRuntime() error = %v", err)
	}
	t.Cleanup(rt.Close)
	return rt
}

func compileWAT(t *testing.T, wat string) []byte {
	t.Helper()
	wasm, err := wasmtime.Wat2Wasm(wat)
	if err != nil {
		t.Fatalf("Wat2Wasm() error = %v", err)
	}
	return wasm
}

// outputModule writes a constant document through env.output.
func outputModule(t *testing.T, doc string) []byte {
	return compileWAT(t, fmt.Sprintf(`(module
  (import "env" "output" (func $output (param i32 i32)))
  (memory (export "memory") 1)
  (data (i32.const 16) %q)
  (func (export "_start")
    (call $output (i32.const 16) (i32.const %d))))`, doc, len(doc)))
}

// echoModule copies its input to its output.
const echoModule = `(module
  (import "env" "get_input_len" (func $len (result i32)))
  (import "env" "get_input" (func $input (param i32 i32) (result i32)))
  (import "env" "output" (func $output (param i32 i32)))
  (memory (export "memory") 1)
  (func (export "_start")
    (local $n i32)
    (local.set $n (call $input (i32.const 0) (call $len)))
    (call $output (i32.const 0) (local.get $n))))`

func rawEvent() adapter.RawChainEvent {
	return adapter.RawChainEvent{
		Chain:           protov1.Chain_CHAIN_POLYGON,
		ContractAddress: "0xabc",
		Position:        77,
		Identifier:      "0xtx",
		TxIdentifier:    "0xtx",
		Index:           2,
		Timestamp:       1700000000,
		Topics:          []string{"0x01"},
		Payload:         []byte{0xbe, 0xef},
	}
}

func TestRuntime_EchoesInput(t *testing.T) {
	rt := newTestRuntime(t, 200)
	mod, err := rt.Compile("echo", compileWAT(t, echoModule))
	if err != nil {
		t.Fatal(err)
	}

	res, err := rt.Execute(context.Background(), mod, []byte("hello"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(res.Output) != "hello" {
		t.Errorf("Output = %q, want hello", res.Output)
	}
	if res.MemoryBytes != 65536 {
		t.Errorf("MemoryBytes = %d, want 65536", res.MemoryBytes)
	}
}

func TestRuntime_InterruptsRunawayModule(t *testing.T) {
	rt := newTestRuntime(t, 20)
	mod, err := rt.Compile("spin", compileWAT(t, `(module (func (export "_start") (loop $l (br $l))))`))
	if err != nil {
		t.Fatal(err)
	}

	_, err = rt.Execute(context.Background(), mod, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Execute() error = %v, want ErrTimeout", err)
	}
}

func TestRuntime_MissingEntryPoint(t *testing.T) {
	rt := newTestRuntime(t, 50)
	mod, err := rt.Compile("empty", compileWAT(t, `(module)`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Execute(context.Background(), mod, nil); err == nil {
		t.Error("Execute() error = nil, want error")
	}
}

func TestRuntime_CompileCache(t *testing.T) {
	rt := newTestRuntime(t, 50)
	wasm := compileWAT(t, echoModule)

	a, err := rt.Compile("m", wasm)
	if err != nil {
		t.Fatal(err)
	}
	b, err := rt.Compile("m", wasm)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("Compile() did not reuse cached module")
	}

	rt.Invalidate("m")
	c, err := rt.Compile("m", wasm)
	if err != nil {
		t.Fatal(err)
	}
	if c == a {
		t.Error("Compile() after Invalidate() returned stale module")
	}

	if _, err := rt.Compile("bad", []byte("not wasm")); err == nil {
		t.Error("Compile(garbage) error = nil, want error")
	}
}

func TestDecoder(t *testing.T) {
	rt := newTestRuntime(t, 200)

	tests := []struct {
		name     string
		doc      string
		wantKind protov1.EventKind
		wantNil  bool
		wantErr  bool
	}{
		{name: "mint", doc: `{"kind":"Mint","attributes":{"tokenId":"7"}}`, wantKind: protov1.EventKindMint},
		{name: "not recognized", doc: `{"kind":""}`, wantNil: true},
		{name: "module error", doc: `{"error":"bad payload"}`, wantErr: true},
		{name: "unknown kind", doc: `{"kind":"Teleport"}`, wantErr: true},
		{name: "garbage", doc: `{{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewDecoder(rt, tt.name, outputModule(t, tt.doc), nil)
			if err != nil {
				t.Fatalf("NewDecoder() error = %v", err)
			}
			got, err := d.Decode(rawEvent(), "Transfer")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.wantNil {
				if got != nil {
					t.Errorf("Decode() = %+v, want nil", got)
				}
				return
			}
			if got.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", got.Kind, tt.wantKind)
			}
			if got.Attributes["tokenId"] != "7" {
				t.Errorf("tokenId = %s, want 7", got.Attributes["tokenId"])
			}
		})
	}
}

func TestDecoder_EmptyOutputIsMiss(t *testing.T) {
	rt := newTestRuntime(t, 200)
	d, err := NewDecoder(rt, "silent", compileWAT(t, `(module (memory (export "memory") 1) (func (export "decode")))`), nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := d.Decode(rawEvent(), "Transfer")
	if got != nil || err != nil {
		t.Errorf("Decode() = %v, %v, want nil, nil", got, err)
	}
}

func TestDecoder_InputDocument(t *testing.T) {
	rt := newTestRuntime(t, 200)
	mod, err := rt.Compile("echo", compileWAT(t, echoModule))
	if err != nil {
		t.Fatal(err)
	}
	d := &Decoder{runtime: rt, module: mod, logger: rt.logger}

	// echoing the input back is not a valid output document
	_, err = d.Decode(rawEvent(), "Transfer")
	if err != nil {
		t.Fatalf("Decode() error = %v, want nil for kind-less echo", err)
	}

	res, err := rt.Execute(context.Background(), mod, mustJSON(t, NewDecodeInput(rawEvent(), "Transfer")))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"event_name":"Transfer"`, `"chain":"polygon"`, `"payload":"0xbeef"`, `"position":77`} {
		if !strings.Contains(string(res.Output), want) {
			t.Errorf("input %s missing %s", res.Output, want)
		}
	}
}

func TestLoadDecoder_FromFile(t *testing.T) {
	rt := newTestRuntime(t, 200)
	path := filepath.Join(t.TempDir(), "decoder.wasm")
	if err := os.WriteFile(path, outputModule(t, `{"kind":"Burn"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := LoadDecoder(context.Background(), rt, "file:"+path, nil, nil)
	if err != nil {
		t.Fatalf("LoadDecoder() error = %v", err)
	}
	got, err := d.Decode(rawEvent(), "Transfer")
	if err != nil || got == nil || got.Kind != protov1.EventKindBurn {
		t.Errorf("Decode() = %+v, %v, want Burn", got, err)
	}

	if _, err := LoadDecoder(context.Background(), rt, "decoders/missing.wasm", nil, nil); err == nil {
		t.Error("LoadDecoder(object key without store) error = nil, want error")
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

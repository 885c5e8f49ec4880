package evm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/bridge-pulse/internal/adapter"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testContract = "0x00000000000000000000000000000000000000aa"

type fakeSource struct {
	mu       sync.Mutex
	head     uint64
	logs     []types.Log
	failures int
	queries  []ethereum.FilterQuery
}

func (f *fakeSource) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeSource) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: number, Time: 1_700_000_000 + number.Uint64()}, nil
}

func (f *fakeSource) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("upstream 502")
	}
	var out []types.Log
	for _, l := range f.logs {
		n := new(big.Int).SetUint64(l.BlockNumber)
		if n.Cmp(q.FromBlock) >= 0 && n.Cmp(q.ToBlock) <= 0 {
			out = append(out, l)
		}
	}
	// newest first, the adapter must sort
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (f *fakeSource) setHead(h uint64, logs ...types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = h
	f.logs = append(f.logs, logs...)
}

func testLog(block uint64, index uint, tx string) types.Log {
	return types.Log{
		Address:     common.HexToAddress(testContract),
		Topics:      []common.Hash{common.HexToHash("0x01")},
		Data:        []byte{byte(block), byte(index)},
		BlockNumber: block,
		TxHash:      common.HexToHash(tx),
		Index:       index,
	}
}

func testConfig() Config {
	cfg := DefaultConfig(protov1.Chain_CHAIN_ETHEREUM)
	cfg.URL = "http://localhost:8545"
	cfg.PollInterval = time.Hour
	cfg.MaxBlockRange = 1
	cfg.RateLimit = 0
	return cfg
}

func listenerAt(pos uint64) protov1.ListenerConfig {
	return protov1.ListenerConfig{
		ListenerKey:           protov1.NewListenerKey(protov1.Chain_CHAIN_ETHEREUM, testContract, "ONFTSent"),
		LastProcessedPosition: pos,
	}
}

func collect(t *testing.T, s *adapter.Stream, n int) []adapter.RawChainEvent {
	t.Helper()
	var got []adapter.RawChainEvent
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatalf("stream closed after %d events", len(got))
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	return got
}

func TestPoller_EmitsInOrderWithCheckpoints(t *testing.T) {
	src := &fakeSource{}
	src.setHead(12,
		testLog(11, 3, "0xb"),
		testLog(11, 1, "0xa"),
		testLog(12, 0, "0xc"),
	)
	a := newAdapter(testConfig(), src, nopLogger())

	stream, err := a.Subscribe(context.Background(), listenerAt(10))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stream.Stop()

	got := collect(t, stream, 5)

	want := []struct {
		pos        uint64
		index      uint32
		checkpoint uint64
		watermark  bool
	}{
		{11, 1, 10, false},
		{11, 3, 11, false},
		{11, 0, 11, true},
		{12, 0, 12, false},
		{12, 0, 12, true},
	}
	for i, w := range want {
		ev := got[i]
		if ev.Position != w.pos || ev.Index != w.index || ev.Checkpoint != w.checkpoint || ev.Watermark != w.watermark {
			t.Errorf("event %d = {pos %d idx %d cp %d wm %v}, want %+v",
				i, ev.Position, ev.Index, ev.Checkpoint, ev.Watermark, w)
		}
	}
	if got[0].ContractAddress != testContract {
		t.Errorf("contract = %s, want %s", got[0].ContractAddress, testContract)
	}
	if got[0].Timestamp != 1_700_000_011 {
		t.Errorf("timestamp = %d, want block header time", got[0].Timestamp)
	}
	if got[0].TxIdentifier == "" || got[0].TxIdentifier != got[0].Identifier {
		t.Errorf("tx identifier = %q, identifier = %q", got[0].TxIdentifier, got[0].Identifier)
	}
}

func TestPoller_RetriesSameRangeAfterError(t *testing.T) {
	src := &fakeSource{failures: 2}
	src.setHead(11, testLog(11, 0, "0xa"))
	a := newAdapter(testConfig(), src, nopLogger())

	stream, err := a.Subscribe(context.Background(), listenerAt(10))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stream.Stop()

	got := collect(t, stream, 2)
	if got[0].Position != 11 || got[0].Watermark {
		t.Errorf("first event = %+v, want the block 11 log", got[0])
	}
	if !got[1].Watermark {
		t.Errorf("second event should be the watermark")
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.queries) != 3 {
		t.Fatalf("queries = %d, want 3 (two failures then success)", len(src.queries))
	}
	for i, q := range src.queries {
		if q.FromBlock.Uint64() != 11 || q.ToBlock.Uint64() != 11 {
			t.Errorf("query %d range = %v-%v, want 11-11", i, q.FromBlock, q.ToBlock)
		}
	}
}

func TestPoller_ZeroStartBeginsAtHead(t *testing.T) {
	src := &fakeSource{}
	src.setHead(50, testLog(50, 0, "0xold"))
	cfg := testConfig()
	cfg.PollInterval = 10 * time.Millisecond
	a := newAdapter(cfg, src, nopLogger())

	stream, err := a.Subscribe(context.Background(), listenerAt(0))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stream.Stop()

	time.Sleep(30 * time.Millisecond)
	src.setHead(51, testLog(51, 0, "0xnew"))

	got := collect(t, stream, 1)
	if got[0].Position != 51 {
		t.Errorf("first position = %d, want 51 (history before head is skipped)", got[0].Position)
	}
}

func TestLatestPosition_Confirmations(t *testing.T) {
	src := &fakeSource{}
	src.setHead(20)
	cfg := testConfig()
	cfg.Confirmations = 5
	a := newAdapter(cfg, src, nopLogger())

	got, err := a.LatestPosition(context.Background())
	if err != nil {
		t.Fatalf("LatestPosition: %v", err)
	}
	if got != 15 {
		t.Errorf("LatestPosition = %d, want 15", got)
	}
}

func TestSubscribe_UsesResolvedTopic(t *testing.T) {
	topic := common.HexToHash("0xfeed")
	src := &fakeSource{}
	src.setHead(11)
	a := newAdapter(testConfig(), src, nopLogger(), WithTopicResolver(
		func(chain protov1.Chain, contract, eventName string) (common.Hash, bool) {
			return topic, eventName == "ONFTSent"
		}))

	stream, err := a.Subscribe(context.Background(), listenerAt(10))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	collect(t, stream, 1)
	stream.Stop()

	src.mu.Lock()
	defer src.mu.Unlock()
	q := src.queries[0]
	if len(q.Topics) != 1 || len(q.Topics[0]) != 1 || q.Topics[0][0] != topic {
		t.Errorf("topics = %v, want [[%s]]", q.Topics, topic.Hex())
	}
}

func TestParseFilter(t *testing.T) {
	hash := "0x" + strings.Repeat("11", 32)

	tests := []struct {
		name       string
		contract   string
		criteria   map[string]any
		wantErr    bool
		wantTopics int
		wantAddrs  int
	}{
		{name: "no criteria", contract: testContract, wantAddrs: 1},
		{name: "topic list", contract: testContract, criteria: map[string]any{"topics": []any{hash, ""}}, wantTopics: 2, wantAddrs: 1},
		{name: "topic groups", contract: testContract, criteria: map[string]any{"topics": []any{[]any{hash, hash}}}, wantTopics: 1, wantAddrs: 1},
		{name: "extra addresses", contract: testContract, criteria: map[string]any{"addresses": []any{"0x00000000000000000000000000000000000000bb"}}, wantAddrs: 2},
		{name: "short topic", contract: testContract, criteria: map[string]any{"topics": []any{"0x1234"}}, wantErr: true},
		{name: "unknown key", contract: testContract, criteria: map[string]any{"memcmp": []any{}}, wantErr: true},
		{name: "bad address", contract: testContract, criteria: map[string]any{"addresses": []any{"nope"}}, wantErr: true},
		{name: "base58 contract", contract: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := protov1.ListenerConfig{
				ListenerKey:    protov1.ListenerKey{Chain: protov1.Chain_CHAIN_ETHEREUM, ContractAddress: tt.contract, EventName: "X"},
				FilterCriteria: tt.criteria,
			}
			f, err := parseFilter(protov1.Chain_CHAIN_ETHEREUM, cfg)
			if tt.wantErr {
				if !errors.Is(err, adapter.ErrUnsupportedFilter) {
					t.Errorf("err = %v, want UnsupportedFilterError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFilter: %v", err)
			}
			if len(f.Topics) != tt.wantTopics {
				t.Errorf("topics = %d, want %d", len(f.Topics), tt.wantTopics)
			}
			if len(f.Addresses) != tt.wantAddrs {
				t.Errorf("addresses = %d, want %d", len(f.Addresses), tt.wantAddrs)
			}
		})
	}
}

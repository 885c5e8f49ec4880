package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gorilla/websocket"

	"github.com/marko911/bridge-pulse/internal/adapter"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

const (
	testProgram = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	testAccount = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRPC struct {
	slot uint64
	sigs map[uint64]sol.Signature
	err  error
}

func (f *fakeRPC) GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.slot, nil
}

func (f *fakeRPC) GetSignaturesForAddressWithOpts(ctx context.Context, account sol.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error) {
	var out []*rpc.TransactionSignature
	for slot, sig := range f.sigs {
		out = append(out, &rpc.TransactionSignature{Signature: sig, Slot: slot})
	}
	return out, nil
}

func programNotification(slot uint64, pubkey string, data []byte) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","method":"programNotification","params":{"subscription":7,"result":{"context":{"slot":%d},"value":{"pubkey":%q,"account":{"lamports":1,"owner":%q,"data":[%q,"base64"],"executable":false,"rentEpoch":0,"space":%d}}}}}`,
		slot, pubkey, testProgram, base64.StdEncoding.EncodeToString(data), len(data))
}

// wsServer plays one scripted batch of messages per connection, then drops it.
type wsServer struct {
	t        *testing.T
	mu       sync.Mutex
	scripts  [][]string
	requests []map[string]any
}

func (s *wsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var req map[string]any
	if err := conn.ReadJSON(&req); err != nil {
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	var script []string
	if len(s.scripts) > 0 {
		script, s.scripts = s.scripts[0], s.scripts[1:]
	}
	remaining := len(s.scripts)
	s.mu.Unlock()

	conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","result":7,"id":1}`))
	for _, msg := range script {
		conn.WriteMessage(websocket.TextMessage, []byte(msg))
	}
	if remaining == 0 {
		// last script: hold the connection open until the client leaves
		conn.ReadMessage()
	}
}

func newTestAdapter(t *testing.T, srv *httptest.Server, src rpcSource) *Adapter {
	t.Helper()
	a, err := newAdapter(Config{
		RPCURL: "http://unused",
		WSURL:  "ws" + strings.TrimPrefix(srv.URL, "http"),
	}, src, nopLogger())
	if err != nil {
		t.Fatalf("newAdapter: %v", err)
	}
	return a
}

func listener(filter map[string]any) protov1.ListenerConfig {
	return protov1.ListenerConfig{
		ListenerKey:    protov1.NewListenerKey(protov1.Chain_CHAIN_SOLANA, testProgram, "MessageRecord"),
		FilterCriteria: filter,
	}
}

func TestSubscribe_DedupsAcrossReconnect(t *testing.T) {
	first := programNotification(100, testAccount, []byte("one"))
	second := programNotification(101, testAccount, []byte("two"))
	third := programNotification(102, testAccount, []byte("three"))

	ws := &wsServer{t: t, scripts: [][]string{
		{first, first, second},
		{second, third},
	}}
	srv := httptest.NewServer(ws)
	defer srv.Close()

	sig := sol.Signature{1, 2, 3}
	a := newTestAdapter(t, srv, &fakeRPC{sigs: map[uint64]sol.Signature{101: sig}})

	stream, err := a.Subscribe(context.Background(), listener(nil))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stream.Stop()

	var got []adapter.RawChainEvent
	timeout := time.After(5 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-stream.Events():
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out with %d events", len(got))
		}
	}

	select {
	case ev := <-stream.Events():
		t.Fatalf("unexpected extra event at slot %d", ev.Position)
	case <-time.After(100 * time.Millisecond):
	}

	for i, slot := range []uint64{100, 101, 102} {
		if got[i].Position != slot {
			t.Errorf("event %d slot = %d, want %d", i, got[i].Position, slot)
		}
		if got[i].Checkpoint != slot-1 {
			t.Errorf("event %d checkpoint = %d, want %d", i, got[i].Checkpoint, slot-1)
		}
	}
	if string(got[0].Payload) != "one" {
		t.Errorf("payload = %q, want %q", got[0].Payload, "one")
	}
	if got[1].TxIdentifier != sig.String() {
		t.Errorf("tx identifier = %s, want resolved signature %s", got[1].TxIdentifier, sig)
	}
	if want := testAccount + "@100"; got[0].TxIdentifier != want {
		t.Errorf("tx identifier = %s, want fallback %s", got[0].TxIdentifier, want)
	}
	if got[0].ContractAddress != testProgram || got[0].Identifier != testAccount {
		t.Errorf("contract/identifier = %s/%s", got[0].ContractAddress, got[0].Identifier)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if len(ws.requests) < 2 {
		t.Fatalf("requests = %d, want a reconnect", len(ws.requests))
	}
	if ws.requests[0]["method"] != "programSubscribe" {
		t.Errorf("method = %v, want programSubscribe", ws.requests[0]["method"])
	}
}

func TestSubscribe_AccountFilterUsesAccountSubscribe(t *testing.T) {
	ws := &wsServer{t: t, scripts: [][]string{{
		fmt.Sprintf(`{"jsonrpc":"2.0","method":"accountNotification","params":{"subscription":7,"result":{"context":{"slot":55},"value":{"lamports":1,"owner":%q,"data":[%q,"base64"],"executable":false,"rentEpoch":0}}}}`,
			testProgram, base64.StdEncoding.EncodeToString([]byte("acct"))),
	}}}
	srv := httptest.NewServer(ws)
	defer srv.Close()

	a := newTestAdapter(t, srv, &fakeRPC{})
	stream, err := a.Subscribe(context.Background(), listener(map[string]any{"account": testAccount}))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stream.Stop()

	select {
	case ev := <-stream.Events():
		if ev.Identifier != testAccount || string(ev.Payload) != "acct" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.requests[0]["method"] != "accountSubscribe" {
		t.Errorf("method = %v, want accountSubscribe", ws.requests[0]["method"])
	}
}

func TestSubscribe_UnreachableEndpoint(t *testing.T) {
	a, err := newAdapter(Config{RPCURL: "http://unused", WSURL: "ws://127.0.0.1:1"}, &fakeRPC{}, nopLogger())
	if err != nil {
		t.Fatal(err)
	}
	_, err = a.Subscribe(context.Background(), listener(nil))
	if !adapter.IsConnectionError(err) {
		t.Errorf("err = %v, want ConnectionError", err)
	}
}

func TestLatestPosition(t *testing.T) {
	a, _ := newAdapter(Config{RPCURL: "http://unused"}, &fakeRPC{slot: 321}, nopLogger())
	slot, err := a.LatestPosition(context.Background())
	if err != nil || slot != 321 {
		t.Errorf("LatestPosition = %d, %v; want 321", slot, err)
	}

	a, _ = newAdapter(Config{RPCURL: "http://unused"}, &fakeRPC{err: errors.New("503")}, nopLogger())
	if _, err := a.LatestPosition(context.Background()); !adapter.IsConnectionError(err) {
		t.Errorf("err = %v, want ConnectionError", err)
	}
}

func TestValidateFilter(t *testing.T) {
	a, _ := newAdapter(Config{RPCURL: "http://unused"}, &fakeRPC{}, nopLogger())

	var memcmp []any
	if err := json.Unmarshal([]byte(`[{"offset":8,"bytes":"3Mc6vR"}]`), &memcmp); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		filter  map[string]any
		wantErr bool
	}{
		{"empty", nil, false},
		{"commitment", map[string]any{"commitment": "finalized"}, false},
		{"data size", map[string]any{"dataSize": float64(165)}, false},
		{"memcmp", map[string]any{"memcmp": memcmp}, false},
		{"account", map[string]any{"account": testAccount}, false},
		{"bad commitment", map[string]any{"commitment": "soon"}, true},
		{"negative data size", map[string]any{"dataSize": float64(-1)}, true},
		{"evm topics", map[string]any{"topics": []any{"0x01"}}, true},
		{"bad account", map[string]any{"account": "0xabc"}, true},
		{"account with memcmp", map[string]any{"account": testAccount, "memcmp": memcmp}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.ValidateFilter(listener(tt.filter))
			if tt.wantErr && !errors.Is(err, adapter.ErrUnsupportedFilter) {
				t.Errorf("err = %v, want UnsupportedFilterError", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected err: %v", err)
			}
		})
	}

	bad := listener(nil)
	bad.ContractAddress = "0x00000000000000000000000000000000000000aa"
	if err := a.ValidateFilter(bad); !errors.Is(err, adapter.ErrUnsupportedFilter) {
		t.Errorf("hex program id err = %v, want UnsupportedFilterError", err)
	}
}

func TestSubscriptionRequest(t *testing.T) {
	size := uint64(165)
	sub := subscription{
		Program:    sol.MustPublicKeyFromBase58(testProgram),
		Commitment: rpc.CommitmentConfirmed,
		DataSize:   &size,
		Memcmp:     []memcmp{{Offset: 8, Bytes: "3Mc6vR"}},
	}
	raw, err := json.Marshal(sub.request(1))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"programSubscribe"`, `"dataSize":165`, `"offset":8`, `"encoding":"base64"`, testProgram} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("request %s missing %s", raw, want)
		}
	}
}

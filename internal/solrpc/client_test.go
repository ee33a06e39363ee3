package solrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcutil/base58"
)

func testSig(b byte) string     { return base58.Encode(bytes.Repeat([]byte{b}, 64)) }
func testAddress(b byte) string { return base58.Encode(bytes.Repeat([]byte{b}, 32)) }

func newRPCServer(t *testing.T, handle func(req rpcRequest) any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Type"); !strings.HasPrefix(got, "application/json") {
			t.Errorf("Content-Type mismatch: got %q", got)
		}
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if req.JSONRPC != "2.0" {
			t.Errorf("jsonrpc: got %q want 2.0", req.JSONRPC)
		}
		_ = json.NewEncoder(w).Encode(handle(req))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_GetSignaturesForAddress_PassesCursorAndParses(t *testing.T) {
	t.Parallel()

	contract := testAddress(7)
	var gotParams []any
	srv := newRPCServer(t, func(req rpcRequest) any {
		if req.Method != "getSignaturesForAddress" {
			t.Errorf("method: got %q", req.Method)
		}
		gotParams = req.Params
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result": []any{
				map[string]any{"signature": testSig(3), "slot": 30, "err": nil, "blockTime": 1700000030},
				map[string]any{"signature": testSig(2), "slot": 20, "err": map[string]any{"InstructionError": []any{0, "Custom"}}},
			},
		}
	})

	c, err := New(srv.URL, WithHTTPClient(srv.Client()), WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := c.GetSignaturesForAddress(context.Background(), contract, SignaturesOptions{
		Before: testSig(9),
		Until:  testSig(1),
	})
	if err != nil {
		t.Fatalf("GetSignaturesForAddress: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len: got %d want 2", len(got))
	}
	if got[0].Signature != testSig(3) || got[0].Slot != 30 || got[0].Failed {
		t.Fatalf("unexpected first entry: %+v", got[0])
	}
	if got[0].BlockTime == nil || *got[0].BlockTime != 1700000030 {
		t.Fatalf("block time: %+v", got[0].BlockTime)
	}
	if !got[1].Failed || got[1].Err == "" {
		t.Fatalf("expected failed second entry: %+v", got[1])
	}

	if len(gotParams) != 2 || gotParams[0] != contract {
		t.Fatalf("unexpected params: %#v", gotParams)
	}
	cfg, ok := gotParams[1].(map[string]any)
	if !ok {
		t.Fatalf("params[1]: %#v", gotParams[1])
	}
	if cfg["before"] != testSig(9) || cfg["until"] != testSig(1) || cfg["commitment"] != "finalized" {
		t.Fatalf("unexpected config: %#v", cfg)
	}
	if cfg["limit"] != float64(DefaultPageLimit) {
		t.Fatalf("limit: got %v want %d", cfg["limit"], DefaultPageLimit)
	}
}

func TestClient_GetTransaction_NullIsNotFound(t *testing.T) {
	t.Parallel()

	srv := newRPCServer(t, func(req rpcRequest) any {
		return map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": nil}
	})
	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.GetTransaction(context.Background(), testSig(4))
	if !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("expected ErrTxNotFound, got %v", err)
	}
}

func TestClient_GetTransaction_ParsesLogs(t *testing.T) {
	t.Parallel()

	logs := []string{
		"Program log: Instruction: Deposit",
		"Program data: AAAA",
	}
	srv := newRPCServer(t, func(req rpcRequest) any {
		if req.Method != "getTransaction" {
			t.Errorf("method: got %q", req.Method)
		}
		return map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{
			"slot":      42,
			"blockTime": 1700000042,
			"meta":      map[string]any{"err": nil, "logMessages": logs},
		}}
	})
	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tx, err := c.GetTransaction(context.Background(), testSig(4))
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if tx.Slot != 42 || tx.Failed || tx.Signature != testSig(4) {
		t.Fatalf("unexpected tx: %+v", tx)
	}
	if len(tx.LogMessages) != 2 || tx.LogMessages[0] != logs[0] {
		t.Fatalf("logs: %#v", tx.LogMessages)
	}
}

func TestClient_RPCErrorUnwraps(t *testing.T) {
	t.Parallel()

	srv := newRPCServer(t, func(req rpcRequest) any {
		return map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": -32005, "message": "node is behind"}}
	})
	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.GetTransaction(context.Background(), testSig(4))
	if !errors.Is(err, ErrRPC) {
		t.Fatalf("expected ErrRPC, got %v", err)
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32005 {
		t.Fatalf("expected RPCError code -32005, got %v", err)
	}
}

func TestClient_HTTPStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.GetSignaturesForAddress(context.Background(), testAddress(1), SignaturesOptions{})
	var se *HTTPStatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected HTTPStatusError 429, got %v", err)
	}
}

func TestClient_ResponseTooLarge(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 128))
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithMaxResponseBytes(64))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.GetTransaction(context.Background(), testSig(1))
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("expected ErrResponseTooLarge, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := ValidateSignature(testSig(5)); err != nil {
		t.Fatalf("ValidateSignature: %v", err)
	}
	if err := ValidateAddress(testAddress(5)); err != nil {
		t.Fatalf("ValidateAddress: %v", err)
	}
	for _, bad := range []string{"", "0OIl", testAddress(5), " " + testSig(5)} {
		if err := ValidateSignature(bad); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("%q: expected ErrInvalidSignature, got %v", bad, err)
		}
	}
	for _, bad := range []string{"", "0OIl", testSig(5), "ADDR1"} {
		if err := ValidateAddress(bad); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("%q: expected ErrInvalidAddress, got %v", bad, err)
		}
	}
}

func TestNew_RejectsBadURL(t *testing.T) {
	t.Parallel()

	for _, u := range []string{"", "  ", "ws://node", "http://"} {
		if _, err := New(u); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%q: expected ErrInvalidConfig, got %v", u, err)
		}
	}
}

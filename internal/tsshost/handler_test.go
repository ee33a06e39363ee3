package tsshost

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

type stubSigner struct {
	calls int
	err   error

	ret []byte
}

func (s *stubSigner) Sign(_ context.Context, _ string, _ [32]byte) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return append([]byte(nil), s.ret...), nil
}

func (s *stubSigner) PublicKey(_ context.Context, keyName string) ([]byte, error) {
	if keyName != "key_1" {
		return nil, ErrUnknownKey
	}
	return bytes.Repeat([]byte{0x02}, 33), nil
}

func seq32(start byte) (out [32]byte) {
	for i := 0; i < 32; i++ {
		out[i] = start + byte(i)
	}
	return out
}

func signBody(t *testing.T, sessionID [32]byte, keyName string, digest [32]byte) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"version":   "tss.sign_digest.v1",
		"sessionId": "0x" + hex.EncodeToString(sessionID[:]),
		"keyName":   keyName,
		"digest":    "0x" + hex.EncodeToString(digest[:]),
	})
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return body
}

func TestHandler_Sign_IdempotentPerSession(t *testing.T) {
	t.Parallel()

	signer := &stubSigner{ret: bytes.Repeat([]byte{0xab}, 64)}
	h := NewHandler(signer, Config{
		MaxSessions: 16,
		Now:         func() time.Time { return time.Unix(0, 0).UTC() },
	})

	sessionID := seq32(0x10)
	body := signBody(t, sessionID, "key_1", seq32(0x50))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sign", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Same request must not call the signer again.
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest(http.MethodPost, "/v1/sign", bytes.NewReader(body)))
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec2.Code, rec2.Body.String())
	}
	if signer.calls != 1 {
		t.Fatalf("expected 1 signer call, got %d", signer.calls)
	}

	var out struct {
		Version   string `json:"version"`
		SessionID string `json:"sessionId"`
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(rec2.Body.Bytes(), &out); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if out.Version != "tss.sign_digest_result.v1" {
		t.Fatalf("unexpected version: %q", out.Version)
	}
	if out.SessionID != "0x"+hex.EncodeToString(sessionID[:]) {
		t.Fatalf("unexpected session id: %q", out.SessionID)
	}
	if out.Signature != "0x"+hex.EncodeToString(signer.ret) {
		t.Fatalf("unexpected signature: %q", out.Signature)
	}
}

func TestHandler_Sign_ConflictOnSameSessionDifferentDigest(t *testing.T) {
	t.Parallel()

	signer := &stubSigner{ret: bytes.Repeat([]byte{0xab}, 64)}
	h := NewHandler(signer, Config{MaxSessions: 16})

	sessionID := seq32(0x20)

	recA := httptest.NewRecorder()
	h.ServeHTTP(recA, httptest.NewRequest(http.MethodPost, "/v1/sign", bytes.NewReader(signBody(t, sessionID, "key_1", seq32(1)))))
	if recA.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recA.Code, recA.Body.String())
	}

	recB := httptest.NewRecorder()
	h.ServeHTTP(recB, httptest.NewRequest(http.MethodPost, "/v1/sign", bytes.NewReader(signBody(t, sessionID, "key_1", seq32(2)))))
	if recB.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", recB.Code, recB.Body.String())
	}

	recC := httptest.NewRecorder()
	h.ServeHTTP(recC, httptest.NewRequest(http.MethodPost, "/v1/sign", bytes.NewReader(signBody(t, sessionID, "key_2", seq32(1)))))
	if recC.Code != http.StatusConflict {
		t.Fatalf("expected 409 for other key, got %d: %s", recC.Code, recC.Body.String())
	}
	if signer.calls != 1 {
		t.Fatalf("expected 1 signer call, got %d", signer.calls)
	}
}

func TestHandler_Sign_FailureLeavesSessionRetryable(t *testing.T) {
	t.Parallel()

	signer := &stubSigner{err: errors.New("boom")}
	h := NewHandler(signer, Config{MaxSessions: 16})
	body := signBody(t, seq32(0x60), "key_1", seq32(3))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sign", bytes.NewReader(body)))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", rec.Code, rec.Body.String())
	}

	signer.err = nil
	signer.ret = bytes.Repeat([]byte{0x01}, 64)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest(http.MethodPost, "/v1/sign", bytes.NewReader(body)))
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 on retry, got %d: %s", rec2.Code, rec2.Body.String())
	}
	if signer.calls != 2 {
		t.Fatalf("expected 2 signer calls, got %d", signer.calls)
	}
}

func TestHandler_Sign_TooManySessions(t *testing.T) {
	t.Parallel()

	signer := &stubSigner{ret: bytes.Repeat([]byte{0xab}, 64)}
	h := NewHandler(signer, Config{MaxSessions: 1})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sign", bytes.NewReader(signBody(t, seq32(1), "key_1", seq32(1)))))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest(http.MethodPost, "/v1/sign", bytes.NewReader(signBody(t, seq32(2), "key_1", seq32(1)))))
	if rec2.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec2.Code)
	}
}

func TestHandler_Sign_BadRequests(t *testing.T) {
	t.Parallel()

	sid := seq32(0x40)
	good := signBody(t, sid, "key_1", seq32(9))

	cases := map[string][]byte{
		"not json":           []byte("not-json"),
		"trailing json":      append(append(append([]byte(nil), good...), '\n'), []byte(`{"extra":true}`)...),
		"short session id":   []byte(`{"version":"tss.sign_digest.v1","sessionId":"0x1234","keyName":"key_1","digest":"0x` + hex.EncodeToString(make([]byte, 32)) + `"}`),
		"short digest":       []byte(`{"version":"tss.sign_digest.v1","sessionId":"0x` + hex.EncodeToString(sid[:]) + `","keyName":"key_1","digest":"0x01"}`),
		"missing key name":   signBody(t, sid, " ", seq32(9)),
		"wrong version":      []byte(`{"version":"tss.sign.v1","sessionId":"0x` + hex.EncodeToString(sid[:]) + `","keyName":"key_1","digest":"0x` + hex.EncodeToString(make([]byte, 32)) + `"}`),
		"unknown json field": []byte(`{"version":"tss.sign_digest.v1","txPlan":"x"}`),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			signer := &stubSigner{ret: bytes.Repeat([]byte{0xab}, 64)}
			h := NewHandler(signer, Config{MaxSessions: 16})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sign", bytes.NewReader(body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if signer.calls != 0 {
				t.Fatalf("expected 0 signer calls, got %d", signer.calls)
			}
		})
	}
}

func TestHandler_BearerToken(t *testing.T) {
	t.Parallel()

	signer := &stubSigner{ret: bytes.Repeat([]byte{0xab}, 64)}
	h := NewHandler(signer, Config{BearerToken: "s3cret"})
	body := signBody(t, seq32(0x70), "key_1", seq32(1))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sign", bytes.NewReader(body)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/sign", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer s3cret")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec2.Code, rec2.Body.String())
	}

	// Health stays open.
	rec3 := httptest.NewRecorder()
	h.ServeHTTP(rec3, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec3.Code != http.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", rec3.Code)
	}
}

func TestHandler_PublicKey(t *testing.T) {
	t.Parallel()

	h := NewHandler(&stubSigner{}, Config{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/public-key?keyName=key_1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Version   string `json:"version"`
		KeyName   string `json:"keyName"`
		PublicKey string `json:"publicKey"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if out.Version != "tss.public_key.v1" || out.KeyName != "key_1" {
		t.Fatalf("unexpected response: %+v", out)
	}
	if out.PublicKey != "0x"+hex.EncodeToString(bytes.Repeat([]byte{0x02}, 33)) {
		t.Fatalf("unexpected public key: %q", out.PublicKey)
	}

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/v1/public-key?keyName=nope", nil))
	if rec2.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec2.Code)
	}
}

func TestLocalSigner_SignsRecoverably(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	raw := hex.EncodeToString(crypto.FromECDSA(key))
	s, err := NewLocalSigner(map[string]string{"key_1": "0x" + raw})
	if err != nil {
		t.Fatalf("NewLocalSigner: %v", err)
	}

	digest := seq32(0x11)
	sig, err := s.Sign(context.Background(), "key_1", digest)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(sig) != 64 {
		t.Fatalf("signature len: got %d want 64", len(sig))
	}
	pub, err := s.PublicKey(context.Background(), "key_1")
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if !bytes.Equal(pub, crypto.CompressPubkey(&key.PublicKey)) {
		t.Fatalf("public key mismatch")
	}
	if !crypto.VerifySignature(pub, digest[:], sig) {
		t.Fatalf("signature does not verify")
	}

	if _, err := s.Sign(context.Background(), "other", digest); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestNewLocalSigner_RejectsBadKeys(t *testing.T) {
	t.Parallel()

	if _, err := NewLocalSigner(nil); err == nil {
		t.Fatalf("expected error for empty key set")
	}
	if _, err := NewLocalSigner(map[string]string{"key_1": "zz"}); err == nil {
		t.Fatalf("expected error for malformed key")
	}
}

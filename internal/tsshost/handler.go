package tsshost

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/weichain/galactic-bridge-icp/internal/tss"
)

type Signer interface {
	// Sign returns r||s for digest under keyName.
	//
	// Implementations MUST be safe to call multiple times (at-least-once request semantics).
	Sign(ctx context.Context, keyName string, digest [32]byte) ([]byte, error)

	// PublicKey returns the SEC1 compressed key for keyName, or ErrUnknownKey.
	PublicKey(ctx context.Context, keyName string) ([]byte, error)
}

type Config struct {
	// MaxBodyBytes limits HTTP request size to prevent memory DoS.
	// Defaults to 64 KiB.
	MaxBodyBytes int64

	// MaxSessions bounds the number of in-memory sessions tracked for idempotency.
	// Defaults to 4096.
	MaxSessions int

	// BearerToken, when set, is required on every /v1 request.
	BearerToken string

	Now func() time.Time
}

type handler struct {
	cfg    Config
	signer Signer

	mu       sync.Mutex
	sessions map[[32]byte]*session
}

type session struct {
	requestHash [32]byte

	signing bool
	done    chan struct{}

	signature []byte
	createdAt time.Time
}

func NewHandler(signer Signer, cfg Config) http.Handler {
	if signer == nil {
		panic("tsshost: nil signer")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 4096
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg:      cfg,
		signer:   signer,
		sessions: make(map[[32]byte]*session),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("POST "+tss.SignPathV1, h.authorized(h.handleSign))
	mux.HandleFunc("GET "+tss.PublicKeyPathV1, h.authorized(h.handlePublicKey))
	return mux
}

func (h *handler) authorized(next http.HandlerFunc) http.HandlerFunc {
	if h.cfg.BearerToken == "" {
		return next
	}
	want := []byte("Bearer " + h.cfg.BearerToken)
	return func(w http.ResponseWriter, r *http.Request) {
		got := []byte(strings.TrimSpace(r.Header.Get("Authorization")))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (h *handler) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	keyName := strings.TrimSpace(r.URL.Query().Get("keyName"))
	if keyName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing_key_name"})
		return
	}
	pub, err := h.signer.PublicKey(r.Context(), keyName)
	if err != nil {
		if errors.Is(err, ErrUnknownKey) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown_key"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
		return
	}
	writeJSON(w, http.StatusOK, tss.PublicKeyResponse{
		Version:   tss.PublicKeyResponseVersion,
		KeyName:   keyName,
		PublicKey: tss.FormatPublicKey(pub),
	})
}

func (h *handler) handleSign(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req tss.SignRequest
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_json"})
		return
	}
	// Reject trailing garbage.
	if dec.More() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_json"})
		return
	}

	if req.Version != tss.SignRequestVersion {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_version"})
		return
	}
	sid, err := tss.ParseSessionID(req.SessionID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_session_id"})
		return
	}
	digest, err := tss.ParseDigest(req.Digest)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_digest"})
		return
	}
	keyName := strings.TrimSpace(req.KeyName)
	if keyName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing_key_name"})
		return
	}

	sig, err := h.signOnce(r.Context(), sid, keyName, digest)
	if err != nil {
		switch {
		case errors.Is(err, errConflict):
			writeJSON(w, http.StatusConflict, map[string]any{"error": "session_conflict"})
		case errors.Is(err, ErrUnknownKey):
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown_key"})
		case errors.Is(err, context.Canceled):
			writeJSON(w, http.StatusRequestTimeout, map[string]any{"error": "canceled"})
		case errors.Is(err, context.DeadlineExceeded):
			writeJSON(w, http.StatusGatewayTimeout, map[string]any{"error": "timeout"})
		case errors.Is(err, errTooManySessions):
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "too_many_sessions"})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
		}
		return
	}

	writeJSON(w, http.StatusOK, tss.SignResponse{
		Version:   tss.SignResponseVersion,
		SessionID: tss.FormatSessionID(sid),
		Signature: tss.FormatSignature(sig),
	})
}

var (
	errConflict        = errors.New("tsshost: session conflict")
	errTooManySessions = errors.New("tsshost: too many sessions")
)

func requestHash(keyName string, digest [32]byte) [32]byte {
	h := sha256.New()
	_, _ = h.Write([]byte(keyName))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(digest[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// signOnce returns the cached signature for sid, waits for an in-flight
// attempt, or runs a new one. A failed attempt leaves the session retryable.
func (h *handler) signOnce(ctx context.Context, sid [32]byte, keyName string, digest [32]byte) ([]byte, error) {
	rh := requestHash(keyName, digest)
	for {
		h.mu.Lock()
		sess, ok := h.sessions[sid]
		if !ok {
			if len(h.sessions) >= h.cfg.MaxSessions {
				h.mu.Unlock()
				return nil, errTooManySessions
			}
			sess = &session{requestHash: rh, createdAt: h.cfg.Now()}
			h.sessions[sid] = sess
		}
		if sess.requestHash != rh {
			h.mu.Unlock()
			return nil, errConflict
		}
		if len(sess.signature) > 0 {
			out := append([]byte(nil), sess.signature...)
			h.mu.Unlock()
			return out, nil
		}
		if sess.signing {
			done := sess.done
			h.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		sess.signing = true
		sess.done = make(chan struct{})
		h.mu.Unlock()

		sig, err := h.signer.Sign(ctx, keyName, digest)

		h.mu.Lock()
		sess.signing = false
		if err == nil {
			sess.signature = append([]byte(nil), sig...)
		}
		close(sess.done)
		h.mu.Unlock()

		if err != nil {
			return nil, err
		}
		return append([]byte(nil), sig...), nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

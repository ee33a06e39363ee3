// Package bridgeapi serves the controller's operations over HTTP.
//
// The calling account is taken from the X-Bridge-Account header, which the
// fronting gateway sets after authenticating the user. Operator routes under
// /v1/admin require the admin bearer token.
package bridgeapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/weichain/galactic-bridge-icp/internal/controller"
	"github.com/weichain/galactic-bridge-icp/internal/coupon"
	"github.com/weichain/galactic-bridge-icp/internal/deposit"
	"github.com/weichain/galactic-bridge-icp/internal/tasks"
	"github.com/weichain/galactic-bridge-icp/internal/withdraw"
	"github.com/weichain/galactic-bridge-icp/internal/withdrawcoordinator"
)

const (
	CallerHeader = "X-Bridge-Account"

	defaultMaxBodyBytes = 64 << 10
	defaultListLimit    = 100
	maxListLimit        = 1000
)

var ErrInvalidConfig = errors.New("bridgeapi: invalid config")

// Service is the controller surface the API exposes.
type Service interface {
	Mint(ctx context.Context, account string, amount uint64) (uint64, error)
	Burn(ctx context.Context, caller string, amount uint64) (uint64, error)
	Withdraw(ctx context.Context, caller, to string, amount uint64) (withdrawcoordinator.Result, error)
	ReissueCoupon(ctx context.Context, caller string, burnID uint64) (withdrawcoordinator.Result, error)
	Verify(c coupon.Coupon) (bool, error)
	YParity(signatureHex, message, publicKeyHex string) (uint8, error)
	Upgrade(ctx context.Context, args controller.UpgradeArgs) (controller.Options, error)

	GetAddress() (controller.Address, error)
	GetLedgerID() string
	GetState(ctx context.Context) (controller.State, error)
	GetStorage(ctx context.Context) (controller.Storage, error)
	GetActiveTasks(ctx context.Context) ([]tasks.Task, error)
	GetTaskHistory(ctx context.Context, limit int) ([]tasks.Task, error)
	GetWithdrawInfo(ctx context.Context, account string) (controller.WithdrawInfo, error)
	GetCoupon(ctx context.Context, burnID uint64) (coupon.Coupon, error)
	GetBurn(ctx context.Context, burnID uint64) (withdraw.Record, error)
	GetDeposit(ctx context.Context, signature string) (deposit.Record, error)
	ListInvalidTransactions(ctx context.Context, limit int) ([]deposit.InvalidTransaction, error)
}

type Config struct {
	// AdminToken guards /v1/admin routes. Admin routes answer 503 when it
	// is empty.
	AdminToken string

	MaxBodyBytes int64

	RateLimitPerSecond     float64
	RateLimitBurst         int
	RateLimitMaxTrackedKey int

	Now func() time.Time
}

func NewHandler(cfg Config, svc Service) (http.Handler, error) {
	if svc == nil {
		return nil, fmt.Errorf("%w: nil service", ErrInvalidConfig)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedKey <= 0 {
		cfg.RateLimitMaxTrackedKey = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg:     cfg,
		svc:     svc,
		limiter: newRateLimiter(cfg.RateLimitPerSecond, float64(cfg.RateLimitBurst), cfg.RateLimitMaxTrackedKey),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)

	mux.HandleFunc("GET /v1/ledger-id", h.handleLedgerID)
	mux.HandleFunc("GET /v1/address", h.handleAddress)
	mux.HandleFunc("GET /v1/state", h.handleState)
	mux.HandleFunc("GET /v1/storage", h.handleStorage)
	mux.HandleFunc("GET /v1/tasks/active", h.handleActiveTasks)
	mux.HandleFunc("GET /v1/tasks/history", h.handleTaskHistory)
	mux.HandleFunc("GET /v1/withdrawals/{account}", h.handleWithdrawInfo)
	mux.HandleFunc("GET /v1/burns/{burnId}", h.handleBurn)
	mux.HandleFunc("GET /v1/coupons/{burnId}", h.handleCoupon)
	mux.HandleFunc("GET /v1/deposits/{signature}", h.handleDeposit)
	mux.HandleFunc("GET /v1/invalid-transactions", h.handleInvalidTransactions)

	mux.HandleFunc("POST /v1/burn", h.requireCaller(h.handleBurnTokens))
	mux.HandleFunc("POST /v1/withdraw", h.requireCaller(h.handleWithdraw))
	mux.HandleFunc("POST /v1/coupons/{burnId}/reissue", h.requireCaller(h.handleReissue))
	mux.HandleFunc("POST /v1/verify", h.handleVerify)
	mux.HandleFunc("POST /v1/y-parity", h.handleYParity)

	mux.HandleFunc("POST /v1/admin/mint", h.requireAdmin(h.handleMint))
	mux.HandleFunc("POST /v1/admin/upgrade", h.requireAdmin(h.handleUpgrade))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}
		if !h.limiter.Allow(limiterKey(r), h.cfg.Now().UTC()) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"version": "v1",
				"error":   "rate_limited",
			})
			return
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
		}
		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg     Config
	svc     Service
	limiter *rateLimiter
}

type callerHandler func(w http.ResponseWriter, r *http.Request, caller string)

func (h *handler) requireCaller(next callerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := strings.TrimSpace(r.Header.Get(CallerHeader))
		if caller == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"version": "v1",
				"error":   "missing_caller",
			})
			return
		}
		next(w, r, caller)
	}
}

func (h *handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AdminToken == "" {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"version": "v1",
				"error":   "admin_disabled",
			})
			return
		}
		got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.AdminToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"version": "v1",
				"error":   "unauthorized",
			})
			return
		}
		next(w, r)
	}
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleLedgerID(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  "v1",
		"ledgerId": h.svc.GetLedgerID(),
	})
}

func (h *handler) handleAddress(w http.ResponseWriter, _ *http.Request) {
	addr, err := h.svc.GetAddress()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"address": addr,
	})
}

func (h *handler) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.GetState(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"state":   st,
	})
}

func (h *handler) handleStorage(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.GetStorage(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"storage": st,
	})
}

func (h *handler) handleActiveTasks(w http.ResponseWriter, r *http.Request) {
	ts, err := h.svc.GetActiveTasks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"tasks":   taskViews(ts),
	})
}

func (h *handler) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	ts, err := h.svc.GetTaskHistory(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"tasks":   taskViews(ts),
	})
}

func (h *handler) handleWithdrawInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.GetWithdrawInfo(r.Context(), strings.TrimSpace(r.PathValue("account")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  "v1",
		"withdraw": info,
	})
}

func (h *handler) handleBurn(w http.ResponseWriter, r *http.Request) {
	burnID, ok := parseBurnID(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.GetBurn(r.Context(), burnID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"burn":    burnView(rec),
	})
}

func (h *handler) handleCoupon(w http.ResponseWriter, r *http.Request) {
	burnID, ok := parseBurnID(w, r)
	if !ok {
		return
	}
	c, err := h.svc.GetCoupon(r.Context(), burnID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"burnId":  strconv.FormatUint(burnID, 10),
		"coupon":  c,
	})
}

func (h *handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetDeposit(r.Context(), strings.TrimSpace(r.PathValue("signature")))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{
		"version":   "v1",
		"signature": rec.Deposit.Signature,
		"slot":      rec.Deposit.Slot,
		"account":   rec.Deposit.Account,
		"amount":    strconv.FormatUint(rec.Deposit.Amount, 10),
		"status":    rec.Status.String(),
	}
	if rec.Status == deposit.StatusMinted {
		resp["mintBlockIndex"] = strconv.FormatUint(rec.MintBlockIndex, 10)
	}
	if rec.FailReason != "" {
		resp["failReason"] = rec.FailReason
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleInvalidTransactions(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	txs, err := h.svc.ListInvalidTransactions(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(txs))
	for _, tx := range txs {
		out = append(out, map[string]any{
			"signature": tx.Signature,
			"slot":      tx.Slot,
			"reason":    tx.Reason,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":      "v1",
		"transactions": out,
	})
}

type amountBody struct {
	Amount string `json:"amount"`
}

func (h *handler) handleBurnTokens(w http.ResponseWriter, r *http.Request, caller string) {
	body, ok := decodeJSONBody[amountBody](w, r)
	if !ok {
		return
	}
	amount, ok := parseAmount(w, body.Amount)
	if !ok {
		return
	}
	idx, err := h.svc.Burn(r.Context(), caller, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    "v1",
		"blockIndex": strconv.FormatUint(idx, 10),
	})
}

type withdrawBody struct {
	ToAddress string `json:"toAddress"`
	Amount    string `json:"amount"`
}

func (h *handler) handleWithdraw(w http.ResponseWriter, r *http.Request, caller string) {
	body, ok := decodeJSONBody[withdrawBody](w, r)
	if !ok {
		return
	}
	amount, ok := parseAmount(w, body.Amount)
	if !ok {
		return
	}
	res, err := h.svc.Withdraw(r.Context(), caller, strings.TrimSpace(body.ToAddress), amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"burnId":  strconv.FormatUint(res.Record.Burn.BurnID, 10),
		"coupon":  res.Coupon,
	})
}

func (h *handler) handleReissue(w http.ResponseWriter, r *http.Request, caller string) {
	burnID, ok := parseBurnID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.ReissueCoupon(r.Context(), caller, burnID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"burnId":  strconv.FormatUint(burnID, 10),
		"coupon":  res.Coupon,
	})
}

type verifyBody struct {
	Coupon coupon.Coupon `json:"coupon"`
}

func (h *handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[verifyBody](w, r)
	if !ok {
		return
	}
	valid, err := h.svc.Verify(body.Coupon)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"valid":   valid,
	})
}

type yParityBody struct {
	SignatureHex string `json:"signatureHex"`
	Message      string `json:"message"`
	PublicKeyHex string `json:"publicKeyHex"`
}

func (h *handler) handleYParity(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[yParityBody](w, r)
	if !ok {
		return
	}
	parity, err := h.svc.YParity(body.SignatureHex, body.Message, body.PublicKeyHex)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"yParity": parity,
	})
}

type mintBody struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

func (h *handler) handleMint(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[mintBody](w, r)
	if !ok {
		return
	}
	amount, ok := parseAmount(w, body.Amount)
	if !ok {
		return
	}
	idx, err := h.svc.Mint(r.Context(), strings.TrimSpace(body.Account), amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    "v1",
		"blockIndex": strconv.FormatUint(idx, 10),
	})
}

func (h *handler) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	args, ok := decodeJSONBody[controller.UpgradeArgs](w, r)
	if !ok {
		return
	}
	opts, err := h.svc.Upgrade(r.Context(), args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"options": opts,
	})
}

type taskView struct {
	ID        uint64 `json:"id"`
	Kind      string `json:"kind"`
	Key       string `json:"key"`
	Status    string `json:"status"`
	Attempts  uint32 `json:"attempts"`
	LastError string `json:"lastError,omitempty"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

func taskViews(ts []tasks.Task) []taskView {
	out := make([]taskView, 0, len(ts))
	for _, t := range ts {
		out = append(out, taskView{
			ID:        t.ID,
			Kind:      t.Kind.String(),
			Key:       t.Key,
			Status:    t.Status.String(),
			Attempts:  t.Attempts,
			LastError: t.LastError,
			CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt: t.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func burnView(rec withdraw.Record) map[string]any {
	out := map[string]any{
		"burnId":         strconv.FormatUint(rec.Burn.BurnID, 10),
		"account":        rec.Burn.Account,
		"toAddress":      rec.Burn.ToAddress,
		"amount":         strconv.FormatUint(rec.Burn.Amount, 10),
		"burnBlockIndex": strconv.FormatUint(rec.Burn.BurnBlockIndex, 10),
		"status":         rec.Status.String(),
		"createdAt":      rec.Burn.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if rec.FailReason != "" {
		out["failReason"] = rec.FailReason
	}
	return out
}

func parseBurnID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(r.PathValue("burnId")), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_burn_id",
		})
		return 0, false
	}
	return id, true
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxListLimit {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_limit",
		})
		return 0, false
	}
	return n, true
}

func parseAmount(w http.ResponseWriter, raw string) (uint64, bool) {
	amount, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || amount == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_amount",
		})
		return 0, false
	}
	return amount, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		code := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, code, map[string]any{
			"version": "v1",
			"error":   "invalid_json",
		})
		return out, false
	}
	return out, true
}

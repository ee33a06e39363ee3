package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// NewHandler exposes backend over the JSON protocol that HTTPClient speaks.
// It backs the development ledger in cmd/bridge-controller.
func NewHandler(backend Client, bearerToken string) http.Handler {
	if backend == nil {
		panic("ledger: nil backend")
	}
	bearerToken = strings.TrimSpace(bearerToken)

	auth := func(next http.HandlerFunc) http.HandlerFunc {
		if bearerToken == "" {
			return next
		}
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+bearerToken {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
				return
			}
			next(w, r)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+MintPathV1, auth(func(w http.ResponseWriter, r *http.Request) {
		var req MintRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Version != MintRequestVersion {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_version"})
			return
		}
		memo, err := ParseMemo(req.Memo)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_memo"})
			return
		}
		idx, err := backend.Mint(r.Context(), req.To, req.Amount, memo)
		writeResult(w, idx, err)
	}))
	mux.HandleFunc("POST "+TransferFromPathV1, auth(func(w http.ResponseWriter, r *http.Request) {
		var req TransferFromRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Version != TransferFromRequestVersion {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_version"})
			return
		}
		memo, err := ParseMemo(req.Memo)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_memo"})
			return
		}
		idx, err := backend.TransferFrom(r.Context(), req.From, req.To, req.Amount, memo)
		writeResult(w, idx, err)
	}))
	mux.HandleFunc("GET "+BalancePathV1+"{account}", auth(func(w http.ResponseWriter, r *http.Request) {
		account := r.PathValue("account")
		bal, err := backend.BalanceOf(r.Context(), account)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, BalanceResponse{Account: account, Balance: bal})
	}))
	return mux
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil || dec.More() {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_json"})
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, idx uint64, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BlockResponse{BlockIndex: idx})
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrInvalidArgument) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_argument"})
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: KindTemporarilyUnavailable.String()})
		return
	}
	le, ok := AsError(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: KindGeneric.String()})
		return
	}
	status := http.StatusUnprocessableEntity
	switch le.Kind {
	case KindDuplicate:
		status = http.StatusConflict
	case KindTemporarilyUnavailable, KindUnreachable:
		status = http.StatusServiceUnavailable
	case KindGeneric:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, ErrorResponse{
		Error:       le.Kind.String(),
		Message:     le.Message,
		DuplicateOf: le.DuplicateOf,
		Balance:     le.Balance,
		Allowance:   le.Allowance,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

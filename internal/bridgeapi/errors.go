package bridgeapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/weichain/galactic-bridge-icp/internal/controller"
	"github.com/weichain/galactic-bridge-icp/internal/coupon"
	"github.com/weichain/galactic-bridge-icp/internal/deposit"
	"github.com/weichain/galactic-bridge-icp/internal/ledger"
	"github.com/weichain/galactic-bridge-icp/internal/withdraw"
	"github.com/weichain/galactic-bridge-icp/internal/withdrawcoordinator"
)

// writeError maps a service error to a status code and a stable error code.
// Internal failures never echo the underlying message.
func writeError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	body["version"] = "v1"
	writeJSON(w, status, body)
}

func errorResponse(err error) (int, map[string]any) {
	if we, ok := withdrawcoordinator.AsError(err); ok {
		return withdrawErrorResponse(we)
	}

	var unavailable *controller.CouponUnavailableError
	if errors.As(err, &unavailable) {
		body := map[string]any{
			"error":  "coupon_unavailable",
			"burnId": strconv.FormatUint(unavailable.BurnID, 10),
			"status": unavailable.Status.String(),
		}
		if unavailable.Reason != "" {
			body["reason"] = unavailable.Reason
		}
		return http.StatusConflict, body
	}

	switch {
	case errors.Is(err, withdraw.ErrNotFound), errors.Is(err, deposit.ErrNotFound):
		return http.StatusNotFound, map[string]any{"error": "not_found"}
	case errors.Is(err, withdrawcoordinator.ErrWithdrawInProgress):
		return http.StatusConflict, map[string]any{"error": "withdraw_in_progress"}
	case errors.Is(err, withdrawcoordinator.ErrIssueInProgress):
		return http.StatusConflict, map[string]any{"error": "issue_in_progress"}
	case errors.Is(err, withdrawcoordinator.ErrCouponAlreadyIssued):
		return http.StatusConflict, map[string]any{"error": "coupon_already_issued"}
	case errors.Is(err, controller.ErrNotOwner):
		return http.StatusForbidden, map[string]any{"error": "not_owner"}
	case errors.Is(err, controller.ErrNoChanges):
		return http.StatusBadRequest, map[string]any{"error": "no_changes"}
	case errors.Is(err, controller.ErrInvalidOptions):
		return http.StatusBadRequest, map[string]any{"error": "invalid_options", "detail": err.Error()}
	case errors.Is(err, controller.ErrInvalidArgument), errors.Is(err, ledger.ErrInvalidArgument):
		return http.StatusBadRequest, map[string]any{"error": "invalid_argument"}
	}

	if le, ok := ledger.AsError(err); ok {
		if le.Retryable() {
			return http.StatusServiceUnavailable, map[string]any{"error": "ledger_unavailable", "ledgerError": le.Kind.String()}
		}
		return http.StatusUnprocessableEntity, map[string]any{"error": "ledger_rejected", "ledgerError": le.Kind.String()}
	}

	var ce *coupon.Error
	if errors.As(err, &ce) {
		return http.StatusBadRequest, map[string]any{"error": "invalid_coupon", "couponError": ce.Kind.String()}
	}

	return http.StatusInternalServerError, map[string]any{"error": "internal"}
}

func withdrawErrorResponse(we *withdrawcoordinator.Error) (int, map[string]any) {
	body := map[string]any{
		"error":     we.Kind.String(),
		"retryable": we.Retryable(),
	}
	if we.BurnID != nil {
		body["burnId"] = strconv.FormatUint(*we.BurnID, 10)
	}
	if we.LedgerBlockIndex != nil {
		body["ledgerBlockIndex"] = strconv.FormatUint(*we.LedgerBlockIndex, 10)
	}

	switch we.Kind {
	case withdrawcoordinator.KindValidation:
		body["detail"] = we.Err.Error()
		return http.StatusBadRequest, body
	case withdrawcoordinator.KindBurnFailed:
		if le, ok := ledger.AsError(we.Err); ok {
			body["ledgerError"] = le.Kind.String()
		}
		return http.StatusUnprocessableEntity, body
	case withdrawcoordinator.KindLedgerUnreachable:
		return http.StatusServiceUnavailable, body
	case withdrawcoordinator.KindSigningFailed, withdrawcoordinator.KindCouponFailed:
		return http.StatusBadGateway, body
	default:
		return http.StatusInternalServerError, body
	}
}

package withdrawcoordinator

import (
	"errors"
	"fmt"

	"github.com/weichain/galactic-bridge-icp/internal/ledger"
)

var (
	ErrInvalidConfig       = errors.New("withdrawcoordinator: invalid config")
	ErrInvalidRequest      = errors.New("withdrawcoordinator: invalid request")
	ErrWithdrawInProgress  = errors.New("withdrawcoordinator: withdrawal already in progress for account")
	ErrIssueInProgress     = errors.New("withdrawcoordinator: coupon issuance already in progress for burn")
	ErrCouponAlreadyIssued = errors.New("withdrawcoordinator: coupon already issued")
)

type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	// KindValidation: the request was rejected before any state changed.
	KindValidation
	// KindBurnFailed: the ledger rejected the burn. No state changed.
	KindBurnFailed
	// KindLedgerUnreachable: the burn outcome is unknown to the ledger client
	// and nothing was recorded.
	KindLedgerUnreachable
	// KindPersistFailed: the burn happened on the ledger but could not be
	// recorded, or a signed coupon could not be stored.
	KindPersistFailed
	// KindSigningFailed: the signing service failed after the burn.
	KindSigningFailed
	// KindCouponFailed: the signature came back unusable.
	KindCouponFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindBurnFailed:
		return "burn_failed"
	case KindLedgerUnreachable:
		return "ledger_unreachable"
	case KindPersistFailed:
		return "persist_failed"
	case KindSigningFailed:
		return "signing_failed"
	case KindCouponFailed:
		return "coupon_failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Error is the outcome of a failed withdrawal step. BurnID is set once the
// burn has been recorded; LedgerBlockIndex is set once the ledger accepted
// the burn.
type Error struct {
	Kind             ErrorKind
	BurnID           *uint64
	LedgerBlockIndex *uint64
	Err              error
}

func (e *Error) Error() string {
	if e == nil {
		return "withdrawcoordinator: nil error"
	}
	msg := "withdrawcoordinator: " + e.Kind.String()
	if e.BurnID != nil {
		msg += fmt.Sprintf(" (burn %d)", *e.BurnID)
	} else if e.LedgerBlockIndex != nil {
		msg += fmt.Sprintf(" (ledger block %d)", *e.LedgerBlockIndex)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the operation may succeed. After a burn
// the retry is ReissueCoupon, never a second Withdraw.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindLedgerUnreachable, KindSigningFailed, KindPersistFailed:
		return true
	case KindBurnFailed:
		if le, ok := ledger.AsError(e.Err); ok {
			return le.Retryable()
		}
		return false
	default:
		return false
	}
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func u64(v uint64) *uint64 { return &v }

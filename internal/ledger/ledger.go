// Package ledger is the boundary to the local token ledger: minting deposits,
// pulling approved funds for withdrawals, and balance reads.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

type Client interface {
	// Mint credits amount to account. memo deduplicates retries: a repeated
	// memo fails with KindDuplicate carrying the original block index.
	Mint(ctx context.Context, to string, amount uint64, memo [32]byte) (uint64, error)

	// TransferFrom moves amount out of from using the controller's allowance.
	// Transfers to the controller account burn the tokens.
	TransferFrom(ctx context.Context, from, to string, amount uint64, memo [32]byte) (uint64, error)

	BalanceOf(ctx context.Context, account string) (uint64, error)
}

var ErrLedger = errors.New("ledger: error")

type ErrorKind uint8

const (
	KindGeneric ErrorKind = iota
	KindInsufficientFunds
	KindInsufficientAllowance
	KindBadFee
	KindTooOld
	KindDuplicate
	KindTemporarilyUnavailable
	KindUnreachable
)

func (k ErrorKind) String() string {
	switch k {
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindInsufficientAllowance:
		return "insufficient_allowance"
	case KindBadFee:
		return "bad_fee"
	case KindTooOld:
		return "too_old"
	case KindDuplicate:
		return "duplicate"
	case KindTemporarilyUnavailable:
		return "temporarily_unavailable"
	case KindUnreachable:
		return "unreachable"
	default:
		return "generic"
	}
}

func parseKind(s string) ErrorKind {
	for k := KindGeneric; k <= KindUnreachable; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindGeneric
}

// Error is a ledger rejection or a failure to reach the ledger.
type Error struct {
	Kind    ErrorKind
	Message string

	// DuplicateOf is the block index of the original operation for KindDuplicate.
	DuplicateOf uint64

	// Balance and Allowance are set for the insufficient kinds when known.
	Balance   uint64
	Allowance uint64
}

func (e *Error) Error() string {
	if e == nil {
		return "ledger: nil error"
	}
	switch e.Kind {
	case KindDuplicate:
		return fmt.Sprintf("ledger: duplicate of block %d", e.DuplicateOf)
	case KindInsufficientFunds:
		return fmt.Sprintf("ledger: insufficient funds (balance %d)", e.Balance)
	case KindInsufficientAllowance:
		return fmt.Sprintf("ledger: insufficient allowance (allowance %d)", e.Allowance)
	}
	if e.Message != "" {
		return fmt.Sprintf("ledger: %s: %s", e.Kind, e.Message)
	}
	return "ledger: " + e.Kind.String()
}

func (e *Error) Unwrap() error { return ErrLedger }

// Retryable reports whether a later attempt may succeed without any change
// from the caller.
func (e *Error) Retryable() bool {
	return e != nil && (e.Kind == KindTemporarilyUnavailable || e.Kind == KindUnreachable)
}

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var le *Error
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}

// IsDuplicate returns the original block index when err is a duplicate rejection.
func IsDuplicate(err error) (uint64, bool) {
	le, ok := AsError(err)
	if !ok || le.Kind != KindDuplicate {
		return 0, false
	}
	return le.DuplicateOf, true
}

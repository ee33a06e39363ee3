package withdraw

import (
	"fmt"
	"strings"
	"time"

	"github.com/weichain/galactic-bridge-icp/internal/coupon"
)

type Status uint8

const (
	StatusUnknown Status = iota
	StatusBurned
	StatusCouponIssued
	StatusCouponFailed
)

func (s Status) String() string {
	switch s {
	case StatusBurned:
		return "burned"
	case StatusCouponIssued:
		return "coupon_issued"
	case StatusCouponFailed:
		return "coupon_failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// NewBurn is a ledger burn that already succeeded and still needs a burn id.
type NewBurn struct {
	Account        string
	ToAddress      string
	Amount         uint64
	BurnBlockIndex uint64
	// RequestID is the memo the burn was submitted with.
	RequestID [32]byte
}

func (b NewBurn) Validate() error {
	if strings.TrimSpace(b.Account) == "" {
		return fmt.Errorf("%w: missing account", ErrInvalidBurn)
	}
	if strings.TrimSpace(b.ToAddress) == "" {
		return fmt.Errorf("%w: missing destination", ErrInvalidBurn)
	}
	if b.Amount == 0 {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidBurn)
	}
	return nil
}

type Burn struct {
	BurnID         uint64
	Account        string
	ToAddress      string
	Amount         uint64
	BurnBlockIndex uint64
	RequestID      [32]byte
	CreatedAt      time.Time
}

// CouponMessage is the message a coupon for this burn signs.
func (b Burn) CouponMessage() coupon.Message {
	return coupon.Message{
		FromAddress:    b.Account,
		ToAddress:      b.ToAddress,
		Amount:         b.Amount,
		BurnID:         b.BurnID,
		BurnTimestamp:  uint64(b.CreatedAt.UnixNano()),
		BurnBlockIndex: b.BurnBlockIndex,
	}
}

type Record struct {
	Burn   Burn
	Status Status

	// FailReason is the last issuance failure.
	FailReason string
	UpdatedAt  time.Time
}

type Stats struct {
	Burned       int
	CouponIssued int
	CouponFailed int
	Accounts     int
	// NextBurnID is the id the next CreateBurned call will be assigned.
	NextBurnID uint64
}

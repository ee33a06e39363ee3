package withdraw

import (
	"context"
	"errors"

	"github.com/weichain/galactic-bridge-icp/internal/coupon"
)

var (
	ErrNotFound          = errors.New("withdraw: not found")
	ErrInvalidBurn       = errors.New("withdraw: invalid burn")
	ErrCouponMismatch    = errors.New("withdraw: coupon mismatch")
	ErrInvalidTransition = errors.New("withdraw: invalid transition")
)

// Store persists burns and their coupons. Records are never deleted: a
// burn without a coupon is funds owed to the account.
type Store interface {
	// CreateBurned assigns the next burn id and persists the burn as Burned.
	CreateBurned(ctx context.Context, b NewBurn) (Record, error)
	Get(ctx context.Context, burnID uint64) (Record, error)
	// GetCoupon returns ErrNotFound until MarkCouponIssued succeeded.
	GetCoupon(ctx context.Context, burnID uint64) (coupon.Coupon, error)

	// MarkCouponIssued stores c and moves the burn to CouponIssued. It is
	// idempotent for an identical coupon; a different one is
	// ErrCouponMismatch.
	MarkCouponIssued(ctx context.Context, burnID uint64, c coupon.Coupon) error
	MarkCouponFailed(ctx context.Context, burnID uint64, reason string) error

	ListByAccount(ctx context.Context, account string) ([]Record, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Record, error)
	Stats(ctx context.Context) (Stats, error)
}

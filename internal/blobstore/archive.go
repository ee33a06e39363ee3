package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/weichain/galactic-bridge-icp/internal/coupon"
)

var ErrCouponMismatch = errors.New("blobstore: archived coupon differs")

// CouponArchive stores each issued coupon once under coupons/<burn_id>.json.
type CouponArchive struct {
	store Store
}

func NewCouponArchive(store Store) (*CouponArchive, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return &CouponArchive{store: store}, nil
}

func CouponKey(burnID uint64) string {
	return "coupons/" + strconv.FormatUint(burnID, 10) + ".json"
}

// Put archives c. Archiving the same coupon twice is a no-op; a different
// coupon for an archived burn is ErrCouponMismatch.
func (a *CouponArchive) Put(ctx context.Context, burnID uint64, c coupon.Coupon) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("blobstore: encode coupon: %w", err)
	}

	key := CouponKey(burnID)
	err = a.store.PutIfAbsent(ctx, key, payload, PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"burn-id": strconv.FormatUint(burnID, 10),
			"format":  c.Format,
		},
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrExists) {
		return err
	}

	obj, gerr := a.store.Get(ctx, key)
	if gerr != nil {
		return gerr
	}
	if !bytes.Equal(obj.Data, payload) {
		return fmt.Errorf("%w: burn %d", ErrCouponMismatch, burnID)
	}
	return nil
}

func (a *CouponArchive) Get(ctx context.Context, burnID uint64) (coupon.Coupon, error) {
	obj, err := a.store.Get(ctx, CouponKey(burnID))
	if err != nil {
		return coupon.Coupon{}, err
	}
	var c coupon.Coupon
	if err := json.Unmarshal(obj.Data, &c); err != nil {
		return coupon.Coupon{}, fmt.Errorf("blobstore: decode coupon %d: %w", burnID, err)
	}
	return c, nil
}

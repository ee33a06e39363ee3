package withdraw

import (
	"context"
	"sync"
	"time"

	"github.com/weichain/galactic-bridge-icp/internal/coupon"
)

type MemoryStore struct {
	now func() time.Time

	mu        sync.Mutex
	nextID    uint64
	records   map[uint64]Record
	coupons   map[uint64]coupon.Coupon
	byAccount map[string][]uint64
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:       now,
		records:   make(map[uint64]Record),
		coupons:   make(map[uint64]coupon.Coupon),
		byAccount: make(map[string][]uint64),
	}
}

func (s *MemoryStore) CreateBurned(_ context.Context, b NewBurn) (Record, error) {
	if err := b.Validate(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	r := Record{
		Burn: Burn{
			BurnID:         s.nextID,
			Account:        b.Account,
			ToAddress:      b.ToAddress,
			Amount:         b.Amount,
			BurnBlockIndex: b.BurnBlockIndex,
			RequestID:      b.RequestID,
			CreatedAt:      now,
		},
		Status:    StatusBurned,
		UpdatedAt: now,
	}
	s.nextID++
	s.records[r.Burn.BurnID] = r
	s.byAccount[b.Account] = append(s.byAccount[b.Account], r.Burn.BurnID)
	return r, nil
}

func (s *MemoryStore) Get(_ context.Context, burnID uint64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[burnID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) GetCoupon(_ context.Context, burnID uint64) (coupon.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.coupons[burnID]
	if !ok {
		return coupon.Coupon{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) MarkCouponIssued(_ context.Context, burnID uint64, c coupon.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[burnID]
	if !ok {
		return ErrNotFound
	}
	if existing, ok := s.coupons[burnID]; ok {
		if existing != c {
			return ErrCouponMismatch
		}
		return nil
	}
	s.coupons[burnID] = c
	r.Status = StatusCouponIssued
	r.UpdatedAt = s.now().UTC()
	s.records[burnID] = r
	return nil
}

func (s *MemoryStore) MarkCouponFailed(_ context.Context, burnID uint64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[burnID]
	if !ok {
		return ErrNotFound
	}
	if r.Status == StatusCouponIssued {
		return ErrInvalidTransition
	}
	r.Status = StatusCouponFailed
	r.FailReason = reason
	r.UpdatedAt = s.now().UTC()
	s.records[burnID] = r
	return nil
}

func (s *MemoryStore) ListByAccount(_ context.Context, account string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byAccount[account]
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.records[id])
	}
	return out, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	out := make([]Record, 0, min(limit, len(s.records)))
	// Burn ids are dense, so walking them yields id order.
	for id := uint64(0); id < s.nextID && len(out) < limit; id++ {
		r, ok := s.records[id]
		if ok && r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Accounts: len(s.byAccount), NextBurnID: s.nextID}
	for _, r := range s.records {
		switch r.Status {
		case StatusBurned:
			st.Burned++
		case StatusCouponIssued:
			st.CouponIssued++
		case StatusCouponFailed:
			st.CouponFailed++
		}
	}
	return st, nil
}

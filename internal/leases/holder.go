package leases

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Holder keeps a lease renewed in the background until Release.
type Holder struct {
	store Store
	lease Lease

	cancel context.CancelFunc
	done   chan struct{}
	lost   atomic.Bool
	once   sync.Once
}

// Hold acquires name for owner or returns ErrHeld. The lease is renewed every
// ttl/3 until Release is called or a renewal reports that ownership is gone.
func Hold(ctx context.Context, store Store, name, owner string, ttl time.Duration) (*Holder, error) {
	l, ok, err := store.TryAcquire(ctx, name, owner, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Holder{
		store:  store,
		lease:  l,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.renew(rctx, ttl)
	return h, nil
}

func (h *Holder) renew(ctx context.Context, ttl time.Duration) {
	defer close(h.done)

	interval := ttl / 3
	if interval <= 0 {
		interval = ttl
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, ok, err := h.store.Renew(ctx, h.lease.Name, h.lease.Owner, ttl)
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrNotOwner) || errors.Is(err, ErrNotFound) || (err == nil && !ok) {
				h.lost.Store(true)
				return
			}
			// Transient store errors are retried on the next tick.
		}
	}
}

func (h *Holder) Lease() Lease { return h.lease }

// Lost reports whether a renewal found the lease owned by someone else.
func (h *Holder) Lost() bool { return h.lost.Load() }

// Release stops renewal and expires the lease. It is safe to call twice.
func (h *Holder) Release(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		h.cancel()
		<-h.done
		if h.lost.Load() {
			return
		}
		err = h.store.Release(ctx, h.lease.Name, h.lease.Owner)
	})
	return err
}

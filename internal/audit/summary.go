package audit

import (
	"errors"
	"fmt"
)

var ErrReplayInconsistent = errors.New("audit: inconsistent replay")

// Summary is the state reconstructed by replaying an audit log in order.
type Summary struct {
	Events   int `json:"events"`
	Inits    int `json:"inits"`
	Upgrades int `json:"upgrades"`

	LastSyncedSignature string `json:"lastSyncedSignature,omitempty"`
	LastSyncedSlot      uint64 `json:"lastSyncedSlot"`

	SkippedTransactions int    `json:"skippedTransactions"`
	InvalidDeposits     int    `json:"invalidDeposits"`
	AcceptedDeposits    int    `json:"acceptedDeposits"`
	MintedDeposits      int    `json:"mintedDeposits"`
	MintFailures        int    `json:"mintFailures"`
	MintedAmount        uint64 `json:"mintedAmount"`

	Burns          int    `json:"burns"`
	BurnedAmount   uint64 `json:"burnedAmount"`
	Redeemed       int    `json:"redeemed"`
	CouponFailures int    `json:"couponFailures"`
	// OpenBurns are burns with no issued coupon yet.
	OpenBurns int `json:"openBurns"`

	TasksDropped int `json:"tasksDropped"`

	minted   map[string]struct{}
	burns    map[uint64]bool
	accepted map[string]struct{}
}

func NewSummary() *Summary {
	return &Summary{
		minted:   make(map[string]struct{}),
		burns:    make(map[uint64]bool),
		accepted: make(map[string]struct{}),
	}
}

// Apply folds one event into the summary. It rejects histories that break
// the bridge's guarantees: a second mint for a signature, a coupon for an
// unknown burn, or a second coupon for the same burn.
func (s *Summary) Apply(e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.Events++

	switch e.Type {
	case EventInit:
		s.Inits++
	case EventUpgrade:
		s.Upgrades++
	case EventSyncedToSignature:
		if e.Slot < s.LastSyncedSlot {
			return fmt.Errorf("%w: checkpoint regressed from slot %d to %d", ErrReplayInconsistent, s.LastSyncedSlot, e.Slot)
		}
		s.LastSyncedSignature = e.Signature
		s.LastSyncedSlot = e.Slot
	case EventSkippedTransaction:
		s.SkippedTransactions++
	case EventInvalidDeposit:
		s.InvalidDeposits++
	case EventAcceptedDeposit:
		if _, ok := s.accepted[e.Signature]; !ok {
			s.accepted[e.Signature] = struct{}{}
			s.AcceptedDeposits++
		}
	case EventMintedDeposit:
		if _, ok := s.minted[e.Signature]; ok {
			return fmt.Errorf("%w: signature %s minted twice", ErrReplayInconsistent, e.Signature)
		}
		s.minted[e.Signature] = struct{}{}
		s.MintedDeposits++
		s.MintedAmount += e.Amount
	case EventMintFailed:
		s.MintFailures++
	case EventWithdrawalBurned:
		id := *e.BurnID
		if _, ok := s.burns[id]; ok {
			return fmt.Errorf("%w: burn %d recorded twice", ErrReplayInconsistent, id)
		}
		s.burns[id] = false
		s.Burns++
		s.OpenBurns++
		s.BurnedAmount += e.Amount
	case EventWithdrawalRedeemed:
		id := *e.BurnID
		issued, ok := s.burns[id]
		if !ok {
			return fmt.Errorf("%w: coupon for unknown burn %d", ErrReplayInconsistent, id)
		}
		if issued {
			return fmt.Errorf("%w: second coupon for burn %d", ErrReplayInconsistent, id)
		}
		s.burns[id] = true
		s.Redeemed++
		s.OpenBurns--
	case EventCouponFailed:
		if _, ok := s.burns[*e.BurnID]; !ok {
			return fmt.Errorf("%w: coupon failure for unknown burn %d", ErrReplayInconsistent, *e.BurnID)
		}
		s.CouponFailures++
	case EventTaskDropped:
		s.TasksDropped++
	}
	return nil
}

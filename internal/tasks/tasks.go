// Package tasks tracks retryable units of bridge work (scrape cycles, parse
// and mint attempts, coupon issuance) so they survive restarts and give up
// after a fixed number of consecutive failures.
package tasks

import (
	"fmt"
	"time"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindScrapeCycle
	KindParseAttempt
	KindMintAttempt
	KindCouponAttempt
)

func (k Kind) String() string {
	switch k {
	case KindScrapeCycle:
		return "scrape_cycle"
	case KindParseAttempt:
		return "parse_attempt"
	case KindMintAttempt:
		return "mint_attempt"
	case KindCouponAttempt:
		return "coupon_attempt"
	default:
		return "unknown"
	}
}

func (k Kind) valid() bool {
	return k >= KindScrapeCycle && k <= KindCouponAttempt
}

func ParseKind(s string) (Kind, error) {
	for k := KindScrapeCycle; k <= KindCouponAttempt; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, s)
}

type Status uint8

const (
	StatusUnknown Status = iota
	StatusRunning
	StatusRetrying
	StatusSucceeded
	StatusDropped
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusRetrying:
		return "retrying"
	case StatusSucceeded:
		return "succeeded"
	case StatusDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Active reports whether the task can still record attempts.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusRetrying
}

// Task is one retryable unit of work. Key identifies the subject within its
// kind: a contract address, a transaction signature, or a burn id.
type Task struct {
	ID        uint64
	Kind      Kind
	Key       string
	Status    Status
	Attempts  uint32
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

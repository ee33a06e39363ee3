package ledger

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
)

var ErrInvalidArgument = errors.New("ledger: invalid argument")

// MemoryLedger is an in-process ledger. controller is the minting account:
// Mint credits out of it and transfers into it burn.
type MemoryLedger struct {
	controller string

	mu         sync.Mutex
	balances   map[string]uint64
	allowances map[allowanceKey]uint64
	memos      map[[32]byte]uint64
	height     uint64
	supply     uint64
}

type allowanceKey struct {
	owner   string
	spender string
}

func NewMemoryLedger(controllerAccount string) *MemoryLedger {
	return &MemoryLedger{
		controller: strings.TrimSpace(controllerAccount),
		balances:   make(map[string]uint64),
		allowances: make(map[allowanceKey]uint64),
		memos:      make(map[[32]byte]uint64),
	}
}

func (l *MemoryLedger) ControllerAccount() string { return l.controller }

func (l *MemoryLedger) Mint(ctx context.Context, to string, amount uint64, memo [32]byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &Error{Kind: KindUnreachable, Message: err.Error()}
	}
	to = strings.TrimSpace(to)
	if to == "" || amount == 0 {
		return 0, ErrInvalidArgument
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if idx, ok := l.memos[memo]; ok {
		return 0, &Error{Kind: KindDuplicate, DuplicateOf: idx}
	}
	if l.balances[to] > math.MaxUint64-amount {
		return 0, &Error{Kind: KindGeneric, Message: "balance overflow"}
	}
	l.balances[to] += amount
	l.supply += amount
	return l.commit(memo), nil
}

func (l *MemoryLedger) TransferFrom(ctx context.Context, from, to string, amount uint64, memo [32]byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &Error{Kind: KindUnreachable, Message: err.Error()}
	}
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" || amount == 0 {
		return 0, ErrInvalidArgument
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if idx, ok := l.memos[memo]; ok {
		return 0, &Error{Kind: KindDuplicate, DuplicateOf: idx}
	}
	ak := allowanceKey{owner: from, spender: l.controller}
	if allowance := l.allowances[ak]; allowance < amount {
		return 0, &Error{Kind: KindInsufficientAllowance, Allowance: allowance}
	}
	if bal := l.balances[from]; bal < amount {
		return 0, &Error{Kind: KindInsufficientFunds, Balance: bal}
	}

	l.allowances[ak] -= amount
	l.balances[from] -= amount
	if to == l.controller {
		l.supply -= amount
	} else {
		l.balances[to] += amount
	}
	return l.commit(memo), nil
}

func (l *MemoryLedger) BalanceOf(ctx context.Context, account string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &Error{Kind: KindUnreachable, Message: err.Error()}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[strings.TrimSpace(account)], nil
}

// Approve sets the allowance owner grants to the controller account.
func (l *MemoryLedger) Approve(owner string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[allowanceKey{owner: strings.TrimSpace(owner), spender: l.controller}] = amount
}

func (l *MemoryLedger) Allowance(owner string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowances[allowanceKey{owner: strings.TrimSpace(owner), spender: l.controller}]
}

func (l *MemoryLedger) TotalSupply() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.supply
}

// Height is the number of committed operations.
func (l *MemoryLedger) Height() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height
}

func (l *MemoryLedger) commit(memo [32]byte) uint64 {
	idx := l.height
	l.height++
	l.memos[memo] = idx
	return idx
}

package deposit

import (
	"fmt"
	"time"
)

type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusMinted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusMinted:
		return "minted"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Deposit is one observed transfer into the bridge program. Signature is the
// dedup key.
type Deposit struct {
	Signature string
	Slot      uint64
	Account   string
	Amount    uint64
}

type Record struct {
	Deposit Deposit
	Status  Status

	// FailReason is the last mint failure. It is kept after a later success.
	FailReason     string
	MintBlockIndex uint64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Checkpoint is the newest signature of the watched contract whose history
// has been fully resolved.
type Checkpoint struct {
	ContractAddress string
	Signature       string
	Slot            uint64
	UpdatedAt       time.Time
}

// InvalidTransaction is a transaction of the watched contract that will
// never produce a deposit.
type InvalidTransaction struct {
	Signature  string
	Slot       uint64
	Reason     string
	RecordedAt time.Time
}

type Stats struct {
	Pending int
	Minted  int
	Failed  int
	Invalid int
}

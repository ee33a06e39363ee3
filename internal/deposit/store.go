package deposit

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("deposit: not found")
	ErrInvalidDeposit       = errors.New("deposit: invalid deposit")
	ErrDepositMismatch      = errors.New("deposit: deposit mismatch")
	ErrInvalidTransition    = errors.New("deposit: invalid transition")
	ErrCheckpointRegression = errors.New("deposit: checkpoint regression")
)

type Store interface {
	// UpsertPending inserts d as Pending. An existing identical record is
	// returned with created=false; a different deposit under the same
	// signature is ErrDepositMismatch.
	UpsertPending(ctx context.Context, d Deposit) (Record, bool, error)
	Get(ctx context.Context, signature string) (Record, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Record, error)

	// MarkMinted is idempotent for the same block index. Minted records are
	// immutable.
	MarkMinted(ctx context.Context, signature string, blockIndex uint64) error
	MarkFailed(ctx context.Context, signature string, reason string) error

	RecordInvalid(ctx context.Context, tx InvalidTransaction) (bool, error)
	IsInvalid(ctx context.Context, signature string) (bool, error)
	ListInvalid(ctx context.Context, limit int) ([]InvalidTransaction, error)

	GetCheckpoint(ctx context.Context, contractAddress string) (Checkpoint, error)
	// AdvanceCheckpoint rejects a slot lower than the stored one with
	// ErrCheckpointRegression.
	AdvanceCheckpoint(ctx context.Context, cp Checkpoint) error

	Stats(ctx context.Context) (Stats, error)
}

// ValidateDeposit checks the fields every store requires.
func ValidateDeposit(d Deposit) error {
	if d.Signature == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidDeposit)
	}
	if d.Account == "" {
		return fmt.Errorf("%w: missing account", ErrInvalidDeposit)
	}
	if d.Amount == 0 {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidDeposit)
	}
	return nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/weichain/galactic-bridge-icp/internal/deposit"
)

var ErrInvalidConfig = errors.New("deposit/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("deposit/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) UpsertPending(ctx context.Context, d deposit.Deposit) (deposit.Record, bool, error) {
	if err := deposit.ValidateDeposit(d); err != nil {
		return deposit.Record{}, false, err
	}
	if d.Slot > math.MaxInt64 || d.Amount > math.MaxInt64 {
		return deposit.Record{}, false, fmt.Errorf("%w: value out of range", deposit.ErrInvalidDeposit)
	}

	var createdAt, updatedAt time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO deposits (signature, slot, account, amount, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now(),now())
		ON CONFLICT (signature) DO NOTHING
		RETURNING created_at, updated_at
	`, d.Signature, int64(d.Slot), d.Account, int64(d.Amount), int16(deposit.StatusPending)).Scan(&createdAt, &updatedAt)
	if err == nil {
		return deposit.Record{
			Deposit:   d,
			Status:    deposit.StatusPending,
			CreatedAt: createdAt.UTC(),
			UpdatedAt: updatedAt.UTC(),
		}, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return deposit.Record{}, false, fmt.Errorf("deposit/postgres: insert: %w", err)
	}

	r, err := s.Get(ctx, d.Signature)
	if err != nil {
		return deposit.Record{}, false, err
	}
	if r.Deposit != d {
		return deposit.Record{}, false, deposit.ErrDepositMismatch
	}
	return r, false, nil
}

const selectRecord = `
	SELECT signature, slot, account, amount, status, fail_reason, mint_block_index, created_at, updated_at
	FROM deposits
`

func scanRecord(row pgx.Row) (deposit.Record, error) {
	var (
		r          deposit.Record
		slot       int64
		amount     int64
		status     int16
		mintIndex  *int64
		created    time.Time
		updated    time.Time
		failReason string
	)
	if err := row.Scan(&r.Deposit.Signature, &slot, &r.Deposit.Account, &amount, &status, &failReason, &mintIndex, &created, &updated); err != nil {
		return deposit.Record{}, err
	}
	if slot < 0 || amount < 0 || (mintIndex != nil && *mintIndex < 0) {
		return deposit.Record{}, fmt.Errorf("deposit/postgres: negative values in db")
	}
	r.Deposit.Slot = uint64(slot)
	r.Deposit.Amount = uint64(amount)
	r.Status = deposit.Status(status)
	r.FailReason = failReason
	if mintIndex != nil {
		r.MintBlockIndex = uint64(*mintIndex)
	}
	r.CreatedAt = created.UTC()
	r.UpdatedAt = updated.UTC()
	return r, nil
}

func (s *Store) Get(ctx context.Context, signature string) (deposit.Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx, selectRecord+` WHERE signature = $1`, signature))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return deposit.Record{}, deposit.ErrNotFound
		}
		return deposit.Record{}, fmt.Errorf("deposit/postgres: get: %w", err)
	}
	return r, nil
}

func (s *Store) ListByStatus(ctx context.Context, status deposit.Status, limit int) ([]deposit.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, selectRecord+`
		WHERE status = $1
		ORDER BY created_at ASC, signature ASC
		LIMIT $2
	`, int16(status), limit)
	if err != nil {
		return nil, fmt.Errorf("deposit/postgres: list by status: %w", err)
	}
	defer rows.Close()

	out := make([]deposit.Record, 0, limit)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("deposit/postgres: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deposit/postgres: list by status: %w", err)
	}
	return out, nil
}

func (s *Store) MarkMinted(ctx context.Context, signature string, blockIndex uint64) error {
	if blockIndex > math.MaxInt64 {
		return fmt.Errorf("%w: block index too large", deposit.ErrInvalidDeposit)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE deposits
		SET status = $2, mint_block_index = $3, updated_at = now()
		WHERE signature = $1 AND status <> $2
	`, signature, int16(deposit.StatusMinted), int64(blockIndex))
	if err != nil {
		return fmt.Errorf("deposit/postgres: mark minted: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	r, err := s.Get(ctx, signature)
	if err != nil {
		return err
	}
	if r.Status == deposit.StatusMinted && r.MintBlockIndex == blockIndex {
		return nil
	}
	return deposit.ErrDepositMismatch
}

func (s *Store) MarkFailed(ctx context.Context, signature string, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deposits
		SET status = $2, fail_reason = $3, updated_at = now()
		WHERE signature = $1 AND status <> $4
	`, signature, int16(deposit.StatusFailed), reason, int16(deposit.StatusMinted))
	if err != nil {
		return fmt.Errorf("deposit/postgres: mark failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Get(ctx, signature); err != nil {
		return err
	}
	return deposit.ErrInvalidTransition
}

func (s *Store) RecordInvalid(ctx context.Context, tx deposit.InvalidTransaction) (bool, error) {
	if tx.Signature == "" {
		return false, deposit.ErrInvalidDeposit
	}
	if tx.Slot > math.MaxInt64 {
		return false, fmt.Errorf("%w: slot too large", deposit.ErrInvalidDeposit)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO deposit_invalid_transactions (signature, slot, reason, recorded_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (signature) DO NOTHING
	`, tx.Signature, int64(tx.Slot), tx.Reason)
	if err != nil {
		return false, fmt.Errorf("deposit/postgres: record invalid: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) IsInvalid(ctx context.Context, signature string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM deposit_invalid_transactions WHERE signature = $1)
	`, signature).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("deposit/postgres: is invalid: %w", err)
	}
	return exists, nil
}

func (s *Store) ListInvalid(ctx context.Context, limit int) ([]deposit.InvalidTransaction, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT signature, slot, reason, recorded_at
		FROM deposit_invalid_transactions
		ORDER BY recorded_at DESC, signature DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("deposit/postgres: list invalid: %w", err)
	}
	defer rows.Close()

	out := make([]deposit.InvalidTransaction, 0, limit)
	for rows.Next() {
		var (
			tx   deposit.InvalidTransaction
			slot int64
		)
		if err := rows.Scan(&tx.Signature, &slot, &tx.Reason, &tx.RecordedAt); err != nil {
			return nil, fmt.Errorf("deposit/postgres: scan invalid: %w", err)
		}
		if slot < 0 {
			return nil, fmt.Errorf("deposit/postgres: negative values in db")
		}
		tx.Slot = uint64(slot)
		tx.RecordedAt = tx.RecordedAt.UTC()
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deposit/postgres: list invalid: %w", err)
	}
	return out, nil
}

func (s *Store) GetCheckpoint(ctx context.Context, contractAddress string) (deposit.Checkpoint, error) {
	var (
		cp   deposit.Checkpoint
		slot int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT contract_address, signature, slot, updated_at
		FROM deposit_checkpoints
		WHERE contract_address = $1
	`, contractAddress).Scan(&cp.ContractAddress, &cp.Signature, &slot, &cp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return deposit.Checkpoint{}, deposit.ErrNotFound
		}
		return deposit.Checkpoint{}, fmt.Errorf("deposit/postgres: get checkpoint: %w", err)
	}
	if slot < 0 {
		return deposit.Checkpoint{}, fmt.Errorf("deposit/postgres: negative values in db")
	}
	cp.Slot = uint64(slot)
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	return cp, nil
}

// AdvanceCheckpoint is a single upsert guarded on the stored slot, so
// concurrent writers cannot move the cursor backwards.
func (s *Store) AdvanceCheckpoint(ctx context.Context, cp deposit.Checkpoint) error {
	if cp.ContractAddress == "" || cp.Signature == "" {
		return deposit.ErrInvalidDeposit
	}
	if cp.Slot > math.MaxInt64 {
		return fmt.Errorf("%w: slot too large", deposit.ErrInvalidDeposit)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO deposit_checkpoints (contract_address, signature, slot, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (contract_address) DO UPDATE
		SET signature = EXCLUDED.signature, slot = EXCLUDED.slot, updated_at = now()
		WHERE deposit_checkpoints.slot <= EXCLUDED.slot
	`, cp.ContractAddress, cp.Signature, int64(cp.Slot))
	if err != nil {
		return fmt.Errorf("deposit/postgres: advance checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return deposit.ErrCheckpointRegression
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (deposit.Stats, error) {
	var st deposit.Stats
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM deposits GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("deposit/postgres: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status int16
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return st, fmt.Errorf("deposit/postgres: stats scan: %w", err)
		}
		switch deposit.Status(status) {
		case deposit.StatusPending:
			st.Pending = n
		case deposit.StatusMinted:
			st.Minted = n
		case deposit.StatusFailed:
			st.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("deposit/postgres: stats: %w", err)
	}

	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM deposit_invalid_transactions`).Scan(&st.Invalid); err != nil {
		return st, fmt.Errorf("deposit/postgres: stats invalid: %w", err)
	}
	return st, nil
}

var _ deposit.Store = (*Store)(nil)

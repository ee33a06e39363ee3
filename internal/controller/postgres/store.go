// Package postgres stores the controller options in a single row.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/weichain/galactic-bridge-icp/internal/controller"
)

var ErrInvalidConfig = errors.New("controller/postgres: invalid config")

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
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("controller/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) LoadOptions(ctx context.Context) (controller.Options, error) {
	var (
		o       controller.Options
		minimum int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT key_name, solana_rpc_url, contract_address, initial_signature,
			minimum_withdrawal_amount, ledger_id, controller_account
		FROM controller_options
		WHERE id = 1
	`).Scan(&o.KeyName, &o.SolanaRPCURL, &o.ContractAddress, &o.InitialSignature, &minimum, &o.LedgerID, &o.ControllerAccount)
	if errors.Is(err, pgx.ErrNoRows) {
		return controller.Options{}, controller.ErrOptionsNotFound
	}
	if err != nil {
		return controller.Options{}, fmt.Errorf("controller/postgres: load options: %w", err)
	}
	if minimum <= 0 {
		return controller.Options{}, fmt.Errorf("controller/postgres: corrupt minimum withdrawal amount %d", minimum)
	}
	o.MinimumWithdrawalAmount = uint64(minimum)
	return o, nil
}

func (s *Store) SaveOptions(ctx context.Context, o controller.Options) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.MinimumWithdrawalAmount > math.MaxInt64 {
		return fmt.Errorf("%w: minimum withdrawal amount out of range", controller.ErrInvalidOptions)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO controller_options (id, key_name, solana_rpc_url, contract_address, initial_signature,
			minimum_withdrawal_amount, ledger_id, controller_account, updated_at)
		VALUES (1,$1,$2,$3,$4,$5,$6,$7, now())
		ON CONFLICT (id) DO UPDATE
		SET key_name = EXCLUDED.key_name,
			solana_rpc_url = EXCLUDED.solana_rpc_url,
			contract_address = EXCLUDED.contract_address,
			initial_signature = EXCLUDED.initial_signature,
			minimum_withdrawal_amount = EXCLUDED.minimum_withdrawal_amount,
			ledger_id = EXCLUDED.ledger_id,
			controller_account = EXCLUDED.controller_account,
			updated_at = now()
	`, o.KeyName, o.SolanaRPCURL, o.ContractAddress, o.InitialSignature,
		int64(o.MinimumWithdrawalAmount), o.LedgerID, o.ControllerAccount)
	if err != nil {
		return fmt.Errorf("controller/postgres: save options: %w", err)
	}
	return nil
}

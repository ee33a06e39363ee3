package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/weichain/galactic-bridge-icp/internal/coupon"
	"github.com/weichain/galactic-bridge-icp/internal/withdraw"
)

var ErrInvalidConfig = errors.New("withdraw/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool, now: time.Now}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("withdraw/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) CreateBurned(ctx context.Context, b withdraw.NewBurn) (withdraw.Record, error) {
	if err := b.Validate(); err != nil {
		return withdraw.Record{}, err
	}
	if b.Amount > math.MaxInt64 || b.BurnBlockIndex > math.MaxInt64 {
		return withdraw.Record{}, fmt.Errorf("%w: value out of range", withdraw.ErrInvalidBurn)
	}

	createdAt := s.now().UTC()
	var (
		burnID    int64
		updatedAt time.Time
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO withdraw_burns (
			account,
			to_address,
			amount,
			burn_block_index,
			request_id,
			created_at_ns,
			status,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		RETURNING burn_id, updated_at
	`, b.Account, b.ToAddress, int64(b.Amount), int64(b.BurnBlockIndex), b.RequestID[:], createdAt.UnixNano(), int16(withdraw.StatusBurned)).Scan(&burnID, &updatedAt)
	if err != nil {
		return withdraw.Record{}, fmt.Errorf("withdraw/postgres: insert burn: %w", err)
	}
	return withdraw.Record{
		Burn: withdraw.Burn{
			BurnID:         uint64(burnID),
			Account:        b.Account,
			ToAddress:      b.ToAddress,
			Amount:         b.Amount,
			BurnBlockIndex: b.BurnBlockIndex,
			RequestID:      b.RequestID,
			CreatedAt:      createdAt,
		},
		Status:    withdraw.StatusBurned,
		UpdatedAt: updatedAt.UTC(),
	}, nil
}

const selectRecord = `
	SELECT burn_id, account, to_address, amount, burn_block_index, request_id, created_at_ns, status, fail_reason, updated_at
	FROM withdraw_burns
`

func scanRecord(row pgx.Row) (withdraw.Record, error) {
	var (
		r          withdraw.Record
		burnID     int64
		amount     int64
		blockIndex int64
		requestID  []byte
		createdNs  int64
		status     int16
		updated    time.Time
	)
	if err := row.Scan(&burnID, &r.Burn.Account, &r.Burn.ToAddress, &amount, &blockIndex, &requestID, &createdNs, &status, &r.FailReason, &updated); err != nil {
		return withdraw.Record{}, err
	}
	if burnID < 0 || amount < 0 || blockIndex < 0 {
		return withdraw.Record{}, fmt.Errorf("withdraw/postgres: negative values in db")
	}
	if len(requestID) != 32 {
		return withdraw.Record{}, fmt.Errorf("withdraw/postgres: invalid request id length %d", len(requestID))
	}
	r.Burn.BurnID = uint64(burnID)
	r.Burn.Amount = uint64(amount)
	r.Burn.BurnBlockIndex = uint64(blockIndex)
	copy(r.Burn.RequestID[:], requestID)
	r.Burn.CreatedAt = time.Unix(0, createdNs).UTC()
	r.Status = withdraw.Status(status)
	r.UpdatedAt = updated.UTC()
	return r, nil
}

func (s *Store) Get(ctx context.Context, burnID uint64) (withdraw.Record, error) {
	if burnID > math.MaxInt64 {
		return withdraw.Record{}, withdraw.ErrNotFound
	}
	r, err := scanRecord(s.pool.QueryRow(ctx, selectRecord+` WHERE burn_id = $1`, int64(burnID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return withdraw.Record{}, withdraw.ErrNotFound
		}
		return withdraw.Record{}, fmt.Errorf("withdraw/postgres: get: %w", err)
	}
	return r, nil
}

func (s *Store) GetCoupon(ctx context.Context, burnID uint64) (coupon.Coupon, error) {
	if burnID > math.MaxInt64 {
		return coupon.Coupon{}, withdraw.ErrNotFound
	}
	c, err := getCoupon(ctx, s.pool, int64(burnID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return coupon.Coupon{}, withdraw.ErrNotFound
		}
		return coupon.Coupon{}, fmt.Errorf("withdraw/postgres: get coupon: %w", err)
	}
	return c, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getCoupon(ctx context.Context, q querier, burnID int64) (coupon.Coupon, error) {
	var (
		c   coupon.Coupon
		rid int16
	)
	err := q.QueryRow(ctx, `
		SELECT format, message, message_hash, signature_hex, public_key_hex, recovery_id
		FROM withdraw_coupons
		WHERE burn_id = $1
	`, burnID).Scan(&c.Format, &c.Message, &c.MessageHash, &c.SignatureHex, &c.PublicKeyHex, &rid)
	if err != nil {
		return coupon.Coupon{}, err
	}
	c.RecoveryID = uint8(rid)
	return c, nil
}

// MarkCouponIssued inserts the coupon and flips the burn status in one
// transaction. The coupon table's primary key enforces one coupon per burn.
func (s *Store) MarkCouponIssued(ctx context.Context, burnID uint64, c coupon.Coupon) error {
	if burnID > math.MaxInt64 {
		return withdraw.ErrNotFound
	}
	id := int64(burnID)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("withdraw/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status int16
	if err := tx.QueryRow(ctx, `SELECT status FROM withdraw_burns WHERE burn_id = $1 FOR UPDATE`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return withdraw.ErrNotFound
		}
		return fmt.Errorf("withdraw/postgres: lock burn: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO withdraw_coupons (burn_id, format, message, message_hash, signature_hex, public_key_hex, recovery_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		ON CONFLICT (burn_id) DO NOTHING
	`, id, c.Format, c.Message, c.MessageHash, c.SignatureHex, c.PublicKeyHex, int16(c.RecoveryID))
	if err != nil {
		return fmt.Errorf("withdraw/postgres: insert coupon: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := getCoupon(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("withdraw/postgres: read coupon: %w", err)
		}
		if existing != c {
			return withdraw.ErrCouponMismatch
		}
		return tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE withdraw_burns
		SET status = $2, updated_at = now()
		WHERE burn_id = $1
	`, id, int16(withdraw.StatusCouponIssued)); err != nil {
		return fmt.Errorf("withdraw/postgres: update burn: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("withdraw/postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) MarkCouponFailed(ctx context.Context, burnID uint64, reason string) error {
	if burnID > math.MaxInt64 {
		return withdraw.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE withdraw_burns
		SET status = $2, fail_reason = $3, updated_at = now()
		WHERE burn_id = $1 AND status <> $4
	`, int64(burnID), int16(withdraw.StatusCouponFailed), reason, int16(withdraw.StatusCouponIssued))
	if err != nil {
		return fmt.Errorf("withdraw/postgres: mark coupon failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Get(ctx, burnID); err != nil {
		return err
	}
	return withdraw.ErrInvalidTransition
}

func (s *Store) ListByAccount(ctx context.Context, account string) ([]withdraw.Record, error) {
	rows, err := s.pool.Query(ctx, selectRecord+` WHERE account = $1 ORDER BY burn_id ASC`, account)
	if err != nil {
		return nil, fmt.Errorf("withdraw/postgres: list by account: %w", err)
	}
	return collect(rows)
}

func (s *Store) ListByStatus(ctx context.Context, status withdraw.Status, limit int) ([]withdraw.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, selectRecord+` WHERE status = $1 ORDER BY burn_id ASC LIMIT $2`, int16(status), limit)
	if err != nil {
		return nil, fmt.Errorf("withdraw/postgres: list by status: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]withdraw.Record, error) {
	defer rows.Close()
	var out []withdraw.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("withdraw/postgres: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("withdraw/postgres: rows: %w", err)
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (withdraw.Stats, error) {
	var st withdraw.Stats
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM withdraw_burns GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("withdraw/postgres: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status int16
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return st, fmt.Errorf("withdraw/postgres: stats scan: %w", err)
		}
		switch withdraw.Status(status) {
		case withdraw.StatusBurned:
			st.Burned = n
		case withdraw.StatusCouponIssued:
			st.CouponIssued = n
		case withdraw.StatusCouponFailed:
			st.CouponFailed = n
		}
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("withdraw/postgres: stats: %w", err)
	}

	var next int64
	err = s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(DISTINCT account) FROM withdraw_burns),
			(SELECT CASE WHEN is_called THEN last_value + 1 ELSE last_value END FROM withdraw_burn_id_seq)
	`).Scan(&st.Accounts, &next)
	if err != nil {
		return st, fmt.Errorf("withdraw/postgres: stats totals: %w", err)
	}
	if next > 0 {
		st.NextBurnID = uint64(next)
	}
	return st, nil
}

var _ withdraw.Store = (*Store)(nil)

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/weichain/galactic-bridge-icp/internal/tasks"
)

var ErrInvalidConfig = errors.New("tasks/postgres: invalid config")

const taskColumns = `id, kind, key, status, attempts, last_error, created_at, updated_at`

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
		return fmt.Errorf("tasks/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, kind tasks.Kind, key string) (tasks.Task, bool, error) {
	if err := validateKey(kind, key); err != nil {
		return tasks.Task{}, false, err
	}

	t, err := scanTask(s.pool.QueryRow(ctx, `
		INSERT INTO bridge_tasks (kind, key, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (kind, key) WHERE status IN (1, 2) DO NOTHING
		RETURNING `+taskColumns,
		int16(kind), key, int16(tasks.StatusRunning),
	))
	if err == nil {
		return t, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return tasks.Task{}, false, fmt.Errorf("tasks/postgres: create: %w", err)
	}

	t, err = scanTask(s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM bridge_tasks
		WHERE kind = $1 AND key = $2 AND status IN (1, 2)
	`, int16(kind), key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Finished between the insert and the read.
			return tasks.Task{}, false, tasks.ErrConflict
		}
		return tasks.Task{}, false, fmt.Errorf("tasks/postgres: create: %w", err)
	}
	return t, false, nil
}

func (s *Store) Get(ctx context.Context, id uint64) (tasks.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM bridge_tasks WHERE id = $1`, int64(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tasks.Task{}, tasks.ErrNotFound
		}
		return tasks.Task{}, fmt.Errorf("tasks/postgres: get: %w", err)
	}
	return t, nil
}

func (s *Store) Latest(ctx context.Context, kind tasks.Kind, key string) (tasks.Task, error) {
	if err := validateKey(kind, key); err != nil {
		return tasks.Task{}, err
	}
	t, err := scanTask(s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM bridge_tasks
		WHERE kind = $1 AND key = $2
		ORDER BY id DESC
		LIMIT 1
	`, int16(kind), key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tasks.Task{}, tasks.ErrNotFound
		}
		return tasks.Task{}, fmt.Errorf("tasks/postgres: latest: %w", err)
	}
	return t, nil
}

func (s *Store) Update(ctx context.Context, id uint64, prevAttempts uint32, status tasks.Status, lastError string) (tasks.Task, error) {
	if status == tasks.StatusUnknown || status > tasks.StatusDropped {
		return tasks.Task{}, tasks.ErrInvalidTransition
	}

	t, err := scanTask(s.pool.QueryRow(ctx, `
		UPDATE bridge_tasks
		SET status = $3,
			attempts = attempts + 1,
			last_error = $4,
			updated_at = now()
		WHERE id = $1 AND attempts = $2 AND status IN (1, 2)
		RETURNING `+taskColumns,
		int64(id), int64(prevAttempts), int16(status), lastError,
	))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return tasks.Task{}, fmt.Errorf("tasks/postgres: update: %w", err)
	}

	cur, gerr := s.Get(ctx, id)
	if gerr != nil {
		return tasks.Task{}, gerr
	}
	if !cur.Status.Active() {
		return tasks.Task{}, tasks.ErrInvalidTransition
	}
	return tasks.Task{}, tasks.ErrConflict
}

func (s *Store) ListActive(ctx context.Context) ([]tasks.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM bridge_tasks
		WHERE status IN (1, 2)
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("tasks/postgres: list active: %w", err)
	}
	return collectTasks(rows)
}

func (s *Store) ListFinished(ctx context.Context, limit int) ([]tasks.Task, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM bridge_tasks
		WHERE status IN (3, 4)
		ORDER BY updated_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("tasks/postgres: list finished: %w", err)
	}
	return collectTasks(rows)
}

func (s *Store) DeleteFinishedBefore(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM bridge_tasks
		WHERE status IN (3, 4) AND updated_at < $1
	`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("tasks/postgres: prune: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func collectTasks(rows pgx.Rows) ([]tasks.Task, error) {
	defer rows.Close()

	var out []tasks.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("tasks/postgres: scan: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tasks/postgres: rows: %w", err)
	}
	return out, nil
}

func scanTask(row pgx.Row) (tasks.Task, error) {
	var (
		id        int64
		kind      int16
		key       string
		status    int16
		attempts  int64
		lastError string
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&id, &kind, &key, &status, &attempts, &lastError, &createdAt, &updatedAt); err != nil {
		return tasks.Task{}, err
	}
	if id <= 0 || attempts < 0 {
		return tasks.Task{}, errors.New("tasks/postgres: negative values in db")
	}
	return tasks.Task{
		ID:        uint64(id),
		Kind:      tasks.Kind(kind),
		Key:       key,
		Status:    tasks.Status(status),
		Attempts:  uint32(attempts),
		LastError: lastError,
		CreatedAt: createdAt.UTC(),
		UpdatedAt: updatedAt.UTC(),
	}, nil
}

func validateKey(kind tasks.Kind, key string) error {
	if kind == tasks.KindUnknown || kind > tasks.KindCouponAttempt || key == "" {
		return tasks.ErrInvalidTask
	}
	return nil
}

var _ tasks.Store = (*Store)(nil)

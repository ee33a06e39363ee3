package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// DefaultMaxRetries is the number of consecutive failures a task may record
// and stay Retrying. The next failure drops it.
const DefaultMaxRetries = 100

const maxUpdateConflicts = 8

var ErrInvalidConfig = errors.New("tasks: invalid config")

type Config struct {
	MaxRetries uint32
	Logger     *slog.Logger
	// OnDropped is called after a task transitions to Dropped.
	OnDropped func(ctx context.Context, t Task)
	Now       func() time.Time
}

// Registry applies the retry ceiling on top of a Store. There is no backoff:
// callers retry on their own schedule (the next scrape cycle, an explicit
// reissue) and the registry only counts.
type Registry struct {
	store Store
	cfg   Config
	log   *slog.Logger
}

func NewRegistry(store Store, cfg Config) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{store: store, cfg: cfg, log: log}, nil
}

func (r *Registry) MaxRetries() uint32 { return r.cfg.MaxRetries }

// Schedule returns the active task for (kind, key), creating it when none is
// active.
func (r *Registry) Schedule(ctx context.Context, kind Kind, key string) (Task, error) {
	t, created, err := r.store.Create(ctx, kind, key)
	if err != nil {
		return Task{}, err
	}
	if created {
		r.log.Debug("task scheduled", "id", t.ID, "kind", kind.String(), "key", key)
	}
	return t, nil
}

// RecordAttempt records the outcome of one attempt. A nil attemptErr
// succeeds the task. A failure leaves it Retrying while the number of
// failures is at most MaxRetries, and drops it otherwise.
func (r *Registry) RecordAttempt(ctx context.Context, id uint64, attemptErr error) (Task, error) {
	for i := 0; i < maxUpdateConflicts; i++ {
		cur, err := r.store.Get(ctx, id)
		if err != nil {
			return Task{}, err
		}
		if !cur.Status.Active() {
			return cur, fmt.Errorf("%w: task %d is %s", ErrInvalidTransition, id, cur.Status)
		}

		next := StatusSucceeded
		lastErr := ""
		if attemptErr != nil {
			lastErr = attemptErr.Error()
			next = StatusRetrying
			if cur.Attempts+1 > r.cfg.MaxRetries {
				next = StatusDropped
			}
		}

		t, err := r.store.Update(ctx, id, cur.Attempts, next, lastErr)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return Task{}, err
		}

		switch t.Status {
		case StatusDropped:
			r.log.Warn("task dropped", "id", t.ID, "kind", t.Kind.String(), "key", t.Key, "attempts", t.Attempts, "err", t.LastError)
			if r.cfg.OnDropped != nil {
				r.cfg.OnDropped(ctx, t)
			}
		case StatusRetrying:
			r.log.Debug("task attempt failed", "id", t.ID, "kind", t.Kind.String(), "key", t.Key, "attempts", t.Attempts, "err", t.LastError)
		}
		return t, nil
	}
	return Task{}, fmt.Errorf("%w: task %d", ErrConflict, id)
}

// Lookup returns the most recent task for (kind, key) in any status.
func (r *Registry) Lookup(ctx context.Context, kind Kind, key string) (Task, error) {
	return r.store.Latest(ctx, kind, key)
}

// IsDropped reports whether the most recent task for (kind, key) was dropped.
func (r *Registry) IsDropped(ctx context.Context, kind Kind, key string) (bool, error) {
	t, err := r.store.Latest(ctx, kind, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.Status == StatusDropped, nil
}

func (r *Registry) ListActive(ctx context.Context) ([]Task, error) {
	return r.store.ListActive(ctx)
}

func (r *Registry) History(ctx context.Context, limit int) ([]Task, error) {
	return r.store.ListFinished(ctx, limit)
}

// Prune deletes finished tasks last updated before the cutoff.
func (r *Registry) Prune(ctx context.Context, before time.Time) (int, error) {
	n, err := r.store.DeleteFinishedBefore(ctx, before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Info("pruned task history", "deleted", n, "before", before.UTC().Format(time.RFC3339))
	}
	return n, nil
}

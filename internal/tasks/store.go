package tasks

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("tasks: not found")
	ErrInvalidTask       = errors.New("tasks: invalid task")
	ErrInvalidTransition = errors.New("tasks: invalid transition")
	ErrConflict          = errors.New("tasks: concurrent update")
)

// Store persists tasks.
//
// At most one active (Running or Retrying) task exists per (kind, key).
// Finished tasks are kept until pruned.
type Store interface {
	// Create inserts a Running task, or returns the active task for
	// (kind, key) with created=false.
	Create(ctx context.Context, kind Kind, key string) (Task, bool, error)
	Get(ctx context.Context, id uint64) (Task, error)
	// Latest returns the most recently created task for (kind, key) in any status.
	Latest(ctx context.Context, kind Kind, key string) (Task, error)
	// Update moves an active task whose attempt count is still prevAttempts.
	// A stale prevAttempts returns ErrConflict.
	Update(ctx context.Context, id uint64, prevAttempts uint32, status Status, lastError string) (Task, error)
	ListActive(ctx context.Context) ([]Task, error)
	// ListFinished returns Succeeded and Dropped tasks, newest first.
	ListFinished(ctx context.Context, limit int) ([]Task, error)
	// DeleteFinishedBefore removes finished tasks last updated before t.
	DeleteFinishedBefore(ctx context.Context, t time.Time) (int, error)
}

func validateKey(kind Kind, key string) error {
	if !kind.valid() {
		return ErrInvalidTask
	}
	if key == "" {
		return ErrInvalidTask
	}
	return nil
}

package controller

import (
	"context"
	"errors"
	"sync"
)

var ErrOptionsNotFound = errors.New("controller: options not found")

// OptionsStore keeps the options in force so upgrades survive restarts.
type OptionsStore interface {
	// LoadOptions returns ErrOptionsNotFound until the first save.
	LoadOptions(ctx context.Context) (Options, error)
	SaveOptions(ctx context.Context, opts Options) error
}

// MemoryOptionsStore is an OptionsStore for tests and single-process runs.
type MemoryOptionsStore struct {
	mu    sync.Mutex
	opts  Options
	saved bool
}

func NewMemoryOptionsStore() *MemoryOptionsStore {
	return &MemoryOptionsStore{}
}

func (s *MemoryOptionsStore) LoadOptions(context.Context) (Options, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.saved {
		return Options{}, ErrOptionsNotFound
	}
	return s.opts, nil
}

func (s *MemoryOptionsStore) SaveOptions(_ context.Context, opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.opts = opts
	s.saved = true
	s.mu.Unlock()
	return nil
}

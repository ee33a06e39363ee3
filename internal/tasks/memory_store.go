package tasks

import (
	"context"
	"sort"
	"sync"
	"time"
)

type activeKey struct {
	kind Kind
	key  string
}

type MemoryStore struct {
	now func() time.Time

	mu     sync.Mutex
	nextID uint64
	tasks  map[uint64]Task
	active map[activeKey]uint64
	latest map[activeKey]uint64
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:    now,
		nextID: 1,
		tasks:  make(map[uint64]Task),
		active: make(map[activeKey]uint64),
		latest: make(map[activeKey]uint64),
	}
}

func (s *MemoryStore) Create(_ context.Context, kind Kind, key string) (Task, bool, error) {
	if err := validateKey(kind, key); err != nil {
		return Task{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := activeKey{kind: kind, key: key}
	if id, ok := s.active[k]; ok {
		return s.tasks[id], false, nil
	}

	now := s.now().UTC()
	t := Task{
		ID:        s.nextID,
		Kind:      kind,
		Key:       key,
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.nextID++
	s.tasks[t.ID] = t
	s.active[k] = t.ID
	s.latest[k] = t.ID
	return t, true, nil
}

func (s *MemoryStore) Get(_ context.Context, id uint64) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) Latest(_ context.Context, kind Kind, key string) (Task, error) {
	if err := validateKey(kind, key); err != nil {
		return Task{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.latest[activeKey{kind: kind, key: key}]
	if !ok {
		return Task{}, ErrNotFound
	}
	t, ok := s.tasks[id]
	if !ok {
		// Pruned.
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) Update(_ context.Context, id uint64, prevAttempts uint32, status Status, lastError string) (Task, error) {
	if status == StatusUnknown || status > StatusDropped {
		return Task{}, ErrInvalidTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	if !t.Status.Active() {
		return Task{}, ErrInvalidTransition
	}
	if t.Attempts != prevAttempts {
		return Task{}, ErrConflict
	}

	t.Attempts = prevAttempts + 1
	t.Status = status
	t.LastError = lastError
	t.UpdatedAt = s.now().UTC()
	s.tasks[id] = t
	if !status.Active() {
		delete(s.active, activeKey{kind: t.Kind, key: t.Key})
	}
	return t, nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, 0, len(s.active))
	for _, id := range s.active {
		out = append(out, s.tasks[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListFinished(_ context.Context, limit int) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, 0)
	for _, t := range s.tasks {
		if !t.Status.Active() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteFinishedBefore(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, t := range s.tasks {
		if t.Status.Active() || !t.UpdatedAt.Before(before) {
			continue
		}
		delete(s.tasks, id)
		n++
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)

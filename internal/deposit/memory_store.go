package deposit

import (
	"context"
	"sync"
	"time"
)

type MemoryStore struct {
	now func() time.Time

	mu          sync.Mutex
	records     map[string]Record
	order       []string
	invalid     map[string]InvalidTransaction
	invalidSeq  []string
	checkpoints map[string]Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		records:     make(map[string]Record),
		invalid:     make(map[string]InvalidTransaction),
		checkpoints: make(map[string]Checkpoint),
	}
}

func (s *MemoryStore) UpsertPending(_ context.Context, d Deposit) (Record, bool, error) {
	if err := ValidateDeposit(d); err != nil {
		return Record{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[d.Signature]
	if !ok {
		now := s.now().UTC()
		r = Record{
			Deposit:   d,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.records[d.Signature] = r
		s.order = append(s.order, d.Signature)
		return r, true, nil
	}
	if r.Deposit != d {
		return Record{}, false, ErrDepositMismatch
	}
	return r, false, nil
}

func (s *MemoryStore) Get(_ context.Context, signature string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[signature]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	out := make([]Record, 0, min(limit, len(s.order)))
	for _, sig := range s.order {
		r := s.records[sig]
		if r.Status != status {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkMinted(_ context.Context, signature string, blockIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[signature]
	if !ok {
		return ErrNotFound
	}
	if r.Status == StatusMinted {
		if r.MintBlockIndex != blockIndex {
			return ErrDepositMismatch
		}
		return nil
	}
	r.Status = StatusMinted
	r.MintBlockIndex = blockIndex
	r.UpdatedAt = s.now().UTC()
	s.records[signature] = r
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, signature string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[signature]
	if !ok {
		return ErrNotFound
	}
	if r.Status == StatusMinted {
		return ErrInvalidTransition
	}
	r.Status = StatusFailed
	r.FailReason = reason
	r.UpdatedAt = s.now().UTC()
	s.records[signature] = r
	return nil
}

func (s *MemoryStore) RecordInvalid(_ context.Context, tx InvalidTransaction) (bool, error) {
	if tx.Signature == "" {
		return false, ErrInvalidDeposit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.invalid[tx.Signature]; ok {
		return false, nil
	}
	if tx.RecordedAt.IsZero() {
		tx.RecordedAt = s.now().UTC()
	}
	s.invalid[tx.Signature] = tx
	s.invalidSeq = append(s.invalidSeq, tx.Signature)
	return true, nil
}

func (s *MemoryStore) IsInvalid(_ context.Context, signature string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.invalid[signature]
	return ok, nil
}

// ListInvalid returns the most recently recorded invalid transactions first.
func (s *MemoryStore) ListInvalid(_ context.Context, limit int) ([]InvalidTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	out := make([]InvalidTransaction, 0, min(limit, len(s.invalidSeq)))
	for i := len(s.invalidSeq) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.invalid[s.invalidSeq[i]])
	}
	return out, nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, contractAddress string) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[contractAddress]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return cp, nil
}

func (s *MemoryStore) AdvanceCheckpoint(_ context.Context, cp Checkpoint) error {
	if cp.ContractAddress == "" || cp.Signature == "" {
		return ErrInvalidDeposit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.checkpoints[cp.ContractAddress]; ok && cp.Slot < cur.Slot {
		return ErrCheckpointRegression
	}
	cp.UpdatedAt = s.now().UTC()
	s.checkpoints[cp.ContractAddress] = cp
	return nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	for _, r := range s.records {
		switch r.Status {
		case StatusPending:
			st.Pending++
		case StatusMinted:
			st.Minted++
		case StatusFailed:
			st.Failed++
		}
	}
	st.Invalid = len(s.invalid)
	return st, nil
}

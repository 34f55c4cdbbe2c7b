package entitlement

import (
	"context"
	"sync"
)

// MemoryStore keeps entitlements in process memory. It does not survive a
// restart and is meant for tests and single-shot tools.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, bool, error) {
	if id == "" {
		return Record{}, false, ErrEmptyPaymentID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok, nil
}

func (s *MemoryStore) IsSettled(ctx context.Context, id string) (bool, error) {
	return isSettled(ctx, s, id)
}

func (s *MemoryStore) PutIfAbsent(_ context.Context, rec Record) (Record, bool, error) {
	rec, err := normalize(rec)
	if err != nil {
		return Record{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.PaymentID]; ok {
		return existing, false, nil
	}
	s.records[rec.PaymentID] = rec
	return rec, true, nil
}

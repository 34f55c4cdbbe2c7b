package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. Thread-safe via one mutex, which
// makes every conditional update atomic.
type MemoryStore struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	deposits  map[string]string
	payments  map[string]*SessionPayment
	bySession map[string][]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*Session),
		deposits:  make(map[string]string),
		payments:  make(map[string]*SessionPayment),
		bySession: make(map[string][]string),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	m.sessions[s.ID] = s.clone()
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	return s.clone(), nil
}

func (m *MemoryStore) ActivateSession(_ context.Context, id string, deposited int64, depositTx string, depositBlock uint64, at time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil || s.Active || s.Closed() || s.Activated() {
		return nil, activateFailure(s, id)
	}
	if _, used := m.deposits[depositTx]; used {
		return nil, ErrDepositReused
	}
	m.deposits[depositTx] = id

	s.Deposited = deposited
	s.Active = true
	s.DepositTx = depositTx
	s.DepositBlock = depositBlock
	activated := at
	s.ActivatedAt = &activated
	return s.clone(), nil
}

func (m *MemoryStore) Deactivate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil {
		return notFound(id)
	}
	s.Active = false
	return nil
}

func (m *MemoryStore) ReserveSpend(_ context.Context, id string, amount int64, now time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil || !s.Active || s.Closed() || s.Refunding || !now.Before(s.ExpiresAt) || amount > s.Remaining() {
		var snapshot *Session
		if s != nil {
			snapshot = s.clone()
		}
		return nil, reserveFailure(snapshot, id, amount, now)
	}
	s.Spent += amount
	return s.clone(), nil
}

func (m *MemoryStore) ReleaseSpend(_ context.Context, id string, amount int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil {
		return nil, notFound(id)
	}
	s.Spent -= amount
	if s.Spent < 0 {
		s.Spent = 0
	}
	return s.clone(), nil
}

func (m *MemoryStore) ClaimRefund(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil || s.Refunding || s.Residual() <= 0 {
		var snapshot *Session
		if s != nil {
			snapshot = s.clone()
		}
		return nil, refundFailure(snapshot, id)
	}
	s.Refunding = true
	s.RefundPending = s.Residual()
	return s.clone(), nil
}

func (m *MemoryStore) ReleaseRefund(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil {
		return notFound(id)
	}
	s.Refunding = false
	s.RefundPending = 0
	return nil
}

func (m *MemoryStore) CompleteRefund(_ context.Context, id string, amount int64, at time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil {
		return nil, notFound(id)
	}
	s.Refunded += amount
	s.Refunding = false
	s.RefundPending = 0
	s.Active = false
	if s.ClosedAt == nil {
		closed := at
		s.ClosedAt = &closed
	}
	return s.clone(), nil
}

func (m *MemoryStore) CloseSession(_ context.Context, id string, at time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil || s.Closed() {
		var snapshot *Session
		if s != nil {
			snapshot = s.clone()
		}
		return nil, closeFailure(snapshot, id)
	}
	s.Active = false
	closed := at
	s.ClosedAt = &closed
	return s.clone(), nil
}

func (m *MemoryStore) InsertPayment(_ context.Context, p *SessionPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.PaymentID]; ok {
		return nil
	}
	m.payments[p.PaymentID] = p.clone()
	m.bySession[p.SessionID] = append(m.bySession[p.SessionID], p.PaymentID)
	return nil
}

func (m *MemoryStore) FindPayment(_ context.Context, paymentID string) (*SessionPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return p.clone(), nil
}

func (m *MemoryStore) ListPayments(_ context.Context, sessionID string) ([]SessionPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.bySession[sessionID]
	out := make([]SessionPayment, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.payments[id].clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

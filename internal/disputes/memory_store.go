package disputes

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps disputes in memory for demo mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func (m *MemoryStore) Create(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.openFor(d.TransactionID) != nil {
		return ErrDisputeExists
	}
	m.disputes[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) OpenForTransaction(_ context.Context, transactionID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d := m.openFor(transactionID); d != nil {
		return d.Clone(), nil
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) openFor(transactionID string) *Dispute {
	for _, d := range m.disputes {
		if d.TransactionID == transactionID && !d.IsResolved() {
			return d
		}
	}
	return nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Dispute
	for _, d := range m.disputes {
		if d.Status == status {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, d *Dispute, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	if cur.Status != from {
		if cur.IsResolved() {
			return ErrAlreadyResolved
		}
		return ErrInvalidStatus
	}
	m.disputes[d.ID] = d.Clone()
	return nil
}

var _ Store = (*MemoryStore)(nil)

package orders

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps orders in memory for demo mode and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (m *MemoryStore) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) ListByBuyer(_ context.Context, buyerID string, limit int) ([]*Order, error) {
	return m.list(func(o *Order) bool { return o.BuyerID == buyerID }, limit), nil
}

func (m *MemoryStore) ListBySupplier(_ context.Context, supplierID string, limit int) ([]*Order, error) {
	return m.list(func(o *Order) bool { return o.SupplierID == supplierID }, limit), nil
}

func (m *MemoryStore) list(match func(*Order) bool, limit int) []*Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		if match(o) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from, to Status, trackingNumber string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status != from {
		return ErrStatusConflict
	}
	o.Status = to
	o.UpdatedAt = at
	if trackingNumber != "" {
		o.TrackingNumber = trackingNumber
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[id]; !ok {
		return ErrOrderNotFound
	}
	delete(m.orders, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)

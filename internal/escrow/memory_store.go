package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/salmarket/escrowd/internal/vision"
)

// MemoryStore keeps transactions in memory for demo mode and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	txs  map[string]*Transaction
	byOr map[string]string // order ID -> transaction ID
	byRf map[string]string // gateway ref -> transaction ID
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:  make(map[string]*Transaction),
		byOr: make(map[string]string),
		byRf: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byOr[tx.OrderID]; ok {
		return ErrTransactionExists
	}
	if _, ok := m.byRf[tx.GatewayOrderRef]; ok {
		return ErrTransactionExists
	}
	m.txs[tx.ID] = tx.Clone()
	m.byOr[tx.OrderID] = tx.ID
	m.byRf[tx.GatewayOrderRef] = tx.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(id)
}

func (m *MemoryStore) GetByOrder(_ context.Context, orderID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(m.byOr[orderID])
}

func (m *MemoryStore) GetByGatewayRef(_ context.Context, ref string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(m.byRf[ref])
}

func (m *MemoryStore) get(id string) (*Transaction, error) {
	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return tx.Clone(), nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from, to Status, at time.Time) error {
	return m.update(id, func(tx *Transaction) error {
		if tx.Status != from {
			return ErrStatusConflict
		}
		tx.Status = to
		tx.UpdatedAt = at
		return nil
	})
}

func (m *MemoryStore) SetDeliveryProof(_ context.Context, id, url string, at time.Time) error {
	return m.update(id, func(tx *Transaction) error {
		if tx.DeliveryProofURL != "" {
			return ErrProofAlreadyAttached
		}
		tx.DeliveryProofURL = url
		tx.UpdatedAt = at
		return nil
	})
}

func (m *MemoryStore) SetVerification(_ context.Context, id string, result *vision.Result, at time.Time) error {
	return m.update(id, func(tx *Transaction) error {
		tx.Verification = cloneResult(result)
		tx.UpdatedAt = at
		return nil
	})
}

func (m *MemoryStore) SetGatewayAudit(_ context.Context, id, gatewayTxID, paymentType, gatewayStatus string, at time.Time) error {
	return m.update(id, func(tx *Transaction) error {
		if gatewayTxID != "" {
			tx.GatewayTransactionID = gatewayTxID
		}
		if paymentType != "" {
			tx.PaymentType = paymentType
		}
		tx.GatewayStatus = gatewayStatus
		tx.UpdatedAt = at
		return nil
	})
}

func (m *MemoryStore) update(id string, fn func(*Transaction) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	return fn(tx)
}

// ListReconcilable cannot see order status; transactions of cancelled
// orders drop out once their failed gateway status has been recorded.
func (m *MemoryStore) ListReconcilable(_ context.Context, createdBefore time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, tx := range m.txs {
		if tx.Status == StatusPending && tx.CreatedAt.Before(createdBefore) && !IsFailedGatewayStatus(tx.GatewayStatus) {
			out = append(out, tx.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := reconcileKey(out[i]), reconcileKey(out[j])
		if a.Equal(b) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return a.Before(b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func reconcileKey(tx *Transaction) time.Time {
	if tx.ReconciledAt != nil {
		return *tx.ReconciledAt
	}
	return tx.CreatedAt
}

func (m *MemoryStore) MarkReconciled(_ context.Context, id string, at time.Time) error {
	return m.update(id, func(tx *Transaction) error {
		tx.ReconciledAt = &at
		return nil
	})
}

func (m *MemoryStore) DeleteByOrder(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byOr[orderID]
	if !ok {
		return ErrTransactionNotFound
	}
	tx := m.txs[id]
	delete(m.txs, id)
	delete(m.byOr, orderID)
	delete(m.byRf, tx.GatewayOrderRef)
	return nil
}

var _ Store = (*MemoryStore)(nil)

package disputes

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salmarket/escrowd/internal/escrow"
	"github.com/salmarket/escrowd/internal/events"
	"github.com/salmarket/escrowd/internal/orders"
	"github.com/salmarket/escrowd/internal/testutil"
)

func newTestManager(t *testing.T) (*Manager, *testutil.Env) {
	t.Helper()
	env := testutil.NewEnv(t)
	m := NewManager(NewMemoryStore(), env.Ledger, env.Orders, env.Runner, env.Locks).WithPublisher(env.Events)
	return m, env
}

// seedDisputed mirrors the state after a failed verification.
func seedDisputed(t *testing.T, m *Manager, env *testutil.Env) (*testutil.Seeded, *Dispute) {
	t.Helper()
	s := env.Seed(t, "sembako", orders.StatusDelivered, escrow.StatusDisputed)
	d, created, err := m.Open(context.Background(), s.Transaction.ID, SystemReason)
	require.NoError(t, err)
	require.True(t, created)
	return s, d
}

func TestOpen_ReturnsExistingUnresolved(t *testing.T) {
	m, env := newTestManager(t)
	s, first := seedDisputed(t, m, env)

	second, created, err := m.Open(context.Background(), s.Transaction.ID, "again")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	open, err := m.ListByStatus(context.Background(), StatusOpen, 0)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestOpen_ConcurrentCallersGetOneDispute(t *testing.T) {
	m, env := newTestManager(t)
	s := env.Seed(t, "sembako", orders.StatusDelivered, escrow.StatusDisputed)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, _, err := m.Open(context.Background(), s.Transaction.ID, SystemReason)
			if err == nil {
				ids[i] = d.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	open, _ := m.ListByStatus(context.Background(), StatusOpen, 0)
	assert.Len(t, open, 1)
}

func TestOpen_UnknownTransaction(t *testing.T) {
	m, _ := newTestManager(t)
	_, _, err := m.Open(context.Background(), "missing", SystemReason)
	assert.ErrorIs(t, err, escrow.ErrTransactionNotFound)
}

func TestReview(t *testing.T) {
	m, env := newTestManager(t)
	_, d := seedDisputed(t, m, env)
	ctx := context.Background()

	reviewed, err := m.Review(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnderReview, reviewed.Status)
	assert.NotNil(t, reviewed.ReviewedAt)

	again, err := m.Review(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnderReview, again.Status)

	assert.Contains(t, env.Events.Types(), events.DisputeReviewed)
}

func TestResolve_ReleaseFunds(t *testing.T) {
	m, env := newTestManager(t)
	s, d := seedDisputed(t, m, env)

	resolved, err := m.Resolve(context.Background(), d.ID, ResolveRequest{
		Resolution: ResolutionReleaseFunds,
		Notes:      "photo re-checked manually",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
	assert.Equal(t, ResolutionReleaseFunds, resolved.Resolution)
	assert.NotNil(t, resolved.ResolvedAt)

	assert.Equal(t, escrow.StatusReleased, env.LedgerStatus(t, s.Order.ID))
	assert.Equal(t, orders.StatusCompleted, env.OrderStatus(t, s.Order.ID))
	assert.Equal(t, []events.Type{
		events.EscrowStatusChanged, events.OrderStatusChanged, events.DisputeResolved,
	}, env.Events.Types())
}

func TestResolve_RefundBuyer(t *testing.T) {
	m, env := newTestManager(t)
	s, d := seedDisputed(t, m, env)
	_, err := m.Review(context.Background(), d.ID)
	require.NoError(t, err)

	_, err = m.Resolve(context.Background(), d.ID, ResolveRequest{Resolution: ResolutionRefundBuyer})
	require.NoError(t, err)

	assert.Equal(t, escrow.StatusRefunded, env.LedgerStatus(t, s.Order.ID))
	assert.Equal(t, orders.StatusCancelled, env.OrderStatus(t, s.Order.ID))
}

func TestResolve_PartialRefundRecordsAmount(t *testing.T) {
	m, env := newTestManager(t)
	s, d := seedDisputed(t, m, env)
	ctx := context.Background()

	_, err := m.Resolve(ctx, d.ID, ResolveRequest{
		Resolution:   ResolutionPartialRefund,
		RefundAmount: decimal.NewFromInt(200000),
	})
	assert.ErrorIs(t, err, ErrRefundAmount, "more than the transaction amount")

	resolved, err := m.Resolve(ctx, d.ID, ResolveRequest{
		Resolution:   ResolutionPartialRefund,
		Notes:        "one sack damaged",
		RefundAmount: decimal.NewFromInt(50000),
	})
	require.NoError(t, err)
	assert.Equal(t, "Partial refund of IDR 50000. one sack damaged", resolved.Notes)
	assert.Equal(t, escrow.StatusRefunded, env.LedgerStatus(t, s.Order.ID))

	tx, _ := env.Ledger.GetByOrder(ctx, s.Order.ID)
	assert.True(t, tx.Amount.Equal(decimal.NewFromInt(150000)), "transaction amount is immutable")
}

func TestResolve_AlreadyResolved(t *testing.T) {
	m, env := newTestManager(t)
	s, d := seedDisputed(t, m, env)
	ctx := context.Background()

	_, err := m.Resolve(ctx, d.ID, ResolveRequest{Resolution: ResolutionRefundBuyer})
	require.NoError(t, err)

	_, err = m.Resolve(ctx, d.ID, ResolveRequest{Resolution: ResolutionReleaseFunds})
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	_, err = m.Review(ctx, d.ID)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	assert.Equal(t, escrow.StatusRefunded, env.LedgerStatus(t, s.Order.ID))

	// A new dispute may be opened once the previous one is closed.
	_, err = m.OpenForTransaction(ctx, s.Transaction.ID)
	assert.ErrorIs(t, err, ErrDisputeNotFound)
}

func TestResolve_InvalidTransitionChangesNothing(t *testing.T) {
	m, env := newTestManager(t)
	// Funds already released: neither release nor refund is possible.
	s := env.Seed(t, "sembako", orders.StatusCompleted, escrow.StatusReleased)
	d := &Dispute{ID: "d-1", TransactionID: s.Transaction.ID, OrderID: s.Order.ID, Status: StatusOpen}
	require.NoError(t, m.store.Create(context.Background(), d))

	_, err := m.Resolve(context.Background(), d.ID, ResolveRequest{Resolution: ResolutionRefundBuyer})
	var se *escrow.StatusError
	require.True(t, errors.As(err, &se), "got %v", err)

	_, err = m.Resolve(context.Background(), d.ID, ResolveRequest{Resolution: ResolutionReleaseFunds})
	require.Error(t, err)

	stored, _ := m.Get(context.Background(), d.ID)
	assert.Equal(t, StatusOpen, stored.Status)
	assert.Equal(t, escrow.StatusReleased, env.LedgerStatus(t, s.Order.ID))
	assert.Empty(t, env.Events.Events())
}

func TestResolve_RejectsUnknownResolution(t *testing.T) {
	m, env := newTestManager(t)
	_, d := seedDisputed(t, m, env)
	_, err := m.Resolve(context.Background(), d.ID, ResolveRequest{Resolution: "SPLIT"})
	assert.ErrorIs(t, err, ErrInvalidResolution)
}

func TestParseResolution(t *testing.T) {
	r, err := ParseResolution(" refund_buyer ")
	require.NoError(t, err)
	assert.Equal(t, ResolutionRefundBuyer, r)

	_, err = ParseResolution("")
	assert.ErrorIs(t, err, ErrInvalidResolution)
}

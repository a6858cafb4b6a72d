//go:build integration

package disputes_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salmarket/escrowd/internal/disputes"
	"github.com/salmarket/escrowd/internal/escrow"
	"github.com/salmarket/escrowd/internal/idgen"
	"github.com/salmarket/escrowd/internal/orders"
	"github.com/salmarket/escrowd/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	o, err := orders.Build(testutil.BuyerID, testutil.SupplierID, []orders.NewItem{
		{ProductID: "p-1", Name: "Minyak Goreng 2L", Category: "sembako", UnitPrice: decimal.NewFromInt(38000), Quantity: 1},
	}, "", time.Now())
	require.NoError(t, err)
	require.NoError(t, orders.NewPostgresStore(db).Create(ctx, o))
	tx, err := escrow.NewLedger(escrow.NewPostgresStore(db)).OpenPending(ctx, o.ID, idgen.GatewayRef(time.Now()), o.TotalAmount)
	require.NoError(t, err)

	s := disputes.NewPostgresStore(db)
	newDispute := func() *disputes.Dispute {
		return &disputes.Dispute{
			ID:            idgen.New(),
			TransactionID: tx.ID,
			OrderID:       o.ID,
			Reason:        disputes.SystemReason,
			Status:        disputes.StatusOpen,
			CreatedAt:     time.Now().UTC().Truncate(time.Microsecond),
		}
	}

	first := newDispute()
	require.NoError(t, s.Create(ctx, first))
	assert.ErrorIs(t, s.Create(ctx, newDispute()), disputes.ErrDisputeExists)

	open, err := s.OpenForTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, open.ID)

	reviewed := first.Clone()
	at := time.Now().UTC().Truncate(time.Microsecond)
	reviewed.Status = disputes.StatusUnderReview
	reviewed.ReviewedAt = &at
	require.NoError(t, s.Update(ctx, reviewed, disputes.StatusOpen))
	assert.ErrorIs(t, s.Update(ctx, reviewed, disputes.StatusOpen), disputes.ErrInvalidStatus)

	resolved := reviewed.Clone()
	resolved.Status = disputes.StatusResolved
	resolved.Resolution = disputes.ResolutionRefundBuyer
	resolved.Notes = "damaged on arrival"
	resolved.ResolvedAt = &at
	require.NoError(t, s.Update(ctx, resolved, disputes.StatusUnderReview))
	assert.ErrorIs(t, s.Update(ctx, resolved, disputes.StatusUnderReview), disputes.ErrAlreadyResolved)

	got, err := s.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, disputes.ResolutionRefundBuyer, got.Resolution)
	require.NotNil(t, got.ReviewedAt)
	require.NotNil(t, got.ResolvedAt)

	_, err = s.OpenForTransaction(ctx, tx.ID)
	assert.ErrorIs(t, err, disputes.ErrDisputeNotFound)

	// A resolved dispute frees the transaction for a new one.
	require.NoError(t, s.Create(ctx, newDispute()))
	list, err := s.ListByStatus(ctx, disputes.StatusOpen, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

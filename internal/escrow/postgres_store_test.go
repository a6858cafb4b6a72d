//go:build integration

package escrow_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salmarket/escrowd/internal/escrow"
	"github.com/salmarket/escrowd/internal/idgen"
	"github.com/salmarket/escrowd/internal/orders"
	"github.com/salmarket/escrowd/internal/testutil"
	"github.com/salmarket/escrowd/internal/vision"
)

func insertOrder(t *testing.T, db *sql.DB) *orders.Order {
	t.Helper()
	o, err := orders.Build(testutil.BuyerID, testutil.SupplierID, []orders.NewItem{
		{ProductID: "p-1", Name: "Air Mineral 600ml", Category: "minuman", UnitPrice: decimal.NewFromInt(3000), Quantity: 24},
	}, "", time.Now())
	require.NoError(t, err)
	require.NoError(t, orders.NewPostgresStore(db).Create(context.Background(), o))
	return o
}

func TestPostgresLedger(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ledger := escrow.NewLedger(escrow.NewPostgresStore(db))
	ctx := context.Background()

	t.Run("one transaction per order", func(t *testing.T) {
		o := insertOrder(t, db)
		tx, err := ledger.OpenPending(ctx, o.ID, idgen.GatewayRef(time.Now()), o.TotalAmount)
		require.NoError(t, err)
		assert.Equal(t, escrow.StatusPending, tx.Status)

		_, err = ledger.OpenPending(ctx, o.ID, idgen.GatewayRef(time.Now().Add(time.Millisecond)), o.TotalAmount)
		assert.ErrorIs(t, err, escrow.ErrTransactionExists)

		got, err := ledger.GetByGatewayRef(ctx, tx.GatewayOrderRef)
		require.NoError(t, err)
		assert.Equal(t, tx.ID, got.ID)
		assert.True(t, got.Amount.Equal(decimal.NewFromInt(72000)))
	})

	t.Run("status moves are compare and set", func(t *testing.T) {
		o := insertOrder(t, db)
		tx, err := ledger.OpenPending(ctx, o.ID, idgen.GatewayRef(time.Now()), o.TotalAmount)
		require.NoError(t, err)

		s := ledger.Store()
		require.NoError(t, s.UpdateStatus(ctx, tx.ID, escrow.StatusPending, escrow.StatusHeld, time.Now()))
		err = s.UpdateStatus(ctx, tx.ID, escrow.StatusPending, escrow.StatusRefunded, time.Now())
		assert.ErrorIs(t, err, escrow.ErrStatusConflict)

		released, err := ledger.Release(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, escrow.StatusReleased, released.Status)

		_, err = ledger.Refund(ctx, o.ID)
		assert.ErrorIs(t, err, escrow.ErrInvalidStatus)
	})

	t.Run("proof attaches once and verification round trips", func(t *testing.T) {
		o := insertOrder(t, db)
		_, err := ledger.OpenPending(ctx, o.ID, idgen.GatewayRef(time.Now()), o.TotalAmount)
		require.NoError(t, err)

		_, err = ledger.AttachDeliveryProof(ctx, o.ID, "/blobs/a.png")
		require.NoError(t, err)
		_, err = ledger.AttachDeliveryProof(ctx, o.ID, "/blobs/b.png")
		assert.ErrorIs(t, err, escrow.ErrProofAlreadyAttached)

		res := &vision.Result{
			IsValid:          true,
			Confidence:       0.91,
			Detections:       []vision.Detection{{Label: "bottle", Confidence: 0.91}},
			ExpectedCategory: "minuman",
			CheckedAt:        time.Now().UTC().Truncate(time.Millisecond),
		}
		_, err = ledger.RecordVerification(ctx, o.ID, res)
		require.NoError(t, err)

		got, err := ledger.GetByOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, "/blobs/a.png", got.DeliveryProofURL)
		require.NotNil(t, got.Verification)
		assert.True(t, got.Verification.IsValid)
		assert.Equal(t, "bottle", got.Verification.Detections[0].Label)
	})

	t.Run("gateway audit and stale pending scan", func(t *testing.T) {
		o := insertOrder(t, db)
		tx, err := ledger.OpenPending(ctx, o.ID, idgen.GatewayRef(time.Now()), o.TotalAmount)
		require.NoError(t, err)

		require.NoError(t, ledger.RecordGatewayAudit(ctx, tx.GatewayOrderRef, "gw-1", "bank_transfer", "pending"))
		got, err := ledger.Get(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, "gw-1", got.GatewayTransactionID)
		assert.Equal(t, "pending", got.GatewayStatus)

		stale, err := ledger.ListStalePending(ctx, time.Now().Add(time.Minute), 100)
		require.NoError(t, err)
		var found bool
		for _, s := range stale {
			found = found || s.ID == tx.ID
		}
		assert.True(t, found)

		none, err := ledger.ListStalePending(ctx, tx.CreatedAt.Add(-time.Minute), 100)
		require.NoError(t, err)
		for _, s := range none {
			assert.NotEqual(t, tx.ID, s.ID)
		}
	})

	t.Run("stale scan skips failed payments and rotates", func(t *testing.T) {
		cutoff := time.Now().Add(time.Minute)
		contains := func(list []*escrow.Transaction, id string) bool {
			for _, tx := range list {
				if tx.ID == id {
					return true
				}
			}
			return false
		}

		cancelled := insertOrder(t, db)
		cancelledTx, err := ledger.OpenPending(ctx, cancelled.ID, idgen.GatewayRef(time.Now()), cancelled.TotalAmount)
		require.NoError(t, err)
		require.NoError(t, orders.NewPostgresStore(db).UpdateStatus(ctx, cancelled.ID,
			orders.StatusPending, orders.StatusCancelled, "", time.Now()))

		expired := insertOrder(t, db)
		expiredTx, err := ledger.OpenPending(ctx, expired.ID, idgen.GatewayRef(time.Now()), expired.TotalAmount)
		require.NoError(t, err)
		require.NoError(t, ledger.RecordGatewayAudit(ctx, expiredTx.GatewayOrderRef, "gw-x", "", "EXPIRE"))

		older := insertOrder(t, db)
		olderTx, err := ledger.OpenPending(ctx, older.ID, idgen.GatewayRef(time.Now()), older.TotalAmount)
		require.NoError(t, err)
		newer := insertOrder(t, db)
		newerTx, err := ledger.OpenPending(ctx, newer.ID, idgen.GatewayRef(time.Now().Add(time.Millisecond)), newer.TotalAmount)
		require.NoError(t, err)

		position := func(list []*escrow.Transaction, id string) int {
			for i, tx := range list {
				if tx.ID == id {
					return i
				}
			}
			return -1
		}

		stale, err := ledger.ListStalePending(ctx, cutoff, 1000)
		require.NoError(t, err)
		assert.False(t, contains(stale, cancelledTx.ID), "cancelled order")
		assert.False(t, contains(stale, expiredTx.ID), "expired payment")
		require.True(t, contains(stale, olderTx.ID))
		assert.Less(t, position(stale, olderTx.ID), position(stale, newerTx.ID))

		require.NoError(t, ledger.MarkReconciled(ctx, olderTx.ID))
		stale, err = ledger.ListStalePending(ctx, cutoff, 1000)
		require.NoError(t, err)
		assert.Greater(t, position(stale, olderTx.ID), position(stale, newerTx.ID), "checked transactions go to the back")

		got, err := ledger.Get(ctx, olderTx.ID)
		require.NoError(t, err)
		assert.NotNil(t, got.ReconciledAt)
	})

	t.Run("delete by order", func(t *testing.T) {
		o := insertOrder(t, db)
		_, err := ledger.OpenPending(ctx, o.ID, idgen.GatewayRef(time.Now()), o.TotalAmount)
		require.NoError(t, err)

		require.NoError(t, ledger.DeleteByOrder(ctx, o.ID))
		assert.ErrorIs(t, ledger.DeleteByOrder(ctx, o.ID), escrow.ErrTransactionNotFound)
		_, err = ledger.GetByOrder(ctx, o.ID)
		assert.ErrorIs(t, err, escrow.ErrTransactionNotFound)
	})
}

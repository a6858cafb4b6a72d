package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/salmarket/escrowd/internal/events"
	"github.com/salmarket/escrowd/internal/money"
	"github.com/salmarket/escrowd/internal/vision"
)

func newTestLedger(t *testing.T) (*Ledger, *Transaction) {
	t.Helper()
	l := NewLedger(NewMemoryStore())
	tx, err := l.OpenPending(context.Background(), "order-1", "SAL-1-ABC", decimal.NewFromInt(150000))
	if err != nil {
		t.Fatalf("OpenPending: %v", err)
	}
	return l, tx
}

func TestLedger_OpenPending(t *testing.T) {
	l, tx := newTestLedger(t)
	ctx := context.Background()

	if tx.Status != StatusPending {
		t.Errorf("status = %s, want PENDING", tx.Status)
	}

	if _, err := l.OpenPending(ctx, "order-1", "SAL-2-DEF", decimal.NewFromInt(1)); !errors.Is(err, ErrTransactionExists) {
		t.Errorf("second OpenPending: got %v, want ErrTransactionExists", err)
	}
	if _, err := l.OpenPending(ctx, "order-2", "SAL-3", decimal.RequireFromString("10.50")); !errors.Is(err, money.ErrFractionalAmount) {
		t.Errorf("fractional amount: got %v", err)
	}
	if _, err := l.OpenPending(ctx, "order-3", "SAL-4", decimal.Zero); !errors.Is(err, money.ErrNonPositive) {
		t.Errorf("zero amount: got %v", err)
	}
}

func TestLedger_ApplyGatewayOutcome_Idempotent(t *testing.T) {
	l, tx := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, d, err := l.ApplyGatewayOutcome(ctx, tx.GatewayOrderRef, Outcome{"settlement", "accept"})
		if err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
		if got.Status != StatusHeld {
			t.Fatalf("apply %d: status = %s", i, got.Status)
		}
		if changed := d.LedgerChanges(); changed != (i == 0) {
			t.Errorf("apply %d: LedgerChanges = %v", i, changed)
		}
	}

	// A late pending never regresses the ledger.
	got, d, err := l.ApplyGatewayOutcome(ctx, tx.GatewayOrderRef, Outcome{"pending", ""})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Stale || got.Status != StatusHeld {
		t.Errorf("late pending: stale=%v status=%s", d.Stale, got.Status)
	}

	stored, _ := l.GetByOrder(ctx, "order-1")
	if stored.Status != StatusHeld {
		t.Errorf("stored status = %s", stored.Status)
	}
	if !stored.Amount.Equal(decimal.NewFromInt(150000)) {
		t.Errorf("amount changed: %s", stored.Amount)
	}
}

func TestLedger_ApplyGatewayOutcome_UnknownRef(t *testing.T) {
	l, _ := newTestLedger(t)
	if _, _, err := l.ApplyGatewayOutcome(context.Background(), "SAL-nope", Outcome{"settlement", ""}); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("got %v, want ErrTransactionNotFound", err)
	}
}

func TestLedger_ReleaseAndDispute(t *testing.T) {
	ctx := context.Background()

	t.Run("release requires held", func(t *testing.T) {
		l, _ := newTestLedger(t)
		_, err := l.Release(ctx, "order-1")
		var se *StatusError
		if !errors.As(err, &se) || se.Current != StatusPending {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("held to released", func(t *testing.T) {
		l, tx := newTestLedger(t)
		l.ApplyGatewayOutcome(ctx, tx.GatewayOrderRef, Outcome{"capture", "accept"})
		got, err := l.Release(ctx, "order-1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != StatusReleased {
			t.Errorf("status = %s", got.Status)
		}
		if _, err := l.Release(ctx, "order-1"); !errors.Is(err, ErrInvalidStatus) {
			t.Errorf("double release: %v", err)
		}
		if _, err := l.Refund(ctx, "order-1"); !errors.Is(err, ErrInvalidStatus) {
			t.Errorf("refund after release: %v", err)
		}
	})

	t.Run("disputed funds", func(t *testing.T) {
		l, tx := newTestLedger(t)
		l.ApplyGatewayOutcome(ctx, tx.GatewayOrderRef, Outcome{"capture", "accept"})
		if _, err := l.MarkDisputed(ctx, "order-1"); err != nil {
			t.Fatal(err)
		}
		if _, err := l.MarkDisputed(ctx, "order-1"); !errors.Is(err, ErrInvalidStatus) {
			t.Errorf("double dispute: %v", err)
		}
		if _, err := l.Release(ctx, "order-1"); !errors.Is(err, ErrInvalidStatus) {
			t.Errorf("plain release of disputed funds: %v", err)
		}
		got, err := l.ReleaseDisputed(ctx, "order-1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != StatusReleased {
			t.Errorf("status = %s", got.Status)
		}
	})

	t.Run("refund is idempotent", func(t *testing.T) {
		l, _ := newTestLedger(t)
		for i := 0; i < 2; i++ {
			got, err := l.Refund(ctx, "order-1")
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != StatusRefunded {
				t.Errorf("status = %s", got.Status)
			}
		}
	})
}

func TestLedger_DeliveryProofIsSetOnce(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.AttachDeliveryProof(ctx, "order-1", "http://blobs/a.jpg"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.AttachDeliveryProof(ctx, "order-1", "http://blobs/b.jpg"); !errors.Is(err, ErrProofAlreadyAttached) {
		t.Errorf("got %v, want ErrProofAlreadyAttached", err)
	}
	got, _ := l.GetByOrder(ctx, "order-1")
	if got.DeliveryProofURL != "http://blobs/a.jpg" {
		t.Errorf("proof url = %q", got.DeliveryProofURL)
	}
}

func TestLedger_RecordVerificationReplacesSnapshot(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	first := vision.Decide("sembako", nil, now)
	if _, err := l.RecordVerification(ctx, "order-1", &first); err != nil {
		t.Fatal(err)
	}
	second := vision.Decide("sembako", []vision.Detection{{Label: "rice", Confidence: 0.9}}, now)
	if _, err := l.RecordVerification(ctx, "order-1", &second); err != nil {
		t.Fatal(err)
	}

	// Mutating the caller's copy must not leak into the store.
	second.Detections[0].Label = "changed"

	got, _ := l.GetByOrder(ctx, "order-1")
	if got.Verification == nil || !got.Verification.IsValid {
		t.Fatalf("verification = %+v", got.Verification)
	}
	if got.Verification.Detections[0].Label != "rice" {
		t.Errorf("stored snapshot aliased caller slice")
	}
}

func TestLedger_RecordGatewayAudit(t *testing.T) {
	l, tx := newTestLedger(t)
	ctx := context.Background()

	if err := l.RecordGatewayAudit(ctx, tx.GatewayOrderRef, "gw-tx-1", "bank_transfer", "settlement"); err != nil {
		t.Fatal(err)
	}
	got, _ := l.Get(ctx, tx.ID)
	if got.GatewayTransactionID != "gw-tx-1" || got.PaymentType != "bank_transfer" || got.GatewayStatus != "settlement" {
		t.Errorf("audit not stored: %+v", got)
	}
	if err := l.RecordGatewayAudit(ctx, "missing", "x", "y", "z"); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("got %v", err)
	}
}

func TestLedger_ListStalePending(t *testing.T) {
	store := NewMemoryStore()
	l := NewLedger(store)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		at := base.Add(time.Duration(i) * time.Hour)
		l.now = func() time.Time { return at }
		if _, err := l.OpenPending(ctx, id, "ref-"+id, decimal.NewFromInt(1000)); err != nil {
			t.Fatal(err)
		}
	}
	l.ApplyGatewayOutcome(ctx, "ref-a", Outcome{"settlement", ""})

	stale, err := l.ListStalePending(ctx, base.Add(90*time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].OrderID != "b" {
		t.Errorf("stale = %+v", stale)
	}
}

func TestLedger_ListStalePendingRotates(t *testing.T) {
	l := NewLedger(NewMemoryStore())
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c", "d"} {
		at := base.Add(time.Duration(i) * time.Minute)
		l.now = func() time.Time { return at }
		if _, err := l.OpenPending(ctx, id, "ref-"+id, decimal.NewFromInt(1000)); err != nil {
			t.Fatal(err)
		}
	}
	l.now = func() time.Time { return base.Add(time.Hour) }
	if err := l.RecordGatewayAudit(ctx, "ref-a", "gw-a", "", "expire"); err != nil {
		t.Fatal(err)
	}

	cutoff := base.Add(30 * time.Minute)
	stale, err := l.ListStalePending(ctx, cutoff, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 2 || stale[0].OrderID != "b" || stale[1].OrderID != "c" {
		t.Fatalf("first batch = %+v", stale)
	}
	for _, tx := range stale {
		if err := l.MarkReconciled(ctx, tx.ID); err != nil {
			t.Fatal(err)
		}
	}

	stale, err = l.ListStalePending(ctx, cutoff, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 2 || stale[0].OrderID != "d" || stale[1].OrderID != "b" {
		t.Errorf("second batch = %+v", stale)
	}
	if stale[1].ReconciledAt == nil || !stale[1].ReconciledAt.Equal(base.Add(time.Hour)) {
		t.Errorf("reconciled_at = %v", stale[1].ReconciledAt)
	}
}

func TestLedger_DeleteByOrder(t *testing.T) {
	l, tx := newTestLedger(t)
	ctx := context.Background()

	if err := l.DeleteByOrder(ctx, "order-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.GetByGatewayRef(ctx, tx.GatewayOrderRef); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("got %v", err)
	}
	if err := l.DeleteByOrder(ctx, "order-1"); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestMemoryStore_UpdateStatusConflict(t *testing.T) {
	_, tx := newTestLedger(t)
	store := NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, tx)

	if err := store.UpdateStatus(ctx, tx.ID, StatusHeld, StatusReleased, time.Now()); !errors.Is(err, ErrStatusConflict) {
		t.Errorf("got %v, want ErrStatusConflict", err)
	}
}

func TestStatusEvent(t *testing.T) {
	tx := &Transaction{ID: "tx-1", OrderID: "order-1", Status: StatusHeld, Amount: decimal.NewFromInt(5000)}
	ev := StatusEvent(tx, StatusPending)
	if ev.Type != events.EscrowStatusChanged || ev.From != "PENDING" || ev.To != "HELD" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Data["amount"] != "5000" {
		t.Errorf("amount = %v", ev.Data["amount"])
	}
}

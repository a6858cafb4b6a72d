package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/salmarket/escrowd/internal/events"
	"github.com/salmarket/escrowd/internal/idgen"
	"github.com/salmarket/escrowd/internal/logging"
	"github.com/salmarket/escrowd/internal/metrics"
	"github.com/salmarket/escrowd/internal/money"
	"github.com/salmarket/escrowd/internal/vision"
)

// Ledger applies status changes to escrow transactions.
//
// Ledger takes no locks. Callers hold the order's lock from
// syncutil.KeyedMutex and run mutations inside a store.Runner unit of work,
// so a transaction and its order always move together.
type Ledger struct {
	store Store
	now   func() time.Time
}

// NewLedger creates a ledger over s.
func NewLedger(s Store) *Ledger {
	return &Ledger{store: s, now: time.Now}
}

// Store exposes the underlying store.
func (l *Ledger) Store() Store { return l.store }

// OpenPending creates the PENDING transaction for a freshly created order.
func (l *Ledger) OpenPending(ctx context.Context, orderID, gatewayOrderRef string, amount decimal.Decimal) (*Transaction, error) {
	if err := money.Validate(amount); err != nil {
		return nil, fmt.Errorf("open transaction for %s: %w", orderID, err)
	}

	now := l.now()
	tx := &Transaction{
		ID:              idgen.New(),
		OrderID:         orderID,
		Status:          StatusPending,
		Amount:          amount,
		GatewayOrderRef: gatewayOrderRef,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := l.store.Create(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Get returns a transaction by ID.
func (l *Ledger) Get(ctx context.Context, id string) (*Transaction, error) {
	return l.store.Get(ctx, id)
}

// GetByOrder returns the transaction for an order.
func (l *Ledger) GetByOrder(ctx context.Context, orderID string) (*Transaction, error) {
	return l.store.GetByOrder(ctx, orderID)
}

// GetByGatewayRef resolves a gateway order reference.
func (l *Ledger) GetByGatewayRef(ctx context.Context, ref string) (*Transaction, error) {
	return l.store.GetByGatewayRef(ctx, ref)
}

// ApplyGatewayOutcome loads the transaction behind ref and moves it as
// Decide says. The returned decision tells the caller which order event,
// if any, goes with it. Applying the same outcome twice changes nothing
// the second time.
func (l *Ledger) ApplyGatewayOutcome(ctx context.Context, ref string, o Outcome) (*Transaction, Decision, error) {
	tx, err := l.store.GetByGatewayRef(ctx, ref)
	if err != nil {
		return nil, Decision{}, err
	}

	d, err := Decide(tx.Status, o)
	if err != nil {
		return tx, d, err
	}
	if d.Stale {
		logging.L(ctx).Info("stale gateway signal ignored",
			"gateway_ref", ref, "ledger_status", tx.Status, "gateway_status", o.TransactionStatus)
		return tx, d, nil
	}
	if d.LedgerChanges() {
		if err := l.move(ctx, tx, d.Target); err != nil {
			return tx, d, err
		}
	}
	return tx, d, nil
}

// Release pays out held funds: HELD → RELEASED.
func (l *Ledger) Release(ctx context.Context, orderID string) (*Transaction, error) {
	return l.release(ctx, orderID, false)
}

// ReleaseDisputed releases funds for a dispute resolved in the
// supplier's favour. It accepts DISPUTED as well as HELD.
func (l *Ledger) ReleaseDisputed(ctx context.Context, orderID string) (*Transaction, error) {
	return l.release(ctx, orderID, true)
}

func (l *Ledger) release(ctx context.Context, orderID string, allowDisputed bool) (*Transaction, error) {
	tx, err := l.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := CheckRelease(tx.Status, allowDisputed); err != nil {
		return tx, err
	}
	return tx, l.move(ctx, tx, StatusReleased)
}

// MarkDisputed freezes held funds pending review: HELD → DISPUTED.
func (l *Ledger) MarkDisputed(ctx context.Context, orderID string) (*Transaction, error) {
	tx, err := l.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := CheckMarkDisputed(tx.Status); err != nil {
		return tx, err
	}
	return tx, l.move(ctx, tx, StatusDisputed)
}

// Refund returns funds to the buyer from any status but RELEASED.
// Refunding a refunded transaction is a no-op.
func (l *Ledger) Refund(ctx context.Context, orderID string) (*Transaction, error) {
	tx, err := l.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := CheckRefund(tx.Status); err != nil {
		return tx, err
	}
	if tx.Status == StatusRefunded {
		return tx, nil
	}
	return tx, l.move(ctx, tx, StatusRefunded)
}

// AttachDeliveryProof stores the proof URL. It can be set once.
func (l *Ledger) AttachDeliveryProof(ctx context.Context, orderID, url string) (*Transaction, error) {
	tx, err := l.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if tx.DeliveryProofURL != "" {
		return tx, ErrProofAlreadyAttached
	}
	now := l.now()
	if err := l.store.SetDeliveryProof(ctx, tx.ID, url, now); err != nil {
		return tx, err
	}
	tx.DeliveryProofURL = url
	tx.UpdatedAt = now
	return tx, nil
}

// RecordVerification replaces the verification snapshot.
func (l *Ledger) RecordVerification(ctx context.Context, orderID string, result *vision.Result) (*Transaction, error) {
	tx, err := l.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	if err := l.store.SetVerification(ctx, tx.ID, result, now); err != nil {
		return tx, err
	}
	tx.Verification = result
	tx.UpdatedAt = now
	return tx, nil
}

// RecordGatewayAudit stores what the gateway last said about a payment.
// Callers treat failures as non-fatal.
func (l *Ledger) RecordGatewayAudit(ctx context.Context, ref, gatewayTxID, paymentType, gatewayStatus string) error {
	tx, err := l.store.GetByGatewayRef(ctx, ref)
	if err != nil {
		return err
	}
	return l.store.SetGatewayAudit(ctx, tx.ID, gatewayTxID, paymentType, gatewayStatus, l.now())
}

// ListStalePending returns open PENDING transactions created before
// cutoff. Transactions the reconciler has not asked about for the longest
// come first, so a batch never sticks on the same rows.
func (l *Ledger) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error) {
	return l.store.ListReconcilable(ctx, cutoff, limit)
}

// MarkReconciled moves a transaction to the back of the reconcile queue.
func (l *Ledger) MarkReconciled(ctx context.Context, id string) error {
	return l.store.MarkReconciled(ctx, id, l.now())
}

// DeleteByOrder removes the transaction of an order whose checkout failed.
func (l *Ledger) DeleteByOrder(ctx context.Context, orderID string) error {
	return l.store.DeleteByOrder(ctx, orderID)
}

func (l *Ledger) move(ctx context.Context, tx *Transaction, to Status) error {
	now := l.now()
	if err := l.store.UpdateStatus(ctx, tx.ID, tx.Status, to, now); err != nil {
		return fmt.Errorf("update transaction %s: %w", tx.ID, err)
	}

	metrics.LedgerTransitionsTotal.WithLabelValues(string(tx.Status), string(to)).Inc()
	logging.L(ctx).Info("ledger transition",
		"transaction_id", tx.ID, "order_id", tx.OrderID, "from", tx.Status, "to", to, "amount", money.Format(tx.Amount))

	tx.Status = to
	tx.UpdatedAt = now
	return nil
}

// StatusEvent builds the lifecycle event announcing tx's move from from.
func StatusEvent(tx *Transaction, from Status) events.Event {
	ev := events.New(events.EscrowStatusChanged, tx.OrderID)
	ev.From = string(from)
	ev.To = string(tx.Status)
	ev.Data = map[string]any{
		"transaction_id": tx.ID,
		"amount":         money.Format(tx.Amount),
	}
	return ev
}

package disputes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/salmarket/escrowd/internal/escrow"
	"github.com/salmarket/escrowd/internal/events"
	"github.com/salmarket/escrowd/internal/idgen"
	"github.com/salmarket/escrowd/internal/logging"
	"github.com/salmarket/escrowd/internal/metrics"
	"github.com/salmarket/escrowd/internal/money"
	"github.com/salmarket/escrowd/internal/orders"
	"github.com/salmarket/escrowd/internal/store"
	"github.com/salmarket/escrowd/internal/syncutil"
)

// Manager opens, reviews and resolves disputes.
type Manager struct {
	store     Store
	ledger    *escrow.Ledger
	orders    *orders.Service
	runner    store.Runner
	locks     *syncutil.KeyedMutex
	publisher events.Publisher
	now       func() time.Time
}

// NewManager creates a dispute manager. locks must be the instance shared
// with the order, payment and verification paths.
func NewManager(s Store, ledger *escrow.Ledger, orderSvc *orders.Service, runner store.Runner, locks *syncutil.KeyedMutex) *Manager {
	return &Manager{
		store:     s,
		ledger:    ledger,
		orders:    orderSvc,
		runner:    runner,
		locks:     locks,
		publisher: events.Nop{},
		now:       time.Now,
	}
}

// WithPublisher sets where lifecycle events go.
func (m *Manager) WithPublisher(p events.Publisher) *Manager {
	m.publisher = p
	return m
}

// Get returns a dispute by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Dispute, error) {
	return m.store.Get(ctx, id)
}

// ListByStatus returns disputes in a status, oldest first.
func (m *Manager) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return m.store.ListByStatus(ctx, status, limit)
}

// OpenForTransaction returns the unresolved dispute of a transaction.
func (m *Manager) OpenForTransaction(ctx context.Context, transactionID string) (*Dispute, error) {
	return m.store.OpenForTransaction(ctx, transactionID)
}

// Open creates an OPEN dispute for a transaction. If one is already
// unresolved it is returned with created=false.
//
// Open takes no lock: it is called by the verification path, which holds
// the order's lock and runs inside its unit of work. The caller publishes
// OpenedEvent once that unit commits.
func (m *Manager) Open(ctx context.Context, transactionID, reason string) (d *Dispute, created bool, err error) {
	tx, err := m.ledger.Get(ctx, transactionID)
	if err != nil {
		return nil, false, err
	}

	if existing, err := m.store.OpenForTransaction(ctx, transactionID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrDisputeNotFound) {
		return nil, false, err
	}

	d = &Dispute{
		ID:            idgen.New(),
		TransactionID: transactionID,
		OrderID:       tx.OrderID,
		Reason:        strings.TrimSpace(reason),
		Status:        StatusOpen,
		CreatedAt:     m.now(),
	}
	if err := m.store.Create(ctx, d); err != nil {
		if errors.Is(err, ErrDisputeExists) {
			existing, getErr := m.store.OpenForTransaction(ctx, transactionID)
			return existing, false, getErr
		}
		return nil, false, fmt.Errorf("create dispute: %w", err)
	}

	metrics.DisputesTotal.WithLabelValues("opened", "").Inc()
	logging.L(ctx).Warn("dispute opened",
		"dispute_id", d.ID, "transaction_id", transactionID, "order_id", tx.OrderID)
	return d, true, nil
}

// Review moves an OPEN dispute to UNDER_REVIEW. Reviewing a dispute
// already under review is a no-op.
func (m *Manager) Review(ctx context.Context, id string) (*Dispute, error) {
	d, unlock, err := m.lockDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	switch d.Status {
	case StatusResolved:
		return nil, ErrAlreadyResolved
	case StatusUnderReview:
		return d, nil
	}

	now := m.now()
	next := d.Clone()
	next.Status = StatusUnderReview
	next.ReviewedAt = &now
	if err := m.store.Update(ctx, next, StatusOpen); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("reviewed", "").Inc()
	m.publisher.Publish(ctx, disputeEvent(events.DisputeReviewed, next))
	return next, nil
}

// Resolve closes a dispute and settles the funds:
//
//	RELEASE_FUNDS   ledger released, order COMPLETED
//	REFUND_BUYER    ledger refunded, order CANCELLED
//	PARTIAL_REFUND  as REFUND_BUYER, with the agreed amount in the notes
//
// Every transition is checked before anything is written.
func (m *Manager) Resolve(ctx context.Context, id string, req ResolveRequest) (*Dispute, error) {
	if _, err := ParseResolution(string(req.Resolution)); err != nil {
		return nil, err
	}

	d, unlock, err := m.lockDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if d.IsResolved() {
		return nil, ErrAlreadyResolved
	}

	tx, err := m.ledger.Get(ctx, d.TransactionID)
	if err != nil {
		return nil, err
	}
	o, err := m.orders.Get(ctx, tx.OrderID)
	if err != nil {
		return nil, err
	}

	notes := strings.TrimSpace(req.Notes)
	var ev orders.Event
	switch req.Resolution {
	case ResolutionReleaseFunds:
		ev = orders.EventDisputeReleased
		err = escrow.CheckRelease(tx.Status, true)
	case ResolutionPartialRefund:
		if money.Validate(req.RefundAmount) != nil || req.RefundAmount.GreaterThan(tx.Amount) {
			return nil, ErrRefundAmount
		}
		notes = strings.TrimSpace(fmt.Sprintf("Partial refund of %s %s. %s",
			money.Currency, money.Format(req.RefundAmount), notes))
		fallthrough
	case ResolutionRefundBuyer:
		ev = orders.EventRefunded
		err = escrow.CheckRefund(tx.Status)
	}
	if err != nil {
		return nil, err
	}
	if _, _, err := orders.Plan(o.Status, ev); err != nil {
		return nil, err
	}

	ledgerFrom, orderFrom := tx.Status, o.Status
	var resolved *Dispute
	err = m.runner.InTx(ctx, func(ctx context.Context) error {
		var err error
		if req.Resolution == ResolutionReleaseFunds {
			tx, err = m.ledger.ReleaseDisputed(ctx, tx.OrderID)
		} else {
			tx, err = m.ledger.Refund(ctx, tx.OrderID)
		}
		if err != nil {
			return err
		}
		if _, err := m.orders.Apply(ctx, o, ev); err != nil {
			return err
		}
		resolved, err = m.RecordResolution(ctx, d, req.Resolution, notes)
		return err
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("dispute resolved",
		"dispute_id", d.ID, "order_id", o.ID, "resolution", req.Resolution)

	var evs []events.Event
	if tx.Status != ledgerFrom {
		evs = append(evs, escrow.StatusEvent(tx, ledgerFrom))
	}
	if o.Status != orderFrom {
		evs = append(evs, orders.StatusEvent(o, orderFrom))
	}
	evs = append(evs, disputeEvent(events.DisputeResolved, resolved))
	events.PublishAll(ctx, m.publisher, evs)
	return resolved, nil
}

// RecordResolution marks d resolved without touching funds. The caller
// holds the order's lock and has already moved the ledger and the order,
// as re-verification does when it releases disputed funds.
func (m *Manager) RecordResolution(ctx context.Context, d *Dispute, resolution Resolution, notes string) (*Dispute, error) {
	if d.IsResolved() {
		return nil, ErrAlreadyResolved
	}
	now := m.now()
	next := d.Clone()
	next.Status = StatusResolved
	next.Resolution = resolution
	next.Notes = notes
	next.ResolvedAt = &now
	if err := m.store.Update(ctx, next, d.Status); err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues("resolved", string(resolution)).Inc()
	return next, nil
}

// lockDispute loads a dispute, takes its order's lock and reloads it so
// the returned copy is current.
func (m *Manager) lockDispute(ctx context.Context, id string) (*Dispute, func(), error) {
	d, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	unlock, err := m.locks.Lock(ctx, d.OrderID)
	if err != nil {
		return nil, nil, err
	}
	d, err = m.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return d, unlock, nil
}

// OpenedEvent announces a newly opened dispute.
func OpenedEvent(d *Dispute) events.Event {
	return disputeEvent(events.DisputeOpened, d)
}

// ResolvedEvent announces a closed dispute.
func ResolvedEvent(d *Dispute) events.Event {
	return disputeEvent(events.DisputeResolved, d)
}

func disputeEvent(t events.Type, d *Dispute) events.Event {
	ev := events.New(t, d.OrderID)
	ev.To = string(d.Status)
	ev.Data = map[string]any{
		"dispute_id":     d.ID,
		"transaction_id": d.TransactionID,
	}
	if d.Resolution != "" {
		ev.Data["resolution"] = string(d.Resolution)
	}
	return ev
}

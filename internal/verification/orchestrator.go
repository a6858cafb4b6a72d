// Package verification turns a delivery photo into a release of escrowed
// funds or a dispute.
package verification

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/salmarket/escrowd/internal/blobstore"
	"github.com/salmarket/escrowd/internal/disputes"
	"github.com/salmarket/escrowd/internal/escrow"
	"github.com/salmarket/escrowd/internal/events"
	"github.com/salmarket/escrowd/internal/logging"
	"github.com/salmarket/escrowd/internal/orders"
	"github.com/salmarket/escrowd/internal/store"
	"github.com/salmarket/escrowd/internal/syncutil"
	"github.com/salmarket/escrowd/internal/traces"
	"github.com/salmarket/escrowd/internal/vision"
)

var (
	ErrProofMissing  = errors.New("verification: no delivery proof uploaded")
	ErrProofMismatch = errors.New("verification: image is not the uploaded delivery proof")
)

// ReverifyNotes is recorded on a dispute closed by a successful
// re-verification.
const ReverifyNotes = "Resolved automatically: delivery photo passed re-verification"

// Verifier classifies a delivery photo. It never fails; classifier
// errors come back as an invalid result.
type Verifier interface {
	Verify(ctx context.Context, imageURL, expectedCategory string) vision.Result
}

// Outcome is what a verification did.
type Outcome struct {
	Result  vision.Result     `json:"result"`
	Order   orders.Status     `json:"order_status"`
	Ledger  escrow.Status     `json:"ledger_status"`
	Dispute *disputes.Dispute `json:"dispute,omitempty"`
}

// Orchestrator coordinates the order, ledger and dispute updates that
// follow a verification.
type Orchestrator struct {
	orders    *orders.Service
	ledger    *escrow.Ledger
	disputes  *disputes.Manager
	verifier  Verifier
	blobs     blobstore.Store
	runner    store.Runner
	locks     *syncutil.KeyedMutex
	publisher events.Publisher
}

// NewOrchestrator wires the orchestrator. locks must be shared with the
// other order mutation paths.
func NewOrchestrator(orderSvc *orders.Service, ledger *escrow.Ledger, dm *disputes.Manager, verifier Verifier, blobs blobstore.Store, runner store.Runner, locks *syncutil.KeyedMutex) *Orchestrator {
	return &Orchestrator{
		orders:    orderSvc,
		ledger:    ledger,
		disputes:  dm,
		verifier:  verifier,
		blobs:     blobs,
		runner:    runner,
		locks:     locks,
		publisher: events.Nop{},
	}
}

// WithPublisher sets where lifecycle events go.
func (v *Orchestrator) WithPublisher(p events.Publisher) *Orchestrator {
	v.publisher = p
	return v
}

// RequireBuyer checks that callerID placed the order.
func (v *Orchestrator) RequireBuyer(ctx context.Context, orderID, callerID string) error {
	o, err := v.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.BuyerID != callerID {
		logging.Security(ctx).Warn("delivery verification attempted by non-buyer",
			"order_id", orderID, "caller", callerID)
		return orders.ErrForbidden
	}
	return nil
}

// SubmitProof stores the buyer's delivery photo, attaches it to the
// transaction and verifies it. Upload problems are reported before
// anything is written.
func (v *Orchestrator) SubmitProof(ctx context.Context, orderID, buyerID string, file io.Reader, declaredType string) (*Outcome, error) {
	if err := v.RequireBuyer(ctx, orderID, buyerID); err != nil {
		return nil, err
	}
	if err := v.checkCurrent(ctx, orderID); err != nil {
		return nil, err
	}

	url, err := v.blobs.Put(ctx, orderID, file, declaredType)
	if err != nil {
		return nil, err
	}

	err = v.locks.Do(ctx, orderID, func() error {
		_, err := v.ledger.AttachDeliveryProof(ctx, orderID, url)
		return err
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("delivery proof attached", "order_id", orderID, "url", url)

	return v.Verify(ctx, orderID, url)
}

// Verify checks the delivery photo of an order against the category of
// its first item and settles the outcome:
//
//	valid    ledger RELEASED, order COMPLETED
//	invalid  ledger DISPUTED, order DELIVERED, dispute opened
//
// A DELIVERED order with DISPUTED funds may be verified again. A valid
// result then releases the funds and closes the open dispute; an invalid
// one only replaces the snapshot.
//
// imageURL may be empty to use the attached proof. The snapshot is
// returned whatever the result.
func (v *Orchestrator) Verify(ctx context.Context, orderID, imageURL string) (out *Outcome, err error) {
	ctx = logging.WithOrderID(ctx, orderID)
	ctx, span := traces.StartSpan(ctx, "verification.Verify", traces.OrderID(orderID))
	defer func() { traces.End(span, err) }()

	o, tx, err := v.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := checkPreconditions(o, tx); err != nil {
		return nil, err
	}
	switch {
	case tx.DeliveryProofURL == "":
		return nil, ErrProofMissing
	case imageURL == "":
		imageURL = tx.DeliveryProofURL
	case imageURL != tx.DeliveryProofURL:
		return nil, ErrProofMismatch
	}

	// The classifier can take seconds; it runs without the lock.
	result := v.verifier.Verify(ctx, imageURL, o.ExpectedCategory())
	if err := ctx.Err(); err != nil {
		// The caller went away mid-classification; the result says nothing
		// about the delivery.
		logging.L(ctx).Info("verification abandoned", "order_id", orderID, "error", err)
		return nil, err
	}

	unlock, err := v.locks.Lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return v.settleLocked(ctx, orderID, result)
}

func (v *Orchestrator) settleLocked(ctx context.Context, orderID string, result vision.Result) (*Outcome, error) {
	// Reload: a concurrent verification may have settled the order while
	// the classifier ran.
	o, tx, err := v.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := checkPreconditions(o, tx); err != nil {
		return nil, err
	}

	reverify := tx.Status == escrow.StatusDisputed
	var ev orders.Event
	var open *disputes.Dispute
	switch {
	case result.IsValid:
		ev = orders.EventVerificationPassed
		if err := escrow.CheckRelease(tx.Status, reverify); err != nil {
			return nil, err
		}
		if reverify {
			open, err = v.disputes.OpenForTransaction(ctx, tx.ID)
			if err != nil && !errors.Is(err, disputes.ErrDisputeNotFound) {
				return nil, err
			}
		}
	case !reverify:
		ev = orders.EventVerificationFailed
		if err := escrow.CheckMarkDisputed(tx.Status); err != nil {
			return nil, err
		}
	}
	if ev != "" {
		if _, _, err := orders.Plan(o.Status, ev); err != nil {
			return nil, err
		}
	}

	ledgerFrom, orderFrom := tx.Status, o.Status
	var opened, resolved *disputes.Dispute
	err = v.runner.InTx(ctx, func(ctx context.Context) error {
		var err error
		if tx, err = v.ledger.RecordVerification(ctx, orderID, &result); err != nil {
			return err
		}
		switch {
		case result.IsValid:
			if reverify {
				tx, err = v.ledger.ReleaseDisputed(ctx, orderID)
			} else {
				tx, err = v.ledger.Release(ctx, orderID)
			}
			if err != nil {
				return err
			}
			if _, err := v.orders.Apply(ctx, o, ev); err != nil {
				return err
			}
			if open != nil {
				resolved, err = v.disputes.RecordResolution(ctx, open, disputes.ResolutionReleaseFunds, ReverifyNotes)
			}
			return err
		case !reverify:
			if tx, err = v.ledger.MarkDisputed(ctx, orderID); err != nil {
				return err
			}
			if _, err := v.orders.Apply(ctx, o, ev); err != nil {
				return err
			}
			opened, _, err = v.disputes.Open(ctx, tx.ID, disputes.SystemReason)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("settle verification: %w", err)
	}

	logging.L(ctx).Info("delivery verified",
		"order_id", orderID, "valid", result.IsValid, "confidence", result.Confidence,
		"category", result.ExpectedCategory, "reverification", reverify)

	out := &Outcome{Result: result, Order: o.Status, Ledger: tx.Status}
	evs := []events.Event{verificationEvent(o, result)}
	if tx.Status != ledgerFrom {
		evs = append(evs, escrow.StatusEvent(tx, ledgerFrom))
	}
	if o.Status != orderFrom {
		evs = append(evs, orders.StatusEvent(o, orderFrom))
	}
	switch {
	case opened != nil:
		out.Dispute = opened
		evs = append(evs, disputes.OpenedEvent(opened))
	case resolved != nil:
		out.Dispute = resolved
		evs = append(evs, disputes.ResolvedEvent(resolved))
	}
	events.PublishAll(ctx, v.publisher, evs)
	return out, nil
}

// checkCurrent verifies preconditions without the lock so SubmitProof can
// refuse an upload early.
func (v *Orchestrator) checkCurrent(ctx context.Context, orderID string) error {
	o, tx, err := v.load(ctx, orderID)
	if err != nil {
		return err
	}
	return checkPreconditions(o, tx)
}

func (v *Orchestrator) load(ctx context.Context, orderID string) (*orders.Order, *escrow.Transaction, error) {
	o, err := v.orders.Get(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	tx, err := v.ledger.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return o, tx, nil
}

// checkPreconditions admits a SHIPPED order with HELD funds, or a
// DELIVERED order with DISPUTED funds for re-verification.
func checkPreconditions(o *orders.Order, tx *escrow.Transaction) error {
	switch o.Status {
	case orders.StatusShipped:
		if tx.Status != escrow.StatusHeld {
			return &escrow.StatusError{Op: "verify delivery for", Current: tx.Status}
		}
	case orders.StatusDelivered:
		if tx.Status != escrow.StatusDisputed || tx.Verification == nil {
			return &escrow.StatusError{Op: "re-verify delivery for", Current: tx.Status}
		}
	default:
		return &orders.TransitionError{From: o.Status, Event: orders.EventVerificationPassed}
	}
	return nil
}

func verificationEvent(o *orders.Order, r vision.Result) events.Event {
	ev := events.New(events.VerificationCompleted, o.ID)
	ev.BuyerID = o.BuyerID
	ev.SupplierID = o.SupplierID
	ev.Data = map[string]any{
		"is_valid":          r.IsValid,
		"confidence":        r.Confidence,
		"expected_category": r.ExpectedCategory,
	}
	return ev
}

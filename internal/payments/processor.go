// Package payments applies payment gateway notifications to the escrow
// ledger and the order state machine.
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/salmarket/escrowd/internal/dedup"
	"github.com/salmarket/escrowd/internal/escrow"
	"github.com/salmarket/escrowd/internal/events"
	"github.com/salmarket/escrowd/internal/gateway"
	"github.com/salmarket/escrowd/internal/logging"
	"github.com/salmarket/escrowd/internal/metrics"
	"github.com/salmarket/escrowd/internal/money"
	"github.com/salmarket/escrowd/internal/orders"
	"github.com/salmarket/escrowd/internal/store"
	"github.com/salmarket/escrowd/internal/syncutil"
	"github.com/salmarket/escrowd/internal/traces"
)

var ErrInvalidSignature = errors.New("payments: invalid notification signature")

// Result describes what a notification did.
type Result struct {
	OrderID string        `json:"order_id,omitempty"`
	Ledger  escrow.Status `json:"ledger_status,omitempty"`
	Order   orders.Status `json:"order_status,omitempty"`
	// Replayed is set when the notification had already been applied.
	Replayed bool `json:"replayed,omitempty"`
	// Stale is set when the ledger had already moved past the reported
	// status.
	Stale bool `json:"stale,omitempty"`
	// Conflict is set when the report cannot be applied to the current
	// ledger or order state, such as a capture for an order that was
	// already cancelled. Nothing changed; the gateway is still answered
	// with success so it stops retrying.
	Conflict bool `json:"conflict,omitempty"`
}

// Processor applies gateway reports.
type Processor struct {
	serverKey string
	ledger    *escrow.Ledger
	orders    *orders.Service
	runner    store.Runner
	locks     *syncutil.KeyedMutex
	seen      dedup.Store
	publisher events.Publisher
}

// NewProcessor creates a processor verifying notifications with
// serverKey. locks must be shared with the other order mutation paths.
func NewProcessor(serverKey string, ledger *escrow.Ledger, orderSvc *orders.Service, runner store.Runner, locks *syncutil.KeyedMutex, seen dedup.Store) *Processor {
	return &Processor{
		serverKey: serverKey,
		ledger:    ledger,
		orders:    orderSvc,
		runner:    runner,
		locks:     locks,
		seen:      seen,
		publisher: events.Nop{},
	}
}

// WithPublisher sets where lifecycle events go.
func (p *Processor) WithPublisher(pub events.Publisher) *Processor {
	p.publisher = pub
	return p
}

// HandleNotification verifies a webhook notification and applies it.
func (p *Processor) HandleNotification(ctx context.Context, n *gateway.Notification) (*Result, error) {
	if err := n.Validate(); err != nil {
		metrics.WebhooksTotal.WithLabelValues("malformed").Inc()
		return nil, err
	}
	if !gateway.VerifySignature(n, p.serverKey) {
		metrics.WebhooksTotal.WithLabelValues("invalid_signature").Inc()
		logging.Security(ctx).Warn("payment notification with invalid signature",
			"gateway_ref", n.OrderID, "transaction_status", n.TransactionStatus)
		return nil, ErrInvalidSignature
	}
	return p.Apply(ctx, n)
}

// Apply applies an authenticated gateway report. The reconciler calls it
// directly with results pulled from the status API.
func (p *Processor) Apply(ctx context.Context, n *gateway.Notification) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.Apply",
		traces.GatewayRef(n.OrderID), traces.GatewayStatus(n.TransactionStatus))
	defer func() {
		traces.End(span, err)
		metrics.WebhooksTotal.WithLabelValues(resultLabel(res, err)).Inc()
	}()

	key := dedup.Key(n.OrderID, n.TransactionID, n.TransactionStatus)
	if seen, err := p.seen.Seen(ctx, key); err != nil {
		logging.L(ctx).Warn("dedup lookup failed, applying anyway", "gateway_ref", n.OrderID, "error", err)
	} else if seen {
		logging.L(ctx).Info("payment notification replayed", "gateway_ref", n.OrderID, "transaction_status", n.TransactionStatus)
		return &Result{Replayed: true}, nil
	}

	tx, err := p.ledger.GetByGatewayRef(ctx, n.OrderID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithOrderID(ctx, tx.OrderID)

	if !money.Matches(tx.Amount, n.GrossAmount) {
		logging.Security(ctx).Warn("payment notification amount mismatch",
			"gateway_ref", n.OrderID, "expected", money.Format(tx.Amount), "reported", n.GrossAmount)
		return nil, escrow.ErrAmountMismatch
	}

	unlock, err := p.locks.Lock(ctx, tx.OrderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res, evs, err := p.applyLocked(ctx, tx.OrderID, n)
	if err != nil {
		return nil, err
	}

	// Everything below is best-effort; the primary transition has committed.
	if err := p.ledger.RecordGatewayAudit(ctx, n.OrderID, n.TransactionID, n.PaymentType, n.TransactionStatus); err != nil {
		logging.L(ctx).Warn("gateway audit write failed", "gateway_ref", n.OrderID, "error", err)
	}
	if err := p.seen.Mark(ctx, key); err != nil {
		logging.L(ctx).Warn("dedup mark failed", "gateway_ref", n.OrderID, "error", err)
	}
	events.PublishAll(ctx, p.publisher, evs)
	return res, nil
}

// applyLocked checks the ledger and order transitions, then writes both
// in one unit of work. The caller holds the order's lock.
func (p *Processor) applyLocked(ctx context.Context, orderID string, n *gateway.Notification) (*Result, []events.Event, error) {
	tx, err := p.ledger.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	o, err := p.orders.Get(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	conflict := func(err error) (*Result, []events.Event, error) {
		logging.L(ctx).Error("gateway outcome conflicts with order state",
			"gateway_ref", n.OrderID, "transaction_status", n.TransactionStatus,
			"order_status", o.Status, "ledger_status", tx.Status, "error", err)
		return &Result{OrderID: orderID, Ledger: tx.Status, Order: o.Status, Conflict: true}, nil, nil
	}

	outcome := escrow.Outcome{TransactionStatus: n.TransactionStatus, FraudStatus: n.FraudStatus}
	d, err := escrow.Decide(tx.Status, outcome)
	if isConflict(err) {
		return conflict(err)
	}
	if err != nil {
		return nil, nil, err
	}
	if d.OrderEvent != "" {
		if _, _, err := orders.Plan(o.Status, d.OrderEvent); isConflict(err) {
			return conflict(err)
		} else if err != nil {
			return nil, nil, err
		}
	}

	ledgerFrom, orderFrom := tx.Status, o.Status
	err = p.runner.InTx(ctx, func(ctx context.Context) error {
		var err error
		tx, d, err = p.ledger.ApplyGatewayOutcome(ctx, n.OrderID, outcome)
		if err != nil || d.OrderEvent == "" {
			return err
		}
		_, err = p.orders.Apply(ctx, o, d.OrderEvent)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("apply gateway outcome: %w", err)
	}

	var evs []events.Event
	if tx.Status != ledgerFrom {
		evs = append(evs, escrow.StatusEvent(tx, ledgerFrom))
	}
	if o.Status != orderFrom {
		evs = append(evs, orders.StatusEvent(o, orderFrom))
	}
	return &Result{OrderID: orderID, Ledger: tx.Status, Order: o.Status, Stale: d.Stale}, evs, nil
}

// isConflict reports whether err rejects a report for the state it found,
// which retrying cannot change.
func isConflict(err error) bool {
	var te *orders.TransitionError
	var se *escrow.StatusError
	return errors.As(err, &te) || errors.As(err, &se)
}

func resultLabel(res *Result, err error) string {
	switch {
	case err == nil && res.Replayed:
		return "replayed"
	case err == nil && res.Conflict:
		return "conflict"
	case err == nil && res.Stale:
		return "stale"
	case err == nil:
		return "applied"
	case errors.Is(err, escrow.ErrTransactionNotFound):
		return "unknown_reference"
	case errors.Is(err, escrow.ErrAmountMismatch):
		return "amount_mismatch"
	case isConflict(err):
		return "conflict"
	default:
		return "error"
	}
}

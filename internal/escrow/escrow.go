// Package escrow implements the ledger holding a buyer's payment until the
// delivery is verified.
//
// Each order has exactly one transaction. Its status only moves forward
// along PENDING → HELD → RELEASED, with HELD → DISPUTED on a failed
// verification; REFUNDED is reachable from anything but RELEASED.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/salmarket/escrowd/internal/orders"
	"github.com/salmarket/escrowd/internal/vision"
)

var (
	ErrTransactionNotFound  = errors.New("escrow: transaction not found")
	ErrTransactionExists    = errors.New("escrow: transaction already exists for order")
	ErrInvalidStatus        = errors.New("escrow: invalid status for operation")
	ErrStatusConflict       = errors.New("escrow: transaction changed concurrently")
	ErrProofAlreadyAttached = errors.New("escrow: delivery proof already attached")
	ErrAmountMismatch       = errors.New("escrow: gateway amount does not match transaction")
)

// Status is the ledger state of the held funds.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusHeld     Status = "HELD"
	StatusReleased Status = "RELEASED"
	StatusDisputed Status = "DISPUTED"
	StatusRefunded Status = "REFUNDED"
)

// rank orders statuses along the ledger graph. RELEASED and REFUNDED are
// both final and share a rank.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusHeld:
		return 1
	case StatusDisputed:
		return 2
	case StatusReleased, StatusRefunded:
		return 3
	default:
		return -1
	}
}

// IsFinal reports whether funds have left escrow.
func (s Status) IsFinal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// StatusError reports an operation attempted from the wrong status.
type StatusError struct {
	Op      string
	Current Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("escrow: cannot %s transaction in status %s", e.Op, e.Current)
}

func (e *StatusError) Unwrap() error { return ErrInvalidStatus }

// Transaction is the escrow record for one order.
type Transaction struct {
	ID                   string          `json:"id"`
	OrderID              string          `json:"order_id"`
	Status               Status          `json:"status"`
	Amount               decimal.Decimal `json:"amount"`
	GatewayOrderRef      string          `json:"gateway_order_ref"`
	GatewayTransactionID string          `json:"gateway_transaction_id,omitempty"`
	PaymentType          string          `json:"payment_type,omitempty"`
	GatewayStatus        string          `json:"gateway_status,omitempty"`
	DeliveryProofURL     string          `json:"delivery_proof_url,omitempty"`
	Verification         *vision.Result  `json:"verification,omitempty"`
	ReconciledAt         *time.Time      `json:"reconciled_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	cp.Verification = cloneResult(t.Verification)
	if t.ReconciledAt != nil {
		at := *t.ReconciledAt
		cp.ReconciledAt = &at
	}
	return &cp
}

func cloneResult(r *vision.Result) *vision.Result {
	if r == nil {
		return nil
	}
	v := *r
	v.Detections = append([]vision.Detection(nil), r.Detections...)
	return &v
}

// FailedGatewayStatuses end a payment attempt. The ledger stays PENDING
// and the order is cancelled.
var FailedGatewayStatuses = []string{"deny", "cancel", "expire", "failure"}

// IsFailedGatewayStatus reports whether the gateway gave up on a payment.
func IsFailedGatewayStatus(s string) bool {
	return slices.Contains(FailedGatewayStatuses, strings.ToLower(strings.TrimSpace(s)))
}

// Outcome is what the gateway reported about a payment.
type Outcome struct {
	TransactionStatus string
	FraudStatus       string
}

// Decision is the result of applying the gateway policy to a transaction.
type Decision struct {
	From   Status
	Target Status
	// OrderEvent is the order state machine event to apply, if any.
	OrderEvent orders.Event
	// Stale marks a signal that arrived after the ledger had already moved
	// past it. Nothing changes.
	Stale bool
}

// LedgerChanges reports whether the ledger status moves.
func (d Decision) LedgerChanges() bool {
	return !d.Stale && d.Target != d.From
}

// Decide maps a gateway outcome onto the ledger:
//
//	capture/settlement, fraud accept or absent  → HELD, order payment_captured
//	capture/settlement, other fraud status      → PENDING
//	pending                                     → PENDING
//	deny/cancel/expire                          → unchanged, order payment_failed
//	refund                                      → REFUNDED, order refunded
//	anything else                               → PENDING
//
// A target behind the current status is stale and becomes a no-op, and a
// repeat of the outcome that produced the current status carries no order
// event. A target the ledger can never reach from here (refund after
// release) is a *StatusError.
func Decide(current Status, o Outcome) (Decision, error) {
	d := Decision{From: current, Target: StatusPending}

	switch strings.ToLower(strings.TrimSpace(o.TransactionStatus)) {
	case "capture", "settlement":
		fraud := strings.ToLower(strings.TrimSpace(o.FraudStatus))
		if fraud == "" || fraud == "accept" {
			d.Target = StatusHeld
			d.OrderEvent = orders.EventPaymentCaptured
		}
	case "deny", "cancel", "expire", "failure":
		if current != StatusPending {
			d.Target = current
			d.Stale = true
			return d, nil
		}
		d.OrderEvent = orders.EventPaymentFailed
	case "refund":
		d.Target = StatusRefunded
		d.OrderEvent = orders.EventRefunded
	}

	switch cr, tr := current.rank(), d.Target.rank(); {
	case tr < cr:
		return Decision{From: current, Target: current, Stale: true}, nil
	case tr == cr && d.Target != current:
		return d, &StatusError{Op: "apply gateway " + o.TransactionStatus + " to", Current: current}
	case d.Target == current && current != StatusPending:
		// The order moved together with the ledger the first time.
		d.OrderEvent = ""
	}
	return d, nil
}

// CheckRelease reports whether funds in status s may be released.
// allowDisputed admits DISPUTED for dispute resolution.
func CheckRelease(s Status, allowDisputed bool) error {
	if s == StatusHeld || (allowDisputed && s == StatusDisputed) {
		return nil
	}
	return &StatusError{Op: "release", Current: s}
}

// CheckMarkDisputed reports whether funds in status s may be disputed.
func CheckMarkDisputed(s Status) error {
	if s == StatusHeld {
		return nil
	}
	return &StatusError{Op: "dispute", Current: s}
}

// CheckRefund reports whether funds in status s may be refunded.
func CheckRefund(s Status) error {
	if s == StatusReleased {
		return &StatusError{Op: "refund", Current: s}
	}
	return nil
}

// Store persists transactions.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByOrder(ctx context.Context, orderID string) (*Transaction, error)
	GetByGatewayRef(ctx context.Context, ref string) (*Transaction, error)
	// UpdateStatus fails with ErrStatusConflict when the stored status is
	// not from.
	UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time) error
	// SetDeliveryProof fails with ErrProofAlreadyAttached when a URL is
	// already stored.
	SetDeliveryProof(ctx context.Context, id, url string, at time.Time) error
	SetVerification(ctx context.Context, id string, result *vision.Result, at time.Time) error
	SetGatewayAudit(ctx context.Context, id, gatewayTxID, paymentType, gatewayStatus string, at time.Time) error
	// ListReconcilable returns PENDING transactions created before
	// createdBefore whose payment is still open, least recently
	// reconciled first.
	ListReconcilable(ctx context.Context, createdBefore time.Time, limit int) ([]*Transaction, error)
	MarkReconciled(ctx context.Context, id string, at time.Time) error
	DeleteByOrder(ctx context.Context, orderID string) error
}

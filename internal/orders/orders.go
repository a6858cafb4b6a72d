// Package orders implements the order state machine.
//
// An order moves through PENDING → PAID → SHIPPED → COMPLETED on the happy
// path. A failed delivery verification parks it in DELIVERED until a
// dispute is resolved; payment failure or a refund ends it in CANCELLED.
// Every transition is an entry in one (state, event) table.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound     = errors.New("orders: order not found")
	ErrInvalidTransition = errors.New("orders: invalid state transition")
	ErrStatusConflict    = errors.New("orders: order changed concurrently")
	ErrForbidden         = errors.New("orders: caller may not act on this order")
	ErrTrackingRequired  = errors.New("orders: tracking number is required")
	ErrEmptyOrder        = errors.New("orders: cart empty")
	ErrInvalidItem       = errors.New("orders: invalid item")
)

// Status is the order lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusShipped   Status = "SHIPPED"
	StatusDelivered Status = "DELIVERED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether no event can move the order any further.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusShipped, StatusDelivered, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Event is an input to the state machine.
type Event string

const (
	EventPaymentCaptured    Event = "payment_captured"
	EventPaymentFailed      Event = "payment_failed"
	EventShipped            Event = "shipped"
	EventVerificationPassed Event = "verification_passed"
	EventVerificationFailed Event = "verification_failed"
	EventDisputeReleased    Event = "dispute_released"
	EventRefunded           Event = "refunded"
)

var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventPaymentCaptured: StatusPaid,
		EventPaymentFailed:   StatusCancelled,
		EventRefunded:        StatusCancelled,
	},
	StatusPaid: {
		EventShipped:  StatusShipped,
		EventRefunded: StatusCancelled,
	},
	StatusShipped: {
		EventVerificationPassed: StatusCompleted,
		EventVerificationFailed: StatusDelivered,
		EventRefunded:           StatusCancelled,
	},
	StatusDelivered: {
		EventDisputeReleased:    StatusCompleted,
		EventVerificationPassed: StatusCompleted,
		EventRefunded:           StatusCancelled,
	},
}

// eventTargets maps each event to the one state it leads to.
var eventTargets = func() map[Event]Status {
	out := make(map[Event]Status)
	for _, row := range transitions {
		for ev, to := range row {
			out[ev] = to
		}
	}
	return out
}()

// TransitionError reports an event that is not allowed in a state.
type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("orders: event %s not allowed in state %s", e.Event, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Transition looks up the table entry for (from, ev).
func Transition(from Status, ev Event) (Status, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return from, &TransitionError{From: from, Event: ev}
}

// Plan decides what applying ev to an order in state from does. When the
// order already sits in the state ev leads to, the event is a duplicate and
// changed is false.
func Plan(from Status, ev Event) (to Status, changed bool, err error) {
	if to, err := Transition(from, ev); err == nil {
		return to, true, nil
	}
	if target, ok := eventTargets[ev]; ok && target == from {
		return from, false, nil
	}
	return from, false, &TransitionError{From: from, Event: ev}
}

// Item is a product snapshot taken when the order was placed.
type Item struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

// Order is a buyer's purchase from a single supplier.
type Order struct {
	ID             string          `json:"id"`
	BuyerID        string          `json:"buyer_id"`
	SupplierID     string          `json:"supplier_id"`
	Status         Status          `json:"status"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	TrackingNumber string          `json:"tracking_number,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	Items          []Item          `json:"items"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ExpectedCategory is the category delivery photos are checked against:
// the first item's. Mixed-category orders are only checked for that one.
func (o *Order) ExpectedCategory() string {
	if len(o.Items) == 0 || o.Items[0].Category == "" {
		return "general"
	}
	return o.Items[0].Category
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	cp := *o
	cp.Items = make([]Item, len(o.Items))
	copy(cp.Items, o.Items)
	return &cp
}

// Store persists orders and their items.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error)
	ListBySupplier(ctx context.Context, supplierID string, limit int) ([]*Order, error)
	// UpdateStatus moves the order from one status to another. It fails
	// with ErrStatusConflict when the stored status is not from. An empty
	// trackingNumber leaves the stored one untouched.
	UpdateStatus(ctx context.Context, id string, from, to Status, trackingNumber string, at time.Time) error
	// Delete removes an order and its items. Only checkout compensation
	// uses it.
	Delete(ctx context.Context, id string) error
}

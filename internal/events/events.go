// Package events carries order lifecycle notifications to interested
// sinks: the Kafka topic consumed by downstream services and the
// websocket hub. Publishing is best-effort and happens after the state
// change has been committed.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/salmarket/escrowd/internal/idgen"
)

// Type names a lifecycle event.
type Type string

const (
	OrderCreated          Type = "order.created"
	OrderStatusChanged    Type = "order.status_changed"
	EscrowStatusChanged   Type = "escrow.status_changed"
	VerificationCompleted Type = "verification.completed"
	DisputeOpened         Type = "dispute.opened"
	DisputeReviewed       Type = "dispute.reviewed"
	DisputeResolved       Type = "dispute.resolved"
)

// Event is one lifecycle notification.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	OrderID    string         `json:"order_id"`
	BuyerID    string         `json:"buyer_id,omitempty"`
	SupplierID string         `json:"supplier_id,omitempty"`
	From       string         `json:"from,omitempty"`
	To         string         `json:"to,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// New stamps an event with an ID and the current time.
func New(t Type, orderID string) Event {
	return Event{
		ID:         idgen.WithPrefix("evt_"),
		Type:       t,
		OrderID:    orderID,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher delivers events. Implementations must not block the caller for
// long and must not fail the operation that produced the event.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) {}

// Fanout publishes to every sink in order.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, ev Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, ev)
		}
	}
}

// PublishAll publishes a batch collected during a unit of work.
func PublishAll(ctx context.Context, p Publisher, evs []Event) {
	if p == nil {
		return
	}
	for _, ev := range evs {
		p.Publish(ctx, ev)
	}
}

// Recorder keeps published events in memory. Tests use it to assert on
// what an operation announced.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the types of published events, in order.
func (r *Recorder) Types() []Type {
	evs := r.Events()
	out := make([]Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

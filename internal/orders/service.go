package orders

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/salmarket/escrowd/internal/events"
	"github.com/salmarket/escrowd/internal/logging"
	"github.com/salmarket/escrowd/internal/metrics"
	"github.com/salmarket/escrowd/internal/store"
	"github.com/salmarket/escrowd/internal/syncutil"
)

// DefaultListLimit caps list endpoints.
const DefaultListLimit = 100

// Service applies state machine events to stored orders.
type Service struct {
	store     Store
	runner    store.Runner
	locks     *syncutil.KeyedMutex
	publisher events.Publisher
	now       func() time.Time
}

// NewService creates an order service. locks must be the same instance the
// payment and verification paths use.
func NewService(s Store, runner store.Runner, locks *syncutil.KeyedMutex) *Service {
	return &Service{
		store:     s,
		runner:    runner,
		locks:     locks,
		publisher: events.Nop{},
		now:       time.Now,
	}
}

// WithPublisher sets where Ship announces status changes.
func (s *Service) WithPublisher(p events.Publisher) *Service {
	s.publisher = p
	return s
}

// Store exposes the underlying store to packages composing a unit of work.
func (s *Service) Store() Store { return s.store }

// Get returns an order with its items.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// ListByBuyer returns a buyer's orders, newest first.
func (s *Service) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error) {
	return s.store.ListByBuyer(ctx, buyerID, clampLimit(limit))
}

// ListBySupplier returns a supplier's orders, newest first.
func (s *Service) ListBySupplier(ctx context.Context, supplierID string, limit int) ([]*Order, error) {
	return s.store.ListBySupplier(ctx, supplierID, clampLimit(limit))
}

// Apply moves o by ev and persists the change. The caller holds the
// order's lock and is usually inside a unit of work; o is updated in place
// only if the write succeeds. A duplicate event returns changed=false and
// writes nothing.
func (s *Service) Apply(ctx context.Context, o *Order, ev Event) (changed bool, err error) {
	return s.apply(ctx, o, ev, "")
}

func (s *Service) apply(ctx context.Context, o *Order, ev Event, tracking string) (bool, error) {
	to, changed, err := Plan(o.Status, ev)
	if err != nil || !changed {
		return false, err
	}

	now := s.now()
	if err := s.store.UpdateStatus(ctx, o.ID, o.Status, to, tracking, now); err != nil {
		return false, fmt.Errorf("update order %s: %w", o.ID, err)
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(o.Status), string(ev), string(to)).Inc()
	logging.L(ctx).Info("order transition",
		"order_id", o.ID, "from", o.Status, "event", ev, "to", to)

	o.Status = to
	o.UpdatedAt = now
	if tracking != "" {
		o.TrackingNumber = tracking
	}
	return true, nil
}

// Ship records the supplier's dispatch of a PAID order.
func (s *Service) Ship(ctx context.Context, orderID, supplierID, trackingNumber string) (*Order, error) {
	trackingNumber = strings.TrimSpace(trackingNumber)
	if trackingNumber == "" {
		return nil, ErrTrackingRequired
	}

	unlock, err := s.locks.Lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.SupplierID != supplierID {
		logging.Security(ctx).Warn("ship attempted by non-supplier",
			"order_id", orderID, "caller", supplierID)
		return nil, ErrForbidden
	}

	from := o.Status
	if _, _, err := Plan(from, EventShipped); err != nil {
		return nil, err
	}

	var changed bool
	err = s.runner.InTx(ctx, func(ctx context.Context) error {
		var err error
		changed, err = s.apply(ctx, o, EventShipped, trackingNumber)
		return err
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.publisher.Publish(ctx, StatusEvent(o, from))
	}
	return o, nil
}

// Create persists a built order. Checkout calls it inside its unit of work.
func (s *Service) Create(ctx context.Context, o *Order) error {
	return s.store.Create(ctx, o)
}

// Delete removes an order whose checkout could not be completed.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// StatusEvent builds the lifecycle event announcing o's move from from.
func StatusEvent(o *Order, from Status) events.Event {
	ev := events.New(events.OrderStatusChanged, o.ID)
	ev.BuyerID = o.BuyerID
	ev.SupplierID = o.SupplierID
	ev.From = string(from)
	ev.To = string(o.Status)
	if o.TrackingNumber != "" {
		ev.Data = map[string]any{"tracking_number": o.TrackingNumber}
	}
	return ev
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > DefaultListLimit {
		return DefaultListLimit
	}
	return limit
}

// LogValue implements slog.LogValuer.
func (o *Order) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", o.ID),
		slog.String("status", string(o.Status)),
		slog.String("total", o.TotalAmount.String()),
	)
}

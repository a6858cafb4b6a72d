// Package checkout creates an order, its escrow transaction and the
// gateway payment session the buyer pays through.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/salmarket/escrowd/internal/escrow"
	"github.com/salmarket/escrowd/internal/events"
	"github.com/salmarket/escrowd/internal/gateway"
	"github.com/salmarket/escrowd/internal/idgen"
	"github.com/salmarket/escrowd/internal/logging"
	"github.com/salmarket/escrowd/internal/metrics"
	"github.com/salmarket/escrowd/internal/money"
	"github.com/salmarket/escrowd/internal/orders"
	"github.com/salmarket/escrowd/internal/store"
	"github.com/salmarket/escrowd/internal/traces"
)

var (
	ErrCartEmpty          = errors.New("checkout: cart empty")
	ErrPaymentSession     = errors.New("checkout: payment session failed")
	ErrPersistence        = errors.New("checkout: item persistence failed")
	ErrCompensationFailed = errors.New("checkout: cleanup after failed payment session failed")
)

// Request is an already-priced cart for one supplier.
type Request struct {
	BuyerID       string
	SupplierID    string
	Items         []orders.NewItem
	Notes         string
	CustomerEmail string
	CustomerName  string
}

// Result is a created order awaiting payment.
type Result struct {
	Order       *orders.Order       `json:"order"`
	Transaction *escrow.Transaction `json:"transaction"`
	Session     *gateway.Session    `json:"payment"`
}

// compensateTimeout bounds the cleanup of a failed checkout, which runs
// even when the request context is gone.
const compensateTimeout = 5 * time.Second

// Service runs checkouts.
type Service struct {
	orders    *orders.Service
	ledger    *escrow.Ledger
	gateway   gateway.Client
	runner    store.Runner
	appURL    string
	publisher events.Publisher
	now       func() time.Time
}

// NewService creates a checkout service. appURL is where the hosted
// payment page sends the buyer when they finish.
func NewService(orderSvc *orders.Service, ledger *escrow.Ledger, gw gateway.Client, runner store.Runner, appURL string) *Service {
	return &Service{
		orders:    orderSvc,
		ledger:    ledger,
		gateway:   gw,
		runner:    runner,
		appURL:    appURL,
		publisher: events.Nop{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithPublisher sets where lifecycle events go.
func (s *Service) WithPublisher(p events.Publisher) *Service {
	s.publisher = p
	return s
}

// Checkout stores a PENDING order with its items and a PENDING escrow
// transaction in one unit of work, then opens a payment session. If the
// gateway refuses, the order and transaction are deleted again and
// ErrPaymentSession is returned.
func (s *Service) Checkout(ctx context.Context, req Request) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "checkout.Checkout")
	defer func() { traces.End(span, err) }()

	if len(req.Items) == 0 {
		metrics.CheckoutsTotal.WithLabelValues("cart_empty").Inc()
		return nil, ErrCartEmpty
	}
	now := s.now()
	o, err := orders.Build(req.BuyerID, req.SupplierID, req.Items, req.Notes, now)
	if err != nil {
		if errors.Is(err, orders.ErrEmptyOrder) {
			metrics.CheckoutsTotal.WithLabelValues("cart_empty").Inc()
			return nil, ErrCartEmpty
		}
		return nil, err
	}
	ctx = logging.WithOrderID(ctx, o.ID)
	span.SetAttributes(traces.OrderID(o.ID), traces.Amount(money.Format(o.TotalAmount)))

	ref := idgen.GatewayRef(now)
	var tx *escrow.Transaction
	err = s.runner.InTx(ctx, func(ctx context.Context) error {
		if err := s.orders.Create(ctx, o); err != nil {
			return err
		}
		var err error
		tx, err = s.ledger.OpenPending(ctx, o.ID, ref, o.TotalAmount)
		return err
	})
	if err != nil {
		metrics.CheckoutsTotal.WithLabelValues("persistence_failed").Inc()
		logging.L(ctx).Error("checkout persistence failed", "order_id", o.ID, "error", err)
		// A SQL unit of work has rolled back already; the memory runner has not.
		_ = s.compensate(ctx, o.ID)
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	session, err := s.gateway.CreateSession(ctx, sessionRequest(o, ref, req, s.appURL))
	if err != nil {
		metrics.CheckoutsTotal.WithLabelValues("payment_session_failed").Inc()
		if cerr := s.compensate(ctx, o.ID); cerr != nil {
			return nil, fmt.Errorf("%w: %w (%w)", ErrPaymentSession, err, cerr)
		}
		return nil, fmt.Errorf("%w: %w", ErrPaymentSession, err)
	}

	metrics.CheckoutsTotal.WithLabelValues("created").Inc()
	logging.L(ctx).Info("checkout created",
		"order_id", o.ID, "gateway_ref", ref, "amount", money.Format(o.TotalAmount), "items", len(o.Items))

	ev := events.New(events.OrderCreated, o.ID)
	ev.BuyerID = o.BuyerID
	ev.SupplierID = o.SupplierID
	ev.To = string(o.Status)
	ev.Data = map[string]any{"total_amount": money.Format(o.TotalAmount), "gateway_ref": ref}
	s.publisher.Publish(ctx, ev)

	return &Result{Order: o, Transaction: tx, Session: session}, nil
}

// compensate removes what a failed checkout wrote. The transaction goes
// first since it references the order. It keeps the request's values but
// not its cancellation: a buyer who hangs up mid-checkout is the common
// reason the session call failed.
func (s *Service) compensate(ctx context.Context, orderID string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	err := s.runner.InTx(ctx, func(ctx context.Context) error {
		if err := s.ledger.DeleteByOrder(ctx, orderID); err != nil && !errors.Is(err, escrow.ErrTransactionNotFound) {
			return err
		}
		if err := s.orders.Delete(ctx, orderID); err != nil && !errors.Is(err, orders.ErrOrderNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		logging.L(ctx).Error("checkout compensation failed; order left PENDING",
			"order_id", orderID, "error", err)
		return fmt.Errorf("%w: %w", ErrCompensationFailed, err)
	}
	logging.L(ctx).Warn("checkout rolled back", "order_id", orderID)
	return nil
}

func sessionRequest(o *orders.Order, ref string, req Request, appURL string) gateway.SessionRequest {
	items := make([]gateway.SessionItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, gateway.SessionItem{
			ID:       it.ProductID,
			Name:     it.Name,
			Price:    it.UnitPrice,
			Quantity: it.Quantity,
		})
	}
	out := gateway.SessionRequest{
		OrderRef:      ref,
		GrossAmount:   o.TotalAmount,
		CustomerEmail: req.CustomerEmail,
		CustomerName:  req.CustomerName,
		Items:         items,
	}
	if appURL != "" {
		out.FinishURL = appURL + "/orders/" + o.ID
	}
	return out
}

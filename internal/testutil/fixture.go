package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/salmarket/escrowd/internal/escrow"
	"github.com/salmarket/escrowd/internal/events"
	"github.com/salmarket/escrowd/internal/idgen"
	"github.com/salmarket/escrowd/internal/orders"
	"github.com/salmarket/escrowd/internal/store"
	"github.com/salmarket/escrowd/internal/syncutil"
)

// Buyer and supplier used by seeded orders.
const (
	BuyerID    = "buyer-1"
	SupplierID = "supplier-1"
)

// Env wires the order and escrow services over in-memory stores, the way
// the server does in demo mode.
type Env struct {
	OrderStore  *orders.MemoryStore
	Orders      *orders.Service
	LedgerStore *escrow.MemoryStore
	Ledger      *escrow.Ledger
	Runner      store.Runner
	Locks       *syncutil.KeyedMutex
	Events      *events.Recorder
}

// NewEnv creates an empty environment.
func NewEnv(t *testing.T) *Env {
	t.Helper()
	env := &Env{
		OrderStore:  orders.NewMemoryStore(),
		LedgerStore: escrow.NewMemoryStore(),
		Runner:      store.NopRunner{},
		Locks:       syncutil.NewKeyedMutex(),
		Events:      &events.Recorder{},
	}
	env.Orders = orders.NewService(env.OrderStore, env.Runner, env.Locks).WithPublisher(env.Events)
	env.Ledger = escrow.NewLedger(env.LedgerStore)
	return env
}

// Seeded is an order and its escrow transaction.
type Seeded struct {
	Order       *orders.Order
	Transaction *escrow.Transaction
}

// Seed stores a 3 x Rp50.000 order of the given category together with its
// transaction, both forced into the given statuses.
func (e *Env) Seed(t *testing.T, category string, orderStatus orders.Status, ts escrow.Status) *Seeded {
	t.Helper()
	ctx := context.Background()

	o, err := orders.Build(BuyerID, SupplierID, []orders.NewItem{
		{ProductID: "p-1", Name: "Beras Premium 5kg", Category: category, UnitPrice: decimal.NewFromInt(50000), Quantity: 3},
	}, "", time.Now())
	if err != nil {
		t.Fatalf("seed: build order: %v", err)
	}
	o.Status = orderStatus
	if orderStatus == orders.StatusShipped || orderStatus == orders.StatusDelivered {
		o.TrackingNumber = "JNE-0001"
	}
	if err := e.OrderStore.Create(ctx, o); err != nil {
		t.Fatalf("seed: create order: %v", err)
	}

	tx, err := e.Ledger.OpenPending(ctx, o.ID, idgen.GatewayRef(time.Now()), o.TotalAmount)
	if err != nil {
		t.Fatalf("seed: open transaction: %v", err)
	}
	if ts != escrow.StatusPending {
		if err := e.LedgerStore.UpdateStatus(ctx, tx.ID, escrow.StatusPending, ts, time.Now()); err != nil {
			t.Fatalf("seed: set transaction status: %v", err)
		}
		tx.Status = ts
	}
	return &Seeded{Order: o, Transaction: tx}
}

// OrderStatus reloads an order's status.
func (e *Env) OrderStatus(t *testing.T, orderID string) orders.Status {
	t.Helper()
	o, err := e.Orders.Get(context.Background(), orderID)
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	return o.Status
}

// LedgerStatus reloads a transaction's status by order.
func (e *Env) LedgerStatus(t *testing.T, orderID string) escrow.Status {
	t.Helper()
	tx, err := e.Ledger.GetByOrder(context.Background(), orderID)
	if err != nil {
		t.Fatalf("reload transaction: %v", err)
	}
	return tx.Status
}

package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/salmarket/escrowd/internal/escrow"
	"github.com/salmarket/escrowd/internal/gateway"
	"github.com/salmarket/escrowd/internal/metrics"
	"github.com/salmarket/escrowd/internal/orders"
)

const reconcileBatch = 100

// Reconciler periodically asks the gateway about transactions that are
// still PENDING after the grace period, in case a webhook was lost.
type Reconciler struct {
	ledger    *escrow.Ledger
	client    gateway.Client
	processor *Processor
	interval  time.Duration
	grace     time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
	now       func() time.Time
}

// Summary reports one reconciliation pass.
type Summary struct {
	Checked int `json:"checked"`
	Applied int `json:"applied"`
	Unknown int `json:"unknown"`
	// Conflicts counts gateway outcomes the order could not take; they
	// are left for manual handling.
	Conflicts int `json:"conflicts"`
	Failed    int `json:"failed"`
}

// NewReconciler creates a reconciler.
func NewReconciler(ledger *escrow.Ledger, client gateway.Client, processor *Processor, interval, grace time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		ledger:    ledger,
		client:    client,
		processor: processor,
		interval:  interval,
		grace:     grace,
		logger:    logger,
		stop:      make(chan struct{}),
		now:       time.Now,
	}
}

// Running reports whether the loop is active.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Start runs the loop until ctx is done or Stop is called. Call in a
// goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeRun(ctx)
		}
	}
}

// Stop signals the loop to exit. It is safe to call more than once.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Reconciler) safeRun(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in payment reconciler", "panic", fmt.Sprint(p))
		}
	}()
	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Warn("payment reconciliation failed", "error", err)
	}
}

// RunOnce reconciles one batch of stale PENDING transactions.
func (r *Reconciler) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary

	stale, err := r.ledger.ListStalePending(ctx, r.now().Add(-r.grace), reconcileBatch)
	if err != nil {
		return sum, fmt.Errorf("list stale transactions: %w", err)
	}
	metrics.PendingReconciliations.Set(float64(len(stale)))

	for _, tx := range stale {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.Checked++
		r.markChecked(ctx, tx)

		n, err := r.client.Status(ctx, tx.GatewayOrderRef)
		if errors.Is(err, gateway.ErrUnknownTransaction) {
			// The buyer never opened the payment page.
			sum.Unknown++
			r.logger.Debug("gateway has no record of pending transaction",
				"gateway_ref", tx.GatewayOrderRef, "order_id", tx.OrderID)
			continue
		}
		if err != nil {
			sum.Failed++
			r.logger.Warn("gateway status lookup failed",
				"gateway_ref", tx.GatewayOrderRef, "error", err)
			continue
		}

		res, err := r.processor.Apply(ctx, n)
		if err != nil {
			sum.Failed++
			r.logger.Warn("failed to apply reconciled status",
				"gateway_ref", tx.GatewayOrderRef, "transaction_status", n.TransactionStatus, "error", err)
			continue
		}
		if res.Conflict {
			sum.Conflicts++
			continue
		}
		if !res.Replayed && (res.Ledger != escrow.StatusPending || res.Order != orders.StatusPending) {
			sum.Applied++
			r.logger.Info("reconciled pending payment",
				"gateway_ref", tx.GatewayOrderRef, "order_id", tx.OrderID,
				"ledger_status", res.Ledger, "order_status", res.Order)
		}
	}
	return sum, nil
}

// markChecked moves tx behind every transaction not yet asked about, so
// payments that never resolve cannot crowd out the rest of the backlog.
func (r *Reconciler) markChecked(ctx context.Context, tx *escrow.Transaction) {
	if err := r.ledger.MarkReconciled(ctx, tx.ID); err != nil {
		r.logger.Warn("failed to mark transaction reconciled",
			"gateway_ref", tx.GatewayOrderRef, "error", err)
	}
}

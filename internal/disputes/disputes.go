// Package disputes manages disputes opened when automated delivery
// verification fails and their resolution by an administrator.
package disputes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrDisputeNotFound   = errors.New("disputes: dispute not found")
	ErrDisputeExists     = errors.New("disputes: unresolved dispute already exists for transaction")
	ErrAlreadyResolved   = errors.New("disputes: dispute already resolved")
	ErrInvalidStatus     = errors.New("disputes: invalid dispute status")
	ErrInvalidResolution = errors.New("disputes: invalid resolution")
	ErrRefundAmount      = errors.New("disputes: partial refund needs an amount within the transaction amount")
)

// Status of a dispute. Disputes move OPEN → UNDER_REVIEW → RESOLVED and
// are never deleted.
type Status string

const (
	StatusOpen        Status = "OPEN"
	StatusUnderReview Status = "UNDER_REVIEW"
	StatusResolved    Status = "RESOLVED"
)

// Resolution is the administrator's decision.
type Resolution string

const (
	ResolutionReleaseFunds  Resolution = "RELEASE_FUNDS"
	ResolutionRefundBuyer   Resolution = "REFUND_BUYER"
	ResolutionPartialRefund Resolution = "PARTIAL_REFUND"
)

// ParseResolution accepts a resolution name in any case.
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(strings.ToUpper(strings.TrimSpace(s))); r {
	case ResolutionReleaseFunds, ResolutionRefundBuyer, ResolutionPartialRefund:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidResolution, s)
}

// SystemReason is recorded on disputes opened by a failed verification.
const SystemReason = "AI verification failed - product does not match expected category"

// Dispute is a contested escrow transaction.
type Dispute struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transaction_id"`
	OrderID       string     `json:"order_id"`
	Reason        string     `json:"reason"`
	Status        Status     `json:"status"`
	Resolution    Resolution `json:"resolution,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ReviewedAt    *time.Time `json:"reviewed_at,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// IsResolved reports whether the dispute is closed.
func (d *Dispute) IsResolved() bool {
	return d.Status == StatusResolved
}

// Clone returns a copy that does not share timestamps with d.
func (d *Dispute) Clone() *Dispute {
	cp := *d
	if d.ReviewedAt != nil {
		t := *d.ReviewedAt
		cp.ReviewedAt = &t
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// ResolveRequest is an administrator's resolution.
type ResolveRequest struct {
	Resolution Resolution
	Notes      string
	// RefundAmount is required for PARTIAL_REFUND and recorded in the
	// notes. The ledger refunds the whole transaction.
	RefundAmount decimal.Decimal
}

// Store persists disputes.
type Store interface {
	// Create fails with ErrDisputeExists when the transaction already has
	// an unresolved dispute.
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	// OpenForTransaction returns the unresolved dispute of a transaction,
	// or ErrDisputeNotFound.
	OpenForTransaction(ctx context.Context, transactionID string) (*Dispute, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error)
	// Update writes d if the stored status is still from.
	Update(ctx context.Context, d *Dispute, from Status) error
}

package orders

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/salmarket/escrowd/internal/idgen"
	"github.com/salmarket/escrowd/internal/money"
)

// NewItem is an already-priced order line.
type NewItem struct {
	ProductID string
	Name      string
	Category  string
	UnitPrice decimal.Decimal
	Quantity  int
}

// Build assembles a PENDING order. Subtotals and the total are computed
// here, once; nothing recomputes them later.
func Build(buyerID, supplierID string, lines []NewItem, notes string, now time.Time) (*Order, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyOrder
	}
	if strings.TrimSpace(buyerID) == "" || strings.TrimSpace(supplierID) == "" {
		return nil, fmt.Errorf("%w: buyer and supplier are required", ErrInvalidItem)
	}

	o := &Order{
		ID:         idgen.New(),
		BuyerID:    buyerID,
		SupplierID: supplierID,
		Status:     StatusPending,
		Notes:      notes,
		Items:      make([]Item, 0, len(lines)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	subtotals := make([]decimal.Decimal, 0, len(lines))
	for i, l := range lines {
		if l.ProductID == "" || strings.TrimSpace(l.Name) == "" {
			return nil, fmt.Errorf("%w: line %d needs a product id and name", ErrInvalidItem, i)
		}
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: line %d quantity must be positive", ErrInvalidItem, i)
		}
		if err := money.Validate(l.UnitPrice); err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", ErrInvalidItem, i, err)
		}
		sub := money.Subtotal(l.UnitPrice, l.Quantity)
		subtotals = append(subtotals, sub)
		o.Items = append(o.Items, Item{
			ID:        idgen.New(),
			OrderID:   o.ID,
			ProductID: l.ProductID,
			Name:      l.Name,
			Category:  strings.ToLower(strings.TrimSpace(l.Category)),
			UnitPrice: l.UnitPrice,
			Quantity:  l.Quantity,
			Subtotal:  sub,
		})
	}
	o.TotalAmount = money.Sum(subtotals...)
	return o, nil
}

// Package money handles IDR amounts.
//
// Rupiah has no minor unit in practice: every amount the marketplace
// accepts is a whole, positive number of rupiah. Amounts are carried as
// decimal.Decimal so arithmetic is exact, and a fractional input is an
// error rather than something to round.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is the only currency the marketplace settles in.
const Currency = "IDR"

var (
	ErrInvalidAmount    = errors.New("money: invalid amount")
	ErrFractionalAmount = errors.New("money: amount must be a whole number of rupiah")
	ErrNonPositive      = errors.New("money: amount must be positive")
)

// Parse converts a decimal string to an amount. Trailing zero fractions
// ("150000.00", as the gateway sends them) are accepted; any non-zero
// fraction is rejected.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if err := Validate(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// Validate checks that d is a positive whole amount.
func Validate(d decimal.Decimal) error {
	if !d.IsPositive() {
		return ErrNonPositive
	}
	if !d.Equal(d.Truncate(0)) {
		return ErrFractionalAmount
	}
	return nil
}

// Subtotal returns unitPrice * quantity.
func Subtotal(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
}

// Sum adds amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// Rupiah returns the amount as an integer for payloads that take whole
// rupiah. Callers must have validated the amount first.
func Rupiah(d decimal.Decimal) int64 {
	return d.IntPart()
}

// Format renders an amount with no decimal places ("150000").
func Format(d decimal.Decimal) string {
	return d.StringFixed(0)
}

// Matches reports whether a gateway-reported amount string denotes the
// same value as d.
func Matches(d decimal.Decimal, reported string) bool {
	r, err := decimal.NewFromString(strings.TrimSpace(reported))
	if err != nil {
		return false
	}
	return r.Equal(d)
}

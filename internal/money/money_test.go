package money

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{"150000", "150000", nil},
		{"150000.00", "150000", nil},
		{" 42 ", "42", nil},
		{"150000.50", "", ErrFractionalAmount},
		{"0", "", ErrNonPositive},
		{"-10", "", ErrNonPositive},
		{"", "", ErrInvalidAmount},
		{"abc", "", ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, Format(got))
		})
	}
}

func TestSubtotalAndSum(t *testing.T) {
	a := Subtotal(decimal.NewFromInt(12500), 4)
	b := Subtotal(decimal.NewFromInt(3000), 3)

	assert.Equal(t, "50000", Format(a))
	assert.Equal(t, "59000", Format(Sum(a, b)))
	assert.True(t, Sum().IsZero())
}

func TestRupiah(t *testing.T) {
	d, err := Parse("150000.00")
	require.NoError(t, err)
	assert.Equal(t, int64(150000), Rupiah(d))
}

func TestMatches(t *testing.T) {
	d := decimal.NewFromInt(150000)

	assert.True(t, Matches(d, "150000.00"))
	assert.True(t, Matches(d, "150000"))
	assert.False(t, Matches(d, "150001.00"))
	assert.False(t, Matches(d, "garbage"))
}

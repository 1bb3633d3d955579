package fees

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCalculateTiers(t *testing.T) {
	c := NewCalculator()

	cases := []struct {
		name        string
		amountMinor int64
		crossBorder bool
		want        string
	}{
		{"zero amount", 0, false, "0"},
		{"negative amount", -500, false, "0"},
		{"under 10 USD", 999, false, "4.995"},
		{"exactly 10 USD moves to 1pct", 1_000, false, "10"},
		{"under 100 USD", 5_000, false, "50"},
		{"exactly 100 USD moves to 1.5pct", 10_000, false, "150"},
		{"under 1000 USD", 50_000, false, "750"},
		{"exactly 1000 USD moves to 2pct", 100_000, false, "2000"},
		{"large amount", 1_000_000, false, "20000"},
		{"cross border adds half a point", 5_000, true, "75"},
		{"cross border on top tier", 100_000, true, "2500"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.Calculate(tc.amountMinor, tc.crossBorder)
			assert.True(t, got.Equal(decimal.RequireFromString(tc.want)),
				"got %s want %s", got, tc.want)
		})
	}
}

func TestCalculateKeepsSubUnitPrecision(t *testing.T) {
	c := NewCalculator()
	// 1.00 USD at 0.5% is half a cent. It must survive as a decimal so
	// the currency conversion can still collect it.
	fee := c.Calculate(100, false)
	assert.True(t, fee.Equal(decimal.RequireFromString("0.5")))
}

func TestInCurrency(t *testing.T) {
	one := decimal.NewFromInt(1)

	// USD fee landing in USD.
	assert.Equal(t, int64(50), InCurrency(decimal.NewFromInt(50), one))

	// Zero fee stays zero.
	assert.Equal(t, int64(0), InCurrency(decimal.Zero, one))

	// A sub-unit positive fee floors at one minor unit.
	assert.Equal(t, int64(1), InCurrency(decimal.RequireFromString("0.4"), one))

	// KES at 0.00772 to USD: a 1.00 USD fee is about 12953 KES minor units.
	kesRate := decimal.RequireFromString("0.00772")
	got := InCurrency(decimal.NewFromInt(100), kesRate)
	assert.InDelta(t, 12953, got, 1)
}

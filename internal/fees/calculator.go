// Package fees prices transfers. Tiers are keyed on the USD value of the
// transfer; the result is kept as an exact decimal until the final
// conversion into minor units of the debit currency.
package fees

import "github.com/shopspring/decimal"

// Tier boundaries and rates, in USD minor units and fractional percent.
var (
	tier1Bound = decimal.NewFromInt(1_000)    // 10.00 USD
	tier2Bound = decimal.NewFromInt(10_000)   // 100.00 USD
	tier3Bound = decimal.NewFromInt(100_000)  // 1,000.00 USD

	tier1Rate = decimal.NewFromFloat(0.005)
	tier2Rate = decimal.NewFromFloat(0.010)
	tier3Rate = decimal.NewFromFloat(0.015)
	tier4Rate = decimal.NewFromFloat(0.020)

	crossBorderSurcharge = decimal.NewFromFloat(0.005)
)

// Calculator prices transfer fees from the USD value of the amount.
type Calculator struct{}

func NewCalculator() *Calculator {
	return &Calculator{}
}

// Calculate returns the fee in USD for a transfer worth amountUSDMinor.
// The result is full precision; use InCurrency to land it in a wallet.
func (c *Calculator) Calculate(amountUSDMinor int64, crossBorder bool) decimal.Decimal {
	amount := decimal.NewFromInt(amountUSDMinor)
	if amount.Sign() <= 0 {
		return decimal.Zero
	}

	var rate decimal.Decimal
	switch {
	case amount.LessThan(tier1Bound):
		rate = tier1Rate
	case amount.LessThan(tier2Bound):
		rate = tier2Rate
	case amount.LessThan(tier3Bound):
		rate = tier3Rate
	default:
		rate = tier4Rate
	}
	if crossBorder {
		rate = rate.Add(crossBorderSurcharge)
	}
	return amount.Mul(rate)
}

// InCurrency converts a USD fee into minor units of the debit currency
// given the currency's rate to USD. A positive fee never rounds to zero;
// it floors at one minor unit so no priced transfer rides free.
func InCurrency(feeUSDMinor decimal.Decimal, rateToUSD decimal.Decimal) int64 {
	if feeUSDMinor.Sign() <= 0 {
		return 0
	}
	fee := feeUSDMinor.Div(rateToUSD).Round(0).IntPart()
	if fee < 1 {
		return 1
	}
	return fee
}

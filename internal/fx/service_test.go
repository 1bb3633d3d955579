package fx

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testCurrencies = []string{"USD", "EUR", "GBP", "KES", "NGN"}

func newTestFX(t *testing.T, now *time.Time) Service {
	t.Helper()
	return NewService(zap.NewNop(), testCurrencies, 1.5, 0.3, 30*time.Second,
		WithClock(func() time.Time { return *now }),
		WithRand(rand.New(rand.NewSource(42))),
	)
}

func TestLiveRateIdentityPair(t *testing.T) {
	now := time.Now()
	svc := newTestFX(t, &now)
	rate, err := svc.LiveRate("USD", "USD")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(1)))
}

func TestLiveRateWithinVolatilityBand(t *testing.T) {
	now := time.Now()
	svc := newTestFX(t, &now)
	rate, err := svc.LiveRate("USD", "KES")
	require.NoError(t, err)

	base := decimal.NewFromFloat(129.5)
	lo := base.Mul(decimal.NewFromFloat(0.997))
	hi := base.Mul(decimal.NewFromFloat(1.003))
	assert.True(t, rate.GreaterThanOrEqual(lo), "rate %s below band", rate)
	assert.True(t, rate.LessThanOrEqual(hi), "rate %s above band", rate)
}

func TestLiveRateCachedWithinTTL(t *testing.T) {
	now := time.Now()
	svc := newTestFX(t, &now)

	first, err := svc.LiveRate("EUR", "GBP")
	require.NoError(t, err)

	now = now.Add(29 * time.Second)
	second, err := svc.LiveRate("EUR", "GBP")
	require.NoError(t, err)
	assert.True(t, first.Equal(second), "rate must be pinned inside the TTL")

	now = now.Add(2 * time.Second)
	third, err := svc.LiveRate("EUR", "GBP")
	require.NoError(t, err)
	// Freshly perturbed, still inside the band around the seed.
	base := decimal.NewFromFloat(0.859)
	assert.True(t, third.Sub(base).Abs().LessThan(base.Mul(decimal.NewFromFloat(0.004))))
}

func TestQuoteAppliesSpread(t *testing.T) {
	now := time.Now()
	svc := newTestFX(t, &now)

	q, err := svc.Quote("USD", "EUR", 100_000) // 1,000.00 USD
	require.NoError(t, err)

	expectedHaircut := q.MidRate.Mul(decimal.NewFromFloat(1.5 / 200))
	assert.True(t, q.EffectiveRate.Sub(q.MidRate.Sub(expectedHaircut)).Abs().LessThan(decimal.NewFromFloat(0.000002)),
		"effective rate must be mid minus half spread")
	assert.Less(t, q.ToAmount, int64(100_000), "EUR leg must be smaller than the USD leg at these rates")
	assert.Equal(t, int64(750), q.FXFeeMinor, "fee is amount * spread/200")
	assert.Equal(t, 30*time.Second, q.ValidFor)
}

func TestQuoteUnknownPair(t *testing.T) {
	now := time.Now()
	svc := newTestFX(t, &now)
	_, err := svc.Quote("USD", "JPY", 1_000)
	assert.ErrorIs(t, err, ErrRateUnavailable)
}

func TestRateTableCoversAllPairs(t *testing.T) {
	now := time.Now()
	svc := newTestFX(t, &now)
	table := svc.RateTable()
	// n*(n-1) ordered pairs for n supported currencies.
	assert.Len(t, table, len(testCurrencies)*(len(testCurrencies)-1))
	for _, p := range table {
		assert.True(t, p.Rate.IsPositive(), "pair %s has non-positive rate", p.Pair)
	}
}

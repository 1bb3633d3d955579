// Package fx provides the simulated rate engine used for wallet-to-wallet
// currency conversion. Mid rates carry a small random walk to mimic market
// movement and are cached per pair for a short TTL; the spread is taken out
// of the effective rate, never out of the ledger.
package fx

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrRateUnavailable is returned when no direct or pivoted rate exists for
// the requested pair.
var ErrRateUnavailable = errors.New("fx rate unavailable")

// seedRates are the reference mid rates the engine perturbs. Pairs missing
// from the table are derived through the USD pivot.
var seedRates = map[string]float64{
	"USD_EUR": 0.92, "EUR_USD": 1.087,
	"USD_KES": 129.5, "KES_USD": 0.00772,
	"USD_NGN": 1580.0, "NGN_USD": 0.000633,
	"USD_GBP": 0.79, "GBP_USD": 1.266,
	"EUR_KES": 140.8, "KES_EUR": 0.0071,
	"EUR_NGN": 1718.0, "NGN_EUR": 0.000582,
	"EUR_GBP": 0.859, "GBP_EUR": 1.164,
	"GBP_KES": 163.9, "KES_GBP": 0.0061,
	"GBP_NGN": 2002.0, "NGN_GBP": 0.000499,
	"KES_NGN": 12.2, "NGN_KES": 0.082,
}

// Quote is a priced conversion offer. Amounts are minor units of their
// respective currencies.
type Quote struct {
	FromCurrency  string          `json:"from_currency"`
	ToCurrency    string          `json:"to_currency"`
	FromAmount    int64           `json:"from_amount"`
	ToAmount      int64           `json:"to_amount"`
	MidRate       decimal.Decimal `json:"mid_rate"`
	EffectiveRate decimal.Decimal `json:"effective_rate"`
	SpreadPct     float64         `json:"spread_pct"`
	FXFeeMinor    int64           `json:"fx_fee_minor"`
	ValidFor      time.Duration   `json:"valid_for_seconds"`
}

// RatePair is one row of the public rate table.
type RatePair struct {
	Pair string          `json:"pair"`
	From string          `json:"from"`
	To   string          `json:"to"`
	Rate decimal.Decimal `json:"rate"`
}

// Service quotes conversions between supported currencies.
type Service interface {
	// LiveRate returns the cached or freshly perturbed mid rate for the
	// pair. Identity pairs return 1.
	LiveRate(from, to string) (decimal.Decimal, error)
	// Quote prices a conversion of amountMinor, spread included.
	Quote(from, to string, amountMinor int64) (*Quote, error)
	RateTable() []RatePair
}

type cachedRate struct {
	rate decimal.Decimal
	at   time.Time
}

type service struct {
	logger        *zap.Logger
	currencies    []string
	spreadPct     float64
	volatilityPct float64
	ttl           time.Duration

	now func() time.Time
	rng *rand.Rand

	mu    sync.Mutex
	cache map[string]cachedRate
}

// Option tweaks service construction. Tests inject a fixed clock and a
// seeded random source.
type Option func(*service)

func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

func WithRand(rng *rand.Rand) Option {
	return func(s *service) { s.rng = rng }
}

// NewService builds the rate engine. spreadPct is the full spread in
// percent, volatilityPct the half-width of the mid-rate random walk, and
// ttl how long a perturbed rate stays pinned.
func NewService(logger *zap.Logger, currencies []string, spreadPct, volatilityPct float64, ttl time.Duration, opts ...Option) Service {
	s := &service{
		logger:        logger,
		currencies:    currencies,
		spreadPct:     spreadPct,
		volatilityPct: volatilityPct,
		ttl:           ttl,
		now:           time.Now,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:         make(map[string]cachedRate),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func baseRate(from, to string) (decimal.Decimal, bool) {
	if r, ok := seedRates[from+"_"+to]; ok {
		return decimal.NewFromFloat(r), true
	}
	// Cross-rate through the USD pivot.
	fromUSD, ok1 := seedRates[from+"_USD"]
	usdTo, ok2 := seedRates["USD_"+to]
	if !ok1 || !ok2 {
		return decimal.Decimal{}, false
	}
	return decimal.NewFromFloat(fromUSD).Mul(decimal.NewFromFloat(usdTo)), true
}

func (s *service) LiveRate(from, to string) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	key := from + "_" + to
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.cache[key]; ok && s.now().Sub(c.at) < s.ttl {
		return c.rate, nil
	}

	base, ok := baseRate(from, to)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s/%s", ErrRateUnavailable, from, to)
	}

	// Random walk within ±volatilityPct of the base rate.
	shift := (s.rng.Float64()*2 - 1) * s.volatilityPct / 100
	live := base.Mul(decimal.NewFromFloat(1 + shift))
	s.cache[key] = cachedRate{rate: live, at: s.now()}
	return live, nil
}

func (s *service) Quote(from, to string, amountMinor int64) (*Quote, error) {
	mid, err := s.LiveRate(from, to)
	if err != nil {
		return nil, err
	}

	// effective = mid * (1 - spread/200): half the spread on this side.
	haircut := decimal.NewFromFloat(s.spreadPct).Div(decimal.NewFromInt(200))
	effective := mid.Mul(decimal.NewFromInt(1).Sub(haircut))

	amount := decimal.NewFromInt(amountMinor)
	toAmount := amount.Mul(effective).Round(0).IntPart()
	fee := amount.Mul(haircut).Round(0).IntPart()

	return &Quote{
		FromCurrency:  from,
		ToCurrency:    to,
		FromAmount:    amountMinor,
		ToAmount:      toAmount,
		MidRate:       mid.Round(6),
		EffectiveRate: effective.Round(6),
		SpreadPct:     s.spreadPct,
		FXFeeMinor:    fee,
		ValidFor:      s.ttl,
	}, nil
}

func (s *service) RateTable() []RatePair {
	var pairs []RatePair
	for _, from := range s.currencies {
		for _, to := range s.currencies {
			if from == to {
				continue
			}
			rate, err := s.LiveRate(from, to)
			if err != nil {
				continue
			}
			pairs = append(pairs, RatePair{
				Pair: from + "/" + to,
				From: from,
				To:   to,
				Rate: rate.Round(6),
			})
		}
	}
	return pairs
}

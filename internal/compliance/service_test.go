package compliance

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chainpay/chainpay/internal/events"
	"github.com/chainpay/chainpay/pkg/models"
)

var testLimits = Limits{
	TxLimitUSD:          200_000, // 2,000.00 USD
	DailyLimitUSD:       500_000, // 5,000.00 USD
	StructuringMinUSD:   90_000,
	StructuringMaxUSD:   100_000,
	StructuringMinCount: 3,
	VelocityMaxPerHour:  10,
}

type fixture struct {
	svc  Service
	db   *gorm.DB
	sink *events.MemorySink
	ob   *events.Outbox
	now  time.Time
}

func newFixture(t *testing.T, sanctions []uuid.UUID) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Transaction{}, &models.FraudFlag{}))

	sink := events.NewMemorySink()
	ob := events.NewOutbox(zap.NewNop(), sink, 16)
	now := time.Now()
	svc := NewService(zap.NewNop(), db, ob, testLimits, sanctions,
		WithClock(func() time.Time { return now }))
	return &fixture{svc: svc, db: db, sink: sink, ob: ob, now: now}
}

func (f *fixture) drain() {
	f.ob.Start()
	f.ob.Stop()
}

func (f *fixture) seedTx(t *testing.T, sender uuid.UUID, amountUSD int64, age time.Duration) {
	t.Helper()
	tx := models.Transaction{
		ID:        uuid.New(),
		Sender:    sender,
		Recipient: uuid.New(),
		Amount:    amountUSD,
		Currency:  "USD",
		Type:      models.TxTypeSend,
		AmountUSD: amountUSD,
		Status:    models.TxStatusConfirmed,
		CreatedAt: f.now.Add(-age),
	}
	require.NoError(t, f.db.Create(&tx).Error)
}

func TestCheckCleanTransferPasses(t *testing.T) {
	f := newFixture(t, nil)
	err := f.svc.Check(context.Background(), uuid.New(), 50_000, uuid.New(), false)
	assert.NoError(t, err)
}

func TestCheckSanctionsBlocksEitherParty(t *testing.T) {
	blocked := uuid.New()
	f := newFixture(t, []uuid.UUID{blocked})

	err := f.svc.Check(context.Background(), blocked, 100, uuid.New(), false)
	assert.ErrorIs(t, err, ErrSanctioned)

	err = f.svc.Check(context.Background(), uuid.New(), 100, blocked, false)
	assert.ErrorIs(t, err, ErrSanctioned)

	f.drain()
	flags := f.sink.Flags()
	require.Len(t, flags, 2)
	assert.Equal(t, "SANCTIONS_HIT", flags[0].FlagType)
	assert.Equal(t, models.SeverityCritical, flags[0].Severity)
}

func TestCheckSuspendedSender(t *testing.T) {
	f := newFixture(t, nil)
	user := models.User{ID: uuid.New(), Phone: "+254700000001", Suspended: true}
	require.NoError(t, f.db.Create(&user).Error)

	err := f.svc.Check(context.Background(), user.ID, 100, uuid.New(), false)
	assert.ErrorIs(t, err, ErrSuspended)
}

func TestCheckSingleTxLimit(t *testing.T) {
	f := newFixture(t, nil)
	sender := uuid.New()

	err := f.svc.Check(context.Background(), sender, 200_000, uuid.New(), false)
	assert.NoError(t, err, "at the limit is allowed")

	err = f.svc.Check(context.Background(), sender, 200_001, uuid.New(), false)
	assert.ErrorIs(t, err, ErrTxLimitExceeded)
}

func TestCheckDailyLimitCountsConfirmedVolume(t *testing.T) {
	f := newFixture(t, nil)
	sender := uuid.New()
	f.seedTx(t, sender, 190_000, 2*time.Hour)
	f.seedTx(t, sender, 190_000, 5*time.Hour)

	err := f.svc.Check(context.Background(), sender, 120_000, uuid.New(), false)
	assert.NoError(t, err, "380000 + 120000 is exactly the daily cap")

	err = f.svc.Check(context.Background(), sender, 120_001, uuid.New(), false)
	assert.ErrorIs(t, err, ErrDailyLimitExceeded)
}

func TestCheckDailyLimitIgnoresOldTransfers(t *testing.T) {
	f := newFixture(t, nil)
	sender := uuid.New()
	f.seedTx(t, sender, 490_000, 25*time.Hour)

	err := f.svc.Check(context.Background(), sender, 120_000, uuid.New(), false)
	assert.NoError(t, err, "volume outside the 24h window must not count")
}

func TestCheckStructuring(t *testing.T) {
	f := newFixture(t, nil)
	sender := uuid.New()
	// Three transfers in the 900-1000 USD band inside 24 hours.
	f.seedTx(t, sender, 92_000, time.Hour)
	f.seedTx(t, sender, 95_000, 3*time.Hour)
	f.seedTx(t, sender, 100_000, 6*time.Hour)

	err := f.svc.Check(context.Background(), sender, 5_000, uuid.New(), false)
	assert.ErrorIs(t, err, ErrStructuring)

	f.drain()
	flags := f.sink.Flags()
	require.Len(t, flags, 1)
	assert.Equal(t, "STRUCTURING", flags[0].FlagType)
	assert.Equal(t, models.SeverityHigh, flags[0].Severity)
}

func TestCheckStructuringNeedsThreeInBand(t *testing.T) {
	f := newFixture(t, nil)
	sender := uuid.New()
	f.seedTx(t, sender, 92_000, time.Hour)
	f.seedTx(t, sender, 95_000, 3*time.Hour)
	f.seedTx(t, sender, 89_999, 6*time.Hour) // below the band

	err := f.svc.Check(context.Background(), sender, 5_000, uuid.New(), false)
	assert.NoError(t, err)
}

func (f *fixture) seedTypedTx(t *testing.T, sender uuid.UUID, amountUSD int64, age time.Duration, txType, status string) {
	t.Helper()
	tx := models.Transaction{
		ID:        uuid.New(),
		Sender:    sender,
		Recipient: uuid.New(),
		Amount:    amountUSD,
		Currency:  "USD",
		Type:      txType,
		AmountUSD: amountUSD,
		Status:    status,
		CreatedAt: f.now.Add(-age),
	}
	require.NoError(t, f.db.Create(&tx).Error)
}

func TestCheckWindowsCountOutboundOnly(t *testing.T) {
	f := newFixture(t, nil)
	sender := uuid.New()

	// Conversions, already-reversed sends and reversal credits sit in the
	// structuring band but are not transfers out.
	f.seedTypedTx(t, sender, 95_000, time.Hour, models.TxTypeFXConvert, models.TxStatusConfirmed)
	f.seedTypedTx(t, sender, 95_000, 2*time.Hour, models.TxTypeReversal, models.TxStatusConfirmed)
	f.seedTypedTx(t, sender, 95_000, 3*time.Hour, models.TxTypeSend, models.TxStatusReversed)
	f.seedTx(t, sender, 95_000, 4*time.Hour)
	f.seedTx(t, sender, 92_000, 5*time.Hour)

	// Two countable rows in the band: no structuring denial.
	err := f.svc.Check(context.Background(), sender, 5_000, uuid.New(), false)
	assert.NoError(t, err)

	// Same for velocity: ten conversions in the hour do not trip it.
	burst := uuid.New()
	for i := 0; i < 10; i++ {
		f.seedTypedTx(t, burst, 1_000, time.Duration(i+1)*time.Minute, models.TxTypeFXConvert, models.TxStatusConfirmed)
	}
	err = f.svc.Check(context.Background(), burst, 1_000, uuid.New(), false)
	assert.NoError(t, err)
}

func TestCheckVelocity(t *testing.T) {
	f := newFixture(t, nil)
	sender := uuid.New()
	for i := 0; i < 10; i++ {
		f.seedTx(t, sender, 1_000, time.Duration(i+1)*time.Minute)
	}

	err := f.svc.Check(context.Background(), sender, 1_000, uuid.New(), false)
	assert.ErrorIs(t, err, ErrVelocity)

	f.drain()
	flags := f.sink.Flags()
	require.Len(t, flags, 1)
	assert.Equal(t, "VELOCITY", flags[0].FlagType)
	assert.Equal(t, models.SeverityMedium, flags[0].Severity)
}

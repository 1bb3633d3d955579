// Package compliance runs the transaction monitoring rules ahead of every
// outbound transfer. Rules evaluate in a fixed order and the first denial
// wins; flag-worthy denials are published to the outbox rather than written
// inline so screening never extends a wallet lock.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/chainpay/chainpay/internal/events"
	"github.com/chainpay/chainpay/pkg/metrics"
	"github.com/chainpay/chainpay/pkg/models"
)

var (
	ErrSanctioned         = errors.New("transaction blocked by sanctions screening")
	ErrSuspended          = errors.New("account suspended")
	ErrTxLimitExceeded    = errors.New("exceeds single transaction limit")
	ErrDailyLimitExceeded = errors.New("exceeds daily limit")
	ErrStructuring        = errors.New("suspicious activity: transaction structuring")
	ErrVelocity           = errors.New("rate limit: too many transactions")
)

// outboundTypes are the transaction types that count toward the trailing
// structuring and velocity windows.
var outboundTypes = []string{models.TxTypeSend, models.TxTypeWithdraw}

// Limits carries the tunables for every rule. Amounts are USD minor units.
type Limits struct {
	TxLimitUSD          int64
	DailyLimitUSD       int64
	StructuringMinUSD   int64
	StructuringMaxUSD   int64
	StructuringMinCount int
	VelocityMaxPerHour  int
}

// Service screens transfers before money moves.
type Service interface {
	// Check returns nil when the transfer may proceed, or one of the
	// package sentinel errors naming the rule that denied it.
	Check(ctx context.Context, senderID uuid.UUID, amountUSDMinor int64, recipientID uuid.UUID, crossBorder bool) error
}

type service struct {
	logger    *zap.Logger
	db        *gorm.DB
	outbox    *events.Outbox
	limits    Limits
	sanctions map[uuid.UUID]bool
	now       func() time.Time
}

// Option tweaks service construction.
type Option func(*service)

func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// NewService builds the rule engine. sanctions is the blocked party list.
func NewService(logger *zap.Logger, db *gorm.DB, outbox *events.Outbox, limits Limits, sanctions []uuid.UUID, opts ...Option) Service {
	set := make(map[uuid.UUID]bool, len(sanctions))
	for _, id := range sanctions {
		set[id] = true
	}
	s := &service{
		logger:    logger,
		db:        db,
		outbox:    outbox,
		limits:    limits,
		sanctions: set,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func deny(rule string, err error) error {
	metrics.ComplianceDenials.WithLabelValues(rule).Inc()
	return err
}

func (s *service) Check(ctx context.Context, senderID uuid.UUID, amountUSDMinor int64, recipientID uuid.UUID, crossBorder bool) error {
	// Sanctions screening runs first so a listed party never reaches the
	// balance rules.
	if s.sanctions[senderID] || s.sanctions[recipientID] {
		s.outbox.Flag(senderID, "SANCTIONS_HIT", models.SeverityCritical,
			fmt.Sprintf("amount_usd=%d recipient=%s", amountUSDMinor, recipientID))
		return deny("sanctions", ErrSanctioned)
	}

	var sender models.User
	if err := s.db.WithContext(ctx).First(&sender, "id = ?", senderID).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to load sender: %w", err)
		}
	} else if sender.Suspended {
		return deny("suspended", ErrSuspended)
	}

	if amountUSDMinor > s.limits.TxLimitUSD {
		return deny("tx_limit", fmt.Errorf("%w (%d USD minor units)", ErrTxLimitExceeded, s.limits.TxLimitUSD))
	}

	dayAgo := s.now().Add(-24 * time.Hour)
	var dailyTotal int64
	err := s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("sender = ? AND created_at > ? AND status = ?", senderID, dayAgo, models.TxStatusConfirmed).
		Select("COALESCE(SUM(amount_usd), 0)").
		Scan(&dailyTotal).Error
	if err != nil {
		return fmt.Errorf("failed to sum daily volume: %w", err)
	}
	if dailyTotal+amountUSDMinor > s.limits.DailyLimitUSD {
		return deny("daily_limit", fmt.Errorf("%w (%d USD minor units)", ErrDailyLimitExceeded, s.limits.DailyLimitUSD))
	}

	// Structuring: repeated transfers parked just under a round threshold.
	// Only confirmed outbound rows count; conversions and reversals are
	// not transfers out.
	var structured int64
	err = s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("sender = ? AND created_at > ? AND type IN ? AND status = ? AND amount_usd BETWEEN ? AND ?",
			senderID, dayAgo, outboundTypes, models.TxStatusConfirmed,
			s.limits.StructuringMinUSD, s.limits.StructuringMaxUSD).
		Count(&structured).Error
	if err != nil {
		return fmt.Errorf("failed to count structured transfers: %w", err)
	}
	if int(structured) >= s.limits.StructuringMinCount {
		s.outbox.Flag(senderID, "STRUCTURING", models.SeverityHigh,
			fmt.Sprintf("tx_count=%d window=24h", structured))
		return deny("structuring", ErrStructuring)
	}

	hourAgo := s.now().Add(-time.Hour)
	var hourly int64
	err = s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("sender = ? AND created_at > ? AND type IN ? AND status = ?",
			senderID, hourAgo, outboundTypes, models.TxStatusConfirmed).
		Count(&hourly).Error
	if err != nil {
		return fmt.Errorf("failed to count hourly transfers: %w", err)
	}
	if int(hourly) >= s.limits.VelocityMaxPerHour {
		s.outbox.Flag(senderID, "VELOCITY", models.SeverityMedium,
			fmt.Sprintf("tx_count_1h=%d", hourly))
		return deny("velocity", ErrVelocity)
	}

	return nil
}

// Package settlement reconciles external mobile money deposits. A deposit
// is recorded PENDING before the provider is asked to prompt the customer;
// the wallet is credited only when the provider's callback survives the
// idempotency, duplicate-receipt and amount checks, all inside one database
// transaction. A sweeper closes prompts the customer never answered.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/chainpay/chainpay/internal/events"
	"github.com/chainpay/chainpay/internal/ledger"
	"github.com/chainpay/chainpay/pkg/metrics"
	"github.com/chainpay/chainpay/pkg/models"
)

var (
	ErrSettlementNotFound = errors.New("settlement not found")
	ErrProviderRejected   = errors.New("provider rejected the deposit request")
)

const settlementCurrency = "KES"

// Service owns the external deposit lifecycle.
type Service interface {
	// InitiateDeposit records a pending settlement and asks the provider
	// to prompt the customer's handset.
	InitiateDeposit(ctx context.Context, userID uuid.UUID, phone string, amountMinor int64) (*models.PendingSettlement, error)
	// HandleCallback applies a provider result at most once.
	HandleCallback(ctx context.Context, cb *Callback) error
	// Status returns the settlement identified by our internal reference.
	Status(ctx context.Context, userID uuid.UUID, internalRef string) (*models.PendingSettlement, error)
	// History lists the user's settlements, newest first.
	History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.PendingSettlement, error)
	// ListByStatus is the back-office view across all users.
	ListByStatus(ctx context.Context, status string, limit int) ([]*models.PendingSettlement, error)
	// SweepExpired marks overdue PENDING records EXPIRED and returns the
	// number closed.
	SweepExpired(ctx context.Context) (int64, error)
}

type service struct {
	logger   *zap.Logger
	db       *gorm.DB
	ledger   ledger.Service
	provider ProviderClient
	outbox   *events.Outbox

	expiry         time.Duration
	toleranceMinor int64
	now            func() time.Time
}

// Option tweaks service construction.
type Option func(*service)

func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

func NewService(
	logger *zap.Logger,
	db *gorm.DB,
	ldg ledger.Service,
	provider ProviderClient,
	outbox *events.Outbox,
	expiry time.Duration,
	toleranceMinor int64,
	opts ...Option,
) Service {
	s := &service{
		logger:         logger,
		db:             db,
		ledger:         ldg,
		provider:       provider,
		outbox:         outbox,
		expiry:         expiry,
		toleranceMinor: toleranceMinor,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) InitiateDeposit(ctx context.Context, userID uuid.UUID, phone string, amountMinor int64) (*models.PendingSettlement, error) {
	if amountMinor <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive")
	}
	normalized, err := ValidatePhone(phone)
	if err != nil {
		return nil, err
	}

	now := s.now()
	rec := &models.PendingSettlement{
		ID:              uuid.New(),
		InternalRef:     uuid.New().String(),
		UserID:          userID,
		Phone:           normalized,
		AmountRequested: amountMinor,
		Currency:        settlementCurrency,
		Status:          models.SettlementPending,
		InitiatedAt:     now,
		ExpiresAt:       now.Add(s.expiry),
	}
	// The record exists before the provider hears about the request, so a
	// callback can never arrive for an untracked push.
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("failed to record settlement: %w", err)
	}

	trackingID, err := s.provider.InitiateDeposit(ctx, normalized, amountMinor, rec.InternalRef)
	if err != nil {
		s.failRecord(ctx, rec.InternalRef, -99, err.Error(), "")
		return nil, fmt.Errorf("%w: %v", ErrProviderRejected, err)
	}

	if err := s.db.WithContext(ctx).
		Model(&models.PendingSettlement{}).
		Where("internal_ref = ?", rec.InternalRef).
		Update("tracking_id", trackingID).Error; err != nil {
		return nil, fmt.Errorf("failed to store tracking id: %w", err)
	}
	rec.TrackingID = trackingID

	s.logger.Info("settlement initiated",
		zap.String("internal_ref", rec.InternalRef),
		zap.String("tracking_id", trackingID),
		zap.Int64("amount", amountMinor))
	return rec, nil
}

func (s *service) failRecord(ctx context.Context, internalRef string, code int, desc, raw string) {
	now := s.now()
	err := s.db.WithContext(ctx).
		Model(&models.PendingSettlement{}).
		Where("internal_ref = ? AND status = ?", internalRef, models.SettlementPending).
		Updates(map[string]any{
			"status":       models.SettlementFailed,
			"result_code":  code,
			"result_desc":  desc,
			"raw_callback": raw,
			"callback_at":  now,
		}).Error
	if err != nil {
		s.logger.Error("failed to mark settlement failed",
			zap.String("internal_ref", internalRef), zap.Error(err))
	}
}

// HandleCallback applies the provider result. Every exit path is terminal
// for the callback, never for the record: unknown or already-settled
// references are ignored so provider retries stay harmless.
func (s *service) HandleCallback(ctx context.Context, cb *Callback) error {
	if cb.TrackingID == "" {
		metrics.SettlementCallbacks.WithLabelValues("ignored").Inc()
		s.logger.Warn("callback without tracking id, ignoring")
		return nil
	}

	var rec models.PendingSettlement
	err := s.db.WithContext(ctx).
		Where("tracking_id = ?", cb.TrackingID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			metrics.SettlementCallbacks.WithLabelValues("ignored").Inc()
			s.logger.Warn("callback for unknown tracking id, ignoring",
				zap.String("tracking_id", cb.TrackingID))
			return nil
		}
		return fmt.Errorf("failed to load settlement: %w", err)
	}

	if rec.Status != models.SettlementPending {
		metrics.SettlementCallbacks.WithLabelValues("duplicate").Inc()
		s.logger.Info("callback for settled record, ignoring",
			zap.String("internal_ref", rec.InternalRef),
			zap.String("status", rec.Status))
		return nil
	}

	if !cb.Success() {
		s.failRecord(ctx, rec.InternalRef, cb.ResultCode, cb.ResultDesc, string(cb.Raw))
		metrics.SettlementCallbacks.WithLabelValues("failed").Inc()
		s.outbox.Notify(rec.UserID, "settlement.failed",
			fmt.Sprintf("Mobile money deposit failed: %s", cb.ResultDesc))
		return nil
	}

	// Duplicate receipt guard across all records.
	if cb.ReceiptID != "" {
		var count int64
		err := s.db.WithContext(ctx).
			Model(&models.PendingSettlement{}).
			Where("receipt_id = ? AND id <> ?", cb.ReceiptID, rec.ID).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("failed receipt lookup: %w", err)
		}
		if count > 0 {
			metrics.SettlementCallbacks.WithLabelValues("duplicate").Inc()
			s.logger.Error("duplicate settlement receipt, ignoring",
				zap.String("receipt_id", cb.ReceiptID))
			return nil
		}
	}

	diff := cb.AmountMinor - rec.AmountRequested
	if diff < 0 {
		diff = -diff
	}
	if diff > s.toleranceMinor {
		s.failRecord(ctx, rec.InternalRef, -98,
			fmt.Sprintf("amount mismatch: expected %d, got %d", rec.AmountRequested, cb.AmountMinor),
			string(cb.Raw))
		metrics.SettlementCallbacks.WithLabelValues("mismatch").Inc()
		s.logger.Error("settlement amount mismatch",
			zap.String("internal_ref", rec.InternalRef),
			zap.Int64("expected", rec.AmountRequested),
			zap.Int64("received", cb.AmountMinor))
		return nil
	}

	// Credit the wallet, record the transaction and close the settlement
	// in one transaction. The guarded status update makes the whole
	// apply exactly-once even when two callbacks race past the reads.
	tx := &models.Transaction{
		ID:        uuid.New(),
		Sender:    uuid.Nil,
		Recipient: rec.UserID,
		Amount:    cb.AmountMinor,
		Currency:  rec.Currency,
		Type:      models.TxTypeExternalDeposit,
		Status:    models.TxStatusConfirmed,
		Metadata:  fmt.Sprintf(`{"receipt":%q,"phone":%q}`, cb.ReceiptID, cb.Phone),
	}
	now := s.now()

	keys := []ledger.WalletKey{{UserID: rec.UserID, Currency: rec.Currency}}
	err = s.ledger.WithinScope(ctx, keys, func(dbtx *gorm.DB) error {
		res := dbtx.Model(&models.PendingSettlement{}).
			Where("id = ? AND status = ?", rec.ID, models.SettlementPending).
			Updates(map[string]any{
				"status":       models.SettlementConfirmed,
				"result_code":  cb.ResultCode,
				"result_desc":  cb.ResultDesc,
				"receipt_id":   cb.ReceiptID,
				"linked_tx_id": tx.ID,
				"raw_callback": string(cb.Raw),
				"callback_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race to another callback.
			return nil
		}
		if err := s.ledger.Adjust(ctx, dbtx, rec.UserID, rec.Currency, cb.AmountMinor); err != nil {
			return err
		}
		return dbtx.Create(tx).Error
	})
	if err != nil {
		// The rollback left the record PENDING. Close it with an
		// internal code so the customer is not strung along until the
		// sweeper expires a prompt they already answered.
		s.failRecord(ctx, rec.InternalRef, -97,
			fmt.Sprintf("internal error applying credit: %v", err), string(cb.Raw))
		metrics.SettlementCallbacks.WithLabelValues("failed").Inc()
		s.outbox.Notify(rec.UserID, "settlement.failed",
			"Mobile money deposit could not be credited, contact support")
		s.logger.Error("settlement credit failed",
			zap.String("internal_ref", rec.InternalRef),
			zap.Error(err))
		return fmt.Errorf("failed to apply settlement: %w", err)
	}

	metrics.SettlementCallbacks.WithLabelValues("confirmed").Inc()
	s.outbox.Audit(rec.UserID, "settlement.confirmed", fmt.Sprintf(
		`{"internal_ref":%q,"receipt":%q,"amount":%d}`, rec.InternalRef, cb.ReceiptID, cb.AmountMinor))
	s.outbox.Notify(rec.UserID, "settlement.confirmed",
		fmt.Sprintf("Deposit of %d %s minor units confirmed, receipt %s", cb.AmountMinor, rec.Currency, cb.ReceiptID))
	s.logger.Info("settlement confirmed",
		zap.String("internal_ref", rec.InternalRef),
		zap.String("receipt_id", cb.ReceiptID),
		zap.Int64("amount", cb.AmountMinor))
	return nil
}

func (s *service) Status(ctx context.Context, userID uuid.UUID, internalRef string) (*models.PendingSettlement, error) {
	var rec models.PendingSettlement
	err := s.db.WithContext(ctx).
		Where("internal_ref = ? AND user_id = ?", internalRef, userID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSettlementNotFound
		}
		return nil, fmt.Errorf("failed to load settlement: %w", err)
	}
	return &rec, nil
}

func (s *service) History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.PendingSettlement, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var recs []*models.PendingSettlement
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("initiated_at desc").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	return recs, nil
}

func (s *service) ListByStatus(ctx context.Context, status string, limit int) ([]*models.PendingSettlement, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	q := s.db.WithContext(ctx).Order("initiated_at desc").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var recs []*models.PendingSettlement
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	return recs, nil
}

func (s *service) SweepExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.PendingSettlement{}).
		Where("status = ? AND expires_at < ?", models.SettlementPending, s.now()).
		Update("status", models.SettlementExpired)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to sweep settlements: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		metrics.SettlementsExpired.Add(float64(res.RowsAffected))
		s.logger.Info("expired stale settlements", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

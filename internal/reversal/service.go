// Package reversal implements the admin-mediated undo of confirmed sends.
// A sender may request a reversal inside the window; an admin decision is
// final, and approval executes the counter-movement in the same transaction
// that records it.
package reversal

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
	ErrTxNotFound       = errors.New("transaction not found")
	ErrNotOwner         = errors.New("only the sender can request a reversal")
	ErrNotReversible    = errors.New("only confirmed send transactions can be reversed")
	ErrWindowExpired    = errors.New("reversal window has expired")
	ErrAlreadyRequested = errors.New("an active reversal request already exists for this transaction")
	ErrRequestNotFound  = errors.New("reversal request not found")
	ErrAlreadyDecided   = errors.New("reversal request already decided")
	ErrRecipientBalance = errors.New("recipient has insufficient balance to reverse")
)

// Service is the reversal workflow surface.
type Service interface {
	// Request opens a reversal request for txID on behalf of requester.
	Request(ctx context.Context, requesterID, txID uuid.UUID, reason string) (*models.ReversalRequest, error)
	// ListEligible returns the requester's sends still inside the window
	// with no active reversal request.
	ListEligible(ctx context.Context, requesterID uuid.UUID) ([]*models.Transaction, error)
	// ListPending is the admin review queue.
	ListPending(ctx context.Context, limit int) ([]*models.ReversalRequest, error)
	// Approve executes the reversal: debit recipient, credit sender,
	// mark the original REVERSED and record the counter-transaction,
	// all atomically. The request moves straight to APPROVED.
	Approve(ctx context.Context, adminID, requestID uuid.UUID, note string) (*models.Transaction, error)
	// Reject closes the request without moving money.
	Reject(ctx context.Context, adminID, requestID uuid.UUID, note string) error
}

type service struct {
	logger *zap.Logger
	db     *gorm.DB
	ledger ledger.Service
	outbox *events.Outbox
	window time.Duration
	now    func() time.Time
}

// Option tweaks service construction.
type Option func(*service)

func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

func NewService(logger *zap.Logger, db *gorm.DB, ldg ledger.Service, outbox *events.Outbox, window time.Duration, opts ...Option) Service {
	s := &service{
		logger: logger,
		db:     db,
		ledger: ldg,
		outbox: outbox,
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) loadTx(ctx context.Context, txID uuid.UUID) (*models.Transaction, error) {
	var tx models.Transaction
	if err := s.db.WithContext(ctx).First(&tx, "id = ?", txID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTxNotFound
		}
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return &tx, nil
}

func (s *service) hasActiveRequest(ctx context.Context, txID uuid.UUID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.ReversalRequest{}).
		Where("tx_id = ? AND status IN ?", txID,
			[]string{models.ReversalPending, models.ReversalApproved}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed reversal lookup: %w", err)
	}
	return count > 0, nil
}

func (s *service) Request(ctx context.Context, requesterID, txID uuid.UUID, reason string) (*models.ReversalRequest, error) {
	tx, err := s.loadTx(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Sender != requesterID {
		return nil, ErrNotOwner
	}
	if tx.Type != models.TxTypeSend || tx.Status != models.TxStatusConfirmed {
		return nil, ErrNotReversible
	}
	if s.now().Sub(tx.CreatedAt) > s.window {
		return nil, ErrWindowExpired
	}
	// Fast path only; the partial unique index on tx_id is what actually
	// keeps two racing requests from both landing.
	active, err := s.hasActiveRequest(ctx, txID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrAlreadyRequested
	}

	req := &models.ReversalRequest{
		ID:          uuid.New(),
		TxID:        txID,
		RequesterID: requesterID,
		Reason:      reason,
		Status:      models.ReversalPending,
		CreatedAt:   s.now(),
	}
	if err := s.db.WithContext(ctx).Create(req).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrAlreadyRequested
		}
		return nil, fmt.Errorf("failed to create reversal request: %w", err)
	}

	s.outbox.Audit(requesterID, "reversal.requested",
		fmt.Sprintf(`{"request_id":%q,"tx_id":%q,"reason":%q}`, req.ID, txID, reason))
	s.logger.Info("reversal requested",
		zap.String("request_id", req.ID.String()),
		zap.String("tx_id", txID.String()))
	return req, nil
}

func (s *service) ListEligible(ctx context.Context, requesterID uuid.UUID) ([]*models.Transaction, error) {
	since := s.now().Add(-s.window)
	var txs []*models.Transaction
	err := s.db.WithContext(ctx).
		Where("sender = ? AND type = ? AND status = ? AND created_at >= ?",
			requesterID, models.TxTypeSend, models.TxStatusConfirmed, since).
		Order("created_at desc").
		Limit(200).
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sends: %w", err)
	}

	eligible := make([]*models.Transaction, 0, len(txs))
	for _, tx := range txs {
		active, err := s.hasActiveRequest(ctx, tx.ID)
		if err != nil {
			return nil, err
		}
		if !active {
			eligible = append(eligible, tx)
		}
	}
	return eligible, nil
}

func (s *service) ListPending(ctx context.Context, limit int) ([]*models.ReversalRequest, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	var reqs []*models.ReversalRequest
	err := s.db.WithContext(ctx).
		Where("status = ?", models.ReversalPending).
		Order("created_at asc").
		Limit(limit).
		Find(&reqs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list reversal requests: %w", err)
	}
	return reqs, nil
}

func (s *service) Approve(ctx context.Context, adminID, requestID uuid.UUID, note string) (*models.Transaction, error) {
	var req models.ReversalRequest
	if err := s.db.WithContext(ctx).First(&req, "id = ?", requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("failed to load reversal request: %w", err)
	}
	if req.Status != models.ReversalPending {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDecided, req.Status)
	}

	orig, err := s.loadTx(ctx, req.TxID)
	if err != nil {
		return nil, err
	}
	if orig.Status != models.TxStatusConfirmed {
		return nil, ErrNotReversible
	}

	now := s.now()
	counter := &models.Transaction{
		ID:        uuid.New(),
		Sender:    orig.Recipient,
		Recipient: orig.Sender,
		Amount:    orig.Amount,
		Currency:  orig.Currency,
		Type:      models.TxTypeReversal,
		AmountUSD: orig.AmountUSD,
		Status:    models.TxStatusConfirmed,
		Metadata:  fmt.Sprintf(`{"original_tx_id":%q,"request_id":%q}`, orig.ID, req.ID),
	}

	keys := []ledger.WalletKey{
		{UserID: orig.Sender, Currency: orig.Currency},
		{UserID: orig.Recipient, Currency: orig.Currency},
	}
	err = s.ledger.WithinScope(ctx, keys, func(dbtx *gorm.DB) error {
		if err := s.ledger.Adjust(ctx, dbtx, orig.Recipient, orig.Currency, -orig.Amount); err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				return ErrRecipientBalance
			}
			return err
		}
		if err := s.ledger.Adjust(ctx, dbtx, orig.Sender, orig.Currency, orig.Amount); err != nil {
			return err
		}
		// Guarded status flip keeps a racing second approval from
		// reversing twice.
		res := dbtx.Model(&models.Transaction{}).
			Where("id = ? AND status = ?", orig.ID, models.TxStatusConfirmed).
			Update("status", models.TxStatusReversed)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotReversible
		}
		res = dbtx.Model(&models.ReversalRequest{}).
			Where("id = ? AND status = ?", req.ID, models.ReversalPending).
			Updates(map[string]any{
				"status":        models.ReversalApproved,
				"reviewer_id":   adminID,
				"reviewer_note": note,
				"decided_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyDecided
		}
		return dbtx.Create(counter).Error
	})
	if err != nil {
		return nil, err
	}

	metrics.ReversalDecisions.WithLabelValues("approved").Inc()
	s.outbox.Audit(adminID, "reversal.approved",
		fmt.Sprintf(`{"request_id":%q,"tx_id":%q,"counter_tx_id":%q}`, req.ID, orig.ID, counter.ID))
	s.outbox.Notify(orig.Sender, "reversal.approved",
		fmt.Sprintf("Your reversal was approved, %d %s minor units returned", orig.Amount, orig.Currency))
	s.logger.Info("reversal approved",
		zap.String("request_id", req.ID.String()),
		zap.String("original_tx_id", orig.ID.String()),
		zap.String("counter_tx_id", counter.ID.String()))
	return counter, nil
}

func (s *service) Reject(ctx context.Context, adminID, requestID uuid.UUID, note string) error {
	now := s.now()
	res := s.db.WithContext(ctx).
		Model(&models.ReversalRequest{}).
		Where("id = ? AND status = ?", requestID, models.ReversalPending).
		Updates(map[string]any{
			"status":        models.ReversalRejected,
			"reviewer_id":   adminID,
			"reviewer_note": note,
			"decided_at":    now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to reject reversal: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		s.db.WithContext(ctx).Model(&models.ReversalRequest{}).
			Where("id = ?", requestID).Count(&count)
		if count == 0 {
			return ErrRequestNotFound
		}
		return ErrAlreadyDecided
	}

	metrics.ReversalDecisions.WithLabelValues("rejected").Inc()
	s.outbox.Audit(adminID, "reversal.rejected",
		fmt.Sprintf(`{"request_id":%q,"note":%q}`, requestID, note))
	return nil
}

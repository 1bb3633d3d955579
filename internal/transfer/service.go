// Package transfer orchestrates money movement. Every operation follows the
// same shape: validate, screen, price, then mutate the ledger and record the
// transaction inside one scope. Side effects ride the outbox afterwards.
package transfer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/chainpay/chainpay/internal/compliance"
	"github.com/chainpay/chainpay/internal/directory"
	"github.com/chainpay/chainpay/internal/events"
	"github.com/chainpay/chainpay/internal/fees"
	"github.com/chainpay/chainpay/internal/fx"
	"github.com/chainpay/chainpay/internal/ledger"
	"github.com/chainpay/chainpay/pkg/metrics"
	"github.com/chainpay/chainpay/pkg/models"
)

var (
	ErrNonPositiveAmount = errors.New("amount must be positive")
	ErrSelfTransfer      = errors.New("cannot send to yourself")
	ErrSameCurrency      = errors.New("cannot convert a currency to itself")
	ErrDepositCeiling    = errors.New("exceeds single deposit limit")
)

// Service is the transfer orchestration surface.
type Service interface {
	// Send moves amountMinor of currency to the user holding
	// recipientPhone. The sender is debited amount plus fee atomically.
	Send(ctx context.Context, senderID uuid.UUID, recipientPhone string, amountMinor int64, currency, note string) (*models.Transaction, error)
	// Convert exchanges amountMinor between two of the caller's own
	// wallets at the current quoted rate.
	Convert(ctx context.Context, userID uuid.UUID, fromCurrency, toCurrency string, amountMinor int64) (*models.Transaction, *fx.Quote, error)
	// Deposit credits a wallet from an assumed-settled external source.
	Deposit(ctx context.Context, userID uuid.UUID, amountMinor int64, currency, method string) (*models.Transaction, error)
	// Withdraw debits amount plus the tiered fee out of the platform.
	Withdraw(ctx context.Context, userID uuid.UUID, amountMinor int64, currency, method string) (*models.Transaction, error)
	// History lists the user's transactions, newest first.
	History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error)
}

type service struct {
	logger     *zap.Logger
	db         *gorm.DB
	ledger     ledger.Service
	fx         fx.Service
	fees       *fees.Calculator
	compliance compliance.Service
	directory  directory.Directory
	outbox     *events.Outbox

	depositCeilingUSD int64
	signatureKey      []byte
}

func NewService(
	logger *zap.Logger,
	db *gorm.DB,
	ldg ledger.Service,
	fxSvc fx.Service,
	calc *fees.Calculator,
	comp compliance.Service,
	dir directory.Directory,
	outbox *events.Outbox,
	depositCeilingUSD int64,
	signatureKey string,
) Service {
	return &service{
		logger:            logger,
		db:                db,
		ledger:            ldg,
		fx:                fxSvc,
		fees:              calc,
		compliance:        comp,
		directory:         dir,
		outbox:            outbox,
		depositCeilingUSD: depositCeilingUSD,
		signatureKey:      []byte(signatureKey),
	}
}

// usdValue converts amountMinor of currency into USD minor units at the
// live rate. The rate is also returned for fee conversion.
func (s *service) usdValue(currency string, amountMinor int64) (int64, decimal.Decimal, error) {
	if currency == "USD" {
		return amountMinor, decimal.NewFromInt(1), nil
	}
	rate, err := s.fx.LiveRate(currency, "USD")
	if err != nil {
		return 0, decimal.Decimal{}, err
	}
	usd := decimal.NewFromInt(amountMinor).Mul(rate).Round(0).IntPart()
	return usd, rate, nil
}

func (s *service) sign(tx *models.Transaction) string {
	if len(s.signatureKey) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, s.signatureKey)
	fmt.Fprintf(mac, "%s:%s:%s:%d:%s", tx.ID, tx.Sender, tx.Recipient, tx.Amount, tx.Currency)
	return hex.EncodeToString(mac.Sum(nil))
}

func metaJSON(kv map[string]any) string {
	b, err := json.Marshal(kv)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func observe(txType, outcome string) {
	metrics.TransfersTotal.WithLabelValues(txType, outcome).Inc()
}

func (s *service) Send(ctx context.Context, senderID uuid.UUID, recipientPhone string, amountMinor int64, currency, note string) (*models.Transaction, error) {
	timer := metrics.NewTransferTimer(models.TxTypeSend)
	defer timer.Done()

	if amountMinor <= 0 {
		observe(models.TxTypeSend, "rejected")
		return nil, ErrNonPositiveAmount
	}

	recipient, err := s.directory.ByPhone(ctx, recipientPhone)
	if err != nil {
		observe(models.TxTypeSend, "rejected")
		return nil, err
	}
	if recipient.ID == senderID {
		observe(models.TxTypeSend, "rejected")
		return nil, ErrSelfTransfer
	}

	sender, err := s.directory.ByID(ctx, senderID)
	if err != nil {
		observe(models.TxTypeSend, "rejected")
		return nil, err
	}

	amountUSD, rateToUSD, err := s.usdValue(currency, amountMinor)
	if err != nil {
		observe(models.TxTypeSend, "rejected")
		return nil, err
	}

	crossBorder := sender.Country != "" && recipient.Country != "" && sender.Country != recipient.Country

	if err := s.compliance.Check(ctx, senderID, amountUSD, recipient.ID, crossBorder); err != nil {
		observe(models.TxTypeSend, "denied")
		return nil, err
	}

	feeUSD := s.fees.Calculate(amountUSD, crossBorder)
	feeMinor := fees.InCurrency(feeUSD, rateToUSD)
	totalDebit := amountMinor + feeMinor

	tx := &models.Transaction{
		ID:        uuid.New(),
		Sender:    senderID,
		Recipient: recipient.ID,
		Amount:    amountMinor,
		Currency:  currency,
		Type:      models.TxTypeSend,
		Fee:       feeMinor,
		AmountUSD: amountUSD,
		Status:    models.TxStatusConfirmed,
		Metadata:  metaJSON(map[string]any{"note": note, "recipient_phone": recipientPhone, "cross_border": crossBorder}),
	}
	tx.Signature = s.sign(tx)

	keys := []ledger.WalletKey{
		{UserID: senderID, Currency: currency},
		{UserID: recipient.ID, Currency: currency},
	}
	err = s.ledger.WithinScope(ctx, keys, func(dbtx *gorm.DB) error {
		if err := s.ledger.Adjust(ctx, dbtx, senderID, currency, -totalDebit); err != nil {
			return err
		}
		if err := s.ledger.Adjust(ctx, dbtx, recipient.ID, currency, amountMinor); err != nil {
			return err
		}
		return dbtx.Create(tx).Error
	})
	if err != nil {
		observe(models.TxTypeSend, "failed")
		return nil, err
	}

	observe(models.TxTypeSend, "confirmed")
	s.outbox.Audit(senderID, "transfer.send", metaJSON(map[string]any{
		"tx_id": tx.ID, "amount": amountMinor, "currency": currency, "fee": feeMinor, "recipient": recipient.ID,
	}))
	s.outbox.Notify(recipient.ID, "transfer.received",
		fmt.Sprintf("You received %d %s minor units from %s", amountMinor, currency, sender.Name))
	s.logger.Info("transfer confirmed",
		zap.String("tx_id", tx.ID.String()),
		zap.String("type", models.TxTypeSend),
		zap.Int64("amount", amountMinor),
		zap.String("currency", currency),
		zap.Int64("fee", feeMinor))
	return tx, nil
}

func (s *service) Convert(ctx context.Context, userID uuid.UUID, fromCurrency, toCurrency string, amountMinor int64) (*models.Transaction, *fx.Quote, error) {
	timer := metrics.NewTransferTimer(models.TxTypeFXConvert)
	defer timer.Done()

	if fromCurrency == toCurrency {
		observe(models.TxTypeFXConvert, "rejected")
		return nil, nil, ErrSameCurrency
	}
	if amountMinor <= 0 {
		observe(models.TxTypeFXConvert, "rejected")
		return nil, nil, ErrNonPositiveAmount
	}

	quote, err := s.fx.Quote(fromCurrency, toCurrency, amountMinor)
	if err != nil {
		observe(models.TxTypeFXConvert, "rejected")
		return nil, nil, err
	}

	amountUSD, _, err := s.usdValue(fromCurrency, amountMinor)
	if err != nil {
		observe(models.TxTypeFXConvert, "rejected")
		return nil, nil, err
	}

	tx := &models.Transaction{
		ID:        uuid.New(),
		Sender:    userID,
		Recipient: userID,
		Amount:    amountMinor,
		Currency:  fromCurrency,
		Type:      models.TxTypeFXConvert,
		Fee:       quote.FXFeeMinor,
		AmountUSD: amountUSD,
		Status:    models.TxStatusConfirmed,
		Metadata: metaJSON(map[string]any{
			"from_currency": fromCurrency,
			"to_currency":   toCurrency,
			"to_amount":     quote.ToAmount,
			"rate":          quote.EffectiveRate,
		}),
	}

	keys := []ledger.WalletKey{
		{UserID: userID, Currency: fromCurrency},
		{UserID: userID, Currency: toCurrency},
	}
	err = s.ledger.WithinScope(ctx, keys, func(dbtx *gorm.DB) error {
		if err := s.ledger.Adjust(ctx, dbtx, userID, fromCurrency, -amountMinor); err != nil {
			return err
		}
		if err := s.ledger.Adjust(ctx, dbtx, userID, toCurrency, quote.ToAmount); err != nil {
			return err
		}
		return dbtx.Create(tx).Error
	})
	if err != nil {
		observe(models.TxTypeFXConvert, "failed")
		return nil, nil, err
	}

	observe(models.TxTypeFXConvert, "confirmed")
	s.outbox.Audit(userID, "transfer.fx_convert", metaJSON(map[string]any{
		"tx_id": tx.ID, "from": fromCurrency, "to": toCurrency,
		"amount": amountMinor, "received": quote.ToAmount,
	}))
	return tx, quote, nil
}

func (s *service) Deposit(ctx context.Context, userID uuid.UUID, amountMinor int64, currency, method string) (*models.Transaction, error) {
	timer := metrics.NewTransferTimer(models.TxTypeDeposit)
	defer timer.Done()

	if amountMinor <= 0 {
		observe(models.TxTypeDeposit, "rejected")
		return nil, ErrNonPositiveAmount
	}

	amountUSD, _, err := s.usdValue(currency, amountMinor)
	if err != nil {
		observe(models.TxTypeDeposit, "rejected")
		return nil, err
	}
	if amountUSD > s.depositCeilingUSD {
		observe(models.TxTypeDeposit, "rejected")
		return nil, fmt.Errorf("%w (%d USD minor units)", ErrDepositCeiling, s.depositCeilingUSD)
	}

	tx := &models.Transaction{
		ID:        uuid.New(),
		Sender:    uuid.Nil, // platform side
		Recipient: userID,
		Amount:    amountMinor,
		Currency:  currency,
		Type:      models.TxTypeDeposit,
		AmountUSD: amountUSD,
		Status:    models.TxStatusConfirmed,
		Metadata:  metaJSON(map[string]any{"method": method}),
	}

	keys := []ledger.WalletKey{{UserID: userID, Currency: currency}}
	err = s.ledger.WithinScope(ctx, keys, func(dbtx *gorm.DB) error {
		if err := s.ledger.Adjust(ctx, dbtx, userID, currency, amountMinor); err != nil {
			return err
		}
		return dbtx.Create(tx).Error
	})
	if err != nil {
		observe(models.TxTypeDeposit, "failed")
		return nil, err
	}

	observe(models.TxTypeDeposit, "confirmed")
	s.outbox.Audit(userID, "transfer.deposit", metaJSON(map[string]any{
		"tx_id": tx.ID, "amount": amountMinor, "currency": currency, "method": method,
	}))
	return tx, nil
}

func (s *service) Withdraw(ctx context.Context, userID uuid.UUID, amountMinor int64, currency, method string) (*models.Transaction, error) {
	timer := metrics.NewTransferTimer(models.TxTypeWithdraw)
	defer timer.Done()

	if amountMinor <= 0 {
		observe(models.TxTypeWithdraw, "rejected")
		return nil, ErrNonPositiveAmount
	}

	amountUSD, rateToUSD, err := s.usdValue(currency, amountMinor)
	if err != nil {
		observe(models.TxTypeWithdraw, "rejected")
		return nil, err
	}

	feeUSD := s.fees.Calculate(amountUSD, false)
	feeMinor := fees.InCurrency(feeUSD, rateToUSD)
	totalDebit := amountMinor + feeMinor

	tx := &models.Transaction{
		ID:        uuid.New(),
		Sender:    userID,
		Recipient: uuid.Nil, // platform side
		Amount:    amountMinor,
		Currency:  currency,
		Type:      models.TxTypeWithdraw,
		Fee:       feeMinor,
		AmountUSD: amountUSD,
		Status:    models.TxStatusConfirmed,
		Metadata:  metaJSON(map[string]any{"method": method}),
	}

	// Two-step debit: reserve the funds first, then consume the hold
	// alongside the transaction record. Between the steps the hold keeps
	// concurrent debits away from the reserved amount.
	keys := []ledger.WalletKey{{UserID: userID, Currency: currency}}
	err = s.ledger.WithinScope(ctx, keys, func(dbtx *gorm.DB) error {
		return s.ledger.Lock(ctx, dbtx, userID, currency, totalDebit)
	})
	if err != nil {
		observe(models.TxTypeWithdraw, "failed")
		return nil, err
	}

	err = s.ledger.WithinScope(ctx, keys, func(dbtx *gorm.DB) error {
		if err := s.ledger.SettleLocked(ctx, dbtx, userID, currency, totalDebit); err != nil {
			return err
		}
		return dbtx.Create(tx).Error
	})
	if err != nil {
		// The withdrawal did not happen; give the hold back.
		uerr := s.ledger.WithinScope(ctx, keys, func(dbtx *gorm.DB) error {
			return s.ledger.Unlock(ctx, dbtx, userID, currency, totalDebit)
		})
		if uerr != nil {
			s.logger.Error("failed to release withdrawal hold",
				zap.String("user_id", userID.String()),
				zap.Int64("amount", totalDebit),
				zap.Error(uerr))
		}
		observe(models.TxTypeWithdraw, "failed")
		return nil, err
	}

	observe(models.TxTypeWithdraw, "confirmed")
	s.outbox.Audit(userID, "transfer.withdraw", metaJSON(map[string]any{
		"tx_id": tx.ID, "amount": amountMinor, "fee": feeMinor, "currency": currency, "method": method,
	}))
	return tx, nil
}

func (s *service) History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var txs []*models.Transaction
	err := s.db.WithContext(ctx).
		Where("sender = ? OR recipient = ?", userID, userID).
		Order("created_at desc").
		Limit(limit).
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

// Package ledger holds the balance book. Every balance mutation in the
// engine runs through the service inside a database transaction, so a
// wallet can never be observed mid-update or driven below its locked floor.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chainpay/chainpay/pkg/models"
)

var (
	// ErrInsufficientFunds is returned when a debit would take a wallet
	// below its locked amount.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrWalletNotFound is returned when no wallet row exists for the
	// user and currency pair.
	ErrWalletNotFound = errors.New("wallet not found")
	// ErrUnsupportedCurrency is returned for currencies outside the
	// configured set.
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	// ErrInsufficientLocked is returned when a release or settle asks for
	// more than the wallet currently holds.
	ErrInsufficientLocked = errors.New("insufficient locked funds")
)

// Service is the ledger's write and read surface.
type Service interface {
	// Adjust applies delta (minor units, may be negative) to the wallet
	// inside the caller's transaction. The row is locked FOR UPDATE and
	// the mutation is rejected if it would leave balance below locked.
	Adjust(ctx context.Context, tx *gorm.DB, userID uuid.UUID, currency string, delta int64) error
	// Lock reserves amount of spendable balance. Held funds stay on the
	// balance but raise the floor Adjust cannot debit past.
	Lock(ctx context.Context, tx *gorm.DB, userID uuid.UUID, currency string, amount int64) error
	// Unlock gives a reservation back.
	Unlock(ctx context.Context, tx *gorm.DB, userID uuid.UUID, currency string, amount int64) error
	// SettleLocked consumes a reservation, debiting balance and locked
	// together.
	SettleLocked(ctx context.Context, tx *gorm.DB, userID uuid.UUID, currency string, amount int64) error
	// WithinScope runs fn in a single database transaction, serialised
	// against concurrent scopes touching the same wallet keys.
	WithinScope(ctx context.Context, keys []WalletKey, fn func(tx *gorm.DB) error) error
	EnsureWallets(ctx context.Context, userID uuid.UUID) error
	Get(ctx context.Context, userID uuid.UUID, currency string) (*models.Wallet, error)
	List(ctx context.Context, userID uuid.UUID) ([]*models.Wallet, error)
	SystemBalances(ctx context.Context) (map[string]int64, error)
}

// WalletKey names one wallet for lock ordering.
type WalletKey struct {
	UserID   uuid.UUID
	Currency string
}

func (k WalletKey) String() string {
	return k.UserID.String() + "/" + k.Currency
}

type service struct {
	logger     *zap.Logger
	db         *gorm.DB
	currencies []string

	muMap     map[string]*sync.Mutex
	muMapLock sync.Mutex // protects muMap
}

// NewService creates a ledger over db. currencies is the closed set of
// wallet currencies provisioned for every user.
func NewService(logger *zap.Logger, db *gorm.DB, currencies []string) Service {
	return &service{
		logger:     logger,
		db:         db,
		currencies: currencies,
		muMap:      make(map[string]*sync.Mutex),
	}
}

func (s *service) supported(currency string) bool {
	for _, c := range s.currencies {
		if c == currency {
			return true
		}
	}
	return false
}

func (s *service) walletMutex(key string) *sync.Mutex {
	s.muMapLock.Lock()
	defer s.muMapLock.Unlock()
	mu, ok := s.muMap[key]
	if !ok {
		mu = &sync.Mutex{}
		s.muMap[key] = mu
	}
	return mu
}

// WithinScope acquires the process-local mutex for every key in
// lexicographic order, then runs fn inside one gorm transaction. Ordered
// acquisition keeps two overlapping scopes from deadlocking each other.
func (s *service) WithinScope(ctx context.Context, keys []WalletKey, fn func(tx *gorm.DB) error) error {
	names := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		name := k.String()
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		s.walletMutex(name).Lock()
	}
	defer func() {
		for i := len(names) - 1; i >= 0; i-- {
			s.walletMutex(names[i]).Unlock()
		}
	}()

	return s.db.WithContext(ctx).Transaction(fn)
}

// loadForUpdate reads the wallet row under a FOR UPDATE lock inside the
// caller's transaction.
func (s *service) loadForUpdate(ctx context.Context, tx *gorm.DB, userID uuid.UUID, currency string) (*models.Wallet, error) {
	if !s.supported(currency) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}

	var wallet models.Wallet
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND currency = ?", userID, currency).
		First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s %s", ErrWalletNotFound, userID, currency)
		}
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	return &wallet, nil
}

func (s *service) writeWallet(tx *gorm.DB, id uuid.UUID, fields map[string]any) error {
	res := tx.Model(&models.Wallet{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to update wallet: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("wallet update affected %d rows", res.RowsAffected)
	}
	return nil
}

func (s *service) Adjust(ctx context.Context, tx *gorm.DB, userID uuid.UUID, currency string, delta int64) error {
	wallet, err := s.loadForUpdate(ctx, tx, userID, currency)
	if err != nil {
		return err
	}

	next := wallet.Balance + delta
	if next < wallet.Locked {
		return ErrInsufficientFunds
	}
	return s.writeWallet(tx, wallet.ID, map[string]any{"balance": next})
}

func (s *service) Lock(ctx context.Context, tx *gorm.DB, userID uuid.UUID, currency string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("lock amount must be positive")
	}
	wallet, err := s.loadForUpdate(ctx, tx, userID, currency)
	if err != nil {
		return err
	}
	if wallet.Balance-wallet.Locked < amount {
		return ErrInsufficientFunds
	}
	return s.writeWallet(tx, wallet.ID, map[string]any{"locked": wallet.Locked + amount})
}

func (s *service) Unlock(ctx context.Context, tx *gorm.DB, userID uuid.UUID, currency string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("unlock amount must be positive")
	}
	wallet, err := s.loadForUpdate(ctx, tx, userID, currency)
	if err != nil {
		return err
	}
	if wallet.Locked < amount {
		return ErrInsufficientLocked
	}
	return s.writeWallet(tx, wallet.ID, map[string]any{"locked": wallet.Locked - amount})
}

func (s *service) SettleLocked(ctx context.Context, tx *gorm.DB, userID uuid.UUID, currency string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("settle amount must be positive")
	}
	wallet, err := s.loadForUpdate(ctx, tx, userID, currency)
	if err != nil {
		return err
	}
	if wallet.Locked < amount {
		return ErrInsufficientLocked
	}
	return s.writeWallet(tx, wallet.ID, map[string]any{
		"balance": wallet.Balance - amount,
		"locked":  wallet.Locked - amount,
	})
}

// EnsureWallets provisions a zero-balance wallet per supported currency.
// Existing rows are left untouched, so the call is safe to repeat.
func (s *service) EnsureWallets(ctx context.Context, userID uuid.UUID) error {
	for _, currency := range s.currencies {
		wallet := models.Wallet{
			ID:       uuid.New(),
			UserID:   userID,
			Currency: currency,
		}
		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}, {Name: "currency"}},
				DoNothing: true,
			}).
			Create(&wallet).Error
		if err != nil {
			return fmt.Errorf("failed to provision %s wallet: %w", currency, err)
		}
	}
	return nil
}

func (s *service) Get(ctx context.Context, userID uuid.UUID, currency string) (*models.Wallet, error) {
	if !s.supported(currency) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	var wallet models.Wallet
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND currency = ?", userID, currency).
		First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	return &wallet, nil
}

func (s *service) List(ctx context.Context, userID uuid.UUID) ([]*models.Wallet, error) {
	var wallets []*models.Wallet
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("currency asc").
		Find(&wallets).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	return wallets, nil
}

// SystemBalances sums every wallet per currency. Reconciliation jobs use
// it to check the book against external settlement totals.
func (s *service) SystemBalances(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Currency string
		Total    int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&models.Wallet{}).
		Select("currency, COALESCE(SUM(balance), 0) as total").
		Group("currency").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to sum balances: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Currency] = r.Total
	}
	return out, nil
}

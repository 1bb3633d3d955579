// Package directory resolves users. Transfers address recipients by phone
// number, so the lookup path sits in front of every send.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/chainpay/chainpay/internal/ledger"
	"github.com/chainpay/chainpay/pkg/models"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrPhoneTaken   = errors.New("phone number already registered")
)

// Directory is the user lookup and provisioning surface.
type Directory interface {
	ByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	ByPhone(ctx context.Context, phone string) (*models.User, error)
	// Provision registers a user and opens a wallet per supported
	// currency.
	Provision(ctx context.Context, phone, name, country, role string) (*models.User, error)
	SetSuspended(ctx context.Context, id uuid.UUID, suspended bool) error
}

type directory struct {
	logger *zap.Logger
	db     *gorm.DB
	ledger ledger.Service
}

func New(logger *zap.Logger, db *gorm.DB, ledger ledger.Service) Directory {
	return &directory{logger: logger, db: db, ledger: ledger}
}

func (d *directory) ByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := d.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}

func (d *directory) ByPhone(ctx context.Context, phone string) (*models.User, error) {
	var user models.User
	if err := d.db.WithContext(ctx).First(&user, "phone = ?", phone).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}

func (d *directory) Provision(ctx context.Context, phone, name, country, role string) (*models.User, error) {
	if role == "" {
		role = "user"
	}
	user := &models.User{
		ID:      uuid.New(),
		Phone:   phone,
		Name:    name,
		Country: country,
		Role:    role,
	}
	if err := d.db.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrPhoneTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	if err := d.ledger.EnsureWallets(ctx, user.ID); err != nil {
		return nil, err
	}
	d.logger.Info("user provisioned",
		zap.String("user_id", user.ID.String()),
		zap.String("country", country),
		zap.String("role", role))
	return user, nil
}

func (d *directory) SetSuspended(ctx context.Context, id uuid.UUID, suspended bool) error {
	res := d.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", id).
		Update("suspended", suspended)
	if res.Error != nil {
		return fmt.Errorf("failed to update suspension: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

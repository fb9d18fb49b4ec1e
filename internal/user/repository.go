package user

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("user not found")

type Repository interface {
	Create(ctx context.Context, user *User) error
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByGoogleID(ctx context.Context, googleID string) (*User, error)
	FindByConnectAccount(ctx context.Context, accountID string) (*User, error)
	Update(ctx context.Context, id string, fields map[string]interface{}) error
	LinkGoogle(ctx context.Context, id, googleID string) error
	MarkEmailVerified(ctx context.Context, id string) error
	SetKYCStatus(ctx context.Context, id string, status KYCStatus) error
	SetStripeCustomer(ctx context.Context, id, customerID string) error
	SetConnectAccount(ctx context.Context, id, accountID string) error
	SetConnectStatus(ctx context.Context, accountID string, status ConnectStatus, onboarded, payoutsEnabled bool) error
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, user *User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

func (r *repository) FindByID(ctx context.Context, id string) (*User, error) {
	return r.findOne(ctx, "id = ?", id)
}

func (r *repository) FindByEmail(ctx context.Context, email string) (*User, error) {
	return r.findOne(ctx, "email = ?", email)
}

func (r *repository) FindByGoogleID(ctx context.Context, googleID string) (*User, error) {
	return r.findOne(ctx, "google_id = ?", googleID)
}

func (r *repository) FindByConnectAccount(ctx context.Context, accountID string) (*User, error) {
	return r.findOne(ctx, "stripe_connect_account_id = ?", accountID)
}

func (r *repository) findOne(ctx context.Context, query string, arg interface{}) (*User, error) {
	var user User
	err := r.db.WithContext(ctx).Where(query, arg).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &user, nil
}

func (r *repository) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	return r.updates(ctx, "id = ?", id, fields)
}

func (r *repository) LinkGoogle(ctx context.Context, id, googleID string) error {
	return r.updates(ctx, "id = ?", id, map[string]interface{}{"google_id": googleID, "email_verified": true})
}

func (r *repository) MarkEmailVerified(ctx context.Context, id string) error {
	return r.updates(ctx, "id = ?", id, map[string]interface{}{"email_verified": true})
}

func (r *repository) SetKYCStatus(ctx context.Context, id string, status KYCStatus) error {
	return r.updates(ctx, "id = ?", id, map[string]interface{}{"kyc_status": status})
}

func (r *repository) SetStripeCustomer(ctx context.Context, id, customerID string) error {
	return r.updates(ctx, "id = ?", id, map[string]interface{}{"stripe_customer_id": customerID})
}

// SetConnectAccount also promotes the user to creator, since only creators
// receive project funds.
func (r *repository) SetConnectAccount(ctx context.Context, id, accountID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&User{}).Where("id = ?", id).Update("stripe_connect_account_id", accountID)
		if res.Error != nil {
			return fmt.Errorf("set connect account: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Model(&User{}).
			Where("id = ? AND role = ?", id, RoleUser).
			Update("role", RoleCreator).Error
	})
}

func (r *repository) SetConnectStatus(ctx context.Context, accountID string, status ConnectStatus, onboarded, payoutsEnabled bool) error {
	return r.updates(ctx, "stripe_connect_account_id = ?", accountID, map[string]interface{}{
		"stripe_connect_account_status":      status,
		"stripe_connect_onboarding_complete": onboarded,
		"stripe_connect_payouts_enabled":     payoutsEnabled,
	})
}

func (r *repository) updates(ctx context.Context, query string, arg interface{}, fields map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&User{}).Where(query, arg).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update user: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

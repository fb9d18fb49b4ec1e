package key

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("api key not found")

type Repository interface {
	CountActive(ctx context.Context, userID string) (int64, error)
	Create(ctx context.Context, key *APIKey) error
	Get(ctx context.Context, keyID, userID string) (*APIKey, error)
	GetByValue(ctx context.Context, keyValue, userID string) (*APIKey, error)
	FindByKey(ctx context.Context, keyValue string) (*APIKey, error)
	Revoke(ctx context.Context, keyID, userID string) error
	ListByUser(ctx context.Context, userID string) ([]APIKey, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) CountActive(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&APIKey{}).
		Where("user_id = ? AND is_revoked = ? AND expires_at > ?", userID, false, time.Now()).
		Count(&count).Error
	return count, err
}

func (r *repository) Create(ctx context.Context, key *APIKey) error {
	return r.db.WithContext(ctx).Create(key).Error
}

func (r *repository) Get(ctx context.Context, keyID, userID string) (*APIKey, error) {
	return r.first(ctx, "id = ? AND user_id = ?", keyID, userID)
}

func (r *repository) GetByValue(ctx context.Context, keyValue, userID string) (*APIKey, error) {
	return r.first(ctx, "key = ? AND user_id = ?", hashKey(keyValue), userID)
}

func (r *repository) FindByKey(ctx context.Context, keyValue string) (*APIKey, error) {
	return r.first(ctx, "key = ?", hashKey(keyValue))
}

func (r *repository) Revoke(ctx context.Context, keyID, userID string) error {
	res := r.db.WithContext(ctx).Model(&APIKey{}).
		Where("id = ? AND user_id = ?", keyID, userID).
		Update("is_revoked", true)
	if res.Error != nil {
		return fmt.Errorf("revoke key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repository) ListByUser(ctx context.Context, userID string) ([]APIKey, error) {
	var keys []APIKey
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&keys).Error
	return keys, err
}

func (r *repository) first(ctx context.Context, query string, args ...interface{}) (*APIKey, error) {
	var key APIKey
	err := r.db.WithContext(ctx).Where(query, args...).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find key: %w", err)
	}
	return &key, nil
}

func hashKey(key string) string {
	h := sha256.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

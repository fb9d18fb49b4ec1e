package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	VerificationCodeTTL = 15 * time.Minute
	oauthStateTTL       = 10 * time.Minute
)

var ErrCodeNotFound = errors.New("no verification code found")

// Store keeps short-lived auth state in redis: email verification codes,
// revoked token ids and pending oauth states.
type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func codeKey(email string) string { return "auth:verify:" + email }
func revokedKey(jti string) string { return "auth:revoked:" + jti }
func stateKey(state string) string { return "auth:oauth_state:" + state }

func (s *Store) SaveCode(ctx context.Context, email, code string) error {
	if err := s.client.Set(ctx, codeKey(email), code, VerificationCodeTTL).Err(); err != nil {
		return fmt.Errorf("save verification code: %w", err)
	}
	return nil
}

func (s *Store) Code(ctx context.Context, email string) (string, error) {
	code, err := s.client.Get(ctx, codeKey(email)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCodeNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read verification code: %w", err)
	}
	return code, nil
}

func (s *Store) DeleteCode(ctx context.Context, email string) error {
	return s.client.Del(ctx, codeKey(email)).Err()
}

// Revoke denylists a token id until the token would have expired anyway.
func (s *Store) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, revokedKey(jti), 1, ttl).Err()
}

func (s *Store) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, revokedKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("check token denylist: %w", err)
	}
	return n > 0, nil
}

func (s *Store) SaveState(ctx context.Context, state string) error {
	return s.client.Set(ctx, stateKey(state), 1, oauthStateTTL).Err()
}

// ConsumeState reports whether state was issued by us, and removes it.
func (s *Store) ConsumeState(ctx context.Context, state string) (bool, error) {
	n, err := s.client.Del(ctx, stateKey(state)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

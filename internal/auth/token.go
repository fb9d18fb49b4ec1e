package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/zjoart/go-estate-crowdfund/internal/user"
	"github.com/zjoart/go-estate-crowdfund/pkg/utils"
)

var ErrInvalidToken = errors.New("invalid token")

type TokenIssuer struct {
	secret []byte
	expiry time.Duration
}

func NewTokenIssuer(secret string, expiry time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), expiry: expiry}
}

func (t *TokenIssuer) Issue(usr user.User) (string, time.Time, error) {
	expiresAt := time.Now().Add(t.expiry)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		utils.UserIDKey:    usr.ID.String(),
		utils.EmailKey:     usr.Email,
		utils.NameKey:      usr.Name,
		utils.RoleKey:      string(usr.Role),
		utils.KYCStatusKey: string(usr.KYCStatus),
		utils.TokenIDKey:   uuid.NewString(),
		utils.ExpKey:       expiresAt.Unix(),
	})

	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (t *TokenIssuer) Parse(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TokenID returns the jti claim and the expiry of a parsed token.
func TokenID(claims jwt.MapClaims) (string, time.Time) {
	jti, _ := claims[utils.TokenIDKey].(string)
	var expiresAt time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time
	}
	return jti, expiresAt
}

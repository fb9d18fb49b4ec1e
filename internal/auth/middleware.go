package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/zjoart/go-estate-crowdfund/internal/key"
	"github.com/zjoart/go-estate-crowdfund/internal/user"
	"github.com/zjoart/go-estate-crowdfund/pkg/logger"
	"github.com/zjoart/go-estate-crowdfund/pkg/utils"
)

// Authenticator resolves the caller from either a bearer token or an api key.
type Authenticator struct {
	Tokens   *TokenIssuer
	Store    *Store
	UserRepo user.Repository
	KeyRepo  key.Repository
}

func NewAuthenticator(tokens *TokenIssuer, store *Store, userRepo user.Repository, keyRepo key.Repository) *Authenticator {
	return &Authenticator{Tokens: tokens, Store: store, UserRepo: userRepo, KeyRepo: keyRepo}
}

type authError struct {
	status int
	msg    string
}

func (a *Authenticator) fromBearer(r *http.Request) (context.Context, *authError) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, &authError{http.StatusUnauthorized, "Authorization required"}
	}

	tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	claims, err := a.Tokens.Parse(tokenString)
	if err != nil {
		return nil, &authError{http.StatusUnauthorized, "Invalid token"}
	}

	jti, _ := TokenID(claims)
	if jti != "" {
		revoked, err := a.Store.IsRevoked(r.Context(), jti)
		if err != nil {
			logger.Error("Failed to check token denylist", logger.WithError(err))
			return nil, &authError{http.StatusInternalServerError, "Failed to validate token"}
		}
		if revoked {
			return nil, &authError{http.StatusUnauthorized, "Token has been revoked"}
		}
	}

	userIDStr, ok := claims[utils.UserIDKey].(string)
	if !ok {
		return nil, &authError{http.StatusUnauthorized, "Invalid user ID in token"}
	}

	usr, err := a.UserRepo.FindByID(r.Context(), userIDStr)
	if err != nil {
		if !errors.Is(err, user.ErrNotFound) {
			logger.Error("Failed to load token user", logger.WithError(err))
		}
		return nil, &authError{http.StatusUnauthorized, "User not found"}
	}

	ctx := context.WithValue(r.Context(), utils.UserKey, *usr)
	ctx = context.WithValue(ctx, utils.ClaimsKey, claims)
	ctx = context.WithValue(ctx, utils.PermissionsKey, []string{"*"})
	return ctx, nil
}

func (a *Authenticator) fromAPIKey(r *http.Request) (context.Context, *authError) {
	apiKeyHeader := r.Header.Get("x-api-key")
	if apiKeyHeader == "" {
		return nil, &authError{http.StatusUnauthorized, "API Key required"}
	}

	apiKey, err := a.KeyRepo.FindByKey(r.Context(), apiKeyHeader)
	if err != nil {
		return nil, &authError{http.StatusUnauthorized, "Invalid API Key"}
	}

	if apiKey.IsRevoked {
		return nil, &authError{http.StatusUnauthorized, "API Key revoked"}
	}

	if time.Now().After(apiKey.ExpiresAt) {
		return nil, &authError{http.StatusUnauthorized, "API key has expired"}
	}

	usr, err := a.UserRepo.FindByID(r.Context(), apiKey.UserID.String())
	if err != nil {
		return nil, &authError{http.StatusUnauthorized, "Associated user not found"}
	}

	ctx := context.WithValue(r.Context(), utils.UserKey, *usr)
	ctx = context.WithValue(ctx, utils.PermissionsKey, []string(apiKey.Permissions))
	return ctx, nil
}

func (a *Authenticator) wrap(resolve func(*http.Request) (context.Context, *authError)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, aerr := resolve(r)
			if aerr != nil {
				utils.BuildErrorResponse(w, aerr.status, aerr.msg, nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) JWTMiddleware() func(http.Handler) http.Handler {
	return a.wrap(a.fromBearer)
}

func (a *Authenticator) APIKeyMiddleware() func(http.Handler) http.Handler {
	return a.wrap(a.fromAPIKey)
}

// UnifiedAuthMiddleware accepts an x-api-key header and falls back to a
// bearer token.
func (a *Authenticator) UnifiedAuthMiddleware() func(http.Handler) http.Handler {
	return a.wrap(func(r *http.Request) (context.Context, *authError) {
		if r.Header.Get("x-api-key") != "" {
			return a.fromAPIKey(r)
		}
		return a.fromBearer(r)
	})
}

func RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			perms, ok := r.Context().Value(utils.PermissionsKey).([]string)
			if !ok {
				utils.BuildErrorResponse(w, http.StatusForbidden, "Permissions not found", nil)
				return
			}

			hasPerm := false
			for _, p := range perms {
				if p == "*" || p == perm {
					hasPerm = true
					break
				}
			}

			if !hasPerm {
				utils.BuildErrorResponse(w, http.StatusForbidden, "Insufficient permissions", nil)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func RequireRole(roles ...user.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			usr, ok := r.Context().Value(utils.UserKey).(user.User)
			if !ok {
				utils.BuildErrorResponse(w, http.StatusUnauthorized, "Authorization required", nil)
				return
			}
			if !usr.HasRole(roles...) {
				utils.BuildErrorResponse(w, http.StatusForbidden, "Insufficient role", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

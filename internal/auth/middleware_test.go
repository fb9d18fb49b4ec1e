package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zjoart/go-estate-crowdfund/internal/key"
	"github.com/zjoart/go-estate-crowdfund/internal/user"
	"github.com/zjoart/go-estate-crowdfund/pkg/utils"
)

func TestRequirePermission(t *testing.T) {
	tests := []struct {
		name           string
		userPerms      []string
		requiredPerm   string
		expectedStatus int
	}{
		{
			name:           "JWT User (Wildcard) - Access Granted",
			userPerms:      []string{"*"},
			requiredPerm:   "INVEST",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "API Key (Exact Match) - Access Granted",
			userPerms:      []string{"DEPOSIT"},
			requiredPerm:   "DEPOSIT",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "API Key (Superset) - Access Granted",
			userPerms:      []string{"DEPOSIT", "WITHDRAW"},
			requiredPerm:   "WITHDRAW",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "API Key (Missing Perm) - Access Denied",
			userPerms:      []string{"READ"},
			requiredPerm:   "INVEST",
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "No Perms - Access Denied",
			userPerms:      []string{},
			requiredPerm:   "READ",
			expectedStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {

			nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			middleware := RequirePermission(tt.requiredPerm)(nextHandler)

			req := httptest.NewRequest("GET", "/", nil)
			ctx := context.WithValue(req.Context(), utils.PermissionsKey, tt.userPerms)
			req = req.WithContext(ctx)

			rr := httptest.NewRecorder()

			middleware.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
		})
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name           string
		role           user.Role
		expectedStatus int
	}{
		{"admin allowed", user.RoleAdmin, http.StatusOK},
		{"creator allowed", user.RoleCreator, http.StatusOK},
		{"plain user denied", user.RoleUser, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			req := httptest.NewRequest("GET", "/", nil)
			req = req.WithContext(context.WithValue(req.Context(), utils.UserKey, user.User{Role: tt.role}))

			rr := httptest.NewRecorder()
			RequireRole(user.RoleAdmin, user.RoleCreator)(next).ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
		})
	}
}

type stubKeys struct {
	key.Repository
	keys map[string]*key.APIKey
}

func (s stubKeys) FindByKey(ctx context.Context, keyValue string) (*key.APIKey, error) {
	if k, ok := s.keys[keyValue]; ok {
		return k, nil
	}
	return nil, key.ErrNotFound
}

func TestUnifiedAuthMiddleware_APIKey(t *testing.T) {
	keys := stubKeys{keys: map[string]*key.APIKey{}}
	f := newFixture(t, keys)

	owner := &user.User{Name: "Ada", Email: "ada@example.com"}
	require.NoError(t, f.users.Create(context.Background(), owner))

	keys.keys["live"] = &key.APIKey{UserID: owner.ID, Permissions: []string{"READ"}, ExpiresAt: time.Now().Add(time.Hour)}
	keys.keys["expired"] = &key.APIKey{UserID: owner.ID, Permissions: []string{"READ"}, ExpiresAt: time.Now().Add(-time.Hour)}
	keys.keys["revoked"] = &key.APIKey{UserID: owner.ID, IsRevoked: true, ExpiresAt: time.Now().Add(time.Hour)}

	var gotPerms []string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPerms, _ = r.Context().Value(utils.PermissionsKey).([]string)
		w.WriteHeader(http.StatusOK)
	})
	handler := f.authn.UnifiedAuthMiddleware()(next)

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"live key", "x-api-key", "live", http.StatusOK},
		{"expired key", "x-api-key", "expired", http.StatusUnauthorized},
		{"revoked key", "x-api-key", "revoked", http.StatusUnauthorized},
		{"unknown key", "x-api-key", "nope", http.StatusUnauthorized},
		{"garbage bearer", "Authorization", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"no credentials", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}

	assert.Equal(t, []string{"READ"}, gotPerms)
}

func TestTokenIssuer_RejectsOtherSecret(t *testing.T) {
	usr := user.User{Name: "Ada", Email: "ada@example.com", Role: user.RoleUser}
	token, _, err := NewTokenIssuer("one", time.Hour).Issue(usr)
	require.NoError(t, err)

	_, err = NewTokenIssuer("two", time.Hour).Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	claims, err := NewTokenIssuer("one", time.Hour).Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", claims[utils.EmailKey])
	jti, exp := TokenID(claims)
	assert.NotEmpty(t, jti)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)
}

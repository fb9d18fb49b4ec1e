package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zjoart/go-estate-crowdfund/internal/auth"
	"github.com/zjoart/go-estate-crowdfund/internal/key"
	"github.com/zjoart/go-estate-crowdfund/internal/middleware"
	"github.com/zjoart/go-estate-crowdfund/internal/payment"
	"github.com/zjoart/go-estate-crowdfund/internal/payment/paymenttest"
	"github.com/zjoart/go-estate-crowdfund/internal/project"
	"github.com/zjoart/go-estate-crowdfund/internal/user"
	"github.com/zjoart/go-estate-crowdfund/internal/wallet"
	"github.com/zjoart/go-estate-crowdfund/pkg/config"
	"github.com/zjoart/go-estate-crowdfund/pkg/events"
	"golang.org/x/time/rate"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testServer struct {
	handler http.Handler
	users   user.Repository
	tokens  *auth.TokenIssuer
	gateway *paymenttest.Gateway
}

func newTestServer(t *testing.T) *testServer {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&user.User{}, &project.Project{}, &project.Payment{}, &wallet.Wallet{}, &wallet.Transaction{}))

	mr := miniredis.RunT(t)
	rc := &events.RedisClient{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}

	cfg := config.Config{
		App:    config.App{Host: "https://api.example.com", FrontendURL: "https://app.example.com", AllowedOrigins: []string{"*"}},
		JWT:    config.JWT{Secret: "test-secret", Expiry: time.Hour},
		Stripe: config.Stripe{Currency: "usd"},
		Ledger: config.Ledger{MinTransactionAmount: 100},
	}

	gw := new(paymenttest.Gateway)
	users := user.NewRepository(db)
	projects := project.NewRepository(db)
	onboarding := payment.NewOnboarding(cfg, gw, users)
	fees := payment.NewFees(cfg.Ledger)

	handler := RegisterRoutes(mux.NewRouter(), Dependencies{
		Config:      cfg,
		DB:          db,
		RedisClient: rc,
		Users:       users,
		Keys:        key.NewRepository(db),
		Projects:    projects,
		Funding:     project.NewFunding(db, projects, users, gw, fees, "usd"),
		Onboarding:  onboarding,
		Wallet:      wallet.NewService(cfg, wallet.NewRepository(db), projects, users, gw, onboarding),
		Limiter:     middleware.NewRateLimiter(rate.Inf, 1),
	})

	return &testServer{
		handler: handler,
		users:   users,
		tokens:  auth.NewTokenIssuer(cfg.JWT.Secret, cfg.JWT.Expiry),
		gateway: gw,
	}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func (s *testServer) bearer(t *testing.T, role user.Role) string {
	u := &user.User{Name: "ada", Email: string(role) + "@example.com", Role: role}
	require.NoError(t, s.users.Create(context.Background(), u))
	token, _, err := s.tokens.Issue(*u)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestRoutes_PublicEndpoints(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, s.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
	assert.Equal(t, http.StatusOK, s.do(httptest.NewRequest(http.MethodGet, "/metrics", nil)).Code)

	rr := s.do(httptest.NewRequest(http.MethodGet, "/api/projects", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"projects":[]`)
}

func TestRoutes_RequireAuthentication(t *testing.T) {
	s := newTestServer(t)

	for _, target := range []string{"/api/wallet", "/api/projects/mine", "/api/user/profile", "/api/admin/reconcile"} {
		t.Run(target, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, s.do(httptest.NewRequest(http.MethodGet, target, nil)).Code)
		})
	}
}

func TestRoutes_AdminOnly(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/reconcile", nil)
	req.Header.Set("Authorization", s.bearer(t, user.RoleUser))
	assert.Equal(t, http.StatusForbidden, s.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/reconcile", nil)
	req.Header.Set("Authorization", s.bearer(t, user.RoleAdmin))
	rr := s.do(req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"drift":[]`)
}

func TestRoutes_MineIsNotAProjectID(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/projects/mine", nil)
	req.Header.Set("Authorization", s.bearer(t, user.RoleCreator))
	assert.Equal(t, http.StatusOK, s.do(req).Code)
}

func TestRoutes_WithdrawReplayRejected(t *testing.T) {
	s := newTestServer(t)
	token := s.bearer(t, user.RoleUser)

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/payments/withdraw", strings.NewReader(`{"amount":500}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", token)
		req.Header.Set(middleware.IdempotencyHeader, "wd-1")
		return s.do(req).Code
	}

	// no wallet yet, so the first attempt is a 404 that still consumes the key
	assert.Equal(t, http.StatusNotFound, send())
	assert.Equal(t, http.StatusConflict, send())
}

func TestRoutes_WebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)
	s.gateway.On("ParseWebhook", mock.Anything, "bad").Return(nil, assert.AnError)

	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "bad")
	assert.Equal(t, http.StatusBadRequest, s.do(req).Code)
}

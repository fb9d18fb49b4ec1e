package payment_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zjoart/go-estate-crowdfund/internal/payment"
	"github.com/zjoart/go-estate-crowdfund/internal/payment/paymenttest"
	"github.com/zjoart/go-estate-crowdfund/internal/user"
	"github.com/zjoart/go-estate-crowdfund/pkg/config"
	"github.com/zjoart/go-estate-crowdfund/pkg/utils"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupUsers(t *testing.T) user.Repository {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&user.User{}))
	return user.NewRepository(db)
}

func asUser(r *http.Request, u user.User) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), utils.UserKey, u))
}

func TestStartOnboarding_CreatesAccountAndPromotes(t *testing.T) {
	users := setupUsers(t)
	usr := &user.User{Name: "Ada", Email: "ada@example.com", Country: "GB"}
	require.NoError(t, users.Create(context.Background(), usr))

	gw := new(paymenttest.Gateway)
	gw.On("CreateConnectedAccount", mock.Anything, usr.ID.String(), "ada@example.com", "GB").Return("acct_1", nil).Once()
	gw.On("CreateAccountLink", mock.Anything, "acct_1",
		"https://app.test/creator/onboarding?error=true",
		"https://app.test/creator/onboarding?success=true").Return("https://connect.test/onboard", nil)

	cfg := config.Config{App: config.App{FrontendURL: "https://app.test"}, Stripe: config.Stripe{ConnectCountry: "US"}}
	h := payment.NewConnectHandler(payment.NewOnboarding(cfg, gw, users))

	rr := httptest.NewRecorder()
	h.StartOnboarding(rr, asUser(httptest.NewRequest(http.MethodPost, "/api/stripe/connect/onboard", nil), *usr))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "https://connect.test/onboard", body.Data["url"])

	stored, err := users.FindByID(context.Background(), usr.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "acct_1", stored.ConnectAccountID())
	assert.Equal(t, user.RoleCreator, stored.Role)

	// a second call reuses the stored account
	rr = httptest.NewRecorder()
	h.StartOnboarding(rr, asUser(httptest.NewRequest(http.MethodPost, "/api/stripe/connect/onboard", nil), *stored))
	require.Equal(t, http.StatusOK, rr.Code)
	gw.AssertNumberOfCalls(t, "CreateConnectedAccount", 1)
}

func TestStartOnboarding_GatewayMessageSurfaces(t *testing.T) {
	users := setupUsers(t)
	usr := &user.User{Name: "Ada", Email: "ada@example.com"}
	require.NoError(t, users.Create(context.Background(), usr))

	gw := new(paymenttest.Gateway)
	gw.On("CreateConnectedAccount", mock.Anything, usr.ID.String(), "ada@example.com", "US").
		Return("", &payment.Error{Op: "create connected account", Message: "Connect is not enabled"})

	cfg := config.Config{App: config.App{FrontendURL: "https://app.test"}, Stripe: config.Stripe{ConnectCountry: "US"}}
	h := payment.NewConnectHandler(payment.NewOnboarding(cfg, gw, users))

	rr := httptest.NewRecorder()
	h.StartOnboarding(rr, asUser(httptest.NewRequest(http.MethodPost, "/", nil), *usr))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "Connect is not enabled")
}

func TestGetOnboardingStatus(t *testing.T) {
	users := setupUsers(t)
	usr := &user.User{Name: "Ada", Email: "ada@example.com"}
	require.NoError(t, users.Create(context.Background(), usr))
	require.NoError(t, users.SetConnectAccount(context.Background(), usr.ID.String(), "acct_2"))
	stored, err := users.FindByID(context.Background(), usr.ID.String())
	require.NoError(t, err)

	gw := new(paymenttest.Gateway)
	gw.On("RetrieveAccount", mock.Anything, "acct_2").
		Return(&payment.Account{ID: "acct_2", DetailsSubmitted: true, ChargesEnabled: true, PayoutsEnabled: true}, nil)

	h := payment.NewConnectHandler(payment.NewOnboarding(config.Config{}, gw, users))

	rr := httptest.NewRecorder()
	h.GetOnboardingStatus(rr, asUser(httptest.NewRequest(http.MethodGet, "/", nil), *stored))
	require.Equal(t, http.StatusOK, rr.Code)

	stored, err = users.FindByID(context.Background(), usr.ID.String())
	require.NoError(t, err)
	assert.Equal(t, user.ConnectVerified, stored.StripeConnectStatus)
	assert.True(t, stored.StripePayoutsEnabled)
	assert.True(t, stored.StripeOnboardingComplete)

	rr = httptest.NewRecorder()
	h.GetOnboardingStatus(rr, asUser(httptest.NewRequest(http.MethodGet, "/", nil), user.User{}))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zjoart/go-estate-crowdfund/internal/payment"
	"github.com/zjoart/go-estate-crowdfund/internal/payment/paymenttest"
	"github.com/zjoart/go-estate-crowdfund/internal/project"
	"github.com/zjoart/go-estate-crowdfund/internal/user"
	"github.com/zjoart/go-estate-crowdfund/pkg/config"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	repo    Repository
	users   user.Repository
	gateway *paymenttest.Gateway
	service *Service
	creator *user.User
}

func testConfig() config.Config {
	return config.Config{
		App: config.App{Host: "https://api.example.com", FrontendURL: "https://app.example.com"},
		Stripe: config.Stripe{
			Currency:       "usd",
			ConnectCountry: "US",
		},
		Ledger: config.Ledger{
			MinTransactionAmount: 100,
			PlatformFeeBps:       500,
			CardFeeBps:           290,
			CardFixedFee:         30,
			PayoutFeeBps:         25,
			StuckWithdrawalAfter: 15 * time.Minute,
			ReconcileInterval:    time.Minute,
		},
	}
}

func newFixture(t *testing.T) *fixture {
	db := setupTestDB(t)
	cfg := testConfig()
	repo := NewRepository(db)
	users := user.NewRepository(db)
	gw := new(paymenttest.Gateway)
	onboarding := payment.NewOnboarding(cfg, gw, users)

	return &fixture{
		db:      db,
		repo:    repo,
		users:   users,
		gateway: gw,
		service: NewService(cfg, repo, project.NewRepository(db), users, gw, onboarding),
		creator: seedUser(t, db, "cleo"),
	}
}

// payoutReady gives u a connected account with payouts enabled.
func (f *fixture) payoutReady(t *testing.T, u *user.User, accountID string) user.User {
	ctx := context.Background()
	require.NoError(t, f.users.SetConnectAccount(ctx, u.ID.String(), accountID))
	require.NoError(t, f.users.SetConnectStatus(ctx, accountID, user.ConnectVerified, true, true))
	stored, err := f.users.FindByID(ctx, u.ID.String())
	require.NoError(t, err)
	return *stored
}

func TestService_EnsureWalletConcurrent(t *testing.T) {
	f := newFixture(t)
	u := seedUser(t, f.db, "ada")

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := f.service.EnsureWallet(context.Background(), u.ID)
			if assert.NoError(t, err) {
				ids[i] = w.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	var n int64
	require.NoError(t, f.db.Model(&Wallet{}).Where("user_id = ?", u.ID).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestService_BalanceWithoutWallet(t *testing.T) {
	f := newFixture(t)
	balance, err := f.service.Balance(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestInitiateDeposit(t *testing.T) {
	f := newFixture(t)
	u := seedUser(t, f.db, "ada")
	ctx := context.Background()

	t.Run("below minimum", func(t *testing.T) {
		_, err := f.service.InitiateDeposit(ctx, *u, 99)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("creates session and pending row", func(t *testing.T) {
		f.gateway.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(req payment.CheckoutRequest) bool {
			return req.Amount == 5000 &&
				req.UserID == u.ID.String() &&
				req.SuccessURL == "https://api.example.com/api/payments/success?session_id={CHECKOUT_SESSION_ID}" &&
				req.CancelURL == "https://app.example.com/wallet?canceled=true"
		})).Return(&payment.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.com/c/cs_1"}, nil).Once()

		session, err := f.service.InitiateDeposit(ctx, *u, 5000)
		require.NoError(t, err)
		assert.Equal(t, "https://checkout.stripe.com/c/cs_1", session.URL)

		row, err := f.repo.GetTransactionByExternalID(ctx, "cs_1")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, row.Status)
		assert.Equal(t, session.Reference, row.Reference)
		assert.Equal(t, int64(0), balanceOf(t, f.db, u.ID))
	})

	t.Run("gateway error surfaces", func(t *testing.T) {
		f.gateway.On("CreateCheckoutSession", mock.Anything, mock.Anything).
			Return(nil, &payment.Error{Op: "create checkout session", Message: "Invalid currency"}).Once()

		_, err := f.service.InitiateDeposit(ctx, *u, 5000)
		var gerr *payment.Error
		assert.True(t, errors.As(err, &gerr))
	})
}

func TestConfirmCheckout_WebhookAndRedirectCreditOnce(t *testing.T) {
	f := newFixture(t)
	u := seedUser(t, f.db, "ada")
	ctx := context.Background()

	session := &payment.CheckoutSession{
		ID:          "cs_paid",
		Paid:        true,
		AmountTotal: 7500,
		Metadata:    map[string]string{"user_id": u.ID.String(), "type": "wallet_deposit"},
	}
	f.gateway.On("RetrieveCheckoutSession", mock.Anything, "cs_paid").Return(session, nil)

	_, err := f.service.SettleCheckout(ctx, session)
	require.NoError(t, err)
	_, err = f.service.ConfirmCheckout(ctx, "cs_paid")
	require.NoError(t, err)
	_, err = f.service.SettleCheckout(ctx, session)
	require.NoError(t, err)

	assert.Equal(t, int64(7500), balanceOf(t, f.db, u.ID))
	assertLedgerMatches(t, f.repo, u.ID)
}

func TestSettleCheckout_Unpaid(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.SettleCheckout(context.Background(), &payment.CheckoutSession{ID: "cs_open"})
	assert.ErrorIs(t, err, ErrDepositNotPaid)
}

func TestLedgerMatchesBalanceAfterMixedActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	investor := seedUser(t, f.db, "ada")
	p := seedProject(t, f.db, f.creator.ID, 100000, 0)

	deposit(t, f.repo, investor.ID, 20000)
	_, err := f.service.Invest(ctx, *investor, p.ID.String(), 7000)
	require.NoError(t, err)
	_, err = f.service.DistributeDividends(ctx, p.ID.String(), map[string]int64{investor.ID.String(): 350})
	require.NoError(t, err)

	ready := f.payoutReady(t, investor, "acct_ada")
	f.gateway.On("RetrieveAccount", mock.Anything, "acct_ada").
		Return(&payment.Account{ID: "acct_ada", DetailsSubmitted: true, PayoutsEnabled: true}, nil)
	f.gateway.On("CreateTransfer", mock.Anything, mock.Anything).Return(&payment.Transfer{ID: "tr_1"}, nil)
	_, err = f.service.RequestWithdrawal(ctx, ready, 3000)
	require.NoError(t, err)

	assert.Equal(t, int64(20000-7000+350-3000), balanceOf(t, f.db, investor.ID))

	var sum int64
	require.NoError(t, f.db.Model(&Transaction{}).Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ? AND status = ?", investor.ID, StatusCompleted).Scan(&sum).Error)
	assert.Equal(t, balanceOf(t, f.db, investor.ID), sum)
}

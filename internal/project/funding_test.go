package project

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zjoart/go-estate-crowdfund/internal/payment"
	"github.com/zjoart/go-estate-crowdfund/internal/payment/paymenttest"
	"github.com/zjoart/go-estate-crowdfund/internal/user"
	"github.com/zjoart/go-estate-crowdfund/pkg/config"
	"gorm.io/gorm"
)

type fundingFixture struct {
	db       *gorm.DB
	funding  *Funding
	gateway  *paymenttest.Gateway
	users    user.Repository
	creator  *user.User
	investor *user.User
}

func newFundingFixture(t *testing.T) *fundingFixture {
	db := setupTestDB(t)
	users := user.NewRepository(db)
	ctx := context.Background()

	creator := &user.User{Name: "Cleo", Email: "cleo@example.com"}
	require.NoError(t, users.Create(ctx, creator))
	require.NoError(t, users.SetConnectAccount(ctx, creator.ID.String(), "acct_creator"))

	investor := &user.User{Name: "Ivan", Email: "ivan@example.com"}
	require.NoError(t, users.Create(ctx, investor))

	gw := new(paymenttest.Gateway)
	fees := payment.NewFees(config.Ledger{PlatformFeeBps: 500, CardFeeBps: 290, CardFixedFee: 30})

	return &fundingFixture{
		db:       db,
		funding:  NewFunding(db, NewRepository(db), users, gw, fees, "usd"),
		gateway:  gw,
		users:    users,
		creator:  creator,
		investor: investor,
	}
}

func TestFund_CreatesIntentAndPendingPayment(t *testing.T) {
	f := newFundingFixture(t)
	p := seedProject(t, f.db, f.creator.ID, 100000, 0)

	f.gateway.On("CreateCustomer", mock.Anything, f.investor.ID.String(), "ivan@example.com", "Ivan").Return("cus_1", nil).Once()
	f.gateway.On("CreatePaymentIntent", mock.Anything, mock.MatchedBy(func(req payment.PaymentIntentRequest) bool {
		return req.Amount == 10000 &&
			req.ApplicationFee == 500 &&
			req.Destination == "acct_creator" &&
			req.CustomerID == "cus_1" &&
			req.Metadata["project_id"] == p.ID.String() &&
			req.IdempotencyKey == "idem-1"
	})).Return(&payment.PaymentIntent{ID: "pi_1", ClientSecret: "pi_1_secret"}, nil)

	res, err := f.funding.Fund(context.Background(), f.investor.ID.String(), p.ID.String(), 10000, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, "pi_1_secret", res.ClientSecret)
	assert.Equal(t, int64(500), res.PlatformFee)
	assert.Equal(t, int64(320), res.CardFee)
	assert.Equal(t, int64(9180), res.CreatorNet)

	stored, err := NewRepository(f.db).FindPaymentByIntent(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, stored.Status)
	assert.Equal(t, int64(320), stored.Fee)
	assert.Equal(t, "Harbour Lofts", stored.Metadata["project_title"])

	investor, err := f.users.FindByID(context.Background(), f.investor.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "cus_1", investor.CustomerID())

	// funding does not move the project until the payment succeeds
	assert.Equal(t, int64(0), reload(t, f.db, p.ID).CurrentAmount)
}

func TestFund_Rejections(t *testing.T) {
	f := newFundingFixture(t)
	ctx := context.Background()

	unpayable := &user.User{Name: "Nora", Email: "nora@example.com"}
	require.NoError(t, f.users.Create(ctx, unpayable))

	active := seedProject(t, f.db, f.creator.ID, 10000, 9000)
	cancelled := seedProject(t, f.db, f.creator.ID, 10000, 0)
	require.NoError(t, NewRepository(f.db).Cancel(ctx, cancelled.ID.String()))
	noAccount := seedProject(t, f.db, unpayable.ID, 10000, 0)

	tests := []struct {
		name      string
		projectID string
		amount    int64
		want      error
	}{
		{"missing project", "8f7e2a4c-0000-4000-8000-000000000000", 100, ErrNotFound},
		{"cancelled", cancelled.ID.String(), 100, ErrNotActive},
		{"over target", active.ID.String(), 2000, ErrExceedsTarget},
		{"creator without account", noAccount.ID.String(), 100, ErrCreatorNotPayable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.funding.Fund(ctx, f.investor.ID.String(), tt.projectID, tt.amount, "")
			assert.ErrorIs(t, err, tt.want)
		})
	}
	f.gateway.AssertNotCalled(t, "CreatePaymentIntent", mock.Anything, mock.Anything)
}

func seedPayment(t *testing.T, f *fundingFixture, p *Project, intentID string, amount int64) {
	require.NoError(t, NewRepository(f.db).CreatePayment(context.Background(), &Payment{
		ProjectID:       p.ID,
		InvestorID:      f.investor.ID,
		Amount:          amount,
		PaymentIntentID: &intentID,
	}))
}

func TestCompletePayment_AdvancesProjectOnce(t *testing.T) {
	f := newFundingFixture(t)
	p := seedProject(t, f.db, f.creator.ID, 10000, 6000)
	seedPayment(t, f, p, "pi_ok", 4000)

	intent := &payment.PaymentIntent{ID: "pi_ok", Status: "succeeded"}
	require.NoError(t, f.funding.CompletePayment(context.Background(), intent))
	require.NoError(t, f.funding.CompletePayment(context.Background(), intent))

	got := reload(t, f.db, p.ID)
	assert.Equal(t, int64(10000), got.CurrentAmount)
	assert.Equal(t, StatusCompleted, got.Status)

	stored, err := NewRepository(f.db).FindPaymentByIntent(context.Background(), "pi_ok")
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, stored.Status)
}

func TestCompletePayment_RefundsOvershoot(t *testing.T) {
	f := newFundingFixture(t)
	p := seedProject(t, f.db, f.creator.ID, 10000, 8000)
	seedPayment(t, f, p, "pi_late", 4000)

	f.gateway.On("CreateRefund", mock.Anything, "pi_late", int64(4000), ErrExceedsTarget.Error()).Return("re_1", nil).Once()

	require.NoError(t, f.funding.CompletePayment(context.Background(), &payment.PaymentIntent{ID: "pi_late"}))

	assert.Equal(t, int64(8000), reload(t, f.db, p.ID).CurrentAmount)
	stored, err := NewRepository(f.db).FindPaymentByIntent(context.Background(), "pi_late")
	require.NoError(t, err)
	assert.Equal(t, PaymentRefunded, stored.Status)
	require.NotNil(t, stored.RefundAmount)
	assert.Equal(t, int64(4000), *stored.RefundAmount)
	f.gateway.AssertExpectations(t)
}

func TestCompletePayment_RefundFailureKeepsPending(t *testing.T) {
	f := newFundingFixture(t)
	p := seedProject(t, f.db, f.creator.ID, 10000, 8000)
	seedPayment(t, f, p, "pi_retry", 4000)

	f.gateway.On("CreateRefund", mock.Anything, "pi_retry", int64(4000), mock.Anything).Return("", errors.New("network down"))

	err := f.funding.CompletePayment(context.Background(), &payment.PaymentIntent{ID: "pi_retry"})
	require.Error(t, err)

	stored, err := NewRepository(f.db).FindPaymentByIntent(context.Background(), "pi_retry")
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, stored.Status)
}

func TestFailPayment(t *testing.T) {
	f := newFundingFixture(t)
	p := seedProject(t, f.db, f.creator.ID, 10000, 0)
	seedPayment(t, f, p, "pi_bad", 4000)

	require.NoError(t, f.funding.FailPayment(context.Background(), &payment.PaymentIntent{ID: "pi_bad", FailureMessage: "card declined"}))
	require.NoError(t, f.funding.FailPayment(context.Background(), &payment.PaymentIntent{ID: "pi_unknown"}))

	stored, err := NewRepository(f.db).FindPaymentByIntent(context.Background(), "pi_bad")
	require.NoError(t, err)
	assert.Equal(t, PaymentFailed, stored.Status)
	assert.Equal(t, int64(0), reload(t, f.db, p.ID).CurrentAmount)
}

package wallet

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/zjoart/go-estate-crowdfund/internal/payment"
	"github.com/zjoart/go-estate-crowdfund/internal/user"
)

func TestRequestWithdrawal_Completed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := seedUser(t, f.db, "ada")
	deposit(t, f.repo, u.ID, 10000)
	ready := f.payoutReady(t, u, "acct_ada")

	f.gateway.On("RetrieveAccount", mock.Anything, "acct_ada").
		Return(&payment.Account{ID: "acct_ada", DetailsSubmitted: true, PayoutsEnabled: true}, nil)
	f.gateway.On("CreateTransfer", mock.Anything, mock.MatchedBy(func(req payment.TransferRequest) bool {
		return req.Amount == 3990 && req.Destination == "acct_ada" && req.Group != ""
	})).Return(&payment.Transfer{ID: "tr_1"}, nil).Once()

	res, err := f.service.RequestWithdrawal(ctx, ready, 4000)
	require.NoError(t, err)
	assert.Equal(t, WithdrawalCompleted, res.Status)
	assert.Equal(t, int64(10), res.Fee)
	assert.Equal(t, int64(3990), res.NetAmount)
	assert.Equal(t, "tr_1", res.TransferID)
	require.NotNil(t, res.EstimatedArrival)
	assert.WithinDuration(t, time.Now().Add(48*time.Hour), *res.EstimatedArrival, time.Minute)

	row, err := f.repo.GetTransactionByReference(ctx, res.Reference)
	require.NoError(t, err)
	assert.Equal(t, StageSettled, row.Stage)
	assert.Equal(t, StatusCompleted, row.Status)
	assert.Equal(t, int64(-4000), row.Amount)
	assert.Equal(t, "tr_1", *row.ExternalID)
	assert.Equal(t, int64(6000), balanceOf(t, f.db, u.ID))
	assertLedgerMatches(t, f.repo, u.ID)
}

func TestRequestWithdrawal_InsufficientBalanceNoMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := seedUser(t, f.db, "ada")
	deposit(t, f.repo, u.ID, 1000)
	ready := f.payoutReady(t, u, "acct_ada")

	_, err := f.service.RequestWithdrawal(ctx, ready, 1001)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	assert.Equal(t, int64(1000), balanceOf(t, f.db, u.ID))
	assert.Equal(t, int64(0), countRows(t, f.db, "user_id = ? AND type = ?", u.ID, TypeWithdrawal))
	f.gateway.AssertNotCalled(t, "CreateTransfer", mock.Anything, mock.Anything)
}

func TestRequestWithdrawal_NoWallet(t *testing.T) {
	f := newFixture(t)
	u := seedUser(t, f.db, "ada")
	_, err := f.service.RequestWithdrawal(context.Background(), *u, 1000)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, int64(0), countRows(t, f.db, "user_id = ?", u.ID))
}

func TestRequestWithdrawal_OnboardingRequired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := seedUser(t, f.db, "ada")
	deposit(t, f.repo, u.ID, 5000)

	f.gateway.On("CreateConnectedAccount", mock.Anything, u.ID.String(), u.Email, "US").Return("acct_new", nil).Once()
	f.gateway.On("CreateAccountLink", mock.Anything, "acct_new",
		"https://app.example.com/wallet?error=true",
		"https://app.example.com/wallet?success=true",
	).Return("https://connect.stripe.com/setup/acct_new", nil).Once()

	res, err := f.service.RequestWithdrawal(ctx, *u, 1000)
	require.NoError(t, err)
	assert.Equal(t, WithdrawalOnboardingRequired, res.Status)
	assert.Equal(t, "https://connect.stripe.com/setup/acct_new", res.OnboardingURL)

	stored, err := f.users.FindByID(ctx, u.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "acct_new", stored.ConnectAccountID())
	assert.Equal(t, int64(5000), balanceOf(t, f.db, u.ID))
}

func TestRequestWithdrawal_VerificationRequired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := seedUser(t, f.db, "ada")
	deposit(t, f.repo, u.ID, 5000)
	require.NoError(t, f.users.SetConnectAccount(ctx, u.ID.String(), "acct_half"))
	stored, err := f.users.FindByID(ctx, u.ID.String())
	require.NoError(t, err)

	f.gateway.On("RetrieveAccount", mock.Anything, "acct_half").
		Return(&payment.Account{ID: "acct_half", DetailsSubmitted: true}, nil)
	f.gateway.On("CreateAccountLink", mock.Anything, "acct_half", mock.Anything, mock.Anything).
		Return("https://connect.stripe.com/setup/acct_half", nil)

	res, err := f.service.RequestWithdrawal(ctx, *stored, 1000)
	require.NoError(t, err)
	assert.Equal(t, WithdrawalVerificationRequired, res.Status)

	stored, err = f.users.FindByID(ctx, u.ID.String())
	require.NoError(t, err)
	assert.Equal(t, user.ConnectRestricted, stored.StripeConnectStatus)
	assert.Equal(t, int64(0), countRows(t, f.db, "user_id = ? AND type = ?", u.ID, TypeWithdrawal))
}

func TestRequestWithdrawal_GatewayRejectsReverses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := seedUser(t, f.db, "ada")
	deposit(t, f.repo, u.ID, 5000)
	ready := f.payoutReady(t, u, "acct_ada")

	f.gateway.On("RetrieveAccount", mock.Anything, "acct_ada").
		Return(&payment.Account{ID: "acct_ada", DetailsSubmitted: true, PayoutsEnabled: true}, nil)
	f.gateway.On("CreateTransfer", mock.Anything, mock.Anything).
		Return(nil, &payment.Error{Op: "create transfer", Message: "Insufficient funds in platform balance"}).Once()

	_, err := f.service.RequestWithdrawal(ctx, ready, 2000)
	var gerr *payment.Error
	require.True(t, errors.As(err, &gerr))

	assert.Equal(t, int64(5000), balanceOf(t, f.db, u.ID))
	var row Transaction
	require.NoError(t, f.db.Where("user_id = ? AND type = ?", u.ID, TypeWithdrawal).First(&row).Error)
	assert.Equal(t, StageReversed, row.Stage)
	assert.Equal(t, StatusFailed, row.Status)
	assert.Equal(t, "Insufficient funds in platform balance", row.FailureReason)
	assertLedgerMatches(t, f.repo, u.ID)
}

func TestRequestWithdrawal_UnknownOutcomeStaysReserved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := seedUser(t, f.db, "ada")
	deposit(t, f.repo, u.ID, 5000)
	ready := f.payoutReady(t, u, "acct_ada")

	f.gateway.On("RetrieveAccount", mock.Anything, "acct_ada").
		Return(&payment.Account{ID: "acct_ada", DetailsSubmitted: true, PayoutsEnabled: true}, nil)
	f.gateway.On("CreateTransfer", mock.Anything, mock.Anything).
		Return(nil, errors.New("connection reset by peer")).Once()

	res, err := f.service.RequestWithdrawal(ctx, ready, 2000)
	require.NoError(t, err)
	assert.Equal(t, WithdrawalPendingConfirmation, res.Status)

	row, err := f.repo.GetTransactionByReference(ctx, res.Reference)
	require.NoError(t, err)
	assert.Equal(t, StageReserved, row.Stage)
	assert.Equal(t, int64(3000), balanceOf(t, f.db, u.ID))
	assertLedgerMatches(t, f.repo, u.ID)
}

func TestRequestWithdrawal_ServerErrorLeftForReconciler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := seedUser(t, f.db, "ada")
	deposit(t, f.repo, u.ID, 5000)
	ready := f.payoutReady(t, u, "acct_ada")

	serverErr := fmt.Errorf("create transfer: %w", &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 500, Msg: "An unknown error occurred"})
	f.gateway.On("RetrieveAccount", mock.Anything, "acct_ada").
		Return(&payment.Account{ID: "acct_ada", DetailsSubmitted: true, PayoutsEnabled: true}, nil)
	f.gateway.On("CreateTransfer", mock.Anything, mock.Anything).Return(nil, serverErr).Once()

	res, err := f.service.RequestWithdrawal(ctx, ready, 2000)
	require.NoError(t, err)
	assert.Equal(t, WithdrawalPendingConfirmation, res.Status)

	row, err := f.repo.GetTransactionByReference(ctx, res.Reference)
	require.NoError(t, err)
	assert.Equal(t, StageReserved, row.Stage)
	assert.Equal(t, int64(3000), balanceOf(t, f.db, u.ID))

	// the processor did create the transfer before failing the response
	require.NoError(t, f.db.Model(&Transaction{}).Where("reference = ?", res.Reference).
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error)
	f.gateway.On("FindTransferByGroup", mock.Anything, res.Reference).
		Return(&payment.Transfer{ID: "tr_late", Group: res.Reference, Amount: 2000}, nil)

	settled, reversed, err := f.service.ReconcileWithdrawals(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	assert.Equal(t, 0, reversed)

	row, err = f.repo.GetTransactionByReference(ctx, res.Reference)
	require.NoError(t, err)
	assert.Equal(t, StageSettled, row.Stage)
	assert.Equal(t, int64(3000), balanceOf(t, f.db, u.ID))
	assertLedgerMatches(t, f.repo, u.ID)
}

func TestReconcileWithdrawals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := seedUser(t, f.db, "ada")
	deposit(t, f.repo, u.ID, 10000)
	w, err := f.repo.GetWallet(ctx, u.ID)
	require.NoError(t, err)

	for _, ref := range []string{"WDR-SENT", "WDR-LOST", "WDR-BOUNCED"} {
		row := &Transaction{UserID: u.ID, WalletID: w.ID, Amount: -1000, Reference: ref, Description: "withdrawal"}
		require.NoError(t, f.repo.ReserveWithdrawal(ctx, row))
	}
	require.NoError(t, f.db.Model(&Transaction{}).Where("type = ?", TypeWithdrawal).
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error)

	f.gateway.On("FindTransferByGroup", mock.Anything, "WDR-SENT").Return(&payment.Transfer{ID: "tr_sent", Group: "WDR-SENT"}, nil)
	f.gateway.On("FindTransferByGroup", mock.Anything, "WDR-LOST").Return(nil, payment.ErrTransferNotFound)
	f.gateway.On("FindTransferByGroup", mock.Anything, "WDR-BOUNCED").
		Return(&payment.Transfer{ID: "tr_bounced", Group: "WDR-BOUNCED", Reversed: true}, nil)

	settled, reversed, err := f.service.ReconcileWithdrawals(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	assert.Equal(t, 2, reversed)

	sent, err := f.repo.GetTransactionByReference(ctx, "WDR-SENT")
	require.NoError(t, err)
	assert.Equal(t, StageSettled, sent.Stage)
	assert.Equal(t, "tr_sent", *sent.ExternalID)

	assert.Equal(t, int64(9000), balanceOf(t, f.db, u.ID))
	assertLedgerMatches(t, f.repo, u.ID)

	stuck, err := f.repo.StuckWithdrawals(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, stuck)
}

func TestReverseWithdrawalByTransfer_AfterSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := seedUser(t, f.db, "ada")
	deposit(t, f.repo, u.ID, 10000)
	w, err := f.repo.GetWallet(ctx, u.ID)
	require.NoError(t, err)

	row := &Transaction{UserID: u.ID, WalletID: w.ID, Amount: -2500, Reference: "WDR-LATE", Description: "withdrawal"}
	require.NoError(t, f.repo.ReserveWithdrawal(ctx, row))
	require.NoError(t, f.repo.MarkSubmitted(ctx, "WDR-LATE", "tr_late"))
	_, err = f.repo.SettleWithdrawal(ctx, "WDR-LATE")
	require.NoError(t, err)
	assert.Equal(t, int64(7500), balanceOf(t, f.db, u.ID))

	transfer := &payment.Transfer{ID: "tr_late", Reversed: true}
	require.NoError(t, f.service.ReverseWithdrawalByTransfer(ctx, transfer))
	require.NoError(t, f.service.ReverseWithdrawalByTransfer(ctx, transfer))

	assert.Equal(t, int64(10000), balanceOf(t, f.db, u.ID))
	assertLedgerMatches(t, f.repo, u.ID)
}

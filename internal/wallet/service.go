package wallet

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/zjoart/go-estate-crowdfund/internal/payment"
	"github.com/zjoart/go-estate-crowdfund/internal/project"
	"github.com/zjoart/go-estate-crowdfund/internal/user"
	"github.com/zjoart/go-estate-crowdfund/pkg/config"
	"github.com/zjoart/go-estate-crowdfund/pkg/id"
	"github.com/zjoart/go-estate-crowdfund/pkg/logger"
	"github.com/zjoart/go-estate-crowdfund/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// Service applies settlements to the ledger and coordinates them with the
// payment gateway.
type Service struct {
	Repo       Repository
	Projects   project.Repository
	Users      user.Repository
	Gateway    payment.Gateway
	Onboarding *payment.Onboarding
	Fees       payment.Fees
	Config     config.Config

	wallets singleflight.Group
}

func NewService(cfg config.Config, repo Repository, projects project.Repository, users user.Repository, gateway payment.Gateway, onboarding *payment.Onboarding) *Service {
	return &Service{
		Repo:       repo,
		Projects:   projects,
		Users:      users,
		Gateway:    gateway,
		Onboarding: onboarding,
		Fees:       payment.NewFees(cfg.Ledger),
		Config:     cfg,
	}
}

func (s *Service) currency() string {
	if s.Config.Stripe.Currency == "" {
		return defaultCurrency
	}
	return s.Config.Stripe.Currency
}

// EnsureWallet finds or creates the user's wallet. Concurrent calls for the
// same user in this process share one lookup.
func (s *Service) EnsureWallet(ctx context.Context, userID uuid.UUID) (*Wallet, error) {
	v, err, _ := s.wallets.Do(userID.String(), func() (interface{}, error) {
		return s.Repo.EnsureWallet(ctx, userID, s.currency())
	})
	if err != nil {
		return nil, err
	}
	w := *v.(*Wallet)
	return &w, nil
}

// Balance reports the cached wallet balance, zero when no wallet exists yet.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	w, err := s.Repo.GetWallet(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

type DepositSession struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
}

func (s *Service) InitiateDeposit(ctx context.Context, usr user.User, amount int64) (*DepositSession, error) {
	if amount < s.Config.Ledger.MinTransactionAmount {
		return nil, ErrInvalidAmount
	}

	w, err := s.EnsureWallet(ctx, usr.ID)
	if err != nil {
		return nil, err
	}

	ref := id.Reference("DEP")
	session, err := s.Gateway.CreateCheckoutSession(ctx, payment.CheckoutRequest{
		UserID:      usr.ID.String(),
		Email:       usr.Email,
		Amount:      amount,
		Currency:    s.currency(),
		Description: "Wallet Deposit",
		SuccessURL:  s.Config.App.Host + "/api/payments/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:   s.Config.App.FrontendURL + "/wallet?canceled=true",
		Reference:   ref,
	})
	if err != nil {
		return nil, err
	}

	sessionID := session.ID
	row := &Transaction{
		UserID:      usr.ID,
		WalletID:    w.ID,
		Type:        TypeDeposit,
		Amount:      amount,
		Status:      StatusPending,
		Reference:   ref,
		ExternalID:  &sessionID,
		Description: "Wallet deposit via card",
	}
	if err := s.Repo.CreateTransaction(ctx, row); err != nil {
		// settlement records the deposit itself when this row is missing
		logger.Error("Failed to record pending deposit", logger.Merge(logger.WithError(err), logger.Fields{
			logger.ReferenceKey: ref,
			logger.UserIdKey:    usr.ID,
			"session_id":        sessionID,
		}))
	}

	logger.Info("Deposit initiated", logger.Fields{
		logger.ReferenceKey: ref,
		logger.UserIdKey:    usr.ID,
		"amount":            amount,
		"session_id":        sessionID,
	})

	return &DepositSession{SessionID: sessionID, URL: session.URL, Reference: ref, Amount: amount}, nil
}

// SettleDeposit credits a paid session at most once no matter how many times
// the webhook and the success redirect report it.
func (s *Service) SettleDeposit(ctx context.Context, sessionID string, userID uuid.UUID, amount int64) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	row, applied, err := s.Repo.SettleDeposit(ctx, sessionID, userID, amount)
	metrics.RecordSettlement("deposit", err)
	if err != nil {
		logger.Error("Deposit settlement failed", logger.Merge(logger.WithError(err), logger.Fields{
			"session_id":     sessionID,
			logger.UserIdKey: userID,
			"amount":         amount,
		}))
		return nil, err
	}

	if applied {
		logger.Info("Deposit settled", logger.Fields{
			logger.ReferenceKey: row.Reference,
			logger.UserIdKey:    userID,
			"amount":            amount,
			"session_id":        sessionID,
		})
	} else {
		logger.Debug("Deposit already settled", logger.Fields{logger.ReferenceKey: row.Reference, "session_id": sessionID})
	}
	return row, nil
}

// SettleCheckout settles a checkout session reported by the gateway. Sessions
// that are unpaid or not wallet deposits are ignored.
func (s *Service) SettleCheckout(ctx context.Context, session *payment.CheckoutSession) (*Transaction, error) {
	if !session.Paid {
		return nil, ErrDepositNotPaid
	}
	if kind := session.Metadata["type"]; kind != "" && kind != "wallet_deposit" {
		return nil, nil
	}

	userID, err := uuid.Parse(session.Metadata["user_id"])
	if err != nil {
		return nil, fmt.Errorf("checkout %s: missing user: %w", session.ID, ErrInvalidRecipient)
	}

	amount := session.AmountTotal
	if amount == 0 {
		amount, _ = strconv.ParseInt(session.Metadata["amount"], 10, 64)
	}

	return s.SettleDeposit(ctx, session.ID, userID, amount)
}

// ConfirmCheckout is the success redirect path: the session is fetched from
// the gateway instead of trusting the query string.
func (s *Service) ConfirmCheckout(ctx context.Context, sessionID string) (*Transaction, error) {
	session, err := s.Gateway.RetrieveCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.SettleCheckout(ctx, session)
}

func (s *Service) FailDeposit(ctx context.Context, sessionID, reason string) error {
	failed, err := s.Repo.FailDeposit(ctx, sessionID, reason)
	if err != nil {
		return err
	}
	if failed {
		logger.Info("Deposit marked failed", logger.Fields{"session_id": sessionID, "reason": reason})
	}
	return nil
}

func (s *Service) Transactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, int64, error) {
	return s.Repo.ListTransactions(ctx, userID, limit, offset)
}

package project

import (
	"context"
	"errors"
	"fmt"

	"github.com/zjoart/go-estate-crowdfund/internal/payment"
	"github.com/zjoart/go-estate-crowdfund/internal/user"
	"github.com/zjoart/go-estate-crowdfund/pkg/logger"
	"github.com/zjoart/go-estate-crowdfund/pkg/metrics"
	"gorm.io/gorm"
)

var ErrCreatorNotPayable = errors.New("project creator not found or not setup for payments")

// Funding takes card payments that go straight to the creator's connected
// account, minus the platform fee.
type Funding struct {
	DB       *gorm.DB
	Repo     Repository
	Users    user.Repository
	Gateway  payment.Gateway
	Fees     payment.Fees
	Currency string
}

func NewFunding(db *gorm.DB, repo Repository, users user.Repository, gateway payment.Gateway, fees payment.Fees, currency string) *Funding {
	return &Funding{DB: db, Repo: repo, Users: users, Gateway: gateway, Fees: fees, Currency: currency}
}

type FundResult struct {
	PaymentID       string `json:"payment_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	ClientSecret    string `json:"client_secret"`
	Amount          int64  `json:"amount"`
	PlatformFee     int64  `json:"platform_fee"`
	CardFee         int64  `json:"card_fee"`
	CreatorNet      int64  `json:"creator_net"`
}

func (f *Funding) Fund(ctx context.Context, investorID, projectID string, amount int64, idempotencyKey string) (*FundResult, error) {
	p, err := f.Repo.FindByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusActive {
		return nil, ErrNotActive
	}
	if p.CurrentAmount+amount > p.TargetAmount {
		return nil, ErrExceedsTarget
	}

	creator, err := f.Users.FindByID(ctx, p.CreatorID.String())
	if errors.Is(err, user.ErrNotFound) {
		return nil, ErrCreatorNotPayable
	}
	if err != nil {
		return nil, err
	}
	if creator.ConnectAccountID() == "" {
		return nil, ErrCreatorNotPayable
	}

	investor, err := f.Users.FindByID(ctx, investorID)
	if err != nil {
		return nil, err
	}
	customerID, err := f.ensureCustomer(ctx, investor)
	if err != nil {
		return nil, err
	}

	platformFee := f.Fees.Platform(amount)
	cardFee := f.Fees.Card(amount)

	intent, err := f.Gateway.CreatePaymentIntent(ctx, payment.PaymentIntentRequest{
		Amount:         amount,
		Currency:       f.Currency,
		CustomerID:     customerID,
		Destination:    creator.ConnectAccountID(),
		ApplicationFee: platformFee,
		IdempotencyKey: idempotencyKey,
		Metadata: map[string]string{
			"type":        "project_funding",
			"project_id":  p.ID.String(),
			"investor_id": investor.ID.String(),
			"creator_id":  creator.ID.String(),
		},
	})
	if err != nil {
		return nil, err
	}

	intentID := intent.ID
	record := &Payment{
		ProjectID:       p.ID,
		InvestorID:      investor.ID,
		Amount:          amount,
		Status:          PaymentPending,
		PaymentIntentID: &intentID,
		Fee:             cardFee,
		PlatformFee:     platformFee,
		Metadata: Metadata{
			"project_title":  p.Name,
			"investor_email": investor.Email,
			"creator_email":  creator.Email,
		},
	}
	if err := f.Repo.CreatePayment(ctx, record); err != nil {
		logger.Error("CRITICAL: payment intent created without a payment record", logger.Merge(logger.WithError(err), logger.Fields{
			"payment_intent_id": intentID,
			"project_id":        p.ID,
			logger.UserIdKey:    investor.ID,
			"amount":            amount,
		}))
		return nil, fmt.Errorf("record project payment: %w", err)
	}

	logger.Info("Project payment initiated", logger.Fields{
		"payment_intent_id": intentID,
		"project_id":        p.ID,
		logger.UserIdKey:    investor.ID,
		"amount":            amount,
	})

	return &FundResult{
		PaymentID:       record.ID.String(),
		PaymentIntentID: intentID,
		ClientSecret:    intent.ClientSecret,
		Amount:          amount,
		PlatformFee:     platformFee,
		CardFee:         cardFee,
		CreatorNet:      f.Fees.CreatorNet(amount),
	}, nil
}

func (f *Funding) ensureCustomer(ctx context.Context, investor *user.User) (string, error) {
	if id := investor.CustomerID(); id != "" {
		return id, nil
	}
	id, err := f.Gateway.CreateCustomer(ctx, investor.ID.String(), investor.Email, investor.Name)
	if err != nil {
		return "", err
	}
	if err := f.Users.SetStripeCustomer(ctx, investor.ID.String(), id); err != nil {
		return "", fmt.Errorf("save customer id: %w", err)
	}
	return id, nil
}

// CompletePayment applies a succeeded payment intent to its project. A payment
// that no longer fits the project is refunded instead. Replays are no-ops.
func (f *Funding) CompletePayment(ctx context.Context, intent *payment.PaymentIntent) (err error) {
	defer func() { metrics.RecordSettlement("project_payment", err) }()

	return f.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := lockPayment(tx, intent.ID)
		if err != nil {
			return err
		}
		if p.Status != PaymentPending {
			logger.Info("Project payment already settled", logger.Fields{"payment_intent_id": intent.ID, "status": p.Status})
			return nil
		}

		completed, advErr := Advance(tx, p.ProjectID, p.Amount)
		switch {
		case advErr == nil:
			if err := tx.Model(p).Update("status", PaymentCompleted).Error; err != nil {
				return fmt.Errorf("complete project payment: %w", err)
			}
			logger.Info("Project payment completed", logger.Fields{
				"payment_intent_id": intent.ID,
				"project_id":        p.ProjectID,
				"amount":            p.Amount,
				"project_completed": completed,
			})
			return nil

		case errors.Is(advErr, ErrExceedsTarget), errors.Is(advErr, ErrNotActive):
			reason := advErr.Error()
			// the refund is keyed by intent id, so a rolled back attempt is safe to repeat
			if _, err := f.Gateway.CreateRefund(ctx, intent.ID, p.Amount, reason); err != nil {
				return fmt.Errorf("refund project payment: %w", err)
			}
			amount := p.Amount
			err := tx.Model(p).Updates(map[string]interface{}{
				"status":        PaymentRefunded,
				"refund_amount": amount,
				"refund_reason": reason,
			}).Error
			if err != nil {
				logger.Error("CRITICAL: refund issued but payment not marked refunded", logger.Merge(logger.WithError(err), logger.Fields{
					"payment_intent_id": intent.ID,
				}))
				return fmt.Errorf("mark project payment refunded: %w", err)
			}
			logger.Warn("Project payment refunded", logger.Fields{"payment_intent_id": intent.ID, "reason": reason})
			return nil

		default:
			return advErr
		}
	})
}

func (f *Funding) FailPayment(ctx context.Context, intent *payment.PaymentIntent) error {
	res := f.DB.WithContext(ctx).Model(&Payment{}).
		Where("payment_intent_id = ? AND status = ?", intent.ID, PaymentPending).
		Update("status", PaymentFailed)
	if res.Error != nil {
		return fmt.Errorf("fail project payment: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		logger.Warn("Project payment failed", logger.Fields{"payment_intent_id": intent.ID, "reason": intent.FailureMessage})
	}
	metrics.RecordSettlement("project_payment_failed", nil)
	return nil
}

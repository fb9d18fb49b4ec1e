package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/zjoart/go-estate-crowdfund/internal/payment"
	"github.com/zjoart/go-estate-crowdfund/internal/user"
	"github.com/zjoart/go-estate-crowdfund/pkg/id"
	"github.com/zjoart/go-estate-crowdfund/pkg/logger"
	"github.com/zjoart/go-estate-crowdfund/pkg/metrics"
)

const (
	payoutArrival    = 48 * time.Hour
	withdrawalPrefix = "WDR"
)

type WithdrawalStatus string

const (
	WithdrawalCompleted            WithdrawalStatus = "completed"
	WithdrawalPendingConfirmation  WithdrawalStatus = "pending_confirmation"
	WithdrawalOnboardingRequired   WithdrawalStatus = "onboarding_required"
	WithdrawalVerificationRequired WithdrawalStatus = "verification_required"
)

type WithdrawalResult struct {
	Status           WithdrawalStatus `json:"status"`
	Reference        string           `json:"reference,omitempty"`
	Amount           int64            `json:"amount,omitempty"`
	Fee              int64            `json:"fee,omitempty"`
	NetAmount        int64            `json:"net_amount,omitempty"`
	TransferID       string           `json:"transfer_id,omitempty"`
	EstimatedArrival *time.Time       `json:"estimated_arrival,omitempty"`
	OnboardingURL    string           `json:"onboarding_url,omitempty"`
	Balance          int64            `json:"balance"`
}

// RequestWithdrawal pays amount out to the user's connected account. The
// wallet is debited before the transfer is attempted; a rejected transfer
// credits it back and a transfer with an unknown outcome is left for the
// reconciler.
func (s *Service) RequestWithdrawal(ctx context.Context, usr user.User, amount int64) (*WithdrawalResult, error) {
	if amount < s.Config.Ledger.MinTransactionAmount {
		return nil, ErrInvalidAmount
	}

	w, err := s.Repo.GetWallet(ctx, usr.ID)
	if errors.Is(err, ErrWalletNotFound) {
		return nil, ErrInsufficientBalance
	}
	if err != nil {
		return nil, err
	}
	if w.Balance < amount {
		return nil, ErrInsufficientBalance
	}

	accountID := usr.ConnectAccountID()
	if accountID == "" {
		accountID, _, err = s.Onboarding.EnsureAccount(ctx, usr)
		if err != nil {
			return nil, err
		}
		url, err := s.Onboarding.Link(ctx, accountID, "/wallet")
		if err != nil {
			return nil, err
		}
		return &WithdrawalResult{Status: WithdrawalOnboardingRequired, OnboardingURL: url, Balance: w.Balance}, nil
	}

	account, err := s.Onboarding.Refresh(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.PayoutsEnabled {
		url, err := s.Onboarding.Link(ctx, accountID, "/wallet")
		if err != nil {
			return nil, err
		}
		return &WithdrawalResult{Status: WithdrawalVerificationRequired, OnboardingURL: url, Balance: w.Balance}, nil
	}

	fee := s.Fees.Payout(amount)
	row := &Transaction{
		UserID:      usr.ID,
		WalletID:    w.ID,
		Amount:      -amount,
		Fee:         fee,
		Reference:   id.Reference(withdrawalPrefix),
		Description: "Withdrawal to bank account",
	}
	if err := s.Repo.ReserveWithdrawal(ctx, row); err != nil {
		metrics.RecordSettlement("withdrawal", err)
		return nil, err
	}

	fields := logger.Fields{
		logger.ReferenceKey: row.Reference,
		logger.UserIdKey:    usr.ID,
		"amount":            amount,
		"fee":               fee,
	}
	logger.Info("Withdrawal reserved", logger.Merge(fields, logger.Fields{"stage": StageReserved}))

	result := &WithdrawalResult{
		Reference: row.Reference,
		Amount:    amount,
		Fee:       fee,
		NetAmount: amount - fee,
	}

	transfer, err := s.Gateway.CreateTransfer(ctx, payment.TransferRequest{
		Amount:      amount - fee,
		Currency:    s.currency(),
		Destination: accountID,
		Group:       row.Reference,
		Description: "Wallet withdrawal",
		Metadata: map[string]string{
			"user_id":   usr.ID.String(),
			"reference": row.Reference,
			"type":      "wallet_withdrawal",
		},
	})

	var gerr *payment.Error
	switch {
	case errors.As(err, &gerr):
		if _, rerr := s.Repo.ReverseWithdrawal(ctx, row.Reference, gerr.Message); rerr != nil {
			logger.Error("CRITICAL: transfer rejected but withdrawal not reversed", logger.Merge(fields, logger.WithError(rerr)))
		} else {
			logger.Warn("Withdrawal reversed", logger.Merge(fields, logger.Fields{"stage": StageReversed, "reason": gerr.Message}))
		}
		metrics.RecordSettlement("withdrawal", err)
		return nil, err
	case err != nil:
		logger.Error("Transfer outcome unknown, withdrawal left for reconciliation", logger.Merge(fields, logger.WithError(err)))
		metrics.RecordSettlement("withdrawal", err)
		result.Status = WithdrawalPendingConfirmation
		result.Balance = w.Balance - amount
		return result, nil
	}

	if err := s.Repo.MarkSubmitted(ctx, row.Reference, transfer.ID); err != nil {
		logger.Error("Failed to record transfer id", logger.Merge(fields, logger.WithError(err), logger.Fields{"transfer_id": transfer.ID}))
	}
	if _, err := s.Repo.SettleWithdrawal(ctx, row.Reference); err != nil {
		logger.Error("Failed to settle withdrawal", logger.Merge(fields, logger.WithError(err), logger.Fields{"transfer_id": transfer.ID}))
		result.Status = WithdrawalPendingConfirmation
	} else {
		result.Status = WithdrawalCompleted
		logger.Info("Withdrawal settled", logger.Merge(fields, logger.Fields{"stage": StageSettled, "transfer_id": transfer.ID}))
	}
	metrics.RecordSettlement("withdrawal", nil)

	arrival := time.Now().Add(payoutArrival)
	result.TransferID = transfer.ID
	result.EstimatedArrival = &arrival
	result.Balance = w.Balance - amount
	return result, nil
}

// ReconcileWithdrawals looks up the transfer for every withdrawal stuck in
// reserved or submitted for longer than olderThan and settles or reverses it.
func (s *Service) ReconcileWithdrawals(ctx context.Context, olderThan time.Duration) (settled, reversed int, err error) {
	rows, err := s.Repo.StuckWithdrawals(ctx, time.Now().Add(-olderThan), 100)
	if err != nil {
		return 0, 0, err
	}

	for _, row := range rows {
		fields := logger.Fields{logger.ReferenceKey: row.Reference, logger.UserIdKey: row.UserID, "stage": row.Stage}

		transfer, err := s.Gateway.FindTransferByGroup(ctx, row.Reference)
		switch {
		case errors.Is(err, payment.ErrTransferNotFound):
			if _, err := s.Repo.ReverseWithdrawal(ctx, row.Reference, "transfer was never created"); err != nil {
				logger.Error("Failed to reverse stuck withdrawal", logger.Merge(fields, logger.WithError(err)))
				continue
			}
			reversed++
			logger.Warn("Stuck withdrawal reversed", fields)
			continue
		case err != nil:
			logger.Error("Failed to look up transfer for stuck withdrawal", logger.Merge(fields, logger.WithError(err)))
			continue
		}

		if transfer.Reversed {
			if _, err := s.Repo.ReverseWithdrawal(ctx, row.Reference, "transfer reversed"); err != nil {
				logger.Error("Failed to reverse withdrawal", logger.Merge(fields, logger.WithError(err)))
				continue
			}
			reversed++
			continue
		}

		if row.Stage == StageReserved {
			if err := s.Repo.MarkSubmitted(ctx, row.Reference, transfer.ID); err != nil {
				logger.Error("Failed to record transfer id", logger.Merge(fields, logger.WithError(err)))
				continue
			}
		}
		ok, err := s.Repo.SettleWithdrawal(ctx, row.Reference)
		if err != nil {
			logger.Error("Failed to settle stuck withdrawal", logger.Merge(fields, logger.WithError(err)))
			continue
		}
		if ok {
			settled++
			logger.Info("Stuck withdrawal settled", logger.Merge(fields, logger.Fields{"transfer_id": transfer.ID}))
		}
	}

	return settled, reversed, nil
}

// ReverseWithdrawalByTransfer credits back a withdrawal whose transfer the
// processor reversed after it was settled.
func (s *Service) ReverseWithdrawalByTransfer(ctx context.Context, transfer *payment.Transfer) error {
	ref := transfer.Group
	if id.Prefix(ref) != withdrawalPrefix {
		ref = transfer.Metadata["reference"]
	}
	if ref == "" {
		row, err := s.Repo.GetTransactionByExternalID(ctx, transfer.ID)
		if err != nil {
			return err
		}
		ref = row.Reference
	}

	reversed, err := s.Repo.ReverseWithdrawal(ctx, ref, "transfer reversed")
	metrics.RecordSettlement("withdrawal_reversal", err)
	if err != nil {
		return err
	}
	if reversed {
		logger.Warn("Withdrawal reversed by processor", logger.Fields{
			logger.ReferenceKey: ref,
			"transfer_id":       transfer.ID,
			"stage":             StageReversed,
		})
	}
	return nil
}

package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zjoart/go-estate-crowdfund/internal/project"
	"github.com/zjoart/go-estate-crowdfund/internal/user"
	"github.com/zjoart/go-estate-crowdfund/pkg/logger"
	"github.com/zjoart/go-estate-crowdfund/pkg/metrics"
)

type InvestResult struct {
	Transaction      *Transaction    `json:"transaction"`
	Balance          int64           `json:"balance"`
	ProjectCompleted bool            `json:"project_completed"`
	ProjectStatus    project.Status  `json:"project_status"`
	Progress         decimal.Decimal `json:"progress"`
}

// Invest moves amount from the user's wallet into an active project. Checks
// run up front for clear errors and again under the database transaction for
// correctness.
func (s *Service) Invest(ctx context.Context, usr user.User, projectID string, amount int64) (*InvestResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	pid, err := uuid.Parse(projectID)
	if err != nil {
		return nil, project.ErrNotFound
	}

	p, err := s.Projects.FindByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.Status != project.StatusActive {
		return nil, project.ErrNotActive
	}
	if p.CurrentAmount+amount > p.TargetAmount {
		return nil, project.ErrExceedsTarget
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

	row, completed, err := s.Repo.Invest(ctx, usr.ID, pid, amount, "Investment in "+p.Name)
	metrics.RecordSettlement("investment", err)
	if err != nil {
		logger.Warn("Investment rejected", logger.Merge(logger.WithError(err), logger.Fields{
			logger.UserIdKey: usr.ID,
			"project_id":     projectID,
			"amount":         amount,
		}))
		return nil, err
	}

	logger.Info("Investment settled", logger.Fields{
		logger.ReferenceKey: row.Reference,
		logger.UserIdKey:    usr.ID,
		"project_id":        projectID,
		"amount":            amount,
		"project_completed": completed,
	})

	p.CurrentAmount += amount
	if completed {
		p.Status = project.StatusCompleted
	}
	return &InvestResult{
		Transaction:      row,
		Balance:          w.Balance - amount,
		ProjectCompleted: completed,
		ProjectStatus:    p.Status,
		Progress:         p.Progress(),
	}, nil
}

// DistributeDividends credits each recipient or nobody. Recipients are applied
// in id order so concurrent batches lock wallets in the same sequence.
func (s *Service) DistributeDividends(ctx context.Context, projectID string, amounts map[string]int64) ([]Transaction, error) {
	if len(amounts) == 0 {
		return nil, ErrNoRecipients
	}

	p, err := s.Projects.FindByID(ctx, projectID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(amounts))
	for id := range amounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	payouts := make([]Payout, 0, len(ids))
	for _, raw := range ids {
		uid, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a user id", ErrInvalidRecipient, raw)
		}
		amount := amounts[raw]
		if amount <= 0 {
			return nil, fmt.Errorf("%w: %s has non-positive amount %d", ErrInvalidRecipient, raw, amount)
		}
		payouts = append(payouts, Payout{UserID: uid, Amount: amount})
	}

	rows, err := s.Repo.DistributeDividends(ctx, p.ID, payouts, "Dividend from "+p.Name)
	metrics.RecordSettlement("dividend", err)
	if err != nil {
		logger.Warn("Dividend batch aborted", logger.Merge(logger.WithError(err), logger.Fields{
			"project_id": projectID,
			"recipients": len(payouts),
		}))
		return nil, err
	}

	var total int64
	for _, po := range payouts {
		total += po.Amount
	}
	logger.Info("Dividends distributed", logger.Fields{
		"project_id": projectID,
		"recipients": len(rows),
		"amount":     total,
	})
	return rows, nil
}

type DividendShare struct {
	UserID     uuid.UUID       `json:"user_id"`
	Invested   int64           `json:"invested"`
	Percentage decimal.Decimal `json:"percentage"`
	Amount     int64           `json:"amount"`
}

// PreviewDividends splits total across the project's investors pro rata to
// their completed stakes. Shares are floored to cents and the leftover cents go
// to the largest remainders, so the amounts always add up to total.
func (s *Service) PreviewDividends(ctx context.Context, projectID string, total int64) ([]DividendShare, error) {
	if total <= 0 {
		return nil, ErrInvalidAmount
	}

	p, err := s.Projects.FindByID(ctx, projectID)
	if err != nil {
		return nil, err
	}

	stakes, err := s.Repo.InvestmentStakes(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	card, err := s.Projects.Stakes(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for uid, amount := range card {
		stakes[uid] += amount
	}

	var invested int64
	for _, amount := range stakes {
		invested += amount
	}
	if len(stakes) == 0 || invested <= 0 {
		return nil, ErrNoRecipients
	}

	return splitProRata(stakes, invested, total), nil
}

func splitProRata(stakes map[uuid.UUID]int64, invested, total int64) []DividendShare {
	type part struct {
		share     DividendShare
		remainder decimal.Decimal
	}

	whole := decimal.NewFromInt(invested)
	pot := decimal.NewFromInt(total)
	hundred := decimal.NewFromInt(100)

	parts := make([]part, 0, len(stakes))
	var allocated int64
	for uid, amount := range stakes {
		exact := pot.Mul(decimal.NewFromInt(amount)).Div(whole)
		floor := exact.Floor()
		allocated += floor.IntPart()
		parts = append(parts, part{
			share: DividendShare{
				UserID:     uid,
				Invested:   amount,
				Percentage: decimal.NewFromInt(amount).Mul(hundred).Div(whole).Round(2),
				Amount:     floor.IntPart(),
			},
			remainder: exact.Sub(floor),
		})
	}

	sort.Slice(parts, func(i, j int) bool {
		if c := parts[i].remainder.Cmp(parts[j].remainder); c != 0 {
			return c > 0
		}
		return parts[i].share.UserID.String() < parts[j].share.UserID.String()
	})
	for i := 0; allocated < total; i = (i + 1) % len(parts) {
		parts[i].share.Amount++
		allocated++
	}

	out := make([]DividendShare, len(parts))
	for i, p := range parts {
		out[i] = p.share
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UserID.String() < out[j].UserID.String()
	})
	return out
}

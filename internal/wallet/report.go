package wallet

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zjoart/go-estate-crowdfund/pkg/logger"
	"github.com/zjoart/go-estate-crowdfund/pkg/metrics"
)

const analyticsMonths = 6

// RecomputeBalance replays the user's ledger into the cached wallet balance.
func (s *Service) RecomputeBalance(ctx context.Context, userID uuid.UUID) (*Drift, error) {
	d, err := s.Repo.RepairBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if d.Repaired {
		logger.Warn("Wallet balance repaired from ledger", logger.Fields{
			logger.UserIdKey: userID,
			"cached":         d.Cached,
			"ledger":         d.Ledger,
			"delta":          d.Delta(),
		})
	}
	return d, nil
}

type ReconcileReport struct {
	Drift    []Drift   `json:"drift"`
	Checked  time.Time `json:"checked_at"`
	Repaired int       `json:"repaired"`
	Failed   int       `json:"failed"`
}

// Reconcile compares every cached balance with its ledger. With fix set the
// drifted wallets are rewritten from the ledger.
func (s *Service) Reconcile(ctx context.Context, fix bool) (*ReconcileReport, error) {
	drift, err := s.Repo.FindDrift(ctx)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{Drift: drift, Checked: time.Now()}
	if drift == nil {
		report.Drift = []Drift{}
	}

	for i, d := range drift {
		logger.Warn("Wallet balance drift", logger.Fields{
			logger.UserIdKey: d.UserID,
			"cached":         d.Cached,
			"ledger":         d.Ledger,
			"delta":          d.Delta(),
		})
		if !fix {
			continue
		}
		repaired, err := s.RecomputeBalance(ctx, d.UserID)
		if err != nil {
			report.Failed++
			logger.Error("Failed to repair wallet balance", logger.Merge(logger.WithError(err), logger.Fields{logger.UserIdKey: d.UserID}))
			continue
		}
		report.Drift[i] = *repaired
		if repaired.Repaired {
			report.Repaired++
		}
	}

	metrics.DriftedWallets.Set(float64(len(drift) - report.Repaired))
	return report, nil
}

type Summary struct {
	Balance        int64     `json:"balance"`
	Currency       string    `json:"currency"`
	TotalDeposited int64     `json:"total_deposited"`
	TotalWithdrawn int64     `json:"total_withdrawn"`
	TotalInvested  int64     `json:"total_invested"`
	TotalReturns   int64     `json:"total_returns"`
	PendingAmount  int64     `json:"pending_amount"`
	ActiveProjects int64     `json:"active_projects"`
	LastUpdated    time.Time `json:"last_updated"`
}

func (s *Service) Summary(ctx context.Context, userID uuid.UUID) (*Summary, error) {
	w, err := s.EnsureWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	totals, err := s.Repo.Totals(ctx, userID)
	if err != nil {
		return nil, err
	}
	active, err := s.Repo.CountActiveProjects(ctx)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		Balance:        w.Balance,
		Currency:       w.Currency,
		ActiveProjects: active,
		LastUpdated:    w.LastUpdated,
	}
	for _, t := range totals {
		if t.Status == StatusPending {
			sum.PendingAmount += abs(t.Total)
			continue
		}
		if t.Status != StatusCompleted {
			continue
		}
		switch t.Type {
		case TypeDeposit:
			sum.TotalDeposited += t.Total
		case TypeWithdrawal:
			sum.TotalWithdrawn += abs(t.Total)
		case TypeInvestment:
			sum.TotalInvested += abs(t.Total)
		case TypeDividend:
			sum.TotalReturns += t.Total
		}
	}
	return sum, nil
}

type MonthlyStat struct {
	Month    string `json:"month"`
	Invested int64  `json:"invested"`
	Returns  int64  `json:"returns"`
}

type Distribution struct {
	Type       string          `json:"type"`
	Amount     int64           `json:"amount"`
	Percentage decimal.Decimal `json:"percentage"`
}

type Analytics struct {
	MonthlyStats           []MonthlyStat  `json:"monthly_stats"`
	InvestmentDistribution []Distribution `json:"investment_distribution"`
	TotalInvested          int64          `json:"total_invested"`
	TotalReturns           int64          `json:"total_returns"`
	Balance                int64          `json:"balance"`
}

// Analytics reports the last six calendar months of investment and dividend
// activity and how the user's investments split across project types.
func (s *Service) Analytics(ctx context.Context, userID uuid.UUID, now time.Time) (*Analytics, error) {
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}

	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	since := first.AddDate(0, -(analyticsMonths - 1), 0)

	txs, err := s.Repo.CompletedSince(ctx, userID, since, TypeInvestment, TypeDividend)
	if err != nil {
		return nil, err
	}

	stats := make([]MonthlyStat, analyticsMonths)
	index := make(map[string]int, analyticsMonths)
	for i := range stats {
		m := since.AddDate(0, i, 0)
		stats[i].Month = m.Format("Jan 2006")
		index[m.Format("2006-01")] = i
	}
	for _, t := range txs {
		i, ok := index[t.Date.In(now.Location()).Format("2006-01")]
		if !ok {
			continue
		}
		switch t.Type {
		case TypeInvestment:
			stats[i].Invested += abs(t.Amount)
		case TypeDividend:
			stats[i].Returns += t.Amount
		}
	}

	byType, err := s.Repo.InvestedByProjectType(ctx, userID)
	if err != nil {
		return nil, err
	}
	totals, err := s.Repo.Totals(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := &Analytics{
		MonthlyStats:           stats,
		InvestmentDistribution: distribution(byType),
		Balance:                balance,
	}
	for _, t := range totals {
		if t.Status != StatusCompleted {
			continue
		}
		switch t.Type {
		case TypeInvestment:
			out.TotalInvested += abs(t.Total)
		case TypeDividend:
			out.TotalReturns += t.Total
		}
	}
	return out, nil
}

func distribution(byType map[string]int64) []Distribution {
	var total int64
	for _, amount := range byType {
		total += amount
	}

	out := make([]Distribution, 0, len(byType))
	for kind, amount := range byType {
		pct := decimal.Zero
		if total > 0 {
			pct = decimal.NewFromInt(amount).Mul(decimal.NewFromInt(100)).Div(decimal.NewFromInt(total)).Round(0)
		}
		out = append(out, Distribution{Type: kind, Amount: amount, Percentage: pct})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount > out[j].Amount
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

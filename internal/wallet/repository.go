package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zjoart/go-estate-crowdfund/internal/project"
	"github.com/zjoart/go-estate-crowdfund/pkg/id"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultCurrency = "usd"

// heldOrCompleted selects the rows that count towards a wallet balance:
// completed rows plus withdrawals whose funds are reserved but not yet settled.
const heldOrCompleted = "(status = 'completed' OR (type = 'withdrawal' AND stage IN ('reserved', 'submitted')))"

type Payout struct {
	UserID uuid.UUID
	Amount int64
}

type TypeTotal struct {
	Type   TransactionType
	Status TransactionStatus
	Total  int64
}

type Repository interface {
	EnsureWallet(ctx context.Context, userID uuid.UUID, currency string) (*Wallet, error)
	GetWallet(ctx context.Context, userID uuid.UUID) (*Wallet, error)

	CreateTransaction(ctx context.Context, t *Transaction) error
	GetTransactionByReference(ctx context.Context, ref string) (*Transaction, error)
	GetTransactionByExternalID(ctx context.Context, externalID string) (*Transaction, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, int64, error)

	SettleDeposit(ctx context.Context, sessionID string, userID uuid.UUID, amount int64) (*Transaction, bool, error)
	FailDeposit(ctx context.Context, sessionID, reason string) (bool, error)

	ReserveWithdrawal(ctx context.Context, t *Transaction) error
	MarkSubmitted(ctx context.Context, ref, transferID string) error
	SettleWithdrawal(ctx context.Context, ref string) (bool, error)
	ReverseWithdrawal(ctx context.Context, ref, reason string) (bool, error)
	StuckWithdrawals(ctx context.Context, before time.Time, limit int) ([]Transaction, error)

	Invest(ctx context.Context, userID, projectID uuid.UUID, amount int64, description string) (*Transaction, bool, error)
	DistributeDividends(ctx context.Context, projectID uuid.UUID, payouts []Payout, description string) ([]Transaction, error)
	InvestmentStakes(ctx context.Context, projectID uuid.UUID) (map[uuid.UUID]int64, error)

	Totals(ctx context.Context, userID uuid.UUID) ([]TypeTotal, error)
	CompletedSince(ctx context.Context, userID uuid.UUID, since time.Time, types ...TransactionType) ([]Transaction, error)
	InvestedByProjectType(ctx context.Context, userID uuid.UUID) (map[string]int64, error)
	CountActiveProjects(ctx context.Context) (int64, error)

	LedgerBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	FindDrift(ctx context.Context) ([]Drift, error)
	RepairBalance(ctx context.Context, userID uuid.UUID) (*Drift, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) EnsureWallet(ctx context.Context, userID uuid.UUID, currency string) (*Wallet, error) {
	return ensureWallet(r.db.WithContext(ctx), userID, currency)
}

// ensureWallet creates the wallet on first use, seeding its balance from any
// ledger rows the user already has. Concurrent callers converge on one row.
func ensureWallet(db *gorm.DB, userID uuid.UUID, currency string) (*Wallet, error) {
	if w, err := findWallet(db, userID, false); err == nil {
		return w, nil
	} else if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	seed, err := ledgerBalance(db, userID)
	if err != nil {
		return nil, err
	}

	w := &Wallet{UserID: userID, Balance: seed, Currency: currency}
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(w).Error
	if err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}

	return findWallet(db, userID, false)
}

func findWallet(db *gorm.DB, userID uuid.UUID, lock bool) (*Wallet, error) {
	q := db
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var w Wallet
	err := q.Where("user_id = ?", userID).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find wallet: %w", err)
	}
	return &w, nil
}

func (r *repository) GetWallet(ctx context.Context, userID uuid.UUID) (*Wallet, error) {
	return findWallet(r.db.WithContext(ctx), userID, false)
}

func credit(tx *gorm.DB, walletID uuid.UUID, amount int64) error {
	res := tx.Model(&Wallet{}).Where("id = ?", walletID).Updates(map[string]interface{}{
		"balance":      gorm.Expr("balance + ?", amount),
		"last_updated": time.Now(),
	})
	if res.Error != nil {
		return fmt.Errorf("credit wallet: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func debit(tx *gorm.DB, walletID uuid.UUID, amount int64) error {
	res := tx.Model(&Wallet{}).Where("id = ? AND balance >= ?", walletID, amount).Updates(map[string]interface{}{
		"balance":      gorm.Expr("balance - ?", amount),
		"last_updated": time.Now(),
	})
	if res.Error != nil {
		return fmt.Errorf("debit wallet: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func (r *repository) CreateTransaction(ctx context.Context, t *Transaction) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *repository) GetTransactionByReference(ctx context.Context, ref string) (*Transaction, error) {
	return r.findTransaction(ctx, "reference = ?", ref)
}

func (r *repository) GetTransactionByExternalID(ctx context.Context, externalID string) (*Transaction, error) {
	return r.findTransaction(ctx, "external_id = ?", externalID)
}

func (r *repository) findTransaction(ctx context.Context, query string, arg interface{}) (*Transaction, error) {
	var t Transaction
	err := r.db.WithContext(ctx).Where(query, arg).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction: %w", err)
	}
	return &t, nil
}

func lockTransaction(tx *gorm.DB, query string, arg interface{}) (*Transaction, error) {
	var t Transaction
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(query, arg).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock transaction: %w", err)
	}
	return &t, nil
}

func (r *repository) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, int64, error) {
	var (
		txs   []Transaction
		total int64
	)

	q := r.db.WithContext(ctx).Model(&Transaction{}).Where("user_id = ?", userID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	err := q.Order("date desc").Limit(limit).Offset(offset).Find(&txs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	return txs, total, nil
}

// SettleDeposit credits a paid checkout session exactly once. The ledger row
// is found by session id and locked; a completed row makes this a no-op. A
// session with no pending row (started before the row was written) gets one.
func (r *repository) SettleDeposit(ctx context.Context, sessionID string, userID uuid.UUID, amount int64) (*Transaction, bool, error) {
	var (
		settled *Transaction
		applied bool
		created bool
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockTransaction(tx, "external_id = ?", sessionID)
		if errors.Is(err, ErrTransactionNotFound) {
			w, err := ensureWallet(tx, userID, defaultCurrency)
			if err != nil {
				return err
			}
			ext := sessionID
			row = &Transaction{
				UserID:      userID,
				WalletID:    w.ID,
				Type:        TypeDeposit,
				Amount:      amount,
				Status:      StatusCompleted,
				Reference:   id.Reference("DEP"),
				ExternalID:  &ext,
				Description: "Wallet deposit",
			}
			created = true
			if err := tx.Create(row).Error; err != nil {
				return fmt.Errorf("record deposit: %w", err)
			}
			if err := credit(tx, w.ID, amount); err != nil {
				return err
			}
			settled, applied = row, true
			return nil
		}
		if err != nil {
			return err
		}

		if row.Status == StatusCompleted {
			settled = row
			return nil
		}
		if row.Type != TypeDeposit || row.UserID != userID {
			return fmt.Errorf("session %s: %w", sessionID, ErrAmountMismatch)
		}

		if err := credit(tx, row.WalletID, amount); err != nil {
			return err
		}
		err = tx.Model(row).Updates(map[string]interface{}{
			"status":         StatusCompleted,
			"amount":         amount,
			"failure_reason": "",
			"date":           time.Now(),
		}).Error
		if err != nil {
			return fmt.Errorf("complete deposit: %w", err)
		}

		row.Status, row.Amount = StatusCompleted, amount
		settled, applied = row, true
		return nil
	})
	if err != nil && created {
		// a concurrent settlement of the same session committed its row first
		existing, lerr := r.GetTransactionByExternalID(ctx, sessionID)
		if lerr == nil && existing.Status == StatusCompleted && existing.UserID == userID {
			return existing, false, nil
		}
	}
	if err != nil {
		return nil, false, err
	}
	return settled, applied, nil
}

func (r *repository) FailDeposit(ctx context.Context, sessionID, reason string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Transaction{}).
		Where("external_id = ? AND type = ? AND status = ?", sessionID, TypeDeposit, StatusPending).
		Updates(map[string]interface{}{"status": StatusFailed, "failure_reason": reason})
	if res.Error != nil {
		return false, fmt.Errorf("fail deposit: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ReserveWithdrawal debits the wallet and records the withdrawal in stage
// reserved, both or neither.
func (r *repository) ReserveWithdrawal(ctx context.Context, t *Transaction) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := debit(tx, t.WalletID, -t.Amount); err != nil {
			return err
		}
		t.Type = TypeWithdrawal
		t.Status = StatusPending
		t.Stage = StageReserved
		if err := tx.Create(t).Error; err != nil {
			return fmt.Errorf("record withdrawal: %w", err)
		}
		return nil
	})
}

func (r *repository) MarkSubmitted(ctx context.Context, ref, transferID string) error {
	res := r.db.WithContext(ctx).Model(&Transaction{}).
		Where("reference = ? AND stage = ?", ref, StageReserved).
		Updates(map[string]interface{}{"stage": StageSubmitted, "external_id": transferID})
	if res.Error != nil {
		return fmt.Errorf("mark withdrawal submitted: %w", res.Error)
	}
	return nil
}

func (r *repository) SettleWithdrawal(ctx context.Context, ref string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Transaction{}).
		Where("reference = ? AND type = ? AND stage IN ?", ref, TypeWithdrawal, []Stage{StageReserved, StageSubmitted}).
		Updates(map[string]interface{}{"stage": StageSettled, "status": StatusCompleted})
	if res.Error != nil {
		return false, fmt.Errorf("settle withdrawal: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ReverseWithdrawal returns the reserved funds to the wallet. It also undoes a
// settled withdrawal whose transfer the processor reversed later.
func (r *repository) ReverseWithdrawal(ctx context.Context, ref, reason string) (bool, error) {
	reversed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockTransaction(tx, "reference = ?", ref)
		if err != nil {
			return err
		}
		if row.Type != TypeWithdrawal || row.Stage == StageReversed {
			return nil
		}

		if err := credit(tx, row.WalletID, -row.Amount); err != nil {
			return err
		}
		err = tx.Model(row).Updates(map[string]interface{}{
			"stage":          StageReversed,
			"status":         StatusFailed,
			"failure_reason": reason,
		}).Error
		if err != nil {
			return fmt.Errorf("reverse withdrawal: %w", err)
		}
		reversed = true
		return nil
	})
	return reversed, err
}

func (r *repository) StuckWithdrawals(ctx context.Context, before time.Time, limit int) ([]Transaction, error) {
	var txs []Transaction
	err := r.db.WithContext(ctx).
		Where("type = ? AND stage IN ? AND updated_at < ?", TypeWithdrawal, []Stage{StageReserved, StageSubmitted}, before).
		Order("updated_at asc").
		Limit(limit).
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("stuck withdrawals: %w", err)
	}
	return txs, nil
}

// Invest moves amount from the wallet into the project in one database
// transaction. The project is advanced first so a full or closed project is
// reported ahead of the wallet state.
func (r *repository) Invest(ctx context.Context, userID, projectID uuid.UUID, amount int64, description string) (*Transaction, bool, error) {
	var (
		row       *Transaction
		completed bool
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		completed, err = project.Advance(tx, projectID, amount)
		if err != nil {
			return err
		}

		w, err := findWallet(tx, userID, true)
		if err != nil {
			return err
		}
		if err := debit(tx, w.ID, amount); err != nil {
			return err
		}

		pid := projectID
		row = &Transaction{
			UserID:      userID,
			WalletID:    w.ID,
			ProjectID:   &pid,
			Type:        TypeInvestment,
			Amount:      -amount,
			Status:      StatusCompleted,
			Reference:   id.Reference("INV"),
			Description: description,
		}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("record investment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return row, completed, nil
}

// DistributeDividends credits every payout or none of them.
func (r *repository) DistributeDividends(ctx context.Context, projectID uuid.UUID, payouts []Payout, description string) ([]Transaction, error) {
	rows := make([]Transaction, 0, len(payouts))

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range payouts {
			w, err := findWallet(tx, p.UserID, true)
			if errors.Is(err, ErrWalletNotFound) {
				return fmt.Errorf("%w: %s has no wallet", ErrInvalidRecipient, p.UserID)
			}
			if err != nil {
				return err
			}

			if err := credit(tx, w.ID, p.Amount); err != nil {
				return err
			}

			pid := projectID
			row := Transaction{
				UserID:      p.UserID,
				WalletID:    w.ID,
				ProjectID:   &pid,
				Type:        TypeDividend,
				Amount:      p.Amount,
				Status:      StatusCompleted,
				Reference:   id.Reference("DIV"),
				Description: description,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("record dividend: %w", err)
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) InvestmentStakes(ctx context.Context, projectID uuid.UUID) (map[uuid.UUID]int64, error) {
	var rows []struct {
		UserID uuid.UUID
		Total  int64
	}
	err := r.db.WithContext(ctx).Model(&Transaction{}).
		Select("user_id, SUM(-amount) AS total").
		Where("project_id = ? AND type = ? AND status = ?", projectID, TypeInvestment, StatusCompleted).
		Group("user_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("investment stakes: %w", err)
	}

	stakes := make(map[uuid.UUID]int64, len(rows))
	for _, row := range rows {
		stakes[row.UserID] += row.Total
	}
	return stakes, nil
}

func (r *repository) Totals(ctx context.Context, userID uuid.UUID) ([]TypeTotal, error) {
	var totals []TypeTotal
	err := r.db.WithContext(ctx).Model(&Transaction{}).
		Select("type, status, SUM(amount) AS total").
		Where("user_id = ?", userID).
		Group("type, status").
		Scan(&totals).Error
	if err != nil {
		return nil, fmt.Errorf("transaction totals: %w", err)
	}
	return totals, nil
}

func (r *repository) CompletedSince(ctx context.Context, userID uuid.UUID, since time.Time, types ...TransactionType) ([]Transaction, error) {
	var txs []Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND type IN ? AND date >= ?", userID, StatusCompleted, types, since).
		Order("date asc").
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("completed transactions: %w", err)
	}
	return txs, nil
}

func (r *repository) InvestedByProjectType(ctx context.Context, userID uuid.UUID) (map[string]int64, error) {
	var rows []struct {
		Type  *string
		Total int64
	}
	err := r.db.WithContext(ctx).Table("transactions AS t").
		Select("p.type AS type, SUM(-t.amount) AS total").
		Joins("LEFT JOIN projects AS p ON p.id = t.project_id").
		Where("t.user_id = ? AND t.type = ? AND t.status = ?", userID, TypeInvestment, StatusCompleted).
		Group("p.type").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("investment distribution: %w", err)
	}

	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		kind := "Other"
		if row.Type != nil && *row.Type != "" {
			kind = *row.Type
		}
		out[kind] += row.Total
	}
	return out, nil
}

func (r *repository) CountActiveProjects(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&project.Project{}).Where("status = ?", project.StatusActive).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count active projects: %w", err)
	}
	return n, nil
}

func (r *repository) LedgerBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return ledgerBalance(r.db.WithContext(ctx), userID)
}

func ledgerBalance(db *gorm.DB, userID uuid.UUID) (int64, error) {
	var sum int64
	err := db.Model(&Transaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ? AND "+heldOrCompleted, userID).
		Scan(&sum).Error
	if err != nil {
		return 0, fmt.Errorf("ledger balance: %w", err)
	}
	return sum, nil
}

// FindDrift lists wallets whose cached balance differs from the ledger.
func (r *repository) FindDrift(ctx context.Context) ([]Drift, error) {
	var rows []struct {
		WalletID uuid.UUID
		UserID   uuid.UUID
		Cached   int64
		Ledger   int64
	}
	err := r.db.WithContext(ctx).Raw(`
		SELECT w.id AS wallet_id, w.user_id AS user_id, w.balance AS cached,
			COALESCE((SELECT SUM(t.amount) FROM transactions t
				WHERE t.user_id = w.user_id AND (t.status = 'completed'
					OR (t.type = 'withdrawal' AND t.stage IN ('reserved', 'submitted')))), 0) AS ledger
		FROM wallets w`).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("find drift: %w", err)
	}

	now := time.Now()
	var drift []Drift
	for _, row := range rows {
		if row.Cached == row.Ledger {
			continue
		}
		drift = append(drift, Drift{
			UserID:    row.UserID,
			WalletID:  row.WalletID,
			Cached:    row.Cached,
			Ledger:    row.Ledger,
			CheckedAt: now,
		})
	}
	return drift, nil
}

// RepairBalance rewrites the cached balance from the ledger under a row lock.
func (r *repository) RepairBalance(ctx context.Context, userID uuid.UUID) (*Drift, error) {
	var d *Drift
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := findWallet(tx, userID, true)
		if err != nil {
			return err
		}
		sum, err := ledgerBalance(tx, userID)
		if err != nil {
			return err
		}

		d = &Drift{UserID: userID, WalletID: w.ID, Cached: w.Balance, Ledger: sum, CheckedAt: time.Now()}
		if sum == w.Balance {
			return nil
		}

		err = tx.Model(&Wallet{}).Where("id = ?", w.ID).Updates(map[string]interface{}{
			"balance":      sum,
			"last_updated": time.Now(),
		}).Error
		if err != nil {
			return fmt.Errorf("repair balance: %w", err)
		}
		d.Repaired = true
		return nil
	})
	return d, err
}

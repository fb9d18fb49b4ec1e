package project

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound        = errors.New("project not found")
	ErrNotActive       = errors.New("project is not accepting investments")
	ErrExceedsTarget   = errors.New("investment would exceed target amount")
	ErrPaymentNotFound = errors.New("project payment not found")
)

type Repository interface {
	Create(ctx context.Context, p *Project) error
	FindByID(ctx context.Context, id string) (*Project, error)
	ListActive(ctx context.Context, limit, offset int) ([]Project, int64, error)
	ListByCreator(ctx context.Context, creatorID string) ([]Project, error)
	Cancel(ctx context.Context, id string) error

	CreatePayment(ctx context.Context, p *Payment) error
	FindPaymentByIntent(ctx context.Context, intentID string) (*Payment, error)
	Stakes(ctx context.Context, projectID string) (map[uuid.UUID]int64, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, p *Project) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *repository) FindByID(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find project: %w", err)
	}
	return &p, nil
}

func (r *repository) ListActive(ctx context.Context, limit, offset int) ([]Project, int64, error) {
	var (
		projects []Project
		total    int64
	)

	q := r.db.WithContext(ctx).Model(&Project{}).Where("status = ?", StatusActive)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count projects: %w", err)
	}

	err := q.Order("created_at desc").Limit(limit).Offset(offset).Find(&projects).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list projects: %w", err)
	}
	return projects, total, nil
}

func (r *repository) ListByCreator(ctx context.Context, creatorID string) ([]Project, error) {
	var projects []Project
	err := r.db.WithContext(ctx).Where("creator_id = ?", creatorID).Order("created_at desc").Find(&projects).Error
	if err != nil {
		return nil, fmt.Errorf("list creator projects: %w", err)
	}
	return projects, nil
}

func (r *repository) Cancel(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&Project{}).
		Where("id = ? AND status = ?", id, StatusActive).
		Update("status", StatusCancelled)
	if res.Error != nil {
		return fmt.Errorf("cancel project: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.FindByID(ctx, id); err != nil {
			return err
		}
		return ErrNotActive
	}
	return nil
}

func (r *repository) CreatePayment(ctx context.Context, p *Payment) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *repository) FindPaymentByIntent(ctx context.Context, intentID string) (*Payment, error) {
	var p Payment
	err := r.db.WithContext(ctx).Where("payment_intent_id = ?", intentID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find project payment: %w", err)
	}
	return &p, nil
}

// Stakes sums completed card payments per investor. Wallet investments are
// added by the ledger.
func (r *repository) Stakes(ctx context.Context, projectID string) (map[uuid.UUID]int64, error) {
	var rows []struct {
		InvestorID uuid.UUID
		Total      int64
	}
	err := r.db.WithContext(ctx).Model(&Payment{}).
		Select("investor_id, SUM(amount) AS total").
		Where("project_id = ? AND status = ?", projectID, PaymentCompleted).
		Group("investor_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("project stakes: %w", err)
	}

	stakes := make(map[uuid.UUID]int64, len(rows))
	for _, row := range rows {
		stakes[row.InvestorID] += row.Total
	}
	return stakes, nil
}

// Advance adds amount to the project's raised total inside tx. The update only
// applies while the project is active and stays within target, so concurrent
// investments can never overshoot. It reports whether the target was reached.
func Advance(tx *gorm.DB, projectID uuid.UUID, amount int64) (bool, error) {
	res := tx.Model(&Project{}).
		Where("id = ? AND status = ? AND current_amount + ? <= target_amount", projectID, StatusActive, amount).
		Update("current_amount", gorm.Expr("current_amount + ?", amount))
	if res.Error != nil {
		return false, fmt.Errorf("advance project: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		var p Project
		err := tx.Select("id", "status").Where("id = ?", projectID).First(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrNotFound
		}
		if err != nil {
			return false, fmt.Errorf("advance project: %w", err)
		}
		if p.Status != StatusActive {
			return false, ErrNotActive
		}
		return false, ErrExceedsTarget
	}

	res = tx.Model(&Project{}).
		Where("id = ? AND status = ? AND current_amount >= target_amount", projectID, StatusActive).
		Update("status", StatusCompleted)
	if res.Error != nil {
		return false, fmt.Errorf("complete project: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// lockPayment loads a payment for update inside tx.
func lockPayment(tx *gorm.DB, intentID string) (*Payment, error) {
	var p Payment
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("payment_intent_id = ?", intentID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock project payment: %w", err)
	}
	return &p, nil
}

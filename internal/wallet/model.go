package wallet

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Wallet.Balance caches the sum of the user's completed ledger rows. It is
// only ever written in the same database transaction as the row that moves it.
type Wallet struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID      uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"user_id"`
	Balance     int64     `gorm:"not null;default:0" json:"balance"`
	Currency    string    `gorm:"not null;default:usd" json:"currency"`
	LastUpdated time.Time `json:"last_updated"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (w *Wallet) BeforeCreate(tx *gorm.DB) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.LastUpdated.IsZero() {
		w.LastUpdated = time.Now()
	}
	return nil
}

type TransactionType string

const (
	TypeDeposit    TransactionType = "deposit"
	TypeWithdrawal TransactionType = "withdrawal"
	TypeInvestment TransactionType = "investment"
	TypeDividend   TransactionType = "dividend"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// Stage tracks a withdrawal through the payout processor.
//
//	reserved -> submitted -> settled
//	    \           \
//	     +-----------+----> reversed
type Stage string

const (
	StageNone      Stage = ""
	StageReserved  Stage = "reserved"
	StageSubmitted Stage = "submitted"
	StageSettled   Stage = "settled"
	StageReversed  Stage = "reversed"
)

func (s Stage) Terminal() bool {
	return s == StageSettled || s == StageReversed
}

// Transaction is one ledger row. Amount is signed: inflows positive,
// outflows negative.
type Transaction struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	UserID        uuid.UUID         `gorm:"type:uuid;not null;index" json:"user_id"`
	WalletID      uuid.UUID         `gorm:"type:uuid;not null" json:"wallet_id"`
	ProjectID     *uuid.UUID        `gorm:"type:uuid" json:"project_id,omitempty"`
	Type          TransactionType   `gorm:"not null" json:"type"`
	Amount        int64             `gorm:"not null" json:"amount"`
	Fee           int64             `gorm:"not null;default:0" json:"fee"`
	Status        TransactionStatus `gorm:"not null;default:pending" json:"status"`
	Stage         Stage             `gorm:"not null" json:"stage,omitempty"`
	Reference     string            `gorm:"uniqueIndex;not null" json:"reference"`
	ExternalID    *string           `gorm:"uniqueIndex" json:"external_id,omitempty"`
	Description   string            `gorm:"not null" json:"description"`
	FailureReason string            `gorm:"not null" json:"failure_reason,omitempty"`
	Date          time.Time         `gorm:"not null" json:"date"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func (t *Transaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Date.IsZero() {
		t.Date = time.Now()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	return nil
}

// Drift is a wallet whose cached balance disagrees with its ledger.
type Drift struct {
	UserID    uuid.UUID `json:"user_id"`
	WalletID  uuid.UUID `json:"wallet_id"`
	Cached    int64     `json:"cached"`
	Ledger    int64     `json:"ledger"`
	Repaired  bool      `json:"repaired"`
	CheckedAt time.Time `json:"checked_at"`
}

func (d Drift) Delta() int64 {
	return d.Ledger - d.Cached
}

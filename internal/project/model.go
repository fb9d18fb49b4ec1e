package project

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Type string

const (
	TypeResidential Type = "Residential"
	TypeCommercial  Type = "Commercial"
	TypeIndustrial  Type = "Industrial"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Project is a fundraising target. CurrentAmount never exceeds TargetAmount.
type Project struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	Name          string          `gorm:"not null" json:"name"`
	Type          Type            `gorm:"not null" json:"type"`
	Location      string          `gorm:"not null" json:"location"`
	TargetAmount  int64           `gorm:"not null" json:"target_amount"`
	CurrentAmount int64           `gorm:"not null;default:0" json:"current_amount"`
	ReturnRate    decimal.Decimal `gorm:"type:numeric(6,2);not null" json:"return_rate"`
	Duration      string          `gorm:"not null" json:"duration"`
	Status        Status          `gorm:"not null;default:active;index" json:"status"`
	Description   string          `gorm:"not null" json:"description"`
	CreatorID     uuid.UUID       `gorm:"type:uuid;not null" json:"creator_id"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = StatusActive
	}
	return nil
}

func (p Project) Remaining() int64 {
	return p.TargetAmount - p.CurrentAmount
}

// Progress is the funded share in percent, rounded down to two places.
func (p Project) Progress() decimal.Decimal {
	if p.TargetAmount == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(p.CurrentAmount).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(p.TargetAmount)).
		Truncate(2)
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Metadata) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported type %T", src)
	}
	return json.Unmarshal(raw, (*map[string]string)(m))
}

// Payment is a card payment made straight to a creator's connected account.
type Payment struct {
	ID              uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID       uuid.UUID     `gorm:"type:uuid;not null;index" json:"project_id"`
	InvestorID      uuid.UUID     `gorm:"type:uuid;not null;index" json:"investor_id"`
	Amount          int64         `gorm:"not null" json:"amount"`
	Status          PaymentStatus `gorm:"not null;default:pending" json:"status"`
	PaymentIntentID *string       `gorm:"uniqueIndex" json:"payment_intent_id,omitempty"`
	TransferID      *string       `json:"transfer_id,omitempty"`
	Fee             int64         `gorm:"not null;default:0" json:"fee"`
	PlatformFee     int64         `gorm:"not null;default:0" json:"platform_fee"`
	RefundAmount    *int64        `json:"refund_amount,omitempty"`
	RefundReason    *string       `json:"refund_reason,omitempty"`
	Metadata        Metadata      `gorm:"type:jsonb;not null" json:"metadata"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

func (Payment) TableName() string {
	return "project_payments"
}

func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = PaymentPending
	}
	if p.Metadata == nil {
		p.Metadata = Metadata{}
	}
	return nil
}

package user

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Role string

const (
	RoleUser    Role = "user"
	RoleAdmin   Role = "admin"
	RoleCreator Role = "creator"
)

type KYCStatus string

const (
	KYCPending  KYCStatus = "pending"
	KYCVerified KYCStatus = "verified"
	KYCRejected KYCStatus = "rejected"
)

type ConnectStatus string

const (
	ConnectPending    ConnectStatus = "pending"
	ConnectVerified   ConnectStatus = "verified"
	ConnectRestricted ConnectStatus = "restricted"
	ConnectRejected   ConnectStatus = "rejected"
)

type IdentityVerification struct {
	DocumentType   string     `json:"document_type"`
	DocumentNumber string     `json:"document_number"`
	Status         string     `json:"status"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
}

type AddressVerification struct {
	ResidentialStatus string     `json:"residential_status"`
	Document          string     `json:"document"`
	Status            string     `json:"status"`
	SubmittedAt       *time.Time `json:"submitted_at,omitempty"`
}

// Documents holds "type:url" references, stored as a JSON array.
type Documents []string

func (d Documents) Value() (driver.Value, error) {
	if d == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(d))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (d *Documents) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d = Documents{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("documents: unsupported type %T", src)
	}
	return json.Unmarshal(raw, (*[]string)(d))
}

type User struct {
	ID                uuid.UUID            `gorm:"type:uuid;primaryKey" json:"id"`
	Name              string               `gorm:"not null" json:"name"`
	Email             string               `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash      string               `json:"-"`
	GoogleID          *string              `gorm:"uniqueIndex" json:"-"`
	Role              Role                 `gorm:"not null;default:user" json:"role"`
	Phone             string               `json:"phone"`
	Address           string               `json:"address"`
	EmploymentDetails string               `json:"employment_details"`
	OfficeAddress     string               `json:"office_address"`
	Country           string               `json:"country"`
	CitizenshipNumber string               `json:"citizenship_number,omitempty"`
	PassportNumber    string               `json:"passport_number,omitempty"`
	OnboardingStep    int                  `gorm:"not null;default:0" json:"onboarding_step"`
	OnboardingDone    bool                 `gorm:"column:onboarding_completed;not null;default:false" json:"onboarding_completed"`
	KYCStatus         KYCStatus            `gorm:"column:kyc_status;not null;default:pending" json:"kyc_status"`
	EmailVerified     bool                 `gorm:"not null;default:false" json:"email_verified"`
	Identity          IdentityVerification `gorm:"embedded;embeddedPrefix:identity_" json:"identity_verification"`
	AddressCheck      AddressVerification  `gorm:"embedded;embeddedPrefix:address_" json:"address_verification"`
	Documents         Documents            `gorm:"type:jsonb;not null" json:"documents"`

	StripeCustomerID         *string       `gorm:"uniqueIndex" json:"-"`
	StripeConnectAccountID   *string       `gorm:"uniqueIndex" json:"stripe_connect_account_id,omitempty"`
	StripeConnectStatus      ConnectStatus `gorm:"column:stripe_connect_account_status;not null;default:pending" json:"stripe_connect_account_status"`
	StripeOnboardingComplete bool          `gorm:"column:stripe_connect_onboarding_complete" json:"stripe_connect_onboarding_complete"`
	StripePayoutsEnabled     bool          `gorm:"column:stripe_connect_payouts_enabled" json:"stripe_connect_payouts_enabled"`

	MemberSince time.Time `json:"member_since"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.MemberSince.IsZero() {
		u.MemberSince = time.Now()
	}
	if u.Role == "" {
		u.Role = RoleUser
	}
	if u.KYCStatus == "" {
		u.KYCStatus = KYCPending
	}
	if u.StripeConnectStatus == "" {
		u.StripeConnectStatus = ConnectPending
	}
	if u.Documents == nil {
		u.Documents = Documents{}
	}
	return nil
}

func (u User) ConnectAccountID() string {
	if u.StripeConnectAccountID == nil {
		return ""
	}
	return *u.StripeConnectAccountID
}

func (u User) CustomerID() string {
	if u.StripeCustomerID == nil {
		return ""
	}
	return *u.StripeCustomerID
}

func (u User) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if u.Role == r {
			return true
		}
	}
	return false
}

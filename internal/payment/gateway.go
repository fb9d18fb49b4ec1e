package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zjoart/go-estate-crowdfund/internal/user"
	"github.com/zjoart/go-estate-crowdfund/pkg/events"
)

var ErrTransferNotFound = errors.New("transfer not found")

// Error is a failure reported by the payment processor. Message is safe to
// show to the caller.
type Error struct {
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Gateway is the payment processor as the ledger sees it. Amounts are in
// minor units.
type Gateway interface {
	CreateCustomer(ctx context.Context, userID, email, name string) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	RetrieveCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
	FindTransferByGroup(ctx context.Context, group string) (*Transfer, error)
	RetrieveTransfer(ctx context.Context, id string) (*Transfer, error)
	CreateConnectedAccount(ctx context.Context, userID, email, country string) (string, error)
	CreateAccountLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error)
	RetrieveAccount(ctx context.Context, id string) (*Account, error)
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error)
	CreateRefund(ctx context.Context, paymentIntentID string, amount int64, reason string) (string, error)
	ParseWebhook(payload []byte, sigHeader string) (*events.WebhookEvent, error)
}

type CheckoutRequest struct {
	UserID      string
	Email       string
	Amount      int64
	Currency    string
	Description string
	SuccessURL  string
	CancelURL   string
	Reference   string
}

type CheckoutSession struct {
	ID          string
	URL         string
	Paid        bool
	Status      string
	AmountTotal int64
	Metadata    map[string]string
}

type TransferRequest struct {
	Amount      int64
	Currency    string
	Destination string
	Group       string
	Description string
	Metadata    map[string]string
}

type Transfer struct {
	ID             string
	Amount         int64
	Group          string
	Reversed       bool
	AmountReversed int64
	Metadata       map[string]string
}

type Account struct {
	ID               string
	DetailsSubmitted bool
	ChargesEnabled   bool
	PayoutsEnabled   bool
	DisabledReason   string
}

// ConnectStatus maps the processor's view of a connected account onto the
// status stored on the user.
func (a Account) ConnectStatus() user.ConnectStatus {
	switch {
	case strings.HasPrefix(a.DisabledReason, "rejected"):
		return user.ConnectRejected
	case a.DetailsSubmitted && a.PayoutsEnabled:
		return user.ConnectVerified
	case a.DetailsSubmitted:
		return user.ConnectRestricted
	default:
		return user.ConnectPending
	}
}

type PaymentIntentRequest struct {
	Amount         int64
	Currency       string
	CustomerID     string
	Destination    string
	ApplicationFee int64
	Metadata       map[string]string
	IdempotencyKey string
}

type PaymentIntent struct {
	ID             string
	ClientSecret   string
	Status         string
	Amount         int64
	Metadata       map[string]string
	FailureMessage string
}

package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/zjoart/go-estate-crowdfund/pkg/config"
	"github.com/zjoart/go-estate-crowdfund/pkg/events"
	"github.com/zjoart/go-estate-crowdfund/pkg/metrics"
)

// Stripe implements Gateway on top of the stripe v1 API.
type Stripe struct {
	client        *stripe.Client
	webhookSecret string
	siteURL       string
}

func NewStripe(cfg config.Config) *Stripe {
	return &Stripe{
		client:        stripe.NewClient(cfg.Stripe.SecretKey),
		webhookSecret: cfg.Stripe.WebhookSecret,
		siteURL:       cfg.App.FrontendURL,
	}
}

// gatewayError returns *Error only for a definitive rejection. Any other
// failure, 5xx, 409 and 429 included, leaves the outcome unknown.
func gatewayError(op string, err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) && rejected(serr.HTTPStatusCode) {
		msg := serr.Msg
		if msg == "" {
			msg = string(serr.Code)
		}
		return &Error{Op: op, Message: msg, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func rejected(status int) bool {
	switch status {
	case http.StatusConflict, http.StatusTooManyRequests:
		return false
	}
	return status >= 400 && status < 500
}

func (s *Stripe) CreateCustomer(ctx context.Context, userID, email, name string) (string, error) {
	defer metrics.ObserveGateway("create_customer", time.Now())

	params := &stripe.CustomerCreateParams{
		Email: stripe.String(email),
		Name:  stripe.String(name),
	}
	params.AddMetadata("user_id", userID)
	params.SetIdempotencyKey("customer-" + userID)

	customer, err := s.client.V1Customers.Create(ctx, params)
	if err != nil {
		return "", gatewayError("create customer", err)
	}
	return customer.ID, nil
}

func (s *Stripe) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	defer metrics.ObserveGateway("create_checkout_session", time.Now())

	metadata := map[string]string{
		"user_id":   req.UserID,
		"amount":    fmt.Sprintf("%d", req.Amount),
		"reference": req.Reference,
		"type":      "wallet_deposit",
	}

	params := &stripe.CheckoutSessionCreateParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:         stripe.String(req.SuccessURL),
		CancelURL:          stripe.String(req.CancelURL),
		ClientReferenceID:  stripe.String(req.UserID),
		Metadata:           metadata,
		PaymentIntentData: &stripe.CheckoutSessionCreatePaymentIntentDataParams{
			Metadata: metadata,
		},
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{{
			PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
				Currency: stripe.String(req.Currency),
				ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description)},
				UnitAmount: stripe.Int64(req.Amount),
			},
			Quantity: stripe.Int64(1),
		}},
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.SetIdempotencyKey(req.Reference)

	session, err := s.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return nil, gatewayError("create checkout session", err)
	}
	return toCheckoutSession(session), nil
}

func (s *Stripe) RetrieveCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	defer metrics.ObserveGateway("retrieve_checkout_session", time.Now())

	session, err := s.client.V1CheckoutSessions.Retrieve(ctx, id, nil)
	if err != nil {
		return nil, gatewayError("retrieve checkout session", err)
	}
	return toCheckoutSession(session), nil
}

// CreateTransfer uses the group as idempotency key, so a retried call for the
// same ledger reference never moves money twice.
func (s *Stripe) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	defer metrics.ObserveGateway("create_transfer", time.Now())

	params := &stripe.TransferCreateParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		Destination:   stripe.String(req.Destination),
		Description:   stripe.String(req.Description),
		TransferGroup: stripe.String(req.Group),
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.SetIdempotencyKey("transfer-" + req.Group)

	transfer, err := s.client.V1Transfers.Create(ctx, params)
	if err != nil {
		return nil, gatewayError("create transfer", err)
	}
	return toTransfer(transfer), nil
}

func (s *Stripe) FindTransferByGroup(ctx context.Context, group string) (*Transfer, error) {
	defer metrics.ObserveGateway("list_transfers", time.Now())

	params := &stripe.TransferListParams{TransferGroup: stripe.String(group)}
	for transfer, err := range s.client.V1Transfers.List(ctx, params) {
		if err != nil {
			return nil, gatewayError("list transfers", err)
		}
		return toTransfer(transfer), nil
	}
	return nil, ErrTransferNotFound
}

func (s *Stripe) RetrieveTransfer(ctx context.Context, id string) (*Transfer, error) {
	defer metrics.ObserveGateway("retrieve_transfer", time.Now())

	transfer, err := s.client.V1Transfers.Retrieve(ctx, id, nil)
	if err != nil {
		return nil, gatewayError("retrieve transfer", err)
	}
	return toTransfer(transfer), nil
}

func (s *Stripe) CreateConnectedAccount(ctx context.Context, userID, email, country string) (string, error) {
	defer metrics.ObserveGateway("create_account", time.Now())

	params := &stripe.AccountCreateParams{
		Type:         stripe.String(string(stripe.AccountTypeExpress)),
		Country:      stripe.String(country),
		Email:        stripe.String(email),
		BusinessType: stripe.String("individual"),
		BusinessProfile: &stripe.AccountCreateBusinessProfileParams{
			MCC:                stripe.String("5734"),
			URL:                stripe.String(s.siteURL),
			ProductDescription: stripe.String("Real estate crowdfunding payouts"),
		},
		Capabilities: &stripe.AccountCreateCapabilitiesParams{
			CardPayments: &stripe.AccountCreateCapabilitiesCardPaymentsParams{
				Requested: stripe.Bool(true),
			},
			Transfers: &stripe.AccountCreateCapabilitiesTransfersParams{
				Requested: stripe.Bool(true),
			},
		},
	}
	params.AddMetadata("user_id", userID)
	params.SetIdempotencyKey("account-" + userID)

	account, err := s.client.V1Accounts.Create(ctx, params)
	if err != nil {
		return "", gatewayError("create connected account", err)
	}
	return account.ID, nil
}

func (s *Stripe) CreateAccountLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error) {
	defer metrics.ObserveGateway("create_account_link", time.Now())

	link, err := s.client.V1AccountLinks.Create(ctx, &stripe.AccountLinkCreateParams{
		Account:    stripe.String(accountID),
		RefreshURL: stripe.String(refreshURL),
		ReturnURL:  stripe.String(returnURL),
		Type:       stripe.String("account_onboarding"),
	})
	if err != nil {
		return "", gatewayError("create account link", err)
	}
	return link.URL, nil
}

func (s *Stripe) RetrieveAccount(ctx context.Context, id string) (*Account, error) {
	defer metrics.ObserveGateway("retrieve_account", time.Now())

	account, err := s.client.V1Accounts.GetByID(ctx, id, nil)
	if err != nil {
		return nil, gatewayError("retrieve account", err)
	}
	return toAccount(account), nil
}

func (s *Stripe) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error) {
	defer metrics.ObserveGateway("create_payment_intent", time.Now())

	params := &stripe.PaymentIntentCreateParams{
		Amount:               stripe.Int64(req.Amount),
		Currency:             stripe.String(req.Currency),
		Customer:             stripe.String(req.CustomerID),
		PaymentMethodTypes:   stripe.StringSlice([]string{"card"}),
		ApplicationFeeAmount: stripe.Int64(req.ApplicationFee),
		TransferData: &stripe.PaymentIntentCreateTransferDataParams{
			Destination: stripe.String(req.Destination),
		},
		Metadata: req.Metadata,
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	intent, err := s.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return nil, gatewayError("create payment intent", err)
	}
	return toPaymentIntent(intent), nil
}

func (s *Stripe) CreateRefund(ctx context.Context, paymentIntentID string, amount int64, reason string) (string, error) {
	defer metrics.ObserveGateway("create_refund", time.Now())

	params := &stripe.RefundCreateParams{
		PaymentIntent:        stripe.String(paymentIntentID),
		Amount:               stripe.Int64(amount),
		Reason:               stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
		ReverseTransfer:      stripe.Bool(true),
		RefundApplicationFee: stripe.Bool(true),
	}
	params.AddMetadata("reason", reason)
	params.SetIdempotencyKey("refund-" + paymentIntentID)

	refund, err := s.client.V1Refunds.Create(ctx, params)
	if err != nil {
		return "", gatewayError("create refund", err)
	}
	return refund.ID, nil
}

// ParseWebhook verifies the signature header and unwraps the event. Events
// from a different API version are accepted since only stable fields are read.
func (s *Stripe) ParseWebhook(payload []byte, sigHeader string) (*events.WebhookEvent, error) {
	return parseWebhook(payload, sigHeader, s.webhookSecret)
}

func parseWebhook(payload []byte, sigHeader, secret string) (*events.WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("verify webhook: %w", err)
	}

	var object json.RawMessage
	if event.Data != nil {
		object = event.Data.Raw
	}

	return &events.WebhookEvent{
		ID:         event.ID,
		Type:       string(event.Type),
		Account:    event.Account,
		Object:     object,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

func DecodeCheckoutSession(raw json.RawMessage) (*CheckoutSession, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	return toCheckoutSession(&session), nil
}

func DecodePaymentIntent(raw json.RawMessage) (*PaymentIntent, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}
	return toPaymentIntent(&intent), nil
}

func DecodeTransfer(raw json.RawMessage) (*Transfer, error) {
	var transfer stripe.Transfer
	if err := json.Unmarshal(raw, &transfer); err != nil {
		return nil, fmt.Errorf("decode transfer: %w", err)
	}
	return toTransfer(&transfer), nil
}

func DecodeAccount(raw json.RawMessage) (*Account, error) {
	var account stripe.Account
	if err := json.Unmarshal(raw, &account); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	return toAccount(&account), nil
}

func toCheckoutSession(s *stripe.CheckoutSession) *CheckoutSession {
	return &CheckoutSession{
		ID:          s.ID,
		URL:         s.URL,
		Paid:        s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		Status:      string(s.Status),
		AmountTotal: s.AmountTotal,
		Metadata:    s.Metadata,
	}
}

func toTransfer(t *stripe.Transfer) *Transfer {
	return &Transfer{
		ID:             t.ID,
		Amount:         t.Amount,
		Group:          t.TransferGroup,
		Reversed:       t.Reversed,
		AmountReversed: t.AmountReversed,
		Metadata:       t.Metadata,
	}
}

func toAccount(a *stripe.Account) *Account {
	out := &Account{
		ID:               a.ID,
		DetailsSubmitted: a.DetailsSubmitted,
		ChargesEnabled:   a.ChargesEnabled,
		PayoutsEnabled:   a.PayoutsEnabled,
	}
	if a.Requirements != nil {
		out.DisabledReason = string(a.Requirements.DisabledReason)
	}
	return out
}

func toPaymentIntent(pi *stripe.PaymentIntent) *PaymentIntent {
	out := &PaymentIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
		Amount:       pi.Amount,
		Metadata:     pi.Metadata,
	}
	if pi.LastPaymentError != nil {
		out.FailureMessage = pi.LastPaymentError.Msg
	}
	return out
}

// Package paymenttest provides a testify mock of payment.Gateway.
package paymenttest

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/zjoart/go-estate-crowdfund/internal/payment"
	"github.com/zjoart/go-estate-crowdfund/pkg/events"
)

type Gateway struct {
	mock.Mock
}

func (m *Gateway) CreateCustomer(ctx context.Context, userID, email, name string) (string, error) {
	args := m.Called(ctx, userID, email, name)
	return args.String(0), args.Error(1)
}

func (m *Gateway) CreateCheckoutSession(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.CheckoutSession), args.Error(1)
}

func (m *Gateway) RetrieveCheckoutSession(ctx context.Context, id string) (*payment.CheckoutSession, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.CheckoutSession), args.Error(1)
}

func (m *Gateway) CreateTransfer(ctx context.Context, req payment.TransferRequest) (*payment.Transfer, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Transfer), args.Error(1)
}

func (m *Gateway) FindTransferByGroup(ctx context.Context, group string) (*payment.Transfer, error) {
	args := m.Called(ctx, group)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Transfer), args.Error(1)
}

func (m *Gateway) RetrieveTransfer(ctx context.Context, id string) (*payment.Transfer, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Transfer), args.Error(1)
}

func (m *Gateway) CreateConnectedAccount(ctx context.Context, userID, email, country string) (string, error) {
	args := m.Called(ctx, userID, email, country)
	return args.String(0), args.Error(1)
}

func (m *Gateway) CreateAccountLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error) {
	args := m.Called(ctx, accountID, refreshURL, returnURL)
	return args.String(0), args.Error(1)
}

func (m *Gateway) RetrieveAccount(ctx context.Context, id string) (*payment.Account, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Account), args.Error(1)
}

func (m *Gateway) CreatePaymentIntent(ctx context.Context, req payment.PaymentIntentRequest) (*payment.PaymentIntent, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.PaymentIntent), args.Error(1)
}

func (m *Gateway) CreateRefund(ctx context.Context, paymentIntentID string, amount int64, reason string) (string, error) {
	args := m.Called(ctx, paymentIntentID, amount, reason)
	return args.String(0), args.Error(1)
}

func (m *Gateway) ParseWebhook(payload []byte, sigHeader string) (*events.WebhookEvent, error) {
	args := m.Called(payload, sigHeader)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*events.WebhookEvent), args.Error(1)
}

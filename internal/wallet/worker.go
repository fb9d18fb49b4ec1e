package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/zjoart/go-estate-crowdfund/internal/payment"
	"github.com/zjoart/go-estate-crowdfund/internal/project"
	"github.com/zjoart/go-estate-crowdfund/pkg/events"
	"github.com/zjoart/go-estate-crowdfund/pkg/logger"
)

const (
	maxRetries   = 3
	popTimeout   = 5 * time.Second
	retryBackoff = time.Second
)

var errUnhandledEvent = errors.New("unhandled event type")

type WebhookWorker struct {
	Service     *Service
	Funding     *project.Funding
	RedisClient *events.RedisClient
	Backoff     time.Duration
	PollTimeout time.Duration

	wg sync.WaitGroup
}

func NewWebhookWorker(service *Service, funding *project.Funding, redisClient *events.RedisClient) *WebhookWorker {
	return &WebhookWorker{
		Service:     service,
		Funding:     funding,
		RedisClient: redisClient,
		Backoff:     retryBackoff,
		PollTimeout: popTimeout,
	}
}

// Start consumes the queue until ctx is cancelled.
func (w *WebhookWorker) Start(ctx context.Context) {
	logger.Info("Starting webhook worker...")
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.processEvents(ctx)
	}()
}

// Wait blocks until the worker has finished the event it was handling.
func (w *WebhookWorker) Wait() {
	w.wg.Wait()
}

func (w *WebhookWorker) processEvents(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			logger.Info("Webhook worker stopped")
			return
		}

		data, err := w.RedisClient.PopEvent(ctx, w.PollTimeout)
		if err != nil {
			if !events.IsEmpty(err) && ctx.Err() == nil {
				logger.Error("WebhookWorker: Failed to pop event", logger.WithError(err))
				time.Sleep(w.Backoff)
			}
			continue
		}

		w.handle(context.WithoutCancel(ctx), data)
	}
}

func (w *WebhookWorker) handle(ctx context.Context, data []byte) {
	var event events.WebhookEvent
	if err := json.Unmarshal(data, &event); err != nil {
		logger.Error("WebhookWorker: Failed to unmarshal event", logger.Fields{"error": err.Error(), "data": string(data)})
		w.moveToDLQ(ctx, data)
		return
	}
	w.handleEvent(ctx, event, data)
}

func (w *WebhookWorker) handleEvent(ctx context.Context, event events.WebhookEvent, rawData []byte) {
	fields := logger.Fields{"event_id": event.ID, "event": event.Type}

	for i := 0; i < maxRetries; i++ {
		err := w.dispatch(ctx, event)
		if errors.Is(err, errUnhandledEvent) {
			logger.Debug("WebhookWorker: Ignoring event type", fields)
			return
		}
		if err == nil {
			logger.Info("WebhookWorker: Successfully processed event", fields)
			return
		}

		logger.Warn("WebhookWorker: Failed to process event, retrying", logger.Merge(fields, logger.Fields{
			"attempt": i + 1,
			"error":   err.Error(),
		}))
		time.Sleep(time.Duration(i+1) * w.Backoff)
	}

	logger.Error("WebhookWorker: Max retries exhausted, moving to DLQ", fields)
	w.moveToDLQ(ctx, rawData)

	// a redelivery from the processor gets another chance
	if err := w.RedisClient.Release(ctx, eventClaimKey(event.ID)); err != nil {
		logger.Error("WebhookWorker: Failed to release event claim", logger.Merge(fields, logger.WithError(err)))
	}
}

func (w *WebhookWorker) dispatch(ctx context.Context, event events.WebhookEvent) error {
	switch event.Type {
	case "checkout.session.completed":
		session, err := payment.DecodeCheckoutSession(event.Object)
		if err != nil {
			return err
		}
		_, err = w.Service.SettleCheckout(ctx, session)
		if errors.Is(err, ErrDepositNotPaid) {
			logger.Info("Checkout completed without payment, waiting for async result", logger.Fields{"session_id": session.ID})
			return nil
		}
		return err

	case "checkout.session.async_payment_succeeded":
		session, err := payment.DecodeCheckoutSession(event.Object)
		if err != nil {
			return err
		}
		_, err = w.Service.SettleCheckout(ctx, session)
		return err

	case "checkout.session.expired", "checkout.session.async_payment_failed":
		session, err := payment.DecodeCheckoutSession(event.Object)
		if err != nil {
			return err
		}
		return w.Service.FailDeposit(ctx, session.ID, "checkout session "+session.Status)

	case "payment_intent.succeeded":
		intent, err := payment.DecodePaymentIntent(event.Object)
		if err != nil {
			return err
		}
		if intent.Metadata["type"] != "project_funding" {
			return nil
		}
		return w.Funding.CompletePayment(ctx, intent)

	case "payment_intent.payment_failed":
		intent, err := payment.DecodePaymentIntent(event.Object)
		if err != nil {
			return err
		}
		if intent.Metadata["type"] != "project_funding" {
			return nil
		}
		return w.Funding.FailPayment(ctx, intent)

	case "transfer.reversed":
		transfer, err := payment.DecodeTransfer(event.Object)
		if err != nil {
			return err
		}
		if transfer.Metadata["type"] != "" && transfer.Metadata["type"] != "wallet_withdrawal" {
			return nil
		}
		return w.Service.ReverseWithdrawalByTransfer(ctx, transfer)

	case "account.updated":
		account, err := payment.DecodeAccount(event.Object)
		if err != nil {
			return err
		}
		return w.Service.Onboarding.Sync(ctx, account)
	}

	return errUnhandledEvent
}

func (w *WebhookWorker) moveToDLQ(ctx context.Context, data []byte) {
	if err := w.RedisClient.PushToDLQ(ctx, data); err != nil {
		logger.Error("Worker: Failed to push to DLQ", logger.Fields{"error": err.Error()})
	}
}

// ReconcileWorker periodically resolves stuck withdrawals and measures balance
// drift. It never repairs balances on its own.
type ReconcileWorker struct {
	Service  *Service
	Interval time.Duration
	StuckAge time.Duration
}

func NewReconcileWorker(service *Service) *ReconcileWorker {
	return &ReconcileWorker{
		Service:  service,
		Interval: service.Config.Ledger.ReconcileInterval,
		StuckAge: service.Config.Ledger.StuckWithdrawalAfter,
	}
}

func (w *ReconcileWorker) Start(ctx context.Context) {
	logger.Info("Starting reconcile worker...", logger.Fields{"interval": w.Interval.String()})
	go func() {
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
}

func (w *ReconcileWorker) RunOnce(ctx context.Context) {
	settled, reversed, err := w.Service.ReconcileWithdrawals(ctx, w.StuckAge)
	if err != nil {
		logger.Error("Reconcile: Failed to scan stuck withdrawals", logger.WithError(err))
	} else if settled+reversed > 0 {
		logger.Info("Reconcile: Stuck withdrawals resolved", logger.Fields{"settled": settled, "reversed": reversed})
	}

	report, err := w.Service.Reconcile(ctx, false)
	if err != nil {
		logger.Error("Reconcile: Failed to check balances", logger.WithError(err))
		return
	}
	if len(report.Drift) > 0 {
		logger.Warn("Reconcile: Wallets drifted from ledger", logger.Fields{"wallets": len(report.Drift)})
	}
}

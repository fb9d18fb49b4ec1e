package wallet

import (
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/zjoart/go-estate-crowdfund/pkg/events"
	"github.com/zjoart/go-estate-crowdfund/pkg/logger"
	"github.com/zjoart/go-estate-crowdfund/pkg/utils"
)

const (
	maxWebhookBody  = 65536
	webhookClaimTTL = 72 * time.Hour
)

// WebhookHandler accepts gateway callbacks. Events are verified and queued;
// WebhookWorker applies them.
type WebhookHandler struct {
	Service     *Service
	RedisClient *events.RedisClient
}

func NewWebhookHandler(service *Service, redisClient *events.RedisClient) *WebhookHandler {
	return &WebhookHandler{Service: service, RedisClient: redisClient}
}

func eventClaimKey(id string) string {
	return "webhook:event:" + id
}

func (h *WebhookHandler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		logger.Error("Webhook: Failed to read body", logger.WithError(err))
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid payload", nil)
		return
	}

	event, err := h.Service.Gateway.ParseWebhook(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		logger.Warn("Webhook: Signature verification failed", logger.Merge(logger.WithError(err), logger.Fields{"remote_addr": r.RemoteAddr}))
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid signature", nil)
		return
	}

	fields := logger.Fields{"event_id": event.ID, "event": event.Type}

	claimed, err := h.RedisClient.Claim(r.Context(), eventClaimKey(event.ID), webhookClaimTTL)
	if err != nil {
		logger.Error("Webhook: Failed to claim event", logger.Merge(fields, logger.WithError(err)))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to queue event", nil)
		return
	}
	if !claimed {
		logger.Info("Webhook: Duplicate event ignored", fields)
		utils.BuildSuccessResponse(w, http.StatusOK, "Event already received", nil)
		return
	}

	if err := h.RedisClient.PublishEvent(r.Context(), *event); err != nil {
		logger.Error("Webhook: Failed to queue event", logger.Merge(fields, logger.WithError(err)))
		if rerr := h.RedisClient.Release(r.Context(), eventClaimKey(event.ID)); rerr != nil {
			logger.Error("Webhook: Failed to release event claim", logger.Merge(fields, logger.WithError(rerr)))
		}
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to queue event", nil)
		return
	}

	logger.Info("Webhook: Event queued", fields)
	utils.BuildSuccessResponse(w, http.StatusOK, "Event received", nil)
}

// PaymentSuccess is the checkout return URL. It settles the session the same
// way the webhook does and sends the browser back to the wallet page.
func (h *WebhookHandler) PaymentSuccess(w http.ResponseWriter, r *http.Request) {
	target := h.Service.Config.App.FrontendURL + "/wallet"

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Redirect(w, r, target+"?error="+url.QueryEscape("missing_session"), http.StatusSeeOther)
		return
	}

	row, err := h.Service.ConfirmCheckout(r.Context(), sessionID)
	if err != nil {
		logger.Warn("Checkout confirmation failed", logger.Merge(logger.WithError(err), logger.Fields{"session_id": sessionID}))
		http.Redirect(w, r, target+"?error="+url.QueryEscape("payment_failed"), http.StatusSeeOther)
		return
	}

	q := url.Values{"success": {"true"}}
	if row != nil {
		q.Set("reference", row.Reference)
	}
	http.Redirect(w, r, target+"?"+q.Encode(), http.StatusSeeOther)
}

package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/zjoart/go-estate-crowdfund/internal/user"
	"github.com/zjoart/go-estate-crowdfund/pkg/config"
	"github.com/zjoart/go-estate-crowdfund/pkg/logger"
	"github.com/zjoart/go-estate-crowdfund/pkg/utils"
)

// Onboarding manages the connected accounts that receive payouts.
type Onboarding struct {
	Gateway        Gateway
	Users          user.Repository
	FrontendURL    string
	DefaultCountry string
}

func NewOnboarding(cfg config.Config, gateway Gateway, users user.Repository) *Onboarding {
	return &Onboarding{
		Gateway:        gateway,
		Users:          users,
		FrontendURL:    cfg.App.FrontendURL,
		DefaultCountry: cfg.Stripe.ConnectCountry,
	}
}

// EnsureAccount returns the user's connected account, creating one when
// missing. created reports whether a new account was opened.
func (o *Onboarding) EnsureAccount(ctx context.Context, usr user.User) (accountID string, created bool, err error) {
	if id := usr.ConnectAccountID(); id != "" {
		return id, false, nil
	}

	country := usr.Country
	if len(country) != 2 {
		country = o.DefaultCountry
	}

	accountID, err = o.Gateway.CreateConnectedAccount(ctx, usr.ID.String(), usr.Email, country)
	if err != nil {
		return "", false, err
	}

	if err := o.Users.SetConnectAccount(ctx, usr.ID.String(), accountID); err != nil {
		logger.Error("CRITICAL: connected account created but not linked to user", logger.Merge(logger.WithError(err), logger.Fields{
			logger.UserIdKey: usr.ID,
			"account_id":     accountID,
		}))
		return "", false, fmt.Errorf("link connected account: %w", err)
	}

	logger.Info("Connected account created", logger.Fields{logger.UserIdKey: usr.ID, "account_id": accountID})
	return accountID, true, nil
}

// Link creates an onboarding link that returns the user to path on the frontend.
func (o *Onboarding) Link(ctx context.Context, accountID, path string) (string, error) {
	return o.Gateway.CreateAccountLink(ctx, accountID,
		o.FrontendURL+path+"?error=true",
		o.FrontendURL+path+"?success=true",
	)
}

// Refresh pulls the account state from the gateway into the user record.
func (o *Onboarding) Refresh(ctx context.Context, accountID string) (*Account, error) {
	account, err := o.Gateway.RetrieveAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := o.Sync(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

func (o *Onboarding) Sync(ctx context.Context, account *Account) error {
	err := o.Users.SetConnectStatus(ctx, account.ID, account.ConnectStatus(), account.DetailsSubmitted, account.PayoutsEnabled)
	if err != nil {
		return fmt.Errorf("sync connected account %s: %w", account.ID, err)
	}
	return nil
}

type ConnectHandler struct {
	Onboarding *Onboarding
}

func NewConnectHandler(onboarding *Onboarding) *ConnectHandler {
	return &ConnectHandler{Onboarding: onboarding}
}

func (h *ConnectHandler) StartOnboarding(w http.ResponseWriter, r *http.Request) {
	usr := r.Context().Value(utils.UserKey).(user.User)

	accountID, created, err := h.Onboarding.EnsureAccount(r.Context(), usr)
	if err != nil {
		WriteError(w, err, "Failed to create connected account")
		return
	}

	url, err := h.Onboarding.Link(r.Context(), accountID, "/creator/onboarding")
	if err != nil {
		WriteError(w, err, "Failed to create onboarding link")
		return
	}

	message := "Onboarding link created"
	if created {
		message = "Connected account created"
	}
	utils.BuildSuccessResponse(w, http.StatusOK, message, map[string]interface{}{
		"account_id": accountID,
		"url":        url,
	})
}

func (h *ConnectHandler) GetOnboardingStatus(w http.ResponseWriter, r *http.Request) {
	usr := r.Context().Value(utils.UserKey).(user.User)

	accountID := usr.ConnectAccountID()
	if accountID == "" {
		utils.BuildErrorResponse(w, http.StatusNotFound, "No connected account found", nil)
		return
	}

	account, err := h.Onboarding.Refresh(r.Context(), accountID)
	if err != nil {
		WriteError(w, err, "Failed to retrieve connected account")
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Connected account retrieved", map[string]interface{}{
		"account_id":          account.ID,
		"status":              account.ConnectStatus(),
		"details_submitted":   account.DetailsSubmitted,
		"charges_enabled":     account.ChargesEnabled,
		"payouts_enabled":     account.PayoutsEnabled,
		"onboarding_complete": account.DetailsSubmitted,
	})
}

// WriteError renders a gateway failure with the processor's message and hides
// anything else behind msg.
func WriteError(w http.ResponseWriter, err error, msg string) {
	var gerr *Error
	if errors.As(err, &gerr) {
		logger.Warn(msg, logger.Fields{"op": gerr.Op, "gateway_message": gerr.Message})
		utils.BuildErrorResponse(w, http.StatusBadRequest, gerr.Message, nil)
		return
	}
	if errors.Is(err, user.ErrNotFound) {
		utils.BuildErrorResponse(w, http.StatusNotFound, "User not found", nil)
		return
	}
	logger.Error(msg, logger.WithError(err))
	utils.BuildErrorResponse(w, http.StatusInternalServerError, msg, nil)
}

package wallet

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/zjoart/go-estate-crowdfund/internal/project"
	"github.com/zjoart/go-estate-crowdfund/internal/user"
	"github.com/zjoart/go-estate-crowdfund/pkg/utils"
)

type Handler struct {
	Service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{Service: service}
}

type AmountRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

type InvestRequest struct {
	ProjectID string `json:"project_id"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
}

type DividendRequest struct {
	Payouts map[string]int64 `json:"payouts" validate:"required"`
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	usr := r.Context().Value(utils.UserKey).(user.User)

	wallet, err := h.Service.EnsureWallet(r.Context(), usr.ID)
	if err != nil {
		writeError(w, err, "Failed to fetch wallet")
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Wallet Details", wallet)
}

func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	usr := r.Context().Value(utils.UserKey).(user.User)

	summary, err := h.Service.Summary(r.Context(), usr.ID)
	if err != nil {
		writeError(w, err, "Failed to fetch wallet summary")
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Wallet Summary", summary)
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	usr := r.Context().Value(utils.UserKey).(user.User)
	page := utils.GetPagination(r)

	txs, total, err := h.Service.Transactions(r.Context(), usr.ID, page.Limit, page.Offset)
	if err != nil {
		writeError(w, err, "Failed to fetch transactions")
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Transaction History", map[string]interface{}{
		"transactions": txs,
		"meta":         page.Meta(total),
	})
}

func (h *Handler) WalletDeposit(w http.ResponseWriter, r *http.Request) {
	usr := r.Context().Value(utils.UserKey).(user.User)

	var req AmountRequest
	if status, err := utils.DecodeAndValidate(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, err.Error(), nil)
		return
	}

	session, err := h.Service.InitiateDeposit(r.Context(), usr, req.Amount)
	if err != nil {
		writeError(w, err, "Failed to create checkout session")
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Deposit initialized", session)
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	usr := r.Context().Value(utils.UserKey).(user.User)

	var req AmountRequest
	if status, err := utils.DecodeAndValidate(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, err.Error(), nil)
		return
	}

	result, err := h.Service.RequestWithdrawal(r.Context(), usr, req.Amount)
	if err != nil {
		writeError(w, err, "Failed to process withdrawal")
		return
	}

	switch result.Status {
	case WithdrawalOnboardingRequired:
		utils.BuildSuccessResponse(w, http.StatusOK, "Please complete your payout account setup to withdraw funds", result)
	case WithdrawalVerificationRequired:
		utils.BuildSuccessResponse(w, http.StatusOK, "Your payout account needs additional verification", result)
	case WithdrawalPendingConfirmation:
		utils.BuildSuccessResponse(w, http.StatusAccepted, "Withdrawal is being processed", result)
	default:
		utils.BuildSuccessResponse(w, http.StatusOK, "Withdrawal processed", result)
	}
}

// Invest serves both /projects/invest with project_id in the body and
// /projects/{id}/invest.
func (h *Handler) Invest(w http.ResponseWriter, r *http.Request) {
	usr := r.Context().Value(utils.UserKey).(user.User)

	var req InvestRequest
	if status, err := utils.DecodeAndValidate(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, err.Error(), nil)
		return
	}

	projectID := mux.Vars(r)["id"]
	if projectID == "" {
		projectID = req.ProjectID
	}
	if _, err := uuid.Parse(projectID); err != nil {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid project ID", nil)
		return
	}

	result, err := h.Service.Invest(r.Context(), usr, projectID, req.Amount)
	if err != nil {
		writeError(w, err, "Failed to process investment")
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Investment successful", result)
}

func (h *Handler) DistributeDividends(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDVar(w, r)
	if !ok {
		return
	}

	var req DividendRequest
	if status, err := utils.DecodeAndValidate(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, err.Error(), nil)
		return
	}

	rows, err := h.Service.DistributeDividends(r.Context(), projectID, req.Payouts)
	if err != nil {
		writeError(w, err, "Failed to distribute dividends")
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Dividends distributed", map[string]interface{}{
		"transactions": rows,
		"recipients":   len(rows),
	})
}

func (h *Handler) PreviewDividends(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDVar(w, r)
	if !ok {
		return
	}

	total, err := strconv.ParseInt(r.URL.Query().Get("total"), 10, 64)
	if err != nil || total <= 0 {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "total must be a positive amount", nil)
		return
	}

	shares, err := h.Service.PreviewDividends(r.Context(), projectID, total)
	if err != nil {
		writeError(w, err, "Failed to compute dividends")
		return
	}

	payouts := make(map[string]int64, len(shares))
	for _, s := range shares {
		payouts[s.UserID.String()] = s.Amount
	}
	utils.BuildSuccessResponse(w, http.StatusOK, "Dividend preview", map[string]interface{}{
		"total":   total,
		"shares":  shares,
		"payouts": payouts,
	})
}

func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	usr := r.Context().Value(utils.UserKey).(user.User)

	analytics, err := h.Service.Analytics(r.Context(), usr.ID, time.Now())
	if err != nil {
		writeError(w, err, "Failed to fetch analytics")
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Analytics retrieved", analytics)
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	fix, _ := strconv.ParseBool(r.URL.Query().Get("fix"))

	report, err := h.Service.Reconcile(r.Context(), fix)
	if err != nil {
		writeError(w, err, "Failed to reconcile balances")
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Reconciliation complete", report)
}

func projectIDVar(w http.ResponseWriter, r *http.Request) (string, bool) {
	projectID := mux.Vars(r)["id"]
	if _, err := uuid.Parse(projectID); err != nil {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid project ID", nil)
		return "", false
	}
	return projectID, true
}

func writeError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, ErrWalletNotFound):
		utils.BuildErrorResponse(w, http.StatusNotFound, "Wallet not found", nil)
	case errors.Is(err, ErrTransactionNotFound):
		utils.BuildErrorResponse(w, http.StatusNotFound, "Transaction not found", nil)
	case errors.Is(err, ErrInsufficientBalance):
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Insufficient balance", nil)
	case errors.Is(err, ErrInvalidAmount):
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid amount", nil)
	case errors.Is(err, ErrInvalidRecipient):
		utils.BuildErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Dividend batch rejected: %v", err), nil)
	case errors.Is(err, ErrNoRecipients):
		utils.BuildErrorResponse(w, http.StatusBadRequest, "No dividend recipients", nil)
	case errors.Is(err, ErrDepositNotPaid):
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Payment not completed", nil)
	case errors.Is(err, ErrAmountMismatch):
		utils.BuildErrorResponse(w, http.StatusConflict, err.Error(), nil)
	default:
		project.WriteError(w, err, msg)
	}
}

package project

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/zjoart/go-estate-crowdfund/internal/payment"
	"github.com/zjoart/go-estate-crowdfund/internal/user"
	"github.com/zjoart/go-estate-crowdfund/pkg/logger"
	"github.com/zjoart/go-estate-crowdfund/pkg/utils"
)

type Handler struct {
	Repo      Repository
	Funding   *Funding
	MinAmount int64
}

func NewHandler(repo Repository, funding *Funding, minAmount int64) *Handler {
	return &Handler{Repo: repo, Funding: funding, MinAmount: minAmount}
}

type CreateProjectRequest struct {
	Name         string          `json:"name" validate:"required,min=3"`
	Type         Type            `json:"type" validate:"required,oneof=Residential Commercial Industrial"`
	Location     string          `json:"location" validate:"required"`
	TargetAmount int64           `json:"target_amount" validate:"required,gt=0"`
	ReturnRate   decimal.Decimal `json:"return_rate"`
	Duration     string          `json:"duration" validate:"required"`
	Description  string          `json:"description" validate:"required"`
}

type FundRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

type projectView struct {
	Project
	Progress  decimal.Decimal `json:"progress"`
	Remaining int64           `json:"remaining"`
}

func view(p Project) projectView {
	return projectView{Project: p, Progress: p.Progress(), Remaining: p.Remaining()}
}

var maxReturnRate = decimal.NewFromInt(100)

func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	page := utils.GetPagination(r)

	projects, total, err := h.Repo.ListActive(r.Context(), page.Limit, page.Offset)
	if err != nil {
		logger.Error("Failed to list projects", logger.WithError(err))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to fetch projects", nil)
		return
	}

	views := make([]projectView, 0, len(projects))
	for _, p := range projects {
		views = append(views, view(p))
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Projects retrieved", map[string]interface{}{
		"projects": views,
		"meta":     page.Meta(total),
	})
}

func (h *Handler) MyProjects(w http.ResponseWriter, r *http.Request) {
	usr := r.Context().Value(utils.UserKey).(user.User)

	projects, err := h.Repo.ListByCreator(r.Context(), usr.ID.String())
	if err != nil {
		logger.Error("Failed to list creator projects", logger.WithError(err))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to fetch projects", nil)
		return
	}

	views := make([]projectView, 0, len(projects))
	for _, p := range projects {
		views = append(views, view(p))
	}
	utils.BuildSuccessResponse(w, http.StatusOK, "Projects retrieved", views)
}

func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDVar(w, r)
	if !ok {
		return
	}

	p, err := h.Repo.FindByID(r.Context(), projectID)
	if err != nil {
		WriteError(w, err, "Failed to fetch project")
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Project retrieved", view(*p))
}

func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	usr := r.Context().Value(utils.UserKey).(user.User)

	var req CreateProjectRequest
	if status, err := utils.DecodeAndValidate(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, err.Error(), nil)
		return
	}
	if !req.ReturnRate.IsPositive() || req.ReturnRate.GreaterThan(maxReturnRate) {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Return rate must be between 0 and 100", nil)
		return
	}
	if req.TargetAmount < h.MinAmount {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Target amount is below the minimum", nil)
		return
	}

	p := &Project{
		Name:         req.Name,
		Type:         req.Type,
		Location:     req.Location,
		TargetAmount: req.TargetAmount,
		ReturnRate:   req.ReturnRate.Round(2),
		Duration:     req.Duration,
		Description:  req.Description,
		Status:       StatusActive,
		CreatorID:    usr.ID,
	}
	if err := h.Repo.Create(r.Context(), p); err != nil {
		logger.Error("Failed to create project", logger.WithError(err))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to create project", nil)
		return
	}

	logger.Info("Project created", logger.Fields{"project_id": p.ID, logger.UserIdKey: usr.ID})
	utils.BuildSuccessResponse(w, http.StatusCreated, "Project created successfully", view(*p))
}

func (h *Handler) CancelProject(w http.ResponseWriter, r *http.Request) {
	usr := r.Context().Value(utils.UserKey).(user.User)
	projectID, ok := projectIDVar(w, r)
	if !ok {
		return
	}

	p, err := h.Repo.FindByID(r.Context(), projectID)
	if err != nil {
		WriteError(w, err, "Failed to cancel project")
		return
	}
	if p.CreatorID != usr.ID && usr.Role != user.RoleAdmin {
		utils.BuildErrorResponse(w, http.StatusForbidden, "Only the project creator can cancel this project", nil)
		return
	}

	if err := h.Repo.Cancel(r.Context(), projectID); err != nil {
		WriteError(w, err, "Failed to cancel project")
		return
	}

	logger.Info("Project cancelled", logger.Fields{"project_id": projectID, logger.UserIdKey: usr.ID})
	utils.BuildSuccessResponse(w, http.StatusOK, "Project cancelled", nil)
}

func (h *Handler) FundProject(w http.ResponseWriter, r *http.Request) {
	usr := r.Context().Value(utils.UserKey).(user.User)
	projectID, ok := projectIDVar(w, r)
	if !ok {
		return
	}

	var req FundRequest
	if status, err := utils.DecodeAndValidate(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, err.Error(), nil)
		return
	}
	if req.Amount < h.MinAmount {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Amount is below the minimum", nil)
		return
	}

	result, err := h.Funding.Fund(r.Context(), usr.ID.String(), projectID, req.Amount, r.Header.Get("Idempotency-Key"))
	if err != nil {
		WriteError(w, err, "Failed to create payment")
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Payment initiated", result)
}

func projectIDVar(w http.ResponseWriter, r *http.Request) (string, bool) {
	projectID := mux.Vars(r)["id"]
	if _, err := uuid.Parse(projectID); err != nil {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid project ID", nil)
		return "", false
	}
	return projectID, true
}

// WriteError maps project errors onto HTTP responses.
func WriteError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, ErrNotFound):
		utils.BuildErrorResponse(w, http.StatusNotFound, "Project not found", nil)
	case errors.Is(err, ErrNotActive):
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Project is not accepting investments", nil)
	case errors.Is(err, ErrExceedsTarget):
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Investment would exceed target amount", nil)
	case errors.Is(err, ErrCreatorNotPayable):
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Project creator not found or not setup for payments", nil)
	default:
		payment.WriteError(w, err, msg)
	}
}

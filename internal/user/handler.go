package user

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/zjoart/go-estate-crowdfund/pkg/logger"
	"github.com/zjoart/go-estate-crowdfund/pkg/utils"
)

// BalanceReader reports the spendable wallet balance of a user in cents.
type BalanceReader interface {
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
}

type Handler struct {
	Repo     Repository
	Balances BalanceReader
}

func NewHandler(repo Repository, balances BalanceReader) *Handler {
	return &Handler{Repo: repo, Balances: balances}
}

type UpdateProfileRequest struct {
	Name              *string `json:"name" validate:"omitempty,min=2"`
	Phone             *string `json:"phone"`
	Address           *string `json:"address"`
	EmploymentDetails *string `json:"employment_details"`
	OfficeAddress     *string `json:"office_address"`
	Country           *string `json:"country"`
	CitizenshipNumber *string `json:"citizenship_number"`
	PassportNumber    *string `json:"passport_number"`
}

type OnboardingRequest struct {
	FullName          string `json:"full_name" validate:"required"`
	Phone             string `json:"phone" validate:"required"`
	HomeAddress       string `json:"home_address" validate:"required"`
	EmploymentDetails string `json:"employment_details"`
	OfficeAddress     string `json:"office_address"`
	Country           string `json:"country"`
	CitizenshipNumber string `json:"citizenship_number"`
	PassportNumber    string `json:"passport_number"`
}

type VerifyIdentityRequest struct {
	DocumentType   string `json:"document_type" validate:"required,oneof=passport national_id drivers_license"`
	DocumentNumber string `json:"document_number" validate:"required"`
}

type VerifyAddressRequest struct {
	ResidentialStatus string `json:"residential_status" validate:"required"`
	Document          string `json:"document" validate:"required"`
}

type UploadDocumentRequest struct {
	Type string `json:"type" validate:"required,oneof=idDocument proofOfAddress"`
	URL  string `json:"url" validate:"required,url"`
}

type KYCRequest struct {
	Status KYCStatus `json:"status" validate:"required,oneof=pending verified rejected"`
}

func currentUser(r *http.Request) User {
	return r.Context().Value(utils.UserKey).(User)
}

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	usr := currentUser(r)

	fresh, err := h.Repo.FindByID(r.Context(), usr.ID.String())
	if err != nil {
		h.fail(w, err, "Failed to load profile")
		return
	}

	balance, err := h.Balances.Balance(r.Context(), fresh.ID)
	if err != nil {
		logger.Error("Failed to read wallet balance", logger.Merge(logger.WithError(err), logger.Fields{logger.UserIdKey: fresh.ID}))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to load profile", nil)
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Profile retrieved", map[string]interface{}{
		"user":    fresh,
		"balance": balance,
	})
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	usr := currentUser(r)

	var req UpdateProfileRequest
	if status, err := utils.DecodeAndValidate(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, err.Error(), nil)
		return
	}

	fields := map[string]interface{}{}
	set := func(column string, v *string) {
		if v != nil {
			fields[column] = *v
		}
	}
	set("name", req.Name)
	set("phone", req.Phone)
	set("address", req.Address)
	set("employment_details", req.EmploymentDetails)
	set("office_address", req.OfficeAddress)
	set("country", req.Country)
	set("citizenship_number", req.CitizenshipNumber)
	set("passport_number", req.PassportNumber)

	if len(fields) == 0 {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "No profile fields to update", nil)
		return
	}

	if err := h.Repo.Update(r.Context(), usr.ID.String(), fields); err != nil {
		h.fail(w, err, "Failed to update profile")
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Profile updated", nil)
}

func (h *Handler) OnboardingStep1(w http.ResponseWriter, r *http.Request) {
	usr := currentUser(r)

	var req OnboardingRequest
	if status, err := utils.DecodeAndValidate(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, err.Error(), nil)
		return
	}

	err := h.Repo.Update(r.Context(), usr.ID.String(), map[string]interface{}{
		"name":               req.FullName,
		"phone":              req.Phone,
		"address":            req.HomeAddress,
		"employment_details": req.EmploymentDetails,
		"office_address":     req.OfficeAddress,
		"country":            req.Country,
		"citizenship_number": req.CitizenshipNumber,
		"passport_number":    req.PassportNumber,
		"onboarding_step":    1,
	})
	if err != nil {
		h.fail(w, err, "Failed to save onboarding data. Please try again.")
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Onboarding data saved successfully", map[string]interface{}{
		"id":              usr.ID,
		"name":            req.FullName,
		"phone":           req.Phone,
		"address":         req.HomeAddress,
		"onboarding_step": 1,
	})
}

func (h *Handler) VerifyIdentity(w http.ResponseWriter, r *http.Request) {
	usr := currentUser(r)

	var req VerifyIdentityRequest
	if status, err := utils.DecodeAndValidate(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, err.Error(), nil)
		return
	}

	err := h.Repo.Update(r.Context(), usr.ID.String(), map[string]interface{}{
		"identity_document_type":   req.DocumentType,
		"identity_document_number": req.DocumentNumber,
		"identity_status":          string(KYCPending),
		"identity_submitted_at":    time.Now(),
		"onboarding_step":          2,
	})
	if err != nil {
		h.fail(w, err, "Failed to submit identity verification")
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Identity documents submitted", nil)
}

func (h *Handler) VerifyAddress(w http.ResponseWriter, r *http.Request) {
	usr := currentUser(r)

	var req VerifyAddressRequest
	if status, err := utils.DecodeAndValidate(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, err.Error(), nil)
		return
	}

	err := h.Repo.Update(r.Context(), usr.ID.String(), map[string]interface{}{
		"address_residential_status": req.ResidentialStatus,
		"address_document":           req.Document,
		"address_status":             string(KYCPending),
		"address_submitted_at":       time.Now(),
		"onboarding_completed":       true,
		"onboarding_step":            3,
	})
	if err != nil {
		h.fail(w, err, "Failed to submit address verification")
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Address verification submitted successfully", nil)
}

// UploadDocument records a reference to a document already stored elsewhere.
func (h *Handler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	usr := currentUser(r)

	var req UploadDocumentRequest
	if status, err := utils.DecodeAndValidate(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, err.Error(), nil)
		return
	}

	fresh, err := h.Repo.FindByID(r.Context(), usr.ID.String())
	if err != nil {
		h.fail(w, err, "Failed to upload document")
		return
	}

	docs := append(replaceDocument(fresh.Documents, req.Type), req.Type+":"+req.URL)
	if err := h.Repo.Update(r.Context(), usr.ID.String(), map[string]interface{}{"documents": docs}); err != nil {
		h.fail(w, err, "Failed to upload document")
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Document uploaded successfully", map[string]interface{}{
		"url":       req.URL,
		"documents": docs,
	})
}

func (h *Handler) SetKYCStatus(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	if _, err := uuid.Parse(userID); err != nil {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid user ID", nil)
		return
	}

	var req KYCRequest
	if status, err := utils.DecodeAndValidate(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, err.Error(), nil)
		return
	}

	if err := h.Repo.SetKYCStatus(r.Context(), userID, req.Status); err != nil {
		h.fail(w, err, "Failed to update KYC status")
		return
	}

	logger.Info("KYC status updated", logger.Fields{logger.UserIdKey: userID, "status": req.Status})
	utils.BuildSuccessResponse(w, http.StatusOK, "KYC status updated", map[string]interface{}{"status": req.Status})
}

func (h *Handler) fail(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, ErrNotFound) {
		utils.BuildErrorResponse(w, http.StatusNotFound, "User not found", nil)
		return
	}
	logger.Error(msg, logger.WithError(err))
	utils.BuildErrorResponse(w, http.StatusInternalServerError, msg, nil)
}

// replaceDocument drops any earlier reference of the same type.
func replaceDocument(docs Documents, docType string) Documents {
	out := make(Documents, 0, len(docs)+1)
	prefix := docType + ":"
	for _, d := range docs {
		if len(d) >= len(prefix) && d[:len(prefix)] == prefix {
			continue
		}
		out = append(out, d)
	}
	return out
}

package key

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/zjoart/go-estate-crowdfund/internal/user"
	"github.com/zjoart/go-estate-crowdfund/pkg/config"
	"github.com/zjoart/go-estate-crowdfund/pkg/logger"
	"github.com/zjoart/go-estate-crowdfund/pkg/utils"
)

type Handler struct {
	MaxActiveKeys int
	Repo          Repository
}

func NewHandler(cfg config.Config, repo Repository) *Handler {
	return &Handler{MaxActiveKeys: cfg.MaxActiveKeys, Repo: repo}
}

type CreateKeyRequest struct {
	Name        string   `json:"name" validate:"required"`
	Permissions []string `json:"permissions" validate:"required,min=1"`
	Expiry      string   `json:"expiry" validate:"required"`
}

type RolloverKeyRequest struct {
	ExpiredKeyID string `json:"expired_key_id" validate:"required"`
	Expiry       string `json:"expiry" validate:"required"`
}

type RevokeKeyRequest struct {
	KeyID string `json:"key_id" validate:"required,uuid"`
}

type SafeKeyResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	MaskedKey   string    `json:"masked_key"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expires_at"`
	IsRevoked   bool      `json:"is_revoked"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *Handler) owner(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	usr, ok := r.Context().Value(utils.UserKey).(user.User)
	if !ok {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "Authorization required", nil)
		return uuid.Nil, false
	}
	return usr.ID, true
}

func (h *Handler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.owner(w, r)
	if !ok {
		return
	}

	var req CreateKeyRequest
	if status, err := utils.DecodeAndValidate(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, "Invalid request body", map[string]string{"error": err.Error()})
		return
	}

	validPerms, err := validatePermissions(req.Permissions)
	if err != nil {
		utils.BuildErrorResponse(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	expiresAt, err := parseExpiry(req.Expiry)
	if err != nil {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid expiry format. Use 1H, 1D, 1M, 1Y", nil)
		return
	}

	if !h.underLimit(w, r, userID) {
		return
	}

	h.issue(w, r, APIKey{
		UserID:      userID,
		Name:        req.Name,
		Permissions: pq.StringArray(validPerms),
		ExpiresAt:   expiresAt,
	}, "API Key created, This key will only be shown once. Please save it securely.")
}

func (h *Handler) RolloverAPIKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.owner(w, r)
	if !ok {
		return
	}

	var req RolloverKeyRequest
	if status, err := utils.DecodeAndValidate(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, "Invalid request body", map[string]string{"error": err.Error()})
		return
	}

	// the caller may send either the raw key or its id
	oldKey, err := h.Repo.GetByValue(r.Context(), req.ExpiredKeyID, userID.String())
	if errors.Is(err, ErrNotFound) {
		if _, perr := uuid.Parse(req.ExpiredKeyID); perr == nil {
			oldKey, err = h.Repo.Get(r.Context(), req.ExpiredKeyID, userID.String())
		}
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			utils.BuildErrorResponse(w, http.StatusNotFound, "Expired key not found", nil)
			return
		}
		logger.Error("Failed to load key for rollover", logger.WithError(err))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to load key", nil)
		return
	}

	if oldKey.IsRevoked {
		utils.BuildErrorResponse(w, http.StatusForbidden, "Key has been revoked", nil)
		return
	}

	if time.Now().Before(oldKey.ExpiresAt) {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Key is not expired yet", nil)
		return
	}

	expiresAt, err := parseExpiry(req.Expiry)
	if err != nil {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid expiry format", nil)
		return
	}

	if !h.underLimit(w, r, userID) {
		return
	}

	h.issue(w, r, APIKey{
		UserID:      userID,
		Name:        oldKey.Name,
		Permissions: oldKey.Permissions,
		ExpiresAt:   expiresAt,
	}, "API Key rolled over, This key will only be shown once. Please save it securely.")
}

func (h *Handler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.owner(w, r)
	if !ok {
		return
	}

	var req RevokeKeyRequest
	if status, err := utils.DecodeAndValidate(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, "Invalid request body", map[string]string{"error": err.Error()})
		return
	}

	if err := h.Repo.Revoke(r.Context(), req.KeyID, userID.String()); err != nil {
		if errors.Is(err, ErrNotFound) {
			utils.BuildErrorResponse(w, http.StatusNotFound, "Key not found", nil)
		} else {
			logger.Error("Failed to revoke key", logger.WithError(err))
			utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to revoke key", nil)
		}
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "API Key revoked successfully", nil)
}

func (h *Handler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.owner(w, r)
	if !ok {
		return
	}

	keys, err := h.Repo.ListByUser(r.Context(), userID.String())
	if err != nil {
		logger.Error("Failed to fetch keys", logger.WithError(err))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to fetch keys", nil)
		return
	}

	safeKeys := make([]SafeKeyResponse, 0, len(keys))
	for _, k := range keys {
		safeKeys = append(safeKeys, SafeKeyResponse{
			ID:          k.ID.String(),
			Name:        k.Name,
			MaskedKey:   k.MaskedKey,
			Permissions: k.Permissions,
			ExpiresAt:   k.ExpiresAt,
			IsRevoked:   k.IsRevoked,
			CreatedAt:   k.CreatedAt,
		})
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "API Keys retrieved", safeKeys)
}

func (h *Handler) underLimit(w http.ResponseWriter, r *http.Request, userID uuid.UUID) bool {
	count, err := h.Repo.CountActive(r.Context(), userID.String())
	if err != nil {
		logger.Error("Failed to count keys", logger.WithError(err))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to count keys", nil)
		return false
	}
	if count >= int64(h.MaxActiveKeys) {
		utils.BuildErrorResponse(w, http.StatusForbidden, fmt.Sprintf("Maximum of %d active keys allowed", h.MaxActiveKeys), nil)
		return false
	}
	return true
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request, apiKey APIKey, msg string) {
	keyString, err := generateSecureKey()
	if err != nil {
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to generate key", nil)
		return
	}
	apiKey.Key = hashKey(keyString)
	apiKey.MaskedKey = maskKey(keyString)

	if err := h.Repo.Create(r.Context(), &apiKey); err != nil {
		logger.Error("Failed to create API key", logger.WithError(err))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to create API key", nil)
		return
	}

	utils.BuildSuccessResponse(w, http.StatusCreated, msg, map[string]interface{}{
		"api_key":     keyString,
		"masked_key":  apiKey.MaskedKey,
		"permissions": apiKey.Permissions,
		"expires_at":  apiKey.ExpiresAt,
	})
}

func parseExpiry(expiry string) (time.Time, error) {
	now := time.Now()
	switch strings.ToUpper(expiry) {
	case "1H":
		return now.Add(time.Hour), nil
	case "1D":
		return now.Add(24 * time.Hour), nil
	case "1M":
		return now.Add(30 * 24 * time.Hour), nil
	case "1Y":
		return now.Add(365 * 24 * time.Hour), nil
	default:
		return time.Time{}, fmt.Errorf("invalid format")
	}
}

func generateSecureKey() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "ck_live_" + hex.EncodeToString(bytes), nil
}

func validatePermissions(requested []string) ([]string, error) {
	seen := make(map[Permission]bool, len(requested))
	normalized := make([]string, 0, len(requested))
	for _, p := range requested {
		perm := Permission(strings.ToUpper(strings.TrimSpace(p)))
		if !isAllowed(perm) {
			return nil, fmt.Errorf("invalid permission: %s", p)
		}
		if seen[perm] {
			continue
		}
		seen[perm] = true
		normalized = append(normalized, string(perm))
	}
	return normalized, nil
}

func isAllowed(p Permission) bool {
	for _, allowed := range AllowedPermissions {
		if p == allowed {
			return true
		}
	}
	return false
}

func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

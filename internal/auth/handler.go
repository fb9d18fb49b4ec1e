package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zjoart/go-estate-crowdfund/internal/user"
	"github.com/zjoart/go-estate-crowdfund/pkg/config"
	"github.com/zjoart/go-estate-crowdfund/pkg/logger"
	"github.com/zjoart/go-estate-crowdfund/pkg/utils"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/idtoken"
)

var validateIDToken = idtoken.Validate

type Handler struct {
	Config       config.Config
	UserRepo     user.Repository
	Tokens       *TokenIssuer
	Store        *Store
	Mailer       Mailer
	OAuth2Config *oauth2.Config
}

func NewHandler(cfg config.Config, userRepo user.Repository, tokens *TokenIssuer, store *Store, mailer Mailer) *Handler {
	redirectURL := fmt.Sprintf("%s/api/auth/google/callback", strings.TrimRight(cfg.App.Host, "/"))
	oauth2Config := &oauth2.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"openid", "email", "profile"},
		Endpoint:     google.Endpoint,
	}
	return &Handler{
		Config:       cfg,
		UserRepo:     userRepo,
		Tokens:       tokens,
		Store:        store,
		Mailer:       mailer,
		OAuth2Config: oauth2Config,
	}
}

type SignupRequest struct {
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type VerifyEmailRequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

type CheckUserRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if status, err := utils.DecodeAndValidate(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, err.Error(), nil)
		return
	}
	email := normalizeEmail(req.Email)

	if _, err := h.UserRepo.FindByEmail(r.Context(), email); err == nil {
		utils.BuildErrorResponse(w, http.StatusConflict, "User already exists", nil)
		return
	} else if !errors.Is(err, user.ErrNotFound) {
		logger.Error("Failed to look up user", logger.WithError(err))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		logger.Error("Failed to hash password", logger.WithError(err))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}

	usr := &user.User{Name: req.Name, Email: email, PasswordHash: string(hash)}
	if err := h.UserRepo.Create(r.Context(), usr); err != nil {
		logger.Error("Failed to create user", logger.WithError(err))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}

	if err := h.sendVerificationCode(r.Context(), usr); err != nil {
		// signup still succeeds without a code
		logger.Error("Failed to issue verification code", logger.Merge(logger.WithError(err), logger.Fields{logger.UserIdKey: usr.ID}))
	}

	logger.Info("User signed up", logger.Fields{logger.UserIdKey: usr.ID})
	utils.BuildSuccessResponse(w, http.StatusCreated, "User created successfully", usr)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if status, err := utils.DecodeAndValidate(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, err.Error(), nil)
		return
	}

	usr, err := h.UserRepo.FindByEmail(r.Context(), normalizeEmail(req.Email))
	if err != nil {
		if !errors.Is(err, user.ErrNotFound) {
			logger.Error("Failed to look up user", logger.WithError(err))
			utils.BuildErrorResponse(w, http.StatusInternalServerError, "Internal server error", nil)
			return
		}
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "Invalid credentials", nil)
		return
	}

	if usr.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(usr.PasswordHash), []byte(req.Password)) != nil {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "Invalid credentials", nil)
		return
	}

	h.respondWithToken(w, *usr, "Login successful")
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := r.Context().Value(utils.ClaimsKey).(jwt.MapClaims)
	if !ok {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "Not authenticated", nil)
		return
	}

	jti, expiresAt := TokenID(claims)
	if jti != "" {
		if err := h.Store.Revoke(r.Context(), jti, expiresAt); err != nil {
			logger.Error("Failed to revoke token", logger.WithError(err))
			utils.BuildErrorResponse(w, http.StatusInternalServerError, "Internal server error", nil)
			return
		}
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Logged out successfully", nil)
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req VerifyEmailRequest
	if status, err := utils.DecodeAndValidate(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, err.Error(), nil)
		return
	}
	email := normalizeEmail(req.Email)

	usr, err := h.UserRepo.FindByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			utils.BuildErrorResponse(w, http.StatusNotFound, "User not found", nil)
			return
		}
		logger.Error("Failed to look up user", logger.WithError(err))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}

	if usr.EmailVerified {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Email already verified", nil)
		return
	}

	code, err := h.Store.Code(r.Context(), email)
	if err != nil {
		if errors.Is(err, ErrCodeNotFound) {
			utils.BuildErrorResponse(w, http.StatusBadRequest, "No verification code found or code has expired", nil)
			return
		}
		logger.Error("Failed to read verification code", logger.WithError(err))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}

	if code != req.Code {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid verification code", nil)
		return
	}

	if err := h.UserRepo.MarkEmailVerified(r.Context(), usr.ID.String()); err != nil {
		logger.Error("Failed to mark email verified", logger.WithError(err))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}
	_ = h.Store.DeleteCode(r.Context(), email)

	utils.BuildSuccessResponse(w, http.StatusOK, "Email verified successfully", map[string]interface{}{
		"id":             usr.ID,
		"email":          usr.Email,
		"email_verified": true,
	})
}

func (h *Handler) CheckUser(w http.ResponseWriter, r *http.Request) {
	var req CheckUserRequest
	if status, err := utils.DecodeAndValidate(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, err.Error(), nil)
		return
	}

	_, err := h.UserRepo.FindByEmail(r.Context(), normalizeEmail(req.Email))
	if err != nil && !errors.Is(err, user.ErrNotFound) {
		logger.Error("Failed to look up user", logger.WithError(err))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "User lookup complete", map[string]bool{"exists": err == nil})
}

func (h *Handler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := randomState()
	if err == nil {
		err = h.Store.SaveState(r.Context(), state)
	}
	if err != nil {
		logger.Error("Failed to start oauth flow", logger.WithError(err))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to start Google sign-in", nil)
		return
	}

	url := h.OAuth2Config.AuthCodeURL(state, oauth2.AccessTypeOffline)
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

func (h *Handler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if ok, err := h.Store.ConsumeState(ctx, r.URL.Query().Get("state")); err != nil || !ok {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid oauth state", nil)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Code not found", nil)
		return
	}

	token, err := h.OAuth2Config.Exchange(ctx, code)
	if err != nil {
		logger.Error("Failed to exchange oauth code", logger.WithError(err))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to exchange token", nil)
		return
	}

	idToken, ok := token.Extra("id_token").(string)
	if !ok {
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "No id_token field in oauth2 token", nil)
		return
	}

	payload, err := validateIDToken(ctx, idToken, h.Config.Google.ClientID)
	if err != nil {
		utils.BuildErrorResponse(w, http.StatusUnauthorized, "Failed to validate ID token", nil)
		return
	}

	email, _ := payload.Claims["email"].(string)
	name, _ := payload.Claims["name"].(string)
	if email == "" {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Google account has no email", nil)
		return
	}

	usr, err := h.findOrCreateGoogleUser(ctx, payload.Subject, normalizeEmail(email), name)
	if err != nil {
		logger.Error("Failed to resolve google user", logger.WithError(err))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to create user", nil)
		return
	}

	h.respondWithToken(w, *usr, "Login successful")
}

// findOrCreateGoogleUser links by google id first, then by email.
func (h *Handler) findOrCreateGoogleUser(ctx context.Context, googleID, email, name string) (*user.User, error) {
	usr, err := h.UserRepo.FindByGoogleID(ctx, googleID)
	if err == nil {
		return usr, nil
	}
	if !errors.Is(err, user.ErrNotFound) {
		return nil, err
	}

	usr, err = h.UserRepo.FindByEmail(ctx, email)
	if err == nil {
		if err := h.UserRepo.LinkGoogle(ctx, usr.ID.String(), googleID); err != nil {
			return nil, err
		}
		usr.GoogleID = &googleID
		usr.EmailVerified = true
		return usr, nil
	}
	if !errors.Is(err, user.ErrNotFound) {
		return nil, err
	}

	if name == "" {
		name = email
	}
	usr = &user.User{Name: name, Email: email, GoogleID: &googleID, EmailVerified: true}
	if err := h.UserRepo.Create(ctx, usr); err != nil {
		return nil, err
	}
	return usr, nil
}

func (h *Handler) respondWithToken(w http.ResponseWriter, usr user.User, msg string) {
	tokenString, expiresAt, err := h.Tokens.Issue(usr)
	if err != nil {
		logger.Error("Failed to generate token", logger.WithError(err))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to generate token", nil)
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, msg, map[string]interface{}{
		"token":      tokenString,
		"expires_at": expiresAt,
		"user":       usr,
	})
}

func (h *Handler) sendVerificationCode(ctx context.Context, usr *user.User) error {
	code, err := verificationCode()
	if err != nil {
		return err
	}
	if err := h.Store.SaveCode(ctx, usr.Email, code); err != nil {
		return err
	}
	return h.Mailer.SendVerificationCode(ctx, usr.Email, usr.Name, code)
}

func verificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

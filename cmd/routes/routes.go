package routes

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/zjoart/go-estate-crowdfund/internal/auth"
	"github.com/zjoart/go-estate-crowdfund/internal/key"
	"github.com/zjoart/go-estate-crowdfund/internal/middleware"
	"github.com/zjoart/go-estate-crowdfund/internal/payment"
	"github.com/zjoart/go-estate-crowdfund/internal/project"
	"github.com/zjoart/go-estate-crowdfund/internal/user"
	"github.com/zjoart/go-estate-crowdfund/internal/wallet"
	"github.com/zjoart/go-estate-crowdfund/pkg/config"
	"github.com/zjoart/go-estate-crowdfund/pkg/events"
	"github.com/zjoart/go-estate-crowdfund/pkg/logger"
	"github.com/zjoart/go-estate-crowdfund/pkg/metrics"
	"github.com/zjoart/go-estate-crowdfund/pkg/utils"
	"gorm.io/gorm"
)

// Dependencies are built once in main and shared by the routes and workers.
type Dependencies struct {
	Config      config.Config
	DB          *gorm.DB
	RedisClient *events.RedisClient
	Users       user.Repository
	Keys        key.Repository
	Projects    project.Repository
	Funding     *project.Funding
	Onboarding  *payment.Onboarding
	Wallet      *wallet.Service
	Limiter     *middleware.RateLimiter
}

func RegisterRoutes(r *mux.Router, deps Dependencies) http.Handler {
	cfg := deps.Config

	tokens := auth.NewTokenIssuer(cfg.JWT.Secret, cfg.JWT.Expiry)
	store := auth.NewStore(deps.RedisClient.Client)
	authenticator := auth.NewAuthenticator(tokens, store, deps.Users, deps.Keys)

	authHandler := auth.NewHandler(cfg, deps.Users, tokens, store, auth.LogMailer{})
	keyHandler := key.NewHandler(cfg, deps.Keys)
	userHandler := user.NewHandler(deps.Users, deps.Wallet)
	projectHandler := project.NewHandler(deps.Projects, deps.Funding, cfg.Ledger.MinTransactionAmount)
	connectHandler := payment.NewConnectHandler(deps.Onboarding)
	walletHandler := wallet.NewHandler(deps.Wallet)
	webhookHandler := wallet.NewWebhookHandler(deps.Wallet, deps.RedisClient)

	idempotent := middleware.Idempotency(deps.RedisClient)
	adminOnly := auth.RequireRole(user.RoleAdmin)

	r.Use(middleware.LoggingMiddleware)
	r.Use(middleware.MetricsMiddleware)

	r.HandleFunc("/healthz", healthz(deps)).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(deps.Limiter.Limit)

	authR := api.PathPrefix("/auth").Subrouter()
	authR.HandleFunc("/signup", authHandler.Signup).Methods("POST")
	authR.HandleFunc("/login", authHandler.Login).Methods("POST")
	authR.HandleFunc("/verify-email", authHandler.VerifyEmail).Methods("POST")
	authR.HandleFunc("/check-user", authHandler.CheckUser).Methods("POST")
	authR.HandleFunc("/google", authHandler.GoogleLogin).Methods("GET")
	authR.HandleFunc("/google/callback", authHandler.GoogleCallback).Methods("GET")

	logoutR := authR.PathPrefix("/logout").Subrouter()
	logoutR.Use(authenticator.JWTMiddleware())
	logoutR.HandleFunc("", authHandler.Logout).Methods("POST")

	keysR := api.PathPrefix("/keys").Subrouter()
	keysR.Use(authenticator.JWTMiddleware())
	keysR.HandleFunc("", keyHandler.ListAPIKeys).Methods("GET")
	keysR.HandleFunc("/create", keyHandler.CreateAPIKey).Methods("POST")
	keysR.HandleFunc("/rollover", keyHandler.RolloverAPIKey).Methods("POST")
	keysR.HandleFunc("/revoke", keyHandler.RevokeAPIKey).Methods("POST")

	// gateway callbacks carry no user credentials
	paymentsPublic := api.PathPrefix("/payments").Subrouter()
	paymentsPublic.HandleFunc("/webhook", webhookHandler.StripeWebhook).Methods("POST")
	paymentsPublic.HandleFunc("/success", webhookHandler.PaymentSuccess).Methods("GET")

	userR := api.PathPrefix("").Subrouter()
	userR.Use(authenticator.JWTMiddleware())
	userR.HandleFunc("/user/profile", userHandler.GetProfile).Methods("GET")
	userR.HandleFunc("/user/profile", userHandler.UpdateProfile).Methods("PUT")
	userR.HandleFunc("/onboarding/step1", userHandler.OnboardingStep1).Methods("POST")
	userR.HandleFunc("/user/verify-identity", userHandler.VerifyIdentity).Methods("POST")
	userR.HandleFunc("/user/verify-address", userHandler.VerifyAddress).Methods("POST")
	userR.HandleFunc("/user/upload-document", userHandler.UploadDocument).Methods("POST")
	userR.HandleFunc("/user/analytics", walletHandler.GetAnalytics).Methods("GET")
	userR.HandleFunc("/stripe/connect/onboard", connectHandler.StartOnboarding).Methods("POST")
	userR.HandleFunc("/stripe/connect/onboard", connectHandler.GetOnboardingStatus).Methods("GET")

	// wallet operations accept either a bearer token or an API key
	walletR := api.PathPrefix("").Subrouter()
	walletR.Use(authenticator.UnifiedAuthMiddleware())

	readR := walletR.PathPrefix("/wallet").Subrouter()
	readR.Use(auth.RequirePermission(string(key.PermissionRead)))
	readR.HandleFunc("", walletHandler.GetWallet).Methods("GET")
	readR.HandleFunc("/summary", walletHandler.GetSummary).Methods("GET")
	readR.HandleFunc("/transactions", walletHandler.GetTransactions).Methods("GET")

	walletR.Handle("/wallet/deposit", chain(http.HandlerFunc(walletHandler.WalletDeposit),
		auth.RequirePermission(string(key.PermissionDeposit)), idempotent)).Methods("POST")
	walletR.Handle("/payments/withdraw", chain(http.HandlerFunc(walletHandler.Withdraw),
		auth.RequirePermission(string(key.PermissionWithdraw)), idempotent)).Methods("POST")
	walletR.Handle("/projects/invest", chain(http.HandlerFunc(walletHandler.Invest),
		auth.RequirePermission(string(key.PermissionInvest)), idempotent)).Methods("POST")
	walletR.Handle("/projects/{id}/invest", chain(http.HandlerFunc(walletHandler.Invest),
		auth.RequirePermission(string(key.PermissionInvest)), idempotent)).Methods("POST")

	projectsR := api.PathPrefix("/projects").Subrouter()
	projectsR.Use(authenticator.JWTMiddleware())
	projectsR.HandleFunc("/mine", projectHandler.MyProjects).Methods("GET")
	projectsR.Handle("", chain(http.HandlerFunc(projectHandler.CreateProject),
		auth.RequireRole(user.RoleCreator, user.RoleAdmin))).Methods("POST")
	projectsR.HandleFunc("/{id}/cancel", projectHandler.CancelProject).Methods("POST")
	projectsR.Handle("/{id}/fund", chain(http.HandlerFunc(projectHandler.FundProject), idempotent)).Methods("POST")
	projectsR.Handle("/{id}/dividends", chain(http.HandlerFunc(walletHandler.DistributeDividends),
		adminOnly, idempotent)).Methods("POST")
	projectsR.Handle("/{id}/dividends/preview", chain(http.HandlerFunc(walletHandler.PreviewDividends),
		adminOnly)).Methods("GET")

	// registered after the authenticated routes so /projects/mine is not read as an id
	projectsPublic := api.PathPrefix("/projects").Subrouter()
	projectsPublic.HandleFunc("", projectHandler.ListProjects).Methods("GET")
	projectsPublic.HandleFunc("/{id}", projectHandler.GetProject).Methods("GET")

	adminR := api.PathPrefix("/admin").Subrouter()
	adminR.Use(authenticator.JWTMiddleware(), adminOnly)
	adminR.HandleFunc("/users/{id}/kyc", userHandler.SetKYCStatus).Methods("PUT")
	adminR.HandleFunc("/reconcile", walletHandler.Reconcile).Methods("GET")

	if !cfg.IsProduction() {
		r.HandleFunc("/swagger.yaml", func(w http.ResponseWriter, r *http.Request) {
			content, err := os.ReadFile("docs/swagger.yaml")
			if err != nil {
				logger.Error("Failed to read swagger.yaml", logger.Fields{"error": err.Error()})
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			modifiedContent := strings.ReplaceAll(string(content), "{{BASE_URL}}", "/")
			modifiedContent = strings.ReplaceAll(modifiedContent, "{{MIN_TRANSACTION_AMOUNT}}", fmt.Sprintf("%d", cfg.Ledger.MinTransactionAmount))

			w.Header().Set("Content-Type", "application/yaml")
			w.Write([]byte(modifiedContent))
		})

		r.PathPrefix("/swagger/").Handler(httpSwagger.Handler(
			httpSwagger.URL("/swagger.yaml"),
		))
		logger.Info("Swagger documentation enabled at /swagger/index.html")
	}

	corsObj := handlers.CORS(
		handlers.AllowedOrigins(cfg.App.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "x-api-key", middleware.IdempotencyHeader}),
	)

	return corsObj(r)
}

// chain applies middlewares so the first one listed runs first.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func healthz(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"database": "ok", "redis": "ok"}
		status := http.StatusOK

		if sqlDB, err := deps.DB.DB(); err != nil || sqlDB.PingContext(r.Context()) != nil {
			checks["database"] = "unavailable"
			status = http.StatusServiceUnavailable
		}
		if err := deps.RedisClient.Client.Ping(r.Context()).Err(); err != nil {
			checks["redis"] = "unavailable"
			status = http.StatusServiceUnavailable
		}

		if status != http.StatusOK {
			utils.BuildErrorResponse(w, status, "Service degraded", checks)
			return
		}
		utils.BuildSuccessResponse(w, status, "ok", checks)
	}
}

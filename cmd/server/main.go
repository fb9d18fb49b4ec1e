package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/zjoart/go-estate-crowdfund/cmd/routes"
	"github.com/zjoart/go-estate-crowdfund/internal/key"
	"github.com/zjoart/go-estate-crowdfund/internal/middleware"
	"github.com/zjoart/go-estate-crowdfund/internal/payment"
	"github.com/zjoart/go-estate-crowdfund/internal/project"
	"github.com/zjoart/go-estate-crowdfund/internal/user"
	"github.com/zjoart/go-estate-crowdfund/internal/wallet"
	"github.com/zjoart/go-estate-crowdfund/pkg/config"
	"github.com/zjoart/go-estate-crowdfund/pkg/database"
	"github.com/zjoart/go-estate-crowdfund/pkg/events"
	"github.com/zjoart/go-estate-crowdfund/pkg/logger"
	"github.com/zjoart/go-estate-crowdfund/pkg/metrics"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Invalid configuration", logger.WithError(err))
	}
	logger.Init(cfg.App.Env)
	defer logger.Sync()

	if err := database.Migrate(cfg.Database.URL); err != nil {
		logger.Fatal("Failed to migrate database", logger.WithError(err))
	}
	db, err := database.Connect(cfg.Database.URL, cfg.Database.MaxOpenConns)
	if err != nil {
		logger.Fatal("Failed to connect to database", logger.WithError(err))
	}

	metrics.Register()
	redisClient := events.NewRedisClient(cfg)
	gateway := payment.NewStripe(cfg)

	userRepo := user.NewRepository(db)
	keyRepo := key.NewRepository(db)
	projectRepo := project.NewRepository(db)
	walletRepo := wallet.NewRepository(db)

	onboarding := payment.NewOnboarding(cfg, gateway, userRepo)
	funding := project.NewFunding(db, projectRepo, userRepo, gateway, payment.NewFees(cfg.Ledger), cfg.Stripe.Currency)
	walletService := wallet.NewService(cfg, walletRepo, projectRepo, userRepo, gateway, onboarding)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	webhookWorker := wallet.NewWebhookWorker(walletService, funding, redisClient)
	webhookWorker.Start(ctx)
	wallet.NewReconcileWorker(walletService).Start(ctx)

	limiter := middleware.NewRateLimiterFromConfig(cfg.RateLimit)
	go limiter.Cleanup(ctx)

	r := mux.NewRouter()
	handler := routes.RegisterRoutes(r, routes.Dependencies{
		Config:      cfg,
		DB:          db,
		RedisClient: redisClient,
		Users:       userRepo,
		Keys:        keyRepo,
		Projects:    projectRepo,
		Funding:     funding,
		Onboarding:  onboarding,
		Wallet:      walletService,
		Limiter:     limiter,
	})

	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("Server starting", logger.Fields{"port": cfg.App.Port, "env": cfg.App.Env})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Could not listen", logger.Fields{"port": cfg.App.Port, "error": err.Error()})
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", logger.WithError(err))
	}

	// let an in-flight settlement finish before the process exits
	webhookWorker.Wait()

	if err := redisClient.Client.Close(); err != nil {
		logger.Warn("Failed to close redis", logger.WithError(err))
	}
	logger.Info("Server gracefully shut down")
}

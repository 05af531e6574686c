package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/platform/config"
	"github.com/commsync/commsync/internal/platform/database"
	"github.com/commsync/commsync/internal/platform/logger"
	"github.com/commsync/commsync/internal/platform/messagebroker"
	"github.com/commsync/commsync/internal/sync_service/adapters/provider"
	"github.com/commsync/commsync/internal/sync_service/adapters/provider/openphone"
	"github.com/commsync/commsync/internal/sync_service/adapters/provider/twilio"
	syncApp "github.com/commsync/commsync/internal/sync_service/app"
	syncPostgres "github.com/commsync/commsync/internal/sync_service/repository/postgres"
	"github.com/commsync/commsync/internal/webhook_service/app"
	"github.com/commsync/commsync/internal/webhook_service/repository/postgres"
	webhookHTTP "github.com/commsync/commsync/internal/webhook_service/transport/http"
)

const (
	serviceName     = "webhook_service"
	shutdownTimeout = 15 * time.Second
)

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel).With("service", serviceName)
	appLogger.Info("Starting service...")
	appLogger.Info("Configuration loaded",
		"log_level", cfg.LogLevel,
		"postgres_dsn_present", cfg.PostgresDSN != "",
		"nats_url", cfg.NATSUrl,
		"port", cfg.WebhookServicePort,
		"public_base_url", cfg.PublicBaseURL,
	)

	sealKey, err := parseSealKey(cfg.CredentialSealKey)
	if err != nil {
		appLogger.Error("Invalid credential seal key", "error", err)
		os.Exit(1)
	}

	dbPool, err := database.NewDBPool(mainCtx, cfg.PostgresDSN)
	if err != nil {
		appLogger.Error("Failed to initialize database connection pool", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	appLogger.Info("Database connection pool initialized")

	natsClient, err := messagebroker.NewClient(cfg.NATSUrl, serviceName, appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to NATS", "url", cfg.NATSUrl, "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	appLogger.Info("NATS client connected", "url", cfg.NATSUrl)

	providerAdapters := map[core_domain.ProviderName]provider.Adapter{
		core_domain.ProviderOpenPhone: openphone.New(appLogger, cfg.OpenPhoneAPIURL, nil),
		core_domain.ProviderTwilio:    twilio.New(appLogger, cfg.TwilioAPIURL, nil),
	}
	webhookAdapters := map[core_domain.ProviderName]app.ProviderWebhooks{
		core_domain.ProviderOpenPhone: openphone.New(appLogger, cfg.OpenPhoneAPIURL, nil),
		core_domain.ProviderTwilio:    twilio.New(appLogger, cfg.TwilioAPIURL, nil),
	}

	conversationRepo := syncPostgres.NewPgConversationRepository(dbPool, appLogger)
	messageRepo := syncPostgres.NewPgMessageRepository(dbPool, appLogger)
	callRepo := syncPostgres.NewPgCallRepository(dbPool, appLogger)
	credentialRepo := syncPostgres.NewPgCredentialRepository(dbPool, appLogger)
	registrationRepo := postgres.NewPgRegistrationRepository(dbPool, appLogger)
	subscriptionRepo := postgres.NewPgSubscriptionRepository(dbPool, appLogger)

	credentialSvc := syncApp.NewCredentialService(credentialRepo, providerAdapters, sealKey, appLogger)
	registrationSvc := app.NewRegistrationService(registrationRepo, webhookAdapters, credentialSvc, cfg.PublicBaseURL, appLogger)
	normalizer := app.NewNormalizer(natsClient, webhookAdapters, conversationRepo, messageRepo, callRepo, appLogger)
	dispatcher := app.NewDispatcher(natsClient, subscriptionRepo, nil, appLogger)

	normalizerSub, err := normalizer.Start(mainCtx)
	if err != nil {
		appLogger.Error("Failed to start webhook normalizer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = normalizerSub.Drain() }()

	dispatcherSub, err := dispatcher.Start(mainCtx)
	if err != nil {
		appLogger.Error("Failed to start event dispatcher", "error", err)
		os.Exit(1)
	}
	defer func() { _ = dispatcherSub.Drain() }()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	webhookHTTP.NewWebhookHandler(
		registrationRepo, registrationSvc, subscriptionRepo, dispatcher,
		webhookAdapters, natsClient, cfg.PublicBaseURL, appLogger,
	).RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.WebhookServicePort),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		appLogger.Info("HTTP server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			appLogger.Info("Shutdown signal received", "signal", sig.String())
		case <-groupCtx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		appLogger.Error("Service exited with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Service stopped")
}

func parseSealKey(hexKey string) (*[32]byte, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("seal key is not valid hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("seal key must be 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

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
	"github.com/commsync/commsync/internal/realtime"
	"github.com/commsync/commsync/internal/sync_service/adapters/provider"
	"github.com/commsync/commsync/internal/sync_service/adapters/provider/openphone"
	"github.com/commsync/commsync/internal/sync_service/adapters/provider/twilio"
	"github.com/commsync/commsync/internal/sync_service/app"
	"github.com/commsync/commsync/internal/sync_service/repository/postgres"
	syncHTTP "github.com/commsync/commsync/internal/sync_service/transport/http"
)

const (
	serviceName     = "sync_service"
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
		"port", cfg.SyncServicePort,
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

	adapters := map[core_domain.ProviderName]provider.Adapter{
		core_domain.ProviderOpenPhone: openphone.New(appLogger, cfg.OpenPhoneAPIURL, nil),
		core_domain.ProviderTwilio:    twilio.New(appLogger, cfg.TwilioAPIURL, nil),
	}

	conversationRepo := postgres.NewPgConversationRepository(dbPool, appLogger)
	messageRepo := postgres.NewPgMessageRepository(dbPool, appLogger)
	callRepo := postgres.NewPgCallRepository(dbPool, appLogger)
	contactRepo := postgres.NewPgContactRepository(dbPool, appLogger)
	credentialRepo := postgres.NewPgCredentialRepository(dbPool, appLogger)
	runRepo := postgres.NewPgSyncRunRepository(dbPool, appLogger)

	credentialSvc := app.NewCredentialService(credentialRepo, adapters, sealKey, appLogger)
	messagingSvc := app.NewMessagingService(adapters, credentialSvc, conversationRepo, messageRepo, appLogger)
	orchestrator := app.NewOrchestrator(
		adapters,
		app.NewDiscovery(appLogger),
		app.NewContactSyncer(contactRepo, appLogger),
		credentialSvc,
		conversationRepo, messageRepo, callRepo, runRepo,
		appLogger,
	)

	hub := realtime.NewHub(natsClient, appLogger)
	hubSub, err := hub.Start(mainCtx)
	if err != nil {
		appLogger.Error("Failed to start realtime hub", "error", err)
		os.Exit(1)
	}
	defer func() { _ = hubSub.Drain() }()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	syncHTTP.NewSyncHandler(orchestrator, messagingSvc, credentialSvc, appLogger).RegisterRoutes(router)
	router.Get("/ws", hub.ServeHTTP)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.SyncServicePort),
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

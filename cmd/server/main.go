// Command server runs the account-connections service: the REST API
// plus the holdings sync and token refresh loops, all in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pelleum/account-connections/internal/api"
	"github.com/pelleum/account-connections/internal/config"
	"github.com/pelleum/account-connections/internal/database"
	"github.com/pelleum/account-connections/internal/encryption"
	"github.com/pelleum/account-connections/internal/infra"
	"github.com/pelleum/account-connections/internal/institutions"
	"github.com/pelleum/account-connections/internal/monitoring"
	"github.com/pelleum/account-connections/internal/robinhood"
	"github.com/pelleum/account-connections/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("Service exited with error", zap.Error(err))
	}
	logger.Info("Service stopped.")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting account-connections service",
		zap.String("environment", cfg.Environment),
		zap.String("addr", cfg.Addr()))

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	connections := database.NewInstitutionRepo(db)
	portfolio := database.NewPortfolioRepo(db)
	users := database.NewUserRepo(db)

	seeds, err := config.LoadInstitutionsSeed(cfg.InstitutionsSeedFile)
	if err != nil {
		return err
	}
	for _, seed := range seeds {
		if err := connections.SeedInstitution(ctx, seed.InstitutionID, seed.Name); err != nil {
			return err
		}
	}
	logger.Info("Seeded supported institutions", zap.Int("count", len(seeds)))

	encryptionService, err := encryption.NewAESService(cfg.EncryptionSecretKey)
	if err != nil {
		return err
	}

	metricsRegistry := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(metricsRegistry)

	brokerage := robinhood.NewClient(robinhood.WithHTTPClient(&http.Client{
		Timeout:   30 * time.Second,
		Transport: &monitoring.Transport{Metrics: metrics},
	}))

	// The Redis cache is an accelerator; when it is absent or down the
	// instrument lookups go straight to Postgres.
	var instruments institutions.InstrumentStore = connections
	if cfg.RedisURL != "" {
		cache, err := infra.NewInstrumentCache(cfg.RedisURL, connections, logger)
		if err != nil {
			logger.Warn("Redis unavailable, instrument lookups stay on Postgres", zap.Error(err))
		} else {
			defer cache.Close()
			instruments = cache
		}
	}

	robinhoodService := institutions.NewRobinhoodService(institutions.RobinhoodParams{
		Client:      brokerage,
		Connections: connections,
		Assets:      portfolio,
		Instruments: instruments,
		Encryption:  encryptionService,
		ClientID:    cfg.RobinhoodClientID,
		DeviceToken: cfg.RobinhoodDeviceToken,
	})

	serviceRegistry := institutions.NewRegistry()
	for _, seed := range seeds {
		if seed.Name == robinhoodService.InstitutionName() {
			serviceRegistry.Register(seed.InstitutionID, robinhoodService)
		}
	}

	server := api.NewServer(api.ServerParams{
		Connections:  connections,
		Assets:       portfolio,
		Users:        users,
		Registry:     serviceRegistry,
		DB:           db,
		Logger:       logger,
		Metrics:      metrics,
		Gatherer:     metricsRegistry,
		JWTSecret:    cfg.JSONWebTokenSecret,
		JWTAlgorithm: cfg.JSONWebTokenAlgorithm,
	})
	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	holdingsSync := tasks.NewHoldingsSync(tasks.HoldingsSyncParams{
		DB:          db,
		Connections: connections,
		Portfolio:   portfolio,
		Registry:    serviceRegistry,
		Logger:      logger,
		Metrics:     metrics,
		Warmup:      tasks.HoldingsWarmup,
		Frequency:   cfg.AssetUpdateTaskFrequency,
	})
	refreshTokens := tasks.NewRefreshTokens(tasks.RefreshTokensParams{
		DB:          db,
		Connections: connections,
		Registry:    serviceRegistry,
		Logger:      logger,
		Metrics:     metrics,
		Warmup:      tasks.RefreshTokensWarmup,
		Frequency:   cfg.RefreshTokensTaskFrequency,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return holdingsSync.Run(groupCtx) })
	group.Go(func() error { return refreshTokens.Run(groupCtx) })
	group.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown failed", zap.Error(err))
			return err
		}
		logger.Info("HTTP server stopped.")
		return nil
	})

	return group.Wait()
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	parsed, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg.Level = parsed
	return cfg.Build()
}

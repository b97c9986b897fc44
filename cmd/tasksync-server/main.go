// Package main is the entrypoint for the tasksync server.
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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/superscale/tasksync/internal/api"
	"github.com/superscale/tasksync/internal/auth"
	"github.com/superscale/tasksync/internal/config"
	"github.com/superscale/tasksync/internal/db"
	"github.com/superscale/tasksync/internal/live"
	"github.com/superscale/tasksync/internal/maintenance"
	"github.com/superscale/tasksync/internal/metrics"
	"github.com/superscale/tasksync/internal/mutators"
	"github.com/superscale/tasksync/internal/push"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.LoadServerConfig()

	// Initialize logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()
	if cfg.Environment != config.EnvProduction {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	logger = logger.Level(level)

	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Str("env", string(cfg.Environment)).
		Msg("Starting tasksync server")

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("Invalid configuration")
		return 1
	}

	// Connect to database
	database, err := db.New(ctx, db.DefaultConfig(cfg.DatabaseURL), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to database")
		return 1
	}
	defer database.Close()

	// Run migrations
	if err := database.Migrate(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to run database migrations")
		return 1
	}

	provider, err := newIdentityProvider(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize identity provider")
		return 1
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	syncMetrics, err := metrics.NewPrometheusMetrics(registry)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to register metrics")
		return 1
	}

	// Live pokes, fanned out across replicas when Redis is configured
	hub := live.NewHub(live.DefaultConfig(), logger)
	defer hub.Close()
	if err := metrics.RegisterClientGauge(registry, hub.TotalClientCount); err != nil {
		logger.Error().Err(err).Msg("Failed to register live client gauge")
		return 1
	}

	var notifier push.Notifier = hub
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error().Err(err).Msg("Invalid REDIS_URL")
			return 1
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		bridge := live.NewRedisBridge(redisClient, "", hub, logger)
		notifier = bridge
		go func() {
			if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("Redis poke bridge stopped")
			}
		}()
		logger.Info().Msg("Cross-instance pokes enabled")
	}

	processor := push.NewProcessor(database, mutators.Default(), auth.NewEngine(auth.DefaultRules()), logger,
		push.WithNotifier(notifier),
		push.WithRecorder(syncMetrics),
		push.WithMaxBatch(cfg.PushMaxBatch),
	)

	routerCfg := api.DefaultConfig()
	routerCfg.AllowedOrigins = cfg.CORSOrigins
	routerCfg.Environment = cfg.Environment
	routerCfg.RateLimitRequests = int64(cfg.RateLimitRequests)
	routerCfg.RateLimitPeriod = cfg.RateLimitPeriod
	routerCfg.Version = Version
	routerCfg.Commit = Commit
	routerCfg.BuildDate = BuildDate

	router, err := api.NewRouter(routerCfg, api.Dependencies{
		Provider:  provider,
		Users:     database,
		Processor: processor,
		Live:      hub,
		Clients:   hub,
		Database:  database,
		Recorder:  syncMetrics,
		Gatherer:  registry,
		Redis:     redisClient,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize router")
		return 1
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start push client retention scheduler
	retentionScheduler := maintenance.NewRetentionScheduler(database, cfg.ClientRetention, logger)
	retentionScheduler.SetRecorder(syncMetrics)
	if err := retentionScheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start retention scheduler")
	}
	defer retentionScheduler.Stop()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down server")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("HTTP server error")
		return 1
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
		return 1
	}

	logger.Info().Msg("Server stopped gracefully")
	return 0
}

func newIdentityProvider(ctx context.Context, cfg config.ServerConfig, logger zerolog.Logger) (auth.Provider, error) {
	switch cfg.AuthMode {
	case config.AuthModeOIDC:
		return auth.NewOIDCProvider(ctx, auth.OIDCConfig{Issuer: cfg.OIDCIssuer, ClientID: cfg.OIDCClientID}, logger)
	case config.AuthModeJWT:
		return auth.NewJWTProvider(cfg.JWTSecret, cfg.JWTAudience)
	case config.AuthModeStatic:
		tokens, err := auth.ParseStaticTokens(cfg.DevTokens)
		if err != nil {
			return nil, fmt.Errorf("parse DEV_TOKENS: %w", err)
		}
		logger.Warn().Int("tokens", len(tokens)).Msg("Using static development tokens")
		return auth.NewStaticProvider(tokens), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
	}
}

// Package api provides the HTTP API for the tasksync server.
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/superscale/tasksync/internal/api/handlers"
	"github.com/superscale/tasksync/internal/api/middleware"
	"github.com/superscale/tasksync/internal/auth"
	"github.com/superscale/tasksync/internal/config"
)

// Config holds configuration for the API router.
type Config struct {
	// AllowedOrigins for CORS. Empty means all origins allowed outside production.
	AllowedOrigins []string
	Environment    config.Environment
	// RateLimitRequests is the number of requests allowed per period. Zero disables limiting.
	RateLimitRequests int64
	RateLimitPeriod   time.Duration
	// MaxBodyBytes caps sync request bodies.
	MaxBodyBytes int64
	// Version information for the version endpoint.
	Version   string
	Commit    string
	BuildDate string
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() Config {
	return Config{
		Environment:       config.EnvDevelopment,
		RateLimitRequests: 600,
		RateLimitPeriod:   time.Minute,
		MaxBodyBytes:      middleware.DefaultMaxBodyBytes,
		Version:           "dev",
		Commit:            "unknown",
		BuildDate:         "unknown",
	}
}

// Dependencies are the services the routes are served from.
type Dependencies struct {
	Provider  auth.Provider
	Users     middleware.UserProvisioner
	Processor handlers.SyncProcessor
	// Live streams pokes. Nil disables the websocket route.
	Live     handlers.LiveStreamer
	Clients  handlers.ClientCounter
	Database handlers.DatabaseHealthChecker
	Recorder handlers.SyncRecorder
	Gatherer prometheus.Gatherer
	// Redis shares rate limit counters across instances when set.
	Redis *redis.Client
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(cfg Config, deps Dependencies, logger zerolog.Logger) (*Router, error) {
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	// Global middleware
	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))
	r.Engine.Use(middleware.SecurityHeaders())
	r.Engine.Use(middleware.CORS(cfg.AllowedOrigins, cfg.Environment, logger))

	// Health check and metrics endpoints (no auth required)
	handlers.NewHealthHandler(deps.Database, deps.Clients, logger).RegisterPublicRoutes(r.Engine)
	if deps.Gatherer != nil {
		handlers.NewMetricsHandler(deps.Gatherer, logger).RegisterPublicRoutes(r.Engine)
	}
	handlers.NewVersionHandler(cfg.Version, cfg.Commit, cfg.BuildDate).RegisterPublicRoutes(r.Engine)

	// API v1 routes (auth required)
	apiV1 := r.Engine.Group("/api/v1")
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = middleware.DefaultMaxBodyBytes
	}
	apiV1.Use(middleware.BodyLimitMiddleware(maxBody))
	apiV1.Use(middleware.AuthMiddleware(deps.Provider, logger))
	if cfg.RateLimitRequests > 0 {
		rateLimiter, err := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitPeriod, deps.Redis)
		if err != nil {
			return nil, err
		}
		apiV1.Use(rateLimiter)
	}
	if deps.Users != nil {
		apiV1.Use(middleware.UserProvisionMiddleware(deps.Users, logger))
	}

	handlers.NewSyncHandler(deps.Processor, deps.Live, deps.Recorder, logger).RegisterRoutes(apiV1)

	r.logger.Info().Msg("API router initialized")

	return r, nil
}

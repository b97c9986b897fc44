package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// HealthStatus is the state of the server or one of its dependencies.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// healthTimeout bounds one /health request across all checks.
const healthTimeout = 5 * time.Second

// HealthCheckResult is the outcome of one dependency check. Error never
// carries the underlying error text.
type HealthCheckResult struct {
	Status   HealthStatus   `json:"status"`
	Duration string         `json:"duration,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status HealthStatus                  `json:"status"`
	Checks map[string]*HealthCheckResult `json:"checks,omitempty"`
}

// DatabaseHealthChecker is the store as seen by health checks.
type DatabaseHealthChecker interface {
	Ping(ctx context.Context) error
	Health() map[string]any
}

// ClientCounter reports connected live clients.
type ClientCounter interface {
	TotalClientCount() int
}

type healthCheck struct {
	name string
	run  func(ctx context.Context) *HealthCheckResult
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	checks []healthCheck
	logger zerolog.Logger
}

// NewHealthHandler creates a HealthHandler. A nil db makes the server
// report unhealthy; a nil live skips the live client check.
func NewHealthHandler(db DatabaseHealthChecker, live ClientCounter, logger zerolog.Logger) *HealthHandler {
	h := &HealthHandler{logger: logger.With().Str("component", "health_handler").Logger()}
	h.checks = append(h.checks, healthCheck{name: "database", run: h.databaseCheck(db)})
	if live != nil {
		h.checks = append(h.checks, healthCheck{name: "live", run: func(context.Context) *HealthCheckResult {
			return &HealthCheckResult{
				Status:  HealthStatusHealthy,
				Details: map[string]any{"clients": live.TotalClientCount()},
			}
		}})
	}
	return h
}

// RegisterPublicRoutes registers the probe routes. They need no auth.
func (h *HealthHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.GET("/health", h.Ready)
	r.GET("/health/live", h.Live)
}

// Live reports that the process is serving HTTP. It never touches
// dependencies, so a database outage does not get the server restarted.
// GET /health/live
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: HealthStatusHealthy})
}

// Ready runs every dependency check and answers 503 if any fails.
// GET /health
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{
		Status: HealthStatusHealthy,
		Checks: make(map[string]*HealthCheckResult, len(h.checks)),
	}
	for _, check := range h.checks {
		start := time.Now()
		result := check.run(ctx)
		result.Duration = time.Since(start).String()
		resp.Checks[check.name] = result
		if result.Status != HealthStatusHealthy {
			resp.Status = HealthStatusUnhealthy
		}
	}

	status := http.StatusOK
	if resp.Status != HealthStatusHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func (h *HealthHandler) databaseCheck(db DatabaseHealthChecker) func(context.Context) *HealthCheckResult {
	return func(ctx context.Context) *HealthCheckResult {
		if db == nil {
			return &HealthCheckResult{Status: HealthStatusUnhealthy, Error: "database not configured"}
		}
		if err := db.Ping(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("database health check failed")
			return &HealthCheckResult{Status: HealthStatusUnhealthy, Error: "database ping failed"}
		}
		return &HealthCheckResult{Status: HealthStatusHealthy, Details: db.Health()}
	}
}

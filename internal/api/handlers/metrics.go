package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// MetricsHandler serves the Prometheus exposition endpoint.
type MetricsHandler struct {
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
}

// NewMetricsHandler creates a new MetricsHandler.
func NewMetricsHandler(gatherer prometheus.Gatherer, logger zerolog.Logger) *MetricsHandler {
	return &MetricsHandler{
		gatherer: gatherer,
		logger:   logger.With().Str("component", "metrics_handler").Logger(),
	}
}

// RegisterPublicRoutes registers metrics routes that don't require authentication.
func (h *MetricsHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.GET("/metrics", h.Metrics)
}

// Metrics returns metrics in Prometheus exposition format.
// GET /metrics
func (h *MetricsHandler) Metrics(c *gin.Context) {
	promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{
		ErrorLog:      promErrorLogger{h.logger},
		ErrorHandling: promhttp.ContinueOnError,
	}).ServeHTTP(c.Writer, c.Request)
}

// promErrorLogger adapts zerolog to promhttp.Logger.
type promErrorLogger struct {
	logger zerolog.Logger
}

func (l promErrorLogger) Println(v ...interface{}) {
	l.logger.Error().Msgf("%v", v)
}

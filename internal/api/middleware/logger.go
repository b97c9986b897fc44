package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RequestIDHeader carries the request id in both directions. Clients may
// set it to correlate a push with server logs.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 64

// quietPaths are logged at debug level. Probes hit them constantly.
var quietPaths = map[string]bool{
	"/health":      true,
	"/health/live": true,
	"/metrics":     true,
}

// RequestLogger logs one line per request. Each request gets a child
// logger on its context, so handlers can attach fields with LogFields and
// have them show up on the request line.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	base := logger.With().Str("component", "http").Logger()

	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" || len(requestID) > maxRequestIDLen {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		reqLog := base.With().Str("request_id", requestID).Logger()
		c.Request = c.Request.WithContext(reqLog.WithContext(c.Request.Context()))

		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		log := zerolog.Ctx(c.Request.Context())
		var event *zerolog.Event
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		case quietPaths[route]:
			event = log.Debug()
		default:
			event = log.Info()
		}

		if id, ok := GetIdentity(c); ok {
			event.Str("user_id", id.Subject)
		}
		if orgID := c.Query("org_id"); orgID != "" {
			event.Str("org_id", orgID)
		}
		if len(c.Errors) > 0 {
			event.Str("errors", c.Errors.String())
		}

		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("body_size", c.Writer.Size()).
			Msg("request")
	}
}

// LogFields adds fields to the request line written by RequestLogger. It is
// a no-op outside a logged request.
func LogFields(c *gin.Context, fn func(zerolog.Context) zerolog.Context) {
	log := zerolog.Ctx(c.Request.Context())
	if log.GetLevel() == zerolog.Disabled {
		return
	}
	log.UpdateContext(fn)
}

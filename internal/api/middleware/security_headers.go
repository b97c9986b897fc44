package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// cspAPI forbids everything. The server only answers with JSON and
// websocket frames, never with documents.
const cspAPI = "default-src 'none'; frame-ancestors 'none'"

var apiHeaders = [][2]string{
	{"Content-Security-Policy", cspAPI},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Cross-Origin-Resource-Policy", "same-site"},
}

// SecurityHeaders sets response headers for a JSON-only API. Sync answers
// carry per-user rows, so nothing under /api may be cached by
// intermediaries.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range apiHeaders {
			h.Set(kv[0], kv[1])
		}
		if c.Request.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			h.Set("Cache-Control", "no-store")
		}

		c.Next()
	}
}

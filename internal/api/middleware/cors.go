package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/superscale/tasksync/internal/config"
)

// originMatcher decides whether a browser origin may call the sync API.
// Entries are exact origins or "https://*.example.com" patterns, which
// match any subdomain but not the bare domain.
type originMatcher struct {
	any      bool
	exact    map[string]bool
	suffixes []string
}

func newOriginMatcher(origins []string) originMatcher {
	m := originMatcher{any: len(origins) == 0, exact: make(map[string]bool)}
	for _, origin := range origins {
		origin = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(origin), "/"))
		switch {
		case origin == "*":
			m.any = true
		case strings.Contains(origin, "://*."):
			scheme, host, _ := strings.Cut(origin, "://*")
			m.suffixes = append(m.suffixes, scheme+"://|"+host)
		case origin != "":
			m.exact[origin] = true
		}
	}
	return m
}

func (m originMatcher) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if m.any {
		return true
	}
	origin = strings.ToLower(origin)
	if m.exact[origin] {
		return true
	}
	for _, s := range m.suffixes {
		scheme, domain, _ := strings.Cut(s, "|")
		host, ok := strings.CutPrefix(origin, scheme)
		if ok && strings.HasSuffix(host, domain) && len(host) > len(domain) {
			return true
		}
	}
	return false
}

// CORS lets browser replicas call the sync endpoints. Production refuses
// to start with an open policy; other environments allow every origin and
// log a warning.
func CORS(allowedOrigins []string, env config.Environment, logger zerolog.Logger) gin.HandlerFunc {
	matcher := newOriginMatcher(allowedOrigins)
	if matcher.any {
		if env == config.EnvProduction {
			panic("CORS_ORIGINS must be set in production; refusing to start with open CORS policy")
		}
		logger.Warn().Msg("CORS_ORIGINS is empty, all origins are allowed (not suitable for production)")
	}

	allowHeaders := strings.Join([]string{"Authorization", "Content-Type", RequestIDHeader}, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		c.Writer.Header().Add("Vary", "Origin")

		if matcher.allows(origin) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Headers", allowHeaders)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Expose-Headers", RequestIDHeader)
			h.Set("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

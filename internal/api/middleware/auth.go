// Package middleware provides HTTP middleware for the tasksync API.
package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/superscale/tasksync/internal/auth"
)

// ContextKey is the type for context keys used by this package.
type ContextKey string

// IdentityContextKey is the context key for the authenticated identity.
const IdentityContextKey ContextKey = "identity"

// UserProvisioner makes sure an authenticated identity has a users row.
type UserProvisioner interface {
	EnsureUser(ctx context.Context, id auth.Identity) error
}

// AuthMiddleware returns a Gin middleware that requires a valid bearer
// token. Requests without one are answered with 401 before any handler
// reads the body.
func AuthMiddleware(provider auth.Provider, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "auth_middleware").Logger()

	return func(c *gin.Context) {
		token := auth.ExtractBearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "detail": "bearer token required"})
			return
		}

		id, err := provider.Authenticate(c.Request.Context(), token)
		if err != nil || id.IsZero() {
			log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("unauthenticated request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "detail": "invalid token"})
			return
		}

		c.Set(string(IdentityContextKey), id)

		log.Debug().
			Str("user_id", id.Subject).
			Str("path", c.Request.URL.Path).
			Msg("authenticated request")

		c.Next()
	}
}

// UserProvisionMiddleware creates the users row of a first-time caller.
// Must run after AuthMiddleware.
func UserProvisionMiddleware(users UserProvisioner, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "user_provision_middleware").Logger()

	return func(c *gin.Context) {
		id, ok := GetIdentity(c)
		if !ok {
			c.Next()
			return
		}
		if err := users.EnsureUser(c.Request.Context(), id); err != nil {
			log.Error().Err(err).Str("user_id", id.Subject).Msg("failed to provision user")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal", "detail": "failed to provision user"})
			return
		}
		c.Next()
	}
}

// GetIdentity retrieves the authenticated identity from the Gin context.
func GetIdentity(c *gin.Context) (auth.Identity, bool) {
	v, exists := c.Get(string(IdentityContextKey))
	if !exists {
		return auth.Identity{}, false
	}
	id, ok := v.(auth.Identity)
	if !ok || id.IsZero() {
		return auth.Identity{}, false
	}
	return id, true
}

// RequireIdentity gets the authenticated identity or aborts with 401.
// Use this in handlers that expect AuthMiddleware to have already run.
func RequireIdentity(c *gin.Context) (auth.Identity, bool) {
	id, ok := GetIdentity(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "detail": "authentication required"})
	}
	return id, ok
}

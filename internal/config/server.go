// Package config provides configuration management for tasksync.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// AuthMode selects how bearer tokens are verified.
type AuthMode string

const (
	AuthModeOIDC   AuthMode = "oidc"
	AuthModeJWT    AuthMode = "jwt"
	AuthModeStatic AuthMode = "static"
)

// ServerConfig holds server-level configuration loaded from environment variables.
type ServerConfig struct {
	Environment  Environment
	Debug        bool // debug-level logging
	ListenAddr   string
	DatabaseURL  string
	AuthMode     AuthMode
	OIDCIssuer   string
	OIDCClientID string
	JWTSecret    string
	JWTAudience  string
	DevTokens    string // token=subject[:email],... for AuthModeStatic
	RedisURL     string // empty disables cross-instance pokes
	CORSOrigins  []string

	RateLimitRequests int           // requests per period per client IP, 0 disables
	RateLimitPeriod   time.Duration // default 1m
	PushMaxBatch      int           // mutations per push (default: 100)
	ClientRetention   time.Duration // idle push clients are forgotten after this (default: 30 days)
}

// LoadServerConfig reads server configuration from environment variables.
func LoadServerConfig() ServerConfig {
	env := Environment(os.Getenv("ENV"))
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
		// valid
	default:
		env = EnvDevelopment
	}

	mode := AuthMode(strings.ToLower(os.Getenv("AUTH_MODE")))
	switch mode {
	case AuthModeOIDC, AuthModeJWT, AuthModeStatic:
	default:
		mode = AuthModeOIDC
	}

	pushMaxBatch := getEnvInt("PUSH_MAX_BATCH", 100)
	if pushMaxBatch <= 0 {
		pushMaxBatch = 100
	}

	retentionDays := getEnvInt("CLIENT_RETENTION_DAYS", 30)
	if retentionDays <= 0 {
		retentionDays = 30
	}

	rateLimit := getEnvInt("RATE_LIMIT_REQUESTS", 600)
	if rateLimit < 0 {
		rateLimit = 0
	}

	return ServerConfig{
		Environment:       env,
		Debug:             getEnvBool("DEBUG", false),
		ListenAddr:        getEnv("LISTEN_ADDR", ":8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		AuthMode:          mode,
		OIDCIssuer:        os.Getenv("OIDC_ISSUER"),
		OIDCClientID:      os.Getenv("OIDC_CLIENT_ID"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		JWTAudience:       os.Getenv("JWT_AUDIENCE"),
		DevTokens:         os.Getenv("DEV_TOKENS"),
		RedisURL:          os.Getenv("REDIS_URL"),
		CORSOrigins:       getEnvList("CORS_ORIGINS"),
		RateLimitRequests: rateLimit,
		RateLimitPeriod:   getEnvDuration("RATE_LIMIT_PERIOD", time.Minute),
		PushMaxBatch:      pushMaxBatch,
		ClientRetention:   time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// Validate checks that the settings required by the selected modes are present.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	switch c.AuthMode {
	case AuthModeOIDC:
		if c.OIDCIssuer == "" || c.OIDCClientID == "" {
			errs = append(errs, errors.New("OIDC_ISSUER and OIDC_CLIENT_ID are required for oidc auth"))
		}
	case AuthModeJWT:
		if len(c.JWTSecret) < 32 {
			errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes for jwt auth"))
		}
	case AuthModeStatic:
		if c.DevTokens == "" {
			errs = append(errs, errors.New("DEV_TOKENS is required for static auth"))
		}
		if c.Environment == EnvProduction {
			errs = append(errs, fmt.Errorf("static auth is not allowed in %s", c.Environment))
		}
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvDuration parses a Go duration, returning the default if unset or invalid.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

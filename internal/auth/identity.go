// Package auth authenticates callers and enforces the per-table permission
// predicates that decide which rows an identity may read and write.
package auth

import (
	"context"
	"fmt"
	"strings"
)

// ErrInvalidToken is returned when a bearer token cannot be verified.
var ErrInvalidToken = fmt.Errorf("invalid token")

// Identity is the verified caller. A zero Subject means unauthenticated.
type Identity struct {
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
}

// IsZero reports whether the identity is unauthenticated.
func (i Identity) IsZero() bool {
	return i.Subject == ""
}

// Provider turns a bearer token into an Identity.
type Provider interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// ExtractBearerToken extracts the token from an Authorization header value.
// Returns an empty string if the header is not a Bearer token.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// StaticProvider authenticates a fixed set of tokens. For development and
// tests only.
type StaticProvider struct {
	tokens map[string]Identity
}

// NewStaticProvider creates a provider from a token to identity map.
func NewStaticProvider(tokens map[string]Identity) *StaticProvider {
	copied := make(map[string]Identity, len(tokens))
	for k, v := range tokens {
		copied[k] = v
	}
	return &StaticProvider{tokens: copied}
}

// ParseStaticTokens parses "token=subject[:email],..." as used by the
// DEV_TOKENS setting.
func ParseStaticTokens(spec string) (map[string]Identity, error) {
	tokens := make(map[string]Identity)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, ident, ok := strings.Cut(entry, "=")
		if !ok || token == "" || ident == "" {
			return nil, fmt.Errorf("invalid token entry %q", entry)
		}
		subject, email, _ := strings.Cut(ident, ":")
		tokens[token] = Identity{Subject: subject, Email: email}
	}
	return tokens, nil
}

// Authenticate implements Provider.
func (p *StaticProvider) Authenticate(_ context.Context, token string) (Identity, error) {
	id, ok := p.tokens[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}

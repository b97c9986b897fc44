package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWTProvider verifies HMAC-signed access tokens with a shared secret.
type JWTProvider struct {
	secret   []byte
	audience string
}

// NewJWTProvider creates a provider. An empty audience disables the
// audience check.
func NewJWTProvider(secret, audience string) (*JWTProvider, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &JWTProvider{secret: []byte(secret), audience: audience}, nil
}

type accessClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// Authenticate implements Provider.
func (p *JWTProvider) Authenticate(_ context.Context, token string) (Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if p.audience != "" {
		opts = append(opts, jwt.WithAudience(p.audience))
	}

	var claims accessClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return p.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return Identity{Subject: claims.Subject, Email: claims.Email, Name: claims.Name}, nil
}

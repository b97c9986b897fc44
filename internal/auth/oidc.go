package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog"
)

// OIDCConfig holds OIDC provider configuration.
type OIDCConfig struct {
	Issuer   string
	ClientID string
}

// OIDCProvider verifies ID tokens issued by an OpenID Connect provider.
type OIDCProvider struct {
	verifier *oidc.IDTokenVerifier
	logger   zerolog.Logger
}

// NewOIDCProvider discovers the issuer and builds a verifier for its keys.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig, logger zerolog.Logger) (*OIDCProvider, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("create OIDC provider: %w", err)
	}

	p := &OIDCProvider{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		logger:   logger.With().Str("component", "oidc").Logger(),
	}
	p.logger.Info().Str("issuer", cfg.Issuer).Msg("OIDC provider initialized")
	return p, nil
}

// idTokenClaims holds the standard claims from an ID token.
type idTokenClaims struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

// Authenticate implements Provider.
func (p *OIDCProvider) Authenticate(ctx context.Context, token string) (Identity, error) {
	idToken, err := p.verifier.Verify(ctx, token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var claims idTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("extract claims: %w", err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	p.logger.Debug().Str("subject", claims.Subject).Msg("ID token verified")
	return Identity{Subject: claims.Subject, Email: claims.Email, Name: claims.Name}, nil
}

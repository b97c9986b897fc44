package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAudience = "tasksync-cli"

// testIssuer is an OpenID issuer backed by one RSA key.
type testIssuer struct {
	url string
	key *rsa.PrivateKey
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	iss := &testIssuer{key: key}

	r := gin.New()
	r.GET("/.well-known/openid-configuration", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"issuer":                                iss.url,
			"authorization_endpoint":                iss.url + "/authorize",
			"jwks_uri":                              iss.url + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	r.GET("/keys", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"keys": []gin.H{{
			"kty": "RSA",
			"kid": "k1",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	iss.url = srv.URL
	return iss
}

// sign issues a token for alice; edit overrides individual claims.
func (iss *testIssuer) sign(t *testing.T, key *rsa.PrivateKey, edit func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":   iss.url,
		"aud":   testAudience,
		"sub":   "alice",
		"email": "alice@tasksync.dev",
		"name":  "Alice",
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	if edit != nil {
		edit(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestOIDCProvider_Authenticate(t *testing.T) {
	iss := newTestIssuer(t)
	ctx := context.Background()

	provider, err := NewOIDCProvider(ctx, OIDCConfig{Issuer: iss.url, ClientID: testAudience}, zerolog.Nop())
	require.NoError(t, err)

	id, err := provider.Authenticate(ctx, iss.sign(t, iss.key, nil))
	require.NoError(t, err)
	assert.Equal(t, Identity{Subject: "alice", Email: "alice@tasksync.dev", Name: "Alice"}, id)

	forged, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	rejected := map[string]string{
		"expired":        iss.sign(t, iss.key, func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Minute).Unix() }),
		"other audience": iss.sign(t, iss.key, func(c jwt.MapClaims) { c["aud"] = "someone-else" }),
		"other issuer":   iss.sign(t, iss.key, func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }),
		"forged":         iss.sign(t, forged, nil),
		"no subject":     iss.sign(t, iss.key, func(c jwt.MapClaims) { delete(c, "sub") }),
		"not a jwt":      "alice-token",
	}
	for name, token := range rejected {
		t.Run(name, func(t *testing.T) {
			_, err := provider.Authenticate(ctx, token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestNewOIDCProvider_DiscoveryFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewOIDCProvider(context.Background(), OIDCConfig{Issuer: srv.URL, ClientID: testAudience}, zerolog.Nop())
	assert.Error(t, err)
}

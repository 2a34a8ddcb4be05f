package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v4"

	"github.com/forge-os/forgeos/internal/config"
)

func jwksServer(t *testing.T, key *rsa.PrivateKey, kid string) *httptest.Server {
	t.Helper()
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key: &key.PublicKey, KeyID: kid, Use: "sig", Algorithm: "RS256",
	}}}
	body, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("encoding jwks: %v", err)
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("signing rs256 token: %v", err)
	}
	return s
}

func TestAuthenticateRS256ViaJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	srv := jwksServer(t, key, "kid-1")
	defer srv.Close()

	a, err := NewAuthenticator(config.AuthConfig{
		JWKSURL:        srv.URL,
		JWKSCacheTTLMs: 60000,
		JWKSTimeoutMs:  2000,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewAuthenticator() error: %v", err)
	}

	token := signRS256(t, key, "kid-1", jwt.MapClaims{
		"sub":   "svc-rs",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": "agent:read metrics:read",
	})
	p, err := a.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if p.Method != "rs256" || p.Subject != "svc-rs" || !p.HasScope("metrics:read") {
		t.Errorf("principal = %+v", p)
	}

	// A token signed by a different key must fail.
	other, _ := rsa.GenerateKey(rand.Reader, 2048)
	forged := signRS256(t, other, "kid-1", jwt.MapClaims{
		"sub": "evil", "exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := a.Authenticate(context.Background(), forged); err == nil {
		t.Error("forged RS256 token should be rejected")
	}
}

func TestJWKSPinnedKids(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := jwksServer(t, key, "unpinned-kid")
	defer srv.Close()

	a, err := NewAuthenticator(config.AuthConfig{
		JWKSURL:         srv.URL,
		JWKSAllowedKids: []string{"only-this-kid"},
		JWKSCacheTTLMs:  60000,
		JWKSTimeoutMs:   2000,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewAuthenticator() error: %v", err)
	}

	token := signRS256(t, key, "unpinned-kid", jwt.MapClaims{
		"sub": "x", "exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := a.Authenticate(context.Background(), token); err == nil {
		t.Error("token with unpinned kid should be rejected")
	}
}

func TestOIDCDiscovery(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	jwks := jwksServer(t, key, "kid-oidc")
	defer jwks.Close()

	var issuer string
	discovery := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":   issuer,
			"jwks_uri": jwks.URL,
		})
	}))
	defer discovery.Close()
	issuer = discovery.URL

	a, err := NewAuthenticator(config.AuthConfig{
		OIDCIssuer:     discovery.URL,
		JWKSCacheTTLMs: 60000,
		JWKSTimeoutMs:  2000,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewAuthenticator() error: %v", err)
	}

	token := signRS256(t, key, "kid-oidc", jwt.MapClaims{
		"sub": "svc-oidc", "iss": discovery.URL,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	p, err := a.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if p.Subject != "svc-oidc" {
		t.Errorf("subject = %q", p.Subject)
	}
}

func TestOIDCDiscoveryIssuerMismatch(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	jwks := jwksServer(t, key, "kid-x")
	defer jwks.Close()

	discovery := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":   "https://someone-else.example",
			"jwks_uri": jwks.URL,
		})
	}))
	defer discovery.Close()

	c := NewJWKSClient(config.AuthConfig{
		OIDCIssuer:     discovery.URL,
		JWKSCacheTTLMs: 60000,
		JWKSTimeoutMs:  2000,
	}, testLogger())

	if _, err := c.Key(context.Background(), "kid-x"); err == nil {
		t.Error("discovery with mismatched issuer must fail")
	}
}

// Package auth implements bearer authentication for the ForgeOS control
// planes. A single Authorization header may carry a shared admin token, a
// registered service token, an HS256 JWT, or an RS256 JWT verified against a
// JWKS document. Authentication fails closed; quotas fail open.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/forge-os/forgeos/internal/config"
	"github.com/forge-os/forgeos/internal/telemetry"
)

// ErrUnauthorized is returned when no configured method accepts the token.
var ErrUnauthorized = errors.New("unauthorized")

// ScopeAdmin is the super-scope implying every other scope.
const ScopeAdmin = "admin"

// Principal is an authenticated caller.
type Principal struct {
	Subject string
	Scopes  []string
	Method  string // admin | service | hs256 | rs256
}

// HasScope reports whether the principal carries the given scope. The admin
// scope implies all others.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// ServiceToken is one entry of the service-token registry. Either Token
// (plaintext) or TokenBcrypt (bcrypt hash) identifies the credential.
type ServiceToken struct {
	Subject     string   `json:"subject"`
	Scopes      []string `json:"scopes"`
	Type        string   `json:"type"`
	Token       string   `json:"token,omitempty"`
	TokenBcrypt string   `json:"tokenBcrypt,omitempty"`
}

// Authenticator validates bearer tokens against every configured method.
type Authenticator struct {
	adminTokens   []string
	serviceTokens []ServiceToken
	hs256Secret   []byte
	jwks          *JWKSClient
	issuer        string
	audience      string
	logger        *slog.Logger
}

// NewAuthenticator builds an Authenticator from config. The JWKS client is
// created when either a JWKS URL or an OIDC issuer is configured.
func NewAuthenticator(cfg config.AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	a := &Authenticator{
		adminTokens: cfg.AdminTokens,
		hs256Secret: []byte(cfg.JWTHS256Secret),
		issuer:      cfg.JWTIssuer,
		audience:    cfg.JWTAudience,
		logger:      logger,
	}

	if a.issuer == "" {
		a.issuer = cfg.OIDCIssuer
	}

	if cfg.ServiceTokensJSON != "" {
		if err := json.Unmarshal([]byte(cfg.ServiceTokensJSON), &a.serviceTokens); err != nil {
			return nil, fmt.Errorf("parsing service token registry: %w", err)
		}
		for i, st := range a.serviceTokens {
			if st.Subject == "" {
				return nil, fmt.Errorf("service token %d: subject is required", i)
			}
			if st.Token == "" && st.TokenBcrypt == "" {
				return nil, fmt.Errorf("service token %q: token or tokenBcrypt is required", st.Subject)
			}
		}
	}

	if cfg.JWKSURL != "" || cfg.OIDCIssuer != "" {
		a.jwks = NewJWKSClient(cfg, logger)
	}

	return a, nil
}

// Configured reports whether any authentication method is set up. With no
// method configured the control plane runs open (dev mode) and the caller
// should skip the middleware.
func (a *Authenticator) Configured() bool {
	return len(a.adminTokens) > 0 || len(a.serviceTokens) > 0 ||
		len(a.hs256Secret) > 0 || a.jwks != nil
}

// Authenticate resolves a bearer token to a principal, trying admin tokens,
// the service-token registry, then JWTs, in that order.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}

	for _, admin := range a.adminTokens {
		if admin != "" && subtle.ConstantTimeCompare([]byte(admin), []byte(token)) == 1 {
			telemetry.AuthTotal.WithLabelValues("admin", "ok").Inc()
			return &Principal{Subject: "admin", Scopes: []string{ScopeAdmin}, Method: "admin"}, nil
		}
	}

	for _, st := range a.serviceTokens {
		if st.Token != "" && subtle.ConstantTimeCompare([]byte(st.Token), []byte(token)) == 1 {
			telemetry.AuthTotal.WithLabelValues("service", "ok").Inc()
			return &Principal{Subject: st.Subject, Scopes: st.Scopes, Method: "service"}, nil
		}
		if st.TokenBcrypt != "" {
			if err := bcrypt.CompareHashAndPassword([]byte(st.TokenBcrypt), []byte(token)); err == nil {
				telemetry.AuthTotal.WithLabelValues("service", "ok").Inc()
				return &Principal{Subject: st.Subject, Scopes: st.Scopes, Method: "service"}, nil
			}
		}
	}

	if strings.Count(token, ".") == 2 {
		p, err := a.authenticateJWT(ctx, token)
		if err == nil {
			return p, nil
		}
		a.logger.Debug("jwt rejected", "error", err)
	}

	return nil, ErrUnauthorized
}

func (a *Authenticator) authenticateJWT(ctx context.Context, token string) (*Principal, error) {
	method := "hs256"
	claims := jwt.MapClaims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		switch t.Method.Alg() {
		case "HS256":
			if len(a.hs256Secret) == 0 {
				return nil, errors.New("hs256 not configured")
			}
			return a.hs256Secret, nil
		case "RS256":
			method = "rs256"
			if a.jwks == nil {
				return nil, errors.New("jwks not configured")
			}
			kid, _ := t.Header["kid"].(string)
			return a.jwks.Key(ctx, kid)
		default:
			return nil, fmt.Errorf("unsupported alg %q", t.Method.Alg())
		}
	})
	if err != nil || !parsed.Valid {
		telemetry.AuthTotal.WithLabelValues(method, "fail").Inc()
		if err == nil {
			err = errors.New("invalid token")
		}
		return nil, fmt.Errorf("parsing jwt: %w", err)
	}

	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		telemetry.AuthTotal.WithLabelValues(method, "fail").Inc()
		return nil, errors.New("issuer mismatch")
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, true) {
		telemetry.AuthTotal.WithLabelValues(method, "fail").Inc()
		return nil, errors.New("audience mismatch")
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		subject = "jwt"
	}

	telemetry.AuthTotal.WithLabelValues(method, "ok").Inc()
	return &Principal{Subject: subject, Scopes: scopesFromClaims(claims), Method: method}, nil
}

// scopesFromClaims derives scopes from a `scopes` array or a space/comma
// separated `scope` string.
func scopesFromClaims(claims jwt.MapClaims) []string {
	if raw, ok := claims["scopes"].([]any); ok {
		out := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	if raw, ok := claims["scope"].(string); ok {
		fields := strings.FieldsFunc(raw, func(r rune) bool {
			return r == ' ' || r == ','
		})
		out := make([]string, 0, len(fields))
		for _, f := range fields {
			if f != "" {
				out = append(out, f)
			}
		}
		return out
	}
	return nil
}

package auth

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/forge-os/forgeos/internal/config"
	"github.com/forge-os/forgeos/internal/telemetry"
)

// JWKSClient fetches and caches the signing keys used to verify RS256 JWTs.
// The JWKS URL is configured directly or discovered from the OIDC issuer's
// well-known document; keys may be pinned by kid.
type JWKSClient struct {
	jwksURL     string
	oidcIssuer  string
	allowedKids map[string]bool
	ttl         time.Duration
	httpc       *http.Client
	logger      *slog.Logger

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

// NewJWKSClient creates a JWKS client from auth config.
func NewJWKSClient(cfg config.AuthConfig, logger *slog.Logger) *JWKSClient {
	c := &JWKSClient{
		jwksURL:    cfg.JWKSURL,
		oidcIssuer: strings.TrimRight(cfg.OIDCIssuer, "/"),
		ttl:        time.Duration(cfg.JWKSCacheTTLMs) * time.Millisecond,
		httpc:      &http.Client{Timeout: time.Duration(cfg.JWKSTimeoutMs) * time.Millisecond},
		logger:     logger,
		keys:       map[string]crypto.PublicKey{},
	}
	if len(cfg.JWKSAllowedKids) > 0 {
		c.allowedKids = make(map[string]bool, len(cfg.JWKSAllowedKids))
		for _, kid := range cfg.JWKSAllowedKids {
			if kid != "" {
				c.allowedKids[kid] = true
			}
		}
	}
	return c
}

// Key returns the public key for the given kid, refreshing the cached JWKS
// document when the cache is stale or the kid is unknown.
func (c *JWKSClient) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	if c.allowedKids != nil && !c.allowedKids[kid] {
		return nil, fmt.Errorf("kid %q is not in the allowed set", kid)
	}

	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := time.Since(c.fetchedAt) < c.ttl
	c.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		// A stale key beats no key only if we actually have one.
		if ok {
			c.logger.Warn("jwks refresh failed, using cached key", "error", err)
			return key, nil
		}
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("no signing key for kid %q", kid)
	}
	return key, nil
}

func (c *JWKSClient) refresh(ctx context.Context) error {
	url := c.jwksURL
	if url == "" {
		discovered, err := c.discover(ctx)
		if err != nil {
			return err
		}
		url = discovered
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building jwks request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		telemetry.JWKSFetchesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("fetching jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		telemetry.JWKSFetchesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("fetching jwks: status %d", resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		telemetry.JWKSFetchesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("decoding jwks: %w", err)
	}

	keys := make(map[string]crypto.PublicKey)
	for _, k := range set.Keys {
		if !k.Valid() || (k.Use != "" && k.Use != "sig") {
			continue
		}
		if c.allowedKids != nil && !c.allowedKids[k.KeyID] {
			continue
		}
		keys[k.KeyID] = k.Key
	}
	if len(keys) == 0 {
		telemetry.JWKSFetchesTotal.WithLabelValues("empty").Inc()
		return errors.New("jwks document contained no usable signing keys")
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	telemetry.JWKSFetchesTotal.WithLabelValues("ok").Inc()
	return nil
}

// discover resolves the JWKS URL from the OIDC issuer's well-known document.
// The document's issuer must match the configured issuer exactly.
func (c *JWKSClient) discover(ctx context.Context) (string, error) {
	if c.oidcIssuer == "" {
		return "", errors.New("neither jwks url nor oidc issuer configured")
	}

	wellKnown := c.oidcIssuer + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return "", fmt.Errorf("building discovery request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		telemetry.OIDCDiscoveriesTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("fetching oidc discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		telemetry.OIDCDiscoveriesTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("fetching oidc discovery: status %d", resp.StatusCode)
	}

	var doc struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		telemetry.OIDCDiscoveriesTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("decoding oidc discovery: %w", err)
	}
	if strings.TrimRight(doc.Issuer, "/") != c.oidcIssuer {
		telemetry.OIDCDiscoveriesTotal.WithLabelValues("issuer_mismatch").Inc()
		return "", fmt.Errorf("discovery issuer %q does not match configured %q", doc.Issuer, c.oidcIssuer)
	}
	if doc.JWKSURI == "" {
		telemetry.OIDCDiscoveriesTotal.WithLabelValues("error").Inc()
		return "", errors.New("discovery document has no jwks_uri")
	}

	telemetry.OIDCDiscoveriesTotal.WithLabelValues("ok").Inc()
	return doc.JWKSURI, nil
}

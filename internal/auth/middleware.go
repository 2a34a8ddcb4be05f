package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/forge-os/forgeos/internal/httpserver"
)

type contextKey string

const principalKey contextKey = "principal"

// FromContext returns the authenticated principal, or nil.
func FromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalKey).(*Principal); ok {
		return p
	}
	return nil
}

// RouteScope maps a request to its required scope and quota bucket. An empty
// scope means the route is public.
func RouteScope(method, path string) (scope, bucket string) {
	switch {
	case path == "/health":
		return "", ""
	case method == http.MethodGet && path == "/metrics":
		return "metrics:read", BucketRead
	case method == http.MethodPost && path == "/v1/scheduler/tick":
		return "scheduler:tick", BucketTick
	case method == http.MethodGet && strings.HasPrefix(path, "/v1/"):
		return "agent:read", BucketRead
	case strings.HasPrefix(path, "/v1/"):
		return "agent:write", BucketWrite
	default:
		return "agent:write", BucketWrite
	}
}

// Middleware authenticates requests, enforces the route scope map, and
// applies per-subject quotas. Auth fails closed; when authReads is false,
// GET routes are served anonymously (quotas still keyed by "anonymous").
func Middleware(a *Authenticator, quota *QuotaLimiter, authReads bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope, bucket := RouteScope(r.Method, r.URL.Path)
			if scope == "" {
				next.ServeHTTP(w, r)
				return
			}

			subject := "anonymous"
			anonymousRead := !authReads && r.Method == http.MethodGet

			if !anonymousRead {
				token := bearerToken(r)
				principal, err := a.Authenticate(r.Context(), token)
				if err != nil {
					httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized")
					return
				}
				if !principal.HasScope(scope) {
					logger.Debug("scope denied",
						"subject", principal.Subject, "scope", scope, "path", r.URL.Path)
					httpserver.RespondError(w, http.StatusForbidden, "forbidden")
					return
				}
				subject = principal.Subject
				r = r.WithContext(context.WithValue(r.Context(), principalKey, principal))
			}

			if quota != nil && !quota.Allow(r.Context(), subject, bucket) {
				httpserver.RespondError(w, http.StatusTooManyRequests, "quota_exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the credential from Authorization: Bearer or the
// X-Scheduler-Token header.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(strings.ToLower(h), "bearer ") {
			return strings.TrimSpace(h[len("bearer "):])
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Scheduler-Token"))
}

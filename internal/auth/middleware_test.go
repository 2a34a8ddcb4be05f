package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/forge-os/forgeos/internal/config"
)

func newTestMiddleware(t *testing.T, authReads bool, quota *QuotaLimiter) http.Handler {
	t.Helper()
	a, err := NewAuthenticator(config.AuthConfig{AdminTokens: []string{"admin-tok"}}, testLogger())
	if err != nil {
		t.Fatalf("NewAuthenticator() error: %v", err)
	}
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return Middleware(a, quota, authReads, testLogger())(inner)
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	h := newTestMiddleware(t, true, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/v1/agents/register", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestMiddlewareAcceptsBearer(t *testing.T) {
	h := newTestMiddleware(t, true, nil)
	r := httptest.NewRequest("POST", "/v1/agents/register", nil)
	r.Header.Set("Authorization", "Bearer admin-tok")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestMiddlewareAcceptsSchedulerTokenHeader(t *testing.T) {
	h := newTestMiddleware(t, true, nil)
	r := httptest.NewRequest("GET", "/v1/agents", nil)
	r.Header.Set("X-Scheduler-Token", "admin-tok")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestMiddlewareHealthIsPublic(t *testing.T) {
	h := newTestMiddleware(t, true, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestMiddlewareAnonymousReads(t *testing.T) {
	h := newTestMiddleware(t, false, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/v1/agents", nil))
	if w.Code != http.StatusOK {
		t.Errorf("GET status = %d, want 200 (auth_reads disabled)", w.Code)
	}

	// Writes still require auth.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/v1/agents/register", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("POST status = %d, want 401", w.Code)
	}
}

func TestQuotaExceeded(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	quota := NewQuotaLimiter(rdb, "forgeos", config.QuotaConfig{
		WindowMs: 60000, Read: 100, Write: 2, Tick: 1,
	}, testLogger())

	h := newTestMiddleware(t, true, quota)

	for i := 0; i < 2; i++ {
		r := httptest.NewRequest("POST", "/v1/agents/register", nil)
		r.Header.Set("Authorization", "Bearer admin-tok")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
	}

	r := httptest.NewRequest("POST", "/v1/agents/register", nil)
	r.Header.Set("Authorization", "Bearer admin-tok")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
}

func TestQuotaFailsOpenWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	quota := NewQuotaLimiter(rdb, "forgeos", config.QuotaConfig{
		WindowMs: 60000, Read: 1, Write: 1, Tick: 1,
	}, testLogger())
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !quota.Allow(ctx, "s", BucketWrite) {
		t.Error("Allow() should fail open when redis is unreachable")
	}
}

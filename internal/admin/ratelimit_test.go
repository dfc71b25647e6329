package admin

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestRateLimiter(t *testing.T) *RateLimitMiddleware {
	t.Helper()
	rl := NewRateLimitMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(rl.Stop)
	return rl
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware_AllowsNormalRequests(t *testing.T) {
	rl := newTestRateLimiter(t)

	called := false
	handler := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Error("expected handler to be called")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_BlocksExcessiveRequests(t *testing.T) {
	rl := newTestRateLimiter(t)
	handler := rl.Wrap(okHandler())

	// Manual tick endpoint: 6 req/min with burst=2.
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tick", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tick", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("third request: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429 response")
	}
}

func TestRateLimitMiddleware_DifferentEndpointsIndependent(t *testing.T) {
	rl := newTestRateLimiter(t)
	handler := rl.Wrap(okHandler())

	// Exhaust the tick burst.
	for i := 0; i < 3; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/tick", nil))
	}

	// Queue drains hold their own limiter.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/queue/process", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("queue process request: expected 200, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_PerClientIsolation(t *testing.T) {
	rl := newTestRateLimiter(t)
	handler := rl.Wrap(okHandler())

	// Exhaust the tick burst for the default test client IP.
	for i := 0; i < 3; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/tick", nil))
	}

	// A different forwarded client starts with a fresh bucket.
	req := httptest.NewRequest(http.MethodPost, "/api/tick", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("forwarded client: expected 200, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_EvictsStaleLimiters(t *testing.T) {
	rl := newTestRateLimiter(t)
	handler := rl.Wrap(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/tick", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if got := rl.LimiterCount(); got != 2 {
		t.Fatalf("expected 2 limiters, got %d", got)
	}

	rl.nowFunc = func() time.Time { return time.Now().Add(staleLimiterTTL + time.Minute) }
	rl.evictStale()

	if got := rl.LimiterCount(); got != 0 {
		t.Errorf("expected stale limiters evicted, got %d", got)
	}
}

package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/basket/go-wayang/internal/config"
	"github.com/basket/go-wayang/internal/gateway"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(h http.Handler, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_UnderLimit(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{RequestsPerMinute: 60, Burst: 10}, nil)
	h := rl.Wrap(okHandler())
	for i := 0; i < 5; i++ {
		if rec := doRequest(h, "/mcp", "10.0.0.1:5000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{RequestsPerMinute: 6, Burst: 3}, nil)
	h := rl.Wrap(okHandler())

	// Exhaust the burst.
	for i := 0; i < 3; i++ {
		if rec := doRequest(h, "/mcp", "10.0.0.1:5000"); rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := doRequest(h, "/mcp", "10.0.0.1:5001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retry < 1 || retry > 10 {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimit_PerClient(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{RequestsPerMinute: 1, Burst: 1}, nil)
	h := rl.Wrap(okHandler())
	if rec := doRequest(h, "/mcp", "10.0.0.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("client A first request: %d", rec.Code)
	}
	if rec := doRequest(h, "/mcp", "10.0.0.2:1"); rec.Code != http.StatusOK {
		t.Fatalf("client B should have its own bucket, got %d", rec.Code)
	}
	if rec := doRequest(h, "/mcp", "10.0.0.1:2"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("client A second request: %d", rec.Code)
	}
	if rl.ClientCount() != 2 {
		t.Fatalf("client count = %d", rl.ClientCount())
	}
}

func TestRateLimit_HealthzExempt(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{RequestsPerMinute: 1, Burst: 1}, nil)
	h := rl.Wrap(okHandler())
	for i := 0; i < 5; i++ {
		if rec := doRequest(h, "/healthz", "10.0.0.1:1"); rec.Code != http.StatusOK {
			t.Fatalf("healthz request %d: %d", i, rec.Code)
		}
	}
}

func TestRateLimit_DisabledReturnsNil(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{}, nil)
	if rl != nil {
		t.Fatal("expected nil limiter when requests_per_minute is 0")
	}
	h := rl.Wrap(okHandler())
	for i := 0; i < 20; i++ {
		if rec := doRequest(h, "/mcp", "10.0.0.1:1"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i, rec.Code)
		}
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{RequestsPerMinute: 60, Burst: 5}, nil)
	h := rl.Wrap(okHandler())
	doRequest(h, "/mcp", "10.0.0.1:1")
	doRequest(h, "/mcp", "10.0.0.2:1")

	rl.EvictStale(time.Hour)
	if rl.ClientCount() != 2 {
		t.Fatalf("fresh clients evicted: %d", rl.ClientCount())
	}
	time.Sleep(5 * time.Millisecond)
	rl.EvictStale(time.Millisecond)
	if rl.ClientCount() != 0 {
		t.Fatalf("stale clients kept: %d", rl.ClientCount())
	}
}

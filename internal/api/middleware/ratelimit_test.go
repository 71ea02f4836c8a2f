package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIPRateLimiterAllow(t *testing.T) {
	cfg := RateLimitConfig{
		Rate:            rate.Limit(2),
		Burst:           2,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	}
	rl := NewIPRateLimiter(cfg, discardLogger())
	defer rl.Stop()

	if !rl.Allow("192.168.1.1") {
		t.Fatal("expected first request to be allowed")
	}
	if !rl.Allow("192.168.1.1") {
		t.Fatal("expected second request to be allowed")
	}
	if rl.Allow("192.168.1.1") {
		t.Fatal("expected third request to exceed the burst")
	}

	// Buckets are per client.
	if !rl.Allow("192.168.1.2") {
		t.Fatal("expected request from a different client to be allowed")
	}
}

func TestIPRateLimiterSweep(t *testing.T) {
	cfg := RateLimitConfig{
		Rate:            rate.Limit(10),
		Burst:           10,
		CleanupInterval: time.Hour,
		MaxAge:          0, // everything is instantly idle
	}
	rl := NewIPRateLimiter(cfg, discardLogger())
	defer rl.Stop()

	rl.Allow("10.0.0.1")

	rl.mu.Lock()
	count := len(rl.clients)
	rl.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected 1 client, got %d", count)
	}

	rl.sweep()

	rl.mu.Lock()
	count = len(rl.clients)
	rl.mu.Unlock()
	if count != 0 {
		t.Fatalf("expected 0 clients after sweep, got %d", count)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := RateLimitConfig{
		Rate:            rate.Limit(1),
		Burst:           1,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	}
	rl := NewIPRateLimiter(cfg, discardLogger())
	defer rl.Stop()

	handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/calls", nil)
	req.RemoteAddr = "10.0.0.5:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After header, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"}, // no port
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remoteAddr
		if got := clientIP(r); got != tt.want {
			t.Errorf("clientIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}

package middleware

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-client rate limiting for the status
// API.
type RateLimitConfig struct {
	// Rate is the number of requests allowed per second per client IP.
	Rate rate.Limit
	// Burst is the maximum burst size per client IP.
	Burst int
	// CleanupInterval is how often idle clients are swept.
	CleanupInterval time.Duration
	// MaxAge is how long an idle client's limiter is kept.
	MaxAge time.Duration
}

// DefaultRateLimitConfig suits a small operational API: dashboards and
// scrapers poll it, nothing else should.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(20),
		Burst:           40,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// clientLimiter is one client's token bucket and its last activity.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter tracks a token bucket per client IP and sweeps idle
// clients in the background.
type IPRateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	cfg     RateLimitConfig
	logger  *slog.Logger
	stopCh  chan struct{}
}

// NewIPRateLimiter creates the limiter and starts its sweep loop.
func NewIPRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *IPRateLimiter {
	rl := &IPRateLimiter{
		clients: make(map[string]*clientLimiter),
		cfg:     cfg,
		logger:  logger.With("subsystem", "api-ratelimit"),
		stopCh:  make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Allow reports whether a request from the given client IP may proceed.
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	cl, ok := rl.clients[ip]
	if !ok {
		cl = &clientLimiter{
			limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst),
		}
		rl.clients[ip] = cl
	}
	cl.lastSeen = time.Now()
	rl.mu.Unlock()

	return cl.limiter.Allow()
}

// Stop terminates the background sweep goroutine.
func (rl *IPRateLimiter) Stop() {
	close(rl.stopCh)
}

func (rl *IPRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stopCh:
			return
		}
	}
}

// sweep drops clients that have been idle longer than MaxAge.
func (rl *IPRateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.cfg.MaxAge)
	swept := 0
	for ip, cl := range rl.clients {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
			swept++
		}
	}
	if swept > 0 {
		rl.logger.Debug("idle api clients swept",
			"swept", swept,
			"remaining", len(rl.clients),
		)
	}
}

// RateLimit returns middleware that throttles requests per client IP,
// answering 429 with a Retry-After header once the bucket is empty.
func RateLimit(limiter *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			if !limiter.Allow(ip) {
				limiter.logger.Warn("api rate limit exceeded",
					"ip", ip,
					"method", r.Method,
					"path", r.URL.Path,
				)
				w.Header().Set("Retry-After", "1")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(errorEnvelope{Error: "rate limit exceeded"}) //nolint:errcheck
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr. chi's RealIP middleware
// runs earlier and rewrites RemoteAddr from X-Forwarded-For / X-Real-IP
// when the server sits behind a proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

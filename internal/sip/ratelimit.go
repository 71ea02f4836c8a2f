package sip

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// InviteLimiter rate limits INVITEs per source IP so a misbehaving
// endpoint cannot flood the server with new calls.
type InviteLimiter struct {
	mu      sync.Mutex
	entries map[string]*inviteLimitEntry
	limit   rate.Limit
	burst   int
	logger  *slog.Logger
	stopCh  chan struct{}
}

type inviteLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	// invitesPerSecond is the sustained per-IP INVITE rate.
	invitesPerSecond = 2
	// inviteBurst allows short bursts, e.g. a small PBX re-homing calls.
	inviteBurst = 10

	limiterCleanupInterval = 5 * time.Minute
	limiterMaxAge          = 10 * time.Minute
)

// NewInviteLimiter creates a per-IP INVITE limiter and starts its
// background cleanup.
func NewInviteLimiter(logger *slog.Logger) *InviteLimiter {
	l := &InviteLimiter{
		entries: make(map[string]*inviteLimitEntry),
		limit:   rate.Limit(invitesPerSecond),
		burst:   inviteBurst,
		logger:  logger.With("subsystem", "invite-limiter"),
		stopCh:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether an INVITE from the given IP is within limits.
func (l *InviteLimiter) Allow(ip string) bool {
	l.mu.Lock()
	entry, ok := l.entries[ip]
	if !ok {
		entry = &inviteLimitEntry{
			limiter: rate.NewLimiter(l.limit, l.burst),
		}
		l.entries[ip] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

// Stop terminates the background cleanup goroutine.
func (l *InviteLimiter) Stop() {
	close(l.stopCh)
}

func (l *InviteLimiter) cleanupLoop() {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// cleanup removes entries that haven't been seen within limiterMaxAge.
func (l *InviteLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-limiterMaxAge)
	removed := 0
	for ip, entry := range l.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(l.entries, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("invite limiter cleanup", "removed", removed, "remaining", len(l.entries))
	}
}

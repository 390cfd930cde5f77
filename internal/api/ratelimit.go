package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tremor/tremor/pkg/clock"
)

// RateLimitConfig limits how often a client may issue control requests
// (clock steps, manual forecasts, attach/detach).
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL is how long an untouched client bucket is kept.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns the default control request limit.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 10,
		BurstSize:         20,
		IdleTTL:           10 * time.Minute,
	}
}

type tokenBucket struct {
	tokens   float64
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client.
type RateLimiter struct {
	config    RateLimitConfig
	clk       clock.Clock
	mu        sync.Mutex
	clients   map[string]*tokenBucket
	lastSweep time.Time
}

// NewRateLimiter creates a rate limiter. A nil clock uses the wall clock.
func NewRateLimiter(config RateLimitConfig, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &RateLimiter{
		config:    config,
		clk:       clk,
		clients:   make(map[string]*tokenBucket),
		lastSweep: clk.Now(),
	}
}

// Allow reports whether clientID may issue another request now.
func (rl *RateLimiter) Allow(clientID string) bool {
	now := rl.clk.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.sweepLocked(now)

	b, ok := rl.clients[clientID]
	if !ok {
		b = &tokenBucket{tokens: float64(rl.config.BurstSize), lastSeen: now}
		rl.clients[clientID] = b
	}

	b.tokens += now.Sub(b.lastSeen).Seconds() * rl.config.RequestsPerSecond
	if max := float64(rl.config.BurstSize); b.tokens > max {
		b.tokens = max
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) sweepLocked(now time.Time) {
	if rl.config.IdleTTL <= 0 || now.Sub(rl.lastSweep) < rl.config.IdleTTL {
		return
	}
	rl.lastSweep = now
	for id, b := range rl.clients {
		if now.Sub(b.lastSeen) >= rl.config.IdleTTL {
			delete(rl.clients, id)
		}
	}
}

// NewRateLimitMiddleware creates a rate limiting middleware. A nil limiter
// lets every request through.
func NewRateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || limiter.Allow(getClientID(r)) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Retry-After", "1")
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", limiter.config.RequestsPerSecond))
			http.Error(w, `{"error":"rate_limit_exceeded","message":"Too many requests"}`, http.StatusTooManyRequests)
		})
	}
}

// getClientID prefers the authenticated key name over the remote address.
func getClientID(r *http.Request) string {
	if name := GetAPIKeyName(r.Context()); name != "" {
		return "key:" + name
	}
	return "ip:" + r.RemoteAddr
}

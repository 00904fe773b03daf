package governance

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines per-actor limits. A non-positive
// RequestsPerSecond disables limiting.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL evicts limiters of actors not seen for this long.
	IdleTTL time.Duration
}

// RateLimiter keeps one token bucket per key (usually the actor reference).
type RateLimiter struct {
	mu       sync.Mutex
	config   RateLimiterConfig
	limiters map[string]*limiterEntry
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter with the provided configuration.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{limiters: make(map[string]*limiterEntry), now: time.Now}
	rl.Configure(config)
	return rl
}

// Configure updates limits. Existing buckets keep their tokens.
func (rl *RateLimiter) Configure(config RateLimiterConfig) {
	if config.BurstSize <= 0 {
		config.BurstSize = max(1, int(config.RequestsPerSecond))
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.config = config
	for _, e := range rl.limiters {
		e.limiter.SetLimit(rate.Limit(config.RequestsPerSecond))
		e.limiter.SetBurst(config.BurstSize)
	}
}

// Enabled reports whether requests are limited at all.
func (rl *RateLimiter) Enabled() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.config.RequestsPerSecond > 0
}

// Allow consumes one token for key and reports whether the request may
// proceed, together with the tokens left afterwards.
func (rl *RateLimiter) Allow(key string) (bool, int) {
	rl.mu.Lock()
	if rl.config.RequestsPerSecond <= 0 {
		rl.mu.Unlock()
		return true, -1
	}
	now := rl.now()
	e, ok := rl.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize)}
		rl.limiters[key] = e
	}
	e.lastSeen = now
	rl.mu.Unlock()

	allowed := e.limiter.AllowN(now, 1)
	return allowed, max(0, int(e.limiter.TokensAt(now)))
}

// Limit returns the configured burst size, used as the advertised limit.
func (rl *RateLimiter) Limit() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.config.BurstSize
}

// Sweep evicts limiters idle for longer than IdleTTL and returns how many
// were removed.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.config.IdleTTL)
	removed := 0
	for key, e := range rl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// WriteRateLimitHeaders adds rate limit status headers to the response.
func WriteRateLimitHeaders(h http.Header, limit, remaining int, resetAfter time.Duration) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if resetAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(int(resetAfter.Round(time.Second).Seconds())))
	}
}

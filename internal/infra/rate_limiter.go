package infra

import (
	"sync"
	"time"
)

// RateLimiter implements a token bucket rate limiter.
// Thread-safe and suitable for concurrent API calls.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a new rate limiter.
// burst: maximum burst size; perSecond: refill rate.
func NewRateLimiter(burst int, perSecond float64) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: perSecond,
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available.
func (r *RateLimiter) Wait() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()

	for r.tokens < 1 {
		wait := time.Duration(float64(time.Second) / r.refillRate)
		r.mu.Unlock()
		time.Sleep(wait)
		r.mu.Lock()
		r.refill()
	}

	r.tokens--
}

// TryAcquire attempts to acquire a token without blocking.
func (r *RateLimiter) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()

	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// refill adds tokens based on elapsed time. Caller holds the mutex.
func (r *RateLimiter) refill() {
	now := time.Now()
	r.tokens += now.Sub(r.lastRefill).Seconds() * r.refillRate
	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}
	r.lastRefill = now
}

// Per-endpoint-class limiters for the venue REST API. The venue weighs
// exchange (order-mutating) calls heavier than info calls, and a whole fleet
// shares one source IP, so limits stay conservative.
var (
	venueExchangeLimiter *RateLimiter
	venueInfoLimiter     *RateLimiter
	limiterOnce          sync.Once
)

// GetVenueExchangeLimiter returns the shared limiter for order placement,
// cancellation, and close calls.
func GetVenueExchangeLimiter() *RateLimiter {
	limiterOnce.Do(initVenueLimiters)
	return venueExchangeLimiter
}

// GetVenueInfoLimiter returns the shared limiter for read-only info calls
// (positions, fills, mids, equity, metadata).
func GetVenueInfoLimiter() *RateLimiter {
	limiterOnce.Do(initVenueLimiters)
	return venueInfoLimiter
}

func initVenueLimiters() {
	venueExchangeLimiter = NewRateLimiter(5, 10) // 10 req/s, burst 5
	venueInfoLimiter = NewRateLimiter(10, 20)    // 20 req/s, burst 10
}

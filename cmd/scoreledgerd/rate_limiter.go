// rate_limiter.go - Per-sender submission throttling
package main

import (
	"sync"
	"time"

	"confidentialscore/internal/identity"
)

// RateLimiter implements a simple token bucket rate limiter
type RateLimiter struct {
	mu           sync.Mutex
	tokens       int
	maxTokens    int
	refillRate   int
	lastRefill   time.Time
	refillPeriod time.Duration
	now          func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxTokens int, refillRate int, refillPeriod time.Duration, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		tokens:       maxTokens,
		maxTokens:    maxTokens,
		refillRate:   refillRate,
		lastRefill:   now(),
		refillPeriod: refillPeriod,
		now:          now,
	}
}

// Allow checks if a request is allowed and consumes a token if so
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if refills := int(now.Sub(rl.lastRefill) / rl.refillPeriod); refills > 0 {
		rl.tokens = min(rl.maxTokens, rl.tokens+refills*rl.refillRate)
		rl.lastRefill = rl.lastRefill.Add(time.Duration(refills) * rl.refillPeriod)
	}

	if rl.tokens > 0 {
		rl.tokens--
		return true
	}
	return false
}

// GetTokens returns the current number of available tokens
func (rl *RateLimiter) GetTokens() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.tokens
}

// ParticipantRateLimiter keeps one bucket per submitting address. It implements
// api.Limiter.
type ParticipantRateLimiter struct {
	mu           sync.Mutex
	limiters     map[identity.Address]*RateLimiter
	maxTokens    int
	refillRate   int
	refillPeriod time.Duration
	now          func() time.Time
}

// NewParticipantRateLimiter creates a new participant rate limiter
func NewParticipantRateLimiter(maxTokens int, refillRate int, refillPeriod time.Duration) *ParticipantRateLimiter {
	return &ParticipantRateLimiter{
		limiters:     make(map[identity.Address]*RateLimiter),
		maxTokens:    maxTokens,
		refillRate:   refillRate,
		refillPeriod: refillPeriod,
		now:          time.Now,
	}
}

// Allow checks if a submission from sender is allowed
func (prl *ParticipantRateLimiter) Allow(sender identity.Address) bool {
	prl.mu.Lock()
	limiter, ok := prl.limiters[sender]
	if !ok {
		limiter = NewRateLimiter(prl.maxTokens, prl.refillRate, prl.refillPeriod, prl.now)
		prl.limiters[sender] = limiter
	}
	prl.mu.Unlock()

	return limiter.Allow()
}

// GetTokens returns the tokens left for sender
func (prl *ParticipantRateLimiter) GetTokens(sender identity.Address) int {
	prl.mu.Lock()
	limiter, ok := prl.limiters[sender]
	prl.mu.Unlock()

	if !ok {
		return prl.maxTokens
	}
	return limiter.GetTokens()
}

// Prune forgets senders whose bucket is full again.
func (prl *ParticipantRateLimiter) Prune() {
	prl.mu.Lock()
	defer prl.mu.Unlock()
	now := prl.now()
	for addr, l := range prl.limiters {
		l.mu.Lock()
		idle := now.Sub(l.lastRefill) >= time.Duration(l.maxTokens)*l.refillPeriod
		l.mu.Unlock()
		if idle {
			delete(prl.limiters, addr)
		}
	}
}

// harei/models/services.go
package models

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// --- Stateful Services ---

type RateLimiter struct {
	Mu       sync.RWMutex
	Limiters map[string]*rate.Limiter
	LastSeen map[string]time.Time

	every  time.Duration
	burst  int
	prune  time.Duration
	expire time.Duration
}

// --- Rate Limiter Methods ---

// NewRateLimiter creates a rate limiter allowing burst events per key, refilled once every `every`.
func NewRateLimiter(every time.Duration, burst int, prune, expire time.Duration) *RateLimiter {
	return &RateLimiter{
		Limiters: make(map[string]*rate.Limiter),
		LastSeen: make(map[string]time.Time),
		every:    every,
		burst:    burst,
		prune:    prune,
		expire:   expire,
	}
}

// GetLimiter retrieves or creates a rate limiter for a given key (usually an IP address).
func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.Mu.Lock()
	defer rl.Mu.Unlock()
	limiter, exists := rl.Limiters[key]
	if !exists {
		limiter = rate.NewLimiter(rate.Every(rl.every), rl.burst)
		rl.Limiters[key] = limiter
	}
	rl.LastSeen[key] = time.Now()
	return limiter
}

// RetryAfter reserves a token and reports how long the caller has to wait for it.
// A zero duration means the event is allowed now.
func (rl *RateLimiter) RetryAfter(key string) time.Duration {
	res := rl.GetLimiter(key).Reserve()
	if !res.OK() {
		return rl.every
	}
	delay := res.Delay()
	if delay > 0 {
		res.Cancel()
	}
	return delay
}

// Run periodically removes old entries until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(rl.prune)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup(time.Now().Add(-rl.expire))
		}
	}
}

func (rl *RateLimiter) cleanup(cutoff time.Time) {
	rl.Mu.Lock()
	defer rl.Mu.Unlock()
	for key, lastSeen := range rl.LastSeen {
		if lastSeen.Before(cutoff) {
			delete(rl.Limiters, key)
			delete(rl.LastSeen, key)
		}
	}
}

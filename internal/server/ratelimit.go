package server

import (
	"fmt"
	"sync"
	"time"
)

// RateLimitError reports a rejected request and when to retry.
type RateLimitError struct {
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d requests per minute exceeded, retry after %s", e.Limit, e.RetryAfter)
}

type clientWindow struct {
	count       int
	windowStart time.Time
}

// RateLimiter tracks per-client request counts over a fixed one-minute
// window. Stale clients are dropped opportunistically on each check.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	clients map[string]*clientWindow
	now     func() time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per client per
// minute.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		clients: make(map[string]*clientWindow),
		now:     time.Now,
	}
}

// Allow records a request for clientID and reports whether it is within the
// budget.
func (rl *RateLimiter) Allow(clientID string) *RateLimitError {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.evictStale(now)

	cw, ok := rl.clients[clientID]
	if !ok || now.Sub(cw.windowStart) >= time.Minute {
		rl.clients[clientID] = &clientWindow{count: 1, windowStart: now}
		return nil
	}

	if cw.count >= rl.limit {
		return &RateLimitError{
			Limit:      rl.limit,
			RetryAfter: time.Minute - now.Sub(cw.windowStart),
		}
	}
	cw.count++
	return nil
}

func (rl *RateLimiter) evictStale(now time.Time) {
	for id, cw := range rl.clients {
		if now.Sub(cw.windowStart) >= 2*time.Minute {
			delete(rl.clients, id)
		}
	}
}

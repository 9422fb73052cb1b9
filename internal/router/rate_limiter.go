package router

import (
	"context"
	"sync"
	"time"
)

// RateLimiter caps inbound events per user over a fixed window
// ARCHITECTURAL DISCOVERY: Per-user state with periodic cleanup keeps memory
// bounded by the set of recently active users
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string]*clientWindow
	now     func() time.Time
}

type clientWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter allows limit events per window; limit <= 0 disables limiting
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		clients: make(map[string]*clientWindow),
		now:     time.Now,
	}
}

// Allow records one event for userID and reports whether it is within the limit
func (rl *RateLimiter) Allow(userID string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, exists := rl.clients[userID]
	if !exists || now.Sub(w.windowStart) >= rl.window {
		rl.clients[userID] = &clientWindow{count: 1, windowStart: now}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// Cleanup drops users idle for five windows
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for userID, w := range rl.clients {
		if now.Sub(w.windowStart) > 5*rl.window {
			delete(rl.clients, userID)
		}
	}
}

// Run calls Cleanup every window until ctx ends
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup()
		}
	}
}

func (rl *RateLimiter) tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

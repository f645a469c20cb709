package handler

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Window limiter defaults: 60 requests per 60-second window, entries
// evicted after 10 idle windows.
const (
	rateLimitWindow      = time.Minute
	rateLimitMax         = 60
	rateLimitIdleWindows = 10
)

type ipWindow struct {
	count    int
	resetAt  time.Time
	lastSeen time.Time
}

// RateLimiter enforces a fixed per-IP request window. The window
// counter resets when its deadline passes; entries idle for ten
// windows are swept by a background goroutine.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*ipWindow
	window  time.Duration
	max     int
	now     func() time.Time
}

// NewRateLimiter creates a RateLimiter with the standard window.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		entries: make(map[string]*ipWindow),
		window:  rateLimitWindow,
		max:     rateLimitMax,
		now:     time.Now,
	}
}

// Allow counts one request from ip and reports whether it is within
// the window budget.
func (rl *RateLimiter) Allow(ip string) bool {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[ip]
	if !ok {
		e = &ipWindow{resetAt: now.Add(rl.window)}
		rl.entries[ip] = e
	}
	if now.After(e.resetAt) {
		e.count = 0
		e.resetAt = now.Add(rl.window)
	}
	e.count++
	e.lastSeen = now
	return e.count <= rl.max
}

// Sweep drops entries whose last request is older than ten windows.
func (rl *RateLimiter) Sweep() {
	cutoff := rl.now().Add(-time.Duration(rateLimitIdleWindows) * rl.window)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, e := range rl.entries {
		if e.lastSeen.Before(cutoff) {
			delete(rl.entries, ip)
		}
	}
}

// Middleware returns the Gin middleware and starts the periodic sweep,
// which runs until stop is closed.
func (rl *RateLimiter) Middleware(stop <-chan struct{}) gin.HandlerFunc {
	go func() {
		ticker := time.NewTicker(rl.window)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Sweep()
			case <-stop:
				return
			}
		}
	}()

	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.Header("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			respondError(c, http.StatusTooManyRequests, "rate_limited")
			return
		}
		c.Next()
	}
}

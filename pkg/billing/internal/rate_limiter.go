package internal

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a fixed-window, per-IP limiter for webhook endpoints.
// It protects the endpoint from floods; it plays no part in idempotency.
type RateLimiter struct {
	mu            sync.Mutex
	buckets       map[string]*bucket
	limit         int
	window        time.Duration
	now           func() time.Time
	requestCount  int
	cleanupEvery  int
	cleanupAtSize int
}

type bucket struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per window per IP
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		buckets:       make(map[string]*bucket),
		limit:         limit,
		window:        window,
		now:           time.Now,
		cleanupEvery:  100,
		cleanupAtSize: 200,
	}
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	rl.requestCount++
	if rl.requestCount%rl.cleanupEvery == 0 || len(rl.buckets) > rl.cleanupAtSize {
		rl.cleanupExpired(now)
		rl.requestCount = 0
	}

	b, ok := rl.buckets[ip]
	if !ok || now.After(b.resetAt) {
		rl.buckets[ip] = &bucket{count: 1, resetAt: now.Add(rl.window)}
		return true
	}
	if b.count >= rl.limit {
		return false
	}
	b.count++
	return true
}

// cleanupExpired drops buckets whose window has passed. Caller must hold the lock.
func (rl *RateLimiter) cleanupExpired(now time.Time) {
	for ip, b := range rl.buckets {
		if now.After(b.resetAt) {
			delete(rl.buckets, ip)
		}
	}
}

// Cleanup removes all expired buckets
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.cleanupExpired(rl.now())
}

// Middleware wraps an HTTP handler with rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(GetClientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetClientIP returns the first X-Forwarded-For address, falling back to RemoteAddr
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	return r.RemoteAddr
}

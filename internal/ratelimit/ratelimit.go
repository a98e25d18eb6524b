// Package ratelimit throttles clients of the public billing API.
//
// Buckets are keyed by client IP. Infra endpoints (health probes,
// metrics scrapes, the live feed) can be exempted so they never
// consume a caller's budget.
package ratelimit

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config tunes the per-client token buckets.
type Config struct {
	// RequestsPerMinute is the sustained refill rate per client.
	RequestsPerMinute int
	// BurstSize is the bucket capacity, the short-term ceiling.
	BurstSize int
	// CleanupInterval is how often idle buckets are evicted.
	CleanupInterval time.Duration
	// ExemptPrefixes lists path prefixes that bypass throttling.
	ExemptPrefixes []string
}

// DefaultConfig allows one request per second sustained, with bursts
// of ten.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// Limiter holds one token bucket per client key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	now     func() time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// New starts a limiter and its eviction loop. Zero or negative config
// values are replaced with workable minimums.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.evictLoop()
	return l
}

// Allow consumes one token for key and reports whether any remained.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.BurstSize) - 1, seen: now}
		return true
	}

	b.tokens += now.Sub(b.seen).Seconds() * float64(l.cfg.RequestsPerMinute) / 60
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.seen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Middleware throttles by client IP and answers 429 once a bucket
// runs dry.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.exempt(c.Request.URL.Path) {
			c.Next()
			return
		}
		if !l.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (l *Limiter) exempt(path string) bool {
	for _, p := range l.cfg.ExemptPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// evictLoop drops buckets idle for two cleanup intervals.
func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictStale(l.now().Add(-2 * l.cfg.CleanupInterval))
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictStale(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop ends the eviction loop. Calling Stop twice is a no-op.
func (l *Limiter) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

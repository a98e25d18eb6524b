package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	l := New(cfg)
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l.now = clock.now
	return l, clock
}

func TestAllowBurstThenDeny(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 5})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d within the burst should pass", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Error("request past the burst should be denied")
	}

	clock.advance(time.Second)
	if !l.Allow("10.0.0.1") {
		t.Error("one token should refill after a second at 60/min")
	}
}

func TestClientsThrottledIndependently(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})
	defer l.Stop()

	l.Allow("10.0.0.1")
	l.Allow("10.0.0.1")
	if l.Allow("10.0.0.1") {
		t.Error("first client should be throttled")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("second client must keep its own budget")
	}
}

func TestRefillCapsAtBurstSize(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		l.Allow("10.0.0.1")
	}
	clock.advance(time.Hour)

	// A long idle stretch refills to the cap, not beyond it.
	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d after refill should pass", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Error("bucket must not hold more than the burst size")
	}
}

func TestEvictStaleBuckets(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 5})
	defer l.Stop()

	l.Allow("10.0.0.1")
	clock.advance(time.Hour)
	l.Allow("10.0.0.2")

	l.evictStale(clock.now().Add(-2 * time.Minute))

	l.mu.Lock()
	_, staleKept := l.buckets["10.0.0.1"]
	_, freshKept := l.buckets["10.0.0.2"]
	l.mu.Unlock()

	if staleKept {
		t.Error("idle bucket should be evicted")
	}
	if !freshKept {
		t.Error("recently seen bucket should survive eviction")
	}
}

func TestMiddlewareAnswers429(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/v1/permissions/abc", func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/v1/permissions/abc", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", first.Code)
	}

	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/v1/permissions/abc", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.Code)
	}
	if got := second.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want \"1\"", got)
	}

	var body map[string]any
	if err := json.Unmarshal(second.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode 429 body: %v", err)
	}
	if body["error"] != "rate_limit_exceeded" {
		t.Errorf("error = %v, want rate_limit_exceeded", body["error"])
	}
}

func TestExemptPrefixesBypassThrottling(t *testing.T) {
	cfg := Config{RequestsPerMinute: 60, BurstSize: 1, ExemptPrefixes: []string{"/health", "/metrics"}}
	l, _ := newTestLimiter(cfg)
	defer l.Stop()

	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/health", ok)
	r.GET("/v1/sessions", ok)

	// Drain the client's budget on the API route.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("first API request status = %d, want 200", w.Code)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second API request status = %d, want 429", w.Code)
	}

	// Probes keep flowing regardless.
	for i := 0; i < 20; i++ {
		w = httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("probe %d throttled with status %d", i, w.Code)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RequestsPerMinute != 60 {
		t.Errorf("RequestsPerMinute = %d, want 60", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 10 {
		t.Errorf("BurstSize = %d, want 10", cfg.BurstSize)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("CleanupInterval = %v, want 1m", cfg.CleanupInterval)
	}
	if len(cfg.ExemptPrefixes) != 0 {
		t.Errorf("ExemptPrefixes = %v, want none by default", cfg.ExemptPrefixes)
	}
}

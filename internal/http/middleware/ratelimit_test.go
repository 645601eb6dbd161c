package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newLimitedRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	e := gin.New()
	e.Use(rl.Handler())
	e.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return e
}

func get(e *gin.Engine, ip string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = ip + ":12345"
	e.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_AllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(100, 3, KeyByUserOrIP())
	e := newLimitedRouter(rl)

	for i := 0; i < 3; i++ {
		if w := get(e, "203.0.113.7"); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d; want 200", i, w.Code)
		}
	}
}

func TestRateLimiter_RejectsBeyondBurst(t *testing.T) {
	// rps=0 never refills, so the burst is all the caller gets.
	rl := NewRateLimiter(0, 1, KeyByUserOrIP())
	e := newLimitedRouter(rl)

	if w := get(e, "203.0.113.7"); w.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", w.Code)
	}
	w := get(e, "203.0.113.7")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d; want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("429 must carry Retry-After")
	}
}

func TestRateLimiter_BucketsAreIndependentPerIdentity(t *testing.T) {
	rl := NewRateLimiter(0, 1, KeyByUserOrIP())
	e := newLimitedRouter(rl)

	if w := get(e, "203.0.113.7"); w.Code != http.StatusOK {
		t.Fatalf("ip1: status = %d", w.Code)
	}
	if w := get(e, "198.51.100.9"); w.Code != http.StatusOK {
		t.Fatalf("ip2 must have its own bucket: status = %d", w.Code)
	}
}

func TestRateLimiter_UserIdentityWinsOverIP(t *testing.T) {
	keyFn := KeyByUserOrIP()
	gin.SetMode(gin.TestMode)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Set("userID", "u1")
	if got := keyFn(c); got != "user:u1" {
		t.Fatalf("key = %q; want user:u1", got)
	}

	c2, _ := gin.CreateTestContext(httptest.NewRecorder())
	c2.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c2.Request.RemoteAddr = "203.0.113.7:1"
	if got := keyFn(c2); got != "ip:203.0.113.7" {
		t.Fatalf("key = %q; want ip:203.0.113.7", got)
	}
}

func TestRateLimiter_EvictsIdleVisitors(t *testing.T) {
	rl := NewRateLimiter(1, 1, KeyByUserOrIP())
	rl.ttl = time.Millisecond

	rl.getVisitor("ip:1.2.3.4")
	time.Sleep(5 * time.Millisecond)

	// Force the opportunistic GC threshold.
	rl.mu.Lock()
	rl.cleanupN = 4999
	rl.mu.Unlock()
	rl.getVisitor("ip:5.6.7.8")

	rl.mu.Lock()
	_, stale := rl.visitors["ip:1.2.3.4"]
	rl.mu.Unlock()
	if stale {
		t.Fatalf("idle visitor survived GC")
	}
}

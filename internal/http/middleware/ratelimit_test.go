package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestKeyByUserOrIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = net.JoinHostPort("203.0.113.9", "12345")

	c, _ := gin.CreateTestContext(w)
	c.Request = req

	// IP fallback when no userID
	key := KeyByUserOrIP()(c)
	if !strings.HasPrefix(key, "ip:") || !strings.Contains(key, "203.0.113.9") {
		t.Fatalf("expected ip-based key; got %q", key)
	}

	// Prefer userID when present
	c.Set("userID", "u123")
	if key := KeyByUserOrIP()(c); key != "user:u123" {
		t.Fatalf("expected user-based key; got %q", key)
	}
}

func TestNewRateLimiter_BurstCoercion_AndVisitorReuse(t *testing.T) {
	rl := NewRateLimiter(2.0, 0, KeyByUserOrIP()) // burst<=0 coerced to 1
	if rl.burst != 1 {
		t.Fatalf("burst coercion failed, got %d", rl.burst)
	}

	lim := rl.getVisitor("k1")
	if lim == nil {
		t.Fatalf("expected limiter")
	}
	if got := rl.getVisitor("k1"); got != lim {
		t.Fatalf("expected same limiter instance to be reused")
	}
}

func TestRateLimiter_getVisitor_EvictsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(1.0, 1, KeyByUserOrIP())
	rl.ttl = 0 // anything old is stale immediately

	rl.getVisitor("stale")
	rl.mu.Lock()
	rl.visitors["stale"].lastSeen = time.Now().Add(-time.Minute)
	rl.cleanupN = 4999 // next lookup triggers the sweep
	rl.mu.Unlock()

	rl.getVisitor("fresh")

	rl.mu.Lock()
	_, staleKept := rl.visitors["stale"]
	_, freshKept := rl.visitors["fresh"]
	rl.mu.Unlock()
	if staleKept {
		t.Fatalf("stale bucket should have been evicted")
	}
	if !freshKept {
		t.Fatalf("fresh bucket should exist")
	}
}

func TestRateLimiter_Handler_AllowDenyAndBypass(t *testing.T) {
	gin.SetMode(gin.TestMode)

	rl := NewRateLimiter(0, 1, KeyByUserOrIP()) // one token, no refill
	r := gin.New()
	r.GET("/x", rl.Handler(), func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(bypass bool) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "203.0.113.9:1"
		if bypass {
			// Replays flagged by PublishDedup skip the limiter.
			r2 := gin.New()
			r2.GET("/x", func(c *gin.Context) { c.Set(ctxKeyRateBypass, true) }, rl.Handler(),
				func(c *gin.Context) { c.Status(http.StatusOK) })
			r2.ServeHTTP(w, req)
			return w
		}
		r.ServeHTTP(w, req)
		return w
	}

	if w := do(false); w.Code != http.StatusOK {
		t.Fatalf("first request = %d; want 200", w.Code)
	}
	w := do(false)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d; want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After = %q; want 1", w.Header().Get("Retry-After"))
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["code"] != "rate_limited" {
		t.Fatalf("code = %q; want rate_limited", body["code"])
	}

	if w := do(true); w.Code != http.StatusOK {
		t.Fatalf("bypassed request = %d; want 200", w.Code)
	}
}

func TestIsRateBypass(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	if IsRateBypass(c) {
		t.Fatalf("expected false by default")
	}
	c.Set(ctxKeyRateBypass, true)
	if !IsRateBypass(c) {
		t.Fatalf("expected true after flag")
	}
	c.Set(ctxKeyRateBypass, "yes")
	if IsRateBypass(c) {
		t.Fatalf("expected false for non-bool value")
	}
}

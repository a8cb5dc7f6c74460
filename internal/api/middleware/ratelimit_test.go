package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestHTTPLimiter_BurstThenReject(t *testing.T) {
	l := newHTTPLimiter(5) // burst floored to 10
	now := time.Now()
	b := l.bucketFor("10.0.0.1")

	for i := 0; i < 10; i++ {
		if !b.take(now, l.rate, l.burst) {
			t.Fatalf("request %d rejected inside the burst", i+1)
		}
	}
	if b.take(now, l.rate, l.burst) {
		t.Error("request past the burst capacity was allowed")
	}
}

func TestHTTPLimiter_RefillsOverTime(t *testing.T) {
	l := newHTTPLimiter(5)
	now := time.Now()
	b := l.bucketFor("10.0.0.2")

	for i := 0; i < 10; i++ {
		b.take(now, l.rate, l.burst)
	}
	if b.take(now, l.rate, l.burst) {
		t.Fatal("bucket should be empty")
	}

	// One second later the bucket has earned rate=5 tokens back.
	later := now.Add(time.Second)
	for i := 0; i < 5; i++ {
		if !b.take(later, l.rate, l.burst) {
			t.Fatalf("refilled token %d rejected", i+1)
		}
	}
	if b.take(later, l.rate, l.burst) {
		t.Error("bucket served more tokens than one second refills")
	}
}

func TestHTTPLimiter_BucketsAreIndependent(t *testing.T) {
	l := newHTTPLimiter(1)
	now := time.Now()

	a := l.bucketFor("10.0.0.3")
	for a.take(now, l.rate, l.burst) {
	}
	if !l.bucketFor("10.0.0.4").take(now, l.rate, l.burst) {
		t.Error("one client's exhaustion throttled another client")
	}
}

func TestHTTPLimiter_EvictStale(t *testing.T) {
	l := newHTTPLimiter(5)
	l.bucketFor("10.0.0.5")

	l.evictStale(time.Now().Add(time.Minute)) // everything is older than this
	l.mu.RLock()
	n := len(l.byIP)
	l.mu.RUnlock()
	if n != 0 {
		t.Errorf("buckets after eviction = %d, want 0", n)
	}
}

func TestRateLimitMiddleware_Returns429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddleware(1)) // burst 10
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	var last int
	rejections := 0
	for i := 0; i < 12; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		r.ServeHTTP(rr, req)
		last = rr.Code
		if rr.Code == http.StatusTooManyRequests {
			rejections++
		}
	}
	if rejections == 0 {
		t.Errorf("12 immediate requests against burst 10 produced no 429, last = %d", last)
	}
}

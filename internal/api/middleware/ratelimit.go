package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	// minBurst floors the bucket capacity so low-RPS configs still absorb
	// the request cluster a page load produces.
	minBurst = 10

	evictEvery = 5 * time.Minute
	idleFor    = 10 * time.Minute
)

// ipBucket tracks the remaining allowance for one client IP. Tokens refill
// continuously at the limiter's rate up to the burst capacity.
type ipBucket struct {
	mu       sync.Mutex
	tokens   float64
	refilled time.Time
}

// take refills the bucket for the time elapsed since the last call and
// consumes one token. Returns false when the bucket is empty.
func (b *ipBucket) take(now time.Time, rate, burst float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += now.Sub(b.refilled).Seconds() * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.refilled = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// httpLimiter is the per-IP token-bucket set guarding the HTTP surface.
// It is purely in-process: the websocket gateway carries its own per-user
// admission limit, this one only keeps one host from being hammered.
type httpLimiter struct {
	mu    sync.RWMutex
	byIP  map[string]*ipBucket
	rate  float64
	burst float64
}

func newHTTPLimiter(rps int) *httpLimiter {
	burst := float64(rps)
	if burst < minBurst {
		burst = minBurst
	}
	return &httpLimiter{
		byIP:  make(map[string]*ipBucket),
		rate:  float64(rps),
		burst: burst,
	}
}

func (l *httpLimiter) bucketFor(ip string) *ipBucket {
	l.mu.RLock()
	b, ok := l.byIP[ip]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.byIP[ip]; ok {
		return b
	}
	b = &ipBucket{tokens: l.burst, refilled: time.Now()}
	l.byIP[ip] = b
	return b
}

// evictStale drops buckets idle longer than idleFor so the map stays
// bounded by the set of recently active clients.
func (l *httpLimiter) evictStale(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.byIP {
		b.mu.Lock()
		idle := b.refilled.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.byIP, ip)
		}
	}
}

// RateLimitMiddleware enforces a per-IP allowance of rps requests per second
// across the whole HTTP group. Clients over their budget get 429.
func RateLimitMiddleware(rps int) gin.HandlerFunc {
	l := newHTTPLimiter(rps)

	go func() {
		ticker := time.NewTicker(evictEvery)
		defer ticker.Stop()
		for range ticker.C {
			l.evictStale(time.Now().Add(-idleFor))
		}
	}()

	return func(c *gin.Context) {
		if !l.bucketFor(c.ClientIP()).take(time.Now(), l.rate, l.burst) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

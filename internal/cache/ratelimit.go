package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slideScript trims the user's window to the last windowMs, counts what is
// left, and admits by appending a member iff the count is under the limit.
var slideScript = redis.NewScript(`
	local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", cutoff)
	local count = redis.call("ZCARD", KEYS[1])
	if count >= tonumber(ARGV[3]) then
		return 0
	end
	redis.call("ZADD", KEYS[1], ARGV[1], ARGV[4])
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1`)

// RateLimiter enforces the per-user sliding-window admission limit in the
// shared cache. When the cache call fails it warns once and serves from an
// in-process sliding window instead — per-node accounting is weaker under
// partition, which is acceptable because money safety is enforced by the DB
// predicates.
type RateLimiter struct {
	rdb      *redis.Client
	limit    int
	window   time.Duration
	logger   *slog.Logger
	warnOnce sync.Once

	fallback *localWindowStore
}

// NewRateLimiter creates a RateLimiter allowing `limit` admissions per
// `window` per user.
func NewRateLimiter(rdb *redis.Client, limit int, window time.Duration, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		rdb:      rdb,
		limit:    limit,
		window:   window,
		logger:   logger.With("component", "ratelimit"),
		fallback: newLocalWindowStore(limit, window, localStoreCapacity),
	}
}

// Allow reports whether one more admission fits in the user's window.
func (rl *RateLimiter) Allow(ctx context.Context, userID string) bool {
	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString()[:8])

	n, err := slideScript.Run(ctx, rl.rdb,
		[]string{keyRateWindow + userID},
		now, rl.window.Milliseconds(), rl.limit, member,
	).Int()
	if err != nil {
		rl.warnOnce.Do(func() {
			rl.logger.Warn("cache rate limit unavailable, serving from in-process window", "err", err)
		})
		return rl.fallback.allow(userID, time.Now())
	}
	return n == 1
}

// ──────────────────────────────────────────────────────────────────────────────
// In-process fallback
// ──────────────────────────────────────────────────────────────────────────────

// localStoreCapacity bounds how many user windows the fallback keeps before
// evicting the least-recently-used one.
const localStoreCapacity = 10000

type localWindow struct {
	stamps   []time.Time
	lastSeen time.Time
}

// localWindowStore is the degraded-mode sliding window: per-user timestamp
// slices with capacity-bounded LRU eviction.
type localWindowStore struct {
	mu       sync.Mutex
	windows  map[string]*localWindow
	limit    int
	window   time.Duration
	capacity int
}

func newLocalWindowStore(limit int, window time.Duration, capacity int) *localWindowStore {
	return &localWindowStore{
		windows:  make(map[string]*localWindow),
		limit:    limit,
		window:   window,
		capacity: capacity,
	}
}

func (s *localWindowStore) allow(userID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[userID]
	if !ok {
		if len(s.windows) >= s.capacity {
			s.evictOldest()
		}
		w = &localWindow{}
		s.windows[userID] = w
	}
	w.lastSeen = now

	// Expire stamps that slid out of the window.
	cutoff := now.Add(-s.window)
	keep := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	w.stamps = keep

	if len(w.stamps) >= s.limit {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// evictOldest drops the least recently used window. Caller holds the lock.
func (s *localWindowStore) evictOldest() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, w := range s.windows {
		if first || w.lastSeen.Before(oldest) {
			oldestKey, oldest, first = k, w.lastSeen, false
		}
	}
	if oldestKey != "" {
		delete(s.windows, oldestKey)
	}
}

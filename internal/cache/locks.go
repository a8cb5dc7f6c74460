package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua scripts make release and extend safe against lock theft: only the
// holder of the fencing token may touch the key.
var (
	compareAndDelete = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0`)

	compareAndExtend = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0`)
)

// LockService provides the two lease primitives of the engine: the per-asset
// round lock (only the holder may progress a round) and the per-order bet
// lock (best-effort duplicate-work suppression during admission).
type LockService struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewLockService creates a LockService.
func NewLockService(rdb *redis.Client, logger *slog.Logger) *LockService {
	return &LockService{rdb: rdb, logger: logger.With("component", "locks")}
}

// newToken mints a random fencing token for one lease.
func newToken() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// ──────────────────────────────────────────────────────────────────────────────
// Round lock
// ──────────────────────────────────────────────────────────────────────────────

// AcquireRoundLock attempts an atomic set-if-absent with TTL on the asset's
// round lock. Returns the fencing token and true on success; empty and
// false when another engine holds the lease.
func (l *LockService) AcquireRoundLock(ctx context.Context, asset string, ttl time.Duration) (string, bool, error) {
	token := newToken()
	ok, err := l.rdb.SetNX(ctx, keyRoundLock+asset, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("locks.AcquireRoundLock: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseRoundLock releases the lease only if token still owns it.
func (l *LockService) ReleaseRoundLock(ctx context.Context, asset, token string) error {
	n, err := compareAndDelete.Run(ctx, l.rdb, []string{keyRoundLock + asset}, token).Int()
	if err != nil {
		return fmt.Errorf("locks.ReleaseRoundLock: %w", err)
	}
	if n == 0 {
		l.logger.Warn("round lock was not ours to release", "asset", asset)
	}
	return nil
}

// ExtendRoundLock pushes the lease TTL forward if token still owns it.
func (l *LockService) ExtendRoundLock(ctx context.Context, asset, token string, ttl time.Duration) (bool, error) {
	n, err := compareAndExtend.Run(ctx, l.rdb,
		[]string{keyRoundLock + asset}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("locks.ExtendRoundLock: %w", err)
	}
	return n == 1, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Bet lock
// ──────────────────────────────────────────────────────────────────────────────

// betLockTTL bounds how long a stuck admission can shadow an order id.
const betLockTTL = 30 * time.Second

// AcquireBetLock takes a short lease on one order id. Admission proceeds
// even when this fails — DB uniqueness remains authoritative.
func (l *LockService) AcquireBetLock(ctx context.Context, orderID string) (string, bool, error) {
	token := newToken()
	ok, err := l.rdb.SetNX(ctx, keyBetLock+orderID, token, betLockTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("locks.AcquireBetLock: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseBetLock is best-effort; a leaked lock expires with its TTL.
func (l *LockService) ReleaseBetLock(ctx context.Context, orderID, token string) {
	if token == "" {
		return
	}
	if _, err := compareAndDelete.Run(ctx, l.rdb, []string{keyBetLock + orderID}, token).Int(); err != nil {
		l.logger.Debug("bet lock release failed", "order_id", orderID, "err", err)
	}
}

package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// riskEpsilon absorbs float representation noise in the cap comparison.
const riskEpsilon = 1e-6

// reserveScript atomically sums the round's existing reservations, admits
// the new one iff the cap holds, and stamps the TTL. Doing it in Lua keeps
// two concurrent admissions from both slipping under the cap.
var reserveScript = redis.NewScript(`
	local sum = 0
	local fields = redis.call("HVALS", KEYS[1])
	for _, v in ipairs(fields) do
		sum = sum + tonumber(v)
	end
	local amount = tonumber(ARGV[1])
	local cap = tonumber(ARGV[2])
	if sum + amount > cap + tonumber(ARGV[4]) then
		return 0
	end
	redis.call("HSET", KEYS[1], ARGV[3], ARGV[1])
	redis.call("PEXPIRE", KEYS[1], ARGV[5])
	return 1`)

// RiskManager reserves projected net payouts per round against a
// pool-derived cap. Reservations live in one hash per round, keyed by
// order id, with a TTL so a dead engine cannot strand liability.
type RiskManager struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRiskManager creates a RiskManager.
func NewRiskManager(rdb *redis.Client, logger *slog.Logger) *RiskManager {
	return &RiskManager{rdb: rdb, logger: logger.With("component", "risk")}
}

// ReserveExpectedPayout admits the reservation iff the round's existing
// reservations plus this one stay under maxRoundPayout (+ε). Returns
// (allowed, didReserve): a denied reservation writes nothing.
func (r *RiskManager) ReserveExpectedPayout(ctx context.Context, roundID uuid.UUID, orderID string, expectedPayout, maxRoundPayout float64, ttl time.Duration) (bool, bool, error) {
	n, err := reserveScript.Run(ctx, r.rdb,
		[]string{keyRiskHash + roundID.String()},
		expectedPayout, maxRoundPayout, orderID, riskEpsilon, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, false, fmt.Errorf("risk.ReserveExpectedPayout: %w", err)
	}
	allowed := n == 1
	return allowed, allowed, nil
}

// ReleaseExpectedPayout drops one order's reservation. Called on any bet
// rejection past the reservation point and on refund.
func (r *RiskManager) ReleaseExpectedPayout(ctx context.Context, roundID uuid.UUID, orderID string) {
	if err := r.rdb.HDel(ctx, keyRiskHash+roundID.String(), orderID).Err(); err != nil {
		r.logger.Warn("risk reservation release failed",
			"round_id", roundID, "order_id", orderID, "err", err)
	}
}

// ClearRound deletes the whole reservation hash at round end.
func (r *RiskManager) ClearRound(ctx context.Context, roundID uuid.UUID) {
	if err := r.rdb.Del(ctx, keyRiskHash+roundID.String()).Err(); err != nil {
		r.logger.Warn("risk hash cleanup failed", "round_id", roundID, "err", err)
	}
}

// ReservedTotal sums the round's live reservations (monitoring aid).
func (r *RiskManager) ReservedTotal(ctx context.Context, roundID uuid.UUID) (float64, error) {
	vals, err := r.rdb.HVals(ctx, keyRiskHash+roundID.String()).Result()
	if err != nil {
		return 0, fmt.Errorf("risk.ReservedTotal: %w", err)
	}
	var sum float64
	for _, v := range vals {
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			sum += f
		}
	}
	return sum, nil
}

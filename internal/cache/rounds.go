package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// priceListLen bounds the shared price history list.
const priceListLen = 100

// CachedPrice is the wire form of one shared-cache price sample.
type CachedPrice struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"ts"` // unix ms
}

// RoundCache mirrors engine state into the shared store: the live price
// list, the round-state key other hosts read, and the sorted set of active
// bets by target time. Everything here is advisory and best-effort.
type RoundCache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRoundCache creates a RoundCache.
func NewRoundCache(rdb *redis.Client, logger *slog.Logger) *RoundCache {
	return &RoundCache{rdb: rdb, logger: logger.With("component", "roundcache")}
}

// ──────────────────────────────────────────────────────────────────────────────
// Price list
// ──────────────────────────────────────────────────────────────────────────────

// PushPrice prepends a price sample and trims the list.
func (c *RoundCache) PushPrice(ctx context.Context, asset string, price decimal.Decimal, ts time.Time) error {
	data, err := json.Marshal(CachedPrice{Price: price, Timestamp: ts.UnixMilli()})
	if err != nil {
		return fmt.Errorf("roundcache.PushPrice: marshal: %w", err)
	}
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, keyPriceList+asset, data)
	pipe.LTrim(ctx, keyPriceList+asset, 0, priceListLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("roundcache.PushPrice: %w", err)
	}
	return nil
}

// LatestPrice reads the newest shared-cache price sample.
func (c *RoundCache) LatestPrice(ctx context.Context, asset string) (*CachedPrice, error) {
	data, err := c.rdb.LIndex(ctx, keyPriceList+asset, 0).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("roundcache.LatestPrice: %w", err)
	}
	var cp CachedPrice
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("roundcache.LatestPrice: unmarshal: %w", err)
	}
	return &cp, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Round state mirror
// ──────────────────────────────────────────────────────────────────────────────

// RoundStateDoc is the cross-host image of the live round.
type RoundStateDoc struct {
	RoundID    uuid.UUID       `json:"round_id"`
	Status     string          `json:"status"`
	Asset      string          `json:"asset"`
	StartPrice decimal.Decimal `json:"start_price"`
	StartedAt  int64           `json:"started_at"` // unix ms
}

// SyncRoundState writes the round-state key with a TTL slightly past the
// round's maximum lifetime.
func (c *RoundCache) SyncRoundState(ctx context.Context, doc RoundStateDoc, ttl time.Duration) {
	data, err := json.Marshal(doc)
	if err != nil {
		c.logger.Warn("round state marshal failed", "err", err)
		return
	}
	if err := c.rdb.Set(ctx, keyRoundState+doc.Asset, data, ttl).Err(); err != nil {
		c.logger.Warn("round state sync failed", "asset", doc.Asset, "err", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Active-bet sorted set
// ──────────────────────────────────────────────────────────────────────────────

// AddActiveBet mirrors an admitted bet into the round's sorted set scored
// by target time. Append-only within a round.
func (c *RoundCache) AddActiveBet(ctx context.Context, roundID uuid.UUID, orderID string, targetTime float64) {
	err := c.rdb.ZAdd(ctx, keyActiveBets+roundID.String(),
		redis.Z{Score: targetTime, Member: orderID}).Err()
	if err != nil {
		c.logger.Debug("active-bet mirror failed", "order_id", orderID, "err", err)
	}
}

// RemoveActiveBet drops a refunded bet from the mirror.
func (c *RoundCache) RemoveActiveBet(ctx context.Context, roundID uuid.UUID, orderID string) {
	if err := c.rdb.ZRem(ctx, keyActiveBets+roundID.String(), orderID).Err(); err != nil {
		c.logger.Debug("active-bet unmirror failed", "order_id", orderID, "err", err)
	}
}

// ClearRound deletes every round-scoped key when the round reaches a
// terminal state.
func (c *RoundCache) ClearRound(ctx context.Context, asset string, roundID uuid.UUID) {
	keys := []string{
		keyActiveBets + roundID.String(),
		keyRoundState + asset,
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("round key cleanup failed", "round_id", roundID, "err", err)
	}
}

// Package cache wraps the shared Redis store: distributed leases, risk
// reservations, rate limiting, the live price cache, and round-scoped keys.
//
// The cache is advisory for correctness-critical paths — DB uniqueness on
// order ids and conditional status updates remain the true authority; these
// services reduce contention and duplicate work.
package cache

import (
	"context"
	"fmt"

	"github.com/evetabi/gridrush/internal/config"
	"github.com/redis/go-redis/v9"
)

// NewClient connects to Redis and verifies the connection with a ping.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache.NewClient: ping: %w", err)
	}
	return rdb, nil
}

// Key layout. Everything round-scoped is deleted when the round ends.
const (
	keyRoundLock  = "gridrush:lock:round:"  // + asset
	keyBetLock    = "gridrush:lock:bet:"    // + orderId
	keyRiskHash   = "gridrush:risk:"        // + roundId
	keyRateWindow = "gridrush:rate:"        // + userId
	keyPriceList  = "gridrush:price:"       // + asset
	keyActiveBets = "gridrush:activebets:"  // + roundId
	keyRoundState = "gridrush:roundstate:"  // + asset
)

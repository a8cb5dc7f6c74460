package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/evetabi/gridrush/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

const (
	// poolMaxRetries bounds the optimistic-version retry loop.
	poolMaxRetries = 5
	poolRetryBase  = 10 * time.Millisecond
)

// PoolRepository manages the per-asset house pool with optimistic-version
// updates: `UPDATE ... WHERE asset=? AND version=v SET balance=balance+Δ,
// version=v+1`; a zero row count means another writer won and the caller
// re-reads and retries.
type PoolRepository struct {
	db *sqlx.DB
}

// NewPoolRepository creates a new PoolRepository.
func NewPoolRepository(db *sqlx.DB) *PoolRepository {
	return &PoolRepository{db: db}
}

// GetBalance returns the current pool balance for an asset.
func (r *PoolRepository) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := r.db.GetContext(ctx, &bal,
		`SELECT balance FROM house_pools WHERE asset = $1`, asset)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("pool_repo.GetBalance: no pool for asset %q", asset)
		}
		return decimal.Zero, fmt.Errorf("pool_repo.GetBalance: %w", err)
	}
	return bal, nil
}

// Initialize creates the pool row with an initial balance using
// insert-if-absent; on conflict the existing row wins and is returned.
func (r *PoolRepository) Initialize(ctx context.Context, asset string, initial decimal.Decimal) (*domain.HousePool, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO house_pools (asset, balance, version, updated_at)
		VALUES ($1, $2, 0, now())
		ON CONFLICT (asset) DO NOTHING`,
		asset, initial)
	if err != nil {
		return nil, fmt.Errorf("pool_repo.Initialize: %w", err)
	}

	var pool domain.HousePool
	if err := r.db.GetContext(ctx, &pool,
		`SELECT * FROM house_pools WHERE asset = $1`, asset); err != nil {
		return nil, fmt.Errorf("pool_repo.Initialize reread: %w", err)
	}
	return &pool, nil
}

// ApplyDelta applies a signed delta to the pool inside the caller's
// transaction, retrying the optimistic version check with bounded backoff.
// Exhausting the retries raises ErrPoolConflict.
func (r *PoolRepository) ApplyDelta(ctx context.Context, tx *sqlx.Tx, asset string, delta decimal.Decimal) error {
	for attempt := 0; attempt < poolMaxRetries; attempt++ {
		var version int64
		err := tx.GetContext(ctx, &version,
			`SELECT version FROM house_pools WHERE asset = $1`, asset)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("pool_repo.ApplyDelta: no pool for asset %q", asset)
			}
			return fmt.Errorf("pool_repo.ApplyDelta read: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE house_pools
			SET balance = balance + $1, version = version + 1, updated_at = now()
			WHERE asset = $2 AND version = $3`,
			delta, asset, version)
		if err != nil {
			return fmt.Errorf("pool_repo.ApplyDelta update: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poolRetryBase << attempt):
		}
	}
	return domain.ErrPoolConflict
}

package repository

import (
	"context"
	"fmt"

	"github.com/evetabi/gridrush/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SnapshotRepository appends price trajectory samples in batches.
type SnapshotRepository struct {
	db *sqlx.DB
}

// NewSnapshotRepository creates a new SnapshotRepository.
func NewSnapshotRepository(db *sqlx.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// InsertBatch writes a batch of snapshots in one statement. The batch is
// best-effort diagnostic data; the caller owns retry policy.
func (r *SnapshotRepository) InsertBatch(ctx context.Context, snaps []domain.PriceSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	query := `
		INSERT INTO price_snapshots (round_id, ts, price, row_index)
		VALUES (:round_id, :ts, :price, :row_index)`
	if _, err := r.db.NamedExecContext(ctx, query, snaps); err != nil {
		return fmt.Errorf("snapshot_repo.InsertBatch: %w", err)
	}
	return nil
}

// CountByRound returns the number of persisted samples for a round.
func (r *SnapshotRepository) CountByRound(ctx context.Context, roundID uuid.UUID) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM price_snapshots WHERE round_id = $1`, roundID)
	if err != nil {
		return 0, fmt.Errorf("snapshot_repo.CountByRound: %w", err)
	}
	return n, nil
}

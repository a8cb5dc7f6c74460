// Package repository contains all PostgreSQL access for the game engine.
// Methods that must participate in a caller-owned transaction accept a
// *sqlx.Tx; everything else runs on the pooled *sqlx.DB.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/evetabi/gridrush/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// RoundRepository handles all database operations for rounds.
type RoundRepository struct {
	db *sqlx.DB
}

// NewRoundRepository creates a new RoundRepository.
func NewRoundRepository(db *sqlx.DB) *RoundRepository {
	return &RoundRepository{db: db}
}

// Create inserts a new round in betting status.
func (r *RoundRepository) Create(ctx context.Context, round *domain.Round) error {
	query := `
		INSERT INTO rounds
			(id, asset, status, start_price, total_bets, total_volume, total_payout,
			 started_at, created_at, updated_at)
		VALUES
			(:id, :asset, :status, :start_price, :total_bets, :total_volume, :total_payout,
			 :started_at, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, round); err != nil {
		return fmt.Errorf("round_repo.Create: %w", err)
	}
	return nil
}

// GetByID fetches a round by its primary key.
func (r *RoundRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Round, error) {
	var round domain.Round
	err := r.db.GetContext(ctx, &round, `SELECT * FROM rounds WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRoundNotFound
		}
		return nil, fmt.Errorf("round_repo.GetByID: %w", err)
	}
	return &round, nil
}

// Transition performs a conditional status update: status must currently be
// one of `from`, and exactly one row must change. Returns ErrRoundConflict
// when another engine won the transition. Pass tx=nil to run on the pool.
func (r *RoundRepository) Transition(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, from []domain.RoundStatus, to domain.RoundStatus) error {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}
	query := `
		UPDATE rounds
		SET status = $1, updated_at = now()
		WHERE id = $2 AND status = ANY($3)`

	var res sql.Result
	var err error
	args := []interface{}{string(to), id, pq.Array(fromStrs)}
	if tx != nil {
		res, err = tx.ExecContext(ctx, query, args...)
	} else {
		res, err = r.db.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return fmt.Errorf("round_repo.Transition: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return domain.ErrRoundConflict
	}
	return nil
}

// GetStatus reads the current persisted status inside a transaction. The
// admission pipeline uses this as the authoritative betting-window gate.
func (r *RoundRepository) GetStatus(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (domain.RoundStatus, error) {
	var status domain.RoundStatus
	err := tx.GetContext(ctx, &status, `SELECT status FROM rounds WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrRoundNotFound
		}
		return "", fmt.Errorf("round_repo.GetStatus: %w", err)
	}
	return status, nil
}

// Finalize stamps end-of-round aggregates together with the terminal status.
// The transition is still conditional on the settling state.
func (r *RoundRepository) Finalize(ctx context.Context, id uuid.UUID, to domain.RoundStatus, stats domain.RoundStats) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE rounds
		SET status       = $1,
		    end_price    = $2,
		    total_bets   = $3,
		    total_volume = $4,
		    total_payout = $5,
		    ended_at     = $6,
		    updated_at   = now()
		WHERE id = $7 AND status = $8`,
		string(to), stats.EndPrice, stats.TotalBets, stats.TotalVolume,
		stats.TotalPayout, time.Now().UTC(), id, string(domain.RoundSettling))
	if err != nil {
		return fmt.Errorf("round_repo.Finalize: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return domain.ErrRoundConflict
	}
	return nil
}

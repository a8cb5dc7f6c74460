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
	"github.com/shopspring/decimal"
)

// uniqueViolation is the PostgreSQL error code for unique constraint breaks.
const uniqueViolation = "23505"

// IsUniqueViolation reports whether err is a unique-constraint violation.
// The admission pipeline uses this to turn a duplicate orderId insert into
// an idempotent replay.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

// BetRepository handles all database operations for bets.
type BetRepository struct {
	db *sqlx.DB
}

// NewBetRepository creates a new BetRepository.
func NewBetRepository(db *sqlx.DB) *BetRepository {
	return &BetRepository{db: db}
}

// Create inserts a new bet inside an existing transaction. orderId
// uniqueness is enforced here by the DB constraint.
func (r *BetRepository) Create(ctx context.Context, tx *sqlx.Tx, b *domain.Bet) error {
	query := `
		INSERT INTO bets
			(id, order_id, user_id, round_id, asset, amount, multiplier,
			 target_row, target_time, is_play_mode, status, payout, created_at)
		VALUES
			(:id, :order_id, :user_id, :round_id, :asset, :amount, :multiplier,
			 :target_row, :target_time, :is_play_mode, :status, :payout, :created_at)`
	if _, err := tx.NamedExecContext(ctx, query, b); err != nil {
		if IsUniqueViolation(err) {
			return err // caller distinguishes replay from failure
		}
		return fmt.Errorf("bet_repo.Create: %w", err)
	}
	return nil
}

// GetByOrderID fetches a bet by its client-supplied idempotency key.
// Returns (nil, nil) when no bet exists.
func (r *BetRepository) GetByOrderID(ctx context.Context, orderID string) (*domain.Bet, error) {
	var b domain.Bet
	err := r.db.GetContext(ctx, &b, `SELECT * FROM bets WHERE order_id = $1`, orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("bet_repo.GetByOrderID: %w", err)
	}
	return &b, nil
}

// GetPendingByRound returns every bet of a round still awaiting settlement.
// The compensation sweeper and cancellation path both run on this set.
func (r *BetRepository) GetPendingByRound(ctx context.Context, roundID uuid.UUID) ([]*domain.Bet, error) {
	var bets []*domain.Bet
	err := r.db.SelectContext(ctx, &bets, `
		SELECT * FROM bets
		WHERE round_id = $1 AND status IN ('pending', 'settling')
		ORDER BY target_time ASC, created_at ASC`,
		roundID)
	if err != nil {
		return nil, fmt.Errorf("bet_repo.GetPendingByRound: %w", err)
	}
	return bets, nil
}

// GetRecentByUser returns a user's most recent bets for state snapshots.
func (r *BetRepository) GetRecentByUser(ctx context.Context, userID string, limit int) ([]*domain.Bet, error) {
	var bets []*domain.Bet
	err := r.db.SelectContext(ctx, &bets, `
		SELECT * FROM bets
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("bet_repo.GetRecentByUser: %w", err)
	}
	return bets, nil
}

// GetByRoundAndUser returns a user's bets within one round, oldest first,
// used to replay bet events after a reconnect.
func (r *BetRepository) GetByRoundAndUser(ctx context.Context, roundID uuid.UUID, userID string) ([]*domain.Bet, error) {
	var bets []*domain.Bet
	err := r.db.SelectContext(ctx, &bets, `
		SELECT * FROM bets
		WHERE round_id = $1 AND user_id = $2
		ORDER BY created_at ASC`,
		roundID, userID)
	if err != nil {
		return nil, fmt.Errorf("bet_repo.GetByRoundAndUser: %w", err)
	}
	return bets, nil
}

// Settle conditionally moves a bet from PENDING (or SETTLING) to its
// terminal won/lost state, stamping payout and hit details. Returns false
// without error when the row was already terminal — the caller must skip
// any money movement for that bet.
func (r *BetRepository) Settle(ctx context.Context, tx *sqlx.Tx, betID uuid.UUID, won bool, payout decimal.Decimal, hit *domain.HitDetails) (bool, error) {
	status := domain.BetLost
	if won {
		status = domain.BetWon
	}

	var hitPrice interface{}
	var hitRow, hitTime interface{}
	if hit != nil {
		hitPrice, hitRow, hitTime = hit.Price, hit.Row, hit.Time
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE bets
		SET status     = $1,
		    payout     = $2,
		    hit_price  = $3,
		    hit_row    = $4,
		    hit_time   = $5,
		    settled_at = $6
		WHERE id = $7 AND status IN ('pending', 'settling')`,
		string(status), payout, hitPrice, hitRow, hitTime, time.Now().UTC(), betID)
	if err != nil {
		return false, fmt.Errorf("bet_repo.Settle: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Refund conditionally moves a pending/settling bet to REFUNDED. Returns
// ErrBetAlreadySettled when the bet already reached a terminal state.
func (r *BetRepository) Refund(ctx context.Context, tx *sqlx.Tx, betID uuid.UUID) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE bets
		SET status = 'refunded', settled_at = $1
		WHERE id = $2 AND status IN ('pending', 'settling')`,
		time.Now().UTC(), betID)
	if err != nil {
		return fmt.Errorf("bet_repo.Refund: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return domain.ErrBetAlreadySettled
	}
	return nil
}

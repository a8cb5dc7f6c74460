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
	"github.com/shopspring/decimal"
)

// UserRepository handles users, balances, and the append-only ledger.
//
// Balance mutations only happen inside caller-owned transactions with
// conditional predicates; every committed real-mode debit/credit produces
// exactly one ledger row. Play-mode updates touch play_balance only and
// write no ledger entry.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetByID fetches a user by id.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	err := r.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("user_repo.GetByID: %w", err)
	}
	return &u, nil
}

// GetBalance reads the requested balance field on the pool connection.
func (r *UserRepository) GetBalance(ctx context.Context, userID string, isPlayMode bool) (decimal.Decimal, error) {
	col := "balance"
	if isPlayMode {
		col = "play_balance"
	}
	var bal decimal.Decimal
	err := r.db.GetContext(ctx, &bal,
		fmt.Sprintf(`SELECT %s FROM users WHERE id = $1`, col), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, domain.ErrUserNotFound
		}
		return decimal.Zero, fmt.Errorf("user_repo.GetBalance: %w", err)
	}
	return bal, nil
}

// EnsurePlayUser creates a synthetic user row with a seeded play balance if
// none exists. Anonymous connections get one on their first play-mode bet so
// the rest of the money path needs no special case.
func (r *UserRepository) EnsurePlayUser(ctx context.Context, userID string, playSeed decimal.Decimal) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, balance, play_balance, is_active, created_at, updated_at)
		VALUES ($1, $1, 0, $2, true, now(), now())
		ON CONFLICT (id) DO NOTHING`,
		userID, playSeed)
	if err != nil {
		return fmt.Errorf("user_repo.EnsurePlayUser: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Ledger operations — all run inside a caller-supplied transaction
// ──────────────────────────────────────────────────────────────────────────────

// ChangeParams describes one balance mutation.
type ChangeParams struct {
	UserID       string
	Amount       decimal.Decimal // signed delta
	Type         domain.TxType
	IsPlayMode   bool
	RelatedBetID *uuid.UUID
	Remark       string
}

// ChangeBalance applies a signed delta to the target balance field and, for
// real mode only, appends one ledger entry with balance_before/after.
func (r *UserRepository) ChangeBalance(ctx context.Context, tx *sqlx.Tx, p ChangeParams) error {
	if p.IsPlayMode {
		_, err := tx.ExecContext(ctx, `
			UPDATE users SET play_balance = play_balance + $1, updated_at = now()
			WHERE id = $2`,
			p.Amount, p.UserID)
		if err != nil {
			return fmt.Errorf("user_repo.ChangeBalance play: %w", err)
		}
		return nil
	}

	var before decimal.Decimal
	err := tx.GetContext(ctx, &before,
		`SELECT balance FROM users WHERE id = $1 FOR UPDATE`, p.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrUserNotFound
		}
		return fmt.Errorf("user_repo.ChangeBalance lock: %w", err)
	}

	after := before.Add(p.Amount)
	_, err = tx.ExecContext(ctx,
		`UPDATE users SET balance = $1, updated_at = now() WHERE id = $2`,
		after, p.UserID)
	if err != nil {
		return fmt.Errorf("user_repo.ChangeBalance update: %w", err)
	}

	return r.appendLedger(ctx, tx, p, before, after)
}

// ConditionalChangeBalance performs the mutation only when the current
// balance satisfies `balance >= minBalance`, as a single SQL predicate.
// Returns ErrInsufficientBalance when the update changed no row. This is
// the only permitted way to debit a stake.
func (r *UserRepository) ConditionalChangeBalance(ctx context.Context, tx *sqlx.Tx, p ChangeParams, minBalance decimal.Decimal) error {
	col := "balance"
	if p.IsPlayMode {
		col = "play_balance"
	}

	var before decimal.Decimal
	query := fmt.Sprintf(`
		UPDATE users
		SET %[1]s = %[1]s + $1, updated_at = now()
		WHERE id = $2 AND %[1]s >= $3
		RETURNING %[1]s - $1`, col)
	err := tx.GetContext(ctx, &before, query, p.Amount, p.UserID, minBalance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrInsufficientBalance
		}
		return fmt.Errorf("user_repo.ConditionalChangeBalance: %w", err)
	}

	if p.IsPlayMode {
		return nil
	}
	return r.appendLedger(ctx, tx, p, before, before.Add(p.Amount))
}

// BatchChangeBalance applies a sequence of deltas for one user with a single
// aggregated balance update and a chain of ledger entries whose
// balance_before/after link correctly.
func (r *UserRepository) BatchChangeBalance(ctx context.Context, tx *sqlx.Tx, userID string, isPlayMode bool, changes []ChangeParams) error {
	if len(changes) == 0 {
		return nil
	}

	total := decimal.Zero
	for _, c := range changes {
		total = total.Add(c.Amount)
	}

	if isPlayMode {
		_, err := tx.ExecContext(ctx, `
			UPDATE users SET play_balance = play_balance + $1, updated_at = now()
			WHERE id = $2`,
			total, userID)
		if err != nil {
			return fmt.Errorf("user_repo.BatchChangeBalance play: %w", err)
		}
		return nil
	}

	var before decimal.Decimal
	err := tx.GetContext(ctx, &before,
		`SELECT balance FROM users WHERE id = $1 FOR UPDATE`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrUserNotFound
		}
		return fmt.Errorf("user_repo.BatchChangeBalance lock: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE users SET balance = balance + $1, updated_at = now() WHERE id = $2`,
		total, userID)
	if err != nil {
		return fmt.Errorf("user_repo.BatchChangeBalance update: %w", err)
	}

	running := before
	for _, c := range changes {
		after := running.Add(c.Amount)
		if err := r.appendLedger(ctx, tx, c, running, after); err != nil {
			return err
		}
		running = after
	}
	return nil
}

// UpdateStats folds a settlement batch's aggregate into the user's counters.
func (r *UserRepository) UpdateStats(ctx context.Context, tx *sqlx.Tx, userID string, d domain.UserStatsDelta) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE users
		SET total_bets   = total_bets + $1,
		    total_wins   = total_wins + $2,
		    total_losses = total_losses + $3,
		    total_profit = total_profit + $4,
		    updated_at   = now()
		WHERE id = $5`,
		d.Bets, d.Wins, d.Losses, d.Profit, userID)
	if err != nil {
		return fmt.Errorf("user_repo.UpdateStats: %w", err)
	}
	return nil
}

// GetTransactions returns paginated ledger history for a user.
func (r *UserRepository) GetTransactions(ctx context.Context, userID string, limit, offset int) ([]*domain.Transaction, error) {
	var txns []*domain.Transaction
	err := r.db.SelectContext(ctx, &txns, `
		SELECT * FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("user_repo.GetTransactions: %w", err)
	}
	return txns, nil
}

func (r *UserRepository) appendLedger(ctx context.Context, tx *sqlx.Tx, p ChangeParams, before, after decimal.Decimal) error {
	now := time.Now().UTC()
	txn := &domain.Transaction{
		ID:            uuid.New(),
		UserID:        p.UserID,
		Type:          p.Type,
		Amount:        p.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		RelatedBetID:  p.RelatedBetID,
		Remark:        p.Remark,
		Status:        "completed",
		CompletedAt:   now,
		CreatedAt:     now,
	}
	query := `
		INSERT INTO transactions
			(id, user_id, type, amount, balance_before, balance_after,
			 related_bet_id, remark, status, completed_at, created_at)
		VALUES
			(:id, :user_id, :type, :amount, :balance_before, :balance_after,
			 :related_bet_id, :remark, :status, :completed_at, :created_at)`
	if _, err := tx.NamedExecContext(ctx, query, txn); err != nil {
		return fmt.Errorf("user_repo.appendLedger: %w", err)
	}
	return nil
}

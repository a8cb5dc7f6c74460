// Package bank owns every money-moving database transaction of the game:
// stake reservation at admission, refunds, and batched settlement. The
// engine calls it through small interfaces so the hot path stays testable
// without a database.
//
// All mutations run under conditional predicates (status guards, balance
// minimums, pool versions); the bank never trusts in-memory state for money.
package bank

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/evetabi/gridrush/internal/domain"
	"github.com/evetabi/gridrush/internal/repository"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// Bank orchestrates the transactional flows over the repositories.
type Bank struct {
	db        *sqlx.DB
	roundRepo *repository.RoundRepository
	betRepo   *repository.BetRepository
	userRepo  *repository.UserRepository
	poolRepo  *repository.PoolRepository
	logger    *slog.Logger
}

// New creates a Bank.
func New(
	db *sqlx.DB,
	roundRepo *repository.RoundRepository,
	betRepo *repository.BetRepository,
	userRepo *repository.UserRepository,
	poolRepo *repository.PoolRepository,
	logger *slog.Logger,
) *Bank {
	return &Bank{
		db:        db,
		roundRepo: roundRepo,
		betRepo:   betRepo,
		userRepo:  userRepo,
		poolRepo:  poolRepo,
		logger:    logger.With("component", "bank"),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// PlaceBet
// ──────────────────────────────────────────────────────────────────────────────

// PlaceBet commits a validated bet: inside one transaction it re-checks the
// round's betting window against the DB (the authoritative gate), inserts
// the bet row, debits the stake with a conditional `balance >= amount`
// predicate, and — real mode only — writes the ledger entry and applies
// +amount to the house pool.
//
// Returns the new balance after the debit. A unique violation on order_id
// propagates unwrapped so the caller can replay idempotently.
func (b *Bank) PlaceBet(ctx context.Context, bet *domain.Bet) (decimal.Decimal, error) {
	var newBalance decimal.Decimal

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bank.PlaceBet: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Authoritative admission predicate: rounds.status must be betting at
	// the time of this transaction.
	status, err := b.roundRepo.GetStatus(ctx, tx, bet.RoundID)
	if err != nil {
		return decimal.Zero, err
	}
	if status != domain.RoundBetting {
		err = domain.ErrBettingClosed
		return decimal.Zero, err
	}

	if err = b.betRepo.Create(ctx, tx, bet); err != nil {
		return decimal.Zero, err // may be a unique violation; caller inspects
	}

	betID := bet.ID
	err = b.userRepo.ConditionalChangeBalance(ctx, tx, repository.ChangeParams{
		UserID:       bet.UserID,
		Amount:       bet.Amount.Neg(),
		Type:         domain.TxBet,
		IsPlayMode:   bet.IsPlayMode,
		RelatedBetID: &betID,
		Remark:       fmt.Sprintf("stake for order %s", bet.OrderID),
	}, bet.Amount)
	if err != nil {
		return decimal.Zero, err
	}

	if !bet.IsPlayMode {
		if err = b.poolRepo.ApplyDelta(ctx, tx, bet.Asset, bet.Amount); err != nil {
			return decimal.Zero, err
		}
	}

	if err = tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("bank.PlaceBet: commit: %w", err)
	}

	newBalance, balErr := b.userRepo.GetBalance(ctx, bet.UserID, bet.IsPlayMode)
	if balErr != nil {
		// Commit already succeeded; a read failure must not fail the bet.
		b.logger.Warn("balance reread failed after bet commit",
			"order_id", bet.OrderID, "err", balErr)
		newBalance = decimal.Zero
	}
	return newBalance, nil
}

// FindByOrderID exposes the idempotency lookup to the admission pipeline.
func (b *Bank) FindByOrderID(ctx context.Context, orderID string) (*domain.Bet, error) {
	return b.betRepo.GetByOrderID(ctx, orderID)
}

// IsDuplicateOrderErr reports whether a PlaceBet failure was a duplicate
// order_id insert, i.e. an idempotent replay rather than a fault.
func (b *Bank) IsDuplicateOrderErr(err error) bool {
	return repository.IsUniqueViolation(err)
}

// GetUser exposes the user lookup for admission status checks.
func (b *Bank) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return b.userRepo.GetByID(ctx, userID)
}

// EnsurePlayUser seeds a synthetic user row for anonymous play-mode bettors.
func (b *Bank) EnsurePlayUser(ctx context.Context, userID string, playSeed decimal.Decimal) error {
	return b.userRepo.EnsurePlayUser(ctx, userID, playSeed)
}

// UserBalance returns the requested balance for snapshot composition.
func (b *Bank) UserBalance(ctx context.Context, userID string, isPlayMode bool) (decimal.Decimal, error) {
	return b.userRepo.GetBalance(ctx, userID, isPlayMode)
}

// RecentBets returns a user's latest bets for the connect-time snapshot.
func (b *Bank) RecentBets(ctx context.Context, userID string, limit int) ([]*domain.Bet, error) {
	return b.betRepo.GetRecentByUser(ctx, userID, limit)
}

// RoundBets returns a user's bets within one round for event replay.
func (b *Bank) RoundBets(ctx context.Context, roundID uuid.UUID, userID string) ([]*domain.Bet, error) {
	return b.betRepo.GetByRoundAndUser(ctx, roundID, userID)
}

// Transactions returns a page of a user's ledger entries.
func (b *Bank) Transactions(ctx context.Context, userID string, limit, offset int) ([]*domain.Transaction, error) {
	return b.userRepo.GetTransactions(ctx, userID, limit, offset)
}

// ──────────────────────────────────────────────────────────────────────────────
// Refund
// ──────────────────────────────────────────────────────────────────────────────

// Refund returns a bet's stake in one transaction: conditional status flip
// to REFUNDED, balance credit with a ledger entry (real mode), and −amount
// on the house pool (real mode). Already-terminal bets return
// ErrBetAlreadySettled and move no money.
func (b *Bank) Refund(ctx context.Context, bet *domain.Bet) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("bank.Refund: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = b.betRepo.Refund(ctx, tx, bet.ID); err != nil {
		return err
	}

	betID := bet.ID
	err = b.userRepo.ChangeBalance(ctx, tx, repository.ChangeParams{
		UserID:       bet.UserID,
		Amount:       bet.Amount,
		Type:         domain.TxRefund,
		IsPlayMode:   bet.IsPlayMode,
		RelatedBetID: &betID,
		Remark:       fmt.Sprintf("refund for order %s", bet.OrderID),
	})
	if err != nil {
		return err
	}

	if !bet.IsPlayMode {
		if err = b.poolRepo.ApplyDelta(ctx, tx, bet.Asset, bet.Amount.Neg()); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("bank.Refund: commit: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Pool access for risk cap derivation
// ──────────────────────────────────────────────────────────────────────────────

// PoolBalance returns the current house pool balance for an asset.
func (b *Bank) PoolBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return b.poolRepo.GetBalance(ctx, asset)
}

// InitializePool creates the pool row if absent.
func (b *Bank) InitializePool(ctx context.Context, asset string, initial decimal.Decimal) (*domain.HousePool, error) {
	return b.poolRepo.Initialize(ctx, asset, initial)
}

// PendingBets returns the round's unsettled bets (compensation sweeps and
// cancellation both run on this set).
func (b *Bank) PendingBets(ctx context.Context, roundID uuid.UUID) ([]*domain.Bet, error) {
	return b.betRepo.GetPendingByRound(ctx, roundID)
}

package bank

import (
	"context"
	"fmt"

	"github.com/evetabi/gridrush/internal/domain"
	"github.com/evetabi/gridrush/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SettlementItem is one bet outcome awaiting durable commit.
type SettlementItem struct {
	Bet   *domain.Bet
	IsWin bool
	Hit   *domain.HitDetails
}

// SettlementResult reports what actually happened to one item after the
// batch committed.
type SettlementResult struct {
	Bet     *domain.Bet
	IsWin   bool
	Payout  decimal.Decimal
	Hit     *domain.HitDetails
	Skipped bool // row was already terminal; no money moved
}

// SettleBatch commits a batch of outcomes in a single transaction:
//
//  1. Per bet, a conditional PENDING→(WON|LOST) update stamped with payout
//     and hit details; a zero row count means the bet was already settled
//     elsewhere and the item is skipped entirely.
//  2. Per user, one aggregated balance change with chained ledger entries
//     for winners (real mode), plus a stats update. Play-mode payouts
//     bypass the ledger but still credit play_balance.
//  3. Per asset, one aggregated −payout on the house pool for the real-mode
//     winners, so the pool mirrors stakes in minus payouts out.
//
// The whole batch succeeds or fails atomically; the caller owns retries.
func (b *Bank) SettleBatch(ctx context.Context, items []SettlementItem) ([]SettlementResult, error) {
	if len(items) == 0 {
		return nil, nil
	}

	results := make([]SettlementResult, 0, len(items))

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("bank.SettleBatch: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Per-user aggregation key: (userID, playMode) never mixes ledgers.
	type userKey struct {
		userID   string
		playMode bool
	}
	credits := make(map[userKey][]repository.ChangeParams)
	stats := make(map[userKey]domain.UserStatsDelta)
	poolDebits := make(map[string]decimal.Decimal)

	for _, item := range items {
		payout := decimal.Zero
		if item.IsWin {
			payout = item.Bet.WinPayout()
		}

		var updated bool
		updated, err = b.betRepo.Settle(ctx, tx, item.Bet.ID, item.IsWin, payout, item.Hit)
		if err != nil {
			return nil, err
		}
		if !updated {
			results = append(results, SettlementResult{Bet: item.Bet, Skipped: true})
			continue
		}

		key := userKey{item.Bet.UserID, item.Bet.IsPlayMode}
		delta := stats[key]
		delta.Bets++
		if item.IsWin {
			delta.Wins++
			delta.Profit = delta.Profit.Add(payout.Sub(item.Bet.Amount))

			if !item.Bet.IsPlayMode {
				poolDebits[item.Bet.Asset] = poolDebits[item.Bet.Asset].Add(payout)
			}

			betID := item.Bet.ID
			credits[key] = append(credits[key], repository.ChangeParams{
				UserID:       item.Bet.UserID,
				Amount:       payout,
				Type:         domain.TxWin,
				IsPlayMode:   item.Bet.IsPlayMode,
				RelatedBetID: &betID,
				Remark:       fmt.Sprintf("win for order %s", item.Bet.OrderID),
			})
		} else {
			delta.Losses++
			delta.Profit = delta.Profit.Sub(item.Bet.Amount)
		}
		stats[key] = delta

		results = append(results, SettlementResult{
			Bet:    item.Bet,
			IsWin:  item.IsWin,
			Payout: payout,
			Hit:    item.Hit,
		})
	}

	for key, changes := range credits {
		if err = b.userRepo.BatchChangeBalance(ctx, tx, key.userID, key.playMode, changes); err != nil {
			return nil, err
		}
	}
	for key, delta := range stats {
		if err = b.userRepo.UpdateStats(ctx, tx, key.userID, delta); err != nil {
			return nil, err
		}
	}
	for asset, total := range poolDebits {
		if err = b.poolRepo.ApplyDelta(ctx, tx, asset, total.Neg()); err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("bank.SettleBatch: commit: %w", err)
	}
	return results, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Compensation sweep
// ──────────────────────────────────────────────────────────────────────────────

// EndSnapshot is the end-of-round trajectory image the sweeper replays
// stragglers against.
type EndSnapshot struct {
	Elapsed    float64
	CurrentRow float64
	PrevRow    float64
	Price      decimal.Decimal
	HitTol     float64
}

// SweepPending resolves every bet of the round still pending in the DB by
// recomputing win/loss from the end-of-round snapshot and settling it with
// the same conditional-update discipline as the live path. This is the
// exactly-once safety net when an engine crashed mid-tick. Returns the
// settlement results so the caller can fold them into round stats and
// notify clients like any other settlement.
func (b *Bank) SweepPending(ctx context.Context, roundID uuid.UUID, snap EndSnapshot) ([]SettlementResult, error) {
	pending, err := b.betRepo.GetPendingByRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("bank.SweepPending: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	items := make([]SettlementItem, 0, len(pending))
	for _, bet := range pending {
		won := snap.Elapsed+domain.HitTimeTolerance >= bet.TargetTime &&
			domain.RowWindowContains(snap.PrevRow, snap.CurrentRow, bet.TargetRow, snap.HitTol)
		item := SettlementItem{Bet: bet, IsWin: won}
		if won {
			item.Hit = &domain.HitDetails{
				Price: snap.Price,
				Row:   snap.CurrentRow,
				Time:  bet.TargetTime,
			}
		}
		items = append(items, item)
	}

	results, err := b.SettleBatch(ctx, items)
	if err != nil {
		return nil, err
	}

	swept := 0
	for _, res := range results {
		if !res.Skipped {
			swept++
		}
	}
	if swept > 0 {
		b.logger.Info("compensation sweep settled stragglers",
			"round_id", roundID, "count", swept)
	}
	return results, nil
}

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/evetabi/gridrush/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// playSeed is the synthetic balance granted to a first-seen play-mode user.
var playSeed = decimal.NewFromInt(1000)

// PlaceBet runs the full admission pipeline for one wager and returns the
// receipt. Rejections are domain errors the gateway maps to bet:rejected;
// anything else is a server fault.
//
// The pipeline is serialized per engine so in-memory caps (per-user pending,
// engine capacity) cannot be raced. The authoritative money gates live in
// the bank's transaction, not here.
func (e *Engine) PlaceBet(ctx context.Context, req domain.PlaceBetRequest) (domain.BetReceipt, error) {
	e.admitMu.Lock()
	defer e.admitMu.Unlock()

	receipt, err := e.placeBet(ctx, req)
	if err != nil && domain.IsRejection(err) {
		e.emitter.Emit(BetRejectedEvent{
			UserID:  req.UserID,
			OrderID: req.OrderID,
			Code:    domain.CodeFor(err),
			Message: err.Error(),
		})
	}
	return receipt, err
}

func (e *Engine) placeBet(ctx context.Context, req domain.PlaceBetRequest) (domain.BetReceipt, error) {
	// 1. Active round in its betting window. The in-memory check is advisory;
	// the bank's transaction re-checks the DB status.
	e.mu.Lock()
	st := e.state
	if st == nil {
		e.mu.Unlock()
		return domain.BetReceipt{}, domain.ErrNoActiveRound
	}
	if st.Status != domain.RoundBetting {
		e.mu.Unlock()
		return domain.BetReceipt{}, domain.ErrBettingClosed
	}
	roundID := st.RoundID
	asset := st.Asset
	currentRow := st.CurrentRow
	elapsed := time.Since(st.RoundStartTime).Seconds()
	activeCount := len(st.activeBets)
	userPending := st.pendingByUser[req.UserID]
	e.mu.Unlock()

	// 2. User status.
	anon := domain.IsAnonID(req.UserID)
	if anon && !req.IsPlayMode {
		return domain.BetReceipt{}, domain.ErrUnauthorized
	}
	if anon {
		if err := e.bank.EnsurePlayUser(ctx, req.UserID, playSeed); err != nil {
			return domain.BetReceipt{}, fmt.Errorf("engine.placeBet: %w", err)
		}
	} else if !req.IsPlayMode {
		user, err := e.bank.GetUser(ctx, req.UserID)
		if err != nil {
			return domain.BetReceipt{}, err
		}
		if !user.IsActive {
			return domain.BetReceipt{}, domain.ErrUserBanned
		}
		if user.IsSilenced {
			return domain.BetReceipt{}, domain.ErrUserSilenced
		}
	}

	// 3. Engine capacity.
	if activeCount >= e.cfg.MaxActiveBets {
		return domain.BetReceipt{}, domain.ErrMaxBetsReached
	}

	// 4. Rate limit.
	if !e.limiter.Allow(ctx, req.UserID) {
		return domain.BetReceipt{}, domain.ErrRateLimited
	}

	// 5. Target time inside (elapsed + lead, maxDuration].
	minTarget := elapsed + domain.MinTargetTimeOffset
	if req.TargetTime <= minTarget || req.TargetTime > e.cfg.MaxDuration.Seconds() {
		return domain.BetReceipt{}, domain.ErrTargetTimePassed
	}

	// 6. Amount.
	minBet := decimal.NewFromFloat(e.cfg.MinBetAmount)
	maxBet := decimal.NewFromFloat(e.cfg.MaxBetAmount)
	if !domain.ValidAmount(req.Amount, minBet, maxBet) {
		return domain.BetReceipt{}, domain.ErrInvalidAmount
	}

	// 7. Row.
	if !domain.ValidRow(req.TargetRow) {
		return domain.BetReceipt{}, domain.ErrInvalidTarget
	}

	// 8. Per-user pending cap.
	if userPending >= e.cfg.MaxBetsPerUser {
		return domain.BetReceipt{}, domain.ErrMaxBetsReached
	}

	// 9. Server-side multiplier.
	multiplier := domain.MultiplierFor(currentRow, req.TargetRow, req.TargetTime-elapsed)
	if !multiplier.IsPositive() {
		return domain.BetReceipt{}, fmt.Errorf("engine.placeBet: degenerate multiplier for row %.2f", req.TargetRow)
	}

	// 10. Order id.
	if req.OrderID == "" {
		return domain.BetReceipt{}, domain.ErrOrderIDRequired
	}

	// 11. Idempotency fast path.
	if existing, err := e.bank.FindByOrderID(ctx, req.OrderID); err != nil {
		return domain.BetReceipt{}, err
	} else if existing != nil {
		return e.replayReceipt(ctx, existing, req.UserID)
	}

	// 12. Bet lock, best-effort.
	lockToken, locked, err := e.locks.AcquireBetLock(ctx, req.OrderID)
	if err != nil {
		e.logger.Debug("bet lock unavailable, proceeding on DB uniqueness",
			"order_id", req.OrderID, "err", err)
	}
	defer func() {
		if locked {
			e.locks.ReleaseBetLock(ctx, req.OrderID, lockToken)
		}
	}()

	bet := &domain.Bet{
		ID:         uuid.New(),
		OrderID:    req.OrderID,
		UserID:     req.UserID,
		RoundID:    roundID,
		Asset:      asset,
		Amount:     req.Amount,
		Multiplier: multiplier,
		TargetRow:  req.TargetRow,
		TargetTime: req.TargetTime,
		IsPlayMode: req.IsPlayMode,
		Status:     domain.BetPending,
		Payout:     decimal.Zero,
		CreatedAt:  time.Now().UTC(),
	}

	// 13. Risk reservation, real mode only.
	didReserve := false
	if !req.IsPlayMode {
		payoutCap := e.cfg.MaxRoundPayout
		if pool, perr := e.bank.PoolBalance(ctx, asset); perr == nil {
			poolCap, _ := pool.Mul(decimal.NewFromFloat(e.cfg.MaxPayoutPoolRatio)).Float64()
			if poolCap < payoutCap {
				payoutCap = poolCap
			}
		} else {
			e.logger.Warn("pool balance unavailable, using configured payout cap", "err", perr)
		}

		net, _ := bet.ExpectedNetPayout().Float64()
		ttl := e.cfg.MaxDuration + roundLockGrace
		allowed, reserved, rerr := e.risk.ReserveExpectedPayout(ctx, roundID, req.OrderID, net, payoutCap, ttl)
		if rerr != nil {
			// The cap is a soft protection; the DB predicates still bound
			// every individual debit.
			e.logger.Warn("risk reservation unavailable, admitting uncapped",
				"order_id", req.OrderID, "err", rerr)
		} else if !allowed {
			return domain.BetReceipt{}, domain.ErrRiskCapExceeded
		} else {
			didReserve = reserved
		}
	}

	// 14. The money transaction: status gate, bet insert, conditional debit,
	// pool delta.
	newBalance, err := e.bank.PlaceBet(ctx, bet)
	if err != nil {
		if e.bank.IsDuplicateOrderErr(err) {
			if didReserve {
				e.risk.ReleaseExpectedPayout(ctx, roundID, req.OrderID)
			}
			existing, qerr := e.bank.FindByOrderID(ctx, req.OrderID)
			if qerr != nil || existing == nil {
				return domain.BetReceipt{}, domain.ErrDuplicateBet
			}
			return e.replayReceipt(ctx, existing, req.UserID)
		}
		if didReserve {
			e.risk.ReleaseExpectedPayout(ctx, roundID, req.OrderID)
		}
		return domain.BetReceipt{}, err
	}

	// 15. Post-commit: index the bet for the tick loop and mirror it out.
	ab := &ActiveBet{
		BetID:      bet.ID,
		OrderID:    bet.OrderID,
		UserID:     bet.UserID,
		Amount:     bet.Amount,
		Multiplier: bet.Multiplier,
		TargetRow:  bet.TargetRow,
		TargetTime: bet.TargetTime,
		IsPlayMode: bet.IsPlayMode,
	}
	receipt := bet.Receipt(newBalance, false)
	e.mu.Lock()
	if e.state != nil && e.state.RoundID == roundID {
		e.state.addBet(ab)
		e.heap.push(ab.OrderID, ab.TargetTime)
	} else {
		// Round ended between commit and indexing; the sweeper settles it.
		e.logger.Warn("bet committed after round left memory", "order_id", bet.OrderID)
	}
	// Confirm under the state lock so a tick settling this bet cannot emit
	// bet:settled before bet:confirmed. Emit never blocks.
	e.emitter.Emit(BetConfirmedEvent{UserID: bet.UserID, Receipt: receipt})
	e.mu.Unlock()

	go e.mirror.AddActiveBet(context.Background(), roundID, bet.OrderID, bet.TargetTime)

	return receipt, nil
}

// replayReceipt resolves an idempotent replay: the same user gets the stored
// bet back unchanged, anyone else is rejected.
func (e *Engine) replayReceipt(ctx context.Context, existing *domain.Bet, userID string) (domain.BetReceipt, error) {
	if existing.UserID != userID {
		return domain.BetReceipt{}, domain.ErrDuplicateBet
	}
	balance, err := e.bank.UserBalance(ctx, userID, existing.IsPlayMode)
	if err != nil {
		e.logger.Warn("balance read failed on idempotent replay",
			"order_id", existing.OrderID, "err", err)
		balance = decimal.Zero
	}
	return existing.Receipt(balance, true), nil
}

// Package engine hosts the round state machine, the tick loop, the bet
// admission pipeline, and the settlement plumbing. One engine instance owns
// at most one live round on one asset; instances across hosts coordinate
// through the round lock, and every money mutation is delegated to the bank
// so the engine itself holds no authority over balances.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/evetabi/gridrush/internal/bank"
	"github.com/evetabi/gridrush/internal/cache"
	"github.com/evetabi/gridrush/internal/config"
	"github.com/evetabi/gridrush/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

const (
	// roundLockGrace extends the round lock TTL past maxDuration so a dead
	// engine's lease expires shortly after its round would have ended.
	roundLockGrace = 60 * time.Second

	// stateEmitEvery throttles state:update and price:update emissions.
	stateEmitEvery = 50 * time.Millisecond

	snapshotFlushEvery = 500 * time.Millisecond
	interRoundPause    = 2 * time.Second
	retryStartAfter    = 3 * time.Second
)

// ErrRoundActive is returned by StartRound while a round is still live.
var ErrRoundActive = errors.New("a round is already active")

// ErrLockHeld is returned when another engine holds the asset's round lock.
var ErrLockHeld = errors.New("round lock held by another engine")

// ──────────────────────────────────────────────────────────────────────────────
// Collaborator interfaces — satisfied by bank, repository and cache types
// ──────────────────────────────────────────────────────────────────────────────

// MoneyBank is the slice of the bank the admission, refund and sweep paths
// consume.
type MoneyBank interface {
	PlaceBet(ctx context.Context, bet *domain.Bet) (decimal.Decimal, error)
	FindByOrderID(ctx context.Context, orderID string) (*domain.Bet, error)
	IsDuplicateOrderErr(err error) bool
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	EnsurePlayUser(ctx context.Context, userID string, playSeed decimal.Decimal) error
	UserBalance(ctx context.Context, userID string, isPlayMode bool) (decimal.Decimal, error)
	Refund(ctx context.Context, bet *domain.Bet) error
	PendingBets(ctx context.Context, roundID uuid.UUID) ([]*domain.Bet, error)
	PoolBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	SweepPending(ctx context.Context, roundID uuid.UUID, snap bank.EndSnapshot) ([]bank.SettlementResult, error)
}

// RoundStore persists round lifecycle transitions.
type RoundStore interface {
	Create(ctx context.Context, round *domain.Round) error
	Transition(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, from []domain.RoundStatus, to domain.RoundStatus) error
	Finalize(ctx context.Context, id uuid.UUID, to domain.RoundStatus, stats domain.RoundStats) error
}

// Locker provides the round and bet leases.
type Locker interface {
	AcquireRoundLock(ctx context.Context, asset string, ttl time.Duration) (string, bool, error)
	ReleaseRoundLock(ctx context.Context, asset, token string) error
	AcquireBetLock(ctx context.Context, orderID string) (string, bool, error)
	ReleaseBetLock(ctx context.Context, orderID, token string)
}

// RiskReserver caps projected round liability.
type RiskReserver interface {
	ReserveExpectedPayout(ctx context.Context, roundID uuid.UUID, orderID string, expectedPayout, maxRoundPayout float64, ttl time.Duration) (bool, bool, error)
	ReleaseExpectedPayout(ctx context.Context, roundID uuid.UUID, orderID string)
	ClearRound(ctx context.Context, roundID uuid.UUID)
}

// AdmissionLimiter is the per-user sliding-window rate limit.
type AdmissionLimiter interface {
	Allow(ctx context.Context, userID string) bool
}

// StateMirror syncs live round state into the shared cache for other hosts.
type StateMirror interface {
	SyncRoundState(ctx context.Context, doc cache.RoundStateDoc, ttl time.Duration)
	AddActiveBet(ctx context.Context, roundID uuid.UUID, orderID string, targetTime float64)
	RemoveActiveBet(ctx context.Context, roundID uuid.UUID, orderID string)
	ClearRound(ctx context.Context, asset string, roundID uuid.UUID)
}

// PriceSource serves the freshest price, or false when stale.
type PriceSource interface {
	LatestPrice() (decimal.Decimal, bool)
}

// ──────────────────────────────────────────────────────────────────────────────
// Engine
// ──────────────────────────────────────────────────────────────────────────────

// Engine composes the round lifecycle over its collaborators.
type Engine struct {
	cfg     config.GameConfig
	bank    MoneyBank
	rounds  RoundStore
	locks   Locker
	risk    RiskReserver
	limiter AdmissionLimiter
	mirror  StateMirror
	prices  PriceSource
	emitter *Emitter
	logger  *slog.Logger

	settleQ *SettlementQueue
	snapBuf *SnapshotBuffer

	// admitMu serializes the whole admission pipeline so per-user pending
	// counters cannot be raced past their caps.
	admitMu sync.Mutex

	mu         sync.Mutex
	state      *GameState
	heap       *betHeap
	lockToken  string
	ending     bool
	tickCancel context.CancelFunc

	lastStateEmit time.Time
	lastPriceEmit time.Time

	baseCtx   context.Context
	roundDone chan struct{}
}

// New wires an Engine. The settlement queue and snapshot buffer are owned
// by the engine; callers provide the persistence and cache collaborators.
func New(
	cfg config.GameConfig,
	moneyBank MoneyBank,
	settler SettlementBank,
	rounds RoundStore,
	snapshots SnapshotStore,
	locks Locker,
	risk RiskReserver,
	limiter AdmissionLimiter,
	mirror StateMirror,
	prices PriceSource,
	logger *slog.Logger,
) *Engine {
	e := &Engine{
		cfg:       cfg,
		bank:      moneyBank,
		rounds:    rounds,
		locks:     locks,
		risk:      risk,
		limiter:   limiter,
		mirror:    mirror,
		prices:    prices,
		emitter:   NewEmitter(logger),
		logger:    logger.With("component", "engine", "asset", cfg.Asset),
		heap:      newBetHeap(),
		roundDone: make(chan struct{}, 1),
	}
	e.settleQ = NewSettlementQueue(settler, e.onSettled, logger)
	e.snapBuf = NewSnapshotBuffer(snapshots,
		cfg.SnapshotBufferSize, cfg.SnapshotBatchSize,
		cfg.SnapshotMinBackoff, cfg.SnapshotMaxBackoff, logger)
	return e
}

// Events exposes the emitter for gateway subscription.
func (e *Engine) Events() *Emitter { return e.emitter }

// ──────────────────────────────────────────────────────────────────────────────
// Run loop
// ──────────────────────────────────────────────────────────────────────────────

// Run starts the background workers and drives rounds back to back until
// ctx is cancelled. A held lock or missing price delays the next attempt
// rather than failing the engine.
func (e *Engine) Run(ctx context.Context) {
	e.baseCtx = ctx
	go e.settleQ.Run(ctx)
	go e.snapBuf.Run(ctx, snapshotFlushEvery)

	for {
		if ctx.Err() != nil {
			return
		}
		round, err := e.StartRound(ctx)
		if err != nil {
			switch {
			case errors.Is(err, ErrLockHeld):
				e.logger.Debug("round lock held elsewhere, waiting")
			case errors.Is(err, domain.ErrPriceUnavailable):
				e.logger.Warn("cannot start round, price unavailable")
			default:
				e.logger.Error("round start failed", "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryStartAfter):
			}
			continue
		}
		e.logger.Info("round started",
			"round_id", round.ID, "start_price", round.StartPrice)

		select {
		case <-ctx.Done():
			// Shutdown mid-round: cancel with a detached context so refunds
			// can still land.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			e.CancelRound(shutdownCtx, "engine shutdown")
			cancel()
			return
		case <-e.roundDone:
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interRoundPause):
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// StartRound
// ──────────────────────────────────────────────────────────────────────────────

// StartRound acquires the round lease, persists a new round in its betting
// window, initializes the in-memory state and launches the tick loop.
func (e *Engine) StartRound(ctx context.Context) (*domain.Round, error) {
	e.mu.Lock()
	if e.state != nil {
		e.mu.Unlock()
		return nil, ErrRoundActive
	}
	if e.baseCtx == nil {
		e.baseCtx = context.Background()
	}
	e.mu.Unlock()

	lockTTL := e.cfg.MaxDuration + roundLockGrace
	token, ok, err := e.locks.AcquireRoundLock(ctx, e.cfg.Asset, lockTTL)
	if err != nil {
		return nil, fmt.Errorf("engine.StartRound: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	releaseLock := func() {
		if relErr := e.locks.ReleaseRoundLock(ctx, e.cfg.Asset, token); relErr != nil {
			e.logger.Warn("round lock release failed", "err", relErr)
		}
	}

	price, fresh := e.prices.LatestPrice()
	if !fresh {
		releaseLock()
		return nil, domain.ErrPriceUnavailable
	}

	now := time.Now().UTC()
	round := &domain.Round{
		ID:          uuid.New(),
		Asset:       e.cfg.Asset,
		Status:      domain.RoundBetting,
		StartPrice:  price,
		TotalVolume: decimal.Zero,
		TotalPayout: decimal.Zero,
		StartedAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.rounds.Create(ctx, round); err != nil {
		releaseLock()
		return nil, fmt.Errorf("engine.StartRound: %w", err)
	}

	tickCtx, tickCancel := context.WithCancel(e.baseCtx)

	e.mu.Lock()
	e.state = newGameState(round.ID, round.Asset, price, now)
	e.heap = newBetHeap()
	e.lockToken = token
	e.ending = false
	e.tickCancel = tickCancel
	e.lastStateEmit = time.Time{}
	e.mu.Unlock()

	e.snapBuf.ResetRound()
	e.syncMirror(ctx, domain.RoundBetting)

	e.emitter.Emit(RoundStartEvent{
		RoundID:         round.ID,
		Asset:           round.Asset,
		StartPrice:      price,
		StartedAt:       now.UnixMilli(),
		BettingDuration: e.cfg.BettingDuration.Seconds(),
		MaxDuration:     e.cfg.MaxDuration.Seconds(),
	})

	go e.tickLoop(tickCtx)
	time.AfterFunc(e.cfg.BettingDuration, func() {
		e.advanceToRunning(e.baseCtx, round.ID)
	})

	return round, nil
}

// advanceToRunning closes the betting window via the conditional DB update.
// Only the winning updater mutates memory and emits round:running.
func (e *Engine) advanceToRunning(ctx context.Context, roundID uuid.UUID) {
	err := e.rounds.Transition(ctx, nil, roundID,
		[]domain.RoundStatus{domain.RoundBetting}, domain.RoundRunning)
	if err != nil {
		if !errors.Is(err, domain.ErrRoundConflict) {
			e.logger.Error("betting→running transition failed", "round_id", roundID, "err", err)
		}
		return
	}

	e.mu.Lock()
	if e.state != nil && e.state.RoundID == roundID && e.state.Status == domain.RoundBetting {
		e.state.Status = domain.RoundRunning
	}
	e.mu.Unlock()

	e.syncMirror(ctx, domain.RoundRunning)
	e.emitter.Emit(RoundRunningEvent{RoundID: roundID})
}

// ──────────────────────────────────────────────────────────────────────────────
// EndRound
// ──────────────────────────────────────────────────────────────────────────────

// EndRound completes the round: it stops the tick loop, resolves every
// remaining heap entry against the end-of-round snapshot, flushes the
// settlement queue and snapshots, runs the compensation sweep, finalizes the
// round row and releases every round-scoped resource.
//
// DB failures along the way are logged but do not block the terminal emit;
// the compensation sweeper reconciles on the next engine.
func (e *Engine) EndRound(ctx context.Context, reason string) {
	st, ok := e.beginTerminal()
	if !ok {
		return
	}
	e.logger.Info("ending round", "round_id", st.RoundID, "reason", reason)

	if err := e.rounds.Transition(ctx, nil, st.RoundID,
		[]domain.RoundStatus{domain.RoundBetting, domain.RoundRunning},
		domain.RoundSettling); err != nil {
		e.logger.Warn("settling transition failed", "round_id", st.RoundID, "err", err)
	}
	e.syncMirror(ctx, domain.RoundSettling)

	// End-of-round snapshot and final heap drain.
	e.mu.Lock()
	elapsed := time.Since(st.RoundStartTime).Seconds()
	st.Elapsed = elapsed
	endPrice := st.CurrentPrice
	curRow, prevRow := st.CurrentRow, st.PrevRow
	for {
		item, has := e.heap.pop()
		if !has {
			break
		}
		ab, live := st.activeBets[item.orderID]
		if !live {
			continue
		}
		won := elapsed+domain.HitTimeTolerance >= ab.TargetTime &&
			domain.RowWindowContains(prevRow, curRow, ab.TargetRow, e.cfg.HitTolerance)
		sItem := bank.SettlementItem{Bet: ab.toSettlementBet(st.RoundID, st.Asset), IsWin: won}
		if won {
			sItem.Hit = &domain.HitDetails{Price: endPrice, Row: curRow, Time: ab.TargetTime}
		}
		st.removeBet(item.orderID)
		e.settleQ.Enqueue(sItem)
	}
	e.mu.Unlock()

	if !e.settleQ.Flush(ctx, e.cfg.SettleFlushTimeout) {
		e.logger.Warn("settlement flush timed out, sweeper will reconcile",
			"round_id", st.RoundID, "remaining", e.settleQ.Len())
	}
	if !e.snapBuf.Flush(ctx, e.cfg.SettleFlushTimeout) {
		e.logger.Warn("snapshot flush incomplete", "round_id", st.RoundID)
	}

	// Swept stragglers go through the same post-settlement path as live
	// batches, so their payouts count toward the round stats and clients
	// still see bet:settled.
	swept, err := e.bank.SweepPending(ctx, st.RoundID, bank.EndSnapshot{
		Elapsed:    elapsed,
		CurrentRow: curRow,
		PrevRow:    prevRow,
		Price:      endPrice,
		HitTol:     e.cfg.HitTolerance,
	})
	if err != nil {
		e.logger.Error("compensation sweep failed", "round_id", st.RoundID, "err", err)
	} else if len(swept) > 0 {
		e.onSettled(swept)
	}

	e.mu.Lock()
	stats := domain.RoundStats{
		TotalBets:   st.totalBets,
		TotalVolume: st.totalVolume,
		TotalPayout: st.totalPayout,
		EndPrice:    endPrice,
	}
	e.mu.Unlock()

	if err := e.rounds.Finalize(ctx, st.RoundID, domain.RoundCompleted, stats); err != nil {
		e.logger.Error("round finalize failed", "round_id", st.RoundID, "err", err)
	}

	e.emitter.Emit(RoundEndEvent{
		RoundID:     st.RoundID,
		EndPrice:    endPrice,
		TotalBets:   stats.TotalBets,
		TotalVolume: stats.TotalVolume,
		TotalPayout: stats.TotalPayout,
		Reason:      reason,
	})

	e.cleanupRound(ctx, st)
}

// ──────────────────────────────────────────────────────────────────────────────
// CancelRound
// ──────────────────────────────────────────────────────────────────────────────

// CancelRound aborts the round and refunds every unsettled bet. In-flight
// settlement batches are invalidated first so a refund cannot race a credit.
func (e *Engine) CancelRound(ctx context.Context, reason string) {
	st, ok := e.beginTerminal()
	if !ok {
		return
	}
	e.logger.Warn("cancelling round", "round_id", st.RoundID, "reason", reason)

	e.settleQ.Reset()

	if err := e.rounds.Transition(ctx, nil, st.RoundID,
		[]domain.RoundStatus{domain.RoundBetting, domain.RoundRunning},
		domain.RoundSettling); err != nil {
		e.logger.Warn("settling transition failed", "round_id", st.RoundID, "err", err)
	}
	e.syncMirror(ctx, domain.RoundSettling)

	// Refund from the DB's pending set; fall back to memory when unreachable.
	pending, err := e.bank.PendingBets(ctx, st.RoundID)
	if err != nil {
		e.logger.Error("pending-bet query failed, refunding from memory",
			"round_id", st.RoundID, "err", err)
		e.mu.Lock()
		for _, ab := range st.activeBets {
			pending = append(pending, ab.toSettlementBet(st.RoundID, st.Asset))
		}
		e.mu.Unlock()
	}

	for _, bet := range pending {
		if err := e.bank.Refund(ctx, bet); err != nil {
			if errors.Is(err, domain.ErrBetAlreadySettled) {
				continue
			}
			e.logger.Error("refund failed", "order_id", bet.OrderID, "err", err)
			continue
		}
		e.mu.Lock()
		st.removeBet(bet.OrderID)
		e.mu.Unlock()
		e.risk.ReleaseExpectedPayout(ctx, st.RoundID, bet.OrderID)
		e.emitter.Emit(BetRefundedEvent{
			UserID:  bet.UserID,
			BetID:   bet.ID,
			OrderID: bet.OrderID,
			Amount:  bet.Amount,
		})
	}

	e.mu.Lock()
	stats := domain.RoundStats{
		TotalBets:   st.totalBets,
		TotalVolume: st.totalVolume,
		TotalPayout: st.totalPayout,
		EndPrice:    st.CurrentPrice,
	}
	e.mu.Unlock()

	if err := e.rounds.Finalize(ctx, st.RoundID, domain.RoundCancelled, stats); err != nil {
		e.logger.Error("round finalize failed", "round_id", st.RoundID, "err", err)
	}

	e.emitter.Emit(RoundCancelledEvent{RoundID: st.RoundID, Reason: reason})
	e.cleanupRound(ctx, st)
}

// ──────────────────────────────────────────────────────────────────────────────
// Shared lifecycle plumbing
// ──────────────────────────────────────────────────────────────────────────────

// beginTerminal flips the in-memory status to SETTLING exactly once and
// stops the tick loop. Returns (state, false) when no round is live or a
// terminal operation already started.
func (e *Engine) beginTerminal() (*GameState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == nil || e.state.Status == domain.RoundSettling || e.state.Status.IsTerminal() {
		return nil, false
	}
	e.state.Status = domain.RoundSettling
	if e.tickCancel != nil {
		e.tickCancel()
		e.tickCancel = nil
	}
	return e.state, true
}

// cleanupRound releases every round-scoped resource. Runs last on both
// terminal paths.
func (e *Engine) cleanupRound(ctx context.Context, st *GameState) {
	e.risk.ClearRound(ctx, st.RoundID)
	e.mirror.ClearRound(ctx, st.Asset, st.RoundID)

	e.mu.Lock()
	token := e.lockToken
	e.lockToken = ""
	e.state = nil
	e.heap = newBetHeap()
	e.mu.Unlock()

	if token != "" {
		if err := e.locks.ReleaseRoundLock(ctx, e.cfg.Asset, token); err != nil {
			e.logger.Warn("round lock release failed", "err", err)
		}
	}

	select {
	case e.roundDone <- struct{}{}:
	default:
	}
}

// syncMirror pushes the current round image into the shared cache.
func (e *Engine) syncMirror(ctx context.Context, status domain.RoundStatus) {
	e.mu.Lock()
	st := e.state
	if st == nil {
		e.mu.Unlock()
		return
	}
	doc := cache.RoundStateDoc{
		RoundID:    st.RoundID,
		Status:     string(status),
		Asset:      st.Asset,
		StartPrice: st.StartPrice,
		StartedAt:  st.RoundStartTime.UnixMilli(),
	}
	e.mu.Unlock()
	e.mirror.SyncRoundState(ctx, doc, e.cfg.MaxDuration+roundLockGrace)
}

// onSettled runs after every committed settlement batch: it folds payouts
// into the round aggregates and emits bet:settled per outcome.
func (e *Engine) onSettled(results []bank.SettlementResult) {
	e.mu.Lock()
	st := e.state
	for _, res := range results {
		if res.Skipped {
			continue
		}
		if st != nil && st.RoundID == res.Bet.RoundID && res.IsWin {
			st.totalPayout = st.totalPayout.Add(res.Payout)
		}
	}
	e.mu.Unlock()

	for _, res := range results {
		if res.Skipped {
			continue
		}
		e.emitter.Emit(BetSettledEvent{
			UserID:  res.Bet.UserID,
			BetID:   res.Bet.ID,
			OrderID: res.Bet.OrderID,
			Won:     res.IsWin,
			Payout:  res.Payout,
			Hit:     res.Hit,
		})
	}
}

// NotifyPrice forwards a fresh feed price to clients, throttled.
func (e *Engine) NotifyPrice(price decimal.Decimal, ts time.Time) {
	e.mu.Lock()
	if time.Since(e.lastPriceEmit) < stateEmitEvery {
		e.mu.Unlock()
		return
	}
	e.lastPriceEmit = time.Now()
	e.mu.Unlock()

	e.emitter.Emit(PriceUpdateEvent{Price: price, Timestamp: ts.UnixMilli()})
}

// CurrentSnapshot returns the live state image for connect-time snapshots,
// or nil when no round is active.
func (e *Engine) CurrentSnapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil
	}
	st := e.state
	return &Snapshot{
		RoundID:      st.RoundID,
		Status:       st.Status,
		Asset:        st.Asset,
		StartPrice:   st.StartPrice,
		CurrentPrice: st.CurrentPrice,
		CurrentRow:   st.CurrentRow,
		Elapsed:      time.Since(st.RoundStartTime).Seconds(),
		StartedAt:    st.RoundStartTime.UnixMilli(),
		BettingEnds:  e.cfg.BettingDuration.Seconds(),
		MaxDuration:  e.cfg.MaxDuration.Seconds(),
	}
}

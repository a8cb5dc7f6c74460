package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/evetabi/gridrush/internal/bank"
	"github.com/evetabi/gridrush/internal/cache"
	"github.com/evetabi/gridrush/internal/config"
	"github.com/evetabi/gridrush/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// ── Test wiring ───────────────────────────────────────────────────────────────

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testGameCfg uses long durations so timers never fire mid-test; lifecycle
// transitions are driven explicitly.
func testGameCfg() config.GameConfig {
	return config.GameConfig{
		Asset:              "BTCUSDT",
		BettingDuration:    time.Hour,
		MaxDuration:        2 * time.Hour,
		TickInterval:       time.Hour,
		MinBetAmount:       1,
		MaxBetAmount:       1000,
		MaxBetsPerUser:     3,
		MaxBetsPerSecond:   5,
		HitTolerance:       0.4,
		MaxActiveBets:      100,
		MaxSettlesPerTick:  500,
		SnapshotBufferSize: 1000,
		SnapshotBatchSize:  100,
		SnapshotMinBackoff: time.Millisecond,
		SnapshotMaxBackoff: 10 * time.Millisecond,
		SettleFlushTimeout: 2 * time.Second,
		RateLimitWindow:    time.Second,
		MaxRoundPayout:     50000,
		MaxPayoutPoolRatio: 0.15,
	}
}

// ── fakeBank ──────────────────────────────────────────────────────────────────

var errDupOrder = errors.New("unique violation on bets.order_id")

type fakeBank struct {
	mu              sync.Mutex
	users           map[string]*domain.User
	byOrder         map[string]*domain.Bet
	placed          []*domain.Bet
	placeErr        error
	skipFirstLookup bool
	balance         decimal.Decimal
	refunded        []*domain.Bet
	refundErr       error
	pending         []*domain.Bet
	pendingErr      error
	pool            decimal.Decimal
	poolErr         error
	playUsers       map[string]decimal.Decimal
	sweeps          int
	sweepResults    []bank.SettlementResult
}

func newFakeBank() *fakeBank {
	return &fakeBank{
		users:     make(map[string]*domain.User),
		byOrder:   make(map[string]*domain.Bet),
		playUsers: make(map[string]decimal.Decimal),
		balance:   decimal.NewFromInt(900),
		pool:      decimal.NewFromInt(100000),
	}
}

func (f *fakeBank) PlaceBet(_ context.Context, bet *domain.Bet) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return decimal.Zero, f.placeErr
	}
	if _, dup := f.byOrder[bet.OrderID]; dup {
		return decimal.Zero, errDupOrder
	}
	f.byOrder[bet.OrderID] = bet
	f.placed = append(f.placed, bet)
	return f.balance, nil
}

func (f *fakeBank) FindByOrderID(_ context.Context, orderID string) (*domain.Bet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.skipFirstLookup {
		f.skipFirstLookup = false
		return nil, nil
	}
	return f.byOrder[orderID], nil
}

func (f *fakeBank) IsDuplicateOrderErr(err error) bool {
	return errors.Is(err, errDupOrder)
}

func (f *fakeBank) GetUser(_ context.Context, userID string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeBank) EnsurePlayUser(_ context.Context, userID string, seed decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.playUsers[userID]; !ok {
		f.playUsers[userID] = seed
	}
	return nil
}

func (f *fakeBank) UserBalance(context.Context, string, bool) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeBank) Refund(_ context.Context, bet *domain.Bet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return f.refundErr
	}
	f.refunded = append(f.refunded, bet)
	return nil
}

func (f *fakeBank) PendingBets(context.Context, uuid.UUID) ([]*domain.Bet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, f.pendingErr
}

func (f *fakeBank) PoolBalance(context.Context, string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pool, f.poolErr
}

func (f *fakeBank) SweepPending(context.Context, uuid.UUID, bank.EndSnapshot) ([]bank.SettlementResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return f.sweepResults, nil
}

// ── fakeSettler ───────────────────────────────────────────────────────────────

type fakeSettler struct {
	mu       sync.Mutex
	failures int // fail this many calls before succeeding
	calls    int
	settled  []bank.SettlementItem
}

func (f *fakeSettler) SettleBatch(_ context.Context, items []bank.SettlementItem) ([]bank.SettlementResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("settlement store unavailable")
	}
	f.settled = append(f.settled, items...)
	results := make([]bank.SettlementResult, len(items))
	for i, it := range items {
		payout := decimal.Zero
		if it.IsWin {
			payout = it.Bet.WinPayout()
		}
		results[i] = bank.SettlementResult{Bet: it.Bet, IsWin: it.IsWin, Payout: payout, Hit: it.Hit}
	}
	return results, nil
}

func (f *fakeSettler) settledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.settled)
}

// ── fakeRounds ────────────────────────────────────────────────────────────────

type fakeRounds struct {
	mu            sync.Mutex
	created       []*domain.Round
	transitions   []domain.RoundStatus
	finalized     []domain.RoundStatus
	finalStats    []domain.RoundStats
	createErr     error
	transitionErr error
}

func (f *fakeRounds) Create(_ context.Context, r *domain.Round) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, r)
	return nil
}

func (f *fakeRounds) Transition(_ context.Context, _ *sqlx.Tx, _ uuid.UUID, _ []domain.RoundStatus, to domain.RoundStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transitionErr != nil {
		return f.transitionErr
	}
	f.transitions = append(f.transitions, to)
	return nil
}

func (f *fakeRounds) Finalize(_ context.Context, _ uuid.UUID, to domain.RoundStatus, stats domain.RoundStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, to)
	f.finalStats = append(f.finalStats, stats)
	return nil
}

// ── fakeSnapStore ─────────────────────────────────────────────────────────────

type fakeSnapStore struct {
	mu       sync.Mutex
	failures int
	batches  [][]domain.PriceSnapshot
}

func (f *fakeSnapStore) InsertBatch(_ context.Context, snaps []domain.PriceSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("snapshot store unavailable")
	}
	f.batches = append(f.batches, snaps)
	return nil
}

func (f *fakeSnapStore) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

// ── fakeLocker ────────────────────────────────────────────────────────────────

type fakeLocker struct {
	mu        sync.Mutex
	roundHeld bool // another engine owns the round lock
	released  []string
}

func (f *fakeLocker) AcquireRoundLock(context.Context, string, time.Duration) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roundHeld {
		return "", false, nil
	}
	return "round-token", true, nil
}

func (f *fakeLocker) ReleaseRoundLock(_ context.Context, _ string, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, token)
	return nil
}

func (f *fakeLocker) AcquireBetLock(context.Context, string) (string, bool, error) {
	return "bet-token", true, nil
}

func (f *fakeLocker) ReleaseBetLock(context.Context, string, string) {}

func (f *fakeLocker) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

// ── fakeRisk ──────────────────────────────────────────────────────────────────

type fakeRisk struct {
	mu       sync.Mutex
	deny     bool
	err      error
	reserved []string
	released []string
	cleared  int
}

func (f *fakeRisk) ReserveExpectedPayout(_ context.Context, _ uuid.UUID, orderID string, _, _ float64, _ time.Duration) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, false, f.err
	}
	if f.deny {
		return false, false, nil
	}
	f.reserved = append(f.reserved, orderID)
	return true, true, nil
}

func (f *fakeRisk) ReleaseExpectedPayout(_ context.Context, _ uuid.UUID, orderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, orderID)
}

func (f *fakeRisk) ClearRound(context.Context, uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
}

// ── fakeLimiter / fakeMirror / fakePrices ─────────────────────────────────────

type fakeLimiter struct{ deny bool }

func (f *fakeLimiter) Allow(context.Context, string) bool { return !f.deny }

type fakeMirror struct {
	mu      sync.Mutex
	synced  int
	added   int
	removed int
	cleared int
}

func (f *fakeMirror) SyncRoundState(context.Context, cache.RoundStateDoc, time.Duration) {
	f.mu.Lock()
	f.synced++
	f.mu.Unlock()
}

func (f *fakeMirror) AddActiveBet(context.Context, uuid.UUID, string, float64) {
	f.mu.Lock()
	f.added++
	f.mu.Unlock()
}

func (f *fakeMirror) RemoveActiveBet(context.Context, uuid.UUID, string) {
	f.mu.Lock()
	f.removed++
	f.mu.Unlock()
}

func (f *fakeMirror) ClearRound(context.Context, string, uuid.UUID) {
	f.mu.Lock()
	f.cleared++
	f.mu.Unlock()
}

type fakePrices struct {
	mu    sync.Mutex
	price decimal.Decimal
	fresh bool
}

func (f *fakePrices) LatestPrice() (decimal.Decimal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, f.fresh
}

// ── Fixture ───────────────────────────────────────────────────────────────────

type engineFixture struct {
	e       *Engine
	bank    *fakeBank
	settler *fakeSettler
	rounds  *fakeRounds
	snaps   *fakeSnapStore
	locks   *fakeLocker
	risk    *fakeRisk
	limiter *fakeLimiter
	mirror  *fakeMirror
	prices  *fakePrices
}

func newFixture(t *testing.T, cfg config.GameConfig) *engineFixture {
	t.Helper()
	f := &engineFixture{
		bank:    newFakeBank(),
		settler: &fakeSettler{},
		rounds:  &fakeRounds{},
		snaps:   &fakeSnapStore{},
		locks:   &fakeLocker{},
		risk:    &fakeRisk{},
		limiter: &fakeLimiter{},
		mirror:  &fakeMirror{},
		prices:  &fakePrices{price: decimal.NewFromInt(50000), fresh: true},
	}
	f.e = New(cfg,
		f.bank, f.settler, f.rounds, f.snaps,
		f.locks, f.risk, f.limiter, f.mirror, f.prices,
		discardLogger())
	return f
}

// placeReq builds a valid real-mode request against a just-started round.
func placeReq(orderID, userID string) domain.PlaceBetRequest {
	return domain.PlaceBetRequest{
		OrderID:    orderID,
		UserID:     userID,
		Amount:     decimal.NewFromInt(100),
		TargetRow:  9,
		TargetTime: 10,
	}
}

func activeUser(id string) *domain.User {
	return &domain.User{ID: id, IsActive: true, Balance: decimal.NewFromInt(1000)}
}

// drainEvents empties the subscription channel without blocking.
func drainEvents(ch <-chan Event) []Event {
	var evs []Event
	for {
		select {
		case ev := <-ch:
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func eventsOfType(evs []Event, typ string) []Event {
	var out []Event
	for _, ev := range evs {
		if ev.EventType() == typ {
			out = append(out, ev)
		}
	}
	return out
}

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/evetabi/gridrush/internal/bank"
	"github.com/evetabi/gridrush/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ── Round lifecycle ───────────────────────────────────────────────────────────

func TestStartRound_InitializesState(t *testing.T) {
	f := newFixture(t, testGameCfg())
	ctx := context.Background()

	round, err := f.e.StartRound(ctx)
	if err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	if round.Status != domain.RoundBetting {
		t.Errorf("round status = %s, want betting", round.Status)
	}
	if !round.StartPrice.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("start price = %s, want 50000", round.StartPrice)
	}
	if len(f.rounds.created) != 1 {
		t.Fatalf("rounds created = %d, want 1", len(f.rounds.created))
	}

	snap := f.e.CurrentSnapshot()
	if snap == nil {
		t.Fatal("CurrentSnapshot = nil after start")
	}
	if snap.RoundID != round.ID || snap.Status != domain.RoundBetting {
		t.Errorf("snapshot = %+v, want round %s betting", snap, round.ID)
	}
	if snap.CurrentRow != domain.CenterRowIndex {
		t.Errorf("initial row = %v, want center %v", snap.CurrentRow, domain.CenterRowIndex)
	}

	// A second start while live must refuse.
	if _, err := f.e.StartRound(ctx); !errors.Is(err, ErrRoundActive) {
		t.Errorf("second StartRound err = %v, want ErrRoundActive", err)
	}

	f.e.EndRound(ctx, "test done")
}

func TestStartRound_LockHeldElsewhere(t *testing.T) {
	f := newFixture(t, testGameCfg())
	f.locks.roundHeld = true

	if _, err := f.e.StartRound(context.Background()); !errors.Is(err, ErrLockHeld) {
		t.Errorf("StartRound err = %v, want ErrLockHeld", err)
	}
}

func TestStartRound_StalePriceReleasesLock(t *testing.T) {
	f := newFixture(t, testGameCfg())
	f.prices.fresh = false

	_, err := f.e.StartRound(context.Background())
	if !errors.Is(err, domain.ErrPriceUnavailable) {
		t.Fatalf("StartRound err = %v, want ErrPriceUnavailable", err)
	}
	if f.locks.releaseCount() != 1 {
		t.Errorf("lock releases = %d, want 1 (no leaked lease)", f.locks.releaseCount())
	}
	if f.e.CurrentSnapshot() != nil {
		t.Error("no state should exist after a failed start")
	}
}

func TestEndRound_SettlesFinalizesAndCleansUp(t *testing.T) {
	f := newFixture(t, testGameCfg())
	ctx := context.Background()
	events, unsub := f.e.Events().Subscribe()
	defer unsub()

	round, err := f.e.StartRound(ctx)
	if err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	f.bank.users["u1"] = activeUser("u1")
	if _, err := f.e.PlaceBet(ctx, placeReq("ord-1", "u1")); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}

	f.e.EndRound(ctx, "timeout")

	// The pending bet (target 10s, round ended at ~0s) settles as a loss.
	if got := f.settler.settledCount(); got != 1 {
		t.Fatalf("settled bets = %d, want 1", got)
	}
	f.settler.mu.Lock()
	if f.settler.settled[0].IsWin {
		t.Error("bet far from its target window settled as a win")
	}
	f.settler.mu.Unlock()

	if f.bank.sweeps != 1 {
		t.Errorf("compensation sweeps = %d, want 1", f.bank.sweeps)
	}
	if len(f.rounds.finalized) != 1 || f.rounds.finalized[0] != domain.RoundCompleted {
		t.Errorf("finalized = %v, want [completed]", f.rounds.finalized)
	}
	if f.e.CurrentSnapshot() != nil {
		t.Error("state should be dropped after EndRound")
	}
	if f.risk.cleared != 1 || f.mirror.cleared != 1 {
		t.Errorf("cleanup: risk cleared=%d mirror cleared=%d, want 1/1", f.risk.cleared, f.mirror.cleared)
	}
	if f.locks.releaseCount() != 1 {
		t.Errorf("lock releases = %d, want 1", f.locks.releaseCount())
	}

	evs := drainEvents(events)
	ends := eventsOfType(evs, EvRoundEnd)
	if len(ends) != 1 {
		t.Fatalf("round:end events = %d, want 1", len(ends))
	}
	if end := ends[0].(RoundEndEvent); end.RoundID != round.ID || end.TotalBets != 1 {
		t.Errorf("round:end = %+v, want round %s with 1 bet", end, round.ID)
	}
	if len(eventsOfType(evs, EvBetSettled)) != 1 {
		t.Error("expected one bet:settled event")
	}

	// A second terminal call must be a no-op.
	f.e.EndRound(ctx, "again")
	if len(f.rounds.finalized) != 1 {
		t.Errorf("finalize ran twice: %v", f.rounds.finalized)
	}
}

func TestEndRound_SweptStragglersCountAndNotify(t *testing.T) {
	f := newFixture(t, testGameCfg())
	ctx := context.Background()
	events, unsub := f.e.Events().Subscribe()
	defer unsub()

	round, err := f.e.StartRound(ctx)
	if err != nil {
		t.Fatalf("StartRound: %v", err)
	}

	// A winning bet the live path missed: the sweeper settles it from the
	// DB's pending rows during EndRound.
	payout := decimal.NewFromInt(250)
	straggler := &domain.Bet{
		ID:         uuid.New(),
		OrderID:    "ord-straggler",
		UserID:     "u1",
		RoundID:    round.ID,
		Amount:     decimal.NewFromInt(100),
		Multiplier: decimal.NewFromFloat(2.5),
	}
	f.bank.mu.Lock()
	f.bank.sweepResults = []bank.SettlementResult{
		{Bet: straggler, IsWin: true, Payout: payout},
	}
	f.bank.mu.Unlock()

	f.e.EndRound(ctx, "timeout")

	if f.bank.sweeps != 1 {
		t.Fatalf("compensation sweeps = %d, want 1", f.bank.sweeps)
	}

	// The swept win must reach the finalized round stats.
	f.rounds.mu.Lock()
	if len(f.rounds.finalStats) != 1 {
		f.rounds.mu.Unlock()
		t.Fatalf("finalize calls = %d, want 1", len(f.rounds.finalStats))
	}
	total := f.rounds.finalStats[0].TotalPayout
	f.rounds.mu.Unlock()
	if !total.Equal(payout) {
		t.Errorf("finalized total payout = %s, want %s", total, payout)
	}

	evs := drainEvents(events)
	settled := eventsOfType(evs, EvBetSettled)
	if len(settled) != 1 {
		t.Fatalf("bet:settled events = %d, want 1 for the swept bet", len(settled))
	}
	if ev := settled[0].(BetSettledEvent); ev.OrderID != "ord-straggler" || !ev.Won || !ev.Payout.Equal(payout) {
		t.Errorf("bet:settled = %+v, want ord-straggler won %s", ev, payout)
	}
	ends := eventsOfType(evs, EvRoundEnd)
	if len(ends) != 1 {
		t.Fatalf("round:end events = %d, want 1", len(ends))
	}
	if end := ends[0].(RoundEndEvent); !end.TotalPayout.Equal(payout) {
		t.Errorf("round:end total payout = %s, want %s", end.TotalPayout, payout)
	}
}

func TestPlaceBet_ConfirmPrecedesSettle(t *testing.T) {
	f := newFixture(t, testGameCfg())
	ctx := context.Background()
	events, unsub := f.e.Events().Subscribe()
	defer unsub()

	if _, err := f.e.StartRound(ctx); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	f.bank.users["u1"] = activeUser("u1")
	if _, err := f.e.PlaceBet(ctx, placeReq("ord-1", "u1")); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}
	f.e.EndRound(ctx, "timeout")

	// The confirmation is emitted while the bet is indexed, so no
	// settlement of that bet can be announced ahead of it.
	confirmedAt, settledAt := -1, -1
	for i, ev := range drainEvents(events) {
		switch e := ev.(type) {
		case BetConfirmedEvent:
			if e.Receipt.OrderID == "ord-1" && confirmedAt == -1 {
				confirmedAt = i
			}
		case BetSettledEvent:
			if e.OrderID == "ord-1" && settledAt == -1 {
				settledAt = i
			}
		}
	}
	if confirmedAt == -1 || settledAt == -1 {
		t.Fatalf("missing events: confirmed=%d settled=%d", confirmedAt, settledAt)
	}
	if confirmedAt > settledAt {
		t.Errorf("bet:settled (index %d) announced before bet:confirmed (index %d)", settledAt, confirmedAt)
	}
}

func TestCancelRound_RefundsPendingBets(t *testing.T) {
	f := newFixture(t, testGameCfg())
	ctx := context.Background()
	events, unsub := f.e.Events().Subscribe()
	defer unsub()

	if _, err := f.e.StartRound(ctx); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	f.bank.users["u1"] = activeUser("u1")
	if _, err := f.e.PlaceBet(ctx, placeReq("ord-1", "u1")); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}
	f.bank.mu.Lock()
	f.bank.pending = append([]*domain.Bet(nil), f.bank.placed...)
	f.bank.mu.Unlock()

	f.e.CancelRound(ctx, "price unavailable")

	if len(f.bank.refunded) != 1 || f.bank.refunded[0].OrderID != "ord-1" {
		t.Fatalf("refunded = %v, want [ord-1]", f.bank.refunded)
	}
	if len(f.risk.released) == 0 || f.risk.released[len(f.risk.released)-1] != "ord-1" {
		t.Errorf("risk released = %v, want ord-1", f.risk.released)
	}
	if len(f.rounds.finalized) != 1 || f.rounds.finalized[0] != domain.RoundCancelled {
		t.Errorf("finalized = %v, want [cancelled]", f.rounds.finalized)
	}
	if f.e.CurrentSnapshot() != nil {
		t.Error("state should be dropped after CancelRound")
	}

	evs := drainEvents(events)
	if len(eventsOfType(evs, EvBetRefunded)) != 1 {
		t.Error("expected one bet:refunded event")
	}
	if len(eventsOfType(evs, EvRoundCancelled)) != 1 {
		t.Error("expected one round:cancelled event")
	}
	// Nothing may reach the settlement store on the cancel path.
	if f.settler.settledCount() != 0 {
		t.Errorf("settled = %d on cancel, want 0", f.settler.settledCount())
	}
}

func TestCancelRound_FallsBackToMemoryOnDBError(t *testing.T) {
	f := newFixture(t, testGameCfg())
	ctx := context.Background()

	if _, err := f.e.StartRound(ctx); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	f.bank.users["u1"] = activeUser("u1")
	if _, err := f.e.PlaceBet(ctx, placeReq("ord-1", "u1")); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}
	f.bank.mu.Lock()
	f.bank.pendingErr = errors.New("db unreachable")
	f.bank.mu.Unlock()

	f.e.CancelRound(ctx, "engine shutdown")

	if len(f.bank.refunded) != 1 || f.bank.refunded[0].OrderID != "ord-1" {
		t.Fatalf("memory-fallback refunds = %v, want [ord-1]", f.bank.refunded)
	}
}

func TestCurrentSnapshot_NilWithoutRound(t *testing.T) {
	f := newFixture(t, testGameCfg())
	if f.e.CurrentSnapshot() != nil {
		t.Error("CurrentSnapshot should be nil before any round")
	}
}

func TestNotifyPrice_Throttles(t *testing.T) {
	f := newFixture(t, testGameCfg())
	events, unsub := f.e.Events().Subscribe()
	defer unsub()

	price := decimal.NewFromInt(50000)
	f.e.NotifyPrice(price, time.Now())
	f.e.NotifyPrice(price, time.Now())
	f.e.NotifyPrice(price, time.Now())

	if got := len(eventsOfType(drainEvents(events), EvPriceUpdate)); got != 1 {
		t.Errorf("price:update events = %d, want 1 (throttled)", got)
	}
}

// ── Admission pipeline ────────────────────────────────────────────────────────

func TestPlaceBet_Success(t *testing.T) {
	f := newFixture(t, testGameCfg())
	ctx := context.Background()
	events, unsub := f.e.Events().Subscribe()
	defer unsub()

	round, err := f.e.StartRound(ctx)
	if err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	f.bank.users["u1"] = activeUser("u1")

	receipt, err := f.e.PlaceBet(ctx, placeReq("ord-1", "u1"))
	if err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}

	if receipt.OrderID != "ord-1" || receipt.RoundID != round.ID {
		t.Errorf("receipt = %+v, want ord-1 in round %s", receipt, round.ID)
	}
	if receipt.Duplicate {
		t.Error("fresh bet flagged as duplicate")
	}
	if receipt.Multiplier.LessThan(decimal.NewFromFloat(domain.MinMultiplier)) ||
		receipt.Multiplier.GreaterThan(decimal.NewFromFloat(domain.MaxMultiplier)) {
		t.Errorf("server multiplier %s outside [1.01, 100]", receipt.Multiplier)
	}
	if !receipt.NewBalance.Equal(decimal.NewFromInt(900)) {
		t.Errorf("new balance = %s, want 900", receipt.NewBalance)
	}

	if len(f.bank.placed) != 1 {
		t.Fatalf("bank commits = %d, want 1", len(f.bank.placed))
	}
	if len(f.risk.reserved) != 1 || f.risk.reserved[0] != "ord-1" {
		t.Errorf("risk reservations = %v, want [ord-1]", f.risk.reserved)
	}

	f.e.mu.Lock()
	active := len(f.e.state.activeBets)
	heapLen := f.e.heap.Len()
	f.e.mu.Unlock()
	if active != 1 || heapLen != 1 {
		t.Errorf("indexed bets = %d, heap = %d, want 1/1", active, heapLen)
	}

	if len(eventsOfType(drainEvents(events), EvBetConfirmed)) != 1 {
		t.Error("expected one bet:confirmed event")
	}

	f.e.EndRound(ctx, "test done")
}

func TestPlaceBet_NoActiveRound(t *testing.T) {
	f := newFixture(t, testGameCfg())
	_, err := f.e.PlaceBet(context.Background(), placeReq("ord-1", "u1"))
	if !errors.Is(err, domain.ErrNoActiveRound) {
		t.Errorf("err = %v, want ErrNoActiveRound", err)
	}
}

func TestPlaceBet_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		arrange func(f *engineFixture)
		mutate  func(req *domain.PlaceBetRequest)
		wantErr error
	}{
		{
			name: "betting window closed",
			arrange: func(f *engineFixture) {
				f.e.mu.Lock()
				f.e.state.Status = domain.RoundRunning
				f.e.mu.Unlock()
			},
			wantErr: domain.ErrBettingClosed,
		},
		{
			name: "anonymous real-mode bet",
			mutate: func(req *domain.PlaceBetRequest) {
				req.UserID = domain.AnonPrefix + "c1"
				req.IsPlayMode = false
			},
			wantErr: domain.ErrUnauthorized,
		},
		{
			name:    "rate limited",
			arrange: func(f *engineFixture) { f.limiter.deny = true },
			wantErr: domain.ErrRateLimited,
		},
		{
			name:    "target time too soon",
			mutate:  func(req *domain.PlaceBetRequest) { req.TargetTime = 0.2 },
			wantErr: domain.ErrTargetTimePassed,
		},
		{
			name:    "target time past max duration",
			mutate:  func(req *domain.PlaceBetRequest) { req.TargetTime = 7201 },
			wantErr: domain.ErrTargetTimePassed,
		},
		{
			name:    "zero amount",
			mutate:  func(req *domain.PlaceBetRequest) { req.Amount = decimal.Zero },
			wantErr: domain.ErrInvalidAmount,
		},
		{
			name:    "sub-cent amount",
			mutate:  func(req *domain.PlaceBetRequest) { req.Amount = decimal.NewFromFloat(10.005) },
			wantErr: domain.ErrInvalidAmount,
		},
		{
			name:    "row out of range",
			mutate:  func(req *domain.PlaceBetRequest) { req.TargetRow = 13.5 },
			wantErr: domain.ErrInvalidTarget,
		},
		{
			name:    "empty order id",
			mutate:  func(req *domain.PlaceBetRequest) { req.OrderID = "" },
			wantErr: domain.ErrOrderIDRequired,
		},
		{
			name:    "risk cap exceeded",
			arrange: func(f *engineFixture) { f.risk.deny = true },
			wantErr: domain.ErrRiskCapExceeded,
		},
		{
			name: "banned user",
			arrange: func(f *engineFixture) {
				f.bank.users["u1"].IsActive = false
			},
			wantErr: domain.ErrUserBanned,
		},
		{
			name: "silenced user",
			arrange: func(f *engineFixture) {
				f.bank.users["u1"].IsSilenced = true
			},
			wantErr: domain.ErrUserSilenced,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, testGameCfg())
			ctx := context.Background()
			if _, err := f.e.StartRound(ctx); err != nil {
				t.Fatalf("StartRound: %v", err)
			}
			defer f.e.EndRound(ctx, "test done")
			f.bank.users["u1"] = activeUser("u1")
			if tc.arrange != nil {
				tc.arrange(f)
			}

			req := placeReq("ord-1", "u1")
			if tc.mutate != nil {
				tc.mutate(&req)
			}

			_, err := f.e.PlaceBet(ctx, req)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if len(f.bank.placed) != 0 {
				t.Errorf("rejected bet reached the bank: %v", f.bank.placed)
			}
		})
	}
}

func TestPlaceBet_RejectionEmitsEvent(t *testing.T) {
	f := newFixture(t, testGameCfg())
	ctx := context.Background()
	events, unsub := f.e.Events().Subscribe()
	defer unsub()

	if _, err := f.e.StartRound(ctx); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	defer f.e.EndRound(ctx, "test done")
	f.bank.users["u1"] = activeUser("u1")

	req := placeReq("ord-1", "u1")
	req.Amount = decimal.Zero
	if _, err := f.e.PlaceBet(ctx, req); err == nil {
		t.Fatal("expected rejection")
	}

	rejected := eventsOfType(drainEvents(events), EvBetRejected)
	if len(rejected) != 1 {
		t.Fatalf("bet:rejected events = %d, want 1", len(rejected))
	}
	ev := rejected[0].(BetRejectedEvent)
	if ev.Code != domain.CodeInvalidAmount || ev.UserID != "u1" {
		t.Errorf("rejection event = %+v, want INVALID_AMOUNT for u1", ev)
	}
}

func TestPlaceBet_PerUserPendingCap(t *testing.T) {
	cfg := testGameCfg()
	cfg.MaxBetsPerUser = 2
	f := newFixture(t, cfg)
	ctx := context.Background()

	if _, err := f.e.StartRound(ctx); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	defer f.e.EndRound(ctx, "test done")
	f.bank.users["u1"] = activeUser("u1")
	f.bank.users["u2"] = activeUser("u2")

	for i := 0; i < 2; i++ {
		if _, err := f.e.PlaceBet(ctx, placeReq("ord-u1-"+string(rune('a'+i)), "u1")); err != nil {
			t.Fatalf("bet %d: %v", i, err)
		}
	}
	if _, err := f.e.PlaceBet(ctx, placeReq("ord-u1-z", "u1")); !errors.Is(err, domain.ErrMaxBetsReached) {
		t.Errorf("over-cap err = %v, want ErrMaxBetsReached", err)
	}
	// The cap is per user, not global.
	if _, err := f.e.PlaceBet(ctx, placeReq("ord-u2-a", "u2")); err != nil {
		t.Errorf("other user's bet rejected: %v", err)
	}
}

func TestPlaceBet_EngineCapacityCap(t *testing.T) {
	cfg := testGameCfg()
	cfg.MaxActiveBets = 1
	f := newFixture(t, cfg)
	ctx := context.Background()

	if _, err := f.e.StartRound(ctx); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	defer f.e.EndRound(ctx, "test done")
	f.bank.users["u1"] = activeUser("u1")
	f.bank.users["u2"] = activeUser("u2")

	if _, err := f.e.PlaceBet(ctx, placeReq("ord-1", "u1")); err != nil {
		t.Fatalf("first bet: %v", err)
	}
	if _, err := f.e.PlaceBet(ctx, placeReq("ord-2", "u2")); !errors.Is(err, domain.ErrMaxBetsReached) {
		t.Errorf("capacity err = %v, want ErrMaxBetsReached", err)
	}
}

func TestPlaceBet_IdempotentReplay(t *testing.T) {
	f := newFixture(t, testGameCfg())
	ctx := context.Background()

	if _, err := f.e.StartRound(ctx); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	defer f.e.EndRound(ctx, "test done")
	f.bank.users["u1"] = activeUser("u1")
	f.bank.users["u2"] = activeUser("u2")

	first, err := f.e.PlaceBet(ctx, placeReq("ord-1", "u1"))
	if err != nil {
		t.Fatalf("first PlaceBet: %v", err)
	}

	// Same user, same order id: the stored receipt comes back unchanged.
	replay, err := f.e.PlaceBet(ctx, placeReq("ord-1", "u1"))
	if err != nil {
		t.Fatalf("replay PlaceBet: %v", err)
	}
	if !replay.Duplicate {
		t.Error("replay receipt not flagged duplicate")
	}
	if replay.BetID != first.BetID || !replay.Multiplier.Equal(first.Multiplier) {
		t.Errorf("replay = %+v, want stored bet %s", replay, first.BetID)
	}
	if len(f.bank.placed) != 1 {
		t.Errorf("bank commits = %d, want 1 (no double debit)", len(f.bank.placed))
	}

	// Another user reusing the order id is rejected.
	if _, err := f.e.PlaceBet(ctx, placeReq("ord-1", "u2")); !errors.Is(err, domain.ErrDuplicateBet) {
		t.Errorf("foreign replay err = %v, want ErrDuplicateBet", err)
	}
}

func TestPlaceBet_DuplicateRaceAtCommit(t *testing.T) {
	f := newFixture(t, testGameCfg())
	ctx := context.Background()

	if _, err := f.e.StartRound(ctx); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	defer f.e.EndRound(ctx, "test done")
	f.bank.users["u1"] = activeUser("u1")

	// Seed a committed bet but hide it from the first idempotency lookup so
	// the pipeline reaches the insert and collides on the unique order id.
	stored := &domain.Bet{
		OrderID:    "ord-1",
		UserID:     "u1",
		Amount:     decimal.NewFromInt(100),
		Multiplier: decimal.NewFromFloat(2.5),
	}
	f.bank.mu.Lock()
	f.bank.byOrder["ord-1"] = stored
	f.bank.skipFirstLookup = true
	f.bank.mu.Unlock()

	receipt, err := f.e.PlaceBet(ctx, placeReq("ord-1", "u1"))
	if err != nil {
		t.Fatalf("PlaceBet after commit race: %v", err)
	}
	if !receipt.Duplicate {
		t.Error("race replay not flagged duplicate")
	}
	// The risk reservation taken for the losing attempt must be released.
	if len(f.risk.released) != 1 || f.risk.released[0] != "ord-1" {
		t.Errorf("risk released = %v, want [ord-1]", f.risk.released)
	}
}

func TestPlaceBet_AnonPlayModeSeedsUser(t *testing.T) {
	f := newFixture(t, testGameCfg())
	ctx := context.Background()

	if _, err := f.e.StartRound(ctx); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	defer f.e.EndRound(ctx, "test done")

	req := placeReq("ord-anon", domain.AnonPrefix+"c1")
	req.IsPlayMode = true
	if _, err := f.e.PlaceBet(ctx, req); err != nil {
		t.Fatalf("anon play bet: %v", err)
	}
	if _, ok := f.bank.playUsers[domain.AnonPrefix+"c1"]; !ok {
		t.Error("anonymous user was not seeded")
	}
	// Play mode never reserves against the risk cap.
	if len(f.risk.reserved) != 0 {
		t.Errorf("risk reservations for play bet = %v, want none", f.risk.reserved)
	}
}

func TestPlaceBet_RiskCacheOutageAdmitsUncapped(t *testing.T) {
	f := newFixture(t, testGameCfg())
	ctx := context.Background()

	if _, err := f.e.StartRound(ctx); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	defer f.e.EndRound(ctx, "test done")
	f.bank.users["u1"] = activeUser("u1")
	f.risk.err = errors.New("redis unreachable")

	if _, err := f.e.PlaceBet(ctx, placeReq("ord-1", "u1")); err != nil {
		t.Fatalf("bet should admit when the risk cache is down: %v", err)
	}
	if len(f.bank.placed) != 1 {
		t.Errorf("bank commits = %d, want 1", len(f.bank.placed))
	}
}

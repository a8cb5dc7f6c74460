package engine

import (
	"context"
	"math"
	"time"

	"github.com/evetabi/gridrush/internal/bank"
	"github.com/evetabi/gridrush/internal/domain"
)

// tickLoop drives the round at the configured interval until the round
// reaches a terminal operation or ctx is cancelled.
func (e *Engine) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick is one iteration: advance elapsed time, refresh the trajectory from
// the price cache, drain due bets from the heap into the settlement queue,
// buffer a snapshot and emit a throttled state update. All state mutation
// happens under the engine mutex; the only blocking work (settlement) is
// queued, never performed inline.
func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()

	st := e.state
	if st == nil || st.Status == domain.RoundSettling || st.Status.IsTerminal() {
		e.mu.Unlock()
		return
	}

	elapsed := time.Since(st.RoundStartTime).Seconds()
	st.Elapsed = elapsed

	if price, fresh := e.prices.LatestPrice(); fresh {
		st.CurrentPrice = price
		st.CurrentRow = domain.RowForPrice(price, st.StartPrice)
	}

	items := e.drainDueLocked(st, elapsed)

	st.PrevRow = st.CurrentRow

	roundID := st.RoundID
	price := st.CurrentPrice
	row := st.CurrentRow
	status := st.Status

	emitState := time.Since(e.lastStateEmit) >= stateEmitEvery
	if emitState {
		e.lastStateEmit = time.Now()
	}

	timedOut := elapsed >= e.cfg.MaxDuration.Seconds() && !e.ending
	if timedOut {
		e.ending = true
	}
	e.mu.Unlock()

	for _, item := range items {
		e.settleQ.Enqueue(item)
	}

	e.snapBuf.Add(roundID, elapsed, price, row)

	if emitState {
		e.emitter.Emit(StateUpdateEvent{
			RoundID:      roundID,
			Status:       status,
			CurrentPrice: price,
			CurrentRow:   row,
			Elapsed:      elapsed,
		})
	}

	// endRound must run on its own goroutine; the tick callback never
	// reenters the lifecycle.
	if timedOut {
		go e.EndRound(ctx, "timeout")
	}
}

// drainDueLocked pops due bets off the heap, bounded per tick. Caller holds
// the engine mutex.
//
// Earliest targets resolve first (heap order). A top entry whose window has
// not opened stops the drain; a stale entry (order id no longer in the
// state map, i.e. refunded) is discarded.
func (e *Engine) drainDueLocked(st *GameState, elapsed float64) []bank.SettlementItem {
	var items []bank.SettlementItem

	for len(items) < e.cfg.MaxSettlesPerTick {
		top, ok := e.heap.peek()
		if !ok {
			break
		}

		if _, live := st.activeBets[top.orderID]; !live {
			e.heap.pop()
			continue
		}

		if top.targetTime > elapsed+domain.HitTimeTolerance {
			break // window not open yet; everything behind it is even later
		}

		ab := st.activeBets[top.orderID]

		if elapsed > top.targetTime+domain.MissTimeBuffer {
			// Window closed without a hit.
			e.heap.pop()
			st.removeBet(top.orderID)
			items = append(items, bank.SettlementItem{
				Bet: ab.toSettlementBet(st.RoundID, st.Asset),
			})
			continue
		}

		if math.Abs(elapsed-top.targetTime) <= domain.HitTimeTolerance {
			if domain.RowWindowContains(st.PrevRow, st.CurrentRow, ab.TargetRow, e.cfg.HitTolerance) {
				e.heap.pop()
				st.removeBet(top.orderID)
				items = append(items, bank.SettlementItem{
					Bet:   ab.toSettlementBet(st.RoundID, st.Asset),
					IsWin: true,
					Hit: &domain.HitDetails{
						Price: st.CurrentPrice,
						Row:   st.CurrentRow,
						Time:  elapsed,
					},
				})
				continue
			}
			// In-window but not swept this tick; later ticks may still hit.
			break
		}

		break
	}
	return items
}

package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/evetabi/gridrush/internal/bank"
)

const (
	settleBatchSize  = 50
	settleMaxRetries = 3
	settleRetryBase  = 100 * time.Millisecond
	settleDrainEvery = 100 * time.Millisecond
)

// SettlementBank commits settlement batches durably. Satisfied by the bank.
type SettlementBank interface {
	SettleBatch(ctx context.Context, items []bank.SettlementItem) ([]bank.SettlementResult, error)
}

// SettlementQueue is the single-producer (tick loop) / single-consumer
// (worker) pipeline between hit detection and durable settlement. Batches
// that fail after bounded retries stay queued; the compensation sweeper is
// the backstop for anything the worker never lands.
type SettlementQueue struct {
	bank      SettlementBank
	onSettled func([]bank.SettlementResult)
	logger    *slog.Logger

	mu     sync.Mutex
	items  []bank.SettlementItem
	active bool
	gen    uint64 // bumped by Reset so an in-flight batch discards itself
}

// NewSettlementQueue creates a SettlementQueue. onSettled runs after every
// committed batch with the per-item outcomes.
func NewSettlementQueue(b SettlementBank, onSettled func([]bank.SettlementResult), logger *slog.Logger) *SettlementQueue {
	return &SettlementQueue{
		bank:      b,
		onSettled: onSettled,
		logger:    logger.With("component", "settlement"),
	}
}

// Enqueue hands one outcome to the worker.
func (q *SettlementQueue) Enqueue(item bank.SettlementItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

// Len returns the number of queued, uncommitted items.
func (q *SettlementQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Run drains the queue on an interval until ctx is cancelled.
func (q *SettlementQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(settleDrainEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.DrainOnce(ctx)
		}
	}
}

// DrainOnce commits up to one batch, retrying transient failures with
// exponential backoff. Items surviving all retries return to the queue head.
func (q *SettlementQueue) DrainOnce(ctx context.Context) {
	q.mu.Lock()
	if q.active || len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	n := len(q.items)
	if n > settleBatchSize {
		n = settleBatchSize
	}
	batch := make([]bank.SettlementItem, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	q.active = true
	gen := q.gen
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.active = false
		q.mu.Unlock()
	}()

	var results []bank.SettlementResult
	var err error
	for attempt := 0; attempt <= settleMaxRetries; attempt++ {
		if attempt > 0 {
			wait := settleRetryBase << (attempt - 1)
			select {
			case <-ctx.Done():
				err = ctx.Err()
			case <-time.After(wait):
			}
			if ctx.Err() != nil {
				break
			}
		}
		results, err = q.bank.SettleBatch(ctx, batch)
		if err == nil {
			break
		}
		q.logger.Warn("settlement batch failed",
			"size", len(batch), "attempt", attempt+1, "err", err)
	}

	q.mu.Lock()
	if q.gen != gen {
		// Queue was reset mid-flight (round cancelled); drop the batch, the
		// cancellation path refunds from the DB's pending set.
		q.mu.Unlock()
		return
	}
	if err != nil {
		// Return the batch to the head preserving order.
		q.items = append(batch, q.items...)
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	if q.onSettled != nil {
		q.onSettled(results)
	}
}

// Flush spin-waits until the queue is empty and no batch is in flight,
// actively draining while it waits. Returns whether it drained in time.
func (q *SettlementQueue) Flush(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		drained := len(q.items) == 0 && !q.active
		q.mu.Unlock()
		if drained {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		q.DrainOnce(ctx)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Reset aborts queued work and invalidates any in-flight batch. Used by
// round cancellation, whose refunds run from the DB's pending set instead.
func (q *SettlementQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.gen++
}

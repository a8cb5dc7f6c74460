package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/evetabi/gridrush/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// snapshotSampleEvery is the minimum elapsed-time gap between two buffered
// samples of one round (≤10 samples per second).
const snapshotSampleEvery = 0.1

// SnapshotStore persists trajectory samples. Satisfied by the snapshot
// repository.
type SnapshotStore interface {
	InsertBatch(ctx context.Context, snaps []domain.PriceSnapshot) error
}

// SnapshotBuffer rate-limits and batches (time, price, row) samples.
// Samples are diagnostic: under capacity pressure the oldest are dropped via
// a head index, never by shifting the slice.
type SnapshotBuffer struct {
	store  SnapshotStore
	logger *slog.Logger

	capacity   int
	batchSize  int
	minBackoff time.Duration
	maxBackoff time.Duration

	mu          sync.Mutex
	buf         []domain.PriceSnapshot
	head        int // index of the oldest unwritten sample
	lastElapsed float64
	hasSample   bool

	backoffUntil time.Time
	backoff      time.Duration
}

// NewSnapshotBuffer creates a SnapshotBuffer.
func NewSnapshotBuffer(store SnapshotStore, capacity, batchSize int, minBackoff, maxBackoff time.Duration, logger *slog.Logger) *SnapshotBuffer {
	return &SnapshotBuffer{
		store:      store,
		logger:     logger.With("component", "snapshots"),
		capacity:   capacity,
		batchSize:  batchSize,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}
}

// Add buffers one sample unless the previous sample is under 100ms of round
// time old. Overflow drops the oldest buffered sample.
func (b *SnapshotBuffer) Add(roundID uuid.UUID, elapsed float64, price decimal.Decimal, row float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hasSample && elapsed-b.lastElapsed < snapshotSampleEvery {
		return
	}
	b.lastElapsed = elapsed
	b.hasSample = true

	if len(b.buf)-b.head >= b.capacity {
		b.head++
	}
	b.buf = append(b.buf, domain.PriceSnapshot{
		RoundID:   roundID,
		Timestamp: time.Now().UTC(),
		Price:     price,
		RowIndex:  row,
	})
	b.compactLocked()
}

// compactLocked reclaims consumed prefix space once it dominates the slice.
func (b *SnapshotBuffer) compactLocked() {
	if b.head > 0 && b.head*2 >= len(b.buf) {
		b.buf = append(b.buf[:0], b.buf[b.head:]...)
		b.head = 0
	}
}

// Pending returns the number of buffered, unwritten samples.
func (b *SnapshotBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf) - b.head
}

// FlushOnce writes at most one batch. Returns the number of samples written.
// Failures push the backoff window forward and leave the samples buffered.
func (b *SnapshotBuffer) FlushOnce(ctx context.Context) int {
	b.mu.Lock()
	if time.Now().Before(b.backoffUntil) || len(b.buf)-b.head == 0 {
		b.mu.Unlock()
		return 0
	}
	n := len(b.buf) - b.head
	if n > b.batchSize {
		n = b.batchSize
	}
	batch := make([]domain.PriceSnapshot, n)
	copy(batch, b.buf[b.head:b.head+n])
	b.mu.Unlock()

	if err := b.store.InsertBatch(ctx, batch); err != nil {
		b.mu.Lock()
		if b.backoff < b.minBackoff {
			b.backoff = b.minBackoff
		} else {
			b.backoff *= 2
			if b.backoff > b.maxBackoff {
				b.backoff = b.maxBackoff
			}
		}
		b.backoffUntil = time.Now().Add(b.backoff)
		b.mu.Unlock()
		b.logger.Warn("snapshot batch write failed", "count", n, "backoff", b.backoff, "err", err)
		return 0
	}

	b.mu.Lock()
	b.head += n
	b.backoff = 0
	b.backoffUntil = time.Time{}
	b.compactLocked()
	b.mu.Unlock()
	return n
}

// Run drains the buffer on an interval until ctx is cancelled.
func (b *SnapshotBuffer) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.FlushOnce(ctx)
		}
	}
}

// Flush drains everything buffered, bounded by the deadline. Used at round
// end. Returns true when the buffer emptied in time.
func (b *SnapshotBuffer) Flush(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for b.Pending() > 0 {
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		if b.FlushOnce(ctx) == 0 {
			// Backed off or failing; yield before the next attempt.
			select {
			case <-ctx.Done():
				return false
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
	return true
}

// ResetRound clears the sampling throttle for a new round.
func (b *SnapshotBuffer) ResetRound() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hasSample = false
	b.lastElapsed = 0
}

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func newTestBuffer(store *fakeSnapStore, capacity, batchSize int) *SnapshotBuffer {
	return NewSnapshotBuffer(store, capacity, batchSize,
		time.Millisecond, 10*time.Millisecond, discardLogger())
}

func TestSnapshotBuffer_SampleThrottle(t *testing.T) {
	b := newTestBuffer(&fakeSnapStore{}, 100, 10)
	rid := uuid.New()
	price := decimal.NewFromInt(50000)

	b.Add(rid, 0.0, price, 6.5)
	b.Add(rid, 0.05, price, 6.6) // under 100ms of round time later: dropped
	b.Add(rid, 0.15, price, 6.7)

	if got := b.Pending(); got != 2 {
		t.Errorf("pending = %d, want 2 (middle sample throttled)", got)
	}
}

func TestSnapshotBuffer_ResetRoundClearsThrottle(t *testing.T) {
	b := newTestBuffer(&fakeSnapStore{}, 100, 10)
	price := decimal.NewFromInt(50000)

	b.Add(uuid.New(), 5.0, price, 6.5)
	b.ResetRound()
	// New round starts at elapsed 0, which is "before" the old sample.
	b.Add(uuid.New(), 0.0, price, 6.5)

	if got := b.Pending(); got != 2 {
		t.Errorf("pending = %d, want 2 after reset", got)
	}
}

func TestSnapshotBuffer_OverflowDropsOldest(t *testing.T) {
	store := &fakeSnapStore{}
	b := newTestBuffer(store, 3, 10)
	rid := uuid.New()

	for i := 0; i < 5; i++ {
		b.Add(rid, float64(i), decimal.NewFromInt(int64(50000+i)), 6.5)
	}
	if got := b.Pending(); got != 3 {
		t.Fatalf("pending = %d, want capacity 3", got)
	}

	if n := b.FlushOnce(context.Background()); n != 3 {
		t.Fatalf("flushed = %d, want 3", n)
	}
	// The two oldest samples (prices 50000, 50001) were dropped.
	batch := store.batches[0]
	if !batch[0].Price.Equal(decimal.NewFromInt(50002)) {
		t.Errorf("oldest surviving price = %s, want 50002", batch[0].Price)
	}
	if !batch[2].Price.Equal(decimal.NewFromInt(50004)) {
		t.Errorf("newest price = %s, want 50004", batch[2].Price)
	}
}

func TestSnapshotBuffer_FailureBacksOff(t *testing.T) {
	store := &fakeSnapStore{failures: 1}
	b := NewSnapshotBuffer(store, 100, 10, time.Hour, time.Hour, discardLogger())
	rid := uuid.New()
	b.Add(rid, 0, decimal.NewFromInt(50000), 6.5)

	if n := b.FlushOnce(context.Background()); n != 0 {
		t.Fatalf("failed flush reported %d written", n)
	}
	if b.Pending() != 1 {
		t.Error("failed batch must stay buffered")
	}
	// Store would succeed now, but the backoff window holds.
	if n := b.FlushOnce(context.Background()); n != 0 {
		t.Errorf("flush during backoff wrote %d, want 0", n)
	}
}

func TestSnapshotBuffer_FlushDrainsInBatches(t *testing.T) {
	store := &fakeSnapStore{}
	b := newTestBuffer(store, 100, 10)
	rid := uuid.New()
	for i := 0; i < 25; i++ {
		b.Add(rid, float64(i), decimal.NewFromInt(50000), 6.5)
	}

	if !b.Flush(context.Background(), time.Second) {
		t.Fatal("Flush did not drain in time")
	}
	if b.Pending() != 0 {
		t.Errorf("pending = %d after Flush, want 0", b.Pending())
	}
	if store.total() != 25 {
		t.Errorf("stored = %d, want 25", store.total())
	}
	if len(store.batches) != 3 { // 10 + 10 + 5
		t.Errorf("batches = %d, want 3", len(store.batches))
	}
}

func TestSnapshotBuffer_FlushRecoversAfterTransientFailure(t *testing.T) {
	store := &fakeSnapStore{failures: 2}
	b := newTestBuffer(store, 100, 10) // 1ms min backoff
	rid := uuid.New()
	for i := 0; i < 5; i++ {
		b.Add(rid, float64(i), decimal.NewFromInt(50000), 6.5)
	}

	if !b.Flush(context.Background(), 2*time.Second) {
		t.Fatal("Flush did not recover from transient failures")
	}
	if store.total() != 5 {
		t.Errorf("stored = %d, want 5", store.total())
	}
}

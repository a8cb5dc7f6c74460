package engine

import (
	"testing"

	"github.com/evetabi/gridrush/internal/domain"
	"github.com/google/uuid"
)

func TestEmitter_DeliversInOrder(t *testing.T) {
	em := NewEmitter(discardLogger())
	ch, unsub := em.Subscribe()
	defer unsub()

	em.Emit(RoundStartEvent{RoundID: uuid.New()})
	em.Emit(StateUpdateEvent{})
	em.Emit(RoundEndEvent{})

	want := []string{EvRoundStart, EvStateUpdate, EvRoundEnd}
	for i, w := range want {
		ev := <-ch
		if ev.EventType() != w {
			t.Errorf("event %d = %s, want %s", i, ev.EventType(), w)
		}
	}
}

func TestEmitter_UnsubscribeClosesChannel(t *testing.T) {
	em := NewEmitter(discardLogger())
	ch, unsub := em.Subscribe()
	unsub()

	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
	// Emitting after unsubscribe must not panic or deliver.
	em.Emit(StateUpdateEvent{})
}

func TestEmitter_SlowSubscriberDoesNotBlock(t *testing.T) {
	em := NewEmitter(discardLogger())
	ch, unsub := em.Subscribe()
	defer unsub()

	// One more than the buffer; the overflow event drops, Emit never stalls.
	for i := 0; i < subscriberBuffer+1; i++ {
		em.Emit(StateUpdateEvent{})
	}
	if len(ch) != subscriberBuffer {
		t.Errorf("buffered = %d, want %d", len(ch), subscriberBuffer)
	}
}

func TestEventRouting(t *testing.T) {
	if got := (RoundStartEvent{}).TargetUser(); got != "" {
		t.Errorf("round:start target = %q, want broadcast", got)
	}
	if got := (PriceUpdateEvent{}).TargetUser(); got != "" {
		t.Errorf("price:update target = %q, want broadcast", got)
	}
	if got := (BetConfirmedEvent{UserID: "u1"}).TargetUser(); got != "u1" {
		t.Errorf("bet:confirmed target = %q, want u1", got)
	}
	if got := (BetRejectedEvent{UserID: domain.AnonPrefix + "c1"}).TargetUser(); got != domain.AnonPrefix+"c1" {
		t.Errorf("bet:rejected target = %q, want anon id", got)
	}
}

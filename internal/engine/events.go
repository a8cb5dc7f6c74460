package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/evetabi/gridrush/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wire event types. The set is closed; the gateway forwards them verbatim.
const (
	EvRoundStart     = "round:start"
	EvRoundRunning   = "round:running"
	EvRoundEnd       = "round:end"
	EvRoundCancelled = "round:cancelled"
	EvStateUpdate    = "state:update"
	EvPriceUpdate    = "price:update"
	EvBetConfirmed   = "bet:confirmed"
	EvBetSettled     = "bet:settled"
	EvBetRejected    = "bet:rejected"
	EvBetRefunded    = "bet:refunded"
)

// Event is one engine emission. Round and market events broadcast
// (TargetUser empty); bet events are routed to their user's room.
type Event interface {
	EventType() string
	TargetUser() string
}

// broadcast is embedded by events delivered to every connection.
type broadcast struct{}

func (broadcast) TargetUser() string { return "" }

// ──────────────────────────────────────────────────────────────────────────────
// Round events
// ──────────────────────────────────────────────────────────────────────────────

type RoundStartEvent struct {
	broadcast
	RoundID         uuid.UUID       `json:"round_id"`
	Asset           string          `json:"asset"`
	StartPrice      decimal.Decimal `json:"start_price"`
	StartedAt       int64           `json:"started_at"` // unix ms
	BettingDuration float64         `json:"betting_duration"`
	MaxDuration     float64         `json:"max_duration"`
}

func (RoundStartEvent) EventType() string { return EvRoundStart }

type RoundRunningEvent struct {
	broadcast
	RoundID uuid.UUID `json:"round_id"`
}

func (RoundRunningEvent) EventType() string { return EvRoundRunning }

type RoundEndEvent struct {
	broadcast
	RoundID     uuid.UUID       `json:"round_id"`
	EndPrice    decimal.Decimal `json:"end_price"`
	TotalBets   int             `json:"total_bets"`
	TotalVolume decimal.Decimal `json:"total_volume"`
	TotalPayout decimal.Decimal `json:"total_payout"`
	Reason      string          `json:"reason"`
}

func (RoundEndEvent) EventType() string { return EvRoundEnd }

type RoundCancelledEvent struct {
	broadcast
	RoundID uuid.UUID `json:"round_id"`
	Reason  string    `json:"reason"`
}

func (RoundCancelledEvent) EventType() string { return EvRoundCancelled }

// ──────────────────────────────────────────────────────────────────────────────
// Market / state events
// ──────────────────────────────────────────────────────────────────────────────

type StateUpdateEvent struct {
	broadcast
	RoundID      uuid.UUID          `json:"round_id"`
	Status       domain.RoundStatus `json:"status"`
	CurrentPrice decimal.Decimal    `json:"current_price"`
	CurrentRow   float64            `json:"current_row"`
	Elapsed      float64            `json:"elapsed"`
}

func (StateUpdateEvent) EventType() string { return EvStateUpdate }

type PriceUpdateEvent struct {
	broadcast
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"` // unix ms
}

func (PriceUpdateEvent) EventType() string { return EvPriceUpdate }

// ──────────────────────────────────────────────────────────────────────────────
// Bet events — routed to user:<UserID>
// ──────────────────────────────────────────────────────────────────────────────

type BetConfirmedEvent struct {
	UserID  string            `json:"user_id"`
	Receipt domain.BetReceipt `json:"receipt"`
}

func (BetConfirmedEvent) EventType() string    { return EvBetConfirmed }
func (e BetConfirmedEvent) TargetUser() string { return e.UserID }

type BetSettledEvent struct {
	UserID  string             `json:"user_id"`
	BetID   uuid.UUID          `json:"bet_id"`
	OrderID string             `json:"order_id"`
	Won     bool               `json:"won"`
	Payout  decimal.Decimal    `json:"payout"`
	Hit     *domain.HitDetails `json:"hit,omitempty"`
}

func (BetSettledEvent) EventType() string    { return EvBetSettled }
func (e BetSettledEvent) TargetUser() string { return e.UserID }

type BetRefundedEvent struct {
	UserID  string          `json:"user_id"`
	BetID   uuid.UUID       `json:"bet_id"`
	OrderID string          `json:"order_id"`
	Amount  decimal.Decimal `json:"amount"`
}

func (BetRefundedEvent) EventType() string    { return EvBetRefunded }
func (e BetRefundedEvent) TargetUser() string { return e.UserID }

type BetRejectedEvent struct {
	UserID  string           `json:"user_id"`
	OrderID string           `json:"order_id"`
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func (BetRejectedEvent) EventType() string    { return EvBetRejected }
func (e BetRejectedEvent) TargetUser() string { return e.UserID }

// ──────────────────────────────────────────────────────────────────────────────
// Emitter
// ──────────────────────────────────────────────────────────────────────────────

// subscriberBuffer bounds each subscriber's queue. A subscriber that cannot
// keep up loses newest events rather than stalling the engine.
const subscriberBuffer = 512

// Emitter fans engine events out to subscribers. Each subscriber receives
// events in emission order on its own channel.
type Emitter struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger *slog.Logger

	dropWarnAt time.Time
}

// NewEmitter creates an Emitter.
func NewEmitter(logger *slog.Logger) *Emitter {
	return &Emitter{
		subs:   make(map[int]chan Event),
		logger: logger.With("component", "emitter"),
	}
}

// Subscribe returns an ordered event channel and its unsubscribe func.
func (em *Emitter) Subscribe() (<-chan Event, func()) {
	em.mu.Lock()
	defer em.mu.Unlock()

	id := em.nextID
	em.nextID++
	ch := make(chan Event, subscriberBuffer)
	em.subs[id] = ch

	return ch, func() {
		em.mu.Lock()
		defer em.mu.Unlock()
		if c, ok := em.subs[id]; ok {
			delete(em.subs, id)
			close(c)
		}
	}
}

// Emit delivers an event to every subscriber without blocking the caller.
func (em *Emitter) Emit(ev Event) {
	em.mu.Lock()
	defer em.mu.Unlock()

	for _, ch := range em.subs {
		select {
		case ch <- ev:
		default:
			// Rate-limit the warning; a slow gateway should not flood logs.
			if time.Since(em.dropWarnAt) > time.Second {
				em.dropWarnAt = time.Now()
				em.logger.Warn("subscriber queue full, dropping event", "type", ev.EventType())
			}
		}
	}
}

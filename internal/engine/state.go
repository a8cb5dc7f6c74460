package engine

import (
	"time"

	"github.com/evetabi/gridrush/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ActiveBet mirrors the bet fields the hot path consults. It is owned by the
// GameState map keyed by order id; the heap re-resolves through that map so
// refund removal needs no heap surgery.
type ActiveBet struct {
	BetID      uuid.UUID
	OrderID    string
	UserID     string
	Amount     decimal.Decimal
	Multiplier decimal.Decimal
	TargetRow  float64
	TargetTime float64
	IsPlayMode bool
}

// toSettlementBet rebuilds the persistent shape the bank settles against.
func (ab *ActiveBet) toSettlementBet(roundID uuid.UUID, asset string) *domain.Bet {
	return &domain.Bet{
		ID:         ab.BetID,
		OrderID:    ab.OrderID,
		UserID:     ab.UserID,
		RoundID:    roundID,
		Asset:      asset,
		Amount:     ab.Amount,
		Multiplier: ab.Multiplier,
		TargetRow:  ab.TargetRow,
		TargetTime: ab.TargetTime,
		IsPlayMode: ab.IsPlayMode,
		Status:     domain.BetPending,
	}
}

// GameState is the canonical in-memory image of the live round. It is
// created in startRound, mutated only under the engine's mutex, and dropped
// when the round reaches a terminal state.
type GameState struct {
	RoundID        uuid.UUID
	Asset          string
	Status         domain.RoundStatus
	StartPrice     decimal.Decimal
	CurrentPrice   decimal.Decimal
	CurrentRow     float64
	PrevRow        float64
	Elapsed        float64
	RoundStartTime time.Time

	activeBets    map[string]*ActiveBet // by order id
	pendingByUser map[string]int

	// running aggregates stamped onto the round at finalize
	totalBets   int
	totalVolume decimal.Decimal
	totalPayout decimal.Decimal
}

func newGameState(roundID uuid.UUID, asset string, startPrice decimal.Decimal, startedAt time.Time) *GameState {
	return &GameState{
		RoundID:        roundID,
		Asset:          asset,
		Status:         domain.RoundBetting,
		StartPrice:     startPrice,
		CurrentPrice:   startPrice,
		CurrentRow:     domain.CenterRowIndex,
		PrevRow:        domain.CenterRowIndex,
		RoundStartTime: startedAt,
		activeBets:     make(map[string]*ActiveBet),
		pendingByUser:  make(map[string]int),
		totalVolume:    decimal.Zero,
		totalPayout:    decimal.Zero,
	}
}

// addBet registers an admitted bet in the map and the per-user counter.
func (s *GameState) addBet(ab *ActiveBet) {
	s.activeBets[ab.OrderID] = ab
	s.pendingByUser[ab.UserID]++
	s.totalBets++
	s.totalVolume = s.totalVolume.Add(ab.Amount)
}

// removeBet drops a bet from the map and decrements the user's counter.
// Heap entries pointing at the order id become no-ops on drain.
func (s *GameState) removeBet(orderID string) {
	ab, ok := s.activeBets[orderID]
	if !ok {
		return
	}
	delete(s.activeBets, orderID)
	if n := s.pendingByUser[ab.UserID]; n <= 1 {
		delete(s.pendingByUser, ab.UserID)
	} else {
		s.pendingByUser[ab.UserID] = n - 1
	}
}

// Snapshot is the wire image of the live state handed to new connections.
type Snapshot struct {
	RoundID      uuid.UUID          `json:"round_id"`
	Status       domain.RoundStatus `json:"status"`
	Asset        string             `json:"asset"`
	StartPrice   decimal.Decimal    `json:"start_price"`
	CurrentPrice decimal.Decimal    `json:"current_price"`
	CurrentRow   float64            `json:"current_row"`
	Elapsed      float64            `json:"elapsed"`
	StartedAt    int64              `json:"started_at"` // unix ms
	BettingEnds  float64            `json:"betting_ends"`
	MaxDuration  float64            `json:"max_duration"`
}

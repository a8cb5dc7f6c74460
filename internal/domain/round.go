// Package domain defines the core business entities and types for the
// grid-sweep price prediction game.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// RoundStatus represents the lifecycle state of a round.
type RoundStatus string

const (
	RoundPending   RoundStatus = "pending"   // created, not yet open for betting
	RoundBetting   RoundStatus = "betting"   // accepting bets
	RoundRunning   RoundStatus = "running"   // betting closed, trajectory live
	RoundSettling  RoundStatus = "settling"  // round over, payouts in flight
	RoundCompleted RoundStatus = "completed" // terminal: all bets settled
	RoundCancelled RoundStatus = "cancelled" // terminal: all bets refunded
)

// IsTerminal returns true once a round can never change state again.
func (s RoundStatus) IsTerminal() bool {
	return s == RoundCompleted || s == RoundCancelled
}

// ──────────────────────────────────────────────────────────────────────────────
// Round
// ──────────────────────────────────────────────────────────────────────────────

// Round represents a single play of the game on one asset.
//
// Status transitions are persisted with conditional updates
// (status=expected → status=next affecting exactly one row) so two engines
// can never both progress the same round.
type Round struct {
	ID          uuid.UUID        `json:"id"           db:"id"`
	Asset       string           `json:"asset"        db:"asset"`
	Status      RoundStatus      `json:"status"       db:"status"`
	StartPrice  decimal.Decimal  `json:"start_price"  db:"start_price"`
	EndPrice    *decimal.Decimal `json:"end_price"    db:"end_price"`
	TotalBets   int              `json:"total_bets"   db:"total_bets"`
	TotalVolume decimal.Decimal  `json:"total_volume" db:"total_volume"`
	TotalPayout decimal.Decimal  `json:"total_payout" db:"total_payout"`
	StartedAt   time.Time        `json:"started_at"   db:"started_at"`
	EndedAt     *time.Time       `json:"ended_at"     db:"ended_at"`
	CreatedAt   time.Time        `json:"created_at"   db:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"   db:"updated_at"`
}

// AcceptsBets returns true while the round is in its betting window.
// This is the in-memory convenience check; the authoritative gate is the
// conditional status re-check inside the bet admission transaction.
func (r *Round) AcceptsBets() bool {
	return r.Status == RoundBetting
}

// RoundStats carries the aggregates written when a round is finalised.
type RoundStats struct {
	TotalBets   int
	TotalVolume decimal.Decimal
	TotalPayout decimal.Decimal
	EndPrice    decimal.Decimal
}

// ──────────────────────────────────────────────────────────────────────────────
// HousePool
// ──────────────────────────────────────────────────────────────────────────────

// HousePool is the per-asset shared liability balance. Every debit/credit is
// applied with an optimistic version check; version increases monotonically.
type HousePool struct {
	Asset     string          `json:"asset"      db:"asset"`
	Balance   decimal.Decimal `json:"balance"    db:"balance"`
	Version   int64           `json:"version"    db:"version"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// ──────────────────────────────────────────────────────────────────────────────
// PriceSnapshot
// ──────────────────────────────────────────────────────────────────────────────

// PriceSnapshot is one (time, price, row) sample of the round trajectory.
// Snapshots are diagnostic, not authoritative: oldest samples may be dropped
// under buffer pressure.
type PriceSnapshot struct {
	ID        int64           `json:"id"        db:"id"`
	RoundID   uuid.UUID       `json:"round_id"  db:"round_id"`
	Timestamp time.Time       `json:"timestamp" db:"ts"`
	Price     decimal.Decimal `json:"price"     db:"price"`
	RowIndex  float64         `json:"row_index" db:"row_index"`
}

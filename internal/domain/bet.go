package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// BetStatus represents the current state of a wager.
//
// Allowed transitions: PENDING → SETTLING → {WON, LOST} and
// PENDING/SETTLING → REFUNDED. Terminal updates are conditional in SQL so a
// bet can never settle twice.
type BetStatus string

const (
	BetPending   BetStatus = "pending"
	BetSettling  BetStatus = "settling"
	BetWon       BetStatus = "won"
	BetLost      BetStatus = "lost"
	BetRefunded  BetStatus = "refunded"
	BetCancelled BetStatus = "cancelled"
)

// IsTerminal returns true once a bet can never change state again.
func (s BetStatus) IsTerminal() bool {
	return s == BetWon || s == BetLost || s == BetRefunded || s == BetCancelled
}

// AnonPrefix marks synthetic user ids minted for unauthenticated
// connections. Anonymous users may only place play-mode bets and never touch
// the ledger or house pool.
const AnonPrefix = "anon-"

// IsAnonID reports whether a user id is a synthetic anonymous id.
func IsAnonID(userID string) bool {
	return strings.HasPrefix(userID, AnonPrefix)
}

// ──────────────────────────────────────────────────────────────────────────────
// Bet
// ──────────────────────────────────────────────────────────────────────────────

// Bet represents a single wager on a (targetRow, targetTime) point.
// OrderID is client supplied and globally unique; it is the idempotency key
// for the whole admission pipeline.
type Bet struct {
	ID         uuid.UUID        `json:"id"           db:"id"`
	OrderID    string           `json:"order_id"     db:"order_id"`
	UserID     string           `json:"user_id"      db:"user_id"`
	RoundID    uuid.UUID        `json:"round_id"     db:"round_id"`
	Asset      string           `json:"asset"        db:"asset"`
	Amount     decimal.Decimal  `json:"amount"       db:"amount"`
	Multiplier decimal.Decimal  `json:"multiplier"   db:"multiplier"`
	TargetRow  float64          `json:"target_row"   db:"target_row"`
	TargetTime float64          `json:"target_time"  db:"target_time"`
	IsPlayMode bool             `json:"is_play_mode" db:"is_play_mode"`
	Status     BetStatus        `json:"status"       db:"status"`
	Payout     decimal.Decimal  `json:"payout"       db:"payout"`
	HitPrice   *decimal.Decimal `json:"hit_price"    db:"hit_price"`
	HitRow     *float64         `json:"hit_row"      db:"hit_row"`
	HitTime    *float64         `json:"hit_time"     db:"hit_time"`
	CreatedAt  time.Time        `json:"created_at"   db:"created_at"`
	SettledAt  *time.Time       `json:"settled_at"   db:"settled_at"`
}

// WinPayout returns the payout a bet earns on a hit:
// round_to_cents(amount × multiplier). Losses pay zero.
func (b *Bet) WinPayout() decimal.Decimal {
	return b.Amount.Mul(b.Multiplier).Round(2)
}

// ExpectedNetPayout is the projected house liability reserved against the
// per-round risk cap: max(0, amount×multiplier − amount).
func (b *Bet) ExpectedNetPayout() decimal.Decimal {
	net := b.WinPayout().Sub(b.Amount)
	if net.IsNegative() {
		return decimal.Zero
	}
	return net
}

// HitDetails records where and when a winning bet's window was swept.
type HitDetails struct {
	Price decimal.Decimal `json:"price"`
	Row   float64         `json:"row"`
	Time  float64         `json:"time"`
}

// ──────────────────────────────────────────────────────────────────────────────
// PlaceBetRequest — value object used by the engine admission pipeline
// ──────────────────────────────────────────────────────────────────────────────

// PlaceBetRequest carries the structural inputs for placing a bet. The
// multiplier is always computed server-side; clients never supply it.
type PlaceBetRequest struct {
	OrderID    string          `json:"order_id"`
	UserID     string          `json:"user_id"`
	Amount     decimal.Decimal `json:"amount"`
	TargetRow  float64         `json:"target_row"`
	TargetTime float64         `json:"target_time"`
	IsPlayMode bool            `json:"is_play_mode"`
}

// BetReceipt is the API-safe confirmation returned for a placed (or
// idempotently replayed) bet.
type BetReceipt struct {
	BetID      uuid.UUID       `json:"bet_id"`
	OrderID    string          `json:"order_id"`
	RoundID    uuid.UUID       `json:"round_id"`
	Amount     decimal.Decimal `json:"amount"`
	Multiplier decimal.Decimal `json:"multiplier"`
	TargetRow  float64         `json:"target_row"`
	TargetTime float64         `json:"target_time"`
	IsPlayMode bool            `json:"is_play_mode"`
	NewBalance decimal.Decimal `json:"new_balance"`
	Duplicate  bool            `json:"duplicate,omitempty"`
}

// Receipt converts a bet into its confirmation form.
func (b *Bet) Receipt(newBalance decimal.Decimal, duplicate bool) BetReceipt {
	return BetReceipt{
		BetID:      b.ID,
		OrderID:    b.OrderID,
		RoundID:    b.RoundID,
		Amount:     b.Amount,
		Multiplier: b.Multiplier,
		TargetRow:  b.TargetRow,
		TargetTime: b.TargetTime,
		IsPlayMode: b.IsPlayMode,
		NewBalance: newBalance,
		Duplicate:  duplicate,
	}
}

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// User
// ──────────────────────────────────────────────────────────────────────────────

// User is the domain entity for registered accounts. Users carry two
// balances: the real TRY balance and a synthetic play balance. Real-mode
// bets debit Balance and write ledger rows; play-mode bets debit PlayBalance
// only and never touch the ledger or house pool.
type User struct {
	ID          string          `json:"id"           db:"id"`
	Username    string          `json:"username"     db:"username"`
	Balance     decimal.Decimal `json:"balance"      db:"balance"`
	PlayBalance decimal.Decimal `json:"play_balance" db:"play_balance"`
	TotalBets   int             `json:"total_bets"   db:"total_bets"`
	TotalWins   int             `json:"total_wins"   db:"total_wins"`
	TotalLosses int             `json:"total_losses" db:"total_losses"`
	TotalProfit decimal.Decimal `json:"total_profit" db:"total_profit"`
	IsActive    bool            `json:"is_active"    db:"is_active"`
	IsSilenced  bool            `json:"is_silenced"  db:"is_silenced"`
	CreatedAt   time.Time       `json:"created_at"   db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"   db:"updated_at"`
}

// BalanceFor returns the balance a bet in the given mode draws from.
func (u *User) BalanceFor(isPlayMode bool) decimal.Decimal {
	if isPlayMode {
		return u.PlayBalance
	}
	return u.Balance
}

// ──────────────────────────────────────────────────────────────────────────────
// Transaction
// ──────────────────────────────────────────────────────────────────────────────

// TxType enumerates ledger entry types for auditing.
type TxType string

const (
	TxBet     TxType = "bet"     // stake debit at admission
	TxWin     TxType = "win"     // payout credit at settlement
	TxRefund  TxType = "refund"  // stake returned on round cancellation
	TxDeposit TxType = "deposit" // external payment ingress (out of scope here)
)

// Transaction is an append-only ledger entry. For any user the ordered sum
// of committed amounts equals the current real balance.
type Transaction struct {
	ID            uuid.UUID       `json:"id"             db:"id"`
	UserID        string          `json:"user_id"        db:"user_id"`
	Type          TxType          `json:"type"           db:"type"`
	Amount        decimal.Decimal `json:"amount"         db:"amount"` // signed
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"  db:"balance_after"`
	RelatedBetID  *uuid.UUID      `json:"related_bet_id" db:"related_bet_id"`
	Remark        string          `json:"remark"         db:"remark"`
	Status        string          `json:"status"         db:"status"`
	CompletedAt   time.Time       `json:"completed_at"   db:"completed_at"`
	CreatedAt     time.Time       `json:"created_at"     db:"created_at"`
}

// UserStatsDelta aggregates the per-user stat changes applied at settlement.
type UserStatsDelta struct {
	Bets   int
	Wins   int
	Losses int
	Profit decimal.Decimal
}

// Package ws is the realtime gateway: connection auth, per-user rooms,
// state-snapshot-on-connect, and engine event fan-out. messages.go defines
// the wire envelope and the payload shapes the gateway itself produces.
package ws

import (
	"encoding/json"
	"time"

	"github.com/evetabi/gridrush/internal/domain"
	"github.com/evetabi/gridrush/internal/engine"
	"github.com/shopspring/decimal"
)

// Inbound message types clients may send.
const (
	MsgAuth         = "auth"
	MsgStateRequest = "state_request"
	MsgPlaceBet     = "place_bet"
	MsgPing         = "ping"
)

// Gateway-originated outbound types (engine event types pass through
// unchanged).
const (
	MsgStateSnapshot = "state_snapshot"
	MsgAuthResult    = "auth_result"
	MsgPong          = "pong"
	MsgError         = "error"
)

// Frame is the wire envelope for every message in both directions.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// encodeFrame wraps a payload into the envelope. Returns nil on marshal
// failure, which callers treat as a skipped message.
func encodeFrame(msgType string, payload interface{}) []byte {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil
		}
		raw = data
	}
	frame, err := json.Marshal(Frame{
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return nil
	}
	return frame
}

// ──────────────────────────────────────────────────────────────────────────────
// Inbound payloads
// ──────────────────────────────────────────────────────────────────────────────

// AuthPayload upgrades an anonymous connection with a bearer token.
type AuthPayload struct {
	Token string `json:"token"`
}

// StateRequestPayload asks for a fresh snapshot.
type StateRequestPayload struct {
	IncludeHistory bool `json:"include_history"`
	HistoryLimit   int  `json:"history_limit"`
}

// PlaceBetPayload is the client's wager submission. The gateway validates
// structure only; game rules are the engine's job.
type PlaceBetPayload struct {
	OrderID    string           `json:"order_id"`
	Amount     *decimal.Decimal `json:"amount"`
	TargetRow  *float64         `json:"target_row"`
	TargetTime *float64         `json:"target_time"`
	IsPlayMode bool             `json:"is_play_mode"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Outbound payloads
// ──────────────────────────────────────────────────────────────────────────────

// AuthResultPayload reports the outcome of an auth upgrade.
type AuthResultPayload struct {
	Success bool   `json:"success"`
	UserID  string `json:"user_id,omitempty"`
	Code    string `json:"code,omitempty"`
}

// BalancesPayload carries both balances for an authenticated user.
type BalancesPayload struct {
	Balance     decimal.Decimal `json:"balance"`
	PlayBalance decimal.Decimal `json:"play_balance"`
}

// StateSnapshotPayload is the connect-time image of the game: the live
// round (nil between rounds) plus, for authenticated users, balances and
// recent bets.
type StateSnapshotPayload struct {
	Round    *engine.Snapshot `json:"round"`
	UserID   string           `json:"user_id,omitempty"`
	Balances *BalancesPayload `json:"balances,omitempty"`
	Bets     []*domain.Bet    `json:"bets,omitempty"`
}

// ErrorPayload is a non-fatal error delivered to one client.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

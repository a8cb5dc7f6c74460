package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/evetabi/gridrush/internal/domain"
	"github.com/evetabi/gridrush/internal/engine"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	writeDeadline  = 10 * time.Second
	heartbeatEvery = 25 * time.Second
	readWait       = 70 * time.Second // generous: clients heartbeat via ping frames
	maxMessageSize = 2048
	sendBufferSize = 256

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	handlerTimeout = 10 * time.Second
)

// Client represents one connected endpoint. Its identity starts anonymous
// (synthetic anon-<id>) and may upgrade via the session cookie or an auth
// message.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte // buffered outbound message queue
	id   string

	userMu sync.Mutex
	userID string // "" = anonymous
}

func (c *Client) setUser(userID string) {
	c.userMu.Lock()
	c.userID = userID
	c.userMu.Unlock()
}

// boundUser returns the authenticated user id, or "" while anonymous.
func (c *Client) boundUser() string {
	c.userMu.Lock()
	defer c.userMu.Unlock()
	return c.userID
}

// effectiveUserID is the identity bets run under: the bound user, or the
// synthetic anonymous id derived from the connection.
func (c *Client) effectiveUserID() string {
	if uid := c.boundUser(); uid != "" {
		return uid
	}
	return domain.AnonPrefix + c.id
}

// trySend queues a message without blocking; a full buffer drops the
// message for this client (the write pump detects stalls separately).
func (c *Client) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) sendTyped(msgType string, payload interface{}) {
	if data := encodeFrame(msgType, payload); data != nil {
		c.trySend(data)
	}
}

func (c *Client) sendError(code domain.ErrorCode, message string) {
	c.sendTyped(MsgError, ErrorPayload{Code: string(code), Message: message})
}

// ──────────────────────────────────────────────────────────────────────────────
// Pumps
// ──────────────────────────────────────────────────────────────────────────────

// writePump drains the send channel onto the socket and emits the server
// heartbeat: an application-level pong frame plus a transport ping.
func (c *Client) writePump() {
	ticker := time.NewTicker(heartbeatEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				// Hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if data := encodeFrame(MsgPong, nil); data != nil {
				if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads inbound frames and dispatches them. Any inbound traffic
// (including transport pongs) refreshes the read deadline. On connection
// loss the client unregisters; in-flight engine work for its bets is not
// cancelled — bets belong to the round, not the socket.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("unexpected close", "conn_id", c.id, "err", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
		c.handleFrame(data)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Inbound dispatch
// ──────────────────────────────────────────────────────────────────────────────

func (c *Client) handleFrame(data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.sendError(domain.CodeInvalidRequest, "malformed frame")
		return
	}

	switch frame.Type {
	case MsgPing:
		c.sendTyped(MsgPong, nil)

	case MsgAuth:
		c.handleAuth(frame.Payload)

	case MsgStateRequest:
		var req StateRequestPayload
		if len(frame.Payload) > 0 {
			_ = json.Unmarshal(frame.Payload, &req)
		}
		limit := req.HistoryLimit
		if limit <= 0 {
			limit = defaultHistoryLimit
		}
		go c.sendSnapshot(req.IncludeHistory, limit)

	case MsgPlaceBet:
		c.handlePlaceBet(frame.Payload)

	default:
		c.sendError(domain.CodeInvalidRequest, "unknown message type: "+frame.Type)
	}
}

// handleAuth performs an explicit bearer upgrade and resends the snapshot
// under the new identity.
func (c *Client) handleAuth(payload json.RawMessage) {
	var req AuthPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.Token == "" {
		c.sendTyped(MsgAuthResult, AuthResultPayload{Success: false, Code: string(domain.CodeInvalidRequest)})
		return
	}

	userID := c.hub.parseJWT(req.Token)
	if userID == "" {
		c.sendTyped(MsgAuthResult, AuthResultPayload{Success: false, Code: string(domain.CodeUnauthorized)})
		return
	}

	c.hub.BindUser(c, userID)
	c.sendTyped(MsgAuthResult, AuthResultPayload{Success: true, UserID: userID})
	go c.sendSnapshot(true, defaultHistoryLimit)
}

// handlePlaceBet validates structure and forwards to the engine. Outcomes
// come back through the event stream (bet:confirmed / bet:rejected), so no
// direct reply is needed for game-rule failures.
func (c *Client) handlePlaceBet(payload json.RawMessage) {
	var req PlaceBetPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(domain.CodeInvalidRequest, "malformed place_bet payload")
		return
	}
	if req.OrderID == "" || req.Amount == nil || req.TargetRow == nil || req.TargetTime == nil {
		c.sendError(domain.CodeInvalidRequest, "order_id, amount, target_row and target_time are required")
		return
	}

	userID := c.effectiveUserID()
	isPlay := req.IsPlayMode
	if domain.IsAnonID(userID) {
		isPlay = true // anonymous identities never touch real money
	}

	betReq := domain.PlaceBetRequest{
		OrderID:    req.OrderID,
		UserID:     userID,
		Amount:     *req.Amount,
		TargetRow:  *req.TargetRow,
		TargetTime: *req.TargetTime,
		IsPlayMode: isPlay,
	}

	// Run off the read pump; admission blocks on DB and cache calls.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		if _, err := c.hub.game.PlaceBet(ctx, betReq); err != nil && !domain.IsRejection(err) {
			c.hub.logger.Error("bet admission fault",
				"order_id", req.OrderID, "user_id", userID, "err", err)
			c.sendError(domain.CodeInternalError, "bet could not be processed")
		}
	}()
}

// ──────────────────────────────────────────────────────────────────────────────
// Snapshot composition
// ──────────────────────────────────────────────────────────────────────────────

// sendSnapshot delivers the state_snapshot frame plus the legacy init events
// (round:start / round:running / state:update) and replays the user's
// current-round bets so late joiners reconstruct the same view as clients
// connected from the start.
func (c *Client) sendSnapshot(includeHistory bool, historyLimit int) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if historyLimit > maxHistoryLimit {
		historyLimit = maxHistoryLimit
	}

	snap := c.hub.game.CurrentSnapshot()
	payload := StateSnapshotPayload{Round: snap}

	userID := c.boundUser()
	balance := decimal.Zero
	if userID != "" {
		payload.UserID = userID
		real, err := c.hub.accounts.UserBalance(ctx, userID, false)
		if err != nil {
			c.hub.logger.Warn("snapshot balance read failed", "user_id", userID, "err", err)
		}
		play, err := c.hub.accounts.UserBalance(ctx, userID, true)
		if err != nil {
			c.hub.logger.Warn("snapshot play balance read failed", "user_id", userID, "err", err)
		}
		balance = real
		payload.Balances = &BalancesPayload{Balance: real, PlayBalance: play}

		if includeHistory {
			bets, err := c.hub.accounts.RecentBets(ctx, userID, historyLimit)
			if err != nil {
				c.hub.logger.Warn("snapshot history read failed", "user_id", userID, "err", err)
			} else {
				payload.Bets = bets
			}
		}
	}

	c.sendTyped(MsgStateSnapshot, payload)

	if snap == nil {
		return
	}

	// Legacy init events.
	c.sendTyped(engine.EvRoundStart, engine.RoundStartEvent{
		RoundID:         snap.RoundID,
		Asset:           snap.Asset,
		StartPrice:      snap.StartPrice,
		StartedAt:       snap.StartedAt,
		BettingDuration: snap.BettingEnds,
		MaxDuration:     snap.MaxDuration,
	})
	if snap.Status == domain.RoundRunning || snap.Status == domain.RoundSettling {
		c.sendTyped(engine.EvRoundRunning, engine.RoundRunningEvent{RoundID: snap.RoundID})
	}
	c.sendTyped(engine.EvStateUpdate, engine.StateUpdateEvent{
		RoundID:      snap.RoundID,
		Status:       snap.Status,
		CurrentPrice: snap.CurrentPrice,
		CurrentRow:   snap.CurrentRow,
		Elapsed:      snap.Elapsed,
	})

	// Replay this identity's bets for the live round.
	effective := c.effectiveUserID()
	bets, err := c.hub.accounts.RoundBets(ctx, snap.RoundID, effective)
	if err != nil {
		c.hub.logger.Warn("round bet replay failed", "user_id", effective, "err", err)
		return
	}
	for _, bet := range bets {
		c.sendTyped(engine.EvBetConfirmed, engine.BetConfirmedEvent{
			UserID:  bet.UserID,
			Receipt: bet.Receipt(balance, true),
		})
		switch bet.Status {
		case domain.BetWon, domain.BetLost:
			ev := engine.BetSettledEvent{
				UserID:  bet.UserID,
				BetID:   bet.ID,
				OrderID: bet.OrderID,
				Won:     bet.Status == domain.BetWon,
				Payout:  bet.Payout,
			}
			if bet.HitPrice != nil && bet.HitRow != nil && bet.HitTime != nil {
				ev.Hit = &domain.HitDetails{Price: *bet.HitPrice, Row: *bet.HitRow, Time: *bet.HitTime}
			}
			c.sendTyped(engine.EvBetSettled, ev)
		case domain.BetRefunded:
			c.sendTyped(engine.EvBetRefunded, engine.BetRefundedEvent{
				UserID:  bet.UserID,
				BetID:   bet.ID,
				OrderID: bet.OrderID,
				Amount:  bet.Amount,
			})
		}
	}
}

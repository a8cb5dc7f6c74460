package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/evetabi/gridrush/internal/domain"
	"github.com/evetabi/gridrush/internal/engine"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// Game is the engine surface the gateway consumes.
type Game interface {
	PlaceBet(ctx context.Context, req domain.PlaceBetRequest) (domain.BetReceipt, error)
	CurrentSnapshot() *engine.Snapshot
}

// AccountReader composes connect-time snapshots. Satisfied by the bank.
type AccountReader interface {
	UserBalance(ctx context.Context, userID string, isPlayMode bool) (decimal.Decimal, error)
	RecentBets(ctx context.Context, userID string, limit int) ([]*domain.Bet, error)
	RoundBets(ctx context.Context, roundID uuid.UUID, userID string) ([]*domain.Bet, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// Hub
// ──────────────────────────────────────────────────────────────────────────────

// Hub maintains the set of active clients, routes engine events to the right
// rooms, and upgrades HTTP requests into connections. Run() must be started
// in a dedicated goroutine before ServeWs is used.
type Hub struct {
	game     Game
	accounts AccountReader
	events   *engine.Emitter
	logger   *slog.Logger

	// Registered clients and their room indexes.
	mu       sync.RWMutex
	clients  map[*Client]bool
	byUser   map[string]map[*Client]bool // room user:<userID>
	byConnID map[string]*Client          // anon-<connID> routing

	register   chan *Client
	unregister chan *Client

	// JWT verification key; empty means every connection stays anonymous.
	jwtSecret  []byte
	cookieName string

	// upgrader is safe for concurrent use after construction.
	upgrader websocket.Upgrader
}

// NewHub creates a Hub ready to be started with Run().
func NewHub(game Game, accounts AccountReader, events *engine.Emitter, jwtSecret []byte, cookieName string, allowedOrigins []string, logger *slog.Logger) *Hub {
	return &Hub{
		game:       game,
		accounts:   accounts,
		events:     events,
		logger:     logger.With("component", "gateway"),
		clients:    make(map[*Client]bool),
		byUser:     make(map[string]map[*Client]bool),
		byConnID:   make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		jwtSecret:  jwtSecret,
		cookieName: cookieName,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true // dev mode: allow all
				}
				origin := r.Header.Get("Origin")
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						return true
					}
				}
				return false
			},
		},
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Run — hub event loop
// ──────────────────────────────────────────────────────────────────────────────

// Run processes registration, unregistration and engine events sequentially
// until ctx is cancelled. Engine events arrive in emission order and are
// delivered in that order to each client.
func (h *Hub) Run(ctx context.Context) {
	events, unsubscribe := h.events.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.byConnID[client.id] = client
			if uid := client.boundUser(); uid != "" {
				h.joinRoomLocked(uid, client)
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				delete(h.byConnID, client.id)
				if uid := client.boundUser(); uid != "" {
					h.leaveRoomLocked(uid, client)
				}
				close(client.send)
			}
			h.mu.Unlock()

		case ev, ok := <-events:
			if !ok {
				return
			}
			h.deliver(ev)
		}
	}
}

// joinRoomLocked adds a client to its user room. Caller holds the lock.
func (h *Hub) joinRoomLocked(userID string, c *Client) {
	room, ok := h.byUser[userID]
	if !ok {
		room = make(map[*Client]bool)
		h.byUser[userID] = room
	}
	room[c] = true
}

// leaveRoomLocked removes a client from its user room. Caller holds the lock.
func (h *Hub) leaveRoomLocked(userID string, c *Client) {
	if room, ok := h.byUser[userID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.byUser, userID)
		}
	}
}

// BindUser upgrades a connection to an authenticated user room.
func (h *Hub) BindUser(c *Client, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old := c.boundUser(); old != "" {
		h.leaveRoomLocked(old, c)
	}
	c.setUser(userID)
	h.joinRoomLocked(userID, c)
}

// deliver routes one engine event: broadcast when untargeted, the user room
// for authenticated users, and the matching connection for anon-<connID>.
func (h *Hub) deliver(ev engine.Event) {
	data := encodeFrame(ev.EventType(), ev)
	if data == nil {
		h.logger.Warn("event marshal failed", "type", ev.EventType())
		return
	}

	target := ev.TargetUser()

	h.mu.RLock()
	defer h.mu.RUnlock()

	if target == "" {
		for client := range h.clients {
			client.trySend(data)
		}
		return
	}

	if strings.HasPrefix(target, domain.AnonPrefix) {
		if client, ok := h.byConnID[strings.TrimPrefix(target, domain.AnonPrefix)]; ok {
			client.trySend(data)
		}
		return
	}

	for client := range h.byUser[target] {
		client.trySend(data)
	}
}

// ConnectedCount returns the current number of connected clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ──────────────────────────────────────────────────────────────────────────────
// ServeWs — HTTP → WebSocket upgrade
// ──────────────────────────────────────────────────────────────────────────────

// ServeWs upgrades an HTTP request into a connection, auto-authenticating
// from the session cookie (or ?token=) when present, and starts the pumps.
// Unauthenticated connections are accepted as anonymous: read-mostly, with
// play-mode bets under a synthetic anon-<connID> identity.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "err", err)
		return
	}

	var userID string
	if token := h.sessionToken(r); token != "" {
		userID = h.parseJWT(token)
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		id:   uuid.NewString(),
	}
	client.setUser(userID)
	h.register <- client

	go client.writePump()
	go client.readPump()
	go client.sendSnapshot(true, defaultHistoryLimit)
}

// sessionToken extracts the bearer token from the session cookie or the
// ?token= query parameter.
func (h *Hub) sessionToken(r *http.Request) string {
	if h.cookieName != "" {
		if cookie, err := r.Cookie(h.cookieName); err == nil && cookie.Value != "" {
			return cookie.Value
		}
	}
	return r.URL.Query().Get("token")
}

// parseJWT extracts the user id from a signed token. Returns "" on any
// failure (treated as anonymous).
func (h *Hub) parseJWT(tokenString string) string {
	if len(h.jwtSecret) == 0 {
		return ""
	}
	tok, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return h.jwtSecret, nil
	})
	if err != nil || !tok.Valid {
		return ""
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}

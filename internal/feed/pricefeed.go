// Package feed implements the reconnecting client for the external trade
// stream. One feed serves one asset: it keeps the latest trade price in
// memory, samples it into the shared cache, and raises staleness signals
// that gate round progress.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/evetabi/gridrush/internal/config"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	writeTimeout         = 10 * time.Second
	healthCheckEvery     = time.Second
	reconnectBackoffBase = time.Second
)

// Status describes the feed's health transitions delivered to the engine.
type Status int

const (
	// StatusStale fires when the cached price is older than StaleAfter;
	// latestPrice stops serving it but the round keeps running.
	StatusStale Status = iota
	// StatusCritical fires when the price is older than CriticalAfter;
	// the engine cancels the active round.
	StatusCritical
	// StatusFailed fires after MaxReconnects consecutive failed dials.
	StatusFailed
)

// PriceUpdate is one parsed trade delivered to subscribers.
type PriceUpdate struct {
	Price     decimal.Decimal
	Timestamp time.Time
}

// PriceSink receives sampled price writes (the shared cache in production).
type PriceSink interface {
	PushPrice(ctx context.Context, asset string, price decimal.Decimal, ts time.Time) error
}

// subscribeMsg is the frame sent on every (re)connect.
type subscribeMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// tradeMsg mirrors the stream's trade frame: price as a numeric string,
// trade time in ms.
type tradeMsg struct {
	EventType string `json:"e"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

// PriceFeed is the reconnecting websocket client for one asset.
type PriceFeed struct {
	cfg    config.FeedConfig
	asset  string
	sink   PriceSink
	logger *slog.Logger

	// latest cached trade
	mu        sync.RWMutex
	lastPrice decimal.Decimal
	lastAt    time.Time

	// health edge detection: remember the last signalled state so the 1s
	// timer raises each transition once
	wasStale    bool
	wasCritical bool

	lastSinkWrite time.Time

	onPrice  func(PriceUpdate)
	onStatus func(Status)

	cancel  context.CancelFunc
	done    chan struct{}
	stopOne sync.Once
}

// New creates a PriceFeed for the configured asset.
func New(cfg config.FeedConfig, asset string, sink PriceSink, logger *slog.Logger) *PriceFeed {
	return &PriceFeed{
		cfg:    cfg,
		asset:  asset,
		sink:   sink,
		logger: logger.With("component", "pricefeed", "asset", asset),
		done:   make(chan struct{}),
	}
}

// OnPrice registers the price callback. Must be set before Start.
func (f *PriceFeed) OnPrice(fn func(PriceUpdate)) { f.onPrice = fn }

// OnStatus registers the health callback. Must be set before Start.
func (f *PriceFeed) OnStatus(fn func(Status)) { f.onStatus = fn }

// Start launches the connect loop and the health timer.
func (f *PriceFeed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	go f.run(ctx)
	go f.healthLoop(ctx)
}

// Stop is idempotent and synchronously cancels the feed's timers and
// connection loop.
func (f *PriceFeed) Stop() {
	f.stopOne.Do(func() {
		if f.cancel != nil {
			f.cancel()
		}
		close(f.done)
	})
}

// LatestPrice returns the cached price if it is fresher than StaleAfter.
func (f *PriceFeed) LatestPrice() (decimal.Decimal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.lastAt.IsZero() || time.Since(f.lastAt) > f.cfg.StaleAfter {
		return decimal.Zero, false
	}
	return f.lastPrice, true
}

// IsAvailable reports whether a fresh price is currently served.
func (f *PriceFeed) IsAvailable() bool {
	_, ok := f.LatestPrice()
	return ok
}

// ──────────────────────────────────────────────────────────────────────────────
// Connection loop
// ──────────────────────────────────────────────────────────────────────────────

// run dials, reads until failure, and reconnects with exponential backoff
// capped at ReconnectMaxWait. MaxReconnects consecutive failures raise
// StatusFailed; a successful connect resets the counter.
func (f *PriceFeed) run(ctx context.Context) {
	backoff := reconnectBackoffBase
	failures := 0

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		failures++
		f.logger.Warn("feed disconnected, reconnecting",
			"err", err, "backoff", backoff, "failures", failures)

		if f.cfg.MaxReconnects > 0 && failures >= f.cfg.MaxReconnects {
			f.logger.Error("feed reconnect budget exhausted")
			f.signal(StatusFailed)
			failures = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > f.cfg.ReconnectMaxWait {
			backoff = f.cfg.ReconnectMaxWait
		}
	}
}

func (f *PriceFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Subscribe to the asset's trade channel.
	sub := subscribeMsg{Method: "SUBSCRIBE", Params: []string{tradeChannel(f.asset)}, ID: 1}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("feed connected", "url", f.cfg.URL)

	// Keepalive writer.
	keepaliveCtx, stopKeepalive := context.WithCancel(ctx)
	defer stopKeepalive()
	go f.keepaliveLoop(keepaliveCtx, conn)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.handleMessage(ctx, data)
	}
}

func (f *PriceFeed) keepaliveLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.cfg.KeepaliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a trade frame, updates the cached latest, samples a
// shared-cache write, and fans the update out.
func (f *PriceFeed) handleMessage(ctx context.Context, data []byte) {
	var msg tradeMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.Price == "" {
		return // subscribe acks and keepalive responses land here
	}

	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		f.logger.Debug("unparseable trade price", "raw", msg.Price)
		return
	}
	ts := time.UnixMilli(msg.TradeTime)
	if msg.TradeTime == 0 {
		ts = time.Now()
	}

	f.mu.Lock()
	f.lastPrice = price
	f.lastAt = time.Now()
	writeSink := f.sink != nil && time.Since(f.lastSinkWrite) >= f.cfg.CacheSampleEvery
	if writeSink {
		f.lastSinkWrite = time.Now()
	}
	f.mu.Unlock()

	if writeSink {
		if err := f.sink.PushPrice(ctx, f.asset, price, ts); err != nil {
			f.logger.Debug("price cache write failed", "err", err)
		}
	}

	if f.onPrice != nil {
		f.onPrice(PriceUpdate{Price: price, Timestamp: ts})
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Health loop
// ──────────────────────────────────────────────────────────────────────────────

// healthLoop checks the cached price age every second and raises stale /
// critical transitions exactly once per episode.
func (f *PriceFeed) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.checkHealth()
		}
	}
}

func (f *PriceFeed) checkHealth() {
	f.mu.Lock()
	age := time.Since(f.lastAt)
	neverSeen := f.lastAt.IsZero()

	stale := !neverSeen && age > f.cfg.StaleAfter
	critical := !neverSeen && age > f.cfg.CriticalAfter

	staleEdge := stale && !f.wasStale
	criticalEdge := critical && !f.wasCritical
	f.wasStale = stale
	f.wasCritical = critical
	f.mu.Unlock()

	if staleEdge {
		f.logger.Warn("price feed stale", "age", age.Round(time.Millisecond))
		f.signal(StatusStale)
	}
	if criticalEdge {
		f.logger.Error("price feed critically stale", "age", age.Round(time.Millisecond))
		f.signal(StatusCritical)
	}
}

func (f *PriceFeed) signal(s Status) {
	if f.onStatus != nil {
		f.onStatus(s)
	}
}

// tradeChannel builds the stream name for an asset, e.g. "btcusdt@trade".
func tradeChannel(asset string) string {
	return strings.ToLower(asset) + "@trade"
}

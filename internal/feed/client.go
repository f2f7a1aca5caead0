// Package feed maintains the WebSocket connection to the Polymarket CLOB
// market channel and turns inbound fill events into trades.
package feed

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"log/slog"

	"github.com/polywatch/engine/internal/store"
)

const (
	// Reconnection backoff bounds
	InitialBackoff = 1 * time.Second
	MaxBackoff     = 60 * time.Second
	BackoffFactor  = 2

	// PingInterval is how often the literal PING token is sent. Polymarket
	// drops idle connections, so this has to stay under their timeout.
	PingInterval = 10 * time.Second

	// Write timeout for subscription and ping frames
	writeTimeout = 10 * time.Second

	handshakeTimeout = 10 * time.Second
)

// Ping/pong tokens are literal text frames, not WebSocket control frames.
const (
	pingToken = "PING"
	pongToken = "PONG"
)

// TradeHandler is invoked for every parsed trade. It may block on I/O;
// a returned error is counted and does not interrupt the receive loop.
type TradeHandler func(ctx context.Context, trade store.Trade) error

// Stats is a snapshot of connection counters.
type Stats struct {
	MessagesReceived int64
	TradesReceived   int64
	UnknownEvents    int64
	ParseErrors      int64
	CallbackErrors   int64
	Reconnects       int64
	Connected        bool
	SubscribedAssets int
}

// Client manages the WebSocket connection with automatic reconnection.
type Client struct {
	url          string
	onTrade      TradeHandler
	pingInterval time.Duration

	connMu   sync.Mutex
	conn     *websocket.Conn
	connDone chan struct{}

	subMu      sync.Mutex
	subscribed map[string]struct{}

	backoff  time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	connected atomic.Bool

	messagesReceived atomic.Int64
	tradesReceived   atomic.Int64
	unknownEvents    atomic.Int64
	parseErrors      atomic.Int64
	callbackErrors   atomic.Int64
	reconnects       atomic.Int64
}

// NewClient creates a feed client. The handler runs on the receive goroutine,
// so a slow handler applies backpressure to the feed rather than dropping
// trades.
func NewClient(url string, onTrade TradeHandler) *Client {
	return &Client{
		url:          url,
		onTrade:      onTrade,
		pingInterval: PingInterval,
		subscribed:   make(map[string]struct{}),
		backoff:      InitialBackoff,
		stopChan:     make(chan struct{}),
	}
}

// Subscribe merges asset IDs into the subscription set. If connected, an
// incremental subscribe message is sent for the new IDs; otherwise they take
// effect on the next (re)connect via full replay.
func (c *Client) Subscribe(assetIDs []string) {
	added := c.mergeSubscriptions(assetIDs, true)
	if len(added) == 0 {
		return
	}
	if err := c.sendSubscriptionUpdate(added, "subscribe"); err != nil {
		slog.Debug("ws_subscribe_deferred", "assets", len(added), "error", err)
	}
}

// Unsubscribe removes asset IDs from the subscription set and, if connected,
// sends an incremental unsubscribe message.
func (c *Client) Unsubscribe(assetIDs []string) {
	removed := c.mergeSubscriptions(assetIDs, false)
	if len(removed) == 0 {
		return
	}
	if err := c.sendSubscriptionUpdate(removed, "unsubscribe"); err != nil {
		slog.Debug("ws_unsubscribe_deferred", "assets", len(removed), "error", err)
	}
}

// mergeSubscriptions updates the set and returns the IDs that actually changed.
func (c *Client) mergeSubscriptions(assetIDs []string, add bool) []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	var changed []string
	for _, id := range assetIDs {
		if id == "" {
			continue
		}
		_, exists := c.subscribed[id]
		if add && !exists {
			c.subscribed[id] = struct{}{}
			changed = append(changed, id)
		} else if !add && exists {
			delete(c.subscribed, id)
			changed = append(changed, id)
		}
	}
	return changed
}

// Run connects and consumes messages until ctx is cancelled or Stop is
// called. It blocks for the lifetime of the connection, reconnecting with
// exponential backoff on any failure.
func (c *Client) Run(ctx context.Context) {
	c.wg.Add(1)
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			slog.Info("ws_loop_stopping", "reason", "context cancelled")
			return
		case <-c.stopChan:
			slog.Info("ws_loop_stopping", "reason", "stop signal")
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			slog.Error("ws_connect_failed", "error", err, "backoff", c.backoff)
			if !c.waitBackoff(ctx) {
				return
			}
			continue
		}

		if err := c.readLoop(ctx); err != nil {
			slog.Warn("ws_read_error", "error", err)
		}
		c.closeConnection()

		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		default:
			if !c.waitBackoff(ctx) {
				return
			}
		}
	}
}

// Stop cancels the receive and ping loops, closes the transport, and waits
// for them to unwind. No callbacks fire after Stop returns. Idempotent.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.closeConnection()
	c.wg.Wait()
}

// connect establishes the transport, replays the full subscription set, and
// starts the ping loop.
func (c *Client) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	headers := http.Header{}
	headers.Set("Origin", "https://polymarket.com")

	conn, resp, err := dialer.DialContext(ctx, c.url, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	done := make(chan struct{})
	c.connMu.Lock()
	c.conn = conn
	c.connDone = done
	c.connMu.Unlock()
	c.connected.Store(true)

	// Reset backoff on successful connection
	c.backoff = InitialBackoff

	slog.Info("ws_connected", "endpoint", c.url)

	if err := c.replaySubscriptions(); err != nil {
		c.closeConnection()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	c.wg.Add(1)
	go c.pingLoop(ctx, conn, done)

	return nil
}

// replaySubscriptions sends the initial subscription enumerating every
// subscribed asset plus the market channel marker.
func (c *Client) replaySubscriptions() error {
	c.subMu.Lock()
	assetIDs := make([]string, 0, len(c.subscribed))
	for id := range c.subscribed {
		assetIDs = append(assetIDs, id)
	}
	c.subMu.Unlock()

	msg := map[string]interface{}{
		"assets_ids": assetIDs,
		"type":       "market",
	}
	if err := c.writeJSON(msg); err != nil {
		return err
	}

	slog.Info("ws_subscribed", "channel", "market", "asset_count", len(assetIDs))
	return nil
}

// sendSubscriptionUpdate sends an incremental subscribe/unsubscribe message.
func (c *Client) sendSubscriptionUpdate(assetIDs []string, operation string) error {
	msg := map[string]interface{}{
		"assets_ids": assetIDs,
		"operation":  operation,
	}
	if err := c.writeJSON(msg); err != nil {
		return err
	}

	slog.Debug("ws_subscription_updated", "operation", operation, "assets", len(assetIDs))
	return nil
}

func (c *Client) writeJSON(msg interface{}) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

// readLoop consumes inbound messages until the connection ends.
func (c *Client) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopChan:
			return nil
		default:
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			return fmt.Errorf("connection is nil")
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}

		c.messagesReceived.Add(1)
		c.handleMessage(ctx, message)
	}
}

// handleMessage routes a raw frame. Unknown event types are counted and
// dropped; malformed trade payloads are counted as errors and skipped. The
// receive loop never crashes on message content.
func (c *Client) handleMessage(ctx context.Context, data []byte) {
	if string(data) == pongToken {
		return
	}

	events, err := splitEnvelopes(data)
	if err != nil {
		c.parseErrors.Add(1)
		slog.Debug("ws_parse_error", "error", err)
		return
	}

	for _, ev := range events {
		eventType := peekEventType(ev)
		if eventType != eventLastTradePrice {
			c.unknownEvents.Add(1)
			if eventType != "" {
				slog.Debug("ws_event_ignored", "type", eventType)
			}
			continue
		}

		trade, err := parseTradeEvent(ev)
		if err != nil {
			c.parseErrors.Add(1)
			slog.Debug("ws_trade_malformed", "error", err)
			continue
		}

		c.tradesReceived.Add(1)

		if err := c.onTrade(ctx, trade); err != nil {
			c.callbackErrors.Add(1)
			slog.Warn("trade_handler_error", "error", err, "asset", truncate(trade.AssetID, 16))
		}
	}
}

// pingLoop sends the literal PING token at a fixed interval for the lifetime
// of one connection. The done channel is closed by closeConnection, so the
// loop ends with its own connection and never outlives a reconnect.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.TextMessage, []byte(pingToken))
			c.connMu.Unlock()

			if err != nil {
				slog.Debug("ws_ping_failed", "error", err)
				c.closeConnection()
				return
			}
		}
	}
}

// closeConnection safely closes the WebSocket connection and signals the
// connection's ping loop to exit.
func (c *Client) closeConnection() {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.connected.Store(false)
		slog.Info("ws_disconnected")
	}
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
}

// waitBackoff sleeps for the current backoff and doubles it up to the cap.
// Returns false if the client was stopped while waiting.
func (c *Client) waitBackoff(ctx context.Context) bool {
	c.reconnects.Add(1)
	slog.Info("ws_reconnecting", "delay", c.backoff, "attempt", c.reconnects.Load())

	select {
	case <-ctx.Done():
		return false
	case <-c.stopChan:
		return false
	case <-time.After(c.backoff):
	}

	c.backoff = nextBackoff(c.backoff)
	return true
}

// nextBackoff doubles the delay up to MaxBackoff.
func nextBackoff(current time.Duration) time.Duration {
	next := current * BackoffFactor
	if next > MaxBackoff {
		return MaxBackoff
	}
	return next
}

// Stats returns a snapshot of connection counters.
func (c *Client) Stats() Stats {
	c.subMu.Lock()
	subscribed := len(c.subscribed)
	c.subMu.Unlock()

	return Stats{
		MessagesReceived: c.messagesReceived.Load(),
		TradesReceived:   c.tradesReceived.Load(),
		UnknownEvents:    c.unknownEvents.Load(),
		ParseErrors:      c.parseErrors.Load(),
		CallbackErrors:   c.callbackErrors.Load(),
		Reconnects:       c.reconnects.Load(),
		Connected:        c.connected.Load(),
		SubscribedAssets: subscribed,
	}
}

// truncate shortens a string for logging.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

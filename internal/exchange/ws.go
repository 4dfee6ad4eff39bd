// ws.go implements the WebSocket side of the exchange SDK contract:
// orderBookStream, accountNotificationStream, and connectionStateStream
// (spec.md §6).
//
// Two independent feeds run concurrently:
//
//   - Market feed (public): subscribes by market, receives book snapshots
//     and deltas.
//
//   - User feed (authenticated): receives trade fills, order lifecycle
//     events, and balance updates.
//
// Both feeds auto-reconnect with exponential backoff (1s → 30s max) and
// re-subscribe to all tracked markets on reconnection; connection state
// transitions are published on a dedicated boolean channel so the
// Delayed-Trade Processor can enter DISCONNECT_RECOVERY (internal/processor's
// reconcileMissedTrades, triggered on the next true it reads from this
// channel) to fetch and replay whatever trades it missed.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arbot/tradecore/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	bookBufferSize   = 256
	eventBufferSize  = 64
)

// WSFeed manages a single WebSocket connection (market or user channel).
// It handles connection lifecycle, subscription tracking, message routing,
// and automatic reconnection with exponential backoff.
type WSFeed struct {
	url         string
	conn        *websocket.Conn
	connMu      sync.Mutex
	auth        *Auth // nil for market channel, set for user channel
	channelType string

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // market strings

	bookCh         chan types.BookEvent
	notificationCh chan types.AccountNotification
	connStateCh    chan bool

	logger *slog.Logger
}

// NewMarketFeed creates a WebSocket feed for the market channel (public).
func NewMarketFeed(wsURL string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:         wsURL,
		channelType: "market",
		subscribed:  make(map[string]bool),
		bookCh:      make(chan types.BookEvent, bookBufferSize),
		connStateCh: make(chan bool, 8),
		logger:      logger.With("component", "ws_market"),
	}
}

// NewUserFeed creates a WebSocket feed for the user channel (authenticated).
func NewUserFeed(wsURL string, auth *Auth, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:            wsURL,
		auth:           auth,
		channelType:    "user",
		subscribed:     make(map[string]bool),
		notificationCh: make(chan types.AccountNotification, eventBufferSize),
		connStateCh:    make(chan bool, 8),
		logger:         logger.With("component", "ws_user"),
	}
}

// OrderBookStream returns the market channel's book event stream.
func (f *WSFeed) OrderBookStream() <-chan types.BookEvent { return f.bookCh }

// AccountNotificationStream returns the user channel's notification stream.
func (f *WSFeed) AccountNotificationStream() <-chan types.AccountNotification { return f.notificationCh }

// ConnectionStateStream publishes true on connect, false on disconnect.
func (f *WSFeed) ConnectionStateStream() <-chan bool { return f.connStateCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		f.publishConnState(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds markets to the subscription set and re-sends it.
func (f *WSFeed) Subscribe(markets []string) error {
	f.subscribedMu.Lock()
	for _, m := range markets {
		f.subscribed[m] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(f.subscriptionMessage("subscribe", markets))
}

// Unsubscribe removes markets from the subscription set.
func (f *WSFeed) Unsubscribe(markets []string) error {
	f.subscribedMu.Lock()
	for _, m := range markets {
		delete(f.subscribed, m)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(f.subscriptionMessage("unsubscribe", markets))
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) subscriptionMessage(op string, markets []string) map[string]interface{} {
	msg := map[string]interface{}{"operation": op, "markets": markets, "channel": f.channelType}
	if f.channelType == "user" && f.auth != nil {
		msg["auth"] = f.auth.WSAuthPayload()
	}
	return msg
}

func (f *WSFeed) publishConnState(up bool) {
	select {
	case f.connStateCh <- up:
	default:
	}
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "channel", f.channelType)
	f.publishConnState(true)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	markets := make([]string, 0, len(f.subscribed))
	for m := range f.subscribed {
		markets = append(markets, m)
	}
	f.subscribedMu.RUnlock()

	return f.writeJSON(f.subscriptionMessage("subscribe", markets))
}

func (f *WSFeed) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"eventType"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "book_snapshot", "book_delta":
		var evt types.BookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		select {
		case f.bookCh <- evt:
		default:
			f.logger.Warn("book channel full, dropping event", "market", evt.Market)
		}

	case "trade", "order_created", "order_update", "balance_update":
		var evt types.AccountNotification
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal account notification", "error", err)
			return
		}
		select {
		case f.notificationCh <- evt:
		default:
			f.logger.Warn("notification channel full, dropping event", "kind", evt.Kind)
		}

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *WSFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}

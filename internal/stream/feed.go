// Package stream maintains the per-bot WebSocket market-data subscriptions.
//
// A Feed owns one connection to the exchange stream endpoint, with
// auto-reconnect (exponential backoff, 1s → 30s max) and automatic
// re-subscribe of every tracked (symbol, channel) pair on reconnection. A
// read deadline detects silent server failures within ~2 missed pings.
//
// The Manager sits above the Feed and reconciles the live subscription set
// against the desired symbol set once per cycle (see manager.go).
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	eventBufferSize  = 256              // buffer for ticker/trade events
)

// Event is one raw message from the stream, tagged with the channel the
// payload belongs to. Payload decoding is left to the consumer: the cache
// stores opaque bytes.
type Event struct {
	Symbol  string
	Channel string
	Payload json.RawMessage
}

// PayloadFunc builds the venue-specific subscribe/unsubscribe frame for a
// (symbol, channel) pair. Wired from exchange.Adapter.SubscribePayload.
type PayloadFunc func(symbol, channel string, unsubscribe bool) any

// Transport is the subscribe surface the Manager drives. Split from Feed so
// reconcile logic is testable without a socket.
type Transport interface {
	Subscribe(ctx context.Context, symbol, channel string) error
	Unsubscribe(ctx context.Context, symbol, channel string) error
}

// Feed manages a single WebSocket connection to the exchange stream API.
type Feed struct {
	url     string
	payload PayloadFunc
	route   func(data []byte) (symbol, channel string, ok bool)

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[[2]string]bool // (symbol, channel)

	events chan Event

	logger *slog.Logger
}

// NewFeed creates a feed for the given stream endpoint. route extracts the
// (symbol, channel) pair from an incoming frame; frames it cannot place are
// dropped.
func NewFeed(url string, payload PayloadFunc, route func([]byte) (string, string, bool), logger *slog.Logger) *Feed {
	return &Feed{
		url:        url,
		payload:    payload,
		route:      route,
		subscribed: make(map[[2]string]bool),
		events:     make(chan Event, eventBufferSize),
		logger:     logger.With("component", "stream"),
	}
}

// Events returns the read-only channel of decoded stream events.
func (f *Feed) Events() <-chan Event { return f.events }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	bo := &backoff.Backoff{Min: time.Second, Max: maxReconnectWait, Factor: 2, Jitter: true}

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := bo.Duration()
		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", wait,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Subscribe adds one (symbol, channel) pair and sends the subscribe frame.
func (f *Feed) Subscribe(ctx context.Context, symbol, channel string) error {
	f.subscribedMu.Lock()
	f.subscribed[[2]string{symbol, channel}] = true
	f.subscribedMu.Unlock()

	return f.writeJSON(f.payload(symbol, channel, false))
}

// Unsubscribe removes one (symbol, channel) pair and sends the frame.
func (f *Feed) Unsubscribe(ctx context.Context, symbol, channel string) error {
	f.subscribedMu.Lock()
	delete(f.subscribed, [2]string{symbol, channel})
	f.subscribedMu.Unlock()

	return f.writeJSON(f.payload(symbol, channel, true))
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
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

	if err := f.resubscribeAll(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	f.logger.Info("websocket connected", "url", f.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatch(msg)
	}
}

func (f *Feed) resubscribeAll() error {
	f.subscribedMu.RLock()
	pairs := make([][2]string, 0, len(f.subscribed))
	for p := range f.subscribed {
		pairs = append(pairs, p)
	}
	f.subscribedMu.RUnlock()

	for _, p := range pairs {
		if err := f.writeJSON(f.payload(p[0], p[1], false)); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) dispatch(data []byte) {
	symbol, channel, ok := f.route(data)
	if !ok {
		return // control frame or unknown stream
	}
	select {
	case f.events <- Event{Symbol: symbol, Channel: channel, Payload: data}:
	default:
		f.logger.Debug("event buffer full, dropping", "symbol", symbol, "channel", channel)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			conn := f.conn
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.logger.Debug("ping failed", "error", err)
				}
			}
			f.connMu.Unlock()
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		// Not connected yet; the pair is tracked and the subscribe frame
		// goes out on (re)connect.
		return nil
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package realtime implements the push sync channel. It keeps a websocket
// open to the backend, dispatches typed frames to consumers, and owns the
// bounded reconnection policy: automatic retries back off exponentially up
// to a fixed cap, and after the attempt budget is spent reconnection stops
// until Retry is called.
package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dialkit/dialer-go-sdk/dialersdk"
)

// ConnectionState represents the state of the sync channel
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// Config holds the configuration for the sync channel
type Config struct {
	// URL is the websocket endpoint of the sync channel
	URL string

	// HeartbeatInterval is the interval between client ping frames
	HeartbeatInterval time.Duration

	// HandshakeTimeout bounds the websocket handshake
	HandshakeTimeout time.Duration

	// ReconnectBaseDelay is the delay before the first automatic reconnect
	ReconnectBaseDelay time.Duration

	// ReconnectMaxDelay caps the exponential backoff
	ReconnectMaxDelay time.Duration

	// MaxReconnectAttempts is the automatic retry budget. Once spent,
	// reconnection requires an explicit Retry call.
	MaxReconnectAttempts int

	// Logger for channel events. If nil, the SDK client's logger is used.
	Logger dialersdk.Logger
}

// DefaultConfig returns the default configuration for the sync channel
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval:    30 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

// Channel is the realtime sync channel client
type Channel struct {
	client *dialersdk.Client
	config *Config
	logger dialersdk.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	state          ConnectionState
	attempt        int
	reconnectTimer *time.Timer
	manualClose    bool
	heartbeatStop  chan struct{}
	handlers       map[string][]Handler
}

// New creates a new sync channel client
func New(client *dialersdk.Client, config *Config) *Channel {
	if config == nil {
		config = DefaultConfig()
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.ReconnectBaseDelay == 0 {
		config.ReconnectBaseDelay = 1 * time.Second
	}
	if config.ReconnectMaxDelay == 0 {
		config.ReconnectMaxDelay = 30 * time.Second
	}
	if config.MaxReconnectAttempts == 0 {
		config.MaxReconnectAttempts = 5
	}

	logger := config.Logger
	if logger == nil && client != nil {
		logger = client.GetLogger()
	}

	return &Channel{
		client:   client,
		config:   config,
		logger:   logger,
		state:    StateDisconnected,
		handlers: make(map[string][]Handler),
	}
}

// State returns the current connection state
func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempt returns the current automatic reconnect counter
func (c *Channel) ReconnectAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// On registers a handler for a specific event type. The wildcard "*"
// receives every dispatched frame.
func (c *Channel) On(eventType string, handler Handler) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	c.handlers[eventType] = append(c.handlers[eventType], handler)
	c.mu.Unlock()
}

// Off removes a handler for a specific event type
func (c *Channel) Off(eventType string, handler Handler) {
	if handler == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	handlers, ok := c.handlers[eventType]
	if !ok {
		return
	}

	handlerPtr := fmt.Sprintf("%p", handler)
	for i, h := range handlers {
		if fmt.Sprintf("%p", h) == handlerPtr {
			c.handlers[eventType] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
	if len(c.handlers[eventType]) == 0 {
		delete(c.handlers, eventType)
	}
}

// Connect opens the websocket to the sync channel. It returns nil when the
// channel is already connected and an error when an attempt is in flight.
// A failed attempt schedules an automatic reconnect within the retry
// budget, so a caller receiving an error does not need to retry itself.
func (c *Channel) Connect() error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateConnecting {
		c.mu.Unlock()
		return fmt.Errorf("connection attempt already in progress")
	}
	if c.config.URL == "" {
		c.mu.Unlock()
		return fmt.Errorf("no sync channel URL configured")
	}
	c.state = StateConnecting
	c.manualClose = false
	c.mu.Unlock()

	token, err := c.client.GetTokenSource().AccessToken()
	if err != nil {
		c.connectFailed()
		return fmt.Errorf("failed to get access token: %w", err)
	}

	conn, err := c.dial(token)
	if err != nil {
		c.connectFailed()
		return err
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.attempt = 0
	c.heartbeatStop = stop
	c.mu.Unlock()

	go c.heartbeat(conn, stop)
	go c.listen(conn)

	return nil
}

// Disconnect cancels any scheduled reconnect and closes the socket. No
// automatic reconnection happens after an explicit disconnect.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	c.manualClose = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.attempt = 0
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "disconnected by client"))
		_ = conn.Close()
	}
	return nil
}

// Retry resets the automatic reconnect budget and connects again. It is
// the manual affordance surfaced after the automatic retries are spent.
func (c *Channel) Retry() error {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.attempt = 0
	c.mu.Unlock()
	return c.Connect()
}

// dial performs the websocket handshake. The access token rides in the
// subprotocol list because browser websocket clients cannot set headers,
// and the server side accepts the same form from every client.
func (c *Channel) dial(token string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
		Subprotocols:     []string{"dialkit.v1", "dialkit.token." + token},
	}

	conn, resp, err := dialer.Dial(c.config.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to sync channel (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to sync channel: %w", err)
	}
	return conn, nil
}

// connectFailed records a failed attempt and schedules the next one
func (c *Channel) connectFailed() {
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.scheduleReconnect()
}

// reconnectDelay returns the backoff delay for the given attempt number:
// base * 2^attempt, capped at the configured maximum.
func (c *Channel) reconnectDelay(attempt int) time.Duration {
	delay := c.config.ReconnectBaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= c.config.ReconnectMaxDelay {
			return c.config.ReconnectMaxDelay
		}
	}
	if delay > c.config.ReconnectMaxDelay {
		return c.config.ReconnectMaxDelay
	}
	return delay
}

// scheduleReconnect arms the single reconnect timer, or stops retrying
// once the budget is spent.
func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.manualClose {
		return
	}
	if c.attempt >= c.config.MaxReconnectAttempts {
		c.logf("realtime: giving up after %d reconnect attempts, waiting for manual retry", c.attempt)
		return
	}

	delay := c.reconnectDelay(c.attempt)
	c.attempt++
	c.logf("realtime: reconnect attempt %d scheduled in %v", c.attempt, delay)

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		manual := c.manualClose
		c.mu.Unlock()
		if manual {
			return
		}
		// A failed Connect schedules the next attempt itself
		if err := c.Connect(); err != nil {
			c.logf("realtime: reconnect failed: %v", err)
		}
	})
}

// listen reads frames from the websocket until it closes
func (c *Channel) listen(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.handleConnectionError(conn, err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logf("realtime: dropping malformed frame: %v", err)
			continue
		}
		c.dispatch(&frame)
	}
}

// handleConnectionError tears down a closed connection and triggers the
// reconnect policy unless the close was requested by the client.
func (c *Channel) handleConnectionError(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	manual := c.manualClose
	c.mu.Unlock()

	_ = conn.Close()
	if manual {
		return
	}

	c.logf("realtime: connection closed: %v", err)
	c.scheduleReconnect()
}

// dispatch routes a frame to the handlers registered for its type.
// Unrecognized types are logged and dropped; the wire format is forward
// compatible with types this client does not know about.
func (c *Channel) dispatch(frame *Frame) {
	if !recognizedTypes[frame.Type] {
		c.logf("realtime: dropping unrecognized event type %q", frame.Type)
		return
	}

	c.mu.Lock()
	handlers := make([]Handler, len(c.handlers[frame.Type]))
	copy(handlers, c.handlers[frame.Type])
	wildcard := make([]Handler, len(c.handlers["*"]))
	copy(wildcard, c.handlers["*"])
	c.mu.Unlock()

	for _, handler := range handlers {
		go handler(frame)
	}
	for _, handler := range wildcard {
		go handler(frame)
	}
}

// heartbeat sends a client ping frame at a fixed interval while the
// connection is open. A missing pong is not treated as failure; only a
// socket close triggers reconnection.
func (c *Channel) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ping := Frame{Type: "ping", TrackingID: "dialer-go-sdk_" + uuid.NewString()}
			payload, err := json.Marshal(ping)
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				// The read loop sees the same failure and handles it
				return
			}
		case <-stop:
			return
		}
	}
}

func (c *Channel) logf(format string, v ...any) {
	if c.logger != nil {
		c.logger.Printf(format, v...)
	}
}

/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dialkit/dialer-go-sdk/dialersdk"
)

func newTestSDK(t *testing.T) *dialersdk.Client {
	t.Helper()
	client, err := dialersdk.NewClient(dialersdk.StaticToken("test-token"), nil)
	if err != nil {
		t.Fatalf("failed to create SDK client: %v", err)
	}
	return client
}

func TestNew(t *testing.T) {
	client := newTestSDK(t)

	t.Run("with default config", func(t *testing.T) {
		ch := New(client, nil)
		if ch == nil {
			t.Fatal("Expected non-nil channel")
		}
		if ch.config.HeartbeatInterval != 30*time.Second {
			t.Errorf("Expected HeartbeatInterval 30s, got %v", ch.config.HeartbeatInterval)
		}
		if ch.config.MaxReconnectAttempts != 5 {
			t.Errorf("Expected MaxReconnectAttempts 5, got %d", ch.config.MaxReconnectAttempts)
		}
		if ch.State() != StateDisconnected {
			t.Errorf("Expected disconnected, got %s", ch.State())
		}
	})

	t.Run("with custom config", func(t *testing.T) {
		cfg := &Config{
			HeartbeatInterval:    15 * time.Second,
			MaxReconnectAttempts: 2,
		}
		ch := New(client, cfg)
		if ch.config.HeartbeatInterval != 15*time.Second {
			t.Errorf("Expected HeartbeatInterval 15s, got %v", ch.config.HeartbeatInterval)
		}
		if ch.config.MaxReconnectAttempts != 2 {
			t.Errorf("Expected MaxReconnectAttempts 2, got %d", ch.config.MaxReconnectAttempts)
		}
	})
}

func TestReconnectDelaySequence(t *testing.T) {
	ch := New(newTestSDK(t), nil)

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for attempt, want := range expected {
		if got := ch.reconnectDelay(attempt); got != want {
			t.Errorf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}

	// Past the budget the delay is capped, never unbounded
	for _, attempt := range []int{5, 6, 20} {
		if got := ch.reconnectDelay(attempt); got != 30*time.Second {
			t.Errorf("attempt %d: expected cap 30s, got %v", attempt, got)
		}
	}
}

func TestConnectGuards(t *testing.T) {
	ch := New(newTestSDK(t), &Config{URL: "ws://127.0.0.1:1/sync"})

	t.Run("connect while connecting", func(t *testing.T) {
		ch.mu.Lock()
		ch.state = StateConnecting
		ch.mu.Unlock()
		if err := ch.Connect(); err == nil {
			t.Error("expected error while an attempt is in flight")
		}
		ch.mu.Lock()
		ch.state = StateDisconnected
		ch.mu.Unlock()
	})

	t.Run("connect while connected", func(t *testing.T) {
		ch.mu.Lock()
		ch.state = StateConnected
		ch.mu.Unlock()
		if err := ch.Connect(); err != nil {
			t.Errorf("connect on a connected channel should be a no-op, got %v", err)
		}
		ch.mu.Lock()
		ch.state = StateDisconnected
		ch.mu.Unlock()
	})

	t.Run("connect without URL", func(t *testing.T) {
		bare := New(newTestSDK(t), nil)
		if err := bare.Connect(); err == nil {
			t.Error("expected error without a configured URL")
		}
	})
}

func TestDispatch(t *testing.T) {
	ch := New(newTestSDK(t), nil)

	typed := make(chan *Frame, 1)
	wildcard := make(chan *Frame, 2)
	ch.On(EventCallUpdated, func(frame *Frame) { typed <- frame })
	ch.On("*", func(frame *Frame) { wildcard <- frame })

	ch.dispatch(&Frame{Type: EventCallUpdated, Data: json.RawMessage(`{"callId":"c1","state":"connected"}`)})

	select {
	case frame := <-typed:
		var data CallEventData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			t.Fatalf("failed to decode payload: %v", err)
		}
		if data.CallID != "c1" || data.State != "connected" {
			t.Errorf("unexpected payload: %+v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("typed handler not called")
	}
	select {
	case <-wildcard:
	case <-time.After(2 * time.Second):
		t.Fatal("wildcard handler not called")
	}
}

func TestDispatchCallSignal(t *testing.T) {
	ch := New(newTestSDK(t), nil)

	wildcard := make(chan *Frame, 1)
	ch.On("*", func(frame *Frame) { wildcard <- frame })

	// Gateway signaling frames must reach wildcard consumers; the device
	// layer decodes the payload
	ch.dispatch(&Frame{Type: EventCallSignal, Data: json.RawMessage(`{"kind":"incoming","callId":"c1","from":"+14155550199"}`)})

	select {
	case frame := <-wildcard:
		if frame.Type != EventCallSignal {
			t.Errorf("unexpected frame type %q", frame.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call signal frame not dispatched")
	}
}

func TestDispatchDropsUnrecognizedTypes(t *testing.T) {
	ch := New(newTestSDK(t), nil)

	wildcard := make(chan *Frame, 1)
	ch.On("*", func(frame *Frame) { wildcard <- frame })

	ch.dispatch(&Frame{Type: "billing.invoice.created"})

	select {
	case frame := <-wildcard:
		t.Errorf("unrecognized type %q must be dropped, not dispatched", frame.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOff(t *testing.T) {
	ch := New(newTestSDK(t), nil)

	called := make(chan struct{}, 1)
	handler := func(frame *Frame) { called <- struct{}{} }
	ch.On(EventTaskCompleted, handler)
	ch.Off(EventTaskCompleted, handler)

	ch.dispatch(&Frame{Type: EventTaskCompleted})
	select {
	case <-called:
		t.Error("removed handler must not be called")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectAndReceive(t *testing.T) {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{"dialkit.v1"},
	}

	gotToken := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, proto := range websocket.Subprotocols(r) {
			if strings.HasPrefix(proto, "dialkit.token.") {
				gotToken <- strings.TrimPrefix(proto, "dialkit.token.")
			}
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		frame := Frame{Type: EventConnectionEstablished}
		payload, _ := json.Marshal(frame)
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
		// Hold the connection open until the client disconnects
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	ch := New(newTestSDK(t), &Config{URL: wsURL})

	established := make(chan struct{}, 1)
	ch.On(EventConnectionEstablished, func(frame *Frame) { established <- struct{}{} })

	if err := ch.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer ch.Disconnect()

	if got := ch.State(); got != StateConnected {
		t.Errorf("expected connected, got %s", got)
	}
	if got := ch.ReconnectAttempt(); got != 0 {
		t.Errorf("expected attempt counter reset to 0, got %d", got)
	}

	select {
	case token := <-gotToken:
		if token != "test-token" {
			t.Errorf("expected access token in subprotocol, got %q", token)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the token subprotocol")
	}
	select {
	case <-established:
	case <-time.After(2 * time.Second):
		t.Fatal("connection.established frame not dispatched")
	}

	if err := ch.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if got := ch.State(); got != StateDisconnected {
		t.Errorf("expected disconnected, got %s", got)
	}
}

func TestReconnectBudgetExhausted(t *testing.T) {
	// Nothing listens on this port, so every attempt fails fast
	ch := New(newTestSDK(t), &Config{
		URL:                "ws://127.0.0.1:1/sync",
		ReconnectBaseDelay: 1 * time.Millisecond,
		ReconnectMaxDelay:  5 * time.Millisecond,
	})

	if err := ch.Connect(); err == nil {
		t.Fatal("expected initial connect to fail")
	}

	// Automatic retries stop after the budget is spent
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ch.ReconnectAttempt() == 5 && ch.State() == StateDisconnected {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := ch.ReconnectAttempt(); got != 5 {
		t.Fatalf("expected 5 attempts, got %d", got)
	}

	// No sixth attempt arrives
	time.Sleep(100 * time.Millisecond)
	if got := ch.ReconnectAttempt(); got != 5 {
		t.Errorf("attempt counter moved past the budget: %d", got)
	}

	// The manual affordance resets the budget and tries again
	if err := ch.Retry(); err == nil {
		t.Fatal("expected retry against a dead endpoint to fail")
	}
	if got := ch.ReconnectAttempt(); got == 5 {
		t.Error("Retry must reset the attempt counter")
	}

	_ = ch.Disconnect()
}

func TestDisconnectCancelsScheduledReconnect(t *testing.T) {
	ch := New(newTestSDK(t), &Config{
		URL:                "ws://127.0.0.1:1/sync",
		ReconnectBaseDelay: 50 * time.Millisecond,
	})

	if err := ch.Connect(); err == nil {
		t.Fatal("expected connect to fail")
	}
	if got := ch.ReconnectAttempt(); got != 1 {
		t.Fatalf("expected one scheduled attempt, got %d", got)
	}

	if err := ch.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	// The pending timer must not fire a new attempt
	time.Sleep(200 * time.Millisecond)
	if got := ch.ReconnectAttempt(); got != 0 {
		t.Errorf("reconnect ran after explicit disconnect, attempt=%d", got)
	}
	if got := ch.State(); got != StateDisconnected {
		t.Errorf("expected disconnected, got %s", got)
	}
}

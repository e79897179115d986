/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package session implements the call state machine. It is the single
// source of truth for what is happening on the line right now; both
// device-originated events and server-pushed events are reconciled into
// it, and invalid transitions are rejected rather than applied.
package session

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// State represents the state of the call session in the state machine
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateRinging    State = "ringing"
	StateConnected  State = "connected"
	StateHeld       State = "held"
	StateEnded      State = "ended"
	StateFailed     State = "failed"
)

// Terminal reports whether s is a terminal state (ended or failed).
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Direction indicates whether a call is incoming or outgoing
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Event identifies a state machine input
type Event string

const (
	EventDial       Event = "dial"
	EventIncoming   Event = "incoming"
	EventRinging    Event = "ringing"
	EventAccept     Event = "accept"
	EventHold       Event = "hold"
	EventResume     Event = "resume"
	EventDisconnect Event = "disconnect"
	EventReject     Event = "reject"
	EventFail       Event = "fail"
	EventClear      Event = "clear"
)

// StateChanged is the emitter event fired after every applied transition.
// The payload is a Session copy.
const StateChanged = "state_changed"

// transitions is the authoritative transition table. Any (state, event)
// pair not listed here is rejected, which is the sole defense against
// out-of-order event delivery (no sequence numbers on the wire).
var transitions = map[State]map[Event]State{
	StateIdle: {
		EventDial:     StateConnecting,
		EventIncoming: StateRinging,
	},
	StateConnecting: {
		EventRinging:    StateRinging,
		EventDisconnect: StateEnded,
		EventFail:       StateFailed,
	},
	StateRinging: {
		EventAccept:     StateConnected,
		EventReject:     StateEnded,
		EventDisconnect: StateEnded,
		EventFail:       StateFailed,
	},
	StateConnected: {
		EventHold:       StateHeld,
		EventDisconnect: StateEnded,
		EventFail:       StateFailed,
	},
	StateHeld: {
		EventResume:     StateConnected,
		EventDisconnect: StateEnded,
		EventFail:       StateFailed,
	},
	StateEnded: {
		EventClear: StateIdle,
	},
	StateFailed: {
		EventClear: StateIdle,
	},
}

// ErrInvalidTransition is returned by Apply when the (state, event) pair is
// not in the transition table. The state is left unchanged.
type ErrInvalidTransition struct {
	From  State
	Event Event
}

// Error implements the error interface.
func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition: event %q in state %q", e.Event, e.From)
}

// ErrSessionExists is returned by Begin when a non-terminal session is live.
var ErrSessionExists = fmt.Errorf("a call session already exists")

// Session is a snapshot of the active or pending call
type Session struct {
	Direction    Direction
	RemoteNumber string
	State        State
	// StartedAt is set exactly once, on the transition into connected.
	// Duration is derived from it and never stored.
	StartedAt time.Time
	Muted     bool
	OnHold    bool
	// EndReason carries a user-facing message for terminal states
	EndReason string
}

// Logger is the interface for state machine logging.
type Logger interface {
	Printf(format string, v ...any)
}

// Config holds the configuration for the state machine
type Config struct {
	// GracePeriod is how long a terminal state stays visible before the
	// machine resets to idle. Default: 3s.
	GracePeriod time.Duration

	// Logger for rejected transitions. If nil, log.Default() is used.
	Logger Logger
}

// DefaultConfig returns the default configuration for the state machine
func DefaultConfig() *Config {
	return &Config{
		GracePeriod: 3 * time.Second,
	}
}

// Machine owns the call session and applies events against the transition
// table. Presentation surfaces read from it; mutations happen only through
// Begin, Apply, SetMuted, and SetOnHold.
type Machine struct {
	mu         sync.Mutex
	config     *Config
	session    *Session
	state      State
	graceTimer *time.Timer
	logger     Logger
	Emitter    *Emitter
}

// NewMachine creates a new call state machine in the idle state
func NewMachine(config *Config) *Machine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.GracePeriod == 0 {
		config.GracePeriod = 3 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Machine{
		config:  config,
		state:   StateIdle,
		logger:  logger,
		Emitter: NewEmitter(),
	}
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active reports whether a non-terminal session exists
func (m *Machine) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *Machine) activeLocked() bool {
	return m.session != nil && !m.state.Terminal() && m.state != StateIdle
}

// Current returns a copy of the current session. The second return value
// is false when no session exists (idle, or already cleared).
func (m *Machine) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	s := *m.session
	s.State = m.state
	return s, true
}

// Begin creates a new session for an outgoing dial or an incoming call.
// It fails with ErrSessionExists while a non-terminal session is live.
// A terminal session still in its grace period is cleared immediately.
func (m *Machine) Begin(direction Direction, remoteNumber string) error {
	m.mu.Lock()
	if m.activeLocked() {
		m.mu.Unlock()
		return ErrSessionExists
	}

	// A terminal session waiting out its grace period yields to a new call
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	m.session = nil
	m.state = StateIdle

	event := EventDial
	if direction == DirectionIncoming {
		event = EventIncoming
	}

	next := transitions[m.state][event]
	m.session = &Session{
		Direction:    direction,
		RemoteNumber: remoteNumber,
	}
	m.state = next
	snapshot := *m.session
	snapshot.State = next
	m.mu.Unlock()

	m.Emitter.Emit(StateChanged, snapshot)
	return nil
}

// Apply feeds an event into the state machine. Transitions not in the
// table are rejected: the error is logged, the state is unchanged, and
// ErrInvalidTransition is returned so callers can distinguish stale events
// from applied ones.
func (m *Machine) Apply(event Event) error {
	m.mu.Lock()

	next, ok := transitions[m.state][event]
	if !ok {
		from := m.state
		m.mu.Unlock()
		err := &ErrInvalidTransition{From: from, Event: event}
		m.logger.Printf("session: rejected %v", err)
		return err
	}

	if event == EventClear {
		m.session = nil
		m.state = StateIdle
		if m.graceTimer != nil {
			m.graceTimer.Stop()
			m.graceTimer = nil
		}
		m.mu.Unlock()
		m.Emitter.Emit(StateChanged, Session{State: StateIdle})
		return nil
	}

	m.state = next

	// StartedAt is set exactly once, at the connected transition. Resume
	// from hold re-enters connected but must not touch it.
	if next == StateConnected && m.session != nil && m.session.StartedAt.IsZero() {
		m.session.StartedAt = time.Now()
	}

	// Terminal states reset to idle after the display grace period
	if next.Terminal() {
		if m.graceTimer != nil {
			m.graceTimer.Stop()
		}
		m.graceTimer = time.AfterFunc(m.config.GracePeriod, func() {
			_ = m.Apply(EventClear)
		})
	}

	var snapshot Session
	if m.session != nil {
		snapshot = *m.session
	}
	snapshot.State = next
	m.mu.Unlock()

	m.Emitter.Emit(StateChanged, snapshot)
	return nil
}

// Fail is a convenience wrapper that records a user-facing reason and
// applies EventFail.
func (m *Machine) Fail(reason string) error {
	m.mu.Lock()
	if m.session != nil {
		m.session.EndReason = reason
	}
	m.mu.Unlock()
	return m.Apply(EventFail)
}

// SetMuted updates the muted flag. It is only meaningful while connected
// or held and is a no-op otherwise.
func (m *Machine) SetMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || (m.state != StateConnected && m.state != StateHeld) {
		return
	}
	m.session.Muted = muted
}

// SetOnHold updates the hold flag. It is only meaningful while connected
// or held and is a no-op otherwise.
func (m *Machine) SetOnHold(onHold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || (m.state != StateConnected && m.state != StateHeld) {
		return
	}
	m.session.OnHold = onHold
}

// Duration returns the connected time of the call as of now. It is derived
// from StartedAt and only meaningful while connected or held; zero
// otherwise.
func (m *Machine) Duration(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.session.StartedAt.IsZero() {
		return 0
	}
	if m.state != StateConnected && m.state != StateHeld {
		return 0
	}
	return now.Sub(m.session.StartedAt)
}

// NormalizeNumber normalizes a dial string to E.164 form. Separators
// (spaces, dots, dashes, parentheses) are stripped; the result must be
// a + followed by 7 to 15 digits.
func NormalizeNumber(number string) (string, error) {
	var b strings.Builder
	for i, r := range number {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
			// separator, dropped
		default:
			return "", fmt.Errorf("invalid character %q in number %q", r, number)
		}
	}

	normalized := b.String()
	if !strings.HasPrefix(normalized, "+") {
		return "", fmt.Errorf("number %q is not in E.164 form (missing country code)", number)
	}
	digits := len(normalized) - 1
	if digits < 7 || digits > 15 {
		return "", fmt.Errorf("number %q has %d digits, expected 7-15", number, digits)
	}
	return normalized, nil
}

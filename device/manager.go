/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package device implements the device session manager and the telephony
// device it drives. The manager owns the one device session, gates every
// call on microphone permission, keeps the credentials token fresh, and
// reconciles device and server events into the call state machine.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/dialkit/dialer-go-sdk/dialersdk"
	"github.com/dialkit/dialer-go-sdk/permission"
	"github.com/dialkit/dialer-go-sdk/session"
)

// Manager event keys, beyond the device events it re-emits
const (
	EventRecordingUpdate = "recording_update"
	EventTaskUpdate      = "task_update"
)

var (
	// ErrPermissionRequired is returned when an operation needs microphone
	// permission that has not been granted
	ErrPermissionRequired = errors.New("microphone permission is required")

	// ErrTelephonyNotConfigured is returned when the backend reports no
	// telephony configuration for this account
	ErrTelephonyNotConfigured = errors.New("telephony is not configured for this account")

	// ErrPhoneNotReady is returned when a call is placed before the device
	// is registered
	ErrPhoneNotReady = errors.New("phone is not ready: device is not registered")

	// ErrCallInProgress is returned when a call is placed while another
	// call session exists
	ErrCallInProgress = errors.New("a call is already in progress")

	// ErrNoIncomingCall is returned by accept/reject without a pending
	// inbound call
	ErrNoIncomingCall = errors.New("no incoming call")
)

// validTones is the accepted DTMF alphabet; w inserts a pause
const validTones = "0123456789ABCDabcd*#wW"

// Config holds the configuration for the device session manager
type Config struct {
	// GatewayURL is the base URL of the voice gateway
	GatewayURL string

	// Audio holds the audio-quality constraints for the device
	Audio AudioConstraints

	// TokenRefreshMargin is how long before expiry the credentials token
	// is refreshed. Default: 1 minute.
	TokenRefreshMargin time.Duration

	// FallbackTokenTTL is the refresh interval for tokens without a
	// readable expiry. Default: 10 minutes.
	FallbackTokenTTL time.Duration

	// RefreshRetryDelay is the wait before retrying a failed token
	// refresh. Default: 30 seconds.
	RefreshRetryDelay time.Duration

	// Outputs enumerates playback devices. Optional; absence of any
	// enumerable output is tolerated.
	Outputs AudioOutputs

	// DeviceFactory constructs the voice device. The default builds a
	// gateway-backed WebRTC device.
	DeviceFactory func(options *DeviceOptions) (VoiceDevice, error)

	// Logger for manager events. If nil, the SDK client's logger is used.
	Logger dialersdk.Logger
}

// DefaultConfig returns the default configuration for the manager
func DefaultConfig() *Config {
	return &Config{
		Audio:              DefaultAudioConstraints(),
		TokenRefreshMargin: 1 * time.Minute,
		FallbackTokenTTL:   10 * time.Minute,
		RefreshRetryDelay:  30 * time.Second,
	}
}

// Manager is the device session manager. It owns at most one registered
// voice device and the call session running on it.
type Manager struct {
	sdk     *dialersdk.Client
	config  *Config
	gate    *permission.Gate
	machine *session.Machine
	logger  dialersdk.Logger

	mu             sync.Mutex
	device         VoiceDevice
	regState       RegistrationState
	regErr         error
	regDone        chan struct{}
	regSettled     bool
	refreshTimer   *time.Timer
	incoming       *IncomingCall
	selectedOutput string

	Emitter *session.Emitter
}

// NewManager creates a new device session manager
func NewManager(sdk *dialersdk.Client, gate *permission.Gate, machine *session.Machine, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Audio == (AudioConstraints{}) {
		config.Audio = DefaultAudioConstraints()
	}
	if config.TokenRefreshMargin == 0 {
		config.TokenRefreshMargin = 1 * time.Minute
	}
	if config.FallbackTokenTTL == 0 {
		config.FallbackTokenTTL = 10 * time.Minute
	}
	if config.RefreshRetryDelay == 0 {
		config.RefreshRetryDelay = 30 * time.Second
	}
	if gate == nil {
		gate = permission.NewGate(nil)
	}
	if machine == nil {
		machine = session.NewMachine(nil)
	}

	logger := config.Logger
	if logger == nil && sdk != nil {
		logger = sdk.GetLogger()
	}
	if logger == nil {
		logger = log.Default()
	}

	m := &Manager{
		sdk:      sdk,
		config:   config,
		gate:     gate,
		machine:  machine,
		logger:   logger,
		regState: RegistrationUnregistered,
		Emitter:  session.NewEmitter(),
	}

	if m.config.DeviceFactory == nil {
		m.config.DeviceFactory = func(options *DeviceOptions) (VoiceDevice, error) {
			return NewWebRTCDevice(options, sdk.GetHTTPClient())
		}
	}

	return m
}

// Machine returns the call state machine the manager drives
func (m *Manager) Machine() *session.Machine {
	return m.machine
}

// Permission returns the permission gate the manager consults
func (m *Manager) Permission() *permission.Gate {
	return m.gate
}

// RegistrationState returns the current device registration state
func (m *Manager) RegistrationState() RegistrationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regState
}

// SelectedOutput returns the chosen audio output device, empty when the
// platform default is in use.
func (m *Manager) SelectedOutput() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectedOutput
}

// Initialize constructs and registers the voice device. It is idempotent:
// a second call while a device exists is a no-op, which is the guard
// against duplicate registrations each claiming the line. Registration
// completes asynchronously; use WaitForRegistration or subscribe to the
// manager's events.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	if m.device != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if !m.gate.Granted() {
		return ErrPermissionRequired
	}

	ctx := context.Background()
	status, err := m.sdk.GetTelephonyStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to check telephony status: %w", err)
	}
	if !status.Configured {
		return ErrTelephonyNotConfigured
	}

	token, err := m.sdk.GetTelephonyAccessToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to get telephony credentials: %w", err)
	}
	if token.AccessToken == "" {
		return fmt.Errorf("backend returned empty telephony credentials")
	}

	options := &DeviceOptions{
		Token:                  token.AccessToken,
		GatewayURL:             m.config.GatewayURL,
		Audio:                  m.config.Audio,
		AllowIncomingWhileBusy: false,
	}
	dev, err := m.config.DeviceFactory(options)
	if err != nil {
		return fmt.Errorf("failed to construct voice device: %w", err)
	}

	m.mu.Lock()
	if m.device != nil {
		// Lost the construction race to a concurrent Initialize
		m.mu.Unlock()
		return nil
	}
	m.device = dev
	m.regState = RegistrationRegistering
	m.regErr = nil
	m.regDone = make(chan struct{})
	m.regSettled = false
	m.mu.Unlock()

	m.wireDeviceEvents(dev)

	if err := dev.Register(); err != nil {
		m.settleRegistration(RegistrationError, err)
		return fmt.Errorf("device registration failed: %w", err)
	}

	m.scheduleTokenRefresh(token.AccessToken)
	return nil
}

// WaitForRegistration blocks until registration completes or ctx expires
func (m *Manager) WaitForRegistration(ctx context.Context) error {
	m.mu.Lock()
	done := m.regDone
	m.mu.Unlock()

	if done == nil {
		return fmt.Errorf("manager is not initialized")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.regState != RegistrationRegistered {
		if m.regErr != nil {
			return m.regErr
		}
		return fmt.Errorf("device registration did not complete")
	}
	return nil
}

// PlaceCall dials an outgoing call. Permission is requested synchronously
// when not yet granted, and the call attempt is aborted on denial.
func (m *Manager) PlaceCall(number string) error {
	normalized, err := session.NormalizeNumber(number)
	if err != nil {
		return fmt.Errorf("invalid number: %w", err)
	}

	if !m.gate.Granted() {
		status, err := m.gate.Request()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPermissionRequired, err)
		}
		if status != permission.StatusGranted {
			return ErrPermissionRequired
		}
	}

	m.mu.Lock()
	dev := m.device
	reg := m.regState
	m.mu.Unlock()
	if dev == nil || reg != RegistrationRegistered {
		return ErrPhoneNotReady
	}

	if err := m.machine.Begin(session.DirectionOutgoing, normalized); err != nil {
		if errors.Is(err, session.ErrSessionExists) {
			return ErrCallInProgress
		}
		return err
	}

	if err := dev.Connect(&CallParams{To: normalized}); err != nil {
		_ = m.machine.Fail(err.Error())
		return fmt.Errorf("failed to place call: %w", err)
	}
	return nil
}

// AcceptIncoming answers the pending inbound call
func (m *Manager) AcceptIncoming() error {
	m.mu.Lock()
	incoming := m.incoming
	dev := m.device
	m.mu.Unlock()

	if incoming == nil || dev == nil {
		return ErrNoIncomingCall
	}

	if err := dev.AcceptIncoming(); err != nil {
		_ = m.machine.Fail(err.Error())
		return fmt.Errorf("failed to accept call: %w", err)
	}
	return nil
}

// RejectIncoming declines the pending inbound call. The session ends
// without ever reaching connected.
func (m *Manager) RejectIncoming() error {
	m.mu.Lock()
	incoming := m.incoming
	dev := m.device
	m.incoming = nil
	m.mu.Unlock()

	if incoming == nil || dev == nil {
		return ErrNoIncomingCall
	}

	if err := dev.RejectIncoming(); err != nil {
		m.logger.Printf("device: reject request failed: %v", err)
	}
	return m.machine.Apply(session.EventReject)
}

// Hangup ends the active call. A pending inbound call has no call leg to
// tear down yet, so hanging up declines it instead. It is a safe no-op
// without a call.
func (m *Manager) Hangup() error {
	if !m.machine.Active() {
		return nil
	}

	m.mu.Lock()
	dev := m.device
	pending := m.incoming != nil
	m.mu.Unlock()
	if dev == nil {
		return nil
	}
	if pending {
		return m.RejectIncoming()
	}
	return dev.Disconnect()
}

// SetMuted sets the local mute state. It is a safe no-op without a call.
func (m *Manager) SetMuted(muted bool) error {
	if !m.machine.Active() {
		return nil
	}

	m.mu.Lock()
	dev := m.device
	m.mu.Unlock()
	if dev == nil {
		return nil
	}

	if err := dev.Mute(muted); err != nil {
		return fmt.Errorf("failed to set mute: %w", err)
	}
	m.machine.SetMuted(muted)
	return nil
}

// SetHold sets the hold state of the connected call. Hold and resume are
// symmetric and leave the mute state untouched. It is a safe no-op
// without a call or when the call is already in the requested state.
func (m *Manager) SetHold(hold bool) error {
	state := m.machine.State()
	if state != session.StateConnected && state != session.StateHeld {
		return nil
	}
	if hold == (state == session.StateHeld) {
		return nil
	}

	m.mu.Lock()
	dev := m.device
	m.mu.Unlock()
	if dev == nil {
		return nil
	}

	if err := dev.Hold(hold); err != nil {
		return fmt.Errorf("failed to change hold state: %w", err)
	}

	event := session.EventHold
	if !hold {
		event = session.EventResume
	}
	if err := m.machine.Apply(event); err != nil {
		return err
	}
	m.machine.SetOnHold(hold)
	return nil
}

// SendTone plays DTMF tones on the connected call. It is a safe no-op
// without a connected call; invalid tones are rejected.
func (m *Manager) SendTone(tones string) error {
	if tones == "" {
		return fmt.Errorf("no tones to send")
	}
	for _, r := range tones {
		if !strings.ContainsRune(validTones, r) {
			return fmt.Errorf("invalid DTMF tone %q", r)
		}
	}

	if m.machine.State() != session.StateConnected {
		return nil
	}

	m.mu.Lock()
	dev := m.device
	m.mu.Unlock()
	if dev == nil {
		return nil
	}
	return dev.SendDigits(tones)
}

// HandlePushEvent reconciles a server-pushed event into the manager.
// Gateway signaling is forwarded to the device, which turns it into the
// events that drive the state machine. Call state updates feed the
// machine directly; it rejects stale or out-of-order transitions on its
// own. Recording and task updates are re-emitted for application
// consumers.
func (m *Manager) HandlePushEvent(eventType string, data json.RawMessage) {
	switch eventType {
	case "call.signal":
		m.mu.Lock()
		dev := m.device
		m.mu.Unlock()
		if dev == nil {
			m.logger.Printf("device: dropping call signal, no device session")
			return
		}
		receiver, ok := dev.(SignalReceiver)
		if !ok {
			m.logger.Printf("device: dropping call signal, device takes no signaling")
			return
		}
		receiver.HandleSignal(data)

	case "call.created", "call.updated":
		var update struct {
			CallID string `json:"callId"`
			State  string `json:"state"`
		}
		if err := json.Unmarshal(data, &update); err != nil {
			m.logger.Printf("device: dropping malformed call update: %v", err)
			return
		}
		m.applyServerCallState(update.State)

	case "recording.created", "recording.updated":
		m.Emitter.Emit(EventRecordingUpdate, data)

	case "task.progress", "task.completed", "task.failed":
		m.Emitter.Emit(EventTaskUpdate, data)

	default:
		m.logger.Printf("device: ignoring push event type %q", eventType)
	}
}

// applyServerCallState maps a server call state onto a machine event.
// A rejected transition means the event arrived late or duplicated; the
// machine logs it and stays put.
func (m *Manager) applyServerCallState(state string) {
	var event session.Event
	switch state {
	case "ringing":
		event = session.EventRinging
	case "connected":
		event = session.EventAccept
	case "held":
		event = session.EventHold
	case "ended":
		event = session.EventDisconnect
	case "failed":
		event = session.EventFail
	default:
		m.logger.Printf("device: ignoring unknown server call state %q", state)
		return
	}
	_ = m.machine.Apply(event)
}

// Shutdown tears everything down: the active call, the device
// registration, and the token refresh timer.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	dev := m.device
	m.device = nil
	m.regState = RegistrationUnregistered
	m.regErr = nil
	m.regDone = nil
	m.incoming = nil
	m.selectedOutput = ""
	m.mu.Unlock()

	if dev == nil {
		return nil
	}
	if m.machine.Active() {
		if err := dev.Disconnect(); err != nil {
			m.logger.Printf("device: hangup during shutdown failed: %v", err)
		}
	}
	return dev.Unregister()
}

// wireDeviceEvents subscribes the manager to everything the device reports
func (m *Manager) wireDeviceEvents(dev VoiceDevice) {
	dev.On(EventRegistered, func(data interface{}) {
		m.onRegistered(data)
	})
	dev.On(EventRegistrationError, func(data interface{}) {
		err, _ := data.(error)
		if err == nil {
			err = fmt.Errorf("device registration failed")
		}
		m.settleRegistration(RegistrationError, err)
		m.logger.Printf("device: registration failed: %v", err)
		m.Emitter.Emit(EventRegistrationError, err)
	})
	dev.On(EventIncoming, func(data interface{}) {
		m.onIncoming(data)
	})
	dev.On(EventRinging, func(data interface{}) {
		_ = m.machine.Apply(session.EventRinging)
	})
	dev.On(EventAccept, func(data interface{}) {
		m.mu.Lock()
		m.incoming = nil
		m.mu.Unlock()
		_ = m.machine.Apply(session.EventAccept)
	})
	dev.On(EventDisconnect, func(data interface{}) {
		m.mu.Lock()
		m.incoming = nil
		m.mu.Unlock()
		_ = m.machine.Apply(session.EventDisconnect)
	})
	dev.On(EventCallError, func(data interface{}) {
		reason := "call failed"
		if err, ok := data.(error); ok {
			reason = err.Error()
		}
		m.mu.Lock()
		m.incoming = nil
		m.mu.Unlock()
		_ = m.machine.Fail(reason)
	})
}

// onRegistered completes the registration handshake: the backend is told
// about the device (fire and forget) and an output device is selected.
func (m *Manager) onRegistered(data interface{}) {
	deviceID, _ := data.(string)

	m.settleRegistration(RegistrationRegistered, nil)

	go func() {
		if err := m.sdk.NotifyDeviceRegistered(context.Background(), deviceID); err != nil {
			m.logger.Printf("device: backend registration notify failed: %v", err)
		}
	}()

	m.selectAudioOutput()
	m.Emitter.Emit(EventRegistered, deviceID)
}

// selectAudioOutput picks the first enumerable output device, tolerating
// platforms that cannot enumerate any.
func (m *Manager) selectAudioOutput() {
	if m.config.Outputs == nil {
		return
	}
	outputs, err := m.config.Outputs.OutputDevices()
	if err != nil {
		m.logger.Printf("device: failed to enumerate audio outputs: %v", err)
		return
	}
	if len(outputs) == 0 {
		m.logger.Printf("device: no enumerable audio outputs, using platform default")
		return
	}
	m.mu.Lock()
	m.selectedOutput = outputs[0]
	m.mu.Unlock()
}

// onIncoming stages an inbound call. A second incoming call while one is
// live is dropped; the device policy forbids it, so anything that slips
// through is a duplicate.
func (m *Manager) onIncoming(data interface{}) {
	incoming, ok := data.(*IncomingCall)
	if !ok || incoming == nil {
		return
	}

	m.mu.Lock()
	if m.incoming != nil {
		m.mu.Unlock()
		m.logger.Printf("device: dropping incoming call from %s, another call is pending", incoming.From)
		return
	}
	m.mu.Unlock()

	if err := m.machine.Begin(session.DirectionIncoming, incoming.From); err != nil {
		m.logger.Printf("device: dropping incoming call from %s: %v", incoming.From, err)
		return
	}

	m.mu.Lock()
	m.incoming = incoming
	m.mu.Unlock()
	m.Emitter.Emit(EventIncoming, incoming)
}

// settleRegistration records the registration outcome and releases
// waiters exactly once per Initialize.
func (m *Manager) settleRegistration(state RegistrationState, err error) {
	m.mu.Lock()
	if m.regSettled {
		m.mu.Unlock()
		return
	}
	m.regSettled = true
	m.regState = state
	m.regErr = err
	done := m.regDone
	m.mu.Unlock()
	if done != nil {
		close(done)
	}
}

// scheduleTokenRefresh arms the refresh timer for the current token
func (m *Manager) scheduleTokenRefresh(token string) {
	delay := refreshDelay(token, m.config.TokenRefreshMargin, m.config.FallbackTokenTTL, time.Now())

	m.mu.Lock()
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	m.refreshTimer = time.AfterFunc(delay, m.refreshToken)
	m.mu.Unlock()
}

// refreshToken fetches new credentials and hands them to the device. A
// failed refresh is retried; the device session is never torn down for
// it, because the old token may still be valid and a call may be live.
func (m *Manager) refreshToken() {
	token, err := m.sdk.GetTelephonyAccessToken(context.Background())
	if err != nil || token.AccessToken == "" {
		m.logger.Printf("device: token refresh failed, retrying in %v: %v", m.config.RefreshRetryDelay, err)
		m.mu.Lock()
		if m.device == nil {
			m.mu.Unlock()
			return
		}
		m.refreshTimer = time.AfterFunc(m.config.RefreshRetryDelay, m.refreshToken)
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	dev := m.device
	m.mu.Unlock()
	if dev == nil {
		return
	}

	dev.UpdateToken(token.AccessToken)
	m.scheduleTokenRefresh(token.AccessToken)
}

/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/dialkit/dialer-go-sdk/session"
)

// WebRTCDevice is the gateway-backed VoiceDevice. It registers a device
// record with the voice gateway over HTTP, carries call media over a Pion
// peer connection, and reacts to signaling pushed by the gateway.
type WebRTCDevice struct {
	mu sync.RWMutex

	httpClient *http.Client
	options    *DeviceOptions
	token      string

	deviceID string
	status   RegistrationState

	// Active call, at most one
	callID   string
	incoming *IncomingCall
	media    *MediaEngine

	mediaConfig *MediaConfig

	Emitter *session.Emitter
}

// gatewayDeviceInfo is the gateway's response to a device registration
type gatewayDeviceInfo struct {
	DeviceID string `json:"deviceId"`
	UserID   string `json:"userId,omitempty"`
}

// gatewayCallResponse is the gateway's response to creating a call
type gatewayCallResponse struct {
	CallID string `json:"callId"`
	SDP    string `json:"sdp,omitempty"`
}

// gatewaySignal is a signaling event pushed by the gateway for this device
type gatewaySignal struct {
	Kind   string `json:"kind"`
	CallID string `json:"callId,omitempty"`
	From   string `json:"from,omitempty"`
	SDP    string `json:"sdp,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// NewWebRTCDevice creates a gateway-backed voice device
func NewWebRTCDevice(options *DeviceOptions, httpClient *http.Client) (*WebRTCDevice, error) {
	if options == nil || options.GatewayURL == "" {
		return nil, fmt.Errorf("device options with a gateway URL are required")
	}
	if options.Token == "" {
		return nil, fmt.Errorf("a credentials token is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &WebRTCDevice{
		httpClient: httpClient,
		options:    options,
		token:      options.Token,
		status:     RegistrationUnregistered,
		mediaConfig: &MediaConfig{
			ICEServers: DefaultMediaConfig().ICEServers,
			Audio:      options.Audio,
		},
		Emitter: session.NewEmitter(),
	}, nil
}

// Status returns the registration state of the device
func (d *WebRTCDevice) Status() RegistrationState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// DeviceID returns the gateway device ID once registered
func (d *WebRTCDevice) DeviceID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.deviceID
}

// On registers an event handler
func (d *WebRTCDevice) On(event string, handler session.Handler) {
	d.Emitter.On(event, handler)
}

// Register claims the line with the gateway. Completion is asynchronous
// and signaled by EventRegistered or EventRegistrationError.
func (d *WebRTCDevice) Register() error {
	d.mu.Lock()
	if d.status == RegistrationRegistered || d.status == RegistrationRegistering {
		d.mu.Unlock()
		return nil
	}
	d.status = RegistrationRegistering
	d.mu.Unlock()

	go func() {
		payload := map[string]interface{}{
			"audio":                  d.options.Audio,
			"allowIncomingWhileBusy": d.options.AllowIncomingWhileBusy,
		}

		var info gatewayDeviceInfo
		if err := d.post("devices", payload, &info); err != nil {
			d.mu.Lock()
			d.status = RegistrationError
			d.mu.Unlock()
			d.Emitter.Emit(EventRegistrationError, err)
			return
		}

		d.mu.Lock()
		d.deviceID = info.DeviceID
		d.status = RegistrationRegistered
		d.mu.Unlock()
		d.Emitter.Emit(EventRegistered, info.DeviceID)
	}()

	return nil
}

// Unregister releases the line
func (d *WebRTCDevice) Unregister() error {
	d.mu.Lock()
	if d.status != RegistrationRegistered {
		d.status = RegistrationUnregistered
		d.mu.Unlock()
		return nil
	}
	deviceID := d.deviceID
	d.status = RegistrationUnregistered
	d.deviceID = ""
	d.mu.Unlock()

	if err := d.delete("devices/" + deviceID); err != nil {
		return fmt.Errorf("failed to unregister device: %w", err)
	}
	d.Emitter.Emit(EventUnregistered, nil)
	return nil
}

// UpdateToken replaces the credentials token. In-flight calls keep their
// media session; only subsequent gateway requests use the new token.
func (d *WebRTCDevice) UpdateToken(token string) {
	d.mu.Lock()
	d.token = token
	d.mu.Unlock()
}

// Connect places an outgoing call through the gateway
func (d *WebRTCDevice) Connect(params *CallParams) error {
	if params == nil || params.To == "" {
		return fmt.Errorf("call params with a destination are required")
	}

	d.mu.Lock()
	if d.status != RegistrationRegistered {
		d.mu.Unlock()
		return fmt.Errorf("device is not registered")
	}
	if d.callID != "" {
		d.mu.Unlock()
		return fmt.Errorf("a call is already in progress")
	}
	deviceID := d.deviceID
	d.mu.Unlock()

	media, err := NewMediaEngine(d.mediaConfig)
	if err != nil {
		return fmt.Errorf("failed to create media engine: %w", err)
	}
	if _, err := media.AddAudioTrack(); err != nil {
		media.Close()
		return fmt.Errorf("failed to add audio track: %w", err)
	}
	offer, err := media.CreateOffer()
	if err != nil {
		media.Close()
		return fmt.Errorf("failed to create SDP offer: %w", err)
	}

	payload := map[string]interface{}{
		"to":  params.To,
		"sdp": offer,
	}

	var resp gatewayCallResponse
	if err := d.post(fmt.Sprintf("devices/%s/calls", deviceID), payload, &resp); err != nil {
		media.Close()
		return fmt.Errorf("failed to create call: %w", err)
	}

	d.mu.Lock()
	d.callID = resp.CallID
	d.media = media
	d.mu.Unlock()

	if resp.SDP != "" {
		if err := media.SetRemoteAnswer(resp.SDP); err != nil {
			d.failCall(fmt.Errorf("failed to set remote answer: %w", err))
			return err
		}
	}
	return nil
}

// AcceptIncoming answers the pending inbound call
func (d *WebRTCDevice) AcceptIncoming() error {
	d.mu.Lock()
	incoming := d.incoming
	deviceID := d.deviceID
	d.mu.Unlock()

	if incoming == nil {
		return fmt.Errorf("no incoming call to accept")
	}

	media, err := NewMediaEngine(d.mediaConfig)
	if err != nil {
		return fmt.Errorf("failed to create media engine: %w", err)
	}
	if _, err := media.AddAudioTrack(); err != nil {
		media.Close()
		return fmt.Errorf("failed to add audio track: %w", err)
	}
	offer, err := media.CreateOffer()
	if err != nil {
		media.Close()
		return fmt.Errorf("failed to create SDP offer: %w", err)
	}

	var resp gatewayCallResponse
	path := fmt.Sprintf("devices/%s/calls/%s/accept", deviceID, incoming.CallID)
	if err := d.post(path, map[string]interface{}{"sdp": offer}, &resp); err != nil {
		media.Close()
		return fmt.Errorf("failed to accept call: %w", err)
	}

	d.mu.Lock()
	d.callID = incoming.CallID
	d.incoming = nil
	d.media = media
	d.mu.Unlock()

	if resp.SDP != "" {
		if err := media.SetRemoteAnswer(resp.SDP); err != nil {
			d.failCall(fmt.Errorf("failed to set remote answer: %w", err))
			return err
		}
	}

	d.Emitter.Emit(EventAccept, incoming.CallID)
	return nil
}

// RejectIncoming declines the pending inbound call
func (d *WebRTCDevice) RejectIncoming() error {
	d.mu.Lock()
	incoming := d.incoming
	deviceID := d.deviceID
	d.incoming = nil
	d.mu.Unlock()

	if incoming == nil {
		return fmt.Errorf("no incoming call to reject")
	}

	path := fmt.Sprintf("devices/%s/calls/%s/reject", deviceID, incoming.CallID)
	return d.post(path, nil, nil)
}

// Disconnect ends the active call
func (d *WebRTCDevice) Disconnect() error {
	d.mu.Lock()
	callID := d.callID
	deviceID := d.deviceID
	media := d.media
	d.callID = ""
	d.media = nil
	d.mu.Unlock()

	if callID == "" {
		return nil
	}

	if err := d.delete(fmt.Sprintf("devices/%s/calls/%s", deviceID, callID)); err != nil {
		// The gateway side may already be gone; local teardown continues
		d.logClose(media)
		d.Emitter.Emit(EventDisconnect, callID)
		return err
	}
	d.logClose(media)
	d.Emitter.Emit(EventDisconnect, callID)
	return nil
}

// Mute sets the local audio mute state
func (d *WebRTCDevice) Mute(muted bool) error {
	d.mu.RLock()
	media := d.media
	d.mu.RUnlock()

	if media == nil {
		return fmt.Errorf("no active call")
	}
	media.SetMuted(muted)
	return nil
}

// Hold sets the hold state of the active call through the gateway
func (d *WebRTCDevice) Hold(hold bool) error {
	d.mu.RLock()
	callID := d.callID
	deviceID := d.deviceID
	d.mu.RUnlock()

	if callID == "" {
		return fmt.Errorf("no active call")
	}

	action := "hold"
	if !hold {
		action = "resume"
	}
	return d.post(fmt.Sprintf("devices/%s/calls/%s/%s", deviceID, callID, action), nil, nil)
}

// SendDigits plays DTMF tones on the active call
func (d *WebRTCDevice) SendDigits(tones string) error {
	d.mu.RLock()
	callID := d.callID
	deviceID := d.deviceID
	d.mu.RUnlock()

	if callID == "" {
		return fmt.Errorf("no active call")
	}

	payload := map[string]string{"digits": tones}
	return d.post(fmt.Sprintf("devices/%s/calls/%s/dtmf", deviceID, callID), payload, nil)
}

// HandleSignal processes a signaling event pushed by the gateway for this
// device. Signals for a call this device no longer tracks are dropped.
func (d *WebRTCDevice) HandleSignal(data []byte) {
	var signal gatewaySignal
	if err := json.Unmarshal(data, &signal); err != nil {
		return
	}

	switch signal.Kind {
	case "incoming":
		d.mu.Lock()
		if d.callID != "" || d.incoming != nil {
			// Busy; the gateway should not send this with
			// allowIncomingWhileBusy=false, drop it if it does
			d.mu.Unlock()
			return
		}
		incoming := &IncomingCall{CallID: signal.CallID, From: signal.From}
		d.incoming = incoming
		d.mu.Unlock()
		d.Emitter.Emit(EventIncoming, incoming)

	case "ringing":
		if d.currentCallID() != signal.CallID {
			return
		}
		d.Emitter.Emit(EventRinging, signal.CallID)

	case "answered":
		if d.currentCallID() != signal.CallID {
			return
		}
		if signal.SDP != "" {
			d.mu.RLock()
			media := d.media
			d.mu.RUnlock()
			if media != nil {
				if err := media.SetRemoteAnswer(signal.SDP); err != nil {
					d.failCall(fmt.Errorf("failed to set remote answer: %w", err))
					return
				}
			}
		}
		d.Emitter.Emit(EventAccept, signal.CallID)

	case "hangup":
		d.mu.Lock()
		if d.callID != signal.CallID {
			d.mu.Unlock()
			return
		}
		media := d.media
		d.callID = ""
		d.media = nil
		d.mu.Unlock()
		d.logClose(media)
		d.Emitter.Emit(EventDisconnect, signal.CallID)

	case "failed":
		d.mu.Lock()
		if d.callID != signal.CallID {
			d.mu.Unlock()
			return
		}
		media := d.media
		d.callID = ""
		d.media = nil
		d.mu.Unlock()
		d.logClose(media)
		d.Emitter.Emit(EventCallError, fmt.Errorf("call failed: %s", signal.Reason))
	}
}

func (d *WebRTCDevice) currentCallID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.callID
}

// failCall tears down the active call after a local media failure
func (d *WebRTCDevice) failCall(err error) {
	d.mu.Lock()
	media := d.media
	d.callID = ""
	d.media = nil
	d.mu.Unlock()
	d.logClose(media)
	d.Emitter.Emit(EventCallError, err)
}

func (d *WebRTCDevice) logClose(media *MediaEngine) {
	if media != nil {
		_ = media.Close()
	}
}

// ---- Gateway HTTP helpers ----

func (d *WebRTCDevice) post(path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		payloadBytes, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("error marshaling payload: %w", err)
		}
		body = bytes.NewBuffer(payloadBytes)
	}

	req, err := http.NewRequest(http.MethodPost, d.gatewayURL(path), body)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	d.setHeaders(req)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway request failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("error parsing response: %w", err)
		}
	}
	return nil
}

func (d *WebRTCDevice) delete(path string) error {
	req, err := http.NewRequest(http.MethodDelete, d.gatewayURL(path), nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	d.setHeaders(req)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gateway request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (d *WebRTCDevice) gatewayURL(path string) string {
	base := d.options.GatewayURL
	if base[len(base)-1] != '/' {
		base += "/"
	}
	return base + path
}

func (d *WebRTCDevice) setHeaders(req *http.Request) {
	d.mu.RLock()
	token := d.token
	d.mu.RUnlock()

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("TrackingID", fmt.Sprintf("dialer-go-sdk_%s", uuid.New().String()))
}

/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package device

import "github.com/dialkit/dialer-go-sdk/session"

// Registration state of the telephony device
type RegistrationState string

const (
	RegistrationUnregistered RegistrationState = "unregistered"
	RegistrationRegistering  RegistrationState = "registering"
	RegistrationRegistered   RegistrationState = "registered"
	RegistrationError        RegistrationState = "error"
)

// Device event keys. Registration completion is signaled through these
// events, not through the Register return value.
const (
	EventRegistered        = "registered"
	EventRegistrationError = "registration_error"
	EventUnregistered      = "unregistered"
	EventIncoming          = "incoming"
	EventRinging           = "ringing"
	EventAccept            = "accept"
	EventDisconnect        = "disconnect"
	EventCallError         = "call_error"
)

// AudioConstraints are the audio-quality options the device is constructed
// with. The sample rate is fixed; the gateway transcodes for the far end.
type AudioConstraints struct {
	EchoCancellation bool `json:"echoCancellation"`
	NoiseSuppression bool `json:"noiseSuppression"`
	SampleRate       int  `json:"sampleRate"`
}

// DefaultAudioConstraints returns the audio options used for all calls
func DefaultAudioConstraints() AudioConstraints {
	return AudioConstraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		SampleRate:       48000,
	}
}

// DeviceOptions holds the construction options for a voice device
type DeviceOptions struct {
	// Token is the telephony credentials token
	Token string

	// GatewayURL is the base URL of the voice gateway
	GatewayURL string

	// Audio holds the audio-quality constraints
	Audio AudioConstraints

	// AllowIncomingWhileBusy controls whether the device surfaces a second
	// incoming call while one is active. The gateway enforces this by
	// policy; it is always false for this client.
	AllowIncomingWhileBusy bool
}

// CallParams are the parameters for placing an outgoing call
type CallParams struct {
	// To is the destination number in E.164 form
	To string
}

// IncomingCall describes a pending inbound call surfaced by the device
type IncomingCall struct {
	CallID string
	From   string
}

// VoiceDevice is the telephony device abstraction. A device claims the
// line on registration, carries at most one call at a time, and reports
// everything that happens on the line through its emitter.
type VoiceDevice interface {
	// Register claims the line. Completion is asynchronous: the device
	// emits EventRegistered or EventRegistrationError.
	Register() error

	// Unregister releases the line
	Unregister() error

	// UpdateToken replaces the credentials token without interrupting an
	// active call
	UpdateToken(token string)

	// Connect places an outgoing call
	Connect(params *CallParams) error

	// AcceptIncoming answers the pending inbound call
	AcceptIncoming() error

	// RejectIncoming declines the pending inbound call
	RejectIncoming() error

	// Disconnect ends the active call
	Disconnect() error

	// Mute sets the local audio mute state
	Mute(muted bool) error

	// Hold sets the hold state of the active call
	Hold(hold bool) error

	// SendDigits plays DTMF tones on the active call
	SendDigits(tones string) error

	// On registers a handler for a device event
	On(event string, handler session.Handler)
}

// SignalReceiver is implemented by devices that consume raw gateway
// signaling relayed over the realtime channel. The manager forwards
// call.signal push frames to it verbatim.
type SignalReceiver interface {
	HandleSignal(data []byte)
}

// AudioOutputs enumerates playback devices. Absence of any enumerable
// output is tolerated; audio then follows the platform default.
type AudioOutputs interface {
	OutputDevices() ([]string, error)
}

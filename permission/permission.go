/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package permission implements the microphone permission gate. Every
// operation that captures audio goes through the gate first; it tracks the
// last known permission status and reconciles it with what the platform
// prober reports, since the user can revoke access out of band at any time.
package permission

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
)

// Status represents the microphone permission status
type Status string

const (
	// StatusUnknown means the gate has not queried the platform yet
	StatusUnknown Status = "unknown"
	// StatusPrompt means the user has not decided; a request will prompt
	StatusPrompt  Status = "prompt"
	StatusGranted Status = "granted"
	StatusDenied  Status = "denied"
)

// Reason classifies why a permission request failed
type Reason string

const (
	// ReasonDismissed means the user dismissed the prompt without deciding
	ReasonDismissed Reason = "dismissed"
	// ReasonNoDevice means no audio input device is present
	ReasonNoDevice Reason = "no_device"
	// ReasonDeviceBusy means another application holds the input device
	ReasonDeviceBusy Reason = "device_busy"
	// ReasonUnsupportedConstraints means the requested audio constraints
	// cannot be satisfied by any available device
	ReasonUnsupportedConstraints Reason = "unsupported_constraints"
	// ReasonSecurityBlocked means platform policy forbids capture
	ReasonSecurityBlocked Reason = "security_blocked"
)

// ProbeError is returned by an AudioProber when opening the input fails.
// The Reason drives how the gate updates its status: a hard denial moves
// the status to denied, while transient failures (no device, unsupported
// constraints) leave it at prompt so a later request can succeed.
type ProbeError struct {
	Reason  Reason
	Message string
}

// Error implements the error interface.
func (e *ProbeError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("audio probe failed (%s): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("audio probe failed (%s)", e.Reason)
}

// ErrRequestInFlight is returned when Request is called while another
// request is waiting on the user.
var ErrRequestInFlight = errors.New("a permission request is already in flight")

// AudioProber abstracts the platform's audio permission surface. QueryState
// reads the current status without prompting; OpenInput attempts to open the
// microphone, prompting the user if needed, and returns a handle that must
// be closed. Opening and immediately closing the input is how the gate
// forces the permission prompt.
type AudioProber interface {
	QueryState() (Status, error)
	OpenInput() (io.Closer, error)
}

// Logger is the interface for permission gate logging.
type Logger interface {
	Printf(format string, v ...any)
}

// Config holds the configuration for the permission gate
type Config struct {
	// Prober is the platform audio surface. If nil, the gate reports
	// prompt on checks and fails requests with ReasonNoDevice.
	Prober AudioProber

	// Logger for status transitions. If nil, log.Default() is used.
	Logger Logger
}

// DefaultConfig returns the default configuration for the permission gate
func DefaultConfig() *Config {
	return &Config{}
}

// Gate tracks microphone permission and serializes permission requests.
// At most one request may be in flight; concurrent callers get
// ErrRequestInFlight rather than stacking prompts.
type Gate struct {
	mu       sync.Mutex
	config   *Config
	status   Status
	inFlight bool
	logger   Logger
}

// NewGate creates a new permission gate with unknown status
func NewGate(config *Config) *Gate {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Gate{
		config: config,
		status: StatusUnknown,
		logger: logger,
	}
}

// Status returns the last known permission status without querying the
// platform.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Granted reports whether the last known status is granted
func (g *Gate) Granted() bool {
	return g.Status() == StatusGranted
}

// Check queries the platform for the current permission status and
// reconciles the gate's view with it. It never prompts the user.
func (g *Gate) Check() (Status, error) {
	g.mu.Lock()
	prober := g.config.Prober
	g.mu.Unlock()

	if prober == nil {
		g.setStatus(StatusPrompt)
		return StatusPrompt, nil
	}

	status, err := prober.QueryState()
	if err != nil {
		// A failed query keeps what we knew; with no history yet the
		// answer defaults to prompt
		if g.Status() == StatusUnknown {
			g.setStatus(StatusPrompt)
		}
		return g.Status(), fmt.Errorf("failed to query permission state: %w", err)
	}
	g.setStatus(status)
	return status, nil
}

// Request ensures microphone permission, prompting the user if the platform
// requires it. When the last known status is already granted it returns
// immediately without touching the device. A successful probe opens and
// closes the input; no capture is left running.
func (g *Gate) Request() (Status, error) {
	g.mu.Lock()
	if g.status == StatusGranted {
		g.mu.Unlock()
		return StatusGranted, nil
	}
	if g.inFlight {
		g.mu.Unlock()
		return g.Status(), ErrRequestInFlight
	}
	g.inFlight = true
	prober := g.config.Prober
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inFlight = false
		g.mu.Unlock()
	}()

	if prober == nil {
		err := &ProbeError{Reason: ReasonNoDevice, Message: "no audio prober configured"}
		return g.Status(), err
	}

	input, err := prober.OpenInput()
	if err != nil {
		return g.resolveFailure(err), err
	}
	if closeErr := input.Close(); closeErr != nil {
		g.logger.Printf("permission: failed to close probe input: %v", closeErr)
	}

	g.setStatus(StatusGranted)
	return StatusGranted, nil
}

// resolveFailure maps a probe failure onto the stored status and returns
// the new status. Every failure is remembered as denied except a missing
// device or unsatisfiable constraints, which say nothing about policy and
// leave the status at prompt.
func (g *Gate) resolveFailure(err error) Status {
	var probeErr *ProbeError
	if !errors.As(err, &probeErr) {
		g.logger.Printf("permission: probe failed: %v", err)
		return g.Status()
	}

	switch probeErr.Reason {
	case ReasonNoDevice, ReasonUnsupportedConstraints:
		// Hardware absence is not a policy denial; retry may succeed
		// once a device shows up
		g.setStatus(StatusPrompt)
	default:
		g.setStatus(StatusDenied)
	}
	return g.Status()
}

func (g *Gate) setStatus(status Status) {
	g.mu.Lock()
	prev := g.status
	g.status = status
	g.mu.Unlock()
	if prev != status {
		g.logger.Printf("permission: status %s -> %s", prev, status)
	}
}

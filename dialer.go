/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package dialer

import (
	"sync"

	"github.com/dialkit/dialer-go-sdk/device"
	"github.com/dialkit/dialer-go-sdk/dialersdk"
	"github.com/dialkit/dialer-go-sdk/permission"
	"github.com/dialkit/dialer-go-sdk/realtime"
	"github.com/dialkit/dialer-go-sdk/session"
)

// Config aggregates the per-component configurations. Any nil member
// falls back to that component's defaults.
type Config struct {
	// API configures the core HTTP client
	API *dialersdk.Config

	// Permission configures the microphone permission gate
	Permission *permission.Config

	// Session configures the call state machine
	Session *session.Config

	// Device configures the voice device manager
	Device *device.Config

	// Realtime configures the realtime sync channel
	Realtime *realtime.Config
}

// Client is the top-level client for the Dialkit dialer
type Client struct {
	// Core client for the backend API
	core *dialersdk.Client

	config *Config

	// Components, lazily initialized
	permissionGate *permission.Gate
	machine        *session.Machine
	deviceManager  *device.Manager
	syncChannel    *realtime.Channel

	// pushRouted records that the channel-to-manager route is wired, so
	// repeated Connect calls never register a second handler
	pushRouted bool

	// Mutex for thread-safe lazy initialization
	mu sync.Mutex
}

// NewClient creates a new dialer client with the given token source and
// optional configuration
func NewClient(tokens dialersdk.TokenSource, config *Config) (*Client, error) {
	if config == nil {
		config = &Config{}
	}

	core, err := dialersdk.NewClient(tokens, config.API)
	if err != nil {
		return nil, err
	}

	client := &Client{
		core:   core,
		config: config,
	}

	return client, nil
}

// Core returns the underlying API client
func (c *Client) Core() *dialersdk.Client {
	return c.core
}

// Permission returns the microphone permission gate
func (c *Client) Permission() *permission.Gate {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.permissionGate == nil {
		c.permissionGate = permission.NewGate(c.config.Permission)
	}
	return c.permissionGate
}

// Sessions returns the call state machine
func (c *Client) Sessions() *session.Machine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionsLocked()
}

func (c *Client) sessionsLocked() *session.Machine {
	if c.machine == nil {
		c.machine = session.NewMachine(c.config.Session)
	}
	return c.machine
}

// Device returns the voice device manager
func (c *Client) Device() *device.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deviceManager == nil {
		gate := c.permissionGate
		if gate == nil {
			gate = permission.NewGate(c.config.Permission)
			c.permissionGate = gate
		}
		c.deviceManager = device.NewManager(c.core, gate, c.sessionsLocked(), c.config.Device)
	}
	return c.deviceManager
}

// Realtime returns the realtime sync channel
func (c *Client) Realtime() *realtime.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.syncChannel == nil {
		c.syncChannel = realtime.New(c.core, c.config.Realtime)
	}
	return c.syncChannel
}

// Connect opens the realtime sync channel and routes every pushed event
// into the device manager: gateway call signaling reaches the voice
// device, call state updates reconcile the state machine, and recording
// and task updates are re-emitted. Heartbeat pongs and the connection
// acknowledgement stay inside the channel. The route is wired once;
// calling Connect again only redials.
func (c *Client) Connect() error {
	manager := c.Device()
	channel := c.Realtime()

	c.mu.Lock()
	if !c.pushRouted {
		c.pushRouted = true
		channel.On("*", func(frame *realtime.Frame) {
			switch frame.Type {
			case realtime.EventPong, realtime.EventConnectionEstablished:
				return
			}
			manager.HandlePushEvent(frame.Type, frame.Data)
		})
	}
	c.mu.Unlock()

	return channel.Connect()
}

// Shutdown closes the sync channel and tears down the voice device.
// Both halves run even if one fails; the first error wins.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	channel := c.syncChannel
	manager := c.deviceManager
	c.mu.Unlock()

	var first error
	if channel != nil {
		if err := channel.Disconnect(); err != nil {
			first = err
		}
	}
	if manager != nil {
		if err := manager.Shutdown(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

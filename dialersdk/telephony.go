/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package dialersdk

import (
	"context"
	"net/http"
)

// TelephonyStatus reports whether telephony is configured for the account
// and, if so, the caller ID number outgoing calls are placed from.
type TelephonyStatus struct {
	Configured  bool   `json:"configured"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// TelephonyToken carries the short-lived credentials token used to register
// the voice device. It must be refreshed before its validity window elapses.
type TelephonyToken struct {
	AccessToken string `json:"accessToken"`
}

// GetTelephonyStatus fetches the account's telephony configuration state.
func (c *Client) GetTelephonyStatus(ctx context.Context) (*TelephonyStatus, error) {
	resp, err := c.RequestWithRetry(ctx, http.MethodGet, "telephony/status", nil, nil)
	if err != nil {
		return nil, err
	}

	var status TelephonyStatus
	if err := ParseResponse(resp, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetTelephonyAccessToken fetches a fresh device credentials token.
func (c *Client) GetTelephonyAccessToken(ctx context.Context) (*TelephonyToken, error) {
	resp, err := c.RequestWithRetry(ctx, http.MethodGet, "telephony/access-token", nil, nil)
	if err != nil {
		return nil, err
	}

	var token TelephonyToken
	if err := ParseResponse(resp, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// NotifyDeviceRegistered tells the backend that a voice device finished
// registering. Callers treat this as fire-and-forget: a failure is logged,
// never fatal.
func (c *Client) NotifyDeviceRegistered(ctx context.Context, deviceID string) error {
	body := map[string]string{"deviceId": deviceID}
	resp, err := c.RequestWithRetry(ctx, http.MethodPost, "telephony/device/register", nil, body)
	if err != nil {
		return err
	}
	return ParseResponse(resp, nil)
}

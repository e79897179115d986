/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package dialersdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTelephonyEndpoints(t *testing.T) {
	var registeredDevice string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/telephony/status":
			json.NewEncoder(w).Encode(TelephonyStatus{Configured: true, PhoneNumber: "+14155550100"})
		case "/telephony/access-token":
			json.NewEncoder(w).Encode(TelephonyToken{AccessToken: "device-token"})
		case "/telephony/device/register":
			var body struct {
				DeviceID string `json:"deviceId"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			registeredDevice = body.DeviceID
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client, err := NewClient(StaticToken("test-token"), &Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	ctx := context.Background()

	t.Run("status", func(t *testing.T) {
		status, err := client.GetTelephonyStatus(ctx)
		if err != nil {
			t.Fatalf("GetTelephonyStatus failed: %v", err)
		}
		if !status.Configured || status.PhoneNumber != "+14155550100" {
			t.Errorf("unexpected status %+v", status)
		}
	})

	t.Run("access token", func(t *testing.T) {
		token, err := client.GetTelephonyAccessToken(ctx)
		if err != nil {
			t.Fatalf("GetTelephonyAccessToken failed: %v", err)
		}
		if token.AccessToken != "device-token" {
			t.Errorf("unexpected token %+v", token)
		}
	})

	t.Run("device registered", func(t *testing.T) {
		if err := client.NotifyDeviceRegistered(ctx, "dev-7"); err != nil {
			t.Fatalf("NotifyDeviceRegistered failed: %v", err)
		}
		if registeredDevice != "dev-7" {
			t.Errorf("backend saw deviceId %q", registeredDevice)
		}
	})
}

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
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewClient(t *testing.T) {
	t.Run("nil token source", func(t *testing.T) {
		if _, err := NewClient(nil, nil); err == nil {
			t.Error("expected error for nil token source")
		}
	})

	t.Run("default config", func(t *testing.T) {
		client, err := NewClient(StaticToken("test-token"), nil)
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if client.BaseURL.String() != "https://api.dialkit.io/v1" {
			t.Errorf("unexpected base URL %s", client.BaseURL)
		}
		if client.Config.MaxRetries != 3 {
			t.Errorf("expected MaxRetries 3, got %d", client.Config.MaxRetries)
		}
	})

	t.Run("custom config", func(t *testing.T) {
		client, err := NewClient(StaticToken("test-token"), &Config{
			BaseURL: "https://dialer.example.com/api",
			Timeout: 5 * time.Second,
		})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if client.BaseURL.String() != "https://dialer.example.com/api" {
			t.Errorf("unexpected base URL %s", client.BaseURL)
		}
	})
}

func TestStaticToken(t *testing.T) {
	token, err := StaticToken("abc").AccessToken()
	if err != nil || token != "abc" {
		t.Errorf("unexpected result: %q, %v", token, err)
	}
	if _, err := StaticToken("").AccessToken(); err == nil {
		t.Error("empty static token must error")
	}
}

func TestRequestHeaders(t *testing.T) {
	var gotAuth, gotTracking, gotCustom string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotTracking = r.Header.Get("TrackingID")
		gotCustom = r.Header.Get("X-Client-Version")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client, err := NewClient(StaticToken("test-token"), &Config{
		BaseURL:        server.URL,
		DefaultHeaders: map[string]string{"X-Client-Version": "1.2.3"},
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	resp, err := client.Request(http.MethodGet, "accounts/me", nil, nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()

	if gotAuth != "Bearer test-token" {
		t.Errorf("unexpected Authorization header %q", gotAuth)
	}
	if !strings.HasPrefix(gotTracking, "dialer-go-sdk_") {
		t.Errorf("unexpected TrackingID %q", gotTracking)
	}
	if gotCustom != "1.2.3" {
		t.Errorf("default header not applied, got %q", gotCustom)
	}
}

func TestRequestRetriesTransientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer server.Close()

	client, err := NewClient(StaticToken("test-token"), &Config{
		BaseURL:        server.URL,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	resp, err := client.Request(http.MethodGet, "accounts/me", nil, nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 after retries, got %d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestRequestDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client, _ := NewClient(StaticToken("test-token"), &Config{
		BaseURL:        server.URL,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
	})

	resp, err := client.Request(http.MethodGet, "accounts/me", nil, nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("400 responses must not be retried, got %d attempts", got)
	}
}

func TestRequestRetryRespectsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, _ := NewClient(StaticToken("test-token"), &Config{
		BaseURL:        server.URL,
		MaxRetries:     10,
		RetryBaseDelay: time.Hour,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := client.RequestWithRetry(ctx, http.MethodGet, "accounts/me", nil, nil); err == nil {
		t.Error("expected context error while waiting for retry")
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"7"}},
	}
	if got := retryDelay(resp, time.Second, 0); got != 7*time.Second {
		t.Errorf("expected 7s from Retry-After, got %v", got)
	}

	resp = &http.Response{StatusCode: http.StatusServiceUnavailable, Header: http.Header{}}
	if got := retryDelay(resp, time.Second, 2); got != 4*time.Second {
		t.Errorf("expected exponential 4s, got %v", got)
	}
}

func TestParseResponse(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"phoneNumber": "+14155550100"})
		}))
		defer server.Close()

		client, _ := NewClient(StaticToken("test-token"), &Config{BaseURL: server.URL})
		resp, err := client.Request(http.MethodGet, "telephony/status", nil, nil)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}

		var out struct {
			PhoneNumber string `json:"phoneNumber"`
		}
		if err := ParseResponse(resp, &out); err != nil {
			t.Fatalf("ParseResponse failed: %v", err)
		}
		if out.PhoneNumber != "+14155550100" {
			t.Errorf("unexpected body: %+v", out)
		}
	})

	t.Run("nil target discards body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		client, _ := NewClient(StaticToken("test-token"), &Config{BaseURL: server.URL})
		resp, err := client.Request(http.MethodPost, "telephony/device/register", nil, map[string]string{"deviceId": "d1"})
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		if err := ParseResponse(resp, nil); err != nil {
			t.Errorf("ParseResponse with nil target failed: %v", err)
		}
	})

	t.Run("error response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"message": "no such account", "trackingId": "trk-1"})
		}))
		defer server.Close()

		client, _ := NewClient(StaticToken("test-token"), &Config{BaseURL: server.URL})
		resp, err := client.Request(http.MethodGet, "accounts/missing", nil, nil)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}

		err = ParseResponse(resp, nil)
		if !IsNotFound(err) {
			t.Fatalf("expected NotFoundError, got %v", err)
		}
	})
}

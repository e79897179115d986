/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package dialersdk

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func errorResponse(statusCode int, headers map[string]string) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: statusCode,
		Status:     http.StatusText(statusCode),
		Header:     h,
	}
}

func TestNewAPIErrorSubtypes(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		check      func(error) bool
	}{
		{"unauthorized", http.StatusUnauthorized, IsAuthError},
		{"forbidden", http.StatusForbidden, IsForbidden},
		{"not found", http.StatusNotFound, IsNotFound},
		{"conflict", http.StatusConflict, IsConflict},
		{"rate limited", http.StatusTooManyRequests, IsRateLimited},
		{"internal server error", http.StatusInternalServerError, IsServerError},
		{"bad gateway", http.StatusBadGateway, IsServerError},
		{"service unavailable", http.StatusServiceUnavailable, IsServerError},
		{"gateway timeout", http.StatusGatewayTimeout, IsServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := NewAPIError(errorResponse(tc.statusCode, nil), nil)
			if !tc.check(err) {
				t.Errorf("status %d mapped to wrong type: %T", tc.statusCode, err)
			}
		})
	}
}

func TestNewAPIErrorUnrecognizedStatus(t *testing.T) {
	err := NewAPIError(errorResponse(http.StatusTeapot, nil), nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if IsAuthError(err) || IsNotFound(err) || IsServerError(err) {
		t.Error("unrecognized status must not match a sub-type")
	}
}

func TestNewAPIErrorParsesBody(t *testing.T) {
	body := []byte(`{"message": "account suspended", "trackingId": "trk-42"}`)
	err := NewAPIError(errorResponse(http.StatusForbidden, nil), body)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("errors.As failed for %T", err)
	}
	if apiErr.Message != "account suspended" {
		t.Errorf("unexpected message %q", apiErr.Message)
	}
	if apiErr.TrackingID != "trk-42" {
		t.Errorf("unexpected trackingId %q", apiErr.TrackingID)
	}
	if got := err.Error(); got != "API error: 403 - account suspended (trackingId: trk-42)" {
		t.Errorf("unexpected error string %q", got)
	}
}

func TestNewAPIErrorMalformedBody(t *testing.T) {
	body := []byte("<html>Internal Server Error</html>")
	err := NewAPIError(errorResponse(http.StatusInternalServerError, nil), body)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("errors.As failed for %T", err)
	}
	if apiErr.Message != "" {
		t.Errorf("malformed body must not set Message, got %q", apiErr.Message)
	}
	if string(apiErr.RawBody) != string(body) {
		t.Error("raw body not preserved")
	}
}

func TestNewAPIErrorRetryAfter(t *testing.T) {
	err := NewAPIError(errorResponse(http.StatusTooManyRequests, map[string]string{"Retry-After": "12"}), nil)

	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected *RateLimitError, got %T", err)
	}
	if rle.RetryAfter != 12*time.Second {
		t.Errorf("expected RetryAfter 12s, got %v", rle.RetryAfter)
	}
}

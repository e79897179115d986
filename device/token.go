/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package device

import (
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// Signature algorithms the gateway is known to issue tokens with
var tokenSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256,
	jose.ES256,
	jose.HS256,
}

// tokenExpiry extracts the expiry claim from a credentials token. The
// signature is not verified; the token is opaque to this client and only
// the expiry matters for scheduling a refresh. The second return value is
// false when the token is not a JWT or carries no expiry, in which case
// the caller falls back to a fixed refresh interval.
func tokenExpiry(token string) (time.Time, bool) {
	parsed, err := jwt.ParseSigned(token, tokenSignatureAlgorithms)
	if err != nil {
		return time.Time{}, false
	}

	var claims jwt.Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return time.Time{}, false
	}
	if claims.Expiry == nil {
		return time.Time{}, false
	}
	return claims.Expiry.Time(), true
}

// refreshDelay computes how long to wait before refreshing a token. The
// refresh must land before expiry with margin to spare, because a token
// expiring mid-call would drop the line. Tokens without a readable expiry
// are refreshed on the fallback interval.
func refreshDelay(token string, margin, fallback time.Duration, now time.Time) time.Duration {
	expiry, ok := tokenExpiry(token)
	if !ok {
		return fallback
	}

	delay := expiry.Sub(now) - margin
	if delay < time.Second {
		delay = time.Second
	}
	return delay
}

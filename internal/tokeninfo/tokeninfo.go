// Package tokeninfo provides local, non-authoritative inspection of bearer
// tokens: a one-way digest suitable for use as a cache key, and a best-effort
// expiry extraction for tokens that happen to be JWT-shaped.
//
// Nothing in this package authenticates a token. Expiry extraction does not
// verify signatures; it exists only so callers can skip a network round trip
// for tokens that are provably stale. Authenticity is always established by
// the identity provider.
package tokeninfo

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Digest returns the hex-encoded SHA-256 of the raw token. It is the only
// form of a credential that may be retained in memory or emitted in logs.
func Digest(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}

// ExpiresAt attempts to read the "exp" claim from a JWT-shaped token without
// verifying it. The second return is false when the token is opaque, malformed,
// or carries no numeric expiry; that is an expected case, not an error.
func ExpiresAt(rawToken string) (time.Time, bool) {
	parser := jwt.NewParser()
	tok, _, err := parser.ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := tok.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

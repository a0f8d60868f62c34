// Package auth provides bearer-token verification for the Tracklight MCP
// gateway. The public surface stays small: an Authenticator performs the
// authoritative check of a raw token against the identity provider, and a
// Validator wraps an Authenticator with local expiry short-circuiting and a
// bounded validation cache so the provider is not consulted on every request.
//
// The transport is responsible for extracting the token from the HTTP
// request and mapping ErrUnauthorized into a Bearer challenge.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials
// were supplied. Every validation outcome short of success resolves to this
// error; callers never see provider or network detail.
var ErrUnauthorized = errors.New("unauthorized")

// Claims is the identity data the gateway retains for a validated token.
// Subject and Email are the fields the gateway itself reads; Raw carries
// whatever else the identity provider returned.
type Claims struct {
	Subject string         `json:"sub"`
	Email   string         `json:"email,omitempty"`
	Raw     map[string]any `json:"raw,omitempty"`
}

// Authenticator performs the authoritative validation of a raw bearer token.
// Implementations must return an error wrapping ErrUnauthorized for rejected
// credentials; any other error is treated as an upstream failure and mapped
// to ErrUnauthorized by the Validator.
type Authenticator interface {
	Authenticate(ctx context.Context, rawToken string) (*Claims, error)
}

type claimsKey struct{}

// WithClaims attaches resolved claims to a request context.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFromContext returns the claims attached by the auth gate, if any.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

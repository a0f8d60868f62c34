// Package idp talks to the external identity provider. It performs OIDC
// discovery once at startup and then authenticates bearer tokens by
// presenting them to the provider's userinfo endpoint. This is the
// authoritative check: everything local (digests, expiry parsing, caching)
// only decides whether this round trip can be skipped.
package idp

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/tracklight/tracklight-mcp/auth"
)

// Metadata captures the discovery fields the gateway re-advertises in its
// well-known documents.
type Metadata struct {
	Issuer                 string   `json:"issuer"`
	AuthorizationEndpoint  string   `json:"authorization_endpoint"`
	TokenEndpoint          string   `json:"token_endpoint"`
	UserInfoEndpoint       string   `json:"userinfo_endpoint"`
	JWKSURI                string   `json:"jwks_uri"`
	RegistrationEndpoint   string   `json:"registration_endpoint"`
	ScopesSupported        []string `json:"scopes_supported"`
	ResponseTypesSupported []string `json:"response_types_supported"`
}

// Client authenticates raw bearer tokens against the identity provider.
type Client struct {
	provider *oidc.Provider
	meta     Metadata
}

var _ auth.Authenticator = (*Client)(nil)

// New performs OIDC discovery against the identity provider. domain may be a
// bare host ("tenant.example.auth0.com") or a full issuer URL.
func New(ctx context.Context, domain string) (*Client, error) {
	issuer := strings.TrimSpace(domain)
	if issuer == "" {
		return nil, fmt.Errorf("identity provider domain is required")
	}
	if !strings.Contains(issuer, "://") {
		issuer = "https://" + issuer
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}

	var meta Metadata
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.UserInfoEndpoint == "" {
		return nil, fmt.Errorf("identity provider does not advertise a userinfo endpoint")
	}

	return &Client{provider: provider, meta: meta}, nil
}

// Metadata returns the provider's discovery metadata.
func (c *Client) Metadata() Metadata { return c.meta }

// Authenticate presents the raw token to the provider's userinfo endpoint.
// Any failure, including network errors and timeouts, is reported as
// ErrUnauthorized: the caller cannot distinguish "forged" from "unreachable"
// and must not.
func (c *Client) Authenticate(ctx context.Context, rawToken string) (*auth.Claims, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: rawToken, TokenType: "Bearer"})
	ui, err := c.provider.UserInfo(ctx, ts)
	if err != nil {
		return nil, fmt.Errorf("%w: userinfo: %v", auth.ErrUnauthorized, err)
	}

	claims := &auth.Claims{Subject: ui.Subject, Email: ui.Email}
	var raw map[string]any
	if err := ui.Claims(&raw); err == nil {
		claims.Raw = raw
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: userinfo response missing subject", auth.ErrUnauthorized)
	}
	return claims, nil
}

// Package jwtauth validates RFC 9068 JWT access tokens offline against the
// identity provider's JWKS. It is an alternative Authenticator for
// deployments whose provider issues signed access tokens; the default
// gateway path introspects tokens remotely instead. Either way the
// validation cache sits in front, so this package only sees cache misses.
package jwtauth

import (
	"context"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tracklight/tracklight-mcp/auth"
)

// Config controls validation policy for access tokens.
type Config struct {
	// Issuer is the authorization server issuer URL. Required.
	Issuer string
	// Audience is the expected "aud" claim, typically the gateway's public
	// MCP endpoint URL. Required.
	Audience string
	// AllowedAlgs restricts accepted JWS algorithms. Defaults to RS256;
	// "none" is never accepted.
	AllowedAlgs []string
	// Leeway is the clock-skew tolerance for time-based claims.
	Leeway time.Duration
}

// DefaultConfig returns a Config with safe algorithm and leeway defaults.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// Authenticator validates JWT access tokens using keys fetched (and
// auto-refreshed) from the issuer's JWKS endpoint.
type Authenticator struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
}

var _ auth.Authenticator = (*Authenticator)(nil)

// NewFromDiscovery performs OIDC discovery to locate the issuer's jwks_uri
// and constructs an Authenticator enforcing the policies in cfg.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Authenticator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, fmt.Errorf("audience is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JWKSURI == "" {
		return nil, fmt.Errorf("discovery metadata missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JWKSURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &Authenticator{
		cfg: cfg,
		keyfunc: func(t *jwt.Token) (any, error) {
			alg := t.Method.Alg()
			for _, a := range cfg.AllowedAlgs {
				if alg == a {
					return kf.Keyfunc(t)
				}
			}
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		},
	}, nil
}

// Authenticate verifies the token's signature, issuer, audience, and time
// claims, and maps the result to gateway claims.
func (a *Authenticator) Authenticate(ctx context.Context, rawToken string) (*auth.Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithAudience(a.cfg.Audience),
		jwt.WithLeeway(a.cfg.Leeway),
	)

	parsed, err := parser.Parse(rawToken, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", auth.ErrUnauthorized, err)
	}

	// RFC 9068 requires the at+jwt header typ.
	if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
		return nil, fmt.Errorf("%w: invalid typ; want at+jwt", auth.ErrUnauthorized)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", auth.ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", auth.ErrUnauthorized)
	}
	email, _ := claims["email"].(string)

	return &auth.Claims{Subject: sub, Email: email, Raw: claims}, nil
}

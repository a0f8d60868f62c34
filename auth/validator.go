package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tracklight/tracklight-mcp/internal/tokeninfo"
	"github.com/tracklight/tracklight-mcp/internal/validcache"
)

const (
	defaultCacheTTL        = 5 * time.Minute
	defaultProviderTimeout = 10 * time.Second
)

// Validator verifies bearer tokens. The common path is a cache hit keyed by
// the token's digest; on a miss the raw token is presented to the wrapped
// Authenticator. Concurrent first-time validations of the same token share a
// single provider call.
type Validator struct {
	authn   Authenticator
	cache   validcache.Cache[Claims]
	ttl     time.Duration
	timeout time.Duration
	log     *slog.Logger
	now     func() time.Time
	group   singleflight.Group
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithCacheTTL bounds how long a validation result may be reused before the
// identity provider is consulted again. Defaults to 5 minutes.
func WithCacheTTL(d time.Duration) ValidatorOption {
	return func(v *Validator) {
		if d > 0 {
			v.ttl = d
		}
	}
}

// WithProviderTimeout bounds each identity-provider round trip independently
// of the inbound request deadline, so an unreachable provider degrades to an
// auth failure instead of a hung request. Defaults to 10 seconds.
func WithProviderTimeout(d time.Duration) ValidatorOption {
	return func(v *Validator) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithLogger sets the slog logger used by the validator. If not provided,
// slog.Default() is used.
func WithLogger(log *slog.Logger) ValidatorOption {
	return func(v *Validator) {
		if log != nil {
			v.log = log
		}
	}
}

// withClock overrides the validator's clock. Test hook.
func withClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// NewValidator constructs a Validator over the given authoritative
// Authenticator and validation cache.
func NewValidator(authn Authenticator, cache validcache.Cache[Claims], opts ...ValidatorOption) *Validator {
	v := &Validator{
		authn:   authn,
		cache:   cache,
		ttl:     defaultCacheTTL,
		timeout: defaultProviderTimeout,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Authenticate implements Authenticator so a Validator can stand in front of
// any other Authenticator, adding its cache transparently.
func (v *Validator) Authenticate(ctx context.Context, rawToken string) (*Claims, error) {
	return v.Verify(ctx, rawToken)
}

// Verify resolves a raw bearer token to claims, or ErrUnauthorized. Provider
// rejections, network failures, and locally provable expiry are all reported
// uniformly as ErrUnauthorized; the distinction is logged, never surfaced.
func (v *Validator) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	if strings.TrimSpace(rawToken) == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	digest := tokeninfo.Digest(rawToken)

	// A decodable expiry in the past is proof enough to skip the network
	// round trip. It is never proof of the opposite: a future expiry still
	// requires the authoritative check below.
	if exp, ok := tokeninfo.ExpiresAt(rawToken); ok && !exp.After(v.now()) {
		v.cache.Invalidate(ctx, digest)
		v.log.DebugContext(ctx, "token.verify.local_expired", slog.String("digest", abbrevDigest(digest)))
		return nil, fmt.Errorf("%w: token expired", ErrUnauthorized)
	}

	if claims, ok := v.cache.Lookup(ctx, digest); ok {
		return &claims, nil
	}

	// The flight is shared across requests; detach it from any single
	// caller's cancellation and give the provider call its own deadline.
	res, err, _ := v.group.Do(digest, func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.timeout)
		defer cancel()

		claims, err := v.authn.Authenticate(pctx, rawToken)
		if err != nil {
			// Negative results are not cached: a transient provider hiccup
			// must not lock a client out for the full TTL.
			v.log.InfoContext(ctx, "token.verify.provider_reject",
				slog.String("digest", abbrevDigest(digest)),
				slog.String("err", err.Error()))
			return nil, fmt.Errorf("%w: provider validation failed", ErrUnauthorized)
		}

		expiresAt := v.now().Add(v.ttl)
		if exp, ok := tokeninfo.ExpiresAt(rawToken); ok && exp.Before(expiresAt) {
			expiresAt = exp
		}
		v.cache.Insert(pctx, digest, *claims, expiresAt)
		return claims, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*Claims), nil
}

// abbrevDigest shortens a digest for log lines. The digest itself is already
// safe to log; this just keeps records readable.
func abbrevDigest(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}

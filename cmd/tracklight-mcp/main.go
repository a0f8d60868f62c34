// Command tracklight-mcp serves Tracklight's MCP tools either over stdio
// for local editors or as an authenticated streaming HTTP gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/tracklight/tracklight-mcp/auth"
	"github.com/tracklight/tracklight-mcp/internal/idp"
	"github.com/tracklight/tracklight-mcp/internal/jwtauth"
	"github.com/tracklight/tracklight-mcp/internal/logctx"
	"github.com/tracklight/tracklight-mcp/internal/validcache"
	"github.com/tracklight/tracklight-mcp/mcp"
	"github.com/tracklight/tracklight-mcp/mcpserver"
	"github.com/tracklight/tracklight-mcp/sessions"
	"github.com/tracklight/tracklight-mcp/stdio"
	"github.com/tracklight/tracklight-mcp/streaminghttp"
	"github.com/tracklight/tracklight-mcp/tracklight"
)

const serverVersion = "0.4.0"

// config is populated from the environment via envdecode struct tags.
type config struct {
	// Transport selects "stdio" or "http".
	Transport  string `env:"MCP_TRANSPORT,default=http"`
	ListenAddr string `env:"MCP_LISTEN_ADDR,default=127.0.0.1:8080"`
	// PublicEndpoint is the externally visible MCP URL, e.g.
	// https://mcp.tracklight.dev/mcp. Required in http mode.
	PublicEndpoint string `env:"MCP_PUBLIC_ENDPOINT"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`

	TracklightEndpoint string `env:"TRACKLIGHT_GRAPHQL_ENDPOINT,default=https://api.tracklight.dev/graphql"`
	TracklightToken    string `env:"TRACKLIGHT_API_TOKEN"`
	CatalogPath        string `env:"TOOL_CATALOG_PATH"`

	// AuthMode picks the token validation strategy: "introspect" calls the
	// provider's userinfo endpoint per cache miss, "jwt" verifies signatures
	// offline against the provider's JWKS.
	AuthMode      string `env:"AUTH_MODE,default=introspect"`
	IDPDomain     string `env:"IDP_DOMAIN"`
	OAuthClientID string `env:"OAUTH_CLIENT_ID"`
	OAuthAudience string `env:"OAUTH_AUDIENCE"`

	CacheTTL        time.Duration `env:"TOKEN_CACHE_TTL,default=5m"`
	CacheMaxEntries int           `env:"TOKEN_CACHE_MAX_ENTRIES,default=10000"`
	// RedisAddr, when set, backs the validation cache with Redis so multiple
	// gateway replicas share it.
	RedisAddr string `env:"REDIS_ADDR"`
}

func main() {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("exiting", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	out := os.Stderr
	base := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(logctx.Handler{Handler: base})
}

func run(ctx context.Context, cfg config, log *slog.Logger) error {
	tlClient, err := tracklight.NewClient(cfg.TracklightEndpoint, cfg.TracklightToken,
		tracklight.WithClientLogger(log))
	if err != nil {
		return fmt.Errorf("tracklight client: %w", err)
	}

	registry := mcpserver.NewRegistry()
	catalog := tracklight.NewCatalog(cfg.CatalogPath, tlClient, registry, log)
	if err := catalog.Load(ctx); err != nil {
		return fmt.Errorf("load tool catalog: %w", err)
	}
	go func() {
		if err := catalog.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("catalog watcher stopped", slog.String("err", err.Error()))
		}
	}()

	server := mcpserver.New(
		mcp.ImplementationInfo{Name: "tracklight-mcp", Version: serverVersion},
		registry,
		mcpserver.WithLogger(log),
		mcpserver.WithInstructions("Tools for searching, creating, and updating Tracklight issues."),
	)

	switch strings.ToLower(cfg.Transport) {
	case "stdio":
		return runStdio(ctx, server, log)
	case "http":
		return runHTTP(ctx, cfg, server, log)
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func runStdio(ctx context.Context, server *mcpserver.Server, log *slog.Logger) error {
	h := stdio.NewHandler(server, stdio.WithLogger(log))
	log.Info("serving mcp over stdio")
	return h.Serve(ctx)
}

func runHTTP(ctx context.Context, cfg config, server *mcpserver.Server, log *slog.Logger) error {
	if cfg.PublicEndpoint == "" {
		return fmt.Errorf("MCP_PUBLIC_ENDPOINT is required in http mode")
	}
	if cfg.IDPDomain == "" {
		return fmt.Errorf("IDP_DOMAIN is required in http mode")
	}
	audience := cfg.OAuthAudience
	if audience == "" {
		audience = cfg.PublicEndpoint
	}

	provider, err := idp.New(ctx, cfg.IDPDomain)
	if err != nil {
		return fmt.Errorf("identity provider discovery: %w", err)
	}

	var upstream auth.Authenticator
	switch strings.ToLower(cfg.AuthMode) {
	case "introspect":
		upstream = provider
	case "jwt":
		jcfg := jwtauth.DefaultConfig()
		jcfg.Issuer = provider.Metadata().Issuer
		jcfg.Audience = audience
		upstream, err = jwtauth.NewFromDiscovery(ctx, jcfg)
		if err != nil {
			return fmt.Errorf("jwt authenticator: %w", err)
		}
	default:
		return fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
	}

	cache, err := newTokenCache(ctx, cfg, log)
	if err != nil {
		return err
	}
	validator := auth.NewValidator(upstream, cache,
		auth.WithCacheTTL(cfg.CacheTTL),
		auth.WithLogger(log),
	)

	sessReg := sessions.NewRegistry(sessions.WithLogger(log))
	meta := provider.Metadata()

	handler, err := streaminghttp.New(ctx, cfg.PublicEndpoint, sessReg, server, validator,
		streaminghttp.WithServerName("Tracklight MCP Gateway"),
		streaminghttp.WithLogger(log),
		streaminghttp.WithIdentityProvider(&meta),
		streaminghttp.WithOAuthClient(cfg.OAuthClientID, audience),
		streaminghttp.WithCacheInfo(cache, cfg.CacheTTL),
	)
	if err != nil {
		return fmt.Errorf("streaming http handler: %w", err)
	}

	// Fan tool list changes out to every connected SSE stream.
	go func() {
		sub := server.Registry().Subscriber()
		payload := []byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub:
				if !ok {
					return
				}
				sessReg.Broadcast(payload)
			}
		}
	}()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening",
			slog.String("addr", cfg.ListenAddr),
			slog.String("public_endpoint", cfg.PublicEndpoint))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sessReg.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newTokenCache(ctx context.Context, cfg config, log *slog.Logger) (validcache.Cache[auth.Claims], error) {
	if cfg.RedisAddr == "" {
		return validcache.NewMemory[auth.Claims](cfg.CacheMaxEntries), nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("token cache backed by redis", slog.String("addr", cfg.RedisAddr))
	return validcache.NewRedis[auth.Claims](rdb, "tracklight:tokens:", log), nil
}

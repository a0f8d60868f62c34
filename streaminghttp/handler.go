// Package streaminghttp exposes the MCP server over the streaming HTTP
// transport: POST creates or continues a session, GET attaches a server-push
// event stream, DELETE terminates. Every MCP route sits behind the bearer
// auth gate; health and discovery routes are exempt.
package streaminghttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/tracklight/tracklight-mcp/auth"
	"github.com/tracklight/tracklight-mcp/internal/idp"
	"github.com/tracklight/tracklight-mcp/internal/jsonrpc"
	"github.com/tracklight/tracklight-mcp/internal/logctx"
	"github.com/tracklight/tracklight-mcp/internal/validcache"
	"github.com/tracklight/tracklight-mcp/mcp"
	"github.com/tracklight/tracklight-mcp/mcpserver"
	"github.com/tracklight/tracklight-mcp/sessions"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader     = "Last-Event-ID"
	mcpSessionIDHeader    = "Mcp-Session-Id"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	serverName string
	logger     *slog.Logger
	realm      string
	idpMeta    *idp.Metadata
	clientID   string
	audience   string
	cache      validcache.Cache[auth.Claims]
	cacheTTL   time.Duration
}

// WithServerName sets a human-readable server name surfaced in the protected
// resource metadata document.
func WithServerName(name string) Option {
	return func(c *newConfig) { c.serverName = name }
}

// WithLogger sets the logger used by the handler. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted entirely per
// RFC 6750.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithIdentityProvider supplies the identity provider's discovery metadata.
// Without it the gateway is considered misconfigured: protected routes return
// 500 and discovery routes report "not configured".
func WithIdentityProvider(meta *idp.Metadata) Option {
	return func(c *newConfig) { c.idpMeta = meta }
}

// WithOAuthClient sets the client id and audience surfaced in the mcp-oauth
// convenience document.
func WithOAuthClient(clientID, audience string) Option {
	return func(c *newConfig) {
		c.clientID = clientID
		c.audience = audience
	}
}

// WithCacheInfo exposes the token validation cache on /health for
// operational visibility.
func WithCacheInfo(cache validcache.Cache[auth.Claims], ttl time.Duration) Option {
	return func(c *newConfig) {
		c.cache = cache
		c.cacheTTL = ttl
	}
}

// Handler routes the streaming HTTP surface: the MCP endpoint verbs, the
// health probe, and the OAuth discovery documents.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	serverURL *url.URL
	realm     string

	authn    auth.Authenticator // nil means misconfigured
	registry *sessions.Registry
	server   *mcpserver.Server

	docs           *discoveryDocs
	prmDocumentURL *url.URL

	cache    validcache.Cache[auth.Claims]
	cacheTTL time.Duration
}

// New constructs a Handler serving server's sessions at publicEndpoint.
//
// authenticator may be nil when no identity provider is configured; the
// handler then serves health and discovery routes but rejects every protected
// route with 500.
func New(ctx context.Context, publicEndpoint string, registry *sessions.Registry, server *mcpserver.Server, authenticator auth.Authenticator, opts ...Option) (*Handler, error) {
	if registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if server == nil {
		return nil, fmt.Errorf("server is required")
	}

	mcpURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}

	cfg := &newConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:       slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		serverURL: mcpURL,
		realm:     cfg.realm,
		authn:     authenticator,
		registry:  registry,
		server:    server,
		cache:     cfg.cache,
		cacheTTL:  cfg.cacheTTL,
	}

	h.prmDocumentURL = &url.URL{
		Scheme: mcpURL.Scheme,
		Host:   mcpURL.Host,
		Path:   "/.well-known/oauth-protected-resource" + mcpURL.Path,
	}
	h.docs = buildDiscoveryDocuments(mcpURL, cfg)

	mcpPath := pathOnly(mcpURL)
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", mcpPath), h.requireAuth(h.handlePostMCP))
	mux.HandleFunc(fmt.Sprintf("GET %s", mcpPath), h.requireAuth(h.handleGetMCP))
	mux.HandleFunc(fmt.Sprintf("DELETE %s", mcpPath), h.requireAuth(h.handleDeleteMCP))
	mux.HandleFunc("GET /health", h.handleGetHealth)
	h.registerWellKnown(mux, mcpPath)
	h.mux = mux
	return h, nil
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// writeRPCError emits the transport-level JSON-RPC error envelope
// {"jsonrpc":"2.0","error":{...},"id":null}. Callers must only use it before
// the response has been flushed; once streaming is underway the fault is
// logged and the connection dropped instead.
func writeRPCError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(nil, code, msg))
}

// statusForRPCError maps a failed initialize to an HTTP status: internal
// faults are the server's problem, everything else the client's.
func statusForRPCError(e *jsonrpc.Error) int {
	if e.Code == jsonrpc.ErrorCodeInternalError {
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// handlePostMCP creates a session (initialize request, no session header) or
// continues an existing one (session header present).
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeRPCError(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeServerError, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "JSON-RPC batch arrays are forbidden on streaming HTTP transport")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}
	req := msg.AsRequest()
	if req == nil {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "expected a JSON-RPC request or notification")
		h.log.WarnContext(ctx, "jsonrpc.message.unroutable")
		return
	}

	ctx = logctx.WithRPCData(ctx, &logctx.RPCData{Method: req.Method, ID: req.ID.String()})

	if sessID := r.Header.Get(mcpSessionIDHeader); sessID != "" {
		h.continueSession(ctx, w, r, sessID, req, start)
		return
	}

	// No session header: this must be the start of a brand new session.
	if req.Method != string(mcp.InitializeMethod) {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "expected initialize request")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}

	claims, _ := auth.ClaimsFromContext(ctx)
	sess := h.registry.Create(claims.Subject)
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Subject: sess.Subject()})

	res := h.server.Handle(ctx, req)
	if res == nil || res.Error != nil {
		// Initialize carries an id, so a nil response means the request was
		// malformed enough to be treated as a notification.
		h.registry.Terminate(sess.ID())
		if res == nil {
			writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "initialize must carry a request id")
			return
		}
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(statusForRPCError(res.Error))
		_ = json.NewEncoder(w).Encode(res)
		return
	}

	w.Header().Set(mcpSessionIDHeader, sess.ID())
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// continueSession routes a POST carrying a session header onto the session it
// names. A stale, unknown, or foreign session id is a client error.
func (h *Handler) continueSession(ctx context.Context, w http.ResponseWriter, r *http.Request, sessID string, req *jsonrpc.Request, start time.Time) {
	claims, _ := auth.ClaimsFromContext(ctx)
	sess, ok := h.lookupSession(sessID, claims.Subject)
	if !ok {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "unknown session")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Subject: sess.Subject()})

	if req.Method == string(mcp.InitializeMethod) {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}

	res := h.server.Handle(ctx, req)
	if res == nil {
		// Notification: accepted, nothing to send back.
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	w.Header().Set(mcpSessionIDHeader, sess.ID())
	w.Header().Set("Content-Type", jsonMediaType.String())
	if res.Error != nil && res.Error.Code == jsonrpc.ErrorCodeInternalError {
		// Method-level errors travel inside the envelope on a 200; only
		// internal faults surface as a 500.
		w.WriteHeader(http.StatusInternalServerError)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// handleGetMCP attaches a server-push event stream to an established session.
func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusNotAcceptable)
		h.log.WarnContext(ctx, "accept.unsupported")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "missing Mcp-Session-Id header")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	claims, _ := auth.ClaimsFromContext(ctx)
	sess, ok := h.lookupSession(sessID, claims.Subject)
	if !ok {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "unknown session")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Subject: sess.Subject()})

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf := &lockedWriteFlusher{w: w, f: f, ctx: ctx}
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	err := sess.Stream(ctx, r.Header.Get(lastEventIDHeader), func(eventID string, payload []byte) error {
		return writeSSEEvent(wf, eventID, payload)
	})
	switch {
	case err == nil:
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	case ctx.Err() != nil:
		h.log.InfoContext(ctx, "sse.stream.disconnect", slog.Duration("dur", time.Since(start)))
	default:
		// Headers are long flushed; all we can do is log and drop.
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
	}
}

// handleDeleteMCP terminates a session. Termination is idempotent: deleting
// an id that is unknown or already closed succeeds quietly.
func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "missing Mcp-Session-Id header")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	claims, _ := auth.ClaimsFromContext(ctx)
	if sess, ok := h.lookupSession(sessID, claims.Subject); ok {
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Subject: sess.Subject()})
		sess.Close()
		h.log.InfoContext(ctx, "session.delete.ok")
	} else {
		h.log.InfoContext(ctx, "session.delete.miss")
	}
	w.WriteHeader(http.StatusNoContent)
}

// lookupSession resolves a live session bound to subject. Sessions belonging
// to other subjects are reported as absent so ids never leak across callers.
func (h *Handler) lookupSession(id, subject string) (*sessions.Session, bool) {
	sess, ok := h.registry.Get(id)
	if !ok || sess.Subject() != subject {
		return nil, false
	}
	return sess, true
}

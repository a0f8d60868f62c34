package streaminghttp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tracklight/tracklight-mcp/auth"
	"github.com/tracklight/tracklight-mcp/internal/idp"
	"github.com/tracklight/tracklight-mcp/internal/jsonrpc"
	"github.com/tracklight/tracklight-mcp/internal/validcache"
	"github.com/tracklight/tracklight-mcp/mcp"
	"github.com/tracklight/tracklight-mcp/mcpserver"
	"github.com/tracklight/tracklight-mcp/sessions"
	"github.com/tracklight/tracklight-mcp/streaminghttp"
)

// logBridge is an implementation of slog.Handler that works
// with the stdlib testing pkg.
type logBridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.Handler.Handle(ctx, rec); err != nil {
		return err
	}
	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}
	b.t.Helper()
	b.t.Log(string(bytes.TrimSuffix(output, []byte("\n"))))
	return nil
}

func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithAttrs(attrs)}
}

func testLogger(t *testing.T) *slog.Logger {
	b := &logBridge{t: t, buf: &bytes.Buffer{}, mu: &sync.Mutex{}}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(b)
}

// stubAuth resolves tokens to subjects from a fixed table.
type stubAuth struct {
	subjects map[string]string // token -> subject
}

func (a *stubAuth) Authenticate(ctx context.Context, tok string) (*auth.Claims, error) {
	sub, ok := a.subjects[tok]
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	return &auth.Claims{Subject: sub}, nil
}

type testEnv struct {
	srv      *httptest.Server
	registry *sessions.Registry
}

type envOption func(*envConfig)

type envConfig struct {
	authn    auth.Authenticator
	handler  []streaminghttp.Option
	registry *sessions.Registry
	tools    []mcpserver.Tool
}

func withAuth(a auth.Authenticator) envOption {
	return func(c *envConfig) { c.authn = a }
}

func withHandlerOptions(opts ...streaminghttp.Option) envOption {
	return func(c *envConfig) { c.handler = append(c.handler, opts...) }
}

// withTools registers extra tools alongside the default echo tool.
func withTools(tools ...mcpserver.Tool) envOption {
	return func(c *envConfig) { c.tools = append(c.tools, tools...) }
}

func mustServer(t *testing.T, options ...envOption) *testEnv {
	t.Helper()
	cfg := &envConfig{
		authn:    &stubAuth{subjects: map[string]string{"tok-a": "user-a", "tok-b": "user-b"}},
		registry: sessions.NewRegistry(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	echo := mcpserver.NewTool("echo", func(ctx context.Context, args struct {
		Text string `json:"text"`
	}) (*mcp.CallToolResult, error) {
		return mcpserver.TextResult(args.Text), nil
	}, mcpserver.WithToolDescription("Echo the provided text."))
	server := mcpserver.New(
		mcp.ImplementationInfo{Name: "test-server", Version: "0.0.1"},
		mcpserver.NewRegistry(append([]mcpserver.Tool{echo}, cfg.tools...)...),
		mcpserver.WithLogger(testLogger(t)),
	)

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	opts := append([]streaminghttp.Option{
		streaminghttp.WithLogger(testLogger(t)),
		streaminghttp.WithServerName("test-server"),
	}, cfg.handler...)
	h, err := streaminghttp.New(context.Background(), srv.URL+"/mcp", cfg.registry, server, cfg.authn, opts...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	handler = h
	return &testEnv{srv: srv, registry: cfg.registry}
}

func doPostMCP(t *testing.T, env *testEnv, authHeader, sessionID string, req *jsonrpc.Request) *http.Response {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq, err := http.NewRequest(http.MethodPost, env.srv.URL+"/mcp", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if authHeader != "" {
		httpReq.Header.Set("Authorization", authHeader)
	}
	if sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func rpcRequest(t *testing.T, method string, params any) *jsonrpc.Request {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		raw = b
	}
	return &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         method,
		Params:         raw,
		ID:             jsonrpc.NewRequestID("1"),
	}
}

func initializeRequest(t *testing.T) *jsonrpc.Request {
	return rpcRequest(t, string(mcp.InitializeMethod), mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "test-client", Version: "1.0.0"},
	})
}

// mustInitialize creates a session and returns its id.
func mustInitialize(t *testing.T, env *testEnv, authHeader string) string {
	t.Helper()
	resp := doPostMCP(t, env, authHeader, "", initializeRequest(t))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status = %d", resp.StatusCode)
	}
	sessID := resp.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatal("missing Mcp-Session-Id header on initialize response")
	}
	return sessID
}

func decodeRPC(t *testing.T, body io.Reader) *jsonrpc.Response {
	t.Helper()
	var res jsonrpc.Response
	if err := json.NewDecoder(body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &res
}

func TestAuthGateExemptions(t *testing.T) {
	env := mustServer(t)

	// No Authorization header anywhere in this test.
	exempt := []string{
		"/health",
		"/.well-known/oauth-protected-resource",
		"/.well-known/oauth-protected-resource/mcp",
		"/.well-known/oauth-authorization-server",
		"/.well-known/oauth-authorization-server/mcp",
		"/.well-known/mcp-oauth",
	}
	for _, path := range exempt {
		resp, err := http.Get(env.srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusInternalServerError {
			t.Errorf("GET %s = %d, want an unauthenticated-accessible status", path, resp.StatusCode)
		}
	}

	resp := doPostMCP(t, env, "", "", initializeRequest(t))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("POST /mcp without credential = %d, want 401", resp.StatusCode)
	}
	challenge := resp.Header.Get("WWW-Authenticate")
	if challenge == "" {
		t.Fatal("missing WWW-Authenticate challenge")
	}
	if strings.Contains(challenge, "error=") {
		t.Errorf("bare challenge should carry no error attribute: %q", challenge)
	}
	if !strings.Contains(challenge, "resource_metadata=") {
		t.Errorf("challenge should point at resource metadata: %q", challenge)
	}
}

func TestAuthGateRejectsInvalidToken(t *testing.T) {
	env := mustServer(t)

	resp := doPostMCP(t, env, "Bearer nope", "", initializeRequest(t))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	challenge := resp.Header.Get("WWW-Authenticate")
	if !strings.Contains(challenge, `error="invalid_token"`) {
		t.Fatalf("challenge = %q, want error=\"invalid_token\"", challenge)
	}
}

func TestMisconfiguredGateway(t *testing.T) {
	env := mustServer(t, withAuth(nil))

	resp := doPostMCP(t, env, "Bearer tok-a", "", initializeRequest(t))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("protected route = %d, want 500 when unconfigured", resp.StatusCode)
	}

	// Discovery routes stay informational.
	dresp, err := http.Get(env.srv.URL + "/.well-known/oauth-protected-resource")
	if err != nil {
		t.Fatalf("GET discovery: %v", err)
	}
	defer dresp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(dresp.Body).Decode(&body); err != nil {
		t.Fatalf("decode discovery body: %v", err)
	}
	if !strings.Contains(body["error"], "not configured") {
		t.Fatalf("discovery body = %v, want not-configured marker", body)
	}
}

func TestInitializeCreatesSession(t *testing.T) {
	env := mustServer(t)

	resp := doPostMCP(t, env, "Bearer tok-a", "", initializeRequest(t))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	sessID := resp.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatal("missing Mcp-Session-Id header")
	}

	res := decodeRPC(t, resp.Body)
	if res.Error != nil {
		t.Fatalf("initialize error: %+v", res.Error)
	}
	var initRes mcp.InitializeResult
	if err := json.Unmarshal(res.Result, &initRes); err != nil {
		t.Fatalf("decode initialize result: %v", err)
	}
	if initRes.Capabilities.Tools == nil || !initRes.Capabilities.Tools.ListChanged {
		t.Fatalf("expected tools listChanged capability, got %#v", initRes.Capabilities.Tools)
	}

	// Two sessions never share an id.
	second := mustInitialize(t, env, "Bearer tok-a")
	if second == sessID {
		t.Fatalf("expected fresh session id, got %q twice", sessID)
	}
}

func TestNonInitializeWithoutSessionHeader(t *testing.T) {
	env := mustServer(t)
	resp := doPostMCP(t, env, "Bearer tok-a", "", rpcRequest(t, string(mcp.ToolsListMethod), nil))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	res := decodeRPC(t, resp.Body)
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeServerError {
		t.Fatalf("error envelope = %+v, want code %d", res.Error, jsonrpc.ErrorCodeServerError)
	}
	if !res.ID.IsNil() {
		t.Fatalf("envelope id should be null, got %v", res.ID)
	}
}

func TestSessionContinuation(t *testing.T) {
	env := mustServer(t)
	sessID := mustInitialize(t, env, "Bearer tok-a")

	resp := doPostMCP(t, env, "Bearer tok-a", sessID, rpcRequest(t, string(mcp.ToolsCallMethod), map[string]any{
		"name":      "echo",
		"arguments": map[string]any{"text": "hi"},
	}))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	res := decodeRPC(t, resp.Body)
	if res.Error != nil {
		t.Fatalf("tools/call error: %+v", res.Error)
	}
	var callRes mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &callRes); err != nil {
		t.Fatalf("decode call result: %v", err)
	}
	if len(callRes.Content) != 1 || callRes.Content[0].Text != "hi" {
		t.Fatalf("unexpected call result: %+v", callRes)
	}
}

func TestUnknownSessionIsClientError(t *testing.T) {
	env := mustServer(t)

	resp := doPostMCP(t, env, "Bearer tok-a", "no-such-session", rpcRequest(t, string(mcp.ToolsListMethod), nil))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown session", resp.StatusCode)
	}

	// Supplying a session id alongside initialize is equally a client error.
	resp2 := doPostMCP(t, env, "Bearer tok-a", "no-such-session", initializeRequest(t))
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("initialize with session header = %d, want 400", resp2.StatusCode)
	}
}

func TestSessionBoundToSubject(t *testing.T) {
	env := mustServer(t)
	sessID := mustInitialize(t, env, "Bearer tok-a")

	resp := doPostMCP(t, env, "Bearer tok-b", sessID, rpcRequest(t, string(mcp.ToolsListMethod), nil))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("foreign subject continuation = %d, want 400", resp.StatusCode)
	}
}

func TestDeleteSessionIsIdempotent(t *testing.T) {
	env := mustServer(t)
	sessID := mustInitialize(t, env, "Bearer tok-a")

	del := func() int {
		req, err := http.NewRequest(http.MethodDelete, env.srv.URL+"/mcp", nil)
		if err != nil {
			t.Fatalf("new delete: %v", err)
		}
		req.Header.Set("Authorization", "Bearer tok-a")
		req.Header.Set("Mcp-Session-Id", sessID)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := del(); got != http.StatusNoContent {
		t.Fatalf("first delete = %d, want 204", got)
	}
	if got := del(); got != http.StatusNoContent {
		t.Fatalf("retried delete = %d, want 204", got)
	}

	// The terminated id now behaves like one that never existed.
	resp := doPostMCP(t, env, "Bearer tok-a", sessID, rpcRequest(t, string(mcp.ToolsListMethod), nil))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("continuation after delete = %d, want 400", resp.StatusCode)
	}
}

func TestDeleteWithoutSessionHeader(t *testing.T) {
	env := mustServer(t)
	req, err := http.NewRequest(http.MethodDelete, env.srv.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("new delete: %v", err)
	}
	req.Header.Set("Authorization", "Bearer tok-a")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("delete without header = %d, want 400", resp.StatusCode)
	}
}

func TestNotificationAccepted(t *testing.T) {
	env := mustServer(t)
	sessID := mustInitialize(t, env, "Bearer tok-a")

	resp := doPostMCP(t, env, "Bearer tok-a", sessID, &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializedNotificationMethod),
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("notification = %d, want 202", resp.StatusCode)
	}
}

type sseEvent struct {
	id   string
	data []byte
}

func readOneSSE(r io.Reader) (sseEvent, error) {
	br := bufio.NewReader(r)
	var (
		event   sseEvent
		dataBuf bytes.Buffer
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return sseEvent{}, io.ErrUnexpectedEOF
			}
			return sseEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if dataBuf.Len() > 0 {
				event.data = append([]byte(nil), dataBuf.Bytes()...)
			}
			return event, nil
		}
		if strings.HasPrefix(line, "id: ") {
			event.id = strings.TrimPrefix(line, "id: ")
			continue
		}
		if strings.HasPrefix(line, "data: ") {
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}
	}
}

func startStream(t *testing.T, env *testEnv, authHeader, sessID, lastEventID string) (*http.Response, <-chan sseEvent) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("new get: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", authHeader)
	req.Header.Set("Mcp-Session-Id", sessID)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	ch := make(chan sseEvent, 1)
	go func() {
		defer close(ch)
		evt, err := readOneSSE(resp.Body)
		if err != nil {
			return
		}
		ch <- evt
	}()
	return resp, ch
}

func TestServerPushStream(t *testing.T) {
	env := mustServer(t)
	sessID := mustInitialize(t, env, "Bearer tok-a")

	resp, events := startStream(t, env, "Bearer tok-a", sessID, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q, want text/event-stream", ct)
	}

	notification := []byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)
	env.registry.Broadcast(notification)

	select {
	case evt := <-events:
		if evt.id != "1" {
			t.Errorf("event id = %q, want 1", evt.id)
		}
		if !bytes.Equal(evt.data, notification) {
			t.Errorf("event data = %s", evt.data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pushed event")
	}
}

func TestStreamResumesFromLastEventID(t *testing.T) {
	env := mustServer(t)
	sessID := mustInitialize(t, env, "Bearer tok-a")

	sess, ok := env.registry.Get(sessID)
	if !ok {
		t.Fatal("session missing from registry")
	}
	for i := 1; i <= 3; i++ {
		if err := sess.Publish(fmt.Appendf(nil, `{"n":%d}`, i)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	resp, events := startStream(t, env, "Bearer tok-a", sessID, "2")
	defer resp.Body.Close()
	select {
	case evt := <-events:
		if evt.id != "3" {
			t.Fatalf("resumed event id = %q, want 3", evt.id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for replayed event")
	}
}

func TestStreamRequiresSessionHeader(t *testing.T) {
	env := mustServer(t)
	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("new get: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer tok-a")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("stream without session header = %d, want 400", resp.StatusCode)
	}
}

func TestHealthReportsCacheAndSessions(t *testing.T) {
	cache := validcache.NewMemory[auth.Claims](8)
	env := mustServer(t, withHandlerOptions(
		streaminghttp.WithCacheInfo(cache, 5*time.Minute),
	))
	mustInitialize(t, env, "Bearer tok-a")

	resp, err := http.Get(env.srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	var body struct {
		Status         string `json:"status"`
		ActiveSessions int    `json:"active_sessions"`
		Cache          *struct {
			Entries    int   `json:"entries"`
			Capacity   int   `json:"capacity"`
			TTLSeconds int64 `json:"ttl_seconds"`
		} `json:"cache"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.ActiveSessions != 1 {
		t.Errorf("active_sessions = %d, want 1", body.ActiveSessions)
	}
	if body.Cache == nil || body.Cache.Capacity != 8 || body.Cache.TTLSeconds != 300 {
		t.Errorf("cache block = %+v", body.Cache)
	}
}

func TestDiscoveryDocuments(t *testing.T) {
	meta := &idp.Metadata{
		Issuer:                "https://idp.example.com/",
		AuthorizationEndpoint: "https://idp.example.com/authorize",
		TokenEndpoint:         "https://idp.example.com/oauth/token",
		UserInfoEndpoint:      "https://idp.example.com/userinfo",
		JWKSURI:               "https://idp.example.com/.well-known/jwks.json",
		ScopesSupported:       []string{"openid", "profile"},
	}
	env := mustServer(t, withHandlerOptions(
		streaminghttp.WithIdentityProvider(meta),
		streaminghttp.WithOAuthClient("client-123", "https://api.example.com/mcp"),
	))

	t.Run("protected resource metadata", func(t *testing.T) {
		resp, err := http.Get(env.srv.URL + "/.well-known/oauth-protected-resource/mcp")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer resp.Body.Close()
		var doc struct {
			Resource             string   `json:"resource"`
			AuthorizationServers []string `json:"authorization_servers"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(doc.AuthorizationServers) != 1 || doc.AuthorizationServers[0] != meta.Issuer {
			t.Errorf("authorization_servers = %v", doc.AuthorizationServers)
		}
		if !strings.HasSuffix(doc.Resource, "/mcp") {
			t.Errorf("resource = %q, want the MCP endpoint", doc.Resource)
		}
	})

	t.Run("authorization server metadata", func(t *testing.T) {
		resp, err := http.Get(env.srv.URL + "/.well-known/oauth-authorization-server")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer resp.Body.Close()
		var doc struct {
			Issuer        string `json:"issuer"`
			TokenEndpoint string `json:"token_endpoint"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if doc.Issuer != meta.Issuer || doc.TokenEndpoint != meta.TokenEndpoint {
			t.Errorf("doc = %+v", doc)
		}
	})

	t.Run("mcp-oauth convenience document", func(t *testing.T) {
		resp, err := http.Get(env.srv.URL + "/.well-known/mcp-oauth")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer resp.Body.Close()
		var doc struct {
			ClientID string `json:"client_id"`
			Audience string `json:"audience"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if doc.ClientID != "client-123" || doc.Audience != "https://api.example.com/mcp" {
			t.Errorf("doc = %+v", doc)
		}
	})

	t.Run("CORS preflight", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodOptions, env.srv.URL+"/.well-known/mcp-oauth", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("OPTIONS: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("preflight = %d, want 204", resp.StatusCode)
		}
		if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
			t.Error("missing CORS allow-origin header")
		}
	})
}

func TestToolPanicReturnsInternalServerError(t *testing.T) {
	boom := mcpserver.NewTool("boom", func(ctx context.Context, args struct{}) (*mcp.CallToolResult, error) {
		panic("boom")
	})
	env := mustServer(t, withTools(boom))
	sessID := mustInitialize(t, env, "Bearer tok-a")

	resp := doPostMCP(t, env, "Bearer tok-a", sessID, rpcRequest(t, string(mcp.ToolsCallMethod), mcp.CallToolRequestReceived{
		Name: "boom",
	}))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	res := decodeRPC(t, resp.Body)
	if res.Error == nil {
		t.Fatal("expected an error envelope")
	}
	if res.Error.Code != jsonrpc.ErrorCodeInternalError {
		t.Errorf("error code = %d, want %d", res.Error.Code, jsonrpc.ErrorCodeInternalError)
	}
	if res.ID == nil || res.ID.IsNil() {
		t.Error("error response should echo the request id")
	}
}

package streaminghttp_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tracklight/tracklight-mcp/mcp"
	"github.com/tracklight/tracklight-mcp/mcpserver"
	"github.com/tracklight/tracklight-mcp/sessions"
	"github.com/tracklight/tracklight-mcp/streaminghttp"
)

// authRT injects an Authorization header for test requests.
type authRT struct{ base http.RoundTripper }

func (t authRT) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer tok-a")
	return t.base.RoundTrip(r)
}

// TestStreamingHTTP_E2E drives the gateway with the official MCP Go SDK
// client: initialize, list tools, call one, and terminate the session.
func TestStreamingHTTP_E2E(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	echo := mcpserver.NewTool("echo", func(ctx context.Context, args struct {
		Message string `json:"message"`
	}) (*mcp.CallToolResult, error) {
		return mcpserver.TextResult(args.Message), nil
	}, mcpserver.WithToolDescription("Echo the provided message."))
	server := mcpserver.New(mcp.ImplementationInfo{Name: "e2e-server", Version: "0.0.1"}, mcpserver.NewRegistry(echo))
	registry := sessions.NewRegistry()

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { handler.ServeHTTP(w, r) }))
	defer srv.Close()

	h, err := streaminghttp.New(
		ctx,
		srv.URL+"/mcp",
		registry,
		server,
		&stubAuth{subjects: map[string]string{"tok-a": "user-a"}},
		streaminghttp.WithServerName("e2e"),
		streaminghttp.WithLogger(testLogger(t)),
	)
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}
	handler = h

	client := sdk.NewClient(&sdk.Implementation{Name: "e2e", Version: "0.0.0"}, &sdk.ClientOptions{})
	transport := &sdk.StreamableClientTransport{
		Endpoint:   srv.URL + "/mcp",
		HTTPClient: &http.Client{Transport: authRT{base: http.DefaultTransport}},
	}
	cs, err := client.Connect(ctx, transport, &sdk.ClientSessionOptions{})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer cs.Close()

	lt, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(lt.Tools) != 1 || lt.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", lt.Tools)
	}

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"message": "hello"},
	})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if len(res.Content) == 0 {
		t.Fatalf("unexpected empty call result: %+v", res)
	}
}

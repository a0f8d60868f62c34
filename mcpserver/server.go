// Package mcpserver implements the MCP protocol server: it dispatches
// JSON-RPC requests for initialize, ping, and the tools surface onto a tool
// Registry. Transports (stdio, streaming HTTP) feed it messages and relay its
// responses.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strconv"

	"github.com/tracklight/tracklight-mcp/internal/jsonrpc"
	"github.com/tracklight/tracklight-mcp/internal/logctx"
	"github.com/tracklight/tracklight-mcp/mcp"
)

// supportedProtocolVersions lists the protocol revisions this server can
// negotiate, newest first.
var supportedProtocolVersions = []string{
	mcp.LatestProtocolVersion,
	"2025-03-26",
	"2024-11-05",
}

const defaultPageSize = 50

// Server answers MCP protocol requests against a tool Registry. A single
// Server is shared by every session; all per-caller state travels on the
// context.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	registry     *Registry
	log          *slog.Logger
	pageSize     int
}

// Option configures a Server.
type Option func(*Server)

// WithInstructions sets the instructions text returned from initialize.
func WithInstructions(s string) Option {
	return func(srv *Server) { srv.instructions = s }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(srv *Server) { srv.log = log }
}

// WithPageSize sets the tools/list page size. Non-positive values are ignored.
func WithPageSize(n int) Option {
	return func(srv *Server) {
		if n > 0 {
			srv.pageSize = n
		}
	}
}

// New builds a Server advertising info and serving the registry's tools.
func New(info mcp.ImplementationInfo, registry *Registry, opts ...Option) *Server {
	srv := &Server{
		info:     info,
		registry: registry,
		log:      slog.Default(),
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// Registry returns the tool registry the server dispatches against.
func (s *Server) Registry() *Registry { return s.registry }

// Handle processes one JSON-RPC request or notification. Notifications
// return a nil response. Handler panics or marshal failures surface as
// internal-error responses rather than escaping to the transport.
func (s *Server) Handle(ctx context.Context, req *jsonrpc.Request) (res *jsonrpc.Response) {
	ctx = logctx.WithRPCData(ctx, &logctx.RPCData{Method: req.Method, ID: req.ID.String()})

	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorContext(ctx, "request handler panic",
				slog.Any("panic", r),
				slog.String("method", req.Method),
			)
			if req.IsNotification() {
				res = nil
				return
			}
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error")
		}
	}()

	if req.IsNotification() {
		s.handleNotification(ctx, req)
		return nil
	}

	var (
		result any
		rpcErr *jsonrpc.Error
	)
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		result, rpcErr = s.handleInitialize(ctx, req)
	case mcp.PingMethod:
		result = mcp.EmptyResult{}
	case mcp.ToolsListMethod:
		result, rpcErr = s.handleToolsList(ctx, req)
	case mcp.ToolsCallMethod:
		result, rpcErr = s.handleToolsCall(ctx, req)
	default:
		rpcErr = &jsonrpc.Error{
			Code:    jsonrpc.ErrorCodeMethodNotFound,
			Message: "method not found: " + req.Method,
		}
	}

	if rpcErr != nil {
		return jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message)
	}
	res, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		s.log.ErrorContext(ctx, "marshal response failed", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error")
	}
	return res
}

func (s *Server) handleNotification(ctx context.Context, req *jsonrpc.Request) {
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		s.log.DebugContext(ctx, "client initialized")
	default:
		s.log.DebugContext(ctx, "ignoring notification")
	}
}

func (s *Server) handleInitialize(ctx context.Context, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "invalid initialize params"}
		}
	}

	// Echo the client's revision when we speak it, otherwise offer our
	// newest and let the client decide.
	version := mcp.LatestProtocolVersion
	if slices.Contains(supportedProtocolVersions, params.ProtocolVersion) {
		version = params.ProtocolVersion
	}

	s.log.InfoContext(ctx, "initialize",
		slog.String("client", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version),
		slog.String("protocol_version", version),
	)

	return mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Tools: &struct {
				ListChanged bool `json:"listChanged"`
			}{ListChanged: true},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}, nil
}

func (s *Server) handleToolsList(ctx context.Context, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "invalid tools/list params"}
		}
	}

	all := s.registry.Snapshot()
	start := 0
	if params.Cursor != "" {
		n, err := strconv.Atoi(params.Cursor)
		if err != nil || n < 0 || n > len(all) {
			return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "invalid cursor"}
		}
		start = n
	}
	end := min(start+s.pageSize, len(all))

	result := mcp.ListToolsResult{Tools: all[start:end]}
	if end < len(all) {
		result.NextCursor = strconv.Itoa(end)
	}
	return result, nil
}

func (s *Server) handleToolsCall(ctx context.Context, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "invalid tools/call params"}
	}

	res, err := s.registry.Call(ctx, &params)
	if err != nil {
		s.log.WarnContext(ctx, "tool call failed",
			slog.String("tool", params.Name),
			slog.String("err", err.Error()),
		)
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: err.Error()}
	}
	return res, nil
}

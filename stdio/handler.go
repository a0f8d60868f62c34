// Package stdio runs the MCP server over newline-delimited JSON-RPC on
// stdin/stdout for local, single-user use. No bearer authentication applies;
// the peer is whoever spawned the process.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/tracklight/tracklight-mcp/internal/jsonrpc"
	"github.com/tracklight/tracklight-mcp/mcp"
	"github.com/tracklight/tracklight-mcp/mcpserver"
)

// Handler is a single-connection stdio transport. It reads JSON-RPC messages
// line by line from the reader and writes responses (and server-initiated
// notifications) to the writer, delegating all MCP semantics to the Server.
type Handler struct {
	server *mcpserver.Server
	in     io.Reader
	out    io.Writer
	log    *slog.Logger

	writeMu sync.Mutex
}

// Option configures a Handler.
type Option func(*Handler)

// WithStreams overrides the reader and writer. Defaults to os.Stdin and
// os.Stdout.
func WithStreams(in io.Reader, out io.Writer) Option {
	return func(h *Handler) {
		h.in = in
		h.out = out
	}
}

// WithLogger sets the logger. Defaults to slog.Default(). Logs must go to
// stderr or a file; stdout belongs to the protocol.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(server *mcpserver.Server, opts ...Option) *Handler {
	h := &Handler{
		server: server,
		in:     os.Stdin,
		out:    os.Stdout,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs the event loop until EOF on the reader or context cancellation.
// Tool set changes are pushed to the peer as notifications/tools/list_changed
// between responses.
func (h *Handler) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	changes := h.server.Registry().Subscriber()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				n := &jsonrpc.Request{
					JSONRPCVersion: jsonrpc.ProtocolVersion,
					Method:         string(mcp.ToolsListChangedNotificationMethod),
				}
				if err := h.writeMessage(n); err != nil {
					h.log.WarnContext(ctx, "tools list_changed push failed", slog.String("err", err.Error()))
				}
			}
		}
	}()

	scanner := bufio.NewScanner(h.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			h.log.WarnContext(ctx, "invalid message", slog.String("err", err.Error()))
			if err := h.writeMessage(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "invalid JSON-RPC message")); err != nil {
				return err
			}
			continue
		}
		req := msg.AsRequest()
		if req == nil {
			// Client responses have no place in this server's protocol; drop.
			h.log.DebugContext(ctx, "ignoring response message")
			continue
		}

		res := h.server.Handle(ctx, req)
		if res == nil {
			continue
		}
		if err := h.writeMessage(res); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

func (h *Handler) writeMessage(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.out.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

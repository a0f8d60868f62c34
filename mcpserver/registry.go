package mcpserver

import (
	"context"
	"fmt"
	"sync"

	"github.com/tracklight/tracklight-mcp/mcp"
)

// Registry owns a mutable, threadsafe set of tool descriptors and handlers.
// It also embeds a ChangeNotifier so transports can push
// notifications/tools/list_changed when the tool set is replaced at runtime.
type Registry struct {
	mu       sync.RWMutex
	tools    []mcp.Tool             // descriptors for listing
	handlers map[string]ToolHandler // name -> handler

	notifier ChangeNotifier
}

// NewRegistry constructs a new Registry with the given tool definitions.
func NewRegistry(defs ...Tool) *Registry {
	r := &Registry{}
	r.Replace(context.Background(), defs...)
	return r
}

// Snapshot returns a copy of the current tool descriptors.
func (r *Registry) Snapshot() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Tool, len(r.tools))
	copy(out, r.tools)
	return out
}

// Replace atomically replaces the entire tool set and signals subscribers.
func (r *Registry) Replace(_ context.Context, defs ...Tool) {
	r.mu.Lock()
	r.tools = make([]mcp.Tool, 0, len(defs))
	r.handlers = make(map[string]ToolHandler, len(defs))
	for _, d := range defs {
		// last write wins on duplicate names
		r.tools = append(r.tools, d.Descriptor)
		if d.Handler != nil {
			r.handlers[d.Descriptor.Name] = d.Handler
		}
	}
	r.mu.Unlock()
	r.notifier.Notify()
}

// Call dispatches a request to the named tool if present.
func (r *Registry) Call(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("invalid tool request: missing name")
	}
	r.mu.RLock()
	h := r.handlers[req.Name]
	r.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("tool not found: %s", req.Name)
	}
	return h(ctx, req)
}

// Subscriber returns a channel signalled whenever the tool set changes.
func (r *Registry) Subscriber() <-chan struct{} {
	return r.notifier.Subscriber()
}

// Close shuts down change notification fan-out.
func (r *Registry) Close() {
	r.notifier.Close()
}

// ChangeNotifier provides a simple in-process pub-sub for change events.
type ChangeNotifier struct {
	mu          sync.RWMutex
	subscribers []chan struct{}
	closed      bool
}

// Notify signals all registered listeners. Sends are non-blocking so a slow
// consumer never stalls the notifier.
func (cn *ChangeNotifier) Notify() {
	cn.mu.RLock()
	defer cn.mu.RUnlock()
	if cn.closed {
		return
	}
	for _, ch := range cn.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscriber returns a channel that receives a signal whenever Notify is
// called. The channel is buffered with capacity 1 and closed when the
// notifier shuts down.
func (cn *ChangeNotifier) Subscriber() <-chan struct{} {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch := make(chan struct{}, 1)
	cn.subscribers = append(cn.subscribers, ch)
	return ch
}

// Close closes every subscriber channel. Notify becomes a no-op afterwards.
func (cn *ChangeNotifier) Close() {
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return
	}
	cn.closed = true
	subs := cn.subscribers
	cn.subscribers = nil
	cn.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

package tools

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"tether/pkg/logging"
)

// Info describes a registered tool for listing endpoints.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Stats is a point-in-time snapshot of one tool's call counters. The
// average duration covers every call since startup.
type Stats struct {
	Name          string  `json:"name"`
	Calls         int64   `json:"calls"`
	Errors        int64   `json:"errors"`
	AvgDurationMs float64 `json:"avgDurationMs"`
}

// entry pairs a tool definition with its handler and call counters.
// Entries are held by pointer so the counters stay addressable.
type entry struct {
	tool    mcp.Tool
	handler server.ToolHandlerFunc

	calls      atomic.Int64
	errors     atomic.Int64
	totalNanos atomic.Int64
}

// instrumented wraps the entry's handler with call accounting. Handler
// errors and tool error results both count as failures.
func (e *entry) instrumented() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		result, err := e.handler(ctx, req)
		e.calls.Add(1)
		e.totalNanos.Add(time.Since(start).Nanoseconds())
		if err != nil || (result != nil && result.IsError) {
			e.errors.Add(1)
		}
		return result, err
	}
}

// Registry holds the named tools exposed over MCP. Registration happens
// during startup; lookups and stats snapshots are safe at any time.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*entry)}
}

// Register adds a tool under its schema name. Names must be unique.
func (r *Registry) Register(tool mcp.Tool, handler server.ToolHandlerFunc) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("tool %s has no handler", tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %s is already registered", tool.Name)
	}
	r.tools[tool.Name] = &entry{tool: tool, handler: handler}
	r.order = append(r.order, tool.Name)

	logging.Debug("Tools", "Registered tool %s", tool.Name)
	return nil
}

// Describe returns the listing info for one tool.
func (r *Registry) Describe(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tools[name]
	if !ok {
		return Info{}, false
	}
	return Info{Name: e.tool.Name, Description: e.tool.Description}, true
}

// List returns every registered tool in registration order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.order))
	for _, name := range r.order {
		e := r.tools[name]
		out = append(out, Info{Name: e.tool.Name, Description: e.tool.Description})
	}
	return out
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Handler returns the instrumented handler for a tool, so callers outside
// the MCP engine invoke it with the same accounting the engine sees.
func (r *Registry) Handler(name string) (server.ToolHandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.instrumented(), true
}

// Stats returns a counters snapshot for every tool in registration order.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Stats, 0, len(r.order))
	for _, name := range r.order {
		e := r.tools[name]
		s := Stats{
			Name:   name,
			Calls:  e.calls.Load(),
			Errors: e.errors.Load(),
		}
		if s.Calls > 0 {
			s.AvgDurationMs = float64(e.totalNanos.Load()) / float64(s.Calls) / float64(time.Millisecond)
		}
		out = append(out, s)
	}
	return out
}

// Apply registers every tool with the MCP engine. Handlers are wrapped
// with call accounting before they reach the engine.
func (r *Registry) Apply(engine *server.MCPServer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	serverTools := make([]server.ServerTool, 0, len(r.order))
	for _, name := range r.order {
		e := r.tools[name]
		serverTools = append(serverTools, server.ServerTool{
			Tool:    e.tool,
			Handler: e.instrumented(),
		})
	}
	engine.AddTools(serverTools...)

	logging.Info("Tools", "Exposed %d tools over MCP", len(serverTools))
}

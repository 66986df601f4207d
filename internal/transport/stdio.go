package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"tether/pkg/logging"
)

// StdioTransport serves a single MCP session over stdin/stdout. Stdout
// carries nothing but protocol frames; all diagnostics go to stderr.
type StdioTransport struct {
	mu      sync.Mutex
	engine  *server.MCPServer
	cancel  context.CancelFunc
	running bool

	// stdin/stdout are swappable for tests.
	stdin  io.Reader
	stdout io.Writer
}

// NewStdioTransport creates the transport bound to the process
// stdin/stdout.
func NewStdioTransport() *StdioTransport {
	return &StdioTransport{stdin: os.Stdin, stdout: os.Stdout}
}

// Name implements Transport.
func (t *StdioTransport) Name() string { return "stdio" }

// Initialize binds the protocol engine.
func (t *StdioTransport) Initialize(engine *server.MCPServer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.engine = engine
}

// Start begins serving the stdio session in the background. It returns
// once the reader loop is running.
func (t *StdioTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.engine == nil {
		return fmt.Errorf("stdio transport not initialized")
	}
	if t.running {
		return fmt.Errorf("stdio transport already started")
	}

	stdioServer := server.NewStdioServer(t.engine)
	// Stdout is reserved for protocol frames.
	stdioServer.SetErrorLogger(log.New(os.Stderr, "", log.LstdFlags))

	listenCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.running = true

	stdin, stdout := t.stdin, t.stdout
	go func() {
		logging.Info("Transport", "Stdio transport listening")
		if err := stdioServer.Listen(listenCtx, stdin, stdout); err != nil &&
			!errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
			logging.Error("Transport", err, "Stdio server error")
		}

		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	return nil
}

// Cleanup stops the reader loop. The stdio server exits on context
// cancellation; there is nothing else to drain.
func (t *StdioTransport) Cleanup(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.running = false
	return nil
}

// Health implements Transport.
func (t *StdioTransport) Health() Health {
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()

	h := Health{Transport: t.Name(), Healthy: running}
	if !running {
		h.Detail = "not started"
	}
	return h
}

// Metrics implements Transport. Stdio serves at most one session.
func (t *StdioTransport) Metrics() Metrics {
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()

	m := Metrics{Transport: t.Name()}
	if running {
		m.ActiveSessions = 1
	}
	return m
}

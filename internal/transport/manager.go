package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"tether/internal/session"
	"tether/pkg/logging"
)

// Transport is one MCP traffic carrier owned by the Manager.
type Transport interface {
	// Name identifies the transport in config and logs.
	Name() string

	// Initialize binds the protocol engine. Called once before Start.
	Initialize(engine *server.MCPServer)

	// Start begins serving and returns once the transport is running.
	Start(ctx context.Context) error

	// Cleanup drains and stops the transport.
	Cleanup(ctx context.Context) error

	Health() Health
	Metrics() Metrics
}

// Health is one transport's liveness report.
type Health struct {
	Transport string `json:"transport"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
}

// Metrics is one transport's counters.
type Metrics struct {
	Transport      string `json:"transport"`
	Requests       int64  `json:"requests"`
	Errors         int64  `json:"errors"`
	ActiveSessions int    `json:"activeSessions"`
}

// ManagerConfig selects the active transport and carries the facts the
// compliance checks need.
type ManagerConfig struct {
	// Active names the transport serving at startup.
	Active string

	// OAuthEnabled reports whether the OAuth layer guards MCP requests.
	OAuthEnabled bool

	// HasProvider reports whether an authorization provider was
	// actually constructed. OAuth enabled without one cannot work.
	HasProvider bool
}

// Manager owns the transports' lifecycle: engine binding, start,
// shutdown, and the at-most-one runtime switch between transports.
type Manager struct {
	mu         sync.Mutex
	transports map[string]Transport
	active     string
	started    bool
	switched   bool

	registry *session.Registry
	store    *session.Store
	engine   *server.MCPServer
}

// NewManager validates the transport selection against the OAuth
// configuration and wires the children. Protocol-compliance rules:
// HTTP without OAuth and stdio with OAuth are unusual but allowed
// (logged); OAuth enabled without a provider is a configuration error.
func NewManager(cfg ManagerConfig, registry *session.Registry, store *session.Store, transports ...Transport) (*Manager, error) {
	if cfg.OAuthEnabled && !cfg.HasProvider {
		return nil, fmt.Errorf("OAuth is enabled but no authorization provider is configured")
	}

	byName := make(map[string]Transport, len(transports))
	for _, tr := range transports {
		byName[tr.Name()] = tr
	}
	if _, ok := byName[cfg.Active]; !ok {
		return nil, fmt.Errorf("unknown transport %q", cfg.Active)
	}

	switch {
	case cfg.Active == "streamable-http" && !cfg.OAuthEnabled:
		logging.Warn("TransportManager", "HTTP transport without OAuth: MCP requests are served unauthenticated")
	case cfg.Active == "stdio" && cfg.OAuthEnabled:
		logging.Warn("TransportManager", "Stdio transport with OAuth configured: stdio sessions bypass bearer authentication")
	}

	return &Manager{
		transports: byName,
		active:     cfg.Active,
		registry:   registry,
		store:      store,
	}, nil
}

// Initialize binds the protocol engine to every transport and wires the
// registry close handler: sessions leaving the live map release their
// engine state and are marked inactive in the store.
func (m *Manager) Initialize(engine *server.MCPServer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.engine = engine

	m.registry.OnClose(func(sessionID string) {
		engine.UnregisterSession(context.Background(), sessionID)
		if err := m.store.MarkInactive(context.Background(), sessionID); err != nil {
			logging.Debug("TransportManager", "Failed to mark session %s inactive: %v",
				logging.TruncateSessionID(sessionID), err)
		}
	})

	for _, tr := range m.transports {
		tr.Initialize(engine)
	}
}

// Active returns the name of the transport currently serving.
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Start begins serving on the active transport.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.engine == nil {
		return fmt.Errorf("transport manager not initialized")
	}
	if m.started {
		return fmt.Errorf("transport manager already started")
	}

	if err := m.transports[m.active].Start(ctx); err != nil {
		return fmt.Errorf("starting %s transport: %w", m.active, err)
	}
	m.started = true
	return nil
}

// Cleanup stops the active transport and the session registry.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}

	err := m.transports[m.active].Cleanup(ctx)
	m.started = false
	if err != nil {
		return fmt.Errorf("stopping %s transport: %w", m.active, err)
	}
	return nil
}

// SwitchTransport moves live serving to another transport. At most one
// switch is supported for the lifetime of the process; a second attempt
// errors.
func (m *Manager) SwitchTransport(ctx context.Context, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.switched {
		return fmt.Errorf("transport already switched once (%s active); restart to switch again", m.active)
	}
	next, ok := m.transports[to]
	if !ok {
		return fmt.Errorf("unknown transport %q", to)
	}
	if to == m.active {
		return fmt.Errorf("transport %q is already active", to)
	}

	if m.started {
		if err := m.transports[m.active].Cleanup(ctx); err != nil {
			return fmt.Errorf("stopping %s transport: %w", m.active, err)
		}
		if err := next.Start(ctx); err != nil {
			return fmt.Errorf("starting %s transport: %w", to, err)
		}
	}

	logging.Info("TransportManager", "Switched transport %s -> %s", m.active, to)
	m.active = to
	m.switched = true
	return nil
}

// Health aggregates the children's liveness, active transport first.
func (m *Manager) Health() []Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(func(tr Transport) Health { return tr.Health() })
}

// Metrics aggregates the children's counters, active transport first.
func (m *Manager) Metrics() []Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collectMetrics()
}

// Healthy reports whether the active transport is serving.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started && m.transports[m.active].Health().Healthy
}

func (m *Manager) collect(f func(Transport) Health) []Health {
	out := make([]Health, 0, len(m.transports))
	out = append(out, f(m.transports[m.active]))
	for name, tr := range m.transports {
		if name == m.active {
			continue
		}
		out = append(out, f(tr))
	}
	return out
}

func (m *Manager) collectMetrics() []Metrics {
	out := make([]Metrics, 0, len(m.transports))
	out = append(out, m.transports[m.active].Metrics())
	for name, tr := range m.transports {
		if name == m.active {
			continue
		}
		out = append(out, tr.Metrics())
	}
	return out
}

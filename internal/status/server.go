package status

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strings"
	"time"

	"tether/internal/tools"
	"tether/internal/transport"
	"tether/pkg/logging"
)

// TransportStatus reports transport health and metrics. Implemented by
// *transport.Manager.
type TransportStatus interface {
	Active() string
	Healthy() bool
	Health() []transport.Health
	Metrics() []transport.Metrics
}

// ToolCatalog lists registered tools and their call counters. Implemented
// by *tools.Registry.
type ToolCatalog interface {
	List() []tools.Info
	Describe(name string) (tools.Info, bool)
	Stats() []tools.Stats
}

// SessionCounter reports how many sessions are live in memory.
// Implemented by *session.Registry.
type SessionCounter interface {
	Count() int
}

// AuthStats counts authorization server state. Implemented by
// *authserver.ClientRegistry.
type AuthStats interface {
	CountClients(ctx context.Context) (int, error)
}

// Config wires the status server to the components it reports on. Any
// field may be nil; the affected sections then report zeros or disabled.
type Config struct {
	Name      string
	Version   string
	StartedAt time.Time

	Transport TransportStatus
	Tools     ToolCatalog
	Sessions  SessionCounter
	Auth      AuthStats
}

// Server answers the /api/v1 observability endpoints. It holds no state
// of its own beyond the start time used for uptime reporting.
type Server struct {
	cfg Config
}

// NewServer creates the status server. A zero StartedAt defaults to now.
func NewServer(cfg Config) *Server {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}
	return &Server{cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	path := r.URL.Path
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}

	switch {
	case path == "/api/v1/status" || path == "/status":
		s.handleStatus(w, r)
	case path == "/api/v1/status/health" || path == "/health":
		s.handleHealth(w, r)
	case path == "/api/v1/status/ready":
		s.handleReady(w, r)
	case path == "/api/v1/status/live":
		s.handleLive(w, r)
	case path == "/api/v1/metrics":
		s.handleMetrics(w, r)
	case path == "/api/v1/metrics/auth":
		s.handleAuthMetrics(w, r)
	case path == "/api/v1/metrics/workflows":
		s.handleWorkflowMetrics(w, r)
	case path == "/api/v1/metrics/performance":
		s.handlePerformanceMetrics(w, r)
	case path == "/api/v1/workflows":
		s.handleWorkflows(w, r)
	case strings.HasPrefix(path, "/api/v1/workflows/"):
		s.handleWorkflow(w, r, strings.TrimPrefix(path, "/api/v1/workflows/"))
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

type statusResponse struct {
	Name           string    `json:"name"`
	Version        string    `json:"version"`
	Transport      string    `json:"transport"`
	Healthy        bool      `json:"healthy"`
	StartedAt      time.Time `json:"startedAt"`
	UptimeSeconds  float64   `json:"uptimeSeconds"`
	ActiveSessions int       `json:"activeSessions"`
	Tools          int       `json:"tools"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Name:          s.cfg.Name,
		Version:       s.cfg.Version,
		StartedAt:     s.cfg.StartedAt,
		UptimeSeconds: time.Since(s.cfg.StartedAt).Seconds(),
	}
	if s.cfg.Transport != nil {
		resp.Transport = s.cfg.Transport.Active()
		resp.Healthy = s.cfg.Transport.Healthy()
	}
	if s.cfg.Sessions != nil {
		resp.ActiveSessions = s.cfg.Sessions.Count()
	}
	if s.cfg.Tools != nil {
		resp.Tools = len(s.cfg.Tools.List())
	}
	writeJSON(w, http.StatusOK, resp)
}

type healthResponse struct {
	Healthy    bool               `json:"healthy"`
	Transports []transport.Health `json:"transports"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{}
	if s.cfg.Transport != nil {
		resp.Healthy = s.cfg.Transport.Healthy()
		resp.Transports = s.cfg.Transport.Health()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReady is the readiness probe: 200 once the active transport is
// serving, 503 before that and during shutdown.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.cfg.Transport != nil && s.cfg.Transport.Healthy()
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]bool{"ready": ready})
}

// handleLive is the liveness probe: the process answering is the signal.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

type authMetrics struct {
	Enabled           bool `json:"enabled"`
	RegisteredClients int  `json:"registeredClients"`
	ActiveSessions    int  `json:"activeSessions"`
}

type performanceMetrics struct {
	UptimeSeconds float64             `json:"uptimeSeconds"`
	Goroutines    int                 `json:"goroutines"`
	Transports    []transport.Metrics `json:"transports"`
}

type metricsResponse struct {
	Auth        authMetrics        `json:"auth"`
	Workflows   []tools.Stats      `json:"workflows"`
	Performance performanceMetrics `json:"performance"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	auth, err := s.collectAuth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "collecting auth metrics")
		return
	}
	writeJSON(w, http.StatusOK, metricsResponse{
		Auth:        auth,
		Workflows:   s.collectWorkflows(),
		Performance: s.collectPerformance(),
	})
}

func (s *Server) handleAuthMetrics(w http.ResponseWriter, r *http.Request) {
	auth, err := s.collectAuth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "collecting auth metrics")
		return
	}
	writeJSON(w, http.StatusOK, auth)
}

func (s *Server) handleWorkflowMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collectWorkflows())
}

func (s *Server) handlePerformanceMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collectPerformance())
}

func (s *Server) collectAuth(ctx context.Context) (authMetrics, error) {
	m := authMetrics{}
	if s.cfg.Sessions != nil {
		m.ActiveSessions = s.cfg.Sessions.Count()
	}
	if s.cfg.Auth == nil {
		return m, nil
	}
	m.Enabled = true
	clients, err := s.cfg.Auth.CountClients(ctx)
	if err != nil {
		logging.Error("Status", err, "Counting registered clients failed")
		return m, err
	}
	m.RegisteredClients = clients
	return m, nil
}

func (s *Server) collectWorkflows() []tools.Stats {
	if s.cfg.Tools == nil {
		return []tools.Stats{}
	}
	return s.cfg.Tools.Stats()
}

func (s *Server) collectPerformance() performanceMetrics {
	m := performanceMetrics{
		UptimeSeconds: time.Since(s.cfg.StartedAt).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
	}
	if s.cfg.Transport != nil {
		m.Transports = s.cfg.Transport.Metrics()
	}
	return m
}

type workflowsResponse struct {
	Workflows []tools.Info `json:"workflows"`
	Count     int          `json:"count"`
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	list := []tools.Info{}
	if s.cfg.Tools != nil {
		list = s.cfg.Tools.List()
	}
	writeJSON(w, http.StatusOK, workflowsResponse{Workflows: list, Count: len(list)})
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request, name string) {
	if s.cfg.Tools != nil {
		if info, ok := s.cfg.Tools.Describe(name); ok {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	writeError(w, http.StatusNotFound, "workflow not found: "+name)
}

// errorBody mirrors the transport layer's error shape so API consumers
// see one format everywhere.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorBody{Error: errorDetail{Message: message, Status: code}})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error("Status", err, "Encoding status response failed")
	}
}

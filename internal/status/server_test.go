package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/tools"
	"tether/internal/transport"
)

type fakeTransportStatus struct {
	active  string
	healthy bool
	health  []transport.Health
	metrics []transport.Metrics
}

func (f *fakeTransportStatus) Active() string               { return f.active }
func (f *fakeTransportStatus) Healthy() bool                { return f.healthy }
func (f *fakeTransportStatus) Health() []transport.Health   { return f.health }
func (f *fakeTransportStatus) Metrics() []transport.Metrics { return f.metrics }

type fakeSessions struct{ count int }

func (f fakeSessions) Count() int { return f.count }

type fakeAuthStats struct {
	clients int
	err     error
}

func (f fakeAuthStats) CountClients(ctx context.Context) (int, error) { return f.clients, f.err }

func healthyTransport() *fakeTransportStatus {
	return &fakeTransportStatus{
		active:  "streamable-http",
		healthy: true,
		health: []transport.Health{
			{Transport: "streamable-http", Healthy: true},
			{Transport: "stdio", Healthy: false, Detail: "not started"},
		},
		metrics: []transport.Metrics{
			{Transport: "streamable-http", Requests: 12, Errors: 1, ActiveSessions: 2},
		},
	}
}

func testCatalog(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	echo := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("ok"), nil
	}
	require.NoError(t, reg.Register(mcp.Tool{Name: "echo", Description: "Echo a message", InputSchema: mcp.ToolInputSchema{Type: "object"}}, echo))
	require.NoError(t, reg.Register(mcp.Tool{Name: "whoami", Description: "Report identity", InputSchema: mcp.ToolInputSchema{Type: "object"}}, echo))
	return reg
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "tether-test"
	}
	if cfg.Version == "" {
		cfg.Version = "0.0.1"
	}
	ts := httptest.NewServer(NewServer(cfg))
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, ts *httptest.Server, path string, out any) int {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestStatusEndpoint(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	ts := newTestServer(t, Config{
		StartedAt: started,
		Transport: healthyTransport(),
		Tools:     testCatalog(t),
		Sessions:  fakeSessions{count: 3},
	})

	var got struct {
		Name           string  `json:"name"`
		Version        string  `json:"version"`
		Transport      string  `json:"transport"`
		Healthy        bool    `json:"healthy"`
		UptimeSeconds  float64 `json:"uptimeSeconds"`
		ActiveSessions int     `json:"activeSessions"`
		Tools          int     `json:"tools"`
	}
	for _, path := range []string{"/api/v1/status", "/status"} {
		code := getJSON(t, ts, path, &got)
		require.Equal(t, http.StatusOK, code, path)

		assert.Equal(t, "tether-test", got.Name)
		assert.Equal(t, "0.0.1", got.Version)
		assert.Equal(t, "streamable-http", got.Transport)
		assert.True(t, got.Healthy)
		assert.Greater(t, got.UptimeSeconds, 59.0)
		assert.Equal(t, 3, got.ActiveSessions)
		assert.Equal(t, 2, got.Tools)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, Config{Transport: healthyTransport()})

	var got struct {
		Healthy    bool `json:"healthy"`
		Transports []struct {
			Transport string `json:"transport"`
			Healthy   bool   `json:"healthy"`
			Detail    string `json:"detail"`
		} `json:"transports"`
	}
	for _, path := range []string{"/api/v1/status/health", "/health"} {
		code := getJSON(t, ts, path, &got)
		require.Equal(t, http.StatusOK, code, path)

		assert.True(t, got.Healthy)
		require.Len(t, got.Transports, 2)
		assert.Equal(t, "streamable-http", got.Transports[0].Transport)
		assert.Equal(t, "not started", got.Transports[1].Detail)
	}
}

func TestReadyEndpoint(t *testing.T) {
	ready := newTestServer(t, Config{Transport: healthyTransport()})

	var got map[string]bool
	code := getJSON(t, ready, "/api/v1/status/ready", &got)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, got["ready"])

	notReady := newTestServer(t, Config{Transport: &fakeTransportStatus{active: "streamable-http"}})
	code = getJSON(t, notReady, "/api/v1/status/ready", &got)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.False(t, got["ready"])
}

func TestLiveEndpoint(t *testing.T) {
	ts := newTestServer(t, Config{})

	var got map[string]bool
	code := getJSON(t, ts, "/api/v1/status/live", &got)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, got["alive"])
}

func TestMetricsEndpoint(t *testing.T) {
	catalog := testCatalog(t)
	handler, ok := catalog.Handler("echo")
	require.True(t, ok)
	_, err := handler(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)

	ts := newTestServer(t, Config{
		Transport: healthyTransport(),
		Tools:     catalog,
		Sessions:  fakeSessions{count: 2},
		Auth:      fakeAuthStats{clients: 4},
	})

	var got struct {
		Auth struct {
			Enabled           bool `json:"enabled"`
			RegisteredClients int  `json:"registeredClients"`
			ActiveSessions    int  `json:"activeSessions"`
		} `json:"auth"`
		Workflows []struct {
			Name  string `json:"name"`
			Calls int64  `json:"calls"`
		} `json:"workflows"`
		Performance struct {
			Goroutines int `json:"goroutines"`
			Transports []struct {
				Requests int64 `json:"requests"`
			} `json:"transports"`
		} `json:"performance"`
	}
	code := getJSON(t, ts, "/api/v1/metrics", &got)
	require.Equal(t, http.StatusOK, code)

	assert.True(t, got.Auth.Enabled)
	assert.Equal(t, 4, got.Auth.RegisteredClients)
	assert.Equal(t, 2, got.Auth.ActiveSessions)

	require.Len(t, got.Workflows, 2)
	assert.Equal(t, "echo", got.Workflows[0].Name)
	assert.Equal(t, int64(1), got.Workflows[0].Calls)
	assert.Zero(t, got.Workflows[1].Calls)

	assert.Greater(t, got.Performance.Goroutines, 0)
	require.Len(t, got.Performance.Transports, 1)
	assert.Equal(t, int64(12), got.Performance.Transports[0].Requests)
}

func TestAuthMetricsDisabled(t *testing.T) {
	ts := newTestServer(t, Config{Sessions: fakeSessions{count: 1}})

	var got struct {
		Enabled        bool `json:"enabled"`
		ActiveSessions int  `json:"activeSessions"`
	}
	code := getJSON(t, ts, "/api/v1/metrics/auth", &got)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, got.Enabled)
	assert.Equal(t, 1, got.ActiveSessions)
}

func TestAuthMetricsError(t *testing.T) {
	ts := newTestServer(t, Config{Auth: fakeAuthStats{err: errors.New("store closed")}})

	var got struct {
		Error struct {
			Message string `json:"message"`
			Status  int    `json:"status"`
		} `json:"error"`
	}
	code := getJSON(t, ts, "/api/v1/metrics/auth", &got)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, http.StatusInternalServerError, got.Error.Status)
	assert.Contains(t, got.Error.Message, "auth metrics")

	code = getJSON(t, ts, "/api/v1/metrics", nil)
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestWorkflowMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, Config{Tools: testCatalog(t)})

	var got []struct {
		Name string `json:"name"`
	}
	code := getJSON(t, ts, "/api/v1/metrics/workflows", &got)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, got, 2)
	assert.Equal(t, "echo", got[0].Name)
	assert.Equal(t, "whoami", got[1].Name)
}

func TestWorkflowEndpoints(t *testing.T) {
	ts := newTestServer(t, Config{Tools: testCatalog(t)})

	var list struct {
		Workflows []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"workflows"`
		Count int `json:"count"`
	}
	for _, path := range []string{"/api/v1/workflows", "/api/v1/workflows/"} {
		code := getJSON(t, ts, path, &list)
		require.Equal(t, http.StatusOK, code, path)
		assert.Equal(t, 2, list.Count)
		require.Len(t, list.Workflows, 2)
		assert.Equal(t, "echo", list.Workflows[0].Name)
	}

	var info struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	code := getJSON(t, ts, "/api/v1/workflows/echo", &info)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Echo a message", info.Description)

	var body struct {
		Error struct {
			Message string `json:"message"`
			Status  int    `json:"status"`
		} `json:"error"`
	}
	code = getJSON(t, ts, "/api/v1/workflows/missing", &body)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body.Error.Message, "missing")

	code = getJSON(t, ts, "/api/v1/workflows/echo/nested", &body)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, err := http.Post(ts.URL+"/api/v1/status", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodGet, resp.Header.Get("Allow"))

	var body struct {
		Error struct {
			Message string `json:"message"`
			Status  int    `json:"status"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusMethodNotAllowed, body.Error.Status)
}

func TestUnknownPath(t *testing.T) {
	ts := newTestServer(t, Config{})

	var body struct {
		Error struct {
			Status int `json:"status"`
		} `json:"error"`
	}
	code := getJSON(t, ts, "/api/v1/bogus", &body)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, http.StatusNotFound, body.Error.Status)
}

func TestEmptyConfig(t *testing.T) {
	ts := newTestServer(t, Config{})

	var got struct {
		Transport string `json:"transport"`
		Healthy   bool   `json:"healthy"`
		Tools     int    `json:"tools"`
	}
	code := getJSON(t, ts, "/api/v1/status", &got)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, got.Transport)
	assert.False(t, got.Healthy)
	assert.Zero(t, got.Tools)

	code = getJSON(t, ts, "/api/v1/metrics", nil)
	assert.Equal(t, http.StatusOK, code)
}

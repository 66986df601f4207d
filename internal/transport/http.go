package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"tether/internal/eventlog"
	"tether/internal/reqctx"
	"tether/internal/session"
	"tether/pkg/logging"
)

const (
	// maxRequestBody bounds POST /mcp bodies.
	maxRequestBody = 8 << 20

	// notificationBuffer is the per-session channel capacity for
	// engine-initiated notifications.
	notificationBuffer = 100

	// keepAliveInterval paces SSE comment frames on the standalone
	// stream so intermediaries do not reap idle connections.
	keepAliveInterval = 30 * time.Second
)

// HTTPConfig configures the streamable HTTP transport.
type HTTPConfig struct {
	Host string
	Port int

	// RequestTimeout bounds each POST exchange. The standalone GET
	// stream is exempt; it lives until either side disconnects.
	RequestTimeout time.Duration

	// EventRetention is the number of events kept per session stream
	// for Last-Event-Id replay.
	EventRetention int
}

// HTTPTransport is the streamable HTTP MCP transport. It owns the /mcp
// endpoint and the HTTP server lifecycle; the surrounding mux (OAuth
// endpoints, status API) is assembled by BuildMux and handed to Start
// via SetHandler.
type HTTPTransport struct {
	cfg      HTTPConfig
	registry *session.Registry
	store    *session.Store
	events   *eventlog.Log

	mu         sync.RWMutex
	engine     *server.MCPServer
	handler    http.Handler
	httpServer *http.Server

	requests atomic.Int64
	errors   atomic.Int64
}

// NewHTTPTransport creates the transport. Initialize must be called
// with the protocol engine before Start.
func NewHTTPTransport(cfg HTTPConfig, registry *session.Registry, store *session.Store, events *eventlog.Log) *HTTPTransport {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &HTTPTransport{
		cfg:      cfg,
		registry: registry,
		store:    store,
		events:   events,
	}
}

// Name implements Transport.
func (t *HTTPTransport) Name() string { return "streamable-http" }

// Initialize binds the protocol engine.
func (t *HTTPTransport) Initialize(engine *server.MCPServer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.engine = engine
}

// SetHandler installs the fully assembled root handler served by Start.
func (t *HTTPTransport) SetHandler(handler http.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Start binds the listen address and serves until Cleanup. It returns
// once the listener is running; serve errors are logged.
func (t *HTTPTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.engine == nil {
		return fmt.Errorf("http transport not initialized")
	}
	if t.httpServer != nil {
		return fmt.Errorf("http transport already started")
	}

	handler := t.handler
	if handler == nil {
		mux := http.NewServeMux()
		mux.HandleFunc("/mcp", t.HandleMCP)
		handler = mux
	}

	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	t.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpServer := t.httpServer
	go func() {
		logging.Info("Transport", "Streamable HTTP transport listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Transport", err, "HTTP server error")
		}
	}()

	return nil
}

// Cleanup drains in-flight requests and stops the server.
func (t *HTTPTransport) Cleanup(ctx context.Context) error {
	t.mu.Lock()
	httpServer := t.httpServer
	t.httpServer = nil
	t.mu.Unlock()

	if httpServer == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}
	return nil
}

// Health implements Transport.
func (t *HTTPTransport) Health() Health {
	t.mu.RLock()
	running := t.httpServer != nil
	t.mu.RUnlock()

	h := Health{Transport: t.Name(), Healthy: running}
	if !running {
		h.Detail = "not started"
	}
	return h
}

// Metrics implements Transport.
func (t *HTTPTransport) Metrics() Metrics {
	return Metrics{
		Transport:      t.Name(),
		Requests:       t.requests.Load(),
		Errors:         t.errors.Load(),
		ActiveSessions: t.registry.Count(),
	}
}

// HandleMCP serves the /mcp endpoint.
func (t *HTTPTransport) HandleMCP(w http.ResponseWriter, r *http.Request) {
	t.requests.Add(1)

	switch r.Method {
	case http.MethodPost:
		t.handlePost(w, r)
	case http.MethodGet:
		t.handleGet(w, r)
	case http.MethodDelete:
		t.handleDelete(w, r)
	default:
		t.errors.Add(1)
		w.Header().Set("Allow", "POST, GET, DELETE")
		writeTransportError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed on /mcp", r.Method))
	}
}

// handlePost processes one JSON-RPC exchange: parse single message or
// batch, resolve the session, drive the engine, and respond with JSON
// or an SSE stream depending on the Accept header.
func (t *HTTPTransport) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), t.cfg.RequestTimeout)
	defer cancel()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		t.errors.Add(1)
		writeTransportError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	messages, batch, err := splitMessages(body)
	if err != nil {
		t.errors.Add(1)
		writeJSONRPCError(w, http.StatusBadRequest, mcp.PARSE_ERROR, fmt.Sprintf("parse error: %v", err))
		return
	}
	hasRequests, hasInitialize := probeMessages(messages)

	sess, status, err := t.resolveSession(ctx, r, hasInitialize)
	if err != nil {
		t.errors.Add(1)
		if status == http.StatusBadRequest {
			writeJSONRPCError(w, status, mcp.INVALID_REQUEST, err.Error())
		} else {
			writeTransportError(w, status, err.Error())
		}
		return
	}

	// The session id is echoed on every response so clients learn the
	// assigned id from the initialize exchange.
	w.Header().Set(HeaderSessionID, sess.SessionID())

	if err := t.store.UpdateActivity(ctx, sess.SessionID()); err != nil {
		logging.Debug("Transport", "Activity update failed for session %s: %v",
			logging.TruncateSessionID(sess.SessionID()), err)
	}

	sctx := t.withEngineContext(ctx, sess)

	if !hasRequests {
		// Notifications and responses produce no reply; acknowledge.
		for _, msg := range messages {
			t.engineHandle(sctx, msg)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if acceptsSSE(r) {
		t.respondSSE(sctx, w, sess, messages)
	} else {
		t.respondJSON(sctx, w, messages, batch)
	}
}

// resolveSession maps the Mcp-Session-Id header to a live session,
// creating one when the exchange carries an initialize request. The
// returned status is meaningful only on error.
func (t *HTTPTransport) resolveSession(ctx context.Context, r *http.Request, hasInitialize bool) (*httpSession, int, error) {
	sessionID := r.Header.Get(HeaderSessionID)

	if sessionID == "" {
		if !hasInitialize {
			return nil, http.StatusBadRequest, fmt.Errorf("%s header required", HeaderSessionID)
		}
		sess, err := t.createSession(ctx, r)
		if err != nil {
			var limitErr *session.SessionLimitExceededError
			if errors.As(err, &limitErr) {
				return nil, http.StatusServiceUnavailable, err
			}
			return nil, http.StatusInternalServerError, err
		}
		return sess, 0, nil
	}

	live, ok := t.registry.Get(sessionID)
	if !ok {
		return nil, http.StatusNotFound, fmt.Errorf("session not found: %s", logging.TruncateSessionID(sessionID))
	}
	sess, ok := live.Stream().(*httpSession)
	if !ok {
		return nil, http.StatusNotFound, fmt.Errorf("session %s is not bound to this transport", logging.TruncateSessionID(sessionID))
	}
	return sess, 0, nil
}

// createSession assigns a fresh session id, registers it with the
// engine and the live registry, persists the descriptor, and starts the
// notification pump.
func (t *HTTPTransport) createSession(ctx context.Context, r *http.Request) (*httpSession, error) {
	engine := t.currentEngine()
	if engine == nil {
		return nil, fmt.Errorf("transport not initialized")
	}

	userID := r.Header.Get(HeaderUserID)
	if rc, ok := reqctx.FromContext(r.Context()); ok && rc.UserID != "" {
		userID = rc.UserID
	}

	sess := newHTTPSession(uuid.NewString(), userID)

	if err := engine.RegisterSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("registering session with engine: %w", err)
	}

	if _, err := t.registry.Register(sess.SessionID(), userID, sess); err != nil {
		engine.UnregisterSession(ctx, sess.SessionID())
		return nil, err
	}

	transportCfg := session.TransportConfig{Host: t.cfg.Host, Port: t.cfg.Port}
	if err := t.store.PersistSession(ctx, sess.SessionID(), transportCfg, userID, nil); err != nil {
		t.registry.Remove(sess.SessionID())
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	go t.pumpNotifications(sess)

	logging.Info("Transport", "Created session %s (user=%s)",
		logging.TruncateSessionID(sess.SessionID()), userID)
	return sess, nil
}

// AttachRestoredSession rebuilds the live binding for a persisted
// session after a restart. It satisfies session.AttachFunc. Restored
// sessions count as initialized: their client completed the handshake
// before the restart and will not repeat it.
func (t *HTTPTransport) AttachRestoredSession(ctx context.Context, info *session.PersistedSession) (session.Stream, error) {
	engine := t.currentEngine()
	if engine == nil {
		return nil, fmt.Errorf("transport not initialized")
	}

	sess := newHTTPSession(info.SessionID, info.UserID)
	sess.Initialize()

	if err := engine.RegisterSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("registering restored session with engine: %w", err)
	}

	go t.pumpNotifications(sess)
	return sess, nil
}

// respondJSON drives the engine for each message and renders the
// responses as one JSON body (an array when the request was a batch).
func (t *HTTPTransport) respondJSON(ctx context.Context, w http.ResponseWriter, messages []json.RawMessage, batch bool) {
	responses := make([]json.RawMessage, 0, len(messages))
	for _, msg := range messages {
		resp := t.engineHandle(ctx, msg)
		if resp == nil {
			continue
		}
		data, err := json.Marshal(resp)
		if err != nil {
			logging.Error("Transport", err, "Failed to marshal engine response")
			t.errors.Add(1)
			continue
		}
		responses = append(responses, data)
	}

	if len(responses) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if batch {
		_ = json.NewEncoder(w).Encode(responses)
		return
	}
	_, _ = w.Write(responses[0])
}

// respondSSE drives the engine and streams each response as a
// server-sent event. Every frame is stored to the event log before it
// is flushed; the returned event id becomes the SSE id so clients can
// resume with Last-Event-Id.
func (t *HTTPTransport) respondSSE(ctx context.Context, w http.ResponseWriter, sess *httpSession, messages []json.RawMessage) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		t.errors.Add(1)
		writeTransportError(w, http.StatusInternalServerError, "streaming unsupported by connection")
		return
	}

	writeSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	for _, msg := range messages {
		resp := t.engineHandle(ctx, msg)
		if resp == nil {
			continue
		}
		data, err := json.Marshal(resp)
		if err != nil {
			logging.Error("Transport", err, "Failed to marshal engine response")
			t.errors.Add(1)
			continue
		}

		eventID := t.storeEvent(ctx, sess.SessionID(), data)
		if err := writeSSEEvent(w, flusher, eventID, data); err != nil {
			logging.Debug("Transport", "Client disconnected mid-stream on session %s",
				logging.TruncateSessionID(sess.SessionID()))
			return
		}
	}

	t.trimStream(ctx, sess.SessionID())
}

// handleGet serves the standalone SSE stream carrying server-initiated
// messages. A Last-Event-Id header replays the missed tail of the
// session stream before live delivery begins.
func (t *HTTPTransport) handleGet(w http.ResponseWriter, r *http.Request) {
	if !acceptsSSE(r) {
		t.errors.Add(1)
		writeTransportError(w, http.StatusBadRequest, "GET /mcp requires Accept: text/event-stream")
		return
	}

	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		t.errors.Add(1)
		writeTransportError(w, http.StatusBadRequest, fmt.Sprintf("%s header required", HeaderSessionID))
		return
	}

	live, ok := t.registry.Get(sessionID)
	if !ok {
		t.errors.Add(1)
		writeTransportError(w, http.StatusNotFound, fmt.Sprintf("session not found: %s", logging.TruncateSessionID(sessionID)))
		return
	}
	sess, ok := live.Stream().(*httpSession)
	if !ok {
		t.errors.Add(1)
		writeTransportError(w, http.StatusNotFound, "session is not bound to this transport")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		t.errors.Add(1)
		writeTransportError(w, http.StatusInternalServerError, "streaming unsupported by connection")
		return
	}

	writeSSEHeaders(w)
	w.Header().Set(HeaderSessionID, sess.SessionID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Replay strictly after the client's cursor, in stored order,
	// before any live frame so ordering is preserved end to end. The
	// cursor must belong to this session's own stream; a foreign or
	// stale cursor skips replay the same way a vanished one does.
	if lastEventID := r.Header.Get(HeaderLastEventID); lastEventID != "" {
		if !strings.HasPrefix(lastEventID, sess.SessionID()+"|") {
			logging.Debug("Transport", "Ignoring resume cursor from another stream on session %s",
				logging.TruncateSessionID(sess.SessionID()))
		} else {
			_, err := t.events.ReplayEventsAfter(r.Context(), lastEventID, func(eventID string, message []byte) error {
				return writeSSEEvent(w, flusher, eventID, message)
			})
			if err != nil {
				logging.Error("Transport", err, "Replay failed for session %s",
					logging.TruncateSessionID(sess.SessionID()))
				return
			}
		}
	}

	writer := newSSEWriter(w, flusher)
	sess.attach(writer)
	defer sess.detach(writer)

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.done:
			return
		case <-keepAlive.C:
			if err := writer.comment("keep-alive"); err != nil {
				return
			}
		}
	}
}

// handleDelete terminates a session: close the live binding, mark the
// descriptor inactive, drop engine state.
func (t *HTTPTransport) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		t.errors.Add(1)
		writeTransportError(w, http.StatusBadRequest, fmt.Sprintf("%s header required", HeaderSessionID))
		return
	}

	if _, ok := t.registry.Get(sessionID); !ok {
		t.errors.Add(1)
		writeTransportError(w, http.StatusNotFound, fmt.Sprintf("session not found: %s", logging.TruncateSessionID(sessionID)))
		return
	}

	t.registry.Remove(sessionID)
	logging.Info("Transport", "Terminated session %s", logging.TruncateSessionID(sessionID))
	w.WriteHeader(http.StatusNoContent)
}

// pumpNotifications forwards engine-initiated notifications to the
// session stream: store first, then deliver to the attached standalone
// stream if one is connected. Undeliverable notifications stay
// replayable through the event log.
func (t *HTTPTransport) pumpNotifications(sess *httpSession) {
	for {
		select {
		case <-sess.done:
			return
		case notification := <-sess.notifications:
			data, err := json.Marshal(notification)
			if err != nil {
				logging.Error("Transport", err, "Failed to marshal notification")
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			eventID := t.storeEvent(ctx, sess.SessionID(), data)
			t.trimStream(ctx, sess.SessionID())
			cancel()

			sess.deliver(eventID, data)
		}
	}
}

// storeEvent persists one outbound frame. Returns an empty id when the
// store is unavailable: the frame is still sent, it just cannot be
// resumed to.
func (t *HTTPTransport) storeEvent(ctx context.Context, streamID string, data []byte) string {
	eventID, err := t.events.StoreEvent(ctx, streamID, data)
	if err != nil {
		t.errors.Add(1)
		logging.Error("Transport", err, "Failed to store event for stream %s",
			logging.TruncateSessionID(streamID))
		return ""
	}
	return eventID
}

// trimStream enforces the configured per-stream retention.
func (t *HTTPTransport) trimStream(ctx context.Context, streamID string) {
	if t.cfg.EventRetention <= 0 {
		return
	}
	if _, err := t.events.CleanupOldEvents(ctx, streamID, t.cfg.EventRetention); err != nil {
		logging.Debug("Transport", "Event retention cleanup failed for stream %s: %v",
			logging.TruncateSessionID(streamID), err)
	}
}

func (t *HTTPTransport) currentEngine() *server.MCPServer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.engine
}

// withEngineContext attaches the session to the context so the engine
// resolves session-scoped state during HandleMessage.
func (t *HTTPTransport) withEngineContext(ctx context.Context, sess *httpSession) context.Context {
	engine := t.currentEngine()
	if engine == nil {
		return ctx
	}
	return engine.WithContext(ctx, sess)
}

// engineHandle runs one raw JSON-RPC message through the engine.
// Notifications yield nil.
func (t *HTTPTransport) engineHandle(ctx context.Context, raw json.RawMessage) mcp.JSONRPCMessage {
	engine := t.currentEngine()
	if engine == nil {
		return nil
	}
	return engine.HandleMessage(ctx, raw)
}

// splitMessages parses the body into individual JSON-RPC messages,
// reporting whether it was a batch.
func splitMessages(body []byte) ([]json.RawMessage, bool, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, errors.New("empty request body")
	}

	if trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, true, fmt.Errorf("malformed batch: %w", err)
		}
		if len(batch) == 0 {
			return nil, true, errors.New("empty batch")
		}
		return batch, true, nil
	}

	if !json.Valid(trimmed) {
		return nil, false, errors.New("malformed JSON")
	}
	return []json.RawMessage{json.RawMessage(trimmed)}, false, nil
}

// probeMessages inspects messages for requests (anything with a
// non-null id) and for the initialize handshake.
func probeMessages(messages []json.RawMessage) (hasRequests, hasInitialize bool) {
	for _, msg := range messages {
		var probe struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.Unmarshal(msg, &probe); err != nil {
			continue
		}
		if len(probe.ID) > 0 && string(probe.ID) != "null" {
			hasRequests = true
		}
		if probe.Method == "initialize" {
			hasInitialize = true
		}
	}
	return hasRequests, hasInitialize
}

func acceptsSSE(r *http.Request) bool {
	for _, accept := range r.Header.Values("Accept") {
		if strings.Contains(accept, "text/event-stream") {
			return true
		}
	}
	return false
}

// transportErrorBody is the JSON error shape of non-OAuth endpoints.
type transportErrorBody struct {
	Error transportErrorDetail `json:"error"`
}

type transportErrorDetail struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func writeTransportError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(transportErrorBody{
		Error: transportErrorDetail{Message: message, Status: status},
	})
}

// writeJSONRPCError emits a protocol-level JSON-RPC error with a null
// id, for failures before any message could be dispatched.
func writeJSONRPCError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]interface{}{
		"jsonrpc": mcp.JSONRPC_VERSION,
		"id":      nil,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}
	_ = json.NewEncoder(w).Encode(body)
}

package transport

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"

	"tether/pkg/logging"
)

// httpSession is the live binding of one MCP session on the streamable
// HTTP transport. It implements mcp-go's server.ClientSession so the
// engine can track it, and session.Stream so the registry can close it.
type httpSession struct {
	id     string
	userID string

	initialized   atomic.Bool
	notifications chan mcp.JSONRPCNotification

	done      chan struct{}
	closeOnce sync.Once

	// writer is the attached standalone GET stream, nil while no
	// stream is connected. Notifications flow to it when present;
	// either way they are already stored for replay.
	mu     sync.Mutex
	writer *sseWriter
}

func newHTTPSession(id, userID string) *httpSession {
	return &httpSession{
		id:            id,
		userID:        userID,
		notifications: make(chan mcp.JSONRPCNotification, notificationBuffer),
		done:          make(chan struct{}),
	}
}

// SessionID implements server.ClientSession.
func (s *httpSession) SessionID() string { return s.id }

// Initialize implements server.ClientSession. The engine calls it when
// the initialize handshake completes; restore calls it directly.
func (s *httpSession) Initialize() { s.initialized.Store(true) }

// Initialized implements server.ClientSession.
func (s *httpSession) Initialized() bool { return s.initialized.Load() }

// NotificationChannel implements server.ClientSession.
func (s *httpSession) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return s.notifications
}

// Close implements session.Stream. It stops the notification pump and
// releases any attached standalone stream. The notification channel is
// left open; the engine may still hold a send reference.
func (s *httpSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.writer = nil
		s.mu.Unlock()
	})
	return nil
}

// attach binds the standalone GET stream. A newer stream replaces an
// older one; the older handler notices on its next write.
func (s *httpSession) attach(w *sseWriter) {
	s.mu.Lock()
	s.writer = w
	s.mu.Unlock()
}

// detach unbinds the standalone stream if it is still the current one.
func (s *httpSession) detach(w *sseWriter) {
	s.mu.Lock()
	if s.writer == w {
		s.writer = nil
	}
	s.mu.Unlock()
}

// deliver writes one frame to the attached standalone stream, if any.
// Write failures detach the stream; the frame remains replayable.
func (s *httpSession) deliver(eventID string, data []byte) {
	s.mu.Lock()
	writer := s.writer
	s.mu.Unlock()

	if writer == nil {
		return
	}
	if err := writer.event(eventID, data); err != nil {
		logging.Debug("Transport", "Dropping broken stream for session %s: %v",
			logging.TruncateSessionID(s.id), err)
		s.detach(writer)
	}
}

// sseWriter serializes writes to one server-sent event response.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter, flusher http.Flusher) *sseWriter {
	return &sseWriter{w: w, flusher: flusher}
}

// event writes one message frame with an optional event id.
func (sw *sseWriter) event(eventID string, data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if err := fprintSSEEvent(sw.w, eventID, data); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// comment writes a keep-alive comment frame.
func (sw *sseWriter) comment(text string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if _, err := fmt.Fprintf(sw.w, ": %s\n\n", text); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// writeSSEHeaders sets the response headers of an event stream.
func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeSSEEvent writes one frame and flushes. Used on response streams
// that are owned by a single handler goroutine.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventID string, data []byte) error {
	if err := fprintSSEEvent(w, eventID, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func fprintSSEEvent(w http.ResponseWriter, eventID string, data []byte) error {
	if eventID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", eventID); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
	return err
}

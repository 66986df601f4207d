package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogLevel defines the severity of the log entry.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String makes LogLevel satisfy the fmt.Stringer interface.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo // Default to INFO for unknown
	}
}

// ParseLevel converts a configuration string into a LogLevel.
// Unknown values return LevelInfo and an error so callers can decide
// whether a bad level is fatal.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

var (
	defaultLogger *slog.Logger
	// levelVar backs the active handler so the level can be changed at
	// runtime (config hot-reload) without rebuilding the logger.
	levelVar slog.LevelVar
)

// InitForCLI initializes the logging system for interactive command-line
// use: human-readable text output to the given writer.
func InitForCLI(filterLevel LogLevel, output io.Writer) {
	levelVar.Set(filterLevel.SlogLevel())
	handler := slog.NewTextHandler(output, &slog.HandlerOptions{Level: &levelVar})
	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

// InitForServer initializes the logging system for long-running server
// use. When jsonFormat is true entries are emitted as JSON for log
// aggregation; otherwise text. The stdio transport MUST pass os.Stderr
// as the output writer: stdout carries protocol frames only.
func InitForServer(filterLevel LogLevel, output io.Writer, jsonFormat bool) {
	levelVar.Set(filterLevel.SlogLevel())
	opts := &slog.HandlerOptions{Level: &levelVar}
	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

// SetLevel changes the minimum level of the active logger. Safe to call
// concurrently with logging; used by the configuration watcher.
func SetLevel(filterLevel LogLevel) {
	levelVar.Set(filterLevel.SlogLevel())
}

func logInternal(level LogLevel, subsystem string, err error, messageFmt string, args ...interface{}) {
	if defaultLogger == nil || !defaultLogger.Enabled(context.Background(), level.SlogLevel()) {
		return
	}

	msg := messageFmt
	if len(args) > 0 {
		msg = fmt.Sprintf(messageFmt, args...)
	}

	slogAttrs := []slog.Attr{slog.String("subsystem", subsystem)}
	if err != nil {
		slogAttrs = append(slogAttrs, slog.String("error", err.Error()))
	}

	defaultLogger.LogAttrs(context.Background(), level.SlogLevel(), msg, slogAttrs...)
}

// Debug logs a debug message.
func Debug(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelDebug, subsystem, nil, messageFmt, args...)
}

// Info logs an informational message.
func Info(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelInfo, subsystem, nil, messageFmt, args...)
}

// Warn logs a warning message.
func Warn(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelWarn, subsystem, nil, messageFmt, args...)
}

// Error logs an error message.
func Error(subsystem string, err error, messageFmt string, args ...interface{}) {
	logInternal(LevelError, subsystem, err, messageFmt, args...)
}

// AuditEvent describes a security-sensitive operation for the audit trail.
type AuditEvent struct {
	// Action is the operation performed, e.g. "token_exchange" or
	// "client_registered".
	Action string
	// Outcome is "success" or "failure".
	Outcome string
	// ClientID, UserID and SessionID identify the principal; SessionID
	// should be truncated via TruncateSessionID before logging.
	ClientID  string
	UserID    string
	SessionID string
	// Detail carries a short human-readable amendment (error code,
	// grant type).
	Detail string
}

// Audit records a security-relevant event at INFO level with an [AUDIT]
// prefix so aggregation systems can filter the trail.
func Audit(event AuditEvent) {
	if defaultLogger == nil {
		return
	}
	attrs := []slog.Attr{
		slog.String("subsystem", "audit"),
		slog.String("action", event.Action),
		slog.String("outcome", event.Outcome),
		slog.Time("at", time.Now()),
	}
	if event.ClientID != "" {
		attrs = append(attrs, slog.String("client_id", event.ClientID))
	}
	if event.UserID != "" {
		attrs = append(attrs, slog.String("user_id", event.UserID))
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.Detail != "" {
		attrs = append(attrs, slog.String("detail", event.Detail))
	}
	defaultLogger.LogAttrs(context.Background(), slog.LevelInfo, "[AUDIT] "+event.Action, attrs...)
}

// TruncateSessionID shortens a session identifier for log output so the
// full value never lands in the audit trail.
func TruncateSessionID(sessionID string) string {
	const visible = 8
	if len(sessionID) <= visible {
		return sessionID
	}
	return sessionID[:visible] + "..."
}

// Fallback writes directly to stderr when the logger is not yet
// initialized, for failures during early bootstrap.
func Fallback(messageFmt string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, messageFmt+"\n", args...)
}

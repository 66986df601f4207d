// Package logging provides a structured logging system for tether with
// unified log handling and flexible output formatting.
//
// This package implements a logging system built on Go's standard slog
// package, providing consistent logging behavior with structured output
// and level filtering.
//
// # Log Levels
//   - **Debug**: Detailed information for debugging and development
//   - **Info**: General informational messages about application operation
//   - **Warn**: Warning messages that indicate potential issues
//   - **Error**: Error messages for failures and exceptional conditions
//
// # Usage
//
//	import "tether/pkg/logging"
//
//	// Initialize with Info level logging to stderr
//	logging.InitForServer(logging.LevelInfo, os.Stderr, false)
//
//	// Log messages
//	logging.Info("bootstrap", "Application starting up")
//	logging.Debug("config", "Loaded configuration from %s", configPath)
//	logging.Warn("transport", "Session limit approaching")
//	logging.Error("kvstore", err, "Failed to open database")
//
// # Subsystem Organization
//
// Logs carry a subsystem attribute to enable filtering and categorization:
//
//   - **bootstrap**: Application initialization and startup
//   - **config**: Configuration loading, validation, hot-reload
//   - **kvstore**: Storage layer operations
//   - **authserver**: OAuth authorization server (codes, tokens, clients)
//   - **oauth**: Upstream OAuth consumer (flow, refresh)
//   - **transport**: Transport manager, HTTP and stdio transports
//   - **session**: Session registry and persistence
//   - **eventlog**: Event storage and replay
//
// # Stdio Rule
//
// When the stdio transport is active, stdout belongs to the protocol.
// All logging MUST be initialized with os.Stderr as the writer; nothing
// in this package ever writes to stdout on its own.
//
// # Audit Logging
//
// The package provides specialized audit logging for security-sensitive
// operations:
//
//	logging.Audit(logging.AuditEvent{
//	    Action:    "token_exchange",
//	    Outcome:   "success",
//	    ClientID:  clientID,
//	    SessionID: logging.TruncateSessionID(sessionID),
//	})
//
// Audit events are logged at INFO level with an [AUDIT] prefix for easy
// filtering by log aggregation systems.
//
// # Runtime Level Changes
//
// SetLevel adjusts the minimum level of the active handler without
// rebuilding the logger, which the configuration watcher uses to apply
// logLevel changes on the fly.
package logging

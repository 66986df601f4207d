// Package app wires the configuration, storage, OAuth, and transport
// layers into one runnable server and owns its lifecycle.
//
// Construction is two-phase. NewApplication loads and validates the
// configuration, initializes logging (stderr when the stdio transport
// owns stdout), and builds the component graph in dependency order:
// store, credential encryption, upstream OAuth consumer, authorization
// server, event log, session registry, tool registry, protocol engine,
// transports, and the monitoring API. Run then restores persisted
// sessions, starts the active transport, reports READY to systemd, and
// blocks until SIGINT/SIGTERM or context cancellation triggers the
// graceful drain.
//
// A config watcher applies runtime-safe changes (log level, allowed
// redirect hosts) to the running process; everything else is logged
// and deferred to the next restart.
package app

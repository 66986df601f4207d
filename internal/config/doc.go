// Package config loads, validates, and watches the tether configuration
// file.
//
// Configuration is a single YAML document (default
// ~/.config/tether/config.yaml) describing the transport, the storage
// backend, the OAuth authorization server, the upstream provider, and
// session limits. Load applies defaults first, so a missing or partial
// file always yields a complete Config.
//
// A Watcher re-reads the file when it changes on disk. Only two fields
// are safe to apply to a running process: logLevel and
// auth.allowedRedirectHosts. ApplyRuntime computes the runtime-safe
// merge and reports every other changed field so the caller can log
// that a restart is required to pick it up.
package config

package app

import (
	"fmt"

	"tether/internal/config"
)

// Options are the run parameters the command line passes in. Everything
// else comes from the configuration file.
type Options struct {
	// ConfigPath is the configuration file to load. Empty selects the
	// default path under the user config directory.
	ConfigPath string

	// Transport overrides the configured transport when non-empty.
	Transport string

	// Debug forces debug-level logging regardless of the configured
	// level, including across config reloads.
	Debug bool

	// Silent discards all log output.
	Silent bool

	// Version is stamped into the MCP server info and the status API.
	Version string
}

func (o Options) validate() error {
	switch o.Transport {
	case "", config.TransportStreamableHTTP, config.TransportStdio:
		return nil
	default:
		return fmt.Errorf("unknown transport %q (valid: %s, %s)",
			o.Transport, config.TransportStreamableHTTP, config.TransportStdio)
	}
}

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tether/internal/app"
)

var (
	serveConfigPath string
	serveTransport  string
	serveDebug      bool
	serveSilent     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tether server",
	Long: `Starts the MCP server on the configured transport.

With the streamable-http transport (default) tether listens on the
configured host and port, serving the /mcp endpoint, the OAuth
authorization endpoints, the upstream callback, and the monitoring API.
With the stdio transport it serves a single MCP session on standard
input and output, logging to stderr.

Flags override their configuration file counterparts. The server
reloads runtime-safe configuration fields (logLevel,
auth.allowedRedirectHosts) when the file changes; everything else
requires a restart.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	application, err := app.NewApplication(ctx, app.Options{
		ConfigPath: serveConfigPath,
		Transport:  serveTransport,
		Debug:      serveDebug,
		Silent:     serveSilent,
		Version:    rootCmd.Version,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Configuration file (default ~/.config/tether/config.yaml)")
	serveCmd.Flags().StringVar(&serveTransport, "transport", "", "Transport override: streamable-http or stdio")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().BoolVar(&serveSilent, "silent", false, "Discard all log output")
}

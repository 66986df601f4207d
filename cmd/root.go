package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Build metadata injected by main via SetVersionInfo.
var (
	buildCommit = "unknown"
	buildDate   = "unknown"
)

// rootCmd is the base command; it only routes to subcommands.
var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "OAuth-protected MCP gateway to an upstream provider",
	Long: `tether serves MCP tools over streamable HTTP or stdio behind a built-in
OAuth 2.0 authorization server, and connects its users to an upstream
OAuth provider whose credentials it stores and refreshes for them.

Start the server with 'tether serve'; validate a configuration with
'tether check'; look inside the store with 'tether inspect'.`,
	SilenceUsage: true,
}

// SetVersionInfo injects the build version, commit, and date from main,
// where they are stamped via ldflags.
func SetVersionInfo(version, commit, date string) {
	rootCmd.Version = version
	buildCommit = commit
	buildDate = date
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "tether version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"tether/internal/config"
	"tether/pkg/logging"
)

var checkConfigPath string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and exit",
	Long: `Loads the configuration file, applies defaults, and validates the
result. Prints the effective settings on success and every validation
problem on failure.

A missing configuration file is not an error: the defaults are
validated instead.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	logging.InitForCLI(logging.LevelError, cmd.ErrOrStderr())

	path := checkConfigPath
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("resolving default config path: %w", err)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		var validationErr *config.ValidationError
		if errors.As(err, &validationErr) {
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration %s is invalid:\n", path)
			for _, problem := range validationErr.Problems {
				fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", problem)
			}
			return fmt.Errorf("%d problem(s) found", len(validationErr.Problems))
		}
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration %s is valid.\n\n", path)
	fmt.Fprintf(out, "  transport:  %s\n", cfg.Transport)
	if cfg.Transport == config.TransportStreamableHTTP {
		fmt.Fprintf(out, "  address:    %s:%d\n", cfg.Host, cfg.Port)
		fmt.Fprintf(out, "  base URL:   %s\n", cfg.BaseURL())
	}
	fmt.Fprintf(out, "  storage:    %s\n", cfg.Storage.Path)
	fmt.Fprintf(out, "  auth:       %s\n", onOff(cfg.Auth.Enabled))
	if cfg.Auth.Enabled {
		fmt.Fprintf(out, "  upstream:   %s (%s)\n", cfg.Upstream.ProviderID, cfg.Upstream.AuthorizationEndpoint)
		fmt.Fprintf(out, "  callback:   %s\n", cfg.CallbackURL())
	}
	fmt.Fprintf(out, "  log:        %s/%s\n", cfg.LogLevel, cfg.LogFormat)
	return nil
}

func onOff(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringVar(&checkConfigPath, "config", "", "Configuration file (default ~/.config/tether/config.yaml)")
}

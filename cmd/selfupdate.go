package cmd

import (
	"fmt"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/spf13/cobra"
)

// githubRepoSlug is the GitHub repository checked for releases.
const githubRepoSlug = "tetherlabs/tether"

var selfupdateCheckOnly bool

func newSelfUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "selfupdate",
		Short: "Update tether to the latest release",
		Long: `Checks the latest GitHub release of tether and replaces the current
binary when a newer version exists. With --check the command only
reports whether an update is available.`,
		Args: cobra.NoArgs,
		RunE: runSelfUpdate,
	}
	cmd.Flags().BoolVar(&selfupdateCheckOnly, "check", false, "Only report whether an update is available")
	return cmd
}

func runSelfUpdate(cmd *cobra.Command, args []string) error {
	currentVersion := rootCmd.Version
	if currentVersion == "" || currentVersion == "dev" {
		return fmt.Errorf("cannot self-update a development version")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Current version: %s\n", currentVersion)

	updater, err := selfupdate.NewUpdater(selfupdate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create updater: %w", err)
	}

	latest, found, err := updater.DetectLatest(cmdContext(cmd), selfupdate.ParseSlug(githubRepoSlug))
	if err != nil {
		return fmt.Errorf("error detecting latest version: %w", err)
	}
	if !found {
		return fmt.Errorf("latest release for %s could not be found", githubRepoSlug)
	}

	if !latest.GreaterThan(currentVersion) {
		fmt.Fprintln(out, "Current version is the latest.")
		return nil
	}

	fmt.Fprintf(out, "Newer version available: %s (published %s)\n", latest.Version(), latest.PublishedAt)
	if selfupdateCheckOnly {
		return nil
	}

	exe, err := selfupdate.ExecutablePath()
	if err != nil {
		return fmt.Errorf("could not locate executable path: %w", err)
	}

	fmt.Fprintf(out, "Updating %s to version %s...\n", exe, latest.Version())
	if err := updater.UpdateTo(cmdContext(cmd), latest, exe); err != nil {
		return fmt.Errorf("update failed: %w", err)
	}

	fmt.Fprintf(out, "Successfully updated to version %s\n", latest.Version())
	return nil
}

func init() {
	rootCmd.AddCommand(newSelfUpdateCmd())
}

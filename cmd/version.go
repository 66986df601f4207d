package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tether version",
		Long:  `Prints the version, commit, and build date stamped into this binary.`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tether version %s (commit %s, built %s)\n",
				rootCmd.Version, buildCommit, buildDate)
		},
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}

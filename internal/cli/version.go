package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "configwatch %s (commit %s, built %s)\n", version, commit, date) //nolint:errcheck // best-effort output
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

package cmd

import (
	"fmt"

	version "github.com/kube-tarian/perftriage/cmd"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Args:  cobra.NoArgs,
	Short: "Prints version of perftriage",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "perftriage version: %s\n", version.GetVersion())
	},
}

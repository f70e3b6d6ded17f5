package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teknoir/auto-labeler-labeler-helm/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "labeler %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildTime)
	},
}

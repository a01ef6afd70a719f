package cmd

import (
	"github.com/spf13/cobra"

	"github.com/WilkinsonK/Chell/pkg/distsys/cmd"
)

var rootCmd = &cobra.Command{
	Use:   "tool",
	Short: "Build tools for chell",
	Long: `This command bundles the tools that are used to build and package chell.
This includes the task runner for the packaging targets, manifest checks and
a downloader for build prerequisites.`,
}

func init() {
	rootCmd.AddCommand(cmd.RootCmd)
}

func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

// Package main provides the entry point for the lineage CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/lineage/cmd/lineage/commands"
	"github.com/Sumatoshi-tech/lineage/pkg/version"
)

func main() {
	opts := &commands.GlobalOptions{}

	rootCmd := &cobra.Command{
		Use:   "lineage",
		Short: "Lineage - git history miner",
		Long: `Lineage mines local git history and synchronizes it with a results store.

Commands:
  sync      Reconcile commits, trace line provenance and post results
  ages      Trace line provenance locally and render line ages
  identity  Print the repository identity`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	opts.Bind(rootCmd.PersistentFlags())

	rootCmd.AddCommand(commands.NewSyncCommand(opts))
	rootCmd.AddCommand(commands.NewAgesCommand(opts))
	rootCmd.AddCommand(commands.NewIdentityCommand(opts))
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

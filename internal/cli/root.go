// Package cli defines Cobra command definitions for the farmhand CLI.
// This file contains the root command, version flag, and help output.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose bool
	version = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "farmhand",
	Short: "Work coordinator for fleets of long-running agents",
	Long: `Farmhand supervises many concurrent agent processes working off a shared
backlog. Each agent claims an exclusive set of resource keys (files or
feature names) from a durable registry; farmhand launches its session,
watches its health, restarts it when it goes idle or runs out of context,
and reclaims claims whose heartbeats go stale.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Verbose returns true if --verbose flag is set.
func Verbose() bool {
	return verbose
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Print per-cycle scheduling detail to stderr")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(reclaimCmd)
	rootCmd.AddCommand(cleanCmd)
}

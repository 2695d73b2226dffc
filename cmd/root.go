// Package cmd defines and implements the CLI commands for the queuewatch
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queuewatch",
		Short: "Records QueueStatus queue activity into MongoDB.",
		Long: `queuewatch polls QueueStatus queue pages on a fixed interval, parses the
signup list, chat, and staffing, and records every change into MongoDB:
full snapshot history, per-entry lifecycle, and queue open/close events.

Invoked bare it starts the scrape loop, configured entirely from the
environment.`,
		// Bare invocation runs the loop; subcommands are additive.
		RunE:          runWatch,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional, environment variables win)")

	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newReplayCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	// A .env file is the usual dev setup; absence is fine.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

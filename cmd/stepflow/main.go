// Package main implements the stepflow CLI.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	stateDir   string
	logLevel   string
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "stepflow",
		Short: "Run declarative multi-step workflows",
		Long: `stepflow executes workflow definitions: steps with required and produced
artifacts, quality gates that route on scores, and checkpoints that let an
interrupted run resume where it stopped.

Examples:
  # Create the state directory with a default config
  stepflow init

  # Check a definition without running it
  stepflow validate workflows/review.yaml

  # Run and follow progress
  stepflow run workflows/review.yaml --watch

  # Continue a paused or interrupted run
  stepflow resume 3f2a9c1e-...`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default <state-dir>/config.yaml)")
	root.PersistentFlags().StringVar(&opts.stateDir, "state-dir", "", "state directory (default .stepflow)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print results as JSON")

	root.AddCommand(
		newInitCmd(opts),
		newValidateCmd(opts),
		newRunCmd(opts),
		newResumeCmd(opts),
		newStatusCmd(opts),
		newRunsCmd(opts),
		newServeCmd(opts),
	)
	return root
}

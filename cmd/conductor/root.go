package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfigPath string
	flagDataDir    string
	flagVerbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Checkpointed workflow engine with human escalation",
	Long: `Conductor executes declarative workflows step by step.

Every step is checkpointed. Steps that need a decision ask the decision
engine first (knowledge base, then generative reasoning); questions it
cannot answer confidently are escalated to a human and the run is parked
until someone responds.

Typical session:
  conductor start release.yaml
  conductor escalations list
  conductor escalations respond <id> postgres
  conductor status <run-id>`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "Config file (default: user and project config)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "Override the data directory")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Mirror the debug log to stderr")
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(acceptCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(escalationsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is the current build version.
const Version = "0.1.0"

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "overlord",
	Short: "Task coordination control plane",
	Long: `overlord coordinates a fleet of indexing workers: it accepts tasks,
grants interval locks so overlapping work never runs concurrently, dispatches
tasks to workers and survives coordinator failover without losing accepted
work.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

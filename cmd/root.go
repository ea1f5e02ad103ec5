// Package cmd defines the CLI commands for the pixeltrail executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pixeltrail",
		Short: "Screenshot-based release tracking service",
		Long: `pixeltrail captures screenshots of web pages across release candidates,
diffs them against the last known-good release, and tracks the review
workflow that promotes a candidate to the new baseline.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

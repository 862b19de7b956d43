package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "saturn",
	Short: "Mercator Saturn - stateful SIP Layer-7 proxy",
	Long: `Mercator Saturn is a stateful SIP proxy for TCP signaling.

It decodes SIP messages from downstream connections, tracks them as
transactions, and routes them to upstream clusters by domain with
SIP-aware affinity:
  - Dialog-related messages follow the endpoint already handling the dialog
  - Affinity keys resolve through a Traffic Routing Assistant service
  - Outbound messages carry this proxy's endpoint so replies return here
  - Call detail records and Prometheus metrics for observability`,
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
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "saturn.yaml", "configuration file path")
}

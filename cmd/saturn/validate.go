package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mercator-hq/saturn/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load and validate a Saturn configuration file without starting the proxy.

The validate command checks:
  - YAML syntax
  - Listen and upstream host addresses
  - Route references against configured clusters
  - Affinity key names and retention schedules

Examples:
  # Validate the default config
  saturn validate

  # Validate a specific file
  saturn validate --config /etc/saturn/config.yaml`,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return err
	}

	fmt.Printf("✓ Configuration valid\n")
	fmt.Printf("  listen address: %s\n", cfg.Proxy.ListenAddress)
	fmt.Printf("  routes:         %d\n", len(cfg.RouteConfig.Routes))
	fmt.Printf("  clusters:       %d\n", len(cfg.Clusters))
	if cfg.Settings.TRA.Address != "" {
		fmt.Printf("  tra service:    %s\n", cfg.Settings.TRA.Address)
	}
	return nil
}

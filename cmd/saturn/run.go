package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/saturn/pkg/cdr"
	"mercator-hq/saturn/pkg/config"
	"mercator-hq/saturn/pkg/proxy"
	"mercator-hq/saturn/pkg/router"
	"mercator-hq/saturn/pkg/telemetry/logging"
	"mercator-hq/saturn/pkg/telemetry/metrics"
	"mercator-hq/saturn/pkg/telemetry/tracing"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
	watchRoutes   bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the Saturn SIP proxy",
	Long: `Start the Saturn SIP proxy with the specified configuration.

The proxy listens on the configured TCP address, decodes SIP messages and
routes them to the configured upstream clusters.

Examples:
  # Start with default config
  saturn run

  # Start with custom config
  saturn run --config /etc/saturn/config.yaml

  # Override listen address
  saturn run --listen 0.0.0.0:5060

  # Validate config without starting the proxy
  saturn run --dry-run`,
	RunE: runProxy,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting the proxy")
	runCmd.Flags().BoolVar(&runFlags.watchRoutes, "watch-routes", true, "hot-reload the route table on config changes")
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return err
	}

	// Apply flag overrides
	if runFlags.listenAddress != "" {
		cfg.Proxy.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}

	if _, err := logging.Setup(&cfg.Telemetry.Logging, nil); err != nil {
		return err
	}

	if runFlags.dryRun {
		fmt.Println("✓ Configuration valid")
		return nil
	}

	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)

	tracer, err := tracing.New(&cfg.Telemetry.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(ctx); err != nil {
			slog.Error("tracer shutdown failed", "error", err)
		}
	}()

	var recorder *cdr.Recorder
	if cfg.CDR.Enabled {
		recorder, err = cdr.NewRecorder(&cfg.CDR)
		if err != nil {
			return fmt.Errorf("failed to initialize call detail recording: %w", err)
		}
		defer recorder.Close()

		scheduler := cdr.NewScheduler(recorder, &cfg.CDR)
		if err := scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start retention scheduler: %w", err)
		}
		defer scheduler.Stop()
	}

	if metricsServer := metrics.NewServer(&cfg.Telemetry.Metrics, collector); metricsServer != nil {
		metricsServer.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsServer.Shutdown(ctx)
		}()
	}

	server := proxy.NewServer(cfg, collector, tracer, recorder)

	if runFlags.watchRoutes {
		watcher, err := router.NewRouteWatcher(cfgFile, server.Matcher())
		if err != nil {
			slog.Warn("route hot reload unavailable", "error", err)
		} else {
			watcher.Start()
			defer watcher.Stop()
		}
	}

	return server.Start(cmd.Context())
}

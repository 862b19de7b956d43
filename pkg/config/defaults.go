package config

import (
	"runtime"
	"time"
)

// Default values applied to unset fields.
const (
	DefaultListenAddress      = ":5060"
	DefaultMaxMessageBytes    = 65536
	DefaultShutdownTimeout    = 10 * time.Second
	DefaultTransactionTimeout = 32 * time.Second
	DefaultTRATimeout         = 2 * time.Second
	DefaultConnectTimeout     = 5 * time.Second
	DefaultMetricsAddress     = ":9090"
	DefaultMetricsPath        = "/metrics"
	DefaultMetricsNamespace   = "mercator"
	DefaultMetricsSubsystem   = "saturn"
	DefaultCDRPath            = "data/cdr.db"
	DefaultCDRRetentionDays   = 7
)

// ApplyDefaults fills unset fields with their default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Proxy.ListenAddress == "" {
		cfg.Proxy.ListenAddress = DefaultListenAddress
	}
	if cfg.Proxy.Workers <= 0 {
		cfg.Proxy.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Proxy.MaxMessageBytes <= 0 {
		cfg.Proxy.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.Proxy.ShutdownTimeout <= 0 {
		cfg.Proxy.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Settings.TransactionTimeout <= 0 {
		cfg.Settings.TransactionTimeout = DefaultTransactionTimeout
	}
	if cfg.Settings.TRA.Timeout <= 0 {
		cfg.Settings.TRA.Timeout = DefaultTRATimeout
	}

	for name, cluster := range cfg.Clusters {
		if cluster.ConnectTimeout <= 0 {
			cluster.ConnectTimeout = DefaultConnectTimeout
			cfg.Clusters[name] = cluster
		}
	}

	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = "info"
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = "json"
	}
	if cfg.Telemetry.Metrics.ListenAddress == "" {
		cfg.Telemetry.Metrics.ListenAddress = DefaultMetricsAddress
	}
	if cfg.Telemetry.Metrics.Path == "" {
		cfg.Telemetry.Metrics.Path = DefaultMetricsPath
	}
	if cfg.Telemetry.Metrics.Namespace == "" {
		cfg.Telemetry.Metrics.Namespace = DefaultMetricsNamespace
	}
	if cfg.Telemetry.Metrics.Subsystem == "" {
		cfg.Telemetry.Metrics.Subsystem = DefaultMetricsSubsystem
	}

	if cfg.CDR.SQLitePath == "" {
		cfg.CDR.SQLitePath = DefaultCDRPath
	}
	if cfg.CDR.RetentionDays <= 0 {
		cfg.CDR.RetentionDays = DefaultCDRRetentionDays
	}
}

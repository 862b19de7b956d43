package config

import (
	"time"
)

// Config is the root configuration for the Saturn SIP proxy.
type Config struct {
	// Proxy contains the downstream listener settings.
	Proxy ProxyConfig `yaml:"proxy"`

	// Settings contains SIP-level proxy behavior.
	Settings SettingsConfig `yaml:"settings"`

	// RouteConfig contains the static route table.
	RouteConfig RouteConfig `yaml:"route_config"`

	// Clusters maps cluster names to their upstream host sets.
	Clusters map[string]ClusterConfig `yaml:"clusters"`

	// Telemetry contains logging, metrics and tracing settings.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// CDR contains call detail record settings.
	CDR CDRConfig `yaml:"cdr"`
}

// ProxyConfig contains the downstream listener settings.
type ProxyConfig struct {
	// ListenAddress is the TCP address the proxy listens on.
	ListenAddress string `yaml:"listen_address"`

	// Workers is the number of event-loop workers. Defaults to GOMAXPROCS.
	Workers int `yaml:"workers"`

	// MaxMessageBytes caps the Content-Length of a decoded SIP message.
	MaxMessageBytes int `yaml:"max_message_bytes"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SettingsConfig contains SIP-level proxy behavior.
type SettingsConfig struct {
	// OwnDomain is the domain this proxy answers for.
	OwnDomain string `yaml:"own_domain"`

	// DomainMatchParameterName names the URI parameter carrying the domain
	// to match. When the parameter is present its value replaces the URI host
	// as the routing domain, whether or not OwnDomain is set.
	DomainMatchParameterName string `yaml:"domain_match_parameter_name"`

	// TransactionTimeout is the age after which an idle transaction is reset
	// by the audit sweep.
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`

	// TRA configures the Traffic Routing Assistant client.
	TRA TRAConfig `yaml:"tra"`

	// CustomizedAffinity lists the affinity key sources consulted in order.
	CustomizedAffinity []AffinityEntry `yaml:"customized_affinity"`
}

// TRAConfig configures the Traffic Routing Assistant client.
type TRAConfig struct {
	// Address is the TRA service endpoint. Empty disables affinity lookups.
	Address string `yaml:"address"`

	// Timeout bounds a single TRA request.
	Timeout time.Duration `yaml:"timeout"`
}

// AffinityEntry is one customized-affinity source.
type AffinityEntry struct {
	// Type is the opaque key type tag sent to the TRA (e.g. "lskpmc").
	Type string `yaml:"type"`

	// KeyName selects the metadata field used as the lookup key
	// ("ep", "opaque" or "p-cookie").
	KeyName string `yaml:"key_name"`
}

// RouteConfig contains the static route table.
type RouteConfig struct {
	Routes []RouteEntryConfig `yaml:"routes"`
}

// RouteEntryConfig is one route table entry.
type RouteEntryConfig struct {
	Match RouteMatchConfig  `yaml:"match"`
	Route RouteActionConfig `yaml:"route"`
}

// RouteMatchConfig is the matching predicate of a route entry.
type RouteMatchConfig struct {
	// Domain matches the Request-URI or top Route domain. "*" matches all.
	Domain string `yaml:"domain"`
}

// RouteActionConfig is the action of a matched route entry.
type RouteActionConfig struct {
	// Cluster names the upstream cluster.
	Cluster string `yaml:"cluster"`

	// MetadataMatch is forwarded to the load balancer as subset criteria.
	MetadataMatch map[string]string `yaml:"metadata_match"`
}

// ClusterConfig describes one upstream cluster.
type ClusterConfig struct {
	// Hosts lists the upstream endpoints as host:port.
	Hosts []string `yaml:"hosts"`

	// ConnectTimeout bounds the upstream TCP connect.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// MaintenanceMode rejects all requests to this cluster with a 503.
	MaintenanceMode bool `yaml:"maintenance_mode"`
}

// TelemetryConfig contains logging, metrics and tracing settings.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the output format ("json", "text").
	Format string `yaml:"format"`

	// AddSource includes file:line in log records.
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns the metrics HTTP endpoint on. Metrics are collected
	// either way.
	Enabled bool `yaml:"enabled"`

	// ListenAddress is the address of the metrics HTTP listener.
	ListenAddress string `yaml:"listen_address"`

	// Path is the scrape path.
	Path string `yaml:"path"`

	// Namespace and Subsystem prefix every metric name.
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled turns span export on.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector endpoint.
	Endpoint string `yaml:"endpoint"`

	// SampleRatio is the trace sampling ratio in [0, 1].
	SampleRatio float64 `yaml:"sample_ratio"`

	// Insecure disables transport security to the collector.
	Insecure bool `yaml:"insecure"`
}

// CDRConfig configures call detail recording.
type CDRConfig struct {
	// Enabled turns call detail recording on.
	Enabled bool `yaml:"enabled"`

	// SQLitePath is the database file path.
	SQLitePath string `yaml:"sqlite_path"`

	// RetentionDays is how long records are kept.
	RetentionDays int `yaml:"retention_days"`

	// PruneSchedule is a cron expression for retention pruning.
	PruneSchedule string `yaml:"prune_schedule"`
}

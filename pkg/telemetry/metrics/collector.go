// Package metrics exposes Prometheus instrumentation for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/saturn/pkg/config"
)

// Collector owns every metric family the proxy records. All components share
// one collector; the individual metric handles are pre-created so the hot
// path only touches prometheus counters.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	// Session metrics cover the downstream connection and response path.
	Session *SessionMetrics

	// Router metrics cover routing decisions and upstream selection.
	Router *RouterMetrics
}

// NewCollector creates a metrics collector registered on the given registry.
// If registry is nil a private registry is created.
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "mercator"
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = "saturn"
	}

	return &Collector{
		config:   cfg,
		registry: registry,
		Session:  NewSessionMetrics(cfg, registry),
		Router:   NewRouterMetrics(cfg, registry),
	}
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/saturn/pkg/config"
)

// RouterMetrics tracks routing decisions and upstream selection failures.
//
// Metrics:
//   - mercator_saturn_route_missing_total
//   - mercator_saturn_unknown_cluster_total
//   - mercator_saturn_upstream_rq_maintenance_mode_total
//   - mercator_saturn_no_healthy_upstream_total
//   - mercator_saturn_affinity_total: affinity resolutions by outcome
type RouterMetrics struct {
	// RouteMissing counts requests no route entry matched.
	RouteMissing prometheus.Counter

	// unknownCluster counts requests routed to a cluster the manager does
	// not know, by cluster name.
	unknownCluster *prometheus.CounterVec

	// maintenanceMode counts requests rejected by maintenance mode.
	maintenanceMode *prometheus.CounterVec

	// noHealthyUpstream counts requests with no selectable host.
	noHealthyUpstream *prometheus.CounterVec

	// affinity counts affinity resolutions by outcome: hit, miss, pending.
	affinity *prometheus.CounterVec
}

// NewRouterMetrics creates and registers router metrics.
func NewRouterMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *RouterMetrics {
	rm := &RouterMetrics{
		RouteMissing: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "route_missing_total",
			Help:      "Requests no route entry matched",
		}),

		unknownCluster: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "unknown_cluster_total",
			Help:      "Requests routed to an unknown cluster",
		}, []string{"cluster"}),

		maintenanceMode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "upstream_rq_maintenance_mode_total",
			Help:      "Requests rejected because the cluster is in maintenance mode",
		}, []string{"cluster"}),

		noHealthyUpstream: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "no_healthy_upstream_total",
			Help:      "Requests with no selectable upstream host",
		}, []string{"cluster"}),

		affinity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "affinity_total",
			Help:      "Affinity resolutions by outcome",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		rm.RouteMissing,
		rm.unknownCluster,
		rm.maintenanceMode,
		rm.noHealthyUpstream,
		rm.affinity,
	)

	return rm
}

// RecordUnknownCluster records a request routed to an unknown cluster.
func (rm *RouterMetrics) RecordUnknownCluster(cluster string) {
	rm.unknownCluster.WithLabelValues(cluster).Inc()
}

// RecordMaintenanceMode records a request rejected by maintenance mode.
func (rm *RouterMetrics) RecordMaintenanceMode(cluster string) {
	rm.maintenanceMode.WithLabelValues(cluster).Inc()
}

// RecordNoHealthyUpstream records a request with no selectable host.
func (rm *RouterMetrics) RecordNoHealthyUpstream(cluster string) {
	rm.noHealthyUpstream.WithLabelValues(cluster).Inc()
}

// RecordAffinity records an affinity resolution.
// Outcome is "hit", "miss" or "pending".
func (rm *RouterMetrics) RecordAffinity(outcome string) {
	rm.affinity.WithLabelValues(outcome).Inc()
}

// NoHealthyUpstream returns the no-healthy-upstream counter for a cluster.
func (rm *RouterMetrics) NoHealthyUpstream(cluster string) prometheus.Counter {
	return rm.noHealthyUpstream.WithLabelValues(cluster)
}

// Affinity returns the affinity counter for an outcome.
func (rm *RouterMetrics) Affinity(outcome string) prometheus.Counter {
	return rm.affinity.WithLabelValues(outcome)
}

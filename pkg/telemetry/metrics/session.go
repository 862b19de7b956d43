package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/saturn/pkg/config"
)

// SessionMetrics tracks downstream connections, requests and the response
// path.
//
// Metrics:
//   - mercator_saturn_request_total: decoded downstream requests
//   - mercator_saturn_response_total: upstream responses forwarded downstream
//   - mercator_saturn_local_response_total: locally generated replies by kind
//   - mercator_saturn_cx_destroy_with_active_rq_total: connection teardowns
//     with in-flight transactions, by origin
//   - mercator_saturn_response_decoding_error_total: upstream responses with
//     no matching transaction
//   - mercator_saturn_active_transactions: live transactions
type SessionMetrics struct {
	// Request counts decoded downstream requests.
	Request prometheus.Counter

	// Response counts upstream responses forwarded downstream.
	Response prometheus.Counter

	// localResponse counts local replies by kind: success, error, exception.
	localResponse *prometheus.CounterVec

	// cxDestroy counts connection teardowns with active transactions by
	// origin: local, remote.
	cxDestroy *prometheus.CounterVec

	// ResponseDecodingError counts upstream responses dropped because no
	// transaction matched.
	ResponseDecodingError prometheus.Counter

	// ActiveTransactions tracks the number of live transactions.
	ActiveTransactions prometheus.Gauge
}

// NewSessionMetrics creates and registers session metrics.
func NewSessionMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *SessionMetrics {
	sm := &SessionMetrics{
		Request: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "request_total",
			Help:      "Total number of decoded downstream SIP requests",
		}),

		Response: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "response_total",
			Help:      "Total number of upstream SIP responses forwarded downstream",
		}),

		localResponse: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "local_response_total",
			Help:      "Total number of locally generated SIP replies",
		}, []string{"kind"}),

		cxDestroy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "cx_destroy_with_active_rq_total",
			Help:      "Connection teardowns while transactions were in flight",
		}, []string{"origin"}),

		ResponseDecodingError: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "response_decoding_error_total",
			Help:      "Upstream responses dropped because no transaction matched",
		}),

		ActiveTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "active_transactions",
			Help:      "Number of live SIP transactions",
		}),
	}

	registry.MustRegister(
		sm.Request,
		sm.Response,
		sm.localResponse,
		sm.cxDestroy,
		sm.ResponseDecodingError,
		sm.ActiveTransactions,
	)

	return sm
}

// RecordLocalResponse records a locally generated reply.
// Kind is "success", "error" or "exception".
func (sm *SessionMetrics) RecordLocalResponse(kind string) {
	sm.localResponse.WithLabelValues(kind).Inc()
}

// RecordConnDestroy records a connection teardown with in-flight
// transactions. Origin is "local" or "remote".
func (sm *SessionMetrics) RecordConnDestroy(origin string) {
	sm.cxDestroy.WithLabelValues(origin).Inc()
}

// ConnDestroy returns the teardown counter for an origin.
func (sm *SessionMetrics) ConnDestroy(origin string) prometheus.Counter {
	return sm.cxDestroy.WithLabelValues(origin)
}

// LocalResponse returns the local reply counter for a kind.
func (sm *SessionMetrics) LocalResponse(kind string) prometheus.Counter {
	return sm.localResponse.WithLabelValues(kind)
}

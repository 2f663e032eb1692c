package client

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "globaldb_client"

// Metrics holds the Prometheus instrumentation of the client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	retryDecisions  *prometheus.CounterVec
	endpointMarks   *prometheus.CounterVec
	refreshFailures prometheus.Counter
}

// NewMetrics creates the client metrics and registers them on reg.
// A nil reg leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// retryDecisions counts retry policy decisions by reason.
		retryDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retry_decisions_total",
			Help:      "Total number of retry decisions by reason and outcome.",
		}, []string{"reason", "decision"}),

		// endpointMarks counts endpoints marked unavailable.
		endpointMarks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "endpoint_unavailable_marks_total",
			Help:      "Total number of times an endpoint was marked unavailable.",
		}, []string{"operation"}),

		refreshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "location_refresh_failures_total",
			Help:      "Total number of failed location refreshes.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.retryDecisions, m.endpointMarks, m.refreshFailures)
	}

	return m
}

func (m *Metrics) observeDecision(reason retryReason, decision RetryDecision) {
	if m == nil {
		return
	}

	outcome := "no_retry"
	if decision.Retry {
		outcome = "retry"
	}

	m.retryDecisions.WithLabelValues(string(reason), outcome).Inc()
}

func (m *Metrics) observeEndpointMarked(kind OperationKind) {
	if m == nil {
		return
	}
	m.endpointMarks.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) observeRefreshFailure() {
	if m == nil {
		return
	}
	m.refreshFailures.Inc()
}

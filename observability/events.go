package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type claimMetrics struct {
	transitions *prometheus.CounterVec
	submissions *prometheus.CounterVec
}

var (
	claimMetricsOnce sync.Once
	claimRegistry    *claimMetrics
)

// Claims returns the metrics registry tracking claim state changes observed
// by the client.
func Claims() *claimMetrics {
	claimMetricsOnce.Do(func() {
		claimRegistry = &claimMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loop",
				Subsystem: "claims",
				Name:      "transitions_total",
				Help:      "Observed claim state transitions.",
			}, []string{"from", "to"}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loop",
				Subsystem: "claims",
				Name:      "submissions_total",
				Help:      "claimAndRegister submissions segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(claimRegistry.transitions, claimRegistry.submissions)
	})
	return claimRegistry
}

// RecordTransition counts a state change.
func (m *claimMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(strings.ToLower(from), strings.ToLower(to)).Inc()
}

// RecordSubmission counts a submission outcome such as confirmed or unconfirmed.
func (m *claimMetrics) RecordSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(normalise(outcome, "unknown")).Inc()
}

package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type eligibilityMetrics struct {
	decisions    *prometheus.CounterVec
	attestations *prometheus.CounterVec
	failures     *prometheus.CounterVec
	stages       *prometheus.HistogramVec
	throttles    *prometheus.CounterVec
}

var (
	eligibilityMetricsOnce sync.Once
	eligibilityRegistry    *eligibilityMetrics
)

// Eligibility returns the lazily-initialised registry for the attestation
// service.
func Eligibility() *eligibilityMetrics {
	eligibilityMetricsOnce.Do(func() {
		eligibilityRegistry = &eligibilityMetrics{
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loop",
				Subsystem: "eligibility",
				Name:      "decisions_total",
				Help:      "Eligibility decisions segmented by chain, outcome and denial reason.",
			}, []string{"chain", "outcome", "reason"}),
			attestations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loop",
				Subsystem: "eligibility",
				Name:      "attestations_total",
				Help:      "Signed attestations issued per chain and signature scheme.",
			}, []string{"chain", "scheme"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loop",
				Subsystem: "eligibility",
				Name:      "failures_total",
				Help:      "Requests that could not be decided, segmented by error kind.",
			}, []string{"kind"}),
			stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "loop",
				Subsystem: "eligibility",
				Name:      "stage_duration_seconds",
				Help:      "Latency of each issuance stage.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"stage"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loop",
				Subsystem: "eligibility",
				Name:      "throttles_total",
				Help:      "Requests rejected by rate limiting, per route.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			eligibilityRegistry.decisions,
			eligibilityRegistry.attestations,
			eligibilityRegistry.failures,
			eligibilityRegistry.stages,
			eligibilityRegistry.throttles,
		)
	})
	return eligibilityRegistry
}

// RecordDecision increments the decision counter. Reason is empty for
// admitted subjects.
func (m *eligibilityMetrics) RecordDecision(chainID uint64, admitted bool, reason string) {
	if m == nil {
		return
	}
	outcome := "denied"
	if admitted {
		outcome = "admitted"
		reason = ""
	}
	m.decisions.WithLabelValues(strconv.FormatUint(chainID, 10), outcome, normalise(reason, "none")).Inc()
}

// RecordAttestation counts a signed attestation.
func (m *eligibilityMetrics) RecordAttestation(chainID uint64, scheme string) {
	if m == nil {
		return
	}
	m.attestations.WithLabelValues(strconv.FormatUint(chainID, 10), normalise(scheme, "unknown")).Inc()
}

// RecordFailure counts an undecided request by error kind.
func (m *eligibilityMetrics) RecordFailure(kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(normalise(kind, "unknown")).Inc()
}

// ObserveStage records the latency of one issuance stage (score, membership,
// period, sign).
func (m *eligibilityMetrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(normalise(stage, "unknown")).Observe(d.Seconds())
}

// RecordThrottle counts a rate-limited request.
func (m *eligibilityMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(normalise(route, "unknown")).Inc()
}

func normalise(value, fallback string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return fallback
	}
	return strings.ReplaceAll(trimmed, " ", "_")
}

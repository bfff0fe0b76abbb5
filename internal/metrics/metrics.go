package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/miradorstack/mirador-reliability/internal/models"
)

const (
	// OutcomeSuccess labels installed generations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed generations.
	OutcomeError = "error"
	// OutcomeDiscarded labels generations that finished but lost the install race or were cancelled.
	OutcomeDiscarded = "discarded"
)

const namespace = "mirador_reliability"

var (
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Snapshot generations, partitioned by dashboard kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	generationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Snapshot generation latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	refreshRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_requests_total",
			Help:      "Refresh requests by result (accepted, already_in_flight, not_found).",
		},
		[]string{"result"},
	)

	linksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "links_total",
			Help:      "Active links produced by correlation passes, by discovery method.",
		},
		[]string{"method"},
	)

	linksRetiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "links_retired_total",
			Help:      "Links retired by correlation passes.",
		},
	)

	correlationSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlation_skipped_total",
			Help:      "Malformed issue or ticket records skipped during correlation.",
		},
	)

	snapshotAgeSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_age_seconds",
			Help:      "Age of the current valid snapshot per scope key.",
		},
		[]string{"scope"},
	)

	reliabilityScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "score",
			Help:      "Latest composite reliability score per product.",
		},
		[]string{"product"},
	)
)

// Register attaches collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		generationsTotal,
		generationDurationSeconds,
		refreshRequestsTotal,
		linksTotal,
		linksRetiredTotal,
		correlationSkippedTotal,
		snapshotAgeSeconds,
		reliabilityScore,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveGeneration records a generation duration and outcome label.
func ObserveGeneration(kind models.DashboardKind, duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeSuccess, OutcomeError, OutcomeDiscarded:
	default:
		outcome = OutcomeError
	}
	generationsTotal.WithLabelValues(string(kind), outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	generationDurationSeconds.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

// ObserveRefreshRequest counts a force-refresh result.
func ObserveRefreshRequest(result string) {
	refreshRequestsTotal.WithLabelValues(result).Inc()
}

// ObserveCorrelation records the shape of one correlation pass.
func ObserveCorrelation(result models.CorrelationResult) {
	for _, l := range result.Active {
		linksTotal.WithLabelValues(string(l.Method)).Inc()
	}
	linksRetiredTotal.Add(float64(len(result.Retired)))
	correlationSkippedTotal.Add(float64(result.Skipped))
}

// SetSnapshotAge exports the age of the valid snapshot for a scope.
func SetSnapshotAge(scope string, age time.Duration) {
	snapshotAgeSeconds.WithLabelValues(scope).Set(age.Seconds())
}

// ForgetScope drops per-scope series for a deactivated scope.
func ForgetScope(scope string) {
	snapshotAgeSeconds.DeleteLabelValues(scope)
}

// SetScore exports the latest composite for a product.
func SetScore(product string, score float64) {
	reliabilityScore.WithLabelValues(product).Set(score)
}

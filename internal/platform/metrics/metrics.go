package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	IngestsTotal       *prometheus.CounterVec
	IngestConflicts    prometheus.Counter
	ChangeEventsTotal  prometheus.Counter
	CacheFastPathHits  prometheus.Counter
	AssessmentsTotal   *prometheus.CounterVec
	AssessmentRetries  prometheus.Counter
	AssessmentDuration prometheus.Histogram
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		IngestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "regradar_ingests_total",
			Help: "Snapshot ingestions by outcome (changed, unchanged, error)",
		}, []string{"outcome"}),
		IngestConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "regradar_ingest_conflicts_total",
			Help: "Optimistic-concurrency append conflicts that triggered a retry",
		}),
		ChangeEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "regradar_change_events_total",
			Help: "Change events recorded",
		}),
		CacheFastPathHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "regradar_cache_fast_path_hits_total",
			Help: "Ingestions short-circuited by the fingerprint cache",
		}),
		AssessmentsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "regradar_assessments_total",
			Help: "Impact assessments persisted by status",
		}, []string{"status"}),
		AssessmentRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "regradar_assessment_retries_total",
			Help: "Retries against the generation service",
		}),
		AssessmentDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "regradar_assessment_duration_seconds",
			Help:    "Wall time of one assessment including provider retries",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// IncIngest records one ingestion with the given outcome label.
func (m *Metrics) IncIngest(outcome string) {
	m.IngestsTotal.WithLabelValues(outcome).Inc()
}

// IncAssessment records one persisted assessment with the given status label.
func (m *Metrics) IncAssessment(status string) {
	m.AssessmentsTotal.WithLabelValues(status).Inc()
}

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the pipeline's Prometheus counters. Label cardinality stays
// bounded: channels, event types, and risk levels are small fixed sets.
type Metrics struct {
	RecordsConsumed   *prometheus.CounterVec
	RecordsUnmatched  prometheus.Counter
	EventsIgnored     prometheus.Counter
	EventsStored      *prometheus.CounterVec
	EventsEnriched    prometheus.Counter
	CorrelationsFound *prometheus.CounterVec
	CommitFailures    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RecordsConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castellan_records_consumed_total",
			Help: "Raw records drained from channel queues.",
		}, []string{"channel"}),
		RecordsUnmatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "castellan_records_unmatched_total",
			Help: "Records with no matching classification rule.",
		}),
		EventsIgnored: factory.NewCounter(prometheus.CounterOpts{
			Name: "castellan_events_ignored_total",
			Help: "Classified events suppressed by ignore patterns.",
		}),
		EventsStored: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castellan_events_stored_total",
			Help: "Security events committed to the event store.",
		}, []string{"event_type", "risk_level"}),
		EventsEnriched: factory.NewCounter(prometheus.CounterOpts{
			Name: "castellan_events_enriched_total",
			Help: "Stored events upgraded by correlation enrichment.",
		}),
		CorrelationsFound: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castellan_correlations_total",
			Help: "Correlations detected, by type.",
		}, []string{"type"}),
		CommitFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "castellan_commit_failures_total",
			Help: "Pipeline commits that exhausted their retry budget.",
		}),
	}
}

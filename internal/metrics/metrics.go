package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels analyses that produced a full verdict.
	OutcomeSuccess = "success"
	// OutcomeDegraded labels verdicts built from a single source.
	OutcomeDegraded = "degraded"
	// OutcomeRejected labels analyses aborted before any I/O (invalid identifier).
	OutcomeRejected = "rejected"
	// OutcomeError labels analyses aborted after I/O started.
	OutcomeError = "error"
)

var (
	analysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vrc_sentinel",
			Name:      "analyses_total",
			Help:      "Total number of analyses handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	analysisDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vrc_sentinel",
			Name:      "analysis_seconds",
			Help:      "Analysis latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15},
		},
	)

	collectorResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vrc_sentinel",
			Name:      "collector_results_total",
			Help:      "Evidence collector results by source and outcome kind.",
		},
		[]string{"source", "outcome"},
	)

	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vrc_sentinel",
			Name:      "logins_total",
			Help:      "Remote login exchanges by outcome.",
		},
		[]string{"outcome"},
	)

	evidenceCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vrc_sentinel",
			Name:      "evidence_cache_total",
			Help:      "Remote evidence cache lookups by result.",
		},
		[]string{"result"},
	)
)

// Register attaches vrc-sentinel collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		analysesTotal,
		analysisDurationSeconds,
		collectorResultsTotal,
		loginsTotal,
		evidenceCacheTotal,
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

// ObserveAnalysis records an analysis duration and outcome label.
func ObserveAnalysis(duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeSuccess, OutcomeDegraded, OutcomeRejected:
	default:
		outcome = OutcomeError
	}
	analysesTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	analysisDurationSeconds.Observe(duration.Seconds())
}

// ObserveCollector records one collector result; outcome is "ok" or an error kind.
func ObserveCollector(source, outcome string) {
	if outcome == "" {
		outcome = "ok"
	}
	collectorResultsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveLogin records a login exchange outcome ("ok" or an error kind).
func ObserveLogin(outcome string) {
	if outcome == "" {
		outcome = "ok"
	}
	loginsTotal.WithLabelValues(outcome).Inc()
}

// ObserveEvidenceCache records a cache "hit", "miss" or "error".
func ObserveEvidenceCache(result string) {
	evidenceCacheTotal.WithLabelValues(result).Inc()
}

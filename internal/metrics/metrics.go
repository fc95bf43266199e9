// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Commits counts store transactions by operation and outcome
	// (committed, rejected, failed).
	Commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evigraph_commits_total",
		Help: "Store transactions by operation and outcome",
	}, []string{"op", "outcome"})

	CommitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "evigraph_commit_duration_seconds",
		Help:    "Store transaction duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	}, []string{"op"})

	StaleMarked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evigraph_stale_marked_total",
		Help: "Artifacts demoted to stale by ancestor mutation or alt-group exclusivity",
	})

	Penalties = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evigraph_soft_penalties_total",
		Help: "Soft constraint penalties recorded",
	})

	GateDispositions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evigraph_gate_dispositions_total",
		Help: "Alignment gate dispositions",
	}, []string{"disposition"})

	MirrorCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evigraph_endmirror_cache_total",
		Help: "EndMirror cache lookups by result (hit, miss, invalidated)",
	}, []string{"result"})

	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evigraph_dispatch_total",
		Help: "Scheduler dispatch outcomes",
	}, []string{"outcome"})

	FrontierSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "evigraph_frontier_size",
		Help: "Eligible actions at the last ranking",
	})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

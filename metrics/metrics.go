// Package metrics exposes Prometheus counters/histograms for the core's
// routing, reuse, history, and causal-read subsystems, following the
// teacher's package-level-vars + Init/Handler shape from
// metrics/metrics.go.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueryTotal counts classified statements by dialect, operation, and
	// the target the router resolved (spec.md §4.7).
	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maxcore_query_total",
			Help: "Total number of statements routed",
		},
		[]string{"dialect", "operation", "target"},
	)

	// QueryLatency tracks end-to-end statement latency by dialect and
	// target.
	QueryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maxcore_query_latency_seconds",
			Help:    "Statement latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dialect", "target"},
	)

	// ClassifierReparses counts how many times the classifier escalated
	// to a second parse pass for the same canonical statement (spec.md
	// §4.2's "parsed at most twice" cap).
	ClassifierReparses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maxcore_classifier_reparse_total",
			Help: "Statements that required a second classification pass",
		},
		[]string{"dialect"},
	)

	// BackendConnections tracks live backend connections by server and
	// state (spec.md §4.4).
	BackendConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maxcore_backend_connections",
			Help: "Live backend connections by server and state",
		},
		[]string{"server", "state"},
	)

	// ReuseOutcomes counts pool reuse decisions by mode (spec.md §4.8).
	ReuseOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maxcore_reuse_total",
			Help: "Backend connection reuse outcomes by mode",
		},
		[]string{"mode"},
	)

	// HistoryReplayLatency tracks how long a new backend's history replay
	// takes (spec.md §4.6).
	HistoryReplayLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maxcore_history_replay_latency_seconds",
			Help:    "Time to replay session-command history onto a new backend",
			Buckets: prometheus.DefBuckets,
		},
	)

	// HistoryDivergences counts replay mismatches that closed a backend
	// (spec.md §4.6 "A mismatch ... triggers a permanent backend error").
	HistoryDivergences = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maxcore_history_divergence_total",
			Help: "Session-command history replay divergences",
		},
	)

	// CausalWaitLatency tracks MASTER_GTID_WAIT prefix latency by mode
	// (spec.md §4.9).
	CausalWaitLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maxcore_causal_wait_latency_seconds",
			Help:    "Time spent waiting on a causal-read GTID-wait prefix",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// CausalTimeouts counts causal-read prefix timeouts by outcome
	// (retry-on-master vs synthetic-error, spec.md §4.9).
	CausalTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maxcore_causal_timeout_total",
			Help: "Causal-read prefix timeouts by resulting action",
		},
		[]string{"outcome"},
	)

	// ErrorsByKind counts taxonomized errors (spec.md §7).
	ErrorsByKind = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maxcore_errors_total",
			Help: "Taxonomized errors by kind",
		},
		[]string{"kind"},
	)

	once sync.Once
)

// Init registers all metrics with the default Prometheus registry.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(QueryTotal)
		prometheus.MustRegister(QueryLatency)
		prometheus.MustRegister(ClassifierReparses)
		prometheus.MustRegister(BackendConnections)
		prometheus.MustRegister(ReuseOutcomes)
		prometheus.MustRegister(HistoryReplayLatency)
		prometheus.MustRegister(HistoryDivergences)
		prometheus.MustRegister(CausalWaitLatency)
		prometheus.MustRegister(CausalTimeouts)
		prometheus.MustRegister(ErrorsByKind)
	})
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

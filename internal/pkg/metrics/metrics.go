// internal/pkg/metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coupon"

var (
	// GateDecisions 按结果统计准入决策: issued / already_claimed / out_of_stock / unavailable / gate_unavailable / enqueue_failed
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "decisions_total",
		Help:      "Stock gate decisions by outcome.",
	}, []string{"outcome"})

	GateLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "script_duration_seconds",
		Help:      "Latency of the atomic claim script.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	})

	// Commits 按结果统计持久化: committed / duplicate / stale / failed
	Commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "committer",
		Name:      "commits_total",
		Help:      "Issuance events settled by the committer, by outcome.",
	}, []string{"outcome"})

	CommitAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "committer",
		Name:      "attempts_total",
		Help:      "Repository commit attempts including retries.",
	})

	SequenceAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "committer",
		Name:      "sequence_anomalies_total",
		Help:      "Per-coupon sequence regressions and gaps observed by the committer.",
	}, []string{"kind"})

	DeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "committer",
		Name:      "dead_letters_total",
		Help:      "Issuance events routed to the dead letter topic.",
	})

	// Compensations 按结果统计补偿: refunded / already_released / confirmed / fence_failed
	Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "compensations_total",
		Help:      "Compensations by outcome.",
	}, []string{"outcome"})

	DriftCorrections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "drift_corrections_total",
		Help:      "Remaining-stock corrections applied by the audit.",
	})

	AuditRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "audit_runs_total",
		Help:      "Audit runs by result: ok / skipped / error.",
	}, []string{"result"})
)

// Handler 暴露 /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

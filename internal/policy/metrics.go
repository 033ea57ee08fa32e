package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	policyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravint_policy_evaluations_total",
			Help: "Policy evaluations by decision and effective mode",
		},
		[]string{"decision", "mode"},
	)

	policyEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ravint_policy_evaluation_duration_seconds",
			Help:    "Policy evaluation latency",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
		[]string{"mode"},
	)

	policyEscalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravint_policy_escalations_total",
			Help: "Decisions that required human approval",
		},
		[]string{"mode"},
	)

	policyCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravint_policy_cache_hits_total",
			Help: "Decision cache hits",
		},
		[]string{"mode"},
	)

	policyCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravint_policy_cache_misses_total",
			Help: "Decision cache misses",
		},
		[]string{"mode"},
	)

	policyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravint_policy_errors_total",
			Help: "Policy engine errors by stage",
		},
		[]string{"stage", "mode"},
	)

	policyLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravint_policy_loads_total",
			Help: "Successful policy bundle loads by version",
		},
		[]string{"version"},
	)

	policyBundleSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ravint_policy_bundle_files",
			Help: "Policy files in the loaded bundle",
		},
	)
)

func recordEvaluation(allow bool, mode string, seconds float64) {
	decision := "deny"
	if allow {
		decision = "allow"
	}
	policyEvaluations.WithLabelValues(decision, mode).Inc()
	policyEvaluationDuration.WithLabelValues(mode).Observe(seconds)
}

func recordEscalation(mode string) {
	policyEscalations.WithLabelValues(mode).Inc()
}

func recordCacheHit(mode string)  { policyCacheHits.WithLabelValues(mode).Inc() }
func recordCacheMiss(mode string) { policyCacheMisses.WithLabelValues(mode).Inc() }

func recordError(stage, mode string) {
	policyErrors.WithLabelValues(stage, mode).Inc()
}

func recordPolicyLoad(files int, version string) {
	policyLoads.WithLabelValues(version).Inc()
	policyBundleSize.Set(float64(files))
}

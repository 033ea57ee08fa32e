package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ravint_runs_started_total",
			Help: "Total number of reasoning runs started",
		},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravint_runs_completed_total",
			Help: "Total number of reasoning runs completed",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ravint_run_duration_seconds",
			Help:    "End-to-end run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ravint_phase_duration_seconds",
			Help:    "Pipeline phase duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120},
		},
		[]string{"phase"},
	)

	// Agent call metrics
	AgentCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravint_agent_calls_total",
			Help: "Coordinator calls per agent and terminal status",
		},
		[]string{"agent", "status"},
	)

	AgentCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ravint_agent_call_duration_ms",
			Help:    "Agent call duration in milliseconds, retries included",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
		[]string{"agent"},
	)

	AgentRecoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravint_agent_recoveries_total",
			Help: "Recoveries per agent by strategy (retry, backup, default)",
		},
		[]string{"agent", "strategy"},
	)

	AgentTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ravint_agent_tokens_used",
			Help:    "Tokens reported per agent call",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000},
		},
	)

	// Snapshot store metrics
	SnapshotsSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ravint_snapshots_saved_total",
			Help: "Run state snapshots written to Redis",
		},
	)

	SnapshotCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ravint_snapshot_cache_hits_total",
			Help: "Snapshot loads served from the local cache",
		},
	)

	SnapshotCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ravint_snapshot_cache_misses_total",
			Help: "Snapshot loads that fell through to Redis",
		},
	)

	SnapshotCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ravint_snapshot_cache_size",
			Help: "Snapshots currently held in the local cache",
		},
	)

	SnapshotCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ravint_snapshot_cache_evictions_total",
			Help: "Snapshots evicted from the local cache",
		},
	)

	// Human review metrics
	ReviewsRequested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravint_reviews_requested_total",
			Help: "Human reviews requested by review type",
		},
		[]string{"review_type"},
	)

	ReviewsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravint_reviews_resolved_total",
			Help: "Human reviews resolved by outcome",
		},
		[]string{"outcome"},
	)

	ReviewWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ravint_review_wait_seconds",
			Help:    "Time a run spent waiting on a human decision",
			Buckets: []float64{1, 10, 30, 60, 120, 300, 900, 3600},
		},
	)

	// Synthesis metrics
	PerspectivesDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravint_perspectives_degraded_total",
			Help: "Perspective slots filled with a placeholder after exhausting attempts",
		},
		[]string{"lens"},
	)

	SynthesisFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ravint_synthesis_fallbacks_total",
			Help: "Meta-synthesis failures resolved by promoting the best perspective",
		},
	)

	// Tool audit metrics
	ToolInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravint_tool_invocations_total",
			Help: "Tool executions reported by the reasoning service",
		},
		[]string{"agent", "tool", "outcome"},
	)

	ToolsDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravint_tools_denied_total",
			Help: "Tools removed from an agent's allowed set by policy",
		},
		[]string{"agent", "tool"},
	)

	// Service metrics
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ravint_active_runs",
			Help: "Runs currently executing",
		},
	)
)

// RecordRunMetrics records metrics for a completed run
func RecordRunMetrics(status string, durationSeconds float64) {
	RunsCompleted.WithLabelValues(status).Inc()
	RunDuration.Observe(durationSeconds)
}

// RecordAgentCall records the terminal status of one coordinator call
func RecordAgentCall(agent, status, strategy string, durationMs float64) {
	AgentCalls.WithLabelValues(agent, status).Inc()
	if durationMs > 0 {
		AgentCallDuration.WithLabelValues(agent).Observe(durationMs)
	}
	if strategy != "" {
		AgentRecoveries.WithLabelValues(agent, strategy).Inc()
	}
}

// RecordAgentTokens records token usage reported by the agent service
func RecordAgentTokens(tokens int) {
	if tokens > 0 {
		AgentTokensUsed.Observe(float64(tokens))
	}
}

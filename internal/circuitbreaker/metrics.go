package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ravint_circuit_breaker_state",
			Help: "Current state of an agent circuit (0=closed, 1=half-open, 2=open)",
		},
		[]string{"agent"},
	)

	circuitObservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravint_circuit_breaker_observations_total",
			Help: "Completed coordinator calls recorded against an agent circuit",
		},
		[]string{"agent", "result"},
	)

	circuitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravint_circuit_breaker_rejections_total",
			Help: "Calls rejected without invoking the agent",
		},
		[]string{"agent", "reason"},
	)

	circuitStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravint_circuit_breaker_state_changes_total",
			Help: "Circuit state transitions per agent",
		},
		[]string{"agent", "from_state", "to_state"},
	)

	circuitOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ravint_circuit_breaker_open_since_seconds",
			Help: "Timestamp when the agent circuit opened (0 if not open)",
		},
		[]string{"agent"},
	)
)

func recordStateChange(name string, from, to State) {
	circuitStateChanges.WithLabelValues(name, from.String(), to.String()).Inc()
	circuitState.WithLabelValues(name).Set(float64(to))

	if to == StateOpen {
		circuitOpenSince.WithLabelValues(name).SetToCurrentTime()
	} else if from == StateOpen {
		circuitOpenSince.WithLabelValues(name).Set(0)
	}
}

func recordObservation(name string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	circuitObservations.WithLabelValues(name, result).Inc()
}

func recordRejection(name string, err error) {
	reason := "open"
	if err == ErrTrialInProgress {
		reason = "trial_in_progress"
	}
	circuitRejections.WithLabelValues(name, reason).Inc()
}

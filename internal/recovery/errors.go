package recovery

import (
	"errors"
	"fmt"
)

// AgentError wraps an agent failure with enough context for a phase to
// classify it: recoverable failures degrade to defaults, critical ones
// abort the phase. CircuitOpen marks rejections that never invoked the
// agent because its breaker was open.
type AgentError struct {
	AgentName   string
	Err         error
	Attempt     int
	Phase       string
	Critical    bool
	CircuitOpen bool
}

func (e *AgentError) Error() string {
	if e.CircuitOpen {
		return fmt.Sprintf("agent %s rejected: circuit open (phase %s)", e.AgentName, e.Phase)
	}
	return fmt.Sprintf("agent %s failed after %d attempt(s) in phase %s: %v", e.AgentName, e.Attempt, e.Phase, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// IsCircuitOpen reports whether err is an AgentError raised without
// invoking the agent because its circuit was open.
func IsCircuitOpen(err error) bool {
	var ae *AgentError
	return errors.As(err, &ae) && ae.CircuitOpen
}

// IsCritical reports whether err is a critical AgentError.
func IsCritical(err error) bool {
	var ae *AgentError
	return errors.As(err, &ae) && ae.Critical
}

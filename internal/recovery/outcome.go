package recovery

import "github.com/lanish19/ravint22-sub000/internal/session"

// Status tags how a coordinator call resolved. Phases branch on the tag
// instead of catching and re-classifying errors.
type Status int

const (
	// StatusRecovered means Value is usable: first-try success, success
	// after retries, or a successful backup call.
	StatusRecovered Status = iota
	// StatusDegraded means the declared default was substituted; Value is
	// the default and Err holds what went wrong.
	StatusDegraded
	// StatusFatal means a critical agent exhausted recovery; Value is the
	// zero default and the caller must abort the phase with Err.
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusRecovered:
		return "recovered"
	case StatusDegraded:
		return "degraded"
	case StatusFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Strategies recorded on outcomes and error-log entries.
const (
	StrategyRetry   = "retry"
	StrategyBackup  = "backup"
	StrategyDefault = "default"
)

// Outcome is the tagged result of one coordinator call.
type Outcome[O any] struct {
	Status   Status
	Value    O
	Err      *AgentError
	Attempts int
	// Strategy is how the value was obtained when recovery machinery was
	// involved: "retry", "backup", "default", or empty for a clean first
	// attempt.
	Strategy string
	// Report is the ready-made error-log entry for this call, nil when the
	// call succeeded on the first attempt with no recovery involved. The
	// owning phase appends it to its local accumulator.
	Report *session.ErrorInfo
}

// Failed reports whether any failure occurred during the call, including
// failures the caller never sees because a retry or backup recovered.
func (o Outcome[O]) Failed() bool { return o.Report != nil }

package agents

import "fmt"

// ValidationError marks input or output that failed schema validation.
// For agent outputs it is retried like any other failure; for the
// orchestrator's own top-level input it is terminal and never retried.
type ValidationError struct {
	Subject string // what was being validated, e.g. an agent name or "request"
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Subject, e.Reason)
}

// NewValidationError builds a ValidationError from a subject and cause.
func NewValidationError(subject string, cause error) *ValidationError {
	return &ValidationError{Subject: subject, Reason: cause.Error()}
}

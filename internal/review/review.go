package review

import (
	"fmt"

	"github.com/lanish19/ravint22-sub000/internal/agents"
)

// Decide determines whether a finished synthesis must be held for human
// review. It is pure: review is required when the overall confidence
// ranks at or below the configured threshold, or when any critical
// failure was recorded during the run.
func Decide(confidence agents.Confidence, criticalErrors int, threshold agents.Confidence) (bool, string) {
	if criticalErrors > 0 {
		return true, fmt.Sprintf("%d critical error(s) recorded during the run", criticalErrors)
	}
	if confidence.Rank() <= threshold.Rank() {
		return true, fmt.Sprintf("overall confidence %s at or below threshold %s", confidence, threshold)
	}
	return false, ""
}

// Urgency maps the gate reason to a request urgency.
func Urgency(criticalErrors int) string {
	if criticalErrors > 0 {
		return "high"
	}
	return "normal"
}

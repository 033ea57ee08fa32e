package session

import (
	"testing"
	"time"

	"github.com/lanish19/ravint22-sub000/internal/agents"
)

func TestMergeLayersPatchOverState(t *testing.T) {
	base := New("run-1", "is remote work more productive?")
	base.RefinedQuery = "refined"
	base.InitialAnswer = &agents.InitialAnswer{Text: "yes, with caveats"}

	patch := State{
		Routing:     &agents.Routing{Mode: "standard"},
		Assumptions: &agents.AssumptionSet{Assumptions: []agents.Assumption{{Statement: "offices measured fairly"}}},
	}

	merged := Merge(base, patch)

	if merged.RunID != "run-1" || merged.OriginalQuery != base.OriginalQuery {
		t.Fatalf("identity fields not carried: %+v", merged)
	}
	if merged.RefinedQuery != "refined" {
		t.Errorf("refined query dropped by merge")
	}
	if merged.InitialAnswer == nil || merged.InitialAnswer.Text != "yes, with caveats" {
		t.Errorf("prior phase field dropped by merge")
	}
	if merged.Routing == nil || merged.Routing.Mode != "standard" {
		t.Errorf("patch field not applied")
	}
	if len(merged.Assumptions.Assumptions) != 1 {
		t.Errorf("patch assumption set not applied")
	}
}

func TestMergeConcatenatesErrors(t *testing.T) {
	now := time.Now()
	base := State{ErrorsEncountered: []ErrorInfo{
		{Agent: "router", Err: "timeout", Timestamp: now},
	}}
	patch := State{ErrorsEncountered: []ErrorInfo{
		{Agent: "critic", Err: "bad schema", Timestamp: now.Add(time.Second)},
		{Agent: "bias_detector", Err: "timeout", Timestamp: now.Add(2 * time.Second)},
	}}

	merged := Merge(base, patch)

	if len(merged.ErrorsEncountered) != 3 {
		t.Fatalf("expected 3 errors after merge, got %d", len(merged.ErrorsEncountered))
	}
	if merged.ErrorsEncountered[0].Agent != "router" {
		t.Errorf("merge reordered error log: %+v", merged.ErrorsEncountered)
	}
	if merged.ErrorsEncountered[2].Agent != "bias_detector" {
		t.Errorf("patch errors not appended in order")
	}

	// Neither input may be mutated.
	if len(base.ErrorsEncountered) != 1 || len(patch.ErrorsEncountered) != 2 {
		t.Errorf("merge mutated an input state")
	}
}

func TestMergeUnionsArtifacts(t *testing.T) {
	base := State{}.WithArtifact("intake.raw", "a").WithArtifact("shared", "old")
	patch := State{}.WithArtifact("evidence.raw", "b").WithArtifact("shared", "new")

	merged := Merge(base, patch)

	if len(merged.Artifacts) != 3 {
		t.Fatalf("expected 3 artifacts, got %d", len(merged.Artifacts))
	}
	if merged.Artifacts["shared"] != "new" {
		t.Errorf("last write should win per artifact name, got %v", merged.Artifacts["shared"])
	}
	if base.Artifacts["shared"] != "old" {
		t.Errorf("merge mutated base artifacts")
	}
}

func TestWithErrorsAppendsWithoutMutating(t *testing.T) {
	base := State{ErrorsEncountered: []ErrorInfo{{Agent: "a"}}}
	grown := base.WithErrors(ErrorInfo{Agent: "b"}, ErrorInfo{Agent: "c"})

	if len(grown.ErrorsEncountered) != 3 {
		t.Fatalf("expected 3 errors, got %d", len(grown.ErrorsEncountered))
	}
	if len(base.ErrorsEncountered) != 1 {
		t.Errorf("WithErrors mutated receiver")
	}
	if got := grown.ErrorsEncountered[2].Agent; got != "c" {
		t.Errorf("append order wrong, last agent = %q", got)
	}
}

func TestCriticalErrors(t *testing.T) {
	s := State{ErrorsEncountered: []ErrorInfo{
		{Agent: "router"},
		{Agent: "initial_answer", IsCriticalFailure: true},
		{Agent: "critic"},
	}}
	crit := s.CriticalErrors()
	if len(crit) != 1 || crit[0].Agent != "initial_answer" {
		t.Fatalf("unexpected critical set: %+v", crit)
	}
}

func TestOverallConfidenceDefaultsLow(t *testing.T) {
	var s State
	if got := s.OverallConfidence(); got != agents.ConfidenceLow {
		t.Fatalf("expected Low for unscored state, got %s", got)
	}
	s.ConfidenceAssessment = &agents.ConfidenceAssessment{Level: agents.ConfidenceHigh}
	if got := s.OverallConfidence(); got != agents.ConfidenceHigh {
		t.Fatalf("expected High, got %s", got)
	}
}

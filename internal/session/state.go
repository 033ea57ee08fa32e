package session

import (
	"time"

	"github.com/lanish19/ravint22-sub000/internal/agents"
)

// State is the record threaded through the pipeline. Phases never mutate a
// State they received: each phase layers its writes over a copy and merges
// its local error accumulator exactly once at phase end. Per-phase fields
// are nil until their producing phase runs, then set exactly once; later
// phases read but never rewrite them.
type State struct {
	RunID         string `json:"run_id,omitempty"`
	OriginalQuery string `json:"original_query"`
	RefinedQuery  string `json:"refined_query,omitempty"`

	// Intake
	InitialAnswer *agents.InitialAnswer `json:"initial_answer,omitempty"`

	// Evidence
	Routing            *agents.Routing         `json:"routing,omitempty"`
	Assumptions        *agents.AssumptionSet   `json:"assumptions,omitempty"`
	SupportingResearch *agents.ResearchBrief   `json:"supporting_research,omitempty"`
	CounterEvidence    *agents.ResearchBrief   `json:"counter_evidence,omitempty"`
	Premortem          *agents.PremortemReport `json:"premortem,omitempty"`
	InformationGaps    *agents.GapReport       `json:"information_gaps,omitempty"`

	// Challenge
	BiasFindings    *agents.BiasReport      `json:"bias_findings,omitempty"`
	Critique        *agents.CritiqueReport  `json:"critique,omitempty"`
	Challenge       *agents.ChallengeReport `json:"challenge,omitempty"`
	SecondPremortem *agents.PremortemReport `json:"second_premortem,omitempty"`

	// Structuring
	BalancedBrief        *agents.BalancedBrief        `json:"balanced_brief,omitempty"`
	IntegratedBrief      *agents.IntegratedBrief      `json:"integrated_brief,omitempty"`
	ImpactAssessment     *agents.ImpactAssessment     `json:"impact_assessment,omitempty"`
	QualityReport        *agents.QualityReport        `json:"quality_report,omitempty"`
	ConfidenceAssessment *agents.ConfidenceAssessment `json:"confidence_assessment,omitempty"`
	SensitivityReport    *agents.SensitivityReport    `json:"sensitivity_report,omitempty"`

	// Synthesis
	FinalSynthesis    *agents.SynthesisRecord    `json:"final_synthesis,omitempty"`
	FactVerification  *agents.VerificationReport `json:"fact_verification,omitempty"`
	NuanceCheck       *agents.NuanceReport       `json:"nuance_check,omitempty"`
	SynthesisCritique *agents.SynthesisCritique  `json:"synthesis_critique,omitempty"`

	// Review
	ReviewResult *agents.ReviewResult `json:"review_result,omitempty"`

	// ErrorsEncountered is ordered and append-only: every agent failure in
	// the run, recovered or not, appears here exactly once.
	ErrorsEncountered []ErrorInfo `json:"errors_encountered,omitempty"`

	// Artifacts is observational only; downstream logic never reads it.
	// Last write wins per name.
	Artifacts map[string]interface{} `json:"artifacts,omitempty"`
}

// ErrorInfo records one failed agent call. Immutable once appended.
type ErrorInfo struct {
	Agent             string    `json:"agent"`
	Err               string    `json:"error"`
	Timestamp         time.Time `json:"timestamp"`
	RecoveryAttempted bool      `json:"recovery_attempted"`
	RecoveryStrategy  string    `json:"recovery_strategy,omitempty"` // "retry", "backup", "default"
	Phase             string    `json:"phase,omitempty"`
	InputSummary      string    `json:"input_summary,omitempty"`
	Attempt           int       `json:"attempt,omitempty"`
	IsCriticalFailure bool      `json:"is_critical_failure"`
}

// New returns the starting state for a query.
func New(runID, query string) State {
	return State{RunID: runID, OriginalQuery: query}
}

// Merge layers patch over s: set fields in patch win, ErrorsEncountered
// concatenates (s first, patch second), Artifacts unions with patch names
// winning. Neither input is mutated.
func Merge(s, patch State) State {
	out := patch

	if out.RunID == "" {
		out.RunID = s.RunID
	}
	if out.OriginalQuery == "" {
		out.OriginalQuery = s.OriginalQuery
	}
	if out.RefinedQuery == "" {
		out.RefinedQuery = s.RefinedQuery
	}
	if out.InitialAnswer == nil {
		out.InitialAnswer = s.InitialAnswer
	}
	if out.Routing == nil {
		out.Routing = s.Routing
	}
	if out.Assumptions == nil {
		out.Assumptions = s.Assumptions
	}
	if out.SupportingResearch == nil {
		out.SupportingResearch = s.SupportingResearch
	}
	if out.CounterEvidence == nil {
		out.CounterEvidence = s.CounterEvidence
	}
	if out.Premortem == nil {
		out.Premortem = s.Premortem
	}
	if out.InformationGaps == nil {
		out.InformationGaps = s.InformationGaps
	}
	if out.BiasFindings == nil {
		out.BiasFindings = s.BiasFindings
	}
	if out.Critique == nil {
		out.Critique = s.Critique
	}
	if out.Challenge == nil {
		out.Challenge = s.Challenge
	}
	if out.SecondPremortem == nil {
		out.SecondPremortem = s.SecondPremortem
	}
	if out.BalancedBrief == nil {
		out.BalancedBrief = s.BalancedBrief
	}
	if out.IntegratedBrief == nil {
		out.IntegratedBrief = s.IntegratedBrief
	}
	if out.ImpactAssessment == nil {
		out.ImpactAssessment = s.ImpactAssessment
	}
	if out.QualityReport == nil {
		out.QualityReport = s.QualityReport
	}
	if out.ConfidenceAssessment == nil {
		out.ConfidenceAssessment = s.ConfidenceAssessment
	}
	if out.SensitivityReport == nil {
		out.SensitivityReport = s.SensitivityReport
	}
	if out.FinalSynthesis == nil {
		out.FinalSynthesis = s.FinalSynthesis
	}
	if out.FactVerification == nil {
		out.FactVerification = s.FactVerification
	}
	if out.NuanceCheck == nil {
		out.NuanceCheck = s.NuanceCheck
	}
	if out.SynthesisCritique == nil {
		out.SynthesisCritique = s.SynthesisCritique
	}
	if out.ReviewResult == nil {
		out.ReviewResult = s.ReviewResult
	}

	// Error log concatenates, never replaces.
	if len(s.ErrorsEncountered) > 0 {
		merged := make([]ErrorInfo, 0, len(s.ErrorsEncountered)+len(patch.ErrorsEncountered))
		merged = append(merged, s.ErrorsEncountered...)
		merged = append(merged, patch.ErrorsEncountered...)
		out.ErrorsEncountered = merged
	}

	// Artifacts union, patch wins per name.
	if len(s.Artifacts) > 0 {
		merged := make(map[string]interface{}, len(s.Artifacts)+len(patch.Artifacts))
		for k, v := range s.Artifacts {
			merged[k] = v
		}
		for k, v := range patch.Artifacts {
			merged[k] = v
		}
		out.Artifacts = merged
	}

	return out
}

// WithArtifact returns a copy of s with one artifact recorded.
func (s State) WithArtifact(name string, data interface{}) State {
	artifacts := make(map[string]interface{}, len(s.Artifacts)+1)
	for k, v := range s.Artifacts {
		artifacts[k] = v
	}
	artifacts[name] = data
	s.Artifacts = artifacts
	return s
}

// WithErrors returns a copy of s with errs appended to the error log.
func (s State) WithErrors(errs ...ErrorInfo) State {
	if len(errs) == 0 {
		return s
	}
	merged := make([]ErrorInfo, 0, len(s.ErrorsEncountered)+len(errs))
	merged = append(merged, s.ErrorsEncountered...)
	merged = append(merged, errs...)
	s.ErrorsEncountered = merged
	return s
}

// CriticalErrors returns the critical entries of the error log, in order.
func (s State) CriticalErrors() []ErrorInfo {
	var out []ErrorInfo
	for _, e := range s.ErrorsEncountered {
		if e.IsCriticalFailure {
			out = append(out, e)
		}
	}
	return out
}

// OverallConfidence returns the scored confidence level, or Low when the
// structuring phase never produced one.
func (s State) OverallConfidence() agents.Confidence {
	if s.ConfidenceAssessment != nil && s.ConfidenceAssessment.Level.Valid() {
		return s.ConfidenceAssessment.Level
	}
	return agents.ConfidenceLow
}

package agents

import (
	"fmt"
	"time"
)

// Confidence is the three-level confidence scale shared by agent outputs,
// the review gate, and the orchestrator result.
type Confidence string

const (
	ConfidenceHigh   Confidence = "High"
	ConfidenceMedium Confidence = "Medium"
	ConfidenceLow    Confidence = "Low"
)

// Rank orders confidence levels for comparisons: High=3, Medium=2, Low=1.
// Unknown values rank 0 so they sort below Low.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether c is one of the three declared levels.
func (c Confidence) Valid() bool {
	return c == ConfidenceHigh || c == ConfidenceMedium || c == ConfidenceLow
}

// QueryInput is the intake-phase input: the raw or refined user query.
type QueryInput struct {
	Query string `json:"query"`
}

// RefinedQuery is the query_refiner output.
type RefinedQuery struct {
	Refined   string `json:"refined"`
	Rationale string `json:"rationale,omitempty"`
}

// Validate implements the output schema check for RefinedQuery.
func (r RefinedQuery) Validate() error {
	if r.Refined == "" {
		return fmt.Errorf("refined query is empty")
	}
	return nil
}

// InitialAnswer is the initial_answer output. The iterative refinement loop
// that produces it runs inside the collaborator; only the settled answer
// crosses this boundary.
type InitialAnswer struct {
	Text       string     `json:"text"`
	KeyPoints  []string   `json:"key_points,omitempty"`
	Confidence Confidence `json:"confidence,omitempty"`
}

func (a InitialAnswer) Validate() error {
	if a.Text == "" {
		return fmt.Errorf("initial answer text is empty")
	}
	if a.Confidence != "" && !a.Confidence.Valid() {
		return fmt.Errorf("invalid confidence %q", a.Confidence)
	}
	return nil
}

// AnswerContext carries the intake-phase outputs into evidence and
// challenge agents.
type AnswerContext struct {
	Query         string `json:"query"`
	RefinedQuery  string `json:"refined_query"`
	InitialAnswer string `json:"initial_answer"`
}

// Routing is the router output: a non-binding recommendation of how much
// analysis the query deserves.
type Routing struct {
	Mode            string   `json:"mode"` // "simple", "standard", "deep"
	Rationale       string   `json:"rationale,omitempty"`
	SuggestedAgents []string `json:"suggested_agents,omitempty"`
}

func (r Routing) Validate() error {
	switch r.Mode {
	case "simple", "standard", "deep":
		return nil
	default:
		return fmt.Errorf("unknown routing mode %q", r.Mode)
	}
}

// Assumption is one load-bearing assumption behind the initial answer.
type Assumption struct {
	Statement   string     `json:"statement"`
	Criticality Confidence `json:"criticality,omitempty"`
	Rationale   string     `json:"rationale,omitempty"`
}

// AssumptionSet is the assumption_analyst output.
type AssumptionSet struct {
	Assumptions []Assumption `json:"assumptions"`
}

func (s AssumptionSet) Validate() error {
	for i, a := range s.Assumptions {
		if a.Statement == "" {
			return fmt.Errorf("assumption %d has no statement", i)
		}
	}
	return nil
}

// Finding is a single sourced claim inside a research brief.
type Finding struct {
	Claim    string   `json:"claim"`
	Sources  []string `json:"sources,omitempty"`
	Strength string   `json:"strength,omitempty"` // "strong", "moderate", "weak"
}

// ResearchBrief is the output of both research agents (supporting and
// counter-evidence).
type ResearchBrief struct {
	Findings []Finding `json:"findings"`
	Summary  string    `json:"summary,omitempty"`
}

func (b ResearchBrief) Validate() error {
	for i, f := range b.Findings {
		if f.Claim == "" {
			return fmt.Errorf("finding %d has no claim", i)
		}
	}
	return nil
}

// FailureMode is one way the initial answer could turn out wrong.
type FailureMode struct {
	Description string `json:"description"`
	Likelihood  string `json:"likelihood,omitempty"` // "likely", "possible", "unlikely"
	Mitigation  string `json:"mitigation,omitempty"`
}

// PremortemReport is the output of both premortem passes.
type PremortemReport struct {
	FailureModes []FailureMode `json:"failure_modes"`
	Summary      string        `json:"summary,omitempty"`
}

func (p PremortemReport) Validate() error {
	for i, m := range p.FailureModes {
		if m.Description == "" {
			return fmt.Errorf("failure mode %d has no description", i)
		}
	}
	return nil
}

// InformationGap names a question the analysis cannot yet answer.
type InformationGap struct {
	Description    string `json:"description"`
	Impact         string `json:"impact,omitempty"`
	SuggestedQuery string `json:"suggested_query,omitempty"`
}

// GapReport is the information_gap_analyst output.
type GapReport struct {
	Gaps []InformationGap `json:"gaps"`
}

func (g GapReport) Validate() error {
	for i, gap := range g.Gaps {
		if gap.Description == "" {
			return fmt.Errorf("gap %d has no description", i)
		}
	}
	return nil
}

// EvidenceContext carries intake plus evidence-phase outputs into the
// challenge and structuring agents.
type EvidenceContext struct {
	AnswerContext
	Assumptions     AssumptionSet `json:"assumptions"`
	Supporting      ResearchBrief `json:"supporting"`
	CounterEvidence ResearchBrief `json:"counter_evidence"`
}

// BiasFinding is one detected reasoning bias.
type BiasFinding struct {
	Bias     string `json:"bias"`
	Evidence string `json:"evidence,omitempty"`
	Severity string `json:"severity,omitempty"` // "high", "medium", "low"
}

// BiasReport is the bias_detector output.
type BiasReport struct {
	Findings []BiasFinding `json:"findings"`
}

func (b BiasReport) Validate() error {
	for i, f := range b.Findings {
		if f.Bias == "" {
			return fmt.Errorf("bias finding %d has no bias label", i)
		}
	}
	return nil
}

// CritiqueReport is the critic output.
type CritiqueReport struct {
	Strengths  []string `json:"strengths,omitempty"`
	Weaknesses []string `json:"weaknesses,omitempty"`
	Verdict    string   `json:"verdict,omitempty"`
}

func (CritiqueReport) Validate() error { return nil }

// ChallengeReport is the devils_advocate output.
type ChallengeReport struct {
	Challenges         []string `json:"challenges"`
	StrongestObjection string   `json:"strongest_objection,omitempty"`
}

func (ChallengeReport) Validate() error { return nil }

// ChallengeContext carries everything challenge agents need.
type ChallengeContext struct {
	EvidenceContext
	Premortem PremortemReport `json:"premortem"`
	Gaps      GapReport       `json:"gaps"`
}

// BalancedBrief is the argument_reconstructor output: the initial answer
// rebuilt with counter-evidence given standing.
type BalancedBrief struct {
	CoreClaim        string   `json:"core_claim"`
	SupportingPoints []string `json:"supporting_points,omitempty"`
	CounterPoints    []string `json:"counter_points,omitempty"`
	Narrative        string   `json:"narrative,omitempty"`
}

func (b BalancedBrief) Validate() error {
	if b.CoreClaim == "" {
		return fmt.Errorf("balanced brief has no core claim")
	}
	return nil
}

// IntegratedBrief is the counter_argument_integrator output.
type IntegratedBrief struct {
	Narrative          string   `json:"narrative"`
	Integrations       []string `json:"integrations,omitempty"`
	UnresolvedTensions []string `json:"unresolved_tensions,omitempty"`
}

func (b IntegratedBrief) Validate() error {
	if b.Narrative == "" {
		return fmt.Errorf("integrated brief has no narrative")
	}
	return nil
}

// Impact is one area the answer materially affects.
type Impact struct {
	Area      string `json:"area"`
	Direction string `json:"direction,omitempty"` // "positive", "negative", "mixed"
	Magnitude string `json:"magnitude,omitempty"` // "major", "moderate", "minor"
}

// ImpactAssessment is the impact_assessor output.
type ImpactAssessment struct {
	Impacts []Impact `json:"impacts"`
	Summary string   `json:"summary,omitempty"`
}

func (a ImpactAssessment) Validate() error {
	for i, im := range a.Impacts {
		if im.Area == "" {
			return fmt.Errorf("impact %d has no area", i)
		}
	}
	return nil
}

// QualityReport is the quality_scorer output. Score is 0..1.
type QualityReport struct {
	Score      float64            `json:"score"`
	Dimensions map[string]float64 `json:"dimensions,omitempty"`
	Commentary string             `json:"commentary,omitempty"`
}

func (q QualityReport) Validate() error {
	if q.Score < 0 || q.Score > 1 {
		return fmt.Errorf("quality score %.3f outside [0,1]", q.Score)
	}
	return nil
}

// ConfidenceAssessment is the confidence_scorer output: the overall
// confidence level the rest of the pipeline keys off.
type ConfidenceAssessment struct {
	Level     Confidence `json:"level"`
	Rationale string     `json:"rationale,omitempty"`
	Drivers   []string   `json:"drivers,omitempty"`
}

func (a ConfidenceAssessment) Validate() error {
	if !a.Level.Valid() {
		return fmt.Errorf("invalid confidence level %q", a.Level)
	}
	return nil
}

// SensitivityFlip records an assumption whose reversal flips the answer.
type SensitivityFlip struct {
	Assumption string `json:"assumption"`
	Outcome    string `json:"outcome,omitempty"`
}

// SensitivityReport is the sensitivity_analyst output.
type SensitivityReport struct {
	PivotalAssumptions []string          `json:"pivotal_assumptions,omitempty"`
	Flips              []SensitivityFlip `json:"flips,omitempty"`
	Summary            string            `json:"summary,omitempty"`
}

func (SensitivityReport) Validate() error { return nil }

// StructuringContext is the rolling input for the structuring chain; each
// step reads the fields its predecessors populated.
type StructuringContext struct {
	AnswerContext
	Assumptions     AssumptionSet        `json:"assumptions"`
	Supporting      ResearchBrief        `json:"supporting"`
	CounterEvidence ResearchBrief        `json:"counter_evidence"`
	Gaps            GapReport            `json:"gaps"`
	Critique        CritiqueReport       `json:"critique"`
	Challenge       ChallengeReport      `json:"challenge"`
	BiasFindings    BiasReport           `json:"bias_findings"`
	BalancedBrief   BalancedBrief        `json:"balanced_brief,omitempty"`
	IntegratedBrief IntegratedBrief      `json:"integrated_brief,omitempty"`
	Impact          ImpactAssessment     `json:"impact,omitempty"`
	Quality         QualityReport        `json:"quality,omitempty"`
	Confidence      ConfidenceAssessment `json:"confidence,omitempty"`
}

// PerspectiveInput asks one ensemble slot for a synthesis through a
// specific lens.
type PerspectiveInput struct {
	Lens    string             `json:"lens"`
	Context StructuringContext `json:"context"`
}

// Perspective is one labeled ensemble synthesis.
type Perspective struct {
	Lens                    string     `json:"lens"`
	Confidence              Confidence `json:"confidence"`
	Summary                 string     `json:"summary"`
	Strengths               []string   `json:"strengths,omitempty"`
	Weaknesses              []string   `json:"weaknesses,omitempty"`
	CounterEvidenceHandling string     `json:"counter_evidence_handling,omitempty"`
	Recommendations         []string   `json:"recommendations,omitempty"`
	Uncertainties           []string   `json:"uncertainties,omitempty"`
}

func (p Perspective) Validate() error {
	if p.Summary == "" {
		return fmt.Errorf("perspective %q has no summary", p.Lens)
	}
	if !p.Confidence.Valid() {
		return fmt.Errorf("perspective %q has invalid confidence %q", p.Lens, p.Confidence)
	}
	return nil
}

// MetaSynthesisInput hands the full perspective set to the meta step.
type MetaSynthesisInput struct {
	Query        string        `json:"query"`
	Perspectives []Perspective `json:"perspectives"`
}

// SynthesisRecord is the reconciled final synthesis. DegradationNotes is
// non-empty whenever the record was produced by a fallback path instead of
// a successful meta-synthesis.
type SynthesisRecord struct {
	Summary                 string     `json:"summary"`
	Confidence              Confidence `json:"confidence"`
	KeyFindings             []string   `json:"key_findings,omitempty"`
	Strengths               []string   `json:"strengths,omitempty"`
	Weaknesses              []string   `json:"weaknesses,omitempty"`
	CounterEvidenceHandling string     `json:"counter_evidence_handling,omitempty"`
	Recommendations         []string   `json:"recommendations,omitempty"`
	Uncertainties           []string   `json:"uncertainties,omitempty"`
	DegradationNotes        []string   `json:"degradation_notes,omitempty"`
	SourcePerspectives      []string   `json:"source_perspectives,omitempty"`
}

func (s SynthesisRecord) Validate() error {
	if s.Summary == "" {
		return fmt.Errorf("synthesis has no summary")
	}
	if !s.Confidence.Valid() {
		return fmt.Errorf("synthesis has invalid confidence %q", s.Confidence)
	}
	return nil
}

// VerificationInput asks the fact verifier to check a synthesis against
// the gathered evidence.
type VerificationInput struct {
	Synthesis       SynthesisRecord `json:"synthesis"`
	Supporting      ResearchBrief   `json:"supporting"`
	CounterEvidence ResearchBrief   `json:"counter_evidence"`
}

// FactVerdict is the verification result for one claim.
type FactVerdict struct {
	Claim   string `json:"claim"`
	Verdict string `json:"verdict"` // "supported", "contradicted", "unverified"
	Note    string `json:"note,omitempty"`
}

// VerificationReport is the fact_verifier output.
type VerificationReport struct {
	Verdicts         []FactVerdict `json:"verdicts,omitempty"`
	UnverifiedClaims []string      `json:"unverified_claims,omitempty"`
}

func (v VerificationReport) Validate() error {
	for i, fv := range v.Verdicts {
		if fv.Claim == "" {
			return fmt.Errorf("verdict %d has no claim", i)
		}
	}
	return nil
}

// NuanceInput asks the nuance preserver to compare a synthesis with the
// detail it was distilled from.
type NuanceInput struct {
	Synthesis SynthesisRecord  `json:"synthesis"`
	Brief     IntegratedBrief  `json:"brief"`
	Impact    ImpactAssessment `json:"impact"`
}

// NuanceReport is the nuance_preserver output.
type NuanceReport struct {
	LostNuances []string `json:"lost_nuances,omitempty"`
	Adjustments []string `json:"adjustments,omitempty"`
}

func (NuanceReport) Validate() error { return nil }

// SynthesisReviewInput asks the synthesis critic to inspect the final
// synthesis alongside its verification and nuance checks.
type SynthesisReviewInput struct {
	Synthesis    SynthesisRecord    `json:"synthesis"`
	Verification VerificationReport `json:"verification"`
	Nuance       NuanceReport       `json:"nuance"`
}

// SynthesisCritique is the synthesis_critic output; UncertaintyNotes are
// appended to the final synthesis, never substituted for its content.
type SynthesisCritique struct {
	Issues           []string `json:"issues,omitempty"`
	UncertaintyNotes []string `json:"uncertainty_notes,omitempty"`
}

func (SynthesisCritique) Validate() error { return nil }

// ReviewRequest is the bounded human-review collaborator input.
type ReviewRequest struct {
	ReviewType     string     `json:"review_type"`
	Query          string     `json:"query"`
	Snapshot       string     `json:"snapshot"`
	Confidence     Confidence `json:"confidence"`
	CriticalIssues []string   `json:"critical_issues,omitempty"`
	Questions      []string   `json:"questions,omitempty"`
	Urgency        string     `json:"urgency"` // "normal" or "high"
}

// ReviewResult is the collaborator's answer. Completed=false means no
// reviewer responded within the bounded window; the pipeline still
// finishes and leaves resolution to the caller.
type ReviewResult struct {
	Completed  bool      `json:"completed"`
	ReviewID   string    `json:"review_id,omitempty"`
	Approved   bool      `json:"approved"`
	HumanInput string    `json:"human_input,omitempty"`
	NextSteps  []string  `json:"next_steps,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

func (ReviewResult) Validate() error { return nil }

package agents

// Declared default outputs, substituted when a non-critical agent exhausts
// recovery. Functions rather than vars so each caller gets a fresh value
// and an accidental mutation cannot leak between runs.

// DefaultRefinedQuery falls back to the unrefined query.
func DefaultRefinedQuery(original string) RefinedQuery {
	return RefinedQuery{Refined: original, Rationale: "refinement unavailable, using original query"}
}

// DefaultRouting is the static routing recommendation.
func DefaultRouting() Routing {
	return Routing{Mode: "standard", Rationale: "routing unavailable, using standard depth"}
}

// DefaultAssumptionSet is the empty assumption list.
func DefaultAssumptionSet() AssumptionSet { return AssumptionSet{Assumptions: []Assumption{}} }

// DefaultResearchBrief is the empty brief shared by both research agents.
func DefaultResearchBrief() ResearchBrief { return ResearchBrief{Findings: []Finding{}} }

// DefaultPremortemReport is the empty premortem.
func DefaultPremortemReport() PremortemReport {
	return PremortemReport{FailureModes: []FailureMode{}}
}

// DefaultGapReport is the empty gap list.
func DefaultGapReport() GapReport { return GapReport{Gaps: []InformationGap{}} }

// DefaultBiasReport is the empty bias list.
func DefaultBiasReport() BiasReport { return BiasReport{Findings: []BiasFinding{}} }

// DefaultCritiqueReport notes that critique was unavailable.
func DefaultCritiqueReport() CritiqueReport {
	return CritiqueReport{Verdict: "critique unavailable"}
}

// DefaultChallengeReport is the empty challenge set.
func DefaultChallengeReport() ChallengeReport {
	return ChallengeReport{Challenges: []string{}}
}

// DefaultBalancedBrief reuses the initial answer as the core claim.
func DefaultBalancedBrief(initialAnswer string) BalancedBrief {
	return BalancedBrief{CoreClaim: initialAnswer, Narrative: "argument reconstruction unavailable, carrying initial answer forward"}
}

// DefaultIntegratedBrief carries the prior brief's narrative forward.
func DefaultIntegratedBrief(brief BalancedBrief) IntegratedBrief {
	narrative := brief.Narrative
	if narrative == "" {
		narrative = brief.CoreClaim
	}
	return IntegratedBrief{Narrative: narrative, UnresolvedTensions: []string{"counter-argument integration unavailable"}}
}

// DefaultImpactAssessment is the empty assessment.
func DefaultImpactAssessment() ImpactAssessment { return ImpactAssessment{Impacts: []Impact{}} }

// DefaultQualityReport scores 0.5 with an explanatory note.
func DefaultQualityReport() QualityReport {
	return QualityReport{Score: 0.5, Commentary: "quality scoring unavailable, neutral score assumed"}
}

// DefaultConfidenceAssessment degrades to Low so a scoring outage can only
// make the pipeline more cautious, never less.
func DefaultConfidenceAssessment() ConfidenceAssessment {
	return ConfidenceAssessment{Level: ConfidenceLow, Rationale: "confidence scoring unavailable, defaulting to Low"}
}

// DefaultSensitivityReport is the empty report.
func DefaultSensitivityReport() SensitivityReport { return SensitivityReport{} }

// PlaceholderPerspective stands in for an ensemble slot whose generation
// failed; it is visibly minimal and never mistaken for real analysis.
func PlaceholderPerspective(lens string) Perspective {
	return Perspective{
		Lens:          lens,
		Confidence:    ConfidenceLow,
		Summary:       "perspective generation failed for lens " + lens + "; placeholder inserted",
		Uncertainties: []string{"this perspective is a degraded placeholder"},
	}
}

// DefaultVerificationReport is the empty report.
func DefaultVerificationReport() VerificationReport { return VerificationReport{} }

// DefaultNuanceReport is the empty report.
func DefaultNuanceReport() NuanceReport { return NuanceReport{} }

// DefaultSynthesisCritique is the empty critique.
func DefaultSynthesisCritique() SynthesisCritique { return SynthesisCritique{} }

// DefaultReviewResult is the degraded review outcome: not completed, no
// reviewer input, resolution left to the caller.
func DefaultReviewResult() ReviewResult {
	return ReviewResult{Completed: false, NextSteps: []string{"review request could not be delivered; follow up out of band"}}
}

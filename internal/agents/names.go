package agents

// Canonical agent names. Each name keys the circuit-breaker record, the
// rate limiter, metrics labels, and the reasoning-service endpoint for
// that agent, so renaming one is a wire-level change.
//
// Reserved sets by phase:
//   intake:      query_refiner, initial_answer
//   evidence:    router + 5 fan-out analysts
//   challenge:   4 fan-out analysts
//   structuring: 6 sequential steps
//   synthesis:   ensemble + verification + critique
//   review:      human_reviewer
const (
	NameQueryRefiner       = "query_refiner"
	NameInitialAnswer      = "initial_answer"
	NameRouter             = "router"
	NameAssumptionAnalyst  = "assumption_analyst"
	NameSupportingResearch = "supporting_researcher"
	NameCounterEvidence    = "counter_evidence_researcher"
	NamePremortemAnalyst   = "premortem_analyst"
	NameInfoGapAnalyst     = "information_gap_analyst"
	NameBiasDetector       = "bias_detector"
	NameCritic             = "critic"
	NameDevilsAdvocate     = "devils_advocate"
	NamePremortemReviewer  = "premortem_reviewer"
	NameArgumentBuilder    = "argument_reconstructor"
	NameCounterIntegrator  = "counter_argument_integrator"
	NameImpactAssessor     = "impact_assessor"
	NameQualityScorer      = "quality_scorer"
	NameConfidenceScorer   = "confidence_scorer"
	NameSensitivityAnalyst = "sensitivity_analyst"
	NamePerspective        = "perspective_synthesizer"
	NameMetaSynthesizer    = "meta_synthesizer"
	NameFactVerifier       = "fact_verifier"
	NameNuancePreserver    = "nuance_preserver"
	NameSynthesisCritic    = "synthesis_critic"
	NameHumanReviewer      = "human_reviewer"
)

// Lens labels for the synthesis ensemble. The order is the generation
// order, which is also the default tie-break order when perspectives share
// a confidence level.
const (
	LensMostLikely = "most_likely"
	LensWorstCase  = "worst_case"
	LensBestCase   = "best_case"
	LensConsensus  = "consensus_focused"
	LensDivergence = "divergence_focused"
)

// DefaultLenses returns the standard ensemble lens set in generation order.
func DefaultLenses() []string {
	return []string{LensMostLikely, LensWorstCase, LensBestCase, LensConsensus, LensDivergence}
}

// PerspectiveName returns the circuit/metrics key for one ensemble slot.
// Each lens gets its own key so a persistently failing lens does not trip
// the breaker for its siblings.
func PerspectiveName(lens string) string {
	return NamePerspective + ":" + lens
}

// All returns every canonical agent name, excluding per-lens ensemble keys.
func All() []string {
	return []string{
		NameQueryRefiner, NameInitialAnswer,
		NameRouter, NameAssumptionAnalyst, NameSupportingResearch,
		NameCounterEvidence, NamePremortemAnalyst, NameInfoGapAnalyst,
		NameBiasDetector, NameCritic, NameDevilsAdvocate, NamePremortemReviewer,
		NameArgumentBuilder, NameCounterIntegrator, NameImpactAssessor,
		NameQualityScorer, NameConfidenceScorer, NameSensitivityAnalyst,
		NamePerspective, NameMetaSynthesizer, NameFactVerifier,
		NameNuancePreserver, NameSynthesisCritic, NameHumanReviewer,
	}
}

package pipeline

import (
	"context"

	"github.com/lanish19/ravint22-sub000/internal/agents"
	"github.com/lanish19/ravint22-sub000/internal/recovery"
	"github.com/lanish19/ravint22-sub000/internal/session"
)

// structuring runs the six-step sequential chain that turns the
// challenged answer into a scored, balanced brief. Each step reads the
// rolling context its predecessors populated; a degraded step hands its
// default forward and the chain keeps walking.
func (e *Engine) structuring(ctx context.Context, r *run) error {
	log := &reportLog{}
	patch := session.State{}
	defer func() {
		patch.ErrorsEncountered = log.list()
		r.state = session.Merge(r.state, patch)
	}()

	sctx := structuringContext(r.state)
	summary := summarize(sctx.InitialAnswer)

	balanced, _ := callAgent(ctx, r, log, agents.NameArgumentBuilder, e.registry.ReconstructArgument,
		sctx, agents.DefaultBalancedBrief(sctx.InitialAnswer),
		recovery.Options[agents.StructuringContext, agents.BalancedBrief]{Phase: PhaseStructuring, InputSummary: summary})
	patch.BalancedBrief = &balanced
	sctx.BalancedBrief = balanced

	integrated, _ := callAgent(ctx, r, log, agents.NameCounterIntegrator, e.registry.IntegrateCounterArguments,
		sctx, agents.DefaultIntegratedBrief(balanced),
		recovery.Options[agents.StructuringContext, agents.IntegratedBrief]{Phase: PhaseStructuring, InputSummary: summary})
	patch.IntegratedBrief = &integrated
	sctx.IntegratedBrief = integrated

	impact, _ := callAgent(ctx, r, log, agents.NameImpactAssessor, e.registry.AssessImpact,
		sctx, agents.DefaultImpactAssessment(),
		recovery.Options[agents.StructuringContext, agents.ImpactAssessment]{Phase: PhaseStructuring, InputSummary: summary})
	patch.ImpactAssessment = &impact
	sctx.Impact = impact

	quality, _ := callAgent(ctx, r, log, agents.NameQualityScorer, e.registry.ScoreQuality,
		sctx, agents.DefaultQualityReport(),
		recovery.Options[agents.StructuringContext, agents.QualityReport]{Phase: PhaseStructuring, InputSummary: summary})
	patch.QualityReport = &quality
	sctx.Quality = quality

	confidence, _ := callAgent(ctx, r, log, agents.NameConfidenceScorer, e.registry.ScoreConfidence,
		sctx, agents.DefaultConfidenceAssessment(),
		recovery.Options[agents.StructuringContext, agents.ConfidenceAssessment]{Phase: PhaseStructuring, InputSummary: summary})
	patch.ConfidenceAssessment = &confidence
	sctx.Confidence = confidence

	sensitivity, _ := callAgent(ctx, r, log, agents.NameSensitivityAnalyst, e.registry.AnalyzeSensitivity,
		sctx, agents.DefaultSensitivityReport(),
		recovery.Options[agents.StructuringContext, agents.SensitivityReport]{Phase: PhaseStructuring, InputSummary: summary})
	patch.SensitivityReport = &sensitivity

	patch = patch.WithArtifact("structuring.quality_score", quality.Score)
	patch = patch.WithArtifact("structuring.confidence", string(confidence.Level))
	return nil
}

// structuringContext assembles everything the chain reads from the
// earlier phases.
func structuringContext(s session.State) agents.StructuringContext {
	sctx := agents.StructuringContext{AnswerContext: answerContext(s)}
	if s.Assumptions != nil {
		sctx.Assumptions = *s.Assumptions
	}
	if s.SupportingResearch != nil {
		sctx.Supporting = *s.SupportingResearch
	}
	if s.CounterEvidence != nil {
		sctx.CounterEvidence = *s.CounterEvidence
	}
	if s.InformationGaps != nil {
		sctx.Gaps = *s.InformationGaps
	}
	if s.Critique != nil {
		sctx.Critique = *s.Critique
	}
	if s.Challenge != nil {
		sctx.Challenge = *s.Challenge
	}
	if s.BiasFindings != nil {
		sctx.BiasFindings = *s.BiasFindings
	}
	return sctx
}

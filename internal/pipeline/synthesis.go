package pipeline

import (
	"context"
	"fmt"

	"github.com/lanish19/ravint22-sub000/internal/agents"
	"github.com/lanish19/ravint22-sub000/internal/metrics"
	"github.com/lanish19/ravint22-sub000/internal/recovery"
	"github.com/lanish19/ravint22-sub000/internal/session"
)

// TieBreak picks the winning perspective from candidates that share the
// top confidence rank. Candidates arrive in generation order and are
// never empty.
type TieBreak func(candidates []agents.Perspective) agents.Perspective

// FirstGenerated is the default tie-break: the earliest slot wins.
func FirstGenerated(candidates []agents.Perspective) agents.Perspective {
	return candidates[0]
}

// BestPerspective returns the highest-confidence perspective, resolving
// ties with tb (FirstGenerated when nil).
func BestPerspective(perspectives []agents.Perspective, tb TieBreak) agents.Perspective {
	top := 0
	for _, p := range perspectives {
		if r := p.Confidence.Rank(); r > top {
			top = r
		}
	}
	var candidates []agents.Perspective
	for _, p := range perspectives {
		if p.Confidence.Rank() == top {
			candidates = append(candidates, p)
		}
	}
	if tb == nil {
		tb = FirstGenerated
	}
	return tb(candidates)
}

// synthesis runs the perspective ensemble, reconciles it into one record,
// then verifies, nuance-checks, and critiques that record. A failed
// ensemble slot degrades to a visible placeholder; a failed meta step
// promotes the best perspective instead of aborting the run.
func (e *Engine) synthesis(ctx context.Context, r *run) error {
	log := &reportLog{}
	patch := session.State{}
	defer func() {
		patch.ErrorsEncountered = log.list()
		r.state = session.Merge(r.state, patch)
	}()

	sctx := structuringContext(r.state)
	if r.state.BalancedBrief != nil {
		sctx.BalancedBrief = *r.state.BalancedBrief
	}
	if r.state.IntegratedBrief != nil {
		sctx.IntegratedBrief = *r.state.IntegratedBrief
	}
	if r.state.ImpactAssessment != nil {
		sctx.Impact = *r.state.ImpactAssessment
	}
	if r.state.QualityReport != nil {
		sctx.Quality = *r.state.QualityReport
	}
	if r.state.ConfidenceAssessment != nil {
		sctx.Confidence = *r.state.ConfidenceAssessment
	}

	lenses := e.cfg.Lenses
	outcomes := make([]recovery.Outcome[agents.Perspective], len(lenses))

	tasks := make([]task, len(lenses))
	for i, lens := range lenses {
		i, lens := i, lens
		tasks[i] = task{
			name: agents.PerspectiveName(lens),
			run: func(ctx context.Context) error {
				outcomes[i] = guarded(ctx, r, log, agents.PerspectiveName(lens), e.registry.SynthesizePerspective,
					agents.PerspectiveInput{Lens: lens, Context: sctx},
					agents.PlaceholderPerspective(lens),
					recovery.Options[agents.PerspectiveInput, agents.Perspective]{
						Phase:        PhaseSynthesis,
						MaxAttempts:  e.cfg.PerspectiveAttempts,
						InputSummary: "lens=" + lens,
					})
				return nil
			},
		}
	}
	if err := e.fanOut(ctx, tasks); err != nil {
		return err
	}

	perspectives := make([]agents.Perspective, len(lenses))
	var degraded []string
	for i, out := range outcomes {
		perspectives[i] = out.Value
		if out.Status == recovery.StatusDegraded {
			degraded = append(degraded, lenses[i])
			metrics.PerspectivesDegraded.WithLabelValues(lenses[i]).Inc()
		}
	}

	meta := guarded(ctx, r, log, agents.NameMetaSynthesizer, e.registry.MetaSynthesize,
		agents.MetaSynthesisInput{Query: r.state.RefinedQuery, Perspectives: perspectives},
		agents.SynthesisRecord{},
		recovery.Options[agents.MetaSynthesisInput, agents.SynthesisRecord]{
			Phase:        PhaseSynthesis,
			InputSummary: fmt.Sprintf("%d perspectives", len(perspectives)),
		})

	var record agents.SynthesisRecord
	if meta.Status == recovery.StatusRecovered {
		record = meta.Value
	} else {
		// Promote the best perspective rather than surfacing an empty
		// synthesis.
		best := BestPerspective(perspectives, e.cfg.TieBreak)
		record = agents.SynthesisRecord{
			Summary:                 best.Summary,
			Confidence:              best.Confidence,
			Strengths:               best.Strengths,
			Weaknesses:              best.Weaknesses,
			CounterEvidenceHandling: best.CounterEvidenceHandling,
			Recommendations:         best.Recommendations,
			Uncertainties:           best.Uncertainties,
			SourcePerspectives:      []string{best.Lens},
			DegradationNotes: []string{
				"meta-synthesis unavailable; promoted highest-confidence perspective " + best.Lens,
			},
		}
		metrics.SynthesisFallbacks.Inc()
	}
	for _, lens := range degraded {
		record.DegradationNotes = append(record.DegradationNotes,
			"perspective "+lens+" degraded to placeholder")
	}

	var supporting, counter agents.ResearchBrief
	if r.state.SupportingResearch != nil {
		supporting = *r.state.SupportingResearch
	}
	if r.state.CounterEvidence != nil {
		counter = *r.state.CounterEvidence
	}

	verification, _ := callAgent(ctx, r, log, agents.NameFactVerifier, e.registry.VerifyFacts,
		agents.VerificationInput{Synthesis: record, Supporting: supporting, CounterEvidence: counter},
		agents.DefaultVerificationReport(),
		recovery.Options[agents.VerificationInput, agents.VerificationReport]{Phase: PhaseSynthesis, InputSummary: summarize(record.Summary)})

	nuance, _ := callAgent(ctx, r, log, agents.NameNuancePreserver, e.registry.PreserveNuance,
		agents.NuanceInput{Synthesis: record, Brief: sctx.IntegratedBrief, Impact: sctx.Impact},
		agents.DefaultNuanceReport(),
		recovery.Options[agents.NuanceInput, agents.NuanceReport]{Phase: PhaseSynthesis, InputSummary: summarize(record.Summary)})

	critique, _ := callAgent(ctx, r, log, agents.NameSynthesisCritic, e.registry.CritiqueSynthesis,
		agents.SynthesisReviewInput{Synthesis: record, Verification: verification, Nuance: nuance},
		agents.DefaultSynthesisCritique(),
		recovery.Options[agents.SynthesisReviewInput, agents.SynthesisCritique]{Phase: PhaseSynthesis, InputSummary: summarize(record.Summary)})

	// Critique folds back as appended uncertainty, never as replacement
	// content.
	record.Uncertainties = append(record.Uncertainties, critique.UncertaintyNotes...)

	patch.FinalSynthesis = &record
	patch.FactVerification = &verification
	patch.NuanceCheck = &nuance
	patch.SynthesisCritique = &critique
	patch = patch.WithArtifact("synthesis.confidence", string(record.Confidence))
	patch = patch.WithArtifact("synthesis.degraded_lenses", degraded)
	return nil
}

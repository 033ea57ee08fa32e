package pipeline

import (
	"context"

	"github.com/lanish19/ravint22-sub000/internal/agents"
	"github.com/lanish19/ravint22-sub000/internal/recovery"
	"github.com/lanish19/ravint22-sub000/internal/session"
)

// challenge fans out the four adversarial analysts against the initial
// answer and the gathered evidence.
func (e *Engine) challenge(ctx context.Context, r *run) error {
	log := &reportLog{}
	patch := session.State{}
	defer func() {
		patch.ErrorsEncountered = log.list()
		r.state = session.Merge(r.state, patch)
	}()

	cctx := challengeContext(r.state)
	summary := summarize(cctx.InitialAnswer)

	var (
		bias       agents.BiasReport
		critique   agents.CritiqueReport
		challenge  agents.ChallengeReport
		premortem2 agents.PremortemReport
	)

	err := e.fanOut(ctx, []task{
		{agents.NameBiasDetector, func(ctx context.Context) error {
			out, err := callAgent(ctx, r, log, agents.NameBiasDetector, e.registry.DetectBias,
				cctx, agents.DefaultBiasReport(),
				recovery.Options[agents.ChallengeContext, agents.BiasReport]{Phase: PhaseChallenge, InputSummary: summary})
			bias = out
			return err
		}},
		{agents.NameCritic, func(ctx context.Context) error {
			out, err := callAgent(ctx, r, log, agents.NameCritic, e.registry.Critique,
				cctx, agents.DefaultCritiqueReport(),
				recovery.Options[agents.ChallengeContext, agents.CritiqueReport]{Phase: PhaseChallenge, InputSummary: summary})
			critique = out
			return err
		}},
		{agents.NameDevilsAdvocate, func(ctx context.Context) error {
			out, err := callAgent(ctx, r, log, agents.NameDevilsAdvocate, e.registry.ChallengeAnswer,
				cctx, agents.DefaultChallengeReport(),
				recovery.Options[agents.ChallengeContext, agents.ChallengeReport]{Phase: PhaseChallenge, InputSummary: summary})
			challenge = out
			return err
		}},
		{agents.NamePremortemReviewer, func(ctx context.Context) error {
			out, err := callAgent(ctx, r, log, agents.NamePremortemReviewer, e.registry.ReviewPremortem,
				cctx, agents.DefaultPremortemReport(),
				recovery.Options[agents.ChallengeContext, agents.PremortemReport]{Phase: PhaseChallenge, InputSummary: summary})
			premortem2 = out
			return err
		}},
	})
	if err != nil {
		return err
	}

	patch.BiasFindings = &bias
	patch.Critique = &critique
	patch.Challenge = &challenge
	patch.SecondPremortem = &premortem2
	patch = patch.WithArtifact("challenge.strongest_objection", challenge.StrongestObjection)
	return nil
}

// challengeContext assembles evidence-phase outputs for the challengers.
// Degraded slots appear as their defaults, never as nils.
func challengeContext(s session.State) agents.ChallengeContext {
	cctx := agents.ChallengeContext{
		EvidenceContext: agents.EvidenceContext{AnswerContext: answerContext(s)},
	}
	if s.Assumptions != nil {
		cctx.Assumptions = *s.Assumptions
	}
	if s.SupportingResearch != nil {
		cctx.Supporting = *s.SupportingResearch
	}
	if s.CounterEvidence != nil {
		cctx.CounterEvidence = *s.CounterEvidence
	}
	if s.Premortem != nil {
		cctx.Premortem = *s.Premortem
	}
	if s.InformationGaps != nil {
		cctx.Gaps = *s.InformationGaps
	}
	return cctx
}

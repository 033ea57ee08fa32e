package pipeline

import (
	"context"

	"github.com/lanish19/ravint22-sub000/internal/agents"
	"github.com/lanish19/ravint22-sub000/internal/recovery"
	"github.com/lanish19/ravint22-sub000/internal/session"
)

// evidence routes the query, then fans out the five evidence analysts.
// Every analyst is non-critical: a failed slot degrades to its declared
// default and the phase carries on with what it has.
func (e *Engine) evidence(ctx context.Context, r *run) error {
	log := &reportLog{}
	patch := session.State{}
	defer func() {
		patch.ErrorsEncountered = log.list()
		r.state = session.Merge(r.state, patch)
	}()

	actx := answerContext(r.state)
	summary := summarize(actx.InitialAnswer)

	routing, _ := callAgent(ctx, r, log, agents.NameRouter, e.registry.Route,
		actx, agents.DefaultRouting(),
		recovery.Options[agents.AnswerContext, agents.Routing]{
			Phase:        PhaseEvidence,
			InputSummary: summary,
		})
	patch.Routing = &routing
	patch = patch.WithArtifact("evidence.routing_mode", routing.Mode)

	var (
		assumptions agents.AssumptionSet
		supporting  agents.ResearchBrief
		counter     agents.ResearchBrief
		premortem   agents.PremortemReport
		gaps        agents.GapReport
	)

	err := e.fanOut(ctx, []task{
		{agents.NameAssumptionAnalyst, func(ctx context.Context) error {
			out, err := callAgent(ctx, r, log, agents.NameAssumptionAnalyst, e.registry.AnalyzeAssumptions,
				actx, agents.DefaultAssumptionSet(),
				recovery.Options[agents.AnswerContext, agents.AssumptionSet]{Phase: PhaseEvidence, InputSummary: summary})
			assumptions = out
			return err
		}},
		{agents.NameSupportingResearch, func(ctx context.Context) error {
			out, err := callAgent(ctx, r, log, agents.NameSupportingResearch, e.registry.ResearchSupporting,
				actx, agents.DefaultResearchBrief(),
				recovery.Options[agents.AnswerContext, agents.ResearchBrief]{Phase: PhaseEvidence, InputSummary: summary})
			supporting = out
			return err
		}},
		{agents.NameCounterEvidence, func(ctx context.Context) error {
			out, err := callAgent(ctx, r, log, agents.NameCounterEvidence, e.registry.ResearchCounterEvidence,
				actx, agents.DefaultResearchBrief(),
				recovery.Options[agents.AnswerContext, agents.ResearchBrief]{Phase: PhaseEvidence, InputSummary: summary})
			counter = out
			return err
		}},
		{agents.NamePremortemAnalyst, func(ctx context.Context) error {
			out, err := callAgent(ctx, r, log, agents.NamePremortemAnalyst, e.registry.RunPremortem,
				actx, agents.DefaultPremortemReport(),
				recovery.Options[agents.AnswerContext, agents.PremortemReport]{Phase: PhaseEvidence, InputSummary: summary})
			premortem = out
			return err
		}},
		{agents.NameInfoGapAnalyst, func(ctx context.Context) error {
			out, err := callAgent(ctx, r, log, agents.NameInfoGapAnalyst, e.registry.FindInformationGaps,
				actx, agents.DefaultGapReport(),
				recovery.Options[agents.AnswerContext, agents.GapReport]{Phase: PhaseEvidence, InputSummary: summary})
			gaps = out
			return err
		}},
	})
	if err != nil {
		return err
	}

	patch.Assumptions = &assumptions
	patch.SupportingResearch = &supporting
	patch.CounterEvidence = &counter
	patch.Premortem = &premortem
	patch.InformationGaps = &gaps
	patch = patch.WithArtifact("evidence.finding_counts", map[string]int{
		"assumptions":      len(assumptions.Assumptions),
		"supporting":       len(supporting.Findings),
		"counter_evidence": len(counter.Findings),
		"failure_modes":    len(premortem.FailureModes),
		"gaps":             len(gaps.Gaps),
	})
	return nil
}

// answerContext assembles the intake outputs every later phase reads.
func answerContext(s session.State) agents.AnswerContext {
	actx := agents.AnswerContext{
		Query:        s.OriginalQuery,
		RefinedQuery: s.RefinedQuery,
	}
	if s.InitialAnswer != nil {
		actx.InitialAnswer = s.InitialAnswer.Text
	}
	return actx
}

package pipeline

import (
	"context"

	"github.com/lanish19/ravint22-sub000/internal/agents"
	"github.com/lanish19/ravint22-sub000/internal/recovery"
	"github.com/lanish19/ravint22-sub000/internal/session"
)

// intake refines the query and produces the initial answer everything
// downstream interrogates. The initial answer is the run's one critical
// call: without it there is nothing to challenge, so exhausted recovery
// aborts the run.
func (e *Engine) intake(ctx context.Context, r *run) error {
	log := &reportLog{}
	patch := session.State{}
	defer func() {
		patch.ErrorsEncountered = log.list()
		r.state = session.Merge(r.state, patch)
	}()

	refined, _ := callAgent(ctx, r, log, agents.NameQueryRefiner, e.registry.RefineQuery,
		agents.QueryInput{Query: r.req.Query},
		agents.DefaultRefinedQuery(r.req.Query),
		recovery.Options[agents.QueryInput, agents.RefinedQuery]{
			Phase:        PhaseIntake,
			InputSummary: summarize(r.req.Query),
		})
	patch.RefinedQuery = refined.Refined
	patch = patch.WithArtifact("intake.refined_query", refined.Refined)

	answer, err := callAgent(ctx, r, log, agents.NameInitialAnswer, e.registry.GenerateInitialAnswer,
		agents.QueryInput{Query: refined.Refined},
		agents.InitialAnswer{},
		recovery.Options[agents.QueryInput, agents.InitialAnswer]{
			Critical:     true,
			Backup:       e.cfg.InitialAnswerBackup,
			Phase:        PhaseIntake,
			InputSummary: summarize(refined.Refined),
		})
	if err != nil {
		return err
	}

	patch.InitialAnswer = &answer
	patch = patch.WithArtifact("intake.initial_answer", answer.Text)
	return nil
}

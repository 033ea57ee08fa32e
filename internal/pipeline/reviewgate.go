package pipeline

import (
	"context"

	"github.com/lanish19/ravint22-sub000/internal/agents"
	"github.com/lanish19/ravint22-sub000/internal/recovery"
	"github.com/lanish19/ravint22-sub000/internal/review"
	"github.com/lanish19/ravint22-sub000/internal/session"
	"github.com/lanish19/ravint22-sub000/internal/streaming"
)

// reviewGate decides whether the finished synthesis needs a human and,
// when the run enables it, executes the bounded review call. The gate
// decision is always computed and reported; only the call is optional.
func (e *Engine) reviewGate(ctx context.Context, r *run) error {
	critical := r.state.CriticalErrors()
	required, reason := review.Decide(r.state.OverallConfidence(), len(critical), r.req.ReviewThreshold)
	r.reviewRequired = required
	r.reviewReason = reason

	if !required || !r.req.EnableHumanReview {
		return nil
	}

	log := &reportLog{}
	patch := session.State{}
	defer func() {
		patch.ErrorsEncountered = log.list()
		r.state = session.Merge(r.state, patch)
	}()

	e.publish(r.req.RunID, streaming.Event{
		Type:    streaming.EventReviewRequested,
		Phase:   PhaseReview,
		Message: reason,
	})

	result, _ := callAgent(ctx, r, log, agents.NameHumanReviewer, e.registry.RequestReview,
		buildReviewRequest(r.state, reason, critical),
		agents.DefaultReviewResult(),
		recovery.Options[agents.ReviewRequest, agents.ReviewResult]{
			Phase: PhaseReview,
			// Humans are not retried.
			MaxAttempts:  1,
			InputSummary: summarize(reason),
		})
	patch.ReviewResult = &result

	e.publish(r.req.RunID, streaming.Event{
		Type:  streaming.EventReviewResolved,
		Phase: PhaseReview,
		Data: map[string]interface{}{
			"completed": result.Completed,
			"approved":  result.Approved,
		},
	})
	return nil
}

func buildReviewRequest(s session.State, reason string, critical []session.ErrorInfo) agents.ReviewRequest {
	req := agents.ReviewRequest{
		ReviewType: "synthesis_approval",
		Query:      s.OriginalQuery,
		Confidence: s.OverallConfidence(),
		Urgency:    review.Urgency(len(critical)),
		Questions:  []string{reason},
	}
	if s.FinalSynthesis != nil {
		req.Snapshot = s.FinalSynthesis.Summary
	}
	for _, c := range critical {
		req.CriticalIssues = append(req.CriticalIssues, c.Agent+": "+c.Err)
	}
	if s.InformationGaps != nil {
		for _, g := range s.InformationGaps.Gaps {
			req.Questions = append(req.Questions, g.Description)
		}
	}
	return req
}

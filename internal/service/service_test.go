package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/lanish19/ravint22-sub000/internal/agents"
	"github.com/lanish19/ravint22-sub000/internal/db"
	"github.com/lanish19/ravint22-sub000/internal/pipeline"
	"github.com/lanish19/ravint22-sub000/internal/recovery"
	"github.com/lanish19/ravint22-sub000/internal/review"
)

// callCounter tracks stub invocations per agent name.
type callCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCallCounter() *callCounter {
	return &callCounter{calls: make(map[string]int)}
}

func (c *callCounter) inc(name string) {
	c.mu.Lock()
	c.calls[name]++
	c.mu.Unlock()
}

func (c *callCounter) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func (c *callCounter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

// stubRegistry returns a registry whose every agent succeeds immediately,
// scoring the run at high confidence so no review gate trips.
func stubRegistry(c *callCounter) *agents.Registry {
	return &agents.Registry{
		RefineQuery: func(_ context.Context, in agents.QueryInput) (agents.RefinedQuery, error) {
			c.inc(agents.NameQueryRefiner)
			return agents.RefinedQuery{Refined: "focused: " + in.Query}, nil
		},
		GenerateInitialAnswer: func(_ context.Context, _ agents.QueryInput) (agents.InitialAnswer, error) {
			c.inc(agents.NameInitialAnswer)
			return agents.InitialAnswer{Text: "working answer", Confidence: agents.ConfidenceMedium}, nil
		},
		Route: func(_ context.Context, _ agents.AnswerContext) (agents.Routing, error) {
			c.inc(agents.NameRouter)
			return agents.Routing{Mode: "standard"}, nil
		},
		AnalyzeAssumptions: func(_ context.Context, _ agents.AnswerContext) (agents.AssumptionSet, error) {
			c.inc(agents.NameAssumptionAnalyst)
			return agents.AssumptionSet{Assumptions: []agents.Assumption{{Statement: "taken as given"}}}, nil
		},
		ResearchSupporting: func(_ context.Context, _ agents.AnswerContext) (agents.ResearchBrief, error) {
			c.inc(agents.NameSupportingResearch)
			return agents.ResearchBrief{Findings: []agents.Finding{{Claim: "corroborating"}}}, nil
		},
		ResearchCounterEvidence: func(_ context.Context, _ agents.AnswerContext) (agents.ResearchBrief, error) {
			c.inc(agents.NameCounterEvidence)
			return agents.ResearchBrief{Findings: []agents.Finding{{Claim: "conflicting"}}}, nil
		},
		RunPremortem: func(_ context.Context, _ agents.AnswerContext) (agents.PremortemReport, error) {
			c.inc(agents.NamePremortemAnalyst)
			return agents.PremortemReport{FailureModes: []agents.FailureMode{{Description: "breaks under load"}}}, nil
		},
		FindInformationGaps: func(_ context.Context, _ agents.AnswerContext) (agents.GapReport, error) {
			c.inc(agents.NameInfoGapAnalyst)
			return agents.GapReport{Gaps: []agents.InformationGap{{Description: "missing baseline"}}}, nil
		},
		DetectBias: func(_ context.Context, _ agents.ChallengeContext) (agents.BiasReport, error) {
			c.inc(agents.NameBiasDetector)
			return agents.BiasReport{Findings: []agents.BiasFinding{{Bias: "recency"}}}, nil
		},
		Critique: func(_ context.Context, _ agents.ChallengeContext) (agents.CritiqueReport, error) {
			c.inc(agents.NameCritic)
			return agents.CritiqueReport{Verdict: "holds"}, nil
		},
		ChallengeAnswer: func(_ context.Context, _ agents.ChallengeContext) (agents.ChallengeReport, error) {
			c.inc(agents.NameDevilsAdvocate)
			return agents.ChallengeReport{Challenges: []string{"inverted premise"}}, nil
		},
		ReviewPremortem: func(_ context.Context, _ agents.ChallengeContext) (agents.PremortemReport, error) {
			c.inc(agents.NamePremortemReviewer)
			return agents.PremortemReport{FailureModes: []agents.FailureMode{{Description: "second look"}}}, nil
		},
		ReconstructArgument: func(_ context.Context, _ agents.StructuringContext) (agents.BalancedBrief, error) {
			c.inc(agents.NameArgumentBuilder)
			return agents.BalancedBrief{CoreClaim: "rebuilt claim"}, nil
		},
		IntegrateCounterArguments: func(_ context.Context, _ agents.StructuringContext) (agents.IntegratedBrief, error) {
			c.inc(agents.NameCounterIntegrator)
			return agents.IntegratedBrief{Narrative: "woven narrative"}, nil
		},
		AssessImpact: func(_ context.Context, _ agents.StructuringContext) (agents.ImpactAssessment, error) {
			c.inc(agents.NameImpactAssessor)
			return agents.ImpactAssessment{Impacts: []agents.Impact{{Area: "delivery"}}}, nil
		},
		ScoreQuality: func(_ context.Context, _ agents.StructuringContext) (agents.QualityReport, error) {
			c.inc(agents.NameQualityScorer)
			return agents.QualityReport{Score: 0.7}, nil
		},
		ScoreConfidence: func(_ context.Context, _ agents.StructuringContext) (agents.ConfidenceAssessment, error) {
			c.inc(agents.NameConfidenceScorer)
			return agents.ConfidenceAssessment{Level: agents.ConfidenceHigh}, nil
		},
		AnalyzeSensitivity: func(_ context.Context, _ agents.StructuringContext) (agents.SensitivityReport, error) {
			c.inc(agents.NameSensitivityAnalyst)
			return agents.SensitivityReport{PivotalAssumptions: []string{"baseline holds"}}, nil
		},
		SynthesizePerspective: func(_ context.Context, in agents.PerspectiveInput) (agents.Perspective, error) {
			c.inc(agents.PerspectiveName(in.Lens))
			return agents.Perspective{
				Lens:       in.Lens,
				Confidence: agents.ConfidenceMedium,
				Summary:    in.Lens + " reading",
			}, nil
		},
		MetaSynthesize: func(_ context.Context, _ agents.MetaSynthesisInput) (agents.SynthesisRecord, error) {
			c.inc(agents.NameMetaSynthesizer)
			return agents.SynthesisRecord{Summary: "assembled synthesis", Confidence: agents.ConfidenceHigh}, nil
		},
		VerifyFacts: func(_ context.Context, _ agents.VerificationInput) (agents.VerificationReport, error) {
			c.inc(agents.NameFactVerifier)
			return agents.VerificationReport{}, nil
		},
		PreserveNuance: func(_ context.Context, _ agents.NuanceInput) (agents.NuanceReport, error) {
			c.inc(agents.NameNuancePreserver)
			return agents.NuanceReport{}, nil
		},
		CritiqueSynthesis: func(_ context.Context, _ agents.SynthesisReviewInput) (agents.SynthesisCritique, error) {
			c.inc(agents.NameSynthesisCritic)
			return agents.SynthesisCritique{}, nil
		},
		RequestReview: func(_ context.Context, _ agents.ReviewRequest) (agents.ReviewResult, error) {
			c.inc(agents.NameHumanReviewer)
			return agents.ReviewResult{Completed: true, Approved: true, ReviewID: "rv-stub"}, nil
		},
	}
}

// lowConfidence rescored drops the run to Low so the review gate trips.
func lowConfidence(reg *agents.Registry, c *callCounter) *agents.Registry {
	reg.ScoreConfidence = func(_ context.Context, _ agents.StructuringContext) (agents.ConfidenceAssessment, error) {
		c.inc(agents.NameConfidenceScorer)
		return agents.ConfidenceAssessment{Level: agents.ConfidenceLow}, nil
	}
	return reg
}

// blockedRegistry parks intake on the run context so the run stays
// executing until canceled.
func blockedRegistry(c *callCounter) *agents.Registry {
	reg := stubRegistry(c)
	reg.RefineQuery = func(ctx context.Context, _ agents.QueryInput) (agents.RefinedQuery, error) {
		<-ctx.Done()
		return agents.RefinedQuery{}, ctx.Err()
	}
	reg.GenerateInitialAnswer = func(ctx context.Context, _ agents.QueryInput) (agents.InitialAnswer, error) {
		<-ctx.Done()
		return agents.InitialAnswer{}, ctx.Err()
	}
	return reg
}

func newTestService(t *testing.T, reg *agents.Registry, opts Options) *RunService {
	t.Helper()
	return New(reg, opts, zaptest.NewLogger(t))
}

// newRunStore backs the service with an in-memory database so persistence
// runs against real SQL. A single connection keeps every goroutine on the
// same in-memory database.
func newRunStore(t *testing.T) *db.Store {
	t.Helper()
	raw, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	raw.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE runs (
		id TEXT PRIMARY KEY,
		run_id TEXT UNIQUE NOT NULL,
		query TEXT NOT NULL,
		status TEXT NOT NULL,
		success BOOLEAN DEFAULT 0,
		confidence TEXT DEFAULT '',
		final_synthesis TEXT,
		review_required BOOLEAN DEFAULT 0,
		review_reason TEXT DEFAULT '',
		error_count INTEGER DEFAULT 0,
		degraded_count INTEGER DEFAULT 0,
		agent_calls INTEGER DEFAULT 0,
		snapshot TEXT,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		duration_ms INTEGER,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE agent_calls (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		agent TEXT NOT NULL,
		phase TEXT NOT NULL,
		status TEXT NOT NULL,
		strategy TEXT DEFAULT '',
		attempts INTEGER DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		error_message TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE reviews (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		review_id TEXT NOT NULL,
		urgency TEXT DEFAULT '',
		completed BOOLEAN DEFAULT 0,
		human_input TEXT DEFAULT '',
		next_steps TEXT DEFAULT '',
		requested_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	);
	`
	_, err = raw.Exec(schema)
	require.NoError(t, err)

	store := db.NewStore(sqlx.NewDb(raw, "sqlite3"), db.Config{QueueSize: 64, Workers: 1}, zap.NewNop())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmitAndWait(t *testing.T) {
	c := newCallCounter()
	svc := newTestService(t, stubRegistry(c), Options{})

	info, err := svc.Submit(context.Background(), SubmitRequest{Query: "will the rollout hold"})
	require.NoError(t, err)
	require.NotEmpty(t, info.RunID)
	assert.Equal(t, StatusRunning, info.Status)
	assert.Equal(t, "will the rollout hold", info.Query)
	assert.False(t, info.StartedAt.IsZero())

	res, err := svc.Wait(waitCtx(t), info.RunID)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotNil(t, res.FinalSynthesis)
	assert.Equal(t, "assembled synthesis", res.FinalSynthesis.Summary)

	st, err := svc.Status(context.Background(), info.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.True(t, st.Success)
	assert.Equal(t, "High", st.Confidence)
	assert.Zero(t, st.ErrorCount)
	require.NotNil(t, st.CompletedAt)

	// One resolved coordinator call per agent, and each stub ran once.
	assert.Equal(t, 27, st.AgentCalls)
	assert.Equal(t, 27, c.total())
}

func TestSubmitRejectsMalformedQuery(t *testing.T) {
	for _, query := range []string{"", "   \t", strings.Repeat("x", pipeline.MaxQueryLen+1)} {
		c := newCallCounter()
		svc := newTestService(t, stubRegistry(c), Options{})

		_, err := svc.Submit(context.Background(), SubmitRequest{Query: query})
		require.Error(t, err)
		var verr *agents.ValidationError
		assert.ErrorAs(t, err, &verr)
		assert.Zero(t, c.total(), "rejected submissions must not start a run")
	}
}

func TestUnknownRun(t *testing.T) {
	svc := newTestService(t, stubRegistry(newCallCounter()), Options{})

	_, err := svc.Status(context.Background(), "no-such-run")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = svc.Result(context.Background(), "no-such-run")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = svc.Wait(context.Background(), "no-such-run")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, svc.Cancel("no-such-run"), ErrRunNotFound)
}

func TestResultWhileExecuting(t *testing.T) {
	c := newCallCounter()
	reg := stubRegistry(c)
	release := make(chan struct{})
	reg.RefineQuery = func(ctx context.Context, in agents.QueryInput) (agents.RefinedQuery, error) {
		select {
		case <-release:
			return agents.RefinedQuery{Refined: in.Query}, nil
		case <-ctx.Done():
			return agents.RefinedQuery{}, ctx.Err()
		}
	}
	svc := newTestService(t, reg, Options{})

	info, err := svc.Submit(context.Background(), SubmitRequest{Query: "q"})
	require.NoError(t, err)

	_, err = svc.Result(context.Background(), info.RunID)
	assert.ErrorIs(t, err, ErrRunActive)

	close(release)
	_, err = svc.Wait(waitCtx(t), info.RunID)
	require.NoError(t, err)

	res, err := svc.Result(context.Background(), info.RunID)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestCancelFailsRun(t *testing.T) {
	c := newCallCounter()
	svc := newTestService(t, blockedRegistry(c), Options{})

	info, err := svc.Submit(context.Background(), SubmitRequest{Query: "q", MaxAttempts: 1})
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(info.RunID))

	res, err := svc.Wait(waitCtx(t), info.RunID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.State.ErrorsEncountered)

	st, err := svc.Status(context.Background(), info.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, st.Status)

	// Canceling a finished run stays a no-op.
	assert.NoError(t, svc.Cancel(info.RunID))
}

func TestRunPersistence(t *testing.T) {
	c := newCallCounter()
	store := newRunStore(t)
	svc := newTestService(t, stubRegistry(c), Options{Store: store})

	info, err := svc.Submit(context.Background(), SubmitRequest{Query: "does the fix hold"})
	require.NoError(t, err)
	res, err := svc.Wait(waitCtx(t), info.RunID)
	require.NoError(t, err)
	require.True(t, res.Success)

	require.Eventually(t, func() bool {
		rec, err := svc.GetRun(context.Background(), info.RunID)
		return err == nil && rec != nil && rec.Status == StatusCompleted
	}, 5*time.Second, 20*time.Millisecond, "completed run row never appeared")

	rec, err := svc.GetRun(context.Background(), info.RunID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Success)
	assert.Equal(t, "High", rec.Confidence)
	assert.Equal(t, 27, rec.AgentCalls)
	assert.Zero(t, rec.DegradedCount)
	require.NotNil(t, rec.FinalSynthesis)
	assert.Equal(t, "assembled synthesis", *rec.FinalSynthesis)
	require.NotNil(t, rec.DurationMs)
	assert.Equal(t, "does the fix hold", rec.Snapshot["original_query"])

	require.Eventually(t, func() bool {
		calls, err := svc.ListAgentCalls(context.Background(), info.RunID)
		return err == nil && len(calls) == 27
	}, 5*time.Second, 20*time.Millisecond, "agent call rows never appeared")

	calls, err := svc.ListAgentCalls(context.Background(), info.RunID)
	require.NoError(t, err)
	agentsSeen := make(map[string]bool)
	for _, call := range calls {
		agentsSeen[call.Agent] = true
		assert.Equal(t, info.RunID, call.RunID)
		assert.Equal(t, "recovered", call.Status)
		assert.Empty(t, call.Strategy, "clean first-attempt calls carry no strategy")
		assert.Equal(t, 1, call.Attempts)
	}
	assert.True(t, agentsSeen[agents.NameQueryRefiner])
	assert.True(t, agentsSeen[agents.NameMetaSynthesizer])

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalRuns)
	assert.Equal(t, 1, stats.Completed)
}

func TestPersistenceDisabled(t *testing.T) {
	svc := newTestService(t, stubRegistry(newCallCounter()), Options{})
	ctx := context.Background()

	_, err := svc.GetRun(ctx, "r")
	assert.ErrorIs(t, err, ErrPersistenceDisabled)
	_, err = svc.ListRuns(ctx, db.RunFilter{})
	assert.ErrorIs(t, err, ErrPersistenceDisabled)
	_, err = svc.ListAgentCalls(ctx, "r")
	assert.ErrorIs(t, err, ErrPersistenceDisabled)
	_, err = svc.Stats(ctx)
	assert.ErrorIs(t, err, ErrPersistenceDisabled)
}

func TestStatusFallsBackToStoreAfterEviction(t *testing.T) {
	c := newCallCounter()
	store := newRunStore(t)
	svc := newTestService(t, stubRegistry(c), Options{
		Store:     store,
		Retention: 50 * time.Millisecond,
	})

	info, err := svc.Submit(context.Background(), SubmitRequest{Query: "q"})
	require.NoError(t, err)
	_, err = svc.Wait(waitCtx(t), info.RunID)
	require.NoError(t, err)

	// Once the in-memory entry evicts, Result has nothing to serve but
	// Status keeps answering from the persisted row.
	require.Eventually(t, func() bool {
		_, rerr := svc.Result(context.Background(), info.RunID)
		if !errors.Is(rerr, ErrRunNotFound) {
			return false
		}
		st, serr := svc.Status(context.Background(), info.RunID)
		return serr == nil && st.Status == StatusCompleted && st.AgentCalls == 27
	}, 5*time.Second, 20*time.Millisecond, "evicted run never served from the store")
}

func TestReviewResolution(t *testing.T) {
	c := newCallCounter()
	store := newRunStore(t)
	broker := review.NewBroker(0, zaptest.NewLogger(t))
	svc := newTestService(t, lowConfidence(stubRegistry(c), c), Options{
		Store:  store,
		Broker: broker,
	})

	info, err := svc.Submit(context.Background(), SubmitRequest{
		Query:             "is the vendor claim credible",
		EnableHumanReview: true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(svc.PendingReviews()) == 1
	}, 5*time.Second, 10*time.Millisecond, "run never parked on the review broker")

	p := svc.PendingReviews()[0]
	assert.Equal(t, info.RunID, p.RunID)
	assert.Equal(t, "synthesis_approval", p.Request.ReviewType)
	assert.Equal(t, "normal", p.Request.Urgency)

	require.NoError(t, svc.ResolveReview(p.ID, review.Decision{
		Approved:  true,
		Feedback:  "checked the counter evidence",
		DecidedBy: "analyst",
	}))

	res, err := svc.Wait(waitCtx(t), info.RunID)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.True(t, res.HumanReviewRequired)

	rr := res.State.ReviewResult
	require.NotNil(t, rr)
	assert.True(t, rr.Completed)
	assert.True(t, rr.Approved)
	assert.Equal(t, "checked the counter evidence", rr.HumanInput)

	// 27 agents plus the review collaborator call.
	st, err := svc.Status(context.Background(), info.RunID)
	require.NoError(t, err)
	assert.True(t, st.ReviewRequired)
	assert.NotEmpty(t, st.ReviewReason)
	assert.Equal(t, 28, st.AgentCalls)

	require.Eventually(t, func() bool {
		var n int
		err := store.DB().Get(&n,
			"SELECT COUNT(*) FROM reviews WHERE run_id = ? AND completed = 1", info.RunID)
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond, "resolved review row never appeared")

	var input string
	require.NoError(t, store.DB().Get(&input,
		"SELECT human_input FROM reviews WHERE review_id = ?", p.ID))
	assert.Equal(t, "checked the counter evidence", input)

	// The delivered review is gone from the pending set.
	assert.ErrorIs(t, svc.ResolveReview(p.ID, review.Decision{}), review.ErrReviewNotFound)
}

func TestReviewTimeoutRecorded(t *testing.T) {
	c := newCallCounter()
	store := newRunStore(t)
	broker := review.NewBroker(50*time.Millisecond, zaptest.NewLogger(t))
	svc := newTestService(t, lowConfidence(stubRegistry(c), c), Options{
		Store:  store,
		Broker: broker,
	})

	info, err := svc.Submit(context.Background(), SubmitRequest{
		Query:             "q",
		EnableHumanReview: true,
	})
	require.NoError(t, err)

	res, err := svc.Wait(waitCtx(t), info.RunID)
	require.NoError(t, err)
	assert.True(t, res.Success, "an unanswered review must not fail the run")

	rr := res.State.ReviewResult
	require.NotNil(t, rr)
	assert.False(t, rr.Completed)
	assert.NotEmpty(t, rr.ReviewID)

	require.Eventually(t, func() bool {
		var n int
		err := store.DB().Get(&n,
			"SELECT COUNT(*) FROM reviews WHERE run_id = ? AND completed = 0", info.RunID)
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond, "expired review row never appeared")
}

func TestResolveReviewWithoutBroker(t *testing.T) {
	svc := newTestService(t, stubRegistry(newCallCounter()), Options{})
	assert.Nil(t, svc.PendingReviews())
	assert.ErrorIs(t, svc.ResolveReview("rv", review.Decision{}), review.ErrReviewNotFound)
}

func TestGateBlocksAgent(t *testing.T) {
	c := newCallCounter()
	suspended := errors.New("agent suspended")
	gate := func(_ context.Context, agent, _ string) error {
		if agent == agents.NameQueryRefiner {
			return suspended
		}
		return nil
	}
	svc := newTestService(t, stubRegistry(c), Options{Gates: []Gate{gate}})

	info, err := svc.Submit(context.Background(), SubmitRequest{Query: "q", MaxAttempts: 1})
	require.NoError(t, err)
	res, err := svc.Wait(waitCtx(t), info.RunID)
	require.NoError(t, err)

	// The refiner is non-critical: the run proceeds on the default.
	require.True(t, res.Success)
	assert.Zero(t, c.get(agents.NameQueryRefiner), "gated agent must never execute")
	assert.Equal(t, res.State.OriginalQuery, res.State.RefinedQuery)

	found := false
	for _, e := range res.State.ErrorsEncountered {
		if e.Agent == agents.NameQueryRefiner {
			found = true
			assert.Equal(t, recovery.StrategyDefault, e.RecoveryStrategy)
			assert.Contains(t, e.Err, "call gated")
		}
	}
	assert.True(t, found, "gated call must be logged")
}

func TestStackGates(t *testing.T) {
	var order []string
	record := func(name string, err error) Gate {
		return func(_ context.Context, _, _ string) error {
			order = append(order, name)
			return err
		}
	}
	blocked := errors.New("blocked")

	fn := stackGates([]Gate{nil, record("first", nil), record("second", blocked), record("third", nil)})
	require.NotNil(t, fn)
	err := fn(context.Background(), "a", "intake")
	assert.ErrorIs(t, err, blocked)
	assert.Equal(t, []string{"first", "second"}, order, "gates after a denial must not run")

	assert.Nil(t, stackGates(nil))
	assert.Nil(t, stackGates([]Gate{nil, nil}))
}

func TestPolicyGateNilEngine(t *testing.T) {
	assert.Nil(t, PolicyGate(nil))
}

func TestStopCancelsActiveRuns(t *testing.T) {
	c := newCallCounter()
	svc := newTestService(t, blockedRegistry(c), Options{})

	first, err := svc.Submit(context.Background(), SubmitRequest{Query: "q1", MaxAttempts: 1})
	require.NoError(t, err)
	second, err := svc.Submit(context.Background(), SubmitRequest{Query: "q2", MaxAttempts: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))

	for _, runID := range []string{first.RunID, second.RunID} {
		st, err := svc.Status(context.Background(), runID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, st.Status)
	}
}

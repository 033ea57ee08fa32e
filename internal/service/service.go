// Package service binds the reasoning engine to its collaborators: the
// run registry callers poll, the async persistence queue, the stream
// manager, the review broker, and the pre-call gates. HTTP handlers and
// the CLI talk to RunService, never to the engine directly.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lanish19/ravint22-sub000/internal/agents"
	"github.com/lanish19/ravint22-sub000/internal/db"
	"github.com/lanish19/ravint22-sub000/internal/metrics"
	"github.com/lanish19/ravint22-sub000/internal/pipeline"
	"github.com/lanish19/ravint22-sub000/internal/policy"
	"github.com/lanish19/ravint22-sub000/internal/recovery"
	"github.com/lanish19/ravint22-sub000/internal/review"
	"github.com/lanish19/ravint22-sub000/internal/session"
	"github.com/lanish19/ravint22-sub000/internal/streaming"
)

// Run status vocabulary, shared with the persisted run rows.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	ErrRunNotFound         = errors.New("run not found")
	ErrRunActive           = errors.New("run still executing")
	ErrPersistenceDisabled = errors.New("persistence disabled")
)

// Gate is a pre-call check stacked in front of every coordinator attempt.
// An error fails the attempt; the coordinator retries it like any other
// failure.
type Gate func(ctx context.Context, agent, phase string) error

// PolicyGate adapts the policy engine to a pre-call Gate. A nil engine
// yields a nil gate, which Options ignores.
func PolicyGate(eng *policy.OPAEngine) Gate {
	if eng == nil {
		return nil
	}
	return func(ctx context.Context, agent, phase string) error {
		return eng.Gate(ctx, &policy.PolicyInput{
			RunID:     agents.RunIDFromContext(ctx),
			AgentID:   agent,
			Phase:     phase,
			Timestamp: time.Now(),
		})
	}
}

// Options wires a RunService. Every collaborator except the registry is
// optional; a nil field disables that concern.
type Options struct {
	// Pipeline is the base engine configuration. The service installs its
	// own Hooks: gates run as PreCall and outcomes feed persistence.
	Pipeline pipeline.Config
	// Gates run in order before every agent attempt; the first error
	// fails the attempt.
	Gates []Gate
	// Store receives run, agent-call, and review rows.
	Store *db.Store
	// Sessions stores phase-boundary checkpoints.
	Sessions *session.Store
	// Events receives run progress and feeds the websocket subscribers.
	Events *streaming.Manager
	// Broker replaces the registry's review collaborator so pending
	// reviews resolve through the HTTP API.
	Broker *review.Broker
	// RunTimeout bounds one whole run (default 30m).
	RunTimeout time.Duration
	// Retention keeps finished runs queryable in memory before the entry
	// and its event ring are dropped (default 1h). Persisted rows outlive
	// the retention window.
	Retention time.Duration
}

// RunInfo is the caller-facing view of one run.
type RunInfo struct {
	RunID          string     `json:"run_id"`
	Query          string     `json:"query"`
	Status         string     `json:"status"`
	Success        bool       `json:"success"`
	Confidence     string     `json:"confidence,omitempty"`
	ReviewRequired bool       `json:"review_required"`
	ReviewReason   string     `json:"review_reason,omitempty"`
	ErrorCount     int        `json:"error_count"`
	AgentCalls     int        `json:"agent_calls"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

type runEntry struct {
	info       RunInfo
	agentCalls int
	cancel     context.CancelFunc
	done       chan struct{}
	result     *pipeline.Result
}

// RunService executes runs asynchronously and tracks them until the
// retention window lapses.
type RunService struct {
	engine    *pipeline.Engine
	broker    *review.Broker
	store     *db.Store
	events    *streaming.Manager
	logger    *zap.Logger
	timeout   time.Duration
	retention time.Duration

	mu   sync.Mutex
	runs map[string]*runEntry
}

// New builds the engine around the registry and wires the service hooks.
func New(registry *agents.Registry, opts Options, logger *zap.Logger) *RunService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 30 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}

	s := &RunService{
		broker:    opts.Broker,
		store:     opts.Store,
		events:    opts.Events,
		logger:    logger,
		timeout:   opts.RunTimeout,
		retention: opts.Retention,
		runs:      make(map[string]*runEntry),
	}

	if opts.Broker != nil && registry != nil {
		registry.RequestReview = func(ctx context.Context, req agents.ReviewRequest) (agents.ReviewResult, error) {
			return opts.Broker.RequestReview(ctx, agents.RunIDFromContext(ctx), req)
		}
	}

	cfg := opts.Pipeline
	cfg.Hooks = recovery.Hooks{
		PreCall:   stackGates(opts.Gates),
		OnOutcome: s.recordOutcome,
	}
	s.engine = pipeline.NewEngine(registry, cfg, pipeline.Deps{
		Events:      opts.Events,
		Checkpoints: opts.Sessions,
	}, logger)

	return s
}

// Engine exposes the pipeline engine, e.g. for breaker health checks.
func (s *RunService) Engine() *pipeline.Engine { return s.engine }

func stackGates(gates []Gate) func(ctx context.Context, agent, phase string) error {
	live := make([]Gate, 0, len(gates))
	for _, g := range gates {
		if g != nil {
			live = append(live, g)
		}
	}
	if len(live) == 0 {
		return nil
	}
	return func(ctx context.Context, agent, phase string) error {
		for _, g := range live {
			if err := g(ctx, agent, phase); err != nil {
				return err
			}
		}
		return nil
	}
}

// SubmitRequest describes one run submission.
type SubmitRequest struct {
	Query             string            `json:"query"`
	EnableHumanReview bool              `json:"enable_human_review,omitempty"`
	ReviewThreshold   agents.Confidence `json:"review_threshold,omitempty"`
	MaxAttempts       int               `json:"max_attempts,omitempty"`
}

// Submit validates the request, registers the run, and starts it in the
// background. The returned info carries the generated run ID.
func (s *RunService) Submit(ctx context.Context, req SubmitRequest) (RunInfo, error) {
	if reason := pipeline.ValidateQuery(req.Query); reason != "" {
		return RunInfo{}, agents.NewValidationError("query", errors.New(reason))
	}

	runID := uuid.New().String()
	now := time.Now()
	entry := &runEntry{
		info: RunInfo{
			RunID:     runID,
			Query:     req.Query,
			Status:    StatusRunning,
			StartedAt: now,
		},
		done: make(chan struct{}),
	}
	runCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
	entry.cancel = cancel

	s.mu.Lock()
	s.runs[runID] = entry
	s.mu.Unlock()
	metrics.ActiveRuns.Inc()

	if s.store != nil {
		s.store.QueueRun(&db.RunRecord{
			RunID:     runID,
			Query:     req.Query,
			Status:    StatusRunning,
			StartedAt: now,
		})
	}

	// Copied before the goroutine starts; execute mutates entry.info.
	info := entry.info

	go s.execute(runCtx, entry, pipeline.Request{
		Query:             req.Query,
		RunID:             runID,
		EnableHumanReview: req.EnableHumanReview,
		ReviewThreshold:   req.ReviewThreshold,
		MaxAttempts:       req.MaxAttempts,
	})

	s.logger.Info("Run submitted",
		zap.String("run_id", runID),
		zap.Bool("human_review", req.EnableHumanReview),
	)
	return info, nil
}

func (s *RunService) execute(ctx context.Context, entry *runEntry, req pipeline.Request) {
	defer entry.cancel()
	defer metrics.ActiveRuns.Dec()

	res, err := s.engine.Orchestrate(ctx, req)
	if err != nil {
		s.logger.Warn("Run interrupted",
			zap.String("run_id", req.RunID),
			zap.Error(err),
		)
	}
	completed := time.Now()

	s.mu.Lock()
	entry.result = &res
	entry.info.Status = StatusFailed
	if res.Success {
		entry.info.Status = StatusCompleted
	}
	entry.info.Success = res.Success
	entry.info.Confidence = string(res.State.OverallConfidence())
	entry.info.ReviewRequired = res.HumanReviewRequired
	entry.info.ReviewReason = res.HumanReviewReason
	entry.info.ErrorCount = len(res.State.ErrorsEncountered)
	entry.info.AgentCalls = entry.agentCalls
	entry.info.CompletedAt = &completed
	info := entry.info
	s.mu.Unlock()
	close(entry.done)

	s.persistRun(info, &res)
	s.persistExpiredReview(req.RunID, &res)
	s.forgetLater(req.RunID)
}

func (s *RunService) persistRun(info RunInfo, res *pipeline.Result) {
	if s.store == nil {
		return
	}
	duration := info.CompletedAt.Sub(info.StartedAt).Milliseconds()
	rec := &db.RunRecord{
		RunID:          info.RunID,
		Query:          info.Query,
		Status:         info.Status,
		Success:        info.Success,
		Confidence:     info.Confidence,
		ReviewRequired: info.ReviewRequired,
		ReviewReason:   info.ReviewReason,
		ErrorCount:     info.ErrorCount,
		DegradedCount:  degradedCount(res.State),
		AgentCalls:     info.AgentCalls,
		Snapshot:       stateSnapshot(res.State),
		StartedAt:      info.StartedAt,
		CompletedAt:    info.CompletedAt,
		DurationMs:     &duration,
	}
	if res.FinalSynthesis != nil {
		summary := res.FinalSynthesis.Summary
		rec.FinalSynthesis = &summary
	}
	s.store.QueueRun(rec)
}

// persistExpiredReview records reviews that lapsed without a human
// decision. Resolved reviews are persisted by ResolveReview.
func (s *RunService) persistExpiredReview(runID string, res *pipeline.Result) {
	if s.store == nil {
		return
	}
	rr := res.State.ReviewResult
	if rr == nil || rr.ReviewID == "" || rr.Completed {
		return
	}
	s.store.QueueReview(&db.ReviewRecord{
		RunID:       runID,
		ReviewID:    rr.ReviewID,
		Urgency:     review.Urgency(len(res.State.CriticalErrors())),
		Completed:   false,
		RequestedAt: rr.Timestamp,
	})
}

func (s *RunService) forgetLater(runID string) {
	time.AfterFunc(s.retention, func() {
		s.mu.Lock()
		delete(s.runs, runID)
		s.mu.Unlock()
		if s.events != nil {
			s.events.Forget(runID)
		}
	})
}

// recordOutcome feeds every resolved coordinator call into the run's
// call counter and the persistence queue.
func (s *RunService) recordOutcome(ctx context.Context, rep recovery.CallReport) {
	runID := agents.RunIDFromContext(ctx)
	if runID == "" {
		return
	}
	s.mu.Lock()
	if entry, ok := s.runs[runID]; ok {
		entry.agentCalls++
	}
	s.mu.Unlock()

	if s.store == nil {
		return
	}
	rec := &db.AgentCallRecord{
		RunID:      runID,
		Agent:      rep.Agent,
		Phase:      rep.Phase,
		Status:     rep.Status.String(),
		Strategy:   rep.Strategy,
		Attempts:   rep.Attempts,
		DurationMs: rep.Elapsed.Milliseconds(),
	}
	if rep.Err != nil {
		rec.ErrorMessage = rep.Err.Error()
	}
	s.store.QueueAgentCall(rec)
}

// Status reports a run from memory, falling back to the persisted row
// for runs past the retention window.
func (s *RunService) Status(ctx context.Context, runID string) (RunInfo, error) {
	s.mu.Lock()
	entry, ok := s.runs[runID]
	var info RunInfo
	if ok {
		info = entry.info
		if info.CompletedAt == nil {
			info.AgentCalls = entry.agentCalls
		}
	}
	s.mu.Unlock()
	if ok {
		return info, nil
	}

	if s.store != nil {
		rec, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return RunInfo{}, err
		}
		if rec != nil {
			return infoFromRecord(rec), nil
		}
	}
	return RunInfo{}, ErrRunNotFound
}

// Result returns the finished run outcome. ErrRunActive while the run is
// still executing; runs past the retention window are served by GetRun.
func (s *RunService) Result(ctx context.Context, runID string) (*pipeline.Result, error) {
	s.mu.Lock()
	entry, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	select {
	case <-entry.done:
		return entry.result, nil
	default:
		return nil, ErrRunActive
	}
}

// Wait blocks until the run finishes or ctx is done.
func (s *RunService) Wait(ctx context.Context, runID string) (*pipeline.Result, error) {
	s.mu.Lock()
	entry, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	select {
	case <-entry.done:
		return entry.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel aborts an executing run. The run finishes as failed with its
// error log intact; canceling a finished run is a no-op.
func (s *RunService) Cancel(runID string) error {
	s.mu.Lock()
	entry, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}
	entry.cancel()
	s.logger.Info("Run canceled", zap.String("run_id", runID))
	return nil
}

// PendingReviews lists reviews waiting on a human decision.
func (s *RunService) PendingReviews() []review.Pending {
	if s.broker == nil {
		return nil
	}
	return s.broker.PendingReviews()
}

// ResolveReview delivers a decision to a waiting run and persists the
// resolved review.
func (s *RunService) ResolveReview(reviewID string, d review.Decision) error {
	if s.broker == nil {
		return review.ErrReviewNotFound
	}

	var pending *review.Pending
	for _, p := range s.broker.PendingReviews() {
		if p.ID == reviewID {
			entry := p
			pending = &entry
			break
		}
	}

	if err := s.broker.Resolve(reviewID, d); err != nil {
		return err
	}

	if s.store != nil && pending != nil {
		now := time.Now()
		s.store.QueueReview(&db.ReviewRecord{
			RunID:       pending.RunID,
			ReviewID:    reviewID,
			Urgency:     pending.Request.Urgency,
			Completed:   true,
			HumanInput:  d.Feedback,
			NextSteps:   strings.Join(d.NextSteps, "\n"),
			RequestedAt: pending.CreatedAt,
			ResolvedAt:  &now,
		})
	}

	s.logger.Info("Review resolved",
		zap.String("review_id", reviewID),
		zap.Bool("approved", d.Approved),
		zap.String("decided_by", d.DecidedBy),
	)
	return nil
}

// GetRun returns the persisted run row.
func (s *RunService) GetRun(ctx context.Context, runID string) (*db.RunRecord, error) {
	if s.store == nil {
		return nil, ErrPersistenceDisabled
	}
	return s.store.GetRun(ctx, runID)
}

// ListRuns returns persisted run rows matching the filter.
func (s *RunService) ListRuns(ctx context.Context, filter db.RunFilter) ([]db.RunRecord, error) {
	if s.store == nil {
		return nil, ErrPersistenceDisabled
	}
	return s.store.ListRuns(ctx, filter)
}

// ListAgentCalls returns the persisted coordinator calls of one run.
func (s *RunService) ListAgentCalls(ctx context.Context, runID string) ([]db.AgentCallRecord, error) {
	if s.store == nil {
		return nil, ErrPersistenceDisabled
	}
	return s.store.ListAgentCalls(ctx, runID)
}

// Stats returns aggregate run statistics.
func (s *RunService) Stats(ctx context.Context) (*db.RunStats, error) {
	if s.store == nil {
		return nil, ErrPersistenceDisabled
	}
	return s.store.Stats(ctx)
}

// Stop cancels active runs and waits for them to wind down.
func (s *RunService) Stop(ctx context.Context) error {
	s.mu.Lock()
	entries := make([]*runEntry, 0, len(s.runs))
	for _, e := range s.runs {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	for _, e := range entries {
		select {
		case <-e.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func infoFromRecord(rec *db.RunRecord) RunInfo {
	return RunInfo{
		RunID:          rec.RunID,
		Query:          rec.Query,
		Status:         rec.Status,
		Success:        rec.Success,
		Confidence:     rec.Confidence,
		ReviewRequired: rec.ReviewRequired,
		ReviewReason:   rec.ReviewReason,
		ErrorCount:     rec.ErrorCount,
		AgentCalls:     rec.AgentCalls,
		StartedAt:      rec.StartedAt,
		CompletedAt:    rec.CompletedAt,
	}
}

func degradedCount(st session.State) int {
	n := 0
	for _, e := range st.ErrorsEncountered {
		if e.RecoveryStrategy == recovery.StrategyDefault {
			n++
		}
	}
	return n
}

// stateSnapshot renders the state as a jsonb document. Failures yield a
// nil snapshot, which the run upsert never lets overwrite a stored one.
func stateSnapshot(st session.State) db.JSONB {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return db.JSONB(m)
}

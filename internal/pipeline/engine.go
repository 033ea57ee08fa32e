package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lanish19/ravint22-sub000/internal/agents"
	"github.com/lanish19/ravint22-sub000/internal/circuitbreaker"
	"github.com/lanish19/ravint22-sub000/internal/metrics"
	"github.com/lanish19/ravint22-sub000/internal/recovery"
	"github.com/lanish19/ravint22-sub000/internal/review"
	"github.com/lanish19/ravint22-sub000/internal/session"
	"github.com/lanish19/ravint22-sub000/internal/streaming"
)

// Phase names as they appear in error reports, artifacts, checkpoints,
// and stream events.
const (
	PhaseIntake      = "intake"
	PhaseEvidence    = "evidence"
	PhaseChallenge   = "challenge"
	PhaseStructuring = "structuring"
	PhaseSynthesis   = "synthesis"
	PhaseReview      = "review"
)

// MaxQueryLen bounds accepted queries.
const MaxQueryLen = 10000

// ValidateQuery returns a rejection reason for a malformed query, empty
// when the query is acceptable. The service layer uses it to reject bad
// submissions before a run starts; Orchestrate applies it either way.
func ValidateQuery(query string) string {
	if strings.TrimSpace(query) == "" {
		return "query must be a non-empty string"
	}
	if len(query) > MaxQueryLen {
		return "query exceeds maximum length"
	}
	return ""
}

// Config tunes the engine. Zero values select the documented defaults.
type Config struct {
	// MaxAttempts is the per-call retry budget (default 3). A Request can
	// override it per run.
	MaxAttempts int
	// Breaker configures every circuit the engine creates.
	Breaker circuitbreaker.Config
	// SharedBreakers keeps one circuit table across runs. The default is a
	// fresh table per run, so one query's failures cannot reject another
	// query's calls.
	SharedBreakers bool
	// FanOutParallelism bounds concurrent agent calls inside a fan-out
	// phase (default 5, the widest fan-out).
	FanOutParallelism int64
	// Lenses is the synthesis ensemble, in generation order.
	Lenses []string
	// PerspectiveAttempts is the per-slot retry budget (default 2).
	PerspectiveAttempts int
	// TieBreak picks among equal-confidence perspectives when the
	// meta-synthesis falls back. Default: first in generation order.
	TieBreak TieBreak
	// ReviewThreshold is the gate threshold when a Request does not set
	// one (default Low).
	ReviewThreshold agents.Confidence
	// InitialAnswerBackup, when set, is tried once after the critical
	// initial-answer call exhausts its retries; its success rescues the
	// run. Deployments point this at a cheaper fallback model.
	InitialAnswerBackup func(context.Context, agents.QueryInput) (agents.InitialAnswer, error)
	// Hooks are installed on every run's coordinator.
	Hooks recovery.Hooks
}

// Deps are optional collaborators; the engine runs without either.
type Deps struct {
	// Events receives the run's progress feed.
	Events *streaming.Manager
	// Checkpoints stores phase-boundary state snapshots.
	Checkpoints *session.Store
}

// Engine executes the six-phase reasoning pipeline.
type Engine struct {
	registry *agents.Registry
	cfg      Config
	deps     Deps
	logger   *zap.Logger

	// shared is non-nil when SharedBreakers is set.
	shared *circuitbreaker.Table
}

// NewEngine builds an engine around an agent registry.
func NewEngine(registry *agents.Registry, cfg Config, deps Deps, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = recovery.DefaultMaxAttempts
	}
	if cfg.FanOutParallelism < 1 {
		cfg.FanOutParallelism = 5
	}
	if len(cfg.Lenses) == 0 {
		cfg.Lenses = agents.DefaultLenses()
	}
	if cfg.PerspectiveAttempts < 1 {
		cfg.PerspectiveAttempts = 2
	}
	if cfg.TieBreak == nil {
		cfg.TieBreak = FirstGenerated
	}
	if !cfg.ReviewThreshold.Valid() {
		cfg.ReviewThreshold = agents.ConfidenceLow
	}

	e := &Engine{registry: registry, cfg: cfg, deps: deps, logger: logger}
	if cfg.SharedBreakers {
		e.shared = circuitbreaker.NewTable(cfg.Breaker, logger)
	}
	return e
}

// Breakers returns the shared circuit table, or nil when circuits are
// run-scoped.
func (e *Engine) Breakers() *circuitbreaker.Table {
	return e.shared
}

// Request starts one reasoning run.
type Request struct {
	Query string
	// RunID correlates logs, events, and snapshots; generated when empty.
	RunID string
	// EnableHumanReview executes the review collaborator when the gate
	// decides review is required. The gate decision is reported either way.
	EnableHumanReview bool
	// ReviewThreshold overrides the engine default when valid.
	ReviewThreshold agents.Confidence
	// MaxAttempts overrides the engine default when >= 1.
	MaxAttempts int
}

// Result is the run outcome. Success=false means the run aborted on a
// critical failure or malformed input; State always carries the full
// error log either way.
type Result struct {
	Success             bool
	FinalSynthesis      *agents.SynthesisRecord
	State               session.State
	HumanReviewRequired bool
	HumanReviewReason   string
}

// FatalError is the failure that ends a run: a critical agent failure, a
// recovered phase panic, or a canceled context. The error log records it
// exactly once.
type FatalError struct {
	Phase string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("run aborted in phase %s: %v", e.Phase, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// run is the per-run working set shared by the phase executors.
type run struct {
	engine *Engine
	coord  *recovery.Coordinator
	req    Request
	state  session.State

	reviewRequired bool
	reviewReason   string
}

// Orchestrate validates the request and drives the six phases in order.
// The returned error is non-nil only when ctx was canceled; every domain
// failure is encoded in the Result.
func (e *Engine) Orchestrate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}
	if !req.ReviewThreshold.Valid() {
		req.ReviewThreshold = e.cfg.ReviewThreshold
	}
	if req.MaxAttempts < 1 {
		req.MaxAttempts = e.cfg.MaxAttempts
	}

	if reason := ValidateQuery(req.Query); reason != "" {
		e.logger.Warn("Rejected malformed run request",
			zap.String("run_id", req.RunID),
			zap.String("reason", reason),
		)
		metrics.RecordRunMetrics("rejected", time.Since(start).Seconds())
		state := session.New(req.RunID, req.Query).WithErrors(session.ErrorInfo{
			Agent:             "orchestrator",
			Err:               reason,
			Timestamp:         time.Now(),
			RecoveryAttempted: false,
			Phase:             PhaseIntake,
			IsCriticalFailure: true,
		})
		return Result{Success: false, State: state}, nil
	}

	ctx = agents.WithRunID(ctx, req.RunID)

	metrics.RunsStarted.Inc()
	e.publish(req.RunID, streaming.Event{Type: streaming.EventRunStarted, Message: req.Query})
	e.logger.Info("Run started",
		zap.String("run_id", req.RunID),
		zap.Int("max_attempts", req.MaxAttempts),
		zap.Bool("human_review", req.EnableHumanReview),
	)

	table := e.shared
	if table == nil {
		table = circuitbreaker.NewTable(e.cfg.Breaker, e.logger)
	}
	r := &run{
		engine: e,
		req:    req,
		state:  session.New(req.RunID, req.Query),
		coord: recovery.NewCoordinator(recovery.CoordinatorConfig{
			MaxAttempts: req.MaxAttempts,
			Table:       table,
			Hooks:       e.cfg.Hooks,
		}, e.logger),
	}

	phases := []struct {
		name string
		fn   func(context.Context, *run) error
	}{
		{PhaseIntake, e.intake},
		{PhaseEvidence, e.evidence},
		{PhaseChallenge, e.challenge},
		{PhaseStructuring, e.structuring},
		{PhaseSynthesis, e.synthesis},
		{PhaseReview, e.reviewGate},
	}

	for _, p := range phases {
		phaseStart := time.Now()
		e.publish(req.RunID, streaming.Event{Type: streaming.EventPhaseStarted, Phase: p.name})

		err := e.runPhase(ctx, r, p.name, p.fn)
		metrics.PhaseDuration.WithLabelValues(p.name).Observe(time.Since(phaseStart).Seconds())
		e.checkpoint(ctx, p.name, r.state)

		if err != nil {
			return e.abort(req, r, p.name, err, start), ctx.Err()
		}
		e.publish(req.RunID, streaming.Event{Type: streaming.EventPhaseCompleted, Phase: p.name})

		if cerr := ctx.Err(); cerr != nil {
			return e.abort(req, r, p.name, cerr, start), cerr
		}
	}

	metrics.RecordRunMetrics("completed", time.Since(start).Seconds())
	e.publish(req.RunID, streaming.Event{Type: streaming.EventRunCompleted})
	e.logger.Info("Run completed",
		zap.String("run_id", req.RunID),
		zap.String("confidence", string(r.state.OverallConfidence())),
		zap.Int("errors_logged", len(r.state.ErrorsEncountered)),
		zap.Bool("review_required", r.reviewRequired),
	)

	return Result{
		Success:             true,
		FinalSynthesis:      r.state.FinalSynthesis,
		State:               r.state,
		HumanReviewRequired: r.reviewRequired,
		HumanReviewReason:   r.reviewReason,
	}, nil
}

// runPhase shields the run from a panicking phase so a bug in an
// executor fails the run instead of the host.
func (e *Engine) runPhase(ctx context.Context, r *run, name string, fn func(context.Context, *run) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("Phase panicked",
				zap.String("run_id", r.req.RunID),
				zap.String("phase", name),
				zap.Any("panic", rec),
			)
			err = fmt.Errorf("phase panicked: %v", rec)
		}
	}()
	return fn(ctx, r)
}

// abort finalizes a failed run. Critical agent failures were already
// merged into the state by the failing phase; anything else gets one
// synthetic fatal entry so the log stays complete.
func (e *Engine) abort(req Request, r *run, phase string, cause error, start time.Time) Result {
	if !recovery.IsCritical(cause) {
		r.state = r.state.WithErrors(session.ErrorInfo{
			Agent:             "orchestrator",
			Err:               cause.Error(),
			Timestamp:         time.Now(),
			Phase:             phase,
			IsCriticalFailure: true,
		})
	}

	required, reason := review.Decide(
		r.state.OverallConfidence(),
		len(r.state.CriticalErrors()),
		r.req.ReviewThreshold,
	)

	metrics.RecordRunMetrics("failed", time.Since(start).Seconds())
	e.publish(req.RunID, streaming.Event{
		Type:    streaming.EventRunFailed,
		Phase:   phase,
		Message: cause.Error(),
	})
	e.logger.Error("Run aborted",
		zap.String("run_id", req.RunID),
		zap.Error(&FatalError{Phase: phase, Err: cause}),
	)

	return Result{
		Success:             false,
		State:               r.state,
		HumanReviewRequired: required,
		HumanReviewReason:   reason,
	}
}

func (e *Engine) publish(runID string, ev streaming.Event) {
	if e.deps.Events != nil {
		e.deps.Events.Publish(runID, ev)
	}
}

func (e *Engine) checkpoint(ctx context.Context, phase string, st session.State) {
	if e.deps.Checkpoints == nil {
		return
	}
	if err := e.deps.Checkpoints.SaveCheckpoint(ctx, phase, &st); err != nil {
		e.logger.Warn("Checkpoint write failed",
			zap.String("run_id", st.RunID),
			zap.String("phase", phase),
			zap.Error(err),
		)
	}
}

// reportLog accumulates error-log entries for one phase. Fan-out tasks
// append concurrently; entries merge into the state once at phase end.
type reportLog struct {
	mu      sync.Mutex
	entries []session.ErrorInfo
}

func (l *reportLog) add(rep *session.ErrorInfo) {
	if rep == nil {
		return
	}
	l.mu.Lock()
	l.entries = append(l.entries, *rep)
	l.mu.Unlock()
}

func (l *reportLog) list() []session.ErrorInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]session.ErrorInfo(nil), l.entries...)
}

// guarded runs one agent call under recovery, folds its report into the
// phase log, and emits the outcome to metrics and the event feed.
func guarded[I, O any](ctx context.Context, r *run, log *reportLog, name string, fn func(context.Context, I) (O, error), input I, def O, opts recovery.Options[I, O]) recovery.Outcome[O] {
	callStart := time.Now()
	out := recovery.Call(ctx, r.coord, name, fn, input, def, opts)
	log.add(out.Report)

	metrics.RecordAgentCall(name, out.Status.String(), out.Strategy, float64(time.Since(callStart).Milliseconds()))
	r.engine.publish(r.req.RunID, streaming.Event{
		Type:    streaming.EventAgentOutcome,
		Phase:   opts.Phase,
		AgentID: name,
		Data: map[string]interface{}{
			"status":   out.Status.String(),
			"attempts": out.Attempts,
			"strategy": out.Strategy,
		},
	})
	return out
}

// callAgent is guarded for the common case: fatal outcomes abort the
// phase, everything else yields a usable value.
func callAgent[I, O any](ctx context.Context, r *run, log *reportLog, name string, fn func(context.Context, I) (O, error), input I, def O, opts recovery.Options[I, O]) (O, error) {
	out := guarded(ctx, r, log, name, fn, input, def, opts)
	if out.Status == recovery.StatusFatal {
		var zero O
		return zero, out.Err
	}
	return out.Value, nil
}

// summarize caps input descriptions recorded in the error log (UTF-8 safe).
func summarize(s string) string {
	const maxLen = 120
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

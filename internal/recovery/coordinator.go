package recovery

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/lanish19/ravint22-sub000/internal/circuitbreaker"
	"github.com/lanish19/ravint22-sub000/internal/session"
)

// DefaultMaxAttempts bounds the retry loop when a call does not override it.
const DefaultMaxAttempts = 3

// Hooks lets the service layer observe and gate coordinator activity
// without the coordinator knowing about metrics, rate limits, or policy.
type Hooks struct {
	// PreCall runs before every attempt; an error is treated as that
	// attempt failing. Rate gates and policy checks plug in here.
	PreCall func(ctx context.Context, agent, phase string) error
	// OnAttempt fires after every attempt with its error (nil on success).
	OnAttempt func(ctx context.Context, agent, phase string, attempt int, err error)
	// OnOutcome fires once per call with the final resolution.
	OnOutcome func(ctx context.Context, rep CallReport)
}

// CallReport summarizes one resolved coordinator call for the OnOutcome
// hook. Err is the final AgentError, nil when the call never failed.
type CallReport struct {
	Agent    string
	Phase    string
	Strategy string
	Status   Status
	Attempts int
	Elapsed  time.Duration
	Err      error
}

// Coordinator wraps every agent invocation with bounded retries,
// exponential backoff, per-agent circuit breaking, and the
// backup -> critical -> default resolution policy. It owns no I/O beyond
// delegating to the callable.
type Coordinator struct {
	table       *circuitbreaker.Table
	logger      *zap.Logger
	hooks       Hooks
	maxAttempts int

	// now and sleep are injectable for deterministic tests; sleep must
	// honor ctx cancellation.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	MaxAttempts int
	Breaker     circuitbreaker.Config
	// Table overrides the run-scoped default; sharing one table across
	// runs shares circuit trip state across unrelated queries.
	Table *circuitbreaker.Table
	Hooks Hooks
}

// NewCoordinator builds a Coordinator with a fresh circuit table unless
// one is supplied.
func NewCoordinator(cfg CoordinatorConfig, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	table := cfg.Table
	if table == nil {
		table = circuitbreaker.NewTable(cfg.Breaker, logger)
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Coordinator{
		table:       table,
		logger:      logger,
		hooks:       cfg.Hooks,
		maxAttempts: maxAttempts,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// Breakers exposes the circuit table for health checks and metrics.
func (c *Coordinator) Breakers() *circuitbreaker.Table { return c.table }

// MaxAttempts returns the default attempt bound for calls that do not
// override it.
func (c *Coordinator) MaxAttempts() int { return c.maxAttempts }

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff returns the sleep before attempt+1: 2^attempt seconds.
func Backoff(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * time.Second
}

// Options carries the per-call policy for one coordinator call.
type Options[I, O any] struct {
	// Critical marks an agent whose unrecoverable failure is fatal to the
	// phase; instead of substituting the default, the outcome is Fatal.
	Critical bool
	// Backup, when set, is invoked once after retries are exhausted (or
	// the circuit is open); its success is returned as-is.
	Backup func(context.Context, I) (O, error)
	// Validate rejects an otherwise-successful result; a validation
	// failure is retried identically to an error return.
	Validate func(O) error
	// Phase labels the calling phase for errors, logs and metrics.
	Phase string
	// MaxAttempts overrides the coordinator default when >= 1.
	MaxAttempts int
	// InputSummary is a short description of the input for the error log.
	InputSummary string
}

// Call invokes fn with input under the coordinator's recovery discipline
// and resolves to a tagged outcome. The named circuit record observes one
// outcome per Call, not one per attempt, so the retry bound holds for any
// attempt budget.
func Call[I, O any](ctx context.Context, c *Coordinator, name string, fn func(context.Context, I) (O, error), input I, def O, opts Options[I, O]) Outcome[O] {
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = c.maxAttempts
	}
	start := c.now()

	state, admitErr := c.table.Admit(name, c.now())
	if admitErr != nil {
		ae := &AgentError{
			AgentName:   name,
			Err:         admitErr,
			Attempt:     0,
			Phase:       opts.Phase,
			Critical:    opts.Critical,
			CircuitOpen: true,
		}
		c.logger.Warn("Agent call rejected by open circuit",
			zap.String("agent", name),
			zap.String("phase", opts.Phase),
		)
		return resolve(ctx, c, name, input, def, opts, ae, 0, start)
	}

	if state == circuitbreaker.StateHalfOpen {
		// Exactly one trial call while half-open.
		maxAttempts = 1
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 && c.table.State(name) == circuitbreaker.StateOpen {
			// A concurrent caller tripped the breaker mid-loop.
			lastErr = circuitbreaker.ErrCircuitOpen
			break
		}

		attempts = attempt
		var err error
		if c.hooks.PreCall != nil {
			if gerr := c.hooks.PreCall(ctx, name, opts.Phase); gerr != nil {
				err = fmt.Errorf("call gated: %w", gerr)
			}
		}

		var value O
		if err == nil {
			value, err = safeCall(ctx, fn, input)
			if err == nil && opts.Validate != nil {
				if verr := opts.Validate(value); verr != nil {
					err = fmt.Errorf("output rejected by validator: %w", verr)
				}
			}
		}

		if c.hooks.OnAttempt != nil {
			c.hooks.OnAttempt(ctx, name, opts.Phase, attempt, err)
		}

		if err == nil {
			c.table.Observe(name, true, c.now())
			return succeeded(ctx, c, name, opts, attempt, value, lastErr, start)
		}

		lastErr = err
		c.logger.Warn("Agent attempt failed",
			zap.String("agent", name),
			zap.String("phase", opts.Phase),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err),
		)

		if attempt < maxAttempts {
			if serr := c.sleep(ctx, Backoff(attempt)); serr != nil {
				lastErr = fmt.Errorf("backoff interrupted: %w", serr)
				break
			}
		}
	}

	c.table.Observe(name, false, c.now())
	ae := &AgentError{
		AgentName: name,
		Err:       lastErr,
		Attempt:   attempts,
		Phase:     opts.Phase,
		Critical:  opts.Critical,
	}
	return resolve(ctx, c, name, input, def, opts, ae, attempts, start)
}

// safeCall shields the coordinator from a panicking callable; the panic
// resolves like any other attempt failure.
func safeCall[I, O any](ctx context.Context, fn func(context.Context, I) (O, error), input I) (out O, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callable panicked: %v", r)
		}
	}()
	return fn(ctx, input)
}

// succeeded builds the Recovered outcome for an in-loop success.
func succeeded[I, O any](ctx context.Context, c *Coordinator, name string, opts Options[I, O], attempt int, value O, prior error, start time.Time) Outcome[O] {
	out := Outcome[O]{Status: StatusRecovered, Value: value, Attempts: attempt}
	if attempt > 1 {
		out.Strategy = StrategyRetry
		out.Err = &AgentError{AgentName: name, Err: prior, Attempt: attempt - 1, Phase: opts.Phase}
		out.Report = &session.ErrorInfo{
			Agent:             name,
			Err:               fmt.Sprintf("%v", prior),
			Timestamp:         c.now(),
			RecoveryAttempted: true,
			RecoveryStrategy:  StrategyRetry,
			Phase:             opts.Phase,
			InputSummary:      opts.InputSummary,
			Attempt:           attempt - 1,
		}
	}
	if c.hooks.OnOutcome != nil {
		rep := CallReport{
			Agent:    name,
			Phase:    opts.Phase,
			Strategy: out.Strategy,
			Status:   StatusRecovered,
			Attempts: attempt,
			Elapsed:  c.now().Sub(start),
		}
		if out.Err != nil {
			rep.Err = out.Err
		}
		c.hooks.OnOutcome(ctx, rep)
	}
	return out
}

// resolve applies the exhaustion policy: backup once, then critical
// rethrow, then default substitution.
func resolve[I, O any](ctx context.Context, c *Coordinator, name string, input I, def O, opts Options[I, O], ae *AgentError, attempts int, start time.Time) Outcome[O] {
	if opts.Backup != nil {
		if bout, berr := safeCall(ctx, opts.Backup, input); berr == nil {
			c.logger.Info("Agent recovered via backup",
				zap.String("agent", name),
				zap.String("phase", opts.Phase),
			)
			out := Outcome[O]{
				Status:   StatusRecovered,
				Value:    bout,
				Err:      ae,
				Attempts: attempts,
				Strategy: StrategyBackup,
				Report: &session.ErrorInfo{
					Agent:             name,
					Err:               ae.Error(),
					Timestamp:         c.now(),
					RecoveryAttempted: true,
					RecoveryStrategy:  StrategyBackup,
					Phase:             opts.Phase,
					InputSummary:      opts.InputSummary,
					Attempt:           attempts,
				},
			}
			if c.hooks.OnOutcome != nil {
				c.hooks.OnOutcome(ctx, CallReport{
					Agent:    name,
					Phase:    opts.Phase,
					Strategy: StrategyBackup,
					Status:   StatusRecovered,
					Attempts: attempts,
					Elapsed:  c.now().Sub(start),
					Err:      ae,
				})
			}
			return out
		}
		c.logger.Warn("Backup agent failed", zap.String("agent", name), zap.String("phase", opts.Phase))
	}

	if opts.Critical {
		c.logger.Error("Critical agent exhausted recovery",
			zap.String("agent", name),
			zap.String("phase", opts.Phase),
			zap.Int("attempts", attempts),
			zap.Error(ae.Err),
		)
		out := Outcome[O]{
			Status:   StatusFatal,
			Value:    def,
			Err:      ae,
			Attempts: attempts,
			Report: &session.ErrorInfo{
				Agent:             name,
				Err:               ae.Error(),
				Timestamp:         c.now(),
				RecoveryAttempted: attempts > 1,
				Phase:             opts.Phase,
				InputSummary:      opts.InputSummary,
				Attempt:           attempts,
				IsCriticalFailure: true,
			},
		}
		if c.hooks.OnOutcome != nil {
			c.hooks.OnOutcome(ctx, CallReport{
				Agent:    name,
				Phase:    opts.Phase,
				Status:   StatusFatal,
				Attempts: attempts,
				Elapsed:  c.now().Sub(start),
				Err:      ae,
			})
		}
		return out
	}

	c.logger.Warn("Agent degraded to default",
		zap.String("agent", name),
		zap.String("phase", opts.Phase),
		zap.Int("attempts", attempts),
		zap.Bool("circuit_open", ae.CircuitOpen),
	)
	out := Outcome[O]{
		Status:   StatusDegraded,
		Value:    def,
		Err:      ae,
		Attempts: attempts,
		Strategy: StrategyDefault,
		Report: &session.ErrorInfo{
			Agent:             name,
			Err:               ae.Error(),
			Timestamp:         c.now(),
			RecoveryAttempted: true,
			RecoveryStrategy:  StrategyDefault,
			Phase:             opts.Phase,
			InputSummary:      opts.InputSummary,
			Attempt:           attempts,
		},
	}
	if c.hooks.OnOutcome != nil {
		c.hooks.OnOutcome(ctx, CallReport{
			Agent:    name,
			Phase:    opts.Phase,
			Strategy: StrategyDefault,
			Status:   StatusDegraded,
			Attempts: attempts,
			Elapsed:  c.now().Sub(start),
			Err:      ae,
		})
	}
	return out
}

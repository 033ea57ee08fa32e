package recovery

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/lanish19/ravint22-sub000/internal/circuitbreaker"
)

type fakeClock struct {
	mu  sync.Mutex
	t   time.Time
	log []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(10_000, 0)}
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

// sleep records requested backoffs and advances the clock instantly.
func (f *fakeClock) sleep(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, d)
	f.t = f.t.Add(d)
	return nil
}

func newTestCoordinator(t *testing.T, cfg CoordinatorConfig) (*Coordinator, *fakeClock) {
	t.Helper()
	c := NewCoordinator(cfg, zaptest.NewLogger(t))
	clock := newFakeClock()
	c.now = clock.now
	c.sleep = clock.sleep
	return c, clock
}

type echoOut struct {
	Text  string
	Items []string
}

func alwaysFail(calls *int) func(context.Context, string) (echoOut, error) {
	return func(context.Context, string) (echoOut, error) {
		*calls++
		return echoOut{}, errors.New("boom")
	}
}

func TestRetryBoundExact(t *testing.T) {
	for _, maxAttempts := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("attempts_%d", maxAttempts), func(t *testing.T) {
			c, _ := newTestCoordinator(t, CoordinatorConfig{})
			calls := 0
			out := Call(context.Background(), c, "flaky", alwaysFail(&calls), "in", echoOut{Text: "fallback"}, Options[string, echoOut]{
				MaxAttempts: maxAttempts,
			})

			if calls != maxAttempts {
				t.Fatalf("expected exactly %d invocations, got %d", maxAttempts, calls)
			}
			if out.Status != StatusDegraded {
				t.Fatalf("expected degraded outcome, got %s", out.Status)
			}
			if out.Attempts != maxAttempts {
				t.Errorf("outcome attempts = %d, want %d", out.Attempts, maxAttempts)
			}
		})
	}
}

func TestDefaultSubstitutionDeepEquals(t *testing.T) {
	c, _ := newTestCoordinator(t, CoordinatorConfig{})
	def := echoOut{Text: "default answer", Items: []string{"a", "b"}}
	calls := 0

	out := Call(context.Background(), c, "failing", alwaysFail(&calls), "in", def, Options[string, echoOut]{})

	if out.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", out.Status)
	}
	if !reflect.DeepEqual(out.Value, def) {
		t.Fatalf("degraded value %+v does not deep-equal default %+v", out.Value, def)
	}
	if out.Strategy != StrategyDefault {
		t.Errorf("strategy = %q, want %q", out.Strategy, StrategyDefault)
	}
	if out.Report == nil || out.Report.RecoveryStrategy != StrategyDefault || out.Report.IsCriticalFailure {
		t.Errorf("unexpected report: %+v", out.Report)
	}
}

func TestCriticalFailureIsFatal(t *testing.T) {
	c, _ := newTestCoordinator(t, CoordinatorConfig{})
	calls := 0

	out := Call(context.Background(), c, "initial_answer", alwaysFail(&calls), "in", echoOut{}, Options[string, echoOut]{
		Critical: true,
		Phase:    "intake",
	})

	if out.Status != StatusFatal {
		t.Fatalf("expected fatal, got %s", out.Status)
	}
	if out.Err == nil || !out.Err.Critical {
		t.Fatalf("fatal outcome must carry a critical AgentError: %+v", out.Err)
	}
	if !IsCritical(out.Err) {
		t.Errorf("IsCritical failed to match")
	}
	if out.Report == nil || !out.Report.IsCriticalFailure {
		t.Errorf("fatal report must be marked critical: %+v", out.Report)
	}
	if out.Report.Phase != "intake" {
		t.Errorf("report phase = %q", out.Report.Phase)
	}
}

func TestSuccessAfterRetryReportsRecovery(t *testing.T) {
	c, clock := newTestCoordinator(t, CoordinatorConfig{})
	calls := 0
	fn := func(context.Context, string) (echoOut, error) {
		calls++
		if calls < 3 {
			return echoOut{}, errors.New("transient")
		}
		return echoOut{Text: "ok"}, nil
	}

	out := Call(context.Background(), c, "flaky", fn, "in", echoOut{}, Options[string, echoOut]{})

	if out.Status != StatusRecovered || out.Value.Text != "ok" {
		t.Fatalf("expected recovered value, got %+v", out)
	}
	if out.Strategy != StrategyRetry || out.Attempts != 3 {
		t.Errorf("strategy/attempts = %q/%d", out.Strategy, out.Attempts)
	}
	if out.Report == nil || out.Report.RecoveryStrategy != StrategyRetry {
		t.Fatalf("retry recovery must produce a report: %+v", out.Report)
	}

	// Backoff is 2^attempt seconds after each failed non-final attempt.
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if !reflect.DeepEqual(clock.log, want) {
		t.Errorf("backoff schedule = %v, want %v", clock.log, want)
	}
}

func TestCleanSuccessHasNoReport(t *testing.T) {
	c, _ := newTestCoordinator(t, CoordinatorConfig{})
	fn := func(context.Context, string) (echoOut, error) { return echoOut{Text: "ok"}, nil }

	out := Call(context.Background(), c, "steady", fn, "in", echoOut{}, Options[string, echoOut]{})

	if out.Status != StatusRecovered || out.Attempts != 1 || out.Strategy != "" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Failed() {
		t.Fatalf("clean success must not report a failure")
	}
}

func TestBackupRecoversOnce(t *testing.T) {
	c, _ := newTestCoordinator(t, CoordinatorConfig{})
	calls, backupCalls := 0, 0
	backup := func(context.Context, string) (echoOut, error) {
		backupCalls++
		return echoOut{Text: "from backup"}, nil
	}

	out := Call(context.Background(), c, "flaky", alwaysFail(&calls), "in", echoOut{}, Options[string, echoOut]{
		Backup: backup,
	})

	if out.Status != StatusRecovered || out.Value.Text != "from backup" {
		t.Fatalf("expected backup recovery, got %+v", out)
	}
	if backupCalls != 1 {
		t.Fatalf("backup invoked %d times, want 1", backupCalls)
	}
	if out.Strategy != StrategyBackup || out.Report == nil || out.Report.RecoveryStrategy != StrategyBackup {
		t.Errorf("backup not recorded: %+v", out.Report)
	}
}

func TestBackupFailureFallsThrough(t *testing.T) {
	c, _ := newTestCoordinator(t, CoordinatorConfig{})
	calls := 0
	backup := func(context.Context, string) (echoOut, error) {
		return echoOut{}, errors.New("backup down too")
	}
	def := echoOut{Text: "default"}

	out := Call(context.Background(), c, "flaky", alwaysFail(&calls), "in", def, Options[string, echoOut]{Backup: backup})

	if out.Status != StatusDegraded || out.Value.Text != "default" {
		t.Fatalf("expected default after backup failure, got %+v", out)
	}
}

func TestValidateRejectionIsRetried(t *testing.T) {
	c, _ := newTestCoordinator(t, CoordinatorConfig{})
	calls := 0
	fn := func(context.Context, string) (echoOut, error) {
		calls++
		return echoOut{Text: "malformed"}, nil
	}
	validate := func(o echoOut) error {
		if o.Text == "malformed" {
			return errors.New("schema mismatch")
		}
		return nil
	}

	out := Call(context.Background(), c, "invalid", fn, "in", echoOut{Text: "default"}, Options[string, echoOut]{
		Validate: validate,
	})

	if calls != DefaultMaxAttempts {
		t.Fatalf("validation failures must be retried: %d calls, want %d", calls, DefaultMaxAttempts)
	}
	if out.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", out.Status)
	}
}

func TestOpenCircuitRejectsWithoutInvoking(t *testing.T) {
	c, clock := newTestCoordinator(t, CoordinatorConfig{
		Breaker: circuitbreaker.Config{FailureThreshold: 2, ResetTimeout: 30 * time.Second},
	})
	calls := 0
	fn := alwaysFail(&calls)
	opts := Options[string, echoOut]{MaxAttempts: 1}

	// Two exhausted calls trip the breaker.
	Call(context.Background(), c, "dead", fn, "in", echoOut{}, opts)
	Call(context.Background(), c, "dead", fn, "in", echoOut{}, opts)
	if got := c.Breakers().State("dead"); got != circuitbreaker.StateOpen {
		t.Fatalf("breaker should be open, got %s", got)
	}

	before := calls
	out := Call(context.Background(), c, "dead", fn, "in", echoOut{Text: "default"}, opts)

	if calls != before {
		t.Fatalf("open circuit must not invoke the agent: %d extra call(s)", calls-before)
	}
	if out.Status != StatusDegraded {
		t.Fatalf("expected degraded resolution, got %s", out.Status)
	}
	if out.Err == nil || !out.Err.CircuitOpen {
		t.Fatalf("expected circuit-open AgentError, got %+v", out.Err)
	}
	if !IsCircuitOpen(out.Err) {
		t.Errorf("IsCircuitOpen failed to match")
	}
	_ = clock
}

func TestHalfOpenTrialInvokesExactlyOnce(t *testing.T) {
	c, clock := newTestCoordinator(t, CoordinatorConfig{
		Breaker: circuitbreaker.Config{FailureThreshold: 1, ResetTimeout: 30 * time.Second},
	})
	calls := 0
	fn := alwaysFail(&calls)

	// One exhausted call opens the circuit.
	Call(context.Background(), c, "dead", fn, "in", echoOut{}, Options[string, echoOut]{MaxAttempts: 1})
	if got := c.Breakers().State("dead"); got != circuitbreaker.StateOpen {
		t.Fatalf("breaker should be open, got %s", got)
	}

	clock.advance(31 * time.Second)

	// Even with a 3-attempt budget, the half-open trial runs exactly once.
	before := calls
	out := Call(context.Background(), c, "dead", fn, "in", echoOut{}, Options[string, echoOut]{MaxAttempts: 3})

	if calls-before != 1 {
		t.Fatalf("half-open trial invoked %d times, want 1", calls-before)
	}
	if got := c.Breakers().State("dead"); got != circuitbreaker.StateOpen {
		t.Fatalf("failed trial should reopen, got %s", got)
	}
	if out.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", out.Status)
	}
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	c, clock := newTestCoordinator(t, CoordinatorConfig{
		Breaker: circuitbreaker.Config{FailureThreshold: 1, ResetTimeout: 30 * time.Second},
	})
	healthy := false
	calls := 0
	fn := func(context.Context, string) (echoOut, error) {
		calls++
		if !healthy {
			return echoOut{}, errors.New("down")
		}
		return echoOut{Text: "back"}, nil
	}

	Call(context.Background(), c, "recovering", fn, "in", echoOut{}, Options[string, echoOut]{MaxAttempts: 1})
	clock.advance(31 * time.Second)
	healthy = true

	out := Call(context.Background(), c, "recovering", fn, "in", echoOut{}, Options[string, echoOut]{})

	if out.Status != StatusRecovered || out.Value.Text != "back" {
		t.Fatalf("expected trial success, got %+v", out)
	}
	rec := c.Breakers().Snapshot("recovering")
	if rec.State != circuitbreaker.StateClosed || rec.ConsecutiveFailures != 0 {
		t.Fatalf("trial success should close and reset: %+v", rec)
	}
}

func TestPreCallGateFailureCountsAsAttempt(t *testing.T) {
	denied := errors.New("rate limited")
	c, _ := newTestCoordinator(t, CoordinatorConfig{
		Hooks: Hooks{PreCall: func(context.Context, string, string) error { return denied }},
	})
	calls := 0
	fn := func(context.Context, string) (echoOut, error) {
		calls++
		return echoOut{Text: "never"}, nil
	}

	out := Call(context.Background(), c, "gated", fn, "in", echoOut{Text: "default"}, Options[string, echoOut]{})

	if calls != 0 {
		t.Fatalf("gated call must not reach the agent, got %d invocations", calls)
	}
	if out.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", out.Status)
	}
	if out.Err == nil || !errors.Is(out.Err.Err, denied) {
		t.Errorf("gate error not propagated: %v", out.Err)
	}
}

func TestSharedTableTripsAcrossCoordinators(t *testing.T) {
	table := circuitbreaker.NewTable(circuitbreaker.Config{FailureThreshold: 1, ResetTimeout: time.Minute}, zaptest.NewLogger(t))
	c1, _ := newTestCoordinator(t, CoordinatorConfig{Table: table})
	c2, _ := newTestCoordinator(t, CoordinatorConfig{Table: table})

	calls := 0
	Call(context.Background(), c1, "shared", alwaysFail(&calls), "in", echoOut{}, Options[string, echoOut]{MaxAttempts: 1})

	before := calls
	out := Call(context.Background(), c2, "shared", alwaysFail(&calls), "in", echoOut{}, Options[string, echoOut]{MaxAttempts: 1})

	if calls != before {
		t.Fatalf("second coordinator should see the shared open circuit")
	}
	if out.Err == nil || !out.Err.CircuitOpen {
		t.Fatalf("expected circuit-open rejection, got %+v", out.Err)
	}
}

func TestOnOutcomeHookFires(t *testing.T) {
	var mu sync.Mutex
	var seen []CallReport
	c, _ := newTestCoordinator(t, CoordinatorConfig{
		Hooks: Hooks{OnOutcome: func(ctx context.Context, rep CallReport) {
			mu.Lock()
			seen = append(seen, rep)
			mu.Unlock()
		}},
	})

	calls := 0
	Call(context.Background(), c, "x", alwaysFail(&calls), "in", echoOut{}, Options[string, echoOut]{MaxAttempts: 1})
	fn := func(context.Context, string) (echoOut, error) { return echoOut{Text: "ok"}, nil }
	Call(context.Background(), c, "y", fn, "in", echoOut{}, Options[string, echoOut]{})

	if len(seen) != 2 {
		t.Fatalf("expected 2 outcome events, got %d", len(seen))
	}
	if seen[0].Status != StatusDegraded || seen[1].Status != StatusRecovered {
		t.Errorf("unexpected outcome sequence: %+v", seen)
	}
	if seen[0].Err == nil || seen[1].Err != nil {
		t.Errorf("degraded report should carry the error, clean success should not: %+v", seen)
	}
}

func TestPanickingCallableResolvesLikeFailure(t *testing.T) {
	c, _ := newTestCoordinator(t, CoordinatorConfig{})
	calls := 0
	fn := func(context.Context, string) (echoOut, error) {
		calls++
		panic("agent exploded")
	}

	out := Call(context.Background(), c, "volatile", fn, "in", echoOut{Text: "fallback"}, Options[string, echoOut]{
		MaxAttempts: 2,
	})

	if calls != 2 {
		t.Fatalf("panicking callable should consume the full budget, got %d calls", calls)
	}
	if out.Status != StatusDegraded {
		t.Fatalf("expected degraded outcome, got %v", out.Status)
	}
	if out.Value.Text != "fallback" {
		t.Errorf("default not substituted: %+v", out.Value)
	}
	if out.Report == nil || !strings.Contains(out.Report.Err, "panicked") {
		t.Errorf("report should name the panic: %+v", out.Report)
	}
}

func TestPanickingBackupDoesNotRescue(t *testing.T) {
	c, _ := newTestCoordinator(t, CoordinatorConfig{})
	calls := 0
	out := Call(context.Background(), c, "volatile", alwaysFail(&calls), "in", echoOut{Text: "fallback"}, Options[string, echoOut]{
		MaxAttempts: 1,
		Backup: func(context.Context, string) (echoOut, error) {
			panic("backup exploded")
		},
	})

	if out.Status != StatusDegraded {
		t.Fatalf("expected degraded outcome, got %v", out.Status)
	}
	if out.Value.Text != "fallback" {
		t.Errorf("default not substituted: %+v", out.Value)
	}
}

package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the circuit state for one agent
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTrialInProgress = errors.New("half-open trial already in progress")
)

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold int           // consecutive failed calls in closed state before opening
	ResetTimeout     time.Duration // cooldown before an open circuit admits a trial call
	OnStateChange    func(name string, from State, to State)
}

// DefaultConfig returns the standard thresholds
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
	}
}

// Record is the per-agent circuit state. One record exists per agent name,
// created lazily on first admission and never destroyed.
type Record struct {
	State               State     `json:"state"`
	Failures            int       `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureTime     time.Time `json:"last_failure_time"`
	TrialInFlight       bool      `json:"trial_in_flight"`
}

// Admit decides whether a call against rec may proceed at time now. It is
// pure: the returned record reflects any open-to-half-open flip and trial
// reservation, and the error is ErrCircuitOpen or ErrTrialInProgress when
// the call must be rejected without invoking the agent.
func Admit(rec Record, now time.Time, cfg Config) (Record, error) {
	switch rec.State {
	case StateOpen:
		if now.Sub(rec.LastFailureTime) < cfg.ResetTimeout {
			return rec, ErrCircuitOpen
		}
		rec.State = StateHalfOpen
		rec.TrialInFlight = true
		return rec, nil
	case StateHalfOpen:
		if rec.TrialInFlight {
			return rec, ErrTrialInProgress
		}
		rec.TrialInFlight = true
		return rec, nil
	default:
		return rec, nil
	}
}

// Next applies one completed-call outcome to rec at time now. It is the
// pure transition function behind Table.Observe: a failure is one exhausted
// coordinator call, not one retry attempt.
func Next(rec Record, success bool, now time.Time, cfg Config) Record {
	if success {
		rec.ConsecutiveFailures = 0
		rec.TrialInFlight = false
		if rec.State == StateHalfOpen {
			rec.State = StateClosed
		}
		return rec
	}

	rec.Failures++
	rec.LastFailureTime = now
	switch rec.State {
	case StateHalfOpen:
		// A single half-open failure reopens the circuit.
		rec.State = StateOpen
		rec.TrialInFlight = false
	default:
		rec.ConsecutiveFailures++
		if cfg.FailureThreshold > 0 && rec.ConsecutiveFailures >= cfg.FailureThreshold {
			rec.State = StateOpen
		}
	}
	return rec
}

// Table is the shared agent-name -> circuit record map. By default the
// coordinator creates one per run; sharing a table across runs shares trip
// state across unrelated queries, which is an explicit opt-in.
type Table struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	records map[string]Record
}

// NewTable creates an empty circuit table.
func NewTable(cfg Config, logger *zap.Logger) *Table {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{
		cfg:     cfg,
		logger:  logger,
		records: make(map[string]Record),
	}
}

// Admit reserves the right to call the named agent. The returned state is
// the state the call runs under (closed, or half-open for a trial call).
func (t *Table) Admit(name string, now time.Time) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.records[name]
	next, err := Admit(rec, now, t.cfg)
	t.transition(name, rec.State, next.State)
	t.records[name] = next
	if err != nil {
		recordRejection(name, err)
		return rec.State, err
	}
	return next.State, nil
}

// Observe records the outcome of one completed coordinator call.
func (t *Table) Observe(name string, success bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.records[name]
	next := Next(rec, success, now, t.cfg)
	t.transition(name, rec.State, next.State)
	t.records[name] = next
	recordObservation(name, success)
}

// State returns the named agent's current state without admitting a call.
func (t *Table) State(name string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records[name].State
}

// Snapshot returns a copy of the named agent's record.
func (t *Table) Snapshot(name string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records[name]
}

// States returns the current state of every tracked agent.
func (t *Table) States() map[string]State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]State, len(t.records))
	for name, rec := range t.records {
		out[name] = rec.State
	}
	return out
}

func (t *Table) transition(name string, from, to State) {
	if from == to {
		return
	}
	recordStateChange(name, from, to)
	if t.cfg.OnStateChange != nil {
		t.cfg.OnStateChange(name, from, to)
	}
	t.logger.Info("Circuit breaker state changed",
		zap.String("agent", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

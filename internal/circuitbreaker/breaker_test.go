package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func testConfig() Config {
	return Config{FailureThreshold: 3, ResetTimeout: 30 * time.Second}
}

func TestNextOpensAtThreshold(t *testing.T) {
	cfg := testConfig()
	now := time.Unix(1000, 0)

	var rec Record
	for i := 0; i < 2; i++ {
		rec = Next(rec, false, now, cfg)
		if rec.State != StateClosed {
			t.Fatalf("opened after %d failures, threshold is %d", i+1, cfg.FailureThreshold)
		}
	}

	rec = Next(rec, false, now, cfg)
	if rec.State != StateOpen {
		t.Fatalf("expected open at threshold, got %s", rec.State)
	}
	if rec.ConsecutiveFailures != 3 || rec.Failures != 3 {
		t.Errorf("counts wrong: %+v", rec)
	}
	if !rec.LastFailureTime.Equal(now) {
		t.Errorf("last failure time not recorded")
	}
}

func TestNextSuccessResetsConsecutive(t *testing.T) {
	cfg := testConfig()
	now := time.Unix(1000, 0)

	var rec Record
	rec = Next(rec, false, now, cfg)
	rec = Next(rec, false, now, cfg)
	rec = Next(rec, true, now, cfg)

	if rec.ConsecutiveFailures != 0 {
		t.Fatalf("success did not reset consecutive failures: %+v", rec)
	}
	if rec.Failures != 2 {
		t.Errorf("total failures should survive a success, got %d", rec.Failures)
	}
	if rec.State != StateClosed {
		t.Errorf("expected closed, got %s", rec.State)
	}
}

func TestAdmitRejectsWhileOpen(t *testing.T) {
	cfg := testConfig()
	opened := time.Unix(1000, 0)
	rec := Record{State: StateOpen, LastFailureTime: opened}

	_, err := Admit(rec, opened.Add(29*time.Second), cfg)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen before reset timeout, got %v", err)
	}

	next, err := Admit(rec, opened.Add(30*time.Second), cfg)
	if err != nil {
		t.Fatalf("expected admission after reset timeout, got %v", err)
	}
	if next.State != StateHalfOpen || !next.TrialInFlight {
		t.Fatalf("expected half-open trial, got %+v", next)
	}
}

func TestAdmitSingleTrialInHalfOpen(t *testing.T) {
	cfg := testConfig()
	now := time.Unix(2000, 0)
	rec := Record{State: StateHalfOpen, TrialInFlight: true}

	if _, err := Admit(rec, now, cfg); !errors.Is(err, ErrTrialInProgress) {
		t.Fatalf("expected ErrTrialInProgress, got %v", err)
	}
}

func TestHalfOpenOutcomes(t *testing.T) {
	cfg := testConfig()
	now := time.Unix(2000, 0)

	succ := Next(Record{State: StateHalfOpen, TrialInFlight: true, ConsecutiveFailures: 3}, true, now, cfg)
	if succ.State != StateClosed || succ.ConsecutiveFailures != 0 || succ.TrialInFlight {
		t.Fatalf("half-open success should close and reset: %+v", succ)
	}

	fail := Next(Record{State: StateHalfOpen, TrialInFlight: true}, false, now, cfg)
	if fail.State != StateOpen || fail.TrialInFlight {
		t.Fatalf("half-open failure should reopen immediately: %+v", fail)
	}
	if !fail.LastFailureTime.Equal(now) {
		t.Errorf("reopen did not refresh last failure time")
	}
}

func TestTableLifecycle(t *testing.T) {
	logger := zaptest.NewLogger(t)
	var changes []string
	cfg := testConfig()
	cfg.OnStateChange = func(name string, from, to State) {
		changes = append(changes, name+":"+from.String()+"->"+to.String())
	}
	tbl := NewTable(cfg, logger)

	base := time.Unix(3000, 0)

	// Three exhausted calls trip the named circuit; a sibling is untouched.
	for i := 0; i < 3; i++ {
		if _, err := tbl.Admit("critic", base); err != nil {
			t.Fatalf("closed admit %d failed: %v", i, err)
		}
		tbl.Observe("critic", false, base.Add(time.Duration(i)*time.Second))
	}
	if got := tbl.State("critic"); got != StateOpen {
		t.Fatalf("expected open after threshold, got %s", got)
	}
	if got := tbl.State("router"); got != StateClosed {
		t.Fatalf("sibling circuit affected: %s", got)
	}

	if _, err := tbl.Admit("critic", base.Add(10*time.Second)); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected rejection inside reset timeout, got %v", err)
	}

	// After the timeout the next admit runs a half-open trial; success closes.
	state, err := tbl.Admit("critic", base.Add(40*time.Second))
	if err != nil {
		t.Fatalf("expected trial admission, got %v", err)
	}
	if state != StateHalfOpen {
		t.Fatalf("expected half-open trial state, got %s", state)
	}
	tbl.Observe("critic", true, base.Add(41*time.Second))
	if got := tbl.State("critic"); got != StateClosed {
		t.Fatalf("trial success should close, got %s", got)
	}

	if rec := tbl.Snapshot("critic"); rec.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures not reset: %+v", rec)
	}

	if len(changes) == 0 {
		t.Error("OnStateChange never fired")
	}
}

func TestStatesSnapshot(t *testing.T) {
	tbl := NewTable(testConfig(), zaptest.NewLogger(t))
	now := time.Unix(4000, 0)

	tbl.Admit("a", now)
	tbl.Observe("a", true, now)
	for i := 0; i < 3; i++ {
		tbl.Admit("b", now)
		tbl.Observe("b", false, now)
	}

	states := tbl.States()
	if states["a"] != StateClosed || states["b"] != StateOpen {
		t.Fatalf("unexpected states: %v", states)
	}
}

package ratecontrol

import (
	"context"
	"testing"
	"time"
)

func TestAllowRespectsBurst(t *testing.T) {
	l := NewLimiter(Config{Enabled: true, RPS: 0.01, Burst: 2}, nil)

	if !l.Allow("fact_checker") {
		t.Fatal("first call should pass")
	}
	if !l.Allow("fact_checker") {
		t.Fatal("second call should pass within burst")
	}
	if l.Allow("fact_checker") {
		t.Fatal("third call should be throttled")
	}
}

func TestDisabledLimiterNeverBlocks(t *testing.T) {
	l := NewLimiter(Config{Enabled: false, RPS: 0.001, Burst: 1}, nil)

	for i := 0; i < 10; i++ {
		if !l.Allow("fact_checker") {
			t.Fatalf("call %d throttled with limiter disabled", i)
		}
	}
	if err := l.Wait(context.Background(), "fact_checker"); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestPerAgentOverride(t *testing.T) {
	l := NewLimiter(Config{
		Enabled: true,
		RPS:     0.01,
		Burst:   1,
		PerAgent: map[string]AgentRate{
			"evidence_researcher": {RPS: 0.01, Burst: 3},
		},
	}, nil)

	for i := 0; i < 3; i++ {
		if !l.Allow("evidence_researcher") {
			t.Fatalf("override burst call %d throttled", i)
		}
	}
	if l.Allow("evidence_researcher") {
		t.Fatal("override burst should be spent")
	}

	// Other agents keep the default burst of 1.
	if !l.Allow("fact_checker") {
		t.Fatal("default agent first call should pass")
	}
	if l.Allow("fact_checker") {
		t.Fatal("default agent second call should be throttled")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	l := NewLimiter(Config{Enabled: true, RPS: 0.01, Burst: 1}, nil)
	if !l.Allow("fact_checker") {
		t.Fatal("burst slot should be available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := l.Wait(ctx, "fact_checker")
	if err == nil {
		t.Fatal("expected Wait to fail under a short deadline")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Wait should give up quickly, took %v", elapsed)
	}
}

func TestGateAdaptsToPreCall(t *testing.T) {
	l := NewLimiter(Config{Enabled: true, RPS: 10, Burst: 5}, nil)
	gate := l.Gate()

	if err := gate(context.Background(), "fact_checker", "challenge"); err != nil {
		t.Fatalf("gate: %v", err)
	}

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	drained := NewLimiter(Config{Enabled: true, RPS: 0.01, Burst: 1}, nil)
	drained.Allow("fact_checker")
	if err := drained.Gate()(canceled, "fact_checker", "challenge"); err == nil {
		t.Fatal("expected gate to fail with canceled context")
	}
}

package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "agents.rego"), []byte(content), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return dir
}

const suspendPolicy = `package ravint.agents

default decision := {"allow": true, "reason": "default allow"}

decision := {"allow": false, "reason": "agent suspended"} {
	input.agent_id == "suspended_agent"
}
`

const denyAllPolicy = `package ravint.agents

default decision := {"allow": false, "reason": "deny all for testing"}
`

const approvalPolicy = `package ravint.agents

default decision := {"allow": true, "reason": "default allow"}

decision := {"allow": true, "reason": "critical call needs signoff", "require_approval": true} {
	input.critical
}
`

func newTestEngine(t *testing.T, cfg *Config) *OPAEngine {
	t.Helper()
	engine, err := NewOPAEngine(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewOPAEngine: %v", err)
	}
	return engine
}

func TestEvaluateAllowAndDeny(t *testing.T) {
	engine := newTestEngine(t, &Config{
		Enabled:     true,
		Mode:        ModeEnforce,
		Path:        writePolicy(t, suspendPolicy),
		Environment: "test",
	})
	if !engine.IsEnabled() {
		t.Fatal("engine should be enabled")
	}

	ctx := context.Background()

	allowed, err := engine.Evaluate(ctx, &PolicyInput{
		RunID:       "run-1",
		AgentID:     "critic",
		Phase:       "challenge",
		Query:       "is the claim true?",
		Environment: "test",
		Timestamp:   time.Now(),
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !allowed.Allow {
		t.Errorf("expected allow, got deny: %s", allowed.Reason)
	}

	denied, err := engine.Evaluate(ctx, &PolicyInput{
		RunID:       "run-1",
		AgentID:     "suspended_agent",
		Phase:       "evidence",
		Query:       "is the claim true?",
		Environment: "test",
		Timestamp:   time.Now(),
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if denied.Allow {
		t.Errorf("expected deny for suspended agent, got allow")
	}
	if denied.Reason != "agent suspended" {
		t.Errorf("unexpected reason: %s", denied.Reason)
	}
	if denied.PolicyVersion == "" {
		t.Error("decision should carry the policy version")
	}
}

func TestDryRunNeverDenies(t *testing.T) {
	engine := newTestEngine(t, &Config{
		Enabled:     true,
		Mode:        ModeDryRun,
		Path:        writePolicy(t, denyAllPolicy),
		Environment: "test",
	})

	decision, err := engine.Evaluate(context.Background(), &PolicyInput{
		RunID:   "run-1",
		AgentID: "critic",
		Query:   "q",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !decision.Allow {
		t.Error("dry-run must allow")
	}
	if !strings.Contains(decision.Reason, "DRY-RUN") {
		t.Errorf("expected DRY-RUN reason, got: %s", decision.Reason)
	}
	if !strings.Contains(decision.Reason, "would have been denied") {
		t.Errorf("reason should record the suppressed denial, got: %s", decision.Reason)
	}
}

func TestRequireApprovalParsed(t *testing.T) {
	engine := newTestEngine(t, &Config{
		Enabled:     true,
		Mode:        ModeEnforce,
		Path:        writePolicy(t, approvalPolicy),
		Environment: "test",
	})

	decision, err := engine.Evaluate(context.Background(), &PolicyInput{
		RunID:    "run-1",
		AgentID:  "initial_answer",
		Phase:    "intake",
		Query:    "q",
		Critical: true,
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !decision.Allow {
		t.Errorf("expected allow, got deny: %s", decision.Reason)
	}
	if !decision.RequireApproval {
		t.Error("expected require_approval to be parsed")
	}

	plain, err := engine.Evaluate(context.Background(), &PolicyInput{
		RunID:   "run-1",
		AgentID: "critic",
		Query:   "q",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if plain.RequireApproval {
		t.Error("non-critical call must not require approval")
	}
}

func TestDisabledEngineAllowsEverything(t *testing.T) {
	engine := newTestEngine(t, &Config{Enabled: false, Mode: ModeOff})
	if engine.IsEnabled() {
		t.Fatal("engine should be disabled")
	}

	decision, err := engine.Evaluate(context.Background(), &PolicyInput{AgentID: "anything"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !decision.Allow {
		t.Error("disabled engine must fail open")
	}
}

func TestFailClosedRequiresPolicies(t *testing.T) {
	_, err := NewOPAEngine(&Config{
		Enabled:    true,
		Mode:       ModeEnforce,
		Path:       t.TempDir(), // no .rego files
		FailClosed: true,
	}, zaptest.NewLogger(t))
	if err == nil {
		t.Fatal("expected fail-closed engine with no policies to refuse construction")
	}
}

func TestMissingPoliciesFailOpen(t *testing.T) {
	engine := newTestEngine(t, &Config{
		Enabled: true,
		Mode:    ModeEnforce,
		Path:    t.TempDir(),
	})
	if engine.IsEnabled() {
		t.Error("engine with no policies should report disabled")
	}

	decision, err := engine.Evaluate(context.Background(), &PolicyInput{AgentID: "critic"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !decision.Allow {
		t.Error("fail-open engine must allow when no policies loaded")
	}
}

func TestKillSwitchForcesDryRun(t *testing.T) {
	engine := newTestEngine(t, &Config{
		Enabled:             true,
		Mode:                ModeEnforce,
		Path:                writePolicy(t, denyAllPolicy),
		EmergencyKillSwitch: true,
	})

	decision, err := engine.Evaluate(context.Background(), &PolicyInput{AgentID: "critic", Query: "q"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !decision.Allow {
		t.Error("kill switch must demote enforcement to dry-run")
	}
	if !strings.Contains(decision.Reason, "DRY-RUN") {
		t.Errorf("expected DRY-RUN reason, got: %s", decision.Reason)
	}
	if decision.AuditTags["effective_mode"] != string(ModeDryRun) {
		t.Errorf("audit tags should record the effective mode, got %q", decision.AuditTags["effective_mode"])
	}
}

func TestDecisionCache(t *testing.T) {
	engine := newTestEngine(t, &Config{
		Enabled: true,
		Mode:    ModeEnforce,
		Path:    writePolicy(t, suspendPolicy),
	})

	input := &PolicyInput{RunID: "run-1", AgentID: "critic", Phase: "challenge", Query: "q"}
	ctx := context.Background()

	first, err := engine.Evaluate(ctx, input)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	second, err := engine.Evaluate(ctx, input)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if first.Allow != second.Allow {
		t.Error("cached decision must match the original")
	}

	hits, misses := engine.CacheStats()
	if hits != 1 || misses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got hits=%d misses=%d", hits, misses)
	}
}

func TestGateReturnsDeniedError(t *testing.T) {
	enforce := newTestEngine(t, &Config{
		Enabled: true,
		Mode:    ModeEnforce,
		Path:    writePolicy(t, denyAllPolicy),
	})

	err := enforce.Gate(context.Background(), &PolicyInput{AgentID: "critic", Query: "q"})
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if denied.AgentID != "critic" {
		t.Errorf("denied error should name the agent, got %q", denied.AgentID)
	}

	dryRun := newTestEngine(t, &Config{
		Enabled: true,
		Mode:    ModeDryRun,
		Path:    writePolicy(t, denyAllPolicy),
	})
	if err := dryRun.Gate(context.Background(), &PolicyInput{AgentID: "critic", Query: "q"}); err != nil {
		t.Errorf("dry-run gate must pass, got %v", err)
	}
}

func TestNormalizeInvalidMode(t *testing.T) {
	cfg := &Config{Enabled: true, Mode: Mode("aggressive")}
	cfg.Normalize()
	if cfg.Mode != ModeOff {
		t.Errorf("invalid mode should normalize to off, got %s", cfg.Mode)
	}
	if cfg.Enabled {
		t.Error("off mode must disable the engine")
	}
}

package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func healthyChecker(name string) Checker {
	return NewCustomHealthChecker(name, false, time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy, Message: "ok"}
	})
}

func failingChecker(name string, critical bool) Checker {
	return NewCustomHealthChecker(name, critical, time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy, Error: "boom"}
	})
}

func TestRegisterAndUnregister(t *testing.T) {
	m := NewManager(zap.NewNop())

	if err := m.RegisterChecker(healthyChecker("alpha")); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := m.RegisterChecker(healthyChecker("alpha")); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if got := len(m.GetCheckers()); got != 1 {
		t.Fatalf("expected 1 checker, got %d", got)
	}

	if err := m.UnregisterChecker("alpha"); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}
	if err := m.UnregisterChecker("alpha"); err == nil {
		t.Fatal("expected unregister of missing checker to fail")
	}
}

func TestNoCheckersIsUnknown(t *testing.T) {
	m := NewManager(zap.NewNop())

	overall := m.GetOverallHealth(context.Background())
	if overall.Status != StatusUnknown {
		t.Fatalf("expected unknown, got %s", overall.Status)
	}
	if overall.Ready || overall.Live {
		t.Fatal("empty manager must not report ready or live")
	}
}

func TestAllHealthy(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.RegisterChecker(healthyChecker("alpha"))
	m.RegisterChecker(healthyChecker("beta"))

	detailed := m.GetDetailedHealth(context.Background())
	if detailed.Overall.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", detailed.Overall.Status)
	}
	if !detailed.Overall.Ready || !detailed.Overall.Live {
		t.Fatal("healthy service must be ready and live")
	}
	if detailed.Summary.Total != 2 || detailed.Summary.Healthy != 2 {
		t.Fatalf("unexpected summary: %+v", detailed.Summary)
	}
}

func TestCriticalFailureMakesUnready(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.RegisterChecker(healthyChecker("alpha"))
	m.RegisterChecker(failingChecker("db", true))

	detailed := m.GetDetailedHealth(context.Background())
	if detailed.Overall.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", detailed.Overall.Status)
	}
	if detailed.Overall.Ready {
		t.Fatal("critical failure must make service not ready")
	}
	if !detailed.Overall.Live {
		t.Fatal("critical failure must keep service live")
	}
}

func TestNonCriticalFailureDegrades(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.RegisterChecker(healthyChecker("alpha"))
	m.RegisterChecker(failingChecker("cache", false))

	detailed := m.GetDetailedHealth(context.Background())
	if detailed.Overall.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", detailed.Overall.Status)
	}
	if !detailed.Overall.Ready {
		t.Fatal("non-critical failure must keep service ready")
	}
}

func TestDegradedComponentDegrades(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.RegisterChecker(NewCustomHealthChecker("slow", false, time.Second,
		func(ctx context.Context) CheckResult {
			return CheckResult{Status: StatusDegraded, Message: "high latency"}
		}))

	overall := m.GetOverallHealth(context.Background())
	if overall.Status != StatusDegraded || !overall.Degraded {
		t.Fatalf("expected degraded rollup, got %+v", overall)
	}
	if !overall.Ready {
		t.Fatal("degraded service stays ready")
	}
}

func TestConfigDisablesChecker(t *testing.T) {
	cfg := &Configuration{
		Enabled:       true,
		CheckInterval: time.Minute,
		Checks: map[string]CheckConfig{
			"flaky": {Enabled: false},
		},
	}
	m := NewManagerWithConfig(cfg, zap.NewNop())
	m.RegisterChecker(healthyChecker("alpha"))
	m.RegisterChecker(failingChecker("flaky", true))

	detailed := m.GetDetailedHealth(context.Background())
	if _, ok := detailed.Components["flaky"]; ok {
		t.Fatal("disabled checker must not run")
	}
	if detailed.Overall.Status != StatusHealthy {
		t.Fatalf("expected healthy with disabled checker, got %s", detailed.Overall.Status)
	}
}

func TestConfigOverridesCriticality(t *testing.T) {
	cfg := &Configuration{
		Enabled:       true,
		CheckInterval: time.Minute,
		Checks: map[string]CheckConfig{
			"cache": {Enabled: true, Critical: true},
		},
	}
	m := NewManagerWithConfig(cfg, zap.NewNop())
	m.RegisterChecker(failingChecker("cache", false))

	detailed := m.GetDetailedHealth(context.Background())
	if detailed.Overall.Status != StatusUnhealthy {
		t.Fatalf("promoted-critical failure should be unhealthy, got %s", detailed.Overall.Status)
	}
	if !detailed.Components["cache"].Critical {
		t.Fatal("result should carry the configured criticality")
	}
}

func TestUpdateConfiguration(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.RegisterChecker(failingChecker("cache", false))

	if err := m.UpdateConfiguration(nil); err == nil {
		t.Fatal("nil configuration must be rejected")
	}

	err := m.UpdateConfiguration(&Configuration{
		Enabled:       true,
		CheckInterval: time.Minute,
		Checks: map[string]CheckConfig{
			"cache": {Enabled: true, Critical: true},
		},
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	detailed := m.GetDetailedHealth(context.Background())
	if detailed.Overall.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy after promotion, got %s", detailed.Overall.Status)
	}
}

func TestCheckTimeoutIsEnforced(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.RegisterChecker(NewCustomHealthChecker("hang", true, 30*time.Millisecond,
		func(ctx context.Context) CheckResult {
			<-ctx.Done()
			return CheckResult{Status: StatusUnhealthy, Error: ctx.Err().Error()}
		}))

	start := time.Now()
	detailed := m.GetDetailedHealth(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("check did not respect its timeout: %v", elapsed)
	}
	if detailed.Components["hang"].Status != StatusUnhealthy {
		t.Fatal("timed-out check should report unhealthy")
	}
}

func TestBackgroundChecksRun(t *testing.T) {
	var calls int32
	cfg := &Configuration{
		Enabled:       true,
		CheckInterval: 20 * time.Millisecond,
	}
	m := NewManagerWithConfig(cfg, zap.NewNop())
	m.RegisterChecker(NewCustomHealthChecker("counter", false, time.Second,
		func(ctx context.Context) CheckResult {
			atomic.AddInt32(&calls, 1)
			return CheckResult{Status: StatusHealthy}
		}))

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer m.Stop()

	deadline := time.After(3 * time.Second)
	for atomic.LoadInt32(&calls) < 2 {
		select {
		case <-deadline:
			t.Fatalf("background checks did not run, calls=%d", atomic.LoadInt32(&calls))
		case <-time.After(10 * time.Millisecond):
		}
	}

	if len(m.GetLastResults()) == 0 {
		t.Fatal("background runs should populate last results")
	}
}

func TestStartDisabledDoesNothing(t *testing.T) {
	var calls int32
	cfg := &Configuration{
		Enabled:       false,
		CheckInterval: 10 * time.Millisecond,
	}
	m := NewManagerWithConfig(cfg, zap.NewNop())
	m.RegisterChecker(NewCustomHealthChecker("counter", false, time.Second,
		func(ctx context.Context) CheckResult {
			atomic.AddInt32(&calls, 1)
			return CheckResult{Status: StatusHealthy}
		}))

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("disabled manager must not run background checks")
	}
}

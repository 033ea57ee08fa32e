package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// checkerState is the runtime state of one registered checker.
type checkerState struct {
	checker   Checker
	enabled   bool
	interval  time.Duration
	timeout   time.Duration
	critical  bool
	lastCheck time.Time
}

// Configuration controls the manager and per-check overrides.
type Configuration struct {
	Enabled       bool
	CheckInterval time.Duration
	GlobalTimeout time.Duration
	Checks        map[string]CheckConfig
}

// CheckConfig overrides one checker's defaults.
type CheckConfig struct {
	Enabled  bool
	Critical bool
	Timeout  time.Duration
	Interval time.Duration
}

// Manager runs registered checkers on demand and in the background.
type Manager struct {
	checkers      map[string]*checkerState
	lastResults   map[string]CheckResult
	config        *Configuration
	started       bool
	checkInterval time.Duration
	stopCh        chan struct{}
	logger        *zap.Logger
	mu            sync.RWMutex
}

// NewManager creates a manager with 30s background checks.
func NewManager(logger *zap.Logger) *Manager {
	return NewManagerWithConfig(nil, logger)
}

// NewManagerWithConfig creates a manager with the given configuration.
func NewManagerWithConfig(config *Configuration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = &Configuration{
			Enabled:       true,
			CheckInterval: 30 * time.Second,
			GlobalTimeout: 5 * time.Second,
		}
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = 30 * time.Second
	}
	if config.Checks == nil {
		config.Checks = make(map[string]CheckConfig)
	}

	return &Manager{
		checkers:      make(map[string]*checkerState),
		lastResults:   make(map[string]CheckResult),
		config:        config,
		checkInterval: config.CheckInterval,
		stopCh:        make(chan struct{}),
		logger:        logger,
	}
}

// RegisterChecker registers a health check under its name.
func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}

	state := &checkerState{
		checker:  checker,
		enabled:  true,
		interval: m.config.CheckInterval,
		timeout:  checker.Timeout(),
		critical: checker.IsCritical(),
	}
	if cc, ok := m.config.Checks[name]; ok {
		applyCheckConfig(state, cc)
	}

	m.checkers[name] = state
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("enabled", state.enabled),
		zap.Bool("critical", state.critical),
		zap.Duration("timeout", state.timeout),
		zap.Duration("interval", state.interval),
	)
	return nil
}

// UnregisterChecker removes a health check.
func (m *Manager) UnregisterChecker(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.checkers[name]; !exists {
		return fmt.Errorf("checker %s not found", name)
	}
	delete(m.checkers, name)
	delete(m.lastResults, name)

	m.logger.Info("Health checker unregistered", zap.String("checker", name))
	return nil
}

// GetCheckers returns all registered checkers.
func (m *Manager) GetCheckers() map[string]Checker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]Checker, len(m.checkers))
	for name, state := range m.checkers {
		result[name] = state.checker
	}
	return result
}

func applyCheckConfig(state *checkerState, cc CheckConfig) {
	state.enabled = cc.Enabled
	if cc.Interval > 0 {
		state.interval = cc.Interval
	}
	if cc.Timeout > 0 {
		state.timeout = cc.Timeout
	}
	state.critical = cc.Critical
}

// checkPlan is an immutable snapshot of one checker taken under the
// lock, so the checks themselves run lock-free.
type checkPlan struct {
	name     string
	checker  Checker
	timeout  time.Duration
	critical bool
}

func (m *Manager) plans() []checkPlan {
	m.mu.RLock()
	defer m.mu.RUnlock()

	plans := make([]checkPlan, 0, len(m.checkers))
	for name, state := range m.checkers {
		if !state.enabled {
			continue
		}
		plans = append(plans, checkPlan{
			name:     name,
			checker:  state.checker,
			timeout:  state.timeout,
			critical: state.critical,
		})
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].name < plans[j].name })
	return plans
}

func (m *Manager) runCheck(ctx context.Context, plan checkPlan) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, plan.timeout)
	defer cancel()

	startTime := time.Now()
	result := plan.checker.Check(checkCtx)

	result.Component = plan.name
	result.Critical = plan.critical
	result.Duration = time.Since(startTime)
	result.Timestamp = startTime
	return result
}

func (m *Manager) record(results map[string]CheckResult, ranAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, result := range results {
		m.lastResults[name] = result
		if state, ok := m.checkers[name]; ok {
			state.lastCheck = ranAt
		}
	}
}

// GetDetailedHealth runs every enabled checker and returns per-component
// results with the rollup.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	timestamp := time.Now()
	components := make(map[string]CheckResult)
	for _, plan := range m.plans() {
		components[plan.name] = m.runCheck(ctx, plan)
	}
	m.record(components, timestamp)

	overall, summary := Summarize(components)
	return DetailedHealth{
		Overall:    overall,
		Components: components,
		Summary:    summary,
		Timestamp:  timestamp,
	}
}

// GetOverallHealth returns the rolled-up status.
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	startTime := time.Now()
	detailed := m.GetDetailedHealth(ctx)

	overall := detailed.Overall
	overall.Timestamp = detailed.Timestamp
	overall.Duration = time.Since(startTime)
	return overall
}

// Summarize rolls component results up into an overall status. A failing
// critical component makes the service unhealthy and not ready; degraded
// or failing non-critical components degrade it but keep it ready.
func Summarize(components map[string]CheckResult) (OverallHealth, Summary) {
	summary := Summary{Total: len(components)}
	criticalFailures := 0
	nonCriticalFailures := 0

	for _, result := range components {
		switch result.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
			if result.Critical {
				criticalFailures++
			} else {
				nonCriticalFailures++
			}
		}
		if result.Critical {
			summary.Critical++
		} else {
			summary.NonCritical++
		}
	}

	if summary.Total == 0 {
		return OverallHealth{
			Status:  StatusUnknown,
			Message: "No health checks registered",
			Ready:   false,
			Live:    false,
		}, summary
	}

	var overall OverallHealth
	switch {
	case criticalFailures > 0:
		overall = OverallHealth{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("%d critical component(s) failing", criticalFailures),
			Ready:   false,
			Live:    true,
		}
	case summary.Degraded > 0:
		overall = OverallHealth{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d component(s) degraded", summary.Degraded),
			Ready:   true,
			Live:    true,
		}
	case nonCriticalFailures > 0:
		overall = OverallHealth{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d non-critical component(s) failing", nonCriticalFailures),
			Ready:   true,
			Live:    true,
		}
	default:
		overall = OverallHealth{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("All %d components healthy", summary.Total),
			Ready:   true,
			Live:    true,
		}
	}
	overall.Degraded = overall.Status == StatusDegraded
	return overall, summary
}

// IsReady reports whether the service should receive traffic.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// IsLive reports whether the service process is functional.
func (m *Manager) IsLive(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Live
}

// GetLastResults returns the most recent results without running checks.
func (m *Manager) GetLastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make(map[string]CheckResult, len(m.lastResults))
	for name, result := range m.lastResults {
		results[name] = result
	}
	return results
}

// Start begins background checking.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started || !m.config.Enabled {
		return nil
	}
	m.started = true
	m.stopCh = make(chan struct{})
	go m.backgroundChecker(m.checkInterval, m.stopCh)

	m.logger.Info("Health manager started",
		zap.Duration("check_interval", m.checkInterval),
		zap.Int("registered_checkers", len(m.checkers)),
	)
	return nil
}

// Stop stops background checking.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}
	close(m.stopCh)
	m.started = false

	m.logger.Info("Health manager stopped")
	return nil
}

func (m *Manager) backgroundChecker(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.runBackgroundChecks()
		}
	}
}

// runBackgroundChecks runs the checkers whose per-check interval has
// elapsed since their last run.
func (m *Manager) runBackgroundChecks() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()
	var due []checkPlan
	m.mu.RLock()
	for name, state := range m.checkers {
		if !state.enabled {
			continue
		}
		if now.Sub(state.lastCheck) >= state.interval {
			due = append(due, checkPlan{
				name:     name,
				checker:  state.checker,
				timeout:  state.timeout,
				critical: state.critical,
			})
		}
	}
	m.mu.RUnlock()

	if len(due) == 0 {
		return
	}

	results := make(map[string]CheckResult, len(due))
	for _, plan := range due {
		results[plan.name] = m.runCheck(ctx, plan)
	}
	m.record(results, now)

	m.logger.Debug("Background health checks completed",
		zap.Int("checks_run", len(results)),
	)
}

// UpdateConfiguration applies a new configuration to the manager and
// every already-registered checker it names.
func (m *Manager) UpdateConfiguration(config *Configuration) error {
	if config == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = 30 * time.Second
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = config
	m.checkInterval = config.CheckInterval

	for name, state := range m.checkers {
		if cc, ok := config.Checks[name]; ok {
			applyCheckConfig(state, cc)
			m.logger.Info("Updated health checker configuration",
				zap.String("checker", name),
				zap.Bool("enabled", state.enabled),
				zap.Bool("critical", state.critical),
			)
		}
	}

	m.logger.Info("Health manager configuration updated",
		zap.Bool("enabled", config.Enabled),
		zap.Duration("check_interval", config.CheckInterval),
		zap.Int("check_configs", len(config.Checks)),
	)
	return nil
}

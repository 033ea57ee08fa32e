package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lanish19/ravint22-sub000/internal/circuitbreaker"
	"github.com/lanish19/ravint22-sub000/internal/db"
	"github.com/lanish19/ravint22-sub000/internal/tracing"
)

// RedisHealthChecker checks snapshot-store connectivity. Non-critical:
// checkpoint writes are best-effort and runs proceed without them.
type RedisHealthChecker struct {
	client  *redis.Client
	logger  *zap.Logger
	timeout time.Duration
}

func NewRedisHealthChecker(client *redis.Client, logger *zap.Logger) *RedisHealthChecker {
	return &RedisHealthChecker{
		client:  client,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return false }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{
		Component: "redis",
		Timestamp: startTime,
	}

	err := r.client.Ping(ctx).Err()
	result.Duration = time.Since(startTime)

	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Redis ping failed"
		result.Details = map[string]interface{}{
			"latency_ms": result.Duration.Milliseconds(),
		}
		return result
	}

	if result.Duration > 100*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "Redis responding but with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "Redis healthy"
	}
	result.Details = map[string]interface{}{
		"latency_ms": result.Duration.Milliseconds(),
	}
	return result
}

// DatabaseHealthChecker checks the persistence store: connectivity, pool
// headroom, and write-queue saturation.
type DatabaseHealthChecker struct {
	store   *db.Store
	logger  *zap.Logger
	timeout time.Duration
}

func NewDatabaseHealthChecker(store *db.Store, logger *zap.Logger) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{
		store:   store,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return true }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{
		Component: "database",
		Critical:  true,
		Timestamp: startTime,
	}

	err := d.store.Ping(ctx)
	result.Duration = time.Since(startTime)

	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Database ping failed"
		result.Details = map[string]interface{}{
			"latency_ms": result.Duration.Milliseconds(),
		}
		return result
	}

	stats := d.store.DB().Stats()
	depth := d.store.QueueDepth()
	capacity := d.store.QueueCapacity()

	switch {
	case stats.MaxOpenConnections > 0 && stats.OpenConnections >= stats.MaxOpenConnections:
		result.Status = StatusDegraded
		result.Message = "Database connection pool exhausted"
	case capacity > 0 && depth >= capacity:
		result.Status = StatusDegraded
		result.Message = "Write queue saturated, writes running synchronously"
	case result.Duration > 100*time.Millisecond:
		result.Status = StatusDegraded
		result.Message = "Database responding but with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = "Database healthy"
	}

	result.Details = map[string]interface{}{
		"latency_ms":           result.Duration.Milliseconds(),
		"open_connections":     stats.OpenConnections,
		"max_open_connections": stats.MaxOpenConnections,
		"idle_connections":     stats.Idle,
		"in_use_connections":   stats.InUse,
		"queue_depth":          depth,
		"queue_capacity":       capacity,
	}
	return result
}

// ReasonerHealthChecker checks the reasoning service every agent call
// goes through.
type ReasonerHealthChecker struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
	timeout time.Duration
}

func NewReasonerHealthChecker(baseURL string, logger *zap.Logger) *ReasonerHealthChecker {
	return &ReasonerHealthChecker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (c *ReasonerHealthChecker) Name() string           { return "reasoner" }
func (c *ReasonerHealthChecker) IsCritical() bool       { return true }
func (c *ReasonerHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *ReasonerHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{
		Component: "reasoner",
		Critical:  true,
		Timestamp: startTime,
	}

	probeURL := c.baseURL + "/health"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodGet, probeURL)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Failed to build health request"
		result.Duration = time.Since(startTime)
		return result
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.client.Do(req)
	result.Duration = time.Since(startTime)

	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Reasoning service unreachable"
		result.Details = map[string]interface{}{
			"base_url":   c.baseURL,
			"latency_ms": result.Duration.Milliseconds(),
		}
		return result
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result.Status = StatusHealthy
		result.Message = "Reasoning service healthy"
	case resp.StatusCode >= 500:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Reasoning service returning %d", resp.StatusCode)
	default:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Reasoning service returning %d", resp.StatusCode)
	}

	result.Details = map[string]interface{}{
		"base_url":    c.baseURL,
		"status_code": resp.StatusCode,
		"latency_ms":  result.Duration.Milliseconds(),
	}
	return result
}

// BreakerHealthChecker surfaces open circuits from a shared circuit
// table. Open circuits degrade rather than fail the service: the
// breakers opening is the protection working.
type BreakerHealthChecker struct {
	table   *circuitbreaker.Table
	timeout time.Duration
}

func NewBreakerHealthChecker(table *circuitbreaker.Table) *BreakerHealthChecker {
	return &BreakerHealthChecker{
		table:   table,
		timeout: time.Second,
	}
}

func (b *BreakerHealthChecker) Name() string           { return "breakers" }
func (b *BreakerHealthChecker) IsCritical() bool       { return false }
func (b *BreakerHealthChecker) Timeout() time.Duration { return b.timeout }

func (b *BreakerHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{
		Component: "breakers",
		Timestamp: startTime,
	}

	states := b.table.States()
	var open, halfOpen []string
	for name, state := range states {
		switch state {
		case circuitbreaker.StateOpen:
			open = append(open, name)
		case circuitbreaker.StateHalfOpen:
			halfOpen = append(halfOpen, name)
		}
	}
	sort.Strings(open)
	sort.Strings(halfOpen)

	result.Duration = time.Since(startTime)
	if len(open) > 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d circuit(s) open", len(open))
	} else {
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("All %d circuits closed", len(states))
	}
	result.Details = map[string]interface{}{
		"total":     len(states),
		"open":      open,
		"half_open": halfOpen,
	}
	return result
}

// CustomHealthChecker wraps a check function.
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{
		name:     name,
		critical: critical,
		timeout:  timeout,
		checkFn:  checkFn,
	}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}

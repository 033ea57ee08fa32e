package ratecontrol

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AgentRate overrides the default limit for one agent.
type AgentRate struct {
	RPS   float64
	Burst int
}

// Config tunes outbound call pacing toward the reasoning service.
type Config struct {
	Enabled  bool
	RPS      float64
	Burst    int
	PerAgent map[string]AgentRate
}

// Limiter hands out one token bucket per agent name. The circuit breaker
// protects us from a failing collaborator; this protects a healthy
// collaborator from us.
type Limiter struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLimiter builds a Limiter. Zero or negative defaults are replaced with
// 10 rps and a burst matching the rate.
func NewLimiter(cfg Config, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(math.Ceil(cfg.RPS))
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	return &Limiter{
		cfg:      cfg,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) limiterFor(agent string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[agent]; ok {
		return lim
	}
	rps, burst := l.cfg.RPS, l.cfg.Burst
	if override, ok := l.cfg.PerAgent[agent]; ok {
		if override.RPS > 0 {
			rps = override.RPS
		}
		if override.Burst > 0 {
			burst = override.Burst
		}
	}
	lim := rate.NewLimiter(rate.Limit(rps), burst)
	l.limiters[agent] = lim
	return lim
}

// Wait blocks until the agent may be called or ctx ends.
func (l *Limiter) Wait(ctx context.Context, agent string) error {
	if !l.cfg.Enabled {
		return nil
	}
	start := time.Now()
	if err := l.limiterFor(agent).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", agent, err)
	}
	if waited := time.Since(start); waited > 50*time.Millisecond {
		l.logger.Debug("agent call throttled",
			zap.String("agent", agent),
			zap.Duration("waited", waited),
		)
	}
	return nil
}

// Allow reports whether a call may proceed right now, spending the slot
// when it may.
func (l *Limiter) Allow(agent string) bool {
	if !l.cfg.Enabled {
		return true
	}
	return l.limiterFor(agent).Allow()
}

// Gate adapts the limiter to the recovery coordinator's PreCall hook.
func (l *Limiter) Gate() func(ctx context.Context, agent, phase string) error {
	return func(ctx context.Context, agent, _ string) error {
		return l.Wait(ctx, agent)
	}
}

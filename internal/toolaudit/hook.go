package toolaudit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lanish19/ravint22-sub000/internal/agents"
	"github.com/lanish19/ravint22-sub000/internal/db"
	"github.com/lanish19/ravint22-sub000/internal/metrics"
	"github.com/lanish19/ravint22-sub000/internal/policy"
)

// Chain composes hooks into one agents.ToolHook. Before runs hooks in
// order, threading the (possibly modified) input forward; the first
// denial wins and later hooks do not run. After runs every hook.
type Chain []agents.ToolHook

var _ agents.ToolHook = Chain(nil)

func (c Chain) Before(ctx context.Context, agentName, toolName string, input map[string]interface{}) (bool, map[string]interface{}, interface{}) {
	var cached interface{}
	for _, hook := range c {
		proceed, modified, hookCached := hook.Before(ctx, agentName, toolName, input)
		if !proceed {
			return false, nil, nil
		}
		if modified != nil {
			input = modified
		}
		if cached == nil && hookCached != nil {
			cached = hookCached
		}
	}
	return true, input, cached
}

func (c Chain) After(ctx context.Context, agentName, toolName string, input map[string]interface{}, output interface{}, errMsg string, duration time.Duration) {
	for _, hook := range c {
		hook.After(ctx, agentName, toolName, input, output, errMsg, duration)
	}
}

// PolicyGate is the slice of the policy engine the guard needs.
type PolicyGate interface {
	Gate(ctx context.Context, input *policy.PolicyInput) error
}

// PolicyGuard gates tool availability through the policy engine. Denied
// tools are removed from the agent's allowed set before the request is
// built; each denial is logged and, when a store is attached, written to
// the audit trail with the deny reason.
type PolicyGuard struct {
	gate   PolicyGate
	store  *db.Store
	logger *zap.Logger
}

var _ agents.ToolHook = (*PolicyGuard)(nil)

// NewPolicyGuard builds the guard. A nil store records denials in logs
// and metrics only.
func NewPolicyGuard(gate PolicyGate, store *db.Store, logger *zap.Logger) *PolicyGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PolicyGuard{gate: gate, store: store, logger: logger}
}

func (g *PolicyGuard) Before(ctx context.Context, agentName, toolName string, input map[string]interface{}) (bool, map[string]interface{}, interface{}) {
	if g.gate == nil {
		return true, nil, nil
	}

	runID := agents.RunIDFromContext(ctx)
	err := g.gate.Gate(ctx, &policy.PolicyInput{
		RunID:     runID,
		AgentID:   agentName,
		Tool:      toolName,
		Timestamp: time.Now(),
	})
	if err == nil {
		return true, nil, nil
	}

	reason := err.Error()
	var denied *policy.DeniedError
	if errors.As(err, &denied) {
		reason = denied.Reason
	}

	g.logger.Warn("Tool denied by policy",
		zap.String("run_id", runID),
		zap.String("agent", agentName),
		zap.String("tool", toolName),
		zap.String("reason", reason),
	)
	metrics.ToolsDenied.WithLabelValues(agentName, toolName).Inc()

	if g.store != nil {
		g.store.QueueToolAudit(&db.ToolAuditRecord{
			RunID:   runID,
			Agent:   agentName,
			Tool:    toolName,
			Allowed: false,
			Reason:  reason,
		})
	}
	return false, nil, nil
}

func (g *PolicyGuard) After(ctx context.Context, agentName, toolName string, input map[string]interface{}, output interface{}, errMsg string, duration time.Duration) {
}

// Recorder writes one audit entry per tool execution the reasoning
// service reports back: a structured log line, a counter, and, when a
// store is attached, a durable row.
type Recorder struct {
	store  *db.Store
	logger *zap.Logger
}

var _ agents.ToolHook = (*Recorder)(nil)

// NewRecorder builds the recorder. A nil store records to logs and
// metrics only.
func NewRecorder(store *db.Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, logger: logger}
}

func (r *Recorder) Before(ctx context.Context, agentName, toolName string, input map[string]interface{}) (bool, map[string]interface{}, interface{}) {
	return true, nil, nil
}

func (r *Recorder) After(ctx context.Context, agentName, toolName string, input map[string]interface{}, output interface{}, errMsg string, duration time.Duration) {
	runID := agents.RunIDFromContext(ctx)
	outcome := "ok"
	if errMsg != "" {
		outcome = "error"
	}

	fields := []zap.Field{
		zap.String("run_id", runID),
		zap.String("agent", agentName),
		zap.String("tool", toolName),
		zap.Duration("duration", duration),
	}
	if errMsg != "" {
		fields = append(fields, zap.String("error", errMsg))
		r.logger.Warn("Tool execution failed", fields...)
	} else {
		r.logger.Debug("Tool executed", fields...)
	}
	metrics.ToolInvocations.WithLabelValues(agentName, toolName, outcome).Inc()

	if r.store != nil {
		r.store.QueueToolAudit(&db.ToolAuditRecord{
			RunID:        runID,
			Agent:        agentName,
			Tool:         toolName,
			Allowed:      true,
			Input:        db.JSONB(input),
			DurationMs:   duration.Milliseconds(),
			ErrorMessage: errMsg,
		})
	}
}

// Default builds the standard chain: policy guard first, recorder last.
func Default(gate PolicyGate, store *db.Store, logger *zap.Logger) Chain {
	return Chain{
		NewPolicyGuard(gate, store, logger),
		NewRecorder(store, logger),
	}
}

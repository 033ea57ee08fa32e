package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lanish19/ravint22-sub000/internal/metrics"
	"github.com/lanish19/ravint22-sub000/internal/tracing"
)

// ToolHook is the tool-invocation audit boundary. Before runs ahead of the
// request for every tool the agent may use: proceed=false removes the tool
// from the allowed set, a modified input constrains its parameters, and a
// cached result is shipped with the request so the service can skip the
// invocation. After runs once per tool execution the service reports back.
type ToolHook interface {
	Before(ctx context.Context, agentName, toolName string, input map[string]interface{}) (proceed bool, modifiedInput map[string]interface{}, cachedResult interface{})
	After(ctx context.Context, agentName, toolName string, input map[string]interface{}, output interface{}, err string, duration time.Duration)
}

type runIDKey struct{}

// WithRunID stamps the run identifier onto a context so hooks and audit
// sinks can correlate tool activity with the run that caused it.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run identifier stamped by WithRunID, or "".
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// ToolExecution is one tool call the reasoning service performed on the
// agent's behalf.
type ToolExecution struct {
	Tool       string                 `json:"tool"`
	Input      map[string]interface{} `json:"input,omitempty"`
	Output     interface{}            `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
}

// ClientConfig configures the reasoning-service client.
type ClientConfig struct {
	BaseURL      string
	Timeout      time.Duration
	AllowedTools map[string][]string // agent name -> tools it may use
}

// Client calls the external reasoning service. One agent invocation is one
// POST to /v1/agents/{name}; the service owns prompts, models, and the
// iterative loops some agents run internally.
type Client struct {
	baseURL      string
	httpc        *http.Client
	logger       *zap.Logger
	hook         ToolHook
	allowedTools map[string][]string
}

// NewClient builds a Client. A nil hook disables tool auditing.
func NewClient(cfg ClientConfig, hook ToolHook, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		httpc:        &http.Client{Timeout: timeout},
		logger:       logger,
		hook:         hook,
		allowedTools: cfg.AllowedTools,
	}
}

type agentRequest struct {
	AgentID      string                 `json:"agent_id"`
	Input        interface{}            `json:"input"`
	AllowedTools []string               `json:"allowed_tools,omitempty"`
	Prefetched   map[string]interface{} `json:"prefetched_results,omitempty"`
}

type agentResponse struct {
	Output         json.RawMessage `json:"output"`
	ToolExecutions []ToolExecution `json:"tool_executions,omitempty"`
	TokensUsed     int             `json:"tokens_used,omitempty"`
	ModelUsed      string          `json:"model_used,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// invoke posts one agent request and decodes the typed output. A payload
// that parses but fails its Validate method is returned as a
// ValidationError so the recovery layer retries it like any failure.
func invoke[I any, O any](ctx context.Context, c *Client, name string, in I) (O, error) {
	var out O

	allowed, prefetched := c.gateTools(ctx, name)
	body, err := json.Marshal(agentRequest{
		AgentID:      name,
		Input:        in,
		AllowedTools: allowed,
		Prefetched:   prefetched,
	})
	if err != nil {
		return out, fmt.Errorf("marshal %s request: %w", name, err)
	}

	ctx, span := tracing.StartAgentSpan(ctx, name)
	defer span.End()

	url := fmt.Sprintf("%s/v1/agents/%s", c.baseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("build %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return out, fmt.Errorf("call %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return out, fmt.Errorf("call %s: status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var env agentResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return out, fmt.Errorf("decode %s response: %w", name, err)
	}
	if env.Error != "" {
		return out, fmt.Errorf("agent %s reported failure: %s", name, env.Error)
	}

	c.auditTools(ctx, name, env.ToolExecutions)
	metrics.RecordAgentTokens(env.TokensUsed)

	if err := json.Unmarshal(env.Output, &out); err != nil {
		return out, NewValidationError(name, fmt.Errorf("output does not match schema: %w", err))
	}
	if v, ok := any(out).(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return out, NewValidationError(name, err)
		}
	}

	c.logger.Debug("Agent call completed",
		zap.String("agent", name),
		zap.Int("tokens_used", env.TokensUsed),
		zap.String("model", env.ModelUsed),
		zap.Duration("duration", time.Since(start)),
	)
	return out, nil
}

// gateTools runs the Before hook over the agent's allowed tool set.
func (c *Client) gateTools(ctx context.Context, agent string) ([]string, map[string]interface{}) {
	tools := c.allowedTools[agent]
	if len(tools) == 0 {
		return nil, nil
	}
	if c.hook == nil {
		return tools, nil
	}

	allowed := make([]string, 0, len(tools))
	var prefetched map[string]interface{}
	for _, tool := range tools {
		proceed, _, cached := c.hook.Before(ctx, agent, tool, nil)
		if !proceed {
			c.logger.Debug("Tool excluded by audit hook", zap.String("agent", agent), zap.String("tool", tool))
			continue
		}
		allowed = append(allowed, tool)
		if cached != nil {
			if prefetched == nil {
				prefetched = make(map[string]interface{})
			}
			prefetched[tool] = cached
		}
	}
	return allowed, prefetched
}

// auditTools runs the After hook over reported executions.
func (c *Client) auditTools(ctx context.Context, agent string, execs []ToolExecution) {
	if c.hook == nil {
		return
	}
	for _, te := range execs {
		c.hook.After(ctx, agent, te.Tool, te.Input, te.Output, te.Error, time.Duration(te.DurationMs)*time.Millisecond)
	}
}

package policy

import (
	"container/list"
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// decisionQuery is the rego document every policy bundle must define.
const decisionQuery = "data.ravint.agents.decision"

// DeniedError marks an agent call rejected by an enforced policy decision.
type DeniedError struct {
	AgentID string
	Reason  string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("policy denied agent %s: %s", e.AgentID, e.Reason)
}

// Engine defines the policy evaluation interface
type Engine interface {
	Evaluate(ctx context.Context, input *PolicyInput) (*Decision, error)
	LoadPolicies() error
	IsEnabled() bool
	// Environment returns the configured environment (e.g., dev|staging|prod)
	Environment() string
	// Mode returns the current enforcement mode (off|dry-run|enforce)
	Mode() Mode
}

// PolicyInput is the evaluation context for one agent call or one run.
// Run-level evaluations use AgentID "orchestrator" with an empty Phase.
type PolicyInput struct {
	RunID   string `json:"run_id"`
	AgentID string `json:"agent_id"`
	Phase   string `json:"phase,omitempty"`
	// Tool is set for tool-invocation gating, empty for agent-call gating.
	Tool string `json:"tool,omitempty"`

	// Request details
	Query    string `json:"query"`
	Attempt  int    `json:"attempt,omitempty"`
	Critical bool   `json:"critical,omitempty"`

	// Security context
	Environment string `json:"environment"`

	Timestamp time.Time `json:"timestamp"`
}

// Decision represents the policy evaluation result
type Decision struct {
	// Core decision
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`

	// RequireApproval escalates the run to the human review gate even when
	// the confidence-based gate would pass it
	RequireApproval bool                   `json:"require_approval,omitempty"`
	Obligations     map[string]interface{} `json:"obligations,omitempty"`

	// Audit
	PolicyVersion string            `json:"policy_version,omitempty"`
	AuditTags     map[string]string `json:"audit_tags,omitempty"`
}

// OPAEngine implements the Engine interface using OPA rego
type OPAEngine struct {
	config   *Config
	logger   *zap.Logger
	compiled *rego.PreparedEvalQuery
	enabled  bool
	version  string
	// simple in-memory LRU cache for decisions
	cache *decisionCache
}

// NewOPAEngine creates a new OPA-based policy engine
func NewOPAEngine(config *Config, logger *zap.Logger) (*OPAEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.Normalize()

	engine := &OPAEngine{
		config:  config,
		logger:  logger,
		enabled: config.Enabled && config.Mode != ModeOff,
		cache:   newDecisionCache(config.CacheSize, config.CacheTTL),
	}

	if engine.enabled {
		if err := engine.LoadPolicies(); err != nil {
			if config.FailClosed {
				return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
			engine.enabled = false
		}
	}

	return engine, nil
}

// LoadPolicies loads and compiles all policy files from the configured directory
func (e *OPAEngine) LoadPolicies() error {
	if !e.config.Enabled {
		return nil
	}

	policies := make(map[string]string)

	err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".rego") {
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", path, err)
			}
			relPath, _ := filepath.Rel(e.config.Path, path)
			moduleName := strings.TrimSuffix(relPath, ".rego")
			policies[moduleName] = string(content)

			e.logger.Debug("Loaded policy file",
				zap.String("path", path),
				zap.String("module", moduleName),
			)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk policy directory: %w", err)
	}

	if len(policies) == 0 {
		e.logger.Warn("No policy files found", zap.String("path", e.config.Path))
		if e.config.FailClosed {
			return fmt.Errorf("no policies found in fail-closed mode")
		}
		return nil
	}

	regoOptions := []func(*rego.Rego){
		rego.Query(decisionQuery),
	}
	for moduleName, content := range policies {
		regoOptions = append(regoOptions, rego.Module(moduleName, content))
	}

	compiled, err := rego.New(regoOptions...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	e.compiled = &compiled
	e.version = policyVersion(policies)

	e.logger.Info("Policies loaded and compiled",
		zap.Int("policy_count", len(policies)),
		zap.String("decision_query", decisionQuery),
		zap.String("version", e.version),
	)
	recordPolicyLoad(len(policies), e.version)

	return nil
}

// Evaluate evaluates the policy against the given input
func (e *OPAEngine) Evaluate(ctx context.Context, input *PolicyInput) (*Decision, error) {
	startTime := time.Now()
	mode := e.effectiveMode()

	// Default decision based on configuration
	defaultDecision := &Decision{
		Allow:  !e.config.FailClosed, // fail-open allows, fail-closed denies
		Reason: "policy engine disabled or no policies loaded",
		AuditTags: map[string]string{
			"policy_enabled": fmt.Sprintf("%t", e.enabled),
			"mode":           string(mode),
		},
	}

	if !e.enabled || e.compiled == nil {
		return defaultDecision, nil
	}

	if d, ok := e.cache.Get(input, mode); ok {
		recordCacheHit(string(mode))
		return d, nil
	}
	recordCacheMiss(string(mode))

	inputMap, err := e.inputToMap(input)
	if err != nil {
		e.logger.Error("Failed to convert policy input", zap.Error(err))
		recordError("input_conversion", string(mode))
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "input conversion failed"}, err
		}
		return defaultDecision, nil
	}

	results, err := e.compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		recordError("policy_evaluation", string(mode))
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "policy evaluation error"}, err
		}
		return defaultDecision, nil
	}

	decision := e.parseResults(results, input)
	decision = e.applyMode(decision, mode, input)
	decision.PolicyVersion = e.version

	recordEvaluation(decision.Allow, string(mode), time.Since(startTime).Seconds())
	if decision.RequireApproval {
		recordEscalation(string(mode))
	}

	e.logger.Debug("Policy evaluated",
		zap.Bool("allow", decision.Allow),
		zap.Bool("require_approval", decision.RequireApproval),
		zap.String("reason", decision.Reason),
		zap.String("run_id", input.RunID),
		zap.String("agent_id", input.AgentID),
		zap.String("effective_mode", string(mode)),
	)

	e.cache.Set(input, mode, decision)
	return decision, nil
}

// Gate adapts Evaluate for call gating: a denied enforce-mode decision
// returns a DeniedError, everything else passes.
func (e *OPAEngine) Gate(ctx context.Context, input *PolicyInput) error {
	decision, err := e.Evaluate(ctx, input)
	if err != nil && e.config.FailClosed {
		return &DeniedError{AgentID: input.AgentID, Reason: "policy evaluation error"}
	}
	if decision != nil && !decision.Allow {
		return &DeniedError{AgentID: input.AgentID, Reason: decision.Reason}
	}
	return nil
}

// IsEnabled returns whether the policy engine is enabled and ready
func (e *OPAEngine) IsEnabled() bool {
	return e.enabled && e.compiled != nil
}

// Environment returns the configured environment for the engine
func (e *OPAEngine) Environment() string { return e.config.Environment }

// Mode returns the configured enforcement mode for the engine
func (e *OPAEngine) Mode() Mode { return e.config.Mode }

// effectiveMode resolves the enforcement mode for this evaluation. The
// kill switch demotes enforce to dry-run without touching policies.
func (e *OPAEngine) effectiveMode() Mode {
	if e.config.EmergencyKillSwitch {
		return ModeDryRun
	}
	return e.config.Mode
}

// inputToMap converts PolicyInput to a map for OPA evaluation
func (e *OPAEngine) inputToMap(input *PolicyInput) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// parseResults parses OPA evaluation results into a Decision
func (e *OPAEngine) parseResults(results rego.ResultSet, input *PolicyInput) *Decision {
	decision := &Decision{
		Allow:  false, // default deny
		Reason: "no matching policy rules",
		AuditTags: map[string]string{
			"run_id":   input.RunID,
			"agent_id": input.AgentID,
			"phase":    input.Phase,
		},
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}

	value := results[0].Expressions[0].Value
	if valueMap, ok := value.(map[string]interface{}); ok {
		if allow, ok := valueMap["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := valueMap["reason"].(string); ok {
			decision.Reason = reason
		}
		if requireApproval, ok := valueMap["require_approval"].(bool); ok {
			decision.RequireApproval = requireApproval
		}
		if obligations, ok := valueMap["obligations"].(map[string]interface{}); ok {
			decision.Obligations = obligations
		}
	} else if allow, ok := value.(bool); ok {
		decision.Allow = allow
		if allow {
			decision.Reason = "allowed by policy"
		} else {
			decision.Reason = "denied by policy"
		}
	}

	return decision
}

// applyMode applies the effective enforcement mode to the policy decision
func (e *OPAEngine) applyMode(decision *Decision, mode Mode, input *PolicyInput) *Decision {
	if decision.AuditTags == nil {
		decision.AuditTags = make(map[string]string)
	}
	decision.AuditTags["effective_mode"] = string(mode)
	decision.AuditTags["configured_mode"] = string(e.config.Mode)

	switch mode {
	case ModeEnforce:
		return decision

	case ModeDryRun:
		// Always allow, but record what would have happened. RequireApproval
		// survives dry-run so escalations can be observed end to end.
		original := *decision
		decision.Allow = true
		if !original.Allow {
			decision.Reason = fmt.Sprintf("DRY-RUN: would have been denied - %s", original.Reason)
			e.logger.Info("Dry-run policy denial",
				zap.String("run_id", input.RunID),
				zap.String("agent_id", input.AgentID),
				zap.String("original_reason", original.Reason),
			)
		} else {
			decision.Reason = fmt.Sprintf("DRY-RUN: would have been allowed - %s", original.Reason)
		}
		return decision

	case ModeOff:
		decision.Allow = !e.config.FailClosed
		decision.Reason = "policy engine disabled"
		return decision

	default:
		e.logger.Warn("Unknown effective mode, defaulting to allow", zap.String("mode", string(mode)))
		decision.Allow = true
		decision.Reason = fmt.Sprintf("unknown mode %s, defaulting to allow", mode)
		return decision
	}
}

// CacheStats returns cumulative decision-cache hit/miss counts.
func (e *OPAEngine) CacheStats() (hits, misses int64) {
	return e.cache.Stats()
}

// policyVersion fingerprints the loaded policy content for audit tags.
func policyVersion(policies map[string]string) string {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)

	h := md5.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte(policies[name]))
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:4])
}

// --- internal decision cache (simple LRU with TTL) ---

// The cache key includes environment, effective mode, agent, phase, tool,
// criticality and a hash of the query so distinct call contexts never share
// a decision. Keying on the effective mode keeps kill-switch flips from
// serving decisions recorded under the other mode.

type decisionCache struct {
	cap    int
	ttl    time.Duration
	mu     sync.Mutex
	list   *list.List               // MRU at front
	m      map[string]*list.Element // key -> element
	hits   int64
	misses int64
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  *Decision
}

func newDecisionCache(capacity int, ttl time.Duration) *decisionCache {
	if capacity <= 0 {
		capacity = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{
		cap:  capacity,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

func (c *decisionCache) makeKey(input *PolicyInput, mode Mode) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(input.Query)))
	qh := h.Sum64()
	return fmt.Sprintf("%s|%s|%s|%s|%s|%t|%x",
		input.Environment, mode, input.AgentID, input.Phase, input.Tool, input.Critical, qh,
	)
}

func (c *decisionCache) Get(input *PolicyInput, mode Mode) (*Decision, bool) {
	key := c.makeKey(input, mode)
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		ce := el.Value.(cacheEntry)
		if ce.expiresAt.After(now) {
			c.list.MoveToFront(el)
			atomic.AddInt64(&c.hits, 1)
			return ce.decision, true
		}
		// expired
		c.list.Remove(el)
		delete(c.m, key)
	}
	atomic.AddInt64(&c.misses, 1)
	return nil, false
}

func (c *decisionCache) Set(input *PolicyInput, mode Mode, d *Decision) {
	key := c.makeKey(input, mode)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d}
		c.list.MoveToFront(el)
		return
	}
	el := c.list.PushFront(cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d})
	c.m[key] = el
	if c.list.Len() > c.cap {
		lru := c.list.Back()
		if lru != nil {
			ce := lru.Value.(cacheEntry)
			delete(c.m, ce.key)
			c.list.Remove(lru)
		}
	}
}

// Stats returns cumulative cache hit/miss counts
func (c *decisionCache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}

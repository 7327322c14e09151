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

	"github.com/Kocoro-lab/deep-research/internal/metrics"
)

// Engine defines the policy evaluation interface
type Engine interface {
	Evaluate(ctx context.Context, input *Input) (*Decision, error)
	LoadPolicies() error
	IsEnabled() bool
	Mode() Mode
}

// Input is what a request policy sees as `input`.
type Input struct {
	Task        string    `json:"task"`
	MaxLoops    int       `json:"max_loops"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	Origin      string    `json:"origin,omitempty"`
	Environment string    `json:"environment"`
	Timestamp   time.Time `json:"timestamp"`
}

// Decision represents the policy evaluation result
type Decision struct {
	Allow         bool              `json:"allow"`
	Reason        string            `json:"reason,omitempty"`
	PolicyVersion string            `json:"policy_version,omitempty"`
	AuditTags     map[string]string `json:"audit_tags,omitempty"`
}

// OPAEngine implements the Engine interface using OPA rego
type OPAEngine struct {
	config  *Config
	logger  *zap.Logger
	enabled bool

	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	version  string

	cache *decisionCache
}

// NewOPAEngine creates a new OPA-based policy engine
func NewOPAEngine(config *Config, logger *zap.Logger) (*OPAEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := &OPAEngine{
		config:  config,
		logger:  logger,
		enabled: config.Enabled && config.Mode != ModeOff,
		cache:   newDecisionCache(1000, 5*time.Minute),
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

// LoadPolicies compiles every .rego file under the configured directory.
// It is safe to call while requests are being evaluated.
func (e *OPAEngine) LoadPolicies() error {
	if !e.config.Enabled {
		return nil
	}

	policies := make(map[string]string)
	err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		relPath, _ := filepath.Rel(e.config.Path, path)
		policies[strings.TrimSuffix(relPath, ".rego")] = string(content)
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

	regoOptions := []func(*rego.Rego){rego.Query(DecisionQuery)}
	for moduleName, content := range policies {
		regoOptions = append(regoOptions, rego.Module(moduleName, content))
	}
	compiled, err := rego.New(regoOptions...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	version := calculatePolicyVersion(policies)
	e.mu.Lock()
	e.compiled = &compiled
	e.version = version
	e.mu.Unlock()
	e.cache.Clear()

	e.logger.Info("Policies loaded and compiled successfully",
		zap.Int("policy_count", len(policies)),
		zap.String("decision_query", DecisionQuery),
		zap.String("version", version),
	)
	return nil
}

// Evaluate evaluates the policy against the given input
func (e *OPAEngine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	start := time.Now()
	mode := string(e.config.Mode)

	defaultDecision := &Decision{
		Allow:  !e.config.FailClosed,
		Reason: "policy engine disabled or no policies loaded",
		AuditTags: map[string]string{
			"policy_enabled": fmt.Sprintf("%t", e.enabled),
			"mode":           mode,
		},
	}

	e.mu.RLock()
	compiled := e.compiled
	version := e.version
	e.mu.RUnlock()

	if !e.enabled || compiled == nil {
		return defaultDecision, nil
	}

	if d, ok := e.cache.Get(input); ok {
		return d, nil
	}

	inputMap, err := inputToMap(input)
	if err != nil {
		metrics.PolicyDecisions.WithLabelValues("error", mode).Inc()
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "input conversion failed"}, err
		}
		return defaultDecision, nil
	}

	results, err := compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		metrics.PolicyDecisions.WithLabelValues("error", mode).Inc()
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "policy evaluation error"}, err
		}
		return defaultDecision, nil
	}

	decision := parseResults(results)
	decision.PolicyVersion = version
	decision = e.applyMode(decision, input)

	metrics.PolicyEvaluationDuration.Observe(time.Since(start).Seconds())
	label := "allow"
	if !decision.Allow {
		label = "deny"
	}
	metrics.PolicyDecisions.WithLabelValues(label, mode).Inc()

	e.logger.Debug("Policy evaluated",
		zap.Bool("allow", decision.Allow),
		zap.String("reason", decision.Reason),
		zap.Duration("duration", time.Since(start)),
	)

	e.cache.Set(input, decision)
	return decision, nil
}

// IsEnabled returns whether the policy engine is enabled and ready
func (e *OPAEngine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled && e.compiled != nil
}

// Mode returns the configured enforcement mode for the engine
func (e *OPAEngine) Mode() Mode { return e.config.Mode }

func inputToMap(input *Input) (map[string]interface{}, error) {
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

// parseResults accepts either a decision object or a bare boolean.
func parseResults(results rego.ResultSet) *Decision {
	decision := &Decision{
		Allow:  false, // Default deny
		Reason: "no matching policy rules",
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

func (e *OPAEngine) applyMode(decision *Decision, input *Input) *Decision {
	decision.AuditTags = map[string]string{"mode": string(e.config.Mode)}
	switch e.config.Mode {
	case ModeEnforce:
		return decision
	case ModeDryRun:
		original := *decision
		decision.Allow = true
		if !original.Allow {
			decision.Reason = fmt.Sprintf("DRY-RUN: would have been denied - %s", original.Reason)
		} else {
			decision.Reason = fmt.Sprintf("DRY-RUN: would have been allowed - %s", original.Reason)
		}
		e.logger.Info("Dry-run policy evaluation",
			zap.Bool("would_allow", original.Allow),
			zap.String("original_reason", original.Reason),
			zap.String("remote_addr", input.RemoteAddr),
		)
		return decision
	default:
		decision.Allow = !e.config.FailClosed
		decision.Reason = "policy engine disabled"
		return decision
	}
}

// calculatePolicyVersion hashes policy content for deployment tracking.
func calculatePolicyVersion(policies map[string]string) string {
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

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	if cap <= 0 {
		cap = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{
		cap:  cap,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

func (c *decisionCache) makeKey(input *Input) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(input.Task)))
	return fmt.Sprintf("%s|%d|%s|%s|%x", input.Environment, input.MaxLoops, input.RemoteAddr, input.Origin, h.Sum64())
}

func (c *decisionCache) Get(input *Input) (*Decision, bool) {
	key := c.makeKey(input)
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
		c.list.Remove(el)
		delete(c.m, key)
	}
	atomic.AddInt64(&c.misses, 1)
	return nil, false
}

func (c *decisionCache) Set(input *Input, d *Decision) {
	key := c.makeKey(input)
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
		if lru := c.list.Back(); lru != nil {
			ce := lru.Value.(cacheEntry)
			delete(c.m, ce.key)
			c.list.Remove(lru)
		}
	}
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.m = make(map[string]*list.Element)
}

// Stats returns cumulative cache hit/miss counts
func (c *decisionCache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}

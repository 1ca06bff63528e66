package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/pkg/engine"
	"github.com/driftdb/driftdb/pkg/stores"
)

// Engine decides conflicted keys by consulting Rego policies. It
// implements the engine.MergePolicy interface.
//
// Policies are consulted in name order and the first verdict wins, so
// every replica holding the same policy set reaches the same decision.
// When no policy produces a verdict the engine falls back to the later
// head's state, which keeps merges total and convergent even with an
// empty policy set.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	order    []string
	fallback engine.DecisionSource
	logger   zerolog.Logger
}

// compiledPolicy is a policy with its prepared verdict query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		fallback: engine.SourceRight,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	if err := e.SetPolicies(context.Background(), nil); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// Decide implements engine.MergePolicy. It evaluates the enabled
// policies in name order against the conflict and converts the first
// verdict into a merge decision.
func (e *Engine) Decide(ctx context.Context, conflict engine.ConflictInfo) (*engine.MergeDecision, error) {
	input := decisionInput(conflict)

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, name := range e.order {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		results, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return nil, fmt.Errorf("policy %s failed on key %q: %w", name, conflict.Key, err)
		}
		if len(results) == 0 || len(results[0].Expressions) == 0 {
			continue
		}

		decision, err := verdictDecision(conflict.Key, results[0].Expressions[0].Value)
		if err != nil {
			return nil, fmt.Errorf("policy %s returned a bad verdict for key %q: %w", name, conflict.Key, err)
		}
		e.logger.Debug().
			Str("policy", name).
			Str("key", conflict.Key).
			Str("source", string(decision.Source)).
			Msg("policy decided conflict")
		return decision, nil
	}

	return &engine.MergeDecision{Key: conflict.Key, Source: e.fallback}, nil
}

// SetPolicies replaces the engine's policy set with the built-ins plus
// the given policies. A given policy with a built-in's name overrides
// the built-in. Used for hot reload; safe against in-flight decisions.
func (e *Engine) SetPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy)

	all := GetBuiltinPolicies()
	all = append(all, policies...)
	for i := range all {
		cp, err := e.compile(ctx, &all[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", all[i].Name, err)
		}
		compiled[all[i].Name] = cp
	}

	order := make([]string, 0, len(compiled))
	for name := range compiled {
		order = append(order, name)
	}
	sort.Strings(order)

	e.mu.Lock()
	e.policies = compiled
	e.order = order
	e.mu.Unlock()

	e.logger.Info().Int("count", len(order)).Msg("policy set installed")
	return nil
}

// LoadPolicies loads policy files from paths and installs them next to
// the built-ins.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.SetPolicies(ctx, policies)
}

// SetFallback changes the decision used when no policy has a verdict.
func (e *Engine) SetFallback(source engine.DecisionSource) {
	e.mu.Lock()
	e.fallback = source
	e.mu.Unlock()
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies in consultation order.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.order))
	for _, name := range e.order {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("policy toggled")
	return nil
}

// compile parses the policy module and prepares its verdict query.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query := module.Package.Path.String() + ".verdict"
	r := rego.New(
		rego.Query(query),
		rego.Module(policy.Name+".rego", policy.Rego),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query %s: %w", query, err)
	}

	e.logger.Debug().Str("policy", policy.Name).Str("query", query).Msg("policy compiled")
	return &compiledPolicy{
		policy:   policy,
		query:    prepared,
		compiled: time.Now(),
	}, nil
}

// decisionInput builds the policy input document for one conflict.
func decisionInput(conflict engine.ConflictInfo) map[string]interface{} {
	return map[string]interface{}{
		"key":      conflict.Key,
		"left":     entryState(conflict.Left),
		"right":    entryState(conflict.Right),
		"ancestor": entryState(conflict.Ancestor),
	}
}

func entryState(v *engine.ValueState) interface{} {
	if v == nil {
		return nil
	}
	return map[string]interface{}{
		"value":    string(v.Value),
		"priority": string(v.Priority),
	}
}

// verdictDecision converts a verdict document into a merge decision.
func verdictDecision(key string, value interface{}) (*engine.MergeDecision, error) {
	doc, ok := value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("verdict must be an object, got %T", value)
	}
	source, _ := doc["source"].(string)

	decision := &engine.MergeDecision{Key: key}
	switch engine.DecisionSource(source) {
	case engine.SourceLeft, engine.SourceRight:
		decision.Source = engine.DecisionSource(source)
	case engine.SourceNew:
		decision.Source = engine.SourceNew
		payload, ok := doc["value"].(string)
		if !ok {
			return nil, fmt.Errorf("a new-source verdict needs a string value")
		}
		decision.Value = []byte(payload)
		if priority, ok := doc["priority"].(string); ok {
			decision.Priority = stores.Priority(priority)
		}
	default:
		return nil, fmt.Errorf("unknown verdict source %q", source)
	}
	return decision, nil
}

package policy

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/pkg/coroutine"
	"github.com/driftdb/driftdb/pkg/engine"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Runtime hosts the merge coroutines.
	Runtime *coroutine.Runtime

	// Resolver receives the policy strategy. Optional; without it the
	// manager only maintains the policy engine.
	Resolver *engine.MergeResolver

	// Paths are the policy files and directories to load and watch.
	// Empty means builtins only.
	Paths []string

	Logger zerolog.Logger
}

// Manager ties the policy engine to a merge resolver. It loads
// policies from disk, installs a policy-driven strategy on the
// resolver, and on file changes swaps in a fresh strategy so merging
// resumes even after a bad policy set failed a merge.
type Manager struct {
	engine   *Engine
	loader   *Loader
	runtime  *coroutine.Runtime
	resolver *engine.MergeResolver
	paths    []string
	logger   zerolog.Logger
}

// NewManager creates a manager and loads the configured policy paths.
func NewManager(ctx context.Context, cfg ManagerConfig) (*Manager, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("policy manager needs a runtime")
	}

	eng, err := NewEngine(cfg.Logger)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		engine:   eng,
		loader:   NewLoader(cfg.Logger),
		runtime:  cfg.Runtime,
		resolver: cfg.Resolver,
		paths:    cfg.Paths,
		logger:   cfg.Logger.With().Str("component", "policy-manager").Logger(),
	}

	if len(m.paths) > 0 {
		policies, err := m.loader.LoadFromPaths(ctx, m.paths)
		if err != nil {
			return nil, err
		}
		if err := m.engine.SetPolicies(ctx, policies); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Engine returns the policy engine the manager maintains.
func (m *Manager) Engine() *Engine {
	return m.engine
}

// Strategy builds a fresh merge strategy backed by the policy engine.
func (m *Manager) Strategy() *engine.CustomMergeStrategy {
	return engine.NewPolicyStrategy(m.runtime, m.engine, m.logger)
}

// Install puts a fresh policy strategy on the resolver.
func (m *Manager) Install() {
	if m.resolver == nil {
		return
	}
	m.resolver.SetMergeStrategy(m.Strategy())
}

// Watch starts watching the policy paths. Each change reloads the
// policy set and reinstalls the strategy, which also restarts merging
// if a previous strategy had failed permanently.
func (m *Manager) Watch(ctx context.Context) error {
	if len(m.paths) == 0 {
		return nil
	}
	return m.loader.Watch(ctx, m.paths, func(policies []Policy) error {
		if err := m.engine.SetPolicies(ctx, policies); err != nil {
			return err
		}
		m.Install()
		return nil
	})
}

// Close stops watching. The resolver keeps its last installed strategy.
func (m *Manager) Close() error {
	return m.loader.StopWatching()
}

package resolver

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"go.starlark.net/starlark"

	"github.com/driftdb/driftdb/pkg/engine"
	"github.com/driftdb/driftdb/pkg/resolver/protocol"
	"github.com/driftdb/driftdb/pkg/stores"
)

// StarlarkConfig configures a resolver backed by a Starlark script. The
// script must define a function
//
//	def decide(conflict):
//	    return {"source": "left" | "right" | "new", "value": ..., "priority": ...}
//
// where conflict is a dict with "key" and the "left", "right" and
// "ancestor" states, each either None or a dict with "value" and
// "priority".
type StarlarkConfig struct {
	// Path locates the script. Required.
	Path string

	// FS is the filesystem the script is read from. Defaults to the OS
	// filesystem.
	FS afero.Fs

	// Timeout bounds each decision, including the initial load.
	// Defaults to 5s.
	Timeout time.Duration

	// MaxSteps bounds each decision's execution steps. Defaults to
	// about a million.
	MaxSteps uint64

	// Logger receives the script's print output at debug level.
	Logger zerolog.Logger
}

func (c *StarlarkConfig) applyDefaults() {
	if c.FS == nil {
		c.FS = afero.NewOsFs()
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxSteps == 0 {
		c.MaxSteps = 1 << 20
	}
}

// NewStarlarkSession loads the script and wraps it in an in-process
// resolver session.
func NewStarlarkSession(cfg StarlarkConfig) (*engine.AutoSession, error) {
	prog, err := loadStarlarkProgram(cfg)
	if err != nil {
		return nil, err
	}
	return engine.NewAutoSession(prog.decideConflict), nil
}

// StarlarkDecider loads the script and adapts it for serving wire
// peers.
func StarlarkDecider(cfg StarlarkConfig) (Decider, error) {
	prog, err := loadStarlarkProgram(cfg)
	if err != nil {
		return nil, err
	}
	return func(c protocol.Conflict) (*protocol.Decision, error) {
		decision, err := prog.decideConflict(engineConflict(c))
		if err != nil {
			return nil, err
		}
		d := wireDecision(decision)
		return &d, nil
	}, nil
}

// starlarkProgram is a loaded script whose decide function is called
// once per conflict. Each call runs on a fresh thread with a step limit
// and a deadline; scripts cannot block a merge forever.
type starlarkProgram struct {
	path     string
	decide   starlark.Callable
	timeout  time.Duration
	maxSteps uint64
	logger   zerolog.Logger
}

func loadStarlarkProgram(cfg StarlarkConfig) (*starlarkProgram, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("starlark resolver needs a script path")
	}
	cfg.applyDefaults()

	src, err := afero.ReadFile(cfg.FS, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read resolver script: %w", err)
	}

	prog := &starlarkProgram{
		path:     cfg.Path,
		timeout:  cfg.Timeout,
		maxSteps: cfg.MaxSteps,
		logger:   cfg.Logger.With().Str("component", "starlark-resolver").Str("script", cfg.Path).Logger(),
	}

	thread := prog.newThread()
	timer := time.AfterFunc(prog.timeout, func() { thread.Cancel("load timed out") })
	defer timer.Stop()

	globals, err := starlark.ExecFile(thread, cfg.Path, src, starlark.StringDict{})
	if err != nil {
		return nil, fmt.Errorf("failed to load resolver script: %w", err)
	}

	decide, ok := globals["decide"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("script %s does not define a decide function", cfg.Path)
	}
	prog.decide = decide
	return prog, nil
}

func (p *starlarkProgram) newThread() *starlark.Thread {
	thread := &starlark.Thread{
		Name: "resolver",
		Print: func(_ *starlark.Thread, msg string) {
			p.logger.Debug().Msg(msg)
		},
	}
	thread.SetMaxExecutionSteps(p.maxSteps)
	return thread
}

func (p *starlarkProgram) decideConflict(conflict engine.ConflictInfo) (engine.MergeDecision, error) {
	arg := starlark.NewDict(4)
	_ = arg.SetKey(starlark.String("key"), starlark.String(conflict.Key))
	_ = arg.SetKey(starlark.String("left"), starlarkValueState(conflict.Left))
	_ = arg.SetKey(starlark.String("right"), starlarkValueState(conflict.Right))
	_ = arg.SetKey(starlark.String("ancestor"), starlarkValueState(conflict.Ancestor))

	// A cancelled thread stays cancelled, so every decision gets a
	// fresh one.
	thread := p.newThread()
	timer := time.AfterFunc(p.timeout, func() { thread.Cancel("decision timed out") })
	defer timer.Stop()

	result, err := starlark.Call(thread, p.decide, starlark.Tuple{arg}, nil)
	if err != nil {
		return engine.MergeDecision{}, fmt.Errorf("decide(%q) failed: %w", conflict.Key, err)
	}

	dict, ok := result.(*starlark.Dict)
	if !ok {
		return engine.MergeDecision{}, fmt.Errorf("decide(%q) returned %s, want dict", conflict.Key, result.Type())
	}

	source, found, err := dictString(dict, "source")
	if err != nil {
		return engine.MergeDecision{}, fmt.Errorf("decide(%q): %w", conflict.Key, err)
	}
	if !found {
		return engine.MergeDecision{}, fmt.Errorf("decide(%q) returned no source", conflict.Key)
	}

	decision := engine.MergeDecision{Key: conflict.Key}
	switch engine.DecisionSource(source) {
	case engine.SourceLeft, engine.SourceRight:
		decision.Source = engine.DecisionSource(source)
	case engine.SourceNew:
		decision.Source = engine.SourceNew
		value, found, err := dictString(dict, "value")
		if err != nil {
			return engine.MergeDecision{}, fmt.Errorf("decide(%q): %w", conflict.Key, err)
		}
		if !found {
			return engine.MergeDecision{}, fmt.Errorf("decide(%q) chose new without a value", conflict.Key)
		}
		decision.Value = []byte(value)
		priority, found, err := dictString(dict, "priority")
		if err != nil {
			return engine.MergeDecision{}, fmt.Errorf("decide(%q): %w", conflict.Key, err)
		}
		if found {
			decision.Priority = stores.Priority(priority)
		}
	default:
		return engine.MergeDecision{}, fmt.Errorf("decide(%q) returned unknown source %q", conflict.Key, source)
	}
	return decision, nil
}

func starlarkValueState(v *engine.ValueState) starlark.Value {
	if v == nil {
		return starlark.None
	}
	d := starlark.NewDict(2)
	_ = d.SetKey(starlark.String("value"), starlark.String(v.Value))
	_ = d.SetKey(starlark.String("priority"), starlark.String(v.Priority))
	return d
}

func dictString(d *starlark.Dict, key string) (string, bool, error) {
	v, found, err := d.Get(starlark.String(key))
	if err != nil || !found {
		return "", false, err
	}
	s, ok := starlark.AsString(v)
	if !ok {
		return "", true, fmt.Errorf("%s must be a string, got %s", key, v.Type())
	}
	return s, true, nil
}

package resolver

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"go.uber.org/goleak"

	"github.com/driftdb/driftdb/pkg/coroutine"
	"github.com/driftdb/driftdb/pkg/engine"
	"github.com/driftdb/driftdb/pkg/resolver/protocol"
	"github.com/driftdb/driftdb/pkg/stores"
)

func writeScript(t *testing.T, src string) (afero.Fs, string) {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "resolver.star", []byte(src), 0o644); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return fs, "resolver.star"
}

func loadProgram(t *testing.T, src string) *starlarkProgram {
	t.Helper()
	fs, path := writeScript(t, src)
	prog, err := loadStarlarkProgram(StarlarkConfig{Path: path, FS: fs, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("failed to load script: %v", err)
	}
	return prog
}

func TestStarlarkDecideSources(t *testing.T) {
	prog := loadProgram(t, `
def decide(conflict):
    key = conflict["key"]
    if key == "take/left":
        return {"source": "left"}
    if key == "take/right":
        return {"source": "right"}
    left = conflict["left"]["value"] if conflict["left"] != None else ""
    right = conflict["right"]["value"] if conflict["right"] != None else ""
    return {"source": "new", "value": left + "+" + right, "priority": "lazy"}
`)

	d, err := prog.decideConflict(engine.ConflictInfo{Key: "take/left"})
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if d.Source != engine.SourceLeft || d.Key != "take/left" {
		t.Fatalf("decision = %+v, want left", d)
	}

	d, err = prog.decideConflict(engine.ConflictInfo{Key: "take/right"})
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if d.Source != engine.SourceRight {
		t.Fatalf("decision = %+v, want right", d)
	}

	d, err = prog.decideConflict(engine.ConflictInfo{
		Key:   "combine/key",
		Left:  &engine.ValueState{Value: []byte("a")},
		Right: &engine.ValueState{Value: []byte("b")},
	})
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if d.Source != engine.SourceNew || string(d.Value) != "a+b" || d.Priority != stores.PriorityLazy {
		t.Fatalf("decision = %+v, want new a+b lazy", d)
	}
}

func TestStarlarkSessionResolvesMerge(t *testing.T) {
	defer goleak.VerifyNone(t)
	clk := &testClock{}
	rt := coroutine.NewRuntime(coroutine.Config{})
	defer rt.Close()
	s := newTestStore(clk)
	defer s.Close()

	fs, path := writeScript(t, `
def decide(conflict):
    left = conflict["left"]
    right = conflict["right"]
    if left == None:
        return {"source": "right"}
    if right == None:
        return {"source": "left"}
    return {"source": "new", "value": left["value"] + "|" + right["value"]}
`)
	session, err := NewStarlarkSession(StarlarkConfig{Path: path, FS: fs, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("failed to load session: %v", err)
	}
	defer session.Close()

	strategy := engine.NewCustomMergeStrategy(engine.CustomStrategyConfig{
		Runtime: rt,
		Session: session,
		Logger:  zerolog.Nop(),
	})

	left, right := forkForMerge(t, s, clk)
	st, merged := runMerge(t, strategy, rt, s, left, right)
	if st != stores.StatusOK {
		t.Fatalf("merge failed: %s", st)
	}

	view := contentsMap(t, s, merged)
	if view["conflict/key"] != "from-left|from-right" {
		t.Fatalf("conflict/key = %q, want the script's combined value", view["conflict/key"])
	}
	if view["left/key"] != "l" || view["right/key"] != "r" {
		t.Fatalf("non-conflicting changes missing: %v", view)
	}
}

func TestStarlarkDeciderServesWire(t *testing.T) {
	fs, path := writeScript(t, `
def decide(conflict):
    return {"source": "left"}
`)
	decide, err := StarlarkDecider(StarlarkConfig{Path: path, FS: fs, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("failed to load decider: %v", err)
	}

	d, err := decide(protocol.Conflict{
		Key:  "settings/theme",
		Left: &protocol.ValueState{Value: []byte("dark")},
	})
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if d == nil || d.Key != "settings/theme" || d.Source != protocol.SourceLeft {
		t.Fatalf("decision = %+v, want left for settings/theme", d)
	}
}

func TestStarlarkRejectsBadScripts(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"no decide function", `answer = 42`, "does not define a decide"},
		{"decide not callable", `decide = "nope"`, "does not define a decide"},
		{"syntax error", `def decide(conflict)`, "failed to load"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, path := writeScript(t, tt.src)
			_, err := loadStarlarkProgram(StarlarkConfig{Path: path, FS: fs, Logger: zerolog.Nop()})
			if err == nil {
				t.Fatal("expected load to fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestStarlarkRejectsBadDecisions(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"not a dict", `
def decide(conflict):
    return "left"
`, "want dict"},
		{"no source", `
def decide(conflict):
    return {"value": "x"}
`, "no source"},
		{"unknown source", `
def decide(conflict):
    return {"source": "coin-flip"}
`, "unknown source"},
		{"new without value", `
def decide(conflict):
    return {"source": "new"}
`, "without a value"},
		{"runtime failure", `
def decide(conflict):
    return conflict["no_such_field"]
`, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog := loadProgram(t, tt.src)
			_, err := prog.decideConflict(engine.ConflictInfo{Key: "k"})
			if err == nil {
				t.Fatal("expected decide to fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestStarlarkStepLimitStopsRunawayScripts(t *testing.T) {
	fs, path := writeScript(t, `
def decide(conflict):
    n = 0
    for i in range(10000000):
        n += i
    return {"source": "left"}
`)
	prog, err := loadStarlarkProgram(StarlarkConfig{
		Path:     path,
		FS:       fs,
		MaxSteps: 1000,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("failed to load script: %v", err)
	}

	if _, err := prog.decideConflict(engine.ConflictInfo{Key: "k"}); err == nil {
		t.Fatal("runaway script should hit the step limit")
	}
}

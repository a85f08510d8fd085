package runtime_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grimoire-rpg/grimoire/runtime"
	"github.com/grimoire-rpg/grimoire/system"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func arenaSystem() *system.System {
	return &system.System{
		ID:      "arena",
		Kind:    system.KindSystem,
		Name:    "Arena",
		Version: "1.0.0",
	}
}

func newArenaExecution(flow *system.Flow) *runtime.Execution {
	exec := runtime.NewExecution(context.Background(), arenaSystem(), discardLogger(), nil)
	exec.Push(runtime.NewFrame(flow))
	return exec
}

func TestExecutionLookup(t *testing.T) {
	exec := newArenaExecution(&system.Flow{ID: "duel"})
	f := exec.CurrentFrame()
	f.Inputs.Set("player", "Wren")
	f.Outputs.Set("hero.hp", 12)
	f.Variables.Set("attempts", 2)
	f.Bind("result", map[string]any{"total": 9})

	cases := []struct {
		path string
		want any
	}{
		{"inputs.player", "Wren"},
		{"outputs.hero.hp", 12},
		{"variables.attempts", 2},
		{"result.total", 9},
		{"system.name", "Arena"},
		{"system.id", "arena"},
		{"attempts", 2}, // unprefixed paths fall back to variables
	}
	for _, tc := range cases {
		v, ok := exec.Lookup(tc.path)
		require.True(t, ok, "lookup %s", tc.path)
		assert.Equal(t, tc.want, v, "lookup %s", tc.path)
	}

	v, ok := exec.Lookup("inputs")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"player": "Wren"}, v)

	_, ok = exec.Lookup("inputs.missing")
	assert.False(t, ok)
	_, ok = exec.Lookup("system.name.deeper")
	assert.False(t, ok)
	_, ok = exec.Lookup("nothing")
	assert.False(t, ok)
}

func TestExecutionAsContext(t *testing.T) {
	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "trace-1")
	exec := runtime.NewExecution(ctx, arenaSystem(), discardLogger(), nil)
	exec.Push(runtime.NewFrame(&system.Flow{ID: "duel"}))
	exec.CurrentFrame().Inputs.Set("player", "Wren")

	assert.Equal(t, "Wren", exec.Value("inputs.player"), "string keys read frame state first")
	assert.Equal(t, "trace-1", exec.Value(ctxKey{}), "non-string keys delegate to the wrapped context")
	assert.Nil(t, exec.Value("inputs.absent"))
	assert.NoError(t, exec.Err())
}

func TestExecutionWithScopedContext(t *testing.T) {
	exec := newArenaExecution(&system.Flow{ID: "duel"})

	scoped, cancel := context.WithCancel(context.Background())
	cancel()
	exec.WithScopedContext(scoped, func() {
		assert.Error(t, exec.Err())
	})
	assert.NoError(t, exec.Err(), "original context restored after the scope")
}

func TestExecutionTemplateEnv(t *testing.T) {
	exec := newArenaExecution(&system.Flow{ID: "duel"})
	f := exec.CurrentFrame()
	f.Inputs.Set("player", "Wren")
	f.Bind("result", 17)

	env := exec.TemplateEnv(map[string]any{"item": "strength"})

	sys, ok := env["system"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Arena", sys["name"])
	assert.Equal(t, map[string]any{"player": "Wren"}, env["inputs"])
	assert.Equal(t, 17, env["result"])
	assert.Equal(t, "strength", env["item"])
}

func TestExecutionResolve(t *testing.T) {
	exec := newArenaExecution(&system.Flow{ID: "duel"})
	f := exec.CurrentFrame()
	f.Inputs.Set("player", "Wren")
	f.Outputs.Set("hero.hp", 12)

	v, err := exec.ResolveValue("{{ outputs.hero.hp }}", nil)
	require.NoError(t, err)
	assert.Equal(t, 12, v, "single expressions keep their native type")

	s, err := exec.ResolveText("{{ outputs.hero.hp }} HP", nil)
	require.NoError(t, err)
	assert.Equal(t, "12 HP", s)

	out, err := exec.ResolveAny(map[string]any{
		"greeting": "Hello {{ inputs.player }}",
		"stats":    []any{"{{ outputs.hero.hp }}", 7},
		"flag":     true,
	}, nil)
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, "Hello Wren", m["greeting"])
	assert.Equal(t, []any{12, 7}, m["stats"])
	assert.Equal(t, true, m["flag"])
}

func TestExecutionMessages(t *testing.T) {
	exec := newArenaExecution(&system.Flow{ID: "duel"})
	exec.RecordMessage("one")
	exec.RecordMessage("two")

	assert.Equal(t, []string{"one", "two"}, exec.DrainMessages())
	assert.Empty(t, exec.DrainMessages(), "drain clears the buffer")
}

func TestExecutionFrameStack(t *testing.T) {
	exec := newArenaExecution(&system.Flow{ID: "outer"})
	inner := runtime.NewFrame(&system.Flow{ID: "inner"})
	exec.Push(inner)

	assert.Equal(t, 2, exec.Depth())
	assert.Equal(t, "inner", exec.CurrentFrame().FlowID)
	assert.Equal(t, "outer", exec.RootFrame().FlowID)

	popped := exec.Pop()
	assert.Same(t, inner, popped)
	assert.Equal(t, 1, exec.Depth())
	assert.Equal(t, "outer", exec.CurrentFrame().FlowID)
}

func TestFrameRecordReplacesSameStep(t *testing.T) {
	f := runtime.NewFrame(&system.Flow{ID: "duel"})
	f.Record(&runtime.StepResult{StepID: "greet", Type: "player_input"})
	f.Record(&runtime.StepResult{StepID: "roll", Type: "dice_roll"})
	f.Record(&runtime.StepResult{StepID: "greet", Type: "player_input", Data: map[string]any{"result": "Wren"}})

	results := f.Results()
	require.Len(t, results, 2)
	assert.Equal(t, "greet", results[0].StepID)
	assert.Equal(t, "Wren", results[0].Data["result"], "resumed step keeps its original position")
	assert.Equal(t, "roll", results[1].StepID)

	got, ok := f.ResultFor("greet")
	require.True(t, ok)
	assert.Equal(t, "Wren", got.Data["result"])
}

func TestSetWithCascade(t *testing.T) {
	exec := newArenaExecution(&system.Flow{ID: "forge"})

	exec.SetWithCascade("outputs.hero.base", 12)
	exec.SetWithCascade("outputs.hero.boost", 3)
	exec.RegisterDerived("outputs.hero.total", "base + boost", "outputs.hero")

	v, ok := exec.Lookup("outputs.hero.total")
	require.True(t, ok)
	assert.Equal(t, 15, v)

	exec.RegisterDerived("outputs.hero.double", "{{ total * 2 }}", "outputs.hero")
	v, _ = exec.Lookup("outputs.hero.double")
	assert.Equal(t, 30, v, "derived fields can read other derived fields")

	exec.SetWithCascade("outputs.hero.boost", 5)
	v, _ = exec.Lookup("outputs.hero.total")
	assert.Equal(t, 17, v)
	v, _ = exec.Lookup("outputs.hero.double")
	assert.Equal(t, 34, v, "changes cascade through the chain")
}

func TestSetWithCascade_EqualWriteIsNoOp(t *testing.T) {
	exec := newArenaExecution(&system.Flow{ID: "forge"})
	f := exec.CurrentFrame()

	exec.SetWithCascade("outputs.hero.boost", 5)
	exec.RegisterDerived("outputs.hero.total", "{{ boost + 10 }}", "outputs.hero")

	fires := 0
	f.Observable("outputs.hero.total").Observe(func(string, any, any) { fires++ })

	exec.SetWithCascade("outputs.hero.boost", 5)
	assert.Zero(t, fires, "equal write neither notifies nor recomputes")

	exec.SetWithCascade("outputs.hero.boost", 7)
	assert.Equal(t, 1, fires)
	v, _ := exec.Lookup("outputs.hero.total")
	assert.Equal(t, 17, v)
}

func TestSetWithCascade_SiblingReference(t *testing.T) {
	exec := newArenaExecution(&system.Flow{ID: "forge"})

	exec.SetWithCascade("outputs.hero.might", 4)
	exec.SetWithCascade("outputs.shield.bonus", 2)
	exec.RegisterDerived("outputs.hero.defense", "{{ $.might + $shield.bonus }}", "outputs.hero")

	v, ok := exec.Lookup("outputs.hero.defense")
	require.True(t, ok)
	assert.Equal(t, 6, v)

	exec.SetWithCascade("outputs.shield.bonus", 5)
	v, _ = exec.Lookup("outputs.hero.defense")
	assert.Equal(t, 9, v, "sibling instance changes recompute the field")
}

func TestDerivedAllOperandsUndefinedReadsEmpty(t *testing.T) {
	exec := newArenaExecution(&system.Flow{ID: "forge"})

	exec.RegisterDerived("variables.total", "{{ missing_a + missing_b }}", "variables")

	v, ok := exec.Lookup("variables.total")
	require.True(t, ok)
	assert.Equal(t, "", v, "undefined operands read as empty, not as the template text")

	exec.SetWithCascade("variables.missing_a", 2)
	v, _ = exec.Lookup("variables.total")
	assert.Equal(t, "", v, "still empty while one operand is undefined")

	exec.SetWithCascade("variables.missing_b", 3)
	v, _ = exec.Lookup("variables.total")
	assert.Equal(t, 5, v, "the field computes once its dependencies exist")
}

func TestDerivedCycleSettles(t *testing.T) {
	exec := newArenaExecution(&system.Flow{ID: "forge"})

	exec.SetWithCascade("variables.a", 1)
	exec.SetWithCascade("variables.b", 1)
	exec.RegisterDerived("variables.a", "{{ b + 1 }}", "variables")
	exec.RegisterDerived("variables.b", "{{ a + 1 }}", "variables")

	// Registration of b recomputes b from a (2 -> 3), which cascades back
	// into a (4); the wave stops when the guard sees b mid-computation.
	a, _ := exec.Lookup("variables.a")
	b, _ := exec.Lookup("variables.b")
	assert.Equal(t, 4, a)
	assert.Equal(t, 3, b)
}

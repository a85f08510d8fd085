package runtime_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/grimoire-rpg/grimoire/runtime"
	"github.com/grimoire-rpg/grimoire/system"
)

// scriptedDice returns queued totals in order and records every
// expression it was asked to roll.
type scriptedDice struct {
	totals []int
	calls  []string
}

func (d *scriptedDice) Roll(_ context.Context, expression string) (*runtime.DiceRoll, error) {
	d.calls = append(d.calls, expression)
	if len(d.totals) == 0 {
		return nil, fmt.Errorf("dice script exhausted for %q", expression)
	}
	total := d.totals[0]
	d.totals = d.totals[1:]
	return &runtime.DiceRoll{
		Expression: expression,
		Total:      total,
		Rolls:      []int{total},
		Breakdown:  fmt.Sprintf("%s: [%d] = %d", expression, total, total),
	}, nil
}

type scriptedLLM struct {
	replies []string
	prompts []string
	opts    []runtime.GenerateOptions
}

func (s *scriptedLLM) Generate(_ context.Context, prompt string, opts runtime.GenerateOptions) (string, error) {
	s.prompts = append(s.prompts, prompt)
	s.opts = append(s.opts, opts)
	if len(s.replies) == 0 {
		return "", fmt.Errorf("llm script exhausted")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

type scriptedNames struct {
	names []string
	hints []string
}

func (s *scriptedNames) Generate(_ context.Context, generator string) (string, error) {
	s.hints = append(s.hints, generator)
	if len(s.names) == 0 {
		return "", fmt.Errorf("name script exhausted")
	}
	n := s.names[0]
	s.names = s.names[1:]
	return n, nil
}

func mustFlow(t *testing.T, src string) *system.Flow {
	t.Helper()
	var f system.Flow
	require.NoError(t, yaml.Unmarshal([]byte(src), &f))
	return &f
}

// flowSystem builds a minimal in-memory system around the given flows.
func flowSystem(t *testing.T, flows ...string) *system.System {
	t.Helper()
	sys := arenaSystem()
	sys.Sources = map[string]*system.Source{}
	sys.Models = map[string]*system.Model{}
	sys.Compendiums = map[string]*system.Compendium{}
	sys.Tables = map[string]*system.Table{}
	sys.Prompts = map[string]*system.Prompt{}
	sys.Flows = map[string]*system.Flow{}
	for _, src := range flows {
		f := mustFlow(t, src)
		sys.Flows[f.ID] = f
	}
	return sys
}

func newEngine(sys *system.System, dice *scriptedDice, llm *scriptedLLM, names *scriptedNames) *runtime.Engine {
	deps := &runtime.Deps{Logger: discardLogger(), CallTimeout: time.Second}
	if dice != nil {
		deps.Dice = dice
	}
	if llm != nil {
		deps.LLM = llm
	}
	if names != nil {
		deps.Names = names
	}
	return runtime.NewEngine(sys, deps, nil)
}

const saveFlow = `
id: save
kind: flow
name: Saving Throw
inputs:
  - name: modifier
    type: int
  - name: dc
    type: int
    default: 12
outputs:
  - name: passed
    type: bool
variables:
  attempts: 0
steps:
  - id: roll_save
    type: dice_roll
    roll: "1d20{{ inputs.modifier|dice_modifier }}"
    actions:
      - type: set_value
        path: variables.total
        value: "{{ result }}"
      - type: set_value
        path: variables.attempts
        value: "{{ variables.attempts + 1 }}"
  - id: judge
    type: conditional
    if_condition: "{{ variables.total >= inputs.dc }}"
    then_actions:
      - type: set_value
        path: outputs.passed
        value: true
      - type: log_message
        message: "Save made with {{ variables.total }}."
    else_actions:
      - type: set_value
        path: outputs.passed
        value: false
      - type: log_message
        message: "Save failed with {{ variables.total }}."
  - id: done
    type: completion
`

func TestRun_CompletesFlow(t *testing.T) {
	sys := flowSystem(t, saveFlow)
	dice := &scriptedDice{totals: []int{15}}
	eng := newEngine(sys, dice, nil, nil)

	outcome, err := eng.Run(context.Background(), "save", map[string]any{"modifier": 2})
	require.NoError(t, err)
	require.False(t, outcome.Paused())

	res := outcome.Result
	assert.True(t, res.Success)
	assert.Equal(t, "save", res.FlowID)
	assert.Equal(t, "done", res.CompletedAtStep)
	assert.Equal(t, []string{"1d20+2"}, dice.calls, "modifier renders into the roll expression")
	assert.Equal(t, map[string]any{"passed": true}, res.Outputs)
	assert.Equal(t, 1, res.Variables["attempts"])
	assert.Equal(t, 15, res.Variables["total"])
	assert.Equal(t, []string{"📝 Save made with 15."}, res.Messages)

	require.Len(t, res.Steps, 3)
	assert.Equal(t, "roll_save", res.Steps[0].StepID)
	assert.Equal(t, 15, res.Steps[0].Data["result"])
	assert.Equal(t, "judge", res.Steps[1].StepID)
	assert.Equal(t, true, res.Steps[1].Data["condition"])
	assert.Equal(t, "then", res.Steps[1].Data["branch"])
	assert.Equal(t, "done", res.Steps[2].StepID)
	assert.Equal(t, true, res.Steps[2].Data["completed"])
}

func TestRun_ElseBranch(t *testing.T) {
	sys := flowSystem(t, saveFlow)
	eng := newEngine(sys, &scriptedDice{totals: []int{7}}, nil, nil)

	outcome, err := eng.Run(context.Background(), "save", map[string]any{"modifier": 0})
	require.NoError(t, err)

	res := outcome.Result
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{"passed": false}, res.Outputs)
	assert.Equal(t, []string{"📝 Save failed with 7."}, res.Messages)
	assert.Equal(t, "else", res.Steps[1].Data["branch"])
}

func TestRun_UnknownFlow(t *testing.T) {
	eng := newEngine(flowSystem(t, saveFlow), nil, nil, nil)

	outcome, err := eng.Run(context.Background(), "ghost", nil)
	require.Error(t, err)
	assert.Nil(t, outcome)
	assert.EqualError(t, err, `[flow] flow "ghost" not found`)
}

func TestRun_MissingRequiredInputs(t *testing.T) {
	eng := newEngine(flowSystem(t, saveFlow), nil, nil, nil)

	outcome, err := eng.Run(context.Background(), "save", nil)
	require.Error(t, err)
	assert.Nil(t, outcome)
	assert.EqualError(t, err, "[flow] flow save missing required inputs: modifier")
}

const gatedFlow = `
id: gated
kind: flow
name: Gated
inputs:
  - name: go
    type: bool
    default: false
  - name: mode
    type: str
    default: "no"
steps:
  - id: maybe_roll
    type: dice_roll
    condition: "{{ inputs.go }}"
    roll: 1d6
  - id: maybe_note
    type: conditional
    condition: "inputs.go"
    if_condition: true
    then_actions:
      - type: log_message
        message: noted
  - id: keyword
    type: conditional
    condition: "{{ inputs.mode }}"
    if_condition: true
    then_actions:
      - type: log_message
        message: keyword ran
  - id: done
    type: completion
`

func TestRun_StepConditions(t *testing.T) {
	t.Run("all gates closed", func(t *testing.T) {
		dice := &scriptedDice{}
		eng := newEngine(flowSystem(t, gatedFlow), dice, nil, nil)

		outcome, err := eng.Run(context.Background(), "gated", nil)
		require.NoError(t, err)
		res := outcome.Result
		assert.True(t, res.Success)
		assert.Empty(t, dice.calls, "skipped steps never reach their executor")
		assert.Empty(t, res.Messages)
		require.Len(t, res.Steps, 1, "only the completion step records")
		assert.Equal(t, "done", res.Steps[0].StepID)
	})

	t.Run("all gates open", func(t *testing.T) {
		dice := &scriptedDice{totals: []int{4}}
		eng := newEngine(flowSystem(t, gatedFlow), dice, nil, nil)

		outcome, err := eng.Run(context.Background(), "gated", map[string]any{"go": true, "mode": "yes"})
		require.NoError(t, err)
		res := outcome.Result
		assert.True(t, res.Success)
		assert.Equal(t, []string{"1d6"}, dice.calls)
		assert.Equal(t, []string{"📝 noted", "📝 keyword ran"}, res.Messages)
	})
}

const shortcutFlow = `
id: shortcut
kind: flow
name: Shortcut
steps:
  - id: leap
    type: conditional
    if_condition: true
    next_step: land
    then_actions:
      - type: log_message
        message: leaping
  - id: missed
    type: conditional
    if_condition: true
    then_actions:
      - type: log_message
        message: should not run
  - id: land
    type: completion
    prompt: landed
`

const walkwayFlow = `
id: walkway
kind: flow
name: Walkway
steps:
  - id: stride
    type: conditional
    if_condition: true
    next_step: nowhere
  - id: done
    type: completion
`

func TestRun_NextStep(t *testing.T) {
	t.Run("jumps over steps", func(t *testing.T) {
		eng := newEngine(flowSystem(t, shortcutFlow), nil, nil, nil)

		outcome, err := eng.Run(context.Background(), "shortcut", nil)
		require.NoError(t, err)
		res := outcome.Result
		assert.True(t, res.Success)
		assert.Equal(t, []string{"📝 leaping", "landed"}, res.Messages)
		assert.Equal(t, "land", res.CompletedAtStep)
		require.Len(t, res.Steps, 2)
		assert.Equal(t, "leap", res.Steps[0].StepID)
		assert.Equal(t, "land", res.Steps[1].StepID)
	})

	t.Run("missing target falls through", func(t *testing.T) {
		eng := newEngine(flowSystem(t, walkwayFlow), nil, nil, nil)

		outcome, err := eng.Run(context.Background(), "walkway", nil)
		require.NoError(t, err)
		assert.True(t, outcome.Result.Success)
		assert.Equal(t, "done", outcome.Result.CompletedAtStep)
	})
}

func TestRun_CompletionStopsFlow(t *testing.T) {
	const earlyOut = `
id: early_out
kind: flow
name: Early Out
steps:
  - id: finish_line
    type: completion
    prompt: done early
  - id: after
    type: dice_roll
    roll: 1d6
`
	dice := &scriptedDice{}
	eng := newEngine(flowSystem(t, earlyOut), dice, nil, nil)

	outcome, err := eng.Run(context.Background(), "early_out", nil)
	require.NoError(t, err)
	res := outcome.Result
	assert.True(t, res.Success)
	assert.Equal(t, "finish_line", res.CompletedAtStep)
	assert.Empty(t, dice.calls, "steps after a completion never run")
	assert.Equal(t, []string{"done early"}, res.Messages)
	require.Len(t, res.Steps, 1)
}

const introFlow = `
id: intro
kind: flow
name: Introductions
outputs:
  - name: greeting
    type: str
steps:
  - id: welcome
    type: conditional
    if_condition: true
    then_actions:
      - type: log_message
        message: The gates creak open.
  - id: ask_name
    type: player_input
    prompt: What is your name, traveler?
    actions:
      - type: set_value
        path: outputs.greeting
        value: "Well met, {{ result }}."
  - id: farewell
    type: completion
    prompt: Safe roads.
`

func TestRun_PauseAndResume(t *testing.T) {
	eng := newEngine(flowSystem(t, introFlow), nil, nil, nil)

	outcome, err := eng.Run(context.Background(), "intro", nil)
	require.NoError(t, err)
	require.True(t, outcome.Paused())

	pending := outcome.Pending
	assert.NotEmpty(t, pending.ExecutionID)
	assert.Equal(t, "intro", pending.FlowID)
	assert.Equal(t, "ask_name", pending.StepID)
	assert.Equal(t, "What is your name, traveler?", pending.Prompt)
	assert.Equal(t, "text", pending.InputType)
	assert.Equal(t, 1, pending.Depth)
	assert.Equal(t, []string{"📝 The gates creak open."}, pending.Messages,
		"messages recorded before the pause travel with it")
	assert.Equal(t, 1, eng.PausedCount())

	resumed, err := eng.Resume(context.Background(), pending.ExecutionID, "Wren")
	require.NoError(t, err)
	require.False(t, resumed.Paused())

	res := resumed.Result
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{"greeting": "Well met, Wren."}, res.Outputs)
	assert.Equal(t, []string{"Safe roads."}, res.Messages,
		"pre-pause messages are not repeated after resume")
	assert.Equal(t, "farewell", res.CompletedAtStep)
	require.Len(t, res.Steps, 3)
	assert.Equal(t, "ask_name", res.Steps[1].StepID)
	assert.Equal(t, "Wren", res.Steps[1].Data["result"])
	assert.Zero(t, eng.PausedCount())

	_, err = eng.Resume(context.Background(), pending.ExecutionID, "again")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no paused execution")
}

func TestResume_UnknownExecution(t *testing.T) {
	eng := newEngine(flowSystem(t, introFlow), nil, nil, nil)

	_, err := eng.Resume(context.Background(), "nope", "answer")
	require.Error(t, err)
	assert.EqualError(t, err, `[flow] no paused execution "nope"`)
}

const outerFlow = `
id: outer
kind: flow
name: Outer
outputs:
  - name: war_cry
    type: str
steps:
  - id: call_middle
    type: flow_call
    flow: middle
    inputs:
      battle_cry: FIRE
    actions:
      - type: set_value
        path: outputs.war_cry
        value: "{{ result.shout }}"
  - id: done
    type: completion
`

const middleFlow = `
id: middle
kind: flow
name: Middle
inputs:
  - name: battle_cry
    type: str
outputs:
  - name: shout
    type: str
steps:
  - id: call_inner
    type: flow_call
    flow: inner
    inputs:
      base: "{{ inputs.battle_cry }}"
    actions:
      - type: set_value
        path: outputs.shout
        value: "{{ result.line }}"
`

const innerFlow = `
id: inner
kind: flow
name: Inner
inputs:
  - name: base
    type: str
outputs:
  - name: line
    type: str
steps:
  - id: suffix
    type: player_input
    prompt: "How does {{ inputs.base }} end?"
    actions:
      - type: set_value
        path: outputs.line
        value: "{{ inputs.base }}{{ result }}"
`

func TestRun_NestedFlowCalls(t *testing.T) {
	eng := newEngine(flowSystem(t, outerFlow, middleFlow, innerFlow), nil, nil, nil)

	outcome, err := eng.Run(context.Background(), "outer", nil)
	require.NoError(t, err)
	require.True(t, outcome.Paused())

	pending := outcome.Pending
	assert.Equal(t, "inner", pending.FlowID, "the pause surfaces from the innermost frame")
	assert.Equal(t, "suffix", pending.StepID)
	assert.Equal(t, "How does FIRE end?", pending.Prompt)
	assert.Equal(t, 3, pending.Depth)

	resumed, err := eng.Resume(context.Background(), pending.ExecutionID, "!!!")
	require.NoError(t, err)
	require.False(t, resumed.Paused())

	res := resumed.Result
	assert.True(t, res.Success)
	assert.Equal(t, "outer", res.FlowID, "the result describes the flow the run started with")
	assert.Equal(t, map[string]any{"war_cry": "FIRE!!!"}, res.Outputs)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, "call_middle", res.Steps[0].StepID)
	assert.Equal(t, map[string]any{"shout": "FIRE!!!"}, res.Steps[0].Data["result"],
		"the call step records the child's outputs")
}

func TestRun_SubFlowFailurePropagates(t *testing.T) {
	const quest = `
id: quest
kind: flow
name: Quest
steps:
  - id: delve
    type: flow_call
    flow: dungeon
  - id: done
    type: completion
`
	const dungeon = `
id: dungeon
kind: flow
name: Dungeon
steps:
  - id: trapped_roll
    type: dice_roll
    roll: 1d6
`
	eng := newEngine(flowSystem(t, quest, dungeon), &scriptedDice{}, nil, nil)

	outcome, err := eng.Run(context.Background(), "quest", nil)
	require.NoError(t, err)
	require.False(t, outcome.Paused())

	res := outcome.Result
	assert.False(t, res.Success)
	assert.Equal(t, "quest", res.FlowID)
	assert.Contains(t, res.Error, "Dice roll failed")
	assert.Equal(t, "trapped_roll", res.CompletedAtStep)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "delve", res.Steps[0].StepID)
	assert.Equal(t, system.StepFlowCall, res.Steps[0].Type)
	assert.Equal(t, res.Error, res.Steps[0].Error, "the call step carries the propagated failure")
}

const vigilFlow = `
id: vigil
kind: flow
name: Vigil
steps:
  - id: watchword
    type: player_input
    prompt: Speak the watchword.
`

func TestCancel(t *testing.T) {
	eng := newEngine(flowSystem(t, vigilFlow), nil, nil, nil)

	outcome, err := eng.Run(context.Background(), "vigil", nil)
	require.NoError(t, err)
	require.True(t, outcome.Paused())
	execID := outcome.Pending.ExecutionID

	res, err := eng.Cancel(execID)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.False(t, res.Success)
	assert.Equal(t, "vigil", res.FlowID)
	assert.Zero(t, eng.PausedCount())

	_, err = eng.Resume(context.Background(), execID, "too late")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no paused execution")

	_, err = eng.Cancel("nope")
	require.Error(t, err)
}

func TestRunSubFlow_RejectsPause(t *testing.T) {
	sys := flowSystem(t, vigilFlow)
	eng := newEngine(sys, nil, nil, nil)
	exec := runtime.NewExecution(context.Background(), sys, discardLogger(), nil)

	res, err := eng.RunSubFlow(exec, "vigil", nil)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.EqualError(t, err, "[flow] flow vigil paused inside an action")
	assert.Zero(t, exec.Depth(), "the aborted frame is unwound")
}

func TestRun_UnknownStepType(t *testing.T) {
	const strange = `
id: strange
kind: flow
name: Strange
steps:
  - id: warp
    type: teleport
`
	eng := newEngine(flowSystem(t, strange), nil, nil, nil)

	outcome, err := eng.Run(context.Background(), "strange", nil)
	require.NoError(t, err)
	res := outcome.Result
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, `unknown step type "teleport"`)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "warp", res.Steps[0].StepID)
	assert.False(t, res.Steps[0].Success)
}

// bellExecutor is a custom step type registered by the host.
type bellExecutor struct{}

func (b *bellExecutor) Execute(exec *runtime.Execution, step *system.Step) (*runtime.StepResult, error) {
	exec.RecordMessage("The bell tolls.")
	return &runtime.StepResult{StepID: step.ID, Type: step.Type, Success: true}, nil
}

func TestRegistry_CustomStepType(t *testing.T) {
	const belfry = `
id: belfry
kind: flow
name: Belfry
steps:
  - id: toll
    type: ring_bell
  - id: done
    type: completion
`
	eng := newEngine(flowSystem(t, belfry), nil, nil, nil)
	eng.Registry().Register("ring_bell", &bellExecutor{})

	outcome, err := eng.Run(context.Background(), "belfry", nil)
	require.NoError(t, err)
	assert.True(t, outcome.Result.Success)
	assert.Equal(t, []string{"The bell tolls."}, outcome.Result.Messages)
}

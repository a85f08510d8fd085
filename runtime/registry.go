package runtime

import (
	"log/slog"
	"time"

	"github.com/grimoire-rpg/grimoire/system"
)

// StepExecutor runs one step type against the execution's current
// frame. A returned error means the step failed; the engine folds it
// into a failed StepResult and stops the flow there.
type StepExecutor interface {
	Execute(exec *Execution, step *system.Step) (*StepResult, error)
}

// InputProcessor is implemented by interactive executors. The engine
// calls ProcessInput with the player's answer when a paused step
// resumes.
type InputProcessor interface {
	ProcessInput(exec *Execution, step *system.Step, input any) (*StepResult, error)
}

// SubFlowRunner runs a flow to completion on the same execution. The
// engine implements it; the call_flow action depends on the interface,
// not the engine.
type SubFlowRunner interface {
	RunSubFlow(exec *Execution, flowID string, inputs map[string]any) (*FlowResult, error)
}

// Deps bundles the services injected into executors.
type Deps struct {
	Logger *slog.Logger
	Dice   DiceService
	LLM    LLMService
	Names  NameGenerator

	// CallTimeout bounds one outbound service call. Zero means 30s.
	CallTimeout time.Duration
}

func (d *Deps) logger() *slog.Logger {
	if d == nil || d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Deps) callTimeout() time.Duration {
	if d == nil || d.CallTimeout <= 0 {
		return 30 * time.Second
	}
	return d.CallTimeout
}

// ExecutorRegistry maps step types to their executors.
type ExecutorRegistry struct {
	executors map[string]StepExecutor
}

// NewExecutorRegistry wires the built-in executors. Custom step types
// can be registered on top.
func NewExecutorRegistry(deps *Deps, actions *ActionRegistry) *ExecutorRegistry {
	r := &ExecutorRegistry{executors: make(map[string]StepExecutor)}
	r.Register(system.StepDiceRoll, &diceRollExecutor{deps: deps})
	r.Register(system.StepDiceSequence, &diceSequenceExecutor{deps: deps})
	r.Register(system.StepPlayerChoice, &playerChoiceExecutor{deps: deps})
	r.Register(system.StepPlayerInput, &playerInputExecutor{deps: deps})
	r.Register(system.StepTableRoll, &tableRollExecutor{deps: deps})
	r.Register(system.StepLLMGeneration, &llmExecutor{deps: deps})
	r.Register(system.StepConditional, &conditionalExecutor{deps: deps, actions: actions})
	r.Register(system.StepFlowCall, &flowCallExecutor{deps: deps})
	r.Register(system.StepCompletion, &completionExecutor{deps: deps})
	return r
}

func (r *ExecutorRegistry) Register(stepType string, ex StepExecutor) {
	r.executors[stepType] = ex
}

func (r *ExecutorRegistry) Lookup(stepType string) (StepExecutor, bool) {
	ex, ok := r.executors[stepType]
	return ex, ok
}

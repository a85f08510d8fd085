package runtime

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/grimoire-rpg/grimoire/system"
	"github.com/grimoire-rpg/grimoire/template"
)

// Engine drives flows over an immutable System. One engine serves many
// concurrent runs; each run owns its Execution, and paused executions
// wait here until the host resumes or cancels them.
type Engine struct {
	logger   *slog.Logger
	system   *system.System
	resolver *template.Resolver
	registry *ExecutorRegistry
	actions  *ActionRegistry

	mu     sync.Mutex
	paused map[string]*Execution

	tracer    trace.Tracer
	flowRuns  metric.Int64Counter
	stepCount metric.Int64Counter
}

var _ SubFlowRunner = &Engine{}

func NewEngine(sys *system.System, deps *Deps, resolver *template.Resolver) *Engine {
	if deps == nil {
		deps = &Deps{}
	}
	logger := deps.logger()
	if resolver == nil {
		resolver = template.New(logger)
	}
	actions := NewActionRegistry(deps)
	e := &Engine{
		logger:   logger,
		system:   sys,
		resolver: resolver,
		registry: NewExecutorRegistry(deps, actions),
		actions:  actions,
		paused:   make(map[string]*Execution),
		tracer:   otel.Tracer("grimoire/runtime"),
	}
	actions.BindRunner(e)

	meter := otel.Meter("grimoire/runtime")
	var err error
	if e.flowRuns, err = meter.Int64Counter("grimoire.flow.runs",
		metric.WithDescription("Completed flow runs by outcome")); err != nil {
		logger.Debug("flow run counter unavailable", "error", err)
	}
	if e.stepCount, err = meter.Int64Counter("grimoire.flow.steps",
		metric.WithDescription("Executed steps by type")); err != nil {
		logger.Debug("step counter unavailable", "error", err)
	}
	return e
}

// Registry exposes the executor registry so hosts can add custom step
// types before running flows.
func (e *Engine) Registry() *ExecutorRegistry {
	return e.registry
}

// Actions exposes the action registry for custom action strategies.
func (e *Engine) Actions() *ActionRegistry {
	return e.actions
}

// Run starts a flow and drives it until completion, failure, or the
// first step that needs player input. Problems found before the first
// step runs (unknown flow, missing required inputs) return an error;
// anything after that lands in the FlowResult.
func (e *Engine) Run(ctx context.Context, flowID string, inputs map[string]any) (*RunOutcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	exec := NewExecution(ctx, e.system, e.logger, e.resolver)
	spanCtx, span := e.tracer.Start(ctx, "flow.run", trace.WithAttributes(
		attribute.String("grimoire.flow.id", flowID),
		attribute.String("grimoire.execution.id", exec.ID),
	))
	defer span.End()

	var (
		outcome  *RunOutcome
		startErr error
	)
	exec.WithScopedContext(spanCtx, func() {
		if startErr = e.startFrame(exec, flowID, inputs); startErr != nil {
			return
		}
		outcome = e.run(exec, 0)
	})
	if startErr != nil {
		span.SetStatus(codes.Error, startErr.Error())
		return nil, startErr
	}
	e.settle(exec, outcome, span)
	return outcome, nil
}

// Resume feeds the player's answer to the paused step and drives the
// flow onward.
func (e *Engine) Resume(ctx context.Context, execID string, input any) (*RunOutcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	exec, ok := e.takePaused(execID)
	if !ok {
		return nil, NewFlowError(ErrFlow, "no paused execution %q", execID)
	}
	f := exec.CurrentFrame()
	if f == nil || f.AwaitingStep == "" {
		return nil, NewFlowError(ErrFlow, "execution %q is not awaiting input", execID)
	}
	step, ok := f.Flow.StepByID(f.AwaitingStep)
	if !ok {
		return nil, NewFlowError(ErrFlow, "awaited step %q missing from flow %s", f.AwaitingStep, f.FlowID)
	}

	spanCtx, span := e.tracer.Start(ctx, "flow.resume", trace.WithAttributes(
		attribute.String("grimoire.flow.id", f.FlowID),
		attribute.String("grimoire.execution.id", exec.ID),
		attribute.String("grimoire.step.id", step.ID),
	))
	defer span.End()

	var outcome *RunOutcome
	exec.WithScopedContext(spanCtx, func() {
		outcome = e.resume(exec, f, step, input)
	})
	e.settle(exec, outcome, span)
	return outcome, nil
}

func (e *Engine) resume(exec *Execution, f *Frame, step *system.Step, input any) *RunOutcome {
	executor, ok := e.registry.Lookup(step.Type)
	if !ok {
		return e.failFrames(exec, 0, step, NewFlowError(ErrFlow, "unknown step type %q", step.Type).WithStep(step.ID))
	}
	proc, ok := executor.(InputProcessor)
	if !ok {
		return e.failFrames(exec, 0, step, NewFlowError(ErrFlow, "step type %q does not take input", step.Type).WithStep(step.ID))
	}
	res, err := proc.ProcessInput(exec, step, input)
	if err != nil {
		return e.failFrames(exec, 0, step, asFlowError(err, step))
	}
	f.AwaitingStep = ""
	f.Record(res)
	if err := e.applyStepActions(exec, f, step, res); err != nil {
		return e.failFrames(exec, 0, step, asFlowError(err, step))
	}
	e.advance(f, step)
	return e.run(exec, 0)
}

// Cancel discards a paused execution. Nothing the cancelled step might
// have written is kept; outputs stay exactly as the pause left them.
func (e *Engine) Cancel(execID string) (*FlowResult, error) {
	exec, ok := e.takePaused(execID)
	if !ok {
		return nil, NewFlowError(ErrFlow, "no paused execution %q", execID)
	}
	exec.MarkCancelled()
	root := exec.RootFrame()
	for exec.Depth() > 0 {
		exec.Pop()
	}
	result := &FlowResult{
		FlowID:    root.FlowID,
		Cancelled: true,
		Messages:  exec.DrainMessages(),
	}
	e.logger.InfoContext(exec, "execution cancelled", "execution", execID, "flow", root.FlowID)
	e.countRun(exec, "cancelled")
	return result, nil
}

// RunSubFlow runs a flow to completion on the caller's execution, for
// call_flow actions. The child may not pause: there is no step to hang
// the continuation on, so a pause fails the call.
func (e *Engine) RunSubFlow(exec *Execution, flowID string, inputs map[string]any) (*FlowResult, error) {
	stop := exec.Depth()
	if err := e.startFrame(exec, flowID, inputs); err != nil {
		return nil, err
	}
	outcome := e.run(exec, stop)
	if outcome.Paused() {
		for exec.Depth() > stop {
			exec.Pop()
		}
		return nil, NewFlowError(ErrFlow, "flow %s paused inside an action", flowID)
	}
	return outcome.Result, nil
}

// run is the engine loop: execute the current frame's step, fold the
// result, repeat. Frames above stopDepth belong to this drive; the loop
// returns when the frame at stopDepth+1 completes, the run pauses, or a
// failure unwinds.
func (e *Engine) run(exec *Execution, stopDepth int) *RunOutcome {
	for {
		if exec.Cancelled() || exec.Err() != nil {
			return e.cancelFrames(exec, stopDepth)
		}
		f := exec.CurrentFrame()
		step := f.CurrentStep()
		if step == nil {
			outcome, done := e.completeFrame(exec, stopDepth)
			if done {
				return outcome
			}
			continue
		}
		if step.Condition != "" && !evalCondition(exec, e.logger, step.ID, step.Condition) {
			e.logger.DebugContext(exec, "step skipped", "step", step.ID, "condition", step.Condition)
			e.advance(f, step)
			continue
		}
		res, ferr := e.executeStep(exec, step)
		if ferr != nil {
			return e.failFrames(exec, stopDepth, step, ferr)
		}
		if res.RequiresInput {
			f.AwaitingStep = step.ID
			return &RunOutcome{Pending: &Pending{
				ExecutionID:    exec.ID,
				FlowID:         f.FlowID,
				StepID:         step.ID,
				Prompt:         res.Prompt,
				InputType:      res.InputType,
				Choices:        res.Choices,
				SelectionCount: res.SelectionCount,
				Depth:          exec.Depth(),
			}}
		}
		f.Record(res)
		if res.Call != nil {
			f.CallStep = step.ID
			if ferr := e.startFrame(exec, res.Call.FlowID, res.Call.Inputs); ferr != nil {
				f.CallStep = ""
				return e.failFrames(exec, stopDepth, step, asFlowError(ferr, step))
			}
			continue
		}
		if err := e.applyStepActions(exec, f, step, res); err != nil {
			return e.failFrames(exec, stopDepth, step, asFlowError(err, step))
		}
		if step.Type == system.StepCompletion {
			f.StepIndex = len(f.Flow.Steps)
			continue
		}
		e.advance(f, step)
	}
}

// startFrame pushes a new frame: provided inputs land verbatim by
// dotted key, declared defaults fill the gaps, variables copy from the
// flow, and model-typed outputs seed their defaults and derived fields.
func (e *Engine) startFrame(exec *Execution, flowID string, provided map[string]any) error {
	flow, ok := e.system.Flows[flowID]
	if !ok {
		return NewFlowError(ErrFlow, "flow %q not found", flowID)
	}
	f := NewFrame(flow)
	for k, v := range provided {
		f.Inputs.Set(k, cloneValue(v))
	}
	var missing []string
	for _, def := range flow.Inputs {
		if _, ok := f.Inputs.Get(def.Name); ok {
			continue
		}
		if def.Default != nil {
			f.Inputs.Set(def.Name, cloneValue(def.Default))
			continue
		}
		if def.IsRequired() {
			missing = append(missing, def.Name)
		}
	}
	if len(missing) > 0 {
		return NewFlowError(ErrFlow, "flow %s missing required inputs: %s", flowID, strings.Join(missing, ", "))
	}
	for k, v := range flow.Variables {
		f.Variables.Set(k, cloneValue(v))
	}
	exec.Push(f)
	for _, out := range flow.Outputs {
		if model, ok := e.system.Models[out.Type]; ok {
			exec.seedModelOutput(f, out.Name, model)
		}
	}
	e.logger.InfoContext(exec, "flow started",
		"flow", flowID, "frame", f.ExecID, "depth", exec.Depth())
	return nil
}

// completeFrame closes the top frame. The second return is true when
// the drive is finished; false means a parent frame took over.
func (e *Engine) completeFrame(exec *Execution, stopDepth int) (*RunOutcome, bool) {
	f := exec.CurrentFrame()
	if problems := exec.validateModelOutputs(f); len(problems) > 0 {
		ferr := NewFlowError(ErrFlow, "output validation failed: %s", strings.Join(problems, "; "))
		return e.failFrames(exec, stopDepth, nil, ferr), true
	}
	result := &FlowResult{
		FlowID:    f.FlowID,
		Success:   true,
		Outputs:   f.Outputs.All(),
		Variables: f.Variables.All(),
		Steps:     f.Results(),
	}
	if n := len(f.Results()); n > 0 {
		result.CompletedAtStep = f.Results()[n-1].StepID
	}
	exec.Pop()
	e.logger.InfoContext(exec, "flow completed", "flow", f.FlowID, "frame", f.ExecID)
	if exec.Depth() <= stopDepth {
		return &RunOutcome{Result: result}, true
	}
	if err := e.finishCall(exec, result); err != nil {
		parent := exec.CurrentFrame()
		var step *system.Step
		if parent != nil {
			step, _ = parent.Flow.StepByID(parent.CallStep)
		}
		return e.failFrames(exec, stopDepth, step, asFlowError(err, step)), true
	}
	return nil, false
}

// finishCall lands a completed sub-flow on its caller: the child's
// outputs bind as "result" for the duration of the call step's actions,
// then the caller advances.
func (e *Engine) finishCall(exec *Execution, child *FlowResult) error {
	parent := exec.CurrentFrame()
	stepID := parent.CallStep
	parent.CallStep = ""
	step, ok := parent.Flow.StepByID(stepID)
	if !ok {
		return NewFlowError(ErrFlow, "call step %q missing from flow %s", stepID, parent.FlowID)
	}
	res := successResult(step.ID, step.Type, map[string]any{"result": child.Outputs})
	parent.Record(res)

	parent.Bind("result", child.Outputs)
	defer parent.Unbind("result")
	if err := e.applyStepActions(exec, parent, step, res); err != nil {
		return err
	}
	e.advance(parent, step)
	return nil
}

func (e *Engine) executeStep(exec *Execution, step *system.Step) (*StepResult, error) {
	executor, ok := e.registry.Lookup(step.Type)
	if !ok {
		return nil, NewFlowError(ErrFlow, "unknown step type %q", step.Type).WithStep(step.ID)
	}
	stepCtx, span := e.tracer.Start(exec, "flow.step", trace.WithAttributes(
		attribute.String("grimoire.flow.id", exec.CurrentFrame().FlowID),
		attribute.String("grimoire.step.id", step.ID),
		attribute.String("grimoire.step.type", step.Type),
	))
	defer span.End()

	var (
		res *StepResult
		err error
	)
	exec.WithScopedContext(stepCtx, func() {
		e.logger.DebugContext(exec, "executing step", "step", step.ID, "type", step.Type)
		res, err = executor.Execute(exec, step)
	})
	if e.stepCount != nil {
		e.stepCount.Add(exec, 1, metric.WithAttributes(
			attribute.String("grimoire.step.type", step.Type)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, asFlowError(err, step)
	}
	return res, nil
}

func (e *Engine) applyStepActions(exec *Execution, f *Frame, step *system.Step, res *StepResult) error {
	if len(step.Actions) == 0 {
		return nil
	}
	return e.actions.Apply(exec, f.Flow, step.Actions, res.Data)
}

// advance moves the frame cursor: an explicit next_step wins, otherwise
// the following step. Skipped steps advance the same way.
func (e *Engine) advance(f *Frame, step *system.Step) {
	if step.NextStep != "" {
		if idx := f.Flow.StepIndex(step.NextStep); idx >= 0 {
			f.StepIndex = idx
			return
		}
		e.logger.Warn("next_step not found, falling through",
			"flow", f.FlowID, "step", step.ID, "next_step", step.NextStep)
	}
	f.StepIndex++
}

// failFrames unwinds to stopDepth after a step failure. The failing
// step records on its own frame; every enclosing flow_call step records
// the propagated failure. The returned result describes the outermost
// flow of this drive.
func (e *Engine) failFrames(exec *Execution, stopDepth int, step *system.Step, ferr error) *RunOutcome {
	stepID := ""
	if step != nil {
		stepID = step.ID
		if f := exec.CurrentFrame(); f != nil {
			f.Record(failureResult(step.ID, step.Type, ferr))
		}
	}
	e.logger.ErrorContext(exec, "flow failed", "step", stepID, "error", ferr)

	var f *Frame
	for exec.Depth() > stopDepth {
		f = exec.Pop()
		parent := exec.CurrentFrame()
		if parent != nil && exec.Depth() > stopDepth && parent.CallStep != "" {
			parent.Record(&StepResult{
				StepID: parent.CallStep,
				Type:   system.StepFlowCall,
				Error:  ferr.Error(),
			})
			parent.CallStep = ""
		}
	}
	result := &FlowResult{
		Success:         false,
		Error:           ferr.Error(),
		CompletedAtStep: stepID,
	}
	if f != nil {
		result.FlowID = f.FlowID
		result.Outputs = f.Outputs.All()
		result.Variables = f.Variables.All()
		result.Steps = f.Results()
	}
	return &RunOutcome{Result: result}
}

// cancelFrames unwinds after a cancellation or context expiry.
func (e *Engine) cancelFrames(exec *Execution, stopDepth int) *RunOutcome {
	errText := ""
	if err := exec.Err(); err != nil {
		errText = err.Error()
	}
	var f *Frame
	for exec.Depth() > stopDepth {
		f = exec.Pop()
	}
	result := &FlowResult{Cancelled: true, Error: errText}
	if f != nil {
		result.FlowID = f.FlowID
	}
	e.logger.InfoContext(exec, "run cancelled", "flow", result.FlowID, "cause", errText)
	return &RunOutcome{Result: result}
}

// settle finalizes a drive: paused executions park for Resume, finished
// ones drain their messages into the result and count.
func (e *Engine) settle(exec *Execution, outcome *RunOutcome, span trace.Span) {
	if outcome.Paused() {
		outcome.Pending.Messages = exec.DrainMessages()
		e.storePaused(exec)
		span.AddEvent("paused", trace.WithAttributes(
			attribute.String("grimoire.step.id", outcome.Pending.StepID)))
		return
	}
	res := outcome.Result
	res.Messages = append(res.Messages, exec.DrainMessages()...)
	switch {
	case res.Cancelled:
		e.countRun(exec, "cancelled")
	case res.Success:
		e.countRun(exec, "success")
	default:
		span.SetStatus(codes.Error, res.Error)
		e.countRun(exec, "failure")
	}
}

func (e *Engine) countRun(ctx context.Context, outcome string) {
	if e.flowRuns == nil {
		return
	}
	e.flowRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grimoire.run.outcome", outcome)))
}

func (e *Engine) storePaused(exec *Execution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused[exec.ID] = exec
}

func (e *Engine) takePaused(execID string) (*Execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.paused[execID]
	if ok {
		delete(e.paused, execID)
	}
	return exec, ok
}

// PausedCount reports how many executions are waiting for input.
func (e *Engine) PausedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.paused)
}

// asFlowError normalizes any error into a FlowError carrying the step.
func asFlowError(err error, step *system.Step) *FlowError {
	if fe, ok := err.(*FlowError); ok {
		if fe.Step == "" && step != nil {
			fe.Step = step.ID
		}
		return fe
	}
	fe := NewFlowError(ErrFlow, "%v", err).WithCause(err)
	if step != nil {
		fe.Step = step.ID
	}
	return fe
}

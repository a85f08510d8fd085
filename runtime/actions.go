package runtime

import (
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/grimoire-rpg/grimoire/system"
)

// ActionStrategy applies one declared post-step effect. extra carries the
// step's result bindings (result, results, selected_item, ...) so action
// templates can reference what the step produced.
type ActionStrategy interface {
	Apply(exec *Execution, action *system.Action, extra map[string]any) error
}

// ActionRegistry resolves action types to strategies. Unknown types are
// logged and skipped; they never fail a flow.
type ActionRegistry struct {
	logger     *slog.Logger
	strategies map[string]ActionStrategy
}

func NewActionRegistry(deps *Deps) *ActionRegistry {
	r := &ActionRegistry{
		logger:     deps.logger(),
		strategies: make(map[string]ActionStrategy),
	}
	r.Register(system.ActionSetValue, &setValueAction{logger: r.logger})
	r.Register(system.ActionLogMessage, &logMessageAction{logger: r.logger})
	r.Register(system.ActionLogEvent, &logEventAction{logger: r.logger})
	return r
}

func (r *ActionRegistry) Register(actionType string, s ActionStrategy) {
	r.strategies[actionType] = s
}

// BindRunner wires the call_flow strategy once the engine exists. The
// strategy holds the runner interface, not the engine itself, so tests
// substitute fakes.
func (r *ActionRegistry) BindRunner(runner SubFlowRunner) {
	r.Register(system.ActionCallFlow, &callFlowAction{logger: r.logger, runner: runner})
}

// Apply runs a step's action list in order. Action errors are logged and
// the list continues, except a set_value targeting a declared output:
// losing an output corrupts the flow's contract, so that error returns.
func (r *ActionRegistry) Apply(exec *Execution, flow *system.Flow, actions []system.Action, extra map[string]any) error {
	if extra == nil {
		// call_flow binds the child's outputs here for later actions in
		// the same list, so the map must exist even without step data.
		extra = make(map[string]any)
	}
	for i := range actions {
		a := &actions[i]
		strategy, ok := r.strategies[a.Type]
		if !ok {
			r.logger.WarnContext(exec, "unknown action type, skipped", "type", a.Type)
			continue
		}
		if err := strategy.Apply(exec, a, extra); err != nil {
			if a.Type == system.ActionSetValue && targetsDeclaredOutput(flow, a.Path) {
				return NewFlowError(ErrFlow, "set_value %s: %v", a.Path, err).WithCause(err)
			}
			r.logger.WarnContext(exec, "action failed, continuing",
				"type", a.Type, "error", err)
		}
	}
	return nil
}

// targetsDeclaredOutput reports whether a set_value path writes one of
// the flow's declared outputs.
func targetsDeclaredOutput(flow *system.Flow, path string) bool {
	if flow == nil {
		return false
	}
	rest, ok := strings.CutPrefix(path, "outputs.")
	if !ok {
		return false
	}
	name, _, _ := strings.Cut(rest, ".")
	for _, out := range flow.Outputs {
		if out.Name == name {
			return true
		}
	}
	return false
}

// setValueAction renders the declared value and writes it through the
// derived-field cascade. Structured literals pass through untouched;
// strings render in runtime mode with structure detection.
type setValueAction struct {
	logger *slog.Logger
}

func (s *setValueAction) Apply(exec *Execution, a *system.Action, extra map[string]any) error {
	if a.Path == "" {
		return fmt.Errorf("set_value requires a path")
	}
	v, err := exec.ResolveAny(a.Value, extra)
	if err != nil {
		return err
	}
	exec.SetWithCascade(a.Path, v)
	return nil
}

// logMessageAction renders the message as plain text and records it for
// the host to display. The text path never promotes "Label: value" lines
// into mappings.
type logMessageAction struct {
	logger *slog.Logger
}

func (l *logMessageAction) Apply(exec *Execution, a *system.Action, extra map[string]any) error {
	rendered, err := exec.ResolveText(a.Message, extra)
	if err != nil {
		return err
	}
	exec.RecordMessage("📝 " + rendered)
	l.logger.DebugContext(exec, "action message", "message", rendered)
	return nil
}

// logEventAction emits structured telemetry: string data renders, any
// other shape attaches verbatim. Events land on the active step span and
// in the log stream.
type logEventAction struct {
	logger *slog.Logger
}

func (l *logEventAction) Apply(exec *Execution, a *system.Action, extra map[string]any) error {
	data := a.Data
	if s, ok := data.(string); ok {
		rendered, err := exec.ResolveText(s, extra)
		if err != nil {
			return err
		}
		data = rendered
	}
	span := trace.SpanFromContext(exec)
	span.AddEvent(a.Event, trace.WithAttributes(
		attribute.String("grimoire.event.data", fmt.Sprintf("%v", data)),
	))
	l.logger.InfoContext(exec, "flow event", "event", a.Event, "data", data)
	return nil
}

// callFlowAction runs a sub-flow inline and rebinds its outputs as
// "result" for the remaining actions in the same list. Sub-flows invoked
// from actions cannot pause; a step that needs input fails the action.
type callFlowAction struct {
	logger *slog.Logger
	runner SubFlowRunner
}

func (c *callFlowAction) Apply(exec *Execution, a *system.Action, extra map[string]any) error {
	if c.runner == nil {
		return fmt.Errorf("call_flow action has no runner bound")
	}
	inputs := make(map[string]any, len(a.Inputs))
	for k, v := range a.Inputs {
		rendered, err := exec.ResolveAny(v, extra)
		if err != nil {
			return fmt.Errorf("input %s: %w", k, err)
		}
		inputs[k] = rendered
	}
	res, err := c.runner.RunSubFlow(exec, a.FlowID, inputs)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("flow %s failed: %s", a.FlowID, res.Error)
	}
	if extra != nil {
		extra["result"] = res.Outputs
	}
	return nil
}

package runtime

import (
	"log/slog"
	"strings"

	"github.com/grimoire-rpg/grimoire/system"
	"github.com/grimoire-rpg/grimoire/template"
)

// conditionalExecutor evaluates if_condition and applies the matching
// action branch. else_actions may nest another conditional, forming an
// elif chain that evaluates here without recursion limits beyond YAML
// nesting itself.
type conditionalExecutor struct {
	deps    *Deps
	actions *ActionRegistry
}

func (x *conditionalExecutor) Execute(exec *Execution, step *system.Step) (*StepResult, error) {
	flow := exec.CurrentFrame().Flow
	cond := evalCondition(exec, x.deps.logger(), step.ID, step.IfCondition)
	branch := "none"
	if cond {
		branch = "then"
		if err := x.actions.Apply(exec, flow, step.ThenActions, nil); err != nil {
			return nil, err
		}
	} else if step.ElseActions != nil {
		branch = "else"
		if err := x.applyElse(exec, flow, step, step.ElseActions); err != nil {
			return nil, err
		}
	}
	x.deps.logger().DebugContext(exec, "conditional evaluated",
		"step", step.ID, "condition", cond, "branch", branch)
	return successResult(step.ID, step.Type, map[string]any{
		"condition": cond,
		"branch":    branch,
	}), nil
}

func (x *conditionalExecutor) applyElse(exec *Execution, flow *system.Flow, step *system.Step, branch *system.ElseBranch) error {
	if branch.Elif == nil {
		return x.actions.Apply(exec, flow, branch.Actions, nil)
	}
	if evalCondition(exec, x.deps.logger(), step.ID, branch.Elif.If) {
		return x.actions.Apply(exec, flow, branch.Elif.Then, nil)
	}
	if branch.Elif.Else != nil {
		return x.applyElse(exec, flow, step, branch.Elif.Else)
	}
	return nil
}

// evalCondition coerces a condition to a boolean. Booleans pass
// through; strings render first, then fall back to the keyword table,
// then evaluate as a bare boolean expression. Every failure counts as
// false with the error recorded, never as a flow failure. Step skip
// conditions and conditional steps share these semantics.
func evalCondition(exec *Execution, logger *slog.Logger, where string, cond any) bool {
	switch t := cond.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return evalStringCondition(exec, logger, where, t)
	default:
		return template.Truthy(cond)
	}
}

func evalStringCondition(exec *Execution, logger *slog.Logger, where, s string) bool {
	if template.HasTemplate(s) {
		v, err := exec.ResolveValue(s, nil)
		if err != nil {
			logger.WarnContext(exec, "condition failed, treated as false",
				"step", where, "condition", s, "error", err)
			return false
		}
		if rendered, isStr := v.(string); isStr {
			return coerceOrEvaluate(exec, logger, where, rendered)
		}
		return template.Truthy(v)
	}
	return coerceOrEvaluate(exec, logger, where, s)
}

// coerceOrEvaluate applies the literal keyword table, then treats the
// string as a bare boolean expression.
func coerceOrEvaluate(exec *Execution, logger *slog.Logger, where, s string) bool {
	switch normalizeBoolWord(s) {
	case "true":
		return true
	case "false":
		return false
	}
	v, err := exec.ResolveValue("{{ "+s+" }}", nil)
	if err != nil {
		logger.WarnContext(exec, "condition failed, treated as false",
			"step", where, "condition", s, "error", err)
		return false
	}
	return template.Truthy(v)
}

func normalizeBoolWord(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1":
		return "true"
	case "false", "no", "0", "":
		return "false"
	}
	return ""
}

// flowCallExecutor renders the call inputs against the caller frame and
// hands the engine a CallRequest. The engine owns the child frame so a
// pause inside the sub-flow suspends the whole stack.
type flowCallExecutor struct {
	deps *Deps
}

func (x *flowCallExecutor) Execute(exec *Execution, step *system.Step) (*StepResult, error) {
	if step.Flow == "" {
		return nil, NewFlowError(ErrFlow, "flow_call step %s names no flow", step.ID).WithStep(step.ID)
	}
	if _, ok := exec.System.Flows[step.Flow]; !ok {
		return nil, NewFlowError(ErrFlow, "flow %q not found", step.Flow).WithStep(step.ID)
	}
	inputs := make(map[string]any, len(step.Inputs))
	for k, v := range step.Inputs {
		rendered, err := exec.ResolveAny(v, nil)
		if err != nil {
			return nil, NewFlowError(ErrTemplate, "input %s: %v", k, err).WithStep(step.ID).WithCause(err)
		}
		inputs[k] = rendered
	}
	x.deps.logger().InfoContext(exec, "calling sub-flow",
		"step", step.ID, "flow", step.Flow)
	return &StepResult{
		StepID:  step.ID,
		Type:    step.Type,
		Success: true,
		Call:    &CallRequest{FlowID: step.Flow, Inputs: inputs},
	}, nil
}

// completionExecutor marks the flow finished. The engine stops stepping
// after it regardless of position.
type completionExecutor struct {
	deps *Deps
}

func (x *completionExecutor) Execute(exec *Execution, step *system.Step) (*StepResult, error) {
	data := map[string]any{"completed": true}
	if step.Prompt != "" {
		msg, err := exec.ResolveText(step.Prompt, nil)
		if err != nil {
			return nil, NewFlowError(ErrTemplate, "completion prompt: %v", err).WithStep(step.ID).WithCause(err)
		}
		data["message"] = msg
		exec.RecordMessage(msg)
	}
	return successResult(step.ID, step.Type, data), nil
}

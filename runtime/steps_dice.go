package runtime

import (
	"fmt"

	"github.com/grimoire-rpg/grimoire/system"
)

// diceRollExecutor resolves the roll expression and asks the dice
// service for a result. The total binds as "result" and the formatted
// breakdown as "breakdown" for the step's actions.
type diceRollExecutor struct {
	deps *Deps
}

func (x *diceRollExecutor) Execute(exec *Execution, step *system.Step) (*StepResult, error) {
	expr, err := exec.ResolveText(step.Roll, nil)
	if err != nil {
		return nil, NewFlowError(ErrTemplate, "roll expression: %v", err).WithStep(step.ID).WithCause(err)
	}
	roll, err := x.deps.Dice.Roll(exec, expr)
	if err != nil {
		return nil, NewFlowError(ErrDice, "Dice roll failed: %v", err).WithStep(step.ID).WithCause(err)
	}
	x.deps.logger().InfoContext(exec, "dice rolled",
		"step", step.ID, "expression", roll.Expression, "total", roll.Total)
	return successResult(step.ID, step.Type, map[string]any{
		"result":    roll.Total,
		"rolls":     roll.Rolls,
		"breakdown": roll.Breakdown,
	}), nil
}

// diceSequenceExecutor rolls once per item. Each iteration binds "item"
// so the roll expression and display line can vary per entry.
type diceSequenceExecutor struct {
	deps *Deps
}

func (x *diceSequenceExecutor) Execute(exec *Execution, step *system.Step) (*StepResult, error) {
	seq := step.Sequence
	if seq == nil {
		return nil, NewFlowError(ErrFlow, "dice_sequence step %s has no sequence", step.ID).WithStep(step.ID)
	}
	results := make([]any, 0, len(seq.Items))
	for _, item := range seq.Items {
		scoped := map[string]any{"item": item}
		expr, err := exec.ResolveText(seq.Roll, scoped)
		if err != nil {
			return nil, NewFlowError(ErrTemplate, "roll expression for %s: %v", item, err).WithStep(step.ID).WithCause(err)
		}
		roll, err := x.deps.Dice.Roll(exec, expr)
		if err != nil {
			return nil, NewFlowError(ErrDice, "Dice roll failed for %s: %v", item, err).WithStep(step.ID).WithCause(err)
		}
		results = append(results, map[string]any{
			"item":      item,
			"result":    roll.Total,
			"rolls":     roll.Rolls,
			"breakdown": roll.Breakdown,
		})
		if seq.DisplayAs != "" {
			scoped["result"] = roll.Total
			scoped["breakdown"] = roll.Breakdown
			line, err := exec.ResolveText(seq.DisplayAs, scoped)
			if err != nil {
				x.deps.logger().WarnContext(exec, "sequence display skipped",
					"step", step.ID, "item", item, "error", err)
			} else {
				exec.RecordMessage(line)
			}
		} else {
			exec.RecordMessage(fmt.Sprintf("%s: %s", item, roll.Breakdown))
		}
	}
	x.deps.logger().InfoContext(exec, "dice sequence rolled",
		"step", step.ID, "items", len(seq.Items))
	return successResult(step.ID, step.Type, map[string]any{
		"results": results,
	}), nil
}

package runtime

import (
	"fmt"

	"github.com/grimoire-rpg/grimoire/system"
)

// tableRollExecutor rolls on each referenced table and resolves the
// entries it lands on. String entries pass through; mapping entries
// reach into compendiums or the name generator.
type tableRollExecutor struct {
	deps *Deps
}

func (x *tableRollExecutor) Execute(exec *Execution, step *system.Step) (*StepResult, error) {
	if len(step.Tables) == 0 {
		return nil, NewFlowError(ErrTable, "table_roll step %s references no tables", step.ID).WithStep(step.ID)
	}
	var results []any
	for _, ref := range step.Tables {
		table, ok := exec.System.Tables[ref.Table]
		if !ok {
			return nil, NewFlowError(ErrTable, "table %q not found", ref.Table).WithStep(step.ID)
		}
		count := ref.Count
		if count <= 0 {
			count = 1
		}
		die, err := x.tableDie(exec, table, ref)
		if err != nil {
			return nil, NewFlowError(ErrTable, "table %q: %v", ref.Table, err).WithStep(step.ID).WithCause(err)
		}
		for i := 0; i < count; i++ {
			roll, err := x.deps.Dice.Roll(exec, die)
			if err != nil {
				return nil, NewFlowError(ErrDice, "Dice roll failed: %v", err).WithStep(step.ID).WithCause(err)
			}
			entry, found := table.Lookup(roll.Total)
			if !found {
				x.deps.logger().WarnContext(exec, "roll outside table spans, skipped",
					"table", table.ID, "roll", roll.Total)
				continue
			}
			value, err := x.resolveEntry(exec, table, entry)
			if err != nil {
				return nil, NewFlowError(ErrTable, "table %q entry %q: %v", table.ID, entry.Key, err).WithStep(step.ID).WithCause(err)
			}
			x.deps.logger().DebugContext(exec, "table entry drawn",
				"table", table.ID, "roll", roll.Total, "entry", entry.Key)
			results = append(results, value)
		}
	}
	data := map[string]any{"results": results}
	if len(results) > 0 {
		data["result"] = results[0]
	}
	return successResult(step.ID, step.Type, data), nil
}

// tableDie picks the die for a reference: an explicit override on the
// reference, the table's own roll, or a synthetic die spanning the
// entries.
func (x *tableRollExecutor) tableDie(exec *Execution, table *system.Table, ref system.TableRef) (string, error) {
	if ref.Roll != "" {
		return exec.ResolveText(ref.Roll, nil)
	}
	if table.Roll != "" {
		return table.Roll, nil
	}
	if len(table.Entries) == 0 {
		return "", fmt.Errorf("no entries to roll on")
	}
	max := table.Entries[len(table.Entries)-1].Hi
	if max < 1 {
		return "", fmt.Errorf("entry spans end below 1")
	}
	return fmt.Sprintf("1d%d", max), nil
}

// resolveEntry materializes a table hit. Mapping values chain into the
// compendium layer; generate values call the name generator with the
// entry type as the hint.
func (x *tableRollExecutor) resolveEntry(exec *Execution, table *system.Table, entry system.TableEntry) (any, error) {
	v := entry.Value
	if v.IsText() {
		return v.Text, nil
	}
	if v.Generate {
		hint := v.Type
		if hint == "" {
			hint = table.EntryTypeOrDefault()
		}
		name, err := x.deps.Names.Generate(exec, hint)
		if err != nil {
			return nil, fmt.Errorf("generate: %w", err)
		}
		return name, nil
	}
	if v.ID != "" {
		return x.compendiumEntry(exec, v.Type, v.ID)
	}
	return x.randomEntry(exec, v.Type)
}

func (x *tableRollExecutor) compendiumEntry(exec *Execution, modelType, id string) (any, error) {
	for _, comp := range exec.System.CompendiumsFor(modelType) {
		if entry, ok := comp.Entry(id); ok {
			return entryWithID(id, entry), nil
		}
	}
	return nil, fmt.Errorf("no %s entry %q in any compendium", modelType, id)
}

// randomEntry draws uniformly from every compendium of the type, using
// the dice service so seeded runs stay reproducible.
func (x *tableRollExecutor) randomEntry(exec *Execution, modelType string) (any, error) {
	var ids []string
	byID := make(map[string]map[string]any)
	for _, comp := range exec.System.CompendiumsFor(modelType) {
		for _, id := range comp.EntryIDs() {
			if _, seen := byID[id]; seen {
				continue
			}
			entry, _ := comp.Entry(id)
			ids = append(ids, id)
			byID[id] = entry
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no compendium entries of type %q", modelType)
	}
	roll, err := x.deps.Dice.Roll(exec, fmt.Sprintf("1d%d", len(ids)))
	if err != nil {
		return nil, err
	}
	id := ids[roll.Total-1]
	return entryWithID(id, byID[id]), nil
}

package runtime

import (
	"fmt"
	"sort"

	"github.com/grimoire-rpg/grimoire/system"
)

// playerChoiceExecutor pauses the flow with a resolved choice list.
// ProcessInput validates the player's selection against the same list,
// rebuilt from the unchanged frame, and binds the chosen values as
// selected_item / selected_items for the step's actions.
type playerChoiceExecutor struct {
	deps *Deps
}

func (x *playerChoiceExecutor) Execute(exec *Execution, step *system.Step) (*StepResult, error) {
	choices, count, err := x.buildChoices(exec, step)
	if err != nil {
		return nil, err
	}
	if len(choices) == 0 {
		return nil, NewFlowError(ErrChoice, "no choices available").WithStep(step.ID)
	}
	prompt, err := exec.ResolveText(step.Prompt, nil)
	if err != nil {
		return nil, NewFlowError(ErrTemplate, "choice prompt: %v", err).WithStep(step.ID).WithCause(err)
	}
	return &StepResult{
		StepID:         step.ID,
		Type:           step.Type,
		Success:        true,
		RequiresInput:  true,
		Prompt:         prompt,
		InputType:      "choice",
		Choices:        choices,
		SelectionCount: count,
	}, nil
}

func (x *playerChoiceExecutor) ProcessInput(exec *Execution, step *system.Step, input any) (*StepResult, error) {
	choices, count, err := x.buildChoices(exec, step)
	if err != nil {
		return nil, err
	}
	ids, err := selectionIDs(input)
	if err != nil {
		return nil, NewFlowError(ErrChoice, "Invalid choice: %v", err).WithStep(step.ID)
	}
	if len(ids) == 0 {
		return nil, NewFlowError(ErrChoice, "Invalid choice: nothing selected").WithStep(step.ID)
	}
	if count > 1 && len(ids) != count {
		return nil, NewFlowError(ErrChoice, "Invalid choice: expected %d selections, got %d", count, len(ids)).WithStep(step.ID)
	}
	byID := make(map[string]ChoiceOption, len(choices))
	for _, c := range choices {
		byID[c.ID] = c
	}
	selected := make([]any, 0, len(ids))
	for _, id := range ids {
		c, ok := byID[id]
		if !ok {
			return nil, NewFlowError(ErrChoice, "Invalid choice: %q", id).WithStep(step.ID)
		}
		selected = append(selected, c.Value)
	}
	x.deps.logger().InfoContext(exec, "choice made", "step", step.ID, "selected", ids)
	data := map[string]any{
		"selected_items": selected,
	}
	if len(selected) > 0 {
		data["selected_item"] = selected[0]
	}
	return successResult(step.ID, step.Type, data), nil
}

// buildChoices resolves the step's choice list from inline choices or
// its choice_source. Ordering is deterministic so a resumed step sees
// the identical list it paused with.
func (x *playerChoiceExecutor) buildChoices(exec *Execution, step *system.Step) ([]ChoiceOption, int, error) {
	if len(step.Choices) > 0 {
		out := make([]ChoiceOption, 0, len(step.Choices))
		for _, c := range step.Choices {
			label, err := exec.ResolveText(c.DisplayLabel(), nil)
			if err != nil {
				return nil, 0, NewFlowError(ErrTemplate, "choice label: %v", err).WithStep(step.ID).WithCause(err)
			}
			value := c.Value
			if value == nil {
				value = c.ID
			}
			out = append(out, ChoiceOption{ID: c.ID, Label: label, Value: value})
		}
		return out, 1, nil
	}
	src := step.ChoiceSource
	if src == nil {
		return nil, 0, NewFlowError(ErrChoice, "player_choice step %s has neither choices nor choice_source", step.ID).WithStep(step.ID)
	}
	count := src.SelectionCount
	if count <= 0 {
		count = 1
	}
	switch {
	case src.TableFromValues != "":
		out, err := x.choicesFromValues(exec, step, src)
		return out, count, err
	case src.Compendium != "":
		out, err := x.choicesFromCompendium(exec, step, src)
		return out, count, err
	case src.Table != "":
		out, err := x.choicesFromTable(exec, step, src)
		return out, count, err
	default:
		return nil, 0, NewFlowError(ErrChoice, "choice_source of step %s selects no source", step.ID).WithStep(step.ID)
	}
}

// choicesFromValues enumerates a context mapping, one choice per key in
// sorted order. The display format renders with key and value bound, so
// every label leaves here fully resolved.
func (x *playerChoiceExecutor) choicesFromValues(exec *Execution, step *system.Step, src *system.ChoiceSource) ([]ChoiceOption, error) {
	raw, ok := exec.Lookup(src.TableFromValues)
	if !ok {
		v, err := exec.ResolveValue(src.TableFromValues, nil)
		if err != nil {
			return nil, NewFlowError(ErrChoice, "choice source %q not found", src.TableFromValues).WithStep(step.ID)
		}
		raw = v
	}
	values, ok := raw.(map[string]any)
	if !ok {
		return nil, NewFlowError(ErrChoice, "choice source %q is not a mapping", src.TableFromValues).WithStep(step.ID)
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]ChoiceOption, 0, len(keys))
	for _, k := range keys {
		scoped := map[string]any{"key": k, "value": values[k]}
		label := k
		if src.DisplayFormat != "" {
			rendered, err := exec.ResolveText(src.DisplayFormat, scoped)
			if err != nil {
				return nil, NewFlowError(ErrTemplate, "display_format for %q: %v", k, err).WithStep(step.ID).WithCause(err)
			}
			label = rendered
		}
		out = append(out, ChoiceOption{
			ID:    k,
			Label: label,
			Value: map[string]any{"key": k, "value": values[k]},
		})
	}
	return out, nil
}

// choicesFromCompendium lists entries, optionally filtered by attribute
// equality. Filter values render first so they can reference the frame.
func (x *playerChoiceExecutor) choicesFromCompendium(exec *Execution, step *system.Step, src *system.ChoiceSource) ([]ChoiceOption, error) {
	comp, ok := exec.System.Compendiums[src.Compendium]
	if !ok {
		return nil, NewFlowError(ErrChoice, "compendium %q not found", src.Compendium).WithStep(step.ID)
	}
	filter := make(map[string]any, len(src.Filter))
	for k, v := range src.Filter {
		rendered, err := exec.ResolveAny(v, nil)
		if err != nil {
			return nil, NewFlowError(ErrTemplate, "filter %s: %v", k, err).WithStep(step.ID).WithCause(err)
		}
		filter[k] = rendered
	}
	var out []ChoiceOption
	for _, id := range comp.EntryIDs() {
		entry, _ := comp.Entry(id)
		if !matchesFilter(entry, filter) {
			continue
		}
		out = append(out, ChoiceOption{
			ID:    id,
			Label: entryLabel(id, entry),
			Value: entryWithID(id, entry),
		})
	}
	return out, nil
}

func (x *playerChoiceExecutor) choicesFromTable(exec *Execution, step *system.Step, src *system.ChoiceSource) ([]ChoiceOption, error) {
	table, ok := exec.System.Tables[src.Table]
	if !ok {
		return nil, NewFlowError(ErrChoice, "table %q not found", src.Table).WithStep(step.ID)
	}
	out := make([]ChoiceOption, 0, len(table.Entries))
	for _, e := range table.Entries {
		if e.Value.IsText() {
			out = append(out, ChoiceOption{ID: e.Key, Label: e.Value.Text, Value: e.Value.Text})
			continue
		}
		label := e.Value.ID
		if label == "" {
			label = e.Key
		}
		out = append(out, ChoiceOption{ID: e.Key, Label: label, Value: map[string]any{
			"id":   e.Value.ID,
			"type": e.Value.Type,
		}})
	}
	return out, nil
}

// matchesFilter applies attribute equality with loose numeric
// comparison, so YAML ints match float-typed attributes.
func matchesFilter(entry, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := LookupIn(entry, k)
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func entryLabel(id string, entry map[string]any) string {
	if name, ok := entry["name"].(string); ok && name != "" {
		return name
	}
	return id
}

// entryWithID copies the entry and stamps its id, so selections carry
// their identity without mutating the shared compendium.
func entryWithID(id string, entry map[string]any) map[string]any {
	out := make(map[string]any, len(entry)+1)
	for k, v := range entry {
		out[k] = v
	}
	out["id"] = id
	return out
}

// selectionIDs normalizes the resume payload into a list of choice ids.
func selectionIDs(input any) ([]string, error) {
	switch t := input.(type) {
	case string:
		return []string{t}, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, v := range t {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("selection must be a string id, got %T", v)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("selection must be an id or list of ids, got %T", input)
	}
}

// playerInputExecutor pauses for free-form text. The raw answer binds as
// "result"; any validation or storage is declared in the step's actions.
type playerInputExecutor struct {
	deps *Deps
}

func (x *playerInputExecutor) Execute(exec *Execution, step *system.Step) (*StepResult, error) {
	prompt, err := exec.ResolveText(step.Prompt, nil)
	if err != nil {
		return nil, NewFlowError(ErrTemplate, "input prompt: %v", err).WithStep(step.ID).WithCause(err)
	}
	inputType := step.InputType
	if inputType == "" {
		inputType = "text"
	}
	return &StepResult{
		StepID:        step.ID,
		Type:          step.Type,
		Success:       true,
		RequiresInput: true,
		Prompt:        prompt,
		InputType:     inputType,
	}, nil
}

func (x *playerInputExecutor) ProcessInput(exec *Execution, step *system.Step, input any) (*StepResult, error) {
	x.deps.logger().DebugContext(exec, "input received", "step", step.ID)
	return successResult(step.ID, step.Type, map[string]any{
		"result": fmt.Sprintf("%v", input),
	}), nil
}

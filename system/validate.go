package system

import (
	"fmt"
	"sort"
	"strings"

	"github.com/grimoire-rpg/grimoire/template"
)

// validate runs every cross-reference and schema check over the parsed
// graph, returning one message per problem. Nothing short-circuits: the
// author sees the full list in one pass.
func validate(sys *System, tpl *template.Resolver) []string {
	var problems []string
	problems = append(problems, validateSystemHeader(sys)...)
	problems = append(problems, validateModels(sys)...)
	problems = append(problems, validateCompendiums(sys, tpl)...)
	problems = append(problems, validateTables(sys)...)
	for _, id := range sys.FlowIDs() {
		problems = append(problems, validateFlow(sys, sys.Flows[id])...)
	}
	return problems
}

func validateSystemHeader(sys *System) []string {
	var problems []string
	if sys.DefaultSource != "" {
		if _, ok := sys.Sources[sys.DefaultSource]; !ok {
			problems = append(problems, fmt.Sprintf("system: default_source %q is not a known source", sys.DefaultSource))
		}
	}
	if sys.Currency != nil {
		if sys.Currency.BaseUnit == "" {
			problems = append(problems, "system: currency requires base_unit")
		}
		for _, d := range sys.Currency.Denominations {
			if d.Symbol == "" || d.Name == "" {
				problems = append(problems, "system: currency denominations require symbol and name")
			}
			if d.Value <= 0 {
				problems = append(problems, fmt.Sprintf("system: denomination %q must have a positive value", d.Symbol))
			}
		}
	}
	return problems
}

func validateModels(sys *System) []string {
	var problems []string
	for _, id := range sys.ModelIDs() {
		m := sys.Models[id]
		for _, parent := range m.Extends {
			if _, ok := sys.Models[parent]; !ok {
				problems = append(problems, fmt.Sprintf("model %s: extends unknown model %q", id, parent))
			}
		}
		for _, path := range sortedAttrPaths(m.Attributes) {
			def := m.Attributes[path]
			where := fmt.Sprintf("model %s attribute %s", id, path)
			if def.Type != "" && !IsScalarType(def.Type) {
				if _, ok := sys.Models[def.Type]; !ok {
					problems = append(problems, fmt.Sprintf("%s: type %q is neither scalar nor a known model", where, def.Type))
				}
			}
			if def.Of != "" && !IsScalarType(def.Of) {
				if _, ok := sys.Models[def.Of]; !ok {
					problems = append(problems, fmt.Sprintf("%s: of %q is neither scalar nor a known model", where, def.Of))
				}
			}
			if def.Range != "" {
				if err := CheckRangeSyntax(def.Range); err != nil {
					problems = append(problems, fmt.Sprintf("%s: %v", where, err))
				}
			}
		}
	}
	if cycle := findExtendsCycle(sys.Models); cycle != nil {
		problems = append(problems, fmt.Sprintf("models: inheritance cycle: %s", strings.Join(cycle, " -> ")))
	}
	return problems
}

// findExtendsCycle walks the extends graph depth-first, tracking the
// recursion stack so the reported cycle reads in declaration order.
func findExtendsCycle(models map[string]*Model) []string {
	visited := make(map[string]bool)
	inStack := make(map[string]bool)
	parent := make(map[string]string)

	var dfs func(id string) []string
	dfs = func(id string) []string {
		visited[id] = true
		inStack[id] = true
		m := models[id]
		if m != nil {
			for _, dep := range m.Extends {
				if _, known := models[dep]; !known {
					continue
				}
				if !visited[dep] {
					parent[dep] = id
					if cycle := dfs(dep); cycle != nil {
						return cycle
					}
				} else if inStack[dep] {
					cycle := []string{dep}
					for cur := id; cur != dep; cur = parent[cur] {
						cycle = append([]string{cur}, cycle...)
					}
					return append([]string{dep}, cycle...)
				}
			}
		}
		inStack[id] = false
		return nil
	}

	ids := make([]string, 0, len(models))
	for id := range models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !visited[id] {
			if cycle := dfs(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func validateCompendiums(sys *System, tpl *template.Resolver) []string {
	var problems []string
	for _, id := range sys.CompendiumIDs() {
		c := sys.Compendiums[id]
		model, ok := sys.Models[c.Model]
		if !ok {
			problems = append(problems, fmt.Sprintf("compendium %s: model %q is not defined", id, c.Model))
			continue
		}
		if c.Source != "" {
			if _, ok := sys.Sources[c.Source]; !ok {
				problems = append(problems, fmt.Sprintf("compendium %s: source %q is not defined", id, c.Source))
			}
		}
		// Entries validate against merged attributes, so inheritance has
		// to resolve here even though the loader redoes it after checks.
		model.resolveInheritance(sys.Models)
		for _, entryID := range c.EntryIDs() {
			for _, msg := range model.ValidateInstance(c.Entries[entryID], tpl) {
				problems = append(problems, fmt.Sprintf("compendium %s entry %s: %s", id, entryID, msg))
			}
		}
	}
	return problems
}

func validateTables(sys *System) []string {
	var problems []string
	for _, id := range sys.TableIDs() {
		t := sys.Tables[id]
		if t.EntryType != "" && t.EntryType != TypeStr {
			if _, ok := sys.Models[t.EntryType]; !ok {
				problems = append(problems, fmt.Sprintf("table %s: entry_type %q is neither \"str\" nor a known model", id, t.EntryType))
			}
		}
		if t.Roll != "" && !template.HasTemplate(t.Roll) && !DiceExprPattern.MatchString(t.Roll) {
			problems = append(problems, fmt.Sprintf("table %s: roll %q is not a valid dice expression", id, t.Roll))
		}
		problems = append(problems, t.checkSpans()...)
		for _, e := range t.Entries {
			if e.Value.IsText() {
				continue
			}
			typ := e.Value.Type
			if typ == "" {
				typ = t.EntryTypeOrDefault()
			}
			if e.Value.Generate {
				continue // generator hints are free-form
			}
			if typ == TypeStr {
				problems = append(problems, fmt.Sprintf("table %s entry %q: mapping entries need a model type", id, e.Key))
				continue
			}
			if _, ok := sys.Models[typ]; !ok {
				problems = append(problems, fmt.Sprintf("table %s entry %q: type %q is not a known model", id, e.Key, typ))
				continue
			}
			compendiums := compendiumsForModel(sys, typ)
			if len(compendiums) == 0 {
				problems = append(problems, fmt.Sprintf("table %s entry %q: no compendium catalogs model %q", id, e.Key, typ))
				continue
			}
			if e.Value.ID != "" && !entryExists(compendiums, e.Value.ID) {
				problems = append(problems, fmt.Sprintf("table %s entry %q: id %q not found in any %s compendium", id, e.Key, e.Value.ID, typ))
			}
		}
	}
	return problems
}

// compendiumsForModel works before indexCompendiums runs; validation
// happens ahead of the final index build.
func compendiumsForModel(sys *System, modelID string) []*Compendium {
	var out []*Compendium
	for _, id := range sys.CompendiumIDs() {
		if sys.Compendiums[id].Model == modelID {
			out = append(out, sys.Compendiums[id])
		}
	}
	return out
}

func entryExists(compendiums []*Compendium, id string) bool {
	for _, c := range compendiums {
		if _, ok := c.Entries[id]; ok {
			return true
		}
	}
	return false
}

func validateFlow(sys *System, f *Flow) []string {
	var problems []string
	where := "flow " + f.ID

	for _, out := range f.Outputs {
		if out.Type == "" || IsScalarType(out.Type) {
			continue
		}
		if _, ok := sys.Models[out.Type]; !ok {
			problems = append(problems, fmt.Sprintf("%s: output %q has unknown type %q", where, out.Name, out.Type))
		}
	}

	seen := make(map[string]bool, len(f.Steps))
	for i := range f.Steps {
		step := &f.Steps[i]
		if step.ID == "" {
			problems = append(problems, fmt.Sprintf("%s: step %d has no id", where, i))
			continue
		}
		if seen[step.ID] {
			problems = append(problems, fmt.Sprintf("%s: duplicate step id %q", where, step.ID))
		}
		seen[step.ID] = true
	}
	for i := range f.Steps {
		step := &f.Steps[i]
		if step.NextStep != "" && !seen[step.NextStep] {
			problems = append(problems, fmt.Sprintf("%s step %s: next_step %q does not exist", where, step.ID, step.NextStep))
		}
		problems = append(problems, validateStep(sys, f, step)...)
	}
	for _, rp := range f.ResumePoints {
		if !seen[rp] {
			problems = append(problems, fmt.Sprintf("%s: resume_point %q does not exist", where, rp))
		}
	}
	return problems
}

func validateStep(sys *System, f *Flow, step *Step) []string {
	var problems []string
	where := fmt.Sprintf("flow %s step %s", f.ID, step.ID)

	switch step.Type {
	case StepDiceRoll:
		if step.Roll == "" {
			problems = append(problems, where+": dice_roll requires roll")
		} else if !template.HasTemplate(step.Roll) && !DiceExprPattern.MatchString(step.Roll) {
			problems = append(problems, fmt.Sprintf("%s: roll %q is not a valid dice expression", where, step.Roll))
		}
	case StepDiceSequence:
		if step.Sequence == nil || len(step.Sequence.Items) == 0 || step.Sequence.Roll == "" {
			problems = append(problems, where+": dice_sequence requires sequence.items and sequence.roll")
		}
	case StepPlayerChoice:
		if len(step.Choices) == 0 && step.ChoiceSource == nil {
			problems = append(problems, where+": player_choice requires choices or choice_source")
		}
		if cs := step.ChoiceSource; cs != nil {
			set := 0
			if cs.TableFromValues != "" {
				set++
			}
			if cs.Compendium != "" {
				set++
				if _, ok := sys.Compendiums[cs.Compendium]; !ok {
					problems = append(problems, fmt.Sprintf("%s: choice_source compendium %q is not defined", where, cs.Compendium))
				}
			}
			if cs.Table != "" {
				set++
				if _, ok := sys.Tables[cs.Table]; !ok {
					problems = append(problems, fmt.Sprintf("%s: choice_source table %q is not defined", where, cs.Table))
				}
			}
			if set != 1 {
				problems = append(problems, where+": choice_source needs exactly one of table_from_values, compendium, table")
			}
		}
	case StepPlayerInput:
		// Prompt optional; validation handled by the actions layer.
	case StepTableRoll:
		if len(step.Tables) == 0 {
			problems = append(problems, where+": table_roll requires tables")
		}
		for _, ref := range step.Tables {
			if _, ok := sys.Tables[ref.Table]; !ok {
				problems = append(problems, fmt.Sprintf("%s: table %q is not defined", where, ref.Table))
			}
			if ref.Roll != "" && !template.HasTemplate(ref.Roll) && !DiceExprPattern.MatchString(ref.Roll) {
				problems = append(problems, fmt.Sprintf("%s: roll %q is not a valid dice expression", where, ref.Roll))
			}
		}
	case StepLLMGeneration:
		if step.Prompt == "" && step.PromptID == "" {
			problems = append(problems, where+": llm_generation requires prompt or prompt_id")
		}
		if step.PromptID != "" {
			if _, ok := sys.Prompts[step.PromptID]; !ok {
				problems = append(problems, fmt.Sprintf("%s: prompt_id %q is not defined", where, step.PromptID))
			}
		}
		if step.Validation != nil {
			problems = append(problems, checkSchemaShape(where, step.Validation)...)
		}
	case StepConditional:
		if step.IfCondition == nil {
			problems = append(problems, where+": conditional requires if_condition")
		}
		if len(step.ThenActions) == 0 && step.ElseActions == nil {
			problems = append(problems, where+": conditional requires then_actions or else_actions")
		}
		problems = append(problems, validateActions(sys, where+" then", step.ThenActions)...)
		problems = append(problems, validateElseBranch(sys, where, step.ElseActions)...)
	case StepFlowCall:
		if step.Flow == "" {
			problems = append(problems, where+": flow_call requires flow")
		} else if _, ok := sys.Flows[step.Flow]; !ok {
			problems = append(problems, fmt.Sprintf("%s: flow %q is not defined", where, step.Flow))
		}
	case StepCompletion:
		// Prompt optional.
	case "":
		problems = append(problems, where+": type is required")
	default:
		problems = append(problems, fmt.Sprintf("%s: unknown step type %q", where, step.Type))
	}

	problems = append(problems, validateActions(sys, where, step.Actions)...)
	return problems
}

func validateElseBranch(sys *System, where string, branch *ElseBranch) []string {
	if branch == nil {
		return nil
	}
	if branch.Elif == nil {
		return validateActions(sys, where+" else", branch.Actions)
	}
	var problems []string
	if branch.Elif.If == nil {
		problems = append(problems, where+": nested else needs an if condition")
	}
	problems = append(problems, validateActions(sys, where+" elif then", branch.Elif.Then)...)
	problems = append(problems, validateElseBranch(sys, where, branch.Elif.Else)...)
	return problems
}

func validateActions(sys *System, where string, actions []Action) []string {
	var problems []string
	for i, a := range actions {
		at := fmt.Sprintf("%s action %d", where, i)
		switch a.Type {
		case ActionSetValue:
			if a.Path == "" {
				problems = append(problems, at+": set_value requires path")
			}
		case ActionLogMessage:
			if a.Message == "" {
				problems = append(problems, at+": log_message requires message")
			}
		case ActionLogEvent:
			if a.Event == "" {
				problems = append(problems, at+": log_event requires event")
			}
		case ActionCallFlow:
			if a.FlowID == "" {
				problems = append(problems, at+": call_flow requires flow_id")
			} else if _, ok := sys.Flows[a.FlowID]; !ok {
				problems = append(problems, fmt.Sprintf("%s: call_flow flow_id %q is not defined", at, a.FlowID))
			}
		case "":
			problems = append(problems, at+": type is required")
		default:
			// Unknown action types are skipped with a warning at run
			// time, not rejected at load.
		}
	}
	return problems
}

// schemaTypes are the type names the JSON-ish schema checker accepts.
var schemaTypes = map[string]bool{
	"string": true, "integer": true, "number": true,
	"boolean": true, "object": true, "array": true,
}

func checkSchemaShape(where string, v *ValidationSpec) []string {
	var problems []string
	if v.Type != "" && v.Type != "json" {
		problems = append(problems, fmt.Sprintf("%s: validation type %q is not supported", where, v.Type))
	}
	for _, schema := range []map[string]any{v.Schema, v.JSONSchema} {
		if schema == nil {
			continue
		}
		problems = append(problems, checkSchemaMap(where, schema)...)
	}
	return problems
}

func checkSchemaMap(where string, schema map[string]any) []string {
	var problems []string
	if t, ok := schema["type"]; ok {
		ts, isStr := t.(string)
		if !isStr || !schemaTypes[ts] {
			problems = append(problems, fmt.Sprintf("%s: schema type %v is not a known JSON type", where, t))
		}
	}
	if req, ok := schema["required"]; ok {
		list, isList := req.([]any)
		if !isList {
			problems = append(problems, where+": schema required must be a list of keys")
		} else {
			for _, k := range list {
				if _, isStr := k.(string); !isStr {
					problems = append(problems, fmt.Sprintf("%s: schema required key %v must be a string", where, k))
				}
			}
		}
	}
	if props, ok := schema["properties"]; ok {
		pm, isMap := props.(map[string]any)
		if !isMap {
			problems = append(problems, where+": schema properties must be a mapping")
		} else {
			for name, sub := range pm {
				subMap, isMap := sub.(map[string]any)
				if !isMap {
					problems = append(problems, fmt.Sprintf("%s: schema property %q must be a mapping", where, name))
					continue
				}
				problems = append(problems, checkSchemaMap(fmt.Sprintf("%s property %q", where, name), subMap)...)
			}
		}
	}
	if enum, ok := schema["enum"]; ok {
		if _, isList := enum.([]any); !isList {
			problems = append(problems, where+": schema enum must be a list")
		}
	}
	if ml, ok := schema["minLength"]; ok {
		if n, isInt := asInt(ml); !isInt || n < 0 {
			problems = append(problems, where+": schema minLength must be a non-negative integer")
		}
	}
	return problems
}

func sortedAttrPaths(attrs map[string]*AttributeDef) []string {
	paths := make([]string, 0, len(attrs))
	for p := range attrs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

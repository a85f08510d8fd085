package runtime

import (
	"sort"
	"strings"

	"github.com/grimoire-rpg/grimoire/system"
)

// seedModelOutput instantiates a model-typed output on a frame: attribute
// defaults write through the cascade, derived attributes register and
// compute their initial values. Defaults land first so early derived
// computations see them.
func (e *Execution) seedModelOutput(f *Frame, name string, model *system.Model) {
	attrs := model.MergedAttributes()
	paths := make([]string, 0, len(attrs))
	for p := range attrs {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	base := "outputs." + name
	for _, p := range paths {
		def := attrs[p]
		if def.Derived != "" || def.Default == nil {
			continue
		}
		e.setWithCascade(f, base+"."+p, cloneValue(def.Default))
	}
	for _, p := range paths {
		def := attrs[p]
		if def.Derived == "" {
			continue
		}
		full := base + "." + p
		root := base
		if idx := strings.LastIndex(full, "."); idx > 0 {
			root = full[:idx]
		}
		f.derived.Register(full, def.Derived, root)
		e.recomputeDerived(f, full)
	}
	e.logger.DebugContext(e, "model output seeded",
		"output", name, "model", model.ID, "attributes", len(attrs))
}

// validateModelOutputs checks every model-typed output of a finished
// frame against its model. Returned messages fail the flow.
func (e *Execution) validateModelOutputs(f *Frame) []string {
	var problems []string
	for _, out := range f.Flow.Outputs {
		model, ok := e.System.Models[out.Type]
		if !ok {
			continue
		}
		raw, found := f.Outputs.Get(out.Name)
		if !found {
			continue
		}
		values, isMap := raw.(map[string]any)
		if !isMap {
			problems = append(problems, "output "+out.Name+" is not a "+out.Type+" instance")
			continue
		}
		for _, msg := range model.ValidateInstance(values, e.resolver) {
			problems = append(problems, "output "+out.Name+": "+msg)
		}
	}
	return problems
}

// cloneValue deep-copies maps and slices so frame state never aliases
// the shared system definitions.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

package runtime

import "strings"

// Namespace stores one frame namespace (inputs, outputs, or variables)
// as nested maps, so templates traverse it with native dot access while
// dotted-path Set/Get keep the engine's addressing uniform.
type Namespace struct {
	values map[string]any
}

func NewNamespace() *Namespace {
	return &Namespace{values: make(map[string]any)}
}

// Set stores a value at a dot-separated path, creating intermediate
// maps as needed. A non-map intermediate is overwritten by a new map.
func (n *Namespace) Set(path string, value any) {
	parts := strings.Split(path, ".")
	current := n.values
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part]
		if !ok {
			m := make(map[string]any)
			current[part] = m
			current = m
			continue
		}
		if m, ok := next.(map[string]any); ok {
			current = m
		} else {
			m := make(map[string]any)
			current[part] = m
			current = m
		}
	}
	current[parts[len(parts)-1]] = value
}

// Get retrieves the value at a dot-separated path.
func (n *Namespace) Get(path string) (any, bool) {
	parts := strings.Split(path, ".")
	current := n.values
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part]
		if !ok {
			return nil, false
		}
		m, ok := next.(map[string]any)
		if !ok {
			return nil, false
		}
		current = m
	}
	v, ok := current[parts[len(parts)-1]]
	return v, ok
}

// Merge deep-merges values into the namespace at its root.
func (n *Namespace) Merge(values map[string]any) {
	n.values = DeepMerge(n.values, values)
}

// All returns the underlying map. Template environments receive this
// directly and traverse nested maps via member access.
func (n *Namespace) All() map[string]any {
	return n.values
}

// Len reports the number of top-level keys.
func (n *Namespace) Len() int {
	return len(n.values)
}

// LookupIn traverses a nested map by dotted path.
func LookupIn(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = m
	for _, part := range parts {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = asMap[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Flatten converts nested maps into a single level of dotted keys.
// Inverse of Unflatten for keys without literal dots.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", m)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok && len(sub) > 0 {
			flattenInto(out, key, sub)
			continue
		}
		out[key] = v
	}
}

// Unflatten expands dotted keys back into nested maps.
func Unflatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		parts := strings.Split(k, ".")
		current := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := current[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				current[part] = next
			}
			current = next
		}
		current[parts[len(parts)-1]] = v
	}
	return out
}

// DeepMerge returns a new map with overlay merged into base: nested
// maps merge key-wise, anything else on the right overrides the left.
// Neither argument is mutated.
func DeepMerge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		bv, exists := out[k]
		if exists {
			bm, bIsMap := bv.(map[string]any)
			om, oIsMap := v.(map[string]any)
			if bIsMap && oIsMap {
				out[k] = DeepMerge(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}

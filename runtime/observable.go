package runtime

import (
	"reflect"
	"sort"
	"strings"

	"github.com/grimoire-rpg/grimoire/template"
)

// Observer receives change notifications for one observed path.
type Observer func(name string, old, new any)

// ObservableValue is a single named cell with change observers. Setting
// an equal value is a no-op: no notification, no derived recomputation.
type ObservableValue struct {
	Name      string
	value     any
	set       bool
	observers []Observer
}

func NewObservableValue(name string) *ObservableValue {
	return &ObservableValue{Name: name}
}

// Value returns the current value.
func (o *ObservableValue) Value() any {
	return o.value
}

// Observe appends a change callback.
func (o *ObservableValue) Observe(fn Observer) {
	o.observers = append(o.observers, fn)
}

// Changed reports whether setting v would change the cell. The first
// set always counts as a change, even to nil.
func (o *ObservableValue) Changed(v any) bool {
	return !o.set || !reflect.DeepEqual(o.value, v)
}

// Set stores the value and notifies observers. Returns false when the
// value was equal and nothing happened.
func (o *ObservableValue) Set(v any) bool {
	if !o.Changed(v) {
		return false
	}
	old := o.value
	o.value = v
	o.set = true
	for _, fn := range o.observers {
		fn(o.Name, old, v)
	}
	return true
}

// namespaceRoots are path roots addressed absolutely inside derived
// expressions; anything else is instance-relative.
var namespaceRoots = map[string]struct{}{
	"inputs": {}, "outputs": {}, "variables": {},
	"system": {}, "currency": {}, "credits": {},
}

type derivedField struct {
	expr string // rewritten for evaluation ($ markers stripped)
	root string // instance path the expression is relative to
	deps []string
}

// DerivedFields tracks derived expressions and the reverse dependency
// index driving recomputation. One instance per namespace frame; the
// computing set breaks dependency cycles mid-cascade.
type DerivedFields struct {
	fields    map[string]derivedField
	index     map[string]map[string]struct{} // base path -> derived paths
	computing map[string]struct{}
}

func NewDerivedFields() *DerivedFields {
	return &DerivedFields{
		fields:    make(map[string]derivedField),
		index:     make(map[string]map[string]struct{}),
		computing: make(map[string]struct{}),
	}
}

// Register records a derived expression for path. root is the instance
// prefix that bare identifiers and $. references resolve against; $name
// references resolve against root's parent (sibling instances). The
// stored expression carries marker prefixes in place of the $ forms so
// evaluation can bind self and sibling maps without name collisions.
func (d *DerivedFields) Register(path, expr, root string) {
	if !template.HasTemplate(expr) {
		expr = "{{ " + expr + " }}"
	}
	rewritten := rewriteDollar(expr, selfMarker+".", sibMarker+".")

	parent := ""
	if idx := strings.LastIndex(root, "."); idx > 0 {
		parent = root[:idx]
	}

	seen := make(map[string]struct{})
	var deps []string
	for _, dep := range template.Dependencies(rewritten) {
		abs := absolutizeDep(dep, root, parent)
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		deps = append(deps, abs)
	}
	sort.Strings(deps)

	d.fields[path] = derivedField{expr: rewritten, root: root, deps: deps}
	for _, dep := range deps {
		set, ok := d.index[dep]
		if !ok {
			set = make(map[string]struct{})
			d.index[dep] = set
		}
		set[path] = struct{}{}
	}
}

// field returns the registered derived entry for path.
func (d *DerivedFields) field(path string) (derivedField, bool) {
	f, ok := d.fields[path]
	return f, ok
}

// Registered reports whether path has a derived expression.
func (d *DerivedFields) Registered(path string) bool {
	_, ok := d.fields[path]
	return ok
}

// Dependencies returns the registered dependency paths of a derived
// field, sorted.
func (d *DerivedFields) Dependencies(path string) []string {
	return d.fields[path].deps
}

// DependentsOf returns the derived paths that read base, sorted for
// deterministic cascade order.
func (d *DerivedFields) DependentsOf(base string) []string {
	set := d.index[base]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// begin marks path as computing. A false return means the path is
// already part of the current change wave: a cycle.
func (d *DerivedFields) begin(path string) bool {
	if _, busy := d.computing[path]; busy {
		return false
	}
	d.computing[path] = struct{}{}
	return true
}

func (d *DerivedFields) end(path string) {
	delete(d.computing, path)
}

const (
	selfMarker = "__self__"
	sibMarker  = "__sibling__"
)

func absolutizeDep(dep, root, parent string) string {
	switch {
	case strings.HasPrefix(dep, selfMarker+"."):
		rest := strings.TrimPrefix(dep, selfMarker+".")
		return joinPath(root, rest)
	case strings.HasPrefix(dep, sibMarker+"."):
		rest := strings.TrimPrefix(dep, sibMarker+".")
		return joinPath(parent, rest)
	}
	head, _, _ := strings.Cut(dep, ".")
	if _, absolute := namespaceRoots[head]; absolute {
		return dep
	}
	return joinPath(root, dep)
}

func joinPath(prefix, rest string) string {
	if prefix == "" {
		return rest
	}
	return prefix + "." + rest
}

// rewriteDollar replaces the instance-relative markers in a derived
// expression: "$." (own attribute) with selfPrefix and a bare "$"
// before an identifier (sibling instance) with sibPrefix. Dollars
// inside string literals are left alone.
func rewriteDollar(expr, selfPrefix, sibPrefix string) string {
	var out strings.Builder
	out.Grow(len(expr) + 16)
	inDouble := false
	inSingle := false
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		}
		if inDouble || inSingle || c != '$' {
			out.WriteByte(c)
			continue
		}
		if i+1 < len(expr) && expr[i+1] == '.' {
			out.WriteString(selfPrefix)
			i++ // swallow the dot; the prefix carries its own
			continue
		}
		if i+1 < len(expr) && isIdentStart(expr[i+1]) {
			out.WriteString(sibPrefix)
			continue
		}
		out.WriteByte(c)
	}
	return out.String()
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

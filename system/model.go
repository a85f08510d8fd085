package system

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/grimoire-rpg/grimoire/template"
)

// Scalar attribute types. Any other type string names a model.
const (
	TypeInt   = "int"
	TypeFloat = "float"
	TypeStr   = "str"
	TypeBool  = "bool"
	TypeList  = "list"
)

// IsScalarType reports whether t is a built-in attribute type rather
// than a model reference.
func IsScalarType(t string) bool {
	switch t {
	case TypeInt, TypeFloat, TypeStr, TypeBool, TypeList:
		return true
	}
	return false
}

// Model defines the attribute schema instances must satisfy. Attributes
// are keyed by dotted path; nested YAML mappings flatten on parse and
// rebuild on marshal.
type Model struct {
	ID          string                   `yaml:"id"`
	Kind        string                   `yaml:"kind"`
	Name        string                   `yaml:"name"`
	Description string                   `yaml:"description,omitempty"`
	Extends     []string                 `yaml:"extends,omitempty"`
	Attributes  map[string]*AttributeDef `yaml:"attributes,omitempty"`
	Validations []ValidationRule         `yaml:"validations,omitempty"`

	// merged carries the inheritance-resolved attribute set. Populated by
	// the loader; nil means the model stands alone.
	merged      map[string]*AttributeDef
	mergedRules []ValidationRule
}

// AttributeDef constrains one attribute of a model instance.
type AttributeDef struct {
	Type     string `yaml:"type"`
	Default  any    `yaml:"default,omitempty"`
	Range    string `yaml:"range,omitempty"` // "lo..hi"; endpoints literal or $otherAttr
	Enum     []any  `yaml:"enum,omitempty"`
	Derived  string `yaml:"derived,omitempty"` // template recomputed as dependencies change
	Required *bool  `yaml:"required,omitempty"`
	Of       string `yaml:"of,omitempty"` // list element type
}

// IsRequired applies the default: attributes are required unless marked
// otherwise. Derived attributes are never required as inputs.
func (a *AttributeDef) IsRequired() bool {
	if a.Derived != "" {
		return false
	}
	if a.Required == nil {
		return true
	}
	return *a.Required
}

// ValidationRule is a named instance-level check. Expression is a
// template evaluated against the instance; falsy means the rule failed.
type ValidationRule struct {
	Name       string `yaml:"name,omitempty"`
	Expression string `yaml:"expression"`
	Message    string `yaml:"message,omitempty"`
}

type modelDoc struct {
	ID          string           `yaml:"id"`
	Kind        string           `yaml:"kind"`
	Name        string           `yaml:"name"`
	Description string           `yaml:"description,omitempty"`
	Extends     []string         `yaml:"extends,omitempty"`
	Attributes  yaml.Node        `yaml:"attributes,omitempty"`
	Validations []ValidationRule `yaml:"validations,omitempty"`
}

// UnmarshalYAML flattens the attributes mapping into dotted paths. A
// mapping node is an AttributeDef iff it carries a scalar "type" key;
// otherwise it nests one level deeper.
func (m *Model) UnmarshalYAML(node *yaml.Node) error {
	var doc modelDoc
	if err := node.Decode(&doc); err != nil {
		return err
	}
	m.ID = doc.ID
	m.Kind = doc.Kind
	m.Name = doc.Name
	m.Description = doc.Description
	m.Extends = doc.Extends
	m.Validations = doc.Validations
	if doc.Attributes.Kind == 0 {
		return nil
	}
	m.Attributes = make(map[string]*AttributeDef)
	return flattenAttributes(&doc.Attributes, "", m.Attributes)
}

// MarshalYAML rebuilds the nested attribute mapping from dotted paths,
// the inverse of UnmarshalYAML.
func (m *Model) MarshalYAML() (any, error) {
	out := map[string]any{
		"id":   m.ID,
		"kind": m.Kind,
		"name": m.Name,
	}
	if m.Description != "" {
		out["description"] = m.Description
	}
	if len(m.Extends) > 0 {
		out["extends"] = m.Extends
	}
	if len(m.Attributes) > 0 {
		out["attributes"] = nestAttributes(m.Attributes)
	}
	if len(m.Validations) > 0 {
		out["validations"] = m.Validations
	}
	return out, nil
}

func flattenAttributes(node *yaml.Node, prefix string, into map[string]*AttributeDef) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("attributes at %q must be a mapping", prefix)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valNode := node.Content[i], node.Content[i+1]
		path := keyNode.Value
		if prefix != "" {
			path = prefix + "." + keyNode.Value
		}
		if isAttributeDefNode(valNode) {
			var def AttributeDef
			if err := valNode.Decode(&def); err != nil {
				return fmt.Errorf("attribute %q: %w", path, err)
			}
			into[path] = &def
			continue
		}
		if err := flattenAttributes(valNode, path, into); err != nil {
			return err
		}
	}
	return nil
}

// isAttributeDefNode detects the leaf shape: a mapping with a scalar
// "type" value. A nested group may contain an attribute literally named
// "type", but only as a mapping, which keeps the two shapes distinct.
func isAttributeDefNode(node *yaml.Node) bool {
	if node.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "type" {
			return node.Content[i+1].Kind == yaml.ScalarNode
		}
	}
	return false
}

func nestAttributes(attrs map[string]*AttributeDef) map[string]any {
	out := make(map[string]any)
	paths := make([]string, 0, len(attrs))
	for p := range attrs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		parts := strings.Split(p, ".")
		cur := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := cur[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[part] = next
			}
			cur = next
		}
		cur[parts[len(parts)-1]] = attrs[p]
	}
	return out
}

// MergedAttributes returns the inheritance-resolved attribute set:
// parents first, child definitions overriding. Before the loader
// resolves extends it is the model's own attributes.
func (m *Model) MergedAttributes() map[string]*AttributeDef {
	if m.merged != nil {
		return m.merged
	}
	return m.Attributes
}

// MergedValidations returns inherited plus own validation rules.
func (m *Model) MergedValidations() []ValidationRule {
	if m.mergedRules != nil {
		return m.mergedRules
	}
	return m.Validations
}

// AttributePaths returns the merged attribute paths in sorted order.
func (m *Model) AttributePaths() []string {
	attrs := m.MergedAttributes()
	paths := make([]string, 0, len(attrs))
	for p := range attrs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// resolveInheritance flattens the extends chain. Callers guarantee the
// graph is acyclic (the loader checks first).
func (m *Model) resolveInheritance(models map[string]*Model) {
	if len(m.Extends) == 0 {
		return
	}
	merged := make(map[string]*AttributeDef)
	var rules []ValidationRule
	for _, parentID := range m.Extends {
		parent, ok := models[parentID]
		if !ok {
			continue
		}
		parent.resolveInheritance(models)
		for p, def := range parent.MergedAttributes() {
			merged[p] = def
		}
		rules = append(rules, parent.MergedValidations()...)
	}
	for p, def := range m.Attributes {
		merged[p] = def
	}
	rules = append(rules, m.Validations...)
	m.merged = merged
	m.mergedRules = rules
}

// ValidateInstance checks values against the merged attribute
// constraints and validation rules, returning one message per problem.
// Range endpoints written as $attr resolve against the instance itself,
// so an inverted range surfaces here rather than at load.
func (m *Model) ValidateInstance(values map[string]any, tpl *template.Resolver) []string {
	var problems []string
	attrs := m.MergedAttributes()
	for _, path := range m.AttributePaths() {
		def := attrs[path]
		v, found := lookupDotted(values, path)
		if !found || v == nil {
			if def.IsRequired() && def.Default == nil {
				problems = append(problems, fmt.Sprintf("%s: required attribute missing", path))
			}
			continue
		}
		problems = append(problems, checkAttributeValue(path, def, v, values)...)
	}
	for _, rule := range m.MergedValidations() {
		if rule.Expression == "" {
			continue
		}
		env := make(map[string]any, len(values))
		for k, val := range values {
			env[k] = val
		}
		v, err := tpl.Resolve(rule.Expression, env, template.ModeRuntime)
		if err != nil || !template.Truthy(v) {
			msg := rule.Message
			if msg == "" {
				msg = fmt.Sprintf("validation %q failed", ruleName(rule))
			}
			problems = append(problems, msg)
		}
	}
	return problems
}

func ruleName(r ValidationRule) string {
	if r.Name != "" {
		return r.Name
	}
	return r.Expression
}

func checkAttributeValue(path string, def *AttributeDef, v any, values map[string]any) []string {
	var problems []string
	switch def.Type {
	case TypeInt:
		if _, ok := asInt(v); !ok {
			problems = append(problems, fmt.Sprintf("%s: expected int, got %T", path, v))
		}
	case TypeFloat:
		if _, ok := asFloat(v); !ok {
			problems = append(problems, fmt.Sprintf("%s: expected float, got %T", path, v))
		}
	case TypeStr, "":
		if _, ok := v.(string); !ok {
			problems = append(problems, fmt.Sprintf("%s: expected str, got %T", path, v))
		}
	case TypeBool:
		if _, ok := v.(bool); !ok {
			problems = append(problems, fmt.Sprintf("%s: expected bool, got %T", path, v))
		}
	case TypeList:
		if _, ok := v.([]any); !ok {
			problems = append(problems, fmt.Sprintf("%s: expected list, got %T", path, v))
		}
	default:
		// Model reference: the value is either an entry id or an
		// embedded mapping validated against its own model at load.
		switch v.(type) {
		case string, map[string]any:
		default:
			problems = append(problems, fmt.Sprintf("%s: expected %s reference, got %T", path, def.Type, v))
		}
	}

	if def.Range != "" {
		if n, ok := asFloat(v); ok {
			lo, hi, err := resolveRange(def.Range, values)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", path, err))
			} else if lo > hi {
				problems = append(problems, fmt.Sprintf("%s: range %q is inverted (%v > %v)", path, def.Range, lo, hi))
			} else if n < lo || n > hi {
				problems = append(problems, fmt.Sprintf("%s: value %v outside range %q", path, v, def.Range))
			}
		}
	}

	if len(def.Enum) > 0 {
		matched := false
		for _, allowed := range def.Enum {
			if equalLoose(allowed, v) {
				matched = true
				break
			}
		}
		if !matched {
			problems = append(problems, fmt.Sprintf("%s: value %v not in enum %v", path, v, def.Enum))
		}
	}
	return problems
}

// CheckRangeSyntax verifies a "lo..hi" declaration without resolving
// $attr endpoints. Used at load time.
func CheckRangeSyntax(r string) error {
	lo, hi, ok := strings.Cut(r, "..")
	if !ok {
		return fmt.Errorf("range %q must use lo..hi form", r)
	}
	for _, end := range []string{lo, hi} {
		end = strings.TrimSpace(end)
		if strings.HasPrefix(end, "$") {
			if len(end) == 1 {
				return fmt.Errorf("range %q has an empty attribute reference", r)
			}
			continue
		}
		if _, err := strconv.ParseFloat(end, 64); err != nil {
			return fmt.Errorf("range endpoint %q is neither a number nor a $attr reference", end)
		}
	}
	return nil
}

func resolveRange(r string, values map[string]any) (float64, float64, error) {
	loStr, hiStr, ok := strings.Cut(r, "..")
	if !ok {
		return 0, 0, fmt.Errorf("range %q must use lo..hi form", r)
	}
	lo, err := resolveRangeEndpoint(strings.TrimSpace(loStr), values)
	if err != nil {
		return 0, 0, err
	}
	hi, err := resolveRangeEndpoint(strings.TrimSpace(hiStr), values)
	if err != nil {
		return 0, 0, err
	}
	return lo, hi, nil
}

func resolveRangeEndpoint(s string, values map[string]any) (float64, error) {
	if strings.HasPrefix(s, "$") {
		ref := s[1:]
		v, found := lookupDotted(values, ref)
		if !found {
			return 0, fmt.Errorf("range endpoint $%s not present on instance", ref)
		}
		n, ok := asFloat(v)
		if !ok {
			return 0, fmt.Errorf("range endpoint $%s is not numeric", ref)
		}
		return n, nil
	}
	return strconv.ParseFloat(s, 64)
}

func lookupDotted(values map[string]any, path string) (any, bool) {
	cur := any(values)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func equalLoose(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	return aok && bok && af == bf
}

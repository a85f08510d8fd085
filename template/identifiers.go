package template

import (
	"sort"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

// runtimeIdentifiers defer a template past load time. A template whose
// free identifiers intersect this set can only be rendered against a
// live execution, never against system metadata alone.
var runtimeIdentifiers = map[string]struct{}{
	"result":         {},
	"results":        {},
	"variables":      {},
	"inputs":         {},
	"outputs":        {},
	"item":           {},
	"selected_item":  {},
	"selected_items": {},
	"key":            {},
	"value":          {},
	"llm_result":     {},
}

// IsRuntimeIdentifier reports whether name marks a template as run-time.
func IsRuntimeIdentifier(name string) bool {
	_, ok := runtimeIdentifiers[name]
	return ok
}

type identCollector struct {
	idents map[string]struct{}
	funcs  map[string]struct{}
	paths  map[string]struct{}
}

func newIdentCollector() *identCollector {
	return &identCollector{
		idents: map[string]struct{}{},
		funcs:  map[string]struct{}{},
		paths:  map[string]struct{}{},
	}
}

// memberPath flattens a member chain like a.b.c into its segments.
// Computed properties (a[b]) do not form a static path.
func memberPath(n ast.Node) ([]string, bool) {
	switch t := n.(type) {
	case *ast.IdentifierNode:
		return []string{t.Value}, true
	case *ast.MemberNode:
		base, ok := memberPath(t.Node)
		if !ok {
			return nil, false
		}
		prop, ok := t.Property.(*ast.StringNode)
		if !ok {
			return nil, false
		}
		return append(base, prop.Value), true
	}
	return nil, false
}

func (c *identCollector) walk(n ast.Node) {
	if n == nil {
		return
	}
	switch t := n.(type) {
	case *ast.IdentifierNode:
		c.idents[t.Value] = struct{}{}
	case *ast.MemberNode:
		if parts, ok := memberPath(t); ok {
			c.paths[strings.Join(parts, ".")] = struct{}{}
			return
		}
		c.walk(t.Node)
		c.walk(t.Property)
	case *ast.CallNode:
		if id, ok := t.Callee.(*ast.IdentifierNode); ok {
			c.funcs[id.Value] = struct{}{}
		} else {
			c.walk(t.Callee)
		}
		for _, a := range t.Arguments {
			c.walk(a)
		}
	case *ast.ChainNode:
		c.walk(t.Node)
	case *ast.UnaryNode:
		c.walk(t.Node)
	case *ast.BinaryNode:
		c.walk(t.Left)
		c.walk(t.Right)
	case *ast.ConditionalNode:
		c.walk(t.Cond)
		c.walk(t.Exp1)
		c.walk(t.Exp2)
	case *ast.ArrayNode:
		for _, e := range t.Nodes {
			c.walk(e)
		}
	case *ast.MapNode:
		for _, p := range t.Pairs {
			c.walk(p)
		}
	case *ast.PairNode:
		if _, ok := t.Key.(*ast.StringNode); !ok {
			c.walk(t.Key)
		}
		c.walk(t.Value)
	case *ast.SliceNode:
		c.walk(t.Node)
		c.walk(t.From)
		c.walk(t.To)
	case *ast.BuiltinNode:
		for _, a := range t.Arguments {
			c.walk(a)
		}
	case *ast.ClosureNode:
		c.walk(t.Node)
	case *ast.VariableDeclaratorNode:
		c.walk(t.Value)
		c.walk(t.Expr)
	}
}

// expressionSources gathers every expression in a template, including
// the conditions of if/elif blocks.
func expressionSources(segs []segment) []string {
	var out []string
	for _, s := range segs {
		switch s.kind {
		case segExpr:
			out = append(out, s.text)
		case segCond:
			for _, b := range s.branches {
				if b.cond != "" {
					out = append(out, b.cond)
				}
				out = append(out, expressionSources(b.body)...)
			}
		}
	}
	return out
}

func parserParse(src string) (ast.Node, error) {
	tree, err := parser.Parse(src)
	if err != nil {
		return nil, err
	}
	return tree.Node, nil
}

func collect(text string) (*identCollector, bool) {
	if !HasTemplate(text) {
		return newIdentCollector(), true
	}
	segs, err := parseTemplate(text)
	if err != nil {
		return nil, false
	}
	c := newIdentCollector()
	for _, src := range expressionSources(segs) {
		tree, err := parser.Parse(NormalizeExpression(src))
		if err != nil {
			return nil, false
		}
		c.walk(tree.Node)
	}
	return c, true
}

// FreeIdentifiers returns the sorted set of root identifiers a template
// reads from its context. Filter and function names are excluded.
func FreeIdentifiers(text string) []string {
	c, ok := collect(text)
	if !ok {
		return nil
	}
	set := map[string]struct{}{}
	for id := range c.idents {
		if _, filter := filterNames[id]; !filter {
			set[id] = struct{}{}
		}
	}
	for p := range c.paths {
		root, _, _ := strings.Cut(p, ".")
		if _, filter := filterNames[root]; !filter {
			set[root] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Dependencies returns the sorted dotted paths a template reads. Bare
// identifiers count as single-segment paths.
func Dependencies(text string) []string {
	c, ok := collect(text)
	if !ok {
		return nil
	}
	set := map[string]struct{}{}
	for id := range c.idents {
		if _, filter := filterNames[id]; !filter {
			set[id] = struct{}{}
		}
	}
	for p := range c.paths {
		root, _, _ := strings.Cut(p, ".")
		if _, filter := filterNames[root]; filter {
			continue
		}
		set[p] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ReadsOnly reports whether every identifier the template reads starts
// from one of the given roots. Filter calls do not count as reads.
// Unparseable templates report false so callers leave them verbatim.
func ReadsOnly(text string, roots ...string) bool {
	if !HasTemplate(text) {
		return true
	}
	c, ok := collect(text)
	if !ok {
		return false
	}
	if _, uses := c.funcs["get_value"]; uses {
		return false
	}
	allowed := make(map[string]struct{}, len(roots))
	for _, r := range roots {
		allowed[r] = struct{}{}
	}
	for id := range c.idents {
		if _, filter := filterNames[id]; filter {
			continue
		}
		if _, ok := allowed[id]; !ok {
			return false
		}
	}
	for p := range c.paths {
		root, _, _ := strings.Cut(p, ".")
		if _, filter := filterNames[root]; filter {
			continue
		}
		if _, ok := allowed[root]; !ok {
			return false
		}
	}
	return true
}

// IsRuntime classifies a template. Run-time templates are left verbatim
// by the loader and rendered against an execution later. Unparseable
// templates classify as run-time so load never rejects them.
func IsRuntime(text string) bool {
	if !HasTemplate(text) {
		return false
	}
	c, ok := collect(text)
	if !ok {
		return true
	}
	if _, uses := c.funcs["get_value"]; uses {
		return true
	}
	for id := range c.idents {
		if IsRuntimeIdentifier(id) {
			return true
		}
	}
	for p := range c.paths {
		root, _, _ := strings.Cut(p, ".")
		if IsRuntimeIdentifier(root) {
			return true
		}
	}
	return false
}

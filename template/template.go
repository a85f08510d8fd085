// Package template renders the Jinja-style expression templates that
// appear throughout system definitions. Expressions compile through
// expr-lang; the two modes differ in how undefined identifiers behave.
package template

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/expr-lang/expr"
	"gopkg.in/yaml.v3"
)

// Mode selects the resolution strategy.
type Mode int

const (
	// ModeLoad is strict: every identifier must resolve against the
	// supplied context or the render fails. Used while loading a system,
	// where only system metadata is in scope.
	ModeLoad Mode = iota

	// ModeRuntime is lenient: undefined identifiers render empty, except
	// the run-time identifier set, which must be bound by the engine.
	ModeRuntime
)

// ErrUndefined marks a strict resolution failure: a load-time identifier
// missing from metadata, or a run-time identifier missing from the
// execution context.
var ErrUndefined = errors.New("undefined template identifier")

// Resolver renders templates against a context map.
type Resolver struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

// Resolve renders text against env. A template that is exactly one
// interpolation returns its evaluated value natively. Mixed templates
// render to a string; in run-time mode the rendered string is then
// checked for a structured value (see detectStructured).
//
// Run-time fail semantics: syntax and evaluation errors fall back to
// the original text, while an unbound run-time identifier returns
// ErrUndefined. Load-time mode reports every failure.
func (r *Resolver) Resolve(text string, env map[string]any, mode Mode) (any, error) {
	if !HasTemplate(text) {
		return text, nil
	}
	segs, err := parseTemplate(text)
	if err != nil {
		r.logger.Debug("template left verbatim", "error", err)
		return text, nil
	}

	if src, ok := singleExpression(segs); ok {
		v, err := r.eval(src, env, mode)
		if err != nil {
			if mode == ModeLoad || errors.Is(err, ErrUndefined) {
				return nil, err
			}
			r.logger.Debug("template left verbatim", "expression", src, "error", err)
			return text, nil
		}
		if v == nil {
			return "", nil
		}
		return v, nil
	}

	rendered, err := r.render(segs, env, mode)
	if err != nil {
		if mode == ModeLoad || errors.Is(err, ErrUndefined) {
			return nil, err
		}
		r.logger.Debug("template left verbatim", "error", err)
		return text, nil
	}
	if mode == ModeRuntime {
		if v, ok := detectStructured(rendered); ok {
			return v, nil
		}
	}
	return rendered, nil
}

// ResolveString renders text to a string, never promoting the result to
// a structured value. Log messages use this path.
func (r *Resolver) ResolveString(text string, env map[string]any, mode Mode) (string, error) {
	if !HasTemplate(text) {
		return text, nil
	}
	segs, err := parseTemplate(text)
	if err != nil {
		r.logger.Debug("template left verbatim", "error", err)
		return text, nil
	}
	rendered, err := r.render(segs, env, mode)
	if err != nil {
		if mode == ModeLoad || errors.Is(err, ErrUndefined) {
			return "", err
		}
		r.logger.Debug("template left verbatim", "error", err)
		return text, nil
	}
	return rendered, nil
}

func (r *Resolver) render(segs []segment, env map[string]any, mode Mode) (string, error) {
	var out strings.Builder
	for _, seg := range segs {
		switch seg.kind {
		case segText:
			out.WriteString(seg.text)
		case segExpr:
			v, err := r.eval(seg.text, env, mode)
			if err != nil {
				return "", err
			}
			out.WriteString(stringify(v))
		case segCond:
			for _, b := range seg.branches {
				if b.cond != "" {
					v, err := r.eval(b.cond, env, mode)
					if err != nil {
						return "", err
					}
					if !Truthy(v) {
						continue
					}
				}
				body, err := r.render(b.body, env, mode)
				if err != nil {
					return "", err
				}
				out.WriteString(body)
				break
			}
		}
	}
	return out.String(), nil
}

func (r *Resolver) eval(src string, env map[string]any, mode Mode) (any, error) {
	normalized := NormalizeExpression(src)

	if mode == ModeRuntime {
		if err := checkRuntimeBindings(normalized, env); err != nil {
			return nil, err
		}
	}

	ctx := make(map[string]any, len(env)+1)
	for k, v := range env {
		ctx[k] = v
	}
	// null aliases nil for authors writing YAML-flavored expressions.
	ctx["null"] = nil

	opts := []expr.Option{expr.Env(ctx)}
	if mode == ModeRuntime {
		opts = append(opts, expr.AllowUndefinedVariables())
	}
	opts = append(opts, filterOptions...)
	opts = append(opts, getValueOption(ctx))

	program, err := expr.Compile(normalized, opts...)
	if err != nil {
		if mode == ModeLoad && isUnknownName(err) {
			return nil, fmt.Errorf("%w: %s", ErrUndefined, compactError(err))
		}
		return nil, err
	}
	v, err := expr.Run(program, ctx)
	if err != nil {
		return nil, err
	}
	if mode == ModeLoad && v == nil {
		return nil, fmt.Errorf("%w in %q", ErrUndefined, src)
	}
	return v, nil
}

// checkRuntimeBindings errors when an expression names a run-time
// identifier the engine has not bound. Lenient undefined handling only
// covers ordinary context paths.
func checkRuntimeBindings(normalized string, env map[string]any) error {
	c := newIdentCollector()
	if tree, err := parserParse(normalized); err == nil {
		c.walk(tree)
	}
	check := func(name string) error {
		if !IsRuntimeIdentifier(name) {
			return nil
		}
		if _, bound := env[name]; !bound {
			return fmt.Errorf("%w: %q is not bound here", ErrUndefined, name)
		}
		return nil
	}
	for id := range c.idents {
		if err := check(id); err != nil {
			return err
		}
	}
	for p := range c.paths {
		root, _, _ := strings.Cut(p, ".")
		if err := check(root); err != nil {
			return err
		}
	}
	return nil
}

// getValueOption exposes get_value(path), reading the context with the
// fallback chain outputs, variables, inputs, then metadata itself.
func getValueOption(ctx map[string]any) expr.Option {
	return expr.Function("get_value", func(params ...any) (any, error) {
		if len(params) != 1 {
			return nil, fmt.Errorf("get_value expects one path argument")
		}
		path, ok := params[0].(string)
		if !ok {
			return nil, fmt.Errorf("get_value expects a string path, got %T", params[0])
		}
		for _, ns := range []string{"outputs", "variables", "inputs"} {
			if m, ok := ctx[ns].(map[string]any); ok {
				if v, found := lookupPath(m, path); found {
					return v, nil
				}
			}
		}
		if v, found := lookupPath(ctx, path); found {
			return v, nil
		}
		return nil, nil
	}, new(func(string) any))
}

func lookupPath(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = m
	for _, p := range parts {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = asMap[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// labelLine matches a rendered log line such as "Strength: +2". These
// stay strings even though YAML would happily read them as a mapping.
func looksLikeLabelLine(s string) bool {
	if strings.Contains(s, "\n") {
		return false
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || trimmed[0] == '{' || trimmed[0] == '[' {
		return false
	}
	idx := strings.Index(trimmed, ": ")
	if idx <= 0 {
		return false
	}
	var v any
	if err := yaml.Unmarshal([]byte(trimmed), &v); err != nil {
		return false
	}
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return false
	}
	for _, mv := range m {
		switch mv.(type) {
		case map[string]any, []any:
			return false
		}
	}
	return true
}

// detectStructured promotes rendered text to a structured value when it
// parses unambiguously as a YAML mapping, list, int, float, or bool.
// Single-line "Label: value" strings are deliberately not promoted.
func detectStructured(s string) (any, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, false
	}
	if looksLikeLabelLine(s) {
		return nil, false
	}
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	switch v.(type) {
	case map[string]any, []any, int, int64, float64, bool:
		return v, true
	}
	return nil, false
}

func isUnknownName(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unknown name") || strings.Contains(msg, "undefined")
}

func compactError(err error) string {
	msg := err.Error()
	if idx := strings.IndexByte(msg, '\n'); idx > 0 {
		return msg[:idx]
	}
	return msg
}

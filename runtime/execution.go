package runtime

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/grimoire-rpg/grimoire/system"
	"github.com/grimoire-rpg/grimoire/template"
)

var _ context.Context = &Execution{}

// Frame is one flow activation: its own namespaces, step cursor, and
// reactive state. Sub-flows push frames; observables and derived fields
// never leak across frames.
type Frame struct {
	FlowID    string
	ExecID    string
	Flow      *system.Flow
	Inputs    *Namespace
	Outputs   *Namespace
	Variables *Namespace
	StepIndex int

	// AwaitingStep holds the step id paused for player input; CallStep
	// holds the flow_call step id while a child frame runs.
	AwaitingStep string
	CallStep     string

	overlay     map[string]any
	results     []*StepResult
	byStep      map[string]*StepResult
	observables map[string]*ObservableValue
	derived     *DerivedFields
}

func NewFrame(flow *system.Flow) *Frame {
	return &Frame{
		FlowID:      flow.ID,
		ExecID:      uuid.New().String(),
		Flow:        flow,
		Inputs:      NewNamespace(),
		Outputs:     NewNamespace(),
		Variables:   NewNamespace(),
		overlay:     make(map[string]any),
		byStep:      make(map[string]*StepResult),
		observables: make(map[string]*ObservableValue),
		derived:     NewDerivedFields(),
	}
}

// CurrentStep returns the step at the cursor, or nil past the end.
func (f *Frame) CurrentStep() *system.Step {
	if f.StepIndex < 0 || f.StepIndex >= len(f.Flow.Steps) {
		return nil
	}
	return &f.Flow.Steps[f.StepIndex]
}

// Record stores a step result, replacing any earlier result for the
// same step (resumed steps record once, completed).
func (f *Frame) Record(res *StepResult) {
	if prev, ok := f.byStep[res.StepID]; ok {
		for i, r := range f.results {
			if r == prev {
				f.results[i] = res
				break
			}
		}
	} else {
		f.results = append(f.results, res)
	}
	f.byStep[res.StepID] = res
}

// ResultFor returns the recorded result of a step.
func (f *Frame) ResultFor(stepID string) (*StepResult, bool) {
	r, ok := f.byStep[stepID]
	return r, ok
}

// Results returns recorded step results in execution order.
func (f *Frame) Results() []*StepResult {
	return f.results
}

// Bind sets a one-shot overlay key, visible to templates until cleared.
// Sub-flow results bind here as "result" for the caller's actions.
func (f *Frame) Bind(key string, value any) {
	f.overlay[key] = value
}

// Unbind removes an overlay key.
func (f *Frame) Unbind(key string) {
	delete(f.overlay, key)
}

func (f *Frame) observableFor(path string) *ObservableValue {
	ov, ok := f.observables[path]
	if !ok {
		ov = NewObservableValue(path)
		f.observables[path] = ov
	}
	return ov
}

// Observable exposes the cell for a path so hosts can attach observers.
func (f *Frame) Observable(path string) *ObservableValue {
	return f.observableFor(path)
}

// Derived exposes the frame's derived-field registry.
func (f *Frame) Derived() *DerivedFields {
	return f.derived
}

// Execution carries the full state of one flow run, including every
// frame on the call stack. It implements context.Context by delegating
// to the embedded ctx so deadlines and cancellation propagate through
// slog and service calls that take the execution as context.
type Execution struct {
	ID     string
	System *system.System

	ctx       context.Context
	logger    *slog.Logger
	resolver  *template.Resolver
	frames    []*Frame
	messages  []string
	cancelled bool
}

func NewExecution(ctx context.Context, sys *system.System, logger *slog.Logger, resolver *template.Resolver) *Execution {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = template.New(logger)
	}
	return &Execution{
		ID:       uuid.New().String(),
		System:   sys,
		ctx:      ctx,
		logger:   logger,
		resolver: resolver,
	}
}

func (e *Execution) Deadline() (deadline time.Time, ok bool) {
	return e.ctx.Deadline()
}

func (e *Execution) Done() <-chan struct{} {
	return e.ctx.Done()
}

func (e *Execution) Err() error {
	return e.ctx.Err()
}

func (e *Execution) Value(key any) any {
	k, ok := key.(string)
	if !ok {
		return e.ctx.Value(key)
	}
	if v, found := e.Lookup(k); found {
		return v
	}
	return e.ctx.Value(key)
}

// WithScopedContext temporarily swaps the embedded context while fn
// runs. Execution is single-threaded, so the swap is safe; step-scoped
// timeouts use this without copying state.
func (e *Execution) WithScopedContext(ctx context.Context, fn func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	prev := e.ctx
	e.ctx = ctx
	defer func() {
		e.ctx = prev
	}()
	fn()
}

// MarkCancelled flags the run; the engine turns the flag into a
// cancelled FlowResult at the next step boundary.
func (e *Execution) MarkCancelled() {
	e.cancelled = true
}

func (e *Execution) Cancelled() bool {
	return e.cancelled
}

func (e *Execution) Push(f *Frame) {
	e.frames = append(e.frames, f)
}

func (e *Execution) Pop() *Frame {
	if len(e.frames) == 0 {
		return nil
	}
	f := e.frames[len(e.frames)-1]
	e.frames = e.frames[:len(e.frames)-1]
	return f
}

func (e *Execution) CurrentFrame() *Frame {
	if len(e.frames) == 0 {
		return nil
	}
	return e.frames[len(e.frames)-1]
}

// RootFrame returns the bottom of the call stack: the flow the run was
// started for.
func (e *Execution) RootFrame() *Frame {
	if len(e.frames) == 0 {
		return nil
	}
	return e.frames[0]
}

func (e *Execution) Depth() int {
	return len(e.frames)
}

// RecordMessage appends a player-facing action message.
func (e *Execution) RecordMessage(msg string) {
	e.messages = append(e.messages, msg)
}

// DrainMessages returns accumulated action messages and clears them.
func (e *Execution) DrainMessages() []string {
	out := e.messages
	e.messages = nil
	return out
}

// TemplateEnv builds the evaluation context for the current frame:
// system metadata, the three namespaces, overlay bindings, then any
// step-scoped extras on top.
func (e *Execution) TemplateEnv(extra map[string]any) map[string]any {
	return e.frameEnv(e.CurrentFrame(), extra)
}

func (e *Execution) frameEnv(f *Frame, extra map[string]any) map[string]any {
	env := make(map[string]any, 8+len(extra))
	if e.System != nil {
		for k, v := range e.System.Metadata() {
			env[k] = v
		}
	}
	if f != nil {
		env["inputs"] = f.Inputs.All()
		env["outputs"] = f.Outputs.All()
		env["variables"] = f.Variables.All()
		for k, v := range f.overlay {
			env[k] = v
		}
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

// ResolveValue renders a run-time template against the current frame.
func (e *Execution) ResolveValue(text string, extra map[string]any) (any, error) {
	return e.resolver.Resolve(text, e.TemplateEnv(extra), template.ModeRuntime)
}

// ResolveText renders to a string, never promoting structured values.
func (e *Execution) ResolveText(text string, extra map[string]any) (string, error) {
	return e.resolver.ResolveString(text, e.TemplateEnv(extra), template.ModeRuntime)
}

// ResolveAny renders templates inside an arbitrary YAML value: strings
// resolve, maps and lists recurse, everything else passes through.
func (e *Execution) ResolveAny(v any, extra map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return e.ResolveValue(t, extra)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			r, err := e.ResolveAny(item, extra)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			r, err := e.ResolveAny(item, extra)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// Lookup reads a dotted path against the current frame. Namespace
// prefixes route to the frame namespaces; system metadata and overlay
// bindings resolve next; anything else falls back to variables.
func (e *Execution) Lookup(path string) (any, bool) {
	return e.lookupFrame(e.CurrentFrame(), path)
}

func (e *Execution) lookupFrame(f *Frame, path string) (any, bool) {
	if f == nil {
		return nil, false
	}
	head, rest, nested := strings.Cut(path, ".")
	switch head {
	case "inputs":
		if !nested {
			return f.Inputs.All(), true
		}
		return f.Inputs.Get(rest)
	case "outputs":
		if !nested {
			return f.Outputs.All(), true
		}
		return f.Outputs.Get(rest)
	case "variables":
		if !nested {
			return f.Variables.All(), true
		}
		return f.Variables.Get(rest)
	}
	if v, ok := f.overlay[head]; ok {
		if !nested {
			return v, true
		}
		if m, isMap := v.(map[string]any); isMap {
			return LookupIn(m, rest)
		}
		return nil, false
	}
	if e.System != nil {
		meta := e.System.Metadata()
		if v, ok := meta[head]; ok {
			if !nested {
				return v, true
			}
			if m, isMap := v.(map[string]any); isMap {
				return LookupIn(m, rest)
			}
			return nil, false
		}
	}
	return f.Variables.Get(path)
}

// setRaw routes a write into the owning namespace. Unprefixed paths
// land in variables.
func (e *Execution) setRaw(f *Frame, path string, value any) {
	head, rest, nested := strings.Cut(path, ".")
	if nested {
		switch head {
		case "inputs":
			f.Inputs.Set(rest, value)
			return
		case "outputs":
			f.Outputs.Set(rest, value)
			return
		case "variables":
			f.Variables.Set(rest, value)
			return
		}
	}
	e.logger.DebugContext(e, "unprefixed path routed to variables", "path", path)
	f.Variables.Set(path, value)
}

// SetWithCascade writes a value and recomputes every derived field that
// reads the path. Writing an equal value is a complete no-op: no
// observers fire and nothing recomputes.
func (e *Execution) SetWithCascade(path string, value any) {
	f := e.CurrentFrame()
	if f == nil {
		return
	}
	e.setWithCascade(f, path, value)
}

func (e *Execution) setWithCascade(f *Frame, path string, value any) {
	ov := f.observableFor(path)
	if !ov.Changed(value) {
		return
	}
	e.setRaw(f, path, value)
	ov.Set(value)
	for _, dep := range f.derived.DependentsOf(path) {
		e.recomputeDerived(f, dep)
	}
}

// RegisterDerived wires a derived expression at path, relative to the
// instance rooted at root, and computes its initial value.
func (e *Execution) RegisterDerived(path, expr, root string) {
	f := e.CurrentFrame()
	if f == nil {
		return
	}
	f.derived.Register(path, expr, root)
	e.recomputeDerived(f, path)
}

func (e *Execution) recomputeDerived(f *Frame, path string) {
	field, ok := f.derived.field(path)
	if !ok {
		return
	}
	if !f.derived.begin(path) {
		e.logger.WarnContext(e, "derived field cycle, recompute skipped",
			"field", path, "flow", f.FlowID)
		return
	}
	defer f.derived.end(path)

	v, err := e.resolver.Resolve(field.expr, e.derivedEnv(f, field.root), template.ModeRuntime)
	if err != nil {
		e.logger.DebugContext(e, "derived field left unchanged", "field", path, "error", err)
		return
	}
	// The lenient resolver hands the template text back when evaluation
	// fails outright (every operand undefined). The field reads as empty
	// then, never as its own source.
	if s, ok := v.(string); ok && s == field.expr && template.HasTemplate(s) {
		v = ""
	}
	e.setWithCascade(f, path, v)
}

// derivedEnv extends the frame environment with instance-relative
// bindings: the instance map spread at top level for bare identifiers,
// plus self and sibling markers for rewritten $ references.
func (e *Execution) derivedEnv(f *Frame, root string) map[string]any {
	env := e.frameEnv(f, nil)
	self := map[string]any{}
	if root != "" {
		if v, ok := e.lookupFrame(f, root); ok {
			if m, isMap := v.(map[string]any); isMap {
				self = m
			}
		}
	}
	for k, v := range self {
		env[k] = v
	}
	env[selfMarker] = self

	siblings := map[string]any{}
	if idx := strings.LastIndex(root, "."); idx > 0 {
		if v, ok := e.lookupFrame(f, root[:idx]); ok {
			if m, isMap := v.(map[string]any); isMap {
				siblings = m
			}
		}
	}
	env[sibMarker] = siblings
	return env
}

package runtime

import "fmt"

// ErrorKind classifies where a runtime failure originated.
type ErrorKind string

const (
	// ErrTemplate marks a run-time template rendering failure.
	ErrTemplate ErrorKind = "template"
	// ErrDice marks a dice service failure.
	ErrDice ErrorKind = "dice"
	// ErrLLM marks an LLM service or validation failure.
	ErrLLM ErrorKind = "llm"
	// ErrTable marks a table lookup or resolution failure.
	ErrTable ErrorKind = "table"
	// ErrChoice marks an invalid player selection.
	ErrChoice ErrorKind = "choice"
	// ErrFlow marks engine-level failures: missing flow ids, unknown
	// step types, failing sub-flows.
	ErrFlow ErrorKind = "flow"
	// ErrCancelled marks an explicit cancellation.
	ErrCancelled ErrorKind = "cancelled"
)

// FlowError is the canonical error propagated through a flow execution.
// Executors fold these into failed StepResults; the engine folds step
// failures into the FlowResult.
type FlowError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Step    string    `json:"step,omitempty"`
	Cause   error     `json:"-"`
}

func (e *FlowError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] %s (step: %s)", e.Kind, e.Message, e.Step)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewFlowError builds a classified error with a formatted message.
func NewFlowError(kind ErrorKind, format string, args ...any) *FlowError {
	return &FlowError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches the failing step id.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.Step = stepID
	return e
}

// WithCause attaches the underlying error for errors.Is/As chains.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// ToMap converts the error for injection into template contexts.
func (e *FlowError) ToMap() map[string]any {
	return map[string]any{
		"kind":    string(e.Kind),
		"message": e.Message,
		"step":    e.Step,
	}
}

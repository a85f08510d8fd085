package runtime

// ChoiceOption is one selectable answer offered to the player.
type ChoiceOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Value any    `json:"value,omitempty"`
}

// CallRequest asks the engine to push a sub-flow frame. Executors
// return it instead of running the child themselves, so nested pauses
// unwind through the engine's own stack.
type CallRequest struct {
	FlowID string
	Inputs map[string]any
}

// StepResult is the outcome of one step execution.
type StepResult struct {
	StepID  string         `json:"step_id"`
	Type    string         `json:"type"`
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`

	// Pause payload, set when the step needs player input.
	RequiresInput  bool           `json:"requires_input,omitempty"`
	Prompt         string         `json:"prompt,omitempty"`
	InputType      string         `json:"input_type,omitempty"`
	Choices        []ChoiceOption `json:"choices,omitempty"`
	SelectionCount int            `json:"selection_count,omitempty"`

	Call *CallRequest `json:"-"`
}

func successResult(stepID, stepType string, data map[string]any) *StepResult {
	return &StepResult{StepID: stepID, Type: stepType, Success: true, Data: data}
}

func failureResult(stepID, stepType string, err error) *StepResult {
	return &StepResult{StepID: stepID, Type: stepType, Error: err.Error()}
}

// FlowResult is the terminal outcome of a run: either success with
// outputs, a failure carrying the error, or a cancellation.
type FlowResult struct {
	FlowID          string         `json:"flow_id"`
	Success         bool           `json:"success"`
	Cancelled       bool           `json:"cancelled,omitempty"`
	Error           string         `json:"error,omitempty"`
	CompletedAtStep string         `json:"completed_at_step,omitempty"`
	Outputs         map[string]any `json:"outputs"`
	Variables       map[string]any `json:"variables,omitempty"`
	Steps           []*StepResult  `json:"steps,omitempty"`
	Messages        []string       `json:"messages,omitempty"`
}

// Pending describes a paused run awaiting player input. The engine
// keeps the execution; the host shows the prompt and calls Resume.
type Pending struct {
	ExecutionID    string         `json:"execution_id"`
	FlowID         string         `json:"flow_id"`
	StepID         string         `json:"step_id"`
	Prompt         string         `json:"prompt,omitempty"`
	InputType      string         `json:"input_type,omitempty"`
	Choices        []ChoiceOption `json:"choices,omitempty"`
	SelectionCount int            `json:"selection_count,omitempty"`
	Depth          int            `json:"depth"`
	Messages       []string       `json:"messages,omitempty"`
}

// RunOutcome is what Run and Resume return: exactly one of Result or
// Pending is non-nil.
type RunOutcome struct {
	Result  *FlowResult
	Pending *Pending
}

// Paused reports whether the run stopped for player input.
func (o *RunOutcome) Paused() bool {
	return o != nil && o.Pending != nil
}

package system

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Step kinds dispatched by the engine's executor registry.
const (
	StepDiceRoll      = "dice_roll"
	StepDiceSequence  = "dice_sequence"
	StepPlayerChoice  = "player_choice"
	StepPlayerInput   = "player_input"
	StepTableRoll     = "table_roll"
	StepLLMGeneration = "llm_generation"
	StepConditional   = "conditional"
	StepFlowCall      = "flow_call"
	StepCompletion    = "completion"
)

// StepKinds lists every step type the engine understands.
var StepKinds = []string{
	StepDiceRoll, StepDiceSequence, StepPlayerChoice, StepPlayerInput,
	StepTableRoll, StepLLMGeneration, StepConditional, StepFlowCall,
	StepCompletion,
}

// Action kinds applied after a step completes.
const (
	ActionSetValue   = "set_value"
	ActionLogMessage = "log_message"
	ActionLogEvent   = "log_event"
	ActionCallFlow   = "call_flow"
)

// Flow is an ordered sequence of steps with declared inputs and outputs.
// Step order defines the default successor; next_step overrides it.
type Flow struct {
	ID           string         `yaml:"id"`
	Kind         string         `yaml:"kind"`
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description,omitempty"`
	Inputs       []InputDef     `yaml:"inputs,omitempty"`
	Outputs      []OutputDef    `yaml:"outputs,omitempty"`
	Variables    map[string]any `yaml:"variables,omitempty"`
	Steps        []Step         `yaml:"steps"`
	ResumePoints []string       `yaml:"resume_points,omitempty"`
}

// InputDef declares one flow input.
type InputDef struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type,omitempty"`
	Description string `yaml:"description,omitempty"`
	Required    *bool  `yaml:"required,omitempty"`
	Default     any    `yaml:"default,omitempty"`
}

// IsRequired applies the default: inputs are required unless marked
// otherwise or carrying a default.
func (d InputDef) IsRequired() bool {
	if d.Default != nil {
		return false
	}
	if d.Required == nil {
		return true
	}
	return *d.Required
}

// OutputDef declares one flow output. Type is a scalar name or a model
// id; model-typed outputs are instantiated when the flow starts.
type OutputDef struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// Step is a single flow action, dispatched by Type.
type Step struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name,omitempty"`
	Type      string   `yaml:"type"`
	Condition string   `yaml:"condition,omitempty"`
	NextStep  string   `yaml:"next_step,omitempty"`
	Actions   []Action `yaml:"actions,omitempty"`

	// dice_roll / dice_sequence
	Roll     string        `yaml:"roll,omitempty"`
	Sequence *SequenceSpec `yaml:"sequence,omitempty"`

	// player_choice / player_input
	Choices      []Choice      `yaml:"choices,omitempty"`
	ChoiceSource *ChoiceSource `yaml:"choice_source,omitempty"`
	InputType    string        `yaml:"input_type,omitempty"`

	// table_roll
	Tables []TableRef `yaml:"tables,omitempty"`

	// llm_generation; Prompt doubles as the display prompt of
	// player_choice, player_input, and completion steps.
	Prompt     string          `yaml:"prompt,omitempty"`
	PromptID   string          `yaml:"prompt_id,omitempty"`
	PromptData map[string]any  `yaml:"prompt_data,omitempty"`
	Settings   map[string]any  `yaml:"settings,omitempty"`
	Validation *ValidationSpec `yaml:"validation,omitempty"`

	// conditional
	IfCondition any         `yaml:"if_condition,omitempty"` // template string or bool
	ThenActions []Action    `yaml:"then_actions,omitempty"`
	ElseActions *ElseBranch `yaml:"else_actions,omitempty"`

	// flow_call
	Flow   string         `yaml:"flow,omitempty"`
	Inputs map[string]any `yaml:"inputs,omitempty"`
}

// DisplayName returns the step's name, falling back to its id.
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Action is a declarative post-step effect.
type Action struct {
	Type    string         `yaml:"type"`
	Path    string         `yaml:"path,omitempty"`    // set_value
	Value   any            `yaml:"value,omitempty"`   // set_value
	Message string         `yaml:"message,omitempty"` // log_message
	Event   string         `yaml:"event,omitempty"`   // log_event
	Data    any            `yaml:"data,omitempty"`    // log_event
	FlowID  string         `yaml:"flow_id,omitempty"` // call_flow
	Inputs  map[string]any `yaml:"inputs,omitempty"`  // call_flow
}

// SequenceSpec drives dice_sequence: one roll per item.
type SequenceSpec struct {
	Items     []string `yaml:"items"`
	Roll      string   `yaml:"roll"`
	DisplayAs string   `yaml:"display_as,omitempty"`
}

// Choice is one selectable option presented to the player.
type Choice struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label,omitempty"`
	Value any    `yaml:"value,omitempty"`
}

// DisplayLabel returns the label, falling back to the id.
func (c Choice) DisplayLabel() string {
	if c.Label != "" {
		return c.Label
	}
	return c.ID
}

// ChoiceSource derives a choice list at run time instead of inlining it.
// Exactly one of TableFromValues, Compendium, or Table is set.
type ChoiceSource struct {
	// TableFromValues enumerates the mapping at this context path,
	// rendering DisplayFormat once per (key, value) pair.
	TableFromValues string `yaml:"table_from_values,omitempty"`
	SelectionCount  int    `yaml:"selection_count,omitempty"`
	DisplayFormat   string `yaml:"display_format,omitempty"`

	// Compendium lists entries of a compendium, optionally filtered by
	// attribute equality.
	Compendium string         `yaml:"compendium,omitempty"`
	Filter     map[string]any `yaml:"filter,omitempty"`

	// Table lists a table's entries.
	Table string `yaml:"table,omitempty"`
}

// TableRef names a table to roll on, optionally overriding its die.
type TableRef struct {
	Table string `yaml:"table"`
	Count int    `yaml:"count,omitempty"`
	Roll  string `yaml:"roll,omitempty"`
}

// ValidationSpec constrains llm_generation output or player input.
type ValidationSpec struct {
	Type        string         `yaml:"type,omitempty"` // "json"
	Schema      map[string]any `yaml:"schema,omitempty"`
	JSONSchema  map[string]any `yaml:"json_schema,omitempty"`
	MaxAttempts int            `yaml:"max_attempts,omitempty"`
}

// ElseBranch is the else arm of a conditional step: either a plain
// action list or a nested if/then/else for elif chains.
type ElseBranch struct {
	Actions []Action
	Elif    *ConditionalSpec
}

// ConditionalSpec is a nested conditional inside else_actions.
type ConditionalSpec struct {
	If   any         `yaml:"if"`
	Then []Action    `yaml:"then"`
	Else *ElseBranch `yaml:"else,omitempty"`
}

func (b *ElseBranch) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		return node.Decode(&b.Actions)
	case yaml.MappingNode:
		b.Elif = &ConditionalSpec{}
		return node.Decode(b.Elif)
	default:
		return fmt.Errorf("else_actions must be an action list or a nested if mapping")
	}
}

func (b ElseBranch) MarshalYAML() (any, error) {
	if b.Elif != nil {
		return b.Elif, nil
	}
	return b.Actions, nil
}

// StepByID returns the step with the given id.
func (f *Flow) StepByID(id string) (*Step, bool) {
	for i := range f.Steps {
		if f.Steps[i].ID == id {
			return &f.Steps[i], true
		}
	}
	return nil, false
}

// StepIndex returns the position of the step with the given id, or -1.
func (f *Flow) StepIndex(id string) int {
	for i := range f.Steps {
		if f.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

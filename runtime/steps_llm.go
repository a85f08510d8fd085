package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/Jeffail/gabs/v2"

	"github.com/grimoire-rpg/grimoire/system"
)

// defaultRepairAttempts bounds the JSON repair loop when a validation
// block sets no max_attempts.
const defaultRepairAttempts = 2

// llmExecutor renders a prompt, calls the LLM service, and optionally
// validates the reply as JSON with a bounded repair loop. The parsed
// value binds as "result" and the raw reply as "llm_result".
type llmExecutor struct {
	deps *Deps
}

func (x *llmExecutor) Execute(exec *Execution, step *system.Step) (*StepResult, error) {
	promptText, opts, err := x.promptAndOptions(exec, step)
	if err != nil {
		return nil, err
	}
	extra, err := x.promptBindings(exec, step)
	if err != nil {
		return nil, err
	}
	prompt, err := exec.ResolveText(promptText, extra)
	if err != nil {
		return nil, NewFlowError(ErrTemplate, "prompt: %v", err).WithStep(step.ID).WithCause(err)
	}

	raw, err := x.generate(exec, prompt, opts)
	if err != nil {
		return nil, NewFlowError(ErrLLM, "LLM generation failed: %v", err).WithStep(step.ID).WithCause(err)
	}
	x.deps.logger().InfoContext(exec, "llm reply received",
		"step", step.ID, "chars", len(raw))

	data := map[string]any{
		"result":     raw,
		"llm_result": raw,
	}
	if step.Validation != nil && step.Validation.Type == "json" {
		parsed, finalRaw, err := x.validateJSON(exec, step, prompt, opts, raw)
		if err != nil {
			return nil, err
		}
		data["result"] = parsed
		data["llm_result"] = finalRaw
	}
	return successResult(step.ID, step.Type, data), nil
}

// promptAndOptions picks the prompt text and builds the call options.
// An inline prompt wins over prompt_id; a named prompt contributes its
// settings as the base layer under the step's own settings.
func (x *llmExecutor) promptAndOptions(exec *Execution, step *system.Step) (string, GenerateOptions, error) {
	var promptText string
	settings := map[string]any{}

	if step.PromptID != "" {
		named, ok := exec.System.Prompts[step.PromptID]
		if !ok {
			return "", GenerateOptions{}, NewFlowError(ErrLLM, "prompt %q not found", step.PromptID).WithStep(step.ID)
		}
		promptText = named.Text
		for k, v := range named.Settings {
			settings[k] = v
		}
	}
	if step.Prompt != "" {
		promptText = step.Prompt
	}
	if promptText == "" {
		return "", GenerateOptions{}, NewFlowError(ErrLLM, "llm_generation step %s has no prompt", step.ID).WithStep(step.ID)
	}
	for k, v := range step.Settings {
		settings[k] = v
	}
	var opts GenerateOptions
	if err := decodeInto(settings, &opts); err != nil {
		return "", GenerateOptions{}, NewFlowError(ErrLLM, "settings: %v", err).WithStep(step.ID).WithCause(err)
	}
	return promptText, opts, nil
}

// promptBindings renders prompt_data values against the frame so the
// prompt template can reference them as plain identifiers.
func (x *llmExecutor) promptBindings(exec *Execution, step *system.Step) (map[string]any, error) {
	if len(step.PromptData) == 0 {
		return nil, nil
	}
	extra := make(map[string]any, len(step.PromptData))
	for k, v := range step.PromptData {
		rendered, err := exec.ResolveAny(v, nil)
		if err != nil {
			return nil, NewFlowError(ErrTemplate, "prompt_data %s: %v", k, err).WithStep(step.ID).WithCause(err)
		}
		extra[k] = rendered
	}
	return extra, nil
}

func (x *llmExecutor) generate(exec *Execution, prompt string, opts GenerateOptions) (string, error) {
	var (
		raw string
		err error
	)
	ctx, cancel := context.WithTimeout(exec, x.deps.callTimeout())
	defer cancel()
	exec.WithScopedContext(ctx, func() {
		raw, err = x.deps.LLM.Generate(exec, prompt, opts)
	})
	return raw, err
}

// validateJSON extracts and checks the reply, re-prompting on failure
// until the repair budget runs out.
func (x *llmExecutor) validateJSON(exec *Execution, step *system.Step, prompt string, opts GenerateOptions, raw string) (any, string, error) {
	budget := step.Validation.MaxAttempts
	if budget <= 0 {
		budget = defaultRepairAttempts
	}
	var lastErr error
	for attempt := 0; ; attempt++ {
		parsed, err := parseStructuredReply(raw, step.Validation)
		if err == nil {
			return parsed, raw, nil
		}
		lastErr = err
		if attempt >= budget {
			break
		}
		x.deps.logger().WarnContext(exec, "llm reply rejected, repairing",
			"step", step.ID, "attempt", attempt+1, "error", err)
		repair := fmt.Sprintf("%s\n\nYour previous reply was rejected: %v\n\nReturn a valid JSON object, corrected.", prompt, err)
		raw, err = x.generate(exec, repair, opts)
		if err != nil {
			return nil, "", NewFlowError(ErrLLM, "LLM generation failed: %v", err).WithStep(step.ID).WithCause(err)
		}
	}
	return nil, "", NewFlowError(ErrLLM, "reply failed validation after %d attempts: %v", budget+1, lastErr).WithStep(step.ID).WithCause(lastErr)
}

// parseStructuredReply extracts the JSON payload from a reply and
// applies the step's schema.
func parseStructuredReply(raw string, v *system.ValidationSpec) (any, error) {
	payload, ok := extractJSON(raw)
	if !ok {
		return nil, fmt.Errorf("no JSON object found in reply")
	}
	parsed, err := gabs.ParseJSON([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	schema := v.Schema
	if schema == nil {
		schema = v.JSONSchema
	}
	if schema != nil {
		if err := checkAgainstSchema(parsed, schema); err != nil {
			return nil, err
		}
	}
	return parsed.Data(), nil
}

// extractJSON pulls the JSON body out of a model reply: a fenced code
// block when present, otherwise the first balanced object literal.
func extractJSON(raw string) (string, bool) {
	if idx := strings.Index(raw, "```"); idx >= 0 {
		rest := raw[idx+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			fence := strings.TrimSpace(rest[:nl])
			if fence == "" || strings.EqualFold(fence, "json") {
				body := rest[nl+1:]
				if end := strings.Index(body, "```"); end >= 0 {
					candidate := strings.TrimSpace(body[:end])
					if candidate != "" {
						return candidate, true
					}
				}
			}
		}
	}
	return firstBalancedObject(raw)
}

// firstBalancedObject scans for the first { and returns the span up to
// its matching close, skipping braces inside string literals.
func firstBalancedObject(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}

// checkAgainstSchema applies the JSON-ish schema subset: required keys,
// per-property type, enum membership, and minLength on strings.
func checkAgainstSchema(c *gabs.Container, schema map[string]any) error {
	if t, ok := schema["type"].(string); ok {
		if err := checkJSONType("", c.Data(), t); err != nil {
			return err
		}
	}
	if req, ok := schema["required"].([]any); ok {
		for _, k := range req {
			key, isStr := k.(string)
			if !isStr {
				continue
			}
			if !c.ExistsP(key) {
				return fmt.Errorf("missing required key %q", key)
			}
		}
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	for name, sub := range props {
		subSchema, isMap := sub.(map[string]any)
		if !isMap {
			continue
		}
		node := c.Path(name)
		if node == nil {
			continue
		}
		value := node.Data()
		if t, ok := subSchema["type"].(string); ok {
			if err := checkJSONType(name, value, t); err != nil {
				return err
			}
		}
		if enum, ok := subSchema["enum"].([]any); ok {
			if !enumContains(enum, value) {
				return fmt.Errorf("key %q value %v not in enum", name, value)
			}
		}
		if ml, ok := subSchema["minLength"]; ok {
			min, isNum := asSchemaInt(ml)
			s, isStr := value.(string)
			if isNum && isStr && len(s) < min {
				return fmt.Errorf("key %q shorter than minLength %d", name, min)
			}
		}
	}
	return nil
}

func checkJSONType(name string, v any, want string) error {
	ok := false
	switch want {
	case "string":
		_, ok = v.(string)
	case "integer":
		switch n := v.(type) {
		case float64:
			ok = n == float64(int64(n))
		case int, int64:
			ok = true
		}
	case "number":
		switch v.(type) {
		case float64, int, int64:
			ok = true
		}
	case "boolean":
		_, ok = v.(bool)
	case "object":
		_, ok = v.(map[string]any)
	case "array":
		_, ok = v.([]any)
	default:
		return nil
	}
	if !ok {
		if name == "" {
			return fmt.Errorf("reply is not a JSON %s", want)
		}
		return fmt.Errorf("key %q is not a %s", name, want)
	}
	return nil
}

func enumContains(enum []any, v any) bool {
	for _, e := range enum {
		if fmt.Sprintf("%v", e) == fmt.Sprintf("%v", v) {
			return true
		}
	}
	return false
}

func asSchemaInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

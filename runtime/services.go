package runtime

import "context"

// DiceRoll is one resolved dice expression.
type DiceRoll struct {
	Expression string `json:"expression"`
	Total      int    `json:"total"`
	Rolls      []int  `json:"rolls"`
	Modifier   int    `json:"modifier"`
	Breakdown  string `json:"breakdown"`
}

// DiceService resolves NdM(+/-K) expressions.
type DiceService interface {
	Roll(ctx context.Context, expression string) (*DiceRoll, error)
}

// GenerateOptions tunes one LLM call. Decoded weakly from a step's
// settings block, so authors may write numbers or strings.
type GenerateOptions struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	System      string  `json:"system"`
}

// LLMService produces text for a rendered prompt.
type LLMService interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// NameGenerator produces names for table entries that declare a
// generator instead of a fixed value.
type NameGenerator interface {
	Generate(ctx context.Context, generator string) (string, error)
}

package llm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grimoire-rpg/grimoire/services/llm"
)

func TestNewOpenAIProvider(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	_, err := llm.NewOpenAIProvider(llm.OpenAISettings{})
	assert.Error(t, err, "neither key nor base URL configured")

	p, err := llm.NewOpenAIProvider(llm.OpenAISettings{APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, "gpt-4o-mini", p.DefaultModel())

	p, err = llm.NewOpenAIProvider(llm.OpenAISettings{
		BaseURL: "http://localhost:11434/v1",
		Model:   "llama3",
	})
	require.NoError(t, err, "keyless is fine against a local server")
	assert.Equal(t, "llama3", p.DefaultModel())
}

func TestNewAnthropicProvider(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := llm.NewAnthropicProvider(llm.AnthropicSettings{})
	assert.Error(t, err)

	p, err := llm.NewAnthropicProvider(llm.AnthropicSettings{APIKey: "sk-ant-test"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
	assert.Equal(t, "claude-3-5-haiku-latest", p.DefaultModel())

	p, err = llm.NewAnthropicProvider(llm.AnthropicSettings{APIKey: "sk-ant-test", Model: "claude-sonnet-4-0"})
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-0", p.DefaultModel())
}

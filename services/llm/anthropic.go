package llm

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicSettings configure the Anthropic-backed provider.
type AnthropicSettings struct {
	APIKey string `json:"api_key"`
	Model  string `json:"model" default:"claude-3-5-haiku-latest"`
}

// AnthropicProvider calls the Anthropic messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider builds the provider. ANTHROPIC_API_KEY takes
// precedence over the configured key.
func NewAnthropicProvider(settings AnthropicSettings) (*AnthropicProvider, error) {
	key := settings.APIKey
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		key = envKey
	}
	if key == "" {
		return nil, fmt.Errorf("anthropic provider: no API key configured")
	}
	model := settings.Model
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(key)),
		model:  model,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) DefaultModel() string { return p.model }

func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", &ProviderError{Provider: p.Name(), Status: anthropicStatus(err), Err: err}
	}
	if len(message.Content) == 0 {
		return "", &ProviderError{Provider: p.Name(), Err: errors.New("no content blocks returned")}
	}
	block := message.Content[0]
	if block.Type != "text" {
		return "", &ProviderError{Provider: p.Name(), Err: fmt.Errorf("unexpected block type %q", block.Type)}
	}
	return block.Text, nil
}

func anthropicStatus(err error) int {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"os"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAISettings configure the OpenAI-backed provider. BaseURL makes the
// same provider usable against self-hosted compatible servers.
type OpenAISettings struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	Model   string `json:"model" default:"gpt-4o-mini"`
}

// OpenAIProvider calls the OpenAI chat completions API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider builds the provider. The API key falls back to the
// OPENAI_API_KEY environment variable when the settings leave it empty.
func NewOpenAIProvider(settings OpenAISettings) (*OpenAIProvider, error) {
	key := settings.APIKey
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	if key == "" && settings.BaseURL == "" {
		return nil, fmt.Errorf("openai provider: no API key configured")
	}
	cfg := openai.DefaultConfig(key)
	if settings.BaseURL != "" {
		cfg.BaseURL = settings.BaseURL
	}
	model := settings.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) DefaultModel() string { return p.model }

func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	model := req.Model
	if model == "" {
		model = p.model
	}
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", &ProviderError{Provider: p.Name(), Status: openaiStatus(err), Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Provider: p.Name(), Err: errors.New("no choices returned")}
	}
	return resp.Choices[0].Message.Content, nil
}

func openaiStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

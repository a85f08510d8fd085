package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/grimoire-rpg/grimoire/internal/config"
)

// CompatSettings configure a provider for any server that speaks the
// OpenAI chat-completions wire format (ollama, vLLM, llama.cpp, ...).
type CompatSettings struct {
	Name    string        `json:"name" default:"local"`
	BaseURL string        `json:"base_url" validate:"required,url_format"`
	APIKey  string        `json:"api_key"`
	Model   string        `json:"model" validate:"required"`
	Timeout time.Duration `json:"timeout" default:"60s" validate:"gte=1s"`
	Debug   bool          `json:"debug" default:"false"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// CompatProvider posts to an OpenAI-compatible /chat/completions
// endpoint over resty. Retries stay with the service layer; the client
// here only owns the timeout.
type CompatProvider struct {
	settings CompatSettings
	client   *resty.Client
}

func NewCompatProvider(raw map[string]any) (*CompatProvider, error) {
	var settings CompatSettings
	if err := config.Prepare(&settings, raw); err != nil {
		return nil, fmt.Errorf("compat provider settings: %w", err)
	}
	client := resty.New().
		SetBaseURL(settings.BaseURL).
		SetTimeout(settings.Timeout).
		SetDebug(settings.Debug)
	if settings.APIKey != "" {
		client.SetAuthToken(settings.APIKey)
	}
	return &CompatProvider{settings: settings, client: client}, nil
}

func (p *CompatProvider) Name() string { return p.settings.Name }

func (p *CompatProvider) DefaultModel() string { return p.settings.Model }

func (p *CompatProvider) Generate(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = p.settings.Model
	}
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	var result chatResponse
	var apiErr chatError
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model:       model,
			Messages:    messages,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/chat/completions")
	if err != nil {
		return "", &ProviderError{Provider: p.Name(), Err: err}
	}
	if resp.IsError() {
		msg := apiErr.Error.Message
		if msg == "" {
			msg = resp.Status()
		}
		return "", &ProviderError{Provider: p.Name(), Status: resp.StatusCode(), Err: errors.New(msg)}
	}
	if len(result.Choices) == 0 {
		return "", &ProviderError{Provider: p.Name(), Err: errors.New("no choices returned")}
	}
	return result.Choices[0].Message.Content, nil
}

package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grimoire-rpg/grimoire/services/llm"
)

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

func compatProvider(t *testing.T, baseURL string) *llm.CompatProvider {
	t.Helper()
	p, err := llm.NewCompatProvider(map[string]any{
		"name":     "local",
		"base_url": baseURL,
		"api_key":  "sk-test",
		"model":    "tinystory",
		"timeout":  "5s",
	})
	require.NoError(t, err)
	return p
}

func TestCompatProvider_Generate(t *testing.T) {
	var got wireRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Crumbled towers."}}]}`))
	}))
	defer srv.Close()

	p := compatProvider(t, srv.URL)
	assert.Equal(t, "local", p.Name())
	assert.Equal(t, "tinystory", p.DefaultModel())

	out, err := p.Generate(context.Background(), llm.Request{
		Prompt:      "Describe the ruins.",
		System:      "Be vivid.",
		Temperature: 0.9,
		MaxTokens:   128,
	})
	require.NoError(t, err)
	assert.Equal(t, "Crumbled towers.", out)

	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "tinystory", got.Model, "empty request model falls back to the configured one")
	assert.Equal(t, []wireMessage{
		{Role: "system", Content: "Be vivid."},
		{Role: "user", Content: "Describe the ruins."},
	}, got.Messages)
	assert.InDelta(t, 0.9, got.Temperature, 1e-9)
	assert.Equal(t, 128, got.MaxTokens)
}

func TestCompatProvider_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	_, err := compatProvider(t, srv.URL).Generate(context.Background(), llm.Request{Prompt: "p"})
	var pErr *llm.ProviderError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, 429, pErr.Status)
	assert.Contains(t, pErr.Error(), "slow down")
}

func TestCompatProvider_OpaqueErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("gateway exploded"))
	}))
	defer srv.Close()

	_, err := compatProvider(t, srv.URL).Generate(context.Background(), llm.Request{Prompt: "p"})
	var pErr *llm.ProviderError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, 500, pErr.Status)
	assert.Contains(t, pErr.Error(), "500", "falls back to the HTTP status line")
}

func TestCompatProvider_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := compatProvider(t, srv.URL).Generate(context.Background(), llm.Request{Prompt: "p"})
	var pErr *llm.ProviderError
	require.ErrorAs(t, err, &pErr)
	assert.Zero(t, pErr.Status)
	assert.Contains(t, pErr.Error(), "no choices returned")
}

func TestNewCompatProvider_Validation(t *testing.T) {
	_, err := llm.NewCompatProvider(map[string]any{"model": "m"})
	require.Error(t, err, "base_url is required")
	assert.Contains(t, err.Error(), "compat provider settings")

	_, err = llm.NewCompatProvider(map[string]any{"base_url": "not a url", "model": "m"})
	require.Error(t, err)

	_, err = llm.NewCompatProvider(map[string]any{"base_url": "http://localhost:11434/v1"})
	require.Error(t, err, "model is required")
}

package providers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/c360studio/semreply/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvidersRegistered(t *testing.T) {
	assert.Equal(t, []string{"anthropic", "ollama", "openai"}, llm.ListProviders())
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name     string
		provider llm.Provider
		baseURL  string
		want     string
	}{
		{"anthropic default", &AnthropicProvider{}, "", "https://api.anthropic.com/v1/messages"},
		{"anthropic trailing slash", &AnthropicProvider{}, "https://proxy.local/", "https://proxy.local/v1/messages"},
		{"ollama default", &OllamaProvider{}, "", "http://localhost:11434/v1/chat/completions"},
		{"ollama full path kept", &OllamaProvider{}, "http://gpu:8000/v1/chat/completions", "http://gpu:8000/v1/chat/completions"},
		{"openai default", &OpenAIProvider{}, "", "https://api.openai.com/v1/chat/completions"},
		{"gemini compatible", &OpenAIProvider{}, "https://generativelanguage.googleapis.com/v1beta/openai/", "https://generativelanguage.googleapis.com/v1beta/openai/chat/completions"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.provider.BuildURL(tt.baseURL))
		})
	}
}

func TestSetHeaders(t *testing.T) {
	t.Run("anthropic", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil)
		(&AnthropicProvider{}).SetHeaders(req, "sk-ant")
		assert.Equal(t, "sk-ant", req.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, req.Header.Get("anthropic-version"))
	})

	t.Run("openai with openrouter attribution", func(t *testing.T) {
		t.Setenv("OPENROUTER_SITE_URL", "https://myapp.com")
		t.Setenv("OPENROUTER_SITE_NAME", "My App")

		req, _ := http.NewRequest(http.MethodPost, "https://openrouter.ai/api/v1/chat/completions", nil)
		(&OpenAIProvider{}).SetHeaders(req, "sk-test")

		assert.Equal(t, "Bearer sk-test", req.Header.Get("Authorization"))
		assert.Equal(t, "https://myapp.com", req.Header.Get("HTTP-Referer"))
		assert.Equal(t, "My App", req.Header.Get("X-Title"))
	})

	t.Run("ollama without key", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, "http://localhost:11434/v1/chat/completions", nil)
		(&OllamaProvider{}).SetHeaders(req, "")
		assert.Empty(t, req.Header.Get("Authorization"))
	})

	assert.Equal(t, "ANTHROPIC_API_KEY", (&AnthropicProvider{}).DefaultAPIKeyEnv())
	assert.Equal(t, "OPENAI_API_KEY", (&OpenAIProvider{}).DefaultAPIKeyEnv())
	assert.Empty(t, (&OllamaProvider{}).DefaultAPIKeyEnv())
}

func TestAnthropicProvider_BuildRequestBody(t *testing.T) {
	messages := []llm.Message{
		{Role: "system", Content: "Follow the boundary rules."},
		{Role: "user", Content: "Draft a reply."},
	}

	temp := 0.0
	body, err := (&AnthropicProvider{}).BuildRequestBody("claude-sonnet", llm.Request{Messages: messages, Temperature: &temp})
	require.NoError(t, err)

	var req anthropicRequest
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "Follow the boundary rules.", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, 4096, req.MaxTokens)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.0, *req.Temperature)

	body, err = (&AnthropicProvider{}).BuildRequestBody("claude-sonnet", llm.Request{Messages: messages, JSON: true})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "Follow the boundary rules.\n\n"+jsonInstruction, req.System)
}

func TestAnthropicProvider_ParseResponse(t *testing.T) {
	body := []byte(`{
		"id": "msg_123",
		"type": "message",
		"role": "assistant",
		"content": [
			{"type": "text", "text": "First part. "},
			{"type": "text", "text": "Second part."}
		],
		"model": "claude-sonnet-4-20250514",
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 15, "output_tokens": 8}
	}`)

	resp, err := (&AnthropicProvider{}).ParseResponse(body, "claude-sonnet")
	require.NoError(t, err)
	assert.Equal(t, "First part. Second part.", resp.Content)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, 23, resp.Usage.TotalTokens)

	_, err = (&AnthropicProvider{}).ParseResponse([]byte("not json"), "claude-sonnet")
	assert.Error(t, err)
}

func TestOllamaProvider_BuildRequestBody(t *testing.T) {
	msgs := []llm.Message{{Role: "user", Content: "hi"}}
	body, err := (&OllamaProvider{}).BuildRequestBody("qwen", llm.Request{Messages: msgs})
	require.NoError(t, err)

	s := string(body)
	assert.NotContains(t, s, "max_tokens")
	assert.NotContains(t, s, "temperature")
	assert.NotContains(t, s, "response_format")

	body, err = (&OllamaProvider{}).BuildRequestBody("qwen", llm.Request{Messages: msgs, MaxTokens: 256, JSON: true})
	require.NoError(t, err)
	assert.Contains(t, string(body), `"max_tokens":256`)
	assert.Contains(t, string(body), `"response_format":{"type":"json_object"}`)
}

func TestOllamaProvider_ParseResponse(t *testing.T) {
	body := []byte(`{
		"model": "qwen2.5:14b",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "Sounds good."}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 6, "total_tokens": 16}
	}`)

	resp, err := (&OllamaProvider{}).ParseResponse(body, "qwen")
	require.NoError(t, err)
	assert.Equal(t, "Sounds good.", resp.Content)
	assert.Equal(t, 16, resp.Usage.TotalTokens)
	assert.Equal(t, 10, resp.Usage.PromptTokens)

	_, err = (&OllamaProvider{}).ParseResponse([]byte(`{"choices": []}`), "qwen")
	assert.Error(t, err)
}

package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/semreply/llm"
	_ "github.com/c360studio/semreply/llm/providers" // Register providers
	"github.com/c360studio/semreply/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"model": "test-model",
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 8, "total_tokens": 18},
	})
}

func testRegistry(urls ...string) *model.Registry {
	endpoints := make(map[string]*model.EndpointConfig)
	var names []string
	for i, u := range urls {
		name := []string{"primary", "secondary", "tertiary"}[i]
		names = append(names, name)
		endpoints[name] = &model.EndpointConfig{Provider: "ollama", URL: u, Model: name, APIKeyEnv: "TEST_LLM_KEY"}
	}
	return model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityGeneration: {Preferred: names[:1], Fallback: names[1:]},
		},
		endpoints,
	)
}

func userMessage(text string) []llm.Message {
	return []llm.Message{{Role: "user", Content: text}}
}

func fastRetry(attempts int) llm.RetryConfig {
	return llm.RetryConfig{
		MaxAttempts:       attempts,
		BackoffBase:       10 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        50 * time.Millisecond,
	}
}

func TestClient_Complete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		chatCompletion(w, "Hello!")
	}))
	defer server.Close()

	client := llm.NewClient(testRegistry(server.URL), llm.WithGetenv(func(k string) string {
		if k == "TEST_LLM_KEY" {
			return "secret"
		}
		return ""
	}))

	resp, err := client.Complete(context.Background(), llm.Request{
		Capability: model.CapabilityGeneration,
		Messages:   userMessage("Hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", resp.Content)
	assert.Equal(t, 18, resp.Usage.TotalTokens)
	assert.NotEmpty(t, resp.RequestID)
}

func TestClient_Complete_RetryOnTransientError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		chatCompletion(w, "Success after retries")
	}))
	defer server.Close()

	client := llm.NewClient(testRegistry(server.URL), llm.WithRetryConfig(fastRetry(3)))

	resp, err := client.Complete(context.Background(), llm.Request{
		Capability: model.CapabilityGeneration,
		Messages:   userMessage("Hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Success after retries", resp.Content)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClient_Complete_DefaultIsSingleAttempt(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := llm.NewClient(testRegistry(server.URL))

	_, err := client.Complete(context.Background(), llm.Request{
		Capability: model.CapabilityGeneration,
		Messages:   userMessage("Hello"),
	})
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestClient_Complete_NoFallbackOnFatalError(t *testing.T) {
	var secondary atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer primary.Close()
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondary.Add(1)
		chatCompletion(w, "should not be used")
	}))
	defer backup.Close()

	client := llm.NewClient(testRegistry(primary.URL, backup.URL), llm.WithRetryConfig(fastRetry(3)))

	_, err := client.Complete(context.Background(), llm.Request{
		Capability: model.CapabilityGeneration,
		Messages:   userMessage("Hello"),
	})
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.Equal(t, int32(0), secondary.Load())
}

func TestClient_Complete_Fallback(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer primary.Close()
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatCompletion(w, "from fallback")
	}))
	defer backup.Close()

	registry := testRegistry(primary.URL, backup.URL)
	registry.SetHealthConfig(model.HealthConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	client := llm.NewClient(registry)

	resp, err := client.Complete(context.Background(), llm.Request{
		Capability: model.CapabilityGeneration,
		Messages:   userMessage("Hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "from fallback", resp.Content)

	// The failed primary's circuit is open; the next call goes straight to the fallback.
	assert.False(t, registry.IsEndpointAvailable("primary"))
	assert.Equal(t, []string{"secondary"}, registry.GetAvailableFallbackChain(model.CapabilityGeneration))
}

func TestClient_Complete_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		chatCompletion(w, "too late")
	}))
	defer server.Close()

	client := llm.NewClient(testRegistry(server.URL))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, llm.Request{
		Capability: model.CapabilityGeneration,
		Messages:   userMessage("Hello"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestClient_Complete_ValidationErrors(t *testing.T) {
	client := llm.NewClient(model.NewDefaultRegistry())

	tests := []struct {
		name string
		req  llm.Request
	}{
		{"unknown capability", llm.Request{Capability: "coding", Messages: userMessage("x")}},
		{"no messages", llm.Request{Capability: model.CapabilityAnalysis}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Complete(context.Background(), tt.req)
			assert.Error(t, err)
		})
	}
}

func TestClient_Complete_NoModels(t *testing.T) {
	registry := model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityAnalysis: {Preferred: []string{"missing"}},
		},
		nil,
	)
	client := llm.NewClient(registry)

	_, err := client.Complete(context.Background(), llm.Request{
		Capability: model.CapabilityAnalysis,
		Messages:   userMessage("x"),
	})
	assert.ErrorIs(t, err, llm.ErrNoModels)
}

// Package testutil provides test doubles for code that calls the llm client.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/semreply/llm"
	"github.com/c360studio/semreply/model"
)

// MockLLMClient is a thread-safe scripted LLM client.
//
// Responses are returned per capability in sequence, so a two-stage
// generation can be scripted as:
//
//	mock := &MockLLMClient{
//	    Responses: map[model.Capability][]*llm.Response{
//	        model.CapabilityAnalysis:   {{Content: `{"mainTopic": "..."}`}},
//	        model.CapabilityGeneration: {{Content: "Draft reply"}},
//	    },
//	}
type MockLLMClient struct {
	mu        sync.Mutex
	Responses map[model.Capability][]*llm.Response
	Errs      map[model.Capability]error
	// Hook runs before each call. It may block to simulate a slow model.
	Hook func(ctx context.Context, req llm.Request) error

	requests []llm.Request
	index    map[model.Capability]int
}

// Complete records the request and returns the next scripted response.
func (m *MockLLMClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	hook := m.Hook
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Errs[req.Capability]; err != nil {
		return nil, err
	}
	if m.index == nil {
		m.index = make(map[model.Capability]int)
	}
	script := m.Responses[req.Capability]
	i := m.index[req.Capability]
	if i < len(script) {
		m.index[req.Capability] = i + 1
		resp := *script[i]
		if resp.Model == "" {
			resp.Model = "test-model"
		}
		return &resp, nil
	}
	return &llm.Response{Content: "", Model: "test-model"}, nil
}

// Requests returns the requests received so far.
func (m *MockLLMClient) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}

// CallCount returns the number of calls for a capability.
func (m *MockLLMClient) CallCount(capability model.Capability) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Capability == capability {
			n++
		}
	}
	return n
}

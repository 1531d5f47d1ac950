package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/c360studio/semreply/llm"
	_ "github.com/c360studio/semreply/llm/providers"
	"github.com/c360studio/semreply/model"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func TestLoadFixtures_BaseOnly(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "mock-analysis.json", `{"mainTopic":"pools","keywords":["a","b","c"]}`)
	writeFixture(t, dir, "mock-writer.txt", "Use a pool.\n")

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}
	if len(fixtures) != 2 {
		t.Fatalf("expected 2 models, got %d", len(fixtures))
	}
	if got := fixtures["mock-writer"]; len(got) != 1 || got[0] != "Use a pool." {
		t.Errorf("expected trimmed text fixture, got %q", got)
	}
}

func TestLoadFixtures_Sequential(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "mock-writer.2.txt", "second")
	writeFixture(t, dir, "mock-writer.1.txt", "first")
	writeFixture(t, dir, "mock-writer.txt", "fallback")

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}
	seq := fixtures["mock-writer"]
	want := []string{"first", "second", "fallback"}
	if len(seq) != len(want) {
		t.Fatalf("expected %d fixtures, got %d", len(want), len(seq))
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Errorf("fixture %d = %q, want %q", i, seq[i], want[i])
		}
	}
}

func TestLoadFixtures_Errors(t *testing.T) {
	if _, err := loadFixtures(t.TempDir()); err == nil {
		t.Error("expected error for empty dir")
	}

	dir := t.TempDir()
	writeFixture(t, dir, "mock-analysis.json", `{not json`)
	if _, err := loadFixtures(dir); err == nil {
		t.Error("expected error for invalid JSON fixture")
	}
}

func TestSequentialFixtureSelection(t *testing.T) {
	s := newServer(map[string][]string{"mock-writer": {"first", "second"}}, quietLogger())

	for i, want := range []string{"first", "second", "second"} {
		if got := doCompletion(t, s, "mock-writer"); got != want {
			t.Errorf("call %d: got %q, want %q", i+1, got, want)
		}
	}
}

func TestStripMockPrefix(t *testing.T) {
	s := newServer(map[string][]string{"writer": {"hello"}}, quietLogger())
	if got := doCompletion(t, s, "mock-writer"); got != "hello" {
		t.Errorf("expected prefix fallback, got %q", got)
	}

	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"unknown","messages":[]}`)))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown model, got %d", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	s := newServer(map[string][]string{"mock-writer": {"x"}}, quietLogger())
	doCompletion(t, s, "mock-writer")
	doCompletion(t, s, "mock-writer")

	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))

	var stats struct {
		TotalCalls   int64             `json:"total_calls"`
		CallsByModel map[string]int    `json:"calls_by_model"`
		LastPrompt   map[string]string `json:"last_prompt"`
	}
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalCalls != 2 || stats.CallsByModel["mock-writer"] != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.LastPrompt["mock-writer"] != "test" {
		t.Errorf("expected last prompt captured, got %q", stats.LastPrompt["mock-writer"])
	}
}

// TestClientRoundTrip drives the mock through the real client and provider.
func TestClientRoundTrip(t *testing.T) {
	s := newServer(map[string][]string{
		"mock-analysis": {`{"mainTopic":"pools","keywords":["postgres","pools","latency"]}`},
		"mock-writer":   {"Size the pool to your cores."},
	}, quietLogger())
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	reg := model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityAnalysis:   {Preferred: []string{"analysis"}},
			model.CapabilityGeneration: {Preferred: []string{"writer"}},
		},
		map[string]*model.EndpointConfig{
			"analysis": {Provider: "ollama", URL: ts.URL + "/v1", Model: "mock-analysis"},
			"writer":   {Provider: "ollama", URL: ts.URL + "/v1", Model: "mock-writer"},
		})
	client := llm.NewClient(reg, llm.WithLogger(quietLogger()))

	resp, err := client.Complete(context.Background(), llm.Request{
		Capability: model.CapabilityGeneration,
		Messages:   []llm.Message{{Role: "user", Content: "draft a reply"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Size the pool to your cores." {
		t.Errorf("unexpected content %q", resp.Content)
	}

	resp, err = client.Complete(context.Background(), llm.Request{
		Capability: model.CapabilityAnalysis,
		Messages:   []llm.Message{{Role: "user", Content: "analyze"}},
		JSON:       true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !json.Valid([]byte(resp.Content)) {
		t.Errorf("expected JSON analysis, got %q", resp.Content)
	}
}

// --- helpers ---

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func doCompletion(t *testing.T, s *server, model string) string {
	t.Helper()
	body := strings.NewReader(`{"model":"` + model + `","messages":[{"role":"user","content":"test"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("model %s: status %d, body: %s", model, w.Code, w.Body.String())
	}

	var resp chatResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Choices) == 0 {
		t.Fatalf("no choices in response")
	}
	return resp.Choices[0].Message.Content
}

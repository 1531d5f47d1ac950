// Package main implements a mock LLM server for running semreply offline.
// It serves OpenAI-compatible /v1/chat/completions responses from fixture
// files, routing by the "model" field in the request, so discovery-to-draft
// flows can be exercised without a real model.
//
// Usage:
//
//	mock-llm --fixtures /path/to/fixtures --addr :11434
//
// Fixture files are named by model: "mock-analysis.json" answers model
// "mock-analysis", "mock-writer.txt" answers model "mock-writer". JSON
// fixtures must be valid JSON (the analysis stage parses them); text fixtures
// are returned verbatim as the draft.
//
// Sequential fixtures: numbered files ("mock-writer.1.txt",
// "mock-writer.2.txt") are returned in order for successive calls to that
// model. After they run out, the base file repeats, or the last numbered one
// if there is no base file.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`

	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Server ---

type server struct {
	fixtures map[string][]string // model name → ordered fixture contents
	calls    atomic.Int64
	logger   *slog.Logger

	mu         sync.Mutex
	modelCalls map[string]int
	lastPrompt map[string]string
}

func newServer(fixtures map[string][]string, logger *slog.Logger) *server {
	return &server{
		fixtures:   fixtures,
		logger:     logger,
		modelCalls: make(map[string]int),
		lastPrompt: make(map[string]string),
	}
}

func (s *server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/v1/chat/completions", s.handleChatCompletions)
	r.GET("/v1/models", s.handleModels)
	r.GET("/stats", s.handleStats)
	return r
}

func main() {
	var (
		fixtureDir string
		addr       string
	)
	cmd := &cobra.Command{
		Use:   "mock-llm",
		Short: "Serve fixture completions over the OpenAI chat API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			// Allow env var override
			if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && fixtureDir == "" {
				fixtureDir = envDir
			}
			if fixtureDir == "" {
				fixtureDir = "/fixtures"
			}

			fixtures, err := loadFixtures(fixtureDir)
			if err != nil {
				return fmt.Errorf("load fixtures from %s: %w", fixtureDir, err)
			}
			for model, seq := range fixtures {
				logger.Info("Fixture loaded", "model", model, "responses", len(seq))
			}

			gin.SetMode(gin.ReleaseMode)
			s := newServer(fixtures, logger)
			logger.Info("Mock LLM server listening", "addr", addr)
			return http.ListenAndServe(addr, s.routes())
		},
	}
	cmd.Flags().StringVar(&fixtureDir, "fixtures", "", "directory containing fixture response files")
	cmd.Flags().StringVar(&addr, "addr", ":11434", "listen address")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func (s *server) handleChatCompletions(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	callNum := s.calls.Add(1)

	// Resolve fixture sequence: try exact model name, then strip "mock-" prefix
	seq, ok := s.fixtures[req.Model]
	if !ok {
		seq, ok = s.fixtures[strings.TrimPrefix(req.Model, "mock-")]
	}
	if !ok {
		s.logger.Warn("No fixture for model", "call", callNum, "model", req.Model)
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no fixture for model %q", req.Model)})
		return
	}

	s.mu.Lock()
	callIndex := s.modelCalls[req.Model]
	s.modelCalls[req.Model]++
	if n := len(req.Messages); n > 0 {
		s.lastPrompt[req.Model] = req.Messages[n-1].Content
	}
	s.mu.Unlock()

	content := seq[len(seq)-1]
	if callIndex < len(seq) {
		content = seq[callIndex]
	}
	s.logger.Debug("Completion served",
		"call", callNum,
		"model", req.Model,
		"call_index", callIndex+1,
		"fixtures", len(seq),
		"json_mode", req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object")

	now := time.Now()
	c.JSON(http.StatusOK, chatResponse{
		ID:      fmt.Sprintf("mock-%d", now.UnixNano()),
		Object:  "chat.completion",
		Created: now.Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     len(content) / 4, // rough estimate
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	})
}

// handleModels lists the fixture models (OpenAI list format).
func (s *server) handleModels(c *gin.Context) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	names := make([]string, 0, len(s.fixtures))
	for name := range s.fixtures {
		names = append(names, name)
	}
	sort.Strings(names)

	models := make([]modelEntry, 0, len(names))
	for _, name := range names {
		models = append(models, modelEntry{ID: name, Object: "model", OwnedBy: "mock-llm"})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": models})
}

// handleStats returns call counts and the last user prompt per model.
func (s *server) handleStats(c *gin.Context) {
	s.mu.Lock()
	calls := make(map[string]int, len(s.modelCalls))
	for m, n := range s.modelCalls {
		calls[m] = n
	}
	prompts := make(map[string]string, len(s.lastPrompt))
	for m, p := range s.lastPrompt {
		prompts[m] = p
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"total_calls":    s.calls.Load(),
		"calls_by_model": calls,
		"last_prompt":    prompts,
	})
}

// numberedFileRe matches files like "mock-writer.1.txt" or "mock-analysis.2.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.(json|txt)$`)

// loadFixtures reads fixture files from dir and returns model → ordered
// responses: numbered files in numeric order, then the base file.
func loadFixtures(dir string) (map[string][]string, error) {
	baseFiles := make(map[string]string)
	numberedFiles := make(map[string]map[int]string)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		ext := filepath.Ext(d.Name())
		if d.IsDir() || (ext != ".json" && ext != ".txt") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if ext == ".json" && !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}
		content := string(data)
		if ext == ".txt" {
			content = strings.TrimRight(content, "\n")
		}

		if m := numberedFileRe.FindStringSubmatch(d.Name()); m != nil {
			index, _ := strconv.Atoi(m[2])
			if numberedFiles[m[1]] == nil {
				numberedFiles[m[1]] = make(map[int]string)
			}
			numberedFiles[m[1]][index] = content
			return nil
		}
		baseFiles[strings.TrimSuffix(d.Name(), ext)] = content
		return nil
	})
	if err != nil {
		return nil, err
	}

	fixtures := make(map[string][]string)
	for model, numbered := range numberedFiles {
		indices := make([]int, 0, len(numbered))
		for idx := range numbered {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			fixtures[model] = append(fixtures[model], numbered[idx])
		}
	}
	for model, base := range baseFiles {
		fixtures[model] = append(fixtures[model], base)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}

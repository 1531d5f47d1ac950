package providers

import (
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/semreply/llm"
)

// OpenAIProvider implements the OpenAI API. It also serves OpenRouter and the
// Gemini OpenAI-compatible endpoint through a custom base URL.
type OpenAIProvider struct {
	OllamaProvider // Embed for shared request/response format
}

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
}

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// BuildURL constructs the OpenAI API endpoint.
func (o *OpenAIProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}

	return baseURL + "/chat/completions"
}

// DefaultAPIKeyEnv returns the conventional OpenAI key variable.
func (o *OpenAIProvider) DefaultAPIKeyEnv() string {
	return "OPENAI_API_KEY"
}

// SetHeaders adds OpenAI authentication headers. OpenRouter attribution
// headers are added when configured.
func (o *OpenAIProvider) SetHeaders(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	if siteURL := os.Getenv("OPENROUTER_SITE_URL"); siteURL != "" {
		req.Header.Set("HTTP-Referer", siteURL)
	}
	if siteName := os.Getenv("OPENROUTER_SITE_NAME"); siteName != "" {
		req.Header.Set("X-Title", siteName)
	}
}

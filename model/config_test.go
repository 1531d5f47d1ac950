package model

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

const registryYAML = `
capabilities:
  analysis:
    preferred: [local]
  generation:
    preferred: [sonnet]
    fallback: [local]
endpoints:
  local:
    provider: ollama
    url: http://localhost:11434/v1
    model: llama3.2
  sonnet:
    provider: anthropic
    model: claude-sonnet-4-20250514
    api_key_env: SEMREPLY_ANTHROPIC_KEY
defaults:
  model: local
`

func TestFromConfig_YAML(t *testing.T) {
	var cfg RegistryConfig
	if err := yaml.Unmarshal([]byte(registryYAML), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	r := FromConfig(&cfg)
	if got := r.Resolve(CapabilityGeneration); got != "sonnet" {
		t.Errorf("Resolve(generation) = %q, want sonnet", got)
	}
	if ep := r.GetEndpoint("sonnet"); ep == nil || ep.APIKeyEnv != "SEMREPLY_ANTHROPIC_KEY" {
		t.Errorf("unexpected endpoint: %+v", ep)
	}
	chain := r.GetFallbackChain(CapabilityGeneration)
	if len(chain) != 2 || chain[1] != "local" {
		t.Errorf("unexpected chain: %v", chain)
	}
}

func TestFromConfig_EmptyUsesDefaults(t *testing.T) {
	r := FromConfig(&RegistryConfig{})
	if len(r.ListCapabilities()) != 2 {
		t.Error("expected default capabilities")
	}
	if FromConfig(nil) == nil {
		t.Error("expected registry for nil config")
	}
}

func TestRegistryConfig_Validate(t *testing.T) {
	ep := map[string]*EndpointConfig{"m": {Provider: "ollama", Model: "x"}}

	tests := []struct {
		name    string
		cfg     RegistryConfig
		wantErr string
	}{
		{
			name: "unknown capability",
			cfg: RegistryConfig{
				Capabilities: map[string]*CapabilityConfig{"coding": {Preferred: []string{"m"}}},
				Endpoints:    ep,
			},
			wantErr: "unknown capability",
		},
		{
			name: "no preferred",
			cfg: RegistryConfig{
				Capabilities: map[string]*CapabilityConfig{"analysis": {}},
				Endpoints:    ep,
			},
			wantErr: "preferred",
		},
		{
			name: "missing endpoint",
			cfg: RegistryConfig{
				Capabilities: map[string]*CapabilityConfig{"analysis": {Preferred: []string{"m"}, Fallback: []string{"gone"}}},
				Endpoints:    ep,
			},
			wantErr: "no endpoint",
		},
		{
			name: "endpoint without provider",
			cfg: RegistryConfig{
				Endpoints: map[string]*EndpointConfig{"m": {Model: "x"}},
			},
			wantErr: "provider is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMergeFromConfig(t *testing.T) {
	r := NewDefaultRegistry()
	r.MergeFromConfig(&RegistryConfig{
		Capabilities: map[string]*CapabilityConfig{"analysis": {Preferred: []string{"tiny"}}},
		Endpoints:    map[string]*EndpointConfig{"tiny": {Provider: "ollama", Model: "tinyllama"}},
	})

	if got := r.Resolve(CapabilityAnalysis); got != "tiny" {
		t.Errorf("Resolve(analysis) = %q, want tiny", got)
	}
	if got := r.Resolve(CapabilityGeneration); got != "qwen" {
		t.Errorf("generation should be untouched, got %q", got)
	}
}

package model

import (
	"fmt"
)

// RegistryConfig is the serialized form of a Registry. It is embedded in the
// service configuration under "llm".
type RegistryConfig struct {
	Capabilities map[string]*CapabilityConfig `json:"capabilities" yaml:"capabilities"`
	Endpoints    map[string]*EndpointConfig   `json:"endpoints" yaml:"endpoints"`
	Defaults     *DefaultsConfig              `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

// Validate checks that every capability is known and every referenced model
// has an endpoint.
func (c *RegistryConfig) Validate() error {
	for name, capCfg := range c.Capabilities {
		if ParseCapability(name) == "" {
			return fmt.Errorf("unknown capability %q", name)
		}
		if capCfg == nil || len(capCfg.Preferred) == 0 {
			return fmt.Errorf("capability %q: at least one preferred model is required", name)
		}
		for _, m := range append(append([]string{}, capCfg.Preferred...), capCfg.Fallback...) {
			if _, ok := c.Endpoints[m]; !ok {
				return fmt.Errorf("capability %q: model %q has no endpoint", name, m)
			}
		}
	}
	for name, ep := range c.Endpoints {
		if ep == nil || ep.Provider == "" {
			return fmt.Errorf("endpoint %q: provider is required", name)
		}
		if ep.Model == "" {
			return fmt.Errorf("endpoint %q: model is required", name)
		}
	}
	return nil
}

// FromConfig builds a registry from configuration. An empty config yields the
// default registry.
func FromConfig(cfg *RegistryConfig) *Registry {
	if cfg == nil || (len(cfg.Capabilities) == 0 && len(cfg.Endpoints) == 0) {
		return NewDefaultRegistry()
	}

	caps := make(map[Capability]*CapabilityConfig, len(cfg.Capabilities))
	for k, v := range cfg.Capabilities {
		caps[Capability(k)] = v
	}
	endpoints := make(map[string]*EndpointConfig, len(cfg.Endpoints))
	for k, v := range cfg.Endpoints {
		endpoints[k] = v
	}

	r := NewRegistry(caps, endpoints)
	if cfg.Defaults != nil && cfg.Defaults.Model != "" {
		r.defaults.Model = cfg.Defaults.Model
	}
	return r
}

// ToConfig converts a Registry to a RegistryConfig for serialization.
func (r *Registry) ToConfig() *RegistryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make(map[string]*CapabilityConfig, len(r.capabilities))
	for k, v := range r.capabilities {
		caps[string(k)] = v
	}

	return &RegistryConfig{
		Capabilities: caps,
		Endpoints:    r.endpoints,
		Defaults:     r.defaults,
	}
}

// MergeFromConfig merges configuration into an existing registry.
// Existing entries are overwritten by the new config.
func (r *Registry) MergeFromConfig(cfg *RegistryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.capabilities == nil {
		r.capabilities = make(map[Capability]*CapabilityConfig)
	}
	if r.endpoints == nil {
		r.endpoints = make(map[string]*EndpointConfig)
	}
	for k, v := range cfg.Capabilities {
		r.capabilities[Capability(k)] = v
	}
	for k, v := range cfg.Endpoints {
		r.endpoints[k] = v
	}
	if cfg.Defaults != nil {
		r.defaults = cfg.Defaults
	}
}

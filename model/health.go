package model

import (
	"sync"
	"time"
)

// EndpointHealth tracks the health status of a model endpoint.
type EndpointHealth struct {
	// Available indicates if the endpoint is currently usable.
	Available bool `json:"available"`

	// LastSuccess is the time of the last successful request.
	LastSuccess time.Time `json:"last_success,omitempty"`

	// LastFailure is the time of the last failed request.
	LastFailure time.Time `json:"last_failure,omitempty"`

	// FailureCount is the number of consecutive failures.
	FailureCount int `json:"failure_count"`

	// CircuitOpen indicates if the circuit breaker has tripped.
	CircuitOpen bool `json:"circuit_open"`

	// CircuitOpenedAt is when the circuit was opened.
	CircuitOpenedAt time.Time `json:"circuit_opened_at,omitempty"`
}

// HealthConfig configures the health tracking behavior.
type HealthConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long an open circuit blocks an endpoint before a
	// test request is allowed through.
	RecoveryTimeout time.Duration
}

// DefaultHealthConfig returns the default circuit breaker settings.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}
}

type healthState struct {
	mu       sync.Mutex
	config   HealthConfig
	now      func() time.Time
	statuses map[string]*EndpointHealth
}

func newHealthState(cfg HealthConfig) *healthState {
	return &healthState{
		config:   cfg,
		now:      time.Now,
		statuses: make(map[string]*EndpointHealth),
	}
}

// status must be called with h.mu held.
func (h *healthState) status(name string) *EndpointHealth {
	s, ok := h.statuses[name]
	if !ok {
		s = &EndpointHealth{Available: true}
		h.statuses[name] = s
	}
	return s
}

// MarkEndpointSuccess records a successful request and closes the circuit.
func (r *Registry) MarkEndpointSuccess(name string) {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.status(name)
	s.LastSuccess = h.now()
	s.FailureCount = 0
	s.Available = true
	s.CircuitOpen = false
}

// MarkEndpointFailure records a failed request. The circuit opens once the
// failure threshold is reached.
func (r *Registry) MarkEndpointFailure(name string) {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.status(name)
	s.LastFailure = h.now()
	s.FailureCount++
	if s.FailureCount >= h.config.FailureThreshold {
		s.CircuitOpen = true
		s.CircuitOpenedAt = h.now()
		s.Available = false
	}
}

// IsEndpointAvailable reports whether an endpoint may receive requests. An
// open circuit allows a test request once the recovery timeout has passed.
func (r *Registry) IsEndpointAvailable(name string) bool {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.statuses[name]
	if !ok || !s.CircuitOpen {
		return true
	}
	return h.now().Sub(s.CircuitOpenedAt) > h.config.RecoveryTimeout
}

// GetEndpointHealth returns a copy of the health status for an endpoint, or
// nil if the endpoint has not been used.
func (r *Registry) GetEndpointHealth(name string) *EndpointHealth {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.statuses[name]; ok {
		cp := *s
		return &cp
	}
	return nil
}

// HealthSnapshot returns the health of every endpoint that has been used.
func (r *Registry) HealthSnapshot() map[string]EndpointHealth {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]EndpointHealth, len(h.statuses))
	for name, s := range h.statuses {
		out[name] = *s
	}
	return out
}

// GetAvailableFallbackChain returns the fallback chain filtered to available
// endpoints. If every endpoint is unavailable the full chain is returned.
func (r *Registry) GetAvailableFallbackChain(cap Capability) []string {
	chain := r.GetFallbackChain(cap)
	available := make([]string, 0, len(chain))
	for _, name := range chain {
		if r.IsEndpointAvailable(name) {
			available = append(available, name)
		}
	}
	if len(available) == 0 {
		return chain
	}
	return available
}

// SetHealthConfig updates the health tracking configuration.
func (r *Registry) SetHealthConfig(cfg HealthConfig) {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()
	h.config = cfg
}

// ResetEndpointHealth clears the health status for an endpoint.
func (r *Registry) ResetEndpointHealth(name string) {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.statuses, name)
}

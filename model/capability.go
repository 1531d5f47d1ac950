// Package model provides capability-based model selection for response
// generation. Callers ask for a capability (analysis, generation) and the
// registry resolves it to configured endpoints with fallback chains.
package model

// Capability represents a semantic capability for model selection.
type Capability string

const (
	// CapabilityAnalysis extracts topic and keywords from a post. Small,
	// fast models are sufficient.
	CapabilityAnalysis Capability = "analysis"

	// CapabilityGeneration writes the reply draft.
	CapabilityGeneration Capability = "generation"
)

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityAnalysis, CapabilityGeneration:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for invalid values.
func ParseCapability(s string) Capability {
	cap := Capability(s)
	if cap.IsValid() {
		return cap
	}
	return ""
}

// Package model provides capability-based model selection for LLM calls.
// Callers specify a semantic capability (refinement, repair) rather than a
// model name; the registry resolves it to available endpoints with fallback
// chains and per-endpoint health tracking.
package model

// Capability represents a semantic capability for model selection.
type Capability string

const (
	// CapabilityRefinement is for slot refinement: filling task parameters
	// the deterministic extractor could not bind.
	CapabilityRefinement Capability = "refinement"

	// CapabilityRepair is for the constrained query-fixing pass invoked
	// after an endpoint rejects a generated SPARQL query.
	CapabilityRepair Capability = "repair"

	// CapabilityFast is for quick low-stakes completions.
	CapabilityFast Capability = "fast"
)

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityRefinement, CapabilityRepair, CapabilityFast:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string { return string(c) }

// ParseCapability converts a string to a Capability, returning empty for
// unknown values.
func ParseCapability(s string) Capability {
	c := Capability(s)
	if c.IsValid() {
		return c
	}
	return ""
}

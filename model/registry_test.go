package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *Registry {
	return NewRegistry(
		map[Capability]*CapabilityConfig{
			CapabilityRefinement: {
				Preferred: []string{"big", "medium"},
				Fallback:  []string{"small"},
			},
		},
		map[string]*EndpointConfig{
			"big":    {Provider: "ollama", URL: "http://localhost:11434/v1", Model: "qwen2.5:32b"},
			"medium": {Provider: "ollama", URL: "http://localhost:11434/v1", Model: "qwen2.5:14b"},
			"small":  {Provider: "ollama", URL: "http://localhost:11434/v1", Model: "llama3.2"},
		},
	)
}

func TestGetFallbackChainOrder(t *testing.T) {
	r := testRegistry()

	assert.Equal(t, []string{"big", "medium", "small"}, r.GetFallbackChain(CapabilityRefinement))
	assert.Nil(t, r.GetFallbackChain(CapabilityRepair))
}

func TestGetEndpoint(t *testing.T) {
	r := testRegistry()

	ep := r.GetEndpoint("medium")
	require.NotNil(t, ep)
	assert.Equal(t, "qwen2.5:14b", ep.Model)

	assert.Nil(t, r.GetEndpoint("missing"))
}

func TestCircuitOpensAtFailureThreshold(t *testing.T) {
	r := testRegistry()
	r.SetHealthConfig(HealthConfig{FailureThreshold: 3, RecoveryTimeout: time.Hour})

	r.MarkEndpointFailure("big")
	r.MarkEndpointFailure("big")
	assert.True(t, r.IsEndpointAvailable("big"))

	r.MarkEndpointFailure("big")
	assert.False(t, r.IsEndpointAvailable("big"))

	// Untracked endpoints are available.
	assert.True(t, r.IsEndpointAvailable("medium"))
}

func TestSuccessClosesCircuit(t *testing.T) {
	r := testRegistry()
	r.SetHealthConfig(HealthConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})

	r.MarkEndpointFailure("big")
	require.False(t, r.IsEndpointAvailable("big"))

	r.MarkEndpointSuccess("big")
	assert.True(t, r.IsEndpointAvailable("big"))

	// The failure count reset with the success.
	r.SetHealthConfig(HealthConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour})
	r.MarkEndpointFailure("big")
	assert.True(t, r.IsEndpointAvailable("big"))
}

func TestRecoveryTimeoutAllowsProbe(t *testing.T) {
	r := testRegistry()
	r.SetHealthConfig(HealthConfig{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})

	r.MarkEndpointFailure("big")
	require.False(t, r.IsEndpointAvailable("big"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, r.IsEndpointAvailable("big"))
}

func TestGetAvailableFallbackChainFiltersOpenCircuits(t *testing.T) {
	r := testRegistry()
	r.SetHealthConfig(HealthConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})

	r.MarkEndpointFailure("big")
	assert.Equal(t, []string{"medium", "small"}, r.GetAvailableFallbackChain(CapabilityRefinement))
}

func TestGetAvailableFallbackChainAllOpen(t *testing.T) {
	r := testRegistry()
	r.SetHealthConfig(HealthConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})

	for _, name := range []string{"big", "medium", "small"} {
		r.MarkEndpointFailure(name)
	}

	// With every circuit open the full chain comes back so the caller still
	// makes an attempt.
	assert.Equal(t, []string{"big", "medium", "small"}, r.GetAvailableFallbackChain(CapabilityRefinement))
}

func TestParseCapability(t *testing.T) {
	assert.Equal(t, CapabilityRefinement, ParseCapability("refinement"))
	assert.Equal(t, CapabilityRepair, ParseCapability("repair"))
	assert.Equal(t, Capability(""), ParseCapability("unknown"))
}

func TestNewDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry()

	for _, c := range []Capability{CapabilityRefinement, CapabilityRepair, CapabilityFast} {
		chain := r.GetFallbackChain(c)
		require.NotEmpty(t, chain, "capability %s", c)
		for _, name := range chain {
			ep := r.GetEndpoint(name)
			require.NotNil(t, ep, "endpoint %s", name)
			assert.Equal(t, "ollama", ep.Provider)
			assert.NotEmpty(t, ep.Model)
		}
	}
}

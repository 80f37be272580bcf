package model

import (
	"sync"
	"time"
)

// Registry maps capabilities to preferred models with fallback chains and
// tracks per-endpoint health. It is constructed explicitly and injected into
// the LLM client; there is no process-wide instance.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[Capability]*CapabilityConfig
	endpoints    map[string]*EndpointConfig
	health       map[string]*endpointHealth
	healthCfg    HealthConfig
}

// CapabilityConfig defines model preferences for a capability.
type CapabilityConfig struct {
	// Description explains what this capability is for.
	Description string `yaml:"description" json:"description"`

	// Preferred lists models in order of preference.
	Preferred []string `yaml:"preferred" json:"preferred"`

	// Fallback lists backup models if all preferred fail.
	Fallback []string `yaml:"fallback" json:"fallback"`
}

// EndpointConfig defines an available model endpoint.
type EndpointConfig struct {
	// Provider is the model provider (anthropic, ollama, openai).
	Provider string `yaml:"provider" json:"provider"`

	// URL is the API endpoint URL (for non-Anthropic providers).
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Model is the actual model identifier to send to the provider.
	Model string `yaml:"model" json:"model"`

	// MaxTokens is the context window size.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
}

// HealthConfig configures the per-endpoint circuit breaker.
type HealthConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int

	// RecoveryTimeout is how long an open circuit stays open before a probe
	// request is allowed through.
	RecoveryTimeout time.Duration
}

// DefaultHealthConfig returns sensible circuit-breaker defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}
}

type endpointHealth struct {
	failureCount    int
	circuitOpen     bool
	circuitOpenedAt time.Time
}

// NewRegistry creates a registry with the given configuration.
func NewRegistry(caps map[Capability]*CapabilityConfig, endpoints map[string]*EndpointConfig) *Registry {
	return &Registry{
		capabilities: caps,
		endpoints:    endpoints,
		health:       make(map[string]*endpointHealth),
		healthCfg:    DefaultHealthConfig(),
	}
}

// NewDefaultRegistry creates a registry pointing every capability at a local
// Ollama endpoint. Used when no model configuration is provided.
func NewDefaultRegistry() *Registry {
	endpoints := map[string]*EndpointConfig{
		"qwen": {
			Provider:  "ollama",
			URL:       "http://localhost:11434/v1",
			Model:     "qwen2.5:14b",
			MaxTokens: 128000,
		},
		"llama": {
			Provider:  "ollama",
			URL:       "http://localhost:11434/v1",
			Model:     "llama3.2",
			MaxTokens: 128000,
		},
	}
	caps := map[Capability]*CapabilityConfig{
		CapabilityRefinement: {
			Description: "Slot refinement for under-specified intents",
			Preferred:   []string{"qwen"},
			Fallback:    []string{"llama"},
		},
		CapabilityRepair: {
			Description: "Constrained SPARQL repair after endpoint rejection",
			Preferred:   []string{"qwen"},
			Fallback:    []string{"llama"},
		},
		CapabilityFast: {
			Description: "Quick low-stakes completions",
			Preferred:   []string{"llama"},
			Fallback:    []string{"qwen"},
		},
	}
	return NewRegistry(caps, endpoints)
}

// GetFallbackChain returns all models for a capability in order of
// preference: preferred first, then fallback.
func (r *Registry) GetFallbackChain(c Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.capabilities[c]
	if !ok {
		return nil
	}
	chain := make([]string, 0, len(cfg.Preferred)+len(cfg.Fallback))
	chain = append(chain, cfg.Preferred...)
	chain = append(chain, cfg.Fallback...)
	return chain
}

// GetAvailableFallbackChain returns the fallback chain filtered to endpoints
// whose circuit is closed (or due for a recovery probe).
func (r *Registry) GetAvailableFallbackChain(c Capability) []string {
	chain := r.GetFallbackChain(c)
	available := make([]string, 0, len(chain))
	for _, name := range chain {
		if r.IsEndpointAvailable(name) {
			available = append(available, name)
		}
	}
	// All circuits open: return the full chain rather than nothing, so the
	// caller still makes an attempt instead of failing without a request.
	if len(available) == 0 {
		return chain
	}
	return available
}

// GetEndpoint returns the endpoint configuration for a model name, or nil.
func (r *Registry) GetEndpoint(modelName string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[modelName]
}

// IsEndpointAvailable reports whether the endpoint's circuit is closed, or
// open long enough that a recovery probe is due.
func (r *Registry) IsEndpointAvailable(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.health[name]
	if !ok || !h.circuitOpen {
		return true
	}
	return time.Since(h.circuitOpenedAt) >= r.healthCfg.RecoveryTimeout
}

// MarkEndpointSuccess records a successful request and closes the circuit.
func (r *Registry) MarkEndpointSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.healthFor(name)
	h.failureCount = 0
	h.circuitOpen = false
}

// MarkEndpointFailure records a failed request, opening the circuit once the
// failure threshold is reached.
func (r *Registry) MarkEndpointFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.healthFor(name)
	h.failureCount++
	if h.failureCount >= r.healthCfg.FailureThreshold {
		h.circuitOpen = true
		h.circuitOpenedAt = time.Now()
	}
}

// healthFor returns the health record for an endpoint, creating it if
// needed. Callers must hold the write lock.
func (r *Registry) healthFor(name string) *endpointHealth {
	h, ok := r.health[name]
	if !ok {
		h = &endpointHealth{}
		r.health[name] = h
	}
	return h
}

// SetHealthConfig overrides the circuit-breaker settings.
func (r *Registry) SetHealthConfig(cfg HealthConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthCfg = cfg
}

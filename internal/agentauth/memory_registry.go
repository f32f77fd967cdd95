package agentauth

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MemoryRegistry provides an in-memory implementation of the Registry
// interface, intended for development and testing scenarios.
type MemoryRegistry struct {
	mu       sync.RWMutex
	byKey    map[string]*AgentIdentity
	byAPIKey map[string]*AgentIdentity
}

// NewMemoryRegistry initialises the registry with the provided identities.
func NewMemoryRegistry(seeds []AgentIdentity) *MemoryRegistry {
	registry := &MemoryRegistry{
		byKey:    make(map[string]*AgentIdentity),
		byAPIKey: make(map[string]*AgentIdentity),
	}
	for _, seed := range seeds {
		registry.register(seed)
	}
	return registry
}

// Register adds or replaces an identity.
func (r *MemoryRegistry) Register(identity AgentIdentity) error {
	if strings.TrimSpace(identity.PublicKey) == "" {
		return errors.New("agent public key cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.register(identity)
	return nil
}

func (r *MemoryRegistry) register(identity AgentIdentity) {
	key := strings.TrimSpace(identity.PublicKey)
	if key == "" {
		return
	}
	clone := identity
	clone.PublicKey = key
	r.byKey[key] = &clone
	if apiKey := strings.TrimSpace(identity.APIKey); apiKey != "" {
		r.byAPIKey[apiKey] = &clone
	}
}

// FindByPublicKey implements Registry.
func (r *MemoryRegistry) FindByPublicKey(_ context.Context, publicKey string) (*AgentIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if identity, ok := r.byKey[strings.TrimSpace(publicKey)]; ok {
		clone := *identity
		return &clone, nil
	}
	return nil, errors.New("agent not found")
}

// FindByAPIKey implements Registry.
func (r *MemoryRegistry) FindByAPIKey(_ context.Context, apiKey string) (*AgentIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if identity, ok := r.byAPIKey[strings.TrimSpace(apiKey)]; ok {
		clone := *identity
		return &clone, nil
	}
	return nil, errors.New("agent not found")
}

package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/terracetalk/pkg/generator"
	"github.com/MrWong99/terracetalk/pkg/generator/embeddings"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// Registry maps backend names to their constructor functions. It is safe for
// concurrent use. The main binary registers concrete implementations at
// startup and the wiring code instantiates them from [ProviderEntry] blocks.
type Registry struct {
	mu         sync.RWMutex
	generators map[string]func(ProviderEntry) (generator.Generator, error)
	embeddings map[string]func(ProviderEntry) (embeddings.Embedder, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		generators: make(map[string]func(ProviderEntry) (generator.Generator, error)),
		embeddings: make(map[string]func(ProviderEntry) (embeddings.Embedder, error)),
	}
}

// RegisterGenerator registers a generator backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterGenerator(name string, factory func(ProviderEntry) (generator.Generator, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[name] = factory
}

// RegisterEmbedder registers an embeddings backend factory under name.
func (r *Registry) RegisterEmbedder(name string, factory func(ProviderEntry) (embeddings.Embedder, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// CreateGenerator instantiates a generator backend using the factory
// registered under entry.Name. Returns [ErrBackendNotRegistered] if no
// factory has been registered for that name.
func (r *Registry) CreateGenerator(entry ProviderEntry) (generator.Generator, error) {
	r.mu.RLock()
	factory, ok := r.generators[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: generator/%q", ErrBackendNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateEmbedder instantiates an embeddings backend using the factory
// registered under entry.Name.
func (r *Registry) CreateEmbedder(entry ProviderEntry) (embeddings.Embedder, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrBackendNotRegistered, entry.Name)
	}
	return factory(entry)
}

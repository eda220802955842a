package resilience

import (
	"context"

	"github.com/MrWong99/terracetalk/pkg/generator"
)

// GeneratorFallback implements [generator.Generator] with automatic failover
// across multiple LLM backends. Each backend has its own circuit breaker;
// when the primary fails or its breaker is open, the next healthy fallback is
// tried.
type GeneratorFallback struct {
	group *FallbackGroup[generator.Generator]
}

// Compile-time interface assertion.
var _ generator.Generator = (*GeneratorFallback)(nil)

// NewGeneratorFallback creates a [GeneratorFallback] with primary as the
// preferred backend.
func NewGeneratorFallback(primary generator.Generator, primaryName string, cfg FallbackConfig) *GeneratorFallback {
	return &GeneratorFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional generator backend as a fallback.
func (f *GeneratorFallback) AddFallback(name string, g generator.Generator) {
	f.group.AddFallback(name, g)
}

// Generate sends the request to the first healthy backend and returns its
// response. If the primary fails, subsequent fallbacks are tried.
func (f *GeneratorFallback) Generate(ctx context.Context, req generator.Request) (*generator.Response, error) {
	return ExecuteWithResult(f.group, func(g generator.Generator) (*generator.Response, error) {
		return g.Generate(ctx, req)
	})
}

// Stream sends the request to the first healthy backend and returns its event
// channel. Only the initial connection attempt is covered by failover; once a
// stream is established, mid-stream errors are the caller's responsibility.
func (f *GeneratorFallback) Stream(ctx context.Context, req generator.Request) (<-chan generator.Event, error) {
	return ExecuteWithResult(f.group, func(g generator.Generator) (<-chan generator.Event, error) {
		return g.Stream(ctx, req)
	})
}

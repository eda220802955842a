// Package mock provides a test double for the generator.Generator interface.
//
// Use Generator in unit tests to verify that the orchestrator assembles
// correct Requests and to feed controlled responses without a live LLM
// backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	g := &mock.Generator{
//	    GenerateResponse: &generator.Response{Text: "Up the lads!"},
//	}
//	resp, err := g.Generate(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/terracetalk/pkg/generator"
)

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	// Ctx is the context passed to Generate.
	Ctx context.Context
	// Req is the Request passed to Generate.
	Req generator.Request
}

// StreamCall records a single invocation of Stream.
type StreamCall struct {
	// Ctx is the context passed to Stream.
	Ctx context.Context
	// Req is the Request passed to Stream.
	Req generator.Request
}

// Generator is a mock implementation of generator.Generator.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject errors.
type Generator struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// GenerateResponse is returned by Generate. May be nil (returns nil, nil).
	GenerateResponse *generator.Response

	// GenerateErr, if non-nil, is returned as the error from Generate.
	GenerateErr error

	// GenerateFn, if non-nil, overrides GenerateResponse/GenerateErr entirely.
	// The call is still recorded. Useful for per-call behavior such as
	// failing once and succeeding on retry.
	GenerateFn func(ctx context.Context, req generator.Request) (*generator.Response, error)

	// StreamEvents is the sequence of Event values emitted on the channel
	// returned by Stream. All events are sent before the channel is closed.
	StreamEvents []generator.Event

	// StreamErr, if non-nil, is returned as the error from Stream instead of
	// opening a channel.
	StreamErr error

	// --- Call records (read after test) ---

	// GenerateCalls records every invocation of Generate in order.
	GenerateCalls []GenerateCall

	// StreamCalls records every invocation of Stream in order.
	StreamCalls []StreamCall
}

// Generate records the call and returns GenerateResponse, GenerateErr, unless
// GenerateFn is set.
func (g *Generator) Generate(ctx context.Context, req generator.Request) (*generator.Response, error) {
	g.mu.Lock()
	g.GenerateCalls = append(g.GenerateCalls, GenerateCall{Ctx: ctx, Req: req})
	fn := g.GenerateFn
	resp, err := g.GenerateResponse, g.GenerateErr
	g.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return resp, err
}

// Stream records the call and returns a channel that emits StreamEvents.
// If StreamErr is set, it returns nil, StreamErr without opening a channel.
func (g *Generator) Stream(ctx context.Context, req generator.Request) (<-chan generator.Event, error) {
	g.mu.Lock()
	g.StreamCalls = append(g.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if g.StreamErr != nil {
		err := g.StreamErr
		g.mu.Unlock()
		return nil, err
	}
	events := make([]generator.Event, len(g.StreamEvents))
	copy(events, g.StreamEvents)
	g.mu.Unlock()

	ch := make(chan generator.Event, len(events))
	go func() {
		defer close(ch)
		for _, ev := range events {
			select {
			case <-ctx.Done():
				return
			case ch <- ev:
			}
		}
	}()
	return ch, nil
}

// GenerateCallCount returns the number of recorded Generate calls. Thread-safe.
func (g *Generator) GenerateCallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.GenerateCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (g *Generator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.GenerateCalls = nil
	g.StreamCalls = nil
}

// Ensure Generator implements generator.Generator at compile time.
var _ generator.Generator = (*Generator)(nil)

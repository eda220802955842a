// Package mock provides a test double for the embeddings.Embedder interface.
//
// Use Embedder to return pre-canned vectors without a live model and to
// verify that the correct texts are submitted for embedding.
//
// Example:
//
//	e := &mock.Embedder{
//	    EmbedResult:     []float32{0.1, 0.2, 0.3},
//	    DimensionsValue: 3,
//	    ModelIDValue:    "test-embed-v1",
//	}
//	vec, _ := e.Embed(ctx, "derby day injury news")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/terracetalk/pkg/generator/embeddings"
)

// EmbedCall records a single invocation of Embed.
type EmbedCall struct {
	// Ctx is the context passed to Embed.
	Ctx context.Context
	// Text is the string passed to Embed.
	Text string
}

// EmbedBatchCall records a single invocation of EmbedBatch.
type EmbedBatchCall struct {
	// Ctx is the context passed to EmbedBatch.
	Ctx context.Context
	// Texts is a copy of the string slice passed to EmbedBatch.
	Texts []string
}

// Embedder is a mock implementation of embeddings.Embedder.
type Embedder struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// EmbedResult is returned by Embed. If nil, a nil slice is returned.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned as the error from Embed.
	EmbedErr error

	// EmbedBatchResult is returned by EmbedBatch. If nil, a slice of nil
	// slices matching the input length is returned.
	EmbedBatchResult [][]float32

	// EmbedBatchErr, if non-nil, is returned as the error from EmbedBatch.
	EmbedBatchErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// --- Call records ---

	// EmbedCalls records every call to Embed in order.
	EmbedCalls []EmbedCall

	// EmbedBatchCalls records every call to EmbedBatch in order.
	EmbedBatchCalls []EmbedBatchCall
}

// Embed records the call and returns EmbedResult, EmbedErr.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.EmbedCalls = append(e.EmbedCalls, EmbedCall{Ctx: ctx, Text: text})
	return e.EmbedResult, e.EmbedErr
}

// EmbedBatch records the call and returns EmbedBatchResult, EmbedBatchErr.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]string, len(texts))
	copy(cp, texts)
	e.EmbedBatchCalls = append(e.EmbedBatchCalls, EmbedBatchCall{Ctx: ctx, Texts: cp})
	if e.EmbedBatchErr != nil {
		return nil, e.EmbedBatchErr
	}
	if e.EmbedBatchResult != nil {
		return e.EmbedBatchResult, nil
	}
	return make([][]float32, len(texts)), nil
}

// Dimensions returns DimensionsValue.
func (e *Embedder) Dimensions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.DimensionsValue
}

// ModelID returns ModelIDValue.
func (e *Embedder) ModelID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ModelIDValue
}

// Reset clears all recorded calls. Thread-safe.
func (e *Embedder) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.EmbedCalls = nil
	e.EmbedBatchCalls = nil
}

// Ensure Embedder implements embeddings.Embedder at compile time.
var _ embeddings.Embedder = (*Embedder)(nil)

// Package embeddings defines the Embedder interface for vector embedding
// backends.
//
// An embedder wraps a service that maps text strings to dense float32 vectors
// (e.g., OpenAI text-embedding-3 or a local sentence transformer). The vectors
// feed the semantic news lane: article chunks are embedded at ingest time and
// user queries at request time, with nearest-neighbor search done in Postgres.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Embedder is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Embedder instance share the same
// dimensionality (returned by Dimensions). Callers must not mix vectors from
// different Embedder instances in the same similarity computation unless they
// have verified that both use the same model and space.
type Embedder interface {
	// Embed computes the embedding vector for a single text string. Returns a
	// float32 slice of length Dimensions() or an error if the request fails
	// or ctx is cancelled. Text passes through verbatim; any model-specific
	// prefixing is the caller's responsibility.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for a slice of text strings in a
	// single backend call. The returned slice has the same length as texts
	// and the i-th element corresponds to texts[i]. Partial results are not
	// returned; on error the entire slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// embedder, constant for the lifetime of the instance.
	Dimensions() int

	// ModelID returns the backend-specific model identifier
	// (e.g., "text-embedding-3-small"), useful for logging.
	ModelID() string
}

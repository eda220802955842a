package orchestrator

import "errors"

var (
	// ErrInvalidInput is returned for requests the pipeline refuses to
	// process: empty messages, null bytes, over-length queries, or (in
	// strict mode) unknown persona ids.
	ErrInvalidInput = errors.New("orchestrator: invalid input")

	// ErrCancelled is returned when the request context is cancelled before
	// the response is committed. No conversation state is mutated except the
	// security transition, which is committed at the gate.
	ErrCancelled = errors.New("orchestrator: request cancelled")
)

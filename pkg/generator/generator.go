// Package generator defines the abstraction over the external LLM that
// produces the final persona response.
//
// The retrieval core treats the generator as opaque: it hands over an
// assembled system prompt, the user query, and optional prior turns, and
// receives either a one-shot completion or a stream of typed events. Both
// variants sit behind one interface so the orchestrator's retry and
// degradation policies do not care which backend is wired.
//
// Implementations must be safe for concurrent use. Channels returned by
// Stream must be closed by the implementation when generation ends or the
// supplied context is cancelled.
package generator

import "context"

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Message is a single turn of prior conversation history.
type Message struct {
	// Role is one of "user" or "assistant".
	Role string

	// Content is the text of the turn.
	Content string
}

// Request carries everything the generator needs for one response.
type Request struct {
	// SystemPrompt is the fully assembled persona + context prompt.
	SystemPrompt string

	// Query is the user's (resolved) message.
	Query string

	// History is the prior multi-turn exchange, oldest first. May be empty.
	History []Message

	// Temperature controls output randomness. Zero means backend default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means backend default.
	MaxTokens int
}

// Response is the one-shot completion result.
type Response struct {
	// Text is the generated reply.
	Text string

	// Confidence is the backend's self-reported confidence in [0,1].
	// Negative means the backend does not report one and the caller should
	// derive a heuristic value.
	Confidence float64

	// Usage is token accounting, zero-valued when the backend omits it.
	Usage Usage
}

// EventType discriminates streaming events.
type EventType string

const (
	EventChunk EventType = "chunk"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event is one element of a generation stream. A stream is zero or more
// chunk events terminated by exactly one done or error event.
type Event struct {
	Type  EventType
	Text  string
	Usage Usage
	Err   error
}

// Generator is the abstraction over any LLM backend.
//
// Both methods must propagate context cancellation promptly: when ctx is
// cancelled, Generate returns and Stream closes its channel as quickly as
// possible.
type Generator interface {
	// Generate sends req and waits for the full response.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Stream sends req and returns a read-only channel of events. The
	// channel is closed after the terminal done/error event. Callers must
	// drain it to avoid goroutine leaks. The returned channel is never nil
	// when error is nil; the error return covers only failures that prevent
	// the stream from starting.
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

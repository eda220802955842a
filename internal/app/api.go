package app

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/MrWong99/terracetalk/internal/observe"
	"github.com/MrWong99/terracetalk/internal/orchestrator"
	"github.com/MrWong99/terracetalk/internal/retrieval"
	"github.com/MrWong99/terracetalk/pkg/generator"
)

// maxRequestBody bounds the JSON request body. The orchestrator enforces its
// own query length cap; this guards the decoder.
const maxRequestBody = 64 << 10

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	PersonaID      string `json:"persona_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
}

type chatSource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type chatResponse struct {
	Text           string       `json:"text"`
	ConversationID string       `json:"conversation_id"`
	Sources        []chatSource `json:"sources,omitempty"`
	Confidence     float64      `json:"confidence"`
	Intent         string       `json:"intent,omitempty"`
	FallbackStep   int          `json:"fallback_step,omitempty"`
	Deflected      bool         `json:"deflected,omitempty"`
	Degraded       bool         `json:"degraded,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *App) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeChatRequest(w, r)
	if !ok {
		return
	}

	resp, err := a.orc.Chat(r.Context(), req)
	if err != nil {
		a.writeChatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChatResponse(resp))
}

// handleChatStream relays orchestrator stream events as Server-Sent Events:
// "data:" lines carry text chunks, a final "event: done" closes the stream,
// and mid-stream failures surface as "event: error".
func (a *App) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeChatRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	events, err := a.orc.ChatStream(r.Context(), req)
	if err != nil {
		a.writeChatError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for ev := range events {
		switch ev.Type {
		case generator.EventChunk:
			w.Write([]byte("data: "))
			enc.Encode(map[string]string{"text": ev.Text})
			w.Write([]byte("\n"))
		case generator.EventDone:
			w.Write([]byte("event: done\ndata: {}\n\n"))
		case generator.EventError:
			w.Write([]byte("event: error\ndata: "))
			enc.Encode(errorResponse{Error: "generation failed"})
			w.Write([]byte("\n"))
		}
		flusher.Flush()
	}
}

func (a *App) decodeChatRequest(w http.ResponseWriter, r *http.Request) (orchestrator.Request, bool) {
	var body chatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return orchestrator.Request{}, false
	}
	// The trust session outlives any one conversation; absent an explicit
	// session the conversation id stands in, and a fresh id starts both.
	if body.SessionID == "" {
		body.SessionID = body.ConversationID
	}
	if body.SessionID == "" {
		body.SessionID = uuid.NewString()
	}
	return orchestrator.Request{
		Message:        body.Message,
		ConversationID: body.ConversationID,
		PersonaID:      body.PersonaID,
		SessionID:      body.SessionID,
	}, true
}

func (a *App) writeChatError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, orchestrator.ErrCancelled):
		// 499 in the nginx tradition: the client went away.
		writeJSON(w, 499, errorResponse{Error: "request cancelled"})
	default:
		// The trace-aware logger carries the request's trace and span ids so
		// a 500 in the logs can be matched to its trace.
		observe.Logger(r.Context()).Error("chat request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func toChatResponse(resp *orchestrator.Response) chatResponse {
	out := chatResponse{
		Text:           resp.Text,
		ConversationID: resp.ConversationID,
		Confidence:     resp.Confidence,
		Intent:         resp.Intent,
		FallbackStep:   resp.FallbackStep,
		Deflected:      resp.Deflected,
		Degraded:       resp.Degraded,
		Sources:        toChatSources(resp.Sources),
	}
	return out
}

func toChatSources(sources []retrieval.Source) []chatSource {
	if len(sources) == 0 {
		return nil
	}
	out := make([]chatSource, len(sources))
	for i, s := range sources {
		out[i] = chatSource{Type: s.Type, ID: s.ID}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/terracetalk/internal/conversation"
	"github.com/MrWong99/terracetalk/internal/observe"
	"github.com/MrWong99/terracetalk/internal/persona"
	"github.com/MrWong99/terracetalk/internal/retrieval"
	"github.com/MrWong99/terracetalk/pkg/generator"
	"github.com/MrWong99/terracetalk/pkg/store"
)

// ChatStream runs one turn like [Orchestrator.Chat] but streams the answer
// as it is generated. Terminal (deflected, degraded, apology) answers arrive
// as a single chunk followed by a done event. The channel is closed after
// the terminal event; state is committed when the stream completes, with the
// same failure policy as Chat.
//
// Vocabulary enforcement is applied incrementally: each emitted delta is the
// enforced prefix extension, so substitutions spanning chunk boundaries are
// held back until the boundary resolves.
func (o *Orchestrator) ChatStream(ctx context.Context, req Request) (<-chan generator.Event, error) {
	ctx, span := observe.StartSpan(ctx, "orchestrator.chat_stream")
	defer span.End()
	started := o.clock()

	query, err := o.sanitize(req.Message)
	if err != nil {
		o.metrics.RecordRequest(ctx, "", "invalid")
		return nil, err
	}

	verdict, err := o.gate.Check(ctx, req.SessionID, query)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: security check: %w", err)
	}
	if err := o.gate.Wait(ctx, verdict.Delay); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	entry, personaKnown, err := o.resolvePersona(req.PersonaID)
	if err != nil {
		o.metrics.RecordRequest(ctx, "", "invalid")
		return nil, err
	}

	state, release := o.conversations.Acquire(req.ConversationID, req.PersonaID)

	// The bundle loads before any deflection so that even a first-turn
	// injection gets snapped back in the persona voice.
	bundle, degraded := o.loadBundle(ctx, state, entry, personaKnown)

	if verdict.Deflect || verdict.FixedVoice {
		resp, _ := o.deflect(ctx, req, verdict, state, started)
		release()
		return singleAnswerStream(resp.Text), nil
	}

	var personaTeam *store.Team
	personaTeamName := ""
	if bundle != nil {
		personaTeam = &store.Team{ID: bundle.TeamID, Name: bundle.TeamName}
		personaTeamName = bundle.TeamName
	}

	resolved := conversation.Resolve(query, state, personaTeamName)

	var (
		result   *retrieval.Result
		snapshot *persona.Snapshot
	)
	if !degraded {
		result, err = o.retrieve(ctx, resolved, personaTeam)
		switch {
		case errors.Is(err, retrieval.ErrInvalidQuery):
			release()
			o.metrics.RecordRequest(ctx, "", "invalid")
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		case errors.Is(err, store.ErrUnavailable):
			degraded = true
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			defer release()
			_, cerr := o.cancelled(ctx, req, state, started, err)
			return nil, cerr
		case err != nil:
			release()
			return nil, fmt.Errorf("orchestrator: retrieval: %w", err)
		}
	}

	if !degraded && bundle != nil {
		snapshot, err = o.enricher.Enrich(ctx, resolved, bundle)
		if errors.Is(err, store.ErrUnavailable) {
			degraded = true
		} else if err != nil {
			defer release()
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				_, cerr := o.cancelled(ctx, req, state, started, err)
				return nil, cerr
			}
			return nil, fmt.Errorf("orchestrator: enrichment: %w", err)
		}
	}

	if degraded {
		resp, _ := o.degrade(ctx, req, state, started)
		release()
		return singleAnswerStream(resp.Text), nil
	}

	contextLines := freshLines(result, state)
	prompt := buildSystemPrompt(bundle, snapshot, contextLines)

	events, err := o.gen.Stream(ctx, generator.Request{
		SystemPrompt: prompt,
		Query:        resolved,
		Temperature:  o.temperature,
		MaxTokens:    o.maxTokens,
	})
	if err != nil {
		release()
		o.metrics.GeneratorErrors.Add(ctx, 1)
		return nil, fmt.Errorf("orchestrator: stream start: %w", err)
	}

	out := make(chan generator.Event, 8)
	go o.relayStream(ctx, events, out, streamCommit{
		state:        state,
		release:      release,
		result:       result,
		bundle:       bundle,
		contextLines: contextLines,
		started:      started,
	})
	return out, nil
}

// streamCommit carries everything relayStream needs to finish the turn.
type streamCommit struct {
	state        *conversation.State
	release      func()
	result       *retrieval.Result
	bundle       *store.Persona
	contextLines []string
	started      time.Time
}

// relayStream forwards generator events to out, applying incremental
// vocabulary enforcement, and commits conversation state on completion.
func (o *Orchestrator) relayStream(ctx context.Context, in <-chan generator.Event, out chan<- generator.Event, c streamCommit) {
	defer close(out)
	defer c.release()

	var (
		raw     strings.Builder // accumulated backend output
		emitted int             // bytes of enforced output already sent
		usage   generator.Usage
		failed  bool
	)

	enforce := func(s string) string {
		if c.bundle == nil {
			return s
		}
		return persona.EnforceVocabulary(s, c.bundle.Vocabulary)
	}

	// A substitution can straddle a chunk boundary, so the enforced tail is
	// unstable until more text arrives. Hold back a window big enough to
	// cover any key plus its replacement; the held text flushes on
	// completion.
	hold := 0
	if c.bundle != nil {
		for k, v := range c.bundle.Vocabulary.Substitutions {
			if n := len(k) + len(v); n > hold {
				hold = n
			}
		}
	}

	for ev := range in {
		switch ev.Type {
		case generator.EventChunk:
			raw.WriteString(ev.Text)
			enforced := enforce(raw.String())
			if stable := stablePrefix(enforced, hold); stable > emitted {
				delta := enforced[emitted:stable]
				emitted = stable
				if !send(ctx, out, generator.Event{Type: generator.EventChunk, Text: delta}) {
					failed = true
				}
			}
		case generator.EventDone:
			usage = ev.Usage
		case generator.EventError:
			failed = true
			o.metrics.GeneratorErrors.Add(ctx, 1)
			o.reqLogger(ctx).Error("generator stream failed", "conversation", c.state.ID, "error", ev.Err)
			send(ctx, out, ev)
		}
	}

	finalText := enforce(raw.String())
	if !failed && len(finalText) > emitted {
		// Flush whatever the last enforcement pass was still holding back.
		send(ctx, out, generator.Event{Type: generator.EventChunk, Text: finalText[emitted:]})
	}

	intent := string(c.result.Metadata.Intent)
	if ctx.Err() != nil {
		resp := &Response{ConversationID: c.state.ID}
		o.appendAnalytics(ctx, c.state, resp, c.started, true)
		o.observeRequest(ctx, intent, "cancelled", c.started)
		return
	}

	resp := &Response{
		Text:           finalText,
		ConversationID: c.state.ID,
		Sources:        c.result.Sources,
		Intent:         intent,
		FallbackStep:   c.result.Metadata.FallbackStep,
		Usage:          usage,
	}
	status := "ok"
	emittedLines := c.contextLines
	if failed {
		// Same policy as the non-streaming path: facts are not burned on a
		// failed generation.
		status = "generator-error"
		emittedLines = nil
		resp.Confidence = 0
	} else {
		resp.Confidence = confidence(&generator.Response{Confidence: -1}, len(c.result.Sources))
	}
	o.commitTurn(ctx, c.state, c.result, emittedLines, c.started, resp, status)

	if !failed {
		send(ctx, out, generator.Event{Type: generator.EventDone, Usage: usage})
	}
}

// stablePrefix returns the length of the enforced output that no future
// chunk can rewrite, backed off to a rune boundary.
func stablePrefix(enforced string, hold int) int {
	n := len(enforced) - hold
	if n <= 0 {
		return 0
	}
	if n >= len(enforced) {
		return len(enforced)
	}
	for n > 0 && !utf8.RuneStart(enforced[n]) {
		n--
	}
	return n
}

// singleAnswerStream wraps a pre-computed answer as a closed two-event
// stream.
func singleAnswerStream(text string) <-chan generator.Event {
	out := make(chan generator.Event, 2)
	out <- generator.Event{Type: generator.EventChunk, Text: text}
	out <- generator.Event{Type: generator.EventDone}
	close(out)
	return out
}

// send forwards ev unless ctx is cancelled. Reports whether the send
// happened.
func send(ctx context.Context, out chan<- generator.Event, ev generator.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

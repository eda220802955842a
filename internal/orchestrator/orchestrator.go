// Package orchestrator composes the full chat pipeline: input sanitation,
// the security gate, persona resolution, conversation context, retrieval,
// persona enrichment, prompt synthesis, generation, vocabulary enforcement,
// and state commit. It owns the ordering and failure policy of every turn;
// the subsystems it composes stay independently testable.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/terracetalk/internal/conversation"
	"github.com/MrWong99/terracetalk/internal/observe"
	"github.com/MrWong99/terracetalk/internal/persona"
	"github.com/MrWong99/terracetalk/internal/retrieval"
	"github.com/MrWong99/terracetalk/internal/security"
	"github.com/MrWong99/terracetalk/pkg/generator"
	"github.com/MrWong99/terracetalk/pkg/store"
)

const (
	// maxGeneratorAttempts bounds generator calls per turn: one call plus
	// one retry.
	maxGeneratorAttempts = 2

	// degradedResponse is the answer when the store is unreachable. The
	// persona voice is unavailable too, since the bundle lives in the store.
	degradedResponse = "No data available right now. The record books are out of reach, try me again shortly."

	// confidenceFloor and confidencePerSource parameterise the heuristic
	// confidence used when the backend does not self-report one. The floor
	// applies only once at least one source backs the answer.
	confidenceFloor     = 0.2
	confidencePerSource = 0.125
)

// Request is one user turn.
type Request struct {
	// Message is the raw user input.
	Message string

	// ConversationID identifies the conversation; empty starts a new one.
	ConversationID string

	// PersonaID selects the answering persona, or empty for a neutral voice.
	PersonaID string

	// SessionID identifies the trust session. Required.
	SessionID string
}

// Response is one completed turn.
type Response struct {
	// Text is the final answer, after vocabulary enforcement.
	Text string

	// ConversationID echoes (or assigns) the conversation identifier.
	ConversationID string

	// Sources backs the answer. Empty for deflected or degraded turns.
	Sources []retrieval.Source

	// Confidence is in [0, 1]. Zero for deflected and degraded turns.
	Confidence float64

	// Intent is the classified query intent, empty when retrieval was
	// skipped.
	Intent string

	// FallbackStep records retrieval widening (0 = none).
	FallbackStep int

	// Deflected is true when the security gate answered instead of the
	// generator.
	Deflected bool

	// Degraded is true when the store was unreachable and the sentinel
	// answer was returned.
	Degraded bool

	// Usage is the generator's token accounting, zero-valued otherwise.
	Usage generator.Usage
}

// PersonaEntry binds one persona id to its team.
type PersonaEntry struct {
	TeamID string
}

// ─────────────────────────────────────────────────────────────────────────────
// Orchestrator
// ─────────────────────────────────────────────────────────────────────────────

// Orchestrator runs the chat pipeline. Safe for concurrent use; turns within
// one conversation are serialized by the conversation manager.
type Orchestrator struct {
	store         store.Store
	retriever     *retrieval.Retriever
	enricher      *persona.Enricher
	gate          *security.Gate
	conversations *conversation.Manager
	gen           generator.Generator

	personas       map[string]PersonaEntry
	strictPersonas bool
	temperature    float64
	maxTokens      int
	maxQueryLen    int

	metrics *observe.Metrics
	log     *slog.Logger
	clock   func() time.Time
}

// Option is a functional option for [New].
type Option func(*Orchestrator)

// WithPersonas sets the valid persona id set and, when strict, rejects
// unknown persona ids as invalid input instead of falling back to a neutral
// voice.
func WithPersonas(entries map[string]PersonaEntry, strict bool) Option {
	return func(o *Orchestrator) {
		o.personas = entries
		o.strictPersonas = strict
	}
}

// WithGeneration sets the sampling parameters passed to the generator.
func WithGeneration(temperature float64, maxTokens int) Option {
	return func(o *Orchestrator) {
		o.temperature = temperature
		o.maxTokens = maxTokens
	}
}

// WithMaxQueryLength overrides the post-trim input length cap (default 1000).
func WithMaxQueryLength(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxQueryLen = n
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the structured logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// New assembles the pipeline from its subsystems.
func New(st store.Store, r *retrieval.Retriever, e *persona.Enricher, g *security.Gate,
	cm *conversation.Manager, gen generator.Generator, opts ...Option) *Orchestrator {

	o := &Orchestrator{
		store:         st,
		retriever:     r,
		enricher:      e,
		gate:          g,
		conversations: cm,
		gen:           gen,
		personas:      map[string]PersonaEntry{},
		maxQueryLen:   1000,
		log:           slog.Default(),
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// Chat runs one turn end to end.
//
// Failure policy: a store outage yields a degraded sentinel answer with
// confidence 0 (the turn counter still advances); a generator failure after
// one retry yields an in-persona apology with confidence 0 and leaves the
// discussed-fact set untouched; context cancellation returns [ErrCancelled]
// without committing any state beyond the security transition, and the
// analytics row is marked cancelled.
func (o *Orchestrator) Chat(ctx context.Context, req Request) (*Response, error) {
	ctx, span := observe.StartSpan(ctx, "orchestrator.chat")
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
	defer release()

	// The bundle loads before any deflection so that even a first-turn
	// injection gets snapped back in the persona voice.
	bundle, degraded := o.loadBundle(ctx, state, entry, personaKnown)

	if verdict.Deflect || verdict.FixedVoice {
		return o.deflect(ctx, req, verdict, state, started)
	}

	var personaTeam *store.Team
	if bundle != nil {
		personaTeam = &store.Team{ID: bundle.TeamID, Name: bundle.TeamName}
	}
	personaTeamName := ""
	if personaTeam != nil {
		personaTeamName = personaTeam.Name
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
			o.metrics.RecordRequest(ctx, "", "invalid")
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		case errors.Is(err, store.ErrUnavailable):
			degraded = true
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return o.cancelled(ctx, req, state, started, err)
		case err != nil:
			return nil, fmt.Errorf("orchestrator: retrieval: %w", err)
		}
	}

	if !degraded && bundle != nil {
		snapshot, err = o.enricher.Enrich(ctx, resolved, bundle)
		switch {
		case errors.Is(err, store.ErrUnavailable):
			degraded = true
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return o.cancelled(ctx, req, state, started, err)
		case err != nil:
			return nil, fmt.Errorf("orchestrator: enrichment: %w", err)
		}
	}

	if degraded {
		return o.degrade(ctx, req, state, started)
	}

	intent := string(result.Metadata.Intent)
	if result.Metadata.FallbackStep > 0 {
		o.metrics.RecordFallbackStep(ctx, result.Metadata.FallbackStep)
	}

	contextLines := freshLines(result, state)
	prompt := buildSystemPrompt(bundle, snapshot, contextLines)

	genReq := generator.Request{
		SystemPrompt: prompt,
		Query:        resolved,
		Temperature:  o.temperature,
		MaxTokens:    o.maxTokens,
	}

	genResp, genErr := o.generate(ctx, genReq)
	if genErr != nil {
		if errors.Is(genErr, context.Canceled) || errors.Is(genErr, context.DeadlineExceeded) {
			return o.cancelled(ctx, req, state, started, genErr)
		}
		// Persona apology; the discussed-fact set stays untouched so the
		// facts can be offered again on the next turn.
		o.reqLogger(ctx).Error("generator failed after retry", "conversation", state.ID, "error", genErr)
		resp := &Response{
			Text:           apology(bundle),
			ConversationID: state.ID,
			Sources:        result.Sources,
			Confidence:     0,
			Intent:         intent,
			FallbackStep:   result.Metadata.FallbackStep,
		}
		o.commitTurn(ctx, state, result, nil, started, resp, "generator-error")
		return resp, nil
	}

	if err := ctx.Err(); err != nil {
		return o.cancelled(ctx, req, state, started, err)
	}

	text := genResp.Text
	if bundle != nil {
		text = persona.EnforceVocabulary(text, bundle.Vocabulary)
	}

	resp := &Response{
		Text:           text,
		ConversationID: state.ID,
		Sources:        result.Sources,
		Confidence:     confidence(genResp, len(result.Sources)),
		Intent:         intent,
		FallbackStep:   result.Metadata.FallbackStep,
		Usage:          genResp.Usage,
	}
	o.commitTurn(ctx, state, result, contextLines, started, resp, "ok")
	return resp, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Pipeline steps
// ─────────────────────────────────────────────────────────────────────────────

// sanitize validates and normalizes the raw message. Null bytes reject the
// message outright; other control and non-printable runes are stripped before
// the security gate ever sees the text, so escape sequences cannot ride into
// the prompt. The length cap counts runes.
func (o *Orchestrator) sanitize(message string) (string, error) {
	if strings.ContainsRune(message, '\x00') {
		return "", fmt.Errorf("%w: message contains null bytes", ErrInvalidInput)
	}
	query := retrieval.NormalizeQuery(message)
	if query == "" {
		return "", fmt.Errorf("%w: empty message", ErrInvalidInput)
	}
	if utf8.RuneCountInString(query) > o.maxQueryLen {
		return "", fmt.Errorf("%w: message exceeds %d characters", ErrInvalidInput, o.maxQueryLen)
	}
	return query, nil
}

// resolvePersona maps the persona id to its team. Unknown ids are an error in
// strict mode and a neutral voice otherwise.
func (o *Orchestrator) resolvePersona(personaID string) (PersonaEntry, bool, error) {
	if personaID == "" {
		return PersonaEntry{}, false, nil
	}
	entry, ok := o.personas[personaID]
	if !ok {
		if o.strictPersonas {
			return PersonaEntry{}, false, fmt.Errorf("%w: unknown persona %q", ErrInvalidInput, personaID)
		}
		o.log.Warn("unknown persona id, answering without persona", "persona", personaID)
		return PersonaEntry{}, false, nil
	}
	return entry, true, nil
}

// loadBundle returns the persona bundle for the conversation, loading and
// caching it on the state on the first turn. A store outage marks the turn
// degraded; a missing bundle just means no persona voice.
func (o *Orchestrator) loadBundle(ctx context.Context, state *conversation.State, entry PersonaEntry, known bool) (*store.Persona, bool) {
	if !known {
		return nil, false
	}
	if state.Persona != nil {
		return state.Persona, false
	}
	bundle, err := o.store.LoadPersona(ctx, entry.TeamID)
	if err != nil {
		o.reqLogger(ctx).Warn("persona bundle load failed", "team", entry.TeamID, "error", err)
		return nil, errors.Is(err, store.ErrUnavailable)
	}
	if bundle == nil {
		o.reqLogger(ctx).Warn("no persona bundle for team", "team", entry.TeamID)
		return nil, false
	}
	state.Persona = bundle
	return bundle, false
}

// retrieve runs the retrieval pipeline and records its latency.
func (o *Orchestrator) retrieve(ctx context.Context, query string, personaTeam *store.Team) (*retrieval.Result, error) {
	started := o.clock()
	result, err := o.retriever.Retrieve(ctx, query, personaTeam)
	o.metrics.RetrievalDuration.Record(ctx, o.clock().Sub(started).Seconds())
	return result, err
}

// reqLogger returns the orchestrator logger enriched with the request's
// correlation id when a trace is active.
func (o *Orchestrator) reqLogger(ctx context.Context) *slog.Logger {
	if id := observe.CorrelationID(ctx); id != "" {
		return o.log.With("trace_id", id)
	}
	return o.log
}

// generate calls the backend, retrying exactly once on failure.
func (o *Orchestrator) generate(ctx context.Context, req generator.Request) (*generator.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= maxGeneratorAttempts; attempt++ {
		started := o.clock()
		resp, err := o.gen.Generate(ctx, req)
		o.metrics.GeneratorDuration.Record(ctx, o.clock().Sub(started).Seconds())
		if err == nil {
			return resp, nil
		}
		lastErr = err
		o.metrics.GeneratorErrors.Add(ctx, 1)
		if ctx.Err() != nil {
			break
		}
		o.reqLogger(ctx).Warn("generator attempt failed", "attempt", attempt, "error", err)
	}
	return nil, lastErr
}

// freshLines filters the fused context block against the conversation's
// discussed-fact set without recording anything. Recording happens at commit
// so a failed generation does not burn the facts.
func freshLines(result *retrieval.Result, state *conversation.State) []string {
	texts := make([]string, len(result.Lines))
	for i, l := range result.Lines {
		texts[i] = l.Text
	}
	return conversation.DedupeContext(texts, state)
}

// confidence derives the response confidence: the backend's self-reported
// value when present, otherwise a source-count heuristic. An answer backed by
// no evidence at all scores zero. Always in [0, 1].
func confidence(resp *generator.Response, sources int) float64 {
	c := resp.Confidence
	if c < 0 {
		if sources == 0 {
			return 0
		}
		c = confidenceFloor + float64(sources)*confidencePerSource
	}
	if c > 1 {
		c = 1
	}
	if c < 0 {
		c = 0
	}
	return c
}

// ─────────────────────────────────────────────────────────────────────────────
// Terminal paths
// ─────────────────────────────────────────────────────────────────────────────

// deflect answers an injection (or fixed-voice session) without calling the
// generator. The turn counter still advances.
func (o *Orchestrator) deflect(ctx context.Context, req Request, verdict *security.Verdict,
	state *conversation.State, started time.Time) (*Response, error) {

	text := security.FixedVoiceResponse
	if !verdict.FixedVoice {
		text = security.Deflection(req.SessionID, state.Persona)
	}

	conversation.Update(state, conversation.Entities{}, "", nil, o.clock())

	resp := &Response{
		Text:           text,
		ConversationID: state.ID,
		Confidence:     0,
		Deflected:      true,
	}
	o.metrics.RecordDeflection(ctx, verdict.Level.String(), verdict.PatternID)
	o.appendAnalytics(ctx, state, resp, started, false)
	o.observeRequest(ctx, "", "deflected", started)
	return resp, nil
}

// degrade answers a store outage with the sentinel text. The turn counter
// still advances; the discussed-fact set does not.
func (o *Orchestrator) degrade(ctx context.Context, req Request, state *conversation.State, started time.Time) (*Response, error) {
	conversation.Update(state, conversation.Entities{}, "", nil, o.clock())

	resp := &Response{
		Text:           degradedResponse,
		ConversationID: state.ID,
		Confidence:     0,
		Degraded:       true,
	}
	o.appendAnalytics(ctx, state, resp, started, false)
	o.observeRequest(ctx, "", "degraded", started)
	return resp, nil
}

// cancelled abandons the turn: no conversation commit, no turn advance. The
// analytics row is still appended (on a detached context) and marked
// cancelled.
func (o *Orchestrator) cancelled(ctx context.Context, req Request, state *conversation.State, started time.Time, cause error) (*Response, error) {
	resp := &Response{ConversationID: state.ID}
	o.appendAnalytics(ctx, state, resp, started, true)
	o.observeRequest(ctx, "", "cancelled", started)
	return nil, fmt.Errorf("%w: %v", ErrCancelled, cause)
}

// commitTurn updates conversation state and appends analytics for a turn that
// produced an answer. emittedLines is nil when the discussed-fact set must
// not be updated (generator failure).
func (o *Orchestrator) commitTurn(ctx context.Context, state *conversation.State, result *retrieval.Result,
	emittedLines []string, started time.Time, resp *Response, status string) {

	entities := conversation.Entities{}
	for _, e := range result.Parsed.Entities {
		switch e.Type {
		case retrieval.EntityTeam:
			entities.Teams = append(entities.Teams, e.Name)
		case retrieval.EntityPlayer:
			entities.Players = append(entities.Players, e.Name)
		case retrieval.EntityLegend:
			entities.Legends = append(entities.Legends, e.Name)
		}
	}
	conversation.Update(state, entities, string(result.Metadata.Intent), emittedLines, o.clock())

	o.appendAnalytics(ctx, state, resp, started, false)
	o.observeRequest(ctx, resp.Intent, status, started)
}

// appendAnalytics writes the per-request row on a detached context so that a
// cancelled request still leaves its trace. Failures are logged, never
// surfaced.
func (o *Orchestrator) appendAnalytics(ctx context.Context, state *conversation.State, resp *Response, started time.Time, cancelled bool) {
	now := o.clock()
	record := store.AnalyticsRecord{
		ConversationID: state.ID,
		PersonaID:      state.PersonaID,
		Intent:         resp.Intent,
		SourceCount:    len(resp.Sources),
		Confidence:     resp.Confidence,
		Latency:        now.Sub(started),
		Cancelled:      cancelled,
		CreatedAt:      now,
	}
	if err := o.store.AppendAnalytics(context.WithoutCancel(ctx), record); err != nil {
		o.log.Warn("append analytics failed", "conversation", state.ID, "error", err)
	}
}

// observeRequest records the end-to-end request metrics.
func (o *Orchestrator) observeRequest(ctx context.Context, intent, status string, started time.Time) {
	o.metrics.RecordRequest(ctx, intent, status)
	o.metrics.RequestDuration.Record(ctx, o.clock().Sub(started).Seconds())
}

// apology is the in-persona fallback when the generator fails twice.
func apology(p *store.Persona) string {
	if p == nil || p.Nickname == "" {
		return "Sorry, lost my train of thought there. Give me that one again in a minute."
	}
	return fmt.Sprintf("Sorry mate, %s has lost the thread for a second. Give me that one again in a minute.", p.Nickname)
}

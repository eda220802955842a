package security

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/terracetalk/pkg/store"
)

// levelDelays is the additive response delay per trust level, indexed by
// store.TrustLevel.
var levelDelays = [...]time.Duration{
	store.TrustNormal:    0,
	store.TrustWarned:    500 * time.Millisecond,
	store.TrustCautious:  1000 * time.Millisecond,
	store.TrustEscalated: 2000 * time.Millisecond,
	store.TrustProbation: 2000 * time.Millisecond,
}

// cleanThresholds is the number of consecutive clean queries required to
// demote back to normal from each recoverable level.
var cleanThresholds = map[store.TrustLevel]int{
	store.TrustWarned:    5,
	store.TrustCautious:  10,
	store.TrustProbation: 5,
}

// FixedVoiceResponse replaces the persona entirely at escalated level.
const FixedVoiceResponse = "This conversation has been restricted due to repeated policy violations. I can only discuss football topics in a limited capacity right now."

// snapbacks are the in-persona deflection templates. The placeholder takes
// the persona nickname (or "mate" without a persona).
var snapbacks = []string{
	"Nice try, %s. I talk football, nothing else.",
	"You'll not catch me out with that one, %s. Ask me about the match.",
	"Whatever you're playing at, %s, it won't work. Football questions only.",
	"I've seen better attempts from the away end, %s. Stick to the game.",
}

// Verdict is the security gate's decision for one input.
type Verdict struct {
	// Level is the trust level after any transition this input caused.
	Level store.TrustLevel

	// Injection is true when an injection pattern matched; PatternID then
	// names it.
	Injection bool
	PatternID string

	// Deflect means the orchestrator must answer with an in-persona
	// deflection and skip the generator.
	Deflect bool

	// FixedVoice means the persona is bypassed entirely and
	// [FixedVoiceResponse] is the answer.
	FixedVoice bool

	// Delay is the additive response delay for the post-transition level.
	Delay time.Duration
}

// Gate is the per-session trust state machine. Session records are cached in
// memory and persisted through the store so trust survives the conversation
// map's eviction policy. Safe for concurrent use.
type Gate struct {
	store  store.Store
	log    *slog.Logger
	clock  func() time.Time
	delays [len(levelDelays)]time.Duration

	mu       sync.RWMutex
	sessions map[string]*store.SessionState
}

// Option is a functional option for [NewGate].
type Option func(*Gate)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(g *Gate) { g.log = log }
}

// WithClock overrides the wall clock. Used by tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

// WithDelays overrides the per-level response delay schedule. Entries beyond
// the number of trust levels are ignored; missing entries keep the default.
func WithDelays(delays []time.Duration) Option {
	return func(g *Gate) {
		for i, d := range delays {
			if i >= len(g.delays) {
				break
			}
			g.delays[i] = d
		}
	}
}

// NewGate creates a Gate persisting through st.
func NewGate(st store.Store, opts ...Option) *Gate {
	g := &Gate{
		store:    st,
		log:      slog.Default(),
		clock:    time.Now,
		sessions: make(map[string]*store.SessionState),
	}
	copy(g.delays[:], levelDelays[:])
	for _, o := range opts {
		o(g)
	}
	return g
}

// Check classifies input, applies the trust transition for sessionID, and
// returns the verdict. The transition is committed before Check returns, so
// a later cancellation does not roll it back.
//
// Persistence failures are logged and absorbed: the in-memory state machine
// keeps working when the store is down, so an attacker gains nothing from an
// outage.
func (g *Gate) Check(ctx context.Context, sessionID, input string) (*Verdict, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("security: empty session id")
	}

	patternID, injection := Detect(input)
	now := g.clock()

	g.mu.Lock()
	state := g.sessions[sessionID]
	if state == nil {
		state = g.loadState(ctx, sessionID, now)
		g.sessions[sessionID] = state
	}

	arrival := state.Level
	if injection {
		if state.Level == store.TrustProbation {
			state.Level = store.TrustEscalated
		} else if state.Level < store.TrustEscalated {
			state.Level++
		}
		state.CleanStreak = 0
		state.Escalations++
		state.LastAttempt = now
	} else {
		switch arrival {
		case store.TrustEscalated:
			state.Level = store.TrustProbation
			state.CleanStreak = 0
		case store.TrustWarned, store.TrustCautious, store.TrustProbation:
			state.CleanStreak++
			if state.CleanStreak >= cleanThresholds[arrival] {
				state.Level = store.TrustNormal
				state.CleanStreak = 0
			}
		}
	}
	state.UpdatedAt = now
	committed := *state
	g.mu.Unlock()

	if err := g.store.UpsertSessionState(ctx, committed); err != nil {
		g.log.Warn("security: persist session state failed", "session", sessionID, "error", err)
	}

	v := &Verdict{
		Level:     committed.Level,
		Injection: injection,
		PatternID: patternID,
		Delay:     g.delays[committed.Level],
	}
	switch {
	case arrival >= store.TrustEscalated:
		// Escalated sessions get the fixed security voice whether or not
		// this particular query was clean.
		v.FixedVoice = true
	case injection:
		v.Deflect = true
	}

	if injection {
		responseClass := "deflected"
		if v.FixedVoice {
			responseClass = "fixed-voice"
		}
		entry := store.SecurityLogEntry{
			SessionID:     sessionID,
			Timestamp:     now,
			PatternID:     patternID,
			RawLength:     len(input),
			ResponseClass: responseClass,
		}
		if err := g.store.AppendSecurityLog(ctx, entry); err != nil {
			g.log.Warn("security: append security log failed", "session", sessionID, "error", err)
		}
		g.log.Info("injection attempt detected",
			"session", sessionID, "pattern", patternID, "level", committed.Level.String())
	}

	return v, nil
}

// loadState fetches the durable record for sessionID, falling back to a
// fresh normal-level record on miss or store failure. Caller holds g.mu.
func (g *Gate) loadState(ctx context.Context, sessionID string, now time.Time) *store.SessionState {
	persisted, err := g.store.GetSessionState(ctx, sessionID)
	if err != nil {
		g.log.Warn("security: load session state failed", "session", sessionID, "error", err)
	}
	if persisted != nil {
		return persisted
	}
	return &store.SessionState{SessionID: sessionID, Level: store.TrustNormal, UpdatedAt: now}
}

// Wait blocks for the verdict's delay as a non-busy wait, returning early
// with ctx.Err() on cancellation. Callers must not hold the conversation
// lock while waiting.
func (g *Gate) Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deflection picks a deterministic in-persona snap-back for the session.
// When a persona is active the snap-back addresses the user by the persona
// nickname and appends the motto so the deflection stays in voice.
func Deflection(sessionID string, p *store.Persona) string {
	who := "mate"
	if p != nil && p.Nickname != "" {
		who = p.Nickname
	}
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	line := fmt.Sprintf(snapbacks[int(h.Sum32())%len(snapbacks)], who)
	if p != nil && p.Motto != "" {
		line += " " + p.Motto
	}
	return line
}

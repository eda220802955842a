// Package conversation tracks multi-turn state: recently mentioned entities,
// the last detected intent, a monotonic set of discussed-fact fingerprints,
// and a turn counter. It resolves pronominal follow-ups against that state and
// filters context lines that were already delivered earlier in the
// conversation.
//
// State lives in an in-memory map keyed by conversation id. Nothing persists
// across process restarts; callers choose the eviction policy via
// [Manager.EvictIdle].
package conversation

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/terracetalk/internal/observe"
	"github.com/MrWong99/terracetalk/pkg/store"
)

// entityCap bounds each per-type last-entity list. Oldest entries are evicted
// first.
const entityCap = 5

// fingerprintLen is the number of leading characters a fact fingerprint keeps
// after lower-casing and whitespace collapsing. Distinct facts sharing a long
// common prefix may collide; that is accepted as dedupe conservatism.
const fingerprintLen = 50

var whitespaceRe = regexp.MustCompile(`\s+`)

// Fingerprint computes the canonical dedupe key for a fact line: lower-cased,
// whitespace-collapsed, truncated to the first 50 characters. Truncation is
// rune-based so a multi-byte character is never split.
func Fingerprint(line string) string {
	s := whitespaceRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(line)), " ")
	if r := []rune(s); len(r) > fingerprintLen {
		s = string(r[:fingerprintLen])
	}
	return s
}

// ─────────────────────────────────────────────────────────────────────────────
// State
// ─────────────────────────────────────────────────────────────────────────────

// Entities groups canonical entity names by type for one turn.
type Entities struct {
	Teams   []string
	Players []string
	Legends []string
}

// State is the per-conversation record. It must only be mutated while holding
// the per-conversation lock returned by [Manager.Acquire].
type State struct {
	// ID is the stable conversation identifier.
	ID string

	// PersonaID is the persona the conversation is scoped to, or empty.
	PersonaID string

	// LastTeams, LastPlayers, and LastLegends hold recently mentioned
	// canonical names, oldest first, each capped at five entries.
	LastTeams   []string
	LastPlayers []string
	LastLegends []string

	// LastIntent is the intent detected on the previous turn.
	LastIntent string

	// TurnCount is the number of completed turns.
	TurnCount int

	// DiscussedFacts holds the fingerprints of every fact line already
	// delivered. It grows monotonically for the life of the conversation.
	DiscussedFacts map[string]struct{}

	// Persona is the cached persona bundle, loaded once on the first turn
	// with a persona and reused without store access afterwards.
	Persona *store.Persona

	// LastUpdated is set by [Manager.Update] and drives idle eviction.
	LastUpdated time.Time
}

// lastTeam returns the most recently mentioned team, or "".
func (s *State) lastTeam() string {
	if len(s.LastTeams) == 0 {
		return ""
	}
	return s.LastTeams[len(s.LastTeams)-1]
}

// ─────────────────────────────────────────────────────────────────────────────
// Manager
// ─────────────────────────────────────────────────────────────────────────────

// conversationEntry pairs a state with the mutex that serializes its turns.
type conversationEntry struct {
	mu    sync.Mutex
	state *State
}

// Manager owns the conversation map. Safe for concurrent use.
type Manager struct {
	mu            sync.RWMutex
	conversations map[string]*conversationEntry
	metrics       *observe.Metrics
}

// ManagerOption is a functional option for [NewManager].
type ManagerOption func(*Manager)

// WithMetrics reports the live-conversation gauge on the given sink.
func WithMetrics(m *observe.Metrics) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// NewManager returns an empty Manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{conversations: make(map[string]*conversationEntry)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire locks the conversation with the given id, creating it first when id
// is empty or unknown. An empty id is replaced by a fresh UUID. The returned
// release func must be called exactly once when the turn completes.
//
// Turns within one conversation are strictly serialized by the returned lock;
// a concurrent second turn blocks until the first releases.
func (m *Manager) Acquire(id string, personaID string) (*State, func()) {
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	entry, ok := m.conversations[id]
	if !ok {
		entry = &conversationEntry{
			state: &State{
				ID:             id,
				PersonaID:      personaID,
				DiscussedFacts: make(map[string]struct{}),
				LastUpdated:    time.Now().UTC(),
			},
		}
		m.conversations[id] = entry
		if m.metrics != nil {
			m.metrics.ActiveConversations.Add(context.Background(), 1)
		}
	}
	m.mu.Unlock()

	entry.mu.Lock()
	return entry.state, entry.mu.Unlock
}

// Len returns the number of live conversations.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations)
}

// EvictIdle removes every conversation whose LastUpdated is older than
// maxIdle relative to now and returns the number evicted.
func (m *Manager) EvictIdle(now time.Time, maxIdle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, entry := range m.conversations {
		if now.Sub(entry.state.LastUpdated) > maxIdle {
			delete(m.conversations, id)
			evicted++
		}
	}
	if m.metrics != nil && evicted > 0 {
		m.metrics.ActiveConversations.Add(context.Background(), -int64(evicted))
	}
	return evicted
}

// ─────────────────────────────────────────────────────────────────────────────
// Operations
// ─────────────────────────────────────────────────────────────────────────────

// pronounRe matches the resolvable pronouns as whole words, case-insensitive.
var pronounRe = regexp.MustCompile(`(?i)\b(they|them|their|we|us|our)\b`)

// Resolve rewrites pronominal follow-ups in query using state.
//
// "they"/"them"/"their" resolve to the last mentioned team. "we"/"us"/"our"
// resolve to the persona team when personaTeam is non-empty, otherwise to the
// last mentioned team. Possessives gain "'s". When no referent exists the
// token is left intact. Resolve is idempotent: a query without pronouns passes
// through unchanged.
func Resolve(query string, state *State, personaTeam string) string {
	return pronounRe.ReplaceAllStringFunc(query, func(tok string) string {
		var referent string
		switch strings.ToLower(tok) {
		case "they", "them", "their":
			referent = state.lastTeam()
		case "we", "us", "our":
			referent = personaTeam
			if referent == "" {
				referent = state.lastTeam()
			}
		}
		if referent == "" {
			return tok
		}
		switch strings.ToLower(tok) {
		case "their", "our":
			return referent + "'s"
		default:
			return referent
		}
	})
}

// DedupeContext drops lines whose fingerprint is already in
// state.DiscussedFacts. It does not record the survivors; that happens in
// [Manager.Update] once the response is committed. Applying it twice with
// unchanged state yields the same result.
func DedupeContext(lines []string, state *State) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if _, seen := state.DiscussedFacts[Fingerprint(line)]; seen {
			continue
		}
		out = append(out, line)
	}
	return out
}

// Update commits one completed turn: emitted fact lines are fingerprinted
// into DiscussedFacts, newly seen entities join the capped per-type lists,
// the intent and turn counter advance, and LastUpdated is refreshed.
//
// Callers must hold the conversation lock from [Manager.Acquire].
func Update(state *State, entities Entities, intent string, emittedLines []string, now time.Time) {
	for _, line := range emittedLines {
		state.DiscussedFacts[Fingerprint(line)] = struct{}{}
	}
	state.LastTeams = appendCapped(state.LastTeams, entities.Teams)
	state.LastPlayers = appendCapped(state.LastPlayers, entities.Players)
	state.LastLegends = appendCapped(state.LastLegends, entities.Legends)
	state.LastIntent = intent
	state.TurnCount++
	state.LastUpdated = now
}

// appendCapped appends names not already present and evicts from the front
// once the list exceeds entityCap.
func appendCapped(list []string, names []string) []string {
	for _, name := range names {
		if name == "" || contains(list, name) {
			continue
		}
		list = append(list, name)
		if len(list) > entityCap {
			list = list[1:]
		}
	}
	return list
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if strings.EqualFold(v, name) {
			return true
		}
	}
	return false
}

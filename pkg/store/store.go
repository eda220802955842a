// Package store defines the data-access contract for the terracetalk
// retrieval core: relational records (teams, matches, standings, injuries,
// transfers), a full-text-searchable news corpus, a typed knowledge graph,
// per-team persona bundles, and the bounded write paths the core is allowed
// to use (session trust state, security log, analytics).
//
// All interfaces are public so external packages can supply alternative
// backends (Postgres, in-memory, …) without depending on terracetalk
// internals. Every implementation must be safe for concurrent use.
//
// Store reads are snapshot-consistent within one request; the core never
// mutates domain records. I/O failures are reported by wrapping
// [ErrUnavailable] so callers can classify them with errors.Is; partial
// aggregates are never returned.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is wrapped by every error caused by backend I/O failure.
// Callers must either retry or surface a degraded response; they must not
// treat it as an empty result.
var ErrUnavailable = errors.New("store unavailable")

// FTSDomain names a full-text corpus searchable via [Store.SearchText].
type FTSDomain string

const (
	DomainTeams   FTSDomain = "teams"
	DomainPlayers FTSDomain = "players"
	DomainNews    FTSDomain = "news"
)

// TextHit is one ranked full-text result. Score is the backend's
// term-frequency rank, not yet normalised; callers normalise against the
// top score of the same query.
type TextHit struct {
	Domain  FTSDomain
	ID      string
	Title   string
	Snippet string
	Score   float64
}

// MatchFilter narrows a [Store.ListMatches] scan. All non-zero fields are
// applied as AND conditions.
type MatchFilter struct {
	// TeamID matches either side of the fixture when non-empty.
	TeamID string

	// Status restricts to one lifecycle state when non-empty.
	Status MatchStatus

	// DateFrom/DateTo bound the match date (inclusive). Zero disables.
	DateFrom time.Time
	DateTo   time.Time

	// Descending orders by date descending when true (latest first).
	Descending bool

	// Limit caps the result count. 0 means the backend default.
	Limit int
}

// Store is the single data-access contract consumed by the retrieval core.
//
// Single-record lookups return (nil, nil) when no record exists — absence is
// not an error. List operations return empty non-nil slices when nothing
// matches.
type Store interface {
	// SearchText performs full-text search over the named corpus. The query
	// is escaped before reaching the FTS engine: every token is quoted so
	// FTS meta-characters are inert. An empty query, or one composed solely
	// of meta-characters, yields an empty result — never an error.
	SearchText(ctx context.Context, domain FTSDomain, query string, limit int) ([]TextHit, error)

	// GetTeam and GetTeamByName look up a single club.
	GetTeam(ctx context.Context, id string) (*Team, error)
	GetTeamByName(ctx context.Context, name string) (*Team, error)

	// GetPlayer and GetPlayerByName look up a single player.
	GetPlayer(ctx context.Context, id string) (*Player, error)
	GetPlayerByName(ctx context.Context, name string) (*Player, error)

	// GetMatch looks up a single match.
	GetMatch(ctx context.Context, id string) (*Match, error)

	// ListMatches performs a filtered chronological scan.
	ListMatches(ctx context.Context, f MatchFilter) ([]Match, error)

	// GetStandings returns the league table for (league, season), ordered by
	// position ascending.
	GetStandings(ctx context.Context, league, season string) ([]StandingRow, error)

	// GetInjuries returns injuries, optionally scoped to a team. When status
	// is empty, active injuries are returned.
	GetInjuries(ctx context.Context, teamID string, status InjuryStatus) ([]Injury, error)

	// GetTransfers returns transfers effective within the last windowMonths
	// months, optionally scoped to a team. windowMonths <= 0 means the
	// backend default window.
	GetTransfers(ctx context.Context, teamID string, windowMonths int) ([]Transfer, error)

	// GraphNeighbors performs a bounded breadth-first traversal from nodeID.
	// depth must be 1 or 2; relations filters followed edge types (empty
	// follows all). Each visited node is reported once at its shallowest
	// depth, paired with the edge that reached it.
	GraphNeighbors(ctx context.Context, nodeID int64, relations []string, depth int) ([]Neighbor, error)

	// SearchGraphByName returns nodes whose name matches query
	// (case-insensitive substring). Used to seed traversals.
	SearchGraphByName(ctx context.Context, query string) ([]Node, error)

	// LoadPersona assembles the per-team identity bundle in one atomic read.
	// Returns (nil, nil) when the team has no persona.
	LoadPersona(ctx context.Context, teamID string) (*Persona, error)

	// CurrentForm derives the last-n form string for a team from finished
	// matches, most recent first, padded with '-' when fewer than n have
	// been played. The result always has length exactly n.
	CurrentForm(ctx context.Context, teamID string, lastN int) (string, error)

	// SemanticSearch ranks news chunks by cosine similarity to the query
	// embedding, optionally scoped to a set of team ids. Backends without a
	// vector index return an empty slice.
	SemanticSearch(ctx context.Context, embedding []float32, topK int, teamScope []string) ([]SemanticHit, error)

	// GetSessionState returns the trust record for sessionID, or (nil, nil)
	// when the session has never been seen.
	GetSessionState(ctx context.Context, sessionID string) (*SessionState, error)

	// UpsertSessionState persists a trust record, replacing any existing row
	// for the same session id.
	UpsertSessionState(ctx context.Context, s SessionState) error

	// AppendSecurityLog appends an immutable security event.
	AppendSecurityLog(ctx context.Context, e SecurityLogEntry) error

	// AppendAnalytics appends a per-request analytics row.
	AppendAnalytics(ctx context.Context, r AnalyticsRecord) error
}

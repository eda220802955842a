package store

import "time"

// MatchStatus enumerates the lifecycle states of a match record.
type MatchStatus string

const (
	MatchScheduled MatchStatus = "scheduled"
	MatchLive      MatchStatus = "live"
	MatchFinished  MatchStatus = "finished"
	MatchPostponed MatchStatus = "postponed"
)

// IsValid reports whether s is a recognised match status.
func (s MatchStatus) IsValid() bool {
	switch s {
	case MatchScheduled, MatchLive, MatchFinished, MatchPostponed:
		return true
	}
	return false
}

// InjuryStatus enumerates injury record states.
type InjuryStatus string

const (
	InjuryActive    InjuryStatus = "active"
	InjuryRecovered InjuryStatus = "recovered"
	InjuryUnknown   InjuryStatus = "unknown"
)

// TransferType enumerates transfer deal kinds.
type TransferType string

const (
	TransferPermanent TransferType = "permanent"
	TransferLoan      TransferType = "loan"
	TransferFree      TransferType = "free"
)

// Team is a club record.
type Team struct {
	ID        string
	Name      string
	ShortName string
	League    string
	Founded   int
	Stadium   string
}

// Player is a squad member record. TeamID is empty for free agents.
type Player struct {
	ID          string
	Name        string
	TeamID      string
	Position    string
	Nationality string
	BirthDate   time.Time
}

// MatchEvent is a single in-match event (goal, card, substitution).
type MatchEvent struct {
	Minute int    `json:"minute"`
	Kind   string `json:"kind"`
	Player string `json:"player,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Match is a fixture or result record. HomeScore/AwayScore are nil until the
// match has been played.
type Match struct {
	ID          string
	Date        time.Time
	HomeTeamID  string
	AwayTeamID  string
	HomeScore   *int
	AwayScore   *int
	Status      MatchStatus
	Competition string
	Venue       string
	Events      []MatchEvent
}

// StandingRow is one row of a league table. The (TeamID, League, Season)
// triple is unique. Form is exactly five characters from {W,D,L,-}.
type StandingRow struct {
	TeamID   string
	League   string
	Season   string
	Position int
	Played   int
	Won      int
	Drawn    int
	Lost     int
	GoalsFor int
	GoalsAgn int
	Points   int
	Form     string
}

// Injury records a player's fitness issue.
type Injury struct {
	PlayerID       string
	PlayerName     string
	TeamID         string
	Type           string
	Severity       string
	ExpectedReturn *time.Time
	Status         InjuryStatus
}

// Transfer records a completed or rumoured player move.
type Transfer struct {
	PlayerID   string
	PlayerName string
	FromTeamID string
	ToTeamID   string
	Type       TransferType
	Fee        string
	Effective  time.Time
}

// NewsItem is a textual record indexed for full-text search.
type NewsItem struct {
	ID          string
	Title       string
	Body        string
	TeamID      string
	PublishedAt time.Time
}

// NodeType classifies a knowledge-graph node.
type NodeType string

const (
	NodeTeam    NodeType = "team"
	NodeLegend  NodeType = "legend"
	NodeMoment  NodeType = "moment"
	NodeMood    NodeType = "mood"
	NodeRival   NodeType = "rival"
	NodeOther   NodeType = "other"
)

// Node is a typed knowledge-graph node. EntityID points into a concrete
// table (teams, players, …) where applicable; Properties is a free-form bag
// because moment/mood metadata varies per node type.
type Node struct {
	ID         int64
	Type       NodeType
	EntityID   string
	Name       string
	Properties map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Edge is a directed, weighted relation between two nodes.
// Weight is in [0,1]. Well-known relations: legendary_at, occurred_at,
// against, rival_of, current_state.
type Edge struct {
	SourceID   int64
	TargetID   int64
	Relation   string
	Weight     float64
	Properties map[string]any
	CreatedAt  time.Time
}

// Neighbor is one traversal hit: the node reached, the edge that reached it,
// and the hop count from the seed (1 or 2).
type Neighbor struct {
	Node  Node
	Edge  Edge
	Depth int
}

// RivalSummary is the per-rival narrative block of a persona bundle.
type RivalSummary struct {
	TeamName  string   `json:"team_name"`
	Intensity int      `json:"intensity"`
	Origin    string   `json:"origin,omitempty"`
	Banter    []string `json:"banter,omitempty"`
}

// LegendSummary is the per-legend narrative block of a persona bundle.
type LegendSummary struct {
	Name    string `json:"name"`
	Era     string `json:"era,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// MomentSummary is a defining historical moment of a persona bundle.
type MomentSummary struct {
	Title    string `json:"title"`
	Date     string `json:"date,omitempty"` // ISO date of the original event
	Opponent string `json:"opponent,omitempty"`
	Summary  string `json:"summary,omitempty"`
}

// VocabularyRules carries a persona's language constraints: a substitution
// map applied to generated text and a set of topics the persona refuses to
// discuss.
type VocabularyRules struct {
	Substitutions   map[string]string `json:"substitutions,omitempty"`
	ForbiddenTopics []string          `json:"forbidden_topics,omitempty"`
}

// Persona is the per-team identity bundle assembled by [Store.LoadPersona]
// in one atomic read.
type Persona struct {
	TeamID     string
	TeamName   string
	Nickname   string
	Motto      string
	CoreValues []string
	Vocabulary VocabularyRules
	Baseline   string // emotional-baseline tag, e.g. "wounded pride"
	Rivals     []RivalSummary
	Legends    []LegendSummary
	Moments    []MomentSummary
}

// TrustLevel is the security state machine's position for one session.
type TrustLevel int

const (
	TrustNormal TrustLevel = iota
	TrustWarned
	TrustCautious
	TrustEscalated
	TrustProbation
)

// String returns the human-readable level name.
func (l TrustLevel) String() string {
	switch l {
	case TrustNormal:
		return "normal"
	case TrustWarned:
		return "warned"
	case TrustCautious:
		return "cautious"
	case TrustEscalated:
		return "escalated"
	case TrustProbation:
		return "probation"
	default:
		return "unknown"
	}
}

// SessionState is the durable trust record for one session identifier.
type SessionState struct {
	SessionID    string
	Level        TrustLevel
	CleanStreak  int
	Escalations  int
	LastAttempt  time.Time
	UpdatedAt    time.Time
}

// SecurityLogEntry is an immutable append describing a detected injection
// attempt. RawLength is recorded instead of the raw content so that user
// text never reaches the security log.
type SecurityLogEntry struct {
	SessionID     string
	Timestamp     time.Time
	PatternID     string
	RawLength     int
	ResponseClass string
}

// AnalyticsRecord is the per-request observability row.
type AnalyticsRecord struct {
	ConversationID string
	PersonaID      string
	Intent         string
	SourceCount    int
	Confidence     float64
	Latency        time.Duration
	CacheHit       bool
	Cancelled      bool
	CreatedAt      time.Time
}

// SemanticHit pairs a news chunk with its cosine-similarity score against a
// query embedding. Score is 1 - distance, so higher is better.
type SemanticHit struct {
	ChunkID string
	TeamID  string
	Content string
	Score   float64
}

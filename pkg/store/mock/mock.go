// Package mock provides an in-memory, configurable test double for
// [store.Store].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what each method returns. It is safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	st := &mock.Store{}
//	st.SearchTextResult = []store.TextHit{{ID: "n1", Title: "derby win"}}
//
//	// inject st into the system under test …
//
//	if got := st.CallCount("SearchText"); got != 2 {
//	    t.Errorf("expected 2 SearchText calls, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/terracetalk/pkg/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Call records the name and non-context arguments of a single invocation.
type Call struct {
	Method string
	Args   []any
}

// Store is a configurable test double for [store.Store]. All *Err fields
// default to nil (success); nil *Result fields produce empty non-nil slices
// where the contract requires them.
type Store struct {
	mu    sync.Mutex
	calls []Call

	// SearchTextResult is returned by SearchText. When SearchTextByDomain is
	// non-nil it takes precedence, keyed by domain.
	SearchTextResult   []store.TextHit
	SearchTextByDomain map[store.FTSDomain][]store.TextHit
	SearchTextErr      error

	GetTeamResult   *store.Team
	GetTeamErr      error

	// GetTeamFn, when non-nil, fully controls GetTeam and GetTeamByName.
	// Useful when a test needs per-team records instead of one shared
	// result.
	GetTeamFn func(idOrName string) (*store.Team, error)

	GetPlayerResult *store.Player
	GetPlayerErr    error
	GetMatchResult  *store.Match
	GetMatchErr     error

	// ListMatchesFn, when non-nil, fully controls ListMatches. Otherwise
	// ListMatchesResult is returned for every call.
	ListMatchesFn     func(f store.MatchFilter) ([]store.Match, error)
	ListMatchesResult []store.Match
	ListMatchesErr    error

	GetStandingsResult []store.StandingRow
	GetStandingsErr    error
	GetInjuriesResult  []store.Injury
	GetInjuriesErr     error
	GetTransfersResult []store.Transfer
	GetTransfersErr    error

	GraphNeighborsResult []store.Neighbor
	GraphNeighborsErr    error

	// SearchGraphByNameFn, when non-nil, controls per-query results.
	SearchGraphByNameFn     func(query string) ([]store.Node, error)
	SearchGraphByNameResult []store.Node
	SearchGraphByNameErr    error

	LoadPersonaResult *store.Persona
	LoadPersonaErr    error

	CurrentFormResult string
	CurrentFormErr    error

	SemanticSearchResult []store.SemanticHit
	SemanticSearchErr    error

	GetSessionStateResult *store.SessionState
	GetSessionStateErr    error
	UpsertSessionStateErr error
	AppendSecurityLogErr  error
	AppendAnalyticsErr    error

	// UpsertedStates collects every UpsertSessionState argument in order.
	UpsertedStates []store.SessionState

	// SecurityLog collects every AppendSecurityLog argument in order.
	SecurityLog []store.SecurityLogEntry

	// Analytics collects every AppendAnalytics argument in order.
	Analytics []store.AnalyticsRecord
}

func (m *Store) record(method string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Calls returns a copy of all recorded calls in invocation order.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// SearchText implements [store.Store].
func (m *Store) SearchText(ctx context.Context, domain store.FTSDomain, query string, limit int) ([]store.TextHit, error) {
	m.record("SearchText", domain, query, limit)
	if m.SearchTextErr != nil {
		return nil, m.SearchTextErr
	}
	if m.SearchTextByDomain != nil {
		if hits, ok := m.SearchTextByDomain[domain]; ok {
			return hits, nil
		}
		return []store.TextHit{}, nil
	}
	if m.SearchTextResult == nil {
		return []store.TextHit{}, nil
	}
	return m.SearchTextResult, nil
}

// GetTeam implements [store.Store].
func (m *Store) GetTeam(ctx context.Context, id string) (*store.Team, error) {
	m.record("GetTeam", id)
	if m.GetTeamFn != nil {
		return m.GetTeamFn(id)
	}
	return m.GetTeamResult, m.GetTeamErr
}

// GetTeamByName implements [store.Store].
func (m *Store) GetTeamByName(ctx context.Context, name string) (*store.Team, error) {
	m.record("GetTeamByName", name)
	if m.GetTeamFn != nil {
		return m.GetTeamFn(name)
	}
	return m.GetTeamResult, m.GetTeamErr
}

// GetPlayer implements [store.Store].
func (m *Store) GetPlayer(ctx context.Context, id string) (*store.Player, error) {
	m.record("GetPlayer", id)
	return m.GetPlayerResult, m.GetPlayerErr
}

// GetPlayerByName implements [store.Store].
func (m *Store) GetPlayerByName(ctx context.Context, name string) (*store.Player, error) {
	m.record("GetPlayerByName", name)
	return m.GetPlayerResult, m.GetPlayerErr
}

// GetMatch implements [store.Store].
func (m *Store) GetMatch(ctx context.Context, id string) (*store.Match, error) {
	m.record("GetMatch", id)
	return m.GetMatchResult, m.GetMatchErr
}

// ListMatches implements [store.Store].
func (m *Store) ListMatches(ctx context.Context, f store.MatchFilter) ([]store.Match, error) {
	m.record("ListMatches", f)
	if m.ListMatchesFn != nil {
		return m.ListMatchesFn(f)
	}
	if m.ListMatchesErr != nil {
		return nil, m.ListMatchesErr
	}
	if m.ListMatchesResult == nil {
		return []store.Match{}, nil
	}
	return m.ListMatchesResult, nil
}

// GetStandings implements [store.Store].
func (m *Store) GetStandings(ctx context.Context, league, season string) ([]store.StandingRow, error) {
	m.record("GetStandings", league, season)
	if m.GetStandingsErr != nil {
		return nil, m.GetStandingsErr
	}
	if m.GetStandingsResult == nil {
		return []store.StandingRow{}, nil
	}
	return m.GetStandingsResult, nil
}

// GetInjuries implements [store.Store].
func (m *Store) GetInjuries(ctx context.Context, teamID string, status store.InjuryStatus) ([]store.Injury, error) {
	m.record("GetInjuries", teamID, status)
	if m.GetInjuriesErr != nil {
		return nil, m.GetInjuriesErr
	}
	if m.GetInjuriesResult == nil {
		return []store.Injury{}, nil
	}
	return m.GetInjuriesResult, nil
}

// GetTransfers implements [store.Store].
func (m *Store) GetTransfers(ctx context.Context, teamID string, windowMonths int) ([]store.Transfer, error) {
	m.record("GetTransfers", teamID, windowMonths)
	if m.GetTransfersErr != nil {
		return nil, m.GetTransfersErr
	}
	if m.GetTransfersResult == nil {
		return []store.Transfer{}, nil
	}
	return m.GetTransfersResult, nil
}

// GraphNeighbors implements [store.Store].
func (m *Store) GraphNeighbors(ctx context.Context, nodeID int64, relations []string, depth int) ([]store.Neighbor, error) {
	m.record("GraphNeighbors", nodeID, relations, depth)
	if m.GraphNeighborsErr != nil {
		return nil, m.GraphNeighborsErr
	}
	if m.GraphNeighborsResult == nil {
		return []store.Neighbor{}, nil
	}
	return m.GraphNeighborsResult, nil
}

// SearchGraphByName implements [store.Store].
func (m *Store) SearchGraphByName(ctx context.Context, query string) ([]store.Node, error) {
	m.record("SearchGraphByName", query)
	if m.SearchGraphByNameFn != nil {
		return m.SearchGraphByNameFn(query)
	}
	if m.SearchGraphByNameErr != nil {
		return nil, m.SearchGraphByNameErr
	}
	if m.SearchGraphByNameResult == nil {
		return []store.Node{}, nil
	}
	return m.SearchGraphByNameResult, nil
}

// LoadPersona implements [store.Store].
func (m *Store) LoadPersona(ctx context.Context, teamID string) (*store.Persona, error) {
	m.record("LoadPersona", teamID)
	return m.LoadPersonaResult, m.LoadPersonaErr
}

// CurrentForm implements [store.Store].
func (m *Store) CurrentForm(ctx context.Context, teamID string, lastN int) (string, error) {
	m.record("CurrentForm", teamID, lastN)
	if m.CurrentFormErr != nil {
		return "", m.CurrentFormErr
	}
	if m.CurrentFormResult == "" {
		return "-----", nil
	}
	return m.CurrentFormResult, nil
}

// SemanticSearch implements [store.Store].
func (m *Store) SemanticSearch(ctx context.Context, embedding []float32, topK int, teamScope []string) ([]store.SemanticHit, error) {
	m.record("SemanticSearch", topK, teamScope)
	if m.SemanticSearchErr != nil {
		return nil, m.SemanticSearchErr
	}
	if m.SemanticSearchResult == nil {
		return []store.SemanticHit{}, nil
	}
	return m.SemanticSearchResult, nil
}

// GetSessionState implements [store.Store].
func (m *Store) GetSessionState(ctx context.Context, sessionID string) (*store.SessionState, error) {
	m.record("GetSessionState", sessionID)
	return m.GetSessionStateResult, m.GetSessionStateErr
}

// UpsertSessionState implements [store.Store].
func (m *Store) UpsertSessionState(ctx context.Context, s store.SessionState) error {
	m.record("UpsertSessionState", s)
	if m.UpsertSessionStateErr != nil {
		return m.UpsertSessionStateErr
	}
	m.mu.Lock()
	m.UpsertedStates = append(m.UpsertedStates, s)
	m.mu.Unlock()
	return nil
}

// AppendSecurityLog implements [store.Store].
func (m *Store) AppendSecurityLog(ctx context.Context, e store.SecurityLogEntry) error {
	m.record("AppendSecurityLog", e)
	if m.AppendSecurityLogErr != nil {
		return m.AppendSecurityLogErr
	}
	m.mu.Lock()
	m.SecurityLog = append(m.SecurityLog, e)
	m.mu.Unlock()
	return nil
}

// AppendAnalytics implements [store.Store].
func (m *Store) AppendAnalytics(ctx context.Context, r store.AnalyticsRecord) error {
	m.record("AppendAnalytics", r)
	if m.AppendAnalyticsErr != nil {
		return m.AppendAnalyticsErr
	}
	m.mu.Lock()
	m.Analytics = append(m.Analytics, r)
	m.mu.Unlock()
	return nil
}

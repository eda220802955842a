package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/terracetalk/pkg/store"
)

// defaultTransferWindowMonths is used when GetTransfers is called with a
// non-positive window.
const defaultTransferWindowMonths = 6

// GetTeam implements [store.Store]. Returns (nil, nil) when no team exists.
func (s *Store) GetTeam(ctx context.Context, id string) (*store.Team, error) {
	return s.getTeamWhere(ctx, "id = $1", id)
}

// GetTeamByName implements [store.Store]. The match is case-insensitive and
// also accepts the short name.
func (s *Store) GetTeamByName(ctx context.Context, name string) (*store.Team, error) {
	return s.getTeamWhere(ctx, "lower(name) = lower($1) OR lower(short_name) = lower($1)", name)
}

func (s *Store) getTeamWhere(ctx context.Context, cond string, arg any) (*store.Team, error) {
	q := `SELECT id, name, short_name, league, founded, stadium FROM teams WHERE ` + cond

	var t store.Team
	err := s.pool.QueryRow(ctx, q, arg).Scan(
		&t.ID, &t.Name, &t.ShortName, &t.League, &t.Founded, &t.Stadium,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, storeErr("get team", err)
	}
	return &t, nil
}

// GetPlayer implements [store.Store]. Returns (nil, nil) when no player exists.
func (s *Store) GetPlayer(ctx context.Context, id string) (*store.Player, error) {
	return s.getPlayerWhere(ctx, "id = $1", id)
}

// GetPlayerByName implements [store.Store]. The match is case-insensitive.
func (s *Store) GetPlayerByName(ctx context.Context, name string) (*store.Player, error) {
	return s.getPlayerWhere(ctx, "lower(name) = lower($1)", name)
}

func (s *Store) getPlayerWhere(ctx context.Context, cond string, arg any) (*store.Player, error) {
	q := `SELECT id, name, COALESCE(team_id, ''), position, nationality, COALESCE(birth_date, '0001-01-01'::date)
	      FROM players WHERE ` + cond

	var p store.Player
	err := s.pool.QueryRow(ctx, q, arg).Scan(
		&p.ID, &p.Name, &p.TeamID, &p.Position, &p.Nationality, &p.BirthDate,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, storeErr("get player", err)
	}
	return &p, nil
}

// GetMatch implements [store.Store]. Returns (nil, nil) when no match exists.
func (s *Store) GetMatch(ctx context.Context, id string) (*store.Match, error) {
	const q = `
		SELECT id, date, home_team_id, away_team_id, home_score, away_score,
		       status, competition, venue, events
		FROM   matches
		WHERE  id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, storeErr("get match", err)
	}
	matches, err := collectMatches(rows)
	if err != nil {
		return nil, storeErr("get match", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}

// ListMatches implements [store.Store]. All non-zero filter fields are
// applied as AND conditions; results are ordered by date.
func (s *Store) ListMatches(ctx context.Context, f store.MatchFilter) ([]store.Match, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if f.TeamID != "" {
		p := next(f.TeamID)
		conditions = append(conditions, "(home_team_id = "+p+" OR away_team_id = "+p+")")
	}
	if f.Status != "" {
		conditions = append(conditions, "status = "+next(string(f.Status)))
	}
	if !f.DateFrom.IsZero() {
		conditions = append(conditions, "date >= "+next(f.DateFrom))
	}
	if !f.DateTo.IsZero() {
		conditions = append(conditions, "date <= "+next(f.DateTo))
	}

	q := `SELECT id, date, home_team_id, away_team_id, home_score, away_score,
	             status, competition, venue, events
	      FROM matches`
	if len(conditions) > 0 {
		q += "\nWHERE " + strings.Join(conditions, "\n  AND ")
	}
	if f.Descending {
		q += "\nORDER BY date DESC"
	} else {
		q += "\nORDER BY date"
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, storeErr("list matches", err)
	}
	matches, err := collectMatches(rows)
	if err != nil {
		return nil, storeErr("list matches", err)
	}
	return matches, nil
}

// GetStandings implements [store.Store], ordered by position ascending.
func (s *Store) GetStandings(ctx context.Context, league, season string) ([]store.StandingRow, error) {
	const q = `
		SELECT team_id, league, season, position, played, won, drawn, lost,
		       goals_for, goals_against, points, form
		FROM   standings
		WHERE  league = $1 AND season = $2
		ORDER  BY position`

	rows, err := s.pool.Query(ctx, q, league, season)
	if err != nil {
		return nil, storeErr("get standings", err)
	}
	result, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.StandingRow, error) {
		var r store.StandingRow
		err := row.Scan(
			&r.TeamID, &r.League, &r.Season, &r.Position, &r.Played, &r.Won,
			&r.Drawn, &r.Lost, &r.GoalsFor, &r.GoalsAgn, &r.Points, &r.Form,
		)
		return r, err
	})
	if err != nil {
		return nil, storeErr("get standings: scan", err)
	}
	if result == nil {
		result = []store.StandingRow{}
	}
	return result, nil
}

// GetInjuries implements [store.Store]. An empty status means active.
func (s *Store) GetInjuries(ctx context.Context, teamID string, status store.InjuryStatus) ([]store.Injury, error) {
	if status == "" {
		status = store.InjuryActive
	}

	args := []any{string(status)}
	q := `
		SELECT i.player_id, p.name, COALESCE(p.team_id, ''), i.type, i.severity,
		       i.expected_return, i.status
		FROM   injuries i
		JOIN   players  p ON p.id = i.player_id
		WHERE  i.status = $1`
	if teamID != "" {
		args = append(args, teamID)
		q += "\n  AND p.team_id = $2"
	}
	q += "\nORDER BY i.id"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, storeErr("get injuries", err)
	}
	result, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Injury, error) {
		var (
			inj store.Injury
			ret *time.Time
			st  string
		)
		if err := row.Scan(&inj.PlayerID, &inj.PlayerName, &inj.TeamID, &inj.Type, &inj.Severity, &ret, &st); err != nil {
			return store.Injury{}, err
		}
		inj.ExpectedReturn = ret
		inj.Status = store.InjuryStatus(st)
		return inj, nil
	})
	if err != nil {
		return nil, storeErr("get injuries: scan", err)
	}
	if result == nil {
		result = []store.Injury{}
	}
	return result, nil
}

// GetTransfers implements [store.Store]. windowMonths <= 0 defaults to 6.
func (s *Store) GetTransfers(ctx context.Context, teamID string, windowMonths int) ([]store.Transfer, error) {
	if windowMonths <= 0 {
		windowMonths = defaultTransferWindowMonths
	}

	args := []any{windowMonths}
	q := `
		SELECT t.player_id, p.name, COALESCE(t.from_team_id, ''), COALESCE(t.to_team_id, ''),
		       t.type, t.fee, t.effective
		FROM   transfers t
		JOIN   players   p ON p.id = t.player_id
		WHERE  t.effective >= (CURRENT_DATE - ($1 || ' months')::interval)`
	if teamID != "" {
		args = append(args, teamID)
		q += "\n  AND (t.from_team_id = $2 OR t.to_team_id = $2)"
	}
	q += "\nORDER BY t.effective DESC"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, storeErr("get transfers", err)
	}
	result, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Transfer, error) {
		var (
			tr store.Transfer
			tt string
		)
		if err := row.Scan(&tr.PlayerID, &tr.PlayerName, &tr.FromTeamID, &tr.ToTeamID, &tt, &tr.Fee, &tr.Effective); err != nil {
			return store.Transfer{}, err
		}
		tr.Type = store.TransferType(tt)
		return tr, nil
	})
	if err != nil {
		return nil, storeErr("get transfers: scan", err)
	}
	if result == nil {
		result = []store.Transfer{}
	}
	return result, nil
}

// CurrentForm implements [store.Store]. It derives the form string from the
// team's most recent finished matches, most recent first, padded with '-'
// when fewer than lastN have been played.
func (s *Store) CurrentForm(ctx context.Context, teamID string, lastN int) (string, error) {
	if lastN <= 0 {
		lastN = 5
	}

	matches, err := s.ListMatches(ctx, store.MatchFilter{
		TeamID:     teamID,
		Status:     store.MatchFinished,
		Descending: true,
		Limit:      lastN,
	})
	if err != nil {
		return "", err
	}

	return store.FormFromMatches(teamID, matches, lastN), nil
}

// collectMatches scans pgx rows into Match values, decoding the JSONB event
// list.
func collectMatches(rows pgx.Rows) ([]store.Match, error) {
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Match, error) {
		var (
			m          store.Match
			st         string
			eventsJSON []byte
		)
		if err := row.Scan(
			&m.ID, &m.Date, &m.HomeTeamID, &m.AwayTeamID, &m.HomeScore, &m.AwayScore,
			&st, &m.Competition, &m.Venue, &eventsJSON,
		); err != nil {
			return store.Match{}, err
		}
		m.Status = store.MatchStatus(st)
		if len(eventsJSON) > 0 {
			if err := json.Unmarshal(eventsJSON, &m.Events); err != nil {
				return store.Match{}, fmt.Errorf("unmarshal match events: %w", err)
			}
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	if matches == nil {
		matches = []store.Match{}
	}
	return matches, nil
}

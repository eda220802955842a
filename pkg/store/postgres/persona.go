package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/terracetalk/pkg/store"
)

// LoadPersona implements [store.Store]. The bundle is assembled in one query
// joining the persona row with its team, so a persona snapshot is always
// internally consistent. Returns (nil, nil) when the team has no persona.
func (s *Store) LoadPersona(ctx context.Context, teamID string) (*store.Persona, error) {
	const q = `
		SELECT p.team_id, t.name, p.nickname, p.motto, p.core_values,
		       p.vocabulary, p.baseline, p.rivals, p.legends, p.moments
		FROM   persona_identities p
		JOIN   teams t ON t.id = p.team_id
		WHERE  p.team_id = $1`

	var (
		persona    store.Persona
		valuesJSON []byte
		vocabJSON  []byte
		rivalsJSON []byte
		legendJSON []byte
		momentJSON []byte
	)
	err := s.pool.QueryRow(ctx, q, teamID).Scan(
		&persona.TeamID, &persona.TeamName, &persona.Nickname, &persona.Motto,
		&valuesJSON, &vocabJSON, &persona.Baseline, &rivalsJSON, &legendJSON, &momentJSON,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, storeErr("load persona", err)
	}

	for _, dec := range []struct {
		raw []byte
		dst any
	}{
		{valuesJSON, &persona.CoreValues},
		{vocabJSON, &persona.Vocabulary},
		{rivalsJSON, &persona.Rivals},
		{legendJSON, &persona.Legends},
		{momentJSON, &persona.Moments},
	} {
		if len(dec.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(dec.raw, dec.dst); err != nil {
			return nil, fmt.Errorf("postgres store: load persona: decode bundle: %w", err)
		}
	}

	return &persona, nil
}

package postgres

import (
	"context"
	"time"

	"github.com/MrWong99/terracetalk/pkg/store"
)

// GetSessionState implements [store.Store]. Returns (nil, nil) for a session
// that has never been persisted.
func (s *Store) GetSessionState(ctx context.Context, sessionID string) (*store.SessionState, error) {
	const q = `
		SELECT session_id, trust_level, clean_streak, escalations,
		       COALESCE(last_attempt, '0001-01-01'::timestamptz), updated_at
		FROM   session_states
		WHERE  session_id = $1`

	var (
		st    store.SessionState
		level int
	)
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(
		&st.SessionID, &level, &st.CleanStreak, &st.Escalations, &st.LastAttempt, &st.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, storeErr("get session state", err)
	}
	st.Level = store.TrustLevel(level)
	return &st, nil
}

// UpsertSessionState implements [store.Store].
func (s *Store) UpsertSessionState(ctx context.Context, st store.SessionState) error {
	const q = `
		INSERT INTO session_states (session_id, trust_level, clean_streak, escalations, last_attempt, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, '0001-01-01'::timestamptz), now())
		ON CONFLICT (session_id) DO UPDATE SET
		    trust_level  = EXCLUDED.trust_level,
		    clean_streak = EXCLUDED.clean_streak,
		    escalations  = EXCLUDED.escalations,
		    last_attempt = EXCLUDED.last_attempt,
		    updated_at   = now()`

	_, err := s.pool.Exec(ctx, q, st.SessionID, int(st.Level), st.CleanStreak, st.Escalations, st.LastAttempt)
	if err != nil {
		return storeErr("upsert session state", err)
	}
	return nil
}

// AppendSecurityLog implements [store.Store]. Only the pattern id and input
// length are stored — never the input itself.
func (s *Store) AppendSecurityLog(ctx context.Context, e store.SecurityLogEntry) error {
	const q = `
		INSERT INTO security_log (session_id, timestamp, pattern_id, raw_length, response_class)
		VALUES ($1, $2, $3, $4, $5)`

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, q, e.SessionID, ts, e.PatternID, e.RawLength, e.ResponseClass)
	if err != nil {
		return storeErr("append security log", err)
	}
	return nil
}

// AppendAnalytics implements [store.Store].
func (s *Store) AppendAnalytics(ctx context.Context, r store.AnalyticsRecord) error {
	const q = `
		INSERT INTO analytics (conversation_id, persona_id, intent, source_count,
		                       confidence, latency_ms, cache_hit, cancelled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, q,
		r.ConversationID, r.PersonaID, r.Intent, r.SourceCount,
		r.Confidence, r.Latency.Milliseconds(), r.CacheHit, r.Cancelled,
	)
	if err != nil {
		return storeErr("append analytics", err)
	}
	return nil
}

// Package postgres provides the PostgreSQL-backed implementation of
// [store.Store]: relational domain tables, GIN-indexed full-text search over
// news/teams/players, a knowledge graph traversed with recursive CTEs, JSONB
// persona bundles, and the serialized write paths (session trust, security
// log, analytics).
//
// All operations share a single [pgxpool.Pool]. The pgvector extension is
// required only when the semantic lane is used; [Migrate] installs it via
// CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn, postgres.WithEmbeddingDimensions(1536))
//	if err != nil { … }
//	defer st.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Domain DDL — clubs, players, fixtures, table, fitness, market, news
// ─────────────────────────────────────────────────────────────────────────────

const ddlDomain = `
CREATE TABLE IF NOT EXISTS teams (
    id          TEXT         PRIMARY KEY,
    name        TEXT         NOT NULL,
    short_name  TEXT         NOT NULL DEFAULT '',
    league      TEXT         NOT NULL DEFAULT '',
    founded     INT          NOT NULL DEFAULT 0,
    stadium     TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_teams_name_lower ON teams (lower(name));

CREATE INDEX IF NOT EXISTS idx_teams_fts
    ON teams USING GIN (to_tsvector('english', name || ' ' || short_name || ' ' || stadium));

CREATE TABLE IF NOT EXISTS players (
    id          TEXT         PRIMARY KEY,
    name        TEXT         NOT NULL,
    team_id     TEXT         REFERENCES teams (id),
    position    TEXT         NOT NULL DEFAULT '',
    nationality TEXT         NOT NULL DEFAULT '',
    birth_date  DATE
);

CREATE INDEX IF NOT EXISTS idx_players_name_lower ON players (lower(name));
CREATE INDEX IF NOT EXISTS idx_players_team ON players (team_id);

CREATE INDEX IF NOT EXISTS idx_players_fts
    ON players USING GIN (to_tsvector('english', name || ' ' || position || ' ' || nationality));

CREATE TABLE IF NOT EXISTS matches (
    id           TEXT         PRIMARY KEY,
    date         TIMESTAMPTZ  NOT NULL,
    home_team_id TEXT         NOT NULL REFERENCES teams (id),
    away_team_id TEXT         NOT NULL REFERENCES teams (id),
    home_score   INT,
    away_score   INT,
    status       TEXT         NOT NULL DEFAULT 'scheduled',
    competition  TEXT         NOT NULL DEFAULT '',
    venue        TEXT         NOT NULL DEFAULT '',
    events       JSONB        NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_matches_date ON matches (date);
CREATE INDEX IF NOT EXISTS idx_matches_home ON matches (home_team_id);
CREATE INDEX IF NOT EXISTS idx_matches_away ON matches (away_team_id);
CREATE INDEX IF NOT EXISTS idx_matches_status ON matches (status);

CREATE TABLE IF NOT EXISTS standings (
    team_id       TEXT  NOT NULL REFERENCES teams (id),
    league        TEXT  NOT NULL,
    season        TEXT  NOT NULL,
    position      INT   NOT NULL,
    played        INT   NOT NULL DEFAULT 0,
    won           INT   NOT NULL DEFAULT 0,
    drawn         INT   NOT NULL DEFAULT 0,
    lost          INT   NOT NULL DEFAULT 0,
    goals_for     INT   NOT NULL DEFAULT 0,
    goals_against INT   NOT NULL DEFAULT 0,
    points        INT   NOT NULL DEFAULT 0,
    form          TEXT  NOT NULL DEFAULT '-----',
    PRIMARY KEY (team_id, league, season)
);

CREATE TABLE IF NOT EXISTS injuries (
    id              BIGSERIAL    PRIMARY KEY,
    player_id       TEXT         NOT NULL REFERENCES players (id),
    type            TEXT         NOT NULL DEFAULT '',
    severity        TEXT         NOT NULL DEFAULT '',
    expected_return DATE,
    status          TEXT         NOT NULL DEFAULT 'active'
);

CREATE INDEX IF NOT EXISTS idx_injuries_player ON injuries (player_id);
CREATE INDEX IF NOT EXISTS idx_injuries_status ON injuries (status);

CREATE TABLE IF NOT EXISTS transfers (
    id           BIGSERIAL    PRIMARY KEY,
    player_id    TEXT         NOT NULL REFERENCES players (id),
    from_team_id TEXT         REFERENCES teams (id),
    to_team_id   TEXT         REFERENCES teams (id),
    type         TEXT         NOT NULL DEFAULT 'permanent',
    fee          TEXT         NOT NULL DEFAULT '',
    effective    DATE         NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transfers_player ON transfers (player_id);
CREATE INDEX IF NOT EXISTS idx_transfers_effective ON transfers (effective);

CREATE TABLE IF NOT EXISTS news (
    id           TEXT         PRIMARY KEY,
    title        TEXT         NOT NULL,
    body         TEXT         NOT NULL DEFAULT '',
    team_id      TEXT         REFERENCES teams (id),
    published_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_news_team ON news (team_id);

CREATE INDEX IF NOT EXISTS idx_news_fts
    ON news USING GIN (to_tsvector('english', title || ' ' || body));
`

// ─────────────────────────────────────────────────────────────────────────────
// Knowledge graph DDL — typed nodes + weighted directed edges
// ─────────────────────────────────────────────────────────────────────────────

const ddlGraph = `
CREATE TABLE IF NOT EXISTS kg_nodes (
    id          BIGSERIAL    PRIMARY KEY,
    type        TEXT         NOT NULL,
    entity_id   TEXT         NOT NULL DEFAULT '',
    name        TEXT         NOT NULL,
    properties  JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_kg_nodes_type ON kg_nodes (type);
CREATE INDEX IF NOT EXISTS idx_kg_nodes_name_lower ON kg_nodes (lower(name));
CREATE INDEX IF NOT EXISTS idx_kg_nodes_entity ON kg_nodes (entity_id);

CREATE TABLE IF NOT EXISTS kg_edges (
    source_id   BIGINT       NOT NULL REFERENCES kg_nodes (id) ON DELETE CASCADE,
    target_id   BIGINT       NOT NULL REFERENCES kg_nodes (id) ON DELETE CASCADE,
    relation    TEXT         NOT NULL,
    weight      REAL         NOT NULL DEFAULT 0.5 CHECK (weight >= 0 AND weight <= 1),
    properties  JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (source_id, target_id, relation)
);

CREATE INDEX IF NOT EXISTS idx_kg_edges_source ON kg_edges (source_id);
CREATE INDEX IF NOT EXISTS idx_kg_edges_target ON kg_edges (target_id);
CREATE INDEX IF NOT EXISTS idx_kg_edges_relation ON kg_edges (relation);
`

// ─────────────────────────────────────────────────────────────────────────────
// Persona, session trust, security log, analytics DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlPersona = `
CREATE TABLE IF NOT EXISTS persona_identities (
    team_id      TEXT   PRIMARY KEY REFERENCES teams (id),
    nickname     TEXT   NOT NULL DEFAULT '',
    motto        TEXT   NOT NULL DEFAULT '',
    core_values  JSONB  NOT NULL DEFAULT '[]',
    vocabulary   JSONB  NOT NULL DEFAULT '{}',
    baseline     TEXT   NOT NULL DEFAULT '',
    rivals       JSONB  NOT NULL DEFAULT '[]',
    legends      JSONB  NOT NULL DEFAULT '[]',
    moments      JSONB  NOT NULL DEFAULT '[]',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const ddlSessions = `
CREATE TABLE IF NOT EXISTS session_states (
    session_id    TEXT         PRIMARY KEY,
    trust_level   INT          NOT NULL DEFAULT 0,
    clean_streak  INT          NOT NULL DEFAULT 0,
    escalations   INT          NOT NULL DEFAULT 0,
    last_attempt  TIMESTAMPTZ,
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS security_log (
    id             BIGSERIAL    PRIMARY KEY,
    session_id     TEXT         NOT NULL,
    timestamp      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    pattern_id     TEXT         NOT NULL,
    raw_length     INT          NOT NULL DEFAULT 0,
    response_class TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_security_log_session ON security_log (session_id);

CREATE TABLE IF NOT EXISTS analytics (
    id              BIGSERIAL    PRIMARY KEY,
    conversation_id TEXT         NOT NULL,
    persona_id      TEXT         NOT NULL DEFAULT '',
    intent          TEXT         NOT NULL DEFAULT '',
    source_count    INT          NOT NULL DEFAULT 0,
    confidence      REAL         NOT NULL DEFAULT 0,
    latency_ms      BIGINT       NOT NULL DEFAULT 0,
    cache_hit       BOOLEAN      NOT NULL DEFAULT false,
    cancelled       BOOLEAN      NOT NULL DEFAULT false,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ddlSemantic returns the semantic-lane DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlSemantic(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS news_chunks (
    id         TEXT         PRIMARY KEY,
    news_id    TEXT         REFERENCES news (id) ON DELETE CASCADE,
    team_id    TEXT         REFERENCES teams (id),
    content    TEXT         NOT NULL,
    embedding  vector(%d),
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_news_chunks_team ON news_chunks (team_id);

CREATE INDEX IF NOT EXISTS idx_news_chunks_embedding
    ON news_chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent and safe to run on every application start.
//
// embeddingDimensions <= 0 skips the semantic-lane DDL entirely, so
// deployments without pgvector can still run every other path. Changing the
// dimension after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlDomain,
		ddlGraph,
		ddlPersona,
		ddlSessions,
	}
	if embeddingDimensions > 0 {
		statements = append(statements, ddlSemantic(embeddingDimensions))
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

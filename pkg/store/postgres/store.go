package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/terracetalk/pkg/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed [store.Store]. It holds a single
// [pgxpool.Pool]; all read paths share the pool while writes to
// session_states, security_log, and analytics are serialized per table by
// Postgres row/statement semantics.
type Store struct {
	pool          *pgxpool.Pool
	embeddingDims int
}

// Option is a functional option for [NewStore].
type Option func(*Store)

// WithEmbeddingDimensions enables the pgvector semantic lane over
// news_chunks. The value must match the embedding model in use (e.g. 1536
// for OpenAI text-embedding-3-small). Zero (the default) disables the lane:
// the semantic DDL is skipped and [Store.SemanticSearch] returns empty.
func WithEmbeddingDimensions(n int) Option {
	return func(s *Store) { s.embeddingDims = n }
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn,
// registers pgvector types when the semantic lane is enabled, and runs
// [Migrate] so all required tables exist.
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	s := &Store{}
	for _, o := range opts {
		o(s)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	if s.embeddingDims > 0 {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, s.embeddingDims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	s.pool = pool
	return s, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity. Used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// storeErr wraps a backend failure so that errors.Is(err, store.ErrUnavailable)
// holds, preserving the pgx cause for logs.
func storeErr(op string, err error) error {
	return fmt.Errorf("postgres store: %s: %w: %w", op, store.ErrUnavailable, err)
}

// isNoRows reports whether err is the pgx "no rows" sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

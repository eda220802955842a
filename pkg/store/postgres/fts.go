package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/terracetalk/pkg/store"
)

// defaultFTSLimit caps SearchText when the caller passes limit <= 0.
const defaultFTSLimit = 5

// ftsSources maps each corpus to its queryable columns. The tsvector
// expression must match the corresponding GIN index in schema.go exactly or
// Postgres will fall back to a sequential scan.
var ftsSources = map[store.FTSDomain]struct {
	table    string
	idCol    string
	titleCol string
	bodyCol  string
	vector   string
}{
	store.DomainTeams: {
		table: "teams", idCol: "id", titleCol: "name", bodyCol: "stadium",
		vector: "to_tsvector('english', name || ' ' || short_name || ' ' || stadium)",
	},
	store.DomainPlayers: {
		table: "players", idCol: "id", titleCol: "name", bodyCol: "position",
		vector: "to_tsvector('english', name || ' ' || position || ' ' || nationality)",
	},
	store.DomainNews: {
		table: "news", idCol: "id", titleCol: "title", bodyCol: "body",
		vector: "to_tsvector('english', title || ' ' || body)",
	},
}

// SearchText implements [store.Store]. User text never reaches to_tsquery
// verbatim: [EscapeFTSQuery] quotes every token so tsquery operators are
// inert. A query that escapes to nothing yields an empty result.
func (s *Store) SearchText(ctx context.Context, domain store.FTSDomain, query string, limit int) ([]store.TextHit, error) {
	src, ok := ftsSources[domain]
	if !ok {
		return []store.TextHit{}, nil
	}
	if limit <= 0 {
		limit = defaultFTSLimit
	}

	escaped := EscapeFTSQuery(query)
	if escaped == "" {
		return []store.TextHit{}, nil
	}

	q := `
		SELECT ` + src.idCol + `, ` + src.titleCol + `,
		       left(` + src.bodyCol + `, 200),
		       ts_rank(` + src.vector + `, to_tsquery('english', $1)) AS score
		FROM   ` + src.table + `
		WHERE  ` + src.vector + ` @@ to_tsquery('english', $1)
		ORDER  BY score DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, escaped, limit)
	if err != nil {
		return nil, storeErr("search text", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.TextHit, error) {
		h := store.TextHit{Domain: domain}
		err := row.Scan(&h.ID, &h.Title, &h.Snippet, &h.Score)
		return h, err
	})
	if err != nil {
		return nil, storeErr("search text: scan", err)
	}
	if hits == nil {
		hits = []store.TextHit{}
	}
	return hits, nil
}

// EscapeFTSQuery converts free user text into a safe tsquery expression:
// each token is stripped of quote characters, wrapped in single quotes, and
// the tokens are AND-combined with prefix matching on the final token.
// Tokens that contain no letters or digits after stripping are dropped, so a
// query of only meta-characters escapes to the empty string.
func EscapeFTSQuery(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		clean := strings.Map(func(r rune) rune {
			// tsquery term syntax: anything is allowed inside quotes except
			// the quote itself and backslash escapes. Strip both.
			if r == '\'' || r == '\\' {
				return -1
			}
			return r
		}, f)
		if !containsAlnum(clean) {
			continue
		}
		terms = append(terms, "'"+clean+"'")
	}
	if len(terms) == 0 {
		return ""
	}
	// Prefix-match the last term so partial words still hit.
	terms[len(terms)-1] += ":*"
	return strings.Join(terms, " & ")
}

func containsAlnum(s string) bool {
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r > 127 {
			return true
		}
	}
	return false
}

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/terracetalk/pkg/generator/embeddings"
	"github.com/MrWong99/terracetalk/pkg/store"
)

// ErrInvalidQuery is returned for inputs that fail sanitization: empty after
// normalization, longer than the configured cap, or containing null bytes.
var ErrInvalidQuery = errors.New("invalid query")

// NormalizeQuery strips control and other non-printable runes from a raw
// query so terminal escapes and the like never reach the search lanes or the
// prompt. Newlines, tabs, and carriage returns become single spaces; the
// result is space-trimmed.
func NormalizeQuery(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t' || r == '\r':
			return ' '
		case unicode.IsControl(r), !unicode.IsPrint(r) && !unicode.IsSpace(r):
			return -1
		default:
			return r
		}
	}, s))
}

const (
	defaultTopKPerDomain   = 5
	defaultMaxContextLines = 20
	defaultMaxQueryLen     = 1000
	defaultSemanticTopK    = 5

	// structuredScore ranks intent-targeted record lookups ahead of
	// full-text hits, whose normalised ceiling is Beta.
	structuredScore = 0.9

	// structuredMatchLimit caps match lines from the fallback ladder.
	structuredMatchLimit = 10

	graphTraversalDepth = 2
)

// graphRelations are the edge types traversal follows.
var graphRelations = []string{"legendary_at", "occurred_at", "against", "rival_of", "current_state"}

// Metadata describes how a retrieval was satisfied.
type Metadata struct {
	// Intent is the classified query intent.
	Intent Intent

	// FallbackStep records widening of a date-bounded lookup: 0 none,
	// 1 date dropped (or whole-list fallback), 2 status inverted,
	// 3 "no data" sentinel.
	FallbackStep int
}

// Result is the outcome of one retrieval: the ranked context block, the
// sources backing it, and the parse that drove it.
type Result struct {
	Lines    []Line
	Sources  []Source
	Metadata Metadata
	Parsed   *ParsedQuery
}

// ContextText renders the context block as newline-joined evidence lines.
func (r *Result) ContextText() string {
	texts := make([]string, len(r.Lines))
	for i, l := range r.Lines {
		texts[i] = l.Text
	}
	return strings.Join(texts, "\n")
}

// ─────────────────────────────────────────────────────────────────────────────
// Retriever
// ─────────────────────────────────────────────────────────────────────────────

// Retriever runs the full retrieval pipeline. Safe for concurrent use.
type Retriever struct {
	store    store.Store
	parser   *Parser
	embedder embeddings.Embedder
	log      *slog.Logger

	topKPerDomain int
	semanticTopK  int
	maxLines      int
	maxQueryLen   int
	weights       Weights
	clock         func() time.Time
}

// Option is a functional option for [NewRetriever].
type Option func(*Retriever)

// WithTopK sets the per-domain full-text result count. Defaults to 5.
func WithTopK(k int) Option {
	return func(r *Retriever) { r.topKPerDomain = k }
}

// WithMaxContextLines caps the fused context block. Defaults to 20.
func WithMaxContextLines(n int) Option {
	return func(r *Retriever) { r.maxLines = n }
}

// WithMaxQueryLength sets the post-trim input length cap. Defaults to 1000.
func WithMaxQueryLength(n int) Option {
	return func(r *Retriever) { r.maxQueryLen = n }
}

// WithWeights overrides the fusion weights.
func WithWeights(w Weights) Option {
	return func(r *Retriever) { r.weights = w }
}

// WithEmbedder enables the semantic news lane. Without it the lane is skipped
// entirely.
func WithEmbedder(e embeddings.Embedder) Option {
	return func(r *Retriever) { r.embedder = e }
}

// WithClock overrides the wall clock used for relative dates and season
// derivation. Used by tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Retriever) { r.clock = clock }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(r *Retriever) { r.log = log }
}

// NewRetriever creates a Retriever over st with entity dictionary dict.
func NewRetriever(st store.Store, dict *Dictionary, opts ...Option) *Retriever {
	r := &Retriever{
		store:         st,
		parser:        NewParser(dict),
		log:           slog.Default(),
		topKPerDomain: defaultTopKPerDomain,
		semanticTopK:  defaultSemanticTopK,
		maxLines:      defaultMaxContextLines,
		maxQueryLen:   defaultMaxQueryLen,
		weights:       DefaultWeights(),
		clock:         time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Retrieve parses query, gathers evidence from all lanes in parallel, and
// fuses it into a ranked context block. personaTeam scopes the graph and
// structured lanes when a persona is active; it may be nil.
//
// Empty results are not errors. Store I/O failures propagate wrapping
// [store.ErrUnavailable]; invalid input returns [ErrInvalidQuery].
func (r *Retriever) Retrieve(ctx context.Context, query string, personaTeam *store.Team) (*Result, error) {
	if strings.ContainsRune(query, 0) {
		return nil, fmt.Errorf("retrieval: null byte in query: %w", ErrInvalidQuery)
	}
	trimmed := NormalizeQuery(query)
	if trimmed == "" {
		return nil, fmt.Errorf("retrieval: empty query: %w", ErrInvalidQuery)
	}
	if utf8.RuneCountInString(trimmed) > r.maxQueryLen {
		return nil, fmt.Errorf("retrieval: query exceeds %d chars: %w", r.maxQueryLen, ErrInvalidQuery)
	}

	now := r.clock()
	parsed := r.parser.Parse(trimmed, now)
	domains := intentDomains(parsed.Intent)

	var (
		ftsItems    = make([][]evidence, len(domains))
		graphItems  []evidence
		structItems []evidence
		semItems    []evidence
		fallback    int
	)

	eg, egCtx := errgroup.WithContext(ctx)

	// ── full-text lane: one goroutine per domain ─────────────────────────────
	for i, domain := range domains {
		eg.Go(func() error {
			hits, err := r.store.SearchText(egCtx, domain, trimmed, r.topKPerDomain)
			if err != nil {
				return fmt.Errorf("retrieval: search %s: %w", domain, err)
			}
			items := make([]evidence, 0, len(hits))
			for _, h := range hits {
				items = append(items, evidence{
					text:   textHitLine(h),
					source: Source{Type: string(h.Domain), ID: h.ID},
					fts:    h.Score,
				})
			}
			ftsItems[i] = items
			return nil
		})
	}

	// ── graph lane ────────────────────────────────────────────────────────────
	eg.Go(func() error {
		items, err := r.graphEvidence(egCtx, parsed, personaTeam)
		if err != nil {
			return err
		}
		graphItems = items
		return nil
	})

	// ── structured lane ───────────────────────────────────────────────────────
	eg.Go(func() error {
		items, step, err := r.structuredEvidence(egCtx, parsed, personaTeam, now)
		if err != nil {
			return err
		}
		structItems, fallback = items, step
		return nil
	})

	// ── semantic lane (optional) ─────────────────────────────────────────────
	if r.embedder != nil {
		eg.Go(func() error {
			items, err := r.semanticEvidence(egCtx, trimmed, parsed, personaTeam)
			if err != nil {
				return err
			}
			semItems = items
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var all []evidence
	all = append(all, structItems...)
	for _, items := range ftsItems {
		all = append(all, items...)
	}
	all = append(all, graphItems...)
	all = append(all, semItems...)

	lines := fuse(all, r.weights, r.maxLines)

	return &Result{
		Lines:    lines,
		Sources:  collectSources(lines),
		Metadata: Metadata{Intent: parsed.Intent, FallbackStep: fallback},
		Parsed:   parsed,
	}, nil
}

// intentDomains maps an intent to the FTS corpora worth searching for it.
func intentDomains(intent Intent) []store.FTSDomain {
	switch intent {
	case IntentStandings, IntentScores, IntentFixtures:
		return []store.FTSDomain{store.DomainTeams, store.DomainNews}
	case IntentSquadFitness, IntentTransfers, IntentLegendComparison:
		return []store.FTSDomain{store.DomainPlayers, store.DomainNews}
	case IntentHistorical:
		return []store.FTSDomain{store.DomainNews}
	default:
		return []store.FTSDomain{store.DomainTeams, store.DomainPlayers, store.DomainNews}
	}
}

// textHitLine renders one FTS hit as an evidence line.
func textHitLine(h store.TextHit) string {
	if h.Snippet == "" {
		return h.Title
	}
	if h.Title == "" {
		return h.Snippet
	}
	return h.Title + ": " + h.Snippet
}

// collectSources returns the unique non-empty sources of lines, in line
// order.
func collectSources(lines []Line) []Source {
	out := make([]Source, 0, len(lines))
	seen := make(map[Source]struct{}, len(lines))
	for _, l := range lines {
		if l.Source == (Source{}) {
			continue
		}
		if _, ok := seen[l.Source]; ok {
			continue
		}
		seen[l.Source] = struct{}{}
		out = append(out, l.Source)
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Graph lane
// ─────────────────────────────────────────────────────────────────────────────

// graphEvidence seeds traversals from name-matched nodes plus the persona's
// team node, walks depth ≤ 2 along the known relations, and emits one line
// per (node, incoming edge).
func (r *Retriever) graphEvidence(ctx context.Context, parsed *ParsedQuery, personaTeam *store.Team) ([]evidence, error) {
	seedNames := make([]string, 0, len(parsed.Entities)+1)
	for _, e := range parsed.Entities {
		seedNames = append(seedNames, e.Name)
	}
	if personaTeam != nil {
		seedNames = append(seedNames, personaTeam.Name)
	}

	var (
		items     []evidence
		seenSeeds = make(map[int64]struct{})
		seenNodes = make(map[int64]struct{})
	)

	for _, name := range seedNames {
		seeds, err := r.store.SearchGraphByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("retrieval: graph seed %q: %w", name, err)
		}
		for _, seed := range seeds {
			if _, ok := seenSeeds[seed.ID]; ok {
				continue
			}
			seenSeeds[seed.ID] = struct{}{}

			neighbors, err := r.store.GraphNeighbors(ctx, seed.ID, graphRelations, graphTraversalDepth)
			if err != nil {
				return nil, fmt.Errorf("retrieval: graph neighbors of %d: %w", seed.ID, err)
			}
			for _, n := range neighbors {
				if _, ok := seenNodes[n.Node.ID]; ok {
					continue
				}
				seenNodes[n.Node.ID] = struct{}{}
				items = append(items, evidence{
					text:   neighborLine(seed, n),
					source: Source{Type: "graph", ID: strconv.FormatInt(n.Node.ID, 10)},
					graph:  n.Edge.Weight * r.weights.decay(n.Depth),
				})
			}
		}
	}
	return items, nil
}

// relationPhrases renders edge relations in plain words.
var relationPhrases = map[string]string{
	"legendary_at":  "is a legend at",
	"occurred_at":   "happened at",
	"against":       "was against",
	"rival_of":      "is a rival of",
	"current_state": "current mood of",
}

// neighborLine renders one traversal hit as an evidence line, appending the
// node's description property when present.
func neighborLine(seed store.Node, n store.Neighbor) string {
	phrase, ok := relationPhrases[n.Edge.Relation]
	if !ok {
		phrase = n.Edge.Relation
	}

	var b strings.Builder
	b.WriteString(n.Node.Name)
	b.WriteString(" ")
	b.WriteString(phrase)
	b.WriteString(" ")
	b.WriteString(seed.Name)
	if desc, ok := n.Node.Properties["description"].(string); ok && desc != "" {
		b.WriteString(" — ")
		b.WriteString(desc)
	}
	return b.String()
}

// ─────────────────────────────────────────────────────────────────────────────
// Structured lane
// ─────────────────────────────────────────────────────────────────────────────

// structuredEvidence runs the intent-targeted record lookup and returns its
// evidence lines plus the fallback step taken (matches only).
func (r *Retriever) structuredEvidence(ctx context.Context, parsed *ParsedQuery, personaTeam *store.Team, now time.Time) ([]evidence, int, error) {
	teamID, err := r.scopeTeamID(ctx, parsed, personaTeam)
	if err != nil {
		return nil, 0, err
	}

	switch parsed.Intent {
	case IntentStandings:
		items, err := r.standingsEvidence(ctx, parsed, personaTeam, now)
		return items, 0, err
	case IntentScores, IntentFixtures:
		return r.matchEvidence(ctx, parsed, teamID, now)
	case IntentSquadFitness:
		items, err := r.injuryEvidence(ctx, teamID)
		return items, 0, err
	case IntentTransfers:
		items, err := r.transferEvidence(ctx, teamID)
		return items, 0, err
	default:
		return nil, 0, nil
	}
}

// scopeTeamID resolves the team the structured lane should filter by: the
// first mentioned team, else the persona team, else "".
func (r *Retriever) scopeTeamID(ctx context.Context, parsed *ParsedQuery, personaTeam *store.Team) (string, error) {
	for _, name := range parsed.Teams() {
		team, err := r.store.GetTeamByName(ctx, name)
		if err != nil {
			return "", fmt.Errorf("retrieval: resolve team %q: %w", name, err)
		}
		if team != nil {
			return team.ID, nil
		}
	}
	if personaTeam != nil {
		return personaTeam.ID, nil
	}
	return "", nil
}

// standingsEvidence emits table rows for the scoped league: rows for every
// mentioned team (or the persona team), topped up from first place.
func (r *Retriever) standingsEvidence(ctx context.Context, parsed *ParsedQuery, personaTeam *store.Team, now time.Time) ([]evidence, error) {
	league := ""
	if personaTeam != nil {
		league = personaTeam.League
	}
	if league == "" {
		if teams := parsed.Teams(); len(teams) > 0 {
			team, err := r.store.GetTeamByName(ctx, teams[0])
			if err != nil {
				return nil, fmt.Errorf("retrieval: resolve team %q: %w", teams[0], err)
			}
			if team != nil {
				league = team.League
			}
		}
	}
	if league == "" {
		return nil, nil
	}

	rows, err := r.store.GetStandings(ctx, league, currentSeason(now))
	if err != nil {
		return nil, fmt.Errorf("retrieval: standings %s: %w", league, err)
	}

	wanted := make(map[string]struct{})
	for _, name := range parsed.Teams() {
		wanted[strings.ToLower(name)] = struct{}{}
	}
	if personaTeam != nil {
		wanted[strings.ToLower(personaTeam.Name)] = struct{}{}
	}

	names := map[string]string{}
	var items []evidence
	for _, row := range rows {
		name, err := r.teamName(ctx, row.TeamID, names)
		if err != nil {
			return nil, err
		}
		_, isWanted := wanted[strings.ToLower(name)]
		if !isWanted && row.Position > 3 {
			continue
		}
		items = append(items, evidence{
			text:   fmt.Sprintf("%s is %s with %d points", name, ordinal(row.Position), row.Points),
			source: Source{Type: "standing", ID: row.TeamID},
			fixed:  structuredScore,
		})
	}
	return items, nil
}

// matchEvidence runs the date-bounded match lookup with the widening ladder:
// step 0 date-bounded, step 1 date dropped (also the entry point for
// "latest"/"recent" whole-list queries), step 2 status inverted, step 3 a
// one-line "no data" sentinel.
func (r *Retriever) matchEvidence(ctx context.Context, parsed *ParsedQuery, teamID string, now time.Time) ([]evidence, int, error) {
	status := store.MatchFinished
	descending := true
	if parsed.Intent == IntentFixtures {
		status = store.MatchScheduled
		descending = false
	}

	step := 0
	if parsed.Recent {
		// A recency modifier discards any extracted date and goes straight
		// to the whole-list fallback.
		step = 1
	}

	for ; step <= 3; step++ {
		f := store.MatchFilter{
			TeamID:     teamID,
			Status:     status,
			Descending: descending,
			Limit:      structuredMatchLimit,
		}
		switch step {
		case 0:
			date := now
			if parsed.Date != nil {
				date = *parsed.Date
			}
			day := date.Truncate(24 * time.Hour)
			f.DateFrom = day
			f.DateTo = day.Add(24*time.Hour - time.Nanosecond)
		case 1:
			// Date filter dropped, status kept.
		case 2:
			// Status inverted, team filter kept.
			if status == store.MatchFinished {
				f.Status = store.MatchScheduled
				f.Descending = false
			} else {
				f.Status = store.MatchFinished
				f.Descending = true
			}
		case 3:
			return []evidence{{
				text:  fmt.Sprintf("no match data found (team=%q, status=%s)", teamID, status),
				fixed: structuredScore,
			}}, 3, nil
		}

		matches, err := r.store.ListMatches(ctx, f)
		if err != nil {
			return nil, step, fmt.Errorf("retrieval: list matches: %w", err)
		}
		if len(matches) == 0 {
			continue
		}

		names := map[string]string{}
		items := make([]evidence, 0, len(matches))
		for _, m := range matches {
			line, err := r.matchLine(ctx, m, names)
			if err != nil {
				return nil, step, err
			}
			items = append(items, evidence{
				text:   line,
				source: Source{Type: "match", ID: m.ID},
				fixed:  structuredScore,
			})
		}
		return items, step, nil
	}
	return nil, 3, nil
}

// matchLine renders one match as an evidence line.
func (r *Retriever) matchLine(ctx context.Context, m store.Match, names map[string]string) (string, error) {
	home, err := r.teamName(ctx, m.HomeTeamID, names)
	if err != nil {
		return "", err
	}
	away, err := r.teamName(ctx, m.AwayTeamID, names)
	if err != nil {
		return "", err
	}

	date := m.Date.Format("2006-01-02")
	if m.Status == store.MatchFinished && m.HomeScore != nil && m.AwayScore != nil {
		return fmt.Sprintf("%s %d-%d %s (%s, %s)", home, *m.HomeScore, *m.AwayScore, away, date, m.Competition), nil
	}
	return fmt.Sprintf("%s vs %s — %s, %s", home, away, date, m.Competition), nil
}

// injuryEvidence emits the current injury list for the scoped team.
func (r *Retriever) injuryEvidence(ctx context.Context, teamID string) ([]evidence, error) {
	injuries, err := r.store.GetInjuries(ctx, teamID, store.InjuryActive)
	if err != nil {
		return nil, fmt.Errorf("retrieval: injuries: %w", err)
	}

	items := make([]evidence, 0, len(injuries))
	for _, inj := range injuries {
		text := fmt.Sprintf("%s is out with a %s injury (%s)", inj.PlayerName, inj.Type, inj.Severity)
		if inj.ExpectedReturn != nil {
			text += ", expected back " + inj.ExpectedReturn.Format("2006-01-02")
		}
		items = append(items, evidence{
			text:   text,
			source: Source{Type: "injury", ID: inj.PlayerID},
			fixed:  structuredScore,
		})
	}
	return items, nil
}

// transferEvidence emits recent transfers for the scoped team.
func (r *Retriever) transferEvidence(ctx context.Context, teamID string) ([]evidence, error) {
	transfers, err := r.store.GetTransfers(ctx, teamID, 0)
	if err != nil {
		return nil, fmt.Errorf("retrieval: transfers: %w", err)
	}

	names := map[string]string{}
	items := make([]evidence, 0, len(transfers))
	for _, t := range transfers {
		from, err := r.teamName(ctx, t.FromTeamID, names)
		if err != nil {
			return nil, err
		}
		to, err := r.teamName(ctx, t.ToTeamID, names)
		if err != nil {
			return nil, err
		}
		text := fmt.Sprintf("%s moved from %s to %s (%s", t.PlayerName, from, to, t.Type)
		if t.Fee != "" {
			text += ", " + t.Fee
		}
		text += ") effective " + t.Effective.Format("2006-01-02")
		items = append(items, evidence{
			text:   text,
			source: Source{Type: "transfer", ID: t.PlayerID},
			fixed:  structuredScore,
		})
	}
	return items, nil
}

// teamName resolves a team id to its name with a per-request cache. Unknown
// ids fall back to the raw id so a line is still rendered.
func (r *Retriever) teamName(ctx context.Context, teamID string, cache map[string]string) (string, error) {
	if teamID == "" {
		return "unknown", nil
	}
	if name, ok := cache[teamID]; ok {
		return name, nil
	}
	team, err := r.store.GetTeam(ctx, teamID)
	if err != nil {
		return "", fmt.Errorf("retrieval: resolve team id %q: %w", teamID, err)
	}
	name := teamID
	if team != nil {
		name = team.Name
	}
	cache[teamID] = name
	return name, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Semantic lane
// ─────────────────────────────────────────────────────────────────────────────

// semanticEvidence embeds the query and ranks news chunks by vector
// similarity. Embedding failures degrade to an empty lane (logged); store
// failures propagate.
func (r *Retriever) semanticEvidence(ctx context.Context, query string, parsed *ParsedQuery, personaTeam *store.Team) ([]evidence, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.log.Warn("semantic lane degraded: embed failed", "error", err)
		return nil, nil
	}

	var scope []string
	if personaTeam != nil {
		scope = append(scope, personaTeam.ID)
	}

	hits, err := r.store.SemanticSearch(ctx, vec, r.semanticTopK, scope)
	if err != nil {
		return nil, fmt.Errorf("retrieval: semantic search: %w", err)
	}

	items := make([]evidence, 0, len(hits))
	for _, h := range hits {
		items = append(items, evidence{
			text:   h.Content,
			source: Source{Type: "news-chunk", ID: h.ChunkID},
			fts:    h.Score,
		})
	}
	return items, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// currentSeason derives the European season label ("2025-26") for now,
// rolling over in July.
func currentSeason(now time.Time) string {
	year := now.Year()
	if now.Month() < time.July {
		year--
	}
	return fmt.Sprintf("%d-%02d", year, (year+1)%100)
}

// ordinal renders 1 → "1st", 2 → "2nd", 11 → "11th".
func ordinal(n int) string {
	suffix := "th"
	switch {
	case n%100 >= 11 && n%100 <= 13:
	case n%10 == 1:
		suffix = "st"
	case n%10 == 2:
		suffix = "nd"
	case n%10 == 3:
		suffix = "rd"
	}
	return fmt.Sprintf("%d%s", n, suffix)
}

// Package retrieval turns a user query into a ranked, bounded context block.
//
// The pipeline has three stages: query parsing (entity extraction, intent
// classification, date extraction), parallel evidence gathering (full-text
// search, knowledge-graph traversal, intent-targeted record lookups, and an
// optional semantic lane), and fusion (score normalization, weighted
// combination, fingerprint dedupe, final cap).
package retrieval

import (
	"regexp"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
)

// ─────────────────────────────────────────────────────────────────────────────
// Parsed query types
// ─────────────────────────────────────────────────────────────────────────────

// EntityType classifies an extracted entity.
type EntityType string

const (
	EntityTeam   EntityType = "team"
	EntityPlayer EntityType = "player"
	EntityLegend EntityType = "legend"
)

// Entity is one recognized (type, canonical-name) pair, in input order.
type Entity struct {
	Type EntityType
	Name string
}

// Intent is the classified purpose of a query.
type Intent string

const (
	IntentSquadFitness     Intent = "squad-fitness"
	IntentTransfers        Intent = "transfers"
	IntentStandings        Intent = "standings"
	IntentScores           Intent = "scores"
	IntentFixtures         Intent = "fixtures"
	IntentLegendComparison Intent = "legend-comparison"
	IntentHistorical       Intent = "historical"
	IntentPersonaGeneral   Intent = "persona-general"
)

// intentPriority breaks keyword ties, highest first.
var intentPriority = []Intent{
	IntentSquadFitness,
	IntentTransfers,
	IntentStandings,
	IntentScores,
	IntentFixtures,
	IntentLegendComparison,
	IntentHistorical,
}

// intentKeywords maps each intent to its trigger phrases. Phrases are matched
// against the lower-cased query as substrings for multi-word entries and as
// whole tokens for single words.
var intentKeywords = map[Intent][]string{
	IntentSquadFitness:     {"injuries", "injury", "injured", "squad", "fit", "fitness"},
	IntentTransfers:        {"signing", "signings", "transfer", "transfers", "rumour", "rumours", "rumor"},
	IntentStandings:        {"top of", "table", "points", "standings", "position"},
	IntentScores:           {"result", "results", "score", "scores", "latest", "recent"},
	IntentFixtures:         {"next", "upcoming", "schedule", "fixture", "fixtures"},
	IntentHistorical:       {"remember", "anniversary", "that game", "back in"},
	IntentLegendComparison: {}, // detected structurally, see classifyIntent
}

// legendCues are the comparison words that, near a legend name, signal a
// legend-comparison query.
var legendCues = map[string]struct{}{
	"next": {}, "like": {}, "vs": {}, "reminds": {}, "better": {},
}

// ParsedQuery is the structured form of one user query.
type ParsedQuery struct {
	// Entities holds recognized entities in input order.
	Entities []Entity

	// Intent is the single winning intent.
	Intent Intent

	// Date is the extracted date, nil when none was mentioned.
	Date *time.Time

	// Recent is true when a "latest"/"recent" modifier was present. For
	// scores and fixtures it overrides Date with a whole-list fallback.
	Recent bool
}

// Teams returns the canonical names of all team entities, in input order.
func (p *ParsedQuery) Teams() []string {
	var out []string
	for _, e := range p.Entities {
		if e.Type == EntityTeam {
			out = append(out, e.Name)
		}
	}
	return out
}

// Legends returns the canonical names of all legend entities, in input order.
func (p *ParsedQuery) Legends() []string {
	var out []string
	for _, e := range p.Entities {
		if e.Type == EntityLegend {
			out = append(out, e.Name)
		}
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Dictionary
// ─────────────────────────────────────────────────────────────────────────────

// maxPhraseTokens bounds the n-gram window for longest-match extraction.
const maxPhraseTokens = 4

// fuzzyTeamThreshold is the minimum Jaro-Winkler score for a phonetically
// matched team name to be accepted as a misspelling correction.
const fuzzyTeamThreshold = 0.80

// Dictionary holds the known entity names the parser matches against: team
// names plus aliases, player names, and legend names drawn from persona
// bundles. It is read-only after construction and safe for concurrent use.
type Dictionary struct {
	// phrases maps a normalized name or alias to its entity.
	phrases map[string]Entity

	// teamNames lists canonical team names for the fuzzy fallback.
	teamNames []string
}

// NewDictionary returns an empty Dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{phrases: make(map[string]Entity)}
}

// AddTeam registers a team under its canonical name and each alias.
func (d *Dictionary) AddTeam(canonical string, aliases ...string) {
	e := Entity{Type: EntityTeam, Name: canonical}
	d.add(canonical, e)
	for _, a := range aliases {
		d.add(a, e)
	}
	d.teamNames = append(d.teamNames, canonical)
}

// AddPlayer registers a player name.
func (d *Dictionary) AddPlayer(name string) {
	d.add(name, Entity{Type: EntityPlayer, Name: name})
}

// AddLegend registers a legend name.
func (d *Dictionary) AddLegend(name string) {
	d.add(name, Entity{Type: EntityLegend, Name: name})
}

func (d *Dictionary) add(name string, e Entity) {
	key := normalizePhrase(name)
	if key == "" {
		return
	}
	// First registration wins so canonical names beat later aliases.
	if _, ok := d.phrases[key]; !ok {
		d.phrases[key] = e
	}
}

// lookup returns the entity registered under the normalized phrase.
func (d *Dictionary) lookup(phrase string) (Entity, bool) {
	e, ok := d.phrases[phrase]
	return e, ok
}

// fuzzyTeam attempts to correct a misspelled team name using Double Metaphone
// candidate filtering ranked by Jaro-Winkler similarity. Returns the canonical
// name and true when a candidate clears fuzzyTeamThreshold.
func (d *Dictionary) fuzzyTeam(token string) (string, bool) {
	if len(token) < 4 {
		return "", false
	}
	p1, s1 := matchr.DoubleMetaphone(token)

	best, bestScore := "", 0.0
	for _, name := range d.teamNames {
		nameLower := strings.ToLower(name)
		// Compare against each word of the team name so "arsnal" can hit
		// "Arsenal" inside "Arsenal FC".
		for _, w := range strings.Fields(nameLower) {
			p2, s2 := matchr.DoubleMetaphone(w)
			if !codesOverlap(p1, s1, p2, s2) {
				continue
			}
			if score := matchr.JaroWinkler(token, w, false); score >= fuzzyTeamThreshold && score > bestScore {
				best, bestScore = name, score
			}
		}
	}
	return best, best != ""
}

// codesOverlap reports whether any non-empty Double Metaphone code of the
// first word equals any code of the second.
func codesOverlap(p1, s1, p2, s2 string) bool {
	for _, a := range []string{p1, s1} {
		if a == "" {
			continue
		}
		if a == p2 || (s2 != "" && a == s2) {
			return true
		}
	}
	return false
}

// ─────────────────────────────────────────────────────────────────────────────
// Parser
// ─────────────────────────────────────────────────────────────────────────────

var isoDateRe = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)

// Parser extracts entities, intent, and dates from a raw query. It is
// read-only after construction and safe for concurrent use.
type Parser struct {
	dict *Dictionary
}

// NewParser returns a Parser over the given dictionary.
func NewParser(dict *Dictionary) *Parser {
	return &Parser{dict: dict}
}

// Parse analyzes query and returns its structured form. now supplies the
// wall-clock date that "yesterday"/"today"/"tomorrow" resolve against.
func (p *Parser) Parse(query string, now time.Time) *ParsedQuery {
	tokens := tokenize(query)

	parsed := &ParsedQuery{
		Entities: p.extractEntities(tokens),
	}
	parsed.Date, parsed.Recent = extractDate(query, tokens, now)
	parsed.Intent = p.classifyIntent(query, tokens, parsed)
	return parsed
}

// extractEntities walks tokens left to right, trying the longest n-gram match
// first at each position. Unmatched tokens fall through to the fuzzy team
// corrector.
func (p *Parser) extractEntities(tokens []string) []Entity {
	var out []Entity
	seen := make(map[Entity]struct{})

	for i := 0; i < len(tokens); {
		matchedLen := 0
		var matched Entity
		max := maxPhraseTokens
		if rem := len(tokens) - i; rem < max {
			max = rem
		}
		for n := max; n >= 1; n-- {
			phrase := strings.Join(tokens[i:i+n], " ")
			if e, ok := p.dict.lookup(phrase); ok {
				matched, matchedLen = e, n
				break
			}
		}

		if matchedLen == 0 {
			if name, ok := p.dict.fuzzyTeam(tokens[i]); ok {
				matched = Entity{Type: EntityTeam, Name: name}
				matchedLen = 1
			}
		}

		if matchedLen == 0 {
			i++
			continue
		}
		if _, dup := seen[matched]; !dup {
			seen[matched] = struct{}{}
			out = append(out, matched)
		}
		i += matchedLen
	}
	return out
}

// classifyIntent applies the keyword rules and resolves ties by the fixed
// priority order. Legend comparison is structural: a legend entity with a
// comparison cue within a four-token window.
func (p *Parser) classifyIntent(query string, tokens []string, parsed *ParsedQuery) Intent {
	lower := strings.ToLower(query)
	hits := make(map[Intent]bool)
	matchedKeywords := make(map[Intent][]string)

	for intent, keywords := range intentKeywords {
		for _, kw := range keywords {
			if strings.Contains(kw, " ") {
				if strings.Contains(lower, kw) {
					hits[intent] = true
					matchedKeywords[intent] = append(matchedKeywords[intent], kw)
				}
				continue
			}
			for _, t := range tokens {
				if t == kw {
					hits[intent] = true
					matchedKeywords[intent] = append(matchedKeywords[intent], kw)
					break
				}
			}
		}
	}

	if legendComparison(tokens, parsed.Legends()) {
		hits[IntentLegendComparison] = true
		// The comparison structure consumes its cue word: "the next Henry"
		// is not a fixtures question unless a real fixtures keyword also
		// appeared.
		if onlyKeyword(matchedKeywords[IntentFixtures], "next") {
			delete(hits, IntentFixtures)
		}
	}

	for _, intent := range intentPriority {
		if hits[intent] {
			return intent
		}
	}
	return IntentPersonaGeneral
}

// onlyKeyword reports whether matched is non-empty and contains nothing but
// kw.
func onlyKeyword(matched []string, kw string) bool {
	if len(matched) == 0 {
		return false
	}
	for _, m := range matched {
		if m != kw {
			return false
		}
	}
	return true
}

// legendComparison reports whether any legend name appears with a comparison
// cue within the four tokens preceding it.
func legendComparison(tokens []string, legends []string) bool {
	for _, legend := range legends {
		legendTokens := strings.Fields(strings.ToLower(legend))
		if len(legendTokens) == 0 {
			continue
		}
		first := legendTokens[0]
		for i, t := range tokens {
			if t != first {
				continue
			}
			lo := i - 4
			if lo < 0 {
				lo = 0
			}
			for _, cue := range tokens[lo:i] {
				if _, ok := legendCues[cue]; ok {
					return true
				}
			}
		}
	}
	return false
}

// extractDate resolves relative day words against now and consumes explicit
// ISO dates verbatim. The second return reports a "latest"/"recent" modifier.
func extractDate(query string, tokens []string, now time.Time) (*time.Time, bool) {
	recent := false
	var date *time.Time

	for _, t := range tokens {
		switch t {
		case "yesterday":
			d := now.AddDate(0, 0, -1)
			date = &d
		case "today":
			d := now
			date = &d
		case "tomorrow":
			d := now.AddDate(0, 0, 1)
			date = &d
		case "latest", "recent":
			recent = true
		}
	}

	if m := isoDateRe.FindString(query); m != "" {
		if d, err := time.Parse("2006-01-02", m); err == nil {
			date = &d
		}
	}
	return date, recent
}

// tokenize lower-cases and splits query into alphanumeric tokens, trimming
// punctuation from token edges so "Tottenham?" matches "tottenham".
func tokenize(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '-')
		})
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// normalizePhrase canonicalizes a dictionary key the same way tokenize
// canonicalizes query tokens.
func normalizePhrase(s string) string {
	return strings.Join(tokenize(s), " ")
}

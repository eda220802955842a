package persona

import (
	"strings"
	"time"

	"github.com/MrWong99/terracetalk/pkg/store"
)

// squadKeywords trigger the squad-fitness enrichment when present as whole
// tokens.
var squadKeywords = map[string]struct{}{
	"squad": {}, "injuries": {}, "fitness": {}, "fit": {}, "out": {}, "available": {},
}

// comparisonCues precede a legend name in a comparison question. "better
// than" is covered by its leading token.
var comparisonCues = map[string]struct{}{
	"next": {}, "like": {}, "vs": {}, "reminds": {}, "better": {},
}

// legendCueWindow is how many tokens before a legend name a comparison cue
// may appear.
const legendCueWindow = 4

// detectRival returns the mentioned rival from the bundle, or nil. When the
// query names several rivals the highest-intensity one wins.
func detectRival(query string, p *store.Persona) *store.RivalSummary {
	lower := strings.ToLower(query)

	var best *store.RivalSummary
	for i := range p.Rivals {
		rival := &p.Rivals[i]
		if rival.TeamName == "" || !strings.Contains(lower, strings.ToLower(rival.TeamName)) {
			continue
		}
		if best == nil || rival.Intensity > best.Intensity {
			best = rival
		}
	}
	return best
}

// detectSquad reports whether the query asks about squad fitness.
func detectSquad(tokens []string) bool {
	for _, t := range tokens {
		if _, ok := squadKeywords[t]; ok {
			return true
		}
	}
	return false
}

// detectLegend returns the legend being compared to, or nil. A match requires
// the legend's name preceded by a comparison cue within legendCueWindow
// tokens.
func detectLegend(tokens []string, p *store.Persona) *store.LegendSummary {
	for i := range p.Legends {
		legend := &p.Legends[i]
		nameTokens := strings.Fields(strings.ToLower(legend.Name))
		if len(nameTokens) == 0 {
			continue
		}
		for pos, t := range tokens {
			if t != nameTokens[0] && t != nameTokens[len(nameTokens)-1] {
				continue
			}
			lo := pos - legendCueWindow
			if lo < 0 {
				lo = 0
			}
			for _, cand := range tokens[lo:pos] {
				if _, ok := comparisonCues[cand]; ok {
					return legend
				}
			}
		}
	}
	return nil
}

// detectAnniversary returns a defining moment whose month-day matches today,
// or nil.
func detectAnniversary(now time.Time, p *store.Persona) *store.MomentSummary {
	for i := range p.Moments {
		moment := &p.Moments[i]
		if moment.Date == "" {
			continue
		}
		d, err := time.Parse("2006-01-02", moment.Date)
		if err != nil {
			continue
		}
		if d.Month() == now.Month() && d.Day() == now.Day() {
			return moment
		}
	}
	return nil
}

// tokenizeQuery lower-cases and splits the query, trimming punctuation from
// token edges.
func tokenizeQuery(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
		})
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

package retrieval

import (
	"sort"

	"github.com/MrWong99/terracetalk/internal/conversation"
)

// Source identifies where an evidence line came from so callers can verify it
// against the store. Type is an FTS domain name, "graph", "match",
// "standing", "injury", "transfer", or "news-chunk".
type Source struct {
	Type string
	ID   string
}

// Line is one ranked evidence line of the final context block.
type Line struct {
	Text   string
	Score  float64
	Source Source
}

// Weights tunes evidence fusion. FTS and graph scores are combined as
// Beta·fts + Gamma·graph; graph scores decay with traversal depth.
type Weights struct {
	Beta        float64
	Gamma       float64
	DepthDecay1 float64
	DepthDecay2 float64
}

// DefaultWeights returns the standard fusion weights.
func DefaultWeights() Weights {
	return Weights{Beta: 0.60, Gamma: 0.40, DepthDecay1: 1.0, DepthDecay2: 0.6}
}

// decay returns the per-depth attenuation factor.
func (w Weights) decay(depth int) float64 {
	switch depth {
	case 1:
		return w.DepthDecay1
	default:
		return w.DepthDecay2
	}
}

// evidence is one pre-fusion item. Exactly one of the score fields is set:
// fts carries the raw backend rank (normalised during fusion), graph carries
// weight × depth decay, and fixed carries a final score for structured rows
// that bypass the weighted combination.
type evidence struct {
	text   string
	source Source
	fts    float64
	graph  float64
	fixed  float64
}

// fuse normalises, scores, dedupes, and caps evidence into the final context
// block, ordered by score descending.
//
// FTS scores are divided by the query's top FTS score so the best full-text
// hit lands at exactly Beta. Duplicate lines (same fact fingerprint) keep the
// highest-scored instance.
func fuse(items []evidence, w Weights, maxLines int) []Line {
	var maxFTS float64
	for _, it := range items {
		if it.fts > maxFTS {
			maxFTS = it.fts
		}
	}

	best := make(map[string]Line, len(items))
	order := make([]string, 0, len(items))
	for _, it := range items {
		score := it.fixed
		if score == 0 {
			fts := 0.0
			if maxFTS > 0 {
				fts = it.fts / maxFTS
			}
			score = w.Beta*fts + w.Gamma*it.graph
		}
		if score > 1 {
			score = 1
		}

		fp := conversation.Fingerprint(it.text)
		if existing, ok := best[fp]; ok {
			if score > existing.Score {
				best[fp] = Line{Text: it.text, Score: score, Source: it.source}
			}
			continue
		}
		best[fp] = Line{Text: it.text, Score: score, Source: it.source}
		order = append(order, fp)
	}

	lines := make([]Line, 0, len(order))
	for _, fp := range order {
		lines = append(lines, best[fp])
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].Score > lines[j].Score })

	if len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	return lines
}

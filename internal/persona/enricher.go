package persona

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/terracetalk/pkg/store"
)

// EnrichmentKind labels an enrichment block for the prompt synthesizer.
type EnrichmentKind string

const (
	EnrichRival       EnrichmentKind = "rival"
	EnrichSquad       EnrichmentKind = "squad"
	EnrichLegend      EnrichmentKind = "legend"
	EnrichAnniversary EnrichmentKind = "anniversary"
)

// Enrichment is one compact evidence block added to the context. Each kind
// contributes at most one block per turn.
type Enrichment struct {
	Kind EnrichmentKind
	Text string
}

// Snapshot is the persona-layer output for one turn: the current mood plus
// any triggered enrichment blocks.
type Snapshot struct {
	Mood        Mood
	Form        string
	Enrichments []Enrichment
}

// Enricher derives mood and applies trigger-based enrichment. Safe for
// concurrent use.
type Enricher struct {
	store          store.Store
	clock          func() time.Time
	moodFromStored bool
}

// Option is a functional option for [NewEnricher].
type Option func(*Enricher)

// WithClock overrides the wall clock used for anniversary detection. Used by
// tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Enricher) { e.clock = clock }
}

// WithMoodFromStoredState makes the enricher prefer a persisted mood node
// (the team's current_state graph neighbor) over the form-derived mood. The
// stored value is a seed only: when absent or malformed the enricher falls
// back to deriving from form.
func WithMoodFromStoredState(enabled bool) Option {
	return func(e *Enricher) { e.moodFromStored = enabled }
}

// NewEnricher creates an Enricher over st.
func NewEnricher(st store.Store, opts ...Option) *Enricher {
	e := &Enricher{store: st, clock: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Enrich derives the persona's current mood and collects enrichment blocks
// triggered by the raw query. The persona bundle p must be non-nil; it is the
// caller's cached snapshot, so no bundle I/O happens here — only form lookup
// (and injuries, when the squad trigger fires).
func (e *Enricher) Enrich(ctx context.Context, query string, p *store.Persona) (*Snapshot, error) {
	form, err := e.store.CurrentForm(ctx, p.TeamID, store.FormLength)
	if err != nil {
		return nil, fmt.Errorf("persona: current form for %q: %w", p.TeamID, err)
	}

	mood := MoodFromForm(form)
	if e.moodFromStored {
		if stored, ok := e.storedMood(ctx, p); ok {
			mood = stored
		}
	}

	snap := &Snapshot{Mood: mood, Form: form}
	tokens := tokenizeQuery(query)

	if rival := detectRival(query, p); rival != nil {
		snap.Enrichments = append(snap.Enrichments, Enrichment{
			Kind: EnrichRival,
			Text: rivalBlock(rival),
		})
	}

	if detectSquad(tokens) {
		block, err := e.squadBlock(ctx, p.TeamID)
		if err != nil {
			return nil, err
		}
		snap.Enrichments = append(snap.Enrichments, Enrichment{Kind: EnrichSquad, Text: block})
	}

	if legend := detectLegend(tokens, p); legend != nil {
		snap.Enrichments = append(snap.Enrichments, Enrichment{
			Kind: EnrichLegend,
			Text: legendBlock(legend),
		})
	}

	if moment := detectAnniversary(e.clock(), p); moment != nil {
		snap.Enrichments = append(snap.Enrichments, Enrichment{
			Kind: EnrichAnniversary,
			Text: momentBlock(moment),
		})
	}

	return snap, nil
}

// storedMood reads the team's persisted mood node (current_state neighbor of
// the team node) and converts it to a Mood. The second return is false when
// no usable node exists; lookup failures also degrade to false since the
// stored mood is a seed, not authoritative.
func (e *Enricher) storedMood(ctx context.Context, p *store.Persona) (Mood, bool) {
	nodes, err := e.store.SearchGraphByName(ctx, p.TeamName)
	if err != nil {
		return Mood{}, false
	}
	for _, node := range nodes {
		if node.Type != store.NodeTeam {
			continue
		}
		neighbors, err := e.store.GraphNeighbors(ctx, node.ID, []string{"current_state"}, 1)
		if err != nil {
			return Mood{}, false
		}
		for _, n := range neighbors {
			tag, _ := n.Node.Properties["tag"].(string)
			if tag == "" {
				continue
			}
			intensity := n.Edge.Weight
			if v, ok := n.Node.Properties["intensity"].(float64); ok {
				intensity = v
			}
			if intensity < 0 {
				intensity = 0
			}
			if intensity > 1 {
				intensity = 1
			}
			return Mood{Tag: MoodTag(tag), Intensity: intensity}, true
		}
	}
	return Mood{}, false
}

// rivalBlock renders rivalry intensity, origin, and banter phrases.
func rivalBlock(r *store.RivalSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rivalry with %s, intensity %d/10", r.TeamName, r.Intensity)
	if r.Origin != "" {
		b.WriteString(". Origin: ")
		b.WriteString(r.Origin)
	}
	if len(r.Banter) > 0 {
		b.WriteString(". Banter: ")
		b.WriteString(strings.Join(r.Banter, " / "))
	}
	return b.String()
}

// squadBlock renders the current injury list for the team.
func (e *Enricher) squadBlock(ctx context.Context, teamID string) (string, error) {
	injuries, err := e.store.GetInjuries(ctx, teamID, store.InjuryActive)
	if err != nil {
		return "", fmt.Errorf("persona: injuries for %q: %w", teamID, err)
	}
	if len(injuries) == 0 {
		return "No current injuries reported", nil
	}

	parts := make([]string, 0, len(injuries))
	for _, inj := range injuries {
		part := fmt.Sprintf("%s (%s", inj.PlayerName, inj.Type)
		if inj.ExpectedReturn != nil {
			part += ", back " + inj.ExpectedReturn.Format("2006-01-02")
		}
		part += ")"
		parts = append(parts, part)
	}
	return "Current injuries: " + strings.Join(parts, ", "), nil
}

// legendBlock renders a legend identity summary.
func legendBlock(l *store.LegendSummary) string {
	var b strings.Builder
	b.WriteString("Legend: ")
	b.WriteString(l.Name)
	if l.Era != "" {
		fmt.Fprintf(&b, " (%s)", l.Era)
	}
	if l.Summary != "" {
		b.WriteString(" — ")
		b.WriteString(l.Summary)
	}
	return b.String()
}

// momentBlock renders a defining-moment summary for an anniversary.
func momentBlock(m *store.MomentSummary) string {
	var b strings.Builder
	b.WriteString("On this day: ")
	b.WriteString(m.Title)
	if m.Date != "" {
		fmt.Fprintf(&b, " (%s)", m.Date)
	}
	if m.Opponent != "" {
		b.WriteString(" vs ")
		b.WriteString(m.Opponent)
	}
	if m.Summary != "" {
		b.WriteString(" — ")
		b.WriteString(m.Summary)
	}
	return b.String()
}

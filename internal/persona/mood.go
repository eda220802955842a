// Package persona derives a team persona's affective state from recent
// results, detects contextual triggers in the query (rival mention, squad
// question, legend comparison, anniversary), injects matching enrichment
// blocks, and enforces the persona's vocabulary rules on generated text.
package persona

// MoodTag is the discrete affective state of a persona.
type MoodTag string

const (
	MoodEuphoric  MoodTag = "euphoric"
	MoodHopeful   MoodTag = "hopeful"
	MoodAnxious   MoodTag = "anxious"
	MoodDepressed MoodTag = "depressed"
)

// Mood pairs the discrete tag with a numeric intensity in [0,1]. Both are
// used by prompt synthesis.
type Mood struct {
	Tag       MoodTag
	Intensity float64
}

// MoodFromForm derives the mood from a five-character form string (W/D/L,
// '-' for no data). Points are 3/1/0 per result; the ratio of points to the
// maximum possible selects the tag:
//
//	ratio ≥ 0.80  euphoric   intensity = ratio
//	ratio ≥ 0.60  hopeful    intensity = ratio
//	ratio ≥ 0.40  anxious    intensity = 1 − ratio
//	otherwise     depressed  intensity = 1 − ratio
//
// A form with no played matches (all dashes) yields an anxious 0.5 — there is
// nothing to be confident or despondent about yet.
func MoodFromForm(form string) Mood {
	points, played := 0, 0
	for _, c := range form {
		switch c {
		case 'W':
			points += 3
			played++
		case 'D':
			points++
			played++
		case 'L':
			played++
		}
	}
	if played == 0 {
		return Mood{Tag: MoodAnxious, Intensity: 0.5}
	}

	ratio := float64(points) / float64(3*played)

	var m Mood
	switch {
	case ratio >= 0.80:
		m = Mood{Tag: MoodEuphoric, Intensity: ratio}
	case ratio >= 0.60:
		m = Mood{Tag: MoodHopeful, Intensity: ratio}
	case ratio >= 0.40:
		m = Mood{Tag: MoodAnxious, Intensity: 1 - ratio}
	default:
		m = Mood{Tag: MoodDepressed, Intensity: 1 - ratio}
	}

	if m.Intensity < 0 {
		m.Intensity = 0
	}
	if m.Intensity > 1 {
		m.Intensity = 1
	}
	return m
}

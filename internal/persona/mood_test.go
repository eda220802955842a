package persona

import (
	"math"
	"testing"
)

func TestMoodFromForm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		form      string
		wantTag   MoodTag
		intensity float64
	}{
		{"WWWWW", MoodEuphoric, 1.0},
		{"WWWWD", MoodEuphoric, 13.0 / 15.0}, // 0.867
		{"WWDWD", MoodHopeful, 11.0 / 15.0},  // 0.733
		{"WDDWL", MoodAnxious, 1 - 8.0/15.0}, // ratio 0.533
		{"LLLLL", MoodDepressed, 1.0},
		{"LLLLD", MoodDepressed, 1 - 1.0/15.0},
		{"WWW--", MoodEuphoric, 1.0}, // dashes don't count as played
		{"DL---", MoodDepressed, 1 - 1.0/6.0},
	}

	for _, tt := range tests {
		t.Run(tt.form, func(t *testing.T) {
			t.Parallel()
			got := MoodFromForm(tt.form)
			if got.Tag != tt.wantTag {
				t.Errorf("MoodFromForm(%q).Tag = %q, want %q", tt.form, got.Tag, tt.wantTag)
			}
			if math.Abs(got.Intensity-tt.intensity) > 1e-9 {
				t.Errorf("MoodFromForm(%q).Intensity = %v, want %v", tt.form, got.Intensity, tt.intensity)
			}
		})
	}
}

func TestMoodFromForm_Boundaries(t *testing.T) {
	t.Parallel()

	// 12/15 = 0.80 exactly: euphoric, not hopeful.
	if got := MoodFromForm("WWWWL"); got.Tag != MoodEuphoric {
		t.Errorf("ratio 0.80 = %q, want euphoric", got.Tag)
	}
	// 9/15 = 0.60 exactly: hopeful, not anxious.
	if got := MoodFromForm("WWWLL"); got.Tag != MoodHopeful {
		t.Errorf("ratio 0.60 = %q, want hopeful", got.Tag)
	}
	// 6/15 = 0.40 exactly: anxious, not depressed.
	if got := MoodFromForm("WDDDL"); got.Tag != MoodAnxious {
		t.Errorf("ratio 0.40 = %q, want anxious", got.Tag)
	}
	// 5/15 ≈ 0.33: depressed.
	if got := MoodFromForm("WDDLL"); got.Tag != MoodDepressed {
		t.Errorf("ratio 0.33 = %q, want depressed", got.Tag)
	}
}

func TestMoodFromForm_NoPlayedMatches(t *testing.T) {
	t.Parallel()
	got := MoodFromForm("-----")
	if got.Tag != MoodAnxious || got.Intensity != 0.5 {
		t.Errorf("empty form mood = %+v, want anxious 0.5", got)
	}
}

func TestMoodFromForm_RangeInvariant(t *testing.T) {
	t.Parallel()
	forms := []string{"WWWWW", "LLLLL", "DDDDD", "WLWLW", "-----", "W----", "L----"}
	for _, form := range forms {
		m := MoodFromForm(form)
		if m.Intensity < 0 || m.Intensity > 1 {
			t.Errorf("MoodFromForm(%q).Intensity = %v out of [0,1]", form, m.Intensity)
		}
	}
}

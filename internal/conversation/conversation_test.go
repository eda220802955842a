package conversation

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/terracetalk/internal/observe"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func TestFingerprint(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{"case and whitespace collapse", "Arsenal IS  1st", " arsenal is 1st ", true},
		{"different facts", "Arsenal is 1st", "Arsenal is 2nd", false},
		{"only first 50 chars count", strings.Repeat("a", 50) + "xxx", strings.Repeat("a", 50) + "yyy", true},
		{"difference inside the window", "a fact about the early part", "a fact about the later part", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Fingerprint(tt.a) == Fingerprint(tt.b)
			if got != tt.same {
				t.Errorf("Fingerprint(%q) == Fingerprint(%q) = %v, want %v", tt.a, tt.b, got, tt.same)
			}
		})
	}
}

func TestFingerprint_TruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	// 60 two-byte runes cross the 50-character window mid-rune when counted
	// in bytes; the fingerprint must stay valid UTF-8 at exactly 50 runes.
	got := Fingerprint(strings.Repeat("ü", 60))
	if !utf8.ValidString(got) {
		t.Fatalf("fingerprint is not valid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != 50 {
		t.Errorf("fingerprint length = %d runes, want 50", n)
	}

	// Two lines agreeing on the first 50 runes collide regardless of byte
	// offsets.
	a := Fingerprint(strings.Repeat("é", 50) + "tail one")
	b := Fingerprint(strings.Repeat("é", 50) + "tail two")
	if a != b {
		t.Errorf("fingerprints differ beyond the 50-rune window: %q vs %q", a, b)
	}
}

func TestResolve_TheyUsesLastTeam(t *testing.T) {
	t.Parallel()
	state := &State{LastTeams: []string{"Chelsea", "Arsenal"}}

	got := Resolve("how many points do they have", state, "")
	if got != "how many points do Arsenal have" {
		t.Errorf("resolved = %q", got)
	}

	got = Resolve("what is their next match", state, "")
	if got != "what is Arsenal's next match" {
		t.Errorf("possessive resolved = %q", got)
	}
}

func TestResolve_WePrefersPersonaTeam(t *testing.T) {
	t.Parallel()
	state := &State{LastTeams: []string{"Chelsea"}}

	got := Resolve("are we winning", state, "Arsenal")
	if got != "are Arsenal winning" {
		t.Errorf("resolved = %q", got)
	}

	// Without a persona, "we" falls back to the last mentioned team.
	got = Resolve("are we winning", state, "")
	if got != "are Chelsea winning" {
		t.Errorf("fallback resolved = %q", got)
	}

	got = Resolve("how is our defence", state, "Arsenal")
	if got != "how is Arsenal's defence" {
		t.Errorf("possessive resolved = %q", got)
	}
}

func TestResolve_NoReferentLeavesPronoun(t *testing.T) {
	t.Parallel()
	state := &State{}
	if got := Resolve("how many points do they have", state, ""); got != "how many points do they have" {
		t.Errorf("resolved = %q, want pronoun untouched", got)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	t.Parallel()
	state := &State{LastTeams: []string{"Arsenal"}}
	once := Resolve("do they win their games", state, "")
	twice := Resolve(once, state, "")
	if once != twice {
		t.Errorf("resolution not idempotent: %q vs %q", once, twice)
	}
}

func TestDedupeContext(t *testing.T) {
	t.Parallel()
	state := &State{DiscussedFacts: map[string]struct{}{
		Fingerprint("Arsenal is 1st with 39 points"): {},
	}}

	lines := []string{
		"ARSENAL  is 1st with 39 points", // same fingerprint
		"Saka is out with a hamstring injury",
	}
	got := DedupeContext(lines, state)
	if len(got) != 1 || got[0] != lines[1] {
		t.Errorf("deduped = %v, want only the fresh line", got)
	}

	// Non-recording: applying it again yields the same result.
	again := DedupeContext(lines, state)
	if len(again) != 1 {
		t.Errorf("dedupe recorded facts as a side effect: %v", again)
	}
}

func TestUpdate_RecordsFactsAndAdvancesTurn(t *testing.T) {
	t.Parallel()
	m := NewManager()
	state, release := m.Acquire("", "gooner-gazza")
	defer release()

	if state.ID == "" {
		t.Fatal("empty conversation id not assigned")
	}

	Update(state, Entities{Teams: []string{"Arsenal"}}, "standings",
		[]string{"Arsenal is 1st with 39 points"}, testNow)

	if state.TurnCount != 1 {
		t.Errorf("turn count = %d, want 1", state.TurnCount)
	}
	if state.LastIntent != "standings" {
		t.Errorf("last intent = %q", state.LastIntent)
	}
	if _, ok := state.DiscussedFacts[Fingerprint("Arsenal is 1st with 39 points")]; !ok {
		t.Error("emitted fact not recorded")
	}
	if !state.LastUpdated.Equal(testNow) {
		t.Errorf("last updated = %v", state.LastUpdated)
	}
}

func TestUpdate_EntityListsCapAtFiveFIFO(t *testing.T) {
	t.Parallel()
	state := &State{DiscussedFacts: map[string]struct{}{}}

	for _, team := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		Update(state, Entities{Teams: []string{team}}, "", nil, testNow)
	}

	want := []string{"c", "d", "e", "f", "g"}
	if len(state.LastTeams) != len(want) {
		t.Fatalf("teams = %v, want %v", state.LastTeams, want)
	}
	for i := range want {
		if state.LastTeams[i] != want[i] {
			t.Errorf("teams[%d] = %q, want %q", i, state.LastTeams[i], want[i])
		}
	}
}

func TestUpdate_DuplicateEntityNotReAppended(t *testing.T) {
	t.Parallel()
	state := &State{DiscussedFacts: map[string]struct{}{}}

	Update(state, Entities{Teams: []string{"Arsenal", "Chelsea"}}, "", nil, testNow)
	Update(state, Entities{Teams: []string{"Arsenal"}}, "", nil, testNow)

	if len(state.LastTeams) != 2 {
		t.Errorf("teams = %v, want no duplicate growth", state.LastTeams)
	}
}

func TestManager_AcquireSerializesSameConversation(t *testing.T) {
	t.Parallel()
	m := NewManager()

	state, release := m.Acquire("conv-1", "")
	state.TurnCount = 7

	acquired := make(chan int)
	go func() {
		s2, r2 := m.Acquire("conv-1", "")
		acquired <- s2.TurnCount
		r2()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire proceeded while the lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	if got := <-acquired; got != 7 {
		t.Errorf("second acquire saw turn count %d, want 7", got)
	}
}

func TestManager_EvictIdle(t *testing.T) {
	t.Parallel()
	m := NewManager()

	s1, r1 := m.Acquire("old", "")
	s1.LastUpdated = testNow.Add(-2 * time.Hour)
	r1()
	s2, r2 := m.Acquire("fresh", "")
	s2.LastUpdated = testNow.Add(-2 * time.Minute)
	r2()

	evicted := m.EvictIdle(testNow, time.Hour)
	if evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	if m.Len() != 1 {
		t.Errorf("len = %d, want 1", m.Len())
	}
}

// activeConversations reads the live-conversation gauge from the reader.
func activeConversations(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "terracetalk.active_conversations" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", met.Name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestManager_TracksActiveConversations(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m := NewManager(WithMetrics(met))

	s1, r1 := m.Acquire("conv-a", "")
	r1()
	_, r2 := m.Acquire("conv-b", "")
	r2()
	// Re-acquiring an existing conversation must not bump the gauge.
	_, r3 := m.Acquire("conv-a", "")
	r3()

	if got := activeConversations(t, reader); got != 2 {
		t.Errorf("gauge after two conversations = %d, want 2", got)
	}

	s1.LastUpdated = time.Now().UTC().Add(-2 * time.Hour)
	if evicted := m.EvictIdle(time.Now().UTC(), time.Hour); evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if got := activeConversations(t, reader); got != 1 {
		t.Errorf("gauge after eviction = %d, want 1", got)
	}
}

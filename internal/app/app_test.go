package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/terracetalk/internal/app"
	"github.com/MrWong99/terracetalk/internal/config"
	"github.com/MrWong99/terracetalk/pkg/generator"
	genmock "github.com/MrWong99/terracetalk/pkg/generator/mock"
	"github.com/MrWong99/terracetalk/pkg/store"
	storemock "github.com/MrWong99/terracetalk/pkg/store/mock"
)

// testConfig returns a minimal config with one persona for tests. No listen
// addresses: the handler is exercised directly.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Personas: config.PersonasConfig{
			Entries: map[string]config.PersonaEntry{
				"gooner-gazza": {TeamID: "arsenal", Aliases: []string{"gunners"}},
			},
		},
	}
}

func testStore() *storemock.Store {
	return &storemock.Store{
		GetTeamResult: &store.Team{ID: "arsenal", Name: "Arsenal", League: "premier-league"},
		LoadPersonaResult: &store.Persona{
			TeamID:   "arsenal",
			TeamName: "Arsenal",
			Nickname: "Gooner Gazza",
			Rivals:   []store.RivalSummary{{TeamName: "Tottenham", Intensity: 10}},
			Legends:  []store.LegendSummary{{Name: "Thierry Henry"}},
		},
		CurrentFormResult: "WWDWD",
	}
}

func newTestApp(t *testing.T, st *storemock.Store, gen *genmock.Generator) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), testConfig(), nil,
		app.WithStore(st), app.WithGenerator(gen))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return a
}

func TestNew_WiresWithoutRegistry(t *testing.T) {
	st := testStore()
	a := newTestApp(t, st, &genmock.Generator{})

	if a.Orchestrator() == nil {
		t.Fatal("orchestrator not wired")
	}
	// Dictionary construction reads the persona team and bundle up front.
	if st.CallCount("GetTeam") == 0 {
		t.Error("dictionary build did not read the persona team")
	}
	if st.CallCount("LoadPersona") == 0 {
		t.Error("dictionary build did not read the persona bundle")
	}
}

func TestNew_RequiresRegistryWithoutInjectedGenerator(t *testing.T) {
	_, err := app.New(context.Background(), testConfig(), nil, app.WithStore(testStore()))
	if err == nil {
		t.Fatal("New() without generator or registry: want error")
	}
}

func postChat(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleChat(t *testing.T) {
	gen := &genmock.Generator{
		GenerateResponse: &generator.Response{Text: "Arsenal till I die.", Confidence: 0.9},
	}
	a := newTestApp(t, testStore(), gen)

	rec := postChat(t, a.Handler(), `{"message": "how are we doing?", "persona_id": "gooner-gazza", "session_id": "s1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Text           string  `json:"text"`
		ConversationID string  `json:"conversation_id"`
		Confidence     float64 `json:"confidence"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Text != "Arsenal till I die." {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.ConversationID == "" {
		t.Error("conversation id not assigned")
	}
	if resp.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", resp.Confidence)
	}
}

func TestHandleChat_BadRequests(t *testing.T) {
	a := newTestApp(t, testStore(), &genmock.Generator{
		GenerateResponse: &generator.Response{Text: "ok"},
	})
	h := a.Handler()

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"message": `},
		{"unknown field", `{"message": "hi", "bogus": true}`},
		{"empty message", `{"message": "   ", "session_id": "s1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postChat(t, h, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandleChat_DefaultsSessionToConversation(t *testing.T) {
	st := testStore()
	a := newTestApp(t, st, &genmock.Generator{
		GenerateResponse: &generator.Response{Text: "ok", Confidence: 0.5},
	})

	rec := postChat(t, a.Handler(), `{"message": "any news?", "conversation_id": "conv-9"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(st.UpsertedStates) == 0 || st.UpsertedStates[0].SessionID != "conv-9" {
		t.Errorf("trust state = %+v, want keyed by conversation id", st.UpsertedStates)
	}
}

func TestHandleChatStream(t *testing.T) {
	gen := &genmock.Generator{
		StreamEvents: []generator.Event{
			{Type: generator.EventChunk, Text: "We go "},
			{Type: generator.EventChunk, Text: "again."},
			{Type: generator.EventDone, Usage: generator.Usage{InputTokens: 3, OutputTokens: 2}},
		},
	}
	a := newTestApp(t, testStore(), gen)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream",
		strings.NewReader(`{"message": "give me hope", "persona_id": "gooner-gazza", "session_id": "s1"}`))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q, want text/event-stream", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "We go ") || !strings.Contains(body, "again.") {
		t.Errorf("stream body missing chunks: %s", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Errorf("stream body missing done event: %s", body)
	}
}

func TestHandler_Healthz(t *testing.T) {
	a := newTestApp(t, testStore(), &genmock.Generator{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}
}

func TestBuildGeneratorChain(t *testing.T) {
	reg := config.NewRegistry()
	reg.RegisterGenerator("openai", func(config.ProviderEntry) (generator.Generator, error) {
		return &genmock.Generator{GenerateResponse: &generator.Response{Text: "primary"}}, nil
	})
	reg.RegisterGenerator("ollama", func(config.ProviderEntry) (generator.Generator, error) {
		return &genmock.Generator{GenerateResponse: &generator.Response{Text: "fallback"}}, nil
	})

	cfg := testConfig()
	cfg.Generator = config.GeneratorConfig{
		Primary:   config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini"},
		Fallbacks: []config.ProviderEntry{{Name: "ollama", Model: "llama3"}},
	}
	a, err := app.New(context.Background(), cfg, reg, app.WithStore(testStore()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if a.Orchestrator() == nil {
		t.Fatal("orchestrator not wired")
	}

	cfg.Generator.Fallbacks = []config.ProviderEntry{{Name: "nope"}}
	if _, err := app.New(context.Background(), cfg, reg, app.WithStore(testStore())); !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("unregistered fallback error = %v, want ErrBackendNotRegistered", err)
	}
}

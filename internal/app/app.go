// Package app wires all terracetalk subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects the store,
// generator chain, retrieval pipeline, persona layer, and orchestrator; Run
// serves the HTTP surfaces until the context is cancelled; Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithGenerator, WithEmbedder). When an option is not provided,
// New creates the real implementation from the config and registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/terracetalk/internal/config"
	"github.com/MrWong99/terracetalk/internal/conversation"
	"github.com/MrWong99/terracetalk/internal/health"
	"github.com/MrWong99/terracetalk/internal/observe"
	"github.com/MrWong99/terracetalk/internal/orchestrator"
	"github.com/MrWong99/terracetalk/internal/persona"
	"github.com/MrWong99/terracetalk/internal/resilience"
	"github.com/MrWong99/terracetalk/internal/retrieval"
	"github.com/MrWong99/terracetalk/internal/security"
	"github.com/MrWong99/terracetalk/pkg/generator"
	"github.com/MrWong99/terracetalk/pkg/generator/embeddings"
	"github.com/MrWong99/terracetalk/pkg/store"
	"github.com/MrWong99/terracetalk/pkg/store/postgres"
)

// evictionInterval is how often the idle-conversation sweep runs.
const evictionInterval = time.Minute

// App owns every subsystem of a terracetalk server.
type App struct {
	cfg *config.Config
	log *slog.Logger

	store      store.Store
	ownedStore *postgres.Store
	gen        generator.Generator
	embedder   embeddings.Embedder

	conversations *conversation.Manager
	orc           *orchestrator.Orchestrator

	apiServer     *http.Server
	metricsServer *http.Server
}

// Option is a functional option for [New].
type Option func(*App)

// WithStore injects a store, bypassing the Postgres connection. The caller
// keeps ownership; Shutdown will not close it.
func WithStore(st store.Store) Option {
	return func(a *App) { a.store = st }
}

// WithGenerator injects a generator, bypassing the registry chain.
func WithGenerator(g generator.Generator) Option {
	return func(a *App) { a.gen = g }
}

// WithEmbedder injects an embedder, bypassing the registry.
func WithEmbedder(e embeddings.Embedder) Option {
	return func(a *App) { a.embedder = e }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// New builds a fully wired App from cfg. reg supplies the backend factories;
// it may be nil when both the store and the generator are injected.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}

	if a.store == nil {
		st, err := postgres.NewStore(ctx, cfg.Store.PostgresDSN,
			postgres.WithEmbeddingDimensions(cfg.Store.EmbeddingDimensions))
		if err != nil {
			return nil, fmt.Errorf("app: connect store: %w", err)
		}
		a.store = st
		a.ownedStore = st
	}

	if a.gen == nil {
		gen, err := buildGenerator(reg, cfg.Generator)
		if err != nil {
			return nil, fmt.Errorf("app: build generator: %w", err)
		}
		a.gen = gen
	}

	if a.embedder == nil && cfg.Embeddings.Name != "" {
		if reg == nil {
			return nil, errors.New("app: embeddings configured but no registry provided")
		}
		e, err := reg.CreateEmbedder(cfg.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("app: build embedder: %w", err)
		}
		a.embedder = e
	}

	dict := buildDictionary(ctx, a.store, cfg.Personas, a.log)

	var retrOpts []retrieval.Option
	if cfg.Retrieval.TopKPerDomain > 0 {
		retrOpts = append(retrOpts, retrieval.WithTopK(cfg.Retrieval.TopKPerDomain))
	}
	if cfg.Retrieval.MaxContextLines > 0 {
		retrOpts = append(retrOpts, retrieval.WithMaxContextLines(cfg.Retrieval.MaxContextLines))
	}
	if cfg.Retrieval.MaxQueryLength > 0 {
		retrOpts = append(retrOpts, retrieval.WithMaxQueryLength(cfg.Retrieval.MaxQueryLength))
	}
	if w, ok := fusionWeights(cfg.Retrieval); ok {
		retrOpts = append(retrOpts, retrieval.WithWeights(w))
	}
	if a.embedder != nil {
		retrOpts = append(retrOpts, retrieval.WithEmbedder(a.embedder))
	}
	retr := retrieval.NewRetriever(a.store, dict, retrOpts...)

	enricher := persona.NewEnricher(a.store,
		persona.WithMoodFromStoredState(cfg.Personas.MoodFromStoredState))

	var gateOpts []security.Option
	if len(cfg.Security.DelaysMS) > 0 {
		delays := make([]time.Duration, len(cfg.Security.DelaysMS))
		for i, ms := range cfg.Security.DelaysMS {
			delays[i] = time.Duration(ms) * time.Millisecond
		}
		gateOpts = append(gateOpts, security.WithDelays(delays))
	}
	gate := security.NewGate(a.store, gateOpts...)

	a.conversations = conversation.NewManager(conversation.WithMetrics(observe.DefaultMetrics()))

	entries := make(map[string]orchestrator.PersonaEntry, len(cfg.Personas.Entries))
	for id, e := range cfg.Personas.Entries {
		entries[id] = orchestrator.PersonaEntry{TeamID: e.TeamID}
	}
	orcOpts := []orchestrator.Option{
		orchestrator.WithPersonas(entries, cfg.Personas.Strict),
		orchestrator.WithGeneration(cfg.Generator.Temperature, cfg.Generator.MaxTokens),
		orchestrator.WithLogger(a.log),
	}
	if cfg.Retrieval.MaxQueryLength > 0 {
		orcOpts = append(orcOpts, orchestrator.WithMaxQueryLength(cfg.Retrieval.MaxQueryLength))
	}
	a.orc = orchestrator.New(a.store, retr, enricher, gate, a.conversations, a.gen, orcOpts...)

	if cfg.Server.ListenAddr != "" {
		a.apiServer = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		a.metricsServer = &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return a, nil
}

// Orchestrator exposes the chat pipeline for embedding terracetalk as a
// library instead of running the HTTP surface.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orc
}

// Handler returns the chat API handler: the /v1/chat endpoints plus the
// health probes.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat", a.handleChat)
	mux.HandleFunc("POST /v1/chat/stream", a.handleChatStream)

	var checkers []health.Checker
	if a.ownedStore != nil {
		checkers = append(checkers, health.Checker{Name: "database", Check: a.ownedStore.Ping})
	}
	health.New(checkers...).Register(mux)
	return mux
}

// Run serves the HTTP surfaces and runs the idle-conversation sweep until ctx
// is cancelled or a listener fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, srv := range []*http.Server{a.apiServer, a.metricsServer} {
		if srv == nil {
			continue
		}
		g.Go(func() error {
			a.log.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	if idle := a.cfg.Conversation.IdleEvictionMinutes; idle > 0 {
		maxIdle := time.Duration(idle) * time.Minute
		g.Go(func() error {
			ticker := time.NewTicker(evictionInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case now := <-ticker.C:
					if n := a.conversations.EvictIdle(now, maxIdle); n > 0 {
						a.log.Debug("evicted idle conversations", "count", n)
					}
				}
			}
		})
	}

	// Unblock the listeners when the context ends; main then calls Shutdown
	// with a fresh context for the graceful path.
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.stopServers(shutdownCtx)
		return nil
	})

	return g.Wait()
}

// Shutdown stops the HTTP servers and closes owned resources.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.stopServers(ctx)
	if a.ownedStore != nil {
		a.ownedStore.Close()
	}
	return err
}

func (a *App) stopServers(ctx context.Context) error {
	var errs []error
	for _, srv := range []*http.Server{a.apiServer, a.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildGenerator assembles the generator failover chain from the registry.
func buildGenerator(reg *config.Registry, cfg config.GeneratorConfig) (generator.Generator, error) {
	if reg == nil {
		return nil, errors.New("no registry provided")
	}
	primary, err := reg.CreateGenerator(cfg.Primary)
	if err != nil {
		return nil, err
	}
	if len(cfg.Fallbacks) == 0 {
		return primary, nil
	}

	chain := resilience.NewGeneratorFallback(primary, cfg.Primary.Name, resilience.FallbackConfig{})
	for _, entry := range cfg.Fallbacks {
		fb, err := reg.CreateGenerator(entry)
		if err != nil {
			return nil, fmt.Errorf("fallback %q: %w", entry.Name, err)
		}
		chain.AddFallback(entry.Name, fb)
	}
	return chain, nil
}

// buildDictionary seeds the parser dictionary from the configured personas:
// each persona's team with its aliases, plus the rival and legend names from
// the stored bundle. Store misses degrade to a smaller dictionary.
func buildDictionary(ctx context.Context, st store.Store, personas config.PersonasConfig, log *slog.Logger) *retrieval.Dictionary {
	dict := retrieval.NewDictionary()
	for id, entry := range personas.Entries {
		team, err := st.GetTeam(ctx, entry.TeamID)
		if err != nil || team == nil {
			log.Warn("persona team not found; aliases skipped", "persona", id, "team", entry.TeamID, "error", err)
			continue
		}
		aliases := entry.Aliases
		if team.ShortName != "" {
			aliases = append([]string{team.ShortName}, aliases...)
		}
		dict.AddTeam(team.Name, aliases...)

		bundle, err := st.LoadPersona(ctx, entry.TeamID)
		if err != nil || bundle == nil {
			continue
		}
		for _, r := range bundle.Rivals {
			dict.AddTeam(r.TeamName)
		}
		for _, l := range bundle.Legends {
			dict.AddLegend(l.Name)
		}
	}
	return dict
}

// fusionWeights returns the configured fusion weights, or ok=false when the
// config leaves them all zero (use the built-in defaults).
func fusionWeights(cfg config.RetrievalConfig) (retrieval.Weights, bool) {
	if cfg.Beta == 0 && cfg.Gamma == 0 && cfg.DepthDecay1 == 0 && cfg.DepthDecay2 == 0 {
		return retrieval.Weights{}, false
	}
	w := retrieval.DefaultWeights()
	if cfg.Beta != 0 {
		w.Beta = cfg.Beta
	}
	if cfg.Gamma != 0 {
		w.Gamma = cfg.Gamma
	}
	if cfg.DepthDecay1 != 0 {
		w.DepthDecay1 = cfg.DepthDecay1
	}
	if cfg.DepthDecay2 != 0 {
		w.DepthDecay2 = cfg.DepthDecay2
	}
	return w, true
}

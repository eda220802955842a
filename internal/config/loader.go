package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known backend names per backend kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"generator":  {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Backend name validation — warn for unknown names.
	validateProviderName("generator", cfg.Generator.Primary.Name)
	for _, fb := range cfg.Generator.Fallbacks {
		validateProviderName("generator", fb.Name)
	}
	validateProviderName("embeddings", cfg.Embeddings.Name)

	if cfg.Generator.Primary.Name == "" {
		slog.Warn("no generator backend configured; responses cannot be generated")
	}

	// Embeddings ↔ store dimensions
	if cfg.Embeddings.Name != "" && cfg.Store.EmbeddingDimensions <= 0 {
		slog.Warn("embeddings is configured but store.embedding_dimensions is not set; the semantic lane stays disabled")
	}
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; the store cannot be reached")
	}

	// Personas
	for id, entry := range cfg.Personas.Entries {
		if id == "" {
			errs = append(errs, errors.New("personas.entries contains an empty persona id"))
		}
		if entry.TeamID == "" {
			errs = append(errs, fmt.Errorf("personas.entries[%q].team_id is required", id))
		}
	}

	// Retrieval
	if cfg.Retrieval.TopKPerDomain < 0 {
		errs = append(errs, fmt.Errorf("retrieval.top_k_per_domain %d must not be negative", cfg.Retrieval.TopKPerDomain))
	}
	if cfg.Retrieval.MaxContextLines < 0 {
		errs = append(errs, fmt.Errorf("retrieval.max_context_lines %d must not be negative", cfg.Retrieval.MaxContextLines))
	}
	if cfg.Retrieval.MaxQueryLength < 0 {
		errs = append(errs, fmt.Errorf("retrieval.max_query_length %d must not be negative", cfg.Retrieval.MaxQueryLength))
	}
	for name, v := range map[string]float64{
		"retrieval.beta":          cfg.Retrieval.Beta,
		"retrieval.gamma":         cfg.Retrieval.Gamma,
		"retrieval.depth_decay_1": cfg.Retrieval.DepthDecay1,
		"retrieval.depth_decay_2": cfg.Retrieval.DepthDecay2,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s %.2f is out of range [0, 1]", name, v))
		}
	}

	// Security
	if n := len(cfg.Security.DelaysMS); n != 0 && n != 5 {
		errs = append(errs, fmt.Errorf("security.delays_ms has %d entries; exactly 5 are required (normal → probation)", n))
	}
	for i, d := range cfg.Security.DelaysMS {
		if d < 0 {
			errs = append(errs, fmt.Errorf("security.delays_ms[%d] %d must not be negative", i, d))
		}
	}

	// Conversation
	if cfg.Conversation.IdleEvictionMinutes < 0 {
		errs = append(errs, fmt.Errorf("conversation.idle_eviction_minutes %d must not be negative", cfg.Conversation.IdleEvictionMinutes))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name — may be a typo or third-party backend",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed means every backend in a [FallbackGroup] either failed or had
// an open breaker.
var ErrAllFailed = errors.New("all backends failed")

// FallbackConfig is the breaker template applied to each backend in a
// [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary plus ordered fallbacks of one backend type,
// each behind its own circuit breaker. A failing or tripped primary is
// skipped in favour of the next healthy entry.
//
// Safe for concurrent use once all entries are registered.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup starts a group with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.add(primaryName, primary)
	return fg
}

// AddFallback appends a backend tried after all earlier entries.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.add(name, fallback)
}

func (fg *FallbackGroup[T]) add(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// attempt runs fn through entry's breaker and logs why the entry was passed
// over on failure.
func attempt[T any](entry *fallbackEntry[T], fn func(T) error) error {
	err := entry.breaker.Execute(func() error { return fn(entry.value) })
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCircuitOpen) {
		slog.Debug("backend skipped, circuit open", "backend", entry.name)
	} else {
		slog.Warn("backend failed, trying next", "backend", entry.name, "error", err)
	}
	return err
}

// Execute tries fn against each entry in order until one succeeds. When every
// entry fails, the last error is wrapped in [ErrAllFailed].
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	var lastErr error
	for i := range fg.entries {
		if lastErr = attempt(&fg.entries[i], fn); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value. Package-level because Go methods cannot add type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		result  R
	)
	for i := range fg.entries {
		lastErr = attempt(&fg.entries[i], func(v T) error {
			var err error
			result, err = fn(v)
			return err
		})
		if lastErr == nil {
			return result, nil
		}
	}
	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

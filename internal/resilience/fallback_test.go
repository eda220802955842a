package resilience

import (
	"errors"
	"testing"
	"time"
)

func newBackendGroup(maxFailures int) *FallbackGroup[string] {
	fg := NewFallbackGroup("gpt-4o", "openai", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Hour},
	})
	fg.AddFallback("ollama", "llama3")
	return fg
}

func TestFallbackGroup_PrimaryServes(t *testing.T) {
	fg := newBackendGroup(3)

	var served string
	if err := fg.Execute(func(model string) error {
		served = model
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if served != "gpt-4o" {
		t.Fatalf("served = %q, want the primary model", served)
	}
}

func TestFallbackGroup_FailoverOnError(t *testing.T) {
	fg := newBackendGroup(3)

	var served string
	if err := fg.Execute(func(model string) error {
		if model == "gpt-4o" {
			return errBackendDown
		}
		served = model
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if served != "llama3" {
		t.Fatalf("served = %q, want the fallback model", served)
	}
}

func TestFallbackGroup_AllBackendsFail(t *testing.T) {
	fg := newBackendGroup(3)

	err := fg.Execute(func(string) error { return errBackendDown })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroup_SkipsOpenCircuit(t *testing.T) {
	fg := newBackendGroup(2)

	// Open the primary's breaker with two failing rounds.
	for range 2 {
		_ = fg.Execute(func(model string) error {
			if model == "gpt-4o" {
				return errBackendDown
			}
			return nil
		})
	}

	var attempts []string
	if err := fg.Execute(func(model string) error {
		attempts = append(attempts, model)
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(attempts) != 1 || attempts[0] != "llama3" {
		t.Fatalf("attempts = %v, want only the fallback (primary circuit open)", attempts)
	}
}

func TestExecuteWithResult(t *testing.T) {
	fg := newBackendGroup(3)

	text, err := ExecuteWithResult(fg, func(model string) (string, error) {
		return "answer from " + model, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "answer from gpt-4o" {
		t.Fatalf("text = %q, want the primary's result", text)
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	fg := newBackendGroup(3)

	text, err := ExecuteWithResult(fg, func(model string) (string, error) {
		if model == "gpt-4o" {
			return "", errBackendDown
		}
		return "answer from " + model, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "answer from llama3" {
		t.Fatalf("text = %q, want the fallback's result", text)
	}
}

func TestExecuteWithResult_AllFail(t *testing.T) {
	fg := NewFallbackGroup("gpt-4o", "openai", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	if _, err := ExecuteWithResult(fg, func(string) (string, error) {
		return "", errBackendDown
	}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

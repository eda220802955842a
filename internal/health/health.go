// Package health serves the liveness and readiness probes of the chat API.
//
//   - /healthz — liveness; a process that can answer HTTP is alive.
//   - /readyz  — readiness; 200 only when every registered dependency
//     probe (database, generator backend, ...) passes.
//
// The readiness body is a JSON object with a top-level "status" ("ok" or
// "fail") and a per-dependency "checks" map that includes the probe latency.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// defaultProbeTimeout bounds a single dependency probe.
const defaultProbeTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil when the dependency can
// serve requests and must respect context cancellation.
type Checker struct {
	// Name keys the check in the JSON response (e.g. "database").
	Name string

	Check func(ctx context.Context) error
}

type checkResult struct {
	Status  string `json:"status"`
	Latency string `json:"latency"`
	Error   string `json:"error,omitempty"`
}

type probeBody struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler answers /healthz and /readyz. Safe for concurrent use; the checker
// set is fixed at construction.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
}

// Option configures a [Handler].
type Option func(*Handler)

// WithProbeTimeout overrides the per-dependency probe deadline.
func WithProbeTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

// New creates a [Handler] over the given dependency checkers.
func New(checkers ...Checker) *Handler {
	h := &Handler{
		checkers: make([]Checker, len(checkers)),
		timeout:  defaultProbeTimeout,
	}
	copy(h.checkers, checkers)
	return h
}

// NewWith creates a [Handler] with options applied.
func NewWith(opts []Option, checkers ...Checker) *Handler {
	h := New(checkers...)
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz always answers 200; liveness needs nothing beyond a serving process.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, probeBody{Status: "ok"})
}

// Readyz probes every dependency concurrently and answers 200 only when all
// pass. A failing or slow dependency yields 503 with the failure detail.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]checkResult, len(h.checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	allOK := true

	for _, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
			defer cancel()

			started := time.Now()
			err := c.Check(ctx)
			res := checkResult{Status: "ok", Latency: time.Since(started).Round(time.Millisecond).String()}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}

			mu.Lock()
			checks[c.Name] = res
			if err != nil {
				allOK = false
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	body := probeBody{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		body.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v with the given status code, falling back to a
// plain-text 500 on encoding failure.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

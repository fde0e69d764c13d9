// Package health serves the client's HTTP probe endpoints.
//
//   - /healthz: liveness; always 200 while the process serves HTTP.
//   - /readyz: 200 only when every registered [Checker] passes.
//   - /statsz: a JSON snapshot of pipeline counters, when a [StatsFunc] is set.
//
// Probe responses carry a top-level "status" field ("ok" or "fail") and a
// "checks" map with the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// ErrNotConnected is reported by [Connected] when the link is down.
var ErrNotConnected = errors.New("not connected")

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	// Name labels the check in the JSON response (e.g. "session").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Connector reports whether a link is currently established.
type Connector interface {
	Connected() bool
}

// Connected returns a [Checker] that passes while c is connected.
func Connected(name string, c Connector) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if !c.Connected() {
				return ErrNotConnected
			}
			return nil
		},
	}
}

// StatsFunc returns a JSON-serialisable snapshot of runtime counters.
type StatsFunc func() any

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	stats    StatsFunc
}

// Option configures a [Handler].
type Option func(*Handler)

// WithStats exposes fn on /statsz.
func WithStats(fn StatsFunc) Option {
	return func(h *Handler) { h.stats = fn }
}

// New creates a [Handler] that evaluates checkers, in order, on each /readyz
// request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every [Checker] passes. Each checker gets a
// [checkTimeout] deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Statsz writes the current stats snapshot, or 404 when none is configured.
func (h *Handler) Statsz(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, h.stats())
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /statsz", h.Statsz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
}

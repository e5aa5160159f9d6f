// Package health serves the liveness and readiness endpoints of the
// metrics listener.
//
// Liveness (/healthz) only states that the process still serves HTTP.
// Readiness (/readyz) additionally evaluates the registered checks, such as
// the acquisition session or the archive connection, and answers 503 when
// any of them reports a failure. Both respond with a JSON body carrying a
// top-level "status" and, for readiness, a per-check "checks" map.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// readyTimeout caps a single readiness check. A hung check must not stall
// the whole /readyz response indefinitely.
const readyTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable and an error describing the failure otherwise; it must respect
// context cancellation.
type Checker struct {
	// Name keys the check's verdict in the JSON response, e.g. "session"
	// or "archive".
	Name string

	Check func(ctx context.Context) error
}

// report is the JSON body of both endpoints.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers /healthz and /readyz. The checker list is fixed at
// construction, so a Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a Handler that evaluates the given checkers, in order, on every
// /readyz request.
func New(checkers ...Checker) *Handler {
	h := &Handler{checkers: make([]Checker, len(checkers))}
	copy(h.checkers, checkers)
	return h
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz is the liveness endpoint. A process that got this far is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, report{Status: "ok"})
}

// Readyz evaluates every registered checker and answers 200 only when all
// of them pass. Each check runs under a [readyTimeout] deadline derived from
// the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks, ok := h.evaluate(r.Context())

	rep := report{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ok {
		rep.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	respond(w, status, rep)
}

// evaluate runs the checkers sequentially and collects a verdict per name.
func (h *Handler) evaluate(ctx context.Context) (map[string]string, bool) {
	checks := make(map[string]string, len(h.checkers))
	ok := true

	for _, c := range h.checkers {
		checkCtx, cancel := context.WithTimeout(ctx, readyTimeout)
		err := c.Check(checkCtx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ok = false
			continue
		}
		checks[c.Name] = "ok"
	}
	return checks, ok
}

func respond(w http.ResponseWriter, status int, rep report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

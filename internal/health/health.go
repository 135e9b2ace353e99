// Package health serves the liveness and readiness probes.
//
//   - GET /healthz reports that the process serves HTTP, with its uptime.
//   - GET /readyz returns 200 only while the server is not draining and
//     every registered [Checker] passes.
//
// Bodies are JSON objects with a "status" field ("ok", "fail" or
// "draining") and a "checks" map holding each checker's result.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	// Name labels the check in the "checks" map (e.g. "providers").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. It is safe for concurrent use; the
// checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	started  time.Time
	draining atomic.Bool
}

// New creates a [Handler] that evaluates checkers, in order, on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		started:  time.Now(),
	}
}

// Drain marks the server as shutting down. From then on /readyz answers 503
// without running the checkers so load balancers stop routing new sessions.
func (h *Handler) Drain() {
	h.draining.Store(true)
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{
		Status: "ok",
		Uptime: time.Since(h.started).Truncate(time.Second).String(),
	})
}

// Readyz runs every [Checker] under a [checkTimeout] deadline derived from
// the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, result{Status: "draining"})
		return
	}

	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK
	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, res)
}

// Register mounts the probe routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

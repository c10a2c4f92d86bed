// Package health serves the liveness and readiness probes of a node.
//
// /healthz always answers 200 while the process serves HTTP. /readyz answers
// 200 only when the node is not draining and every registered [Checker]
// passes. Both respond with a JSON object holding a "status" of "ok" or
// "fail" and, for /readyz, a "checks" map with one entry per checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// ErrDraining is reported while the node shuts down.
var ErrDraining = errors.New("node is draining")

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy and must respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New creates a [Handler] evaluating checkers concurrently on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// SetDraining makes /readyz fail so load balancers stop sending traffic
// before the shards stop.
func (h *Handler) SetDraining() { h.draining.Store(true) }

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := h.run(r.Context())
	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	for _, v := range checks {
		if v != "ok" {
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, res)
}

func (h *Handler) run(ctx context.Context) map[string]string {
	checks := make(map[string]string, len(h.checkers)+1)
	if h.draining.Load() {
		checks["shutdown"] = "fail: " + ErrDraining.Error()
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			status := "ok"
			if err := c.Check(cctx); err != nil {
				status = "fail: " + err.Error()
			}
			mu.Lock()
			checks[c.Name] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return checks
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Pinger is a dependency that can be probed, such as a record store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker checks a [Pinger].
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// StartedChecker fails until started reports true, e.g. before the shards
// have spawned their services.
func StartedChecker(name string, started func() bool) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !started() {
			return errors.New("not started")
		}
		return nil
	}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

// Package health serves the liveness and readiness endpoints the deployment
// platform polls between calls. Liveness only says the process is up;
// readiness walks the registered probes (journal database, vendor circuits)
// and answers 503 until every one passes, so no new call is routed to an
// instance that cannot hold a conversation.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// probeTimeout bounds a single readiness probe.
const probeTimeout = 3 * time.Second

// Probe is one readiness dependency.
type Probe struct {
	// Name keys the probe's entry in the readiness report.
	Name string

	// Check returns nil when the dependency can serve a call. It must honor
	// ctx cancellation.
	Check func(ctx context.Context) error
}

// report is the response body of both endpoints.
type report struct {
	Status string            `json:"status"`
	Probes map[string]string `json:"probes,omitempty"`
}

// Handler answers liveness and readiness requests. The probe set is fixed at
// construction; the handler is safe for concurrent use.
type Handler struct {
	probes []Probe
}

// New builds a Handler over the given probes.
func New(probes ...Probe) *Handler {
	return &Handler{probes: append([]Probe(nil), probes...)}
}

// Healthz is the liveness endpoint: serving HTTP is proof of life.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every probe concurrently, each under its own timeout, and
// answers 503 when any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := report{Status: "ok", Probes: make(map[string]string, len(h.probes))}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, p := range h.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			defer cancel()
			err := p.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Probes[p.Name] = err.Error()
				rep.Status = "unavailable"
			} else {
				rep.Probes[p.Name] = "ok"
			}
		}()
	}
	wg.Wait()

	code := http.StatusOK
	if rep.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	respond(w, code, rep)
}

// Register mounts both endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func respond(w http.ResponseWriter, code int, rep report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}

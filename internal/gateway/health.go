package gateway

import (
	"encoding/json"
	"net/http"
)

// Liveness implements spec.md §6's "/health": 200 if the process is
// running. It never consults the Route Store or any adapter, so a
// deployment's liveness probe cannot be failed by a slow dependency.
func (g *Gateway) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Readiness implements spec.md §6's "/ready": 200 iff the Route Store has
// produced at least one snapshot and no critical adapter reports error.
// The only critical adapter tracked today is the Route Store itself
// (surfaced via g.ready); health.Prober/circuit.Registry failures are
// per-backend, not process-critical, and are reported via /health/detailed
// instead.
func (g *Gateway) Readiness(w http.ResponseWriter, r *http.Request) {
	_, ready := g.snapshot()
	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not_ready"})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// detailedReport is the structured body spec.md §6's "/health/detailed"
// names: route count, backend health summary, and adapter statuses.
type detailedReport struct {
	Ready      bool                  `json:"ready"`
	RouteCount int                   `json:"route_count"`
	Backends   []backendHealthReport `json:"backends"`
	Circuits   []circuitReport       `json:"circuits"`
}

type backendHealthReport struct {
	Backend            string `json:"backend"`
	Health             string `json:"health"`
	ConsecutiveSuccess int    `json:"consecutive_success"`
	ConsecutiveFailure int    `json:"consecutive_failure"`
}

type circuitReport struct {
	Key   string `json:"key"`
	State string `json:"state"`
}

// Detailed implements spec.md §6's "/health/detailed".
func (g *Gateway) Detailed(w http.ResponseWriter, r *http.Request) {
	state, ready := g.snapshot()

	report := detailedReport{Ready: ready}
	if state != nil {
		report.RouteCount = state.routes
	}

	for key, st := range g.prober.States() {
		report.Backends = append(report.Backends, backendHealthReport{
			Backend:            key,
			Health:             st.Health.String(),
			ConsecutiveSuccess: st.ConsecutiveSuccess,
			ConsecutiveFailure: st.ConsecutiveFailure,
		})
	}
	for key, cs := range g.breakers.States() {
		report.Circuits = append(report.Circuits, circuitReport{Key: key, State: cs.State.String()})
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(report)
}

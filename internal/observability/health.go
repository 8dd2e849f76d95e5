// Package observability carries logging, metrics and the health endpoints.
package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HealthServer exposes /healthz, /readyz, /status and /metrics.
type HealthServer struct {
	ready  atomic.Bool
	status atomic.Pointer[func() any]
	gather prometheus.Gatherer
}

// NewHealthServer creates a health server exporting metrics from gather.
// A nil gatherer disables /metrics.
func NewHealthServer(gather prometheus.Gatherer) *HealthServer {
	return &HealthServer{gather: gather}
}

// SetReady marks the process ready or not.
func (h *HealthServer) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetStatusFunc installs the provider rendered by /status.
func (h *HealthServer) SetStatusFunc(fn func() any) {
	h.status.Store(&fn)
}

// Handler returns the HTTP handler, instrumented with otelhttp.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	mux.HandleFunc("GET /status", h.handleStatus)
	if h.gather != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gather, promhttp.HandlerOpts{}))
	}
	return otelhttp.NewHandler(mux, "cityingest.health")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	if h.ready.Load() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}

func (h *HealthServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	fn := h.status.Load()
	if fn == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, (*fn)())
}

package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig wires the HTTP endpoints
type RouterConfig struct {
	// System names the aggregate status
	System  string
	Monitor *Monitor
	// Gatherer backs /metrics; nil disables the endpoint
	Gatherer prometheus.Gatherer
	// Notifiers backs /notifiers; nil disables the endpoint
	Notifiers func() any
	// Commands is reported by /healthz
	Commands []string
	Logger   *slog.Logger
}

type healthzResponse struct {
	Status
	Commands []string `json:"commands,omitempty"`
}

// Router serves /healthz, /readyz, /metrics and /notifiers
type Router struct {
	cfg    RouterConfig
	logger *slog.Logger
}

// NewRouter creates the router
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Monitor == nil {
		cfg.Monitor = NewMonitor()
	}
	if cfg.System == "" {
		cfg.System = "siam-bridge"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{cfg: cfg, logger: logger.With("component", "health-http")}
}

// Routes builds the HTTP handler
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", rt.handleHealthz)
	r.Get("/readyz", rt.handleReadyz)
	if rt.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(rt.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	if rt.cfg.Notifiers != nil {
		r.Get("/notifiers", rt.handleNotifiers)
	}
	return r
}

func (rt *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	status := rt.cfg.Monitor.AggregateHealth(rt.cfg.System)
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	rt.writeJSON(w, code, healthzResponse{Status: status, Commands: rt.cfg.Commands})
}

func (rt *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	status := rt.cfg.Monitor.AggregateHealth(rt.cfg.System)
	code := http.StatusOK
	if !status.IsHealthy() {
		code = http.StatusServiceUnavailable
	}
	rt.writeJSON(w, code, status)
}

func (rt *Router) handleNotifiers(w http.ResponseWriter, _ *http.Request) {
	rt.writeJSON(w, http.StatusOK, rt.cfg.Notifiers())
}

func (rt *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		rt.logger.Error("Encoding response failed", "error", err)
	}
}

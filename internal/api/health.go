package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// JobCounter reports how many jobs are tracked.
type JobCounter interface {
	Len() int
}

// HealthConfig describes what the banner advertises.
type HealthConfig struct {
	WorkerPollInterval time.Duration
	EscalationWait     time.Duration
	Hybrid             bool
	RemoteConfigured   bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db        Pinger // nil when the event log is disabled
	jobs      JobCounter
	cfg       HealthConfig
	startedAt time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(db Pinger, jobs JobCounter, cfg HealthConfig) *HealthHandler {
	return &HealthHandler{db: db, jobs: jobs, cfg: cfg, startedAt: time.Now()}
}

// Root describes the service and tells workers how often to poll.
func (h *HealthHandler) Root(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"service":                      "clipbot",
		"status":                       "running",
		"hybrid_mode":                  h.cfg.Hybrid,
		"remote_configured":            h.cfg.RemoteConfigured,
		"worker_poll_interval_seconds": int(h.cfg.WorkerPollInterval / time.Second),
		"escalation_wait_seconds":      int(h.cfg.EscalationWait / time.Second),
	})
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status":         "healthy",
		"checks":         checks,
		"jobs":           h.jobs.Len(),
		"uptime_seconds": int(time.Since(h.startedAt) / time.Second),
	}
	statusCode := http.StatusOK

	switch {
	case h.db == nil:
		checks["database"] = "disabled"
	case h.db.Ping(ctx) != nil:
		slog.Error("Health check failed", "check", "database")
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	default:
		checks["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the banner and health check routes.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/", h.Root)
	r.Get("/health", h.Health)
}

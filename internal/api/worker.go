package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/clipbot/internal/domain"
	"github.com/ashureev/clipbot/internal/jobs"
	"github.com/ashureev/clipbot/internal/notify"
	"github.com/go-chi/chi/v5"
)

// JobReader exposes read access to the job registry.
type JobReader interface {
	Get(id string) (domain.Job, error)
	ListPending() []domain.Job
}

// WorkerCoordinator applies worker reports.
type WorkerCoordinator interface {
	Claim(ctx context.Context, id string) (domain.Job, error)
	Complete(ctx context.Context, id string) (domain.Job, error)
	Fail(ctx context.Context, id, reason string, allowFallback bool) (jobs.FailOutcome, domain.Job, error)
	Progress(ctx context.Context, id, message string) error
	DeliverClip(ctx context.Context, id string, v notify.Video, caption string) error
}

// EventLister reads the job event log.
type EventLister interface {
	ListEvents(ctx context.Context, jobID string) ([]domain.JobEvent, error)
}

// WorkerHandler serves the local worker protocol.
type WorkerHandler struct {
	jobs           JobReader
	coord          WorkerCoordinator
	events         EventLister
	maxUploadBytes int64
}

// NewWorkerHandler creates a worker protocol handler. events may be nil
// when the event log is disabled.
func NewWorkerHandler(reader JobReader, coord WorkerCoordinator, events EventLister, maxUploadBytes int64) *WorkerHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = notify.DefaultMaxUploadBytes
	}
	return &WorkerHandler{
		jobs:           reader,
		coord:          coord,
		events:         events,
		maxUploadBytes: maxUploadBytes,
	}
}

// RegisterRoutes registers the worker routes.
func (h *WorkerHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/jobs", func(r chi.Router) {
		r.Get("/pending", h.ListPending)
		r.Get("/{jobID}", h.GetJob)
		r.Get("/{jobID}/events", h.ListEvents)
		r.Post("/{jobID}/claim", h.Claim)
		r.Post("/{jobID}/complete", h.Complete)
		r.Post("/{jobID}/fail", h.Fail)
		r.Post("/{jobID}/progress", h.Progress)
		r.Post("/{jobID}/clip", h.Clip)
	})
}

// ListPending returns jobs the worker may claim.
func (h *WorkerHandler) ListPending(w http.ResponseWriter, _ *http.Request) {
	pending := h.jobs.ListPending()
	JSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  pending,
		"count": len(pending),
	})
}

// GetJob returns one job.
func (h *WorkerHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(chi.URLParam(r, "jobID"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"job": job})
}

// ListEvents returns the recorded events of a job.
func (h *WorkerHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		Error(w, http.StatusServiceUnavailable, "event_log_disabled")
		return
	}
	jobID := chi.URLParam(r, "jobID")
	events, err := h.events.ListEvents(r.Context(), jobID)
	if err != nil {
		slog.Error("Failed to list job events", "job_id", jobID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// Claim assigns a pending job to the calling worker.
func (h *WorkerHandler) Claim(w http.ResponseWriter, r *http.Request) {
	job, err := h.coord.Claim(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"job": job})
}

// Complete marks a job done.
func (h *WorkerHandler) Complete(w http.ResponseWriter, r *http.Request) {
	job, err := h.coord.Complete(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"ok": true, "job": job})
}

type failRequest struct {
	Error            string `json:"error"`
	FallbackToGitHub *bool  `json:"fallback_to_github"`
}

// Fail reports a worker failure. Fallback to the remote runner defaults to on.
func (h *WorkerHandler) Fail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	reason := strings.TrimSpace(req.Error)
	if reason == "" {
		reason = "Unknown error"
	}
	allowFallback := req.FallbackToGitHub == nil || *req.FallbackToGitHub

	outcome, job, err := h.coord.Fail(r.Context(), chi.URLParam(r, "jobID"), reason, allowFallback)
	if err != nil {
		writeJobError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"outcome": outcome,
		"job":     job,
	})
}

type progressRequest struct {
	Message string `json:"message"`
}

// Progress relays a worker status line to the user.
func (h *WorkerHandler) Progress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}
	if err := h.coord.Progress(r.Context(), chi.URLParam(r, "jobID"), req.Message); err != nil {
		writeJobError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Clip forwards one rendered clip (multipart field "video", optional
// "caption") to the job's chat.
func (h *WorkerHandler) Clip(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := h.jobs.Get(jobID); err != nil {
		writeJobError(w, err)
		return
	}

	// Oversized files still parse (spilling to disk) so the relay's size
	// guard can tell the user which clip was skipped.
	r.Body = http.MaxBytesReader(w, r.Body, 2*h.maxUploadBytes+maxJSONBody)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		Error(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			slog.Debug("Failed to remove multipart temp files", "error", err)
		}
	}()

	file, header, err := r.FormFile("video")
	if err != nil {
		Error(w, http.StatusBadRequest, "video file is required")
		return
	}
	defer func() { _ = file.Close() }()

	video := notify.Video{Name: header.Filename, Size: header.Size, Body: file}
	err = h.coord.DeliverClip(r.Context(), jobID, video, r.FormValue("caption"))
	switch {
	case errors.Is(err, notify.ErrTooLarge):
		JSON(w, http.StatusRequestEntityTooLarge, map[string]interface{}{"ok": false, "sent": false, "error": "too_large"})
	case err != nil:
		if errors.Is(err, jobs.ErrNotFound) {
			writeJobError(w, err)
			return
		}
		slog.Warn("Clip delivery failed", "job_id", jobID, "error", err)
		JSON(w, http.StatusBadGateway, map[string]interface{}{"ok": false, "sent": false, "error": "delivery_failed"})
	default:
		JSON(w, http.StatusOK, map[string]bool{"ok": true, "sent": true})
	}
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		Error(w, http.StatusNotFound, "job_not_found")
	case errors.Is(err, jobs.ErrClaimConflict):
		Error(w, http.StatusConflict, "already_claimed")
	default:
		slog.Error("Job operation failed", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

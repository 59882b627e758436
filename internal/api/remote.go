package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ashureev/clipbot/internal/dispatch"
	"github.com/ashureev/clipbot/internal/domain"
)

// RemoteReporter settles jobs from the remote runner's callback.
type RemoteReporter interface {
	ReportRemoteResult(ctx context.Context, res dispatch.RemoteResult) error
}

// clipCount accepts either a count or the list of produced clips.
type clipCount int

func (c *clipCount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = 0
		return nil
	}
	if data[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*c = clipCount(len(items))
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("clips: %w", err)
	}
	*c = clipCount(n)
	return nil
}

type notifyRequest struct {
	ChatID domain.ChatID `json:"chat_id"`
	JobID  string        `json:"job_id"`
	Status string        `json:"status"`
	Clips  clipCount     `json:"clips"`
	Error  string        `json:"error"`
}

// RemoteHandler serves POST /notify for the remote runner.
type RemoteHandler struct {
	reporter RemoteReporter
}

// NewRemoteHandler creates the remote callback handler.
func NewRemoteHandler(reporter RemoteReporter) *RemoteHandler {
	return &RemoteHandler{reporter: reporter}
}

// ServeHTTP relays a final result to the user.
func (h *RemoteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.reporter.ReportRemoteResult(r.Context(), dispatch.RemoteResult{
		JobID:  req.JobID,
		ChatID: req.ChatID,
		Status: req.Status,
		Clips:  int(req.Clips),
		Error:  req.Error,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidResult) {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("Failed to apply remote result", "job_id", req.JobID, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("Remote result applied", "job_id", req.JobID, "chat_id", req.ChatID, "status", req.Status)
	JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/clipbot/internal/domain"
	"github.com/coder/websocket"
)

const writeTimeout = 5 * time.Second

// PendingLister supplies the snapshot sent to new subscribers.
type PendingLister interface {
	ListPending() []domain.Job
}

// message is one frame on the feed.
type message struct {
	Type  string           `json:"type"`
	Jobs  []domain.Job     `json:"jobs,omitempty"`
	Event *domain.JobEvent `json:"event,omitempty"`
}

// WebSocketHandler streams hub events to websocket clients.
//
// Clients receive one {"type":"snapshot","jobs":[...]} frame with the
// currently claimable jobs, then {"type":"event","event":{...}} frames.
// The optional ?types=created,claimed query narrows the events sent.
type WebSocketHandler struct {
	hub     *Hub
	pending PendingLister
}

// NewWebSocketHandler creates a feed handler.
func NewWebSocketHandler(hub *Hub, pending PendingLister) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, pending: pending}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.Info("Feed connection request", "ip", r.RemoteAddr)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	events, cancel := h.hub.Subscribe(DefaultBuffer, parseTypes(r.URL.Query().Get("types"))...)
	defer cancel()

	// Subscribers only send close frames; CloseRead handles them and
	// cancels ctx when the client goes away.
	ctx := ws.CloseRead(r.Context())

	snapshot := message{Type: "snapshot", Jobs: h.pending.ListPending()}
	if err := writeJSON(ctx, ws, snapshot); err != nil {
		slog.Debug("Failed to send feed snapshot", "error", err)
		return
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeJSON(ctx, ws, message{Type: "event", Event: &ev}); err != nil {
				if websocket.CloseStatus(err) != -1 {
					slog.Debug("Feed closed by client")
				} else {
					slog.Warn("Feed write error", "error", err)
				}
				return
			}
		case <-ctx.Done():
			slog.Info("Feed connection ended", "ip", r.RemoteAddr)
			return
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

func parseTypes(raw string) []domain.EventType {
	var out []domain.EventType
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, domain.EventType(part))
		}
	}
	return out
}

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/clipbot/internal/dispatch"
	"github.com/ashureev/clipbot/internal/domain"
)

type fakeReporter struct {
	got dispatch.RemoteResult
	err error
}

func (f *fakeReporter) ReportRemoteResult(_ context.Context, res dispatch.RemoteResult) error {
	f.got = res
	return f.err
}

func postNotify(h http.Handler, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/notify", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestRemoteHandler(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantChat  domain.ChatID
		wantClips int
	}{
		{"numeric chat and clip list", `{"chat_id":123,"status":"success","clips":["a.mp4","b.mp4"]}`, "123", 2},
		{"string chat and clip count", `{"chat_id":"456","status":"success","clips":3,"job_id":"job_1"}`, "456", 3},
		{"error without clips", `{"chat_id":"7","status":"error","error":"yt-dlp failed"}`, "7", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := &fakeReporter{}
			w := postNotify(NewRemoteHandler(rep), tt.body)
			if w.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d", w.Code)
			}
			if rep.got.ChatID != tt.wantChat || rep.got.Clips != tt.wantClips {
				t.Errorf("Unexpected result %+v", rep.got)
			}
		})
	}
}

func TestRemoteHandler_Errors(t *testing.T) {
	if w := postNotify(NewRemoteHandler(&fakeReporter{}), `{"chat_id":`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad json, got %d", w.Code)
	}

	invalid := &fakeReporter{err: fmt.Errorf("%w: no chat id", dispatch.ErrInvalidResult)}
	if w := postNotify(NewRemoteHandler(invalid), `{"status":"success"}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid result, got %d", w.Code)
	}

	broken := &fakeReporter{err: errors.New("boom")}
	if w := postNotify(NewRemoteHandler(broken), `{"chat_id":1,"status":"success"}`); w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", w.Code)
	}
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fixedCount int

func (c fixedCount) Len() int { return int(c) }

func TestHealth(t *testing.T) {
	cfg := HealthConfig{WorkerPollInterval: 30 * time.Second, EscalationWait: 2 * time.Minute, Hybrid: true}

	tests := []struct {
		name     string
		db       Pinger
		wantCode int
		wantDB   string
	}{
		{"disabled", nil, http.StatusOK, "disabled"},
		{"ok", fakePinger{}, http.StatusOK, "ok"},
		{"unreachable", fakePinger{err: errors.New("closed")}, http.StatusServiceUnavailable, "unreachable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.db, fixedCount(2), cfg)
			w := httptest.NewRecorder()
			h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			if w.Code != tt.wantCode {
				t.Errorf("Expected %d, got %d", tt.wantCode, w.Code)
			}
			if !strings.Contains(w.Body.String(), `"database":"`+tt.wantDB+`"`) {
				t.Errorf("Expected database=%s, got %s", tt.wantDB, w.Body.String())
			}
		})
	}
}

func TestRoot(t *testing.T) {
	h := NewHealthHandler(nil, fixedCount(0), HealthConfig{WorkerPollInterval: 30 * time.Second})
	w := httptest.NewRecorder()
	h.Root(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.Contains(w.Body.String(), `"worker_poll_interval_seconds":30`) {
		t.Errorf("Expected poll interval in banner, got %s", w.Body.String())
	}
}

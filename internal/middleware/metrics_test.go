package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_UsesRoutePattern(t *testing.T) {
	m := NewMetrics("test")
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	r := chi.NewRouter()
	r.Use(m.Handler)
	r.Post("/api/jobs/{jobID}/claim", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	for _, id := range []string{"job_1", "job_2"} {
		req := httptest.NewRequest(http.MethodPost, "/api/jobs/"+id+"/claim", nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	got := testutil.ToFloat64(m.requests.WithLabelValues("409", http.MethodPost, "/api/jobs/{jobID}/claim"))
	if got != 2 {
		t.Errorf("Expected 2 requests under the route pattern, got %v", got)
	}
}

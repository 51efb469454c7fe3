package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func BenchmarkTaskPush(b *testing.B) {
	router := newTestRouter(&mockScheduler{}, nil)
	body := `{"data":"payload","retry":{"enabled":true,"timeout_ms":5000}}`

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/tasks/reports/executions", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
	}
}

func BenchmarkTaskList(b *testing.B) {
	router := newTestRouter(&mockScheduler{registrations: []string{"a", "b"}, bindings: []string{"a"}}, nil)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
	}
}

func BenchmarkHealth(b *testing.B) {
	router := newTestRouter(&mockScheduler{running: true}, mockPinger{})

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
	}
}

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/metropolis-io/metropolis/internal/core"
)

func BenchmarkPipelineCreate(b *testing.B) {
	router := newTestRouter(&mockOrchestrator{})
	body := `{"name":"etl","nodes":[{"id":"extract","task":{"function":"noop"}},{"id":"load","task":{"function":"noop"},"depends_on":["extract"]}]}`

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/pipelines", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
	}
}

func BenchmarkPipelineTrigger(b *testing.B) {
	router := newTestRouter(&mockOrchestrator{})
	body := `{"parameters":{"day":"2026-08-30"}}`

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/pipelines/pipeline-1/runs", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
	}
}

func BenchmarkRunGet(b *testing.B) {
	orch := &mockOrchestrator{
		runStatusFunc: func(ctx context.Context, runID string) (*core.RunStatus, error) {
			return &core.RunStatus{
				RunID: runID,
				State: "running",
				Instances: map[string]core.InstanceStatus{
					runID + ".extract": {InstanceID: runID + ".extract", State: core.StateSucceeded},
					runID + ".load":    {InstanceID: runID + ".load", State: core.StateRunning},
				},
			}, nil
		},
	}
	router := newTestRouter(orch)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-1", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
	}
}

func BenchmarkHealthCheck(b *testing.B) {
	router := newTestRouter(&mockOrchestrator{})

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
	}
}

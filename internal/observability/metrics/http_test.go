package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesRecordedSeries(t *testing.T) {
	ObserveHTTPRequest("executions", http.MethodPost, http.StatusAccepted, 30*time.Millisecond)
	ObserveHTTPRequest("executions", http.MethodGet, http.StatusInternalServerError, time.Second)
	ObserveExecutionTransition("SUCCESS")
	ObserveSchedulerCycle("paused")
	ObserveFeeCache(true)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`vaultpilot_http_requests_total{code="202",handler="executions",method="POST"} 1`,
		`vaultpilot_http_errors_total{handler="executions",method="GET"} 1`,
		`vaultpilot_execution_transitions_total{status="SUCCESS"}`,
		`vaultpilot_scheduler_cycles_total{outcome="paused"}`,
		`vaultpilot_wallet_fee_cache_requests_total{result="hit"}`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, text)
		}
	}
}

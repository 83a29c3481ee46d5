package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestHandlerExposesCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Submitted("train", "accepted")
	m.Transitioned("FINISHED")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `jobs_submissions_total{outcome="accepted",type="train"} 1`) {
		t.Fatalf("submission counter missing from output:\n%s", body)
	}
	if !strings.Contains(body, `jobs_state_transitions_total{state="FINISHED"} 1`) {
		t.Fatalf("transition counter missing from output:\n%s", body)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Submitted("train", "accepted")
	m.PassFinished("scheduler", 0.1, 2)
	m.ClaimLost()
}

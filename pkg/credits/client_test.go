package credits

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/jobs/pkg/jobs"
)

func testJob() *jobs.Job {
	return &jobs.Job{
		ID:          "job-1",
		Type:        "train",
		WorkspaceID: "ws-1",
		Cost:        &jobs.Cost{Requests: []jobs.CostRequest{{Amount: 2, Unit: "training_job"}}},
	}
}

func TestAcquireLease(t *testing.T) {
	var got leaseRequest
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/leases", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Idempotency-Key") != "job-1" {
			t.Errorf("missing idempotency key")
		}
		if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(leaseResponse{LeaseID: "lease-9"})
	}).Methods(http.MethodPost)
	srv := httptest.NewServer(r)
	defer srv.Close()

	id, err := NewHTTPClient(srv.URL, srv.Client()).AcquireLease(context.Background(), testJob())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if id != "lease-9" {
		t.Fatalf("unexpected lease %q", id)
	}
	if got.JobID != "job-1" || len(got.Requests) != 1 || got.Requests[0].Amount != 2 {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestAcquireLeaseInsufficient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, srv.Client()).AcquireLease(context.Background(), testJob())
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("a permanent refusal must not be retried, got %d calls", calls.Load())
	}
}

func TestReportConsumptionRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/leases/{lease_id}/consumption", func(w http.ResponseWriter, req *http.Request) {
		if mux.Vars(req)["lease_id"] != "lease-9" {
			t.Errorf("unexpected lease %s", mux.Vars(req)["lease_id"])
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewHTTPClient(srv.URL, srv.Client())
	c.baseDelay = 0
	err := c.ReportConsumption(context.Background(), "lease-9", []jobs.ConsumedResource{{Amount: 2, Unit: "training_job"}})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
}

// Package credits acquires credit leases for jobs before they are
// scheduled and reports what they consumed once they end.
package credits

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/synaptica-ai/jobs/pkg/common/httpclient"
	"github.com/synaptica-ai/jobs/pkg/jobs"
)

var (
	// ErrInsufficientCredits means the organization cannot pay for the
	// job. The job fails rather than waiting.
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrLeaseNotFound       = errors.New("credit lease not found")
)

type Client interface {
	AcquireLease(ctx context.Context, job *jobs.Job) (string, error)
	ReportConsumption(ctx context.Context, leaseID string, consumed []jobs.ConsumedResource) error
}

// Nop grants every lease and drops reports. It serves deployments
// without a credits service.
type Nop struct{}

func (Nop) AcquireLease(_ context.Context, job *jobs.Job) (string, error) {
	return "local-" + job.ID, nil
}

func (Nop) ReportConsumption(context.Context, string, []jobs.ConsumedResource) error {
	return nil
}

type HTTPClient struct {
	baseURL   string
	http      *http.Client
	attempts  int
	baseDelay time.Duration
}

func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = httpclient.New(30 * time.Second)
	}
	return &HTTPClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      client,
		attempts:  3,
		baseDelay: 200 * time.Millisecond,
	}
}

type leaseRequest struct {
	JobID       string             `json:"job_id"`
	JobType     string             `json:"job_type"`
	WorkspaceID string             `json:"workspace_id"`
	ProjectID   string             `json:"project_id,omitempty"`
	Requests    []jobs.CostRequest `json:"requests"`
}

type leaseResponse struct {
	LeaseID string `json:"lease_id"`
}

type consumptionRequest struct {
	Consumed []jobs.ConsumedResource `json:"consumed"`
}

// AcquireLease reserves the job's cost requests. The job id doubles as
// the idempotency key, so a retried call returns the same lease.
func (c *HTTPClient) AcquireLease(ctx context.Context, job *jobs.Job) (string, error) {
	body := leaseRequest{
		JobID:       job.ID,
		JobType:     job.Type,
		WorkspaceID: job.WorkspaceID,
		ProjectID:   job.ProjectID,
	}
	if job.Cost != nil {
		body.Requests = job.Cost.Requests
	}
	var out leaseResponse
	if err := c.post(ctx, c.baseURL+"/api/v1/leases", job.ID, body, &out); err != nil {
		return "", fmt.Errorf("acquiring lease for job %s: %w", job.ID, err)
	}
	if out.LeaseID == "" {
		return "", fmt.Errorf("acquiring lease for job %s: empty lease id", job.ID)
	}
	return out.LeaseID, nil
}

func (c *HTTPClient) ReportConsumption(ctx context.Context, leaseID string, consumed []jobs.ConsumedResource) error {
	target := c.baseURL + "/api/v1/leases/" + url.PathEscape(leaseID) + "/consumption"
	if err := c.post(ctx, target, leaseID, consumptionRequest{Consumed: consumed}, nil); err != nil {
		return fmt.Errorf("reporting consumption of lease %s: %w", leaseID, err)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, target, idempotencyKey string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	return httpclient.Retry(ctx, c.attempts, c.baseDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", idempotencyKey)
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusPaymentRequired:
			return ErrInsufficientCredits
		case resp.StatusCode == http.StatusNotFound:
			return ErrLeaseNotFound
		case resp.StatusCode >= 300:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &httpclient.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		return nil
	})
}

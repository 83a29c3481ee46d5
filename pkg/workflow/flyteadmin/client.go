// Package flyteadmin implements workflow.Executor against the admin
// service's JSON REST API.
package flyteadmin

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
	"github.com/synaptica-ai/jobs/pkg/workflow"
)

type Config struct {
	BaseURL string
	Project string
	Domain  string
	// Attempts bounds the retries of one call inside a single pass.
	Attempts  int
	BaseDelay time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config, client *http.Client) *Client {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = httpclient.New(30 * time.Second)
	}
	return &Client{cfg: cfg, http: client}
}

var _ workflow.Executor = (*Client)(nil)

type identifier struct {
	Project string `json:"project"`
	Domain  string `json:"domain"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type workflowResponse struct {
	ID      identifier `json:"id"`
	Closure struct {
		LaunchPlanID string          `json:"launch_plan_id"`
		Nodes        []workflow.Node `json:"nodes"`
	} `json:"closure"`
}

type keyValues struct {
	Values map[string]string `json:"values"`
}

type createExecutionRequest struct {
	Project string `json:"project"`
	Domain  string `json:"domain"`
	Name    string `json:"name"`
	Spec    struct {
		LaunchPlan  identifier `json:"launch_plan"`
		Labels      keyValues  `json:"labels"`
		Annotations keyValues  `json:"annotations"`
	} `json:"spec"`
	Inputs map[string]interface{} `json:"inputs"`
}

type executionResponse struct {
	ID   identifier `json:"id"`
	Spec struct {
		Labels      keyValues `json:"labels"`
		Annotations keyValues `json:"annotations"`
	} `json:"spec"`
	Closure struct {
		Phase     workflow.Phase `json:"phase"`
		StartedAt *time.Time     `json:"started_at"`
		UpdatedAt time.Time      `json:"updated_at"`
		Error     *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"closure"`
}

type executionList struct {
	Executions []executionResponse `json:"executions"`
	Token      string              `json:"token"`
}

type nodeExecutionList struct {
	NodeExecutions []struct {
		ID struct {
			NodeID string `json:"node_id"`
		} `json:"id"`
		Closure struct {
			Phase     workflow.Phase `json:"phase"`
			Progress  float64        `json:"progress"`
			StartedAt *time.Time     `json:"started_at"`
			UpdatedAt *time.Time     `json:"updated_at"`
			Error     *struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"closure"`
	} `json:"node_executions"`
}

func (c *Client) FetchWorkflow(ctx context.Context, name, version string) (*workflow.Workflow, error) {
	var resp workflowResponse
	found, err := c.do(ctx, http.MethodGet, c.path("workflows", name, version), nil, &resp)
	if err != nil || !found {
		return nil, err
	}
	return &workflow.Workflow{
		ID: workflow.WorkflowID{
			Project: resp.ID.Project,
			Domain:  resp.ID.Domain,
			Name:    resp.ID.Name,
			Version: resp.ID.Version,
		},
		LaunchPlanID: resp.Closure.LaunchPlanID,
		Nodes:        resp.Closure.Nodes,
	}, nil
}

func (c *Client) StartWorkflowExecution(ctx context.Context, name string, wf *workflow.Workflow, inputs map[string]interface{}, labels, annotations map[string]string) (*workflow.Execution, error) {
	req := createExecutionRequest{
		Project: c.cfg.Project,
		Domain:  c.cfg.Domain,
		Name:    name,
		Inputs:  inputs,
	}
	req.Spec.LaunchPlan = identifier{
		Project: wf.ID.Project,
		Domain:  wf.ID.Domain,
		Name:    wf.ID.Name,
		Version: wf.ID.Version,
	}
	req.Spec.Labels = keyValues{Values: labels}
	req.Spec.Annotations = keyValues{Values: annotations}

	var created struct {
		ID identifier `json:"id"`
	}
	if _, err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+"/api/v1/executions", req, &created); err != nil {
		return nil, err
	}
	return &workflow.Execution{
		Name:        name,
		ID:          created.ID.Name,
		Phase:       workflow.PhaseQueued,
		Labels:      labels,
		Annotations: annotations,
	}, nil
}

func (c *Client) FetchWorkflowExecution(ctx context.Context, name string) (*workflow.Execution, error) {
	var resp executionResponse
	found, err := c.do(ctx, http.MethodGet, c.path("executions", name), nil, &resp)
	if err != nil || !found {
		return nil, err
	}
	return resp.toExecution(), nil
}

func (c *Client) CancelWorkflowExecution(ctx context.Context, exec *workflow.Execution) error {
	body := map[string]string{"cause": "cancelled by job owner"}
	found, err := c.do(ctx, http.MethodDelete, c.path("executions", exec.Name), body, nil)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("execution %s not found", exec.Name)
	}
	return nil
}

func (c *Client) ListWorkflowExecutions(ctx context.Context, names []string) ([]*workflow.Execution, error) {
	if len(names) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("filters", fmt.Sprintf("value_in(execution_name,%s)", strings.Join(names, ";")))
	q.Set("limit", fmt.Sprint(len(names)))

	var list executionList
	if _, err := c.do(ctx, http.MethodGet, c.path("executions")+"?"+q.Encode(), nil, &list); err != nil {
		return nil, err
	}
	out := make([]*workflow.Execution, 0, len(list.Executions))
	for i := range list.Executions {
		out = append(out, list.Executions[i].toExecution())
	}
	return out, nil
}

func (c *Client) ListNodeExecutions(ctx context.Context, name string) ([]workflow.NodeExecution, error) {
	var list nodeExecutionList
	found, err := c.do(ctx, http.MethodGet, c.path("node_executions", name), nil, &list)
	if err != nil || !found {
		return nil, err
	}
	out := make([]workflow.NodeExecution, 0, len(list.NodeExecutions))
	for _, n := range list.NodeExecutions {
		ne := workflow.NodeExecution{
			NodeID:    n.ID.NodeID,
			Phase:     n.Closure.Phase,
			Progress:  n.Closure.Progress,
			StartedAt: n.Closure.StartedAt,
			UpdatedAt: n.Closure.UpdatedAt,
		}
		if n.Closure.Error != nil {
			ne.Error = n.Closure.Error.Message
		}
		out = append(out, ne)
	}
	return out, nil
}

func (r *executionResponse) toExecution() *workflow.Execution {
	exec := &workflow.Execution{
		Name:        r.ID.Name,
		ID:          r.ID.Name,
		Phase:       r.Closure.Phase,
		Labels:      r.Spec.Labels.Values,
		Annotations: r.Spec.Annotations.Values,
		StartedAt:   r.Closure.StartedAt,
		UpdatedAt:   r.Closure.UpdatedAt,
	}
	if r.Closure.Error != nil {
		exec.Error = r.Closure.Error.Message
	}
	return exec
}

// path builds /api/v1/<resource>/<project>/<domain>/<parts...>.
func (c *Client) path(resource string, parts ...string) string {
	segs := []string{c.cfg.BaseURL, "api", "v1", resource, url.PathEscape(c.cfg.Project), url.PathEscape(c.cfg.Domain)}
	for _, p := range parts {
		segs = append(segs, url.PathEscape(p))
	}
	return strings.Join(segs, "/")
}

// do sends one request with retries. A 404 reports found=false with no
// error; a 409 maps to workflow.ErrAlreadyExists.
func (c *Client) do(ctx context.Context, method, target string, body, out interface{}) (bool, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return false, fmt.Errorf("encoding request: %w", err)
		}
	}

	found := true
	err := httpclient.Retry(ctx, c.cfg.Attempts, c.cfg.BaseDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			found = false
			return nil
		case resp.StatusCode == http.StatusConflict:
			return workflow.ErrAlreadyExists
		case resp.StatusCode >= 300:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &httpclient.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decoding %s response: %w", method, err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, workflow.ErrAlreadyExists) {
			return false, err
		}
		if httpclient.IsRetriable(err) {
			return false, fmt.Errorf("%w: %s %s: %v", workflow.ErrUnavailable, method, target, err)
		}
		return false, fmt.Errorf("%s %s: %w", method, target, err)
	}
	return found, nil
}

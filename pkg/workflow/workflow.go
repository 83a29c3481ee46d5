// Package workflow defines the boundary to the external workflow
// executor: the execution registry, its phases, and the node graph used
// for step progress.
package workflow

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlreadyExists is returned by StartWorkflowExecution when an
	// execution with the requested name exists.
	ErrAlreadyExists = errors.New("workflow execution already exists")
	// ErrUnavailable marks executor failures worth retrying on a later pass.
	ErrUnavailable = errors.New("workflow executor unavailable")
)

// Label keys stashed on every execution for reverse lookup.
const (
	LabelJobID          = "job_id"
	LabelWorkspaceID    = "workspace_id"
	LabelOrganizationID = "organization_id"
	LabelProjectID      = "project_id"
	LabelJobType        = "job_type"
	LabelAuthor         = "author"
	LabelExecutionType  = "execution_type"

	AnnotationStartTime = "start_time"
)

// Phase is the executor's status of an execution or node execution.
type Phase string

const (
	PhaseUndefined  Phase = "UNDEFINED"
	PhaseQueued     Phase = "QUEUED"
	PhaseRunning    Phase = "RUNNING"
	PhaseSucceeding Phase = "SUCCEEDING"
	PhaseSucceeded  Phase = "SUCCEEDED"
	PhaseFailing    Phase = "FAILING"
	PhaseFailed     Phase = "FAILED"
	PhaseAborting   Phase = "ABORTING"
	PhaseAborted    Phase = "ABORTED"
	PhaseTimedOut   Phase = "TIMED_OUT"
	PhaseSkipped    Phase = "SKIPPED"
)

// Terminal reports whether no further phase change is expected.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseSucceeded, PhaseFailed, PhaseAborted, PhaseTimedOut, PhaseSkipped:
		return true
	}
	return false
}

// Settling reports whether the execution is finished or on its way out,
// so a cancel request would achieve nothing.
func (p Phase) Settling() bool {
	switch p {
	case PhaseAborted, PhaseAborting, PhaseSucceeded, PhaseFailing, PhaseFailed, PhaseTimedOut:
		return true
	}
	return false
}

type WorkflowID struct {
	Project string `json:"project"`
	Domain  string `json:"domain"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Workflow struct {
	ID           WorkflowID `json:"id"`
	LaunchPlanID string     `json:"launch_plan_id"`
	Nodes        []Node     `json:"nodes"`
}

type Execution struct {
	Name        string            `json:"name"`
	ID          string            `json:"id"`
	Phase       Phase             `json:"phase"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

type NodeExecution struct {
	NodeID    string     `json:"node_id"`
	Phase     Phase      `json:"phase"`
	Progress  float64    `json:"progress,omitempty"`
	Error     string     `json:"error,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Executor is the client surface of the workflow engine. Fetches of
// something that does not exist return (nil, nil).
type Executor interface {
	FetchWorkflow(ctx context.Context, name, version string) (*Workflow, error)
	StartWorkflowExecution(ctx context.Context, name string, wf *Workflow, inputs map[string]interface{}, labels, annotations map[string]string) (*Execution, error)
	FetchWorkflowExecution(ctx context.Context, name string) (*Execution, error)
	CancelWorkflowExecution(ctx context.Context, exec *Execution) error
	ListWorkflowExecutions(ctx context.Context, names []string) ([]*Execution, error)
	ListNodeExecutions(ctx context.Context, name string) ([]NodeExecution, error)
}

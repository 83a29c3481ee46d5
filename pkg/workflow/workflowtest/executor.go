// Package workflowtest provides an in-memory workflow.Executor.
package workflowtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/synaptica-ai/jobs/pkg/workflow"
)

// Executor records every call and keeps executions in memory. The Err
// fields, when set, are returned by the matching method instead of
// doing any work.
type Executor struct {
	mu         sync.Mutex
	workflows  map[string]*workflow.Workflow
	executions map[string]*workflow.Execution
	nodes      map[string][]workflow.NodeExecution
	starts     map[string]int
	cancels    map[string]int
	seq        int

	StartErr  error
	FetchErr  error
	CancelErr error
}

func New() *Executor {
	return &Executor{
		workflows:  map[string]*workflow.Workflow{},
		executions: map[string]*workflow.Execution{},
		nodes:      map[string][]workflow.NodeExecution{},
		starts:     map[string]int{},
		cancels:    map[string]int{},
	}
}

func workflowKey(name, version string) string {
	return name + "@" + version
}

// AddWorkflow registers a workflow that FetchWorkflow can return.
func (e *Executor) AddWorkflow(name, version string, nodes ...workflow.Node) *workflow.Workflow {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf := &workflow.Workflow{
		ID:           workflow.WorkflowID{Project: "test", Domain: "development", Name: name, Version: version},
		LaunchPlanID: "lp-" + name + "-" + version,
		Nodes:        nodes,
	}
	e.workflows[workflowKey(name, version)] = wf
	return wf
}

// AddExecution stores an execution as though it had been started.
func (e *Executor) AddExecution(exec *workflow.Execution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if exec.ID == "" {
		exec.ID = exec.Name
	}
	e.executions[exec.Name] = exec
}

func (e *Executor) SetPhase(name string, phase workflow.Phase, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if exec, ok := e.executions[name]; ok {
		exec.Phase = phase
		exec.Error = errMsg
		exec.UpdatedAt = time.Now().UTC()
	}
}

func (e *Executor) SetNodeExecutions(name string, nodes ...workflow.NodeExecution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodes[name] = nodes
}

func (e *Executor) StartCalls(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts[name]
}

func (e *Executor) TotalStartCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, n := range e.starts {
		total += n
	}
	return total
}

func (e *Executor) CancelCalls(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancels[name]
}

func (e *Executor) TotalCancelCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, n := range e.cancels {
		total += n
	}
	return total
}

func (e *Executor) Execution(name string) *workflow.Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.executions[name]
	if !ok {
		return nil
	}
	cp := *exec
	return &cp
}

func (e *Executor) FetchWorkflow(_ context.Context, name, version string) (*workflow.Workflow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FetchErr != nil {
		return nil, e.FetchErr
	}
	return e.workflows[workflowKey(name, version)], nil
}

func (e *Executor) StartWorkflowExecution(_ context.Context, name string, wf *workflow.Workflow, inputs map[string]interface{}, labels, annotations map[string]string) (*workflow.Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts[name]++
	if e.StartErr != nil {
		return nil, e.StartErr
	}
	if _, exists := e.executions[name]; exists {
		return nil, fmt.Errorf("%w: %s", workflow.ErrAlreadyExists, name)
	}
	e.seq++
	now := time.Now().UTC()
	exec := &workflow.Execution{
		Name:        name,
		ID:          fmt.Sprintf("exec-%d", e.seq),
		Phase:       workflow.PhaseQueued,
		Labels:      copyMap(labels),
		Annotations: copyMap(annotations),
		UpdatedAt:   now,
	}
	e.executions[name] = exec
	cp := *exec
	return &cp, nil
}

func (e *Executor) FetchWorkflowExecution(_ context.Context, name string) (*workflow.Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FetchErr != nil {
		return nil, e.FetchErr
	}
	exec, ok := e.executions[name]
	if !ok {
		return nil, nil
	}
	cp := *exec
	return &cp, nil
}

func (e *Executor) CancelWorkflowExecution(_ context.Context, exec *workflow.Execution) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels[exec.Name]++
	if e.CancelErr != nil {
		return e.CancelErr
	}
	stored, ok := e.executions[exec.Name]
	if !ok {
		return fmt.Errorf("execution %s not found", exec.Name)
	}
	stored.Phase = workflow.PhaseAborting
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (e *Executor) ListWorkflowExecutions(_ context.Context, names []string) ([]*workflow.Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FetchErr != nil {
		return nil, e.FetchErr
	}
	var out []*workflow.Execution
	for _, name := range names {
		if exec, ok := e.executions[name]; ok {
			cp := *exec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (e *Executor) ListNodeExecutions(_ context.Context, name string) ([]workflow.NodeExecution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FetchErr != nil {
		return nil, e.FetchErr
	}
	return append([]workflow.NodeExecution(nil), e.nodes[name]...), nil
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

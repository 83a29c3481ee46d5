// Package execution translates claimed jobs into workflow executions and
// reconciles executor status back into the job record.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/jobs/pkg/jobs"
	"github.com/synaptica-ai/jobs/pkg/observability/metrics"
	"github.com/synaptica-ai/jobs/pkg/workflow"
)

var (
	// ErrPermanent marks start failures no retry can fix, such as a job
	// type whose workflow is not registered.
	ErrPermanent         = errors.New("permanent execution error")
	ErrUnrecognizedPhase = errors.New("unrecognized execution phase")
	ErrExecutionMissing  = errors.New("recorded execution not found")
)

type Adapter struct {
	store          jobs.Store
	executor       workflow.Executor
	registry       *jobs.Registry
	organizationID string
	metrics        *metrics.Metrics
	log            logrus.FieldLogger
	now            func() time.Time
}

func NewAdapter(store jobs.Store, executor workflow.Executor, registry *jobs.Registry, organizationID string, m *metrics.Metrics, log logrus.FieldLogger) *Adapter {
	return &Adapter{
		store:          store,
		executor:       executor,
		registry:       registry,
		organizationID: organizationID,
		metrics:        m,
		log:            log,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// ExecutionName derives the executor-side name of a job's execution.
// Restarting with the same name never creates a second remote run.
func ExecutionName(jobID string, t jobs.ExecutionType) string {
	return string(t) + "-" + strings.ReplaceAll(strings.ToLower(jobID), "-", "")
}

func (a *Adapter) Labels(job *jobs.Job, t jobs.ExecutionType) map[string]string {
	return map[string]string{
		workflow.LabelJobID:          job.ID,
		workflow.LabelWorkspaceID:    job.WorkspaceID,
		workflow.LabelOrganizationID: a.organizationID,
		workflow.LabelProjectID:      job.ProjectID,
		workflow.LabelJobType:        job.Type,
		workflow.LabelAuthor:         job.Author,
		workflow.LabelExecutionType:  string(t),
	}
}

// Start launches the job's main workflow and records the execution.
func (a *Adapter) Start(ctx context.Context, job *jobs.Job) (*workflow.Execution, error) {
	return a.start(ctx, job, jobs.ExecutionMain)
}

// StartRevert launches the compensating workflow of the job type.
func (a *Adapter) StartRevert(ctx context.Context, job *jobs.Job) (*workflow.Execution, error) {
	return a.start(ctx, job, jobs.ExecutionRevert)
}

func (a *Adapter) workflowFor(job *jobs.Job, t jobs.ExecutionType) (jobs.WorkflowRef, error) {
	jt, ok := a.registry.Lookup(job.Type)
	if !ok {
		return jobs.WorkflowRef{}, fmt.Errorf("%w: %w: %s", ErrPermanent, jobs.ErrUnknownJobType, job.Type)
	}
	if t == jobs.ExecutionRevert {
		if jt.RevertWorkflow == nil {
			return jobs.WorkflowRef{}, fmt.Errorf("%w: %s jobs have no revert workflow", ErrPermanent, job.Type)
		}
		return *jt.RevertWorkflow, nil
	}
	return jt.Workflow, nil
}

func (a *Adapter) start(ctx context.Context, job *jobs.Job, t jobs.ExecutionType) (*workflow.Execution, error) {
	ref, err := a.workflowFor(job, t)
	if err != nil {
		return nil, err
	}
	wf, err := a.executor.FetchWorkflow(ctx, ref.Name, ref.Version)
	if err != nil {
		return nil, fmt.Errorf("fetching workflow %s:%s: %w", ref.Name, ref.Version, err)
	}
	if wf == nil {
		return nil, fmt.Errorf("%w: workflow %s:%s is not registered", ErrPermanent, ref.Name, ref.Version)
	}

	name := ExecutionName(job.ID, t)
	annotations := map[string]string{workflow.AnnotationStartTime: a.now().Format(time.RFC3339)}
	exec, err := a.executor.StartWorkflowExecution(ctx, name, wf, job.Payload, a.Labels(job, t), annotations)
	if errors.Is(err, workflow.ErrAlreadyExists) {
		// An earlier attempt reached the executor; adopt its execution.
		exec, err = a.executor.FetchWorkflowExecution(ctx, name)
		if err == nil && exec == nil {
			err = fmt.Errorf("execution %s reported as existing but not found", name)
		}
	}
	if err != nil {
		a.metrics.StartAttempt(string(t), "error")
		return nil, fmt.Errorf("starting execution %s: %w", name, err)
	}
	a.metrics.StartAttempt(string(t), "started")

	if err := a.record(ctx, job, t, exec, wf); err != nil {
		return exec, err
	}
	if t == jobs.ExecutionMain {
		a.ensureSteps(ctx, job, wf)
	}
	a.log.WithFields(logrus.Fields{
		"job_id":         job.ID,
		"job_type":       job.Type,
		"execution":      name,
		"execution_type": string(t),
	}).Info("workflow execution started")
	return exec, nil
}

// record stores the execution id once. A lost race means another replica
// already recorded the same deterministic name, which is not an error.
func (a *Adapter) record(ctx context.Context, job *jobs.Job, t jobs.ExecutionType, exec *workflow.Execution, wf *workflow.Workflow) error {
	idCol, lpCol := jobs.ColMainExecutionID, jobs.ColMainLaunchPlanID
	if t == jobs.ExecutionRevert {
		idCol, lpCol = jobs.ColRevertExecutionID, jobs.ColRevertLaunchPlanID
	}
	ok, err := a.store.Update(ctx, job.ID, jobs.Fields{idCol: nil}, jobs.Fields{
		idCol: exec.Name,
		lpCol: wf.LaunchPlanID,
	})
	if err != nil {
		return fmt.Errorf("recording execution %s: %w", exec.Name, err)
	}
	if !ok {
		a.log.WithFields(logrus.Fields{"job_id": job.ID, "execution": exec.Name}).Warn("execution already recorded")
	}
	info := jobs.ExecutionInfo{LaunchPlanID: wf.LaunchPlanID, ExecutionID: exec.Name}
	if t == jobs.ExecutionRevert {
		if job.Executions.Revert != nil {
			info.StartRetryCounter = job.Executions.Revert.StartRetryCounter
		}
		job.Executions.Revert = &info
	} else {
		job.Executions.Main.ExecutionID = info.ExecutionID
		job.Executions.Main.LaunchPlanID = info.LaunchPlanID
	}
	return nil
}

func (a *Adapter) ensureSteps(ctx context.Context, job *jobs.Job, wf *workflow.Workflow) {
	flat, _ := workflow.FlattenNodes(wf.Nodes)
	if len(flat) == 0 {
		return
	}
	steps := make([]jobs.StepDetail, 0, len(flat))
	for _, s := range flat {
		steps = append(steps, jobs.StepDetail{
			Index:  s.Index,
			NodeID: s.NodeID,
			Name:   s.Name,
			State:  jobs.StateScheduled,
			Branch: s.Branch,
		})
	}
	if err := a.store.EnsureSteps(ctx, job.ID, steps); err != nil {
		a.log.WithError(err).WithField("job_id", job.ID).Warn("failed to record job steps")
		return
	}
	if len(job.StepDetails) == 0 {
		job.StepDetails = steps
	}
}

// Cancel asks the executor to stop the job's main execution.
func (a *Adapter) Cancel(ctx context.Context, job *jobs.Job) (bool, error) {
	return a.CancelExecution(ctx, job.Executions.Main.ExecutionID)
}

// CancelExecution cancels the named execution unless it is missing or
// already finished or terminating. It reports whether a cancel call was
// issued.
func (a *Adapter) CancelExecution(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, nil
	}
	exec, err := a.executor.FetchWorkflowExecution(ctx, name)
	if err != nil {
		return false, fmt.Errorf("fetching execution %s: %w", name, err)
	}
	if exec == nil || exec.Phase.Settling() {
		return false, nil
	}
	if err := a.executor.CancelWorkflowExecution(ctx, exec); err != nil {
		return false, fmt.Errorf("cancelling execution %s: %w", name, err)
	}
	return true, nil
}

// Action is the local consequence of an executor phase.
type Action int

const (
	ActionNone Action = iota
	ActionRunning
	ActionFinished
	ActionFailed
	ActionAborting
	ActionAborted
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRunning:
		return "running"
	case ActionFinished:
		return "finished"
	case ActionFailed:
		return "failed"
	case ActionAborting:
		return "aborting"
	case ActionAborted:
		return "aborted"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Map translates an execution phase. Unknown phases are an error to
// retry on the next poll, never a verdict on the job.
func Map(phase workflow.Phase) (Action, error) {
	switch phase {
	case workflow.PhaseUndefined, workflow.PhaseQueued:
		return ActionNone, nil
	case workflow.PhaseRunning, workflow.PhaseSucceeding, workflow.PhaseFailing:
		return ActionRunning, nil
	case workflow.PhaseSucceeded:
		return ActionFinished, nil
	case workflow.PhaseFailed, workflow.PhaseTimedOut:
		return ActionFailed, nil
	case workflow.PhaseAborting:
		return ActionAborting, nil
	case workflow.PhaseAborted:
		return ActionAborted, nil
	default:
		return ActionNone, fmt.Errorf("%w: %q", ErrUnrecognizedPhase, phase)
	}
}

type Status struct {
	Execution *workflow.Execution
	Action    Action
}

// Poll fetches the job's main execution and refreshes its step progress.
func (a *Adapter) Poll(ctx context.Context, job *jobs.Job) (Status, error) {
	return a.poll(ctx, job, job.Executions.Main.ExecutionID, true)
}

// PollRevert fetches the job's revert execution.
func (a *Adapter) PollRevert(ctx context.Context, job *jobs.Job) (Status, error) {
	if job.Executions.Revert == nil {
		return Status{}, fmt.Errorf("%w: job %s has no revert execution", ErrExecutionMissing, job.ID)
	}
	return a.poll(ctx, job, job.Executions.Revert.ExecutionID, false)
}

func (a *Adapter) poll(ctx context.Context, job *jobs.Job, name string, withSteps bool) (Status, error) {
	if name == "" {
		return Status{}, fmt.Errorf("%w: job %s", ErrExecutionMissing, job.ID)
	}
	exec, err := a.executor.FetchWorkflowExecution(ctx, name)
	if err != nil {
		return Status{}, fmt.Errorf("fetching execution %s: %w", name, err)
	}
	if exec == nil {
		return Status{}, fmt.Errorf("%w: %s", ErrExecutionMissing, name)
	}
	return a.observe(ctx, job, exec, withSteps)
}

// Executions fetches the named executions in one call, keyed by name.
// Names the executor does not know are absent from the result.
func (a *Adapter) Executions(ctx context.Context, names []string) (map[string]*workflow.Execution, error) {
	list, err := a.executor.ListWorkflowExecutions(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("listing %d executions: %w", len(names), err)
	}
	out := make(map[string]*workflow.Execution, len(list))
	for _, exec := range list {
		if exec != nil {
			out[exec.Name] = exec
		}
	}
	return out, nil
}

// Observe maps an execution fetched by Executions. Step progress is
// refreshed for main executions only.
func (a *Adapter) Observe(ctx context.Context, job *jobs.Job, exec *workflow.Execution, t jobs.ExecutionType) (Status, error) {
	return a.observe(ctx, job, exec, t == jobs.ExecutionMain)
}

func (a *Adapter) observe(ctx context.Context, job *jobs.Job, exec *workflow.Execution, withSteps bool) (Status, error) {
	action, err := Map(exec.Phase)
	if err != nil {
		return Status{Execution: exec}, err
	}
	if withSteps {
		if err := a.syncSteps(ctx, job, exec.Name); err != nil {
			a.log.WithError(err).WithField("job_id", job.ID).Warn("failed to update job steps")
		}
	}
	return Status{Execution: exec, Action: action}, nil
}

func (a *Adapter) syncSteps(ctx context.Context, job *jobs.Job, name string) error {
	if len(job.StepDetails) == 0 {
		ref, err := a.workflowFor(job, jobs.ExecutionMain)
		if err != nil {
			return err
		}
		wf, err := a.executor.FetchWorkflow(ctx, ref.Name, ref.Version)
		if err != nil || wf == nil {
			return err
		}
		a.ensureSteps(ctx, job, wf)
	}
	byNode := make(map[string]int, len(job.StepDetails))
	for _, s := range job.StepDetails {
		byNode[s.NodeID] = s.Index
	}

	nodes, err := a.executor.ListNodeExecutions(ctx, name)
	if err != nil {
		return fmt.Errorf("listing node executions of %s: %w", name, err)
	}
	for _, n := range nodes {
		idx, ok := byNode[n.NodeID]
		if !ok {
			continue
		}
		step := stepFromNode(idx, n)
		if _, err := a.store.UpdateStep(ctx, job.ID, step); err != nil {
			return err
		}
	}
	return nil
}

func stepFromNode(index int, n workflow.NodeExecution) jobs.StepDetail {
	step := jobs.StepDetail{
		Index:     index,
		NodeID:    n.NodeID,
		Progress:  n.Progress,
		Message:   n.Error,
		StartTime: n.StartedAt,
	}
	switch n.Phase {
	case workflow.PhaseRunning, workflow.PhaseSucceeding, workflow.PhaseFailing:
		step.State = jobs.StateRunning
	case workflow.PhaseSucceeded, workflow.PhaseSkipped:
		step.State = jobs.StateFinished
		step.Progress = 100
	case workflow.PhaseFailed, workflow.PhaseTimedOut:
		step.State = jobs.StateFailed
	case workflow.PhaseAborted, workflow.PhaseAborting:
		step.State = jobs.StateCancelled
	default:
		step.State = jobs.StateScheduled
	}
	if n.Phase.Terminal() {
		step.EndTime = n.UpdatedAt
	}
	return step
}

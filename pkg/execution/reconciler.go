package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/jobs/pkg/jobs"
	"github.com/synaptica-ai/jobs/pkg/observability/metrics"
	"github.com/synaptica-ai/jobs/pkg/workflow"
)

// pollBatch bounds the executions fetched by one list call.
const pollBatch = 100

// Reconciler polls live executions and applies their phases to the job
// records.
type Reconciler struct {
	store       jobs.Store
	adapter     *Adapter
	transition  *jobs.Transitioner
	metrics     *metrics.Metrics
	log         logrus.FieldLogger
	callTimeout time.Duration
	now         func() time.Time
}

func NewReconciler(store jobs.Store, adapter *Adapter, events jobs.EventPublisher, m *metrics.Metrics, log logrus.FieldLogger, callTimeout time.Duration) *Reconciler {
	store = jobs.WithCallTimeout(store, callTimeout)
	now := func() time.Time { return time.Now().UTC() }
	return &Reconciler{
		store:   store,
		adapter: adapter,
		transition: &jobs.Transitioner{
			Store:   store,
			Events:  events,
			Metrics: m,
			Log:     log,
			Source:  "jobs-reconciler",
			Now:     now,
		},
		metrics:     m,
		log:         log,
		callTimeout: callTimeout,
		now:         now,
	}
}

// RunPass polls every job with a live main or revert execution once.
// Errors are per job and never stop the pass; the count is returned.
func (r *Reconciler) RunPass(ctx context.Context) int {
	start := time.Now()
	errs := 0

	main, err := r.store.Find(ctx, jobs.Fields{jobs.ColState: jobs.MainExecutionStates}, jobs.Earliest, 0)
	if err != nil {
		r.log.WithError(err).Error("failed to list running jobs")
		errs++
	}
	errs += r.reconcileAll(ctx, main, jobs.ExecutionMain)

	reverts, err := r.store.Find(ctx, jobs.Fields{jobs.ColState: jobs.RevertExecutionStates}, jobs.Earliest, 0)
	if err != nil {
		r.log.WithError(err).Error("failed to list reverting jobs")
		errs++
	}
	errs += r.reconcileAll(ctx, reverts, jobs.ExecutionRevert)

	r.metrics.PassFinished("reconciler", time.Since(start).Seconds(), errs)
	return errs
}

func executionID(job *jobs.Job, t jobs.ExecutionType) string {
	if t == jobs.ExecutionRevert {
		if job.Executions.Revert == nil {
			return ""
		}
		return job.Executions.Revert.ExecutionID
	}
	return job.Executions.Main.ExecutionID
}

// reconcileAll fetches the executions of list in batches and applies
// each one to its job.
func (r *Reconciler) reconcileAll(ctx context.Context, list []*jobs.Job, t jobs.ExecutionType) int {
	live := make([]*jobs.Job, 0, len(list))
	for _, job := range list {
		if executionID(job, t) != "" {
			live = append(live, job)
		}
	}

	errs := 0
	for from := 0; from < len(live) && ctx.Err() == nil; from += pollBatch {
		chunk := live[from:min(from+pollBatch, len(live))]
		names := make([]string, len(chunk))
		for i, job := range chunk {
			names[i] = executionID(job, t)
		}

		listCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		execs, err := r.adapter.Executions(listCtx, names)
		cancel()
		if err != nil {
			r.log.WithError(err).WithField("execution_type", string(t)).Error("failed to list executions")
			errs++
			continue
		}

		for _, job := range chunk {
			exec := execs[executionID(job, t)]
			if err := r.withTimeout(ctx, job, func(ctx context.Context, job *jobs.Job) error {
				return r.reconcile(ctx, job, exec, t)
			}); err != nil {
				errs++
			}
		}
	}
	return errs
}

func (r *Reconciler) reconcile(ctx context.Context, job *jobs.Job, exec *workflow.Execution, t jobs.ExecutionType) error {
	if exec == nil {
		// Not in the listing; a direct fetch tells missing from lagging.
		if t == jobs.ExecutionRevert {
			return r.ReconcileRevert(ctx, job)
		}
		return r.ReconcileMain(ctx, job)
	}
	status, err := r.adapter.Observe(ctx, job, exec, t)
	if err != nil {
		return err
	}
	if t == jobs.ExecutionRevert {
		return r.applyRevert(ctx, job, status)
	}
	return r.applyMain(ctx, job, status)
}

func (r *Reconciler) withTimeout(ctx context.Context, job *jobs.Job, fn func(context.Context, *jobs.Job) error) error {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	err := fn(callCtx, job)
	if err != nil {
		entry := r.log.WithError(err).WithFields(logrus.Fields{"job_id": job.ID, "state": job.State.String()})
		if errors.Is(err, ErrUnrecognizedPhase) {
			entry.Warn("unrecognized execution phase, retrying next poll")
		} else {
			entry.Error("failed to reconcile job")
		}
	}
	return err
}

// ReconcileMain applies the main execution's phase to a SCHEDULED or
// RUNNING job.
func (r *Reconciler) ReconcileMain(ctx context.Context, job *jobs.Job) error {
	status, err := r.adapter.Poll(ctx, job)
	if err != nil {
		return err
	}
	return r.applyMain(ctx, job, status)
}

func (r *Reconciler) applyMain(ctx context.Context, job *jobs.Job, status Status) error {
	var err error
	exec := status.Execution
	now := r.now()

	switch status.Action {
	case ActionNone, ActionAborting:
		return nil
	case ActionRunning:
		if job.State != jobs.StateScheduled {
			return nil
		}
		patch := jobs.Fields{}
		if job.StartTime == nil {
			patch[jobs.ColStartTime] = startTime(exec.StartedAt, now)
		}
		_, err = r.transition.To(ctx, job, nil, jobs.StateRunning, patch)
	case ActionFinished:
		patch := jobs.Fields{jobs.ColEndTime: now}
		if job.StartTime == nil {
			patch[jobs.ColStartTime] = startTime(exec.StartedAt, now)
		}
		_, err = r.transition.To(ctx, job, nil, jobs.StateFinished, patch)
	case ActionFailed:
		msg := exec.Error
		if msg == "" {
			msg = fmt.Sprintf("workflow execution %s ended in %s", exec.Name, exec.Phase)
		}
		_, err = r.transition.To(ctx, job, nil, jobs.StateFailed, jobs.Fields{jobs.ColMessage: msg})
	case ActionAborted:
		// Aborted out from under us: take the cancellation path.
		_, err = r.transition.To(ctx, job, nil, jobs.StateReadyForRevert, jobs.Fields{
			jobs.ColMessage:     "workflow execution was aborted",
			jobs.ColCancelingAt: nil,
		})
	}
	return err
}

// ReconcileRevert applies the revert execution's phase to a
// REVERT_SCHEDULED or REVERTING job. Every terminal phase ends in
// CANCELLED; a failed revert leaves a warning on the job.
func (r *Reconciler) ReconcileRevert(ctx context.Context, job *jobs.Job) error {
	status, err := r.adapter.PollRevert(ctx, job)
	if err != nil {
		return err
	}
	return r.applyRevert(ctx, job, status)
}

func (r *Reconciler) applyRevert(ctx context.Context, job *jobs.Job, status Status) error {
	var err error
	exec := status.Execution
	now := r.now()

	switch status.Action {
	case ActionNone, ActionAborting:
		return nil
	case ActionRunning:
		if job.State != jobs.StateRevertScheduled {
			return nil
		}
		_, err = r.transition.To(ctx, job, nil, jobs.StateReverting, nil)
	case ActionFinished:
		_, err = r.transition.To(ctx, job, nil, jobs.StateCancelled, jobs.Fields{jobs.ColCancelTime: now})
	case ActionFailed, ActionAborted:
		msg := exec.Error
		if msg == "" {
			msg = string(exec.Phase)
		}
		_, err = r.transition.To(ctx, job, nil, jobs.StateCancelled, jobs.Fields{
			jobs.ColCancelTime: now,
			jobs.ColMessage:    "cancelled, revert did not complete: " + msg,
		})
		if err == nil {
			r.log.WithFields(logrus.Fields{"job_id": job.ID, "execution": exec.Name, "phase": string(exec.Phase)}).
				Warn("revert execution did not succeed")
		}
	}
	return err
}

func startTime(reported *time.Time, fallback time.Time) time.Time {
	if reported != nil {
		return reported.UTC()
	}
	return fallback
}

// Package cancellation drives jobs flagged for cancellation to
// CANCELLED, cancelling their remote executions and running revert
// workflows where the job type has one.
package cancellation

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

const (
	source    = "jobs-cancellation"
	lockBatch = 100
)

// Executor is the part of the execution adapter the loop drives.
type Executor interface {
	CancelExecution(ctx context.Context, name string) (bool, error)
	StartRevert(ctx context.Context, job *jobs.Job) (*workflow.Execution, error)
}

type Config struct {
	MaxCancelRetries int
	MaxRevertRetries int
	StaleLockTimeout time.Duration
	CallTimeout      time.Duration
}

type Loop struct {
	store      jobs.Store
	executor   Executor
	transition *jobs.Transitioner
	metrics    *metrics.Metrics
	log        logrus.FieldLogger
	cfg        Config
	now        func() time.Time
}

func New(store jobs.Store, executor Executor, events jobs.EventPublisher, m *metrics.Metrics, log logrus.FieldLogger, cfg Config) *Loop {
	if cfg.MaxCancelRetries <= 0 {
		cfg.MaxCancelRetries = 10
	}
	if cfg.MaxRevertRetries <= 0 {
		cfg.MaxRevertRetries = 5
	}
	if cfg.StaleLockTimeout <= 0 {
		cfg.StaleLockTimeout = 5 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	store = jobs.WithCallTimeout(store, cfg.CallTimeout)
	now := func() time.Time { return time.Now().UTC() }
	return &Loop{
		store:    store,
		executor: executor,
		transition: &jobs.Transitioner{
			Store:   store,
			Events:  events,
			Metrics: m,
			Log:     log,
			Source:  source,
			Now:     now,
		},
		metrics: m,
		log:     log,
		cfg:     cfg,
		now:     now,
	}
}

// RunPass handles every job that needs cancellation work and returns
// the number of per-job errors. Each job is acted on at most once per
// pass, so a job whose remote cancel keeps failing costs one attempt
// per pass.
func (l *Loop) RunPass(ctx context.Context) int {
	start := time.Now()
	errs := 0
	fail := func(err error, job string, msg string) {
		errs++
		entry := l.log.WithError(err)
		if job != "" {
			entry = entry.WithField("job_id", job)
		}
		entry.Error(msg)
	}

	if err := l.FixStaleCancelLocks(ctx); err != nil {
		fail(err, "", "failed to reset stale cancel locks")
	}

	seen := map[string]bool{}
	for ctx.Err() == nil {
		job, err := l.FindAndLockJobForCanceling(ctx, seen)
		if err != nil {
			fail(err, "", "failed to lock a job for cancelling")
			break
		}
		if job == nil {
			break
		}
		if err := l.CancelMainJob(ctx, job.ID); err != nil {
			fail(err, job.ID, "failed to cancel job")
		}
	}

	// Each pending job is tried once per pass; one that keeps failing
	// does not hide the ones behind it.
	tried := map[string]bool{}
	for ctx.Err() == nil {
		job, err := l.GetCancelledJob(ctx, jobs.PendingStates, tried)
		if err != nil {
			fail(err, "", "failed to find cancelled pending jobs")
			break
		}
		if job == nil {
			break
		}
		if _, err := l.SetAndPublishCancelledState(ctx, job, ""); err != nil {
			fail(err, job.ID, "failed to cancel pending job")
		}
	}

	errs += l.DispatchReverts(ctx)
	errs += l.Purge(ctx)

	l.metrics.PassFinished("cancellation", time.Since(start).Seconds(), errs)
	return errs
}

// callContext bounds one call to the executor.
func (l *Loop) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.cfg.CallTimeout)
}

// settleContext is for recording the outcome of an executor call that
// may have used up its own deadline. It outlives a cancelled pass.
func (l *Loop) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.cfg.CallTimeout)
}

// FindAndLockJobForCanceling locks one cancelled job that has, or is
// about to have, a live main execution. Jobs in seen are skipped and
// every job looked at is added to it.
func (l *Loop) FindAndLockJobForCanceling(ctx context.Context, seen map[string]bool) (*jobs.Job, error) {
	candidates, err := l.store.Find(ctx, jobs.Fields{
		jobs.ColIsCancelled: true,
		jobs.ColCancelingAt: nil,
		jobs.ColState:       jobs.MainExecutionStates,
	}, jobs.Earliest, len(seen)+lockBatch)
	if err != nil {
		return nil, err
	}
	for _, job := range candidates {
		if seen[job.ID] {
			continue
		}
		seen[job.ID] = true
		now := l.now()
		ok, err := l.store.Update(ctx, job.ID, jobs.Fields{
			jobs.ColIsCancelled: true,
			jobs.ColCancelingAt: nil,
			jobs.ColState:       job.State,
		}, jobs.Fields{jobs.ColCancelingAt: now})
		if err != nil {
			return nil, fmt.Errorf("locking job %s: %w", job.ID, err)
		}
		if ok {
			job.CancellationInfo.CancelingAt = &now
			return job, nil
		}
	}
	return nil, nil
}

// CancelMainJob acts on a job this loop holds the cancel lock of.
func (l *Loop) CancelMainJob(ctx context.Context, id string) error {
	job, err := l.store.GetByID(ctx, id)
	if errors.Is(err, jobs.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	log := l.log.WithFields(logrus.Fields{"job_id": job.ID, "job_type": job.Type, "state": job.State.String()})

	if !job.CancellationInfo.IsCancelled || (job.State != jobs.StateScheduled && job.State != jobs.StateRunning) {
		return l.releaseLock(ctx, job)
	}
	if job.Executions.Main.CancelRetryCounter >= l.cfg.MaxCancelRetries {
		return l.DropCancelledFlag(ctx, job)
	}

	if !job.HasMainExecution() {
		if job.StartInFlight() {
			log.Debug("start in flight, cancelling later")
			return l.releaseLock(ctx, job)
		}
		ok, err := l.transition.To(ctx, job, jobs.Fields{
			jobs.ColState:                jobs.StateScheduled,
			jobs.ColMainExecutionID:      nil,
			jobs.ColMainProcessStartTime: nil,
		}, jobs.StateCancelled, jobs.Fields{
			jobs.ColCancelTime:  l.now(),
			jobs.ColCancelingAt: nil,
		})
		if err != nil || ok {
			return err
		}
		return l.releaseLock(ctx, job)
	}

	callCtx, cancel := l.callContext(ctx)
	issued, err := l.CancelExecution(callCtx, job.Executions.Main.ExecutionID)
	cancel()
	if err != nil {
		l.metrics.CancelAttempt("error")
		settleCtx, cancel := l.settleContext(ctx)
		defer cancel()
		if rerr := l.ResetCancelingJob(settleCtx, job); rerr != nil {
			return fmt.Errorf("%v; resetting cancel lock: %w", err, rerr)
		}
		return err
	}
	if issued {
		l.metrics.CancelAttempt("issued")
	} else {
		l.metrics.CancelAttempt("skipped")
	}

	ok, err := l.transition.To(ctx, job, jobs.Fields{jobs.ColState: []jobs.State{jobs.StateScheduled, jobs.StateRunning}},
		jobs.StateReadyForRevert, jobs.Fields{
			jobs.ColCancelingAt: nil,
			jobs.ColMessage:     "cancellation requested",
		})
	if err != nil {
		return err
	}
	if !ok {
		// Finished on its own meanwhile.
		return l.releaseLock(ctx, job)
	}
	return nil
}

// CancelExecution stops the named execution unless it is gone or
// already settling.
func (l *Loop) CancelExecution(ctx context.Context, name string) (bool, error) {
	return l.executor.CancelExecution(ctx, name)
}

// DropCancelledFlag gives up on cancelling a job whose remote cancel
// kept failing. The job runs to its natural end.
func (l *Loop) DropCancelledFlag(ctx context.Context, job *jobs.Job) error {
	_, err := l.store.Update(ctx, job.ID, jobs.Fields{jobs.ColIsCancelled: true}, jobs.Fields{
		jobs.ColIsCancelled: false,
		jobs.ColCancelingAt: nil,
	})
	if err != nil {
		return fmt.Errorf("dropping cancelled flag: %w", err)
	}
	l.log.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"retries": job.Executions.Main.CancelRetryCounter,
	}).Warn("cancel retry budget exhausted, job will run to completion")
	return nil
}

// ResetCancelingJob releases the lock after a failed remote cancel and
// counts the attempt.
func (l *Loop) ResetCancelingJob(ctx context.Context, job *jobs.Job) error {
	n := job.Executions.Main.CancelRetryCounter
	_, err := l.store.Update(ctx, job.ID, jobs.Fields{jobs.ColMainCancelRetries: n}, jobs.Fields{
		jobs.ColCancelingAt:       nil,
		jobs.ColMainCancelRetries: n + 1,
	})
	return err
}

func (l *Loop) releaseLock(ctx context.Context, job *jobs.Job) error {
	_, err := l.store.Update(ctx, job.ID, jobs.Fields{jobs.ColID: job.ID}, jobs.Fields{jobs.ColCancelingAt: nil})
	return err
}

// GetCancelledJob returns one cancelled job in one of states that is
// not in skip, or nil. The returned job is added to skip.
func (l *Loop) GetCancelledJob(ctx context.Context, states []jobs.State, skip map[string]bool) (*jobs.Job, error) {
	candidates, err := l.store.Find(ctx, jobs.Fields{
		jobs.ColIsCancelled: true,
		jobs.ColState:       states,
	}, jobs.Earliest, len(skip)+lockBatch)
	if err != nil {
		return nil, err
	}
	for _, job := range candidates {
		if !skip[job.ID] {
			skip[job.ID] = true
			return job, nil
		}
	}
	return nil, nil
}

// SetAndPublishCancelledState moves job straight to CANCELLED if it is
// still in the state it was read in.
func (l *Loop) SetAndPublishCancelledState(ctx context.Context, job *jobs.Job, message string) (bool, error) {
	patch := jobs.Fields{
		jobs.ColCancelTime:  l.now(),
		jobs.ColCancelingAt: nil,
	}
	if message != "" {
		patch[jobs.ColMessage] = message
	}
	return l.transition.To(ctx, job, jobs.Fields{jobs.ColState: job.State, jobs.ColIsCancelled: true}, jobs.StateCancelled, patch)
}

func (l *Loop) FixStaleCancelLocks(ctx context.Context) error {
	n, err := l.store.ResetStaleCancelLocks(ctx, l.now().Add(-l.cfg.StaleLockTimeout))
	if err != nil {
		return err
	}
	if n > 0 {
		l.log.WithField("count", n).Warn("released stale cancel locks")
	}
	return nil
}

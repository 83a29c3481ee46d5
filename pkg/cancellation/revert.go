package cancellation

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/jobs/pkg/execution"
	"github.com/synaptica-ai/jobs/pkg/jobs"
)

// DispatchReverts starts the revert workflow of every READY_FOR_REVERT
// job, or cancels it outright when its type has none. It returns the
// number of per-job errors.
func (l *Loop) DispatchReverts(ctx context.Context) int {
	ready, err := l.store.Find(ctx, jobs.Fields{jobs.ColState: jobs.StateReadyForRevert}, jobs.Earliest, lockBatch)
	if err != nil {
		l.log.WithError(err).Error("failed to list jobs ready for revert")
		return 1
	}
	errs := 0
	for _, job := range ready {
		if ctx.Err() != nil {
			break
		}
		if err := l.dispatchRevert(ctx, job); err != nil {
			errs++
			l.log.WithError(err).WithFields(logrus.Fields{"job_id": job.ID, "job_type": job.Type}).Error("failed to dispatch revert")
		}
	}
	return errs
}

func (l *Loop) dispatchRevert(ctx context.Context, job *jobs.Job) error {
	rv := jobs.ExecutionInfo{}
	if job.Executions.Revert != nil {
		rv = *job.Executions.Revert
	}
	if rv.ExecutionID != "" {
		// Started by an earlier pass that stopped before moving the job.
		_, err := l.transition.To(ctx, job, nil, jobs.StateRevertScheduled, nil)
		return err
	}
	idle := jobs.Fields{
		jobs.ColState:              jobs.StateReadyForRevert,
		jobs.ColRevertExecutionID:  nil,
		jobs.ColRevertStartRetries: rv.StartRetryCounter,
	}
	if rv.ProcessStartTime != nil {
		if l.now().Sub(*rv.ProcessStartTime) < l.cfg.StaleLockTimeout {
			return nil
		}
		// Abandoned by a crashed replica; count it and try again.
		ok, err := l.store.Update(ctx, job.ID, idle, jobs.Fields{
			jobs.ColRevertProcessStart: nil,
			jobs.ColRevertStartRetries: rv.StartRetryCounter + 1,
		})
		if err != nil || !ok {
			return err
		}
		rv.StartRetryCounter++
		idle[jobs.ColRevertStartRetries] = rv.StartRetryCounter
	}
	if rv.StartRetryCounter >= l.cfg.MaxRevertRetries {
		_, err := l.transition.To(ctx, job, idle, jobs.StateCancelled, jobs.Fields{
			jobs.ColCancelTime: l.now(),
			jobs.ColMessage:    fmt.Sprintf("cancelled, revert could not be started after %d attempts", rv.StartRetryCounter),
		})
		return err
	}

	idle[jobs.ColRevertProcessStart] = nil
	ok, err := l.store.Update(ctx, job.ID, idle, jobs.Fields{jobs.ColRevertProcessStart: l.now()})
	if err != nil || !ok {
		return err
	}
	claimed := jobs.Fields{
		jobs.ColState:              jobs.StateReadyForRevert,
		jobs.ColRevertStartRetries: rv.StartRetryCounter,
	}

	callCtx, cancel := l.callContext(ctx)
	_, err = l.executor.StartRevert(callCtx, job)
	cancel()
	if err != nil {
		var done context.CancelFunc
		ctx, done = l.settleContext(ctx)
		defer done()
	}
	switch {
	case err == nil:
		_, err = l.transition.To(ctx, job, claimed, jobs.StateRevertScheduled, nil)
		return err
	case errors.Is(err, execution.ErrPermanent):
		// No revert workflow for this type.
		_, terr := l.transition.To(ctx, job, claimed, jobs.StateCancelled, jobs.Fields{jobs.ColCancelTime: l.now()})
		return terr
	}

	attempts := rv.StartRetryCounter + 1
	if attempts >= l.cfg.MaxRevertRetries {
		_, terr := l.transition.To(ctx, job, claimed, jobs.StateCancelled, jobs.Fields{
			jobs.ColCancelTime:         l.now(),
			jobs.ColRevertStartRetries: attempts,
			jobs.ColMessage:            "cancelled, revert could not be started: " + err.Error(),
		})
		if terr != nil {
			return terr
		}
		return err
	}
	if _, uerr := l.store.Update(ctx, job.ID, claimed, jobs.Fields{
		jobs.ColRevertProcessStart: nil,
		jobs.ColRevertStartRetries: attempts,
	}); uerr != nil {
		return fmt.Errorf("%v; releasing revert claim: %w", err, uerr)
	}
	return err
}

// Purge deletes terminal jobs flagged for deletion once nothing is left
// to settle for them.
func (l *Loop) Purge(ctx context.Context) int {
	flagged, err := l.store.Find(ctx, jobs.Fields{
		jobs.ColState:     jobs.TerminalStates,
		jobs.ColDeleteJob: true,
	}, jobs.Earliest, lockBatch)
	if err != nil {
		l.log.WithError(err).Error("failed to list jobs flagged for deletion")
		return 1
	}
	errs := 0
	for _, job := range flagged {
		if job.Cost != nil && !job.Cost.Reported {
			continue
		}
		if job.GPU != nil && job.GPU.State == jobs.GPUReserved {
			continue
		}
		deleted, err := l.store.DeleteFlagged(ctx, job.ID)
		if err != nil {
			errs++
			l.log.WithError(err).WithField("job_id", job.ID).Error("failed to delete job")
			continue
		}
		if deleted {
			l.log.WithFields(logrus.Fields{"job_id": job.ID, "job_type": job.Type}).Info("job deleted")
		}
	}
	return errs
}

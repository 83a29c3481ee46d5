package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/jobs/pkg/credits"
	"github.com/synaptica-ai/jobs/pkg/jobs"
	"github.com/synaptica-ai/jobs/pkg/resources"
)

// pending matches a SUBMITTED job nobody has cancelled yet.
func pending() jobs.Fields {
	return jobs.Fields{jobs.ColState: jobs.StateSubmitted, jobs.ColIsCancelled: false}
}

// Admit runs the gates of a SUBMITTED job in order: GPUs, credit lease,
// duplicate key. A gate that cannot pass yet leaves the job where it is;
// one that can never pass fails it. Gate results are recorded as they
// are obtained so a later pass does not acquire them twice.
func (s *Scheduler) Admit(ctx context.Context, job *jobs.Job) error {
	log := s.log.WithFields(logrus.Fields{"job_id": job.ID, "job_type": job.Type})

	if ok, err := s.reserveGPUs(ctx, job, log); err != nil || !ok {
		return err
	}
	if ok, err := s.acquireLease(ctx, job, log); err != nil || !ok {
		return err
	}

	live, err := s.store.FindOne(ctx, jobs.Fields{jobs.ColKey: job.Key, jobs.ColState: jobs.InProgressStates}, jobs.Latest)
	switch {
	case err == nil && live.ID != job.ID:
		log.WithField("live_job_id", live.ID).Info("job key already in progress, waiting")
		return nil
	case err != nil && !errors.Is(err, jobs.ErrJobNotFound):
		return fmt.Errorf("checking key %s: %w", job.Key, err)
	}

	ok, err := s.transition.To(ctx, job, pending(), jobs.StateReadyForScheduling, nil)
	if err != nil {
		if errors.Is(err, jobs.ErrDuplicateKey) {
			log.Info("job key taken while admitting, waiting")
			return nil
		}
		return fmt.Errorf("admitting job: %w", err)
	}
	if !ok {
		s.metrics.ClaimLost()
	}
	return nil
}

func (s *Scheduler) reserveGPUs(ctx context.Context, job *jobs.Job, log logrus.FieldLogger) (bool, error) {
	if job.GPU == nil || job.GPU.NumRequired == 0 || job.GPU.State == jobs.GPUReserved {
		return true, nil
	}
	callCtx, cancel := s.callContext(ctx)
	err := s.pool.Reserve(callCtx, job.ID, job.GPU.NumRequired)
	cancel()
	switch {
	case errors.Is(err, resources.ErrNeverSatisfiable):
		return false, s.reject(ctx, job, err)
	case errors.Is(err, resources.ErrExhausted):
		log.WithField("gpus", job.GPU.NumRequired).Debug("waiting for gpus")
		return false, nil
	case err != nil:
		return false, err
	}

	ok, err := s.store.Update(ctx, job.ID, pending(), jobs.Fields{jobs.ColGPUState: string(jobs.GPUReserved)})
	if err != nil || !ok {
		// Not recorded: cancelled, taken over or the store failed. Give
		// the GPUs back.
		relCtx, cancel := s.settleContext(ctx)
		defer cancel()
		if rerr := s.pool.Release(relCtx, job.ID); rerr != nil && err == nil {
			err = rerr
		}
		if err != nil {
			return false, fmt.Errorf("recording gpu reservation: %w", err)
		}
		return false, nil
	}
	job.GPU.State = jobs.GPUReserved
	return true, nil
}

func (s *Scheduler) acquireLease(ctx context.Context, job *jobs.Job, log logrus.FieldLogger) (bool, error) {
	if job.Cost == nil || job.Cost.LeaseID != "" {
		return true, nil
	}
	callCtx, cancel := s.callContext(ctx)
	lease, err := s.credits.AcquireLease(callCtx, job)
	cancel()
	if errors.Is(err, credits.ErrInsufficientCredits) {
		return false, s.reject(ctx, job, err)
	}
	if err != nil {
		return false, err
	}

	ok, err := s.store.Update(ctx, job.ID, pending(), jobs.Fields{jobs.ColCostLeaseID: lease})
	if err != nil {
		return false, fmt.Errorf("recording lease %s: %w", lease, err)
	}
	if !ok {
		retCtx, cancel := s.settleContext(ctx)
		defer cancel()
		if rerr := s.credits.ReportConsumption(retCtx, lease, nil); rerr != nil {
			log.WithError(rerr).WithField("lease_id", lease).Warn("failed to return unused lease")
		}
		return false, nil
	}
	job.Cost.LeaseID = lease
	return true, nil
}

// reject fails a SUBMITTED job whose gate can never pass.
func (s *Scheduler) reject(ctx context.Context, job *jobs.Job, cause error) error {
	_, err := s.transition.To(ctx, job, pending(), jobs.StateFailed, jobs.Fields{
		jobs.ColMessage: "job cannot be scheduled: " + cause.Error(),
	})
	return err
}

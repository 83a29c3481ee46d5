package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/jobs/pkg/credits"
	"github.com/synaptica-ai/jobs/pkg/jobs"
)

// Finalize returns the GPUs of terminal jobs to the pool and reports
// their credit consumption. It returns the number of per-job errors.
func (s *Scheduler) Finalize(ctx context.Context) int {
	errs := 0

	held, err := s.store.Find(ctx, jobs.Fields{
		jobs.ColState:    jobs.TerminalStates,
		jobs.ColGPUState: string(jobs.GPUReserved),
	}, jobs.Earliest, s.cfg.BatchSize)
	if err != nil {
		s.log.WithError(err).Error("failed to list jobs holding gpus")
		errs++
	}
	for _, job := range held {
		if err := s.releaseGPUs(ctx, job); err != nil {
			s.log.WithError(err).WithField("job_id", job.ID).Error("failed to release gpus")
			errs++
		}
	}

	unreported, err := s.store.Find(ctx, jobs.Fields{
		jobs.ColState:        jobs.TerminalStates,
		jobs.ColCostRequired: true,
		jobs.ColCostReported: false,
	}, jobs.Earliest, s.cfg.BatchSize)
	if err != nil {
		s.log.WithError(err).Error("failed to list unreported jobs")
		errs++
	}
	for _, job := range unreported {
		if err := s.reportCost(ctx, job); err != nil {
			s.log.WithError(err).WithField("job_id", job.ID).Error("failed to report job cost")
			errs++
		}
	}
	return errs
}

func (s *Scheduler) releaseGPUs(ctx context.Context, job *jobs.Job) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	if err := s.pool.Release(ctx, job.ID); err != nil {
		return err
	}
	_, err := s.store.Update(ctx, job.ID,
		jobs.Fields{jobs.ColGPUState: string(jobs.GPUReserved)},
		jobs.Fields{jobs.ColGPUState: string(jobs.GPUReleased)})
	return err
}

func (s *Scheduler) reportCost(ctx context.Context, job *jobs.Job) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	// A finished job is billed its full requests, any other end nothing.
	var consumed []jobs.ConsumedResource
	if job.State == jobs.StateFinished && job.Cost != nil {
		now := s.now()
		for _, r := range job.Cost.Requests {
			consumed = append(consumed, jobs.ConsumedResource{
				Amount:     r.Amount,
				Unit:       r.Unit,
				ConsumedAt: now,
				Service:    source,
			})
		}
	}

	if job.Cost != nil && job.Cost.LeaseID != "" {
		err := s.credits.ReportConsumption(ctx, job.Cost.LeaseID, consumed)
		if errors.Is(err, credits.ErrLeaseNotFound) {
			s.log.WithFields(logrus.Fields{"job_id": job.ID, "lease_id": job.Cost.LeaseID}).
				Warn("credit lease no longer exists, marking cost reported")
		} else if err != nil {
			return err
		}
	}

	raw, err := jobs.MarshalCost(consumed)
	if err != nil {
		return fmt.Errorf("encoding consumption: %w", err)
	}
	_, err = s.store.Update(ctx, job.ID,
		jobs.Fields{jobs.ColCostReported: false},
		jobs.Fields{jobs.ColCostReported: true, jobs.ColCostConsumed: raw})
	return err
}

// Package scheduler advances submitted jobs through admission gates and
// claims them for execution.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/jobs/pkg/credits"
	"github.com/synaptica-ai/jobs/pkg/execution"
	"github.com/synaptica-ai/jobs/pkg/jobs"
	"github.com/synaptica-ai/jobs/pkg/observability/metrics"
	"github.com/synaptica-ai/jobs/pkg/resources"
	"github.com/synaptica-ai/jobs/pkg/workflow"
)

const (
	source       = "jobs-scheduler"
	defaultBatch = 200
)

// Starter launches a claimed job's main execution.
type Starter interface {
	Start(ctx context.Context, job *jobs.Job) (*workflow.Execution, error)
}

type Config struct {
	MaxStartRetries   int
	MaxConcurrentJobs int // 0 is unlimited
	StaleLockTimeout  time.Duration
	CallTimeout       time.Duration
	BatchSize         int
}

type Scheduler struct {
	store      jobs.Store
	starter    Starter
	pool       resources.Pool
	credits    credits.Client
	transition *jobs.Transitioner
	metrics    *metrics.Metrics
	log        logrus.FieldLogger
	cfg        Config
	now        func() time.Time
}

func New(store jobs.Store, starter Starter, pool resources.Pool, cc credits.Client, events jobs.EventPublisher, m *metrics.Metrics, log logrus.FieldLogger, cfg Config) *Scheduler {
	if cfg.MaxStartRetries <= 0 {
		cfg.MaxStartRetries = 5
	}
	if cfg.StaleLockTimeout <= 0 {
		cfg.StaleLockTimeout = 5 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatch
	}
	if pool == nil {
		pool = resources.NewMemoryPool(0)
	}
	if cc == nil {
		cc = credits.Nop{}
	}
	store = jobs.WithCallTimeout(store, cfg.CallTimeout)
	now := func() time.Time { return time.Now().UTC() }
	return &Scheduler{
		store:   store,
		starter: starter,
		pool:    pool,
		credits: cc,
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

// RunPass runs one scheduling pass and returns the number of per-job
// errors it logged.
func (s *Scheduler) RunPass(ctx context.Context) int {
	start := time.Now()
	errs := 0

	if err := s.FixStaleStarts(ctx); err != nil {
		s.log.WithError(err).Error("failed to reset stale starts")
		errs++
	}

	candidates, err := s.store.ListSchedulable(ctx, s.cfg.BatchSize)
	if err != nil {
		s.log.WithError(err).Error("failed to list schedulable jobs")
		s.metrics.PassFinished("scheduler", time.Since(start).Seconds(), errs+1)
		return errs + 1
	}
	s.recordDepth(candidates)

	active := -1
	if s.cfg.MaxConcurrentJobs > 0 {
		n, err := s.store.Count(ctx, jobs.Fields{jobs.ColState: jobs.MainExecutionStates})
		if err != nil {
			s.log.WithError(err).Error("failed to count active jobs")
			errs++
			n = int64(s.cfg.MaxConcurrentJobs)
		}
		active = int(n)
	}

	for _, job := range candidates {
		if ctx.Err() != nil {
			break
		}
		claimed, err := s.process(ctx, job, active)
		if err != nil {
			errs++
			s.log.WithError(err).WithFields(logrus.Fields{
				"job_id":   job.ID,
				"job_type": job.Type,
				"state":    job.State.String(),
			}).Error("failed to schedule job")
		}
		if claimed && active >= 0 {
			active++
		}
	}

	errs += s.Finalize(ctx)
	s.metrics.PassFinished("scheduler", time.Since(start).Seconds(), errs)
	return errs
}

func (s *Scheduler) recordDepth(candidates []*jobs.Job) {
	counts := map[jobs.State]int{jobs.StateSubmitted: 0, jobs.StateReadyForScheduling: 0, jobs.StateScheduled: 0}
	for _, j := range candidates {
		counts[j.State]++
	}
	for st, n := range counts {
		s.metrics.SetQueueDepth(st.String(), n)
	}
}

// process moves one candidate as far as it can go in this pass. It
// reports whether a new job entered SCHEDULED.
func (s *Scheduler) process(ctx context.Context, job *jobs.Job, active int) (bool, error) {
	switch job.State {
	case jobs.StateSubmitted:
		if err := s.Admit(ctx, job); err != nil {
			return false, err
		}
		if job.State != jobs.StateReadyForScheduling {
			return false, nil
		}
		fallthrough
	case jobs.StateReadyForScheduling:
		if active >= 0 && active >= s.cfg.MaxConcurrentJobs {
			return false, nil
		}
		ok, err := s.Claim(ctx, job)
		if err != nil || !ok {
			return false, err
		}
		return true, s.StartClaimed(ctx, job)
	case jobs.StateScheduled:
		ok, err := s.ClaimRetry(ctx, job)
		if err != nil || !ok {
			return false, err
		}
		return false, s.StartClaimed(ctx, job)
	}
	return false, nil
}

// Claim moves a READY_FOR_SCHEDULING job to SCHEDULED and sets the start
// marker. Only the replica whose update lands may start the job.
func (s *Scheduler) Claim(ctx context.Context, job *jobs.Job) (bool, error) {
	now := s.now()
	ok, err := s.transition.To(ctx, job,
		jobs.Fields{jobs.ColState: jobs.StateReadyForScheduling, jobs.ColIsCancelled: false},
		jobs.StateScheduled,
		jobs.Fields{jobs.ColMainProcessStartTime: now})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if !ok {
		s.metrics.ClaimLost()
		return false, nil
	}
	job.Executions.Main.ProcessStartTime = &now
	return true, nil
}

// ClaimRetry takes the start marker of a SCHEDULED job whose previous
// start failed. The retry counter in the condition makes the claim
// single-use per attempt.
func (s *Scheduler) ClaimRetry(ctx context.Context, job *jobs.Job) (bool, error) {
	main := job.Executions.Main
	if job.HasMainExecution() || main.ProcessStartTime != nil {
		return false, nil
	}
	idle := jobs.Fields{
		jobs.ColState:                jobs.StateScheduled,
		jobs.ColMainExecutionID:      nil,
		jobs.ColMainProcessStartTime: nil,
		jobs.ColMainStartRetries:     main.StartRetryCounter,
		jobs.ColIsCancelled:          false,
	}
	if main.StartRetryCounter >= s.cfg.MaxStartRetries {
		_, err := s.transition.To(ctx, job, idle, jobs.StateFailed, jobs.Fields{
			jobs.ColMessage: fmt.Sprintf("workflow execution could not be started after %d attempts", main.StartRetryCounter),
		})
		return false, err
	}

	now := s.now()
	ok, err := s.store.Update(ctx, job.ID, idle, jobs.Fields{jobs.ColMainProcessStartTime: now})
	if err != nil {
		return false, fmt.Errorf("claiming start retry: %w", err)
	}
	if !ok {
		s.metrics.ClaimLost()
		return false, nil
	}
	job.Executions.Main.ProcessStartTime = &now
	return true, nil
}

// StartClaimed asks the executor to start a job this replica holds the
// start marker of. A failed start either releases the marker for a
// later retry or fails the job once the budget is spent.
func (s *Scheduler) StartClaimed(ctx context.Context, job *jobs.Job) error {
	callCtx, cancel := s.callContext(ctx)
	_, err := s.starter.Start(callCtx, job)
	cancel()
	if err == nil {
		return nil
	}
	ctx, cancel = s.settleContext(ctx)
	defer cancel()

	// The counter identifies this attempt; a stale-start reset or another
	// replica's retry bumps it and makes these updates miss.
	held := jobs.Fields{
		jobs.ColState:            jobs.StateScheduled,
		jobs.ColMainExecutionID:  nil,
		jobs.ColMainStartRetries: job.Executions.Main.StartRetryCounter,
	}
	attempts := job.Executions.Main.StartRetryCounter + 1

	if errors.Is(err, execution.ErrPermanent) || attempts >= s.cfg.MaxStartRetries {
		ok, terr := s.transition.To(ctx, job, held, jobs.StateFailed, jobs.Fields{
			jobs.ColMessage:          "workflow execution could not be started: " + err.Error(),
			jobs.ColMainStartRetries: attempts,
		})
		if terr != nil {
			return fmt.Errorf("failing job after start error %v: %w", err, terr)
		}
		if !ok {
			s.metrics.ClaimLost()
		}
		return err
	}

	ok, uerr := s.store.Update(ctx, job.ID, held, jobs.Fields{
		jobs.ColMainProcessStartTime: nil,
		jobs.ColMainStartRetries:     attempts,
	})
	if uerr != nil {
		return fmt.Errorf("releasing start marker after %v: %w", err, uerr)
	}
	if ok {
		job.Executions.Main.ProcessStartTime = nil
		job.Executions.Main.StartRetryCounter = attempts
		s.log.WithError(err).WithFields(logrus.Fields{
			"job_id":  job.ID,
			"attempt": attempts,
		}).Warn("workflow start failed, will retry")
	}
	return err
}

// callContext bounds one call to the executor, the GPU pool or the
// credits service.
func (s *Scheduler) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.CallTimeout)
}

// settleContext is for recording the outcome of a call that may have
// used up its own deadline. It outlives a cancelled pass.
func (s *Scheduler) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CallTimeout)
}

// RestoreReservations rebuilds an in-memory pool from the jobs recorded
// as holding GPUs. Shared pools keep their own state and are left alone.
func (s *Scheduler) RestoreReservations(ctx context.Context) (int, error) {
	r, ok := s.pool.(resources.Restorer)
	if !ok {
		return 0, nil
	}
	held, err := s.store.Find(ctx, jobs.Fields{jobs.ColGPUState: jobs.GPUReserved}, jobs.Earliest, 0)
	if err != nil {
		return 0, fmt.Errorf("listing gpu reservations: %w", err)
	}
	for _, job := range held {
		if job.GPU != nil {
			r.Restore(job.ID, job.GPU.NumRequired)
		}
	}
	if len(held) > 0 {
		s.log.WithField("count", len(held)).Info("restored gpu reservations")
	}
	return len(held), nil
}

// FixStaleStarts releases start markers left behind by a replica that
// died between claiming and recording an execution.
func (s *Scheduler) FixStaleStarts(ctx context.Context) error {
	n, err := s.store.ResetStaleStarts(ctx, s.now().Add(-s.cfg.StaleLockTimeout))
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.WithField("count", n).Warn("released stale start markers")
	}
	return nil
}
